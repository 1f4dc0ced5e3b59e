package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

var _ Provider = (*OpenAIClient)(nil)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint,
// which is how the MedGemma deployments are exposed.
type OpenAIClient struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

func NewOpenAIClient(baseURL, apiKey, model string, temp float32) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if strings.TrimSpace(baseURL) != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIClient{
		client:      openai.NewClientWithConfig(cfg),
		model:       model,
		temperature: temp,
		maxTokens:   defaultMaxTokens,
	}
}

func (c *OpenAIClient) Name() string { return "openai:" + c.model }

func (c *OpenAIClient) Generate(ctx context.Context, req Request) (string, error) {
	creq, err := c.buildRequest(req)
	if err != nil {
		return "", &ProviderError{Provider: c.Name(), Op: "generate", Err: &PermanentError{Err: err}}
	}
	resp, err := c.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return "", &ProviderError{Provider: c.Name(), Op: "generate", Err: classifyOpenAIError(err)}
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &ProviderError{Provider: c.Name(), Op: "generate", Err: ErrEmptyResponse}
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *OpenAIClient) Stream(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	creq, err := c.buildRequest(req)
	if err != nil {
		return "", &ProviderError{Provider: c.Name(), Op: "stream", Err: &PermanentError{Err: err}}
	}
	creq.Stream = true
	stream, err := c.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return "", &ProviderError{Provider: c.Name(), Op: "stream", Err: classifyOpenAIError(err)}
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), &ProviderError{Provider: c.Name(), Op: "stream", Err: err}
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		chunk := resp.Choices[0].Delta.Content
		sb.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
}

func (c *OpenAIClient) buildRequest(req Request) (openai.ChatCompletionRequest, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	creq := openai.ChatCompletionRequest{
		Model:               c.model,
		Temperature:         c.temperature,
		MaxCompletionTokens: maxTokens,
	}
	if req.Temperature != nil {
		creq.Temperature = *req.Temperature
	}
	if req.System != "" {
		creq.Messages = append(creq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		creq.Messages = append(creq.Messages, toOpenAIMessage(m))
	}
	if req.Schema != nil {
		raw, err := schemaJSON(req.Schema)
		if err != nil {
			return creq, fmt.Errorf("encode schema: %w", err)
		}
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   "response",
				Schema: raw,
			},
		}
	}
	return creq, nil
}

func toOpenAIMessage(m Message) openai.ChatCompletionMessage {
	role := openai.ChatMessageRoleUser
	if m.Role == RoleModel {
		role = openai.ChatMessageRoleAssistant
	}
	if len(m.Images) == 0 {
		return openai.ChatCompletionMessage{Role: role, Content: m.Text}
	}
	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: m.Text}}
	for _, img := range m.Images {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: DataURL(img)},
		})
	}
	return openai.ChatCompletionMessage{Role: role, MultiContent: parts}
}

// DataURL encodes an image as a base64 data URL.
func DataURL(img Image) string {
	return "data:" + img.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// classifyOpenAIError marks client errors other than rate limiting as permanent.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.HTTPStatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return &PermanentError{Err: err}
		}
	}
	return err
}
