package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const (
	defaultGeminiModel = "gemini-2.5-flash"
	defaultMaxTokens   = 2048
)

var _ Provider = (*GeminiClient)(nil)

// GeminiClient talks to the Gemini API through the official genai SDK.
type GeminiClient struct {
	client      *genai.Client
	model       string
	temperature *float32
	maxTokens   int
}

type GeminiOption func(*GeminiClient)

func WithGeminiModel(model string) GeminiOption {
	return func(c *GeminiClient) {
		if strings.TrimSpace(model) != "" {
			c.model = model
		}
	}
}

func WithGeminiTemperature(t float32) GeminiOption {
	return func(c *GeminiClient) { c.temperature = temperature(t) }
}

func NewGeminiClient(ctx context.Context, apiKey string, opts ...GeminiOption) (*GeminiClient, error) {
	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: %w", err)
	}
	c := &GeminiClient{
		client:      gc,
		model:       defaultGeminiModel,
		temperature: temperature(0.1),
		maxTokens:   defaultMaxTokens,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func (c *GeminiClient) Name() string { return "gemini:" + c.model }

func (c *GeminiClient) Generate(ctx context.Context, req Request) (string, error) {
	config, err := c.buildConfig(req)
	if err != nil {
		return "", &ProviderError{Provider: c.Name(), Op: "generate", Err: &PermanentError{Err: err}}
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, convertMessages(req.Messages), config)
	if err != nil {
		return "", &ProviderError{Provider: c.Name(), Op: "generate", Err: err}
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", &ProviderError{Provider: c.Name(), Op: "generate", Err: ErrEmptyResponse}
	}
	return text, nil
}

func (c *GeminiClient) Stream(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	config, err := c.buildConfig(req)
	if err != nil {
		return "", &ProviderError{Provider: c.Name(), Op: "stream", Err: &PermanentError{Err: err}}
	}
	var sb strings.Builder
	for resp, err := range c.client.Models.GenerateContentStream(ctx, c.model, convertMessages(req.Messages), config) {
		if err != nil {
			return sb.String(), &ProviderError{Provider: c.Name(), Op: "stream", Err: err}
		}
		chunk := resp.Text()
		if chunk == "" {
			continue
		}
		sb.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	}
	return sb.String(), nil
}

func (c *GeminiClient) buildConfig(req Request) (*genai.GenerateContentConfig, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}
	config := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
		Temperature:     c.temperature,
	}
	if req.Temperature != nil {
		config.Temperature = req.Temperature
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.Schema != nil {
		raw, err := schemaJSON(req.Schema)
		if err != nil {
			return nil, err
		}
		var schema map[string]any
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, err
		}
		config.ResponseMIMEType = "application/json"
		config.ResponseJsonSchema = schema
	}
	return config, nil
}

func convertMessages(msgs []Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == RoleModel {
			role = "model"
		}
		var parts []*genai.Part
		if m.Text != "" {
			parts = append(parts, &genai.Part{Text: m.Text})
		}
		for _, img := range m.Images {
			parts = append(parts, &genai.Part{InlineData: &genai.Blob{MIMEType: img.MIMEType, Data: img.Data}})
		}
		if len(parts) == 0 {
			continue
		}
		out = append(out, &genai.Content{Role: role, Parts: parts})
	}
	return out
}
