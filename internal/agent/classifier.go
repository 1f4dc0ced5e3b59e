package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// ErrClassifierUnavailable is returned when the skin classifier cannot be
// reached or answers with a non-200 status.
var ErrClassifierUnavailable = errors.New("agent: skin classifier unavailable")

const classifierTimeout = 5 * time.Second

// Prediction is one label scored by the skin classifier.
type Prediction struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

type SkinClassifier interface {
	Classify(ctx context.Context, image []byte) ([]Prediction, error)
}

type medaiClient struct {
	url        string
	httpClient *http.Client
}

// NewSkinClassifier talks to the classifier service at baseURL. An empty
// baseURL yields nil, meaning no classifier is configured.
func NewSkinClassifier(baseURL string) SkinClassifier {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil
	}
	return &medaiClient{
		url:        baseURL + "/classify",
		httpClient: &http.Client{Timeout: classifierTimeout},
	}
}

func (c *medaiClient) Classify(ctx context.Context, image []byte) ([]Prediction, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "image.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(image); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: %s - %s", ErrClassifierUnavailable, resp.Status, string(respBody))
	}

	var result []Prediction
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrClassifierUnavailable, err)
	}
	return result, nil
}
