// Package agent wraps the text-generation and image-classification
// capabilities the interview pipeline depends on.
package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
)

var (
	// ErrMalformedResponse indicates the model answered with something that
	// does not decode into the requested schema.
	ErrMalformedResponse = errors.New("agent: malformed structured response")

	// ErrEmptyResponse indicates the model returned no text at all.
	ErrEmptyResponse = errors.New("agent: empty response")
)

type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Image is an inline image attachment.
type Image struct {
	Data     []byte
	MIMEType string
}

type Message struct {
	Role   Role
	Text   string
	Images []Image
}

// Request carries one generation call. A non-nil Schema asks the provider for
// a JSON document conforming to it.
type Request struct {
	System      string
	Messages    []Message
	Schema      *jsonschema.Schema
	Temperature *float32
	MaxTokens   int
}

// UserText is a shorthand for a single user message request.
func UserText(system, text string) Request {
	return Request{System: system, Messages: []Message{{Role: RoleUser, Text: text}}}
}

// Provider is implemented by every text-generation backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req Request) (string, error)
	// Stream calls onChunk for every text delta and returns the full text.
	Stream(ctx context.Context, req Request, onChunk func(string)) (string, error)
}

// ProviderError is returned for any failed call to a backend.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying cannot fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

func temperature(v float32) *float32 { return &v }
