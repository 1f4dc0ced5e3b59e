// Package agenttest provides test doubles for agent interfaces using function fields.
package agenttest

import (
	"context"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/agent"
)

var (
	_ agent.Provider       = (*Provider)(nil)
	_ agent.SkinClassifier = (*Classifier)(nil)
)

// Provider is a test double for agent.Provider.
// Set GenerateFn and, if needed, StreamFn before use.
type Provider struct {
	NameValue  string
	GenerateFn func(ctx context.Context, req agent.Request) (string, error)
	StreamFn   func(ctx context.Context, req agent.Request, onChunk func(string)) (string, error)
}

func (p *Provider) Name() string {
	if p.NameValue == "" {
		return "mock"
	}
	return p.NameValue
}

// Generate delegates to GenerateFn.
func (p *Provider) Generate(ctx context.Context, req agent.Request) (string, error) {
	return p.GenerateFn(ctx, req)
}

// Stream delegates to StreamFn. Without one it calls GenerateFn and emits
// the whole answer as a single chunk.
func (p *Provider) Stream(ctx context.Context, req agent.Request, onChunk func(string)) (string, error) {
	if p.StreamFn != nil {
		return p.StreamFn(ctx, req, onChunk)
	}
	out, err := p.GenerateFn(ctx, req)
	if err == nil && onChunk != nil && out != "" {
		onChunk(out)
	}
	return out, err
}

// Classifier is a test double for agent.SkinClassifier.
type Classifier struct {
	ClassifyFn func(ctx context.Context, image []byte) ([]agent.Prediction, error)
}

// Classify delegates to ClassifyFn.
func (c *Classifier) Classify(ctx context.Context, image []byte) ([]agent.Prediction, error) {
	return c.ClassifyFn(ctx, image)
}
