package agent_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/agent"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/agent/agenttest"
)

type verdict struct {
	Name  string `json:"name"`
	Score int    `json:"score"`
}

func (v *verdict) Validate() error {
	if v.Score < 0 || v.Score > 100 {
		return errors.New("score out of range")
	}
	return nil
}

func TestGenerateInto_DecodesAndAttachesSchema(t *testing.T) {
	t.Parallel()
	var seen agent.Request
	p := &agenttest.Provider{GenerateFn: func(ctx context.Context, req agent.Request) (string, error) {
		seen = req
		return `{"name":"Flu","score":70}`, nil
	}}

	out, err := agent.GenerateInto[verdict](context.Background(), p, agent.UserText("sys", "hi"))

	require.NoError(t, err)
	assert.Equal(t, verdict{Name: "Flu", Score: 70}, out)
	require.NotNil(t, seen.Schema)
	assert.Contains(t, seen.Schema.Properties, "score")
}

func TestGenerateInto_StripsCodeFence(t *testing.T) {
	t.Parallel()
	p := &agenttest.Provider{GenerateFn: func(ctx context.Context, req agent.Request) (string, error) {
		return "```json\n{\"name\":\"Cold\",\"score\":10}\n```", nil
	}}

	out, err := agent.GenerateInto[verdict](context.Background(), p, agent.Request{})

	require.NoError(t, err)
	assert.Equal(t, "Cold", out.Name)
}

func TestGenerateInto_MalformedResponse(t *testing.T) {
	t.Parallel()
	p := &agenttest.Provider{GenerateFn: func(ctx context.Context, req agent.Request) (string, error) {
		return "I think it is the flu", nil
	}}

	_, err := agent.GenerateInto[verdict](context.Background(), p, agent.Request{})

	assert.ErrorIs(t, err, agent.ErrMalformedResponse)
	var pErr *agent.ProviderError
	assert.ErrorAs(t, err, &pErr)
}

func TestGenerateInto_RunsValidator(t *testing.T) {
	t.Parallel()
	p := &agenttest.Provider{GenerateFn: func(ctx context.Context, req agent.Request) (string, error) {
		return `{"name":"Flu","score":170}`, nil
	}}

	_, err := agent.GenerateInto[verdict](context.Background(), p, agent.Request{})

	assert.ErrorIs(t, err, agent.ErrMalformedResponse)
}
