// Package diseasechat streams a focused conversation about one candidate
// condition of a consultation.
package diseasechat

import (
	"bytes"
	"context"
	"errors"
	"maps"
	"slices"
	"strings"
	"text/template"

	"go.uber.org/zap"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/agent"
)

const historyLimit = 20

type Disease struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Likelihood float64 `json:"likelihood"`
	Reason     string  `json:"reason"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Message             string            `json:"message"`
	Disease             Disease           `json:"disease"`
	Evidences           map[string]string `json:"evidences"`
	ConversationHistory []Message         `json:"conversationHistory"`
}

// ErrNoDisease is returned for a request that does not name a condition.
var ErrNoDisease = errors.New("diseasechat: disease name is required")

type Service struct {
	provider agent.Provider
	logger   *zap.Logger
}

func NewService(provider agent.Provider, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{provider: provider, logger: logger}
}

// Stream answers req, passing every text delta to onChunk. An empty message
// asks for the initial explanation of the condition.
func (s *Service) Stream(ctx context.Context, req Request, onChunk func(string)) error {
	if strings.TrimSpace(req.Disease.Name) == "" {
		return ErrNoDisease
	}
	llmReq, err := buildRequest(req)
	if err != nil {
		return err
	}
	log := s.logger.With(zap.String("disease", req.Disease.Name))
	log.Debug("disease chat request", zap.Int("history", len(llmReq.Messages)-1))

	_, err = s.provider.Stream(ctx, llmReq, func(chunk string) {
		if chunk != "" {
			onChunk(chunk)
		}
	})
	if err != nil {
		log.Warn("disease chat stream failed", zap.Error(err))
	}
	return err
}

func buildRequest(req Request) (agent.Request, error) {
	data := struct {
		Disease  Disease
		Symptoms string
	}{req.Disease, symptoms(req.Evidences)}

	if strings.TrimSpace(req.Message) == "" {
		system, err := render(analysisSystem, data)
		if err != nil {
			return agent.Request{}, err
		}
		task, err := render(analysisTask, data)
		if err != nil {
			return agent.Request{}, err
		}
		return agent.UserText(system, task), nil
	}

	system, err := render(followUpSystem, data)
	if err != nil {
		return agent.Request{}, err
	}
	history := req.ConversationHistory
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	msgs := make([]agent.Message, 0, len(history)+1)
	for _, m := range history {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := agent.RoleModel
		if m.Role == "user" {
			role = agent.RoleUser
		}
		msgs = append(msgs, agent.Message{Role: role, Text: m.Content})
	}
	msgs = append(msgs, agent.Message{Role: agent.RoleUser, Text: req.Message})
	return agent.Request{System: system, Messages: msgs}, nil
}

func symptoms(evidences map[string]string) string {
	if len(evidences) == 0 {
		return "- None reported."
	}
	var sb strings.Builder
	for i, k := range slices.Sorted(maps.Keys(evidences)) {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString("- " + k + ": " + evidences[k])
	}
	return sb.String()
}

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var analysisSystem = template.Must(template.New("analysis-system").Parse(`You are an expert medical assistant conducting a deep dive analysis of one condition for a patient.

# CONTEXT
- Selected condition: {{.Disease.Name}}
- Likelihood: {{printf "%.0f" .Disease.Likelihood}}%
- Reasoning: {{.Disease.Reason}}

# EVIDENCE REPORTED BY THE PATIENT
{{.Symptoms}}

# TONE
Professional, empathetic and objective. Do not diagnose. Use phrases such as "This aligns with..." or "This suggests...".`))

var analysisTask = template.Must(template.New("analysis-task").Parse(`Provide a structured but short initial explanation of why {{.Disease.Name}} is a potential match.

1. Brief introduction: connect the patient's key symptoms to the condition in a few sentences.
2. Symptom comparison table in markdown with three columns:
   - Symptom
   - Typical for {{.Disease.Name}}? (Yes, No or Maybe with a brief note)
   - Patient has it? (Yes with details, or No)
   Include the symptoms the patient has and the key symptoms of the condition that are missing.
3. Next steps: one sentence inviting the patient to ask specific questions.`))

var followUpSystem = template.Must(template.New("follow-up").Parse(`You are an expert medical assistant discussing the condition "{{.Disease.Name}}" with a patient.

# PATIENT CONTEXT
{{.Symptoms}}

# MATCH INFO
{{.Disease.Reason}}

# INSTRUCTIONS
- Answer the question specifically about {{.Disease.Name}}.
- Relate the answer to the patient's reported symptoms when relevant.
- Keep answers concise but informative and use markdown.
- For treatment or medication questions give general information and state that you are an AI and the patient should see a doctor.`))
