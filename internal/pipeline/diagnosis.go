package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/agent"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/consultation"
)

const (
	minProbability = 65
	nextRequest    = "next disease"
)

// suggestDiagnosis asks for one more condition and records the exchange in
// the scratch buffer.
func suggestDiagnosis(ctx context.Context, r *run) error {
	r.st.Dirty = false
	report := r.st.Report

	system, err := render(suggestionPrompt, struct {
		Evidences     map[string]string
		ImageAnalyses map[string]string
		ModelRaw      map[string]string
	}{report.Evidences, report.ImageAnalyses, report.DiseaseModelRaw})
	if err != nil {
		return err
	}

	request := consultation.Turn{Role: consultation.RoleUser, Content: nextRequest}
	req := agent.Request{System: system, Messages: toMessages(append(slices.Clone(r.st.Scratch), request))}
	resp, err := agent.GenerateInto[suggestionResponse](ctx, r.providers.Clinical, req)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	request.CreatedAt = now
	r.st.Scratch = append(r.st.Scratch, request, consultation.Turn{
		Role:      consultation.RoleAssistant,
		Content:   string(encoded),
		CreatedAt: now,
	})
	return nil
}

// processDiagnosis folds the latest suggestion into the candidate list. The
// first fold of a loop replaces whatever list the previous run left behind.
func processDiagnosis(ctx context.Context, r *run) error {
	r.st.Dirty = false
	scratch := r.st.Scratch
	if len(scratch) <= 1 {
		return nil
	}
	s, ok := latestSuggestion(scratch)
	if !ok {
		return errors.New("latest suggestion is unreadable")
	}
	if s.Disease == nil || s.Disease.Name == "" {
		return nil
	}
	if len(scratch) == 2 {
		r.st.Report.Candidates = []consultation.Diagnosis{}
	}
	r.st.Report.Candidates = append(r.st.Report.Candidates, *s.Disease)
	return nil
}

// sortCandidates orders candidates by descending probability, keeping
// insertion order on ties, and clears the scratch buffer.
func sortCandidates(ctx context.Context, r *run) error {
	r.st.Report.Candidates = sortedCandidates(r.st.Report.Candidates)
	r.st.Scratch = []consultation.Turn{}
	return nil
}

func sortedCandidates(in []consultation.Diagnosis) []consultation.Diagnosis {
	out := make([]consultation.Diagnosis, len(in))
	copy(out, in)
	slices.SortStableFunc(out, func(a, b consultation.Diagnosis) int {
		return b.Probability - a.Probability
	})
	return out
}

func latestSuggestion(scratch []consultation.Turn) (suggestionResponse, bool) {
	var s suggestionResponse
	if len(scratch) == 0 {
		return s, false
	}
	last := scratch[len(scratch)-1]
	if last.Role != consultation.RoleAssistant {
		return s, false
	}
	if err := json.Unmarshal([]byte(last.Content), &s); err != nil {
		return s, false
	}
	return s, true
}

func toMessages(turns []consultation.Turn) []agent.Message {
	out := make([]agent.Message, 0, len(turns))
	for _, t := range turns {
		role := agent.RoleUser
		if t.Role == consultation.RoleAssistant {
			role = agent.RoleModel
		}
		out = append(out, agent.Message{Role: role, Text: t.Content})
	}
	return out
}
