package pipeline

import (
	"context"
	"slices"
	"strings"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/agent"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/consultation"
)

const (
	maxQuestions     = 5
	fatigueLimit     = 20
	reliableTop      = 85
	reliableRunnerUp = 60
)

// seekInformation replaces the question queue with the questions that would
// best separate the current candidates. The queue is stored reversed so its
// back holds the most useful question.
func seekInformation(ctx context.Context, r *run) error {
	r.st.Dirty = false
	if r.st.QuestionCount >= fatigueLimit || reliable(r.st.Report.Candidates) {
		r.st.Questions = nil
		return nil
	}

	report := r.st.Report
	system, err := render(infoSeekPrompt, struct {
		Evidences     map[string]string
		ImageAnalyses map[string]string
		Candidates    []consultation.Diagnosis
		Max           int
	}{report.Evidences, report.ImageAnalyses, report.Candidates, maxQuestions})
	if err != nil {
		return err
	}
	resp, err := agent.GenerateInto[infoSeekResponse](ctx, r.providers.Clinical,
		agent.UserText(system, "Review the case and list the most efficient next questions."))
	if err != nil {
		return err
	}

	questions := make([]string, 0, maxQuestions)
	for _, q := range resp.Questions {
		if q = strings.TrimSpace(q); q != "" {
			questions = append(questions, q)
		}
		if len(questions) == maxQuestions {
			break
		}
	}
	if len(questions) == 0 {
		r.st.Questions = nil
		return nil
	}
	slices.Reverse(questions)
	r.st.Questions = &consultation.QuestionQueue{Questions: questions}
	return nil
}

// reliable reports whether the leading candidate is clear enough that no
// further questions are needed.
func reliable(candidates []consultation.Diagnosis) bool {
	if len(candidates) == 0 {
		return false
	}
	ranked := sortedCandidates(candidates)
	if ranked[0].Probability <= reliableTop {
		return false
	}
	for _, c := range ranked[1:] {
		if c.Probability > reliableRunnerUp {
			return false
		}
	}
	return true
}
