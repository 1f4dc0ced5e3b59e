package pipeline

import (
	"context"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/agent"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/consultation"
)

const (
	replyWindow   = 15
	fallbackReply = "I have encountered an error! Please try again later."
	panelName     = "Disease Panel"
	panelRedirect = "You can review the full results and explore each possible condition in the **Disease Panel**."
)

// candidateView hides raw probabilities from the reply prompt.
type candidateView struct {
	Name       string `json:"name"`
	Likelihood string `json:"likelihood"`
	Reason     string `json:"reason"`
}

func likelihood(p int) string {
	switch {
	case p >= 75:
		return "high"
	case p >= 50:
		return "medium"
	default:
		return "low"
	}
}

// composeReply appends the next assistant turn. It never fails: provider
// errors produce a fixed apology instead.
func composeReply(ctx context.Context, r *run) error {
	r.st.Dirty = false
	if r.pending != nil {
		r.st.Turns = append(r.st.Turns, *r.pending)
		r.pending = nil
	}

	reply, err := r.generateReply(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.log.Error("interview reply failed", zap.Error(err))
		reply = consultation.NewAssistantTurn(fallbackReply, nil)
	}
	r.st.Turns = append(r.st.Turns, reply)
	return nil
}

func (r *run) generateReply(ctx context.Context) (consultation.Turn, error) {
	st := r.st
	hint, _ := st.Questions.Peek()
	var upcoming []string
	if n := st.Questions.Len(); n > 1 {
		upcoming = slices.Clone(st.Questions.Questions[:n-1])
		slices.Reverse(upcoming)
	}
	wrapUp := mustWrapUp(st)

	views := make([]candidateView, len(st.Report.Candidates))
	for i, c := range st.Report.Candidates {
		views[i] = candidateView{Name: c.Name, Likelihood: likelihood(c.Probability), Reason: c.Reasoning}
	}
	system, err := render(interviewPrompt, struct {
		Evidences     map[string]string
		Candidates    []candidateView
		ImageAnalyses map[string]string
		Hint          string
		QuestionCount int
		Upcoming      []string
		WrapUp        bool
	}{st.Report.Evidences, views, st.Report.ImageAnalyses, hint, st.QuestionCount, upcoming, wrapUp})
	if err != nil {
		return consultation.Turn{}, err
	}

	turns := st.Turns
	if len(turns) > replyWindow {
		turns = turns[len(turns)-replyWindow:]
	}
	resp, err := agent.GenerateInto[interviewResponse](ctx, r.providers.General,
		agent.Request{System: system, Messages: toMessages(turns)})
	if err != nil {
		return consultation.Turn{}, err
	}
	message := strings.TrimSpace(resp.Message)
	if message == "" {
		return consultation.Turn{}, agent.ErrEmptyResponse
	}
	if wrapUp && !strings.Contains(strings.ToLower(message), strings.ToLower(panelName)) {
		message += "\n\n" + panelRedirect
	}
	actions := resp.SuggestedActions
	if actions == nil {
		actions = []string{}
	}
	return consultation.NewAssistantTurn(message, actions), nil
}

// mustWrapUp reports whether the interview has reached an exit condition.
func mustWrapUp(st *consultation.State) bool {
	if st.QuestionCount >= fatigueLimit {
		return true
	}
	if st.Questions.Len() > 0 {
		return false
	}
	for _, c := range st.Report.Candidates {
		if c.Probability > reliableTop {
			return true
		}
	}
	return false
}
