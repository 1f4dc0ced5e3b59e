package pipeline

import (
	"context"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/agent"
)

// reconcileQuestions drops the pending questions the record already answers,
// starting from the back of the queue.
//
// When the first question checked is unanswered although new evidence arrived,
// the whole queue is discarded as stale. This can throw away questions that
// were still valid.
func reconcileQuestions(ctx context.Context, r *run) error {
	q := r.st.Questions
	if q.Len() == 0 {
		return nil
	}
	system, err := render(answerablePrompt, r.st.Report)
	if err != nil {
		return err
	}

	answered := false
	for q.Len() > 0 {
		question, _ := q.Peek()
		resp, err := agent.GenerateInto[yesNoResponse](ctx, r.providers.General,
			agent.UserText(system, "Is this question answered by the record?\n\nQuestion: "+question))
		if err != nil {
			return err
		}
		if resp.Answer != "yes" {
			if !answered && r.st.Dirty {
				q.Questions = []string{}
			}
			return nil
		}
		q.Pop()
		r.st.QuestionCount++
		answered = true
	}
	return nil
}
