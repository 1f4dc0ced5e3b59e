package pipeline_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/agent"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/agent/agenttest"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/consultation"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/media"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/pipeline"
)

const sessionID = "session-1"

// script answers every provider call by the shape of the requested document.
type script struct {
	mu    sync.Mutex
	calls map[string]int

	extract     func(req agent.Request) (string, error)
	vision      func(req agent.Request) (string, error)
	rewrite     func(req agent.Request) (string, error)
	answerable  func(question string) (string, error)
	suggestions []string
	questions   func(req agent.Request) (string, error)
	reply       func(req agent.Request) (string, error)
}

func kindOf(req agent.Request) string {
	if req.Schema == nil {
		return "rewrite"
	}
	for _, k := range []string{"evidence_list", "image_description", "answer", "disease", "questions", "message"} {
		if _, ok := req.Schema.Properties[k]; ok {
			return k
		}
	}
	return "unknown"
}

func (s *script) generate(_ context.Context, req agent.Request) (string, error) {
	s.mu.Lock()
	kind := kindOf(req)
	if s.calls == nil {
		s.calls = map[string]int{}
	}
	n := s.calls[kind]
	s.calls[kind]++
	s.mu.Unlock()

	call := func(fn func(agent.Request) (string, error), def string) (string, error) {
		if fn == nil {
			return def, nil
		}
		return fn(req)
	}
	switch kind {
	case "evidence_list":
		return call(s.extract, `{}`)
	case "image_description":
		return call(s.vision, `{"image_description":"- unremarkable"}`)
	case "rewrite":
		return call(s.rewrite, "No notable findings.")
	case "answer":
		if s.answerable == nil {
			return `{"answer":"no"}`, nil
		}
		text := req.Messages[len(req.Messages)-1].Text
		return s.answerable(text[strings.LastIndex(text, "Question: ")+len("Question: "):])
	case "disease":
		if n < len(s.suggestions) {
			return s.suggestions[n], nil
		}
		return fmt.Sprintf(`{"index":%d,"disease":null}`, n), nil
	case "questions":
		return call(s.questions, `{"questions":["How high is the fever?","Any cough?"]}`)
	case "message":
		return call(s.reply, `{"message":"How long have you had it?","suggested_actions":["1 day","3 days"]}`)
	}
	return "", errors.New("unexpected request")
}

func (s *script) count(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[kind]
}

func suggestion(i int, name string, p int) string {
	return fmt.Sprintf(`{"index":%d,"disease":{"disease_name":%q,"match_reason":"fits","match_probability":%d}}`, i, name, p)
}

func evidence(title, value string) func(agent.Request) (string, error) {
	return func(agent.Request) (string, error) {
		return fmt.Sprintf(`{"evidence_list":[{"evidence_title":%q,"evidence_value":%q}]}`, title, value), nil
	}
}

type harness struct {
	t      *testing.T
	script *script
	repo   consultation.Repository
	store  *consultation.Store
	images *media.MemoryStore
	engine *pipeline.Engine
	events []consultation.Event
}

func newHarness(t *testing.T, s *script, opts ...pipeline.Option) *harness {
	t.Helper()
	p := &agenttest.Provider{GenerateFn: s.generate}
	repo := consultation.NewMemoryRepository()
	store := consultation.NewStore(repo, nil)
	images := media.NewMemoryStore()
	engine, err := pipeline.NewEngine(pipeline.Providers{General: p, Clinical: p, Vision: p}, images, store, opts...)
	require.NoError(t, err)
	return &harness{t: t, script: s, repo: repo, store: store, images: images, engine: engine}
}

func (h *harness) seed(st *consultation.State) {
	h.t.Helper()
	require.NoError(h.t, h.store.Save(context.Background(), sessionID, st, ""))
}

func (h *harness) run(ctx context.Context, in consultation.ChatInput) error {
	h.events = nil
	if in.SessionID == "" {
		in.SessionID = sessionID
	}
	return h.engine.Run(ctx, in, func(ev consultation.Event) {
		h.events = append(h.events, ev)
	})
}

func (h *harness) state() *consultation.State {
	h.t.Helper()
	st, err := h.store.Load(context.Background(), sessionID)
	require.NoError(h.t, err)
	return st
}

func (h *harness) ofType(typ consultation.EventType) []consultation.Event {
	var out []consultation.Event
	for _, ev := range h.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// terminal asserts that the stream ends with exactly one terminal event.
func (h *harness) terminal() consultation.Event {
	h.t.Helper()
	require.NotEmpty(h.t, h.events)
	count := 0
	for _, ev := range h.events {
		if ev.Terminal() {
			count++
		}
	}
	require.Equal(h.t, 1, count)
	last := h.events[len(h.events)-1]
	require.True(h.t, last.Terminal())
	return last
}

func (h *harness) notSaved() {
	h.t.Helper()
	_, err := h.repo.Get(context.Background(), sessionID)
	assert.ErrorIs(h.t, err, consultation.ErrNotFound)
}

func TestRun_FeverFirstMessage(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &script{extract: evidence("Fever", "Present; 3 days")})

	require.NoError(t, h.run(context.Background(), consultation.ChatInput{Message: "I have had a fever for 3 days"}))

	st := h.state()
	assert.Equal(t, map[string]string{"Fever": "Present; 3 days"}, st.Report.Evidences)
	require.Len(t, st.Turns, 2)
	assert.Equal(t, consultation.RoleUser, st.Turns[0].Role)
	assert.Equal(t, "I have had a fever for 3 days", st.Turns[0].Content)
	assert.Equal(t, consultation.RoleAssistant, st.Turns[1].Role)
	require.NotNil(t, st.Questions)
	assert.Equal(t, []string{"Any cough?", "How high is the fever?"}, st.Questions.Questions)
	assert.Empty(t, st.Scratch)
	assert.False(t, st.Dirty)

	updates := h.ofType(consultation.EventReportUpdate)
	require.NotEmpty(t, updates)
	assert.Equal(t, "Present; 3 days", updates[0].Payload.(consultation.ReportPayload).Evidences["Fever"])

	progress := h.ofType(consultation.EventProgress)
	require.NotEmpty(t, progress)
	assert.Equal(t, consultation.ProgressPayload{Message: "Reading your message...", Node: "start"}, progress[0].Payload)
	assert.Contains(t, progress, consultation.ProgressEvent("Updating medical records...", "pre-report-update"))

	result := h.terminal()
	assert.Equal(t, consultation.EventResult, result.Type)
	payload := result.Payload.(consultation.ResultPayload)
	assert.Equal(t, "How long have you had it?", payload.Message)
	assert.Equal(t, []string{"1 day", "3 days"}, payload.SuggestedActions)
}

func TestRun_NoNewEvidenceSkipsDiagnosis(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &script{})

	require.NoError(t, h.run(context.Background(), consultation.ChatInput{Message: "hello"}))

	assert.Zero(t, h.script.count("disease"))
	assert.Zero(t, h.script.count("questions"))
	assert.Empty(t, h.ofType(consultation.EventReportUpdate))
	assert.Contains(t, h.events, consultation.ProgressEvent("Preparing response...", "pre-report-update"))
	h.terminal()
}

func TestRun_SuggestionLoopStopsBelowThreshold(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &script{
		extract: evidence("Cough", "Present; dry"),
		suggestions: []string{
			suggestion(0, "Bronchitis", 80),
			suggestion(1, "Asthma", 70),
			suggestion(2, "Common cold", 60),
		},
	})
	seed := consultation.NewState()
	seed.Report.Candidates = []consultation.Diagnosis{{Name: "Stale", Probability: 99}}
	h.seed(seed)

	require.NoError(t, h.run(context.Background(), consultation.ChatInput{Message: "dry cough"}))

	assert.Equal(t, 3, h.script.count("disease"))
	st := h.state()
	require.Len(t, st.Report.Candidates, 2)
	assert.Equal(t, "Bronchitis", st.Report.Candidates[0].Name)
	assert.Equal(t, 80, st.Report.Candidates[0].Probability)
	assert.Equal(t, "Asthma", st.Report.Candidates[1].Name)
	assert.Equal(t, 70, st.Report.Candidates[1].Probability)
	assert.Empty(t, st.Scratch)

	diag := h.ofType(consultation.EventDiagnosisUpdate)
	require.Len(t, diag, 3)
	first := diag[0].Payload.(consultation.DiagnosisPayload).Diseases
	require.Len(t, first, 1)
	assert.Equal(t, "Bronchitis", first[0].Name)
	assert.Contains(t, h.events, consultation.ProgressEvent("Found potential match: Asthma", "process-diagnosis"))
	h.terminal()
}

func TestRun_SuggestionLoopIsBounded(t *testing.T) {
	t.Parallel()
	s := &script{extract: evidence("Headache", "Present")}
	for i := 0; i < 30; i++ {
		s.suggestions = append(s.suggestions, suggestion(i, fmt.Sprintf("Condition %d", i), 70))
	}
	h := newHarness(t, s)

	require.NoError(t, h.run(context.Background(), consultation.ChatInput{Message: "headache"}))

	assert.Equal(t, 10, s.count("disease"))
	assert.Len(t, h.state().Report.Candidates, 9)
	h.terminal()
}

func TestRun_ReliableLeaderWrapsUp(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &script{
		extract:     evidence("Rash", "Present; ring shaped"),
		suggestions: []string{suggestion(0, "Tinea corporis", 90), suggestion(1, "Eczema", 40)},
		reply: func(agent.Request) (string, error) {
			return `{"message":"Thank you, I have what I need.","suggested_actions":[]}`, nil
		},
	})

	require.NoError(t, h.run(context.Background(), consultation.ChatInput{Message: "ring shaped rash"}))

	assert.Zero(t, h.script.count("questions"))
	st := h.state()
	assert.Nil(t, st.Questions)
	require.Len(t, st.Report.Candidates, 1)

	payload := h.terminal().Payload.(consultation.ResultPayload)
	assert.True(t, strings.HasPrefix(payload.Message, "Thank you, I have what I need."))
	assert.Contains(t, payload.Message, "Disease Panel")
}

func TestRun_QuestionFatigue(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &script{
		extract:     evidence("Nausea", "Present"),
		suggestions: []string{suggestion(0, "Gastritis", 70)},
	})
	seed := consultation.NewState()
	seed.QuestionCount = 20
	h.seed(seed)

	require.NoError(t, h.run(context.Background(), consultation.ChatInput{Message: "I feel sick"}))

	assert.Zero(t, h.script.count("questions"))
	assert.Nil(t, h.state().Questions)
	assert.Contains(t, h.terminal().Payload.(consultation.ResultPayload).Message, "Disease Panel")
}

func TestRun_ReconcilesAnsweredQuestions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &script{
		extract: evidence("Cough", "Present; 2 weeks"),
		answerable: func(q string) (string, error) {
			if q == "How long have you had the cough?" {
				return `{"answer":"yes"}`, nil
			}
			return `{"answer":"no"}`, nil
		},
	})
	seed := consultation.NewState()
	seed.Questions = &consultation.QuestionQueue{Questions: []string{"Any fever?", "How long have you had the cough?"}}
	seed.QuestionCount = 3
	h.seed(seed)

	require.NoError(t, h.run(context.Background(), consultation.ChatInput{Message: "two weeks"}))

	st := h.state()
	require.NotNil(t, st.Questions)
	assert.Equal(t, []string{"Any fever?"}, st.Questions.Questions)
	assert.Equal(t, 4, st.QuestionCount)
	assert.Zero(t, h.script.count("disease"))
	h.terminal()
}

func TestRun_StaleQuestionsAreDiscarded(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &script{extract: evidence("Chest pain", "Present")})
	seed := consultation.NewState()
	seed.Questions = &consultation.QuestionQueue{Questions: []string{"Any cough?", "Any fever?"}}
	h.seed(seed)

	require.NoError(t, h.run(context.Background(), consultation.ChatInput{Message: "my chest hurts"}))

	assert.Equal(t, 1, h.script.count("answer"))
	assert.Equal(t, 1, h.script.count("disease"))
	st := h.state()
	require.NotNil(t, st.Questions)
	assert.Equal(t, []string{"Any cough?", "How high is the fever?"}, st.Questions.Questions)
	assert.Zero(t, st.QuestionCount)
}

func TestRun_FailedStageRollsBack(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &script{
		extract: func(agent.Request) (string, error) { return `not json`, nil },
	})

	require.NoError(t, h.run(context.Background(), consultation.ChatInput{Message: "fever"}))

	st := h.state()
	assert.Empty(t, st.Report.Evidences)
	require.Len(t, st.Turns, 2)
	assert.Equal(t, "fever", st.Turns[0].Content)
	assert.Zero(t, h.script.count("disease"))
	assert.Equal(t, consultation.EventResult, h.terminal().Type)
}

func TestRun_TotalProviderFailureStillReplies(t *testing.T) {
	t.Parallel()
	boom := func(agent.Request) (string, error) { return "", errors.New("provider down") }
	h := newHarness(t, &script{extract: boom, reply: boom})

	require.NoError(t, h.run(context.Background(), consultation.ChatInput{Message: "fever"}))

	payload := h.terminal().Payload.(consultation.ResultPayload)
	assert.Equal(t, "I have encountered an error! Please try again later.", payload.Message)
	st := h.state()
	require.Len(t, st.Turns, 2)
	assert.Equal(t, "I have encountered an error! Please try again later.", st.Turns[1].Content)
}

func TestRun_UploadFailureSavesNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &script{})

	err := h.run(context.Background(), consultation.ChatInput{Message: "see photo", Image: "%%% not base64 %%%"})

	var runErr *pipeline.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "ingest", runErr.Stage)
	assert.Equal(t, consultation.ErrorEvent("Image upload failed! Please try again."), h.terminal())
	assert.Zero(t, h.script.count("evidence_list"))
	h.notSaved()
}

func TestRun_PanicAbortsRun(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &script{
		extract: func(agent.Request) (string, error) { panic("unexpected") },
	})

	err := h.run(context.Background(), consultation.ChatInput{Message: "fever"})

	var runErr *pipeline.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, "pre-report-update", runErr.Stage)
	assert.Equal(t, consultation.ErrorEvent("Assistant failed! Please try again."), h.terminal())
	h.notSaved()
}

func TestRun_CancellationSavesNothing(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h := newHarness(t, &script{
		extract: func(agent.Request) (string, error) {
			cancel()
			return "", context.Canceled
		},
	})

	err := h.run(ctx, consultation.ChatInput{Message: "fever"})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, consultation.EventError, h.terminal().Type)
	assert.Zero(t, h.script.count("message"))
	h.notSaved()
}

func pngUpload(t *testing.T) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		for y := 0; y < 4; y++ {
			img.Set(x, y, color.RGBA{R: 200, G: 80, B: 80, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestRun_AnalyzesUploadedImage(t *testing.T) {
	t.Parallel()
	var visionReq agent.Request
	var classified []byte
	s := &script{
		vision: func(req agent.Request) (string, error) {
			visionReq = req
			return `{"image_description":"- red patch","image_title":"Dermatological Photo of Forearm","diseases":"eczema 0.6","has_skin":true}`, nil
		},
		rewrite: func(req agent.Request) (string, error) {
			if !strings.Contains(req.Messages[0].Text, "ai_predictions") {
				return "", errors.New("classifier output missing")
			}
			return "Eczema is the most likely match.", nil
		},
	}
	classifier := &agenttest.Classifier{ClassifyFn: func(_ context.Context, img []byte) ([]agent.Prediction, error) {
		classified = img
		return []agent.Prediction{{Name: "eczema", Score: 0.8}}, nil
	}}
	h := newHarness(t, s, pipeline.WithClassifier(classifier))

	require.NoError(t, h.run(context.Background(), consultation.ChatInput{Message: "this is my arm", Image: pngUpload(t)}))

	st := h.state()
	require.Len(t, st.Report.Images, 1)
	ref, ok := st.Report.Images["Dermatological Photo of Forearm"]
	require.True(t, ok)
	assert.True(t, h.images.Exists(context.Background(), ref))
	require.NotNil(t, st.Turns[0].Image)
	assert.Equal(t, ref, *st.Turns[0].Image)

	assert.Equal(t, "- red patch\n\nAI Disease Prediction (first look):\n\nEczema is the most likely match.",
		st.Report.ImageAnalyses["Dermatological Photo of Forearm"])
	var raw map[string][]agent.Prediction
	require.NoError(t, json.Unmarshal([]byte(st.Report.DiseaseModelRaw["Dermatological Photo of Forearm"]), &raw))
	assert.Equal(t, []agent.Prediction{{Name: "eczema", Score: 0.8}}, raw["ai_predictions"])

	require.Len(t, visionReq.Messages, 1)
	require.Len(t, visionReq.Messages[0].Images, 1)
	assert.Equal(t, "image/jpeg", visionReq.Messages[0].Images[0].MIMEType)
	assert.Equal(t, visionReq.Messages[0].Images[0].Data, classified)
	h.terminal()
}

func TestRun_ImageFailureLeavesAnalysisEmpty(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &script{
		vision: func(agent.Request) (string, error) { return `{"image_description":""}`, nil },
	})

	require.NoError(t, h.run(context.Background(), consultation.ChatInput{Message: "photo", Image: pngUpload(t)}))

	st := h.state()
	require.Len(t, st.Report.Images, 1)
	assert.Equal(t, map[string]string{"Uploaded image": ""}, st.Report.ImageAnalyses)
	assert.Equal(t, consultation.EventResult, h.terminal().Type)
}

func TestRun_SameSessionRunsAreSerialized(t *testing.T) {
	t.Parallel()
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	var extracts atomic.Int32
	h := newHarness(t, &script{extract: func(agent.Request) (string, error) {
		entered <- struct{}{}
		if extracts.Add(1) == 1 {
			<-release
		}
		return `{}`, nil
	}})

	errs := make(chan error, 2)
	go func() {
		errs <- h.engine.Run(context.Background(), consultation.ChatInput{SessionID: sessionID, Message: "first"}, nil)
	}()
	<-entered

	go func() {
		errs <- h.engine.Run(context.Background(), consultation.ChatInput{SessionID: sessionID, Message: "second"}, nil)
	}()
	select {
	case <-entered:
		t.Fatal("second run started while the first held the session")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	st := h.state()
	require.Len(t, st.Turns, 4)
	assert.Equal(t, "first", st.Turns[0].Content)
	assert.Equal(t, consultation.RoleAssistant, st.Turns[1].Role)
	assert.Equal(t, "second", st.Turns[2].Content)
	assert.Equal(t, consultation.RoleAssistant, st.Turns[3].Role)
}
