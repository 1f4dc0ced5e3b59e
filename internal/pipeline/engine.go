// Package pipeline runs the interview stage graph over one session state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/agent"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/consultation"
	"github.com/genialhealth/genial-ai-healthcare-assistant/internal/media"
)

const (
	stageStart      = "start"
	stageExtract    = "pre-report-update"
	stageImages     = "image-analysis"
	stageQuestions  = "process-questions"
	stageSuggest    = "disease-suggestion"
	stageProcess    = "process-diagnosis"
	stageSort       = "sort-disease"
	stageInfoSeek   = "info-seek"
	stageInterview  = "interview"
	stageIngest     = "ingest"
	stagePersist    = "persist"
	stageLoad       = "load"
	stageLock       = "lock"
	maxRounds       = 10
	uploadFailedMsg = "Image upload failed! Please try again."
	runFailedMsg    = "Assistant failed! Please try again."
)

// RunError is returned when a run is abandoned. Nothing is persisted.
type RunError struct {
	Stage string
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("pipeline: %s: %v", e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// Providers routes each kind of request to a text-generation backend.
type Providers struct {
	// General handles extraction, answerability checks, rewrites and replies.
	General agent.Provider
	// Clinical handles diagnosis suggestion and information seeking.
	Clinical agent.Provider
	// Vision describes uploaded images.
	Vision agent.Provider
}

func (p Providers) withDefaults() Providers {
	if p.Clinical == nil {
		p.Clinical = p.General
	}
	if p.Vision == nil {
		p.Vision = p.General
	}
	return p
}

// Engine owns the stage graph. One Engine serves every session.
type Engine struct {
	providers  Providers
	classifier agent.SkinClassifier
	images     media.Store
	store      *consultation.Store
	locker     *consultation.Locker
	logger     *zap.Logger
}

type Option func(*Engine)

// WithClassifier enables the skin classifier for images flagged as skin.
func WithClassifier(c agent.SkinClassifier) Option {
	return func(e *Engine) { e.classifier = c }
}

// WithLocker shares per-session locking with other writers of the store.
func WithLocker(l *consultation.Locker) Option {
	return func(e *Engine) {
		if l != nil {
			e.locker = l
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func NewEngine(providers Providers, images media.Store, store *consultation.Store, opts ...Option) (*Engine, error) {
	if providers.General == nil {
		return nil, errors.New("pipeline: general provider is required")
	}
	if images == nil || store == nil {
		return nil, errors.New("pipeline: image and session stores are required")
	}
	e := &Engine{
		providers: providers.withDefaults(),
		images:    images,
		store:     store,
		locker:    consultation.NewLocker(),
		logger:    zap.NewNop(),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// run is the working set of a single invocation.
type run struct {
	*Engine
	st      *consultation.State
	pending *consultation.Turn
	emit    consultation.Emitter
	log     *zap.Logger
}

type stageFunc func(ctx context.Context, r *run) error

// Run executes one interview turn. Every call emits exactly one terminal
// event; the returned error mirrors an emitted error event.
func (e *Engine) Run(ctx context.Context, in consultation.ChatInput, emit consultation.Emitter) error {
	if emit == nil {
		emit = func(consultation.Event) {}
	}
	log := e.logger.With(zap.String("session_id", in.SessionID))

	fail := func(stage, message string, err error) error {
		log.Error("run failed", zap.String("stage", stage), zap.Error(err))
		emit(consultation.ErrorEvent(message))
		return &RunError{Stage: stage, Err: err}
	}

	unlock, err := e.locker.Lock(ctx, in.SessionID)
	if err != nil {
		return fail(stageLock, runFailedMsg, err)
	}
	defer unlock()

	st, err := e.store.Load(ctx, in.SessionID)
	if err != nil {
		return fail(stageLoad, runFailedMsg, err)
	}

	var image *string
	if in.Image != "" {
		ref, err := e.ingest(ctx, in.Image)
		if err != nil {
			return fail(stageIngest, uploadFailedMsg, err)
		}
		log.Info("image stored", zap.String("ref", ref))
		image = &ref
	}
	turn := consultation.NewUserTurn(in.Message, image)

	r := &run{Engine: e, st: st, pending: &turn, emit: emit, log: log}
	emit(consultation.ProgressEvent("Reading your message...", stageStart))

	if stage, err := r.execute(ctx); err != nil {
		return fail(stage, runFailedMsg, err)
	}

	if err := e.store.Save(ctx, in.SessionID, r.st, in.OwnerID); err != nil {
		return fail(stagePersist, runFailedMsg, err)
	}

	reply, _ := r.st.LastTurn()
	emit(consultation.ResultEvent(reply))
	return nil
}

func (e *Engine) ingest(ctx context.Context, encoded string) (string, error) {
	data, err := media.DecodeUpload(encoded)
	if err != nil {
		return "", err
	}
	return e.images.Save(ctx, data)
}

// execute walks the stage graph. It returns the failing stage when the run
// has to be abandoned.
func (r *run) execute(ctx context.Context) (string, error) {
	if err := r.step(ctx, stageExtract, extractEvidence); err != nil {
		return stageExtract, err
	}
	if r.st.Dirty {
		r.progress("Updating medical records...", stageExtract)
	} else {
		r.progress("Preparing response...", stageExtract)
	}

	if err := r.step(ctx, stageImages, analyzeImages); err != nil {
		return stageImages, err
	}
	r.progress("Checking medical knowledge...", stageImages)

	if r.st.Dirty {
		if err := r.step(ctx, stageQuestions, reconcileQuestions); err != nil {
			return stageQuestions, err
		}
		if r.st.Questions.Len() == 0 {
			if stage, err := r.diagnose(ctx); err != nil {
				return stage, err
			}
			if err := r.step(ctx, stageInfoSeek, seekInformation); err != nil {
				return stageInfoSeek, err
			}
			r.progress("Formulating next steps...", stageInfoSeek)
		}
	}

	if err := r.step(ctx, stageInterview, composeReply); err != nil {
		return stageInterview, err
	}
	r.progress("Sending reply...", stageInterview)
	return "", nil
}

// diagnose drives the suggestion loop and the final sort.
func (r *run) diagnose(ctx context.Context) (string, error) {
	r.st.Scratch = []consultation.Turn{}
	for {
		before := len(r.st.Scratch)
		if err := r.step(ctx, stageSuggest, suggestDiagnosis); err != nil {
			return stageSuggest, err
		}
		r.progress("Evaluating possibilities...", stageSuggest)
		if len(r.st.Scratch) == before || !continueLoop(r.st.Scratch) {
			break
		}

		if err := r.step(ctx, stageProcess, processDiagnosis); err != nil {
			return stageProcess, err
		}
		candidates := sortedCandidates(r.st.Report.Candidates)
		r.emit(consultation.DiagnosisEvent(candidates))
		latest := "condition"
		if n := len(r.st.Report.Candidates); n > 0 {
			latest = r.st.Report.Candidates[n-1].Name
		}
		r.progress("Found potential match: "+latest, stageProcess)
	}

	if err := r.step(ctx, stageSort, sortCandidates); err != nil {
		return stageSort, err
	}
	r.emit(consultation.DiagnosisEvent(r.st.Report.Candidates))
	return "", nil
}

// step runs one stage with rollback. A stage error leaves the state as it
// was with the dirty flag cleared. Only cancellation and panics abort the run.
func (r *run) step(ctx context.Context, name string, fn stageFunc) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	snapshot := r.st.Clone()
	pending := r.pending
	before := consultation.ReportEvent(snapshot.Report).Payload

	defer func() {
		if p := recover(); p != nil {
			r.log.Error("stage panicked",
				zap.String("stage", name),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	if stageErr := fn(ctx, r); stageErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		r.log.Warn("stage failed, continuing with previous state",
			zap.String("stage", name), zap.Error(stageErr))
		r.st = snapshot
		r.st.Dirty = false
		r.pending = pending
		return nil
	}

	if r.st.Dirty {
		ev := consultation.ReportEvent(r.st.Report)
		if !reflect.DeepEqual(before, ev.Payload) {
			r.emit(ev)
		}
	}
	return nil
}

func (r *run) progress(message, node string) {
	r.emit(consultation.ProgressEvent(message, node))
}

// continueLoop decides whether the latest suggestion is folded and another
// round requested.
func continueLoop(scratch []consultation.Turn) bool {
	if len(scratch) <= 1 {
		return false
	}
	s, ok := latestSuggestion(scratch)
	if !ok || s.Disease == nil || s.Disease.Name == "" {
		return false
	}
	if s.Disease.Probability < minProbability {
		return false
	}
	return len(scratch)/2 < maxRounds
}
