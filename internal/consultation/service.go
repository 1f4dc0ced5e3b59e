package consultation

import (
	"context"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ChatInput is one user turn submitted to the interview.
type ChatInput struct {
	SessionID string
	// OwnerID is empty for anonymous callers.
	OwnerID string
	Message string
	// Image is an optional base64 or data-URL encoded upload.
	Image string
}

// Runner executes the interview pipeline for one turn.
type Runner interface {
	Run(ctx context.Context, in ChatInput, emit Emitter) error
}

type MessageView struct {
	ID        string  `json:"id"`
	Role      Role    `json:"role"`
	Content   string  `json:"content"`
	Timestamp int64   `json:"timestamp"`
	ImageURL  *string `json:"imageUrl"`
}

type ReportView struct {
	Evidences         map[string]string `json:"evidences"`
	Images            map[string]string `json:"images"`
	ImagesAnalyses    map[string]string `json:"images_analyses"`
	Summary           string            `json:"summary"`
	MostLikelyDisease []DiseaseView     `json:"most_likely_disease"`
}

// SessionView is what a client needs to restore a conversation.
type SessionView struct {
	Messages      []MessageView `json:"messages"`
	MedicalReport *ReportView   `json:"medicalReport"`
}

type SessionSummary struct {
	SessionID string    `json:"session_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Service interface {
	Chat(ctx context.Context, in ChatInput, emit Emitter) error
	Session(ctx context.Context, sessionID, ownerID string) (*SessionView, error)
	Sessions(ctx context.Context, ownerID string) ([]SessionSummary, error)
	// State returns a copy of the stored state for read-only consumers.
	State(ctx context.Context, sessionID string) (*State, error)
}

type service struct {
	store  *Store
	runner Runner
	locker *Locker
	logger *zap.Logger
}

// NewService shares locker with the runner so that ownership saves never
// interleave with a pipeline run.
func NewService(store *Store, runner Runner, locker *Locker, logger *zap.Logger) Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if locker == nil {
		locker = NewLocker()
	}
	return &service{store: store, runner: runner, locker: locker, logger: logger}
}

func (s *service) Chat(ctx context.Context, in ChatInput, emit Emitter) error {
	if in.SessionID == "" {
		in.SessionID = uuid.NewString()
	}
	return s.runner.Run(ctx, in, emit)
}

func (s *service) Session(ctx context.Context, sessionID, ownerID string) (*SessionView, error) {
	unlock, err := s.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := s.store.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if ownerID != "" {
		if err := s.store.Save(ctx, sessionID, st, ownerID); err != nil {
			return nil, err
		}
		s.logger.Debug("session owner recorded",
			zap.String("session_id", sessionID),
			zap.String("owner_id", ownerID))
	}
	return NewSessionView(st), nil
}

func (s *service) Sessions(ctx context.Context, ownerID string) ([]SessionSummary, error) {
	recs, err := s.store.Sessions(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	out := make([]SessionSummary, len(recs))
	for i, r := range recs {
		out[i] = SessionSummary{SessionID: r.SessionID, UpdatedAt: r.UpdatedAt}
	}
	return out, nil
}

func (s *service) State(ctx context.Context, sessionID string) (*State, error) {
	return s.store.Load(ctx, sessionID)
}

func NewSessionView(st *State) *SessionView {
	msgs := make([]MessageView, len(st.Turns))
	for i, t := range st.Turns {
		msgs[i] = MessageView{
			ID:        uuid.NewString(),
			Role:      t.Role,
			Content:   t.Content,
			Timestamp: t.CreatedAt.UnixMilli(),
			ImageURL:  StaticURL(t.Image),
		}
	}
	r := st.Report
	return &SessionView{
		Messages: msgs,
		MedicalReport: &ReportView{
			Evidences:         nonNilMap(r.Evidences),
			Images:            PublicImages(r.Images),
			ImagesAnalyses:    nonNilMap(r.ImageAnalyses),
			Summary:           r.Summary,
			MostLikelyDisease: DiseaseViews(r.Candidates),
		},
	}
}

// StaticURL is the public path of a stored image, or nil.
func StaticURL(ref *string) *string {
	if ref == nil || *ref == "" {
		return nil
	}
	u := "/api/static/" + filepath.Base(*ref)
	return &u
}
