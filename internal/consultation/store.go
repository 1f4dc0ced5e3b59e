package consultation

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Store maps session ids to States on top of a Repository.
type Store struct {
	repo   Repository
	logger *zap.Logger
}

func NewStore(repo Repository, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{repo: repo, logger: logger}
}

// Load returns the stored state, or a fresh one when the session is unknown or
// its blob cannot be parsed. Only backend failures are returned as errors.
func (s *Store) Load(ctx context.Context, sessionID string) (*State, error) {
	rec, err := s.repo.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return NewState(), nil
		}
		return nil, err
	}
	st, err := UnmarshalState(rec.Blob)
	if err != nil {
		s.logger.Error("discarding unreadable session state",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return NewState(), nil
	}
	return st, nil
}

// Save overwrites the stored state. ownerID may be empty when the caller is anonymous.
func (s *Store) Save(ctx context.Context, sessionID string, st *State, ownerID string) error {
	blob, err := MarshalState(st)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sessionID, err)
	}
	return s.repo.Put(ctx, sessionID, blob, ownerID)
}

// Sessions lists the sessions owned by ownerID, most recently updated first.
func (s *Store) Sessions(ctx context.Context, ownerID string) ([]Record, error) {
	return s.repo.ListByOwner(ctx, ownerID)
}
