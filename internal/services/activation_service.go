package services

import (
	"context"
	"log/slog"
	"time"
)

type ActivationStore interface {
	ListDueSessions(now time.Time) ([]*Session, error)
}

// ActivationService starts planned sessions whose activation date has
// passed. It is a thin periodic caller of the lifecycle's Start transition;
// a failure on one session never blocks the rest of the batch.
type ActivationService struct {
	store    ActivationStore
	sessions *SessionService
}

func NewActivationService(store ActivationStore, sessions *SessionService) *ActivationService {
	return &ActivationService{store: store, sessions: sessions}
}

// RunDue performs one sweep and returns how many sessions were started.
func (s *ActivationService) RunDue(now time.Time) int {
	due, err := s.store.ListDueSessions(now)
	if err != nil {
		slog.Error("list due sessions", "error", err)
		return 0
	}
	started := 0
	for _, sess := range due {
		if _, err := s.sessions.Start(sess.OwnerID, sess.ID); err != nil {
			// A concurrent manual start shows up as an invalid transition;
			// that is not a failure worth logging.
			if hasCode(err, ErrorInvalidTransition) {
				continue
			}
			slog.Error("activate session", "session_id", sess.ID, "error", err)
			continue
		}
		started++
	}
	return started
}

// Run sweeps on the given interval until the context is cancelled.
func (s *ActivationService) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-ticker.C:
			if n := s.RunDue(tick.UTC()); n > 0 {
				slog.Info("activated scheduled sessions", "count", n)
			}
		}
	}
}
