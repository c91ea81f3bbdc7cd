package services

import (
	"testing"
	"time"
)

type activationStubStore struct {
	*sessionStubStore
	listErr error
}

func (s *activationStubStore) ListDueSessions(now time.Time) ([]*Session, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []*Session
	for _, sess := range s.sessions {
		if sess.Status != StatusPlanned || sess.ActivationDate == nil {
			continue
		}
		if !sess.ActivationDate.After(now) {
			copy := *sess
			out = append(out, &copy)
		}
	}
	return out, nil
}

func TestRunDueStartsScheduledSessions(t *testing.T) {
	store := &activationStubStore{sessionStubStore: newSessionStubStore()}
	store.seedTemplate("owner1", 1)
	sessSvc := newTestSessionService(store.sessionStubStore)
	svc := NewActivationService(store, sessSvc)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.sessions["due1"] = &Session{
		ID: "due1", OwnerID: "owner1", Status: StatusPlanned,
		ActivationDate: &at, ActivityOrder: []string{"x1"},
	}
	later := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	store.sessions["future"] = &Session{
		ID: "future", OwnerID: "owner1", Status: StatusPlanned,
		ActivationDate: &later, ActivityOrder: []string{"x1"},
	}

	started := svc.RunDue(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	if started != 1 {
		t.Fatalf("expected 1 session started, got %d", started)
	}
	if store.sessions["due1"].Status != StatusActive {
		t.Fatalf("due session not started: %q", store.sessions["due1"].Status)
	}
	if store.sessions["future"].Status != StatusPlanned {
		t.Fatalf("future session must stay planned: %q", store.sessions["future"].Status)
	}
}

func TestRunDueSkipsRacedManualStart(t *testing.T) {
	store := &activationStubStore{sessionStubStore: newSessionStubStore()}
	sessSvc := newTestSessionService(store.sessionStubStore)
	svc := NewActivationService(store, sessSvc)

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	// An empty order makes Start fail with invalid_transition, standing in
	// for a session the presenter raced us to.
	store.sessions["raced"] = &Session{
		ID: "raced", OwnerID: "owner1", Status: StatusPlanned, ActivationDate: &at,
	}
	at2 := at
	store.sessions["ok"] = &Session{
		ID: "ok", OwnerID: "owner1", Status: StatusPlanned,
		ActivationDate: &at2, ActivityOrder: []string{"x1"},
	}

	started := svc.RunDue(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	if started != 1 {
		t.Fatalf("one failing session must not block the batch, started=%d", started)
	}
	if store.sessions["ok"].Status != StatusActive {
		t.Fatalf("healthy session not started: %q", store.sessions["ok"].Status)
	}
}

func TestRunDueListFailure(t *testing.T) {
	store := &activationStubStore{sessionStubStore: newSessionStubStore()}
	store.listErr = NewConflictError("boom")
	svc := NewActivationService(store, newTestSessionService(store.sessionStubStore))

	if started := svc.RunDue(time.Now()); started != 0 {
		t.Fatalf("expected 0 started on list failure, got %d", started)
	}
}
