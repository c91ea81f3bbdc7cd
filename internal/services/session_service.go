package services

import (
	"encoding/json"
	"time"
)

// SessionStore abstracts persistence for the lifecycle state machine.
// UpdateSessionLifecycle must only write status, cursor and activation date,
// compare-and-swap on the version stamp, and report false on a stale stamp.
type SessionStore interface {
	GetTemplate(id string) (*Template, error)
	ListTemplateActivities(templateID string) ([]*ActivityDefinition, error)
	CreateSession(s *Session, activities []*ActivityDefinition) error
	GetSession(id string) (*Session, error)
	ListSessionsByOwner(ownerID string) ([]*Session, error)
	ListSessionActivities(sessionID string) ([]*ActivityDefinition, error)
	UpdateSessionLifecycle(s *Session, expectedVersion int) (bool, error)
	AddAudit(entry AuditEntry)
}

// SessionService owns session status, the ordered activity snapshot and the
// current-activity cursor.
type SessionService struct {
	store   SessionStore
	now     func() time.Time
	newCode func() (string, error)
}

func NewSessionService(store SessionStore) *SessionService {
	return &SessionService{
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		newCode: NewJoinCode,
	}
}

type CreateSessionRequest struct {
	TemplateID     string
	Title          string // optional override; defaults to the template title
	Mode           string // optional override; defaults to teacher paced
	ActivationDate *time.Time
}

// SessionView is a session with its activities projected through
// ActivityOrder.
type SessionView struct {
	Session    *Session              `json:"session"`
	Activities []*ActivityDefinition `json:"activities"`
}

// Markers reported by CurrentActivity for sessions that are not presenting.
const (
	CurrentStateWaiting  = "waiting"
	CurrentStateActive   = "active"
	CurrentStateFinished = "finished"
)

type CurrentActivity struct {
	State    string              `json:"state"`
	Index    int                 `json:"index,omitempty"`
	Activity *ActivityDefinition `json:"activity,omitempty"`
}

// Create instantiates a session from a template snapshot. The template's
// activities are deep-copied with fresh identities so later template edits
// never perturb the session. The join code is allocated here and kept for the
// whole session lifetime; the store enforces global uniqueness and the loop
// retries on conflict.
func (s *SessionService) Create(ownerID string, req CreateSessionRequest) (*Session, error) {
	if ownerID == "" {
		return nil, NewUnauthorizedError("unauthorized")
	}
	tpl, err := s.store.GetTemplate(req.TemplateID)
	if err != nil {
		return nil, err
	}
	if tpl == nil || tpl.OwnerID != ownerID {
		return nil, NewNotFoundError("template not found")
	}
	source, err := s.store.ListTemplateActivities(tpl.ID)
	if err != nil {
		return nil, err
	}

	sess := &Session{
		ID:              shortID(10),
		OwnerID:         ownerID,
		TemplateID:      tpl.ID,
		TemplateVersion: tpl.Version,
		Title:           tpl.Title,
		Status:          StatusInactive,
		Mode:            ModeTeacherPaced,
		CreatedAt:       s.now(),
	}
	if req.Title != "" {
		sess.Title = req.Title
	}
	if req.Mode != "" {
		sess.Mode = req.Mode
	}
	if req.ActivationDate != nil && req.ActivationDate.After(s.now()) {
		sess.Status = StatusPlanned
		d := req.ActivationDate.UTC()
		sess.ActivationDate = &d
	}

	snapshot := make([]*ActivityDefinition, 0, len(source))
	order := make([]string, 0, len(source))
	for _, act := range source {
		copy := *act
		copy.ID = shortID(8)
		copy.TemplateID = ""
		copy.SessionID = sess.ID
		copy.Payload = clonePayload(act.Payload)
		copy.Tags = append([]string(nil), act.Tags...)
		snapshot = append(snapshot, &copy)
		order = append(order, copy.ID)
	}
	sess.ActivityOrder = order

	for attempt := 0; attempt < maxJoinCodeAttempts; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, err
		}
		sess.JoinCode = code
		err = s.store.CreateSession(sess, snapshot)
		if err == nil {
			s.store.AddAudit(AuditEntry{Time: s.now(), Actor: ownerID, Action: "create_session", Target: sess.ID, Note: tpl.ID})
			return sess, nil
		}
		if !hasCode(err, ErrorConflict) {
			return nil, err
		}
	}
	return nil, NewConflictError("could not allocate a unique join code")
}

// Start moves a planned or inactive session to active and points the cursor
// at the first activity. Starting an already active or finished session is
// reported as an invalid transition so double-starts stay detectable.
func (s *SessionService) Start(ownerID, sessionID string) (*Session, error) {
	return s.transition(ownerID, sessionID, "start_session", func(sess *Session) error {
		switch sess.Status {
		case StatusPlanned, StatusInactive:
			if len(sess.ActivityOrder) == 0 {
				return NewInvalidTransitionError("session has no activities")
			}
			sess.Status = StatusActive
			idx := 0
			sess.CurrentIndex = &idx
			sess.ActivationDate = nil
			return nil
		default:
			return NewInvalidTransitionError("session already " + sess.Status)
		}
	})
}

// Advance moves the cursor to the next activity, or finishes the session when
// the cursor already sits on the last activity.
func (s *SessionService) Advance(ownerID, sessionID string) (*Session, error) {
	return s.transition(ownerID, sessionID, "advance_activity", func(sess *Session) error {
		if sess.Status != StatusActive || sess.CurrentIndex == nil {
			return NewInvalidTransitionError("session is not active")
		}
		idx := *sess.CurrentIndex
		if idx+1 < len(sess.ActivityOrder) {
			idx++
			sess.CurrentIndex = &idx
			return nil
		}
		sess.Status = StatusFinished
		sess.CurrentIndex = nil
		return nil
	})
}

// Stop forces a session to finished from any non-terminal state. Stopping an
// already finished session is a no-op, not an error.
func (s *SessionService) Stop(ownerID, sessionID string) (*Session, error) {
	return s.transition(ownerID, sessionID, "stop_session", func(sess *Session) error {
		if sess.Status == StatusFinished {
			return errTransitionNoop
		}
		sess.Status = StatusFinished
		sess.CurrentIndex = nil
		sess.ActivationDate = nil
		return nil
	})
}

// Get returns the owner's view of a session with activities in authoritative
// order.
func (s *SessionService) Get(ownerID, sessionID string) (*SessionView, error) {
	sess, err := s.ownedSession(ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	acts, err := s.store.ListSessionActivities(sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionView{Session: sess, Activities: projectActivities(sess.ActivityOrder, acts)}, nil
}

func (s *SessionService) List(ownerID string) ([]*Session, error) {
	if ownerID == "" {
		return nil, NewUnauthorizedError("unauthorized")
	}
	return s.store.ListSessionsByOwner(ownerID)
}

// CurrentActivity derives what a participant should currently see. The
// activity is resolved by indexing ActivityOrder, never by the storage order
// of the snapshot.
func (s *SessionService) CurrentActivity(sessionID string) (*CurrentActivity, error) {
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, NewNotFoundError("session not found")
	}
	switch sess.Status {
	case StatusFinished:
		return &CurrentActivity{State: CurrentStateFinished}, nil
	case StatusActive:
	default:
		return &CurrentActivity{State: CurrentStateWaiting}, nil
	}
	if sess.CurrentIndex == nil || *sess.CurrentIndex >= len(sess.ActivityOrder) {
		return nil, NewNotFoundError("session cursor out of range")
	}
	idx := *sess.CurrentIndex
	acts, err := s.store.ListSessionActivities(sessionID)
	if err != nil {
		return nil, err
	}
	wanted := sess.ActivityOrder[idx]
	for _, act := range acts {
		if act.ID == wanted {
			return &CurrentActivity{State: CurrentStateActive, Index: idx, Activity: act}, nil
		}
	}
	return nil, NewNotFoundError("current activity missing from snapshot")
}

// errTransitionNoop short-circuits a transition without writing; the caller
// gets the unchanged session back with no error.
var errTransitionNoop = NewInvalidTransitionError("noop")

// transition serializes a lifecycle write through the store's version stamp.
// On a stale stamp the session is re-read and the transition re-applied once
// before giving up, per the single-retry policy.
func (s *SessionService) transition(ownerID, sessionID, action string, apply func(*Session) error) (*Session, error) {
	for attempt := 0; attempt < 2; attempt++ {
		sess, err := s.ownedSession(ownerID, sessionID)
		if err != nil {
			return nil, err
		}
		if err := apply(sess); err != nil {
			if err == errTransitionNoop {
				return sess, nil
			}
			return nil, err
		}
		ok, err := s.store.UpdateSessionLifecycle(sess, sess.Version)
		if err != nil {
			return nil, err
		}
		if ok {
			s.store.AddAudit(AuditEntry{Time: s.now(), Actor: ownerID, Action: action, Target: sessionID, Note: sess.Status})
			return sess, nil
		}
	}
	return nil, NewConflictError("session was modified concurrently")
}

// ownedSession reports not-found for both missing and foreign sessions so
// existence does not leak to non-owners.
func (s *SessionService) ownedSession(ownerID, sessionID string) (*Session, error) {
	if ownerID == "" {
		return nil, NewUnauthorizedError("unauthorized")
	}
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.OwnerID != ownerID {
		return nil, NewNotFoundError("session not found")
	}
	return sess, nil
}

func projectActivities(order []string, acts []*ActivityDefinition) []*ActivityDefinition {
	byID := make(map[string]*ActivityDefinition, len(acts))
	for _, act := range acts {
		byID[act.ID] = act
	}
	out := make([]*ActivityDefinition, 0, len(order))
	for _, id := range order {
		if act, ok := byID[id]; ok {
			out = append(out, act)
		}
	}
	return out
}

// clonePayload deep-copies an untyped payload through a JSON round trip so
// nested option lists and objects never stay shared with the source.
func clonePayload(payload map[string]any) map[string]any {
	if payload == nil {
		return nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return shallowPayloadCopy(payload)
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return shallowPayloadCopy(payload)
	}
	return out
}

func shallowPayloadCopy(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}
