package services

import (
	"strings"
	"time"
)

type AnswerStore interface {
	GetSession(id string) (*Session, error)
	GetSessionByJoinCode(code string) (*Session, error)
	ListSessionActivities(sessionID string) ([]*ActivityDefinition, error)
	AddParticipant(p *Participant) error
	GetParticipant(id string) (*Participant, error)
	IncrementParticipantCount(sessionID string) error
	AddAnswer(a *Answer) error
}

// AnswerService handles participant join and answer submission. Answers are
// accepted append-only: a participant may answer the same activity more than
// once and every submission is kept, so aggregation counts submissions, not
// participants.
type AnswerService struct {
	store AnswerStore
	now   func() time.Time
	idGen func() string
}

func NewAnswerService(store AnswerStore) *AnswerService {
	return &AnswerService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		idGen: func() string { return shortID(12) },
	}
}

// Join redeems a join code for a participant identity bound to the session.
// Codes exist from session creation, so joining works in any status; what a
// participant can see is governed by CurrentActivity.
func (s *AnswerService) Join(code, nickname string) (*Participant, *Session, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, nil, NewInvalidError("join code required")
	}
	sess, err := s.store.GetSessionByJoinCode(code)
	if err != nil {
		if hasCode(err, ErrorNotFound) {
			return nil, nil, NewNotFoundError("unknown join code")
		}
		return nil, nil, err
	}
	if sess == nil {
		return nil, nil, NewNotFoundError("unknown join code")
	}
	p := &Participant{
		ID:        s.idGen(),
		SessionID: sess.ID,
		Nickname:  strings.TrimSpace(nickname),
		JoinedAt:  s.now(),
	}
	if err := s.store.AddParticipant(p); err != nil {
		return nil, nil, err
	}
	// Advisory counter; a lost increment is acceptable.
	if err := s.store.IncrementParticipantCount(sess.ID); err == nil {
		sess.ParticipantCount++
	}
	return p, sess, nil
}

// Submit appends an answer. The activity must be part of the session's
// authoritative order and the payload must match the shape the activity's
// type expects; the aggregators additionally tolerate malformed rows that
// predate the check.
func (s *AnswerService) Submit(sessionID, participantID, activityID string, payload map[string]any) (*Answer, error) {
	if activityID == "" {
		return nil, NewInvalidError("activity_id required")
	}
	p, err := s.store.GetParticipant(participantID)
	if err != nil {
		return nil, err
	}
	if p == nil || p.SessionID != sessionID {
		return nil, NewForbiddenError("participant is not part of this session")
	}
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, NewNotFoundError("session not found")
	}
	inOrder := false
	for _, id := range sess.ActivityOrder {
		if id == activityID {
			inOrder = true
			break
		}
	}
	if !inOrder {
		return nil, NewNotFoundError("activity is not part of this session")
	}
	acts, err := s.store.ListSessionActivities(sessionID)
	if err != nil {
		return nil, err
	}
	for _, act := range acts {
		if act.ID == activityID {
			if err := validateAnswerPayload(act, payload); err != nil {
				return nil, err
			}
			break
		}
	}
	ans := &Answer{
		ID:            s.idGen(),
		SessionID:     sessionID,
		ActivityID:    activityID,
		ParticipantID: participantID,
		Payload:       payload,
		SubmittedAt:   s.now(),
	}
	if err := s.store.AddAnswer(ans); err != nil {
		return nil, err
	}
	return ans, nil
}

// validateAnswerPayload rejects payloads whose shape cannot possibly satisfy
// the activity's type. Custom types are not introspected; anything is
// accepted for them.
func validateAnswerPayload(act *ActivityDefinition, payload map[string]any) error {
	switch strings.ToLower(strings.TrimSpace(act.Type)) {
	case TypePoll, TypeMultipleChoice:
		if len(selectedOptionIDs(payload)) == 0 {
			return NewInvalidError("payload must carry option_id or option_ids")
		}
	case TypeScaleRating:
		if _, ok := answerValue(payload); !ok {
			return NewInvalidError("payload must carry a numeric value")
		}
	case TypeOpenEnded:
		if payload == nil {
			return NewInvalidError("payload must carry text")
		}
		if _, ok := payload["text"].(string); !ok {
			return NewInvalidError("payload must carry text")
		}
	}
	return nil
}
