package services

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session status values.
const (
	StatusPlanned  = "planned"
	StatusInactive = "inactive"
	StatusActive   = "active"
	StatusFinished = "finished"
)

// Pacing modes. Informational for clients; they do not alter transitions.
const (
	ModeTeacherPaced = "teacher_paced"
	ModeStudentPaced = "student_paced"
)

// Built-in activity types. Any other string is treated as a custom type and
// aggregates to an unknown result.
const (
	TypePoll           = "poll"
	TypeMultipleChoice = "multiple_choice"
	TypeScaleRating    = "scale_rating"
	TypeOpenEnded      = "open_ended"
)

// Template is a reusable, owner-authored definition of an ordered activity
// set, independent of any live session.
type Template struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id,omitempty"`
	Title     string    `json:"title"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// ActivityDefinition describes one question/prompt. Payload is an untyped
// document whose shape depends on Type (options list, scale bounds, ...);
// the core does not validate it beyond being a JSON object.
type ActivityDefinition struct {
	ID         string         `json:"id"`
	TemplateID string         `json:"template_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	Payload    map[string]any `json:"payload,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Position   int            `json:"position"`
}

// Session is a live instantiation of a template with its own activity
// snapshot. ActivityOrder is the authoritative ordering; the stored
// activities must always be projected through it. Version is an optimistic
// concurrency stamp bumped on every lifecycle write.
type Session struct {
	ID               string     `json:"id"`
	OwnerID          string     `json:"owner_id,omitempty"`
	TemplateID       string     `json:"template_id"`
	TemplateVersion  int        `json:"template_version"`
	Title            string     `json:"title"`
	Status           string     `json:"status"`
	Mode             string     `json:"mode"`
	ActivationDate   *time.Time `json:"activation_date,omitempty"`
	ActivityOrder    []string   `json:"activity_order"`
	CurrentIndex     *int       `json:"current_index,omitempty"`
	JoinCode         string     `json:"join_code"`
	ParticipantCount int        `json:"participant_count"`
	Version          int        `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
}

type Participant struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Nickname  string    `json:"nickname,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
}

// Answer is an opaque, per-participant, per-activity submission. Answers are
// append-only and never updated.
type Answer struct {
	ID            string         `json:"id"`
	SessionID     string         `json:"session_id"`
	ActivityID    string         `json:"activity_id"`
	ParticipantID string         `json:"participant_id"`
	Payload       map[string]any `json:"payload,omitempty"`
	SubmittedAt   time.Time      `json:"submitted_at"`
}

// User is a presenter account that owns templates and sessions.
type User struct {
	ID        string
	Email     string
	PassHash  []byte
	CreatedAt time.Time
}

type AuditEntry struct {
	Time   time.Time `json:"time"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Target string    `json:"target"`
	Note   string    `json:"note,omitempty"`
}

func shortID(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}
