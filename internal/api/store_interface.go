package api

import (
	"time"

	"github.com/sessionlab/engage/internal/services"
)

// Store is the full persistence surface. It is the union of the narrow
// per-service interfaces in the services package; implementations satisfy
// those directly.
type Store interface {
	AddUser(u *services.User) error
	FindUserByEmail(email string) (*services.User, error)

	InsertTemplate(t *services.Template) error
	GetTemplate(id string) (*services.Template, error)
	UpdateTemplate(t *services.Template) error
	DeleteTemplate(id string) error
	ListTemplatesByOwner(ownerID string) ([]*services.Template, error)
	InsertTemplateActivity(a *services.ActivityDefinition) error
	ListTemplateActivities(templateID string) ([]*services.ActivityDefinition, error)
	ReorderTemplateActivities(templateID string, order []string) (bool, error)
	RemoveTemplateActivity(id string) error

	CreateSession(s *services.Session, activities []*services.ActivityDefinition) error
	GetSession(id string) (*services.Session, error)
	GetSessionByJoinCode(code string) (*services.Session, error)
	ListSessionsByOwner(ownerID string) ([]*services.Session, error)
	ListDueSessions(now time.Time) ([]*services.Session, error)
	ListSessionActivities(sessionID string) ([]*services.ActivityDefinition, error)
	UpdateSessionLifecycle(s *services.Session, expectedVersion int) (bool, error)
	IncrementParticipantCount(sessionID string) error

	AddParticipant(p *services.Participant) error
	GetParticipant(id string) (*services.Participant, error)

	AddAnswer(a *services.Answer) error
	ListAnswersByActivity(activityID string) ([]*services.Answer, error)
	ListAnswersBySession(sessionID string) ([]*services.Answer, error)

	AddAudit(entry services.AuditEntry)
	ListAudit() []services.AuditEntry
}

var _ Store = (*memoryStore)(nil)

// Compile-time checks that the wide interface still covers every narrow
// service interface.
var (
	_ services.AuthStore        = Store(nil)
	_ services.TemplateStore    = Store(nil)
	_ services.SessionStore     = Store(nil)
	_ services.AnswerStore      = Store(nil)
	_ services.AggregationStore = Store(nil)
	_ services.ActivationStore  = Store(nil)
	_ services.ExportStore      = Store(nil)
)
