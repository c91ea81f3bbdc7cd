package api

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sessionlab/engage/internal/services"
)

// memoryStore is the in-memory Store used for development and tests.
type memoryStore struct {
	mu sync.RWMutex

	usersByEmail map[string]*services.User

	templates          map[string]*services.Template
	activities         map[string]*services.ActivityDefinition
	activitiesByTmpl   map[string][]string
	activitiesBySess   map[string][]string
	sessions           map[string]*services.Session
	sessionsByJoinCode map[string]string

	participants map[string]*services.Participant

	answers           []*services.Answer
	answersByActivity map[string][]int

	audit []services.AuditEntry
}

func NewMemoryStore() Store {
	return &memoryStore{
		usersByEmail:       map[string]*services.User{},
		templates:          map[string]*services.Template{},
		activities:         map[string]*services.ActivityDefinition{},
		activitiesByTmpl:   map[string][]string{},
		activitiesBySess:   map[string][]string{},
		sessions:           map[string]*services.Session{},
		sessionsByJoinCode: map[string]string{},
		participants:       map[string]*services.Participant{},
		answersByActivity:  map[string][]int{},
	}
}

func (m *memoryStore) AddUser(u *services.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(u.Email)
	if _, ok := m.usersByEmail[key]; ok {
		return services.NewConflictError("email already registered")
	}
	cp := *u
	m.usersByEmail[key] = &cp
	return nil
}

func (m *memoryStore) FindUserByEmail(email string) (*services.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.usersByEmail[strings.ToLower(email)]
	if !ok {
		return nil, services.NewNotFoundError("user not found")
	}
	cp := *u
	return &cp, nil
}

func (m *memoryStore) InsertTemplate(t *services.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.templates[t.ID] = &cp
	return nil
}

func (m *memoryStore) GetTemplate(id string) (*services.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return nil, services.NewNotFoundError("template not found")
	}
	cp := *t
	return &cp, nil
}

func (m *memoryStore) UpdateTemplate(t *services.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[t.ID]; !ok {
		return services.NewNotFoundError("template not found")
	}
	cp := *t
	m.templates[t.ID] = &cp
	return nil
}

func (m *memoryStore) DeleteTemplate(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.templates[id]; !ok {
		return services.NewNotFoundError("template not found")
	}
	delete(m.templates, id)
	for _, aid := range m.activitiesByTmpl[id] {
		delete(m.activities, aid)
	}
	delete(m.activitiesByTmpl, id)
	return nil
}

func (m *memoryStore) ListTemplatesByOwner(ownerID string) ([]*services.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*services.Template
	for _, t := range m.templates {
		if t.OwnerID == ownerID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) InsertTemplateActivity(a *services.ActivityDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := copyActivity(a)
	m.activities[a.ID] = cp
	m.activitiesByTmpl[a.TemplateID] = append(m.activitiesByTmpl[a.TemplateID], a.ID)
	return nil
}

func (m *memoryStore) ListTemplateActivities(templateID string) ([]*services.ActivityDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectActivities(m.activitiesByTmpl[templateID]), nil
}

func (m *memoryStore) ReorderTemplateActivities(templateID string, order []string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.activitiesByTmpl[templateID]
	if len(current) != len(order) {
		return false, nil
	}
	have := map[string]bool{}
	for _, id := range current {
		have[id] = true
	}
	for _, id := range order {
		if !have[id] {
			return false, nil
		}
	}
	m.activitiesByTmpl[templateID] = append([]string(nil), order...)
	for i, id := range order {
		m.activities[id].Position = i
	}
	return true, nil
}

func (m *memoryStore) RemoveTemplateActivity(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.activities[id]
	if !ok {
		return services.NewNotFoundError("activity not found")
	}
	delete(m.activities, id)
	ids := m.activitiesByTmpl[a.TemplateID]
	for i, aid := range ids {
		if aid == id {
			m.activitiesByTmpl[a.TemplateID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memoryStore) CreateSession(s *services.Session, activities []*services.ActivityDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, taken := m.sessionsByJoinCode[s.JoinCode]; taken {
		return services.NewConflictError("join code already in use")
	}
	cp := copySession(s)
	m.sessions[s.ID] = cp
	m.sessionsByJoinCode[s.JoinCode] = s.ID
	for _, a := range activities {
		m.activities[a.ID] = copyActivity(a)
		m.activitiesBySess[s.ID] = append(m.activitiesBySess[s.ID], a.ID)
	}
	return nil
}

func (m *memoryStore) GetSession(id string) (*services.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, services.NewNotFoundError("session not found")
	}
	return copySession(s), nil
}

func (m *memoryStore) GetSessionByJoinCode(code string) (*services.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.sessionsByJoinCode[code]
	if !ok {
		return nil, services.NewNotFoundError("session not found")
	}
	return copySession(m.sessions[id]), nil
}

func (m *memoryStore) ListSessionsByOwner(ownerID string) ([]*services.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*services.Session
	for _, s := range m.sessions {
		if s.OwnerID == ownerID {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) ListDueSessions(now time.Time) ([]*services.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*services.Session
	for _, s := range m.sessions {
		if s.Status != services.StatusPlanned || s.ActivationDate == nil {
			continue
		}
		if !s.ActivationDate.After(now) {
			out = append(out, copySession(s))
		}
	}
	return out, nil
}

func (m *memoryStore) ListSessionActivities(sessionID string) ([]*services.ActivityDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collectActivities(m.activitiesBySess[sessionID]), nil
}

// UpdateSessionLifecycle writes status, cursor and activation date, guarded
// by the version stamp. A stale expectedVersion leaves the row untouched and
// reports false so the caller can re-read and retry.
func (m *memoryStore) UpdateSessionLifecycle(s *services.Session, expectedVersion int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return false, services.NewNotFoundError("session not found")
	}
	if cur.Version != expectedVersion {
		return false, nil
	}
	cur.Status = s.Status
	cur.ActivationDate = copyTimePtr(s.ActivationDate)
	cur.CurrentIndex = copyIntPtr(s.CurrentIndex)
	cur.Version = expectedVersion + 1
	s.Version = cur.Version
	return true, nil
}

func (m *memoryStore) IncrementParticipantCount(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return services.NewNotFoundError("session not found")
	}
	s.ParticipantCount++
	return nil
}

func (m *memoryStore) AddParticipant(p *services.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.participants[p.ID] = &cp
	return nil
}

func (m *memoryStore) GetParticipant(id string) (*services.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[id]
	if !ok {
		return nil, services.NewNotFoundError("participant not found")
	}
	cp := *p
	return &cp, nil
}

func (m *memoryStore) AddAnswer(a *services.Answer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, copyAnswer(a))
	m.answersByActivity[a.ActivityID] = append(m.answersByActivity[a.ActivityID], len(m.answers)-1)
	return nil
}

func (m *memoryStore) ListAnswersByActivity(activityID string) ([]*services.Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*services.Answer
	for _, i := range m.answersByActivity[activityID] {
		out = append(out, copyAnswer(m.answers[i]))
	}
	return out, nil
}

func (m *memoryStore) ListAnswersBySession(sessionID string) ([]*services.Answer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*services.Answer
	for _, a := range m.answers {
		if a.SessionID == sessionID {
			out = append(out, copyAnswer(a))
		}
	}
	return out, nil
}

func (m *memoryStore) AddAudit(entry services.AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
}

func (m *memoryStore) ListAudit() []services.AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]services.AuditEntry(nil), m.audit...)
}

func (m *memoryStore) collectActivities(ids []string) []*services.ActivityDefinition {
	var out []*services.ActivityDefinition
	for _, id := range ids {
		if a, ok := m.activities[id]; ok {
			out = append(out, copyActivity(a))
		}
	}
	return out
}

func copyActivity(a *services.ActivityDefinition) *services.ActivityDefinition {
	cp := *a
	cp.Payload = copyPayload(a.Payload)
	cp.Tags = append([]string(nil), a.Tags...)
	return &cp
}

func copySession(s *services.Session) *services.Session {
	cp := *s
	cp.ActivityOrder = append([]string(nil), s.ActivityOrder...)
	cp.ActivationDate = copyTimePtr(s.ActivationDate)
	cp.CurrentIndex = copyIntPtr(s.CurrentIndex)
	return &cp
}

func copyAnswer(a *services.Answer) *services.Answer {
	cp := *a
	cp.Payload = copyPayload(a.Payload)
	return &cp
}

// copyPayload deep-copies an untyped payload through a JSON round trip so
// nested option lists and objects never stay shared with the caller.
func copyPayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		out = make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
	}
	return out
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func copyIntPtr(i *int) *int {
	if i == nil {
		return nil
	}
	cp := *i
	return &cp
}
