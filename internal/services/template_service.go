package services

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

type TemplateStore interface {
	InsertTemplate(t *Template) error
	GetTemplate(id string) (*Template, error)
	UpdateTemplate(t *Template) error
	DeleteTemplate(id string) error
	ListTemplatesByOwner(ownerID string) ([]*Template, error)
	InsertTemplateActivity(a *ActivityDefinition) error
	ListTemplateActivities(templateID string) ([]*ActivityDefinition, error)
	ReorderTemplateActivities(templateID string, order []string) (bool, error)
	RemoveTemplateActivity(id string) error
	AddAudit(entry AuditEntry)
}

// TemplateService covers template authoring. Templates are the snapshot
// source for session creation; edits here bump the template version and are
// invisible to sessions created earlier.
type TemplateService struct {
	store TemplateStore
	now   func() time.Time
}

type TemplateView struct {
	Template   *Template             `json:"template"`
	Activities []*ActivityDefinition `json:"activities"`
}

func NewTemplateService(store TemplateStore) *TemplateService {
	return &TemplateService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create accepts an untyped body and keeps only the fields it understands.
func (s *TemplateService) Create(ownerID string, raw map[string]any) (*Template, error) {
	if ownerID == "" {
		return nil, NewUnauthorizedError("unauthorized")
	}
	var tpl Template
	if len(raw) > 0 {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, NewInvalidError(err.Error())
		}
		if err := json.Unmarshal(b, &tpl); err != nil {
			return nil, NewInvalidError(err.Error())
		}
	}
	if strings.TrimSpace(tpl.Title) == "" {
		return nil, NewInvalidError("title required")
	}
	tpl.ID = shortID(8)
	tpl.OwnerID = ownerID
	tpl.Version = 1
	tpl.CreatedAt = s.now()
	if err := s.store.InsertTemplate(&tpl); err != nil {
		return nil, err
	}
	return &tpl, nil
}

func (s *TemplateService) List(ownerID string) ([]*Template, error) {
	if ownerID == "" {
		return nil, NewUnauthorizedError("unauthorized")
	}
	return s.store.ListTemplatesByOwner(ownerID)
}

func (s *TemplateService) Get(ownerID, templateID string) (*TemplateView, error) {
	tpl, err := s.ownedTemplate(ownerID, templateID)
	if err != nil {
		return nil, err
	}
	acts, err := s.store.ListTemplateActivities(templateID)
	if err != nil {
		return nil, err
	}
	return &TemplateView{Template: tpl, Activities: acts}, nil
}

func (s *TemplateService) Delete(ownerID, templateID string) error {
	if _, err := s.ownedTemplate(ownerID, templateID); err != nil {
		return err
	}
	if err := s.store.DeleteTemplate(templateID); err != nil {
		return err
	}
	s.store.AddAudit(AuditEntry{Time: s.now(), Actor: ownerID, Action: "delete_template", Target: templateID})
	return nil
}

// AddActivity appends an activity to the template and bumps its version.
// Payload shape is not validated here beyond being a JSON object; deep
// validation is a caller concern.
func (s *TemplateService) AddActivity(ownerID, templateID string, act *ActivityDefinition) (*ActivityDefinition, error) {
	tpl, err := s.ownedTemplate(ownerID, templateID)
	if err != nil {
		return nil, err
	}
	if act == nil {
		return nil, NewInvalidError("activity required")
	}
	if strings.TrimSpace(act.Title) == "" {
		return nil, NewInvalidError("title required")
	}
	if strings.TrimSpace(act.Type) == "" {
		act.Type = TypePoll
	}
	existing, err := s.store.ListTemplateActivities(templateID)
	if err != nil {
		return nil, err
	}
	act.ID = shortID(8)
	act.TemplateID = templateID
	act.SessionID = ""
	act.Position = len(existing)
	if err := s.store.InsertTemplateActivity(act); err != nil {
		return nil, err
	}
	if err := s.bumpVersion(tpl); err != nil {
		return nil, err
	}
	return act, nil
}

func (s *TemplateService) RemoveActivity(ownerID, templateID, activityID string) error {
	tpl, err := s.ownedTemplate(ownerID, templateID)
	if err != nil {
		return err
	}
	acts, err := s.store.ListTemplateActivities(templateID)
	if err != nil {
		return err
	}
	found := false
	for _, act := range acts {
		if act.ID == activityID {
			found = true
			break
		}
	}
	if !found {
		return NewNotFoundError("activity not found")
	}
	if err := s.store.RemoveTemplateActivity(activityID); err != nil {
		return err
	}
	return s.bumpVersion(tpl)
}

// Reorder replaces the template's activity order. The new order must be a
// permutation of the existing activity ids: same set, no duplicates, no
// omissions. Returns the bumped template version.
func (s *TemplateService) Reorder(ownerID, templateID string, order []string) (int, error) {
	tpl, err := s.ownedTemplate(ownerID, templateID)
	if err != nil {
		return 0, err
	}
	if len(order) == 0 {
		return 0, NewInvalidError("order required")
	}
	acts, err := s.store.ListTemplateActivities(templateID)
	if err != nil {
		return 0, err
	}
	if !isPermutationOf(order, acts) {
		return 0, NewInvalidError("order must be a permutation of the template's activity ids")
	}
	ok, err := s.store.ReorderTemplateActivities(templateID, order)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, NewInvalidError("reorder failed")
	}
	if err := s.bumpVersion(tpl); err != nil {
		return 0, err
	}
	s.store.AddAudit(AuditEntry{Time: s.now(), Actor: ownerID, Action: "reorder_activities", Target: templateID, Note: strconv.Itoa(len(order))})
	return tpl.Version, nil
}

func (s *TemplateService) bumpVersion(tpl *Template) error {
	tpl.Version++
	return s.store.UpdateTemplate(tpl)
}

func (s *TemplateService) ownedTemplate(ownerID, templateID string) (*Template, error) {
	if ownerID == "" {
		return nil, NewUnauthorizedError("unauthorized")
	}
	tpl, err := s.store.GetTemplate(templateID)
	if err != nil {
		return nil, err
	}
	if tpl == nil || tpl.OwnerID != ownerID {
		return nil, NewNotFoundError("template not found")
	}
	return tpl, nil
}

func isPermutationOf(order []string, acts []*ActivityDefinition) bool {
	if len(order) != len(acts) {
		return false
	}
	want := make(map[string]bool, len(acts))
	for _, act := range acts {
		want[act.ID] = true
	}
	seen := make(map[string]bool, len(order))
	for _, id := range order {
		if !want[id] || seen[id] {
			return false
		}
		seen[id] = true
	}
	return true
}
