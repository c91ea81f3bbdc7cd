package services

import (
	"testing"
	"time"
)

type templateStubStore struct {
	templates  map[string]*Template
	activities map[string][]*ActivityDefinition
	audit      []AuditEntry
}

func newTemplateStubStore() *templateStubStore {
	return &templateStubStore{
		templates:  map[string]*Template{},
		activities: map[string][]*ActivityDefinition{},
	}
}

func (s *templateStubStore) InsertTemplate(t *Template) error {
	copy := *t
	s.templates[t.ID] = &copy
	return nil
}

func (s *templateStubStore) GetTemplate(id string) (*Template, error) {
	if t, ok := s.templates[id]; ok {
		copy := *t
		return &copy, nil
	}
	return nil, nil
}

func (s *templateStubStore) UpdateTemplate(t *Template) error {
	if _, ok := s.templates[t.ID]; !ok {
		return NewNotFoundError("template not found")
	}
	copy := *t
	s.templates[t.ID] = &copy
	return nil
}

func (s *templateStubStore) DeleteTemplate(id string) error {
	if _, ok := s.templates[id]; !ok {
		return NewNotFoundError("template not found")
	}
	delete(s.templates, id)
	delete(s.activities, id)
	return nil
}

func (s *templateStubStore) ListTemplatesByOwner(ownerID string) ([]*Template, error) {
	var out []*Template
	for _, t := range s.templates {
		if t.OwnerID == ownerID {
			copy := *t
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (s *templateStubStore) InsertTemplateActivity(a *ActivityDefinition) error {
	copy := *a
	s.activities[a.TemplateID] = append(s.activities[a.TemplateID], &copy)
	return nil
}

func (s *templateStubStore) ListTemplateActivities(templateID string) ([]*ActivityDefinition, error) {
	var out []*ActivityDefinition
	for _, a := range s.activities[templateID] {
		copy := *a
		out = append(out, &copy)
	}
	return out, nil
}

func (s *templateStubStore) ReorderTemplateActivities(templateID string, order []string) (bool, error) {
	acts := s.activities[templateID]
	if len(acts) != len(order) {
		return false, nil
	}
	byID := map[string]*ActivityDefinition{}
	for _, a := range acts {
		byID[a.ID] = a
	}
	reordered := make([]*ActivityDefinition, 0, len(order))
	for i, id := range order {
		a, ok := byID[id]
		if !ok {
			return false, nil
		}
		a.Position = i
		reordered = append(reordered, a)
	}
	s.activities[templateID] = reordered
	return true, nil
}

func (s *templateStubStore) RemoveTemplateActivity(id string) error {
	for tid, acts := range s.activities {
		for i, a := range acts {
			if a.ID == id {
				s.activities[tid] = append(acts[:i], acts[i+1:]...)
				return nil
			}
		}
	}
	return NewNotFoundError("activity not found")
}

func (s *templateStubStore) AddAudit(entry AuditEntry) { s.audit = append(s.audit, entry) }

func newTestTemplateService(store *templateStubStore) *TemplateService {
	svc := NewTemplateService(store)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC) }
	return svc
}

func TestTemplateCreateFromRawBody(t *testing.T) {
	store := newTemplateStubStore()
	svc := newTestTemplateService(store)

	tpl, err := svc.Create("owner1", map[string]any{"title": "Weekly retro", "ignored": true})
	if err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if tpl.ID == "" || tpl.Version != 1 || tpl.Title != "Weekly retro" {
		t.Fatalf("unexpected template: %+v", tpl)
	}

	if _, err := svc.Create("owner1", map[string]any{"title": "  "}); err == nil {
		t.Fatalf("expected invalid error for blank title")
	}
	if _, err := svc.Create("", map[string]any{"title": "x"}); err == nil {
		t.Fatalf("expected unauthorized error without owner")
	}
}

func TestTemplateAddActivityBumpsVersion(t *testing.T) {
	store := newTemplateStubStore()
	svc := newTestTemplateService(store)

	tpl, _ := svc.Create("owner1", map[string]any{"title": "Quiz"})
	act, err := svc.AddActivity("owner1", tpl.ID, &ActivityDefinition{Title: "How are we doing?"})
	if err != nil {
		t.Fatalf("AddActivity returned error: %v", err)
	}
	if act.Type != TypePoll {
		t.Fatalf("missing type should default to poll, got %q", act.Type)
	}
	if act.Position != 0 {
		t.Fatalf("first activity should get position 0, got %d", act.Position)
	}
	if store.templates[tpl.ID].Version != 2 {
		t.Fatalf("expected version bump to 2, got %d", store.templates[tpl.ID].Version)
	}

	second, _ := svc.AddActivity("owner1", tpl.ID, &ActivityDefinition{Title: "Rate the sprint", Type: TypeScaleRating})
	if second.Position != 1 {
		t.Fatalf("second activity should get position 1, got %d", second.Position)
	}
}

func TestTemplateReorderValidatesPermutation(t *testing.T) {
	store := newTemplateStubStore()
	svc := newTestTemplateService(store)

	tpl, _ := svc.Create("owner1", map[string]any{"title": "Quiz"})
	a1, _ := svc.AddActivity("owner1", tpl.ID, &ActivityDefinition{Title: "Q1"})
	a2, _ := svc.AddActivity("owner1", tpl.ID, &ActivityDefinition{Title: "Q2"})

	version, err := svc.Reorder("owner1", tpl.ID, []string{a2.ID, a1.ID})
	if err != nil {
		t.Fatalf("Reorder returned error: %v", err)
	}
	if version != 4 {
		t.Fatalf("expected version 4 after two adds and a reorder, got %d", version)
	}
	acts, _ := store.ListTemplateActivities(tpl.ID)
	if acts[0].ID != a2.ID || acts[1].ID != a1.ID {
		t.Fatalf("order not applied: %v %v", acts[0].ID, acts[1].ID)
	}

	bad := [][]string{
		{a1.ID},             // omission
		{a1.ID, a1.ID},      // duplicate
		{a1.ID, "nosuch"},   // foreign id
		{a1.ID, a2.ID, "x"}, // extra entry
	}
	for _, order := range bad {
		if _, err := svc.Reorder("owner1", tpl.ID, order); err == nil {
			t.Fatalf("expected invalid error for order %v", order)
		}
	}
}

func TestTemplateRemoveActivity(t *testing.T) {
	store := newTemplateStubStore()
	svc := newTestTemplateService(store)

	tpl, _ := svc.Create("owner1", map[string]any{"title": "Quiz"})
	a1, _ := svc.AddActivity("owner1", tpl.ID, &ActivityDefinition{Title: "Q1"})

	if err := svc.RemoveActivity("owner1", tpl.ID, a1.ID); err != nil {
		t.Fatalf("RemoveActivity returned error: %v", err)
	}
	if err := svc.RemoveActivity("owner1", tpl.ID, a1.ID); err == nil {
		t.Fatalf("expected not found removing the same activity twice")
	}
}

func TestTemplateOwnershipDoesNotLeakExistence(t *testing.T) {
	store := newTemplateStubStore()
	svc := newTestTemplateService(store)

	tpl, _ := svc.Create("owner1", map[string]any{"title": "Quiz"})
	if _, err := svc.Get("intruder", tpl.ID); err == nil {
		t.Fatalf("expected error for foreign template")
	} else if se, _ := AsServiceError(err); se.Code != ErrorNotFound {
		t.Fatalf("expected not_found, got %q", se.Code)
	}
	if err := svc.Delete("intruder", tpl.ID); err == nil {
		t.Fatalf("expected error deleting foreign template")
	}
}
