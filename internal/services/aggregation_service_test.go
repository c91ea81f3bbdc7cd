package services

import (
	"strings"
	"testing"
)

type aggStubStore struct {
	session    *Session
	activities []*ActivityDefinition
	answers    map[string][]*Answer
}

func (s *aggStubStore) GetSession(id string) (*Session, error) {
	if s.session != nil && s.session.ID == id {
		copy := *s.session
		return &copy, nil
	}
	return nil, nil
}

func (s *aggStubStore) ListSessionActivities(sessionID string) ([]*ActivityDefinition, error) {
	var out []*ActivityDefinition
	for _, a := range s.activities {
		copy := *a
		out = append(out, &copy)
	}
	return out, nil
}

func (s *aggStubStore) ListAnswersByActivity(activityID string) ([]*Answer, error) {
	var out []*Answer
	for _, a := range s.answers[activityID] {
		copy := *a
		out = append(out, &copy)
	}
	return out, nil
}

func aggFixture(act *ActivityDefinition, answers ...*Answer) *AggregationService {
	store := &aggStubStore{
		session:    &Session{ID: "s1", OwnerID: "owner1", Status: StatusActive, ActivityOrder: []string{act.ID}},
		activities: []*ActivityDefinition{act},
		answers:    map[string][]*Answer{act.ID: answers},
	}
	return NewAggregationService(store)
}

func choiceAnswer(id string) *Answer {
	return &Answer{SessionID: "s1", ActivityID: "a1", Payload: map[string]any{"option_id": id}}
}

func TestAggregateChoicesCountsAndSkips(t *testing.T) {
	act := &ActivityDefinition{
		ID: "a1", SessionID: "s1", Type: TypePoll,
		Payload: map[string]any{"options": []any{
			map[string]any{"id": "o1", "text": "Red"},
			map[string]any{"id": "o2", "text": "Blue"},
		}},
	}
	svc := aggFixture(act,
		choiceAnswer("o1"), choiceAnswer("o1"), choiceAnswer("o2"), choiceAnswer("o3"))

	res, err := svc.ActivityResult("owner1", "s1", "a1")
	if err != nil {
		t.Fatalf("ActivityResult returned error: %v", err)
	}
	if res.Kind != ResultChoice || res.Answers != 4 {
		t.Fatalf("unexpected result header: %+v", res)
	}
	if len(res.Options) != 2 {
		t.Fatalf("expected 2 buckets, got %d", len(res.Options))
	}
	if res.Options[0].OptionID != "o1" || res.Options[0].Count != 2 {
		t.Fatalf("bucket o1 wrong: %+v", res.Options[0])
	}
	if res.Options[1].OptionID != "o2" || res.Options[1].Count != 1 {
		t.Fatalf("bucket o2 wrong: %+v", res.Options[1])
	}
	if res.Skipped != 1 {
		t.Fatalf("stale option id should be skipped, got skipped=%d", res.Skipped)
	}
}

func TestAggregateChoicesMultiSelectFansOut(t *testing.T) {
	act := &ActivityDefinition{
		ID: "a1", SessionID: "s1", Type: TypeMultipleChoice,
		Payload: map[string]any{"options": []any{
			map[string]any{"id": "o1", "text": "A"},
			map[string]any{"id": "o2", "text": "B"},
		}},
	}
	svc := aggFixture(act, &Answer{ActivityID: "a1", Payload: map[string]any{"option_ids": []any{"o1", "o2"}}})

	res, err := svc.ActivityResult("owner1", "s1", "a1")
	if err != nil {
		t.Fatalf("ActivityResult returned error: %v", err)
	}
	if res.Answers != 1 {
		t.Fatalf("one answer expected, got %d", res.Answers)
	}
	if res.Options[0].Count != 1 || res.Options[1].Count != 1 {
		t.Fatalf("multi-select should count every listed id: %+v", res.Options)
	}
}

func TestAggregateScaleSeedsZeroBuckets(t *testing.T) {
	act := &ActivityDefinition{
		ID: "a1", SessionID: "s1", Type: TypeScaleRating,
		Payload: map[string]any{"min": float64(1), "max": float64(3)},
	}
	svc := aggFixture(act,
		&Answer{ActivityID: "a1", Payload: map[string]any{"value": float64(2)}},
		&Answer{ActivityID: "a1", Payload: map[string]any{"rating": float64(2)}},
		&Answer{ActivityID: "a1", Payload: map[string]any{"value": float64(9)}},
		&Answer{ActivityID: "a1", Payload: map[string]any{"value": "not a number"}},
		// fractional values must be skipped, never truncated into a bucket
		&Answer{ActivityID: "a1", Payload: map[string]any{"value": 2.5}},
	)

	res, err := svc.ActivityResult("owner1", "s1", "a1")
	if err != nil {
		t.Fatalf("ActivityResult returned error: %v", err)
	}
	if res.Kind != ResultScale {
		t.Fatalf("expected scale result, got %q", res.Kind)
	}
	want := []RatingCount{{Rating: 1, Count: 0}, {Rating: 2, Count: 2}, {Rating: 3, Count: 0}}
	if len(res.Ratings) != len(want) {
		t.Fatalf("expected %d buckets, got %d", len(want), len(res.Ratings))
	}
	for i, w := range want {
		if res.Ratings[i] != w {
			t.Fatalf("bucket %d: got %+v want %+v", i, res.Ratings[i], w)
		}
	}
	if res.Skipped != 3 {
		t.Fatalf("out-of-range, malformed and fractional values should be skipped, got %d", res.Skipped)
	}
}

func TestAggregateScaleMissingBounds(t *testing.T) {
	act := &ActivityDefinition{ID: "a1", SessionID: "s1", Type: TypeScaleRating, Payload: map[string]any{}}
	svc := aggFixture(act, &Answer{ActivityID: "a1", Payload: map[string]any{"value": float64(2)}})

	res, err := svc.ActivityResult("owner1", "s1", "a1")
	if err != nil {
		t.Fatalf("ActivityResult returned error: %v", err)
	}
	if res.Kind != ResultUnknown || res.Diagnostic == "" {
		t.Fatalf("expected unknown result with diagnostic, got %+v", res)
	}
}

func TestAggregateTextsKeepsOrderAndEmptyStrings(t *testing.T) {
	act := &ActivityDefinition{ID: "a1", SessionID: "s1", Type: TypeOpenEnded}
	svc := aggFixture(act,
		&Answer{ActivityID: "a1", Payload: map[string]any{"text": "first"}},
		&Answer{ActivityID: "a1", Payload: map[string]any{"text": ""}},
		&Answer{ActivityID: "a1", Payload: map[string]any{"text": "third"}},
		&Answer{ActivityID: "a1", Payload: map[string]any{"note": "wrong key"}},
	)

	res, err := svc.ActivityResult("owner1", "s1", "a1")
	if err != nil {
		t.Fatalf("ActivityResult returned error: %v", err)
	}
	want := []string{"first", "", "third"}
	if strings.Join(res.Texts, "|") != strings.Join(want, "|") {
		t.Fatalf("texts %v, want %v", res.Texts, want)
	}
	if res.Skipped != 1 {
		t.Fatalf("answer without text key should be skipped, got %d", res.Skipped)
	}
}

func TestAggregateUnknownTypeAndCaseInsensitivity(t *testing.T) {
	unknown := &ActivityDefinition{ID: "a1", SessionID: "s1", Type: "word_cloud"}
	svc := aggFixture(unknown, &Answer{ActivityID: "a1", Payload: map[string]any{"word": "go"}})

	res, err := svc.ActivityResult("owner1", "s1", "a1")
	if err != nil {
		t.Fatalf("ActivityResult returned error: %v", err)
	}
	if res.Kind != ResultUnknown || res.Answers != 1 {
		t.Fatalf("unrecognized type should degrade to unknown: %+v", res)
	}

	mixed := &ActivityDefinition{
		ID: "a1", SessionID: "s1", Type: "Poll",
		Payload: map[string]any{"options": []any{map[string]any{"id": "o1", "text": "Yes"}}},
	}
	svc = aggFixture(mixed, choiceAnswer("o1"))
	res, err = svc.ActivityResult("owner1", "s1", "a1")
	if err != nil {
		t.Fatalf("ActivityResult returned error: %v", err)
	}
	if res.Kind != ResultChoice || res.Options[0].Count != 1 {
		t.Fatalf("type matching should be case-insensitive: %+v", res)
	}
}

func TestSessionResultsFollowAuthoritativeOrder(t *testing.T) {
	a1 := &ActivityDefinition{ID: "a1", SessionID: "s1", Type: TypeOpenEnded}
	a2 := &ActivityDefinition{ID: "a2", SessionID: "s1", Type: TypeOpenEnded}
	store := &aggStubStore{
		session: &Session{ID: "s1", OwnerID: "owner1", ActivityOrder: []string{"a2", "a1"}},
		// storage order deliberately disagrees with ActivityOrder
		activities: []*ActivityDefinition{a1, a2},
		answers:    map[string][]*Answer{},
	}
	svc := NewAggregationService(store)

	results, err := svc.SessionResults("owner1", "s1")
	if err != nil {
		t.Fatalf("SessionResults returned error: %v", err)
	}
	if len(results) != 2 || results[0].ActivityID != "a2" || results[1].ActivityID != "a1" {
		t.Fatalf("results must follow ActivityOrder, got %v %v", results[0].ActivityID, results[1].ActivityID)
	}
}

func TestSessionResultsForeignOwner(t *testing.T) {
	act := &ActivityDefinition{ID: "a1", SessionID: "s1", Type: TypeOpenEnded}
	svc := aggFixture(act)

	_, err := svc.SessionResults("intruder", "s1")
	se, ok := AsServiceError(err)
	if !ok || se.Code != ErrorNotFound {
		t.Fatalf("expected not_found for foreign session, got %v", err)
	}
}
