package services

import (
	"fmt"
	"math"
	"strings"
)

type AggregationStore interface {
	GetSession(id string) (*Session, error)
	ListSessionActivities(sessionID string) ([]*ActivityDefinition, error)
	ListAnswersByActivity(activityID string) ([]*Answer, error)
}

// Result kinds. Kind tags which arm of AggregatedResult is populated.
const (
	ResultChoice  = "choice"
	ResultScale   = "scale"
	ResultText    = "text"
	ResultUnknown = "unknown"
)

type OptionCount struct {
	OptionID   string `json:"option_id"`
	OptionText string `json:"option_text"`
	Count      int    `json:"count"`
}

type RatingCount struct {
	Rating int `json:"rating"`
	Count  int `json:"count"`
}

// AggregatedResult is the per-activity projection of raw answers. Skipped
// counts selections that landed in no bucket (stale option ids, out-of-range
// ratings, malformed payloads) so data-quality problems stay visible.
type AggregatedResult struct {
	ActivityID   string        `json:"activity_id"`
	ActivityType string        `json:"activity_type"`
	Kind         string        `json:"kind"`
	Answers      int           `json:"answers"`
	Options      []OptionCount `json:"options,omitempty"`
	Ratings      []RatingCount `json:"ratings,omitempty"`
	Texts        []string      `json:"texts,omitempty"`
	Skipped      int           `json:"skipped,omitempty"`
	Diagnostic   string        `json:"diagnostic,omitempty"`
}

// AggregationService turns stored answers into typed results. It never fails
// a results request because of one unrecognized type or corrupt payload;
// those degrade to an unknown result carrying a diagnostic.
type AggregationService struct {
	store AggregationStore
}

func NewAggregationService(store AggregationStore) *AggregationService {
	return &AggregationService{store: store}
}

func (s *AggregationService) ActivityResult(ownerID, sessionID, activityID string) (*AggregatedResult, error) {
	sess, acts, err := s.ownedActivities(ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	for _, act := range projectActivities(sess.ActivityOrder, acts) {
		if act.ID != activityID {
			continue
		}
		answers, err := s.store.ListAnswersByActivity(act.ID)
		if err != nil {
			return nil, err
		}
		return s.aggregate(act, answers), nil
	}
	return nil, NewNotFoundError("activity is not part of this session")
}

// SessionResults aggregates every activity of the session in authoritative
// order.
func (s *AggregationService) SessionResults(ownerID, sessionID string) ([]*AggregatedResult, error) {
	sess, acts, err := s.ownedActivities(ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*AggregatedResult, 0, len(sess.ActivityOrder))
	for _, act := range projectActivities(sess.ActivityOrder, acts) {
		answers, err := s.store.ListAnswersByActivity(act.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, s.aggregate(act, answers))
	}
	return out, nil
}

func (s *AggregationService) ownedActivities(ownerID, sessionID string) (*Session, []*ActivityDefinition, error) {
	if ownerID == "" {
		return nil, nil, NewUnauthorizedError("unauthorized")
	}
	sess, err := s.store.GetSession(sessionID)
	if err != nil {
		return nil, nil, err
	}
	if sess == nil || sess.OwnerID != ownerID {
		return nil, nil, NewNotFoundError("session not found")
	}
	acts, err := s.store.ListSessionActivities(sessionID)
	if err != nil {
		return nil, nil, err
	}
	return sess, acts, nil
}

// aggregate dispatches on the activity type, case-insensitively. A panic in
// an aggregator is caught here and converted into an unknown result so a
// single corrupt activity never defeats a whole-session request.
func (s *AggregationService) aggregate(def *ActivityDefinition, answers []*Answer) (res *AggregatedResult) {
	defer func() {
		if r := recover(); r != nil {
			res = &AggregatedResult{
				ActivityID:   def.ID,
				ActivityType: def.Type,
				Kind:         ResultUnknown,
				Answers:      len(answers),
				Diagnostic:   fmt.Sprintf("aggregation failed: %v", r),
			}
		}
	}()
	switch strings.ToLower(strings.TrimSpace(def.Type)) {
	case TypePoll, TypeMultipleChoice:
		return aggregateChoices(def, answers)
	case TypeScaleRating:
		return aggregateScale(def, answers)
	case TypeOpenEnded:
		return aggregateTexts(def, answers)
	default:
		return &AggregatedResult{ActivityID: def.ID, ActivityType: def.Type, Kind: ResultUnknown, Answers: len(answers)}
	}
}

// aggregateChoices seeds one bucket per declared option, in declared order,
// then tallies selections. Ids absent from the declared list are skipped
// rather than minting new buckets, so one corrupt answer cannot inject bogus
// categories.
func aggregateChoices(def *ActivityDefinition, answers []*Answer) *AggregatedResult {
	res := &AggregatedResult{ActivityID: def.ID, ActivityType: def.Type, Kind: ResultChoice, Answers: len(answers)}
	options := declaredOptions(def.Payload)
	if options == nil {
		res.Kind = ResultUnknown
		res.Diagnostic = "activity declares no options"
		return res
	}
	res.Options = options
	index := make(map[string]int, len(options))
	for i, opt := range options {
		index[opt.OptionID] = i
	}
	for _, ans := range answers {
		ids := selectedOptionIDs(ans.Payload)
		if len(ids) == 0 {
			res.Skipped++
			continue
		}
		for _, id := range ids {
			if i, ok := index[id]; ok {
				res.Options[i].Count++
			} else {
				res.Skipped++
			}
		}
	}
	return res
}

// aggregateScale builds one bucket per integer in the declared inclusive
// [min,max] range. Zero-count buckets are kept so clients can render empty
// histogram bars; out-of-range values are ignored.
func aggregateScale(def *ActivityDefinition, answers []*Answer) *AggregatedResult {
	res := &AggregatedResult{ActivityID: def.ID, ActivityType: def.Type, Kind: ResultScale, Answers: len(answers)}
	min, okMin := payloadInt(def.Payload, "min")
	max, okMax := payloadInt(def.Payload, "max")
	if !okMin || !okMax || max < min {
		res.Kind = ResultUnknown
		res.Diagnostic = "activity declares no usable scale bounds"
		return res
	}
	res.Ratings = make([]RatingCount, 0, max-min+1)
	for v := min; v <= max; v++ {
		res.Ratings = append(res.Ratings, RatingCount{Rating: v})
	}
	for _, ans := range answers {
		v, ok := answerValue(ans.Payload)
		if !ok || v < min || v > max {
			res.Skipped++
			continue
		}
		res.Ratings[v-min].Count++
	}
	return res
}

// aggregateTexts is the identity over submitted texts in submission order.
// The empty string is a valid response and is kept.
func aggregateTexts(def *ActivityDefinition, answers []*Answer) *AggregatedResult {
	res := &AggregatedResult{ActivityID: def.ID, ActivityType: def.Type, Kind: ResultText, Answers: len(answers)}
	res.Texts = make([]string, 0, len(answers))
	for _, ans := range answers {
		if ans.Payload == nil {
			res.Skipped++
			continue
		}
		text, ok := ans.Payload["text"].(string)
		if !ok {
			res.Skipped++
			continue
		}
		res.Texts = append(res.Texts, text)
	}
	return res
}

// declaredOptions parses the activity's option list, tolerating anything it
// does not understand. Returns nil when no usable list is declared.
func declaredOptions(payload map[string]any) []OptionCount {
	raw, ok := payload["options"].([]any)
	if !ok {
		return nil
	}
	out := make([]OptionCount, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		id, _ := m["id"].(string)
		if id == "" {
			continue
		}
		text, _ := m["text"].(string)
		if text == "" {
			text, _ = m["label"].(string)
		}
		out = append(out, OptionCount{OptionID: id, OptionText: text})
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// selectedOptionIDs accepts the single-select shape {"option_id": "..."} and
// the multi-select shape {"option_ids": ["...", ...]}; multi-select fans out
// to every listed id.
func selectedOptionIDs(payload map[string]any) []string {
	if payload == nil {
		return nil
	}
	if id, ok := payload["option_id"].(string); ok && id != "" {
		return []string{id}
	}
	raw, ok := payload["option_ids"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if id, ok := v.(string); ok && id != "" {
			out = append(out, id)
		}
	}
	return out
}

func answerValue(payload map[string]any) (int, bool) {
	if payload == nil {
		return 0, false
	}
	if v, ok := payloadInt(payload, "value"); ok {
		return v, true
	}
	return payloadInt(payload, "rating")
}

// payloadInt reads an integer that may arrive as a JSON number or a numeric
// string. Fractional values are rejected, not truncated; 2.5 belongs to no
// integer bucket.
func payloadInt(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case int:
		return v, true
	case string:
		var n int
		if _, err := fmt.Sscanf(strings.TrimSpace(v), "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}
