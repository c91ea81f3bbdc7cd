package services

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"time"
)

type ExportStore interface {
	GetSession(id string) (*Session, error)
	ListSessionActivities(sessionID string) ([]*ActivityDefinition, error)
	ListAnswersBySession(sessionID string) ([]*Answer, error)
	AddAudit(entry AuditEntry)
}

// ExportService renders a session's raw answers and aggregated results as
// CSV for offline analysis.
type ExportService struct {
	store   ExportStore
	results *AggregationService
	now     func() time.Time
}

func NewExportService(store ExportStore, results *AggregationService) *ExportService {
	return &ExportService{
		store:   store,
		results: results,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// AnswersCSV emits one row per stored answer, in submission order, with the
// raw payload serialized as JSON.
func (s *ExportService) AnswersCSV(ownerID, sessionID string) ([]byte, error) {
	sess, err := s.ownedSession(ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	acts, err := s.store.ListSessionActivities(sessionID)
	if err != nil {
		return nil, err
	}
	typeByID := make(map[string]string, len(acts))
	for _, act := range acts {
		typeByID[act.ID] = act.Type
	}
	answers, err := s.store.ListAnswersBySession(sessionID)
	if err != nil {
		return nil, err
	}

	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"answer_id", "activity_id", "activity_type", "participant_id", "payload", "submitted_at"})
	for _, ans := range answers {
		payload := ""
		if ans.Payload != nil {
			b, err := json.Marshal(ans.Payload)
			if err != nil {
				return nil, err
			}
			payload = string(b)
		}
		rec := []string{
			ans.ID,
			ans.ActivityID,
			typeByID[ans.ActivityID],
			ans.ParticipantID,
			payload,
			ans.SubmittedAt.Format(time.RFC3339),
		}
		if err := w.Write(rec); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	s.store.AddAudit(AuditEntry{Time: s.now(), Actor: ownerID, Action: "export_answers", Target: sess.ID, Note: strconv.Itoa(len(answers))})
	return buf.Bytes(), nil
}

// ResultsCSV emits one row per result bucket across the whole session, in
// authoritative activity order.
func (s *ExportService) ResultsCSV(ownerID, sessionID string) ([]byte, error) {
	results, err := s.results.SessionResults(ownerID, sessionID)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	w := csv.NewWriter(buf)
	_ = w.Write([]string{"activity_id", "activity_type", "kind", "bucket", "label", "count", "skipped"})
	for _, res := range results {
		skipped := strconv.Itoa(res.Skipped)
		switch res.Kind {
		case ResultChoice:
			for _, opt := range res.Options {
				if err := w.Write([]string{res.ActivityID, res.ActivityType, res.Kind, opt.OptionID, opt.OptionText, strconv.Itoa(opt.Count), skipped}); err != nil {
					return nil, err
				}
			}
		case ResultScale:
			for _, rc := range res.Ratings {
				if err := w.Write([]string{res.ActivityID, res.ActivityType, res.Kind, strconv.Itoa(rc.Rating), "", strconv.Itoa(rc.Count), skipped}); err != nil {
					return nil, err
				}
			}
		case ResultText:
			for i, text := range res.Texts {
				if err := w.Write([]string{res.ActivityID, res.ActivityType, res.Kind, strconv.Itoa(i), text, "1", skipped}); err != nil {
					return nil, err
				}
			}
		default:
			if err := w.Write([]string{res.ActivityID, res.ActivityType, res.Kind, "", res.Diagnostic, "0", skipped}); err != nil {
				return nil, err
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *ExportService) ownedSession(ownerID, sessionID string) (*Session, error) {
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
