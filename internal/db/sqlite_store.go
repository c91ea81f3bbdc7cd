package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/sessionlab/engage/internal/api"
	"github.com/sessionlab/engage/internal/services"
)

// SQLiteStore is the single-node persistent Store. Payloads, tags and the
// activity order are stored as JSON text; timestamps as RFC 3339 strings.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("apply sqlite pragma %q: %w", stmt, err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

var _ api.Store = (*SQLiteStore)(nil)

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// Second precision keeps the encoding fixed-width so the due-session query
// can compare activation_date lexicographically.
func encTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func decTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: encTime(*t), Valid: true}
}

func decTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := decTime(s.String)
	return &t
}

func encIntPtr(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func decIntPtr(n sql.NullInt64) *int {
	if !n.Valid {
		return nil
	}
	i := int(n.Int64)
	return &i
}

func encJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "null"
	}
	return string(b)
}

func decPayload(s string) map[string]any {
	var m map[string]any
	_ = json.Unmarshal([]byte(s), &m)
	return m
}

func decStrings(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

func (s *SQLiteStore) AddUser(u *services.User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, email, pass_hash, created_at) VALUES (?, ?, ?, ?)`,
		u.ID, u.Email, u.PassHash, encTime(u.CreatedAt),
	)
	if isUniqueViolation(err) {
		return services.NewConflictError("email already registered")
	}
	return err
}

func (s *SQLiteStore) FindUserByEmail(email string) (*services.User, error) {
	row := s.db.QueryRow(`SELECT id, email, pass_hash, created_at FROM users WHERE email = ?`, email)
	var u services.User
	var created string
	if err := row.Scan(&u.ID, &u.Email, &u.PassHash, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.NewNotFoundError("user not found")
		}
		return nil, err
	}
	u.CreatedAt = decTime(created)
	return &u, nil
}

func (s *SQLiteStore) InsertTemplate(t *services.Template) error {
	_, err := s.db.Exec(
		`INSERT INTO templates (id, owner_id, title, version, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Title, t.Version, encTime(t.CreatedAt),
	)
	return err
}

func (s *SQLiteStore) GetTemplate(id string) (*services.Template, error) {
	row := s.db.QueryRow(`SELECT id, owner_id, title, version, created_at FROM templates WHERE id = ?`, id)
	return scanTemplate(row)
}

func (s *SQLiteStore) UpdateTemplate(t *services.Template) error {
	res, err := s.db.Exec(
		`UPDATE templates SET title = ?, version = ? WHERE id = ?`,
		t.Title, t.Version, t.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("template not found")
	}
	return nil
}

func (s *SQLiteStore) DeleteTemplate(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM activities WHERE template_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("template not found")
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListTemplatesByOwner(ownerID string) ([]*services.Template, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, title, version, created_at FROM templates WHERE owner_id = ? ORDER BY created_at`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*services.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) InsertTemplateActivity(a *services.ActivityDefinition) error {
	return s.insertActivity(s.db, a)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) insertActivity(e execer, a *services.ActivityDefinition) error {
	_, err := e.Exec(
		`INSERT INTO activities (id, template_id, session_id, type, title, payload, tags, position)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TemplateID, a.SessionID, a.Type, a.Title, encJSON(a.Payload), encJSON(a.Tags), a.Position,
	)
	return err
}

func (s *SQLiteStore) ListTemplateActivities(templateID string) ([]*services.ActivityDefinition, error) {
	return s.listActivities(`template_id`, templateID)
}

func (s *SQLiteStore) ListSessionActivities(sessionID string) ([]*services.ActivityDefinition, error) {
	return s.listActivities(`session_id`, sessionID)
}

func (s *SQLiteStore) listActivities(column, id string) ([]*services.ActivityDefinition, error) {
	rows, err := s.db.Query(
		`SELECT id, template_id, session_id, type, title, payload, tags, position
		 FROM activities WHERE `+column+` = ? ORDER BY position`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*services.ActivityDefinition
	for rows.Next() {
		var a services.ActivityDefinition
		var payload, tags string
		if err := rows.Scan(&a.ID, &a.TemplateID, &a.SessionID, &a.Type, &a.Title, &payload, &tags, &a.Position); err != nil {
			return nil, err
		}
		a.Payload = decPayload(payload)
		a.Tags = decStrings(tags)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) ReorderTemplateActivities(templateID string, order []string) (bool, error) {
	current, err := s.ListTemplateActivities(templateID)
	if err != nil {
		return false, err
	}
	if len(current) != len(order) {
		return false, nil
	}
	have := map[string]bool{}
	for _, a := range current {
		have[a.ID] = true
	}
	for _, id := range order {
		if !have[id] {
			return false, nil
		}
	}
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()
	for i, id := range order {
		if _, err := tx.Exec(`UPDATE activities SET position = ? WHERE id = ?`, i, id); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (s *SQLiteStore) RemoveTemplateActivity(id string) error {
	res, err := s.db.Exec(`DELETE FROM activities WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("activity not found")
	}
	return nil
}

func (s *SQLiteStore) CreateSession(sess *services.Session, activities []*services.ActivityDefinition) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.Exec(
		`INSERT INTO sessions (id, owner_id, template_id, template_version, title, status, mode,
		 activation_date, activity_order, current_index, join_code, participant_count, version, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, sess.TemplateID, sess.TemplateVersion, sess.Title, sess.Status, sess.Mode,
		encTimePtr(sess.ActivationDate), encJSON(sess.ActivityOrder), encIntPtr(sess.CurrentIndex),
		sess.JoinCode, sess.ParticipantCount, sess.Version, encTime(sess.CreatedAt),
	)
	if isUniqueViolation(err) {
		return services.NewConflictError("join code already in use")
	}
	if err != nil {
		return err
	}
	for _, a := range activities {
		if err := s.insertActivity(tx, a); err != nil {
			return err
		}
	}
	return tx.Commit()
}

const sessionColumns = `id, owner_id, template_id, template_version, title, status, mode,
 activation_date, activity_order, current_index, join_code, participant_count, version, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTemplate(r rowScanner) (*services.Template, error) {
	var t services.Template
	var created string
	if err := r.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Version, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.NewNotFoundError("template not found")
		}
		return nil, err
	}
	t.CreatedAt = decTime(created)
	return &t, nil
}

func scanSession(r rowScanner) (*services.Session, error) {
	var sess services.Session
	var activation sql.NullString
	var order, created string
	var idx sql.NullInt64
	err := r.Scan(&sess.ID, &sess.OwnerID, &sess.TemplateID, &sess.TemplateVersion, &sess.Title,
		&sess.Status, &sess.Mode, &activation, &order, &idx, &sess.JoinCode,
		&sess.ParticipantCount, &sess.Version, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.NewNotFoundError("session not found")
		}
		return nil, err
	}
	sess.ActivationDate = decTimePtr(activation)
	sess.ActivityOrder = decStrings(order)
	sess.CurrentIndex = decIntPtr(idx)
	sess.CreatedAt = decTime(created)
	return &sess, nil
}

func (s *SQLiteStore) GetSession(id string) (*services.Session, error) {
	return scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
}

func (s *SQLiteStore) GetSessionByJoinCode(code string) (*services.Session, error) {
	return scanSession(s.db.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE join_code = ?`, code))
}

func (s *SQLiteStore) ListSessionsByOwner(ownerID string) ([]*services.Session, error) {
	return s.listSessions(`SELECT `+sessionColumns+` FROM sessions WHERE owner_id = ? ORDER BY created_at`, ownerID)
}

func (s *SQLiteStore) ListDueSessions(now time.Time) ([]*services.Session, error) {
	return s.listSessions(
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE status = ? AND activation_date IS NOT NULL AND activation_date <= ?`,
		services.StatusPlanned, encTime(now),
	)
}

func (s *SQLiteStore) listSessions(query string, args ...any) ([]*services.Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*services.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateSessionLifecycle performs the versioned compare-and-swap. Only the
// lifecycle columns are written; participant_count has its own increment so
// the two never clobber each other.
func (s *SQLiteStore) UpdateSessionLifecycle(sess *services.Session, expectedVersion int) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET status = ?, activation_date = ?, current_index = ?, version = ?
		 WHERE id = ? AND version = ?`,
		sess.Status, encTimePtr(sess.ActivationDate), encIntPtr(sess.CurrentIndex), expectedVersion+1,
		sess.ID, expectedVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	sess.Version = expectedVersion + 1
	return true, nil
}

func (s *SQLiteStore) IncrementParticipantCount(sessionID string) error {
	res, err := s.db.Exec(`UPDATE sessions SET participant_count = participant_count + 1 WHERE id = ?`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("session not found")
	}
	return nil
}

func (s *SQLiteStore) AddParticipant(p *services.Participant) error {
	_, err := s.db.Exec(
		`INSERT INTO participants (id, session_id, nickname, joined_at) VALUES (?, ?, ?, ?)`,
		p.ID, p.SessionID, p.Nickname, encTime(p.JoinedAt),
	)
	return err
}

func (s *SQLiteStore) GetParticipant(id string) (*services.Participant, error) {
	row := s.db.QueryRow(`SELECT id, session_id, nickname, joined_at FROM participants WHERE id = ?`, id)
	var p services.Participant
	var joined string
	if err := row.Scan(&p.ID, &p.SessionID, &p.Nickname, &joined); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.NewNotFoundError("participant not found")
		}
		return nil, err
	}
	p.JoinedAt = decTime(joined)
	return &p, nil
}

func (s *SQLiteStore) AddAnswer(a *services.Answer) error {
	_, err := s.db.Exec(
		`INSERT INTO answers (id, session_id, activity_id, participant_id, payload, submitted_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.ActivityID, a.ParticipantID, encJSON(a.Payload), encTime(a.SubmittedAt),
	)
	return err
}

func (s *SQLiteStore) ListAnswersByActivity(activityID string) ([]*services.Answer, error) {
	// rowid preserves submission order
	return s.listAnswers(`activity_id`, activityID)
}

func (s *SQLiteStore) ListAnswersBySession(sessionID string) ([]*services.Answer, error) {
	return s.listAnswers(`session_id`, sessionID)
}

func (s *SQLiteStore) listAnswers(column, id string) ([]*services.Answer, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, activity_id, participant_id, payload, submitted_at
		 FROM answers WHERE `+column+` = ? ORDER BY rowid`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*services.Answer
	for rows.Next() {
		var a services.Answer
		var payload, submitted string
		if err := rows.Scan(&a.ID, &a.SessionID, &a.ActivityID, &a.ParticipantID, &payload, &submitted); err != nil {
			return nil, err
		}
		a.Payload = decPayload(payload)
		a.SubmittedAt = decTime(submitted)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) AddAudit(entry services.AuditEntry) {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (at, actor, action, target, note) VALUES (?, ?, ?, ?, ?)`,
		encTime(entry.Time), entry.Actor, entry.Action, entry.Target, entry.Note,
	)
	if err != nil {
		slog.Error("sqlite store: write audit entry", "error", err)
	}
}

func (s *SQLiteStore) ListAudit() []services.AuditEntry {
	rows, err := s.db.Query(`SELECT at, actor, action, target, note FROM audit_log ORDER BY rowid`)
	if err != nil {
		slog.Error("sqlite store: list audit", "error", err)
		return nil
	}
	defer rows.Close()
	var out []services.AuditEntry
	for rows.Next() {
		var e services.AuditEntry
		var at string
		if err := rows.Scan(&at, &e.Actor, &e.Action, &e.Target, &e.Note); err != nil {
			slog.Error("sqlite store: scan audit entry", "error", err)
			return out
		}
		e.Time = decTime(at)
		out = append(out, e)
	}
	return out
}
