package db

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/sessionlab/engage/internal/api"
	"github.com/sessionlab/engage/internal/services"
)

// PostgresStore mirrors SQLiteStore for multi-node deployments. Answers carry
// a BIGSERIAL sequence column so submission order survives without relying on
// insertion order.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, errors.New("nil db")
	}
	if _, err := db.Exec(pgSchema); err != nil {
		return nil, fmt.Errorf("create postgres schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

var _ api.Store = (*PostgresStore)(nil)

const pgSchema = `
CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    email      TEXT NOT NULL UNIQUE,
    pass_hash  BYTEA NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS templates (
    id         TEXT PRIMARY KEY,
    owner_id   TEXT NOT NULL REFERENCES users(id),
    title      TEXT NOT NULL,
    version    INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS activities (
    id          TEXT PRIMARY KEY,
    template_id TEXT NOT NULL DEFAULT '',
    session_id  TEXT NOT NULL DEFAULT '',
    type        TEXT NOT NULL,
    title       TEXT NOT NULL,
    payload     TEXT NOT NULL DEFAULT '{}',
    tags        TEXT NOT NULL DEFAULT '[]',
    position    INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_activities_template ON activities(template_id);
CREATE INDEX IF NOT EXISTS idx_activities_session ON activities(session_id);

CREATE TABLE IF NOT EXISTS sessions (
    id                TEXT PRIMARY KEY,
    owner_id          TEXT NOT NULL REFERENCES users(id),
    template_id       TEXT NOT NULL,
    template_version  INTEGER NOT NULL,
    title             TEXT NOT NULL,
    status            TEXT NOT NULL,
    mode              TEXT NOT NULL,
    activation_date   TIMESTAMPTZ,
    activity_order    TEXT NOT NULL DEFAULT '[]',
    current_index     INTEGER,
    join_code         TEXT NOT NULL UNIQUE,
    participant_count INTEGER NOT NULL DEFAULT 0,
    version           INTEGER NOT NULL DEFAULT 0,
    created_at        TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS participants (
    id         TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    nickname   TEXT NOT NULL,
    joined_at  TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_participants_session ON participants(session_id);

CREATE TABLE IF NOT EXISTS answers (
    seq            BIGSERIAL PRIMARY KEY,
    id             TEXT NOT NULL UNIQUE,
    session_id     TEXT NOT NULL REFERENCES sessions(id),
    activity_id    TEXT NOT NULL,
    participant_id TEXT NOT NULL,
    payload        TEXT NOT NULL DEFAULT '{}',
    submitted_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_answers_activity ON answers(activity_id);
CREATE INDEX IF NOT EXISTS idx_answers_session ON answers(session_id);

CREATE TABLE IF NOT EXISTS audit_log (
    at     TIMESTAMPTZ NOT NULL,
    actor  TEXT NOT NULL,
    action TEXT NOT NULL,
    target TEXT NOT NULL,
    note   TEXT NOT NULL DEFAULT ''
);
`

func isPGUniqueViolation(err error) bool {
	var pe *pq.Error
	return errors.As(err, &pe) && pe.Code == "23505"
}

func (s *PostgresStore) AddUser(u *services.User) error {
	_, err := s.db.Exec(
		`INSERT INTO users (id, email, pass_hash, created_at) VALUES ($1, $2, $3, $4)`,
		u.ID, u.Email, u.PassHash, u.CreatedAt,
	)
	if isPGUniqueViolation(err) {
		return services.NewConflictError("email already registered")
	}
	return err
}

func (s *PostgresStore) FindUserByEmail(email string) (*services.User, error) {
	row := s.db.QueryRow(`SELECT id, email, pass_hash, created_at FROM users WHERE email = $1`, email)
	var u services.User
	if err := row.Scan(&u.ID, &u.Email, &u.PassHash, &u.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.NewNotFoundError("user not found")
		}
		return nil, err
	}
	return &u, nil
}

func (s *PostgresStore) InsertTemplate(t *services.Template) error {
	_, err := s.db.Exec(
		`INSERT INTO templates (id, owner_id, title, version, created_at) VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.OwnerID, t.Title, t.Version, t.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetTemplate(id string) (*services.Template, error) {
	return scanPGTemplate(s.db.QueryRow(
		`SELECT id, owner_id, title, version, created_at FROM templates WHERE id = $1`, id))
}

func (s *PostgresStore) UpdateTemplate(t *services.Template) error {
	res, err := s.db.Exec(
		`UPDATE templates SET title = $1, version = $2 WHERE id = $3`,
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

func (s *PostgresStore) DeleteTemplate(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.Exec(`DELETE FROM activities WHERE template_id = $1`, id); err != nil {
		return err
	}
	res, err := tx.Exec(`DELETE FROM templates WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("template not found")
	}
	return tx.Commit()
}

func (s *PostgresStore) ListTemplatesByOwner(ownerID string) ([]*services.Template, error) {
	rows, err := s.db.Query(
		`SELECT id, owner_id, title, version, created_at FROM templates WHERE owner_id = $1 ORDER BY created_at`,
		ownerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*services.Template
	for rows.Next() {
		t, err := scanPGTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanPGTemplate(r rowScanner) (*services.Template, error) {
	var t services.Template
	if err := r.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Version, &t.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.NewNotFoundError("template not found")
		}
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) InsertTemplateActivity(a *services.ActivityDefinition) error {
	return s.insertActivity(s.db, a)
}

func (s *PostgresStore) insertActivity(e execer, a *services.ActivityDefinition) error {
	_, err := e.Exec(
		`INSERT INTO activities (id, template_id, session_id, type, title, payload, tags, position)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.TemplateID, a.SessionID, a.Type, a.Title, encJSON(a.Payload), encJSON(a.Tags), a.Position,
	)
	return err
}

func (s *PostgresStore) ListTemplateActivities(templateID string) ([]*services.ActivityDefinition, error) {
	return s.listActivities(`template_id`, templateID)
}

func (s *PostgresStore) ListSessionActivities(sessionID string) ([]*services.ActivityDefinition, error) {
	return s.listActivities(`session_id`, sessionID)
}

func (s *PostgresStore) listActivities(column, id string) ([]*services.ActivityDefinition, error) {
	rows, err := s.db.Query(
		`SELECT id, template_id, session_id, type, title, payload, tags, position
		 FROM activities WHERE `+column+` = $1 ORDER BY position`, id,
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

func (s *PostgresStore) ReorderTemplateActivities(templateID string, order []string) (bool, error) {
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
		if _, err := tx.Exec(`UPDATE activities SET position = $1 WHERE id = $2`, i, id); err != nil {
			return false, err
		}
	}
	return true, tx.Commit()
}

func (s *PostgresStore) RemoveTemplateActivity(id string) error {
	res, err := s.db.Exec(`DELETE FROM activities WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("activity not found")
	}
	return nil
}

func (s *PostgresStore) CreateSession(sess *services.Session, activities []*services.ActivityDefinition) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	_, err = tx.Exec(
		`INSERT INTO sessions (id, owner_id, template_id, template_version, title, status, mode,
		 activation_date, activity_order, current_index, join_code, participant_count, version, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sess.ID, sess.OwnerID, sess.TemplateID, sess.TemplateVersion, sess.Title, sess.Status, sess.Mode,
		sess.ActivationDate, encJSON(sess.ActivityOrder), encIntPtr(sess.CurrentIndex),
		sess.JoinCode, sess.ParticipantCount, sess.Version, sess.CreatedAt,
	)
	if isPGUniqueViolation(err) {
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

const pgSessionColumns = `id, owner_id, template_id, template_version, title, status, mode,
 activation_date, activity_order, current_index, join_code, participant_count, version, created_at`

func scanPGSession(r rowScanner) (*services.Session, error) {
	var sess services.Session
	var activation sql.NullTime
	var order string
	var idx sql.NullInt64
	err := r.Scan(&sess.ID, &sess.OwnerID, &sess.TemplateID, &sess.TemplateVersion, &sess.Title,
		&sess.Status, &sess.Mode, &activation, &order, &idx, &sess.JoinCode,
		&sess.ParticipantCount, &sess.Version, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.NewNotFoundError("session not found")
		}
		return nil, err
	}
	if activation.Valid {
		t := activation.Time
		sess.ActivationDate = &t
	}
	sess.ActivityOrder = decStrings(order)
	sess.CurrentIndex = decIntPtr(idx)
	return &sess, nil
}

func (s *PostgresStore) GetSession(id string) (*services.Session, error) {
	return scanPGSession(s.db.QueryRow(`SELECT `+pgSessionColumns+` FROM sessions WHERE id = $1`, id))
}

func (s *PostgresStore) GetSessionByJoinCode(code string) (*services.Session, error) {
	return scanPGSession(s.db.QueryRow(`SELECT `+pgSessionColumns+` FROM sessions WHERE join_code = $1`, code))
}

func (s *PostgresStore) ListSessionsByOwner(ownerID string) ([]*services.Session, error) {
	return s.listSessions(`SELECT `+pgSessionColumns+` FROM sessions WHERE owner_id = $1 ORDER BY created_at`, ownerID)
}

func (s *PostgresStore) ListDueSessions(now time.Time) ([]*services.Session, error) {
	return s.listSessions(
		`SELECT `+pgSessionColumns+` FROM sessions
		 WHERE status = $1 AND activation_date IS NOT NULL AND activation_date <= $2`,
		services.StatusPlanned, now,
	)
}

func (s *PostgresStore) listSessions(query string, args ...any) ([]*services.Session, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*services.Session
	for rows.Next() {
		sess, err := scanPGSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateSessionLifecycle(sess *services.Session, expectedVersion int) (bool, error) {
	res, err := s.db.Exec(
		`UPDATE sessions SET status = $1, activation_date = $2, current_index = $3, version = $4
		 WHERE id = $5 AND version = $6`,
		sess.Status, sess.ActivationDate, encIntPtr(sess.CurrentIndex), expectedVersion+1,
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

func (s *PostgresStore) IncrementParticipantCount(sessionID string) error {
	res, err := s.db.Exec(`UPDATE sessions SET participant_count = participant_count + 1 WHERE id = $1`, sessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return services.NewNotFoundError("session not found")
	}
	return nil
}

func (s *PostgresStore) AddParticipant(p *services.Participant) error {
	_, err := s.db.Exec(
		`INSERT INTO participants (id, session_id, nickname, joined_at) VALUES ($1, $2, $3, $4)`,
		p.ID, p.SessionID, p.Nickname, p.JoinedAt,
	)
	return err
}

func (s *PostgresStore) GetParticipant(id string) (*services.Participant, error) {
	row := s.db.QueryRow(`SELECT id, session_id, nickname, joined_at FROM participants WHERE id = $1`, id)
	var p services.Participant
	if err := row.Scan(&p.ID, &p.SessionID, &p.Nickname, &p.JoinedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, services.NewNotFoundError("participant not found")
		}
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) AddAnswer(a *services.Answer) error {
	_, err := s.db.Exec(
		`INSERT INTO answers (id, session_id, activity_id, participant_id, payload, submitted_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		a.ID, a.SessionID, a.ActivityID, a.ParticipantID, encJSON(a.Payload), a.SubmittedAt,
	)
	return err
}

func (s *PostgresStore) ListAnswersByActivity(activityID string) ([]*services.Answer, error) {
	return s.listAnswers(`activity_id`, activityID)
}

func (s *PostgresStore) ListAnswersBySession(sessionID string) ([]*services.Answer, error) {
	return s.listAnswers(`session_id`, sessionID)
}

func (s *PostgresStore) listAnswers(column, id string) ([]*services.Answer, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, activity_id, participant_id, payload, submitted_at
		 FROM answers WHERE `+column+` = $1 ORDER BY seq`, id,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*services.Answer
	for rows.Next() {
		var a services.Answer
		var payload string
		if err := rows.Scan(&a.ID, &a.SessionID, &a.ActivityID, &a.ParticipantID, &payload, &a.SubmittedAt); err != nil {
			return nil, err
		}
		a.Payload = decPayload(payload)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AddAudit(entry services.AuditEntry) {
	_, err := s.db.Exec(
		`INSERT INTO audit_log (at, actor, action, target, note) VALUES ($1, $2, $3, $4, $5)`,
		entry.Time, entry.Actor, entry.Action, entry.Target, entry.Note,
	)
	if err != nil {
		slog.Error("postgres store: write audit entry", "error", err)
	}
}

func (s *PostgresStore) ListAudit() []services.AuditEntry {
	rows, err := s.db.Query(`SELECT at, actor, action, target, note FROM audit_log ORDER BY at`)
	if err != nil {
		slog.Error("postgres store: list audit", "error", err)
		return nil
	}
	defer rows.Close()
	var out []services.AuditEntry
	for rows.Next() {
		var e services.AuditEntry
		if err := rows.Scan(&e.Time, &e.Actor, &e.Action, &e.Target, &e.Note); err != nil {
			slog.Error("postgres store: scan audit entry", "error", err)
			return out
		}
		out = append(out, e)
	}
	return out
}
