package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite access for the consultation index and the fan-out
// dispatch ledger.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer keeps SQLite free of SQLITE_BUSY under concurrent jobs
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS consultations (
			call_id TEXT PRIMARY KEY,
			phone TEXT,
			customer_name TEXT,
			status TEXT,
			started_at TIMESTAMP,
			ended_at TIMESTAMP,
			message_count INTEGER DEFAULT 0,
			report_id TEXT,
			updated_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_consultations_phone ON consultations(phone);`,
		`CREATE TABLE IF NOT EXISTS dispatches (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			call_id TEXT,
			message_id TEXT,
			agent TEXT,
			status TEXT,
			error TEXT,
			duration_ms INTEGER,
			created_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_dispatches_call ON dispatches(call_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Consultation is one row of the call index.
type Consultation struct {
	CallID       string     `json:"call_id"`
	Phone        string     `json:"phone"`
	CustomerName string     `json:"customer_name"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      *time.Time `json:"ended_at"`
	MessageCount int        `json:"message_count"`
	ReportID     *string    `json:"report_id"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Dispatch is one fan-out notification outcome.
type Dispatch struct {
	ID         int64     `json:"id"`
	CallID     string    `json:"call_id"`
	MessageID  string    `json:"message_id"`
	Agent      string    `json:"agent"`
	Status     string    `json:"status"`
	Error      *string   `json:"error"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// Dispatch statuses.
const (
	DispatchOK     = "ok"
	DispatchFailed = "failed"
)

// UpsertConsultation writes the latest view of a call.
func (s *Store) UpsertConsultation(ctx context.Context, c Consultation) error {
	var ended sql.NullTime
	if c.EndedAt != nil {
		ended = sql.NullTime{Time: *c.EndedAt, Valid: true}
	}
	var report sql.NullString
	if c.ReportID != nil && *c.ReportID != "" {
		report = sql.NullString{String: *c.ReportID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO consultations(call_id, phone, customer_name, status, started_at, ended_at, message_count, report_id, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(call_id) DO UPDATE SET phone=excluded.phone, customer_name=excluded.customer_name, status=excluded.status,
			ended_at=excluded.ended_at, message_count=excluded.message_count, report_id=COALESCE(excluded.report_id, consultations.report_id),
			updated_at=excluded.updated_at`,
		c.CallID, c.Phone, c.CustomerName, c.Status, c.StartedAt, ended, c.MessageCount, report, c.UpdatedAt)
	return err
}

// ListConsultations returns the newest calls first, optionally for one phone.
func (s *Store) ListConsultations(ctx context.Context, phone string, limit int) ([]Consultation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT call_id, phone, customer_name, status, started_at, ended_at, message_count, report_id, updated_at FROM consultations`
	args := []any{}
	if phone != "" {
		query += ` WHERE phone=?`
		args = append(args, phone)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []Consultation{}
	for rows.Next() {
		var c Consultation
		var ended sql.NullTime
		var report sql.NullString
		if err := rows.Scan(&c.CallID, &c.Phone, &c.CustomerName, &c.Status, &c.StartedAt, &ended, &c.MessageCount, &report, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if ended.Valid {
			c.EndedAt = &ended.Time
		}
		if report.Valid {
			c.ReportID = &report.String
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// RecordDispatch appends a fan-out outcome to the ledger.
func (s *Store) RecordDispatch(ctx context.Context, d Dispatch) error {
	var errMsg sql.NullString
	if d.Error != nil {
		errMsg = sql.NullString{String: *d.Error, Valid: true}
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO dispatches(call_id, message_id, agent, status, error, duration_ms, created_at) VALUES(?,?,?,?,?,?,?)`,
		d.CallID, d.MessageID, d.Agent, d.Status, errMsg, d.DurationMS, d.CreatedAt)
	return err
}

// ListDispatches returns the ledger for one call in insertion order.
func (s *Store) ListDispatches(ctx context.Context, callID string) ([]Dispatch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, call_id, message_id, agent, status, error, duration_ms, created_at FROM dispatches WHERE call_id=? ORDER BY id ASC`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := []Dispatch{}
	for rows.Next() {
		var d Dispatch
		var errMsg sql.NullString
		if err := rows.Scan(&d.ID, &d.CallID, &d.MessageID, &d.Agent, &d.Status, &errMsg, &d.DurationMS, &d.CreatedAt); err != nil {
			return nil, err
		}
		if errMsg.Valid {
			d.Error = &errMsg.String
		}
		list = append(list, d)
	}
	return list, rows.Err()
}

// Health returns err if DB not reachable.
func (s *Store) Health(ctx context.Context) error {
	row := s.db.QueryRowContext(ctx, `SELECT 1`)
	var v int
	if err := row.Scan(&v); err != nil {
		return fmt.Errorf("db health: %w", err)
	}
	return nil
}
