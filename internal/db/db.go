// Package db provides SQLite database storage for AirFi sessions.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/airfi/airfi-mpesa-gateway/internal/session"
	"github.com/avast/retry-go"
	"github.com/mattn/go-sqlite3"
)

const busyTimeoutMS = 5000

// DB represents the database connection. It implements session.Store and is
// shared by the portal server and the expiry daemon.
type DB struct {
	conn *sql.DB
}

var _ session.Store = (*DB)(nil)

// Open opens the SQLite database in WAL mode and creates tables if needed.
// Missing parent directories are created.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL", path, busyTimeoutMS)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	if err := createTables(conn); err != nil {
		conn.Close()
		return nil, err
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the database connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func createTables(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			subscriber TEXT NOT NULL,
			amount INTEGER NOT NULL DEFAULT 0,
			correlation_id TEXT,
			receipt TEXT DEFAULT '',
			ip_address TEXT DEFAULT '',
			mac_address TEXT DEFAULT '',
			status TEXT NOT NULL DEFAULT 'PENDING',
			created_at DATETIME,
			updated_at DATETIME
		);

		CREATE TABLE IF NOT EXISTS callback_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			correlation_id TEXT DEFAULT '',
			payload TEXT,
			received_at DATETIME
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_correlation ON sessions(correlation_id) WHERE correlation_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_subscriber ON sessions(subscriber, created_at);
		CREATE INDEX IF NOT EXISTS idx_callback_correlation ON callback_log(correlation_id);
	`)
	return err
}

// withRetry retries an operation while another process holds the write lock.
func withRetry(ctx context.Context, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(50*time.Millisecond),
		retry.RetryIf(isBusy),
		retry.LastErrorOnly(true),
	)
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func isUnique(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

const sessionColumns = `id, subscriber, amount, correlation_id, receipt, ip_address, mac_address, status, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*session.Session, error) {
	s := &session.Session{}
	var status string
	var correlationID, receipt, ipAddr, macAddr sql.NullString
	var updatedAt sql.NullTime
	err := row.Scan(&s.ID, &s.Subscriber, &s.Amount, &correlationID, &receipt, &ipAddr, &macAddr, &status, &s.CreatedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = session.Status(status)
	if correlationID.Valid {
		s.CorrelationID = correlationID.String
	}
	if receipt.Valid {
		s.Receipt = receipt.String
	}
	if ipAddr.Valid {
		s.IPAddress = ipAddr.String
	}
	if macAddr.Valid {
		s.MACAddress = macAddr.String
	}
	if updatedAt.Valid {
		s.UpdatedAt = updatedAt.Time
	}
	return s, nil
}

func (db *DB) queryOne(ctx context.Context, query string, args ...any) (*session.Session, error) {
	s, err := scanSession(db.conn.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	return s, err
}

// Create inserts a new session.
func (db *DB) Create(ctx context.Context, s *session.Session) error {
	err := withRetry(ctx, func() error {
		_, err := db.conn.ExecContext(ctx, `
			INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.ID, s.Subscriber, s.Amount, nullable(s.CorrelationID), s.Receipt, s.IPAddress, s.MACAddress,
			string(s.Status), s.CreatedAt.UTC(), s.UpdatedAt.UTC())
		return err
	})
	if isUnique(err) && s.CorrelationID != "" {
		return session.ErrDuplicateCorrelationID
	}
	return err
}

// Get retrieves a session by ID.
func (db *DB) Get(ctx context.Context, id string) (*session.Session, error) {
	return db.queryOne(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
}

// GetByCorrelationID retrieves a session by provider correlation id.
func (db *DB) GetByCorrelationID(ctx context.Context, correlationID string) (*session.Session, error) {
	if correlationID == "" {
		return nil, session.ErrNotFound
	}
	return db.queryOne(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE correlation_id = ?`, correlationID)
}

// LatestBySubscriber retrieves the newest session of a subscriber.
func (db *DB) LatestBySubscriber(ctx context.Context, subscriber string) (*session.Session, error) {
	return db.queryOne(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE subscriber = ? ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, subscriber)
}

// ListByStatus returns sessions, optionally filtered by status, newest first.
func (db *DB) ListByStatus(ctx context.Context, status session.Status) ([]*session.Session, error) {
	var rows *sql.Rows
	var err error

	if status != "" {
		rows, err = db.conn.QueryContext(ctx, `
			SELECT `+sessionColumns+` FROM sessions WHERE status = ? ORDER BY created_at DESC
		`, string(status))
	} else {
		rows, err = db.conn.QueryContext(ctx, `
			SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC
		`)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*session.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SetCorrelationID attaches the provider correlation id to a session.
func (db *DB) SetCorrelationID(ctx context.Context, id, correlationID string) error {
	if correlationID == "" {
		return session.ErrEmptyCorrelationID
	}

	var affected int64
	err := withRetry(ctx, func() error {
		result, err := db.conn.ExecContext(ctx,
			`UPDATE sessions SET correlation_id = ?, updated_at = ? WHERE id = ?`,
			correlationID, time.Now().UTC(), id)
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if isUnique(err) {
		return session.ErrDuplicateCorrelationID
	}
	if err != nil {
		return err
	}
	if affected == 0 {
		return session.ErrNotFound
	}
	return nil
}

// Transition updates the status only while the row still holds from.
func (db *DB) Transition(ctx context.Context, id string, from, to session.Status, receipt string) error {
	if !session.CanTransition(from, to) {
		return session.ErrIllegalTransition
	}

	var affected int64
	err := withRetry(ctx, func() error {
		result, err := db.conn.ExecContext(ctx, `
			UPDATE sessions
			SET status = ?, receipt = CASE WHEN ? != '' THEN ? ELSE receipt END, updated_at = ?
			WHERE id = ? AND status = ?
		`, string(to), receipt, receipt, time.Now().UTC(), id, string(from))
		if err != nil {
			return err
		}
		affected, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}

	var exists int
	err = db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE id = ?`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return session.ErrNotFound
	}
	return session.ErrIllegalTransition
}

// RecordCallback appends a raw callback body to the audit log.
func (db *DB) RecordCallback(ctx context.Context, correlationID string, payload []byte) error {
	return withRetry(ctx, func() error {
		_, err := db.conn.ExecContext(ctx,
			`INSERT INTO callback_log (correlation_id, payload, received_at) VALUES (?, ?, ?)`,
			correlationID, string(payload), time.Now().UTC())
		return err
	})
}

// CallbackLog is an audited provider callback.
type CallbackLog struct {
	ID            int64     `json:"id"`
	CorrelationID string    `json:"correlation_id"`
	Payload       string    `json:"payload"`
	ReceivedAt    time.Time `json:"received_at"`
}

// ListCallbacks returns the most recent callbacks, optionally for one correlation id.
func (db *DB) ListCallbacks(ctx context.Context, correlationID string, limit int) ([]*CallbackLog, error) {
	if limit <= 0 {
		limit = 100
	}

	var rows *sql.Rows
	var err error
	if correlationID != "" {
		rows, err = db.conn.QueryContext(ctx, `
			SELECT id, correlation_id, payload, received_at FROM callback_log
			WHERE correlation_id = ? ORDER BY id DESC LIMIT ?
		`, correlationID, limit)
	} else {
		rows, err = db.conn.QueryContext(ctx, `
			SELECT id, correlation_id, payload, received_at FROM callback_log
			ORDER BY id DESC LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*CallbackLog
	for rows.Next() {
		l := &CallbackLog{}
		var correlation, payload sql.NullString
		if err := rows.Scan(&l.ID, &correlation, &payload, &l.ReceivedAt); err != nil {
			return nil, err
		}
		l.CorrelationID = correlation.String
		l.Payload = payload.String
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Stats summarizes sessions for the health endpoint.
type Stats struct {
	Total   int   `json:"total"`
	Active  int   `json:"active"`
	Revenue int64 `json:"revenue"`
}

// GetStats returns session statistics. Revenue counts sessions with a receipt.
func (db *DB) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	row := db.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN receipt != '' THEN amount ELSE 0 END), 0)
		FROM sessions
	`, string(session.StatusActive))
	if err := row.Scan(&stats.Total, &stats.Active, &stats.Revenue); err != nil {
		return nil, err
	}
	return stats, nil
}
