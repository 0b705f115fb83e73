// Package store persists candidates, results, audit logs and evidence
// metadata in SQLite. It provides the guarantees the exam relies on: a
// one-time result write per candidate and atomic admission recording.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrAlreadyAdmitted is returned by Admit for an identity that already
	// started or finished its attempt.
	ErrAlreadyAdmitted = errors.New("candidate already admitted")
	// ErrNotFound is returned for unknown candidates.
	ErrNotFound = errors.New("not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS candidates (
    email        TEXT PRIMARY KEY,
    name         TEXT,
    phone        TEXT,
    college      TEXT,
    attempted    INTEGER NOT NULL DEFAULT 0,
    admitted_ns  INTEGER,
    created_ns   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS results (
    email         TEXT PRIMARY KEY REFERENCES candidates(email),
    answers       TEXT NOT NULL,
    submitted_ns  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_logs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    email         TEXT NOT NULL,
    candidate     TEXT,
    kind          TEXT NOT NULL,
    type          TEXT NOT NULL,
    time_ns       INTEGER NOT NULL,
    evidence_ref  TEXT
);

CREATE INDEX IF NOT EXISTS idx_audit_email ON audit_logs(email, time_ns);

CREATE TABLE IF NOT EXISTS snapshots (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    email     TEXT NOT NULL,
    reason    TEXT,
    path      TEXT NOT NULL,
    time_ns   INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_snapshots_email ON snapshots(email, time_ns);
`

// Store is the SQLite-backed exam store.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serialises writers; a single connection keeps the admission
	// and submission transactions strictly ordered.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RegisterCandidate creates the candidate if it does not exist yet. Existing
// rows are left untouched.
func (s *Store) RegisterCandidate(ctx context.Context, c Candidate) error {
	return registerCandidate(ctx, s.db, c)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func registerCandidate(ctx context.Context, db execer, c Candidate) error {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT OR IGNORE INTO candidates (email, name, phone, college, attempted, created_ns)
		VALUES (?, ?, ?, ?, 0, ?)`,
		c.Email, c.Name, c.Phone, c.College, created.UnixNano())
	if err != nil {
		return fmt.Errorf("register candidate: %w", err)
	}
	return nil
}

// Admit registers the candidate if needed and records the admission. It
// fails with ErrAlreadyAdmitted when the identity was admitted before or has
// already submitted. The check and the write are one statement.
func (s *Store) Admit(ctx context.Context, c Candidate, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := registerCandidate(ctx, tx, c); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE candidates SET admitted_ns = ?
		WHERE email = ? AND admitted_ns IS NULL AND attempted = 0`,
		at.UnixNano(), c.Email)
	if err != nil {
		return fmt.Errorf("record admission: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record admission: %w", err)
	}
	if n == 0 {
		return ErrAlreadyAdmitted
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit admission: %w", err)
	}
	return nil
}

// GetCandidate returns the candidate with the given email.
func (s *Store) GetCandidate(ctx context.Context, email string) (*Candidate, error) {
	var (
		c          Candidate
		name       sql.NullString
		phone      sql.NullString
		college    sql.NullString
		attempted  int
		admittedNs sql.NullInt64
		createdNs  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT email, name, phone, college, attempted, admitted_ns, created_ns
		FROM candidates WHERE email = ?`, email).
		Scan(&c.Email, &name, &phone, &college, &attempted, &admittedNs, &createdNs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get candidate: %w", err)
	}
	c.Name, c.Phone, c.College = name.String, phone.String, college.String
	c.Attempted = attempted != 0
	c.CreatedAt = time.Unix(0, createdNs)
	if admittedNs.Valid {
		t := time.Unix(0, admittedNs.Int64)
		c.AdmittedAt = &t
	}
	return &c, nil
}

// SaveResult writes the answer sheet once. It reports whether this call
// stored it; later calls leave the first sheet in place.
func (s *Store) SaveResult(ctx context.Context, email string, answers []string, at time.Time) (bool, error) {
	if answers == nil {
		answers = []string{}
	}
	data, err := json.Marshal(answers)
	if err != nil {
		return false, fmt.Errorf("encode answers: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := registerCandidate(ctx, tx, Candidate{Email: email, CreatedAt: at}); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO results (email, answers, submitted_ns) VALUES (?, ?, ?)`,
		email, string(data), at.UnixNano())
	if err != nil {
		return false, fmt.Errorf("insert result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert result: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE candidates SET attempted = 1 WHERE email = ?`, email); err != nil {
		return false, fmt.Errorf("mark attempted: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit result: %w", err)
	}
	return n > 0, nil
}

// Results lists every stored answer sheet, newest first.
func (s *Store) Results(ctx context.Context) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT email, answers, submitted_ns FROM results ORDER BY submitted_ns DESC`)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var (
			r           Result
			answers     string
			submittedNs int64
		)
		if err := rows.Scan(&r.Email, &answers, &submittedNs); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		if err := json.Unmarshal([]byte(answers), &r.Answers); err != nil {
			return nil, fmt.Errorf("decode answers for %s: %w", r.Email, err)
		}
		r.SubmittedAt = time.Unix(0, submittedNs)
		out = append(out, r)
	}
	return out, rows.Err()
}

// AppendAudit adds one audit log line.
func (s *Store) AppendAudit(ctx context.Context, e AuditEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (email, candidate, kind, type, time_ns, evidence_ref)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.Email, e.Candidate, e.Kind, e.Type, e.Time.UnixNano(), e.EvidenceRef)
	if err != nil {
		return 0, fmt.Errorf("insert audit entry: %w", err)
	}
	return res.LastInsertId()
}

// AuditLog returns the audit lines of a candidate in time order.
func (s *Store) AuditLog(ctx context.Context, email string) ([]AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, candidate, kind, type, time_ns, evidence_ref
		FROM audit_logs WHERE email = ? ORDER BY time_ns, id`, email)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e         AuditEntry
			candidate sql.NullString
			ref       sql.NullString
			timeNs    int64
		)
		if err := rows.Scan(&e.ID, &e.Email, &candidate, &e.Kind, &e.Type, &timeNs, &ref); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Candidate, e.EvidenceRef = candidate.String, ref.String
		e.Time = time.Unix(0, timeNs)
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertSnapshot records evidence image metadata and returns its ID.
func (s *Store) InsertSnapshot(ctx context.Context, snap Snapshot) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (email, reason, path, time_ns) VALUES (?, ?, ?, ?)`,
		snap.Email, snap.Reason, snap.Path, snap.Time.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("insert snapshot: %w", err)
	}
	return res.LastInsertId()
}

// Snapshots returns the evidence metadata of a candidate in time order.
func (s *Store) Snapshots(ctx context.Context, email string) ([]Snapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email, reason, path, time_ns FROM snapshots
		WHERE email = ? ORDER BY time_ns, id`, email)
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		var (
			snap   Snapshot
			reason sql.NullString
			timeNs int64
		)
		if err := rows.Scan(&snap.ID, &snap.Email, &reason, &snap.Path, &timeNs); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.Reason = reason.String
		snap.Time = time.Unix(0, timeNs)
		out = append(out, snap)
	}
	return out, rows.Err()
}
