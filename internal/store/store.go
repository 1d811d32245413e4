package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ErrNotFound is returned when a lookup or update matches no evidence row.
var ErrNotFound = errors.New("evidence not found")

// Store manages the PostgreSQL connection for the enrollment evidence ledger.
// Only digests are written here; descriptors never reach the database.
type Store struct {
	conn *pgx.Conn
}

// Evidence is one enrollment as recorded in the ledger.
type Evidence struct {
	SessionID  uuid.UUID
	Source     string
	Identity   int
	Digest     string
	Label      string
	EnrolledAt time.Time
}

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the necessary tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS sessions (
			id UUID PRIMARY KEY,
			source_id TEXT NOT NULL,
			source TEXT NOT NULL,
			started_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS enrollment_evidence (
			id BIGSERIAL PRIMARY KEY,
			session_id UUID NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			identity INT NOT NULL,
			digest TEXT NOT NULL,
			label TEXT,
			enrolled_at TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE (session_id, identity)
		);
		CREATE INDEX IF NOT EXISTS enrollment_evidence_digest_idx ON enrollment_evidence (digest);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// Session scopes evidence to one run. Identities restart at 0 on every run,
// so they are only meaningful together with the session.
type Session struct {
	ID    uuid.UUID
	store *Store
}

// StartSession registers a new run over the given source.
func (s *Store) StartSession(ctx context.Context, sourceID, source string) (*Session, error) {
	id := uuid.New()
	_, err := s.conn.Exec(ctx, `
		INSERT INTO sessions (id, source_id, source, started_at)
		VALUES ($1, $2, $3, NOW())
	`, id, sourceID, source)
	if err != nil {
		return nil, err
	}
	return &Session{ID: id, store: s}, nil
}

// Enrolled records an enrollment's digest. It satisfies the pipeline's Reporter.
func (sess *Session) Enrolled(ctx context.Context, identity int, digest string) error {
	_, err := sess.store.conn.Exec(ctx, `
		INSERT INTO enrollment_evidence (session_id, identity, digest, enrolled_at)
		VALUES ($1, $2, $3, NOW())
	`, sess.ID, identity, digest)
	return err
}

const evidenceColumns = `
	SELECT e.session_id, s.source, e.identity, e.digest, COALESCE(e.label, ''), e.enrolled_at
	FROM enrollment_evidence e
	JOIN sessions s ON s.id = e.session_id`

func collectEvidence(rows pgx.Rows) ([]Evidence, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Evidence, error) {
		var ev Evidence
		err := row.Scan(&ev.SessionID, &ev.Source, &ev.Identity, &ev.Digest, &ev.Label, &ev.EnrolledAt)
		return ev, err
	})
}

// ListEvidence returns recorded enrollments, newest session first.
// uuid.Nil lists every session.
func (s *Store) ListEvidence(ctx context.Context, session uuid.UUID) ([]Evidence, error) {
	query := evidenceColumns + `
		WHERE $1::uuid IS NULL OR e.session_id = $1
		ORDER BY s.started_at DESC, e.identity ASC`

	var arg any
	if session != uuid.Nil {
		arg = session
	}
	rows, err := s.conn.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	return collectEvidence(rows)
}

// FindDigest looks up evidence by full digest or by a displayed prefix.
func (s *Store) FindDigest(ctx context.Context, digestOrPrefix string) ([]Evidence, error) {
	query := evidenceColumns + `
		WHERE e.digest LIKE $1 || '%'
		ORDER BY e.enrolled_at ASC`
	rows, err := s.conn.Query(ctx, query, digestOrPrefix)
	if err != nil {
		return nil, err
	}
	found, err := collectEvidence(rows)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, ErrNotFound
	}
	return found, nil
}

// LatestSession returns the most recently started session.
func (s *Store) LatestSession(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.conn.QueryRow(ctx, "SELECT id FROM sessions ORDER BY started_at DESC LIMIT 1").Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, ErrNotFound
	}
	return id, err
}

// LabelIdentity attaches a human-readable name to an enrolled identity.
func (s *Store) LabelIdentity(ctx context.Context, session uuid.UUID, identity int, label string) error {
	tag, err := s.conn.Exec(ctx,
		"UPDATE enrollment_evidence SET label = $1 WHERE session_id = $2 AND identity = $3",
		label, session, identity)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: identity %d in session %s", ErrNotFound, identity, session)
	}
	return nil
}

// Reset drops all application tables to clear the database state.
// This is useful for development to force a schema refresh without migrations.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS enrollment_evidence CASCADE;
		DROP TABLE IF EXISTS sessions CASCADE;
	`)
	return err
}
