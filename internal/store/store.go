// Package store persists sandbox metadata: sandbox records, share grants
// and user profiles. Live buffer content is never stored here; it exists
// only in the session registry.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("already exists")
)

type Sandbox struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Shared    bool      `json:"shared"`
}

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite allows a single writer; one pooled connection avoids
	// SQLITE_BUSY and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS profiles (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		username TEXT
	);

	CREATE TABLE IF NOT EXISTS sandboxes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		owner_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sandbox_shares (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sandbox_id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		UNIQUE (sandbox_id, user_id),
		FOREIGN KEY (sandbox_id) REFERENCES sandboxes(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sandboxes_owner ON sandboxes(owner_id);
	CREATE INDEX IF NOT EXISTS idx_shares_user ON sandbox_shares(user_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-_]`)

// NormalizeName maps a requested sandbox name to its canonical form:
// trimmed, lowercased, every other character replaced by "-".
func NormalizeName(name string) string {
	return invalidNameChars.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "-")
}

func (s *Store) CreateSandbox(ctx context.Context, name, ownerID string) (*Sandbox, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sandboxes (name, owner_id, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		name, ownerID, now, now)
	if err != nil {
		return nil, mapConstraint(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return &Sandbox{ID: id, Name: name, OwnerID: ownerID, CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) SandboxByName(ctx context.Context, name string) (*Sandbox, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, created_at, updated_at FROM sandboxes WHERE name = ?`, name)

	var sb Sandbox
	if err := row.Scan(&sb.ID, &sb.Name, &sb.OwnerID, &sb.CreatedAt, &sb.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query sandbox: %w", err)
	}
	return &sb, nil
}

// ListVisible returns the sandboxes the user owns (newest first) followed by
// the ones shared with them, with the Shared flag set on the latter.
func (s *Store) ListVisible(ctx context.Context, userID string) ([]*Sandbox, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, owner_id, created_at, updated_at, 0 AS shared
		FROM sandboxes WHERE owner_id = ?
		UNION ALL
		SELECT sb.id, sb.name, sb.owner_id, sb.created_at, sb.updated_at, 1 AS shared
		FROM sandboxes sb
		JOIN sandbox_shares sh ON sh.sandbox_id = sb.id
		WHERE sh.user_id = ?
		ORDER BY shared ASC, created_at DESC`,
		userID, userID)
	if err != nil {
		return nil, fmt.Errorf("query sandboxes: %w", err)
	}
	defer rows.Close()

	var result []*Sandbox
	for rows.Next() {
		var sb Sandbox
		if err := rows.Scan(&sb.ID, &sb.Name, &sb.OwnerID, &sb.CreatedAt, &sb.UpdatedAt, &sb.Shared); err != nil {
			return nil, fmt.Errorf("scan sandbox: %w", err)
		}
		result = append(result, &sb)
	}
	return result, rows.Err()
}

func (s *Store) DeleteSandbox(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sandboxes WHERE id = ?`, id)
	return err
}

func (s *Store) CreateShare(ctx context.Context, sandboxID int64, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sandbox_shares (sandbox_id, user_id, created_at) VALUES (?, ?, ?)`,
		sandboxID, userID, time.Now().UTC())
	if err != nil {
		return mapConstraint(err)
	}
	return nil
}

func (s *Store) HasShare(ctx context.Context, sandboxID int64, userID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM sandbox_shares WHERE sandbox_id = ? AND user_id = ?`, sandboxID, userID)
	var one int
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query share: %w", err)
	}
	return true, nil
}

func (s *Store) UpsertProfile(ctx context.Context, id, email, username string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO profiles (id, email, username) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET email = excluded.email, username = excluded.username`,
		id, strings.ToLower(email), username)
	return err
}

// UsernameByID is the display-identity lookup. ErrNotFound means the profile
// is not provisioned yet; callers fall back to the raw account identity.
func (s *Store) UsernameByID(ctx context.Context, id string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT username FROM profiles WHERE id = ?`, id)
	var username sql.NullString
	if err := row.Scan(&username); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("query profile: %w", err)
	}
	if !username.Valid || username.String == "" {
		return "", ErrNotFound
	}
	return username.String, nil
}

func (s *Store) ProfileIDByEmail(ctx context.Context, email string) (string, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id FROM profiles WHERE email = ?`, strings.ToLower(email))
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("query profile: %w", err)
	}
	return id, nil
}

func mapConstraint(err error) error {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return ErrConflict
	}
	return err
}
