// Package profilestore persists connection profiles in a local SQLite
// database. Header, env, and auth sub-structures are stored as JSON
// columns so the schema survives profile-shape changes.
package profilestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/stencilworks/capctl/internal/capability"
)

const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id        TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	url       TEXT NOT NULL,
	use_relay INTEGER NOT NULL DEFAULT 0,
	relay_url TEXT NOT NULL DEFAULT '',
	headers   TEXT NOT NULL DEFAULT '[]',
	env       TEXT NOT NULL DEFAULT '[]',
	auth      TEXT NOT NULL DEFAULT '{}'
);
`

// Store is a profile database handle.
type Store struct {
	db *sql.DB
}

// DefaultPath returns the per-user profile database location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine config directory: %w", err)
	}
	return filepath.Join(dir, "capctl", "profiles.db"), nil
}

// Open opens (creating if needed) the profile database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create profile directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open profile database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize profile schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save inserts or replaces a profile. An empty ID gets a fresh one.
func (s *Store) Save(p *capability.ConnectionProfile) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	headers, err := json.Marshal(p.Headers)
	if err != nil {
		return fmt.Errorf("failed to encode headers: %w", err)
	}
	env, err := json.Marshal(p.Env)
	if err != nil {
		return fmt.Errorf("failed to encode env: %w", err)
	}
	auth, err := json.Marshal(p.Auth)
	if err != nil {
		return fmt.Errorf("failed to encode auth: %w", err)
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO profiles (id, name, url, use_relay, relay_url, headers, env, auth)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.URL, boolToInt(p.UseRelay), p.RelayURL, string(headers), string(env), string(auth),
	)
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// Get loads one profile by name.
func (s *Store) Get(name string) (*capability.ConnectionProfile, error) {
	row := s.db.QueryRow(
		`SELECT id, name, url, use_relay, relay_url, headers, env, auth FROM profiles WHERE name = ?`,
		name,
	)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no profile named %q", name)
	}
	return p, err
}

// List loads every stored profile, ordered by name.
func (s *Store) List() ([]*capability.ConnectionProfile, error) {
	rows, err := s.db.Query(`SELECT id, name, url, use_relay, relay_url, headers, env, auth FROM profiles`)
	if err != nil {
		return nil, fmt.Errorf("failed to list profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var profiles []*capability.ConnectionProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read profiles: %w", err)
	}

	sort.Slice(profiles, func(i, j int) bool { return profiles[i].Name < profiles[j].Name })
	return profiles, nil
}

// Delete removes the profile with the given name. Returns false when no
// profile had that name.
func (s *Store) Delete(name string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM profiles WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete profile: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*capability.ConnectionProfile, error) {
	var p capability.ConnectionProfile
	var useRelay int
	var headers, env, auth string

	if err := row.Scan(&p.ID, &p.Name, &p.URL, &useRelay, &p.RelayURL, &headers, &env, &auth); err != nil {
		return nil, err
	}
	p.UseRelay = useRelay != 0

	if err := json.Unmarshal([]byte(headers), &p.Headers); err != nil {
		return nil, fmt.Errorf("corrupt headers column for profile %s: %w", p.Name, err)
	}
	if err := json.Unmarshal([]byte(env), &p.Env); err != nil {
		return nil, fmt.Errorf("corrupt env column for profile %s: %w", p.Name, err)
	}
	if err := json.Unmarshal([]byte(auth), &p.Auth); err != nil {
		return nil, fmt.Errorf("corrupt auth column for profile %s: %w", p.Name, err)
	}
	return &p, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
