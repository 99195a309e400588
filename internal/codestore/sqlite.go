package codestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultDirMode  = 0o755
	defaultFileMode = 0o600
)

var ErrNotFound = errors.New("codestore: unit not found")

// Path prefixes for the conventional CodeUnit layout.
const (
	PrefixTools   = "tools/"
	PrefixCore    = "core/"
	PrefixWidgets = "widgets/"
)

type Kind string

const (
	KindTool   Kind = "tool"
	KindModule Kind = "module"
	KindWidget Kind = "widget"
)

// KindForPath derives the unit kind from its path prefix. Paths outside
// the conventional prefixes are treated as widgets: plain text artifacts
// with no backup discipline.
func KindForPath(path string) Kind {
	switch {
	case strings.HasPrefix(path, PrefixTools):
		return KindTool
	case strings.HasPrefix(path, PrefixCore):
		return KindModule
	default:
		return KindWidget
	}
}

type Unit struct {
	Path      string
	Kind      Kind
	Content   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Backup struct {
	Path      string
	Content   string
	CreatedAt time.Time
}

// Store is a durable key/value store of named text artifacts with
// backup-on-overwrite for tool and module units. A single process is
// assumed to be the only writer; concurrent writers from other
// processes are not protected against.
type Store struct {
	path string
	db   *sql.DB
}

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("codestore: db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("codestore: create dir: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("codestore: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{path: path, db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := os.Chmod(path, defaultFileMode); err != nil && !errors.Is(err, os.ErrNotExist) {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Read(ctx context.Context, path string) (string, error) {
	unit, err := s.ReadUnit(ctx, path)
	if err != nil {
		return "", err
	}
	return unit.Content, nil
}

func (s *Store) ReadUnit(ctx context.Context, path string) (Unit, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Unit{}, errors.New("codestore: path is required")
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT path, kind, content, created_at, updated_at
		FROM code_units
		WHERE path = ?
		LIMIT 1
	`, path)
	var unit Unit
	var kind string
	if err := row.Scan(&unit.Path, &kind, &unit.Content, &unit.CreatedAt, &unit.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Unit{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Unit{}, err
	}
	unit.Kind = Kind(kind)
	return unit, nil
}

// Write creates or overwrites the unit at path. When an existing tool
// or module unit is overwritten, its prior content is pushed onto the
// backup list inside the same transaction, so a reader observes either
// the old state or the new state in full.
func (s *Store) Write(ctx context.Context, path, content string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("codestore: path is required")
	}
	kind := KindForPath(path)
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var prior string
	var createdAt time.Time
	exists := true
	err = tx.QueryRowContext(ctx, `SELECT content, created_at FROM code_units WHERE path = ?`, path).
		Scan(&prior, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
		createdAt = now
	} else if err != nil {
		return err
	}

	if exists && backupKind(kind) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backups (path, content, created_at) VALUES (?, ?, ?)
		`, path, prior, now); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO code_units (path, kind, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			kind=excluded.kind,
			content=excluded.content,
			updated_at=excluded.updated_at
	`, path, string(kind), content, createdAt, now); err != nil {
		return err
	}

	return tx.Commit()
}

// Delete removes the unit entirely. Tool and module units leave a final
// backup behind so a delete-then-create sequence can still be rolled
// back to the deleted content.
func (s *Store) Delete(ctx context.Context, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("codestore: path is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var content string
	var kind string
	err = tx.QueryRowContext(ctx, `SELECT content, kind FROM code_units WHERE path = ?`, path).
		Scan(&content, &kind)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return err
	}

	if backupKind(Kind(kind)) {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backups (path, content, created_at) VALUES (?, ?, ?)
		`, path, content, time.Now().UTC()); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM code_units WHERE path = ?`, path); err != nil {
		return err
	}
	return tx.Commit()
}

// Discard removes the unit without recording a backup. It exists to
// undo a write that never became live; user-facing removal goes through
// Delete, which keeps the final backup.
func (s *Store) Discard(ctx context.Context, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("codestore: path is required")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM code_units WHERE path = ?`, path)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return nil
}

// List yields unit paths under prefix in lexical order. Iteration is
// lazy: rows are fetched as the sequence is consumed. A query failure
// ends the sequence with a non-nil error element.
func (s *Store) List(ctx context.Context, prefix string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT path FROM code_units
			WHERE path LIKE ? ESCAPE '\'
			ORDER BY path
		`, escapeLike(prefix)+"%")
		if err != nil {
			yield("", err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var path string
			if err := rows.Scan(&path); err != nil {
				yield("", err)
				return
			}
			if !yield(path, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield("", err)
		}
	}
}

// ListPaths collects List into a slice.
func (s *Store) ListPaths(ctx context.Context, prefix string) ([]string, error) {
	paths := []string{}
	for path, err := range s.List(ctx, prefix) {
		if err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// IsEmpty reports whether the store holds no units at all. Used to
// trigger one-time genesis seeding.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM code_units`).Scan(&count); err != nil {
		return false, err
	}
	return count == 0, nil
}

// Backups returns the backup history for path, oldest first.
func (s *Store) Backups(ctx context.Context, path string) ([]Backup, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, content, created_at FROM backups
		WHERE path = ?
		ORDER BY id
	`, path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	backups := []Backup{}
	for rows.Next() {
		var b Backup
		if err := rows.Scan(&b.Path, &b.Content, &b.CreatedAt); err != nil {
			return nil, err
		}
		backups = append(backups, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return backups, nil
}

// LatestBackup returns the most recent backup for path.
func (s *Store) LatestBackup(ctx context.Context, path string) (Backup, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT path, content, created_at FROM backups
		WHERE path = ?
		ORDER BY id DESC
		LIMIT 1
	`, path)
	var b Backup
	if err := row.Scan(&b.Path, &b.Content, &b.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Backup{}, fmt.Errorf("%w: no backups for %s", ErrNotFound, path)
		}
		return Backup{}, err
	}
	return b, nil
}

// RestoreLatestBackup overwrites the unit with its most recent backup.
// The overwrite itself follows Write semantics, so the replaced content
// is preserved as a new backup.
func (s *Store) RestoreLatestBackup(ctx context.Context, path string) (Backup, error) {
	b, err := s.LatestBackup(ctx, path)
	if err != nil {
		return Backup{}, err
	}
	if err := s.Write(ctx, path, b.Content); err != nil {
		return Backup{}, err
	}
	return b, nil
}

func backupKind(kind Kind) bool {
	return kind == KindTool || kind == KindModule
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	return strings.ReplaceAll(s, `_`, `\_`)
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS code_units (
			path TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS backups (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			path TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_backups_path_id ON backups(path, id DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("codestore: migrate: %w", err)
		}
	}
	return nil
}
