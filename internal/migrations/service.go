package migrations

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

//go:embed sql/postgres/*.sql sql/sqlite/*.sql
var embedded embed.FS

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DialectFor maps a database/sql driver name onto the migration set that
// targets it.
func DialectFor(driverName string) (Dialect, error) {
	switch driverName {
	case "postgres", "pgx":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	}
	return "", fmt.Errorf("unsupported driver %q", driverName)
}

type FileInfo struct {
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
}

type Status struct {
	Name      string `json:"name"`
	Checksum  string `json:"checksum"`
	Applied   bool   `json:"applied"`
	AppliedAt string `json:"applied_at,omitempty"`
	Drifted   bool   `json:"drifted,omitempty"`
}

type appliedRecord struct {
	Name      string `db:"name"`
	Checksum  string `db:"checksum"`
	AppliedAt int64  `db:"applied_at"`
}

type Service struct {
	db    *sqlx.DB
	files fs.FS
	now   func() time.Time
}

// NewService prepares the migration set matching the driver behind db and
// makes sure the bookkeeping table exists.
func NewService(db *sqlx.DB) (*Service, error) {
	if db == nil {
		return nil, fmt.Errorf("database is required")
	}
	dialect, err := DialectFor(db.DriverName())
	if err != nil {
		return nil, err
	}
	files, err := fs.Sub(embedded, path.Join("sql", string(dialect)))
	if err != nil {
		return nil, fmt.Errorf("open %s migrations: %w", dialect, err)
	}
	return newService(db, files)
}

func newService(db *sqlx.DB, files fs.FS) (*Service, error) {
	s := &Service{db: db, files: files, now: time.Now}
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) ensureSchema() error {
	const q = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	name TEXT PRIMARY KEY,
	checksum TEXT NOT NULL,
	applied_at BIGINT NOT NULL
)`
	if _, err := s.db.Exec(q); err != nil {
		return fmt.Errorf("ensure schema_migrations schema: %w", err)
	}
	return nil
}

func (s *Service) List() ([]FileInfo, error) {
	entries, err := fs.ReadDir(s.files, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	out := make([]FileInfo, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		body, err := fs.ReadFile(s.files, e.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		out = append(out, FileInfo{Name: e.Name(), Checksum: checksum(body)})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Service) Status(ctx context.Context) ([]Status, error) {
	files, err := s.List()
	if err != nil {
		return nil, err
	}
	applied, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(files))
	for _, f := range files {
		st := Status{Name: f.Name, Checksum: f.Checksum}
		if rec, ok := applied[f.Name]; ok {
			st.Applied = true
			st.AppliedAt = time.Unix(rec.AppliedAt, 0).UTC().Format(time.RFC3339)
			st.Drifted = rec.Checksum != f.Checksum
		}
		out = append(out, st)
	}
	return out, nil
}

// Apply runs every pending migration in name order, each in its own
// transaction, and returns the names it applied.
func (s *Service) Apply(ctx context.Context) ([]string, error) {
	files, err := s.List()
	if err != nil {
		return nil, err
	}
	applied, err := s.load(ctx)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, f := range files {
		if _, ok := applied[f.Name]; ok {
			continue
		}
		body, err := fs.ReadFile(s.files, f.Name)
		if err != nil {
			return ran, fmt.Errorf("read migration %s: %w", f.Name, err)
		}
		if err := s.applyOne(ctx, f, string(body)); err != nil {
			return ran, err
		}
		ran = append(ran, f.Name)
	}
	return ran, nil
}

func (s *Service) applyOne(ctx context.Context, f FileInfo, body string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %s: %w", f.Name, err)
	}
	defer func() { _ = tx.Rollback() }()

	if strings.TrimSpace(body) != "" {
		if _, err := tx.ExecContext(ctx, body); err != nil {
			return fmt.Errorf("exec migration %s: %w", f.Name, err)
		}
	}
	if err := s.record(ctx, tx, f); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", f.Name, err)
	}
	return nil
}

// MarkApplied records a migration as applied without running it, for
// databases whose schema was created by hand.
func (s *Service) MarkApplied(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" || !strings.HasSuffix(name, ".sql") || strings.Contains(name, "/") {
		return fmt.Errorf("invalid migration name")
	}
	body, err := fs.ReadFile(s.files, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("migration does not exist")
		}
		return fmt.Errorf("read migration: %w", err)
	}
	return s.record(ctx, s.db, FileInfo{Name: name, Checksum: checksum(body)})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	Rebind(query string) string
}

func (s *Service) record(ctx context.Context, ex execer, f FileInfo) error {
	q := ex.Rebind(`
INSERT INTO schema_migrations (name, checksum, applied_at)
VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET checksum = excluded.checksum, applied_at = excluded.applied_at`)
	if _, err := ex.ExecContext(ctx, q, f.Name, f.Checksum, s.now().UTC().Unix()); err != nil {
		return fmt.Errorf("record migration %s: %w", f.Name, err)
	}
	return nil
}

func (s *Service) load(ctx context.Context) (map[string]appliedRecord, error) {
	var rows []appliedRecord
	if err := s.db.SelectContext(ctx, &rows, `SELECT name, checksum, applied_at FROM schema_migrations`); err != nil {
		return nil, fmt.Errorf("query migration state: %w", err)
	}
	out := make(map[string]appliedRecord, len(rows))
	for _, r := range rows {
		out[r.Name] = r
	}
	return out, nil
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
