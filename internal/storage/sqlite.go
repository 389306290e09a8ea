package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	logx "pewfeed/pkg/logx"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds())); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return st, nil
}

// migrate applies embedded migrations/NNN_name.sql files that are not yet
// recorded in schema_version, in filename order.
func (s *sqliteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := migrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
		s.log.Debug("sqlite migration applied", logx.Int("version", version))
	}
	return nil
}

func migrationVersion(name string) (int, error) {
	prefix, _, ok := strings.Cut(name, "_")
	if !ok {
		return 0, fmt.Errorf("migration %q: expected NNN_name.sql", name)
	}
	v, err := strconv.Atoi(prefix)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("migration %q: bad version prefix", name)
	}
	return v, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

func (s *sqliteStore) LoadDedup(ctx context.Context) ([]DedupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT source, ids, hashes, updated_at FROM dedup ORDER BY source`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DedupRecord
	for rows.Next() {
		var (
			r              DedupRecord
			idsJS, hashJS  string
			updatedAtMilli int64
		)
		if err := rows.Scan(&r.Source, &idsJS, &hashJS, &updatedAtMilli); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(idsJS), &r.IDs); err != nil {
			return nil, fmt.Errorf("dedup %s: ids: %w", r.Source, err)
		}
		if err := json.Unmarshal([]byte(hashJS), &r.Hashes); err != nil {
			return nil, fmt.Errorf("dedup %s: hashes: %w", r.Source, err)
		}
		r.UpdatedAt = time.UnixMilli(updatedAtMilli)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutDedup(ctx context.Context, rec DedupRecord) error {
	if strings.TrimSpace(rec.Source) == "" {
		return nil
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	ids, err := json.Marshal(nonNil(rec.IDs))
	if err != nil {
		return err
	}
	hashes, err := json.Marshal(nonNil(rec.Hashes))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dedup(source, ids, hashes, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(source) DO UPDATE SET ids=excluded.ids, hashes=excluded.hashes, updated_at=excluded.updated_at`,
		rec.Source, string(ids), string(hashes), rec.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) LoadRoutes(ctx context.Context) ([]RouteRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT route_key, thread_id, fallback, updated_at FROM routes ORDER BY route_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RouteRecord
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) GetRoute(ctx context.Context, key string) (RouteRecord, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT route_key, thread_id, fallback, updated_at FROM routes WHERE route_key = ?`, key)
	r, err := scanRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RouteRecord{}, false, nil
	}
	if err != nil {
		return RouteRecord{}, false, err
	}
	return r, true, nil
}

func (s *sqliteStore) PutRoute(ctx context.Context, rec RouteRecord) error {
	if strings.TrimSpace(rec.Key) == "" {
		return errors.New("route key is empty")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	fallback := 0
	if rec.Fallback {
		fallback = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO routes(route_key, thread_id, fallback, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(route_key) DO UPDATE SET thread_id=excluded.thread_id, fallback=excluded.fallback, updated_at=excluded.updated_at`,
		rec.Key, rec.ThreadID, fallback, rec.UpdatedAt.UnixMilli(),
	)
	return err
}

func (s *sqliteStore) DeleteRoute(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM routes WHERE route_key = ?`, key)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoute(sc rowScanner) (RouteRecord, error) {
	var (
		r        RouteRecord
		fallback int
		updated  int64
	)
	if err := sc.Scan(&r.Key, &r.ThreadID, &fallback, &updated); err != nil {
		return RouteRecord{}, err
	}
	r.Fallback = fallback != 0
	r.UpdatedAt = time.UnixMilli(updated)
	return r, nil
}

func nonNil(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
