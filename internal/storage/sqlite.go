package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/okkake/internal/ncode"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the novel cache.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "okkake.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Novels ---

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const novelColumns = `category, ncode, novel_data, has_error, error, fetched_at`

// GetNovel returns the cached record for a novel, or ErrNotFound.
func (s *Store) GetNovel(ctx context.Context, category string, code ncode.Ncode) (NovelRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+novelColumns+` FROM novels WHERE category = ? AND ncode = ?`,
		category, int64(code))
	rec, err := scanNovel(row)
	if err == sql.ErrNoRows {
		return NovelRecord{}, ErrNotFound
	}
	if err != nil {
		return NovelRecord{}, err
	}
	return rec, nil
}

// PutNovel inserts or replaces the record for (Category, Ncode).
func (s *Store) PutNovel(ctx context.Context, rec NovelRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO novels (`+novelColumns+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(category, ncode) DO UPDATE SET
			novel_data = excluded.novel_data,
			has_error = excluded.has_error,
			error = excluded.error,
			fetched_at = excluded.fetched_at`,
		rec.Category, int64(rec.Ncode), rec.NovelData, rec.HasError, rec.Error,
		rec.FetchedAt.UTC().Format(timeLayout),
	)
	return err
}

// ListNovels returns cached records, most recently fetched first.
func (s *Store) ListNovels(ctx context.Context, limit, offset int) ([]NovelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+novelColumns+` FROM novels
		ORDER BY fetched_at DESC, category ASC, ncode ASC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []NovelRecord
	for rows.Next() {
		rec, err := scanNovel(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, rec)
	}
	return results, rows.Err()
}

// DeleteNovel removes one cached record.
func (s *Store) DeleteNovel(ctx context.Context, category string, code ncode.Ncode) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM novels WHERE category = ? AND ncode = ?`, category, int64(code))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeNovels deletes records fetched before cutoff, or every record when
// cutoff is zero. It returns the number of deleted rows.
func (s *Store) PurgeNovels(ctx context.Context, cutoff time.Time) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if cutoff.IsZero() {
		res, err = s.db.ExecContext(ctx, `DELETE FROM novels`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM novels WHERE fetched_at < ?`, cutoff.UTC().Format(timeLayout))
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNovel(row rowScanner) (NovelRecord, error) {
	var (
		rec       NovelRecord
		code      int64
		fetchedAt string
	)
	if err := row.Scan(&rec.Category, &code, &rec.NovelData, &rec.HasError, &rec.Error, &fetchedAt); err != nil {
		return NovelRecord{}, err
	}
	rec.Ncode = ncode.Ncode(code)
	t, err := time.Parse(timeLayout, fetchedAt)
	if err != nil {
		return NovelRecord{}, fmt.Errorf("parsing fetched_at: %w", err)
	}
	rec.FetchedAt = t
	return rec, nil
}
