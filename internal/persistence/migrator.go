package persistence

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"VaultLedger/internal/observability"

	"github.com/rs/zerolog"
)

// migrationLockKey serializes schema changes between serve, relayer and
// migrate processes sharing one database.
const migrationLockKey = 0x7661756c74 // "vault"

// ErrMigrationDrift is returned when an applied migration file was edited.
var ErrMigrationDrift = errors.New("applied migration changed on disk")

// Migration is one versioned schema step.
type Migration struct {
	Version  string
	Name     string
	Up       string
	Down     string
	Checksum string
}

// Migrator applies {version}_{name}.up.sql / .down.sql pairs in version
// order, recording a checksum of each applied up file.
type Migrator struct {
	db     *sql.DB
	source fs.FS
	logger zerolog.Logger
}

func NewMigrator(db *sql.DB, migrationsDir string) *Migrator {
	return NewMigratorFS(db, os.DirFS(migrationsDir))
}

func NewMigratorFS(db *sql.DB, source fs.FS) *Migrator {
	return &Migrator{db: db, source: source, logger: observability.NewLogger("migrator")}
}

// LoadMigrations reads and pairs every migration in source.
func LoadMigrations(source fs.FS) ([]Migration, error) {
	entries, err := fs.ReadDir(source, ".")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var up bool
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			up = true
		case strings.HasSuffix(name, ".down.sql"):
		default:
			continue
		}
		version, label, ok := strings.Cut(name, "_")
		if !ok || version == "" {
			return nil, fmt.Errorf("migration %s: expected {version}_{name}", name)
		}
		content, err := fs.ReadFile(source, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}

		m, exists := byVersion[version]
		if !exists {
			m = &Migration{Version: version}
			byVersion[version] = m
		}
		label = strings.TrimSuffix(strings.TrimSuffix(label, ".up.sql"), ".down.sql")
		if m.Name != "" && m.Name != label {
			return nil, fmt.Errorf("migration %s: conflicting names %q and %q", version, m.Name, label)
		}
		m.Name = label
		if up {
			sum := sha256.Sum256(content)
			m.Up = string(content)
			m.Checksum = hex.EncodeToString(sum[:])
		} else {
			m.Down = string(content)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s_%s has no up file", m.Version, m.Name)
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Pending lists migrations not yet applied, in order.
func (m *Migrator) Pending(ctx context.Context) ([]string, error) {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return nil, err
	}
	all, err := LoadMigrations(m.source)
	if err != nil {
		return nil, err
	}
	applied, err := m.applied(ctx, m.db)
	if err != nil {
		return nil, err
	}
	var pending []string
	for _, mig := range all {
		if _, ok := applied[mig.Version]; !ok {
			pending = append(pending, mig.Version+"_"+mig.Name)
		}
	}
	return pending, nil
}

// Up applies all pending migrations, each in its own transaction. It
// refuses to run when an already-applied file no longer matches its
// recorded checksum.
func (m *Migrator) Up(ctx context.Context) error {
	all, err := LoadMigrations(m.source)
	if err != nil {
		return err
	}
	return m.locked(ctx, func(conn *sql.Conn) error {
		applied, err := m.applied(ctx, conn)
		if err != nil {
			return fmt.Errorf("read applied migrations: %w", err)
		}
		for _, mig := range all {
			if sum, ok := applied[mig.Version]; ok {
				if sum != "" && sum != mig.Checksum {
					return fmt.Errorf("%w: %s_%s", ErrMigrationDrift, mig.Version, mig.Name)
				}
				continue
			}
			if err := m.apply(ctx, conn, mig); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *Migrator) apply(ctx context.Context, conn *sql.Conn, mig Migration) error {
	m.logger.Info().Str("version", mig.Version).Str("name", mig.Name).Msg("applying migration")
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s: %w", mig.Version, err)
	}
	if _, err := tx.ExecContext(ctx, mig.Up); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec migration %s_%s: %w", mig.Version, mig.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO public.vault_schema_migrations (version, name, checksum) VALUES ($1, $2, $3)`,
		mig.Version, mig.Name, mig.Checksum,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", mig.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", mig.Version, err)
	}
	return nil
}

// Down rolls back the most recently applied migration.
func (m *Migrator) Down(ctx context.Context) error {
	all, err := LoadMigrations(m.source)
	if err != nil {
		return err
	}
	byVersion := make(map[string]Migration, len(all))
	for _, mig := range all {
		byVersion[mig.Version] = mig
	}

	return m.locked(ctx, func(conn *sql.Conn) error {
		var version string
		err := conn.QueryRowContext(ctx,
			`SELECT version FROM public.vault_schema_migrations ORDER BY version DESC LIMIT 1`,
		).Scan(&version)
		if errors.Is(err, sql.ErrNoRows) {
			m.logger.Info().Msg("no migrations to roll back")
			return nil
		}
		if err != nil {
			return fmt.Errorf("latest migration: %w", err)
		}
		mig, ok := byVersion[version]
		if !ok || mig.Down == "" {
			return fmt.Errorf("migration %s has no down file", version)
		}

		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, mig.Down); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec down migration %s_%s: %w", mig.Version, mig.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM public.vault_schema_migrations WHERE version = $1`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("remove migration record %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		m.logger.Info().Str("version", mig.Version).Str("name", mig.Name).Msg("rolled back migration")
		return nil
	})
}

// locked runs fn on a dedicated connection holding the migration advisory lock.
func (m *Migrator) locked(ctx context.Context, fn func(conn *sql.Conn) error) error {
	if err := m.ensureMigrationTable(ctx); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockKey)

	return fn(conn)
}

func (m *Migrator) ensureMigrationTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS public.vault_schema_migrations (
			version    TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			checksum   TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	return err
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// applied maps version to recorded checksum.
func (m *Migrator) applied(ctx context.Context, q queryer) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT version, checksum FROM public.vault_schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var v, sum string
		if err := rows.Scan(&v, &sum); err != nil {
			return nil, err
		}
		applied[v] = sum
	}
	return applied, rows.Err()
}
