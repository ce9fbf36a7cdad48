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

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

// Unavailability reasons.
const (
	ReasonNotConfigured = "not_configured"
	ReasonInitFailed    = "init_failed"
)

const (
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = time.Hour
	defaultQueryTimeout    = 5 * time.Second
	defaultRetryAttempts   = 3
	defaultRetryBackoff    = 200 * time.Millisecond
)

// Options configures a Gateway. Only URL is required; an empty URL yields an
// unavailable gateway.
type Options struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	QueryTimeout    time.Duration
	RetryAttempts   int
	RetryBackoff    time.Duration
	Logger          *zap.Logger
	Now             func() time.Time
}

// Gateway owns the storage connection pool and exposes sessions, metric
// records, retention and health over it. A Gateway that failed to initialize
// stays unavailable for its lifetime.
type Gateway struct {
	db      *sql.DB
	dialect dialect
	reason  string

	queryTimeout  time.Duration
	retryAttempts int
	retryBackoff  time.Duration

	logger *zap.Logger
	now    func() time.Time
	newID  func() string
}

// Open connects to the database named by opts.URL and applies pending
// migrations. It never returns an error: misconfiguration and connection
// failures are logged and produce an unavailable Gateway.
func Open(ctx context.Context, opts Options) *Gateway {
	g := &Gateway{
		queryTimeout:  opts.QueryTimeout,
		retryAttempts: opts.RetryAttempts,
		retryBackoff:  opts.RetryBackoff,
		logger:        opts.Logger,
		now:           opts.Now,
		newID:         uuid.NewString,
	}
	if g.logger == nil {
		g.logger = zap.NewNop()
	}
	g.logger = g.logger.Named("storage")
	if g.now == nil {
		g.now = time.Now
	}
	if g.queryTimeout <= 0 {
		g.queryTimeout = defaultQueryTimeout
	}
	if g.retryAttempts <= 0 {
		g.retryAttempts = defaultRetryAttempts
	}
	if g.retryBackoff <= 0 {
		g.retryBackoff = defaultRetryBackoff
	}

	if strings.TrimSpace(opts.URL) == "" {
		g.logger.Warn("no database url configured, persistence disabled")
		g.reason = ReasonNotConfigured
		return g
	}

	db, d, err := connect(ctx, opts, g.queryTimeout)
	if err != nil {
		g.logger.Error("database initialization failed, persistence disabled", zap.Error(err))
		g.reason = ReasonInitFailed
		return g
	}
	g.db = db
	g.dialect = d

	if err := g.migrate(ctx); err != nil {
		g.logger.Error("database migration failed, persistence disabled", zap.Error(err))
		db.Close()
		g.db = nil
		g.reason = ReasonInitFailed
		return g
	}

	g.logger.Info("database initialized", zap.String("dialect", d.name))
	return g
}

func connect(ctx context.Context, opts Options, timeout time.Duration) (*sql.DB, dialect, error) {
	d, dsn, err := parseURL(opts.URL)
	if err != nil {
		return nil, dialect{}, err
	}
	if d.sqlite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, dialect{}, fmt.Errorf("creating data directory: %w", err)
		}
	}

	db, err := sql.Open(d.driver, dsn)
	if err != nil {
		return nil, dialect{}, fmt.Errorf("opening database: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, dialect{}, fmt.Errorf("pinging database: %w", err)
	}

	if d.sqlite {
		// A single connection avoids "database is locked" errors and keeps
		// in-memory databases alive for the life of the pool.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)

		for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode=WAL"} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				db.Close()
				return nil, dialect{}, fmt.Errorf("applying %q: %w", pragma, err)
			}
		}
		return db, d, nil
	}

	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = defaultMaxOpenConns
	}
	maxIdle := opts.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = defaultMaxIdleConns
	}
	lifetime := opts.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = defaultConnMaxLifetime
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)
	db.SetConnMaxIdleTime(15 * time.Minute)
	return db, d, nil
}

// Available reports whether the gateway has a live connection pool.
func (g *Gateway) Available() bool {
	return g.db != nil
}

// Reason returns why the gateway is unavailable, or "" when it is available.
func (g *Gateway) Reason() string {
	return g.reason
}

// Dialect returns "sqlite", "postgres", or "" when unavailable.
func (g *Gateway) Dialect() string {
	return g.dialect.name
}

// Stats returns connection pool statistics. ok is false when unavailable.
func (g *Gateway) Stats() (stats sql.DBStats, ok bool) {
	if g.db == nil {
		return sql.DBStats{}, false
	}
	return g.db.Stats(), true
}

// Close releases the connection pool.
func (g *Gateway) Close() error {
	if g.db == nil {
		return nil
	}
	return g.db.Close()
}

// migrate reads the embedded migrations for the active dialect and applies any
// that haven't been run yet.
func (g *Gateway) migrate(ctx context.Context) error {
	if _, err := g.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	dir := "migrations/" + g.dialect.name
	entries, err := migrationsFS.ReadDir(dir)
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
		if err := g.db.QueryRowContext(ctx, g.dialect.rebind("SELECT COUNT(*) FROM schema_version WHERE version = ?"), version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(dir + "/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		err = g.WithUnitOfWork(ctx, func(tx *Tx) error {
			for _, stmt := range splitStatements(string(content)) {
				if _, err := tx.Exec(stmt); err != nil {
					return fmt.Errorf("applying migration %d: %w", version, err)
				}
			}
			_, err := tx.Exec("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)", version, formatTime(g.now()))
			return err
		})
		if err != nil {
			return err
		}
		g.logger.Debug("applied migration", zap.Int("version", version))
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

func splitStatements(script string) []string {
	var stmts []string
	for _, part := range strings.Split(script, ";") {
		if s := strings.TrimSpace(part); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (g *Gateway) AppliedMigrations(ctx context.Context) ([]int, error) {
	if g.db == nil {
		return nil, ErrUnavailable
	}
	rows, err := g.db.QueryContext(ctx, "SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, classify(err)
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
