package upstream

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"           // registers "postgres"
	_ "github.com/mattn/go-sqlite3" // registers "sqlite3"
	"go.uber.org/zap"
)

// Driver names accepted by OpenSQL.
const (
	DriverSQLite   = "sqlite3"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// SQLConfig selects and tunes the database behind a SQLStore.
type SQLConfig struct {
	Driver string
	DSN    string

	// Pool limits; zero values keep database/sql defaults.
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	Logger *zap.Logger
}

// SQLStore is a Store backed by a "users" table.
type SQLStore struct {
	db     *sql.DB
	driver string
	log    *zap.Logger
}

var schema = map[string]string{
	DriverSQLite: `CREATE TABLE IF NOT EXISTS users (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	name       TEXT NOT NULL,
	email      TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
)`,
	DriverMySQL: `CREATE TABLE IF NOT EXISTS users (
	id         BIGINT AUTO_INCREMENT PRIMARY KEY,
	name       VARCHAR(100) NOT NULL,
	email      VARCHAR(255) NOT NULL,
	created_at DATETIME(6) NOT NULL
)`,
	DriverPostgres: `CREATE TABLE IF NOT EXISTS users (
	id         BIGSERIAL PRIMARY KEY,
	name       VARCHAR(100) NOT NULL,
	email      VARCHAR(255) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
)`,
}

// OpenSQL opens and pings the database described by cfg.
func OpenSQL(ctx context.Context, cfg SQLConfig) (*SQLStore, error) {
	if _, ok := schema[cfg.Driver]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	dsn, err := normalizeDSN(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("upstream: open %s: %w", cfg.Driver, err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	// Every connection to an in-memory SQLite database sees its own empty
	// database, so the pool must hold exactly one.
	if cfg.Driver == DriverSQLite && strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("upstream: ping %s: %w", cfg.Driver, err)
	}
	cfg.Logger.Info("upstream database opened", zap.String("driver", cfg.Driver))
	return &SQLStore{db: db, driver: cfg.Driver, log: cfg.Logger}, nil
}

// normalizeDSN applies driver-specific settings the store relies on.
func normalizeDSN(driver, dsn string) (string, error) {
	switch driver {
	case DriverSQLite:
		if dsn == "" {
			return ":memory:", nil
		}
	case DriverMySQL:
		mc, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", fmt.Errorf("upstream: mysql dsn: %w", err)
		}
		// created_at scans into time.Time.
		mc.ParseTime = true
		if mc.Loc == nil {
			mc.Loc = time.UTC
		}
		return mc.FormatDSN(), nil
	}
	return dsn, nil
}

// Migrate creates the users table if it does not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema[s.driver]); err != nil {
		return fmt.Errorf("upstream: migrate: %w", err)
	}
	return nil
}

// Seed inserts users into an empty table and reports how many were added.
// A table that already holds rows is left untouched.
func (s *SQLStore) Seed(ctx context.Context, users []User) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&n); err != nil {
		return 0, fmt.Errorf("upstream: seed count: %w", err)
	}
	if n > 0 {
		return 0, nil
	}
	for _, u := range users {
		if _, err := s.Create(ctx, u.Name, u.Email); err != nil {
			return 0, fmt.Errorf("upstream: seed %q: %w", u.Email, err)
		}
	}
	s.log.Info("upstream seeded", zap.Int("users", len(users)))
	return len(users), nil
}

// Fetch reads one user row.
func (s *SQLStore) Fetch(ctx context.Context, id int64) (User, error) {
	var u User
	err := s.db.QueryRowContext(ctx,
		s.bind("SELECT id, name, email, created_at FROM users WHERE id = ?"), id,
	).Scan(&u.ID, &u.Name, &u.Email, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("upstream: fetch %d: %w", id, err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

// Create inserts a user and returns it with the database-assigned id.
func (s *SQLStore) Create(ctx context.Context, name, email string) (User, error) {
	u := User{Name: name, Email: email, CreatedAt: time.Now().UTC().Truncate(time.Microsecond)}
	const insert = "INSERT INTO users (name, email, created_at) VALUES (?, ?, ?)"

	if s.driver == DriverPostgres {
		err := s.db.QueryRowContext(ctx, s.bind(insert+" RETURNING id"), name, email, u.CreatedAt).Scan(&u.ID)
		if err != nil {
			return User{}, fmt.Errorf("upstream: create: %w", err)
		}
		return u, nil
	}

	res, err := s.db.ExecContext(ctx, insert, name, email, u.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("upstream: create: %w", err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return User{}, fmt.Errorf("upstream: create: %w", err)
	}
	return u, nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

// bind rewrites ? placeholders into the driver's syntax.
func (s *SQLStore) bind(q string) string {
	if s.driver != DriverPostgres {
		return q
	}
	return rebindDollar(q)
}

// rebindDollar turns each ? into $1, $2, ... in order.
func rebindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

var _ Store = (*SQLStore)(nil)
