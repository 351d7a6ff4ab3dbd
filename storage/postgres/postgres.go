// Package postgres provides a PostgreSQL implementation of storage.AccountStore.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver
	"github.com/pressly/goose/v3"

	"github.com/giantswarm/api-guard/instrumentation"
	"github.com/giantswarm/api-guard/security"
	"github.com/giantswarm/api-guard/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const principalColumns = `id, COALESCE(external_id, ''), email, name, COALESCE(password_hash, ''), created_at`

// Store is an AccountStore backed by PostgreSQL
type Store struct {
	db        *sql.DB
	clock     security.Clock
	logger    *slog.Logger
	telemetry *storage.Telemetry
}

// Compile-time interface checks
var (
	_ storage.AccountStore     = (*Store)(nil)
	_ storage.PrincipalCounter = (*Store)(nil)
)

// Open connects to dsn with the pgx driver and verifies the connection
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping error: %w", err)
	}
	return New(db), nil
}

// New wraps an existing connection pool
func New(db *sql.DB) *Store {
	return &Store{
		db:     db,
		clock:  security.SystemClock{},
		logger: slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetClock sets the clock used for CreatedAt
func (s *Store) SetClock(clock security.Clock) {
	if clock != nil {
		s.clock = clock
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.telemetry = storage.NewTelemetry(inst, "postgres")
}

// DB returns the underlying connection pool
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema migrations
func (s *Store) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectPostgres, s.db, fsys)
	if err != nil {
		return fmt.Errorf("migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("migration error: %w", err)
	}
	for _, r := range results {
		s.logger.Info("Applied migration",
			"version", r.Source.Version,
			"duration", r.Duration)
	}
	return nil
}

// FindByIdentity returns the principal matching identity
func (s *Store) FindByIdentity(ctx context.Context, identity storage.Identity) (p *storage.Principal, err error) {
	ctx, finish := s.telemetry.Start(ctx, "find")
	defer func() { finish(err) }()

	if err := identity.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", storage.ErrPrincipalNotFound, err)
	}

	var query string
	value := identity.Value
	switch identity.Kind {
	case storage.IdentityEmail:
		query = `SELECT ` + principalColumns + ` FROM principals WHERE email = $1`
		value = storage.NormalizeEmail(value)
	case storage.IdentityExternal:
		query = `SELECT ` + principalColumns + ` FROM principals WHERE external_id = $1`
	}

	p = &storage.Principal{}
	err = s.db.QueryRowContext(ctx, query, value).Scan(
		&p.ID, &p.ExternalID, &p.Email, &p.Name, &p.PasswordHash, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrPrincipalNotFound
		}
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}
	return p, nil
}

// Create inserts a new principal; the database assigns the ID
func (s *Store) Create(ctx context.Context, np storage.NewPrincipal) (p *storage.Principal, err error) {
	ctx, finish := s.telemetry.Start(ctx, "create")
	defer func() { finish(err) }()

	if err := np.Validate(); err != nil {
		return nil, err
	}

	p = &storage.Principal{
		ExternalID:   np.ExternalID,
		Email:        storage.NormalizeEmail(np.Email),
		Name:         np.Name,
		PasswordHash: np.PasswordHash,
		CreatedAt:    s.clock.Now().Truncate(time.Microsecond),
	}

	query := `INSERT INTO principals (external_id, email, name, password_hash, created_at)
		VALUES (NULLIF($1, ''), $2, $3, NULLIF($4, ''), $5)
		RETURNING id`

	err = s.db.QueryRowContext(ctx, query,
		p.ExternalID, p.Email, p.Name, p.PasswordHash, p.CreatedAt).Scan(&p.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrEmailTaken
		}
		return nil, fmt.Errorf("error performing sql request: %w", err)
	}

	s.logger.Debug("Created principal", "principal_id", p.ID)
	return p, nil
}

// CountPrincipals returns the number of stored principals
func (s *Store) CountPrincipals(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM principals`).Scan(&n); err != nil {
		return 0, fmt.Errorf("error performing sql request: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}
