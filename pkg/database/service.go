package database

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	postgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"impact_verifier/pkg/config"
	"impact_verifier/pkg/data"
	"impact_verifier/pkg/utils"
)

var ErrNotRunning = errors.New("database service not running")

const (
	pingTimeout     = 5 * time.Second
	connectAttempts = 5

	embeddedUser     = "postgres"
	embeddedPassword = "postgres"
	embeddedDatabase = "impact_verifier"
)

// Service manages the database connection pool and the audit trail
// repository. With Embedded set it also runs a private PostgreSQL server.
type Service struct {
	pool     *pgxpool.Pool
	embedded *postgres.EmbeddedPostgres
	logger   *zap.Logger
	config   *config.DatabaseConfig
	repo     *data.PostgresRepository

	mu        sync.RWMutex
	isRunning bool
}

// NewService creates a new database service
func NewService(cfg *config.DatabaseConfig, logger *zap.Logger) *Service {
	return &Service{
		config: cfg,
		logger: logger.With(zap.String("component", "database")),
	}
}

// Start initializes database connections and repositories
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("database service already running")
	}

	url := s.config.URL
	if s.config.Embedded {
		if err := s.startEmbedded(); err != nil {
			return err
		}
		url = EmbeddedURL(s.config.Port)
	}

	startCtx := ctx
	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	pool, err := s.connect(startCtx, url)
	if err != nil {
		s.cleanup()
		return err
	}
	s.pool = pool

	schema, err := data.NewSchemaManager(pool, s.config.SchemaDir, s.logger)
	if err != nil {
		s.cleanup()
		return fmt.Errorf("loading schema: %w", err)
	}
	if err := schema.InitializeSchema(startCtx); err != nil {
		s.cleanup()
		return fmt.Errorf("initializing schema: %w", err)
	}

	s.repo = data.NewPostgresRepository(pool, s.logger)

	s.isRunning = true
	s.logger.Info("Database service started successfully",
		zap.Bool("embedded", s.config.Embedded))
	return nil
}

// Stop closes the pool and shuts the embedded server down.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cleanup()
	s.isRunning = false
	s.logger.Info("Database service stopped")
	return nil
}

// Repository returns the audit trail repository
func (s *Service) Repository() (data.Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.isRunning {
		return nil, ErrNotRunning
	}
	return s.repo, nil
}

// Ping checks that the audit database answers. The app schedules it as a
// recurring health job.
func (s *Service) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return ErrNotRunning
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("pinging audit database: %w", err)
	}
	return nil
}

// EmbeddedURL is the connection string of the embedded server.
func EmbeddedURL(port int) string {
	return fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		embeddedUser, embeddedPassword, port, embeddedDatabase)
}

func (s *Service) startEmbedded() error {
	pg := postgres.NewDatabase(
		postgres.DefaultConfig().
			Username(embeddedUser).
			Password(embeddedPassword).
			Database(embeddedDatabase).
			Version(postgres.V16).
			Port(uint32(s.config.Port)).
			RuntimePath(s.config.RuntimePath).
			StartTimeout(s.config.Timeout).
			Logger(zap.NewStdLog(s.logger).Writer()))

	if err := pg.Start(); err != nil {
		return fmt.Errorf("starting embedded postgres: %w", err)
	}
	s.embedded = pg
	s.logger.Info("Embedded postgres started", zap.Int("port", s.config.Port))
	return nil
}

// connect builds the pool and waits for the first successful ping, retrying
// while the server is still accepting connections.
func (s *Service) connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}
	poolConfig.MaxConns = int32(s.config.MaxConnections)
	poolConfig.MinConns = int32(s.config.MinConnections)
	poolConfig.MaxConnLifetime = s.config.MaxConnLifetime
	poolConfig.MaxConnIdleTime = s.config.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	retry := utils.DefaultRetryConfig()
	retry.MaxAttempts = connectAttempts
	retry.InitialDelay = 250 * time.Millisecond
	retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		s.logger.Warn("Audit database not ready",
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}
	if err := utils.RetryWithBackoff(ctx, func() error { return pool.Ping(ctx) }, retry); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging connection pool: %w", err)
	}
	return pool, nil
}

func (s *Service) cleanup() {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	if s.embedded != nil {
		if err := s.embedded.Stop(); err != nil {
			s.logger.Warn("Failed to stop embedded postgres", zap.Error(err))
		}
		s.embedded = nil
	}
}
