package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrDuplicate     = errors.New("duplicate record")
	ErrInvalidFilter = errors.New("invalid filter parameters")
)

// Repository defines the interface for audit trail persistence
type Repository interface {
	SaveEvent(ctx context.Context, rec *EventRecord) error
	// SaveEvents stores a batch atomically.
	SaveEvents(ctx context.Context, recs []*EventRecord) error
	GetEvent(ctx context.Context, id string) (*EventRecord, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error)
	LatestSeq(ctx context.Context) (uint64, error)

	SaveCheckpoint(ctx context.Context, sink string, seq uint64) error
	GetCheckpoint(ctx context.Context, sink string) (uint64, error)
}

// EventFilter defines filter parameters for event queries. Results are
// ordered by sequence, oldest first.
type EventFilter struct {
	Name     string
	ClaimID  string
	Caller   string
	AfterSeq uint64
	FromTime *time.Time
	ToTime   *time.Time
	Limit    int
	Offset   int
}

// Validate checks the filter for contradictory bounds
func (f EventFilter) Validate() error {
	if f.Limit < 0 || f.Offset < 0 {
		return fmt.Errorf("%w: negative limit or offset", ErrInvalidFilter)
	}
	if f.FromTime != nil && f.ToTime != nil && f.ToTime.Before(*f.FromTime) {
		return fmt.Errorf("%w: to_time before from_time", ErrInvalidFilter)
	}
	return nil
}

func (f EventFilter) matches(r *EventRecord) bool {
	if f.Name != "" && r.Name != f.Name {
		return false
	}
	if f.ClaimID != "" && r.ClaimID != f.ClaimID {
		return false
	}
	if f.Caller != "" && r.Caller != f.Caller {
		return false
	}
	if r.Seq <= f.AfterSeq {
		return false
	}
	if f.FromTime != nil && r.OccurredAt.Before(*f.FromTime) {
		return false
	}
	if f.ToTime != nil && r.OccurredAt.After(*f.ToTime) {
		return false
	}
	return true
}

// PostgresRepository implements Repository using PostgreSQL
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository wraps an existing connection pool
func NewPostgresRepository(pool *pgxpool.Pool, logger *zap.Logger) *PostgresRepository {
	return &PostgresRepository{
		pool:   pool,
		logger: logger.With(zap.String("component", "repository")),
	}
}

// OpenPostgresRepository connects to connStr and returns a repository that
// owns its pool
func OpenPostgresRepository(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return NewPostgresRepository(pool, logger), nil
}

// Close releases all database resources
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

const insertEvent = `
	INSERT INTO protocol_events (
		id, seq, name, op, caller, claim_id, fields, occurred_at, hash, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

const selectEvent = `
	SELECT id::text, seq, name, op, caller, claim_id, fields, occurred_at, hash, created_at
	FROM protocol_events`

func eventArgs(rec *EventRecord) []any {
	return []any{
		rec.ID, int64(rec.Seq), rec.Name, rec.Op, rec.Caller, rec.ClaimID,
		rec.Fields, rec.OccurredAt, rec.Hash, rec.CreatedAt,
	}
}

// SaveEvent persists one event
func (r *PostgresRepository) SaveEvent(ctx context.Context, rec *EventRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("validating event: %w", err)
	}

	if _, err := r.pool.Exec(ctx, insertEvent, eventArgs(rec)...); err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// SaveEvents persists a batch inside one transaction
func (r *PostgresRepository) SaveEvents(ctx context.Context, recs []*EventRecord) error {
	if len(recs) == 0 {
		return nil
	}
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("validating event %d: %w", rec.Seq, err)
		}
	}

	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range recs {
			batch.Queue(insertEvent, eventArgs(rec)...)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		if isPgDuplicateError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting event batch: %w", err)
	}
	return nil
}

// GetEvent retrieves an event by ID
func (r *PostgresRepository) GetEvent(ctx context.Context, id string) (*EventRecord, error) {
	rows, err := r.pool.Query(ctx, selectEvent+" WHERE id = $1", id)
	if err != nil {
		return nil, fmt.Errorf("querying event: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanEvent)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying event: %w", err)
	}
	return rec, nil
}

// ListEvents retrieves events based on filter criteria
func (r *PostgresRepository) ListEvents(ctx context.Context, filter EventFilter) ([]*EventRecord, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}

	query := selectEvent + " WHERE seq > $1"
	args := []any{int64(filter.AfterSeq)}
	argCount := 2

	// Build dynamic query based on filter
	if filter.Name != "" {
		query += fmt.Sprintf(" AND name = $%d", argCount)
		args = append(args, filter.Name)
		argCount++
	}

	if filter.ClaimID != "" {
		query += fmt.Sprintf(" AND claim_id = $%d", argCount)
		args = append(args, filter.ClaimID)
		argCount++
	}

	if filter.Caller != "" {
		query += fmt.Sprintf(" AND caller = $%d", argCount)
		args = append(args, filter.Caller)
		argCount++
	}

	if filter.FromTime != nil {
		query += fmt.Sprintf(" AND occurred_at >= $%d", argCount)
		args = append(args, *filter.FromTime)
		argCount++
	}

	if filter.ToTime != nil {
		query += fmt.Sprintf(" AND occurred_at <= $%d", argCount)
		args = append(args, *filter.ToTime)
		argCount++
	}

	query += " ORDER BY seq ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argCount)
		args = append(args, filter.Limit)
		argCount++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argCount)
		args = append(args, filter.Offset)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying event list: %w", err)
	}
	results, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, fmt.Errorf("scanning event rows: %w", err)
	}
	return results, nil
}

// LatestSeq returns the highest stored sequence number, zero when empty
func (r *PostgresRepository) LatestSeq(ctx context.Context) (uint64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM protocol_events`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("querying latest sequence: %w", err)
	}
	return uint64(seq), nil
}

// SaveCheckpoint records the last sequence a sink has handled
func (r *PostgresRepository) SaveCheckpoint(ctx context.Context, sink string, seq uint64) error {
	query := `
		INSERT INTO sink_checkpoints (sink, last_seq, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (sink) DO UPDATE
		SET last_seq = GREATEST(sink_checkpoints.last_seq, EXCLUDED.last_seq),
			updated_at = NOW()`

	if _, err := r.pool.Exec(ctx, query, sink, int64(seq)); err != nil {
		return fmt.Errorf("saving checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the last sequence recorded for sink
func (r *PostgresRepository) GetCheckpoint(ctx context.Context, sink string) (uint64, error) {
	var seq int64
	err := r.pool.QueryRow(ctx, `SELECT last_seq FROM sink_checkpoints WHERE sink = $1`, sink).Scan(&seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("querying checkpoint: %w", err)
	}
	return uint64(seq), nil
}

func scanEvent(row pgx.CollectableRow) (*EventRecord, error) {
	rec := &EventRecord{}
	var seq int64
	err := row.Scan(
		&rec.ID, &seq, &rec.Name, &rec.Op, &rec.Caller, &rec.ClaimID,
		&rec.Fields, &rec.OccurredAt, &rec.Hash, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Seq = uint64(seq)
	rec.OccurredAt = rec.OccurredAt.UTC()
	return rec, nil
}

// Helper function to check for PostgreSQL duplicate key errors
func isPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" // unique_violation
}
