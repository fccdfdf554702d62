package data

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"impact_verifier/pkg/ledger"
	"impact_verifier/pkg/utils"
)

// RepositorySink persists committed ledger events to a Repository.
// Batches that fail to persist stay pending and are written ahead of the
// next batch, so the stored trail never skips a sequence.
type RepositorySink struct {
	name    string
	repo    Repository
	retry   *utils.RetryConfig
	logger  *zap.Logger
	lastSeq uint64
	pending []*EventRecord
	mu      sync.Mutex
}

var _ ledger.Sink = (*RepositorySink)(nil)

// NewRepositorySink resumes from the checkpoint stored under name.
func NewRepositorySink(ctx context.Context, name string, repo Repository, retry *utils.RetryConfig, logger *zap.Logger) (*RepositorySink, error) {
	if retry == nil {
		retry = utils.DefaultRetryConfig()
	}
	cfg := *retry
	cfg.Permanent = isPermanent

	last, err := repo.GetCheckpoint(ctx, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("loading checkpoint: %w", err)
	}

	return &RepositorySink{
		name:    name,
		repo:    repo,
		retry:   &cfg,
		logger:  logger.With(zap.String("component", "repository_sink")),
		lastSeq: last,
	}, nil
}

func isPermanent(err error) bool {
	return errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidName) ||
		errors.Is(err, ErrInvalidSequence) ||
		errors.Is(err, ErrInvalidTime)
}

// Consume queues events not yet persisted and writes everything pending.
func (s *RepositorySink) Consume(ctx context.Context, events []ledger.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if e.Seq <= s.lastSeq || s.isPending(e.Seq) {
			continue
		}
		rec, err := NewEventRecord(e)
		if err != nil {
			return fmt.Errorf("converting event %d: %w", e.Seq, err)
		}
		s.pending = append(s.pending, rec)
	}
	return s.flush(ctx)
}

// Flush retries pending events without waiting for the next commit.
func (s *RepositorySink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush(ctx)
}

func (s *RepositorySink) isPending(seq uint64) bool {
	n := len(s.pending)
	return n > 0 && seq <= s.pending[n-1].Seq
}

func (s *RepositorySink) flush(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	recs := s.pending

	err := utils.RetryWithBackoff(ctx, func() error {
		return s.repo.SaveEvents(ctx, recs)
	}, s.retry)
	if errors.Is(err, ErrDuplicate) {
		// part of the batch landed earlier; store the rest one by one
		err = s.saveEach(ctx, recs)
	}
	if err != nil {
		s.logger.Warn("Audit events pending", zap.Int("pending", len(recs)), zap.Error(err))
		return fmt.Errorf("persisting %d events: %w", len(recs), err)
	}

	maxSeq := recs[len(recs)-1].Seq
	if err := s.repo.SaveCheckpoint(ctx, s.name, maxSeq); err != nil {
		s.logger.Warn("Failed to save checkpoint", zap.Uint64("seq", maxSeq), zap.Error(err))
	}
	s.lastSeq = maxSeq
	s.pending = nil
	return nil
}

func (s *RepositorySink) saveEach(ctx context.Context, recs []*EventRecord) error {
	for _, rec := range recs {
		err := s.repo.SaveEvent(ctx, rec)
		if err != nil && !errors.Is(err, ErrDuplicate) {
			return err
		}
	}
	return nil
}

// LastSeq returns the highest sequence persisted by this sink.
func (s *RepositorySink) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Pending returns the number of events waiting to be persisted.
func (s *RepositorySink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
