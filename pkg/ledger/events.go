package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event is one entry of the audit trail.
type Event struct {
	ID      uuid.UUID      `json:"id"`
	Seq     uint64         `json:"seq"`
	Name    string         `json:"name"`
	Op      string         `json:"op"`
	Caller  common.Address `json:"caller"`
	ClaimID common.Hash    `json:"claim_id"`
	Fields  map[string]any `json:"fields,omitempty"`
	Time    time.Time      `json:"time"`
}

// Sink consumes committed events in commit order.
type Sink interface {
	Consume(ctx context.Context, events []Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, events []Event) error

func (f SinkFunc) Consume(ctx context.Context, events []Event) error {
	return f(ctx, events)
}

// LogSink writes every event to a zap logger.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.With(zap.String("component", "audit"))}
}

func (s *LogSink) Consume(_ context.Context, events []Event) error {
	for _, e := range events {
		fields := []zap.Field{
			zap.Uint64("seq", e.Seq),
			zap.String("op", e.Op),
			zap.String("caller", e.Caller.Hex()),
		}
		if e.ClaimID != (common.Hash{}) {
			fields = append(fields, zap.String("claimID", e.ClaimID.Hex()))
		}
		for k, v := range e.Fields {
			fields = append(fields, zap.Any(k, v))
		}
		s.logger.Info(e.Name, fields...)
	}
	return nil
}

// Recorder keeps committed events in memory.
type Recorder struct {
	events []Event
	mu     sync.Mutex
}

func (r *Recorder) Consume(_ context.Context, events []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns recorded events with the given name.
func (r *Recorder) Named(name string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}
