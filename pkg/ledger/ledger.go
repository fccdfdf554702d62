package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

type txKey struct{}

// Ledger is the shared, globally ordered state every protocol component
// runs against. Each externally visible operation executes as one atomic
// unit under the write lock; a failed operation leaves no trace.
type Ledger struct {
	clock  clock.Clock
	logger *zap.Logger

	vault  *vault
	roles  map[Role]map[common.Address]struct{}
	seq    uint64
	sinks  []Sink
	stats  Stats
	mu     sync.RWMutex
	sinkMu sync.Mutex
	// dispatchMu is taken before mu is released so batches reach the
	// sinks in commit order.
	dispatchMu sync.Mutex
}

// Stats counts executed operations.
type Stats struct {
	Committed  uint64
	RolledBack uint64
	Events     uint64
	LastCommit time.Time
}

// New creates an empty ledger. A nil clock means wall-clock time.
func New(clk clock.Clock, logger *zap.Logger) *Ledger {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		clock:  clk,
		logger: logger.With(zap.String("component", "ledger")),
		vault:  newVault(),
		roles:  make(map[Role]map[common.Address]struct{}),
	}
}

// AddSink registers a consumer of committed events.
func (l *Ledger) AddSink(s Sink) {
	l.sinkMu.Lock()
	defer l.sinkMu.Unlock()
	l.sinks = append(l.sinks, s)
}

// ResumeSequence makes the next event number follow seq, so a restarted
// process keeps appending to an existing audit trail. It never moves the
// sequence backwards.
func (l *Ledger) ResumeSequence(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.seq {
		l.seq = seq
	}
}

// Now returns the ledger's current time.
func (l *Ledger) Now() time.Time {
	return l.clock.Now()
}

// Execute runs fn as a single atomic operation on behalf of caller.
// If fn returns an error every journaled change is undone in reverse
// order, buffered events are dropped, and the error is returned wrapped
// in an *OpError. On success the buffered events are dispatched to the
// registered sinks after the state lock is released, in commit order.
// Sinks must not call Execute.
func (l *Ledger) Execute(ctx context.Context, op string, caller common.Address, fn func(tx *Tx) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if active, _ := ctx.Value(txKey{}).(*Ledger); active == l {
		return &OpError{Op: op, Kind: KindState, Err: ErrReentrantCall}
	}
	if err := ctx.Err(); err != nil {
		return &OpError{Op: op, Kind: KindUnknown, Err: err}
	}

	l.mu.Lock()
	tx := &Tx{
		ctx:     context.WithValue(ctx, txKey{}, l),
		ledger:  l,
		op:      op,
		senders: []common.Address{caller},
		now:     l.clock.Now(),
	}

	err := l.run(tx, fn)
	if err != nil {
		tx.rollback()
		l.stats.RolledBack++
		l.mu.Unlock()

		l.logger.Debug("Operation rolled back",
			zap.String("op", op),
			zap.String("caller", caller.Hex()),
			zap.Error(err))
		return &OpError{Op: op, Kind: KindOf(err), Err: err}
	}

	events := tx.seal()
	l.stats.Committed++
	l.stats.Events += uint64(len(events))
	l.stats.LastCommit = tx.now
	l.dispatchMu.Lock()
	l.mu.Unlock()

	l.dispatch(context.WithValue(ctx, txKey{}, l), events)
	l.dispatchMu.Unlock()
	return nil
}

// run invokes fn and converts a panic into an error so the journal is
// still unwound.
func (l *Ledger) run(tx *Tx, fn func(tx *Tx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Panic during operation",
				zap.String("op", tx.op),
				zap.Any("panic", r))
			err = fmt.Errorf("panic in %s: %v", tx.op, r)
		}
	}()
	return fn(tx)
}

// View runs fn under the read lock.
func (l *Ledger) View(fn func()) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn()
}

// Stats returns execution counters.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}

func (l *Ledger) dispatch(ctx context.Context, events []Event) {
	if len(events) == 0 {
		return
	}

	l.sinkMu.Lock()
	sinks := make([]Sink, len(l.sinks))
	copy(sinks, l.sinks)
	l.sinkMu.Unlock()

	for _, s := range sinks {
		if err := s.Consume(ctx, events); err != nil {
			l.logger.Warn("Event sink failed",
				zap.Int("events", len(events)),
				zap.Error(err))
		}
	}
}
