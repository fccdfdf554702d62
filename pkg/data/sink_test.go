package data

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"impact_verifier/pkg/ledger"
	"impact_verifier/pkg/utils"
)

var errUnavailable = errors.New("database unavailable")

// flakyRepository fails the first n batch writes.
type flakyRepository struct {
	*MemoryRepository
	failures int
	calls    int
}

func (f *flakyRepository) SaveEvents(ctx context.Context, recs []*EventRecord) error {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return errUnavailable
	}
	return f.MemoryRepository.SaveEvents(ctx, recs)
}

func fastRetry() *utils.RetryConfig {
	return &utils.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 1,
	}
}

func TestRepositorySink_PersistsCommittedEvents(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	repo := NewMemoryRepository()
	sink, err := NewRepositorySink(ctx, "audit", repo, fastRetry(), logger)
	require.NoError(t, err)

	l := ledger.New(clock.NewMock(), logger)
	l.AddSink(sink)

	require.NoError(t, l.Execute(ctx, "emit", testCaller, func(tx *ledger.Tx) error {
		tx.Emit("First", testClaim, map[string]any{"n": 1})
		tx.Emit("Second", testClaim, nil)
		return nil
	}))
	// rolled back operations never reach the sink
	_ = l.Execute(ctx, "fails", testCaller, func(tx *ledger.Tx) error {
		tx.Emit("Dropped", testClaim, nil)
		return ledger.NewError(ledger.KindState, "nope")
	})

	events, err := repo.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "First", events[0].Name)
	assert.Equal(t, "Second", events[1].Name)
	assert.Equal(t, "emit", events[0].Op)

	checkpoint, err := repo.GetCheckpoint(ctx, "audit")
	require.NoError(t, err)
	assert.Equal(t, events[1].Seq, checkpoint)
	assert.Equal(t, checkpoint, sink.LastSeq())
}

func TestRepositorySink_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepository{MemoryRepository: NewMemoryRepository(), failures: 2}
	sink, err := NewRepositorySink(ctx, "audit", repo, fastRetry(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, sink.Consume(ctx, []ledger.Event{testEvent(1, "A", testClaim)}))
	assert.Equal(t, 3, repo.calls)

	repo.failures = 5
	err = sink.Consume(ctx, []ledger.Event{testEvent(2, "B", testClaim)})
	assert.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, uint64(1), sink.LastSeq())
	assert.Equal(t, 1, sink.Pending())

	// the failed batch is written ahead of the next one
	repo.failures = 0
	require.NoError(t, sink.Consume(ctx, []ledger.Event{testEvent(3, "C", testClaim)}))
	assert.Equal(t, 0, sink.Pending())
	assert.Equal(t, uint64(3), sink.LastSeq())

	events, err := repo.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{events[0].Name, events[1].Name, events[2].Name})
}

func TestRepositorySink_FlushRedeliversPending(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepository{MemoryRepository: NewMemoryRepository(), failures: 3}
	sink, err := NewRepositorySink(ctx, "audit", repo, fastRetry(), zaptest.NewLogger(t))
	require.NoError(t, err)

	require.Error(t, sink.Consume(ctx, []ledger.Event{testEvent(1, "A", testClaim), testEvent(2, "B", testClaim)}))
	assert.Equal(t, 2, sink.Pending())

	// a redelivered batch is not queued twice
	repo.failures = 3
	require.Error(t, sink.Consume(ctx, []ledger.Event{testEvent(2, "B", testClaim)}))
	assert.Equal(t, 2, sink.Pending())

	require.NoError(t, sink.Flush(ctx))
	assert.Equal(t, 0, sink.Pending())
	assert.Equal(t, uint64(2), sink.LastSeq())

	checkpoint, err := repo.GetCheckpoint(ctx, "audit")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), checkpoint)
}

func TestRepositorySink_ConcurrentCommitsAllPersisted(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	repo := NewMemoryRepository()
	sink, err := NewRepositorySink(ctx, "audit", repo, fastRetry(), logger)
	require.NoError(t, err)

	l := ledger.New(clock.NewMock(), logger)
	entered := make(chan struct{})
	release := make(chan struct{})
	// a slow sink ahead of the audit sink holds up the first batch
	l.AddSink(ledger.SinkFunc(func(_ context.Context, events []ledger.Event) error {
		if events[0].Name == "A" {
			close(entered)
			<-release
		}
		return nil
	}))
	l.AddSink(sink)

	emit := func(name string) func(*ledger.Tx) error {
		return func(tx *ledger.Tx) error {
			tx.Emit(name, testClaim, nil)
			return nil
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, l.Execute(ctx, "a", testCaller, emit("A")))
	}()
	<-entered
	go func() {
		defer wg.Done()
		assert.NoError(t, l.Execute(ctx, "b", testCaller, emit("B")))
	}()
	require.Eventually(t, func() bool { return l.Stats().Committed == 2 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	events, err := repo.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "A", events[0].Name)
	assert.Equal(t, "B", events[1].Name)
	assert.Equal(t, events[1].Seq, sink.LastSeq())
}

func TestRepositorySink_ResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRepository()
	require.NoError(t, repo.SaveEvent(ctx, testRecord(t, 2, "Stored", testClaim)))
	require.NoError(t, repo.SaveCheckpoint(ctx, "audit", 1))

	sink, err := NewRepositorySink(ctx, "audit", repo, fastRetry(), zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), sink.LastSeq())

	// seq 1 is behind the checkpoint, seq 2 is already stored
	err = sink.Consume(ctx, []ledger.Event{
		testEvent(1, "Old", testClaim),
		testEvent(2, "Stored", testClaim),
		testEvent(3, "New", testClaim),
	})
	require.NoError(t, err)

	events, err := repo.ListEvents(ctx, EventFilter{})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "New", events[1].Name)
	assert.Equal(t, uint64(3), sink.LastSeq())
}
