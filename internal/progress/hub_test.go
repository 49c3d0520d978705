package progress

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type captureSink struct {
	mu      sync.Mutex
	batches [][]Event
	fail    error
}

func (s *captureSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *captureSink) Close(context.Context) error { return nil }

func (s *captureSink) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *captureSink) firstBatchLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.batches) == 0 {
		return 0
	}
	return len(s.batches[0])
}

func triggeredEvent() Event {
	return Event{
		RunID: UUIDToBytes(uuid.New()),
		TS:    time.Now(),
		Stage: StageRunTriggered,
	}
}

func TestHubFlushesWhenBatchFills(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{BufferSize: 8, MaxBatchEvents: 2, MaxBatchWait: time.Minute}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(triggeredEvent())
	hub.Emit(triggeredEvent())

	require.Eventually(t, func() bool {
		return sink.batchCount() == 1 && sink.firstBatchLen() == 2
	}, time.Second, 10*time.Millisecond)
}

func TestHubFlushesOnTimer(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, sink)
	defer func() { require.NoError(t, hub.Close(context.Background())) }()

	hub.Emit(triggeredEvent())

	require.Eventually(t, func() bool {
		return sink.batchCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubEmitNeverBlocks(t *testing.T) {
	t.Parallel()

	// An unbuffered channel with no running goroutine forces the drop path.
	hub := &Hub{events: make(chan Event), logger: zap.NewNop()}
	start := time.Now()
	hub.Emit(triggeredEvent())
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, sink)

	hub.Emit(Event{Stage: StageRunTriggered, TS: time.Now()}) // missing run id

	require.NoError(t, hub.Close(context.Background()))
	require.Zero(t, sink.batchCount())
}

func TestHubDrainsBufferedEventsOnClose(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)

	hub.Emit(triggeredEvent())

	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, 1, sink.batchCount())
	require.Equal(t, 1, sink.firstBatchLen())
}

func TestHubToleratesFailingSink(t *testing.T) {
	t.Parallel()

	bad := &captureSink{fail: errors.New("sink down")}
	good := &captureSink{}
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, bad, good)

	hub.Emit(triggeredEvent())

	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, 1, good.batchCount())
}
