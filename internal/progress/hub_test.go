package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"go.uber.org/zap"
)

// TestHubBatchBySize verifies the hub flushes immediately once the batch size limit is reached.
func TestHubBatchBySize(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     8,
		MaxBatchEvents: 2,
		MaxBatchWait:   time.Minute,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	evt := sampleEvent(StageCategoryStart)
	hub.Emit(evt)
	hub.Emit(evt)
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1 && len(sink.Batches()[0]) == 2
	}, time.Second, 10*time.Millisecond)
}

// TestHubBatchByTimer verifies the timer-based flush kicks in when the batch is small.
func TestHubBatchByTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 10,
		MaxBatchWait:   25 * time.Millisecond,
	}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(sampleEvent(StageCategoryStart))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubEmitNonBlockingWithoutConsumers asserts Emit never blocks callers, even without sinks.
func TestHubEmitNonBlockingWithoutConsumers(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{},
		events: make(chan Event),
		logger: zap.NewNop(),
	}
	start := time.Now()
	hub.Emit(sampleEvent(StageCategoryStart))
	require.Less(t, time.Since(start), 50*time.Millisecond)
}

// TestHubDropsInvalidEvents verifies events failing validation never reach sinks.
func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 4, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, sink)
	hub.Emit(Event{Stage: StageCategoryStart})
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())

	// Emits after Close are ignored.
	hub.Emit(sampleEvent(StageCategoryStart))
	require.Empty(t, sink.Batches())
}

// TestHubFlushOnClose ensures Close drains any buffered events before returning.
func TestHubFlushOnClose(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	evt := sampleEvent(StageCategoryStart)
	hub.Emit(evt)

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copyBatch := append([]Event(nil), batch...)
	s.batches = append(s.batches, copyBatch)
	return nil
}

func (s *stubSink) Close(context.Context) error {
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func sampleEvent(stage Stage) Event {
	id := uuid.New()
	return Event{
		RunID:    UUIDToBytes(id),
		TS:       time.Now(),
		Stage:    stage,
		Category: "n01440764",
		Label:    "tench",
	}
}

// TestHubStampsRunIDAndTimestamp checks defaults are applied to bare events.
func TestHubStampsRunIDAndTimestamp(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	runID := UUIDToBytes(uuid.New())
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   time.Minute,
		RunID:          runID,
		Now:            func() time.Time { return fixed },
	}, sink)
	hub.Emit(Event{Stage: StageCategoryStart, Category: "catA"})
	require.NoError(t, hub.Close(context.Background()))

	batches := sink.Batches()
	require.Len(t, batches, 1)
	require.Equal(t, runID, batches[0][0].RunID)
	require.Equal(t, fixed, batches[0][0].TS)
}

type blockingSink struct {
	stubSink
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *blockingSink) Consume(ctx context.Context, batch []Event) error {
	s.once.Do(func() {
		close(s.entered)
		<-s.release
	})
	return s.stubSink.Consume(ctx, batch)
}

// TestHubKeepsMilestonesUnderBackpressure fills the buffer while the sink is
// stuck: artifact events are dropped, category completions are not.
func TestHubKeepsMilestonesUnderBackpressure(t *testing.T) {
	t.Parallel()

	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	hub := NewHub(Config{BufferSize: 1, MaxBatchEvents: 1, MaxBatchWait: time.Minute}, sink)

	hub.Emit(sampleEvent(StageCategoryStart))
	<-sink.entered

	saved := sampleEvent(StageArtifactSaved)
	saved.Key = "a.jpg"
	hub.Emit(saved) // buffered
	hub.Emit(saved) // dropped
	done := sampleEvent(StageCategoryDone)
	done.Outcome = "done"
	hub.Emit(done) // overflow

	close(sink.release)
	require.NoError(t, hub.Close(context.Background()))

	var stages []Stage
	for _, b := range sink.Batches() {
		for _, evt := range b {
			stages = append(stages, evt.Stage)
		}
	}
	require.ElementsMatch(t, []Stage{StageCategoryStart, StageArtifactSaved, StageCategoryDone}, stages)
	require.Equal(t, Stats{Delivered: 3, Dropped: 1}, hub.Stats())
}

// TestHubTimerBoundsLatency checks a steady trickle still flushes on time
// instead of waiting for a full batch.
func TestHubTimerBoundsLatency(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{BufferSize: 16, MaxBatchEvents: 100, MaxBatchWait: 30 * time.Millisecond}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	stop := time.After(200 * time.Millisecond)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for emitting := true; emitting; {
		select {
		case <-ticker.C:
			hub.Emit(sampleEvent(StageCategoryStart))
		case <-stop:
			emitting = false
		}
	}
	require.GreaterOrEqual(t, len(sink.Batches()), 2)
}
