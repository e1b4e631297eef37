package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agencykit/siteaudit/internal/audit"
)

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	copy(out, s.batches)
	return out
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func sampleEvent(stage Stage) Event {
	evt := Event{
		AuditID: "audit-1",
		TS:      time.Now().UTC(),
		Stage:   stage,
	}
	switch stage {
	case StageStatusChange:
		evt.Status = audit.StatusCrawling
	case StagePageCrawled:
		evt.URL = "https://example.com/"
		evt.StatusClass = Status2xx
	case StageCheckDone:
		evt.Check = "title-tag"
		evt.CheckStatus = audit.CheckPassed
	}
	return evt
}

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

	hub.Emit(sampleEvent(StagePageCrawled))
	hub.Emit(sampleEvent(StagePageCrawled))
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

	hub.Emit(sampleEvent(StageStatusChange))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

// TestHubCloseDrainsAndClosesSinks verifies buffered events are flushed on shutdown.
func TestHubCloseDrainsAndClosesSinks(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     16,
		MaxBatchEvents: 100,
		MaxBatchWait:   time.Minute,
	}, sink)

	for i := 0; i < 5; i++ {
		hub.Emit(sampleEvent(StageCheckDone))
	}
	require.NoError(t, hub.Close(context.Background()))

	total := 0
	for _, batch := range sink.Batches() {
		total += len(batch)
	}
	require.Equal(t, 5, total)
	require.True(t, sink.Closed())

	// Emits after close are discarded, and Close is idempotent.
	hub.Emit(sampleEvent(StageCheckDone))
	require.NoError(t, hub.Close(context.Background()))
}

// TestHubDiscardsInvalidEvents verifies validation happens before buffering.
func TestHubDiscardsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{
		BufferSize:     4,
		MaxBatchEvents: 1,
		MaxBatchWait:   10 * time.Millisecond,
	}, sink)

	hub.Emit(Event{Stage: StagePageCrawled}) // no audit id
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		event   Event
		wantErr string
	}{
		{
			name:  "valid page event",
			event: sampleEvent(StagePageCrawled),
		},
		{
			name:    "missing audit id",
			event:   Event{TS: time.Now(), Stage: StageAuditDone},
			wantErr: "audit id is required",
		},
		{
			name:    "missing timestamp",
			event:   Event{AuditID: "a", Stage: StageAuditDone},
			wantErr: "timestamp is required",
		},
		{
			name:    "status change without status",
			event:   Event{AuditID: "a", TS: time.Now(), Stage: StageStatusChange},
			wantErr: "requires a status",
		},
		{
			name:    "check done without name",
			event:   Event{AuditID: "a", TS: time.Now(), Stage: StageCheckDone},
			wantErr: "requires a check name",
		},
		{
			name:    "unknown stage",
			event:   Event{AuditID: "a", TS: time.Now(), Stage: "BOGUS"},
			wantErr: "unknown stage",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := tc.event.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, Status2xx, ClassifyStatus(204))
	require.Equal(t, Status3xx, ClassifyStatus(301))
	require.Equal(t, Status4xx, ClassifyStatus(404))
	require.Equal(t, Status5xx, ClassifyStatus(503))
	require.Equal(t, StatusOther, ClassifyStatus(0))
}
