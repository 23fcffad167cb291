package webhook

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
)

func init() {
	log.SetOutput(io.Discard)
}

type mockReconciler struct {
	mock.Mock
}

func (m *mockReconciler) Reconcile(ctx context.Context, unitID string, instanceID string, report connection.Report, observedAt time.Time) (connection.View, bool, error) {
	args := m.Called(ctx, unitID, instanceID, report, observedAt)
	return args.Get(0).(connection.View), args.Bool(1), args.Error(2)
}

type recordingForwarder struct {
	mu     sync.Mutex
	events []connection.InboundEvent
	err    error
	// fails, when positive, is how many more calls return err.
	fails int
}

func (f *recordingForwarder) Forward(_ context.Context, ev connection.InboundEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	if f.fails > 0 {
		f.fails--
		if f.fails == 0 {
			defer func() { f.err = nil }()
		}
	}
	return f.err
}

func (f *recordingForwarder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

var received = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seededStore(t *testing.T) *connection.MemoryStore {
	t.Helper()
	store := connection.NewMemoryStore()
	rec := connection.NewRecord("U1", received.Add(-time.Hour))
	rec.Provider = connection.ProviderEvolution
	rec.InstanceID = "unit-u1"
	rec.SetStatus(connection.StatusConnecting)
	require.NoError(t, store.Save(context.Background(), rec))
	return store
}

func newTestIngestor(t *testing.T, rec Reconciler, fwd MessageForwarder, tweaks ...func(*IngestorOptions)) *Ingestor {
	t.Helper()
	opts := IngestorOptions{
		Workers:      1,
		QueueSize:    4,
		DedupWindow:  time.Hour,
		MaxAttempts:  1,
		RetryBackoff: 5 * time.Millisecond,
		Now:          func() time.Time { return received },
	}
	for _, tweak := range tweaks {
		tweak(&opts)
	}
	in := NewIngestor(seededStore(t), rec, fwd, NewMemoryStore(), opts)
	t.Cleanup(in.Shutdown)
	return in
}

func withAttempts(n int) func(*IngestorOptions) {
	return func(o *IngestorOptions) { o.MaxAttempts = n }
}

func outcomeCount(t *testing.T, in *Ingestor, outcome Outcome) int64 {
	t.Helper()
	stats, err := in.Stats(context.Background())
	require.NoError(t, err)
	return stats.Outcomes[outcome]
}

func statusEvent(id string) connection.InboundEvent {
	return connection.InboundEvent{
		Provider:        connection.ProviderEvolution,
		InstanceID:      "unit-u1",
		Type:            connection.EventStatusChange,
		ProviderEventID: id,
		Status:          &connection.Report{Status: connection.StatusConnected, Phone: "5511999990000"},
	}
}

func messageEvent(id string) connection.InboundEvent {
	return connection.InboundEvent{
		Provider:        connection.ProviderEvolution,
		InstanceID:      "unit-u1",
		Type:            connection.EventMessage,
		ProviderEventID: id,
		Message:         &connection.InboundMessage{MessageID: id, From: "5511988887777", Text: "hi", Kind: "text"},
	}
}

func TestProcessStatusChangeReconciles(t *testing.T) {
	rec := new(mockReconciler)
	rec.On("Reconcile", mock.Anything, "U1", "unit-u1", connection.Report{Status: connection.StatusConnected, Phone: "5511999990000"}, received).
		Return(connection.View{UnitID: "U1", Status: connection.StatusConnected}, true, nil).Once()

	in := newTestIngestor(t, rec, &recordingForwarder{})
	assert.Equal(t, OutcomeApplied, in.Process(context.Background(), statusEvent("e1")))
	rec.AssertExpectations(t)
}

func TestProcessDropsDuplicates(t *testing.T) {
	rec := new(mockReconciler)
	rec.On("Reconcile", mock.Anything, "U1", "unit-u1", mock.Anything, mock.Anything).
		Return(connection.View{}, true, nil).Once()

	in := newTestIngestor(t, rec, &recordingForwarder{})
	assert.Equal(t, OutcomeApplied, in.Process(context.Background(), statusEvent("e1")))
	assert.Equal(t, OutcomeDuplicate, in.Process(context.Background(), statusEvent("e1")))
	rec.AssertNumberOfCalls(t, "Reconcile", 1)
}

func TestProcessWithoutEventIDIsNotDeduplicated(t *testing.T) {
	fwd := &recordingForwarder{}
	in := newTestIngestor(t, new(mockReconciler), fwd)

	assert.Equal(t, OutcomeForwarded, in.Process(context.Background(), messageEvent("")))
	assert.Equal(t, OutcomeForwarded, in.Process(context.Background(), messageEvent("")))
	assert.Equal(t, 2, fwd.count())
}

func TestProcessUnknownInstanceIsDropped(t *testing.T) {
	rec := new(mockReconciler)
	fwd := &recordingForwarder{}
	in := newTestIngestor(t, rec, fwd)

	ev := statusEvent("e1")
	ev.InstanceID = "someone-else"
	assert.Equal(t, OutcomeUnknownInstance, in.Process(context.Background(), ev))

	msg := messageEvent("m1")
	msg.InstanceID = "someone-else"
	assert.Equal(t, OutcomeUnknownInstance, in.Process(context.Background(), msg))

	rec.AssertNotCalled(t, "Reconcile", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Zero(t, fwd.count())
}

func TestProcessForwardsMessagesWithResolvedUnit(t *testing.T) {
	fwd := &recordingForwarder{}
	in := newTestIngestor(t, new(mockReconciler), fwd)

	assert.Equal(t, OutcomeForwarded, in.Process(context.Background(), messageEvent("m1")))
	require.Equal(t, 1, fwd.count())
	assert.Equal(t, "U1", fwd.events[0].UnitID)
	assert.Equal(t, received, fwd.events[0].ReceivedAt)
}

func TestProcessFailureReleasesDedupKey(t *testing.T) {
	fwd := &recordingForwarder{err: errors.New("collaborator down")}
	in := newTestIngestor(t, new(mockReconciler), fwd)

	assert.Equal(t, OutcomeFailed, in.Process(context.Background(), messageEvent("m1")))
	fwd.err = nil
	assert.Equal(t, OutcomeForwarded, in.Process(context.Background(), messageEvent("m1")))
}

func TestProcessRequeuesStatusChangeUntilApplied(t *testing.T) {
	rec := new(mockReconciler)
	busy := &connection.Error{Kind: connection.KindConflictingOperation, Op: "reconcile"}
	rec.On("Reconcile", mock.Anything, "U1", "unit-u1", mock.Anything, received).
		Return(connection.View{}, false, busy).Once()
	rec.On("Reconcile", mock.Anything, "U1", "unit-u1", mock.Anything, received).
		Return(connection.View{UnitID: "U1", Status: connection.StatusConnected}, true, nil).Once()

	in := newTestIngestor(t, rec, &recordingForwarder{}, withAttempts(3))
	assert.Equal(t, OutcomeRetried, in.Process(context.Background(), statusEvent("e1")))

	require.Eventually(t, func() bool { return outcomeCount(t, in, OutcomeApplied) == 1 }, time.Second, 5*time.Millisecond)
	rec.AssertExpectations(t)

	// The key marked by the first attempt still guards against redelivery.
	assert.Equal(t, OutcomeDuplicate, in.Process(context.Background(), statusEvent("e1")))
}

func TestProcessGivesUpAfterMaxAttempts(t *testing.T) {
	fwd := &recordingForwarder{err: errors.New("collaborator down")}
	in := newTestIngestor(t, new(mockReconciler), fwd, withAttempts(3))

	assert.Equal(t, OutcomeRetried, in.Process(context.Background(), messageEvent("m1")))
	require.Eventually(t, func() bool { return outcomeCount(t, in, OutcomeFailed) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, fwd.count())
	assert.Equal(t, int64(2), outcomeCount(t, in, OutcomeRetried))
}

func TestShutdownWaitsForScheduledRetries(t *testing.T) {
	fwd := &recordingForwarder{err: errors.New("collaborator down"), fails: 1}
	in := newTestIngestor(t, new(mockReconciler), fwd, withAttempts(2), func(o *IngestorOptions) {
		o.RetryBackoff = 30 * time.Millisecond
	})

	in.Submit(messageEvent("m1"))
	require.Eventually(t, func() bool { return outcomeCount(t, in, OutcomeRetried) == 1 }, time.Second, 5*time.Millisecond)

	in.Shutdown()
	assert.Equal(t, 2, fwd.count())
	assert.Equal(t, int64(1), outcomeCount(t, in, OutcomeForwarded))
}

func TestProcessIgnoredReport(t *testing.T) {
	rec := new(mockReconciler)
	rec.On("Reconcile", mock.Anything, "U1", "unit-u1", mock.Anything, mock.Anything).
		Return(connection.View{}, false, nil).Once()

	in := newTestIngestor(t, rec, &recordingForwarder{})
	assert.Equal(t, OutcomeIgnored, in.Process(context.Background(), statusEvent("e1")))
}

func TestProcessRejectsMalformedEvents(t *testing.T) {
	in := newTestIngestor(t, new(mockReconciler), &recordingForwarder{})

	noInstance := statusEvent("e1")
	noInstance.InstanceID = ""
	assert.Equal(t, OutcomeInvalid, in.Process(context.Background(), noInstance))

	noReport := statusEvent("e2")
	noReport.Status = nil
	assert.Equal(t, OutcomeInvalid, in.Process(context.Background(), noReport))
}

func TestSubmitProcessesAsynchronously(t *testing.T) {
	fwd := &recordingForwarder{}
	in := newTestIngestor(t, new(mockReconciler), fwd)

	for i := 0; i < 10; i++ {
		in.Submit(messageEvent(""))
	}
	require.Eventually(t, func() bool { return fwd.count() == 10 }, time.Second, 5*time.Millisecond)

	stats, err := in.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Outcomes[OutcomeForwarded])
}

func TestSubmitAfterShutdownRunsInline(t *testing.T) {
	fwd := &recordingForwarder{}
	in := newTestIngestor(t, new(mockReconciler), fwd)
	in.Shutdown()

	in.Submit(messageEvent("m1"))
	assert.Equal(t, 1, fwd.count())
}

func TestPruneSeenHonoursWindow(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	first, err := store.MarkSeen(ctx, "k-old", received.Add(-2*time.Hour), received.Add(-3*time.Hour))
	require.NoError(t, err)
	require.True(t, first)
	_, err = store.MarkSeen(ctx, "k-new", received, received.Add(-time.Hour))
	require.NoError(t, err)

	again, err := store.MarkSeen(ctx, "k-old", received, received.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, again, "a sighting older than the window is not a duplicate")

	n, err := store.Prune(ctx, received.Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = store.Prune(ctx, received.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
