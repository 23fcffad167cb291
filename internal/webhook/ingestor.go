package webhook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/metrics"
)

// Reconciler applies a pushed status report to a unit.
type Reconciler interface {
	Reconcile(ctx context.Context, unitID string, instanceID string, report connection.Report, observedAt time.Time) (connection.View, bool, error)
}

// MessageForwarder hands an inbound message to the conversation collaborator.
type MessageForwarder interface {
	Forward(ctx context.Context, ev connection.InboundEvent) error
}

// InstanceResolver maps a provider instance handle to the unit owning it.
type InstanceResolver interface {
	GetByInstance(ctx context.Context, provider connection.Provider, instanceID string) (*connection.Record, error)
}

type IngestorOptions struct {
	Workers     int
	QueueSize   int
	DedupWindow time.Duration
	// ProcessTimeout bounds the handling of one event.
	ProcessTimeout time.Duration
	// MaxAttempts bounds how often a failing event is handled. Providers
	// got their 200 already and will not redeliver, so retries are ours.
	MaxAttempts int
	// RetryBackoff is multiplied by the attempt number between attempts.
	RetryBackoff time.Duration
	Now          func() time.Time
}

type queued struct {
	ev      connection.InboundEvent
	attempt int
}

// Ingestor resolves, deduplicates and routes provider events. Submit never
// blocks the webhook response on a full queue: the event is processed
// inline instead so nothing is dropped.
type Ingestor struct {
	resolver   InstanceResolver
	reconciler Reconciler
	forwarder  MessageForwarder
	store      Store
	opts       IngestorOptions

	queue    chan queued
	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	retries  sync.WaitGroup
	outcomes sync.Map
}

func NewIngestor(resolver InstanceResolver, reconciler Reconciler, forwarder MessageForwarder, store Store, opts IngestorOptions) *Ingestor {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1000
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 24 * time.Hour
	}
	if opts.ProcessTimeout <= 0 {
		opts.ProcessTimeout = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if store == nil {
		store = NewMemoryStore()
	}

	in := &Ingestor{
		resolver:   resolver,
		reconciler: reconciler,
		forwarder:  forwarder,
		store:      store,
		opts:       opts,
		queue:      make(chan queued, opts.QueueSize),
	}
	for i := 0; i < opts.Workers; i++ {
		in.wg.Add(1)
		go in.worker()
	}
	return in
}

func (in *Ingestor) worker() {
	defer in.wg.Done()
	for item := range in.queue {
		in.handle(context.Background(), item)
	}
}

// Submit stamps the receive time and queues the event.
func (in *Ingestor) Submit(ev connection.InboundEvent) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = in.opts.Now()
	}
	in.enqueue(queued{ev: ev, attempt: 1})
}

func (in *Ingestor) enqueue(item queued) {
	in.mu.RLock()
	if in.closed {
		in.mu.RUnlock()
		in.handle(context.Background(), item)
		return
	}
	select {
	case in.queue <- item:
		in.mu.RUnlock()
		return
	default:
	}
	in.mu.RUnlock()

	log.WebhookOp(string(item.ev.Provider), item.ev.InstanceID, item.ev.ProviderEventID).Warn("Webhook queue full, processing inline")
	in.handle(context.Background(), item)
}

// retryLater requeues a failed event after a backoff growing with the
// attempt number. It returns false once the ingestor is shut down.
func (in *Ingestor) retryLater(item queued) bool {
	in.mu.RLock()
	defer in.mu.RUnlock()
	if in.closed {
		return false
	}
	in.retries.Add(1)
	time.AfterFunc(in.opts.RetryBackoff*time.Duration(item.attempt), func() {
		defer in.retries.Done()
		item.attempt++
		in.enqueue(item)
	})
	return true
}

// Shutdown stops accepting queued work and waits for the workers and any
// scheduled retries to drain. Retries firing afterwards run inline.
func (in *Ingestor) Shutdown() {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return
	}
	in.closed = true
	close(in.queue)
	in.mu.Unlock()
	in.wg.Wait()
	in.retries.Wait()
}

// Process handles one event synchronously and reports what happened to it.
// A failed attempt is requeued in the background and reported as retried.
func (in *Ingestor) Process(ctx context.Context, ev connection.InboundEvent) Outcome {
	return in.handle(ctx, queued{ev: ev, attempt: 1})
}

func (in *Ingestor) handle(ctx context.Context, item queued) Outcome {
	ctx, cancel := context.WithTimeout(ctx, in.opts.ProcessTimeout)
	defer cancel()

	if item.ev.ReceivedAt.IsZero() {
		item.ev.ReceivedAt = in.opts.Now()
	}
	outcome := in.process(ctx, &item.ev, item.attempt)
	in.count(item.ev, outcome)
	return outcome
}

func (in *Ingestor) process(ctx context.Context, ev *connection.InboundEvent, attempt int) Outcome {
	entry := log.WebhookOp(string(ev.Provider), ev.InstanceID, ev.ProviderEventID)

	if ev.InstanceID == "" {
		entry.Warn("Dropping provider event without instance id")
		return OutcomeInvalid
	}
	switch {
	case ev.Type == connection.EventStatusChange && ev.Status == nil,
		ev.Type == connection.EventMessage && ev.Message == nil,
		ev.Type != connection.EventStatusChange && ev.Type != connection.EventMessage:
		entry.WithField("type", ev.Type).Warn("Dropping malformed provider event")
		return OutcomeInvalid
	}

	rec, err := in.resolver.GetByInstance(ctx, ev.Provider, ev.InstanceID)
	if errors.Is(err, connection.ErrUnknownTenant) {
		entry.Warn("Dropping event for unknown instance")
		return OutcomeUnknownInstance
	}
	if err != nil {
		entry.WithError(err).Error("Failed to resolve instance")
		return in.fail(ctx, entry, *ev, attempt, "")
	}
	ev.UnitID = rec.UnitID
	entry = entry.WithField("unit_id", rec.UnitID)

	key := ev.DedupKey()
	// A retry still owns the key its first attempt marked.
	if key != "" && attempt == 1 {
		first, err := in.store.MarkSeen(ctx, key, ev.ReceivedAt, ev.ReceivedAt.Add(-in.opts.DedupWindow))
		switch {
		case err != nil:
			// Delivery is at least once, a broken dedup store must not drop events.
			entry.WithError(err).Warn("Dedup store unavailable, processing without dedup")
		case !first:
			entry.Debug("Dropping duplicate provider event")
			return OutcomeDuplicate
		}
	}

	var outcome Outcome
	switch ev.Type {
	case connection.EventStatusChange:
		outcome, err = in.applyStatus(ctx, ev)
	case connection.EventMessage:
		outcome, err = OutcomeForwarded, in.forwarder.Forward(ctx, *ev)
	}
	if err != nil {
		entry.WithError(err).Warn("Failed to process provider event")
		return in.fail(ctx, entry, *ev, attempt, key)
	}
	return outcome
}

// fail requeues ev while attempts remain. The last failure releases the
// dedup key so a redelivery of the same event is not taken for a duplicate.
func (in *Ingestor) fail(ctx context.Context, entry *logrus.Entry, ev connection.InboundEvent, attempt int, key string) Outcome {
	if attempt < in.opts.MaxAttempts && in.retryLater(queued{ev: ev, attempt: attempt}) {
		entry.WithField("attempt", attempt).Info("Provider event requeued")
		return OutcomeRetried
	}
	entry.WithField("attempt", attempt).Error("Giving up on provider event")
	if key != "" {
		if ferr := in.store.Forget(context.WithoutCancel(ctx), key); ferr != nil {
			entry.WithError(ferr).Warn("Failed to release dedup key")
		}
	}
	return OutcomeFailed
}

func (in *Ingestor) applyStatus(ctx context.Context, ev *connection.InboundEvent) (Outcome, error) {
	_, applied, err := in.reconciler.Reconcile(ctx, ev.UnitID, ev.InstanceID, *ev.Status, ev.ReceivedAt)
	if err != nil {
		return OutcomeFailed, err
	}
	if !applied {
		return OutcomeIgnored, nil
	}
	return OutcomeApplied, nil
}

func (in *Ingestor) count(ev connection.InboundEvent, outcome Outcome) {
	metrics.WebhookEvents.WithLabelValues(string(ev.Provider), string(ev.Type), string(outcome)).Inc()
	v, _ := in.outcomes.LoadOrStore(outcome, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

// PruneSeen drops dedup entries older than the window.
func (in *Ingestor) PruneSeen(ctx context.Context) (int64, error) {
	return in.store.Prune(ctx, in.opts.Now().Add(-in.opts.DedupWindow))
}

func (in *Ingestor) Stats(ctx context.Context) (Stats, error) {
	out := Stats{Outcomes: make(map[Outcome]int64), QueueDepth: len(in.queue)}
	in.outcomes.Range(func(k, v interface{}) bool {
		out.Outcomes[k.(Outcome)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	deliveries, seen, err := in.store.DeliveryCounts(ctx)
	if err != nil {
		return out, err
	}
	out.Deliveries = deliveries
	out.SeenEvents = seen
	return out, nil
}
