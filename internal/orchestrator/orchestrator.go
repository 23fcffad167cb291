package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	"github.com/gdbrns/go-whatsapp-unit-connections/internal/provider"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/metrics"
)

const (
	defaultProviderCallTimeout = 8 * time.Second
	defaultLockWaitTimeout     = 20 * time.Second
	// An unchanged report only rewrites the record to refresh its sync stamp this often.
	syncStampInterval = 30 * time.Second
)

type Options struct {
	// ProviderCallTimeout bounds every single adapter call.
	ProviderCallTimeout time.Duration
	// LockWaitTimeout bounds how long an operation waits for another one
	// in flight on the same unit. Connect never waits for another Connect.
	LockWaitTimeout time.Duration
	Now             func() time.Time
}

// ConnectResult is the view after Connect plus whether a provider session was newly created.
type ConnectResult struct {
	View    connection.View
	Created bool
}

// Orchestrator owns the connection state machine of every unit.
type Orchestrator struct {
	store    connection.Store
	registry *provider.Registry
	locks    *unitLocks
	status   singleflight.Group
	opts     Options
}

func New(store connection.Store, registry *provider.Registry, opts Options) *Orchestrator {
	if opts.ProviderCallTimeout <= 0 {
		opts.ProviderCallTimeout = defaultProviderCallTimeout
	}
	if opts.LockWaitTimeout <= 0 {
		opts.LockWaitTimeout = defaultLockWaitTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{
		store:    store,
		registry: registry,
		locks:    newUnitLocks(),
		opts:     opts,
	}
}

// providerCtx detaches a provider call from the caller: an aborted request
// must not tear down a call whose outcome is about to be persisted.
func (o *Orchestrator) providerCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), o.opts.ProviderCallTimeout)
}

func (o *Orchestrator) lockUnit(ctx context.Context, unitID string, op string) (func(), error) {
	release, err := o.locks.acquire(context.WithoutCancel(ctx), unitID, o.opts.LockWaitTimeout)
	if err != nil {
		metrics.ConflictingOperations.Inc()
		return nil, &connection.Error{Kind: connection.KindConflictingOperation, Op: op, Err: err}
	}
	return release, nil
}

// Connect binds the unit to provider p and starts pairing. A second
// Connect for the same unit while one is in flight is rejected.
func (o *Orchestrator) Connect(ctx context.Context, unitID string, p connection.Provider, cfg connection.Config) (ConnectResult, error) {
	// A status poll or webhook holding the unit is waited for, another
	// Connect is not.
	release, err := o.locks.acquireExclusive(context.WithoutCancel(ctx), unitID, "connect", o.opts.LockWaitTimeout)
	if err != nil {
		metrics.ConflictingOperations.Inc()
		res := ConnectResult{}
		if rec, gerr := o.store.Get(ctx, unitID); gerr == nil {
			res.View = rec.View()
		}
		return res, &connection.Error{Kind: connection.KindConflictingOperation, Op: "connect", Err: fmt.Errorf("unit %s: %w", unitID, err)}
	}
	defer release()

	entry := log.ConnectionOp(unitID, string(p), "connect")

	adapter, err := o.registry.Adapter(p)
	if err != nil {
		return ConnectResult{}, err
	}
	if err := adapter.ValidateConfig(cfg); err != nil {
		return ConnectResult{}, err
	}

	rec, err := o.store.Get(ctx, unitID)
	switch {
	case errors.Is(err, connection.ErrUnknownTenant):
		rec = connection.NewRecord(unitID, o.opts.Now())
	case err != nil:
		return ConnectResult{}, err
	}
	from := rec.Status
	previous := rec.Clone()

	if rec.Provider != "" && rec.Provider != p {
		if err := o.teardownPrevious(ctx, rec); err != nil {
			entry.WithError(err).Warn("Refusing provider switch, previous session could not be terminated")
			return ConnectResult{View: previous.View()}, err
		}
		// The old session is gone; the record must say so before the new
		// provider is tried, or a failed creation would leave it pointing
		// at a dead session.
		rec.ClearSession()
		rec.SetStatus(connection.StatusDisconnected)
		rec.UpdatedAt = o.opts.Now()
		if err := o.persist(ctx, rec, from); err != nil {
			return ConnectResult{View: rec.View()}, err
		}
		from = rec.Status
		previous = rec.Clone()
	}
	rec.Provider = p
	rec.ProviderConfig = cfg.Clone()

	pctx, cancel := o.providerCtx(ctx)
	session, err := adapter.CreateSession(pctx, provider.SessionRequest{UnitID: unitID, InstanceID: rec.InstanceID, Config: cfg})
	cancel()
	if err != nil {
		if connection.KindOf(err) == connection.KindInvalidConfig {
			rec.Fail(err.Error())
			rec.UpdatedAt = o.opts.Now()
			o.persist(ctx, rec, from)
			return ConnectResult{View: rec.View()}, err
		}
		entry.WithError(err).Warn("Failed to create provider session")
		return ConnectResult{View: previous.View()}, err
	}

	created := session.Created || rec.InstanceID == ""
	rec.InstanceID = session.InstanceID
	rec.SetStatus(connection.StatusConnecting)
	rec.UpdatedAt = o.opts.Now()
	if err := o.persist(ctx, rec, from); err != nil {
		return ConnectResult{View: rec.View(), Created: created}, err
	}
	from = rec.Status

	pctx, cancel = o.providerCtx(ctx)
	pairing, err := adapter.RequestPairing(pctx, cfg, rec.InstanceID)
	cancel()
	now := o.opts.Now()
	switch {
	case err == nil && pairing.AlreadyConnected:
		rec.SetStatus(connection.StatusConnected)
		rec.Phone = pairing.Phone
		rec.Synced(now)
	case err == nil:
		rec.SetPairing(pairing.Artifact, pairing.ExpiresIn, now)
		rec.Synced(now)
	case connection.KindOf(err) == connection.KindInvalidConfig:
		rec.Fail(err.Error())
		rec.UpdatedAt = now
	case session.Report.Status == connection.StatusConnected:
		// Pairing is moot for a session the provider already reported open.
		entry.WithError(err).Info("Pairing request failed on an open session")
		rec.Apply(session.Report, now)
		rec.Synced(now)
		err = nil
	default:
		// Session exists but no artifact yet. The caller polls GetStatus.
		entry.WithError(err).Warn("Failed to request pairing artifact")
		return ConnectResult{View: rec.View(), Created: created}, err
	}

	if perr := o.persist(ctx, rec, from); perr != nil {
		return ConnectResult{View: rec.View(), Created: created}, perr
	}
	entry.WithField("instance_id", rec.InstanceID).WithField("status", rec.Status).Info("Connect finished")
	return ConnectResult{View: rec.View(), Created: created}, err
}

func (o *Orchestrator) teardownPrevious(ctx context.Context, rec *connection.Record) error {
	if rec.InstanceID == "" {
		return nil
	}
	old, err := o.registry.Adapter(rec.Provider)
	if err != nil {
		// The old provider is no longer enabled, there is nothing we can call.
		log.ConnectionOp(rec.UnitID, string(rec.Provider), "connect").WithError(err).Warn("Dropping session of a disabled provider")
		return nil
	}
	pctx, cancel := o.providerCtx(ctx)
	defer cancel()
	return old.Terminate(pctx, rec.ProviderConfig, rec.InstanceID)
}

// persist saves rec and records the status transition. A stale write means
// a newer reconciliation already landed; the newer record is kept.
func (o *Orchestrator) persist(ctx context.Context, rec *connection.Record, from connection.Status) error {
	err := o.store.Save(ctx, rec)
	if errors.Is(err, connection.ErrStaleWrite) {
		if stored, getErr := o.store.Get(ctx, rec.UnitID); getErr == nil {
			*rec = *stored
		}
		return nil
	}
	if err != nil {
		log.ConnectionOp(rec.UnitID, string(rec.Provider), "persist").WithError(err).Error("Failed to save connection record")
		return err
	}
	if from != rec.Status {
		metrics.Transitions.WithLabelValues(string(rec.Provider), string(from), string(rec.Status)).Inc()
	}
	return nil
}

type statusResult struct {
	view connection.View
	err  error
}

// GetStatus reconciles the unit against its provider. When the provider
// cannot be reached the stored view is returned flagged stale, unless the
// record was never synced.
func (o *Orchestrator) GetStatus(ctx context.Context, unitID string) (connection.View, error) {
	v, _, _ := o.status.Do(unitID, func() (interface{}, error) {
		view, err := o.getStatus(context.WithoutCancel(ctx), unitID)
		return statusResult{view: view, err: err}, nil
	})
	res := v.(statusResult)
	return res.view, res.err
}

func (o *Orchestrator) getStatus(ctx context.Context, unitID string) (connection.View, error) {
	rec, err := o.store.Get(ctx, unitID)
	if err != nil {
		return connection.View{}, err
	}
	if rec.Provider == "" || rec.InstanceID == "" {
		return rec.View(), nil
	}

	release, err := o.lockUnit(ctx, unitID, "get_status")
	if err != nil {
		return rec.StaleView("another operation is in progress"), nil
	}
	defer release()

	if rec, err = o.store.Get(ctx, unitID); err != nil {
		return connection.View{}, err
	}
	if rec.Provider == "" || rec.InstanceID == "" {
		return rec.View(), nil
	}
	adapter, err := o.registry.Adapter(rec.Provider)
	if err != nil {
		return rec.StaleView("provider is not enabled"), nil
	}

	observedAt := o.opts.Now()
	pctx, cancel := o.providerCtx(ctx)
	report, err := adapter.FetchStatus(pctx, rec.ProviderConfig, rec.InstanceID)
	cancel()
	if err != nil {
		entry := log.ConnectionOp(unitID, string(rec.Provider), "get_status").WithError(err)
		if connection.KindOf(err) == connection.KindInvalidConfig {
			entry.Warn("Provider rejected credentials")
			from := rec.Status
			rec.Fail(err.Error())
			rec.UpdatedAt = observedAt
			if perr := o.persist(ctx, rec, from); perr != nil {
				return rec.StaleView(perr.Error()), nil
			}
			return rec.View(), nil
		}
		entry.Warn("Provider unreachable, serving stored status")
		if rec.LastSyncedAt == nil {
			return rec.StaleView(err.Error()), connection.Wrap(connection.KindProviderUnavailable, "get_status", err)
		}
		return rec.StaleView(err.Error()), nil
	}

	if report.Status == connection.StatusConnecting && report.PairingArtifact == "" &&
		(rec.PairingArtifact == "" || rec.PairingExpired(observedAt)) {
		report = o.refreshPairing(ctx, adapter, rec, report)
	}
	return o.reconcileLocked(ctx, rec, report, observedAt)
}

// refreshPairing asks for a new artifact when the provider reports a
// pending pairing but the stored artifact is missing or expired. On failure
// the report is returned unchanged and the expired artifact gets dropped.
func (o *Orchestrator) refreshPairing(ctx context.Context, adapter provider.Adapter, rec *connection.Record, report connection.Report) connection.Report {
	pctx, cancel := o.providerCtx(ctx)
	pairing, err := adapter.RequestPairing(pctx, rec.ProviderConfig, rec.InstanceID)
	cancel()
	switch {
	case err != nil:
		log.ConnectionOp(rec.UnitID, string(rec.Provider), "get_status").WithError(err).Warn("Failed to refresh pairing artifact")
	case pairing.AlreadyConnected:
		return connection.Report{Status: connection.StatusConnected, Phone: pairing.Phone}
	case pairing.Artifact != "":
		report.PairingArtifact = pairing.Artifact
		report.ArtifactTTL = pairing.ExpiresIn
	}
	return report
}

// reconcileLocked is the single place a provider report is merged into a
// record. The caller holds the unit lock.
func (o *Orchestrator) reconcileLocked(ctx context.Context, rec *connection.Record, report connection.Report, observedAt time.Time) (connection.View, error) {
	from := rec.Status
	stampDue := rec.LastSyncedAt == nil || observedAt.Sub(*rec.LastSyncedAt) >= syncStampInterval
	changed := rec.Apply(report, observedAt)
	if !changed && !stampDue {
		return rec.View(), nil
	}
	rec.Synced(observedAt)
	if err := o.persist(ctx, rec, from); err != nil {
		return rec.StaleView(err.Error()), err
	}
	if changed {
		log.ConnectionOp(rec.UnitID, string(rec.Provider), "reconcile").
			WithField("from", from).
			WithField("to", rec.Status).
			WithField("phone", log.MaskPhone(rec.Phone)).
			Info("Connection status reconciled")
	}
	return rec.View(), nil
}

// Reconcile applies a pushed provider report. Reports for an instance the
// unit no longer owns, or older than the last sync, are dropped and
// reported as not applied.
func (o *Orchestrator) Reconcile(ctx context.Context, unitID string, instanceID string, report connection.Report, observedAt time.Time) (connection.View, bool, error) {
	release, err := o.lockUnit(ctx, unitID, "reconcile")
	if err != nil {
		return connection.View{}, false, err
	}
	defer release()

	rec, err := o.store.Get(ctx, unitID)
	if err != nil {
		return connection.View{}, false, err
	}
	if instanceID == "" || rec.InstanceID != instanceID {
		return rec.View(), false, nil
	}
	if rec.NewerThan(observedAt) {
		return rec.View(), false, nil
	}
	view, err := o.reconcileLocked(ctx, rec, report, observedAt)
	return view, err == nil, err
}

// Disconnect tears the session down on a best effort basis and always
// leaves the record disconnected. Provider and credentials are kept so
// the unit can reconnect.
func (o *Orchestrator) Disconnect(ctx context.Context, unitID string) (connection.View, error) {
	release, err := o.lockUnit(ctx, unitID, "disconnect")
	if err != nil {
		return connection.View{}, err
	}
	defer release()

	rec, err := o.store.Get(ctx, unitID)
	if errors.Is(err, connection.ErrUnknownTenant) {
		return connection.NewRecord(unitID, o.opts.Now()).View(), nil
	}
	if err != nil {
		return connection.View{}, err
	}
	if rec.Status == connection.StatusDisconnected && rec.InstanceID == "" {
		return rec.View(), nil
	}

	if rec.InstanceID != "" {
		if adapter, aerr := o.registry.Adapter(rec.Provider); aerr == nil {
			pctx, cancel := o.providerCtx(ctx)
			terr := adapter.Terminate(pctx, rec.ProviderConfig, rec.InstanceID)
			cancel()
			if terr != nil {
				log.ConnectionOp(unitID, string(rec.Provider), "disconnect").WithError(terr).Warn("Failed to terminate provider session, resetting record anyway")
			}
		}
	}

	from := rec.Status
	for attempt := 0; attempt < 2; attempt++ {
		rec.ClearSession()
		rec.SetStatus(connection.StatusDisconnected)
		rec.Synced(o.opts.Now())
		err = o.store.Save(ctx, rec)
		if !errors.Is(err, connection.ErrStaleWrite) {
			break
		}
		stored, getErr := o.store.Get(ctx, unitID)
		if getErr != nil {
			return rec.View(), getErr
		}
		rec = stored
	}
	if err != nil {
		return rec.View(), err
	}
	if from != connection.StatusDisconnected {
		metrics.Transitions.WithLabelValues(string(rec.Provider), string(from), string(connection.StatusDisconnected)).Inc()
	}
	log.ConnectionOp(unitID, string(rec.Provider), "disconnect").Info("Unit disconnected")
	return rec.View(), nil
}

// Send delivers a text through the unit's provider. It never calls the
// provider unless the stored status is connected.
func (o *Orchestrator) Send(ctx context.Context, unitID string, destination string, text string) (provider.Ack, error) {
	rec, err := o.store.Get(ctx, unitID)
	if errors.Is(err, connection.ErrUnknownTenant) {
		return provider.Ack{}, connection.Errorf(connection.KindNotConnected, "send", "unit %s has no connection", unitID)
	}
	if err != nil {
		return provider.Ack{}, err
	}
	if rec.Status != connection.StatusConnected || rec.InstanceID == "" {
		return provider.Ack{}, connection.Errorf(connection.KindNotConnected, "send", "unit %s is %s", unitID, rec.Status)
	}

	adapter, err := o.registry.Adapter(rec.Provider)
	if err != nil {
		return provider.Ack{}, err
	}
	pctx, cancel := o.providerCtx(ctx)
	defer cancel()
	ack, err := adapter.SendMessage(pctx, rec.ProviderConfig, rec.InstanceID, destination, text)
	if err != nil {
		log.ConnectionOp(unitID, string(rec.Provider), "send").
			WithField("destination", log.MaskPhone(destination)).
			WithError(err).Warn("Failed to send message")
		return provider.Ack{}, err
	}
	return ack, nil
}

// Cached returns the stored view without touching the provider or the unit lock.
func (o *Orchestrator) Cached(ctx context.Context, unitID string) (connection.View, error) {
	rec, err := o.store.Get(ctx, unitID)
	if err != nil {
		return connection.View{}, err
	}
	return rec.View(), nil
}

// List returns every stored record, for the admin surface.
func (o *Orchestrator) List(ctx context.Context) ([]connection.View, map[connection.Status]int, error) {
	records, err := o.store.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	views := make([]connection.View, 0, len(records))
	for _, r := range records {
		views = append(views, r.View())
	}
	return views, connection.Stats(records), nil
}
