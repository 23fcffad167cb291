package orchestrator

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	"github.com/gdbrns/go-whatsapp-unit-connections/internal/provider"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/log"
)

func init() {
	log.SetOutput(io.Discard)
}

type fakeAdapter struct {
	name connection.Provider

	mu          sync.Mutex
	report      connection.Report
	statusErr   error
	createErr   error
	pairErr     error
	terminateEr error
	pairing     provider.Pairing
	// session is the report CreateSession returns with the instance.
	session connection.Report
	// createGate and fetchGate, when set, block the call until closed.
	createGate chan struct{}
	fetchGate  chan struct{}

	creates    int32
	terminates int32
	sends      int32
	fetches    int32
	pairings   int32
}

func newFakeAdapter(name connection.Provider) *fakeAdapter {
	return &fakeAdapter{
		name:    name,
		report:  connection.Report{Status: connection.StatusConnecting, PairingArtifact: "qr-1"},
		pairing: provider.Pairing{Artifact: "qr-1"},
	}
}

func (f *fakeAdapter) Name() connection.Provider { return f.name }

func (f *fakeAdapter) ValidateConfig(cfg connection.Config) error {
	if cfg.Get("api_key") == "" {
		return connection.Errorf(connection.KindInvalidConfig, "validate", "api_key is required")
	}
	return nil
}

func (f *fakeAdapter) CreateSession(ctx context.Context, req provider.SessionRequest) (provider.Session, error) {
	atomic.AddInt32(&f.creates, 1)
	if f.createGate != nil {
		<-f.createGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return provider.Session{}, f.createErr
	}
	if req.InstanceID != "" {
		return provider.Session{InstanceID: req.InstanceID, Report: f.session}, nil
	}
	return provider.Session{InstanceID: string(f.name) + "-" + req.UnitID, Created: true, Report: f.session}, nil
}

func (f *fakeAdapter) RequestPairing(ctx context.Context, cfg connection.Config, instanceID string) (provider.Pairing, error) {
	atomic.AddInt32(&f.pairings, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pairing, f.pairErr
}

func (f *fakeAdapter) FetchStatus(ctx context.Context, cfg connection.Config, instanceID string) (connection.Report, error) {
	atomic.AddInt32(&f.fetches, 1)
	if f.fetchGate != nil {
		<-f.fetchGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.report, f.statusErr
}

func (f *fakeAdapter) SendMessage(ctx context.Context, cfg connection.Config, instanceID string, destination string, text string) (provider.Ack, error) {
	atomic.AddInt32(&f.sends, 1)
	return provider.Ack{MessageID: "m-1", Destination: destination, Provider: string(f.name)}, nil
}

func (f *fakeAdapter) Terminate(ctx context.Context, cfg connection.Config, instanceID string) error {
	atomic.AddInt32(&f.terminates, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.terminateEr
}

func (f *fakeAdapter) set(fn func(f *fakeAdapter)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type fixture struct {
	orch      *Orchestrator
	store     *connection.MemoryStore
	evolution *fakeAdapter
	zapi      *fakeAdapter
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     connection.NewMemoryStore(),
		evolution: newFakeAdapter(connection.ProviderEvolution),
		zapi:      newFakeAdapter(connection.ProviderZAPI),
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	var mu sync.Mutex
	f.orch = New(f.store, provider.NewRegistry(f.evolution, f.zapi), Options{
		ProviderCallTimeout: time.Second,
		LockWaitTimeout:     200 * time.Millisecond,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			f.now = f.now.Add(time.Second)
			return f.now
		},
	})
	return f
}

var creds = connection.Config{"api_key": "secret"}

func TestConnectStartsPairing(t *testing.T) {
	f := newFixture(t)

	res, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, connection.StatusConnecting, res.View.Status)
	assert.Equal(t, "qr-1", res.View.PairingArtifact)
	assert.Equal(t, "evolution-U1", res.View.InstanceID)

	view, err := f.orch.GetStatus(context.Background(), "U1")
	require.NoError(t, err)
	assert.Contains(t, []connection.Status{connection.StatusConnecting, connection.StatusConnected}, view.Status)
	assert.False(t, view.Stale)
}

func TestConnectRejectsInvalidConfigBeforeProviderCall(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, connection.Config{})
	require.ErrorIs(t, err, connection.ErrInvalidConfig)
	assert.Zero(t, atomic.LoadInt32(&f.evolution.creates))

	_, err = f.orch.Cached(context.Background(), "U1")
	assert.ErrorIs(t, err, connection.ErrUnknownTenant)
}

func TestConnectUnknownProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderNative, creds)
	assert.ErrorIs(t, err, connection.ErrInvalidConfig)
}

func TestConnectAlreadyPaired(t *testing.T) {
	f := newFixture(t)
	f.evolution.set(func(a *fakeAdapter) {
		a.pairing = provider.Pairing{AlreadyConnected: true, Phone: "5511999990000"}
	})

	res, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)
	assert.Equal(t, connection.StatusConnected, res.View.Status)
	assert.Equal(t, "5511999990000", res.View.Phone)
	assert.Empty(t, res.View.PairingArtifact)
}

func TestConnectRejectedCredentialsMoveToError(t *testing.T) {
	f := newFixture(t)
	f.evolution.set(func(a *fakeAdapter) {
		a.createErr = connection.Errorf(connection.KindInvalidConfig, "create", "401 unauthorized")
	})

	res, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.ErrorIs(t, err, connection.ErrInvalidConfig)
	assert.Equal(t, connection.StatusError, res.View.Status)
	assert.NotEmpty(t, res.View.LastError)

	stored, err := f.orch.Cached(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusError, stored.Status)
}

func TestConnectProviderUnavailableLeavesRecordUntouched(t *testing.T) {
	f := newFixture(t)
	f.evolution.set(func(a *fakeAdapter) {
		a.createErr = connection.Errorf(connection.KindProviderUnavailable, "create", "503")
	})

	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.ErrorIs(t, err, connection.ErrProviderUnavailable)

	_, err = f.orch.Cached(context.Background(), "U1")
	assert.ErrorIs(t, err, connection.ErrUnknownTenant)
}

func TestConnectPairingUnavailableKeepsSession(t *testing.T) {
	f := newFixture(t)
	f.evolution.set(func(a *fakeAdapter) {
		a.pairErr = connection.Errorf(connection.KindProviderUnavailable, "pair", "timeout")
	})

	res, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.ErrorIs(t, err, connection.ErrProviderUnavailable)
	assert.Equal(t, connection.StatusConnecting, res.View.Status)
	assert.Equal(t, "evolution-U1", res.View.InstanceID)
	assert.Empty(t, res.View.PairingArtifact)
}

func TestConnectOpenSessionSurvivesPairingFailure(t *testing.T) {
	f := newFixture(t)
	f.evolution.set(func(a *fakeAdapter) {
		a.session = connection.Report{Status: connection.StatusConnected, Phone: "5511999990000"}
		a.pairErr = connection.Errorf(connection.KindProviderUnavailable, "pair", "timeout")
	})

	res, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)
	assert.Equal(t, connection.StatusConnected, res.View.Status)
	assert.Equal(t, "5511999990000", res.View.Phone)
}

func TestConcurrentConnectCreatesOneSession(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.evolution.createGate = gate

	first := make(chan error, 1)
	go func() {
		_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
		first <- err
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&f.evolution.creates) == 1 }, time.Second, 5*time.Millisecond)

	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	assert.ErrorIs(t, err, connection.ErrConflictingOperation)

	close(gate)
	require.NoError(t, <-first)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.evolution.creates))
	assert.Zero(t, f.orch.locks.size())
}

func TestConnectSameProviderReusesInstance(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)
	res, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, "evolution-U1", res.View.InstanceID)
	assert.Zero(t, atomic.LoadInt32(&f.evolution.terminates))
}

func TestConnectProviderChangeTerminatesPreviousSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)

	res, err := f.orch.Connect(context.Background(), "U1", connection.ProviderZAPI, creds)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.evolution.terminates))
	assert.Equal(t, connection.ProviderZAPI, res.View.Provider)
	assert.Equal(t, "zapi-U1", res.View.InstanceID)
	assert.True(t, res.Created)
}

func TestConnectProviderChangeAbortsWhenTerminateFails(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)
	f.evolution.set(func(a *fakeAdapter) {
		a.terminateEr = connection.Errorf(connection.KindProviderUnavailable, "terminate", "down")
	})

	res, err := f.orch.Connect(context.Background(), "U1", connection.ProviderZAPI, creds)
	require.ErrorIs(t, err, connection.ErrProviderUnavailable)
	assert.Equal(t, connection.ProviderEvolution, res.View.Provider)
	assert.Zero(t, atomic.LoadInt32(&f.zapi.creates))
}

func TestConnectProviderChangeClearsRecordWhenNewProviderUnavailable(t *testing.T) {
	f := newFixture(t)
	f.zapi.set(func(a *fakeAdapter) {
		a.pairing = provider.Pairing{AlreadyConnected: true, Phone: "5511999990000"}
	})
	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderZAPI, creds)
	require.NoError(t, err)

	f.evolution.set(func(a *fakeAdapter) {
		a.createErr = connection.Errorf(connection.KindProviderUnavailable, "create", "503")
	})
	res, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.ErrorIs(t, err, connection.ErrProviderUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.zapi.terminates))
	assert.Equal(t, connection.StatusDisconnected, res.View.Status)
	assert.Empty(t, res.View.InstanceID)

	stored, err := f.store.Get(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusDisconnected, stored.Status)
	assert.Empty(t, stored.InstanceID)
	assert.Empty(t, stored.Phone)

	_, err = f.orch.Send(context.Background(), "U1", "5511988887777", "hello")
	assert.ErrorIs(t, err, connection.ErrNotConnected)
	assert.Zero(t, atomic.LoadInt32(&f.zapi.sends))

	// Once the new provider is back the switch completes.
	f.evolution.set(func(a *fakeAdapter) { a.createErr = nil })
	res, err = f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)
	assert.Equal(t, connection.ProviderEvolution, res.View.Provider)
	assert.Equal(t, "evolution-U1", res.View.InstanceID)
}

func TestConnectWaitsForStatusPoll(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)

	gate := make(chan struct{})
	f.evolution.set(func(a *fakeAdapter) { a.fetchGate = gate })
	polled := make(chan error, 1)
	go func() {
		_, err := f.orch.GetStatus(context.Background(), "U1")
		polled <- err
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&f.evolution.fetches) == 1 }, time.Second, 5*time.Millisecond)

	connected := make(chan error, 1)
	go func() {
		_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
		connected <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(gate)

	require.NoError(t, <-polled)
	require.NoError(t, <-connected)
	assert.Equal(t, int32(2), atomic.LoadInt32(&f.evolution.creates))
	assert.Zero(t, f.orch.locks.size())
}

func TestGetStatusRefreshesExpiredPairingArtifact(t *testing.T) {
	f := newFixture(t)
	f.evolution.set(func(a *fakeAdapter) {
		a.pairing = provider.Pairing{Artifact: "qr-1", ExpiresIn: time.Minute}
		a.report = connection.Report{Status: connection.StatusConnecting}
	})
	res, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)
	require.Equal(t, "qr-1", res.View.PairingArtifact)

	// Within its lifetime the artifact is served as is.
	view, err := f.orch.GetStatus(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, "qr-1", view.PairingArtifact)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.evolution.pairings))

	f.now = f.now.Add(time.Hour)
	f.evolution.set(func(a *fakeAdapter) {
		a.pairing = provider.Pairing{Artifact: "qr-2", ExpiresIn: time.Minute}
	})
	view, err = f.orch.GetStatus(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusConnecting, view.Status)
	assert.Equal(t, "qr-2", view.PairingArtifact)
}

func TestGetStatusDropsExpiredArtifactWhenRefreshFails(t *testing.T) {
	f := newFixture(t)
	f.evolution.set(func(a *fakeAdapter) {
		a.pairing = provider.Pairing{Artifact: "qr-1", ExpiresIn: time.Minute}
		a.report = connection.Report{Status: connection.StatusConnecting}
	})
	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour)
	f.evolution.set(func(a *fakeAdapter) {
		a.pairErr = connection.Errorf(connection.KindProviderUnavailable, "pair", "timeout")
	})
	view, err := f.orch.GetStatus(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusConnecting, view.Status)
	assert.Empty(t, view.PairingArtifact)

	stored, err := f.store.Get(context.Background(), "U1")
	require.NoError(t, err)
	assert.Empty(t, stored.PairingArtifact)
	assert.Nil(t, stored.PairingExpiresAt)
}

func TestGetStatusUnknownUnit(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.GetStatus(context.Background(), "nope")
	assert.ErrorIs(t, err, connection.ErrUnknownTenant)
}

func TestGetStatusReconcilesProviderReport(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)

	f.evolution.set(func(a *fakeAdapter) {
		a.report = connection.Report{Status: connection.StatusConnected, Phone: "5511999990000"}
	})
	view, err := f.orch.GetStatus(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusConnected, view.Status)
	assert.Equal(t, "5511999990000", view.Phone)
	assert.Empty(t, view.PairingArtifact)
	require.NotNil(t, view.LastSyncedAt)
}

func TestGetStatusServesStaleViewWhenProviderDown(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)

	f.evolution.set(func(a *fakeAdapter) {
		a.statusErr = connection.Errorf(connection.KindProviderUnavailable, "status", "503")
	})
	view, err := f.orch.GetStatus(context.Background(), "U1")
	require.NoError(t, err)
	assert.True(t, view.Stale)
	assert.NotEmpty(t, view.StaleReason)
	assert.Equal(t, connection.StatusConnecting, view.Status)
}

func TestGetStatusNeverSyncedFailsWhenProviderDown(t *testing.T) {
	f := newFixture(t)
	rec := connection.NewRecord("U1", f.now)
	rec.Provider = connection.ProviderEvolution
	rec.ProviderConfig = creds
	rec.InstanceID = "evolution-U1"
	rec.SetStatus(connection.StatusConnecting)
	require.NoError(t, f.store.Save(context.Background(), rec))

	f.evolution.set(func(a *fakeAdapter) {
		a.statusErr = connection.Errorf(connection.KindProviderUnavailable, "status", "503")
	})
	_, err := f.orch.GetStatus(context.Background(), "U1")
	assert.ErrorIs(t, err, connection.ErrProviderUnavailable)
}

func TestGetStatusRejectedCredentials(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)

	f.evolution.set(func(a *fakeAdapter) {
		a.statusErr = connection.Errorf(connection.KindInvalidConfig, "status", "401")
	})
	view, err := f.orch.GetStatus(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusError, view.Status)
	assert.Contains(t, view.LastError, "401")
}

func TestGetStatusWithoutSessionSkipsProvider(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)
	_, err = f.orch.Disconnect(context.Background(), "U1")
	require.NoError(t, err)

	before := atomic.LoadInt32(&f.evolution.fetches)
	view, err := f.orch.GetStatus(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusDisconnected, view.Status)
	assert.Equal(t, before, atomic.LoadInt32(&f.evolution.fetches))
}

func TestDisconnectResetsEvenWhenTerminateFails(t *testing.T) {
	f := newFixture(t)
	f.evolution.set(func(a *fakeAdapter) {
		a.pairing = provider.Pairing{AlreadyConnected: true, Phone: "5511999990000"}
		a.terminateEr = errors.New("boom")
	})
	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)

	view, err := f.orch.Disconnect(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusDisconnected, view.Status)
	assert.Empty(t, view.InstanceID)
	assert.Empty(t, view.Phone)
	assert.Equal(t, connection.ProviderEvolution, view.Provider)

	_, err = f.orch.Send(context.Background(), "U1", "5511988887777", "hi")
	assert.ErrorIs(t, err, connection.ErrNotConnected)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)

	first, err := f.orch.Disconnect(context.Background(), "U1")
	require.NoError(t, err)
	second, err := f.orch.Disconnect(context.Background(), "U1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.evolution.terminates))
}

func TestDisconnectUnknownUnitDoesNotPersist(t *testing.T) {
	f := newFixture(t)
	view, err := f.orch.Disconnect(context.Background(), "U9")
	require.NoError(t, err)
	assert.Equal(t, connection.StatusDisconnected, view.Status)

	_, err = f.orch.Cached(context.Background(), "U9")
	assert.ErrorIs(t, err, connection.ErrUnknownTenant)
}

func TestSendRequiresConnectedStatus(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Send(context.Background(), "U1", "5511988887777", "hi")
	assert.ErrorIs(t, err, connection.ErrNotConnected)

	_, err = f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)
	_, err = f.orch.Send(context.Background(), "U1", "5511988887777", "hi")
	assert.ErrorIs(t, err, connection.ErrNotConnected)
	assert.Zero(t, atomic.LoadInt32(&f.evolution.sends))

	f.evolution.set(func(a *fakeAdapter) {
		a.report = connection.Report{Status: connection.StatusConnected, Phone: "5511999990000"}
	})
	_, err = f.orch.GetStatus(context.Background(), "U1")
	require.NoError(t, err)

	ack, err := f.orch.Send(context.Background(), "U1", "5511988887777", "hi")
	require.NoError(t, err)
	assert.Equal(t, "m-1", ack.MessageID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&f.evolution.sends))
}

func TestReconcileAppliesPushedReport(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)

	view, applied, err := f.orch.Reconcile(context.Background(), "U1", "evolution-U1",
		connection.Report{Status: connection.StatusConnected, Phone: "5511999990000"}, f.now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, connection.StatusConnected, view.Status)
}

func TestReconcileDropsForeignInstance(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)

	view, applied, err := f.orch.Reconcile(context.Background(), "U1", "old-instance",
		connection.Report{Status: connection.StatusDisconnected}, f.now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, connection.StatusConnecting, view.Status)
}

func TestReconcileDropsOlderReport(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)

	_, applied, err := f.orch.Reconcile(context.Background(), "U1", "evolution-U1",
		connection.Report{Status: connection.StatusConnected, Phone: "5511999990000"}, f.now.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, applied)

	view, applied, err := f.orch.Reconcile(context.Background(), "U1", "evolution-U1",
		connection.Report{Status: connection.StatusDisconnected}, f.now.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, connection.StatusConnected, view.Status)
}

func TestListReportsStats(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Connect(context.Background(), "U1", connection.ProviderEvolution, creds)
	require.NoError(t, err)
	_, err = f.orch.Connect(context.Background(), "U2", connection.ProviderZAPI, creds)
	require.NoError(t, err)

	views, stats, err := f.orch.List(context.Background())
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, "U1", views[0].UnitID)
	assert.Equal(t, 2, stats[connection.StatusConnecting])
}
