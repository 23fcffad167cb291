package provider

import (
	"context"
	"sort"
	"time"

	"github.com/gdbrns/go-whatsapp-unit-connections/internal/connection"
	"github.com/gdbrns/go-whatsapp-unit-connections/pkg/metrics"
)

// Registry is the single place a provider name turns into an adapter.
type Registry struct {
	adapters map[connection.Provider]Adapter
	parsers  map[connection.Provider]WebhookParser
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{
		adapters: make(map[connection.Provider]Adapter),
		parsers:  make(map[connection.Provider]WebhookParser),
	}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for a.Name(). Calls through the
// registry are instrumented.
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.adapters[a.Name()] = instrumented{next: a}
	if p, ok := a.(WebhookParser); ok {
		r.parsers[a.Name()] = p
	} else {
		delete(r.parsers, a.Name())
	}
}

func (r *Registry) Adapter(p connection.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, connection.Errorf(connection.KindInvalidConfig, "registry.adapter", "provider %q is not enabled", p)
	}
	return a, nil
}

func (r *Registry) Parser(p connection.Provider) (WebhookParser, bool) {
	parser, ok := r.parsers[p]
	return parser, ok
}

// Providers lists the enabled provider names in a stable order.
func (r *Registry) Providers() []connection.Provider {
	out := make([]connection.Provider, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type instrumented struct {
	next Adapter
}

func observe(p connection.Provider, op string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = string(connection.KindOf(err))
		if result == "" {
			result = "error"
		}
	}
	metrics.ProviderCalls.WithLabelValues(string(p), op, result).Inc()
	metrics.ProviderCallDuration.WithLabelValues(string(p), op).Observe(time.Since(start).Seconds())
}

func (i instrumented) Name() connection.Provider { return i.next.Name() }

func (i instrumented) ValidateConfig(cfg connection.Config) error {
	return i.next.ValidateConfig(cfg)
}

func (i instrumented) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	start := time.Now()
	s, err := i.next.CreateSession(ctx, req)
	observe(i.Name(), "create_session", start, err)
	return s, err
}

func (i instrumented) RequestPairing(ctx context.Context, cfg connection.Config, instanceID string) (Pairing, error) {
	start := time.Now()
	p, err := i.next.RequestPairing(ctx, cfg, instanceID)
	observe(i.Name(), "request_pairing", start, err)
	return p, err
}

func (i instrumented) FetchStatus(ctx context.Context, cfg connection.Config, instanceID string) (connection.Report, error) {
	start := time.Now()
	rep, err := i.next.FetchStatus(ctx, cfg, instanceID)
	observe(i.Name(), "fetch_status", start, err)
	return rep, err
}

func (i instrumented) SendMessage(ctx context.Context, cfg connection.Config, instanceID string, destination string, text string) (Ack, error) {
	start := time.Now()
	ack, err := i.next.SendMessage(ctx, cfg, instanceID, destination, text)
	observe(i.Name(), "send_message", start, err)
	return ack, err
}

func (i instrumented) Terminate(ctx context.Context, cfg connection.Config, instanceID string) error {
	start := time.Now()
	err := i.next.Terminate(ctx, cfg, instanceID)
	observe(i.Name(), "terminate", start, err)
	return err
}
