// Package resilience provides circuit breaker and retry patterns for external service calls.
package resilience

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed is the normal operating state. Requests flow through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means too many failures. Requests are rejected immediately.
	CircuitOpen
	// CircuitHalfOpen allows a single trial request to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// Fallback is the fail-fast result of a call rejected by an open circuit.
// It matches ErrCircuitOpen under errors.Is.
type Fallback struct {
	ProviderID string
	Reason     string
	RetryAfter time.Duration
}

func (f *Fallback) Error() string {
	return "circuit breaker is open: " + f.ProviderID
}

// Is reports whether target is ErrCircuitOpen.
func (f *Fallback) Is(target error) bool {
	return target == ErrCircuitOpen
}

// AsFallback extracts the Fallback from err, if any.
func AsFallback(err error) (*Fallback, bool) {
	var fb *Fallback
	if errors.As(err, &fb) {
		return fb, true
	}
	return nil, false
}

// BreakerConfig controls one provider's circuit.
type BreakerConfig struct {
	// Threshold is the number of consecutive counted failures before the
	// circuit opens. Default: 5.
	Threshold int
	// OpenTimeout is how long the circuit stays open before admitting a
	// trial call. Default: 30s.
	OpenTimeout time.Duration
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Threshold:   5,
		OpenTimeout: 30 * time.Second,
	}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	def := DefaultBreakerConfig()
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = def.OpenTimeout
	}
	return c
}

// ProviderState is a point-in-time view of one provider's circuit.
type ProviderState struct {
	Provider     string        `json:"provider"`
	State        CircuitState  `json:"state"`
	FailureCount int64         `json:"failure_count"`
	Threshold    int           `json:"threshold"`
	OpenTimeout  time.Duration `json:"open_timeout"`
	OpenedAt     *time.Time    `json:"opened_at,omitempty"`
	RetryAfter   time.Duration `json:"retry_after"`
}

// BreakerOption configures a Breaker.
type BreakerOption func(*Breaker)

// WithStateChange registers a callback invoked after every state transition.
func WithStateChange(fn func(provider string, from, to CircuitState)) BreakerOption {
	return func(b *Breaker) { b.onChange = fn }
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) BreakerOption {
	return func(b *Breaker) { b.meterProvider = mp }
}

// Breaker is a per-provider circuit breaker whose state lives in a
// StateStore, so every process sharing the store sees the same circuits.
type Breaker struct {
	store   StateStore
	configs map[string]BreakerConfig

	onChange      func(provider string, from, to CircuitState)
	meterProvider metric.MeterProvider
	transitions   metric.Int64Counter

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// NewBreaker creates a breaker for the configured providers. Calls for a
// provider without a config bypass the breaker.
func NewBreaker(store StateStore, configs map[string]BreakerConfig, opts ...BreakerOption) *Breaker {
	b := &Breaker{
		store:   store,
		configs: make(map[string]BreakerConfig, len(configs)),
		nowFunc: time.Now,
	}
	for name, cfg := range configs {
		b.configs[name] = cfg.withDefaults()
	}
	for _, o := range opts {
		o(b)
	}
	if b.meterProvider == nil {
		b.meterProvider = otel.GetMeterProvider()
	}
	meter := b.meterProvider.Meter("github.com/sells-group/lead-enrich/internal/resilience")
	b.transitions, _ = meter.Int64Counter("circuit_breaker.transitions",
		metric.WithDescription("Circuit breaker state transitions"),
	)
	return b
}

// Providers returns the configured provider ids in sorted order.
func (b *Breaker) Providers() []string {
	names := make([]string, 0, len(b.configs))
	for name := range b.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Config returns the provider's breaker config.
func (b *Breaker) Config(provider string) (BreakerConfig, bool) {
	cfg, ok := b.configs[provider]
	return cfg, ok
}

// Call runs fn through the provider's circuit. An open circuit returns a
// *Fallback without invoking fn.
func Call[T any](ctx context.Context, b *Breaker, provider string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	cfg, ok := b.configs[provider]
	if !ok {
		return fn(ctx)
	}

	adm, err := b.admit(ctx, provider, cfg)
	if err != nil {
		return zero, err
	}
	if adm.bypass {
		return fn(ctx)
	}

	val, err := fn(ctx)
	b.record(context.WithoutCancel(ctx), provider, cfg, adm, err)
	return val, err
}

// Execute is Call for operations without a result value.
func (b *Breaker) Execute(ctx context.Context, provider string, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, b, provider, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// admission describes how a call was let through.
type admission struct {
	bypass   bool
	trial    bool
	token    string    // half-open token owned by the trial
	openedAt time.Time // opened_at of the circuit the trial replaced
	failures int64
}

func (b *Breaker) admit(ctx context.Context, provider string, cfg BreakerConfig) (admission, error) {
	tok, failures, err := b.store.Load(ctx, provider)
	if err != nil {
		zap.L().Warn("circuit breaker: state store unavailable, bypassing",
			zap.String("provider", provider),
			zap.Error(err),
		)
		return admission{bypass: true}, nil
	}

	ct, ok := decodeToken(tok)
	if !ok {
		zap.L().Warn("circuit breaker: malformed state, resetting to closed",
			zap.String("provider", provider),
			zap.String("token", tok),
		)
		if err := b.store.Store(ctx, provider, closedToken); err != nil {
			return admission{bypass: true}, nil
		}
	}

	now := b.nowFunc()
	switch ct.state {
	case CircuitOpen, CircuitHalfOpen:
		// A half-open token older than the timeout is a trial whose owner
		// never reported back; the next caller takes it over.
		if now.Sub(ct.since) < cfg.OpenTimeout {
			return admission{}, b.fallback(provider, cfg)
		}
		next := encodeToken(CircuitHalfOpen, now)
		won, err := b.store.CompareAndSwap(ctx, provider, tok, next)
		if err != nil {
			zap.L().Warn("circuit breaker: trial claim failed, bypassing",
				zap.String("provider", provider),
				zap.Error(err),
			)
			return admission{bypass: true}, nil
		}
		if !won {
			return admission{}, b.fallback(provider, cfg)
		}
		if ct.state == CircuitOpen {
			b.transition(ctx, provider, CircuitOpen, CircuitHalfOpen, failures)
		}
		return admission{trial: true, token: next, openedAt: ct.since, failures: failures}, nil
	default:
		return admission{failures: failures}, nil
	}
}

func (b *Breaker) fallback(provider string, cfg BreakerConfig) *Fallback {
	return &Fallback{
		ProviderID: provider,
		Reason:     string(KindCircuitOpen),
		RetryAfter: cfg.OpenTimeout,
	}
}

func (b *Breaker) record(ctx context.Context, provider string, cfg BreakerConfig, adm admission, err error) {
	if errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		// The caller gave up; the provider's health is unknown.
		if adm.trial {
			_, _ = b.store.CompareAndSwap(ctx, provider, adm.token, encodeToken(CircuitOpen, adm.openedAt))
		}
		return
	}

	failed := countsAsFailure(err)
	if adm.trial {
		b.recordTrial(ctx, provider, adm, failed)
		return
	}

	if !failed {
		// Failures may have been counted while this call was in flight, so
		// the count seen at admission cannot decide whether to reset.
		if rerr := b.store.ResetFailures(ctx, provider); rerr != nil {
			zap.L().Warn("circuit breaker: reset failures", zap.String("provider", provider), zap.Error(rerr))
		}
		return
	}

	n, ierr := b.store.IncrFailures(ctx, provider)
	if ierr != nil {
		zap.L().Warn("circuit breaker: increment failures", zap.String("provider", provider), zap.Error(ierr))
		return
	}
	if n < int64(cfg.Threshold) {
		return
	}
	won, cerr := b.store.CompareAndSwap(ctx, provider, closedToken, encodeToken(CircuitOpen, b.nowFunc()))
	if cerr != nil {
		zap.L().Warn("circuit breaker: open circuit", zap.String("provider", provider), zap.Error(cerr))
		return
	}
	if won {
		b.transition(ctx, provider, CircuitClosed, CircuitOpen, n)
	}
}

func (b *Breaker) recordTrial(ctx context.Context, provider string, adm admission, failed bool) {
	if failed {
		won, err := b.store.CompareAndSwap(ctx, provider, adm.token, encodeToken(CircuitOpen, b.nowFunc()))
		if err != nil {
			zap.L().Warn("circuit breaker: reopen circuit", zap.String("provider", provider), zap.Error(err))
			return
		}
		if won {
			b.transition(ctx, provider, CircuitHalfOpen, CircuitOpen, adm.failures)
		}
		return
	}

	won, err := b.store.CompareAndSwap(ctx, provider, adm.token, closedToken)
	if err != nil {
		zap.L().Warn("circuit breaker: close circuit", zap.String("provider", provider), zap.Error(err))
		return
	}
	if !won {
		return
	}
	if err := b.store.ResetFailures(ctx, provider); err != nil {
		zap.L().Warn("circuit breaker: reset failures", zap.String("provider", provider), zap.Error(err))
	}
	b.transition(ctx, provider, CircuitHalfOpen, CircuitClosed, 0)
}

func (b *Breaker) transition(ctx context.Context, provider string, from, to CircuitState, failures int64) {
	zap.L().Info("circuit breaker state change",
		zap.String("provider", provider),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int64("failure_count", failures),
	)
	b.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("from", from.String()),
		attribute.String("to", to.String()),
	))
	if b.onChange != nil {
		b.onChange(provider, from, to)
	}
}

// Reset forces the provider's circuit closed and clears its failure count.
// Returns false for an unknown provider.
func (b *Breaker) Reset(ctx context.Context, provider string) (bool, error) {
	if _, ok := b.configs[provider]; !ok {
		return false, nil
	}
	tok, failures, err := b.store.Load(ctx, provider)
	if err != nil {
		return false, eris.Wrapf(err, "resilience: reset %s", provider)
	}
	if err := b.store.Store(ctx, provider, closedToken); err != nil {
		return false, eris.Wrapf(err, "resilience: reset %s", provider)
	}
	if err := b.store.ResetFailures(ctx, provider); err != nil {
		return false, eris.Wrapf(err, "resilience: reset %s", provider)
	}
	if ct, _ := decodeToken(tok); ct.state != CircuitClosed {
		b.transition(ctx, provider, ct.state, CircuitClosed, failures)
	}
	return true, nil
}

// ForceOpen opens the provider's circuit as of now. Returns false for an
// unknown provider.
func (b *Breaker) ForceOpen(ctx context.Context, provider string) (bool, error) {
	if _, ok := b.configs[provider]; !ok {
		return false, nil
	}
	tok, failures, err := b.store.Load(ctx, provider)
	if err != nil {
		return false, eris.Wrapf(err, "resilience: force open %s", provider)
	}
	if err := b.store.Store(ctx, provider, encodeToken(CircuitOpen, b.nowFunc())); err != nil {
		return false, eris.Wrapf(err, "resilience: force open %s", provider)
	}
	if ct, _ := decodeToken(tok); ct.state != CircuitOpen {
		b.transition(ctx, provider, ct.state, CircuitOpen, failures)
	}
	return true, nil
}

// State returns the provider's current circuit view. An open circuit whose
// timeout has elapsed is reported as half-open.
func (b *Breaker) State(ctx context.Context, provider string) (ProviderState, error) {
	cfg, ok := b.configs[provider]
	if !ok {
		return ProviderState{}, eris.Errorf("resilience: unknown provider %q", provider)
	}
	tok, failures, err := b.store.Load(ctx, provider)
	if err != nil {
		return ProviderState{}, eris.Wrapf(err, "resilience: state %s", provider)
	}
	ct, _ := decodeToken(tok)

	ps := ProviderState{
		Provider:     provider,
		State:        ct.state,
		FailureCount: failures,
		Threshold:    cfg.Threshold,
		OpenTimeout:  cfg.OpenTimeout,
	}
	if ct.state == CircuitClosed {
		return ps, nil
	}

	since := ct.since
	ps.OpenedAt = &since
	if ct.state == CircuitOpen {
		remaining := cfg.OpenTimeout - b.nowFunc().Sub(since)
		if remaining > 0 {
			ps.RetryAfter = remaining
		} else {
			ps.State = CircuitHalfOpen
		}
	}
	return ps, nil
}

// States returns a snapshot of every configured provider's circuit.
func (b *Breaker) States(ctx context.Context) (map[string]ProviderState, error) {
	out := make(map[string]ProviderState, len(b.configs))
	for _, name := range b.Providers() {
		ps, err := b.State(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = ps
	}
	return out, nil
}
