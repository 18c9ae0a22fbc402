package enrich

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/internal/resilience"
)

// TaskResult is the outcome of one task type for one record.
type TaskResult struct {
	TaskType model.TaskType       `json:"task_type"`
	Success  bool                 `json:"success"`
	Duration time.Duration        `json:"duration"`
	Error    resilience.ErrorKind `json:"error,omitempty"`
	Message  string               `json:"message,omitempty"`
	Payload  map[string]any       `json:"payload,omitempty"`
	Attempts int                  `json:"attempts"`
}

// Results maps each dispatched task type to its outcome. Disabled task types
// are absent.
type Results map[model.TaskType]TaskResult

// Succeeded returns the successful task types in canonical order.
func (r Results) Succeeded() []model.TaskType {
	return r.filter(func(tr TaskResult) bool { return tr.Success })
}

// Failed returns the failed task types in canonical order.
func (r Results) Failed() []model.TaskType {
	return r.filter(func(tr TaskResult) bool { return !tr.Success })
}

// Retryable returns failed task types whose error kind may succeed on retry.
func (r Results) Retryable() []model.TaskType {
	return r.filter(func(tr TaskResult) bool { return !tr.Success && tr.Error.Retryable() })
}

func (r Results) filter(keep func(TaskResult) bool) []model.TaskType {
	var out []model.TaskType
	for _, t := range model.AllTaskTypes() {
		if tr, ok := r[t]; ok && keep(tr) {
			out = append(out, t)
		}
	}
	return out
}

// internalError is an adapter failure that is a programming error rather
// than a provider condition.
type internalError struct {
	msg string
}

func (e *internalError) Error() string { return e.msg }

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRetryBackoff sets the backoff used between EnrichWithRetry rounds.
func WithRetryBackoff(cfg resilience.RetryConfig) Option {
	return func(o *Orchestrator) { o.backoff = cfg }
}

// WithMaxRetries sets the retry rounds EnrichBatch uses per record.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) { o.maxRetries = n }
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *Orchestrator) { o.meterProvider = mp }
}

// Orchestrator dispatches enrichment tasks for records.
type Orchestrator struct {
	cfg      *Config
	registry ProviderRegistry
	breaker  *resilience.Breaker
	limiters map[string]*AdaptiveLimiter

	backoff    resilience.RetryConfig
	maxRetries int

	meterProvider metric.MeterProvider
	taskDuration  metric.Float64Histogram

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates an orchestrator. A nil breaker runs adapters unprotected.
func New(cfg *Config, registry ProviderRegistry, breaker *resilience.Breaker, opts ...Option) *Orchestrator {
	if cfg == nil {
		cfg = &Config{}
	}
	if breaker == nil {
		breaker = resilience.NewBreaker(resilience.NewMemoryStateStore(), nil)
	}
	o := &Orchestrator{
		cfg:      cfg,
		registry: registry,
		breaker:  breaker,
		limiters: limitersFor(cfg.Providers),
		backoff:  resilience.DefaultRetryConfig(),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.meterProvider == nil {
		o.meterProvider = otel.GetMeterProvider()
	}
	meter := o.meterProvider.Meter("github.com/sells-group/lead-enrich/internal/enrich")
	o.taskDuration, _ = meter.Float64Histogram("enrich.task.duration_ms",
		metric.WithDescription("Enrichment task duration"),
		metric.WithUnit("ms"),
	)
	return o
}

// Enrich runs the requested task types concurrently against rec and writes
// successful payloads back onto it. Disabled task types are skipped. An
// empty task list dispatches nothing and returns empty Results. The returned
// error is non-nil only for an unknown task type, detected before anything
// is dispatched.
func (o *Orchestrator) Enrich(ctx context.Context, rec *model.Record, tasks []model.TaskType) (Results, error) {
	tasks, err := o.resolveTasks(tasks)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return Results{}, nil
	}

	results := make(Results, len(tasks))
	var mu sync.Mutex
	var g errgroup.Group

	for _, task := range tasks {
		tc, enabled := o.cfg.Task(task)
		if !enabled {
			continue
		}
		snapshot := rec.Clone()
		g.Go(func() error {
			tr := o.runTask(ctx, snapshot, task, tc)
			mu.Lock()
			results[task] = tr
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	now := o.nowFunc()
	for _, task := range results.Succeeded() {
		model.ApplyPayload(rec, task, results[task].Payload, now)
	}
	rec.RefreshFingerprints()

	zap.L().Debug("enrich: record enriched",
		zap.Int64("record_id", rec.ID),
		zap.Int("dispatched", len(results)),
		zap.Int("succeeded", len(results.Succeeded())),
	)
	return results, nil
}

func (o *Orchestrator) resolveTasks(tasks []model.TaskType) ([]model.TaskType, error) {
	seen := make(map[model.TaskType]bool, len(tasks))
	out := make([]model.TaskType, 0, len(tasks))
	for _, t := range tasks {
		if !t.Valid() {
			return nil, eris.Errorf("enrich: unknown task type %q", t)
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out, nil
}

func (o *Orchestrator) runTask(ctx context.Context, rec *model.Record, task model.TaskType, tc TaskConfig) (tr TaskResult) {
	start := time.Now()
	tr = TaskResult{TaskType: task, Attempts: 1}
	log := zap.L().With(
		zap.Int64("record_id", rec.ID),
		zap.String("task", string(task)),
		zap.String("provider", tc.Provider),
	)

	defer func() {
		tr.Duration = time.Since(start)
		outcome := "success"
		if !tr.Success {
			outcome = string(tr.Error)
		}
		o.taskDuration.Record(ctx, float64(tr.Duration.Milliseconds()), metric.WithAttributes(
			attribute.String("task", string(task)),
			attribute.String("outcome", outcome),
		))
	}()

	adapter, ok := o.lookup(task)
	if !ok {
		tr.Error = resilience.KindConfiguration
		tr.Message = fmt.Sprintf("no provider adapter registered for %s", task)
		log.Warn("enrich: task not configured")
		return tr
	}

	tctx, cancel := context.WithTimeout(ctx, tc.Timeout())
	defer cancel()

	limiter := o.limiters[tc.Provider]
	if limiter != nil {
		if err := limiter.Wait(tctx); err != nil {
			tr.Error = resilience.KindTimeout
			tr.Message = "rate limiter wait: " + err.Error()
			return tr
		}
	}

	res, err := resilience.Call(tctx, o.breaker, tc.Provider, func(ctx context.Context) (*Result, error) {
		return invoke(ctx, adapter, rec)
	})

	switch {
	case err != nil:
		tr.Error = classify(err)
		tr.Message = err.Error()
		if fb, ok := resilience.AsFallback(err); ok {
			tr.Message = fmt.Sprintf("circuit open for %s, retry after %s", fb.ProviderID, fb.RetryAfter)
			log.Debug("enrich: provider circuit open")
		} else {
			log.Warn("enrich: task failed",
				zap.String("error_kind", string(tr.Error)),
				zap.Error(err),
			)
		}
		var te *resilience.TransientError
		if limiter != nil && errors.As(err, &te) && te.StatusCode == 429 {
			limiter.OnRateLimit()
		}
	case !res.Success:
		tr.Error = resilience.KindPermanent
		tr.Message = res.Error
		log.Debug("enrich: provider returned no result", zap.String("reason", res.Error))
	default:
		tr.Success = true
		tr.Payload = res.Data
		if limiter != nil {
			limiter.OnSuccess()
		}
	}
	return tr
}

func (o *Orchestrator) lookup(task model.TaskType) (Adapter, bool) {
	if o.registry == nil {
		return nil, false
	}
	return o.registry.Adapter(task)
}

// invoke runs the adapter and abandons it when ctx ends first. Panics are
// converted to internal errors.
func invoke(ctx context.Context, a Adapter, rec *model.Record) (*Result, error) {
	type outcome struct {
		res *Result
		err error
	}
	ch := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: &internalError{msg: fmt.Sprintf("adapter %s panicked: %v", a.Name(), r)}}
			}
		}()
		res, err := a.Enrich(ctx, rec)
		ch <- outcome{res: res, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return nil, out.err
		}
		if out.res == nil {
			return nil, &internalError{msg: fmt.Sprintf("adapter %s returned no result", a.Name())}
		}
		return out.res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func classify(err error) resilience.ErrorKind {
	var ie *internalError
	if errors.As(err, &ie) {
		return resilience.KindInternal
	}
	return resilience.Classify(err)
}

// EnrichWithRetry runs Enrich and then re-runs failed task types whose error
// kind is retryable, up to maxRetries more rounds with backoff in between.
// Tasks that never succeed keep their last failure.
func (o *Orchestrator) EnrichWithRetry(ctx context.Context, rec *model.Record, tasks []model.TaskType, maxRetries int) (Results, error) {
	results, err := o.Enrich(ctx, rec, tasks)
	if err != nil {
		return nil, err
	}

	for round := 0; round < maxRetries; round++ {
		retry := results.Retryable()
		if len(retry) == 0 {
			break
		}
		if !resilience.Sleep(ctx, resilience.Backoff(round, o.backoff)) {
			break
		}

		zap.L().Debug("enrich: retrying tasks",
			zap.Int64("record_id", rec.ID),
			zap.Int("round", round+1),
			zap.Int("tasks", len(retry)),
		)
		again, err := o.Enrich(ctx, rec, retry)
		if err != nil {
			return results, err
		}
		for t, tr := range again {
			tr.Attempts = results[t].Attempts + 1
			results[t] = tr
		}
	}
	return results, nil
}
