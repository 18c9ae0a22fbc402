// Package provider holds provider adapter implementations.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrich/internal/enrich"
	"github.com/sells-group/lead-enrich/internal/model"
	"github.com/sells-group/lead-enrich/internal/resilience"
)

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 1 << 20

// HTTPOptions configures an HTTPAdapter.
type HTTPOptions struct {
	Name      string
	URL       string
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	Client    *http.Client
}

// HTTPAdapter posts the record as JSON to a provider endpoint that answers
// with {"success", "data", "error"}.
type HTTPAdapter struct {
	opts   HTTPOptions
	client *http.Client
}

// NewHTTPAdapter creates a JSON-over-HTTP adapter.
func NewHTTPAdapter(opts HTTPOptions) *HTTPAdapter {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "lead-enrich/1.0"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &HTTPAdapter{opts: opts, client: client}
}

// Name implements enrich.Adapter.
func (a *HTTPAdapter) Name() string { return a.opts.Name }

// Enrich implements enrich.Adapter.
func (a *HTTPAdapter) Enrich(ctx context.Context, rec *model.Record) (*enrich.Result, error) {
	if a.opts.URL == "" {
		return nil, resilience.NewConfigError(a.opts.Name, "no endpoint url configured")
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return nil, eris.Wrap(err, "provider: marshal record")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.opts.URL, bytes.NewReader(body))
	if err != nil {
		return nil, resilience.NewConfigError(a.opts.Name, "invalid endpoint url: "+err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", a.opts.UserAgent)
	if a.opts.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.opts.APIKey)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, resilience.NewTransientError(eris.Wrapf(err, "provider: %s request", a.opts.Name), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrapf(err, "provider: %s read body", a.opts.Name), resp.StatusCode)
	}

	switch {
	case resilience.IsTransientHTTPStatus(resp.StatusCode):
		return nil, resilience.NewTransientError(
			eris.Errorf("provider: %s returned http %d", a.opts.Name, resp.StatusCode), resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, resilience.NewConfigError(a.opts.Name, "credentials rejected")
	case resp.StatusCode >= 400:
		return nil, resilience.NewPermanentError(
			eris.Errorf("provider: %s returned http %d", a.opts.Name, resp.StatusCode), resp.StatusCode)
	}

	var out enrich.Result
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, resilience.NewPermanentError(eris.Wrapf(err, "provider: %s decode response", a.opts.Name), resp.StatusCode)
	}
	return &out, nil
}

// BuildRegistry registers an HTTPAdapter for every enabled task type, named
// after the task's provider. Providers without a URL still get an adapter so
// the task reports a configuration failure instead of being dropped.
func BuildRegistry(cfg *enrich.Config) *enrich.Registry {
	reg := enrich.NewRegistry()
	for _, task := range cfg.EnabledTasks() {
		tc, _ := cfg.Task(task)
		pc := cfg.Providers[tc.Provider]
		reg.Register(task, NewHTTPAdapter(HTTPOptions{
			Name:    tc.Provider,
			URL:     pc.URL,
			APIKey:  pc.APIKey,
			Timeout: tc.Timeout(),
		}))
	}
	return reg
}
