package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/quicktab/tabsync/internal/tabsync"
)

const (
	defaultHTTPTimeout  = 15 * time.Second
	defaultQueryRetries = 3
	httpBaseRetryDelay  = 250 * time.Millisecond
	httpMaxRetryDelay   = 5 * time.Second
)

// HTTPTierOptions configures an HTTPTier. Zero values take defaults.
type HTTPTierOptions struct {
	BaseURL string
	Token   string
	// QueryRetries bounds retry attempts for state queries. Mutations
	// are never retried: a replayed mutation is a second mutation.
	QueryRetries int
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       tabsync.Logger
}

// HTTPTier is the Tier-2 request/response fallback. Mutations are
// POSTed and the coordinator's reply is re-surfaced to subscribers as a
// mutation_result envelope, so callers consume every tier through the
// same subscription interface. It also serves full-state queries.
type HTTPTier struct {
	baseURL      string
	token        string
	queryRetries int
	client       *http.Client
	logger       tabsync.Logger

	mu   sync.Mutex
	subs subscriberSet
}

func NewHTTPTier(opts HTTPTierOptions) *HTTPTier {
	if opts.QueryRetries <= 0 {
		opts.QueryRetries = defaultQueryRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultHTTPTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &HTTPTier{
		baseURL:      opts.BaseURL,
		token:        opts.Token,
		queryRetries: opts.QueryRetries,
		client:       opts.HTTPClient,
		logger:       opts.Logger,
		subs:         newSubscriberSet(),
	}
}

// Name implements Tier.
func (t *HTTPTier) Name() string { return "tier2-http" }

// Available implements Tier. The HTTP tier is stateless; availability is
// discovered by attempting the request.
func (t *HTTPTier) Available() bool { return true }

// Send implements Tier. Only mutation envelopes travel over HTTP; the
// result comes back synchronously and is dispatched to subscribers.
func (t *HTTPTier) Send(ctx context.Context, env tabsync.Envelope) error {
	if env.Type != tabsync.EnvelopeMutation || env.Mutation == nil {
		return fmt.Errorf("%w: http tier only carries mutations", tabsync.ErrTransportUnavailable)
	}
	var result tabsync.MutationResult
	err := t.doJSON(ctx, http.MethodPost, "/v1/sync/mutations", env.Mutation, &result, 0)
	if err != nil {
		return err
	}
	t.dispatch(tabsync.Envelope{
		Type:          tabsync.EnvelopeMutationResult,
		CorrelationID: env.CorrelationID,
		Result:        &result,
		Timestamp:     tabsync.NowRFC3339(time.Now()),
	})
	return nil
}

// Subscribe implements Tier.
func (t *HTTPTier) Subscribe(fn func(env tabsync.Envelope)) (cancel func()) {
	t.mu.Lock()
	id := t.subs.add(fn)
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		t.subs.remove(id)
		t.mu.Unlock()
	}
}

// Query implements Querier: full-state fetch for cold starts and resyncs.
func (t *HTTPTier) Query(ctx context.Context) (tabsync.StateSnapshot, error) {
	var snap tabsync.StateSnapshot
	if err := t.doJSON(ctx, http.MethodGet, "/v1/sync/state", nil, &snap, t.queryRetries); err != nil {
		return tabsync.StateSnapshot{}, err
	}
	if snap.Records == nil {
		snap.Records = map[string]tabsync.Record{}
	}
	return snap, nil
}

func (t *HTTPTier) dispatch(env tabsync.Envelope) {
	t.mu.Lock()
	fns := t.subs.snapshot()
	t.mu.Unlock()
	for _, fn := range fns {
		fn(env)
	}
}

// doJSON performs one JSON request with up to retries additional
// attempts on 5xx and 429 responses, honoring Retry-After.
func (t *HTTPTier) doJSON(ctx context.Context, method, path string, in, out any, retries int) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			if err := waitWithContext(ctx, retryDelay(attempt, lastErr)); err != nil {
				return err
			}
			t.logf("retrying %s %s (attempt %d): %v", method, path, attempt+1, lastErr)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if t.token != "" {
			req.Header.Set("Authorization", "Bearer "+t.token)
		}

		resp, err := t.client.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", tabsync.ErrTransportUnavailable, err)
			continue
		}
		retryable, err := decodeResponse(resp, out)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
	}
	return lastErr
}

// decodeResponse reads a response and reports whether a failure is
// worth retrying.
func decodeResponse(resp *http.Response, out any) (retryable bool, err error) {
	defer resp.Body.Close()
	data, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr != nil {
		return true, fmt.Errorf("%w: read response: %v", tabsync.ErrTransportUnavailable, readErr)
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		err := fmt.Errorf("%w: server returned %d", tabsync.ErrTransportUnavailable, resp.StatusCode)
		if after := retryAfter(resp); after > 0 {
			err = &retryAfterError{err: err, after: after}
		}
		return true, err
	case resp.StatusCode >= 400:
		// Mutation rejections come back as structured results with a
		// non-2xx status. Surface the body when it decodes; the caller
		// distinguishes outcome by the result status, not the HTTP code.
		if out != nil && json.Unmarshal(data, out) == nil {
			return false, nil
		}
		return false, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode response: %w", err)
	}
	return false, nil
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

func retryAfter(resp *http.Response) time.Duration {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// retryDelay grows exponentially from the base, capped, unless the
// server named its own delay.
func retryDelay(attempt int, lastErr error) time.Duration {
	var ra *retryAfterError
	if errors.As(lastErr, &ra) {
		return ra.after
	}
	delay := time.Duration(float64(httpBaseRetryDelay) * math.Pow(2, float64(attempt-1)))
	if delay > httpMaxRetryDelay {
		delay = httpMaxRetryDelay
	}
	return delay
}

func waitWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (t *HTTPTier) logf(format string, args ...any) {
	if t.logger != nil {
		t.logger.Printf("http: "+format, args...)
	}
}
