package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const responseBodyLimit = 1024

// timing controls delivery pacing. Tests shrink every value.
type timing struct {
	requestTimeout time.Duration
	rateInterval   time.Duration
	rateBurst      int
	retryInitial   time.Duration
	retryMax       time.Duration
	retryBudget    time.Duration
}

var defaultTiming = timing{
	requestTimeout: 10 * time.Second,
	rateInterval:   2 * time.Second,
	rateBurst:      1,
	retryInitial:   time.Second,
	retryMax:       10 * time.Second,
	retryBudget:    30 * time.Second,
}

// poster delivers JSON payloads to one endpoint, pacing each event kind
// separately and retrying transient failures. Retries are driven here
// rather than by the retryablehttp client so Retry-After can be honoured.
type poster struct {
	logger  zerolog.Logger
	target  string
	url     string
	client  *retryablehttp.Client
	timing  timing
	mu      sync.Mutex
	limiter map[Kind]*rate.Limiter
}

func newPoster(logger zerolog.Logger, target, url string, t timing) *poster {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.CheckRetry = func(context.Context, *http.Response, error) (bool, error) {
		return false, nil
	}
	client.Logger = nil
	client.HTTPClient = &http.Client{Timeout: t.requestTimeout}

	return &poster{
		logger:  logger,
		target:  target,
		url:     url,
		client:  client,
		timing:  t,
		limiter: make(map[Kind]*rate.Limiter),
	}
}

// deliver waits for the kind's rate slot, then posts with retry.
func (p *poster) deliver(ctx context.Context, kind Kind, payload []byte) error {
	if err := p.limiterFor(kind).Wait(ctx); err != nil {
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = p.timing.retryInitial
	policy.MaxInterval = p.timing.retryMax
	policy.MaxElapsedTime = p.timing.retryBudget
	policy.Reset()

	for attempt := 1; ; attempt++ {
		err := p.post(ctx, payload)
		if err == nil {
			return nil
		}

		var wait time.Duration
		var throttled *throttledError
		var transient *transientError
		switch {
		case errors.As(err, &throttled):
			wait = throttled.After
		case errors.As(err, &transient):
			wait = policy.NextBackOff()
			if wait == backoff.Stop {
				return err
			}
		default:
			return err
		}

		p.logger.Debug().Err(err).Int("attempt", attempt).Dur("wait", wait).Str("target", p.target).Msg("notification delivery retrying")
		if !sleepCtx(ctx, wait) {
			return ctx.Err()
		}
	}
}

func (p *poster) limiterFor(kind Kind) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.limiter[kind]
	if !ok {
		l = rate.NewLimiter(rate.Every(p.timing.rateInterval), p.timing.rateBurst)
		p.limiter[kind] = l
	}
	return l
}

func (p *poster) post(ctx context.Context, payload []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, p.timing.requestTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", p.target, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &transientError{err: fmt.Errorf("%s request failed: %w", p.target, err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	text := strings.TrimSpace(string(body))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		if after, ok := retryAfter(resp.Header.Get("Retry-After")); ok {
			return &throttledError{After: after, status: resp.Status}
		}
		return &transientError{err: fmt.Errorf("%s rate limited: %s", p.target, resp.Status)}
	case code >= http.StatusInternalServerError:
		return &transientError{err: fmt.Errorf("%s server error: %s", p.target, resp.Status)}
	case text != "":
		return fmt.Errorf("%s rejected notification: %s (%s)", p.target, resp.Status, text)
	default:
		return fmt.Errorf("%s rejected notification: %s", p.target, resp.Status)
	}
}

// retryAfter reads a Retry-After header in either seconds or HTTP-date form.
func retryAfter(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second, seconds > 0
	}
	when, err := http.ParseTime(value)
	if err != nil {
		return 0, false
	}
	wait := time.Until(when)
	return wait, wait > 0
}

func sleepCtx(ctx context.Context, wait time.Duration) bool {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

type throttledError struct {
	After  time.Duration
	status string
}

func (e *throttledError) Error() string {
	return fmt.Sprintf("rate limited (%s); retry after %s", e.status, e.After)
}
