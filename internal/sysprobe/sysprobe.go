// Package sysprobe answers the update preflight questions: is there enough
// free disk, and can the controller reach the outside world.
package sysprobe

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

const (
	defaultProbeTimeout = 5 * time.Second
	defaultProbeRetries = 2
)

// Host probes the local machine.
type Host struct {
	logger   zerolog.Logger
	probeURL string
	client   *retryablehttp.Client
}

// Option customizes a Host.
type Option func(*Host)

// WithHTTPClient swaps the transport used for reachability probes.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Host) {
		h.client.HTTPClient = c
	}
}

// WithRetries sets how many times a failed probe is retried.
func WithRetries(n int) Option {
	return func(h *Host) {
		h.client.RetryMax = n
	}
}

// NewHost returns a probe that checks reachability against probeURL.
func NewHost(logger zerolog.Logger, probeURL string, opts ...Option) *Host {
	client := retryablehttp.NewClient()
	client.RetryMax = defaultProbeRetries
	client.RetryWaitMin = 200 * time.Millisecond
	client.RetryWaitMax = time.Second
	client.Logger = nil
	client.CheckRetry = retryTransportErrors
	client.HTTPClient = &http.Client{Timeout: defaultProbeTimeout}

	h := &Host{logger: logger, probeURL: probeURL, client: client}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// retryTransportErrors retries only when no response arrived. Any status
// code proves the network is up.
func retryTransportErrors(ctx context.Context, _ *http.Response, err error) (bool, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	return err != nil, nil
}

// FreeBytes reports the space available to unprivileged users on the
// filesystem holding path.
func (h *Host) FreeBytes(path string) (uint64, error) {
	free, err := freeBytes(path)
	if err != nil {
		return 0, fmt.Errorf("stat filesystem %s: %w", path, err)
	}
	return free, nil
}

// Reachable issues a HEAD request, retried on transport failures. Any HTTP
// response, including a 5xx, counts as reachable.
func (h *Host) Reachable(ctx context.Context) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, h.probeURL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", h.probeURL, err)
	}
	defer resp.Body.Close()
	h.logger.Debug().Str("url", h.probeURL).Int("status", resp.StatusCode).Msg("network probe answered")
	return nil
}
