// Package fetcher retrieves fresh proxy data for a key from the upstream provider.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/nimburion/keyrotate/pkg/observability/logger"
	"github.com/nimburion/keyrotate/pkg/observability/tracing"
	"github.com/nimburion/keyrotate/pkg/resilience"
)

var (
	// ErrUpstream is returned for non-2xx upstream responses.
	ErrUpstream = errors.New("upstream error")
	// ErrInvalidPayload is returned when the upstream body is not JSON.
	ErrInvalidPayload = errors.New("invalid payload")
)

const (
	defaultTimeout  = 30 * time.Second
	defaultKeyParam = "key"
	maxBodyBytes    = 1 << 20

	defaultBreakerCooldown = 30 * time.Second
)

// Fetcher performs the refresh call for one key secret.
type Fetcher interface {
	Fetch(ctx context.Context, secret string) (json.RawMessage, error)
}

// Config configures the HTTP fetcher.
type Config struct {
	BaseURL  string
	KeyParam string
	Timeout  time.Duration
	// RateLimit caps outbound requests per second across all keys; zero disables it.
	RateLimit float64
	Burst     int
	UserAgent string
	// BreakerFailures consecutive transport errors or 5xx responses stop
	// upstream calls for BreakerCooldown; zero disables the breaker.
	BreakerFailures int
	BreakerCooldown time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.KeyParam) == "" {
		c.KeyParam = defaultKeyParam
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Burst < 1 {
		c.Burst = 1
	}
	if c.BreakerFailures > 0 && c.BreakerCooldown <= 0 {
		c.BreakerCooldown = defaultBreakerCooldown
	}
}

// Option customises an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) Option {
	return func(f *HTTPFetcher) { f.client = client }
}

// HTTPFetcher calls GET {base}?{param}={secret} and returns the JSON body.
type HTTPFetcher struct {
	client  *http.Client
	base    *url.URL
	config  Config
	limiter *rate.Limiter
	breaker *resilience.CircuitBreaker
	log     logger.Logger
}

// NewHTTPFetcher validates cfg and builds a fetcher.
func NewHTTPFetcher(cfg Config, log logger.Logger, opts ...Option) (*HTTPFetcher, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid fetcher base url %q", cfg.BaseURL)
	}

	f := &HTTPFetcher{
		client: &http.Client{Timeout: cfg.Timeout},
		base:   base,
		config: cfg,
		log:    log,
	}
	if cfg.RateLimit > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	if cfg.BreakerFailures > 0 {
		f.breaker = resilience.NewCircuitBreaker(resilience.Config{
			MaxFailures: cfg.BreakerFailures,
			Cooldown:    cfg.BreakerCooldown,
			OnStateChange: func(from, to resilience.State) {
				log.Warn("upstream circuit breaker state changed", "from", from.String(), "to", to.String(), "host", base.Host)
			},
		})
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch returns the raw JSON payload for secret.
func (f *HTTPFetcher) Fetch(ctx context.Context, secret string) (payload json.RawMessage, err error) {
	ctx, span := tracing.StartFetchSpan(ctx, f.base.Host)
	defer func() {
		tracing.RecordError(span, err)
		span.End()
	}()

	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("secret is required")
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if f.breaker == nil {
		return f.do(ctx, secret)
	}
	if err := f.breaker.Allow(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	payload, err = f.do(ctx, secret)
	switch {
	case err == nil:
		f.breaker.Record(nil)
	case ctx.Err() != nil:
		f.breaker.Release()
	case isUpstreamOutage(err):
		f.breaker.Record(err)
	default:
		f.breaker.Record(nil)
	}
	return payload, err
}

// do performs one upstream request.
func (f *HTTPFetcher) do(ctx context.Context, secret string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.requestURL(secret), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	tracing.InjectHeaders(ctx, req.Header)
	if f.config.UserAgent != "" {
		req.Header.Set("User-Agent", f.config.UserAgent)
	}

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			urlErr.URL = f.redactedURL(secret)
		}
		return nil, &outageError{err: fmt.Errorf("request upstream: %w", err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}
	f.log.WithContext(ctx).Debug("upstream responded",
		"key", MaskSecret(secret),
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, snippet(body))
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, &outageError{err: err}
		}
		return nil, err
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, snippet(body))
	}
	return json.RawMessage(body), nil
}

// outageError marks failures that count against the circuit breaker.
type outageError struct{ err error }

func (e *outageError) Error() string { return e.err.Error() }
func (e *outageError) Unwrap() error { return e.err }

func isUpstreamOutage(err error) bool {
	var outage *outageError
	return errors.As(err, &outage)
}

func (f *HTTPFetcher) requestURL(secret string) string {
	u := *f.base
	q := u.Query()
	q.Set(f.config.KeyParam, secret)
	u.RawQuery = q.Encode()
	return u.String()
}

// redactedURL is the request URL with the secret masked, safe for errors and logs.
func (f *HTTPFetcher) redactedURL(secret string) string {
	u := *f.base
	q := u.Query()
	q.Del(f.config.KeyParam)
	masked := url.QueryEscape(f.config.KeyParam) + "=" + MaskSecret(secret)
	if rest := q.Encode(); rest != "" {
		masked = rest + "&" + masked
	}
	u.RawQuery = masked
	return u.String()
}

// MaskSecret keeps the first and last two characters of a secret for logs.
func MaskSecret(secret string) string {
	if len(secret) <= 6 {
		return "***"
	}
	return secret[:2] + "***" + secret[len(secret)-2:]
}

func snippet(body []byte) string {
	const limit = 200
	s := strings.TrimSpace(string(body))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
