// Package wakatime is a client for the WakaTime heartbeat API.
//
// Client implements heartbeat.Sink, so it plugs straight into an emitter:
//
//	client, err := wakatime.New(wakatime.Config{APIKey: key})
//	emitter, err := heartbeat.NewEmitter(heartbeat.DefaultConfig(), client)
//
// Failures are returned as structured errors whose code follows the HTTP
// status: 401 UNAUTHORIZED, 403 FORBIDDEN, 400 INVALID_INPUT, 429
// RATE_LIMITED, 5xx UNAVAILABLE. Transport failures are NETWORK_ERR or
// TIMEOUT. When a mirror URL is configured (e.g. a HackaTime relay), each
// delivery is also posted there on a best-effort basis.
package wakatime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	aerrors "github.com/vinayprograms/activitykit/errors"
	"github.com/vinayprograms/activitykit/heartbeat"
	"github.com/vinayprograms/activitykit/logging"
	"github.com/vinayprograms/activitykit/ratelimit"
	"github.com/vinayprograms/activitykit/telemetry"
)

const (
	DefaultBaseURL   = "https://api.wakatime.com/api/v1"
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "activitykit/1.0.0"

	// RateLimitResource is the limiter resource used for API calls.
	RateLimitResource = "wakatime"

	maxResponseBody = 1 << 20
)

// Config configures a Client.
type Config struct {
	// APIKey authenticates requests. Without one every call fails with
	// UNAUTHORIZED and no request is made.
	APIKey string

	// BaseURL of the API. Default: DefaultBaseURL
	BaseURL string

	// UserAgent header value. Default: DefaultUserAgent
	UserAgent string

	// Timeout per request. Default: 30 seconds
	Timeout time.Duration

	// Proxy URL for outgoing requests. Empty uses the environment.
	Proxy string

	// MirrorURL receives a best-effort copy of every delivery at
	// MirrorURL+"/heartbeat" and MirrorURL+"/heartbeats".
	MirrorURL string

	// RequestsPerMinute budgets API calls client-side. Zero means unlimited.
	RequestsPerMinute int
}

// Validate checks URLs and limits.
func (c *Config) Validate() error {
	if c.BaseURL != "" {
		if err := validURL(c.BaseURL); err != nil {
			return fmt.Errorf("base_url: %w", err)
		}
	}
	if c.MirrorURL != "" {
		if err := validURL(c.MirrorURL); err != nil {
			return fmt.Errorf("mirror_url: %w", err)
		}
	}
	if c.Proxy != "" {
		if err := validURL(c.Proxy); err != nil {
			return fmt.Errorf("proxy: %w", err)
		}
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("requests_per_minute must not be negative")
	}
	return nil
}

func validURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

// Client talks to the WakaTime API.
type Client struct {
	cfg          Config
	http         *http.Client
	limiter      ratelimit.RateLimiter
	ownedLimiter bool
	clock        quartz.Clock
	logger       *logging.Logger
	tracer       *telemetry.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default instrumented HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLimiter shares a rate limiter across clients.
func WithLimiter(l ratelimit.RateLimiter) Option {
	return func(c *Client) { c.limiter = l }
}

func WithClock(clock quartz.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

func WithLogger(l *logging.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func WithTracer(t *telemetry.Tracer) Option {
	return func(c *Client) { c.tracer = t }
}

// New creates a client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid wakatime config: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.MirrorURL = strings.TrimRight(cfg.MirrorURL, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	c := &Client{
		cfg:    cfg,
		clock:  quartz.NewReal(),
		logger: logging.New().WithComponent("wakatime"),
		tracer: telemetry.GetTracer(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.http == nil {
		hc, err := newHTTPClient(cfg)
		if err != nil {
			return nil, err
		}
		c.http = hc
	}
	if cfg.RequestsPerMinute > 0 {
		if c.limiter == nil {
			c.limiter = ratelimit.NewMemoryLimiter(c.clock)
			c.ownedLimiter = true
		}
		c.limiter.SetCapacity(RateLimitResource, cfg.RequestsPerMinute, time.Minute)
	}
	return c, nil
}

func newHTTPClient(cfg Config) (*http.Client, error) {
	base := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Proxy != "" {
		proxy, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy: %w", err)
		}
		base.Proxy = http.ProxyURL(proxy)
	}
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(base),
	}, nil
}

// Close releases idle connections and any limiter the client created.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	if c.ownedLimiter {
		return c.limiter.Close()
	}
	return nil
}

// --- Heartbeat delivery ---

// wireHeartbeat adds the entity_type field the API expects alongside type.
type wireHeartbeat struct {
	heartbeat.Heartbeat
	EntityType heartbeat.Kind `json:"entity_type"`
}

func toWire(hb heartbeat.Heartbeat) wireHeartbeat {
	return wireHeartbeat{Heartbeat: hb, EntityType: hb.Kind}
}

// SendOne posts a single heartbeat.
func (c *Client) SendOne(ctx context.Context, hb heartbeat.Heartbeat) error {
	return c.withMirror(ctx, "/heartbeat", hb, func(ctx context.Context) error {
		return c.post(ctx, "wakatime.one", "/users/current/heartbeats", toWire(hb), 1)
	})
}

// SendMany posts heartbeats in one bulk request, preserving order.
func (c *Client) SendMany(ctx context.Context, hbs []heartbeat.Heartbeat) error {
	if len(hbs) == 0 {
		return nil
	}
	wire := make([]wireHeartbeat, len(hbs))
	for i, hb := range hbs {
		wire[i] = toWire(hb)
	}
	return c.withMirror(ctx, "/heartbeats", hbs, func(ctx context.Context) error {
		return c.post(ctx, "wakatime.bulk", "/users/current/heartbeats.bulk", wire, len(hbs))
	})
}

// withMirror runs the primary delivery and the mirror copy concurrently.
// Only the primary result is returned.
func (c *Client) withMirror(ctx context.Context, path string, payload interface{}, primary func(context.Context) error) error {
	if c.cfg.APIKey == "" || c.cfg.MirrorURL == "" {
		return primary(ctx)
	}
	var g errgroup.Group
	g.Go(func() error { return primary(ctx) })
	g.Go(func() error {
		if err := c.mirror(ctx, path, payload); err != nil {
			c.logger.Warn("mirror_failed", map[string]interface{}{
				"url":   c.cfg.MirrorURL + path,
				"error": err.Error(),
			})
		}
		return nil
	})
	return g.Wait()
}

func (c *Client) mirror(ctx context.Context, path string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.MirrorURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mirror returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, op, path string, payload interface{}, count int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return aerrors.WrapWithCode(err, aerrors.ErrCodeInvalidInput, "failed to encode heartbeats",
			aerrors.WithBatchSize(count))
	}

	ctx, span := c.tracer.StartSendSpan(ctx, op)
	status, err := c.do(ctx, http.MethodPost, path, nil, body, nil)
	c.tracer.EndSendSpan(span, telemetry.SendSpanOptions{Endpoint: path, StatusCode: status, Count: count}, err)
	if err != nil {
		return err
	}
	c.logger.Debug("heartbeats_sent", map[string]interface{}{
		"count":  count,
		"status": status,
	})
	return nil
}

// --- Read endpoints ---

// Today returns the summary for the current day.
func (c *Client) Today(ctx context.Context) (*Summary, error) {
	day := c.clock.Now("wakatime", "today").Format("2006-01-02")
	q := url.Values{"start": {day}, "end": {day}}

	var resp summariesResponse
	if err := c.get(ctx, "/users/current/summaries", q, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return &Summary{}, nil
	}
	return &resp.Data[0], nil
}

// Stats returns aggregated stats for r. An empty range means Last7Days.
func (c *Client) Stats(ctx context.Context, r Range) (*Stats, error) {
	if r == "" {
		r = Last7Days
	}
	if !r.Valid() {
		return nil, aerrors.InvalidInput(fmt.Sprintf("unknown stats range %q", r))
	}
	var resp dataResponse[Stats]
	if err := c.get(ctx, "/users/current/stats/"+string(r), nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// Projects lists the user's projects.
func (c *Client) Projects(ctx context.Context) ([]Project, error) {
	var resp dataResponse[[]Project]
	if err := c.get(ctx, "/users/current/projects", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// CurrentUser returns the authenticated user.
func (c *Client) CurrentUser(ctx context.Context) (*User, error) {
	var resp dataResponse[User]
	if err := c.get(ctx, "/users/current", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Data, nil
}

// Goals lists the user's goals.
func (c *Client) Goals(ctx context.Context) ([]Goal, error) {
	var resp dataResponse[[]Goal]
	if err := c.get(ctx, "/users/current/goals", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Leaders returns the public leaderboard.
func (c *Client) Leaders(ctx context.Context) (*Leaderboard, error) {
	var resp Leaderboard
	if err := c.get(ctx, "/leaders", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	_, err := c.do(ctx, http.MethodGet, path, query, nil, out)
	return err
}

// --- Transport ---

// do performs one authenticated request and maps failures to structured
// errors. It returns the HTTP status when a response was received.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out interface{}) (int, error) {
	if c.cfg.APIKey == "" {
		return 0, aerrors.Unauthorized("no API key configured")
	}
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, RateLimitResource); err != nil && !errors.Is(err, ratelimit.ErrResourceUnknown) {
			return 0, aerrors.Wrap(err, "waiting for rate limit")
		}
	}

	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return 0, aerrors.WrapWithCode(err, aerrors.ErrCodeInternal, "failed to create request")
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, transportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, aerrors.Network("failed to read response", aerrors.WithCause(err),
			aerrors.WithStatus(resp.StatusCode))
	}

	if !accepted(method, resp.StatusCode) {
		return resp.StatusCode, c.statusError(resp, respBody)
	}
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.StatusCode, aerrors.WrapWithCode(err, aerrors.ErrCodeInternal, "failed to parse response",
				aerrors.WithStatus(resp.StatusCode))
		}
	}
	return resp.StatusCode, nil
}

// accepted reports whether status counts as success. Deliveries must be
// 201 or 202; reads must be 200.
func accepted(method string, status int) bool {
	if method == http.MethodPost {
		return status == http.StatusCreated || status == http.StatusAccepted
	}
	return status == http.StatusOK
}

func transportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return aerrors.Wrap(ctxErr, "request aborted")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return aerrors.Timeout("request timed out", aerrors.WithCause(err))
	}
	return aerrors.Network("request failed", aerrors.WithCause(err))
}

func (c *Client) statusError(resp *http.Response, body []byte) error {
	status := resp.StatusCode
	msg := http.StatusText(status)
	var apiErr apiErrorBody
	if json.Unmarshal(body, &apiErr) == nil && apiErr.String() != "" {
		msg = apiErr.String()
	}
	opts := []aerrors.Option{aerrors.WithStatus(status)}

	switch {
	case status == http.StatusUnauthorized:
		return aerrors.Unauthorized(msg, opts...)
	case status == http.StatusForbidden:
		return aerrors.Forbidden(msg, opts...)
	case permanentInput(status):
		return aerrors.InvalidInput(msg, opts...)
	case status == http.StatusRequestTimeout:
		return aerrors.Timeout(msg, opts...)
	case status == http.StatusNotFound:
		return aerrors.New(aerrors.ErrCodeNotFound, msg, opts...)
	case status == http.StatusTooManyRequests:
		if c.limiter != nil {
			c.limiter.Reduce(RateLimitResource, "HTTP 429")
		}
		if after := resp.Header.Get("Retry-After"); after != "" {
			if secs, err := strconv.Atoi(after); err == nil {
				opts = append(opts, aerrors.WithMetadata("retry_after", strconv.Itoa(secs)))
			}
		}
		return aerrors.RateLimited(msg, opts...)
	case status >= 500:
		return aerrors.Unavailable(msg, opts...)
	case status >= 400:
		return aerrors.New(aerrors.ErrCodeRetryLater, msg, opts...)
	default:
		return aerrors.New(aerrors.ErrCodeRetryLater, fmt.Sprintf("unexpected status %d", status), opts...)
	}
}

// permanentInput reports statuses that reject the request body itself, so
// resending the same batch cannot succeed. Other 4xx responses are retried.
func permanentInput(status int) bool {
	switch status {
	case http.StatusBadRequest,
		http.StatusRequestEntityTooLarge,
		http.StatusUnsupportedMediaType,
		http.StatusUnprocessableEntity:
		return true
	}
	return false
}

// Ensure Client implements heartbeat.Sink.
var _ heartbeat.Sink = (*Client)(nil)
