// Package transport is the HTTP client for the flag server's SDK endpoints.
// Every call runs through the retry policy and the circuit breaker.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/TimurManjosov/flagship-go/internal/apierr"
	"github.com/TimurManjosov/flagship-go/internal/breaker"
	"github.com/TimurManjosov/flagship-go/internal/events"
	"github.com/TimurManjosov/flagship-go/internal/flags"
	"github.com/TimurManjosov/flagship-go/internal/retry"
	"github.com/TimurManjosov/flagship-go/internal/streaming"
	"github.com/TimurManjosov/flagship-go/internal/telemetry"
)

const (
	HeaderAPIKey     = "X-API-Key"
	HeaderSDKVersion = "X-Flagship-SDK-Version"

	// maxErrorBodySize limits how much of an error response body we read (1KB)
	maxErrorBodySize = 1024

	tracerName = "github.com/TimurManjosov/flagship-go/internal/transport"
)

// Config holds connection settings.
type Config struct {
	BaseURL         string
	APIKey          string
	SecondaryAPIKey string
	Timeout         time.Duration
	SDKVersion      string
	SignRequests    bool
	HTTPClient      *http.Client
}

type Option func(*Client)

func WithLogger(l zerolog.Logger) Option { return func(c *Client) { c.logger = l } }

func WithMetrics(m *telemetry.Metrics) Option { return func(c *Client) { c.metrics = m } }

func WithTracer(t trace.Tracer) Option { return func(c *Client) { c.tracer = t } }

// Client is an HTTP client for the flag server.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *breaker.Breaker
	retry   retry.Policy
	logger  zerolog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	now     func() time.Time

	mu         sync.RWMutex
	activeKey  string
	failedOver bool
}

// New creates a client. br and policy guard every call.
func New(cfg Config, br *breaker.Breaker, policy retry.Policy, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apierr.New(apierr.CodeConfigInvalid, fmt.Sprintf("invalid base url %q", cfg.BaseURL))
	}
	cfg.BaseURL = base.String()
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if br == nil {
		br = breaker.New(breaker.DefaultConfig())
	}

	c := &Client{
		cfg:       cfg,
		http:      cfg.HTTPClient,
		breaker:   br,
		retry:     policy,
		logger:    zerolog.Nop(),
		tracer:    otel.Tracer(tracerName),
		now:       time.Now,
		activeKey: cfg.APIKey,
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// UsingSecondaryKey reports whether the client failed over to the secondary key.
func (c *Client) UsingSecondaryKey() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.failedOver
}

func (c *Client) apiKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.activeKey
}

// failover switches to the secondary key once. It reports whether a switch happened.
func (c *Client) failover() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failedOver || c.cfg.SecondaryAPIKey == "" {
		return false
	}
	c.failedOver = true
	c.activeKey = c.cfg.SecondaryAPIKey
	c.logger.Warn().Msg("[transport] primary API key rejected, switching to secondary key")
	return true
}

// Init fetches the full flag set and server settings.
func (c *Client) Init(ctx context.Context) (*InitResponse, error) {
	var out InitResponse
	if err := c.call(ctx, request{method: http.MethodGet, path: "/sdk/init", endpoint: "init", out: &out, retry: true}); err != nil {
		return nil, err
	}
	return &out, nil
}

// Updates fetches changes after since. A zero since asks for everything.
func (c *Client) Updates(ctx context.Context, since time.Time) (*UpdatesResponse, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	var out UpdatesResponse
	if err := c.call(ctx, request{method: http.MethodGet, path: "/sdk/updates", endpoint: "updates", query: q, out: &out, retry: true}); err != nil {
		return nil, err
	}
	return &out, nil
}

// Evaluate asks the server for one flag under the given context.
func (c *Client) Evaluate(ctx context.Context, key string, evalCtx map[string]any) (flags.State, error) {
	var out flags.State
	err := c.call(ctx, request{
		method:   http.MethodPost,
		path:     "/sdk/evaluate",
		endpoint: "evaluate",
		body:     evaluateRequest{Key: key, Context: evalCtx},
		out:      &out,
		retry:    true,
	})
	if err != nil {
		return flags.State{}, err
	}
	if out.Key == "" {
		out.Key = key
	}
	return out, nil
}

// EvaluateAll asks the server for every flag under the given context.
func (c *Client) EvaluateAll(ctx context.Context, evalCtx map[string]any) ([]flags.State, error) {
	var out evaluateAllResponse
	err := c.call(ctx, request{
		method:   http.MethodPost,
		path:     "/sdk/evaluate/all",
		endpoint: "evaluate_all",
		body:     evaluateAllRequest{Context: evalCtx},
		out:      &out,
		retry:    true,
	})
	if err != nil {
		return nil, err
	}
	return out.Flags, nil
}

// SendEvents posts one batch. It makes a single guarded attempt; the event
// queue owns the retry budget for deliveries.
func (c *Client) SendEvents(ctx context.Context, batch []events.Event) error {
	return c.call(ctx, request{
		method:   http.MethodPost,
		path:     "/sdk/events/batch",
		endpoint: "events",
		body:     eventsRequest{Events: batch},
	})
}

// StreamToken exchanges the API key for a short-lived stream token.
func (c *Client) StreamToken(ctx context.Context) (streaming.Token, error) {
	var out streamTokenResponse
	err := c.call(ctx, request{method: http.MethodPost, path: "/sdk/stream/token", endpoint: "stream_token", out: &out, retry: true})
	if err != nil {
		return streaming.Token{}, err
	}
	return streaming.Token{Token: out.Token, ExpiresIn: time.Duration(out.ExpiresIn) * time.Second}, nil
}

// StreamURL is the SSE endpoint. The token is added by the streaming manager.
func (c *Client) StreamURL() string {
	return c.cfg.BaseURL + "/sdk/stream"
}

type request struct {
	method   string
	path     string
	endpoint string
	query    url.Values
	body     any
	out      any
	retry    bool
}

func (c *Client) call(ctx context.Context, r request) error {
	var payload []byte
	if r.body != nil {
		var err error
		payload, err = json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	attempt := func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.send(ctx, r, payload)
		})
	}
	run := func() error {
		if r.retry {
			return c.retry.Do(ctx, attempt)
		}
		return attempt(ctx)
	}

	err := run()
	if apierr.IsCode(err, apierr.CodeInvalidKey) && c.failover() {
		err = run()
	}
	return err
}

func (c *Client) send(ctx context.Context, r request, payload []byte) (err error) {
	ctx, span := c.tracer.Start(ctx, "flagship."+r.endpoint,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", r.method),
			attribute.String("url.path", r.path),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	u := c.cfg.BaseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	key := c.apiKey()
	req.Header.Set(HeaderAPIKey, key)
	req.Header.Set("User-Agent", "flagship-go/"+c.cfg.SDKVersion)
	req.Header.Set(HeaderSDKVersion, c.cfg.SDKVersion)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.SignRequests {
		ts := c.now().UnixMilli()
		req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts, 10))
		req.Header.Set(HeaderSignature, SignRequest(payload, ts, key))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.Request(r.endpoint, 0, time.Since(start))
		return apierr.FromTransport(err)
	}
	defer resp.Body.Close()
	c.metrics.Request(r.endpoint, resp.StatusCode, time.Since(start))
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if r.out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(r.out); err != nil && !errors.Is(err, io.EOF) {
		return apierr.Wrap(apierr.CodeBadPayload, err, "failed to decode response")
	}
	return nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	msg := strings.TrimSpace(string(raw))
	var eb errorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Message != "" {
		msg = eb.Message
	}

	e := apierr.FromStatus(resp.StatusCode, msg)
	if e.Code == apierr.CodeRateLimited {
		e.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
	}
	return e
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
