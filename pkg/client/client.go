// Package client provides the HTTP adapter between the request engine and the
// AI provider: request coalescing, retries, response caching, rate limit
// gating and bearer authentication.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/Sternrassler/ai-resilience/pkg/cache"
	"github.com/Sternrassler/ai-resilience/pkg/engine"
	"github.com/Sternrassler/ai-resilience/pkg/logging"
	"github.com/Sternrassler/ai-resilience/pkg/ratelimit"
)

// Prometheus metrics for provider requests.
var (
	providerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_provider_requests_total",
		Help: "Total provider requests by status",
	}, []string{"status"})

	providerRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ai_provider_request_duration_seconds",
		Help:    "Provider request duration in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})
)

// DefaultMaxBodyBytes caps the size of a provider response body.
const DefaultMaxBodyBytes = 10 << 20

// ErrBodyTooLarge is returned when a provider response exceeds MaxBodyBytes.
var ErrBodyTooLarge = errors.New("response body too large")

// Config holds the client configuration.
type Config struct {
	// BaseURL of the provider API (e.g., "https://api.example.com")
	BaseURL string

	// UserAgent header sent with every request (REQUIRED)
	UserAgent string

	// HTTPClient is the base client (default: http.Client without timeout;
	// attempts are bounded by the engine)
	HTTPClient *http.Client

	// TokenSource adds bearer authentication (optional)
	TokenSource oauth2.TokenSource

	// RateLimiter gates requests on the provider's rate limit (optional)
	RateLimiter *ratelimit.Tracker

	// MaxBodyBytes caps response bodies
	MaxBodyBytes int64

	// Logger receives client events (zero value: disabled)
	Logger zerolog.Logger
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(baseURL, userAgent string) Config {
	return Config{
		BaseURL:      baseURL,
		UserAgent:    userAgent,
		MaxBodyBytes: DefaultMaxBodyBytes,
	}
}

// Client sends provider requests through the request engine.
type Client struct {
	httpClient  *http.Client
	engine      *engine.Engine[Response]
	rateLimiter *ratelimit.Tracker
	baseURL     string
	maxBody     int64
	logger      zerolog.Logger
}

// New creates a new client that executes requests through eng.
func New(cfg Config, eng *engine.Engine[Response]) (*Client, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.MaxBodyBytes < 0 {
		return nil, fmt.Errorf("max_body_bytes must be >= 0 (got %d)", cfg.MaxBodyBytes)
	}
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	base := cfg.HTTPClient
	if base == nil {
		base = &http.Client{}
	}

	return &Client{
		httpClient:  newHTTPClient(base, cfg.UserAgent, cfg.TokenSource),
		engine:      eng,
		rateLimiter: cfg.RateLimiter,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		maxBody:     cfg.MaxBodyBytes,
		logger:      cfg.Logger.With().Str("component", logging.ComponentClient).Logger(),
	}, nil
}

// Endpoint returns the absolute provider URL for path.
func (c *Client) Endpoint(path string) string {
	if path != "" && path[0] != '/' {
		path = "/" + path
	}
	return c.baseURL + path
}

// Engine returns the engine requests run through.
func (c *Client) Engine() *engine.Engine[Response] {
	return c.engine
}

// Do executes req through the engine. Identical concurrent requests (same
// method, URL and body) are sent once; with opts.Cacheable a successful
// response is reused until its TTL expires. Non-2xx responses are returned as
// *HTTPError wrapped in an *engine.RequestError.
func (c *Client) Do(ctx context.Context, req *http.Request, opts engine.Options) (Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return Response{}, fmt.Errorf("read request body: %w", err)
		}
		body = b
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	url := req.URL.String()
	header := req.Header.Clone()

	key := RequestKey(method, url, body)
	return c.engine.Execute(ctx, key, func(ctx context.Context) (Response, error) {
		return c.send(ctx, method, url, header, body)
	}, opts)
}

// completionRequest is the JSON body Complete posts to the provider.
type completionRequest struct {
	Input  string            `json:"input"`
	Params map[string]string `json:"params,omitempty"`
}

// Complete runs the AI operation op on input with optional params by posting
// to /v1/<op>. The key is derived from op, input and params via cache.HashKey,
// so identical operations share one request and one cache entry.
func (c *Client) Complete(ctx context.Context, op, input string, params map[string]string, opts engine.Options) (Response, error) {
	if op == "" {
		return Response{}, fmt.Errorf("operation is required")
	}
	body, err := json.Marshal(completionRequest{Input: input, Params: params})
	if err != nil {
		return Response{}, fmt.Errorf("marshal request: %w", err)
	}

	url := c.Endpoint("/v1/" + op)
	header := http.Header{}
	header.Set("Content-Type", "application/json")

	key := cache.HashKey(op, input, params)
	return c.engine.Execute(ctx, key, func(ctx context.Context) (Response, error) {
		return c.send(ctx, http.MethodPost, url, header, body)
	}, opts)
}

// send performs one attempt.
func (c *Client) send(ctx context.Context, method, url string, header http.Header, body []byte) (Response, error) {
	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return Response{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("create request: %w", err)
	}
	for name, values := range header {
		req.Header[name] = append([]string(nil), values...)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	c.logger.Debug().
		Str("method", method).
		Str("url", url).
		Msg("Executing provider request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	providerRequestDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		providerRequestsTotal.WithLabelValues("network_error").Inc()
		return Response{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		providerRequestsTotal.WithLabelValues("network_error").Inc()
		return Response{}, fmt.Errorf("read response body: %w", err)
	}
	if int64(len(data)) > c.maxBody {
		return Response{}, fmt.Errorf("%w: more than %d bytes", ErrBodyTooLarge, c.maxBody)
	}

	providerRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()

	if c.rateLimiter != nil {
		if err := c.rateLimiter.UpdateFromHeaders(ctx, resp.Header); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to update rate limit from headers")
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{
			Code:   resp.StatusCode,
			Status: resp.Status,
			Body:   data,
		}
		if wait, ok := ratelimit.ParseRetryAfter(resp.Header.Get(ratelimit.HeaderRetryAfter), time.Now()); ok {
			httpErr.Wait = wait
		}

		c.logger.Warn().
			Str("url", url).
			Int("status_code", resp.StatusCode).
			Str("error_class", string(engine.ClassifyStatus(resp.StatusCode))).
			Msg("Provider request error")
		return Response{}, httpErr
	}

	return Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       data,
	}, nil
}
