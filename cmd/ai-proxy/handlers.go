package main

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
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/ai-resilience/pkg/cache"
	"github.com/Sternrassler/ai-resilience/pkg/client"
	"github.com/Sternrassler/ai-resilience/pkg/engine"
	"github.com/Sternrassler/ai-resilience/pkg/metrics"
)

const (
	// maxRequestBytes caps inbound request bodies.
	maxRequestBytes = 1 << 20

	// statusClientClosedRequest is reported when the caller went away.
	statusClientClosedRequest = 499

	readyTimeout = 2 * time.Second
)

// hopHeaders are not copied from provider responses.
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
}

type server struct {
	client   *client.Client
	cache    *cache.Cache[client.Response]
	redis    *redis.Client
	defaults engine.Options
	logger   zerolog.Logger
}

func newServer(c *client.Client, respCache *cache.Cache[client.Response], redisClient *redis.Client, defaults engine.Options, logger zerolog.Logger) *server {
	return &server{
		client:   c,
		cache:    respCache,
		redis:    redisClient,
		defaults: defaults,
		logger:   logger,
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthHandler)
	mux.HandleFunc("GET /ready", readyHandler(s.redis))
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /cache/stats", s.statsHandler)
	mux.HandleFunc("DELETE /cache/{key}", s.invalidateHandler)
	mux.HandleFunc("POST /v1/", s.proxyHandler)
	return mux
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

// readyHandler pings Redis when one is configured.
func readyHandler(redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if redisClient != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
			defer cancel()

			if err := redisClient.Ping(ctx).Err(); err != nil {
				http.Error(w, fmt.Sprintf("redis unavailable: %v", err), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	}
}

type statsResponse struct {
	cache.Stats
	HitRate         float64 `json:"hit_rate"`
	PendingRequests int     `json:"pending_requests"`
}

func (s *server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats := s.cache.Stats()
	resp := statsResponse{
		Stats:           stats,
		HitRate:         stats.HitRate(),
		PendingRequests: s.client.Engine().Pending(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode cache stats")
	}
}

// invalidateHandler drops one cached response by key.
func (s *server) invalidateHandler(w http.ResponseWriter, r *http.Request) {
	if !s.client.Engine().Invalidate(r.PathValue("key")) {
		http.Error(w, "not cached", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// proxyHandler forwards POST /v1/* to the provider. "Cache-Control: no-store"
// bypasses the response cache for this request.
func (s *server) proxyHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes+1))
	if err != nil {
		http.Error(w, fmt.Sprintf("read request body: %v", err), http.StatusBadRequest)
		return
	}
	if len(body) > maxRequestBytes {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, s.client.Endpoint(r.URL.RequestURI()), bytes.NewReader(body))
	if err != nil {
		http.Error(w, fmt.Sprintf("build request: %v", err), http.StatusBadRequest)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "" {
		req.Header.Set("Content-Type", ct)
	}

	opts := s.defaults
	if r.Header.Get("Cache-Control") == "no-store" {
		opts.Cacheable = false
	}

	resp, err := s.client.Do(r.Context(), req, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	for key, values := range resp.Header {
		if hopHeaders[key] {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(resp.Body); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}

// writeError passes provider errors through and maps engine failures to
// gateway statuses.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var httpErr *client.HTTPError
	if errors.As(err, &httpErr) {
		// Retry-After carries whole seconds; round up so clients never retry early.
		if httpErr.Wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(httpErr.Wait.Seconds()))))
		}
		if len(httpErr.Body) == 0 {
			http.Error(w, httpErr.Error(), httpErr.Code)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(httpErr.Code)
		w.Write(httpErr.Body)
		return
	}

	status := http.StatusBadGateway
	var reqErr *engine.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.Class {
		case engine.ErrorClassTimeout:
			status = http.StatusGatewayTimeout
		case engine.ErrorClassCancelled:
			status = statusClientClosedRequest
		}
	}

	s.logger.Warn().
		Err(err).
		Str("path", r.URL.Path).
		Int("status_code", status).
		Msg("Proxy request failed")
	http.Error(w, fmt.Sprintf("provider request failed: %v", err), status)
}
