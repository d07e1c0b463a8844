// Package testutil provides testing utilities for the AI provider client.
package testutil

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"
)

// MockResponse defines the behavior for one mock provider response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockProvider is a configurable mock AI provider for testing. Each path
// serves a script of responses in order; the last one repeats.
type MockProvider struct {
	server *httptest.Server

	mu      sync.Mutex
	scripts map[string][]MockResponse
	counts  map[string]int

	// Tracking
	RequestCount      int
	LastRequestHeader http.Header
	LastRequestBody   []byte
}

// NewMockProvider creates a new mock provider server.
func NewMockProvider() *MockProvider {
	mock := &MockProvider{
		scripts: make(map[string][]MockResponse),
		counts:  make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

func (m *MockProvider) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	m.mu.Lock()
	m.RequestCount++
	m.LastRequestHeader = r.Header.Clone()
	m.LastRequestBody = body

	n := m.counts[r.URL.Path]
	m.counts[r.URL.Path] = n + 1

	resp := NewHealthyResponse(`{"output": "ok"}`)
	if script := m.scripts[r.URL.Path]; len(script) > 0 {
		resp = script[min(n, len(script)-1)]
	}
	m.mu.Unlock()

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// URL returns the mock server URL.
func (m *MockProvider) URL() string {
	return m.server.URL
}

// Client returns an HTTP client for the mock server.
func (m *MockProvider) Client() *http.Client {
	return m.server.Client()
}

// Close shuts down the mock server.
func (m *MockProvider) Close() {
	m.server.Close()
}

// Reset clears all tracking counters. Scripts restart from the beginning.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RequestCount = 0
	m.LastRequestHeader = nil
	m.LastRequestBody = nil
	m.counts = make(map[string]int)
}

// SetScript configures the responses served for path, in order.
func (m *MockProvider) SetScript(path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[path] = responses
}

// GetRequestCount returns the number of requests made to the server.
func (m *MockProvider) GetRequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RequestCount
}

// GetPathCount returns the number of requests made to path.
func (m *MockProvider) GetPathCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[path]
}

// GetLastRequest returns the headers and body of the last request.
func (m *MockProvider) GetLastRequest() (http.Header, []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.LastRequestHeader, m.LastRequestBody
}

// NewHealthyResponse creates a standard 200 OK response with rate limit headers.
func NewHealthyResponse(data string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       data,
		Headers: map[string]string{
			"x-ratelimit-remaining-requests": "100",
			"x-ratelimit-reset-requests":     "1s",
			"Content-Type":                   "application/json; charset=utf-8",
		},
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfter time.Duration) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "Rate limit exceeded"}`,
		Headers: map[string]string{
			"x-ratelimit-remaining-requests": "0",
			"x-ratelimit-reset-requests":     retryAfter.String(),
			"Retry-After":                    strconv.Itoa(int(retryAfter.Seconds())),
			"Content-Type":                   "application/json; charset=utf-8",
		},
	}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error": "Internal server error"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}

// NewClientErrorResponse creates a 4xx response.
func NewClientErrorResponse(status int, message string) MockResponse {
	return MockResponse{
		StatusCode: status,
		Body:       `{"error": "` + message + `"}`,
		Headers: map[string]string{
			"Content-Type": "application/json; charset=utf-8",
		},
	}
}
