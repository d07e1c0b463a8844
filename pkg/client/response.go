package client

import (
	"net/http"
	"strings"

	"github.com/Sternrassler/ai-resilience/pkg/cache"
)

// Response is a fully read provider response. Unlike *http.Response it can be
// shared between coalesced callers and stored in the cache.
type Response struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
}

// ResponseSizer sizes a Response by its body plus header bytes.
func ResponseSizer() cache.Sizer[Response] {
	return cache.SizerFunc[Response](func(r Response) (int64, error) {
		n := len(r.Body)
		for name, values := range r.Header {
			n += len(name)
			for _, v := range values {
				n += len(v)
			}
		}
		return int64(n), nil
	})
}

// RequestKey derives the coalescing and cache key of a raw HTTP request from
// its method, URL and body.
//
// Format: METHOD:hash
func RequestKey(method, url string, body []byte) string {
	return cache.HashKey(strings.ToUpper(method), string(body), map[string]string{"url": url})
}
