package client

import (
	"net/http"

	"golang.org/x/oauth2"
)

// userAgentRoundTripper sets the User-Agent header on every request.
type userAgentRoundTripper struct {
	base      http.RoundTripper
	userAgent string
}

func (rt *userAgentRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", rt.userAgent)
	return rt.base.RoundTrip(clone)
}

// newHTTPClient wraps base with User-Agent and, when ts is set, bearer token
// transports. base is copied, never modified.
func newHTTPClient(base *http.Client, userAgent string, ts oauth2.TokenSource) *http.Client {
	c := *base
	transport := c.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	if ts != nil {
		transport = &oauth2.Transport{Source: ts, Base: transport}
	}
	c.Transport = &userAgentRoundTripper{base: transport, userAgent: userAgent}
	return &c
}

// StaticToken returns a token source for a fixed API key.
func StaticToken(apiKey string) oauth2.TokenSource {
	return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey, TokenType: "Bearer"})
}
