// Package buildinfo holds version information set at link time:
//
//	go build -ldflags "-X github.com/Sternrassler/ai-resilience/internal/buildinfo.Version=v1.2.0 \
//	  -X github.com/Sternrassler/ai-resilience/internal/buildinfo.Commit=$(git rev-parse --short HEAD)"
package buildinfo

import (
	"fmt"
	"time"

	"golang.org/x/mod/semver"
)

// DevVersion is reported when Version is unset or not a semantic version.
const DevVersion = "v0.0.0-dev"

var (
	Version   string
	Commit    string
	StartTime = time.Now()
)

// SemVer returns Version in canonical form, or DevVersion.
func SemVer() string {
	v := Version
	if v != "" && v[0] != 'v' {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return DevVersion
	}
	return semver.Canonical(v)
}

// UserAgent returns the User-Agent sent to the provider,
// e.g. "ai-proxy/1.2.0 (+abc1234)".
func UserAgent(product string) string {
	ua := fmt.Sprintf("%s/%s", product, SemVer()[1:])
	if Commit != "" {
		ua += fmt.Sprintf(" (+%s)", Commit)
	}
	return ua
}

// Uptime returns the time since process start.
func Uptime() time.Duration {
	return time.Since(StartTime)
}
