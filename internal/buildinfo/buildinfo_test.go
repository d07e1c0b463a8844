package buildinfo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/mod/semver"
)

func TestSemVer(t *testing.T) {
	tests := []struct {
		version string
		want    string
	}{
		{"", DevVersion},
		{"unknown", DevVersion},
		{"v1.2.0", "v1.2.0"},
		{"1.2.0", "v1.2.0"},
		{"v1.2", "v1.2.0"},
		{"v2.0.0-rc.1+build.5", "v2.0.0-rc.1"},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			saved := Version
			defer func() { Version = saved }()

			Version = tt.version
			got := SemVer()
			assert.Equal(t, tt.want, got)
			assert.Truef(t, semver.IsValid(got), "SemVer() %s is not a valid semantic version", got)
		})
	}
}

func TestUserAgent(t *testing.T) {
	savedVersion, savedCommit := Version, Commit
	defer func() { Version, Commit = savedVersion, savedCommit }()

	Version, Commit = "v1.4.2", ""
	assert.Equal(t, "ai-proxy/1.4.2", UserAgent("ai-proxy"))

	Commit = "abc1234"
	assert.Equal(t, "ai-proxy/1.4.2 (+abc1234)", UserAgent("ai-proxy"))

	Version = ""
	assert.Equal(t, "ai-proxy/0.0.0-dev (+abc1234)", UserAgent("ai-proxy"))
}

func TestUptime(t *testing.T) {
	assert.GreaterOrEqual(t, Uptime(), time.Duration(0))
}
