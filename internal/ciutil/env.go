// Package ciutil detects CI environments and locates the external services
// integration tests run against.
package ciutil

import (
	"log/slog"
	"os"

	"github.com/phrazzld/mediatext/internal/redact"
)

// Environment variables read by this package.
const (
	EnvCI            = "CI"
	EnvGitHubActions = "GITHUB_ACTIONS"
	EnvGitLabCI      = "GITLAB_CI"
	EnvJenkinsURL    = "JENKINS_URL"
	EnvCircleCI      = "CIRCLECI"

	// EnvTestDBURL is the preferred name for the integration database.
	EnvTestDBURL = "MEDIATEXT_TEST_DB_URL"
	// EnvDatabaseURL is accepted as a fallback.
	EnvDatabaseURL = "DATABASE_URL"
	// EnvTestRedisAddr points redis-backed tests at a real server.
	EnvTestRedisAddr = "MEDIATEXT_TEST_REDIS_ADDR"
)

// IsCI reports whether the process runs under a known CI provider.
func IsCI() bool {
	return os.Getenv(EnvCI) != "" ||
		os.Getenv(EnvGitHubActions) != "" ||
		os.Getenv(EnvGitLabCI) != "" ||
		os.Getenv(EnvJenkinsURL) != "" ||
		os.Getenv(EnvCircleCI) != ""
}

// GetEnvWithFallbacks returns the first non-empty variable of names, or
// defaultValue. Using anything but the first name is logged as a warning.
func GetEnvWithFallbacks(names []string, defaultValue string, logger *slog.Logger) string {
	for i, name := range names {
		val := os.Getenv(name)
		if val == "" {
			continue
		}
		if i > 0 && logger != nil {
			logger.Warn("using fallback environment variable",
				"used_var", name,
				"preferred_var", names[0],
				"value", redact.String(val))
		}
		return val
	}
	return defaultValue
}

// TestDatabaseURL returns the Postgres URL for integration tests, or "" when
// none is configured.
func TestDatabaseURL(logger *slog.Logger) string {
	return GetEnvWithFallbacks([]string{EnvTestDBURL, EnvDatabaseURL}, "", logger)
}

// TestRedisAddr returns the redis address for integration tests, or "".
func TestRedisAddr() string {
	return os.Getenv(EnvTestRedisAddr)
}

// RequireInCI reports whether a missing external service should fail the
// test run rather than skip it.
func RequireInCI() bool {
	return IsCI() && os.Getenv("MEDIATEXT_SKIP_INTEGRATION") == ""
}
