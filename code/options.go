// Package code provides a CodeExecutor that runs model-written Starlark.
package code

import (
	"log/slog"
	"regexp"
	"time"
)

// Option configures an Executor.
type Option func(*execConfig)

type execConfig struct {
	maxOperations uint64
	maxOutput     int
	timeout       time.Duration
	blocked       []*regexp.Regexp
	logger        *slog.Logger
}

// blockedPatterns are rejected before the code is parsed. The sandbox has no
// module loader.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*load\s*\(`),
}

func defaultConfig() execConfig {
	return execConfig{
		maxOperations: 10_000_000,
		maxOutput:     64 * 1024, // 64KB
		timeout:       30 * time.Second,
		blocked:       blockedPatterns,
	}
}

// WithMaxOperations sets the default interpreter step budget.
// Default: 10,000,000.
func WithMaxOperations(n uint64) Option {
	return func(c *execConfig) { c.maxOperations = n }
}

// WithMaxOutput sets the default maximum print output in bytes.
// Output beyond this limit is truncated and the execution fails with
// output_limit_exceeded. Default: 64KB.
func WithMaxOutput(bytes int) Option {
	return func(c *execConfig) { c.maxOutput = bytes }
}

// WithTimeout sets the default wall-clock limit for one execution.
// Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *execConfig) { c.timeout = d }
}

// WithBlockedPattern rejects code matching re with a forbidden error.
func WithBlockedPattern(re *regexp.Regexp) Option {
	return func(c *execConfig) { c.blocked = append(c.blocked, re) }
}

// WithLogger sets the structured logger. If not set, a no-op logger is used.
func WithLogger(l *slog.Logger) Option {
	return func(c *execConfig) { c.logger = l }
}
