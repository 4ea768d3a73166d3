package server

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

const alertAttemptThreshold = 5

// OriginConfig controls Origin header validation for HTTP requests.
// This is the DNS-rebinding defense required by the MCP specification.
type OriginConfig struct {
	AllowedOrigins          []string `toml:"allowed_origins"`
	AllowLocalhost          bool     `toml:"allow_localhost"`
	AllowFileProtocol       bool     `toml:"allow_file_protocol"`
	AllowVSCodeWebview      bool     `toml:"allow_vscode_webview"`
	RequireOriginHeader     bool     `toml:"require_origin_header"`
	LogUnauthorizedAttempts bool     `toml:"log_unauthorized_attempts"`
}

// OriginDecision is the outcome of validating one origin value.
type OriginDecision struct {
	Allowed        bool
	Origin         string
	MatchedPattern string
	Reason         string
}

// DenialMetrics counts rejected origins.
type DenialMetrics interface {
	RecordOriginDenied()
}

// OriginValidator pattern-matches request origins and tracks repeat
// offenders. Attempt counters reset only through ResetAttempts.
type OriginValidator struct {
	cfg      OriginConfig
	patterns []originPattern
	logger   *slog.Logger
	metrics  DenialMetrics

	mu       sync.Mutex
	attempts map[string]int
	alerts   *rate.Limiter
}

type originPattern struct {
	raw string
	re  *regexp.Regexp
}

func NewOriginValidator(cfg OriginConfig, logger *slog.Logger) *OriginValidator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &OriginValidator{
		cfg:      cfg,
		logger:   logger,
		attempts: make(map[string]int),
		alerts:   rate.NewLimiter(rate.Limit(1), 5),
	}
	for _, p := range cfg.AllowedOrigins {
		v.patterns = append(v.patterns, originPattern{raw: p, re: compileOriginPattern(p)})
	}
	return v
}

// compileOriginPattern turns a pattern into an anchored regexp where "*"
// is a greedy wildcard and every other metacharacter matches literally.
func compileOriginPattern(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	for i, part := range parts {
		parts[i] = regexp.QuoteMeta(part)
	}
	return regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")
}

// Validate applies the decision order: missing header, localhost, file://,
// vscode-webview://, pattern list, deny.
func (v *OriginValidator) Validate(origin string) OriginDecision {
	if origin == "" {
		if v.cfg.RequireOriginHeader {
			return v.deny(origin, "origin header required")
		}
		return OriginDecision{Allowed: true, Reason: "no origin header"}
	}

	if v.cfg.AllowLocalhost && isLocalhostOrigin(origin) {
		return OriginDecision{Allowed: true, Origin: origin, Reason: "localhost"}
	}

	if v.cfg.AllowFileProtocol && strings.HasPrefix(origin, "file://") {
		return OriginDecision{Allowed: true, Origin: origin, Reason: "file protocol"}
	}

	if v.cfg.AllowVSCodeWebview && strings.HasPrefix(origin, "vscode-webview://") {
		return OriginDecision{Allowed: true, Origin: origin, Reason: "vscode webview"}
	}

	for _, p := range v.patterns {
		if p.re.MatchString(origin) {
			return OriginDecision{
				Allowed:        true,
				Origin:         origin,
				MatchedPattern: p.raw,
				Reason:         "pattern match",
			}
		}
	}

	return v.deny(origin, "no pattern matched")
}

// SetMetrics wires denial counting.
func (v *OriginValidator) SetMetrics(m DenialMetrics) { v.metrics = m }

func (v *OriginValidator) deny(origin, reason string) OriginDecision {
	if v.metrics != nil {
		v.metrics.RecordOriginDenied()
	}
	if v.cfg.LogUnauthorizedAttempts {
		count := v.recordAttempt(origin)
		v.logger.Warn("unauthorized origin",
			slog.String("origin", origin),
			slog.String("reason", reason),
			slog.Int("attempts", count),
		)
		if count >= alertAttemptThreshold && v.alerts.Allow() {
			v.logger.Error("repeated unauthorized origin attempts",
				slog.String("origin", origin),
				slog.Int("attempts", count),
			)
		}
	}
	return OriginDecision{Allowed: false, Origin: origin, Reason: reason}
}

func (v *OriginValidator) recordAttempt(origin string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.attempts[origin]++
	return v.attempts[origin]
}

// Attempts returns the unauthorized-attempt count for an origin.
func (v *OriginValidator) Attempts(origin string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.attempts[origin]
}

// ResetAttempts clears the counter for one origin. Admin action only.
func (v *OriginValidator) ResetAttempts(origin string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.attempts, origin)
}

func isLocalhostOrigin(origin string) bool {
	rest := origin
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	host := rest
	if strings.HasPrefix(rest, "[") {
		// Bracketed IPv6 literal.
		if i := strings.Index(rest, "]"); i >= 0 {
			host = rest[:i+1]
		}
	} else if i := strings.LastIndex(rest, ":"); i >= 0 {
		host = rest[:i]
	}
	switch host {
	case "localhost", "127.0.0.1", "[::1]":
		return true
	}
	return false
}

// CheckHTTP validates an origin for a request that requires validation and
// returns the canonical error on deny.
func (v *OriginValidator) CheckHTTP(origin string) error {
	decision := v.Validate(origin)
	if !decision.Allowed {
		return NewError(CodeOriginDenied, KindAuth, fmt.Sprintf("origin %q denied: %s", origin, decision.Reason))
	}
	return nil
}
