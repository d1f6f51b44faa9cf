package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ThreatType names a class of hostile input
type ThreatType string

const (
	ThreatSQLInjection   ThreatType = "sql_injection"
	ThreatXSS            ThreatType = "xss"
	ThreatPathTraversal  ThreatType = "path_traversal"
	ThreatMalformedInput ThreatType = "malformed_input"
)

// ErrInvalidDeviceID is returned for device identifiers that cannot be stored.
var ErrInvalidDeviceID = errors.New("invalid device id")

// ValidationConfig bounds the client-supplied activation metadata.
type ValidationConfig struct {
	MaxDeviceIDLength  int
	MaxInfoEntries     int
	MaxInfoKeyLength   int
	MaxInfoValueLength int
}

// DefaultValidationConfig returns the limits used by the HTTP API.
func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		MaxDeviceIDLength:  128,
		MaxInfoEntries:     32,
		MaxInfoKeyLength:   64,
		MaxInfoValueLength: 256,
	}
}

// InputValidator cleans device identifiers, device metadata and source
// addresses before they reach the usage ledger. Hostile-looking values are
// logged but still stored sanitized; the ledger is an audit trail.
type InputValidator struct {
	cfg          ValidationConfig
	logger       *slog.Logger
	sqlPatterns  []*regexp.Regexp
	xssPatterns  []*regexp.Regexp
	pathPatterns []string
}

// NewInputValidator compiles the threat patterns once.
func NewInputValidator(cfg ValidationConfig, logger *slog.Logger) *InputValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &InputValidator{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "input_validator")),
		sqlPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)'\s*;\s*(drop|delete|insert|update|create|alter)\b`),
			regexp.MustCompile(`(?i)union\s+(all\s+)?select`),
			regexp.MustCompile(`(?i)\b(or|and)\s+1\s*=\s*1\b`),
		},
		xssPatterns: []*regexp.Regexp{
			regexp.MustCompile(`(?i)<script[^>]*>|</script>`),
			regexp.MustCompile(`(?i)javascript:|vbscript:`),
			regexp.MustCompile(`(?i)<iframe|<object|<embed`),
		},
		pathPatterns: []string{"../", `..\`, "..%2f", "%2e%2e%2f"},
	}
}

// CheckDeviceID trims id and rejects empty, oversized or non-printable values.
func (v *InputValidator) CheckDeviceID(ctx context.Context, id string) (string, error) {
	trimmed := strings.TrimSpace(id)
	switch {
	case trimmed == "":
		return "", fmt.Errorf("%w: empty", ErrInvalidDeviceID)
	case !utf8.ValidString(trimmed):
		return "", fmt.Errorf("%w: not valid UTF-8", ErrInvalidDeviceID)
	case utf8.RuneCountInString(trimmed) > v.cfg.MaxDeviceIDLength:
		return "", fmt.Errorf("%w: longer than %d characters", ErrInvalidDeviceID, v.cfg.MaxDeviceIDLength)
	case strings.IndexFunc(trimmed, func(r rune) bool { return !unicode.IsPrint(r) }) >= 0:
		return "", fmt.Errorf("%w: contains control characters", ErrInvalidDeviceID)
	}

	if threats := v.detectThreats(trimmed); len(threats) > 0 {
		v.logSuspiciousInput(ctx, "device_id", trimmed, threats)
	}
	return trimmed, nil
}

// SanitizeDeviceInfo returns a bounded copy of info with control characters
// removed. Entries beyond the limit are dropped in key order.
func (v *InputValidator) SanitizeDeviceInfo(ctx context.Context, info map[string]string) map[string]string {
	if len(info) == 0 {
		return nil
	}

	keys := make([]string, 0, len(info))
	for k := range info {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make(map[string]string, min(len(info), v.cfg.MaxInfoEntries))
	for _, k := range keys {
		if len(out) == v.cfg.MaxInfoEntries {
			v.logger.WarnContext(ctx, "device info truncated",
				slog.Int("entries", len(info)),
				slog.Int("kept", v.cfg.MaxInfoEntries))
			break
		}
		key := truncate(removeControlCharacters(strings.TrimSpace(k)), v.cfg.MaxInfoKeyLength)
		if key == "" {
			continue
		}
		value := truncate(removeControlCharacters(strings.TrimSpace(info[k])), v.cfg.MaxInfoValueLength)
		if threats := v.detectThreats(value); len(threats) > 0 {
			v.logSuspiciousInput(ctx, "device_info."+key, value, threats)
		}
		out[key] = value
	}
	return out
}

// NormalizeIP returns the canonical form of ip, or "" if it is not an address.
func (v *InputValidator) NormalizeIP(ip string) string {
	trimmed := strings.TrimSpace(ip)
	host := strings.Trim(trimmed, "[]")
	if h, _, err := net.SplitHostPort(trimmed); err == nil {
		host = h
	}
	parsed := net.ParseIP(host)
	if parsed == nil {
		return ""
	}
	return parsed.String()
}

func (v *InputValidator) detectThreats(input string) []ThreatType {
	var threats []ThreatType
	if !utf8.ValidString(input) {
		threats = append(threats, ThreatMalformedInput)
	}
	for _, p := range v.sqlPatterns {
		if p.MatchString(input) {
			threats = append(threats, ThreatSQLInjection)
			break
		}
	}
	for _, p := range v.xssPatterns {
		if p.MatchString(input) {
			threats = append(threats, ThreatXSS)
			break
		}
	}
	lower := strings.ToLower(input)
	for _, p := range v.pathPatterns {
		if strings.Contains(lower, p) {
			threats = append(threats, ThreatPathTraversal)
			break
		}
	}
	return threats
}

func (v *InputValidator) logSuspiciousInput(ctx context.Context, inputType, input string, threats []ThreatType) {
	v.logger.WarnContext(ctx, "suspicious input detected",
		slog.String("input_type", inputType),
		slog.String("input", truncate(input, 100)),
		slog.Any("threat_types", threats))
}

// removeControlCharacters drops every non-printable rune, including newlines.
func removeControlCharacters(input string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) {
			return r
		}
		return -1
	}, input)
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
