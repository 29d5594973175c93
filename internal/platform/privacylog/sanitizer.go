// Package privacylog keeps raw coordinates and identifiers out of log
// output. Rejection logging carries only coarse diagnostics: the reason,
// a device fingerprint, and a report age bucket.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const redactedValue = "[REDACTED]"

var (
	bootNonce = randomNonce()

	// fingerprintKeys are identifier attrs that may appear in logs only
	// as salted fingerprints.
	fingerprintKeys = map[string]struct{}{
		"device_id":  {},
		"canonic_id": {},
		"eid":        {},
		"finder_id":  {},
	}

	// blockedKeyParts flag attrs that must never appear at all: key
	// material and raw location data.
	blockedKeyParts = []string{
		"latitude", "longitude", "altitude", "coordinate",
		"lat_e7", "lon_e7",
		"eik", "scalar", "secret", "key", "token", "passphrase", "mnemonic",
	}
)

// Handler wraps another slog.Handler and sanitizes every record that
// passes through it.
type Handler struct {
	next slog.Handler
}

func Wrap(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &Handler{next: next}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, rec slog.Record) error {
	out := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(Sanitize(attr))
		return true
	})
	return h.next.Handle(ctx, out)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	sanitized := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		sanitized = append(sanitized, Sanitize(attr))
	}
	return &Handler{next: h.next.WithAttrs(sanitized)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{next: h.next.WithGroup(name)}
}

// Sanitize rewrites a single attribute according to the privacy rules.
func Sanitize(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	lower := strings.ToLower(key)
	if isBlockedKey(lower) {
		return slog.String(key, redactedValue)
	}
	if _, ok := fingerprintKeys[lower]; ok {
		return slog.String(fingerprintKeyName(key), Fingerprint(attrString(attr.Value)))
	}
	if attr.Value.Kind() == slog.KindGroup {
		group := attr.Value.Group()
		out := make([]any, 0, len(group))
		for _, inner := range group {
			out = append(out, Sanitize(inner))
		}
		return slog.Group(key, out...)
	}
	return attr
}

// Fingerprint renders an identifier as a short salted hash. The salt is
// per-process, so fingerprints correlate within one run but not across
// runs or log archives.
func Fingerprint(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

// AgeBucket coarsens a report age into a loggable label.
func AgeBucket(age time.Duration) string {
	switch {
	case age < 0:
		return "future"
	case age < time.Minute:
		return "<1m"
	case age < 10*time.Minute:
		return "<10m"
	case age < 30*time.Minute:
		return "<30m"
	case age < 2*time.Hour:
		return "<2h"
	case age < 24*time.Hour:
		return "<24h"
	default:
		return ">=24h"
	}
}

func fingerprintKeyName(key string) string {
	if strings.HasSuffix(strings.ToLower(key), "_fp") {
		return key
	}
	return key + "_fp"
}

func isBlockedKey(key string) bool {
	for _, part := range blockedKeyParts {
		if strings.Contains(key, part) {
			return true
		}
	}
	return false
}

func attrString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	default:
		return fmt.Sprint(v.Any())
	}
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
