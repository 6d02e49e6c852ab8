// Package redact masks caller PII in transcript text before it reaches the
// debug logs of the session orchestrator and the Deepgram stream. Relayed
// and persisted transcripts are never altered.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	cardRe  = regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// SetEnabled is called once at startup from privacy.redact_pii.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Text returns the transcript text to log. With redaction off it is the
// input unchanged. A card number would also match the phone pattern, so
// cards are masked first.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = cardRe.ReplaceAllString(out, "[REDACTED_CARD]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}
