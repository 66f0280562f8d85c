// Package redact scrubs PII from transcripts before they are persisted.
// Practice calls routinely contain the trainee's real contact details.
package redact

import (
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/greengrow/cct/pkg/transcript"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\b\+?\d[\d\s\-]{7,}\d\b`)
)

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails and phone numbers when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Turns returns a copy of the transcript with each turn's text redacted.
// When redaction is disabled the input is returned unchanged.
func Turns(turns []transcript.Turn) []transcript.Turn {
	if !enabled.Load() {
		return turns
	}
	out := make([]transcript.Turn, len(turns))
	copy(out, turns)
	for i := range out {
		out[i].Text = Text(out[i].Text)
	}
	return out
}
