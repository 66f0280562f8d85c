// Package errorsx attaches machine-readable reason codes to errors so the
// orchestrator and callers can branch on failure class without string
// matching.
package errorsx

import "errors"

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	// Device failures: microphone or speaker unavailable/denied.
	ReasonDeviceOpen   ReasonCode = "device_open"
	ReasonDeviceRead   ReasonCode = "device_read"
	ReasonPlaybackOpen ReasonCode = "playback_open"

	// Remote session failures.
	ReasonHandshake   ReasonCode = "handshake"
	ReasonSessionSend ReasonCode = "session_send"

	// Collaborator failures.
	ReasonTokenIssue ReasonCode = "token_issue"
	ReasonStorageIO  ReasonCode = "storage_io"
)

// ReasonedError wraps an error with a reason code.
type ReasonedError struct {
	Err    error
	Reason ReasonCode
}

func (e ReasonedError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return e.Err.Error()
}

func (e ReasonedError) Unwrap() error {
	return e.Err
}

// Wrap attaches a reason code to an error (no-op if err is nil or already
// reasoned).
func Wrap(err error, reason ReasonCode) error {
	if err == nil {
		return nil
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return err
	}
	return ReasonedError{Err: err, Reason: reason}
}

// Reason extracts a reason code from an error, if present.
func Reason(err error) ReasonCode {
	if err == nil {
		return ReasonUnknown
	}
	var re ReasonedError
	if errors.As(err, &re) {
		return re.Reason
	}
	return ReasonUnknown
}

// HasReason returns true if err carries the given reason code.
func HasReason(err error, reason ReasonCode) bool {
	return Reason(err) == reason
}
