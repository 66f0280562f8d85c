// Package metrics records call lifecycle events: when a call started, when
// the remote session came up, time to first synthesized audio, and how long
// the call ran. Events are low-rate (a handful per call), so observers are
// simple sinks.
package metrics

import "time"

// Call lifecycle event names.
const (
	EventCallStarted      = "call_started"
	EventSessionConnected = "session_connected"
	EventFirstAudio       = "first_audio"
	EventCallEnded        = "call_ended"
)

type Event struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev Event)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(Event) {}

// Emit is a convenience for observers that may be nil.
func Emit(o Observer, name string, value float64, tags map[string]string) {
	if o == nil {
		return
	}
	o.RecordEvent(Event{Name: name, Time: time.Now(), Value: value, Tags: tags})
}
