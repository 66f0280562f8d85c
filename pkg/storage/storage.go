// Package storage persists finished call records. The orchestrator talks to
// the Port interface only; file and in-memory implementations are provided.
package storage

import (
	"context"
	"time"

	"github.com/greengrow/cct/pkg/transcript"
)

// CallRecord is one finished practice call.
type CallRecord struct {
	ID              string            `json:"id"`
	StartedAt       time.Time         `json:"startedAt"`
	EndedAt         time.Time         `json:"endedAt"`
	DurationSeconds float64           `json:"durationSeconds"`
	Scenario        string            `json:"scenario,omitempty"`
	Voice           string            `json:"voice,omitempty"`
	Transcript      []transcript.Turn `json:"transcript"`
}

// Port is the persistence boundary.
type Port interface {
	SaveCall(ctx context.Context, rec CallRecord) error
}
