// Package transcript reconstructs a role-tagged transcript from the
// incremental text deltas a live session delivers. Deltas for a role append
// to that role's open turn until the turn is sealed; a sealed turn is never
// written again.
package transcript

import "sync"

// Role identifies the speaker a turn is attributed to.
type Role string

const (
	RoleRep      Role = "rep"
	RoleProspect Role = "prospect"
)

// Turn is one contiguous utterance by a single role. TimestampMS is the
// offset from session start at which the turn was opened.
type Turn struct {
	Role        Role   `json:"role"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestamp"`
}

// Builder accumulates turns in delivery order. It keeps one open-turn
// cursor per role; appends go to the open turn, everything after a seal
// starts a fresh one.
type Builder struct {
	mu       sync.Mutex
	turns    []*Turn
	rep      *Turn
	prospect *Turn
}

func NewBuilder() *Builder {
	return &Builder{}
}

// Append adds delta text for a role. If no turn is open for that role a new
// one is created at elapsedMS; otherwise the text is appended to the open
// turn. Empty deltas are ignored.
func (b *Builder) Append(role Role, text string, elapsedMS int64) {
	if text == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	cursor := b.cursor(role)
	if *cursor == nil {
		turn := &Turn{Role: role, Text: text, TimestampMS: elapsedMS}
		b.turns = append(b.turns, turn)
		*cursor = turn
		return
	}
	(*cursor).Text += text
}

// SealAll closes both open turns. The next delta of either role starts a
// new turn rather than appending to a stale one.
func (b *Builder) SealAll() {
	b.mu.Lock()
	b.rep = nil
	b.prospect = nil
	b.mu.Unlock()
}

// SealProspect closes only the prospect turn. Used on interruption: the
// remote reply was cut off mid-utterance, but the rep's in-progress turn is
// unaffected.
func (b *Builder) SealProspect() {
	b.mu.Lock()
	b.prospect = nil
	b.mu.Unlock()
}

// Snapshot returns a deep copy of the transcript so far. Callers may hold
// and mutate it freely without corrupting builder state.
func (b *Builder) Snapshot() []Turn {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Turn, len(b.turns))
	for i, t := range b.turns {
		out[i] = *t
	}
	return out
}

// Len returns the number of turns created so far.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.turns)
}

func (b *Builder) cursor(role Role) **Turn {
	if role == RoleProspect {
		return &b.prospect
	}
	return &b.rep
}
