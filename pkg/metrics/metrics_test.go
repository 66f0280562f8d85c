package metrics

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryObserverRecordsInOrder(t *testing.T) {
	m := NewMemoryObserver()
	Emit(m, EventCallStarted, 0, nil)
	Emit(m, EventCallEnded, 42.5, map[string]string{"call_id": "abc"})

	evs := m.Events()
	require.Len(t, evs, 2)
	assert.Equal(t, EventCallStarted, evs[0].Name)
	assert.Equal(t, EventCallEnded, evs[1].Name)
	assert.Equal(t, 42.5, evs[1].Value)
	assert.Equal(t, "abc", evs[1].Tags["call_id"])
}

func TestEmitNilObserver(t *testing.T) {
	Emit(nil, EventFirstAudio, 1, nil)
}

func TestJSONLObserverWritesOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	o := NewJSONLObserver(&buf)
	o.RecordEvent(Event{Name: EventSessionConnected, Time: time.Now(), Value: 1.25})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, EventSessionConnected, rec["name"])
	assert.Equal(t, 1.25, rec["value"])
}

func TestAsyncObserverDrainsOnClose(t *testing.T) {
	m := NewMemoryObserver()
	a := NewAsyncObserver(m, 8)
	for i := 0; i < 5; i++ {
		a.RecordEvent(Event{Name: EventFirstAudio, Value: float64(i)})
	}
	a.Close()

	assert.Len(t, m.Events(), 5)
	assert.EqualValues(t, 0, a.Dropped())

	// After close, further events are dropped silently.
	a.RecordEvent(Event{Name: EventCallEnded})
	assert.Len(t, m.Events(), 5)
}
