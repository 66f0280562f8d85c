package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greengrow/cct/pkg/metrics"
	"github.com/greengrow/cct/pkg/session"
	"github.com/greengrow/cct/pkg/storage"
	"github.com/greengrow/cct/pkg/token"
	"github.com/greengrow/cct/pkg/transcript"
)

type fakeSession struct {
	updates chan session.Update

	mu     sync.Mutex
	sent   []string
	turns  []transcript.Turn
	closed bool

	closeOnce sync.Once
}

func newFakeSession() *fakeSession {
	fs := &fakeSession{updates: make(chan session.Update, 64)}
	fs.updates <- session.ConnectionUpdate{Connected: true}
	return fs
}

func (f *fakeSession) Updates() <-chan session.Update { return f.updates }

func (f *fakeSession) SendAudio(b64 string) {
	f.mu.Lock()
	f.sent = append(f.sent, b64)
	f.mu.Unlock()
}

func (f *fakeSession) Transcript() []transcript.Turn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.turns
}

func (f *fakeSession) Close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		f.updates <- session.ConnectionUpdate{Connected: false}
		close(f.updates)
	})
}

// remoteClose ends the stream as a server-side disconnect would.
func (f *fakeSession) remoteClose() {
	f.closeOnce.Do(func() {
		f.updates <- session.ConnectionUpdate{Connected: false}
		close(f.updates)
	})
}

func (f *fakeSession) sentChunks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

type fakeMic struct {
	mu       sync.Mutex
	started  bool
	stopped  bool
	startErr error
	onChunk  func(string)
}

func (m *fakeMic) Start(context.Context) error {
	if m.startErr != nil {
		return m.startErr
	}
	m.mu.Lock()
	m.started = true
	m.mu.Unlock()
	return nil
}

func (m *fakeMic) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()
}

func (m *fakeMic) speak(b64 string) { m.onChunk(b64) }

type fakeSpeaker struct {
	mu      sync.Mutex
	chunks  [][]byte
	stopped bool
	err     error
}

func (s *fakeSpeaker) Enqueue(chunk []byte) error {
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.chunks = append(s.chunks, chunk)
	s.mu.Unlock()
	return nil
}

func (s *fakeSpeaker) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeSpeaker) Close() error { return nil }

type harness struct {
	call    *Call
	sess    *fakeSession
	mic     *fakeMic
	speaker *fakeSpeaker
	store   *storage.Memory
	obs     *metrics.MemoryObserver
	openErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sess:    newFakeSession(),
		mic:     &fakeMic{},
		speaker: &fakeSpeaker{},
		store:   storage.NewMemory(),
		obs:     metrics.NewMemoryObserver(),
	}
	h.call = New(Config{
		Endpoint: "wss://example.test/live",
		Model:    "test-model",
		Scenario: Scenario{Name: "cold-call", Instruction: "be skeptical", Voice: "Kore"},
		Tokens:   token.Static("tok"),
		OpenSession: func(_ context.Context, cfg session.Config) (SessionHandle, error) {
			if h.openErr != nil {
				return nil, h.openErr
			}
			assert.Equal(t, "tok", cfg.Token)
			assert.Equal(t, "be skeptical", cfg.Instruction)
			assert.True(t, cfg.Capabilities.WantsAudioOut)
			assert.True(t, cfg.Capabilities.TranscribeRemote)
			return h.sess, nil
		},
		NewMic: func(onChunk func(string)) Mic {
			h.mic.onChunk = onChunk
			return h.mic
		},
		Speaker: h.speaker,
		Store:   h.store,
		Metrics: h.obs,
		now:     time.Now,
		delay:   time.Millisecond,
	})
	return h
}

func eventNames(obs *metrics.MemoryObserver) []string {
	var names []string
	for _, ev := range obs.Events() {
		names = append(names, ev.Name)
	}
	return names
}

func TestStartAndEndLifecycle(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.call.Start(context.Background()))
	assert.Equal(t, StateActive, h.call.State())
	assert.True(t, h.mic.started)

	h.sess.turns = []transcript.Turn{{Role: transcript.RoleRep, Text: "hello", TimestampMS: 10}}
	h.call.End()

	assert.Equal(t, StateIdle, h.call.State())
	assert.True(t, h.mic.stopped)
	assert.True(t, h.speaker.stopped)
	assert.True(t, h.sess.closed)

	calls := h.store.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "cold-call", calls[0].Scenario)
	require.Len(t, calls[0].Transcript, 1)
	assert.Equal(t, "hello", calls[0].Transcript[0].Text)

	names := eventNames(h.obs)
	assert.Contains(t, names, metrics.EventCallStarted)
	assert.Contains(t, names, metrics.EventSessionConnected)
	assert.Contains(t, names, metrics.EventCallEnded)
}

func TestStartWhileActiveRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.call.Start(context.Background()))

	err := h.call.Start(context.Background())
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)

	h.call.End()
}

func TestTokenFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.call.cfg.Tokens = failingIssuer{}

	err := h.call.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, h.call.State())
	assert.False(t, h.mic.started)
	assert.Empty(t, h.store.Calls())
}

func TestSessionOpenFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.openErr = errors.New("handshake rejected")

	err := h.call.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, h.call.State())
	assert.False(t, h.mic.started)
}

func TestMicFailureClosesSession(t *testing.T) {
	h := newHarness(t)
	h.mic.startErr = errors.New("device busy")

	err := h.call.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, h.call.State())
	assert.True(t, h.sess.closed)
}

func TestMicChunksReachSession(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.call.Start(context.Background()))

	h.mic.speak("AAAA")
	h.mic.speak("BBBB")
	h.call.End()
	h.mic.speak("CCCC")

	assert.Equal(t, []string{"AAAA", "BBBB"}, h.sess.sentChunks())
}

func TestAudioRoutedToSpeaker(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.call.Start(context.Background()))

	h.sess.updates <- session.AudioUpdate{Data: []byte{1, 2}}
	h.sess.updates <- session.AudioUpdate{Data: []byte{3, 4}}
	h.call.End()

	require.Len(t, h.speaker.chunks, 2)
	assert.Equal(t, []byte{1, 2}, h.speaker.chunks[0])

	var firstAudio int
	for _, name := range eventNames(h.obs) {
		if name == metrics.EventFirstAudio {
			firstAudio++
		}
	}
	assert.Equal(t, 1, firstAudio)
}

func TestTranscriptCallback(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var last []transcript.Turn
	h.call.cfg.OnTranscript = func(turns []transcript.Turn) {
		mu.Lock()
		last = turns
		mu.Unlock()
	}
	require.NoError(t, h.call.Start(context.Background()))

	h.sess.updates <- session.TranscriptUpdate{
		Turns: []transcript.Turn{{Role: transcript.RoleProspect, Text: "Who is this?"}},
	}
	h.call.End()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, last, 1)
	assert.Equal(t, "Who is this?", last[0].Text)
}

func TestSessionErrorEndsCall(t *testing.T) {
	h := newHarness(t)
	var mu sync.Mutex
	var msgs []string
	h.call.cfg.OnError = func(msg string) {
		mu.Lock()
		msgs = append(msgs, msg)
		mu.Unlock()
	}
	require.NoError(t, h.call.Start(context.Background()))

	h.sess.updates <- session.ErrorUpdate{Message: "quota exceeded"}

	// The error alone must take the call down, with the microphone released
	// and the transcript persisted.
	require.Eventually(t, func() bool {
		return h.call.State() == StateIdle
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"quota exceeded"}, msgs)
	mu.Unlock()

	h.mic.mu.Lock()
	stopped := h.mic.stopped
	h.mic.mu.Unlock()
	assert.True(t, stopped)
	assert.True(t, h.sess.closed)
	assert.Len(t, h.store.Calls(), 1)
}

func TestEndDuringConnectingUnwindsStart(t *testing.T) {
	h := newHarness(t)
	release := make(chan struct{})
	h.call.cfg.Tokens = blockingIssuer{release: release}

	startErr := make(chan error, 1)
	go func() { startErr <- h.call.Start(context.Background()) }()
	require.Eventually(t, func() bool {
		return h.call.State() == StateConnecting
	}, 2*time.Second, time.Millisecond)

	endDone := make(chan struct{})
	go func() {
		h.call.End()
		close(endDone)
	}()
	require.Eventually(t, func() bool {
		return h.call.State() == StateEnding
	}, 2*time.Second, time.Millisecond)
	close(release)

	err := <-startErr
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)

	select {
	case <-endDone:
	case <-time.After(2 * time.Second):
		t.Fatal("End did not return after the cancelled start unwound")
	}

	assert.Equal(t, StateIdle, h.call.State())
	assert.True(t, h.sess.closed)
	h.mic.mu.Lock()
	stopped := h.mic.stopped
	h.mic.mu.Unlock()
	assert.True(t, stopped)
	assert.Empty(t, h.store.Calls())
}

func TestRemoteCloseTearsDown(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.call.Start(context.Background()))

	h.sess.remoteClose()

	require.Eventually(t, func() bool {
		return h.call.State() == StateIdle
	}, 2*time.Second, 5*time.Millisecond)

	h.mic.mu.Lock()
	stopped := h.mic.stopped
	h.mic.mu.Unlock()
	assert.True(t, stopped)
	assert.Len(t, h.store.Calls(), 1)
}

func TestEndWhileIdleIsNoop(t *testing.T) {
	h := newHarness(t)
	h.call.End()
	assert.Equal(t, StateIdle, h.call.State())
}

func TestCallReusableAfterEnd(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.call.Start(context.Background()))
	h.call.End()

	h.sess = newFakeSession()
	require.NoError(t, h.call.Start(context.Background()))
	assert.Equal(t, StateActive, h.call.State())
	h.call.End()

	assert.Len(t, h.store.Calls(), 2)
}

type failingIssuer struct{}

func (failingIssuer) Issue(context.Context) (token.Token, error) {
	return token.Token{}, errors.New("backend down")
}

// blockingIssuer holds Start in CONNECTING until released.
type blockingIssuer struct {
	release chan struct{}
}

func (b blockingIssuer) Issue(context.Context) (token.Token, error) {
	<-b.release
	return token.Token{Value: "tok"}, nil
}
