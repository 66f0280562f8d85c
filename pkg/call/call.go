// Package call orchestrates one practice call: it mints a token, opens the
// remote session, runs the microphone into it, routes synthesized audio to
// the speaker, and persists the transcript when the call ends. The
// lifecycle is IDLE -> CONNECTING -> ACTIVE -> ENDING -> IDLE.
package call

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/greengrow/cct/pkg/capture"
	"github.com/greengrow/cct/pkg/logging"
	"github.com/greengrow/cct/pkg/metrics"
	"github.com/greengrow/cct/pkg/redact"
	"github.com/greengrow/cct/pkg/session"
	"github.com/greengrow/cct/pkg/storage"
	"github.com/greengrow/cct/pkg/token"
	"github.com/greengrow/cct/pkg/transcript"
)

// endingDelay keeps the call in ENDING briefly so trailing audio and UI
// updates settle before the next call can start.
const endingDelay = 500 * time.Millisecond

// SessionHandle is the slice of session.Session the orchestrator uses.
type SessionHandle interface {
	Updates() <-chan session.Update
	SendAudio(b64 string)
	Transcript() []transcript.Turn
	Close()
}

// Opener opens a remote session; swapped for a fake in tests.
type Opener func(ctx context.Context, cfg session.Config) (SessionHandle, error)

// Mic is the microphone capture surface.
type Mic interface {
	Start(ctx context.Context) error
	Stop()
}

// Speaker is the playback surface.
type Speaker interface {
	Enqueue(chunk []byte) error
	Stop()
	Close() error
}

// Scenario describes who the trainee is talking to.
type Scenario struct {
	Name        string
	Instruction string
	Voice       string
}

// Config wires one orchestrator.
type Config struct {
	Endpoint string
	Model    string
	Scenario Scenario

	Tokens      token.Issuer
	OpenSession Opener
	// NewMic builds the capture pipeline around the chunk callback. The
	// mic is created per call so its device handle lives exactly as long
	// as the call does.
	NewMic  func(onChunk func(b64 string)) Mic
	Speaker Speaker
	Store   storage.Port
	Metrics metrics.Observer
	Logger  *slog.Logger

	// OnTranscript receives the full transcript snapshot after every
	// applied delta.
	OnTranscript func(turns []transcript.Turn)
	// OnError receives human-readable failures worth showing to the
	// trainee. Benign teardown noise never reaches it.
	OnError func(msg string)

	now   func() time.Time
	delay time.Duration
}

// Call is one orchestrated practice call. Reusable: after it returns to
// IDLE, Start may be called again.
type Call struct {
	cfg    Config
	fsm    *stateMachine
	logger *slog.Logger

	mu        sync.Mutex
	id        string
	sess      SessionHandle
	mic       Mic
	startedAt time.Time
	sawAudio  bool

	drainDone chan struct{}
}

func New(cfg Config) *Call {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.OpenSession == nil {
		cfg.OpenSession = func(ctx context.Context, sc session.Config) (SessionHandle, error) {
			return session.Open(ctx, sc)
		}
	}
	if cfg.NewMic == nil {
		cfg.NewMic = func(onChunk func(b64 string)) Mic {
			return capture.New(capture.Config{OnChunk: onChunk, Logger: cfg.Logger})
		}
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.delay == 0 {
		cfg.delay = endingDelay
	}
	return &Call{
		cfg:    cfg,
		fsm:    newStateMachine(),
		logger: logging.NewComponentLogger(cfg.Logger, "call"),
	}
}

// State returns the current lifecycle state.
func (c *Call) State() State { return c.fsm.State() }

// AddStateListener registers a lifecycle observer.
func (c *Call) AddStateListener(l StateListener) { c.fsm.AddListener(l) }

// Start brings the call up. It is rejected while a call is already in
// flight. On any setup failure everything already acquired is released and
// the call returns to IDLE.
func (c *Call) Start(ctx context.Context) error {
	if err := c.fsm.Transition(StateConnecting, "start requested"); err != nil {
		return err
	}

	callID := uuid.NewString()
	metrics.Emit(c.cfg.Metrics, metrics.EventCallStarted, 0, map[string]string{"call_id": callID})
	c.logger.Info("call_starting", slog.String("call_id", callID))

	tok, err := c.cfg.Tokens.Issue(ctx)
	if err != nil {
		c.abortStart("token issue failed")
		return err
	}

	sess, err := c.cfg.OpenSession(ctx, session.Config{
		Endpoint:     c.cfg.Endpoint,
		Token:        tok.Value,
		Model:        c.cfg.Model,
		Instruction:  c.cfg.Scenario.Instruction,
		Voice:        c.cfg.Scenario.Voice,
		Capabilities: session.Capabilities{WantsAudioOut: true, TranscribeRemote: true},
		Logger:       c.cfg.Logger,
	})
	if err != nil {
		c.abortStart("session open failed")
		return err
	}

	mic := c.cfg.NewMic(c.sendChunk)
	if err := mic.Start(ctx); err != nil {
		sess.Close()
		for range sess.Updates() {
		}
		c.abortStart("microphone start failed")
		return err
	}

	c.mu.Lock()
	c.id = callID
	c.sess = sess
	c.mic = mic
	c.startedAt = c.cfg.now()
	c.sawAudio = false
	c.drainDone = make(chan struct{})
	c.mu.Unlock()

	if err := c.fsm.Transition(StateActive, "session open"); err != nil {
		// A hangup raced the bring-up. Release everything acquired so far
		// and settle back to IDLE; End may be blocked on drainDone.
		sess.Close()
		for range sess.Updates() {
		}
		mic.Stop()
		c.mu.Lock()
		done := c.drainDone
		c.sess = nil
		c.mic = nil
		c.drainDone = nil
		c.mu.Unlock()
		_ = c.fsm.Transition(StateIdle, "start cancelled")
		close(done)
		return err
	}
	go c.drain(sess)
	return nil
}

// End hangs up. Idempotent; a call that is not active is left alone. It
// blocks until the call has fully settled back to IDLE, including the
// ending delay.
func (c *Call) End() {
	if err := c.fsm.Transition(StateEnding, "hangup requested"); err != nil {
		return
	}
	c.mu.Lock()
	sess, done := c.sess, c.drainDone
	c.mu.Unlock()
	if sess != nil {
		sess.Close()
	}
	if done != nil {
		<-done
	}
}

// sendChunk forwards a mic chunk to the session. Chunks racing against
// teardown are dropped.
func (c *Call) sendChunk(b64 string) {
	if c.fsm.State() != StateActive {
		return
	}
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess != nil {
		sess.SendAudio(b64)
	}
}

// drain is the single consumer of the session's update channel; it routes
// audio to the speaker and snapshots outward, then runs teardown once the
// channel closes.
func (c *Call) drain(sess SessionHandle) {
	for u := range sess.Updates() {
		switch u := u.(type) {
		case session.ConnectionUpdate:
			if u.Connected {
				metrics.Emit(c.cfg.Metrics, metrics.EventSessionConnected, 0, c.tags())
			}
		case session.TranscriptUpdate:
			if c.cfg.OnTranscript != nil {
				c.cfg.OnTranscript(u.Turns)
			}
		case session.AudioUpdate:
			c.mu.Lock()
			first := !c.sawAudio
			c.sawAudio = true
			start := c.startedAt
			c.mu.Unlock()
			if first {
				metrics.Emit(c.cfg.Metrics, metrics.EventFirstAudio,
					c.cfg.now().Sub(start).Seconds(), c.tags())
			}
			if err := c.cfg.Speaker.Enqueue(u.Data); err != nil {
				c.logger.Warn("playback_enqueue_failed", slog.String("error", err.Error()))
				if c.cfg.OnError != nil {
					c.cfg.OnError(err.Error())
				}
			}
		case session.ErrorUpdate:
			c.logger.Error("session_error", slog.String("message", u.Message))
			if c.cfg.OnError != nil {
				c.cfg.OnError(u.Message)
			}
			// A session error ends the call. Closing the session drains the
			// channel, which runs the teardown below.
			sess.Close()
		}
	}
	c.finish(sess)
}

// finish tears down in a fixed order: session first, then microphone, then
// speaker, so no component feeds a peer that is already gone.
func (c *Call) finish(sess SessionHandle) {
	// Remote-initiated close lands here while still ACTIVE.
	_ = c.fsm.Transition(StateEnding, "session closed")

	sess.Close()
	c.mu.Lock()
	mic := c.mic
	id := c.id
	start := c.startedAt
	done := c.drainDone
	c.sess = nil
	c.mic = nil
	c.mu.Unlock()

	if mic != nil {
		mic.Stop()
	}
	c.cfg.Speaker.Stop()

	end := c.cfg.now()
	duration := end.Sub(start).Seconds()
	if c.cfg.Store != nil {
		rec := storage.CallRecord{
			ID:              id,
			StartedAt:       start,
			EndedAt:         end,
			DurationSeconds: duration,
			Scenario:        c.cfg.Scenario.Name,
			Voice:           c.cfg.Scenario.Voice,
			Transcript:      redact.Turns(sess.Transcript()),
		}
		if err := c.cfg.Store.SaveCall(context.Background(), rec); err != nil {
			c.logger.Error("call_record_save_failed",
				slog.String("call_id", id), slog.String("error", err.Error()))
		}
	}
	metrics.Emit(c.cfg.Metrics, metrics.EventCallEnded, duration, c.tags())
	c.logger.Info("call_ended",
		slog.String("call_id", id), slog.Float64("duration_seconds", duration))

	time.Sleep(c.cfg.delay)
	_ = c.fsm.Transition(StateIdle, "teardown complete")
	close(done)
}

// abortStart unwinds a failed Start back to IDLE without the ending delay.
func (c *Call) abortStart(reason string) {
	c.logger.Error("call_start_failed", slog.String("reason", reason))
	_ = c.fsm.Transition(StateEnding, reason)
	_ = c.fsm.Transition(StateIdle, reason)
}

func (c *Call) tags() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]string{"call_id": c.id}
}
