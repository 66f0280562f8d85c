// Package session maintains one live conversation over the remote
// full-duplex endpoint: it forwards microphone chunks, folds asynchronous
// transcript deltas into ordered role-tagged turns, and hands synthesized
// audio onward. One parametrized implementation covers both the two-way
// voice conversation and the listen-only transcriber; a capability
// descriptor selects the behavior.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/greengrow/cct/pkg/livewire"
	"github.com/greengrow/cct/pkg/logging"
	"github.com/greengrow/cct/pkg/transcript"
)

// listenInstruction keeps the model silent in listen-only mode; its only
// job is the input transcription stream.
const listenInstruction = "You are a silent listener. Do not speak. Do not respond. " +
	"Just listen to the audio and transcribe it. Never generate any text output."

// Capabilities selects the session variant.
type Capabilities struct {
	// WantsAudioOut requests synthesized audio replies (two-way voice
	// conversation). When false the endpoint produces text only.
	WantsAudioOut bool
	// TranscribeRemote subscribes to the remote voice's transcription
	// stream in addition to the local one.
	TranscribeRemote bool
}

// Wire is the transport surface the session consumes. livewire.Conn is the
// production implementation.
type Wire interface {
	Events() <-chan livewire.Event
	SendAudio(b64 string) error
	Close() error
}

// DialFunc opens a Wire; swapped for a fake in tests.
type DialFunc func(ctx context.Context, cfg livewire.Config) (Wire, error)

// Config describes one session.
type Config struct {
	Endpoint string
	// Token is the ephemeral credential for this attempt; single-use and
	// never refreshed here.
	Token string
	Model string

	// Instruction is the behavior/system prompt (two-way variant).
	Instruction string
	// Voice is the synthetic voice identity; empty picks the endpoint
	// default.
	Voice string

	Capabilities Capabilities

	Dial   DialFunc
	Logger *slog.Logger

	// now overrides the clock in tests.
	now func() time.Time
}

// Update is one ordered session output. The orchestrator drains the update
// channel in a single loop, which makes ordering and shutdown sequencing
// explicit.
type Update interface {
	isUpdate()
}

// TranscriptUpdate carries an immutable snapshot of the transcript so far;
// emitted after every applied delta, in delivery order.
type TranscriptUpdate struct {
	Turns []transcript.Turn
}

// AudioUpdate carries one chunk of raw 24 kHz PCM from the remote voice.
type AudioUpdate struct {
	Data []byte
}

// ConnectionUpdate reports connection-state edges. false is emitted exactly
// once, whether the session ends by Close or by transport failure.
type ConnectionUpdate struct {
	Connected bool
}

// ErrorUpdate carries a human-readable failure message. Benign teardown
// noise never produces one.
type ErrorUpdate struct {
	Message string
}

func (TranscriptUpdate) isUpdate() {}
func (AudioUpdate) isUpdate()      {}
func (ConnectionUpdate) isUpdate() {}
func (ErrorUpdate) isUpdate()      {}

// Session is one open conversation. At most one per call.
type Session struct {
	wire    Wire
	caps    Capabilities
	builder *transcript.Builder
	logger  *slog.Logger

	start time.Time
	now   func() time.Time

	updates chan Update

	emitMu      sync.Mutex
	updatesDone bool

	closeOnce sync.Once
	closedMu  sync.Mutex
	closed    bool
}

// Open performs the remote handshake and starts the event loop. The first
// update on a successful open is ConnectionUpdate{true}.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dial == nil {
		cfg.Dial = func(ctx context.Context, wc livewire.Config) (Wire, error) {
			return livewire.Dial(ctx, wc)
		}
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}

	modality := livewire.ModalityText
	if cfg.Capabilities.WantsAudioOut {
		modality = livewire.ModalityAudio
	}
	wire, err := cfg.Dial(ctx, livewire.Config{
		Endpoint:          cfg.Endpoint,
		Token:             cfg.Token,
		Model:             cfg.Model,
		ResponseModality:  modality,
		SystemInstruction: cfg.Instruction,
		VoiceName:         cfg.Voice,
		TranscribeInput:   true,
		TranscribeOutput:  cfg.Capabilities.TranscribeRemote,
		Logger:            cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		wire:    wire,
		caps:    cfg.Capabilities,
		builder: transcript.NewBuilder(),
		logger:  logging.NewComponentLogger(cfg.Logger, "session"),
		now:     cfg.now,
		start:   cfg.now(),
		updates: make(chan Update, 256),
	}
	s.emit(ConnectionUpdate{Connected: true})
	go s.loop()
	return s, nil
}

// OpenListener opens the listen-only variant: text-only output, an
// explicit remain-silent instruction, and only the local transcription
// stream.
func OpenListener(ctx context.Context, cfg Config) (*Session, error) {
	cfg.Capabilities = Capabilities{}
	cfg.Instruction = listenInstruction
	cfg.Voice = ""
	return Open(ctx, cfg)
}

// Updates returns the ordered output channel. It is closed after the final
// ConnectionUpdate{false}.
func (s *Session) Updates() <-chan Update { return s.updates }

// SendAudio forwards one base64-encoded 16 kHz chunk. After Close it is a
// silent no-op, so callers may race a final chunk against teardown. A
// transport-level send failure is surfaced as an ErrorUpdate; it does not
// close the session by itself.
func (s *Session) SendAudio(b64 string) {
	s.closedMu.Lock()
	closed := s.closed
	s.closedMu.Unlock()
	if closed {
		return
	}
	if err := s.wire.SendAudio(b64); err != nil {
		s.logger.Warn("send_audio_failed", slog.String("error", err.Error()))
		s.emit(ErrorUpdate{Message: err.Error()})
	}
}

// Transcript returns an immutable snapshot of the transcript so far.
func (s *Session) Transcript() []transcript.Turn {
	return s.builder.Snapshot()
}

// Close tears the session down. Idempotent; the event loop delivers the
// final ConnectionUpdate{false} and closes the update channel.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closedMu.Lock()
		s.closed = true
		s.closedMu.Unlock()
		_ = s.wire.Close()
	})
}

func (s *Session) loop() {
	for ev := range s.wire.Events() {
		switch ev := ev.(type) {
		case livewire.InputTranscript:
			s.builder.Append(transcript.RoleRep, ev.Text, s.elapsedMS())
			s.emit(TranscriptUpdate{Turns: s.builder.Snapshot()})
		case livewire.OutputTranscript:
			if !s.caps.TranscribeRemote {
				continue
			}
			s.builder.Append(transcript.RoleProspect, ev.Text, s.elapsedMS())
			s.emit(TranscriptUpdate{Turns: s.builder.Snapshot()})
		case livewire.AudioChunk:
			if !s.caps.WantsAudioOut {
				continue
			}
			s.emit(AudioUpdate{Data: ev.Data})
		case livewire.TurnComplete:
			s.builder.SealAll()
		case livewire.Interrupted:
			s.builder.SealProspect()
		case livewire.ErrorEvent:
			s.emit(ErrorUpdate{Message: ev.Message})
		case livewire.Closed:
			s.closedMu.Lock()
			s.closed = true
			s.closedMu.Unlock()
		}
	}
	s.emit(ConnectionUpdate{Connected: false})
	s.emitMu.Lock()
	s.updatesDone = true
	close(s.updates)
	s.emitMu.Unlock()
}

func (s *Session) emit(u Update) {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.updatesDone {
		return
	}
	s.updates <- u
}

func (s *Session) elapsedMS() int64 {
	return s.now().Sub(s.start).Milliseconds()
}
