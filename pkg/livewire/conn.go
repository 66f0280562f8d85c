package livewire

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/greengrow/cct/pkg/errorsx"
	"github.com/greengrow/cct/pkg/logging"
)

// Modality selects what the remote endpoint produces.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// inputMIME tags outbound chunks with the exact rate the wire contract
// requires.
const inputMIME = "audio/pcm;rate=16000"

// Config describes one connection attempt.
type Config struct {
	// Endpoint is the websocket URL of the remote session service.
	Endpoint string
	// Token is the ephemeral bearer credential for this attempt. It is
	// passed opaquely and never refreshed.
	Token string
	// Model names the remote model to converse with.
	Model string

	ResponseModality  Modality
	SystemInstruction string
	// VoiceName selects the synthetic voice; meaningful only with
	// ModalityAudio.
	VoiceName string

	TranscribeInput  bool
	TranscribeOutput bool

	HandshakeTimeout time.Duration
	Logger           *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.ResponseModality == "" {
		c.ResponseModality = ModalityAudio
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// setup is the first client message on a fresh connection.
type setupMessage struct {
	Setup setupBody `json:"setup"`
}

type setupBody struct {
	Model            string `json:"model"`
	GenerationConfig struct {
		ResponseModalities []string    `json:"responseModalities"`
		SpeechConfig       *speechConf `json:"speechConfig,omitempty"`
	} `json:"generationConfig"`
	SystemInstruction   *instruction `json:"systemInstruction,omitempty"`
	InputTranscription  *struct{}    `json:"inputAudioTranscription,omitempty"`
	OutputTranscription *struct{}    `json:"outputAudioTranscription,omitempty"`
}

type speechConf struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type instruction struct {
	Parts []textPart `json:"parts"`
}

type textPart struct {
	Text string `json:"text"`
}

// realtimeInput carries one outbound audio chunk.
type realtimeInput struct {
	RealtimeInput struct {
		Audio inlineAudio `json:"audio"`
	} `json:"realtimeInput"`
}

type inlineAudio struct {
	Data     string `json:"data"`
	MIMEType string `json:"mimeType"`
}

// Conn is one open full-duplex connection. Events are delivered on a single
// ordered channel; Closed is always the final event, after which the
// channel is closed.
type Conn struct {
	ws     *websocket.Conn
	events chan Event
	logger *slog.Logger

	writeMu sync.Mutex
	closed  bool

	closeOnce sync.Once
}

// Dial opens a connection, performs the setup handshake and starts the
// event reader. The context bounds the handshake only.
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg = cfg.withDefaults()
	logger := logging.NewComponentLogger(cfg.Logger, "livewire")

	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("parse endpoint: %w", err), errorsx.ReasonHandshake)
	}
	q := u.Query()
	q.Set("access_token", cfg.Token)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, errorsx.Wrap(fmt.Errorf("dial: %w", err), errorsx.ReasonHandshake)
	}

	if err := ws.WriteJSON(buildSetup(cfg)); err != nil {
		_ = ws.Close()
		return nil, errorsx.Wrap(fmt.Errorf("send setup: %w", err), errorsx.ReasonHandshake)
	}

	// The first server message must acknowledge the setup.
	_ = ws.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		_ = ws.Close()
		return nil, errorsx.Wrap(fmt.Errorf("handshake read: %w", err), errorsx.ReasonHandshake)
	}
	if !isSetupComplete(raw) {
		_ = ws.Close()
		return nil, errorsx.Wrap(fmt.Errorf("handshake rejected"), errorsx.ReasonHandshake)
	}
	_ = ws.SetReadDeadline(time.Time{})

	c := &Conn{
		ws:     ws,
		events: make(chan Event, 256),
		logger: logger,
	}
	go c.readLoop()

	logger.Info("session_connected",
		slog.String("model", cfg.Model),
		slog.String("modality", string(cfg.ResponseModality)))
	return c, nil
}

func buildSetup(cfg Config) setupMessage {
	var msg setupMessage
	msg.Setup.Model = cfg.Model
	msg.Setup.GenerationConfig.ResponseModalities = []string{string(cfg.ResponseModality)}
	if cfg.ResponseModality == ModalityAudio && cfg.VoiceName != "" {
		sc := &speechConf{}
		sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = cfg.VoiceName
		msg.Setup.GenerationConfig.SpeechConfig = sc
	}
	if cfg.SystemInstruction != "" {
		msg.Setup.SystemInstruction = &instruction{Parts: []textPart{{Text: cfg.SystemInstruction}}}
	}
	if cfg.TranscribeInput {
		msg.Setup.InputTranscription = &struct{}{}
	}
	if cfg.TranscribeOutput {
		msg.Setup.OutputTranscription = &struct{}{}
	}
	return msg
}

func isSetupComplete(raw []byte) bool {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return false
	}
	return msg.SetupComplete != nil
}

// Events returns the inbound event channel. It is closed after the final
// Closed event.
func (c *Conn) Events() <-chan Event { return c.events }

// SendAudio forwards one base64-encoded 16 kHz PCM chunk. After Close it is
// a silent no-op; callers may race a final chunk against teardown.
func (c *Conn) SendAudio(b64 string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	var msg realtimeInput
	msg.RealtimeInput.Audio = inlineAudio{Data: b64, MIMEType: inputMIME}
	if err := c.ws.WriteJSON(msg); err != nil {
		return errorsx.Wrap(fmt.Errorf("send audio: %w", err), errorsx.ReasonSessionSend)
	}
	return nil
}

// Close shuts the connection down. Idempotent; the reader delivers Closed
// and closes the event channel.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
	return nil
}

func (c *Conn) readLoop() {
	defer func() {
		c.events <- Closed{}
		close(c.events)
	}()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.writeMu.Lock()
			closedLocally := c.closed
			c.writeMu.Unlock()
			// A mid-session transport failure must reach the caller as a
			// message, not just as the final Closed. A local Close and a
			// normal remote hangup stay silent.
			if !closedLocally && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("session_read_error", slog.String("error", err.Error()))
				c.events <- ErrorEvent{Message: err.Error()}
			}
			return
		}
		for _, ev := range decodeServerMessage(raw) {
			c.events <- ev
		}
	}
}
