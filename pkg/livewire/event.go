// Package livewire is the wire-level client for the remote full-duplex
// speech session. It owns the websocket connection, the setup handshake and
// the decoding of inbound server messages into a closed set of event types;
// everything downstream switches over that variant instead of probing
// optional JSON fields.
package livewire

import (
	"encoding/json"

	"github.com/greengrow/cct/pkg/pcm"
)

// Event is one decoded inbound server event.
type Event interface {
	isEvent()
}

// InputTranscript is an incremental speech-to-text delta for the local
// speaker.
type InputTranscript struct {
	Text string
}

// OutputTranscript is an incremental transcript delta for the remote
// synthetic voice.
type OutputTranscript struct {
	Text string
}

// AudioChunk is raw 16-bit PCM at 24 kHz mono, already base64-decoded.
type AudioChunk struct {
	Data []byte
}

// TurnComplete marks a turn boundary: open transcript turns for both roles
// must be sealed.
type TurnComplete struct{}

// Interrupted signals barge-in: the remote reply was cut off mid-utterance.
type Interrupted struct{}

// ErrorEvent carries a human-readable server error message. Error payloads
// with no usable message never become an ErrorEvent.
type ErrorEvent struct {
	Message string
}

// Closed signals that the transport has shut down. It is the last event a
// connection delivers.
type Closed struct{}

func (InputTranscript) isEvent()  {}
func (OutputTranscript) isEvent() {}
func (AudioChunk) isEvent()       {}
func (TurnComplete) isEvent()     {}
func (Interrupted) isEvent()      {}
func (ErrorEvent) isEvent()       {}
func (Closed) isEvent()           {}

// serverMessage mirrors the wire shape of one inbound message. A single
// message can carry several of these fields at once.
type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete"`
	ServerContent *serverContent `json:"serverContent"`
	Error         *serverError   `json:"error"`
}

type serverContent struct {
	ModelTurn *struct {
		Parts []contentPart `json:"parts"`
	} `json:"modelTurn"`
	TurnComplete        bool           `json:"turnComplete"`
	Interrupted         bool           `json:"interrupted"`
	InputTranscription  *transcription `json:"inputTranscription"`
	OutputTranscription *transcription `json:"outputTranscription"`
}

type contentPart struct {
	InlineData *struct {
		Data     string `json:"data"`
		MIMEType string `json:"mimeType"`
	} `json:"inlineData"`
}

type transcription struct {
	Text string `json:"text"`
}

type serverError struct {
	Message string `json:"message"`
}

// decodeServerMessage turns one raw websocket payload into zero or more
// events. The within-message order is fixed: audio parts, turn-complete,
// interrupted, then the output and input transcript deltas. A turn-complete
// carried alongside a delta therefore seals before the delta is applied.
func decodeServerMessage(raw []byte) []Event {
	var msg serverMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil
	}

	var events []Event
	if msg.Error != nil && msg.Error.Message != "" {
		events = append(events, ErrorEvent{Message: msg.Error.Message})
	}

	sc := msg.ServerContent
	if sc == nil {
		return events
	}

	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData == nil || part.InlineData.Data == "" {
				continue
			}
			data, err := pcm.DecodeBase64(part.InlineData.Data)
			if err != nil || len(data) == 0 {
				continue
			}
			events = append(events, AudioChunk{Data: data})
		}
	}
	if sc.TurnComplete {
		events = append(events, TurnComplete{})
	}
	if sc.Interrupted {
		events = append(events, Interrupted{})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, OutputTranscript{Text: sc.OutputTranscription.Text})
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, InputTranscript{Text: sc.InputTranscription.Text})
	}
	return events
}
