package livewire

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/greengrow/cct/pkg/errorsx"
	"github.com/greengrow/cct/pkg/pcm"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// fakeEndpoint runs a minimal remote session endpoint: it acknowledges the
// setup message, then hands the connection to the test script.
func fakeEndpoint(t *testing.T, script func(ws *websocket.Conn, setup setupMessage)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		var setup setupMessage
		require.NoError(t, ws.ReadJSON(&setup))
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`)))

		if script != nil {
			script(ws, setup)
		}

		// Close cleanly so the client sees a normal closure, not a 1006
		// abnormal close from the deferred TCP teardown.
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestDialHandshakeAndEventOrder(t *testing.T) {
	audio := pcm.EncodeBase64([]byte{1, 2, 3, 4})
	srv := fakeEndpoint(t, func(ws *websocket.Conn, setup setupMessage) {
		assert.Equal(t, "test-model", setup.Setup.Model)
		assert.Equal(t, []string{"AUDIO"}, setup.Setup.GenerationConfig.ResponseModalities)
		require.NotNil(t, setup.Setup.InputTranscription)
		require.NotNil(t, setup.Setup.OutputTranscription)

		msgs := []string{
			`{"serverContent":{"inputTranscription":{"text":"Hel"}}}`,
			`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"data":"` + audio + `"}}]}}}`,
			`{"serverContent":{"turnComplete":true}}`,
		}
		for _, m := range msgs {
			require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(m)))
		}
	})
	defer srv.Close()

	conn, err := Dial(context.Background(), Config{
		Endpoint:         wsURL(srv),
		Token:            "ephemeral-token",
		Model:            "test-model",
		VoiceName:        "Kore",
		TranscribeInput:  true,
		TranscribeOutput: true,
	})
	require.NoError(t, err)
	defer conn.Close()

	var got []Event
	for ev := range conn.Events() {
		got = append(got, ev)
		if _, ok := ev.(Closed); ok {
			break
		}
	}
	require.Len(t, got, 4)
	assert.Equal(t, InputTranscript{Text: "Hel"}, got[0])
	assert.Equal(t, AudioChunk{Data: []byte{1, 2, 3, 4}}, got[1])
	assert.Equal(t, TurnComplete{}, got[2])
	assert.Equal(t, Closed{}, got[3])
}

func TestDialCarriesTokenAndVoice(t *testing.T) {
	tokenCh := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCh <- r.URL.Query().Get("access_token")
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		var setup setupMessage
		require.NoError(t, ws.ReadJSON(&setup))
		require.NotNil(t, setup.Setup.GenerationConfig.SpeechConfig)
		assert.Equal(t, "Puck",
			setup.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"setupComplete":{}}`)))
	}))
	defer srv.Close()

	conn, err := Dial(context.Background(), Config{
		Endpoint:  wsURL(srv),
		Token:     "tok-123",
		Model:     "m",
		VoiceName: "Puck",
	})
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "tok-123", <-tokenCh)
}

func TestDialRejectedHandshake(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		var setup setupMessage
		_ = ws.ReadJSON(&setup)
		_ = ws.WriteMessage(websocket.TextMessage, []byte(`{"error":{"message":"bad token"}}`))
	}))
	defer srv.Close()

	_, err := Dial(context.Background(), Config{Endpoint: wsURL(srv), Token: "x", Model: "m"})
	require.Error(t, err)
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonHandshake))
}

func TestDialRefusedConnection(t *testing.T) {
	_, err := Dial(context.Background(), Config{Endpoint: "ws://127.0.0.1:1", Token: "x", Model: "m"})
	require.Error(t, err)
	assert.True(t, errorsx.HasReason(err, errorsx.ReasonHandshake))
}

func TestSendAudioFormat(t *testing.T) {
	received := make(chan realtimeInput, 1)
	srv := fakeEndpoint(t, func(ws *websocket.Conn, _ setupMessage) {
		_, raw, err := ws.ReadMessage()
		require.NoError(t, err)
		var msg realtimeInput
		require.NoError(t, json.Unmarshal(raw, &msg))
		received <- msg
	})
	defer srv.Close()

	conn, err := Dial(context.Background(), Config{Endpoint: wsURL(srv), Token: "x", Model: "m"})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SendAudio("AAAA"))

	select {
	case msg := <-received:
		assert.Equal(t, "AAAA", msg.RealtimeInput.Audio.Data)
		assert.Equal(t, "audio/pcm;rate=16000", msg.RealtimeInput.Audio.MIMEType)
	case <-time.After(2 * time.Second):
		t.Fatal("audio chunk not received")
	}
}

func TestSendAudioAfterCloseIsNoop(t *testing.T) {
	srv := fakeEndpoint(t, nil)
	defer srv.Close()

	conn, err := Dial(context.Background(), Config{Endpoint: wsURL(srv), Token: "x", Model: "m"})
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.NoError(t, conn.SendAudio("AAAA"))
}

func TestCloseDeliversFinalClosedEvent(t *testing.T) {
	srv := fakeEndpoint(t, func(ws *websocket.Conn, _ setupMessage) {
		// Hold the connection open until the client closes it.
		_, _, _ = ws.ReadMessage()
	})
	defer srv.Close()

	conn, err := Dial(context.Background(), Config{Endpoint: wsURL(srv), Token: "x", Model: "m"})
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// A locally initiated close is not an error; Closed is the only event.
	var got []Event
	for ev := range conn.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 1)
	assert.Equal(t, Closed{}, got[0])
}

func TestAbruptDisconnectSurfacesError(t *testing.T) {
	srv := fakeEndpoint(t, func(ws *websocket.Conn, _ setupMessage) {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage,
			[]byte(`{"serverContent":{"inputTranscription":{"text":"hi"}}}`)))
		// Kill the TCP connection without a close handshake.
		_ = ws.UnderlyingConn().Close()
	})
	defer srv.Close()

	conn, err := Dial(context.Background(), Config{
		Endpoint:        wsURL(srv),
		Token:           "x",
		Model:           "m",
		TranscribeInput: true,
	})
	require.NoError(t, err)
	defer conn.Close()

	var got []Event
	for ev := range conn.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 3)
	assert.Equal(t, InputTranscript{Text: "hi"}, got[0])
	errEv, ok := got[1].(ErrorEvent)
	require.True(t, ok, "a dropped connection must surface a message before Closed")
	assert.NotEmpty(t, errEv.Message)
	assert.Equal(t, Closed{}, got[2])
}
