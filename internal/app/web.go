package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/internal/observe"
)

// Notice kinds sent to browser clients as JSON text frames.
const (
	kindTranscription = "Transcription"
	kindStopAudio     = "StopAudio"
)

// Speaker labels in browser transcription notices.
const (
	speakerUser      = "user"
	speakerAssistant = "assistant"
)

// webNotice is a JSON text frame sent to browser clients.
type webNotice struct {
	Kind    string `json:"Kind"`
	Speaker string `json:"Speaker,omitempty"`
	Text    string `json:"Text,omitempty"`
}

// webLeg talks to a browser: binary frames carry raw 24 kHz PCM16, text
// frames carry notices.
type webLeg struct{ conn *websocket.Conn }

func (l webLeg) SendAudio(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return l.conn.Write(ctx, websocket.MessageBinary, pcm)
}

func (l webLeg) StopAudio(ctx context.Context) error {
	return l.notify(ctx, webNotice{Kind: kindStopAudio})
}

func (l webLeg) SendUserTranscript(ctx context.Context, text string) error {
	return l.notify(ctx, webNotice{Kind: kindTranscription, Speaker: speakerUser, Text: text})
}

func (l webLeg) SendAITranscript(ctx context.Context, text string) error {
	return l.notify(ctx, webNotice{Kind: kindTranscription, Speaker: speakerAssistant, Text: text})
}

func (l webLeg) notify(ctx context.Context, n webNotice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("web: marshal notice: %w", err)
	}
	return l.conn.Write(ctx, websocket.MessageText, data)
}

// serveWeb bridges a browser websocket to the voice service with assistant
// responses enabled. Binary frames from the browser are 24 kHz PCM16; text
// frames are ignored.
func (a *App) serveWeb(w http.ResponseWriter, r *http.Request) {
	ctx, call, err := a.calls.begin(r.Context(), "web", "")
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer call.end()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.log.Warn("web: accept websocket", "err", err)
		return
	}
	defer conn.CloseNow()

	settings := a.settings.Load()
	log := observe.WithTrace(ctx, a.log).With("call_id", call.info.ID, "transport", "web")

	rl, err := a.newRelay(settings, true, log)
	if err != nil {
		log.Error("web: relay config", "err", err)
		conn.Close(websocket.StatusInternalError, "relay misconfigured")
		return
	}
	b := newBridge(webLeg{conn: conn}, a.newMixer(settings, log), log)
	rl.SetHandlers(b.handlers(true))

	a.runCall(ctx, conn, rl, b, nil, log, func(_ context.Context, typ websocket.MessageType, data []byte) {
		if typ != websocket.MessageBinary {
			return
		}
		a.metrics.RecordAudioFrame(ctx, "web", "in")
		rl.SendPCM16(data)
	})
}
