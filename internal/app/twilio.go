package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/relay"
	"github.com/MrWong99/callbridge/internal/twilio"
	"github.com/MrWong99/callbridge/pkg/audio/ambient"
)

// relayCloseTimeout bounds how long a finished call waits for pending
// transcript writes.
const relayCloseTimeout = 5 * time.Second

// twilioLeg plays audio through a Media Streams handler.
type twilioLeg struct{ h *twilio.Handler }

func (l twilioLeg) SendAudio(ctx context.Context, pcm []byte) error { return l.h.SendAudio(ctx, pcm) }
func (l twilioLeg) StopAudio(ctx context.Context) error              { return l.h.Clear(ctx) }
func (l twilioLeg) SendUserTranscript(ctx context.Context, text string) error {
	return l.h.SendUserTranscript(ctx, text)
}
func (l twilioLeg) SendAITranscript(ctx context.Context, text string) error {
	return l.h.SendAITranscript(ctx, text)
}

// callContext forwards stream identifiers to the relay and names the call in
// the registry once Twilio reports its SID.
type callContext struct {
	relay *relay.Relay
	call  *activeCall
}

func (c callContext) UpdateStreamContext(sc relay.StreamContext) {
	c.relay.UpdateStreamContext(sc)
	c.call.setCallSID(sc.CallSID)
}

// serveTwilio bridges a Twilio Media Streams websocket to the voice service.
//
// Query parameters RecordingSid (or recordingSid), CallSid (or callSid) and
// attempt identify the voicemail being transcribed. Assistant responses are
// off unless voice_live.twilio_responses is set.
func (a *App) serveTwilio(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	attempt, err := twilio.ParseAttempt(q.Get("attempt"))
	if err != nil {
		// The call is still transcribed; only the attempt number is lost.
		a.log.Warn("twilio: bad attempt, using 0", "err", err)
		attempt = 0
	}
	sc := relay.StreamContext{
		CallSID:      firstQuery(q.Get, "CallSid", "callSid"),
		RecordingSID: firstQuery(q.Get, "RecordingSid", "recordingSid"),
		Attempt:      attempt,
	}

	ctx, call, err := a.calls.begin(r.Context(), "twilio", sc.CallSID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	defer call.end()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.log.Warn("twilio: accept websocket", "err", err)
		return
	}
	defer conn.CloseNow()

	settings := a.settings.Load()
	responses := settings.twilioResponses
	log := observe.WithTrace(ctx, a.log).With("call_id", call.info.ID, "transport", "twilio", "call_sid", sc.CallSID, "recording_sid", sc.RecordingSID)

	rl, err := a.newRelay(settings, responses, log)
	if err != nil {
		log.Error("twilio: relay config", "err", err)
		conn.Close(websocket.StatusInternalError, "relay misconfigured")
		return
	}
	updater := callContext{relay: rl, call: call}
	h := twilio.NewHandler(conn, rl, updater,
		twilio.WithRecording(sc.RecordingSID, sc.Attempt),
		twilio.WithLogger(log),
		twilio.WithMetrics(a.metrics),
	)
	updater.UpdateStreamContext(sc)

	var mixer *ambient.Mixer
	if responses {
		mixer = a.newMixer(settings, log)
	}
	b := newBridge(twilioLeg{h: h}, mixer, log)
	rl.SetHandlers(b.handlers(responses))

	a.runCall(ctx, conn, rl, b, h.Stopped(), log, func(ctx context.Context, typ websocket.MessageType, data []byte) {
		h.HandleMessage(ctx, typ, data)
	})
}

// runCall starts the relay and pumps leg messages into handle until the
// leg disconnects, stopped is closed, the relay ends or ctx is cancelled.
// The relay is closed before returning.
func (a *App) runCall(
	ctx context.Context,
	conn *websocket.Conn,
	rl *relay.Relay,
	b *bridge,
	stopped <-chan struct{},
	log *slog.Logger,
	handle func(context.Context, websocket.MessageType, []byte),
) {
	if err := rl.Start(ctx); err != nil {
		log.Error("call: upstream connect failed", "err", err)
		conn.Close(websocket.StatusTryAgainLater, "voice service unavailable")
		return
	}
	log.Info("call started")
	began := time.Now()

	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	upstreamDone := rl.Done()
	go func() {
		select {
		case <-upstreamDone:
			log.Warn("call: upstream ended", "err", rl.Err())
		case <-stopped:
		case <-callCtx.Done():
		}
		cancel()
	}()
	go b.fill(callCtx)

	for {
		typ, data, err := conn.Read(callCtx)
		if err != nil {
			if callCtx.Err() == nil && websocket.CloseStatus(err) == -1 {
				log.Warn("call: leg read failed", "err", err)
			}
			break
		}
		handle(callCtx, typ, data)
	}
	cancel()

	closeCtx, closeCancel := context.WithTimeout(context.WithoutCancel(ctx), relayCloseTimeout)
	defer closeCancel()
	switch err := rl.Close(closeCtx); {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn("call: pending transcript writes abandoned")
	default:
		log.Warn("call: relay close", "err", err)
	}
	conn.Close(websocket.StatusNormalClosure, "call ended")
	log.Info("call ended", "duration", time.Since(began))
}

// newMixer builds the per-call ambient mixer. Failures disable ambient for
// the call.
func (a *App) newMixer(s *callSettings, log *slog.Logger) *ambient.Mixer {
	m, err := ambient.New(s.ambient.Preset, ambientOptions(s.ambient, log)...)
	if err != nil {
		log.Warn("ambient disabled for call", "preset", s.ambient.Preset, "err", err)
		return nil
	}
	return m
}

func firstQuery(get func(string) string, names ...string) string {
	for _, n := range names {
		if v := get(n); v != "" {
			return v
		}
	}
	return ""
}
