// Package twilio adapts a Twilio Media Streams websocket to the audio relay.
//
// Inbound frames are JSON text messages carrying 8 kHz μ-law audio; [Handler]
// decodes them to 24 kHz PCM16 for an [AudioSink] and records the call's
// identifiers in a [ContextUpdater]. Outbound helpers address the stream by
// its SID and are silent no-ops until the stream has started.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/internal/relay"
	"github.com/MrWong99/callbridge/pkg/audio"
)

// Speaker labels prefixed to transcripts sent to Twilio.
const (
	SpeakerCaller    = "Caller"
	SpeakerAssistant = "Assistant"
)

// leg is the metrics label of the telephony side of a call.
const leg = "telephony"

// Sender writes frames to the Twilio websocket. *websocket.Conn satisfies it.
type Sender interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
}

// AudioSink accepts 24 kHz PCM16 caller audio. It must not block.
type AudioSink interface {
	SendPCM16(pcm []byte)
}

// ContextUpdater receives the stream identifiers as they become known.
type ContextUpdater interface {
	UpdateStreamContext(sc relay.StreamContext)
}

// Option configures a Handler.
type Option func(*Handler)

// WithRecording sets the voicemail recording this stream transcribes. An
// attempt <= 0 means unknown.
func WithRecording(recordingSID string, attempt int) Option {
	return func(h *Handler) {
		h.recordingSID = recordingSID
		if attempt > 0 {
			h.attempt = attempt
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) { h.log = l }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Handler) { h.metrics = m }
}

// Handler processes one Media Streams connection. Its methods are safe for
// concurrent use.
type Handler struct {
	out     Sender
	sink    AudioSink
	updater ContextUpdater
	log     *slog.Logger
	metrics *observe.Metrics

	stopOnce sync.Once
	stopped  chan struct{}

	mu           sync.Mutex
	callSID      string
	streamSID    string
	recordingSID string
	attempt      int
}

// NewHandler returns a handler writing to out and forwarding audio to sink.
func NewHandler(out Sender, sink AudioSink, updater ContextUpdater, opts ...Option) *Handler {
	h := &Handler{
		out:     out,
		sink:    sink,
		updater: updater,
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	if h.log == nil {
		h.log = slog.Default()
	}
	if h.metrics == nil {
		h.metrics = observe.DefaultMetrics()
	}
	return h
}

// StreamSID returns the stream identifier, or "" before the start frame.
func (h *Handler) StreamSID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.streamSID
}

// CallSID returns the call identifier, or "" before the start frame.
func (h *Handler) CallSID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.callSID
}

// Stopped is closed once Twilio reports the end of the stream.
func (h *Handler) Stopped() <-chan struct{} { return h.stopped }

// HandleMessage processes one websocket frame. Binary frames, unparseable
// JSON and unknown events are logged and dropped; nothing here is fatal to the
// stream.
func (h *Handler) HandleMessage(ctx context.Context, typ websocket.MessageType, data []byte) {
	if typ != websocket.MessageText {
		h.log.Debug("twilio: ignoring binary frame", "bytes", len(data))
		return
	}
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.log.Warn("twilio: undecodable frame", "err", err)
		return
	}

	switch msg.Event {
	case eventStart:
		h.handleStart(msg.Start)
	case eventMedia:
		h.handleMedia(ctx, msg.Media)
	case eventStop:
		h.log.Info("twilio: stream stopped", "call_sid", h.CallSID(), "stream_sid", h.StreamSID())
		h.stopOnce.Do(func() { close(h.stopped) })
	case eventConnected, eventMark, eventHeartbeat:
		h.log.Debug("twilio: control event", "event", msg.Event)
	case eventDTMF:
		if msg.DTMF != nil {
			h.log.Debug("twilio: dtmf", "digit", msg.DTMF.Digit)
		}
	default:
		h.log.Debug("twilio: unhandled event", "event", msg.Event)
	}
}

func (h *Handler) handleStart(start *startPayload) {
	if start == nil {
		h.log.Warn("twilio: start frame without payload")
		return
	}

	h.mu.Lock()
	// A repeated start without identifiers keeps the ones already seen.
	if start.CallSID != "" {
		h.callSID = start.CallSID
	}
	if start.StreamSID != "" {
		h.streamSID = start.StreamSID
	}
	// customParameters set on <Stream> only fill what the URL did not carry.
	if h.recordingSID == "" {
		h.recordingSID = firstParam(start.CustomParams, "RecordingSid", "recordingSid")
	}
	if h.attempt == 0 {
		if n, err := ParseAttempt(firstParam(start.CustomParams, "attempt", "Attempt")); err == nil && n > 0 {
			h.attempt = n
		}
	}
	sc := relay.StreamContext{
		CallSID:      h.callSID,
		StreamSID:    h.streamSID,
		RecordingSID: h.recordingSID,
		Attempt:      h.attempt,
	}
	h.mu.Unlock()

	h.updater.UpdateStreamContext(sc)
	h.log.Info("twilio: stream started",
		"call_sid", sc.CallSID,
		"stream_sid", sc.StreamSID,
		"recording_sid", sc.RecordingSID,
		"attempt", sc.Attempt,
	)
}

func (h *Handler) handleMedia(ctx context.Context, media *mediaPayload) {
	if media == nil || media.Payload == "" {
		h.log.Debug("twilio: empty media payload")
		return
	}
	pcm, err := audio.DecodeTelephony(media.Payload, audio.SampleRateUpstream)
	if err != nil {
		h.metrics.RecordDecodeError(ctx, leg)
		h.log.Warn("twilio: dropping media frame", "err", err)
		return
	}
	h.metrics.RecordAudioFrame(ctx, leg, "in")
	h.sink.SendPCM16(pcm)
}

// SendTranscript sends text to Twilio as "<speaker>: <text>". Without a
// stream SID there is nowhere to send it and the call is a no-op.
func (h *Handler) SendTranscript(ctx context.Context, text, speaker string) error {
	sid := h.StreamSID()
	if sid == "" {
		h.log.Debug("twilio: transcript dropped, stream not started")
		return nil
	}
	if speaker != "" {
		text = speaker + ": " + text
	}
	return h.writeJSON(ctx, textMessage{Event: eventMessage, StreamSID: sid, Text: text})
}

// SendUserTranscript sends a transcript of caller speech.
func (h *Handler) SendUserTranscript(ctx context.Context, text string) error {
	return h.SendTranscript(ctx, text, SpeakerCaller)
}

// SendAITranscript sends a transcript of an assistant response.
func (h *Handler) SendAITranscript(ctx context.Context, text string) error {
	return h.SendTranscript(ctx, text, SpeakerAssistant)
}

// SendAudio plays 24 kHz PCM16 to the caller. It is a no-op before the stream
// has started.
func (h *Handler) SendAudio(ctx context.Context, pcm []byte) error {
	sid := h.StreamSID()
	if sid == "" || len(pcm) == 0 {
		return nil
	}
	payload := audio.EncodeTelephony(pcm, audio.SampleRateUpstream)
	if err := h.writeJSON(ctx, outboundMedia{
		Event:     eventMedia,
		StreamSID: sid,
		Media:     mediaPayload{Payload: payload},
	}); err != nil {
		return err
	}
	h.metrics.RecordAudioFrame(ctx, leg, "out")
	return nil
}

// Clear drops audio Twilio has buffered but not yet played.
func (h *Handler) Clear(ctx context.Context) error {
	sid := h.StreamSID()
	if sid == "" {
		return nil
	}
	return h.writeJSON(ctx, outboundClear{Event: eventClear, StreamSID: sid})
}

// Mark asks Twilio to echo a mark event once playback reaches this point.
func (h *Handler) Mark(ctx context.Context, name string) error {
	sid := h.StreamSID()
	if sid == "" {
		return nil
	}
	return h.writeJSON(ctx, outboundMark{Event: eventMark, StreamSID: sid, Mark: markPayload{Name: name}})
}

func (h *Handler) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("twilio: marshal: %w", err)
	}
	if err := h.out.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("twilio: write: %w", err)
	}
	return nil
}

// ParseAttempt parses a recording attempt number. An empty value yields 0.
func ParseAttempt(v string) (int, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("twilio: invalid attempt %q: %w", v, err)
	}
	return n, nil
}

func firstParam(params map[string]string, names ...string) string {
	for _, n := range names {
		if v := params[n]; v != "" {
			return v
		}
	}
	return ""
}
