package relay

import (
	"encoding/json"
	"strconv"
	"strings"
)

// EventKind is the closed set of inbound voice-AI events the relay acts on.
// Wire types outside the set decode to [EventUnrecognized].
type EventKind int

const (
	EventUnrecognized EventKind = iota
	EventSessionCreated
	EventInputBufferCleared
	EventSpeechStarted
	EventInputTranscriptionCompleted
	EventInputTranscriptionFailed
	EventAITranscriptDone
	EventAudioDelta
	EventError
)

// Wire names of the server events.
const (
	typeSessionCreated              = "session.created"
	typeInputBufferCleared          = "input_audio_buffer.cleared"
	typeSpeechStarted               = "input_audio_buffer.speech_started"
	typeInputTranscriptionCompleted = "conversation.item.input_audio_transcription.completed"
	typeInputTranscriptionFailed    = "conversation.item.input_audio_transcription.failed"
	typeAITranscriptDone            = "response.audio_transcript.done"
	typeAudioDelta                  = "response.audio.delta"
	typeError                       = "error"
	typeSessionUpdate               = "session.update"
	typeResponseCreate              = "response.create"
	typeInputAudioBufferAppend      = "input_audio_buffer.append"
	unrecognizedName                = "unrecognized"
)

var eventKinds = map[string]EventKind{
	typeSessionCreated:              EventSessionCreated,
	typeInputBufferCleared:          EventInputBufferCleared,
	typeSpeechStarted:               EventSpeechStarted,
	typeInputTranscriptionCompleted: EventInputTranscriptionCompleted,
	typeInputTranscriptionFailed:    EventInputTranscriptionFailed,
	typeAITranscriptDone:            EventAITranscriptDone,
	typeAudioDelta:                  EventAudioDelta,
	typeError:                       EventError,
}

// ClassifyEvent maps a wire event type to its kind.
func ClassifyEvent(eventType string) EventKind {
	if k, ok := eventKinds[eventType]; ok {
		return k
	}
	return EventUnrecognized
}

// String returns the wire name of k.
func (k EventKind) String() string {
	for name, kind := range eventKinds {
		if kind == k {
			return name
		}
	}
	return unrecognizedName
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// session.created
	Session *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`

	// response.audio.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed /
	// response.audio_transcript.done
	Transcript string `json:"transcript,omitempty"`

	// Confidence and Alternatives are decoded lazily: the service sends
	// numbers, numeric strings, or nothing.
	Confidence   json.RawMessage `json:"confidence,omitempty"`
	Alternatives json.RawMessage `json:"alternatives,omitempty"`

	// error / transcription failed
	Error json.RawMessage `json:"error,omitempty"`
}

// confidence returns the best-effort recognition confidence carried by a
// transcription event: the top-level "confidence" if present, otherwise the
// first alternative's. Numeric strings are accepted; anything else yields nil.
func (e *serverEvent) confidence() *float64 {
	if present(e.Confidence) {
		return parseNumber(e.Confidence)
	}
	if !present(e.Alternatives) {
		return nil
	}
	var alts []json.RawMessage
	if err := json.Unmarshal(e.Alternatives, &alts); err != nil || len(alts) == 0 {
		return nil
	}
	var first map[string]json.RawMessage
	if err := json.Unmarshal(alts[0], &first); err != nil {
		return nil
	}
	if raw, ok := first["confidence"]; ok && present(raw) {
		return parseNumber(raw)
	}
	return nil
}

func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != "null"
}

func parseNumber(raw json.RawMessage) *float64 {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return &f
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return &f
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16 at 24 kHz
}

type responseCreateMessage struct {
	Type string `json:"type"`
}
