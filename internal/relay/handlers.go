package relay

import "context"

// Handlers receives the events derived from upstream messages. Any nil field
// is treated as a no-op. Calls happen on the receive loop, one at a time and in
// message order, so a slow handler delays later events.
//
// A returned error or a panic is logged and counted; the event is not
// redelivered.
type Handlers struct {
	// UserTranscript receives the final transcription of caller speech.
	UserTranscript func(ctx context.Context, text string) error

	// AITranscript receives the text of a completed assistant response.
	AITranscript func(ctx context.Context, text string) error

	// AudioChunk receives decoded PCM16 audio at 24 kHz.
	AudioChunk func(ctx context.Context, pcm []byte) error

	// AudioStop signals that the caller started speaking and any audio
	// still playing should be cut off.
	AudioStop func(ctx context.Context) error
}

func (h Handlers) resolve() *Handlers {
	if h.UserTranscript == nil {
		h.UserTranscript = func(context.Context, string) error { return nil }
	}
	if h.AITranscript == nil {
		h.AITranscript = func(context.Context, string) error { return nil }
	}
	if h.AudioChunk == nil {
		h.AudioChunk = func(context.Context, []byte) error { return nil }
	}
	if h.AudioStop == nil {
		h.AudioStop = func(context.Context) error { return nil }
	}
	return &h
}
