package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/callbridge/internal/relay"
	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/ambient"
)

// fillInterval is the cadence and length of ambient-only chunks played
// while the assistant is silent.
const fillInterval = 200 * time.Millisecond

// callLeg is the caller-facing side of a call.
type callLeg interface {
	// SendAudio plays 24 kHz PCM16 to the caller.
	SendAudio(ctx context.Context, pcm []byte) error

	// StopAudio cuts off audio that is still playing.
	StopAudio(ctx context.Context) error

	SendUserTranscript(ctx context.Context, text string) error
	SendAITranscript(ctx context.Context, text string) error
}

// bridge routes relay events to a leg, mixing the ambient bed into
// assistant audio and filling the gaps between responses with it.
type bridge struct {
	leg callLeg
	log *slog.Logger
	now func() time.Time

	// mu serializes mixer access and leg writes of audio so ambient chunks
	// never interleave with a response chunk.
	mu     sync.Mutex
	mixer  *ambient.Mixer // nil when ambient is off
	busyTo time.Time      // estimated end of queued assistant audio
}

func newBridge(leg callLeg, mixer *ambient.Mixer, log *slog.Logger) *bridge {
	if mixer != nil && !mixer.Enabled() {
		mixer = nil
	}
	return &bridge{leg: leg, log: log, now: time.Now, mixer: mixer}
}

// handlers returns the relay handlers for this bridge. Audio handlers are
// only set when the call plays assistant audio.
func (b *bridge) handlers(withAudio bool) relay.Handlers {
	h := relay.Handlers{
		UserTranscript: b.leg.SendUserTranscript,
		AITranscript:   b.leg.SendAITranscript,
	}
	if withAudio {
		h.AudioChunk = b.audioChunk
		h.AudioStop = b.audioStop
	}
	return h
}

func (b *bridge) audioChunk(ctx context.Context, pcm []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := pcm
	if b.mixer != nil {
		out = b.mixer.Mix(pcm)
	}
	now := b.now()
	if b.busyTo.Before(now) {
		b.busyTo = now
	}
	b.busyTo = b.busyTo.Add(time.Duration(audio.DurationMs(pcm, audio.SampleRateUpstream)) * time.Millisecond)
	return b.leg.SendAudio(ctx, out)
}

func (b *bridge) audioStop(ctx context.Context) error {
	b.mu.Lock()
	b.busyTo = time.Time{}
	b.mu.Unlock()
	return b.leg.StopAudio(ctx)
}

// fill plays ambient-only audio every fillInterval while no assistant audio
// is queued. It returns when ctx is done or the leg rejects a write, and
// immediately when ambient is off.
func (b *bridge) fill(ctx context.Context) {
	if b.mixer == nil {
		return
	}
	chunkBytes := audio.SampleRateUpstream * audio.BytesPerSample * int(fillInterval/time.Millisecond) / 1000

	t := time.NewTicker(fillInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := b.fillOnce(ctx, chunkBytes); err != nil {
			b.log.Debug("ambient filler stopped", "err", err)
			return
		}
	}
}

func (b *bridge) fillOnce(ctx context.Context, n int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.now().Before(b.busyTo) {
		return nil
	}
	return b.leg.SendAudio(ctx, b.mixer.AmbientOnly(n))
}
