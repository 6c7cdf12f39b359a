package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/callbridge/internal/voicemail"
)

// TranscriptStore persists transcripts of caller speech. Implementations must
// be safe for concurrent use.
type TranscriptStore interface {
	// StoreTranscript writes t and returns the location of the stored
	// document.
	StoreTranscript(ctx context.Context, t voicemail.Transcript) (string, error)

	// NotificationCandidate returns the SMS job for key, or nil when the
	// attempt is not eligible for one.
	NotificationCandidate(ctx context.Context, key voicemail.Key) (*voicemail.Notification, error)

	// MarkNotificationEnqueued records that the SMS job for key was queued.
	MarkNotificationEnqueued(ctx context.Context, key voicemail.Key) error
}

// NotificationQueue accepts SMS jobs. Retrying failed deliveries is the
// queue consumer's job.
type NotificationQueue interface {
	Enqueue(ctx context.Context, n voicemail.Notification) error
}

// schedulePersist starts a background write of a caller transcript when a
// store is configured and the recording is fully identified.
func (r *Relay) schedulePersist(tasks *taskGroup, text string, confidence *float64) {
	if r.store == nil {
		return
	}
	sc := r.StreamContext()
	key := voicemail.Key{CallSID: sc.CallSID, RecordingSID: sc.RecordingSID, Attempt: sc.Attempt}
	if !key.Valid() {
		r.log.Debug("relay: transcript not persisted, recording unknown", "call_sid", sc.CallSID)
		return
	}
	t := voicemail.Transcript{Key: key, Text: text, Confidence: confidence}
	tasks.Go("persist "+key.String(), func(ctx context.Context) { r.persist(ctx, t) })
}

// persist stores t and, when a queue is configured, enqueues its SMS job.
// Failures are logged and end the task.
func (r *Relay) persist(ctx context.Context, t voicemail.Transcript) {
	log := r.log.With(
		slog.String("call_sid", t.CallSID),
		slog.String("recording_sid", t.RecordingSID),
		slog.Int("attempt", t.Attempt),
	)

	began := time.Now()
	location, err := r.store.StoreTranscript(ctx, t)
	if err != nil {
		r.metrics.RecordPersist(ctx, "error", time.Since(began))
		log.Error("relay: store transcript", "err", err)
		return
	}
	r.metrics.RecordPersist(ctx, "ok", time.Since(began))
	log.Info("relay: transcript stored", "location", location)

	if r.queue == nil {
		return
	}
	n, err := r.store.NotificationCandidate(ctx, t.Key)
	if err != nil {
		r.metrics.RecordNotification(ctx, "error")
		log.Error("relay: load notification candidate", "err", err)
		return
	}
	if n == nil {
		r.metrics.RecordNotification(ctx, "skipped")
		log.Debug("relay: no notification due")
		return
	}
	if err := r.queue.Enqueue(ctx, *n); err != nil {
		r.metrics.RecordNotification(ctx, "error")
		log.Error("relay: enqueue notification", "err", err)
		return
	}
	if err := r.store.MarkNotificationEnqueued(ctx, t.Key); err != nil {
		r.metrics.RecordNotification(ctx, "error")
		log.Error("relay: mark notification enqueued", "err", err)
		return
	}
	r.metrics.RecordNotification(ctx, "enqueued")
	log.Info("relay: notification enqueued", "to", n.To)
}
