// Package postgres provides a PostgreSQL-backed voicemail transcript store
// and SMS job queue.
//
// Transcript metadata lives in voicemail_transcripts, one row per
// (call, recording, attempt). The transcript body itself is written as a JSON
// document to blob storage when a [BlobWriter] is configured; the row keeps
// its location. SMS jobs are appended to sms_jobs for an external worker.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, postgres.WithBlobWriter(blobs))
//	if err != nil { … }
//	defer store.Close()
//
//	location, _ := store.StoreTranscript(ctx, t)
//	n, _ := store.NotificationCandidate(ctx, t.Key)
//	_ = postgres.NewJobQueue(store.Pool()).Enqueue(ctx, *n)
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS voicemail_transcripts (
    call_sid         TEXT              NOT NULL,
    recording_sid    TEXT              NOT NULL,
    attempt          INTEGER           NOT NULL,
    transcript       TEXT              NOT NULL DEFAULT '',
    transcript_url   TEXT              NOT NULL DEFAULT '',
    confidence       DOUBLE PRECISION,
    is_final         BOOLEAN           NOT NULL DEFAULT false,
    sms_requested    BOOLEAN           NOT NULL DEFAULT false,
    sms_queued       BOOLEAN           NOT NULL DEFAULT false,
    sms_sent         BOOLEAN           NOT NULL DEFAULT false,
    sms_destination  TEXT              NOT NULL DEFAULT '',
    sms_sender       TEXT              NOT NULL DEFAULT '',
    sms_retry_count  INTEGER           NOT NULL DEFAULT 0,
    to_number        TEXT              NOT NULL DEFAULT '',
    from_number      TEXT              NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ       NOT NULL DEFAULT now(),
    updated_at       TIMESTAMPTZ       NOT NULL DEFAULT now(),
    PRIMARY KEY (call_sid, recording_sid, attempt)
);

CREATE INDEX IF NOT EXISTS idx_voicemail_transcripts_final
    ON voicemail_transcripts (call_sid, recording_sid) WHERE is_final;
`

const ddlSMSJobs = `
CREATE TABLE IF NOT EXISTS sms_jobs (
    id             BIGSERIAL    PRIMARY KEY,
    call_sid       TEXT         NOT NULL,
    recording_sid  TEXT         NOT NULL,
    attempt        INTEGER      NOT NULL,
    payload        JSONB        NOT NULL,
    status         TEXT         NOT NULL DEFAULT 'pending',
    enqueued_at    TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sms_jobs_pending
    ON sms_jobs (enqueued_at) WHERE status = 'pending';
`

// Migrate creates the transcript and SMS job tables if they do not exist. It
// is idempotent and safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlTranscripts, ddlSMSJobs} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
