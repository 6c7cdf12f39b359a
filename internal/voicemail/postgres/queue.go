package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callbridge/internal/voicemail"
)

// JobQueue appends SMS jobs to the sms_jobs table. A separate worker claims
// pending rows and delivers them.
type JobQueue struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewJobQueue returns a queue writing to pool. The sms_jobs table must exist;
// see [Migrate].
func NewJobQueue(pool *pgxpool.Pool) *JobQueue {
	return &JobQueue{pool: pool, log: slog.Default()}
}

// Enqueue inserts n as a pending job. The payload is n's JSON form.
func (q *JobQueue) Enqueue(ctx context.Context, n voicemail.Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("sms queue: encode: %w", err)
	}
	const stmt = `
		INSERT INTO sms_jobs (call_sid, recording_sid, attempt, payload)
		VALUES ($1, $2, $3, $4)`
	if _, err := q.pool.Exec(ctx, stmt, n.CallSID, n.RecordingSID, n.Attempt, payload); err != nil {
		return fmt.Errorf("sms queue: enqueue %s: %w", n.Key(), err)
	}
	q.log.Info("queued sms job",
		"call_sid", n.CallSID,
		"recording_sid", n.RecordingSID,
		"attempt", n.Attempt,
	)
	return nil
}
