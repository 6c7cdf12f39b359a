package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callbridge/internal/resilience"
	"github.com/MrWong99/callbridge/internal/voicemail"
)

// Store is the PostgreSQL-backed voicemail transcript store. Database and
// blob calls are guarded by circuit breakers so an unavailable backend fails
// fast instead of piling up persistence tasks.
//
// All operations are safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	blobs  BlobWriter
	db     *resilience.CircuitBreaker
	blobCB *resilience.CircuitBreaker
	now    func() time.Time
	log    *slog.Logger
}

// Option configures a [Store].
type Option func(*Store)

// WithBlobWriter stores transcript documents in w. Without one, rows carry
// no transcript location and never produce SMS candidates.
func WithBlobWriter(w BlobWriter) Option {
	return func(s *Store) { s.blobs = w }
}

// WithBreaker replaces the circuit breaker guarding database calls.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(s *Store) { s.db = cb }
}

// WithClock sets the clock stamping documents and rows. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// NewStore connects to the database at dsn, pings it and runs [Migrate].
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("voicemail store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("voicemail store: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("voicemail store: migrate: %w", err)
	}
	return New(pool, opts...), nil
}

// New wraps an existing pool. The caller is responsible for migrating it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool}
	for _, o := range opts {
		o(s)
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.db == nil {
		s.db = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:      "voicemail-postgres",
			IsFailure: countsAgainstBackend,
			Logger:    s.log,
		})
	}
	s.blobCB = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:   "voicemail-blobs",
		Logger: s.log,
	})
	return s
}

// countsAgainstBackend reports whether err says the backend is unhealthy.
func countsAgainstBackend(err error) bool {
	return !errors.Is(err, voicemail.ErrNotFound)
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// Close releases all pooled connections.
func (s *Store) Close() { s.pool.Close() }

// StoreTranscript writes the transcript document (when a blob writer is
// configured) and upserts the attempt's row. Afterwards only the highest
// attempt of the recording is final. SMS flags, the creation time and
// previously known phone numbers survive the upsert. It returns the document
// location, or "" when no blob writer is configured.
func (s *Store) StoreTranscript(ctx context.Context, t voicemail.Transcript) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("voicemail store: store transcript: incomplete key %s", t.Key)
	}
	now := s.now().UTC()

	var location string
	if s.blobs != nil {
		body, err := json.Marshal(voicemail.NewDocument(t, now))
		if err != nil {
			return "", fmt.Errorf("voicemail store: encode document: %w", err)
		}
		err = s.blobCB.Do(ctx, func(ctx context.Context) error {
			var err error
			location, err = s.blobs.PutDocument(ctx, voicemail.BlobPath(t.CallSID, t.RecordingSID), body)
			return err
		})
		if err != nil {
			return "", fmt.Errorf("voicemail store: write document: %w", err)
		}
	}

	err := s.db.Do(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if err := lockRecording(ctx, tx, t.CallSID, t.RecordingSID); err != nil {
				return err
			}
			const upsert = `
				INSERT INTO voicemail_transcripts
				       (call_sid, recording_sid, attempt, transcript, transcript_url,
				        confidence, to_number, from_number, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
				ON CONFLICT (call_sid, recording_sid, attempt) DO UPDATE SET
				       transcript     = EXCLUDED.transcript,
				       transcript_url = COALESCE(NULLIF(EXCLUDED.transcript_url, ''), voicemail_transcripts.transcript_url),
				       confidence     = COALESCE(EXCLUDED.confidence, voicemail_transcripts.confidence),
				       to_number      = COALESCE(NULLIF(EXCLUDED.to_number, ''), voicemail_transcripts.to_number),
				       from_number    = COALESCE(NULLIF(EXCLUDED.from_number, ''), voicemail_transcripts.from_number),
				       updated_at     = EXCLUDED.updated_at`
			if _, err := tx.Exec(ctx, upsert,
				t.CallSID, t.RecordingSID, t.Attempt, t.Text, location,
				t.Confidence, t.ToNumber, t.FromNumber, now,
			); err != nil {
				return fmt.Errorf("upsert: %w", err)
			}

			const finalize = `
				UPDATE voicemail_transcripts
				SET    is_final = (attempt = m.max_attempt), updated_at = $3
				FROM   (SELECT max(attempt) AS max_attempt
				        FROM   voicemail_transcripts
				        WHERE  call_sid = $1 AND recording_sid = $2) AS m
				WHERE  call_sid = $1 AND recording_sid = $2
				AND    is_final IS DISTINCT FROM (attempt = m.max_attempt)`
			if _, err := tx.Exec(ctx, finalize, t.CallSID, t.RecordingSID, now); err != nil {
				return fmt.Errorf("finalize: %w", err)
			}
			return nil
		})
	})
	if err != nil {
		return "", fmt.Errorf("voicemail store: store transcript %s: %w", t.Key, err)
	}
	return location, nil
}

// MarkSMSRequested flags an attempt for SMS delivery. An attempt <= 0
// resolves to the highest stored attempt of the recording. Non-empty to and
// from override the call's numbers for delivery. It returns the resolved
// attempt, or an error wrapping [voicemail.ErrNotFound] when nothing matches.
func (s *Store) MarkSMSRequested(ctx context.Context, callSID, recordingSID string, attempt int, to, from string) (int, error) {
	resolved := attempt
	err := s.db.Do(ctx, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if err := lockRecording(ctx, tx, callSID, recordingSID); err != nil {
				return err
			}
			if attempt <= 0 {
				var latest *int
				const q = `
					SELECT max(attempt) FROM voicemail_transcripts
					WHERE  call_sid = $1 AND recording_sid = $2`
				if err := tx.QueryRow(ctx, q, callSID, recordingSID).Scan(&latest); err != nil {
					return fmt.Errorf("latest attempt: %w", err)
				}
				if latest == nil {
					return voicemail.ErrNotFound
				}
				resolved = *latest
			}

			const q = `
				UPDATE voicemail_transcripts
				SET    sms_requested   = true,
				       sms_destination = COALESCE(NULLIF($4, ''), sms_destination),
				       sms_sender      = COALESCE(NULLIF($5, ''), sms_sender),
				       updated_at      = $6
				WHERE  call_sid = $1 AND recording_sid = $2 AND attempt = $3`
			tag, err := tx.Exec(ctx, q, callSID, recordingSID, resolved, to, from, s.now().UTC())
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return voicemail.ErrNotFound
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("voicemail store: mark sms requested %s/%s: %w", callSID, recordingSID, err)
	}
	return resolved, nil
}

// Record returns the row for key, or an error wrapping
// [voicemail.ErrNotFound].
func (s *Store) Record(ctx context.Context, key voicemail.Key) (*voicemail.Record, error) {
	var rec *voicemail.Record
	err := s.db.Do(ctx, func(ctx context.Context) error {
		var err error
		rec, err = s.record(ctx, key)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("voicemail store: record %s: %w", key, err)
	}
	return rec, nil
}

func (s *Store) record(ctx context.Context, key voicemail.Key) (*voicemail.Record, error) {
	const q = `
		SELECT call_sid, recording_sid, attempt, transcript_url, confidence, is_final,
		       sms_requested, sms_queued, sms_sent, sms_destination, sms_sender,
		       sms_retry_count, to_number, from_number, created_at, updated_at
		FROM   voicemail_transcripts
		WHERE  call_sid = $1 AND recording_sid = $2 AND attempt = $3`

	var r voicemail.Record
	err := s.pool.QueryRow(ctx, q, key.CallSID, key.RecordingSID, key.Attempt).Scan(
		&r.CallSID, &r.RecordingSID, &r.Attempt, &r.TranscriptURL, &r.Confidence, &r.IsFinal,
		&r.SMSRequested, &r.SMSQueued, &r.SMSSent, &r.SMSDestination, &r.SMSSender,
		&r.SMSRetryCount, &r.ToNumber, &r.FromNumber, &r.CreatedAt, &r.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, voicemail.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// NotificationCandidate returns the SMS job for key, or (nil, nil) when the
// attempt does not exist or is not eligible.
func (s *Store) NotificationCandidate(ctx context.Context, key voicemail.Key) (*voicemail.Notification, error) {
	rec, err := s.Record(ctx, key)
	if errors.Is(err, voicemail.ErrNotFound) {
		s.log.Warn("voicemail store: sms candidate lookup found no record", "key", key.String())
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	n := rec.Candidate()
	if n == nil && rec.IsFinal && rec.SMSRequested && !rec.SMSSent && !rec.SMSQueued {
		s.log.Info("voicemail store: sms skipped, destination, sender or location missing", "key", key.String())
	}
	return n, nil
}

// MarkNotificationEnqueued records that the SMS job for key was queued.
func (s *Store) MarkNotificationEnqueued(ctx context.Context, key voicemail.Key) error {
	err := s.db.Do(ctx, func(ctx context.Context) error {
		const q = `
			UPDATE voicemail_transcripts
			SET    sms_queued = true, updated_at = $4
			WHERE  call_sid = $1 AND recording_sid = $2 AND attempt = $3`
		tag, err := s.pool.Exec(ctx, q, key.CallSID, key.RecordingSID, key.Attempt, s.now().UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return voicemail.ErrNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("voicemail store: mark enqueued %s: %w", key, err)
	}
	return nil
}

// lockRecording serializes writers of one recording until tx ends.
func lockRecording(ctx context.Context, tx pgx.Tx, callSID, recordingSID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, callSID+"/"+recordingSID); err != nil {
		return fmt.Errorf("lock recording: %w", err)
	}
	return nil
}
