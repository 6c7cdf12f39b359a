package postgres_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callbridge/internal/voicemail"
	"github.com/MrWong99/callbridge/internal/voicemail/postgres"
)

// testDSN returns the test database DSN from the environment, or skips the
// test if CALLBRIDGE_TEST_POSTGRES_DSN is not set.
func testDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("CALLBRIDGE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALLBRIDGE_TEST_POSTGRES_DSN not set, skipping PostgreSQL integration tests")
	}
	return dsn
}

// memBlobs is an in-memory BlobWriter.
type memBlobs struct {
	mu   sync.Mutex
	docs map[string][]byte
}

func (m *memBlobs) PutDocument(_ context.Context, path string, body []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.docs == nil {
		m.docs = make(map[string][]byte)
	}
	m.docs[path] = body
	return "mem://" + path, nil
}

// newTestStore creates a Store over a freshly dropped schema.
func newTestStore(t *testing.T, opts ...postgres.Option) *postgres.Store {
	t.Helper()
	dsn := testDSN(t)
	ctx := context.Background()

	clean, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS sms_jobs",
		"DROP TABLE IF EXISTS voicemail_transcripts",
	} {
		if _, err := clean.Exec(ctx, stmt); err != nil {
			t.Fatalf("drop schema: %v", err)
		}
	}
	clean.Close()

	store, err := postgres.NewStore(ctx, dsn, opts...)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func key(attempt int) voicemail.Key {
	return voicemail.Key{CallSID: "CA1", RecordingSID: "RE1", Attempt: attempt}
}

func ptr(f float64) *float64 { return &f }

func mustRecord(t *testing.T, s *postgres.Store, k voicemail.Key) *voicemail.Record {
	t.Helper()
	rec, err := s.Record(context.Background(), k)
	if err != nil {
		t.Fatalf("Record(%s): %v", k, err)
	}
	return rec
}

func TestStoreTranscript_WritesDocumentAndRow(t *testing.T) {
	blobs := &memBlobs{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newTestStore(t, postgres.WithBlobWriter(blobs), postgres.WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	loc, err := s.StoreTranscript(ctx, voicemail.Transcript{
		Key: key(1), Text: "call me back", Confidence: ptr(0.87),
		ToNumber: "+15550001", FromNumber: "+15550002",
	})
	if err != nil {
		t.Fatalf("StoreTranscript: %v", err)
	}
	if loc != "mem://voicemails/CA1/RE1.json" {
		t.Errorf("location = %q", loc)
	}

	var doc voicemail.Document
	if err := json.Unmarshal(blobs.docs["voicemails/CA1/RE1.json"], &doc); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	if doc.Transcript != "call me back" || doc.Attempt != 1 || !doc.UpdatedAt.Equal(fixed) {
		t.Errorf("document = %+v", doc)
	}

	rec := mustRecord(t, s, key(1))
	if !rec.IsFinal || rec.TranscriptURL != loc {
		t.Errorf("record = %+v", rec)
	}
	if rec.Confidence == nil || *rec.Confidence != 0.87 {
		t.Errorf("confidence = %v", rec.Confidence)
	}
	if rec.ToNumber != "+15550001" || rec.FromNumber != "+15550002" {
		t.Errorf("numbers = %q/%q", rec.ToNumber, rec.FromNumber)
	}
}

func TestStoreTranscript_OnlyHighestAttemptIsFinal(t *testing.T) {
	s := newTestStore(t, postgres.WithBlobWriter(&memBlobs{}))
	ctx := context.Background()

	for _, attempt := range []int{1, 3, 2} {
		if _, err := s.StoreTranscript(ctx, voicemail.Transcript{Key: key(attempt), Text: "hi"}); err != nil {
			t.Fatalf("StoreTranscript(%d): %v", attempt, err)
		}
	}
	for attempt, want := range map[int]bool{1: false, 2: false, 3: true} {
		if got := mustRecord(t, s, key(attempt)).IsFinal; got != want {
			t.Errorf("attempt %d is_final = %v, want %v", attempt, got, want)
		}
	}
}

func TestStoreTranscript_UpsertKeepsSMSStateAndNumbers(t *testing.T) {
	s := newTestStore(t, postgres.WithBlobWriter(&memBlobs{}))
	ctx := context.Background()

	first := voicemail.Transcript{Key: key(1), Text: "one", Confidence: ptr(0.5), ToNumber: "+1", FromNumber: "+2"}
	if _, err := s.StoreTranscript(ctx, first); err != nil {
		t.Fatal(err)
	}
	if _, err := s.MarkSMSRequested(ctx, "CA1", "RE1", 1, "+3", ""); err != nil {
		t.Fatal(err)
	}
	created := mustRecord(t, s, key(1)).CreatedAt

	if _, err := s.StoreTranscript(ctx, voicemail.Transcript{Key: key(1), Text: "two"}); err != nil {
		t.Fatal(err)
	}
	rec := mustRecord(t, s, key(1))
	if !rec.SMSRequested || rec.SMSDestination != "+3" {
		t.Errorf("sms state lost: %+v", rec)
	}
	if rec.ToNumber != "+1" || rec.FromNumber != "+2" {
		t.Errorf("numbers = %q/%q", rec.ToNumber, rec.FromNumber)
	}
	if rec.Confidence == nil || *rec.Confidence != 0.5 {
		t.Errorf("confidence = %v, want kept 0.5", rec.Confidence)
	}
	if !rec.CreatedAt.Equal(created) {
		t.Errorf("created_at changed: %v -> %v", created, rec.CreatedAt)
	}
}

func TestStoreTranscript_RejectsIncompleteKey(t *testing.T) {
	s := newTestStore(t)
	_, err := s.StoreTranscript(context.Background(), voicemail.Transcript{Key: voicemail.Key{CallSID: "CA1"}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestMarkSMSRequested_ResolvesLatestAttempt(t *testing.T) {
	s := newTestStore(t, postgres.WithBlobWriter(&memBlobs{}))
	ctx := context.Background()

	for _, attempt := range []int{1, 2} {
		if _, err := s.StoreTranscript(ctx, voicemail.Transcript{Key: key(attempt), Text: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.MarkSMSRequested(ctx, "CA1", "RE1", 0, "+3", "+4")
	if err != nil {
		t.Fatalf("MarkSMSRequested: %v", err)
	}
	if got != 2 {
		t.Errorf("resolved attempt = %d, want 2", got)
	}
	if mustRecord(t, s, key(1)).SMSRequested {
		t.Error("attempt 1 flagged")
	}
	rec := mustRecord(t, s, key(2))
	if !rec.SMSRequested || rec.SMSDestination != "+3" || rec.SMSSender != "+4" {
		t.Errorf("record = %+v", rec)
	}
}

func TestMarkSMSRequested_NotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.MarkSMSRequested(ctx, "CA1", "RE1", 0, "", ""); !errors.Is(err, voicemail.ErrNotFound) {
		t.Errorf("latest on empty table: err = %v", err)
	}
	if _, err := s.MarkSMSRequested(ctx, "CA1", "RE1", 4, "", ""); !errors.Is(err, voicemail.ErrNotFound) {
		t.Errorf("explicit attempt: err = %v", err)
	}
}

func TestNotificationCandidate(t *testing.T) {
	s := newTestStore(t, postgres.WithBlobWriter(&memBlobs{}))
	ctx := context.Background()

	n, err := s.NotificationCandidate(ctx, key(1))
	if err != nil || n != nil {
		t.Fatalf("missing record: n=%v err=%v", n, err)
	}

	if _, err := s.StoreTranscript(ctx, voicemail.Transcript{Key: key(1), Text: "x", ToNumber: "+1", FromNumber: "+2"}); err != nil {
		t.Fatal(err)
	}
	if n, _ := s.NotificationCandidate(ctx, key(1)); n != nil {
		t.Fatalf("candidate before sms requested: %+v", n)
	}

	if _, err := s.MarkSMSRequested(ctx, "CA1", "RE1", 1, "", ""); err != nil {
		t.Fatal(err)
	}
	n, err = s.NotificationCandidate(ctx, key(1))
	if err != nil || n == nil {
		t.Fatalf("candidate: n=%v err=%v", n, err)
	}
	want := voicemail.Notification{
		CallSID: "CA1", RecordingSID: "RE1", Attempt: 1,
		To: "+1", From: "+2", TranscriptURL: "mem://voicemails/CA1/RE1.json",
	}
	if *n != want {
		t.Errorf("candidate = %+v, want %+v", *n, want)
	}

	if err := s.MarkNotificationEnqueued(ctx, key(1)); err != nil {
		t.Fatalf("MarkNotificationEnqueued: %v", err)
	}
	if n, _ := s.NotificationCandidate(ctx, key(1)); n != nil {
		t.Errorf("candidate after enqueue: %+v", n)
	}
}

func TestNotificationCandidate_NoLocationWithoutBlobWriter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	loc, err := s.StoreTranscript(ctx, voicemail.Transcript{Key: key(1), Text: "x", ToNumber: "+1", FromNumber: "+2"})
	if err != nil || loc != "" {
		t.Fatalf("StoreTranscript: loc=%q err=%v", loc, err)
	}
	if _, err := s.MarkSMSRequested(ctx, "CA1", "RE1", 1, "", ""); err != nil {
		t.Fatal(err)
	}
	if n, err := s.NotificationCandidate(ctx, key(1)); err != nil || n != nil {
		t.Errorf("n=%v err=%v, want no candidate", n, err)
	}
}

func TestMarkNotificationEnqueued_NotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.MarkNotificationEnqueued(context.Background(), key(9)); !errors.Is(err, voicemail.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestJobQueue_Enqueue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	q := postgres.NewJobQueue(s.Pool())

	n := voicemail.Notification{
		CallSID: "CA1", RecordingSID: "RE1", Attempt: 2,
		To: "+1", From: "+2", TranscriptURL: "s3://vm/x.json", RetryCount: 1,
	}
	if err := q.Enqueue(ctx, n); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	var (
		payload []byte
		status  string
	)
	err := s.Pool().QueryRow(ctx,
		`SELECT payload, status FROM sms_jobs WHERE call_sid = 'CA1' AND attempt = 2`,
	).Scan(&payload, &status)
	if err != nil {
		t.Fatalf("query job: %v", err)
	}
	if status != "pending" {
		t.Errorf("status = %q", status)
	}
	var got voicemail.Notification
	if err := json.Unmarshal(payload, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got != n {
		t.Errorf("payload = %+v, want %+v", got, n)
	}
}

func TestStoreTranscript_ConcurrentAttempts(t *testing.T) {
	s := newTestStore(t, postgres.WithBlobWriter(&memBlobs{}))
	ctx := context.Background()

	var wg sync.WaitGroup
	for attempt := 1; attempt <= 5; attempt++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.StoreTranscript(ctx, voicemail.Transcript{Key: key(attempt), Text: "x"}); err != nil {
				t.Errorf("StoreTranscript(%d): %v", attempt, err)
			}
		}()
	}
	wg.Wait()

	for attempt := 1; attempt <= 5; attempt++ {
		if got := mustRecord(t, s, key(attempt)).IsFinal; got != (attempt == 5) {
			t.Errorf("attempt %d is_final = %v", attempt, got)
		}
	}
}
