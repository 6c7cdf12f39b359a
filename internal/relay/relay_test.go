package relay_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/fake"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/callbridge/internal/relay"
	"github.com/MrWong99/callbridge/internal/voicemail"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startVoiceServer launches a websocket peer standing in for the voice-AI
// service. handler runs once per accepted connection.
func startVoiceServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.CloseNow()
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// waitClosed blocks until the peer goes away.
func waitClosed(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

func newRelay(t *testing.T, srv *httptest.Server, opts ...relay.Option) *relay.Relay {
	t.Helper()
	r, err := relay.New(relay.Config{Endpoint: wsURL(srv), APIKey: "test-key"}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = r.Close(context.Background()) })
	return r
}

func start(t *testing.T, r *relay.Relay) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
		var zero T
		return zero
	}
}

// ── Construction ──────────────────────────────────────────────────────────────

func TestNew_ConfigErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  relay.Config
		opts []relay.Option
	}{
		{name: "missing endpoint", cfg: relay.Config{APIKey: "k"}},
		{name: "no credential", cfg: relay.Config{Endpoint: "https://x.example.com"}},
		{
			name: "key and identity",
			cfg:  relay.Config{Endpoint: "https://x.example.com", APIKey: "k", ManagedIdentityClientID: "id"},
		},
		{
			name: "key and token credential",
			cfg:  relay.Config{Endpoint: "https://x.example.com", APIKey: "k"},
			opts: []relay.Option{relay.WithTokenCredential(&fake.TokenCredential{})},
		},
		{name: "bad scheme", cfg: relay.Config{Endpoint: "ftp://x.example.com", APIKey: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := relay.New(tt.cfg, tt.opts...)
			if !errors.Is(err, relay.ErrConfig) {
				t.Errorf("New err = %v; want ErrConfig", err)
			}
		})
	}
}

func TestNew_ManagedIdentity(t *testing.T) {
	t.Parallel()
	r, err := relay.New(relay.Config{Endpoint: "https://x.example.com", ManagedIdentityClientID: "client-id"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if r.State() != relay.StateUnconnected {
		t.Errorf("State = %v; want unconnected", r.State())
	}
}

// ── Start ─────────────────────────────────────────────────────────────────────

func TestStart_HandshakeAndSessionUpdate(t *testing.T) {
	t.Parallel()

	type handshake struct {
		path, apiVersion, model, apiKey, requestID string
		first                                       map[string]any
	}
	got := make(chan handshake, 1)

	srv := startVoiceServer(t, func(conn *websocket.Conn, r *http.Request) {
		h := handshake{
			path:       r.URL.Path,
			apiVersion: r.URL.Query().Get("api-version"),
			model:      r.URL.Query().Get("model"),
			apiKey:     r.Header.Get("api-key"),
			requestID:  r.Header.Get("x-ms-client-request-id"),
		}
		readJSON(t, conn, &h.first)
		got <- h
		waitClosed(conn)
	})

	r := newRelay(t, srv)
	start(t, r)
	if !r.Connected() || r.State() != relay.StateActive {
		t.Errorf("after Start: Connected=%v State=%v", r.Connected(), r.State())
	}

	h := waitFor(t, got)
	if h.path != "/voice-live/realtime" {
		t.Errorf("path = %q", h.path)
	}
	if h.apiVersion != relay.DefaultAPIVersion || h.model != relay.DefaultModel {
		t.Errorf("query api-version=%q model=%q", h.apiVersion, h.model)
	}
	if h.apiKey != "test-key" {
		t.Errorf("api-key header = %q", h.apiKey)
	}
	if _, err := uuid.Parse(h.requestID); err != nil {
		t.Errorf("x-ms-client-request-id %q is not a uuid: %v", h.requestID, err)
	}
	if h.first["type"] != "session.update" {
		t.Fatalf("first message type = %v; want session.update", h.first["type"])
	}
	session, _ := h.first["session"].(map[string]any)
	voice, _ := session["voice"].(map[string]any)
	if voice["name"] != relay.DefaultVoiceName {
		t.Errorf("voice.name = %v; want %q", voice["name"], relay.DefaultVoiceName)
	}
	td, _ := session["turn_detection"].(map[string]any)
	if td["type"] != "azure_semantic_vad" {
		t.Errorf("turn_detection.type = %v", td["type"])
	}
}

func TestStart_ResponseCreateOnlyWhenEnabled(t *testing.T) {
	t.Parallel()

	for _, enabled := range []bool{true, false} {
		t.Run(map[bool]string{true: "enabled", false: "disabled"}[enabled], func(t *testing.T) {
			t.Parallel()
			second := make(chan string, 1)
			srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
				var first, next map[string]any
				readJSON(t, conn, &first)
				readJSON(t, conn, &next)
				typ, _ := next["type"].(string)
				second <- typ
				waitClosed(conn)
			})

			r, err := relay.New(relay.Config{Endpoint: wsURL(srv), APIKey: "k", EnableResponses: enabled})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			defer r.Close(context.Background())
			start(t, r)
			// A marker proves what followed the session update.
			r.SendPCM16([]byte{0, 0})

			want := "input_audio_buffer.append"
			if enabled {
				want = "response.create"
			}
			if typ := waitFor(t, second); typ != want {
				t.Errorf("second message = %q; want %q", typ, want)
			}
		})
	}
}

func TestStart_BearerTokenFromCredential(t *testing.T) {
	t.Parallel()

	auth := make(chan string, 1)
	srv := startVoiceServer(t, func(conn *websocket.Conn, r *http.Request) {
		auth <- r.Header.Get("Authorization")
		waitClosed(conn)
	})

	r, err := relay.New(relay.Config{Endpoint: wsURL(srv)}, relay.WithTokenCredential(&fake.TokenCredential{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer r.Close(context.Background())
	start(t, r)

	if got := waitFor(t, auth); got != "Bearer fake_token" {
		t.Errorf("Authorization = %q; want Bearer fake_token", got)
	}
}

func TestStart_CredentialFailure(t *testing.T) {
	t.Parallel()

	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		t.Error("dialled despite credential failure")
	})
	cred := &fake.TokenCredential{}
	cred.SetError(errors.New("identity endpoint unavailable"))

	r, err := relay.New(relay.Config{Endpoint: wsURL(srv)}, relay.WithTokenCredential(cred))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.Start(context.Background()); !errors.Is(err, relay.ErrTransport) {
		t.Errorf("Start err = %v; want ErrTransport", err)
	}
	if r.State() != relay.StateUnconnected {
		t.Errorf("State = %v; want unconnected", r.State())
	}
}

func TestStart_ConcurrentCallsDialOnce(t *testing.T) {
	t.Parallel()

	var dials atomic.Int32
	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		dials.Add(1)
		waitClosed(conn)
	})
	r := newRelay(t, srv)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- r.Start(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Start: %v", err)
		}
	}
	if n := dials.Load(); n != 1 {
		t.Errorf("dials = %d; want 1", n)
	}
}

// ── Send path ─────────────────────────────────────────────────────────────────

func TestSendPCM16_QueuedBeforeStartInOrder(t *testing.T) {
	t.Parallel()

	audio := make(chan string, 3)
	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		for range 3 {
			var msg struct {
				Type  string `json:"type"`
				Audio string `json:"audio"`
			}
			readJSON(t, conn, &msg)
			if msg.Type != "input_audio_buffer.append" {
				t.Errorf("type = %q", msg.Type)
			}
			audio <- msg.Audio
		}
		waitClosed(conn)
	})
	r := newRelay(t, srv)

	chunks := [][]byte{{1, 0}, {2, 0}, {3, 0}}
	for _, c := range chunks {
		r.SendPCM16(c)
	}
	r.SendPCM16(nil)
	start(t, r)

	for i, c := range chunks {
		want := base64.StdEncoding.EncodeToString(c)
		if got := waitFor(t, audio); got != want {
			t.Errorf("chunk %d = %q; want %q", i, got, want)
		}
	}
}

// ── Receive path ──────────────────────────────────────────────────────────────

type recorder struct {
	mu     sync.Mutex
	chunks [][]byte
	stops  int
	users  []string
	ais    []string

	stopped chan struct{}
	user    chan string
	ai      chan string
	chunk   chan []byte
}

func newRecorder() *recorder {
	return &recorder{
		stopped: make(chan struct{}, 8),
		user:    make(chan string, 8),
		ai:      make(chan string, 8),
		chunk:   make(chan []byte, 8),
	}
}

func (rc *recorder) handlers() relay.Handlers {
	return relay.Handlers{
		UserTranscript: func(_ context.Context, text string) error {
			rc.mu.Lock()
			rc.users = append(rc.users, text)
			rc.mu.Unlock()
			rc.user <- text
			return nil
		},
		AITranscript: func(_ context.Context, text string) error {
			rc.mu.Lock()
			rc.ais = append(rc.ais, text)
			rc.mu.Unlock()
			rc.ai <- text
			return nil
		},
		AudioChunk: func(_ context.Context, pcm []byte) error {
			rc.mu.Lock()
			rc.chunks = append(rc.chunks, pcm)
			rc.mu.Unlock()
			rc.chunk <- pcm
			return nil
		},
		AudioStop: func(context.Context) error {
			rc.mu.Lock()
			rc.stops++
			rc.mu.Unlock()
			rc.stopped <- struct{}{}
			return nil
		},
	}
}

// scriptedServer sends events after reading the session update and then
// waits for the relay to go away.
func scriptedServer(t *testing.T, events ...any) *httptest.Server {
	t.Helper()
	return startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		for _, e := range events {
			if raw, ok := e.(string); ok {
				ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
				_ = conn.Write(ctx, websocket.MessageText, []byte(raw))
				cancel()
				continue
			}
			writeJSON(t, conn, e)
		}
		waitClosed(conn)
	})
}

func TestReceive_AudioDeltaEmitsOneChunk(t *testing.T) {
	t.Parallel()

	silent := base64.StdEncoding.EncodeToString(make([]byte, 8))
	srv := scriptedServer(t,
		map[string]any{"type": "response.audio.delta", "delta": silent},
		map[string]any{"type": "response.audio.delta", "delta": ""},
		map[string]any{"type": "input_audio_buffer.speech_started"},
	)
	rec := newRecorder()
	r := newRelay(t, srv)
	r.SetHandlers(rec.handlers())
	start(t, r)

	waitFor(t, rec.stopped)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.chunks) != 1 {
		t.Fatalf("AudioChunk calls = %d; want 1", len(rec.chunks))
	}
	if len(rec.chunks[0]) != 8 {
		t.Fatalf("chunk length = %d; want 8 bytes (4 samples)", len(rec.chunks[0]))
	}
	for i, b := range rec.chunks[0] {
		if b != 0 {
			t.Errorf("chunk[%d] = %d; want 0", i, b)
		}
	}
}

func TestReceive_SpeechStartedEmitsOneAudioStop(t *testing.T) {
	t.Parallel()

	srv := scriptedServer(t,
		map[string]any{"type": "input_audio_buffer.speech_started"},
		map[string]any{"type": "response.audio_transcript.done", "transcript": "done"},
	)
	rec := newRecorder()
	r := newRelay(t, srv)
	r.SetHandlers(rec.handlers())
	start(t, r)

	if got := waitFor(t, rec.ai); got != "done" {
		t.Errorf("AITranscript = %q", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.stops != 1 {
		t.Errorf("AudioStop calls = %d; want 1", rec.stops)
	}
}

func TestReceive_MalformedAndUnknownEventsAreSkipped(t *testing.T) {
	t.Parallel()

	srv := scriptedServer(t,
		"{not json",
		map[string]any{"type": "response.done"},
		map[string]any{"type": "error", "error": map[string]any{"message": "boom"}},
		map[string]any{"type": "session.created", "session": map[string]any{"id": "sess_1"}},
		map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": ""},
		map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "hello"},
	)
	rec := newRecorder()
	r := newRelay(t, srv)
	r.SetHandlers(rec.handlers())
	start(t, r)

	if got := waitFor(t, rec.user); got != "hello" {
		t.Errorf("UserTranscript = %q; want hello", got)
	}
	if !r.Connected() {
		t.Error("relay disconnected after malformed input")
	}
}

func TestReceive_HandlerFailuresDoNotStopLoop(t *testing.T) {
	t.Parallel()

	srv := scriptedServer(t,
		map[string]any{"type": "input_audio_buffer.speech_started"},
		map[string]any{"type": "conversation.item.input_audio_transcription.completed", "transcript": "hi"},
		map[string]any{"type": "response.audio_transcript.done", "transcript": "after"},
	)
	rec := newRecorder()
	h := rec.handlers()
	h.AudioStop = func(context.Context) error { return errors.New("sink gone") }
	h.UserTranscript = func(context.Context, string) error { panic("handler bug") }

	r := newRelay(t, srv)
	r.SetHandlers(h)
	start(t, r)

	if got := waitFor(t, rec.ai); got != "after" {
		t.Errorf("AITranscript = %q; want after", got)
	}
}

// ── Read error post-condition ─────────────────────────────────────────────────

func TestReadError_LeavesRelayDisconnectedUntilClose(t *testing.T) {
	t.Parallel()

	var conns atomic.Int32
	counted := make(chan struct{}, 2)
	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		n := conns.Add(1)
		counted <- struct{}{}
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "maintenance")
			return
		}
		waitClosed(conn)
	})
	r := newRelay(t, srv)
	start(t, r)

	waitFor(t, r.Done())
	if r.Connected() {
		t.Error("Connected = true after read error")
	}
	if r.State() != relay.StateClosed {
		t.Errorf("State = %v; want closed", r.State())
	}
	if !errors.Is(r.Err(), relay.ErrTransport) {
		t.Errorf("Err = %v; want ErrTransport", r.Err())
	}
	if err := r.Start(context.Background()); !errors.Is(err, relay.ErrNotConnected) {
		t.Errorf("Start before Close err = %v; want ErrNotConnected", err)
	}

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.Err() != nil {
		t.Errorf("Err after Close = %v; want nil", r.Err())
	}
	start(t, r)
	if !r.Connected() {
		t.Error("Connected = false after restart")
	}
	waitFor(t, counted)
	waitFor(t, counted)
	if n := conns.Load(); n != 2 {
		t.Errorf("connections = %d; want 2", n)
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_BeforeStartIsNoOp(t *testing.T) {
	t.Parallel()

	r, err := relay.New(relay.Config{Endpoint: "https://x.example.com", APIKey: "k"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.SendPCM16([]byte{1, 2})
	for i := range 2 {
		if err := r.Close(context.Background()); err != nil {
			t.Errorf("Close #%d: %v", i+1, err)
		}
		if r.State() != relay.StateUnconnected || r.Connected() || r.Err() != nil {
			t.Errorf("Close #%d: State=%v Connected=%v Err=%v", i+1, r.State(), r.Connected(), r.Err())
		}
		select {
		case <-r.Done():
		default:
			t.Errorf("Close #%d: Done not closed", i+1)
		}
	}
}

func TestClose_TwiceAfterStart(t *testing.T) {
	t.Parallel()

	closed := make(chan struct{})
	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var update map[string]any
		readJSON(t, conn, &update)
		waitClosed(conn)
		close(closed)
	})
	r := newRelay(t, srv)
	start(t, r)

	for i := range 2 {
		if err := r.Close(context.Background()); err != nil {
			t.Errorf("Close #%d: %v", i+1, err)
		}
		if r.State() != relay.StateClosed || r.Connected() {
			t.Errorf("Close #%d: State=%v Connected=%v", i+1, r.State(), r.Connected())
		}
	}
	waitFor(t, closed)
}

func TestClose_ConcurrentWithStart(t *testing.T) {
	t.Parallel()

	srv := startVoiceServer(t, func(conn *websocket.Conn, _ *http.Request) { waitClosed(conn) })
	r := newRelay(t, srv)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = r.Start(context.Background())
	}()
	go func() {
		defer wg.Done()
		_ = r.Close(context.Background())
	}()
	wg.Wait()

	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.Connected() {
		t.Error("Connected after final Close")
	}
}

// ── Persistence ───────────────────────────────────────────────────────────────

type fakeStore struct {
	mu        sync.Mutex
	stored    []voicemail.Transcript
	marked    []voicemail.Key
	candidate *voicemail.Notification
	storeErr  error

	// block, when set, makes StoreTranscript wait for ctx cancellation.
	block    bool
	entered  chan struct{}
	returned atomic.Bool
}

func (s *fakeStore) StoreTranscript(ctx context.Context, t voicemail.Transcript) (string, error) {
	s.mu.Lock()
	s.stored = append(s.stored, t)
	block, entered := s.block, s.entered
	s.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block {
		<-ctx.Done()
		s.returned.Store(true)
		return "", ctx.Err()
	}
	if s.storeErr != nil {
		return "", s.storeErr
	}
	return "https://blob.example/" + voicemail.BlobPath(t.CallSID, t.RecordingSID), nil
}

func (s *fakeStore) NotificationCandidate(_ context.Context, key voicemail.Key) (*voicemail.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.candidate, nil
}

func (s *fakeStore) MarkNotificationEnqueued(_ context.Context, key voicemail.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, key)
	return nil
}

type fakeQueue struct {
	jobs chan voicemail.Notification
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, n voicemail.Notification) error {
	if q.err != nil {
		return q.err
	}
	q.jobs <- n
	return nil
}

func transcriptionEvent(text string, confidence any) map[string]any {
	return map[string]any{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": text,
		"confidence": confidence,
	}
}

func TestPersist_StoresAndEnqueuesNotification(t *testing.T) {
	t.Parallel()

	srv := scriptedServer(t, transcriptionEvent("call me back", "0.87"))
	key := voicemail.Key{CallSID: "CA1", RecordingSID: "RE1", Attempt: 2}
	store := &fakeStore{candidate: &voicemail.Notification{
		CallSID: "CA1", RecordingSID: "RE1", Attempt: 2, To: "+15550001", From: "+15550002",
		TranscriptURL: "https://blob.example/voicemails/CA1/RE1.json",
	}}
	queue := &fakeQueue{jobs: make(chan voicemail.Notification, 1)}

	r := newRelay(t, srv, relay.WithStore(store), relay.WithNotificationQueue(queue))
	r.UpdateStreamContext(relay.StreamContext{CallSID: "CA1", StreamSID: "MZ1"})
	r.UpdateStreamContext(relay.StreamContext{RecordingSID: "RE1", Attempt: 2})
	start(t, r)

	job := waitFor(t, queue.jobs)
	if job.Key() != key || job.To != "+15550001" {
		t.Errorf("job = %+v", job)
	}
	// Close joins the task, so the mark is visible afterwards.
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.stored) != 1 {
		t.Fatalf("stored = %d; want 1", len(store.stored))
	}
	got := store.stored[0]
	if got.Key != key || got.Text != "call me back" {
		t.Errorf("stored = %+v", got)
	}
	if got.Confidence == nil || *got.Confidence != 0.87 {
		t.Errorf("confidence = %v; want 0.87", got.Confidence)
	}
	if len(store.marked) != 1 || store.marked[0] != key {
		t.Errorf("marked = %v; want [%v]", store.marked, key)
	}
}

func TestPersist_NoCandidateNoEnqueue(t *testing.T) {
	t.Parallel()

	srv := scriptedServer(t, transcriptionEvent("hello", nil))
	store := &fakeStore{entered: make(chan struct{}, 1)}
	queue := &fakeQueue{jobs: make(chan voicemail.Notification, 1)}

	r := newRelay(t, srv, relay.WithStore(store), relay.WithNotificationQueue(queue))
	r.UpdateStreamContext(relay.StreamContext{CallSID: "CA1", RecordingSID: "RE1", Attempt: 1})
	start(t, r)

	waitFor(t, store.entered)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(queue.jobs) != 0 {
		t.Error("job enqueued without a candidate")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.stored[0].Confidence != nil {
		t.Errorf("confidence = %v; want nil", *store.stored[0].Confidence)
	}
	if len(store.marked) != 0 {
		t.Errorf("marked = %v; want none", store.marked)
	}
}

func TestPersist_SkippedWithoutRecordingIdentity(t *testing.T) {
	t.Parallel()

	srv := scriptedServer(t,
		transcriptionEvent("hello", 0.5),
		map[string]any{"type": "input_audio_buffer.speech_started"},
	)
	store := &fakeStore{}
	rec := newRecorder()
	r := newRelay(t, srv, relay.WithStore(store))
	r.SetHandlers(rec.handlers())
	r.UpdateStreamContext(relay.StreamContext{CallSID: "CA1", StreamSID: "MZ1"})
	start(t, r)

	waitFor(t, rec.stopped)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.stored) != 0 {
		t.Errorf("stored = %d; want 0", len(store.stored))
	}
}

func TestClose_JoinsPendingPersistence(t *testing.T) {
	t.Parallel()

	srv := scriptedServer(t, transcriptionEvent("slow", 0.9))
	store := &fakeStore{block: true, entered: make(chan struct{}, 1)}
	r := newRelay(t, srv, relay.WithStore(store))
	r.UpdateStreamContext(relay.StreamContext{CallSID: "CA1", RecordingSID: "RE1", Attempt: 1})
	start(t, r)

	waitFor(t, store.entered)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !store.returned.Load() {
		t.Error("Close returned before the persistence task finished")
	}
}

func TestPersist_StoreFailureIsContained(t *testing.T) {
	t.Parallel()

	srv := scriptedServer(t,
		transcriptionEvent("one", 0.1),
		map[string]any{"type": "response.audio_transcript.done", "transcript": "still here"},
	)
	store := &fakeStore{storeErr: errors.New("db down")}
	queue := &fakeQueue{jobs: make(chan voicemail.Notification, 1)}
	rec := newRecorder()
	r := newRelay(t, srv, relay.WithStore(store), relay.WithNotificationQueue(queue))
	r.SetHandlers(rec.handlers())
	r.UpdateStreamContext(relay.StreamContext{CallSID: "CA1", RecordingSID: "RE1", Attempt: 1})
	start(t, r)

	waitFor(t, rec.ai)
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(queue.jobs) != 0 {
		t.Error("job enqueued after a failed store")
	}
}

func TestStreamContext_NeverCleared(t *testing.T) {
	t.Parallel()

	r, err := relay.New(relay.Config{Endpoint: "https://x.example.com", APIKey: "k"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.UpdateStreamContext(relay.StreamContext{CallSID: "C1", StreamSID: "S1", Attempt: 2})
	r.UpdateStreamContext(relay.StreamContext{Attempt: -1})
	r.UpdateStreamContext(relay.StreamContext{})

	want := relay.StreamContext{CallSID: "C1", StreamSID: "S1", Attempt: 2}
	if got := r.StreamContext(); got != want {
		t.Errorf("StreamContext = %+v; want %+v", got, want)
	}
}
