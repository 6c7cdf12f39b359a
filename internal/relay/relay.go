// Package relay streams call audio to a realtime voice-AI service and routes
// the service's events back to the call.
//
// A [Relay] owns one upstream websocket per call. Outbound audio is queued
// without blocking and written by a send loop; a receive loop classifies
// inbound events and hands them to the registered [Handlers]. Transcriptions
// of caller speech are persisted in the background through an optional
// [TranscriptStore], which may in turn trigger an SMS job on a
// [NotificationQueue].
//
// The relay never reconnects on its own. When the transport fails both loops
// exit, [Relay.Done] is closed and [Relay.Connected] reports false; the caller
// decides whether to [Relay.Close] and [Relay.Start] again.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/callbridge/internal/observe"
	"github.com/MrWong99/callbridge/pkg/audio"
)

// Sentinel errors.
var (
	// ErrConfig reports missing or ambiguous configuration.
	ErrConfig = errors.New("relay: invalid configuration")

	// ErrTransport reports a failed dial, read or write on the upstream link.
	ErrTransport = errors.New("relay: transport failure")

	// ErrNotConnected is returned by Start when an earlier connection ended
	// and has not been closed yet.
	ErrNotConnected = errors.New("relay: not connected")
)

const (
	DefaultModel      = "gpt-4o-mini"
	DefaultAPIVersion = "2025-05-01-preview"

	// readLimit bounds a single inbound message. Audio deltas routinely
	// exceed the websocket library's 32 KiB default.
	readLimit = 1 << 20
)

// Config describes the upstream service. Exactly one of APIKey and managed
// identity (ManagedIdentityClientID or [WithTokenCredential]) must be set.
type Config struct {
	// Endpoint is the resource endpoint, e.g.
	// "https://my-resource.cognitiveservices.azure.com".
	Endpoint   string
	Model      string // default DefaultModel
	APIVersion string // default DefaultAPIVersion

	APIKey                  string
	ManagedIdentityClientID string

	// Session is sent once after connecting. The zero value selects
	// DefaultSessionConfig.
	Session SessionConfig

	// EnableResponses asks the service to start responding right after the
	// session is configured. Transcription-only calls leave it off.
	EnableResponses bool
}

// State is the lifecycle position of a relay.
type State int32

const (
	StateUnconnected State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option configures a Relay.
type Option func(*Relay)

// WithStore enables transcript persistence.
func WithStore(s TranscriptStore) Option {
	return func(r *Relay) { r.store = s }
}

// WithNotificationQueue enables SMS jobs after a transcript is stored. It has
// no effect without a store.
func WithNotificationQueue(q NotificationQueue) Option {
	return func(r *Relay) { r.queue = q }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.log = l }
}

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithTokenCredential authenticates with bearer tokens from cred instead of
// building a managed identity credential from the config.
func WithTokenCredential(cred azcore.TokenCredential) Option {
	return func(r *Relay) { r.creds.token = cred }
}

// WithHTTPClient sets the client used for the websocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Relay) { r.httpClient = c }
}

// ── Relay ──────────────────────────────────────────────────────────────────────

// Relay bridges one call to the voice-AI service. All methods are safe for
// concurrent use.
type Relay struct {
	url        string
	session    SessionConfig
	responses  bool
	creds      credentials
	httpClient *http.Client
	store      TranscriptStore
	queue      NotificationQueue
	log        *slog.Logger
	metrics    *observe.Metrics

	handlers atomic.Pointer[Handlers]
	send     *sendQueue
	state    atomic.Int32

	startMu sync.Mutex
	closeMu sync.Mutex

	mu     sync.Mutex // guards the fields below
	conn   *websocket.Conn
	cancel context.CancelFunc
	done   chan struct{}
	tasks  *taskGroup
	errVal error
	stream StreamContext
}

// New validates cfg and returns an unconnected relay. Errors wrap [ErrConfig].
func New(cfg Config, opts ...Option) (*Relay, error) {
	r := &Relay{
		session:   cfg.Session,
		responses: cfg.EnableResponses,
		creds:     credentials{apiKey: cfg.APIKey},
		send:      newSendQueue(),
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	if r.session == (SessionConfig{}) {
		r.session = DefaultSessionConfig()
	}
	r.handlers.Store(Handlers{}.resolve())

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultAPIVersion
	}

	var errs []error
	if strings.TrimSpace(cfg.Endpoint) == "" {
		errs = append(errs, errors.New("endpoint is required"))
	} else if u, err := realtimeURL(cfg.Endpoint, cfg.APIVersion, cfg.Model); err != nil {
		errs = append(errs, err)
	} else {
		r.url = u
	}

	identity := cfg.ManagedIdentityClientID != "" || r.creds.token != nil
	switch {
	case cfg.APIKey != "" && identity:
		errs = append(errs, errors.New("both an API key and a managed identity are configured; choose one"))
	case cfg.APIKey == "" && !identity:
		errs = append(errs, errors.New("no credential configured: set an API key or a managed identity client ID"))
	case r.creds.token == nil && cfg.ManagedIdentityClientID != "":
		cred, err := azidentity.NewManagedIdentityCredential(&azidentity.ManagedIdentityCredentialOptions{
			ID: azidentity.ClientID(cfg.ManagedIdentityClientID),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("managed identity: %w", err))
		}
		r.creds.token = cred
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: %w", ErrConfig, errors.Join(errs...))
	}
	return r, nil
}

// SetHandlers replaces the event handlers. Nil fields become no-ops.
func (r *Relay) SetHandlers(h Handlers) {
	r.handlers.Store(h.resolve())
}

// UpdateStreamContext merges sc into the relay's stream identifiers. Set
// identifiers are never cleared or replaced and the attempt never decreases.
func (r *Relay) UpdateStreamContext(sc StreamContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stream.merge(sc)
}

// StreamContext returns a copy of the current stream identifiers.
func (r *Relay) StreamContext() StreamContext {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stream
}

// State reports the lifecycle position.
func (r *Relay) State() State { return State(r.state.Load()) }

// Connected reports whether the upstream link is established and both loops
// are running.
func (r *Relay) Connected() bool { return r.State() == StateActive }

// Done returns a channel that is closed once both loops have exited. It is
// already closed when the relay is not running.
func (r *Relay) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return closedChan
	}
	return r.done
}

// Err returns the transport error that ended the loops, if any. It is nil
// while the relay is active and after a requested Close.
func (r *Relay) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errVal
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Start connects to the service, configures the session and starts the send
// and receive loops. Concurrent calls share one connection attempt; Start on
// a running relay returns nil. If the previous connection ended by itself,
// Start returns [ErrNotConnected] until [Relay.Close] is called.
//
// ctx bounds credential acquisition and the handshake only.
func (r *Relay) Start(ctx context.Context) (err error) {
	r.startMu.Lock()
	defer r.startMu.Unlock()

	r.mu.Lock()
	running, done := r.conn != nil, r.done
	r.mu.Unlock()
	if running {
		select {
		case <-done:
			return fmt.Errorf("%w: previous connection ended (%v); close before restarting", ErrNotConnected, r.Err())
		default:
			return nil
		}
	}

	ctx, span := observe.StartSpan(ctx, "relay.start")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	r.setState(StateConnecting)
	began := time.Now()
	conn, err := r.connect(ctx)
	if err != nil {
		r.metrics.RecordUpstreamConnect(ctx, "error", time.Since(began))
		r.setState(StateUnconnected)
		return err
	}
	r.metrics.RecordUpstreamConnect(ctx, "ok", time.Since(began))

	loopCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(loopCtx)
	tasks := newTaskGroup(r.log)
	done = make(chan struct{})

	r.mu.Lock()
	r.conn = conn
	r.cancel = cancel
	r.done = done
	r.tasks = tasks
	r.errVal = nil
	sc := r.stream
	r.mu.Unlock()
	r.setState(StateActive)

	span.SetAttributes(attribute.String("call_sid", sc.CallSID))
	r.log.Info("relay: connected", "call_sid", sc.CallSID, "responses", r.responses)

	g.Go(func() error { return r.sendLoop(gctx, conn) })
	g.Go(func() error { return r.receiveLoop(gctx, conn, tasks) })
	go func() {
		loopErr := g.Wait()
		if loopErr != nil {
			r.mu.Lock()
			r.errVal = loopErr
			r.mu.Unlock()
			r.state.CompareAndSwap(int32(StateActive), int32(StateClosed))
		}
		close(done)
	}()
	return nil
}

// connect acquires credentials, dials and sends the session configuration.
func (r *Relay) connect(ctx context.Context) (*websocket.Conn, error) {
	header, err := r.creds.header(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: credentials: %w", ErrTransport, err)
	}
	header.Set("x-ms-client-request-id", uuid.NewString())

	conn, _, err := websocket.Dial(ctx, r.url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: r.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", ErrTransport, err)
	}
	conn.SetReadLimit(readLimit)

	if err := writeJSON(ctx, conn, sessionUpdateMessage{Type: typeSessionUpdate, Session: r.session}); err != nil {
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("%w: session update: %w", ErrTransport, err)
	}
	if r.responses {
		if err := writeJSON(ctx, conn, responseCreateMessage{Type: typeResponseCreate}); err != nil {
			conn.Close(websocket.StatusInternalError, "response create failed")
			return nil, fmt.Errorf("%w: response create: %w", ErrTransport, err)
		}
	}
	return conn, nil
}

// Close stops both loops, joins outstanding persistence tasks, releases the
// transport and discards queued audio. It waits for an in-flight Start.
// Close is idempotent and safe before Start.
//
// If ctx expires before the loops stop, the transport is torn down forcibly;
// Close still waits for everything to quiesce and then returns ctx's error.
func (r *Relay) Close(ctx context.Context) error {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	r.startMu.Lock()
	defer r.startMu.Unlock()

	r.mu.Lock()
	conn, cancel, done, tasks := r.conn, r.cancel, r.done, r.tasks
	r.mu.Unlock()

	if conn == nil {
		r.send.drain()
		return nil
	}

	r.setState(StateClosing)
	cancel()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		conn.CloseNow()
		<-done
	}
	tasks.stop()
	// Cancelling the receive loop's read already tears down the connection,
	// so this usually reports it as closed.
	if cerr := conn.Close(websocket.StatusNormalClosure, "call ended"); cerr != nil {
		r.log.Debug("relay: close transport", "err", cerr)
	}

	r.mu.Lock()
	r.conn = nil
	r.cancel = nil
	r.done = nil
	r.tasks = nil
	r.errVal = nil
	r.mu.Unlock()
	r.setState(StateClosed)

	if n := r.send.drain(); n > 0 {
		r.log.Debug("relay: dropped queued messages", "count", n)
	}
	return err
}

// SendPCM16 queues PCM16 audio at 24 kHz for the service. It never blocks.
func (r *Relay) SendPCM16(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	r.SendAudioBase64(base64.StdEncoding.EncodeToString(pcm))
}

// SendAudioBase64 queues an already base64-encoded PCM16 buffer. It never
// blocks. Audio queued before Start is sent once connected; audio still
// queued at Close is discarded.
func (r *Relay) SendAudioBase64(b64 string) {
	if b64 == "" {
		return
	}
	data, err := json.Marshal(appendAudioMessage{Type: typeInputAudioBufferAppend, Audio: b64})
	if err != nil {
		r.log.Error("relay: marshal audio", "err", err)
		return
	}
	r.send.push(data)
	r.metrics.RecordAudioFrame(context.Background(), "upstream", "out")
}

func (r *Relay) setState(s State) { r.state.Store(int32(s)) }

// ── Loops ──────────────────────────────────────────────────────────────────────

// sendLoop writes queued messages in FIFO order.
func (r *Relay) sendLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msg, err := r.send.pop(ctx)
		if err != nil {
			return nil
		}
		if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Error("relay: write failed", "err", err)
			return fmt.Errorf("%w: write: %w", ErrTransport, err)
		}
	}
}

// receiveLoop reads and dispatches events until the connection fails or ctx
// is cancelled.
func (r *Relay) receiveLoop(ctx context.Context, conn *websocket.Conn, tasks *taskGroup) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				r.log.Info("relay: service closed the connection")
			} else {
				r.log.Error("relay: read failed", "err", err)
			}
			return fmt.Errorf("%w: read: %w", ErrTransport, err)
		}
		r.dispatch(ctx, data, tasks)
	}
}

func (r *Relay) dispatch(ctx context.Context, data []byte, tasks *taskGroup) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		r.log.Warn("relay: malformed event", "err", err)
		return
	}
	kind := ClassifyEvent(evt.Type)
	r.metrics.RecordUpstreamEvent(ctx, kind.String())
	h := r.handlers.Load()

	switch kind {
	case EventSessionCreated:
		var id string
		if evt.Session != nil {
			id = evt.Session.ID
		}
		r.log.Info("relay: session created", "session_id", id)

	case EventInputBufferCleared:
		r.log.Debug("relay: input audio buffer cleared")

	case EventSpeechStarted:
		r.invoke(ctx, kind, func(ctx context.Context) error { return h.AudioStop(ctx) })

	case EventInputTranscriptionCompleted:
		if evt.Transcript == "" {
			return
		}
		r.invoke(ctx, kind, func(ctx context.Context) error { return h.UserTranscript(ctx, evt.Transcript) })
		r.schedulePersist(tasks, evt.Transcript, evt.confidence())

	case EventInputTranscriptionFailed:
		r.log.Warn("relay: input transcription failed", "error", string(evt.Error))

	case EventAITranscriptDone:
		if evt.Transcript == "" {
			return
		}
		r.invoke(ctx, kind, func(ctx context.Context) error { return h.AITranscript(ctx, evt.Transcript) })

	case EventAudioDelta:
		if evt.Delta == "" {
			return
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			r.metrics.RecordDecodeError(ctx, "upstream")
			r.log.Warn("relay: undecodable audio delta", "err", fmt.Errorf("%w: %w", audio.ErrDecode, err))
			return
		}
		r.metrics.RecordAudioFrame(ctx, "upstream", "in")
		r.invoke(ctx, kind, func(ctx context.Context) error { return h.AudioChunk(ctx, pcm) })

	case EventError:
		r.log.Error("relay: service error", "error", string(evt.Error))

	default:
		r.log.Debug("relay: unhandled event", "type", evt.Type)
	}
}

// invoke runs one handler, containing its errors and panics.
func (r *Relay) invoke(ctx context.Context, kind EventKind, fn func(context.Context) error) {
	defer func() {
		if p := recover(); p != nil {
			r.metrics.RecordHandlerError(ctx, kind.String())
			r.log.Error("relay: handler panicked", "event", kind.String(), "panic", p)
		}
	}()
	if err := fn(ctx); err != nil {
		r.metrics.RecordHandlerError(ctx, kind.String())
		r.log.Warn("relay: handler failed", "event", kind.String(), "err", err)
	}
}

// writeJSON marshals v and writes it as a text message.
func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
