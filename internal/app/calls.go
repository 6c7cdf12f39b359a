package app

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callbridge/internal/observe"
)

// ErrDraining is returned when a call arrives after shutdown began.
var ErrDraining = errors.New("app: server is draining")

// CallInfo holds metadata about an active call.
type CallInfo struct {
	// ID is the server-assigned identifier, also used as the log correlation
	// key for web calls that carry no call SID.
	ID string `json:"id"`

	// Transport is "twilio" or "web".
	Transport string `json:"transport"`

	// CallSID is the telephony call identifier when known.
	CallSID string `json:"callSid,omitempty"`

	// StartedAt is when the websocket was accepted.
	StartedAt time.Time `json:"startedAt"`
}

// callRegistry tracks active calls so Shutdown can end them. All methods are
// safe for concurrent use.
type callRegistry struct {
	metrics *observe.Metrics
	now     func() time.Time

	mu       sync.Mutex
	calls    map[string]*activeCall
	draining bool
	wg       sync.WaitGroup
}

type activeCall struct {
	reg    *callRegistry
	info   CallInfo
	cancel context.CancelFunc
	ended  func()
	once   sync.Once
}

func newCallRegistry(m *observe.Metrics) *callRegistry {
	return &callRegistry{
		metrics: m,
		now:     time.Now,
		calls:   make(map[string]*activeCall),
	}
}

// begin registers a call. The returned context is cancelled by CloseAll;
// the caller must call end exactly once when the call is over.
func (r *callRegistry) begin(ctx context.Context, transport, callSID string) (context.Context, *activeCall, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.draining {
		return nil, nil, ErrDraining
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &activeCall{
		reg: r,
		info: CallInfo{
			ID:        uuid.NewString(),
			Transport: transport,
			CallSID:   callSID,
			StartedAt: r.now(),
		},
		cancel: cancel,
		ended:  r.metrics.CallStarted(ctx, transport),
	}
	r.calls[c.info.ID] = c
	r.wg.Add(1)
	return ctx, c, nil
}

// setCallSID records the call SID once the telephony leg reports it.
func (c *activeCall) setCallSID(sid string) {
	if sid == "" {
		return
	}
	c.reg.mu.Lock()
	defer c.reg.mu.Unlock()
	if c.info.CallSID == "" {
		c.info.CallSID = sid
	}
}

// end unregisters the call. Extra calls are no-ops.
func (c *activeCall) end() {
	c.once.Do(func() {
		c.cancel()
		c.ended()
		c.reg.mu.Lock()
		delete(c.reg.calls, c.info.ID)
		c.reg.mu.Unlock()
		c.reg.wg.Done()
	})
}

// Active returns the active calls ordered by start time.
func (r *callRegistry) Active() []CallInfo {
	r.mu.Lock()
	out := make([]CallInfo, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c.info)
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b CallInfo) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), strings.Compare(a.ID, b.ID))
	})
	return out
}

// Len reports the number of active calls.
func (r *callRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// CloseAll refuses new calls, cancels the active ones and waits for them to
// end or for ctx to expire.
func (r *callRegistry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	r.draining = true
	for _, c := range r.calls {
		c.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serveCalls lists the active calls as JSON.
func (a *App) serveCalls(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(struct {
		Calls []CallInfo `json:"calls"`
	}{Calls: a.calls.Active()})
}
