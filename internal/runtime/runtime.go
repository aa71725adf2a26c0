package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/ExtensionOS/backend/internal/agent"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/bridge"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/capability"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/clipboard"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/connection"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/download"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/events"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/logging"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/monitoring"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/protocol"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/shared/id"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/skills"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/storage"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/surface"
)

// State tracks the lifecycle of one extension instance.
type State string

const (
	StateConstructing  State = "constructing"
	StateAwaitingReady State = "awaiting-ready"
	StateReady         State = "ready"
	StateDisposing     State = "disposing"
	StateDisposed      State = "disposed"
)

// ErrDisposed rejects new work on a disposed runtime.
var ErrDisposed = errors.New("runtime disposed")

// Realm is the runtime's view of the isolated execution context. The real
// implementation is a goja VM on its own goroutine; tests inject fakes.
type Realm interface {
	Deliver(raw []byte) error
	Outbound() <-chan []byte
	Close() error
}

// RealmFactory builds the isolated context for one instance.
type RealmFactory func(instanceID, source string) (Realm, error)

// Fetcher is the bridge's surface consumed by the dispatcher.
type Fetcher interface {
	Fetch(ctx context.Context, req bridge.Request) (*bridge.Response, error)
}

// ToolDef is the host-side record of a sandbox-registered tool.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Schema      map[string]interface{} `json:"schema,omitempty"`
}

// Deps wires the runtime's collaborators. Factory is required; everything
// else degrades gracefully (unset backends answer with errors, not panics).
type Deps struct {
	Factory     RealmFactory
	Surfaces    *surface.Manager
	Events      *events.Bus
	Storage     *storage.Store
	Skills      *skills.Store
	Agent       agent.Controller
	Completer   agent.Completer
	Clipboard   clipboard.Writer
	Bridge      Fetcher
	Connections connection.Manager
	Downloads   *download.Downloader
	Metrics     *monitoring.Metrics
	Log         *logging.Logger

	ReadyTimeout   time.Duration
	RequestTimeout time.Duration
}

type callResult struct {
	result json.RawMessage
	err    error
}

// Runtime hosts one extension instance: it owns the realm, the pending
// request map, the per-surface action id registries and the event
// subscriptions, and multiplexes every sandbox request through the
// capability-gated dispatch table.
type Runtime struct {
	id    string
	gate  *capability.Gate
	deps  Deps
	realm Realm
	log   *logging.Logger
	reqs  *id.RequestCounter

	mu       sync.Mutex
	state    State
	disposed bool
	// surfaceMu serializes the action-registry swap with the surface
	// broadcast that follows it, so concurrent shows cannot publish a
	// tree whose action ids were already replaced. Always acquired
	// before mu, never while holding it.
	surfaceMu sync.Mutex
	pending  map[string]chan callResult
	commands map[string]struct{}
	tools    map[string]ToolDef
	// actions maps a surface key ("overlay" or "widget/<id>") to its live
	// action id set. show/upsert replaces the whole set, so ids from the
	// previous tree become unroutable before the new tree is broadcast.
	actions map[string]map[string]struct{}
	subs    map[id.SubscriptionID]struct{}
	// owned tracks connections this instance registered at runtime; they
	// are unregistered on dispose.
	owned map[string]struct{}

	readyOnce sync.Once
	readyCh   chan struct{}
	bootErr   chan string
}

// New constructs a runtime and starts its realm. The caller must follow up
// with WaitReady before dispatching work.
func New(instanceID, source string, gate *capability.Gate, deps Deps) (*Runtime, error) {
	if deps.Factory == nil {
		return nil, fmt.Errorf("realm factory is required")
	}
	if gate == nil {
		gate = capability.New(func(string) bool { return false })
	}
	if deps.Log == nil {
		deps.Log = logging.NewNop()
	}
	if deps.ReadyTimeout <= 0 {
		deps.ReadyTimeout = 15 * time.Second
	}
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 15 * time.Second
	}

	rt := &Runtime{
		id:       instanceID,
		gate:     gate,
		deps:     deps,
		log:      deps.Log.Named("runtime").With(zap.String("instance_id", instanceID)),
		reqs:     id.NewRequestCounter("h"),
		state:    StateConstructing,
		pending:  make(map[string]chan callResult),
		commands: make(map[string]struct{}),
		tools:    make(map[string]ToolDef),
		actions:  make(map[string]map[string]struct{}),
		subs:     make(map[id.SubscriptionID]struct{}),
		owned:    make(map[string]struct{}),
		readyCh:  make(chan struct{}),
		bootErr:  make(chan string, 1),
	}

	realm, err := deps.Factory(instanceID, source)
	if err != nil {
		return nil, fmt.Errorf("create realm: %w", err)
	}
	rt.realm = realm
	rt.setState(StateAwaitingReady)

	go rt.pump()

	return rt, nil
}

// ID returns the instance id.
func (rt *Runtime) ID() string { return rt.id }

// State reports the current lifecycle state.
func (rt *Runtime) State() State {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *Runtime) setState(s State) {
	rt.mu.Lock()
	rt.state = s
	rt.mu.Unlock()
}

// WaitReady blocks until the bootstrap reports ready, activation fails, or
// the ready timeout elapses. Failure tears the runtime down.
func (rt *Runtime) WaitReady(ctx context.Context) error {
	select {
	case <-rt.readyCh:
		rt.setState(StateReady)
		return nil
	case msg := <-rt.bootErr:
		rt.Dispose(false)
		return fmt.Errorf("extension activation failed: %s", msg)
	case <-time.After(rt.deps.ReadyTimeout):
		rt.Dispose(false)
		return fmt.Errorf("extension did not become ready within %s", rt.deps.ReadyTimeout)
	case <-ctx.Done():
		rt.Dispose(false)
		return ctx.Err()
	}
}

// pump drains the realm's outbound channel for the runtime's whole life.
// Requests dispatch on their own goroutines so a slow handler cannot stall
// response matching.
func (rt *Runtime) pump() {
	for raw := range rt.realm.Outbound() {
		env, err := protocol.Decode(raw)
		if err != nil {
			rt.drop(protocol.RejectShape)
			continue
		}
		if reason := protocol.Validate(env, rt.id, protocol.SandboxToHost); reason != protocol.RejectNone {
			rt.drop(reason)
			continue
		}

		switch env.Kind {
		case protocol.KindEvent:
			rt.handleEvent(env)
		case protocol.KindResponse:
			rt.handleResponse(env)
		case protocol.KindRequest:
			go rt.handleRequest(env)
		}
	}
}

func (rt *Runtime) drop(reason protocol.RejectReason) {
	if rt.deps.Metrics != nil {
		rt.deps.Metrics.RecordDroppedEnvelope(string(reason))
	}
	rt.log.Debug("dropped envelope", zap.String("reason", string(reason)))
}

func (rt *Runtime) handleEvent(env protocol.Envelope) {
	switch env.Event {
	case "ready":
		rt.readyOnce.Do(func() { close(rt.readyCh) })
	case "error":
		var data struct {
			Message string `json:"message"`
		}
		_ = json.Unmarshal(env.Data, &data)
		select {
		case rt.bootErr <- data.Message:
		default:
			rt.log.Error("sandbox error event", zap.String("message", data.Message))
		}
	default:
		rt.log.Debug("ignoring sandbox event", zap.String("event", env.Event))
	}
}

func (rt *Runtime) handleResponse(env protocol.Envelope) {
	rt.mu.Lock()
	ch, ok := rt.pending[env.RequestID]
	if ok {
		delete(rt.pending, env.RequestID)
	}
	rt.mu.Unlock()

	if !ok {
		// Late response after timeout or disposal; the slot is gone.
		rt.log.Debug("dropping unmatched response", zap.String("request_id", env.RequestID))
		return
	}

	res := callResult{result: env.Result}
	if !env.OK {
		msg := env.Error
		if msg == "" {
			msg = "request failed"
		}
		res.err = errors.New(msg)
	}
	ch <- res
}

// handleRequest runs one sandbox-issued dispatch and always answers with a
// response envelope; no error ever escapes into the pump.
func (rt *Runtime) handleRequest(env protocol.Envelope) {
	start := time.Now()
	result, err := rt.dispatch(env.Method, env.Params)

	var resp protocol.Envelope
	status := "ok"
	if err != nil {
		status = "error"
		var details json.RawMessage
		var connErr *connection.Error
		if errors.As(err, &connErr) {
			details, _ = json.Marshal(connErr.Details)
		}
		resp = protocol.NewErrorResponse(rt.id, protocol.HostToSandbox, env.RequestID, err.Error(), details)
	} else {
		raw, mErr := json.Marshal(result)
		if mErr != nil {
			status = "error"
			resp = protocol.NewErrorResponse(rt.id, protocol.HostToSandbox, env.RequestID, "result serialization failed", nil)
		} else {
			resp = protocol.NewResponse(rt.id, protocol.HostToSandbox, env.RequestID, raw)
		}
	}

	if rt.deps.Metrics != nil {
		rt.deps.Metrics.RecordDispatch(env.Method, status, time.Since(start))
	}

	raw, encErr := protocol.Encode(resp)
	if encErr != nil {
		rt.log.Error("encode response failed", zap.Error(encErr))
		return
	}
	if delErr := rt.realm.Deliver(raw); delErr != nil {
		rt.log.Debug("response undeliverable", zap.String("method", env.Method), zap.Error(delErr))
	}
}

// call issues a host→sandbox request and waits for the matching response.
// A timeout frees the pending slot; a late response is then dropped.
func (rt *Runtime) call(ctx context.Context, method string, params interface{}, disposalExempt bool) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	rt.mu.Lock()
	if rt.disposed && !disposalExempt {
		rt.mu.Unlock()
		return nil, ErrDisposed
	}
	reqID := rt.reqs.Next()
	ch := make(chan callResult, 1)
	rt.pending[reqID] = ch
	rt.mu.Unlock()

	env := protocol.NewRequest(rt.id, protocol.HostToSandbox, reqID, method, raw)
	bytes, err := protocol.Encode(env)
	if err != nil {
		rt.removePending(reqID)
		return nil, err
	}
	if err := rt.realm.Deliver(bytes); err != nil {
		rt.removePending(reqID)
		return nil, fmt.Errorf("deliver %s: %w", method, err)
	}

	timer := time.NewTimer(rt.deps.RequestTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		rt.removePending(reqID)
		return nil, fmt.Errorf("request %s timed out after %s", method, rt.deps.RequestTimeout)
	case <-ctx.Done():
		rt.removePending(reqID)
		return nil, ctx.Err()
	}
}

func (rt *Runtime) removePending(reqID string) {
	rt.mu.Lock()
	delete(rt.pending, reqID)
	rt.mu.Unlock()
}

// InvokeCommand runs a sandbox-registered command.
func (rt *Runtime) InvokeCommand(ctx context.Context, name string, args map[string]interface{}) (json.RawMessage, error) {
	rt.mu.Lock()
	_, ok := rt.commands[name]
	rt.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown command %q", name)
	}
	return rt.call(ctx, "invoke_command", map[string]interface{}{"name": name, "args": args}, false)
}

// InvokeTool runs a sandbox-registered tool.
func (rt *Runtime) InvokeTool(ctx context.Context, name string, params map[string]interface{}) (json.RawMessage, error) {
	rt.mu.Lock()
	_, ok := rt.tools[name]
	rt.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return rt.call(ctx, "invoke_tool", map[string]interface{}{"name": name, "params": params}, false)
}

// HandleAction routes a UI click back into the sandbox. Only ids live on
// the current tree of their surface are routable.
func (rt *Runtime) HandleAction(ctx context.Context, actionID string) error {
	sep := strings.Index(actionID, ":")
	if sep <= 0 {
		return fmt.Errorf("malformed action id %q", actionID)
	}

	rt.mu.Lock()
	reg := rt.actions[actionID[:sep]]
	_, live := reg[actionID]
	rt.mu.Unlock()

	if !live {
		return fmt.Errorf("unknown action id %q", actionID)
	}
	_, err := rt.call(ctx, "ui_action", map[string]string{"actionId": actionID}, false)
	return err
}

// Commands lists registered command names.
func (rt *Runtime) Commands() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]string, 0, len(rt.commands))
	for name := range rt.commands {
		out = append(out, name)
	}
	return out
}

// Tools lists registered tool definitions.
func (rt *Runtime) Tools() []ToolDef {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := make([]ToolDef, 0, len(rt.tools))
	for _, def := range rt.tools {
		out = append(out, def)
	}
	return out
}

// replaceActionIDs atomically swaps the live id set for a surface. Called
// before the surface broadcast so a click during re-render can never reach
// a stale handler.
func (rt *Runtime) replaceActionIDs(surfaceKey string, ids []string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if len(ids) == 0 {
		delete(rt.actions, surfaceKey)
		return
	}
	set := make(map[string]struct{}, len(ids))
	for _, aid := range ids {
		set[aid] = struct{}{}
	}
	rt.actions[surfaceKey] = set
}

// LiveActionIDs reports the routable ids for a surface. Test hook and
// introspection for the API layer.
func (rt *Runtime) LiveActionIDs(surfaceKey string) []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	reg := rt.actions[surfaceKey]
	out := make([]string, 0, len(reg))
	for aid := range reg {
		out = append(out, aid)
	}
	return out
}

// Dispose tears the instance down: optional graceful deactivate RPC, then
// unsubscribe events, reject pendings, clear registries, remove surfaces,
// unregister runtime-owned connections and close the realm. Idempotent;
// nothing after it has any host-side effect.
func (rt *Runtime) Dispose(graceful bool) {
	rt.mu.Lock()
	if rt.disposed {
		rt.mu.Unlock()
		return
	}
	rt.disposed = true
	rt.state = StateDisposing
	rt.mu.Unlock()

	if graceful {
		// Best-effort: the call is exempt from the disposed guard so the
		// sandbox gets its chance to clean up.
		ctx, cancel := context.WithTimeout(context.Background(), rt.deps.RequestTimeout)
		if _, err := rt.call(ctx, "deactivate", map[string]interface{}{}, true); err != nil {
			rt.log.Warn("graceful deactivate failed", zap.Error(err))
		}
		cancel()
	}

	rt.mu.Lock()
	subs := rt.subs
	rt.subs = make(map[id.SubscriptionID]struct{})
	pending := rt.pending
	rt.pending = make(map[string]chan callResult)
	owned := rt.owned
	rt.owned = make(map[string]struct{})
	rt.commands = make(map[string]struct{})
	rt.tools = make(map[string]ToolDef)
	rt.actions = make(map[string]map[string]struct{})
	rt.mu.Unlock()

	if rt.deps.Events != nil {
		for subID := range subs {
			rt.deps.Events.Unsubscribe(subID)
		}
	}
	for _, ch := range pending {
		ch <- callResult{err: errors.New("disposed before response")}
	}
	if rt.deps.Connections != nil {
		for connID := range owned {
			if err := rt.deps.Connections.Unregister(connID); err != nil {
				rt.log.Warn("unregister connection failed", zap.String("connection_id", connID), zap.Error(err))
			}
		}
	}
	if rt.deps.Surfaces != nil {
		rt.surfaceMu.Lock()
		rt.deps.Surfaces.Clear(rt.id)
		rt.surfaceMu.Unlock()
	}
	if err := rt.realm.Close(); err != nil {
		rt.log.Warn("realm close failed", zap.Error(err))
	}

	rt.setState(StateDisposed)
}
