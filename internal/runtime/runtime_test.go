package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ExtensionOS/backend/internal/capability"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/connection"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/events"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/protocol"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/storage"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/surface"
)

// fakeRealm lets tests script the sandbox side of the boundary.
type fakeRealm struct {
	mu        sync.Mutex
	delivered []protocol.Envelope
	out       chan []byte
	closed    bool
	closeOnce sync.Once

	// onRequest, when set, answers host requests.
	onRequest func(env protocol.Envelope) *protocol.Envelope
}

func newFakeRealm() *fakeRealm {
	return &fakeRealm{out: make(chan []byte, 64)}
}

func (f *fakeRealm) Deliver(raw []byte) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return errors.New("realm closed")
	}
	env, err := protocol.Decode(raw)
	if err == nil {
		f.delivered = append(f.delivered, env)
	}
	handler := f.onRequest
	f.mu.Unlock()

	if handler != nil && env.Kind == protocol.KindRequest {
		if resp := handler(env); resp != nil {
			f.emit(*resp)
		}
	}
	return nil
}

func (f *fakeRealm) Outbound() <-chan []byte { return f.out }

func (f *fakeRealm) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		f.mu.Unlock()
		close(f.out)
	})
	return nil
}

func (f *fakeRealm) emit(env protocol.Envelope) {
	raw, err := protocol.Encode(env)
	if err != nil {
		panic(err)
	}
	f.out <- raw
}

func (f *fakeRealm) emitReady(instanceID string) {
	f.emit(protocol.NewEvent(instanceID, protocol.SandboxToHost, "ready", json.RawMessage(`{}`)))
}

func (f *fakeRealm) deliveredEnvelopes() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, len(f.delivered))
	copy(out, f.delivered)
	return out
}

func okResponder(env protocol.Envelope) *protocol.Envelope {
	resp := protocol.NewResponse(env.InstanceID, protocol.SandboxToHost, env.RequestID, json.RawMessage(`null`))
	return &resp
}

func newTestRuntime(t *testing.T, fr *fakeRealm, deps Deps) *Runtime {
	t.Helper()
	deps.Factory = func(instanceID, source string) (Realm, error) { return fr, nil }
	if deps.ReadyTimeout == 0 {
		deps.ReadyTimeout = time.Second
	}
	rt, err := New("inst_test", "activate", capability.AllowAll(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Dispose(false) })

	fr.emitReady("inst_test")
	require.NoError(t, rt.WaitReady(context.Background()))
	return rt
}

func mustDispatch(t *testing.T, rt *Runtime, method string, params interface{}) interface{} {
	t.Helper()
	raw, err := json.Marshal(params)
	require.NoError(t, err)
	result, err := rt.dispatch(method, raw)
	require.NoError(t, err)
	return result
}

func TestWaitReadyTimeoutDisposes(t *testing.T) {
	fr := newFakeRealm()
	rt, err := New("inst_test", "activate", capability.AllowAll(), Deps{
		Factory:      func(string, string) (Realm, error) { return fr, nil },
		ReadyTimeout: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	err = rt.WaitReady(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did not become ready")
	assert.Equal(t, StateDisposed, rt.State())
}

func TestWaitReadyActivationError(t *testing.T) {
	fr := newFakeRealm()
	rt, err := New("inst_test", "activate", capability.AllowAll(), Deps{
		Factory:      func(string, string) (Realm, error) { return fr, nil },
		ReadyTimeout: time.Second,
	})
	require.NoError(t, err)

	fr.emit(protocol.NewEvent("inst_test", protocol.SandboxToHost, "error", json.RawMessage(`{"message":"boom"}`)))

	err = rt.WaitReady(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, StateDisposed, rt.State())
}

func TestForeignEnvelopesAreDropped(t *testing.T) {
	fr := newFakeRealm()
	rt := newTestRuntime(t, fr, Deps{})

	before := len(fr.deliveredEnvelopes())
	// Wrong channel, wrong instance, wrong direction.
	fr.out <- []byte(`{"channel":"other","instanceId":"inst_test","direction":"sandbox_to_host","kind":"request","requestId":"s-1","method":"toast","params":{}}`)
	fr.out <- []byte(`{"channel":"pi-ext-1","instanceId":"inst_other","direction":"sandbox_to_host","kind":"request","requestId":"s-1","method":"toast","params":{}}`)
	fr.out <- []byte(`{"channel":"pi-ext-1","instanceId":"inst_test","direction":"host_to_sandbox","kind":"request","requestId":"s-1","method":"toast","params":{}}`)

	time.Sleep(200 * time.Millisecond)
	assert.Len(t, fr.deliveredEnvelopes(), before, "dropped envelopes must produce no response")
	assert.Equal(t, StateReady, rt.State())
}

func TestSandboxRequestGetsResponse(t *testing.T) {
	fr := newFakeRealm()
	rt := newTestRuntime(t, fr, Deps{})

	fr.emit(protocol.NewRequest("inst_test", protocol.SandboxToHost, "s-1", "register_tool",
		json.RawMessage(`{"name":"echo","description":"echoes"}`)))

	require.Eventually(t, func() bool {
		for _, env := range fr.deliveredEnvelopes() {
			if env.Kind == protocol.KindResponse && env.RequestID == "s-1" {
				return env.OK
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)

	assert.Len(t, rt.Tools(), 1)
}

func TestCapabilityDeniedDispatch(t *testing.T) {
	fr := newFakeRealm()
	deps := Deps{Factory: func(string, string) (Realm, error) { return fr, nil }, ReadyTimeout: time.Second}
	rt, err := New("inst_test", "activate", capability.FromList([]string{"ui.toast"}), deps)
	require.NoError(t, err)
	t.Cleanup(func() { rt.Dispose(false) })
	fr.emitReady("inst_test")
	require.NoError(t, rt.WaitReady(context.Background()))

	_, err = rt.dispatch("register_tool", json.RawMessage(`{"name":"echo"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capability")
	assert.Contains(t, err.Error(), "tools.register")
}

func TestOverlayShowDismissEmptiesRegistry(t *testing.T) {
	fr := newFakeRealm()
	surfaces := surface.NewManager(nil)
	rt := newTestRuntime(t, fr, Deps{Surfaces: surfaces})

	tree := map[string]interface{}{
		"kind": "element", "tag": "div",
		"children": []interface{}{
			map[string]interface{}{"kind": "element", "tag": "button", "actionId": "overlay:save",
				"children": []interface{}{map[string]interface{}{"kind": "text", "text": "Save"}}},
		},
	}
	mustDispatch(t, rt, "overlay_show", map[string]interface{}{"tree": tree})
	assert.Equal(t, []string{"overlay:save"}, rt.LiveActionIDs("overlay"))
	assert.True(t, surfaces.HasOverlay("inst_test"))

	mustDispatch(t, rt, "overlay_dismiss", map[string]interface{}{})
	assert.Empty(t, rt.LiveActionIDs("overlay"))
	assert.False(t, surfaces.HasOverlay("inst_test"))
}

// recordingBroadcaster captures surface updates in order.
type recordingBroadcaster struct {
	mu      sync.Mutex
	updates []surface.Update
}

func (b *recordingBroadcaster) Broadcast(u surface.Update) {
	b.mu.Lock()
	b.updates = append(b.updates, u)
	b.mu.Unlock()
}

func (b *recordingBroadcaster) last() *surface.Update {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.updates) == 0 {
		return nil
	}
	u := b.updates[len(b.updates)-1]
	return &u
}

func TestConcurrentOverlayShowsMatchLiveActions(t *testing.T) {
	fr := newFakeRealm()
	bc := &recordingBroadcaster{}
	surfaces := surface.NewManager(bc)
	rt := newTestRuntime(t, fr, Deps{Surfaces: surfaces})

	tree := func(actionID string) map[string]interface{} {
		return map[string]interface{}{
			"kind": "element", "tag": "button", "actionId": actionID,
			"children": []interface{}{map[string]interface{}{"kind": "text", "text": "go"}},
		}
	}
	payload := func(actionID string) json.RawMessage {
		raw, err := json.Marshal(map[string]interface{}{"tree": tree(actionID)})
		require.NoError(t, err)
		return raw
	}
	left, right := payload("overlay:left"), payload("overlay:right")

	// Whichever show wins, the last broadcast tree must carry the action
	// id the registry routes, or a click on the visible overlay 404s.
	for i := 0; i < 50; i++ {
		var wg sync.WaitGroup
		for _, raw := range []json.RawMessage{left, right} {
			wg.Add(1)
			go func(raw json.RawMessage) {
				defer wg.Done()
				_, err := rt.dispatch("overlay_show", raw)
				assert.NoError(t, err)
			}(raw)
		}
		wg.Wait()

		live := rt.LiveActionIDs("overlay")
		require.Len(t, live, 1)
		last := bc.last()
		require.NotNil(t, last)
		require.Equal(t, "overlay", last.Type)
		require.NotNil(t, last.HTML)
		assert.Contains(t, *last.HTML, `data-action-id="`+live[0]+`"`)
	}
}

func TestUpsertMakesOldActionIDsUnroutable(t *testing.T) {
	fr := newFakeRealm()
	fr.onRequest = okResponder
	surfaces := surface.NewManager(nil)
	rt := newTestRuntime(t, fr, Deps{Surfaces: surfaces})

	makeTree := func(actionID string) map[string]interface{} {
		return map[string]interface{}{
			"kind": "element", "tag": "button", "actionId": actionID,
			"children": []interface{}{map[string]interface{}{"kind": "text", "text": "go"}},
		}
	}
	upsert := func(actionID string) {
		mustDispatch(t, rt, "widget_upsert", map[string]interface{}{
			"widgetId": "w1", "placement": "below-input", "tree": makeTree(actionID),
		})
	}

	upsert("widget/w1:one")
	require.NoError(t, rt.HandleAction(context.Background(), "widget/w1:one"))

	upsert("widget/w1:two")
	err := rt.HandleAction(context.Background(), "widget/w1:one")
	require.Error(t, err, "old ids must be unroutable immediately after upsert")
	assert.Contains(t, err.Error(), "unknown action id")
	require.NoError(t, rt.HandleAction(context.Background(), "widget/w1:two"))
}

func TestRequestTimeoutFreesPendingSlot(t *testing.T) {
	fr := newFakeRealm() // never responds
	rt := newTestRuntime(t, fr, Deps{RequestTimeout: 100 * time.Millisecond})

	rt.mu.Lock()
	rt.tools["slow"] = ToolDef{Name: "slow"}
	rt.mu.Unlock()

	_, err := rt.InvokeTool(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")

	rt.mu.Lock()
	defer rt.mu.Unlock()
	assert.Empty(t, rt.pending, "timeout must free the pending slot")
}

func TestDisposeRejectsInFlightRequest(t *testing.T) {
	fr := newFakeRealm() // never responds
	rt := newTestRuntime(t, fr, Deps{RequestTimeout: 5 * time.Second})

	rt.mu.Lock()
	rt.tools["slow"] = ToolDef{Name: "slow"}
	rt.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		_, err := rt.InvokeTool(context.Background(), "slow", nil)
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return len(rt.pending) == 1
	}, time.Second, 10*time.Millisecond)

	rt.Dispose(false)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disposed before response")
	case <-time.After(time.Second):
		t.Fatal("in-flight request must not hang across disposal")
	}
}

func TestDisposeClearsEverything(t *testing.T) {
	fr := newFakeRealm()
	surfaces := surface.NewManager(nil)
	bus := events.NewBus()
	conns := connection.NewStore("")
	rt := newTestRuntime(t, fr, Deps{Surfaces: surfaces, Events: bus, Connections: conns})

	mustDispatch(t, rt, "register_command", map[string]interface{}{"name": "hello"})
	mustDispatch(t, rt, "subscribe_agent_events", map[string]interface{}{"kinds": []string{"turn_end"}})
	mustDispatch(t, rt, "connections_register", map[string]interface{}{"id": "scoped", "title": "Scoped"})
	mustDispatch(t, rt, "overlay_show_text", map[string]interface{}{"text": "hi"})

	require.Equal(t, 1, bus.Len())
	_, registered := conns.GetSnapshot("scoped")
	require.True(t, registered)

	rt.Dispose(false)
	rt.Dispose(false) // idempotent

	assert.Equal(t, StateDisposed, rt.State())
	assert.Empty(t, rt.Commands())
	assert.Equal(t, 0, bus.Len(), "subscriptions must be removed on dispose")
	_, registered = conns.GetSnapshot("scoped")
	assert.False(t, registered, "runtime-registered connections must be unregistered")
	assert.False(t, surfaces.HasOverlay("inst_test"))

	_, err := rt.InvokeCommand(context.Background(), "hello", nil)
	assert.Error(t, err)
}

func TestGracefulDisposeSendsDeactivate(t *testing.T) {
	fr := newFakeRealm()
	fr.onRequest = okResponder
	rt := newTestRuntime(t, fr, Deps{RequestTimeout: time.Second})

	rt.Dispose(true)

	var sawDeactivate bool
	for _, env := range fr.deliveredEnvelopes() {
		if env.Kind == protocol.KindRequest && env.Method == "deactivate" {
			sawDeactivate = true
		}
	}
	assert.True(t, sawDeactivate, "graceful dispose must attempt a deactivate RPC")
	assert.Equal(t, StateDisposed, rt.State())
}

func TestStorageDispatchRoundtrip(t *testing.T) {
	fr := newFakeRealm()
	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	rt := newTestRuntime(t, fr, Deps{Storage: store})

	mustDispatch(t, rt, "storage_set", map[string]interface{}{"key": "greeting", "value": map[string]string{"text": "hi"}})

	result := mustDispatch(t, rt, "storage_get", map[string]interface{}{"key": "greeting"})
	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, m["exists"])

	result = mustDispatch(t, rt, "storage_keys", nil)
	m, ok = result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, []string{"greeting"}, m["keys"])

	mustDispatch(t, rt, "storage_delete", map[string]interface{}{"key": "greeting"})
	result = mustDispatch(t, rt, "storage_get", map[string]interface{}{"key": "greeting"})
	m, ok = result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, m["exists"])
}

func TestValidationErrorsBeforeEffects(t *testing.T) {
	fr := newFakeRealm()
	surfaces := surface.NewManager(nil)
	rt := newTestRuntime(t, fr, Deps{Surfaces: surfaces})

	_, err := rt.dispatch("widget_upsert", json.RawMessage(`{"widgetId":"bad id!","placement":"below-input"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid widget id")

	_, err = rt.dispatch("widget_upsert", json.RawMessage(`{"widgetId":"w1","placement":"sideways"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid placement")
	assert.Empty(t, surfaces.WidgetIDs("inst_test"), "validation failures must not touch surfaces")

	_, err = rt.dispatch("toast", json.RawMessage(`{"level":"info"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "message")
}
