package sandbox

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/GriffinCanCode/ExtensionOS/backend/internal/protocol"
)

const testInstance = "inst_test"

func startRealm(t *testing.T, source string) *Realm {
	t.Helper()
	r, err := New(Config{
		InstanceID:  testInstance,
		Source:      source,
		ExecTimeout: 2 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("start realm: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func recvEnvelope(t *testing.T, r *Realm) protocol.Envelope {
	t.Helper()
	select {
	case raw, ok := <-r.Outbound():
		if !ok {
			t.Fatal("outbound channel closed")
		}
		env, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("decode outbound envelope: %v", err)
		}
		return env
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}
	return protocol.Envelope{}
}

func deliverRequest(t *testing.T, r *Realm, requestID, method string, params interface{}) {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	env := protocol.NewRequest(testInstance, protocol.HostToSandbox, requestID, method, raw)
	bytes, err := protocol.Encode(env)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	if err := r.Deliver(bytes); err != nil {
		t.Fatalf("deliver: %v", err)
	}
}

func TestActivationEmitsReady(t *testing.T) {
	r := startRealm(t, `function activate(api) {}`)

	env := recvEnvelope(t, r)
	if env.Kind != protocol.KindEvent || env.Event != "ready" {
		t.Fatalf("expected ready event, got kind=%s event=%s error=%s", env.Kind, env.Event, env.Error)
	}
	if env.Direction != protocol.SandboxToHost {
		t.Fatalf("expected sandbox_to_host direction, got %s", env.Direction)
	}
}

func TestActivationErrorEmitsErrorEvent(t *testing.T) {
	r := startRealm(t, `function activate(api) { throw new Error("boom"); }`)

	env := recvEnvelope(t, r)
	if env.Event != "error" {
		t.Fatalf("expected error event, got %s", env.Event)
	}
	if !strings.Contains(string(env.Data), "boom") {
		t.Fatalf("error event should carry the thrown message, got %s", env.Data)
	}
}

func TestRegisterToolSendsRequestBeforeReady(t *testing.T) {
	r := startRealm(t, `function activate(api) {
		api.registerTool({ name: "echo", description: "echoes", handler: function (p) { return p.text; } });
	}`)

	env := recvEnvelope(t, r)
	if env.Kind != protocol.KindRequest || env.Method != "register_tool" {
		t.Fatalf("expected register_tool request, got kind=%s method=%s", env.Kind, env.Method)
	}
	if env.RequestID == "" {
		t.Fatal("request must carry a requestId")
	}

	env = recvEnvelope(t, r)
	if env.Event != "ready" {
		t.Fatalf("expected ready after activation, got %s", env.Event)
	}
}

func TestEchoToolRoundtrip(t *testing.T) {
	r := startRealm(t, `function activate(api) {
		api.registerTool({ name: "echo", handler: function (p) { return p.text; } });
	}`)
	recvEnvelope(t, r) // register_tool
	recvEnvelope(t, r) // ready

	deliverRequest(t, r, "h-1", "invoke_tool", map[string]interface{}{
		"name":   "echo",
		"params": map[string]string{"text": "hi"},
	})

	env := recvEnvelope(t, r)
	if env.Kind != protocol.KindResponse || env.RequestID != "h-1" {
		t.Fatalf("expected response to h-1, got kind=%s id=%s", env.Kind, env.RequestID)
	}
	if !env.OK {
		t.Fatalf("expected ok response, got error %q", env.Error)
	}

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(env.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(result.Content) != 1 || result.Content[0].Type != "text" || result.Content[0].Text != "hi" {
		t.Fatalf("unexpected tool result: %s", env.Result)
	}
}

func TestForeignEnvelopesIgnored(t *testing.T) {
	r := startRealm(t, `function activate(api) {}`)
	recvEnvelope(t, r) // ready

	cases := []string{
		`{"channel":"other","instanceId":"inst_test","direction":"host_to_sandbox","kind":"request","requestId":"h-1","method":"deactivate","params":{}}`,
		`{"channel":"pi-ext-1","instanceId":"inst_other","direction":"host_to_sandbox","kind":"request","requestId":"h-1","method":"deactivate","params":{}}`,
		`{"channel":"pi-ext-1","instanceId":"inst_test","direction":"sandbox_to_host","kind":"request","requestId":"h-1","method":"deactivate","params":{}}`,
		`not json`,
	}
	for _, raw := range cases {
		if err := r.Deliver([]byte(raw)); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}

	select {
	case raw := <-r.Outbound():
		t.Fatalf("foreign envelope produced output: %s", raw)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestUnknownCommandRespondsError(t *testing.T) {
	r := startRealm(t, `function activate(api) {}`)
	recvEnvelope(t, r) // ready

	deliverRequest(t, r, "h-1", "invoke_command", map[string]interface{}{"name": "missing"})

	env := recvEnvelope(t, r)
	if env.OK {
		t.Fatal("unknown command must produce an error response")
	}
	if !strings.Contains(env.Error, "unknown command") {
		t.Fatalf("unexpected error: %q", env.Error)
	}
}

func TestUnknownActionIDRespondsError(t *testing.T) {
	r := startRealm(t, `function activate(api) {}`)
	recvEnvelope(t, r) // ready

	deliverRequest(t, r, "h-2", "ui_action", map[string]string{"actionId": "overlay:ghost"})

	env := recvEnvelope(t, r)
	if env.OK {
		t.Fatal("unknown action must produce an error response")
	}
	if !strings.Contains(env.Error, "unknown action id") {
		t.Fatalf("unexpected error: %q", env.Error)
	}
}

func TestDeactivateAggregatesCleanupFailures(t *testing.T) {
	r := startRealm(t, `function activate(api) {
		api.onCleanup(function () { throw new Error("first"); });
		api.onCleanup(function () { throw new Error("second"); });
	}`)
	recvEnvelope(t, r) // ready

	deliverRequest(t, r, "h-1", "deactivate", map[string]string{})

	env := recvEnvelope(t, r)
	if env.OK {
		t.Fatal("failing cleanups must fail the deactivate response")
	}
	// Reverse registration order: second runs before first.
	if !strings.Contains(env.Error, "second; first") {
		t.Fatalf("cleanups must run in reverse order and aggregate, got %q", env.Error)
	}
}

func TestOverlayActionHandlerInvoked(t *testing.T) {
	r := startRealm(t, `function activate(api) {
		var el = api.ui.h("div", {},
			api.ui.h("button", { action: "save", onClick: function () { api.toast("info", "clicked"); } }, "Save"));
		api.overlay.show(el);
	}`)

	env := recvEnvelope(t, r) // overlay_show
	if env.Method != "overlay_show" {
		t.Fatalf("expected overlay_show request, got %s", env.Method)
	}
	if !strings.Contains(string(env.Params), `"overlay:save"`) {
		t.Fatalf("projected tree should carry the namespaced action id, got %s", env.Params)
	}
	recvEnvelope(t, r) // ready

	deliverRequest(t, r, "h-1", "ui_action", map[string]string{"actionId": "overlay:save"})

	// The handler fires a toast request, then the action responds ok.
	sawToast, sawResponse := false, false
	for i := 0; i < 2; i++ {
		env := recvEnvelope(t, r)
		switch {
		case env.Kind == protocol.KindRequest && env.Method == "toast":
			sawToast = true
		case env.Kind == protocol.KindResponse && env.RequestID == "h-1" && env.OK:
			sawResponse = true
		default:
			t.Fatalf("unexpected envelope kind=%s method=%s", env.Kind, env.Method)
		}
	}
	if !sawToast || !sawResponse {
		t.Fatalf("expected toast request and ok response, got toast=%v response=%v", sawToast, sawResponse)
	}
}

func TestExecutionTimeoutInterrupts(t *testing.T) {
	r, err := New(Config{
		InstanceID:  testInstance,
		Source:      `function activate(api) { for (;;) {} }`,
		ExecTimeout: 200 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("start realm: %v", err)
	}
	defer r.Close()

	env := recvEnvelope(t, r)
	if env.Event != "error" {
		t.Fatalf("runaway activation must surface an error event, got %s", env.Event)
	}
}

func TestDeliverAfterCloseFails(t *testing.T) {
	r := startRealm(t, `function activate(api) {}`)
	recvEnvelope(t, r) // ready

	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Deliver([]byte(`{}`)); err == nil {
		t.Fatal("deliver after close must fail")
	}
}
