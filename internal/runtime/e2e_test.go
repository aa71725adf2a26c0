package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/ExtensionOS/backend/internal/bridge"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/connection"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/sandbox"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/surface"
)

func gojaDeps() Deps {
	return Deps{
		Factory: func(instanceID, source string) (Realm, error) {
			return sandbox.New(sandbox.Config{InstanceID: instanceID, Source: source}, nil)
		},
		Surfaces:       surface.NewManager(nil),
		ReadyTimeout:   5 * time.Second,
		RequestTimeout: 5 * time.Second,
	}
}

func TestEchoToolEndToEnd(t *testing.T) {
	m := NewManager(gojaDeps())
	t.Cleanup(func() { m.DisposeAll(false) })

	rt, err := m.Launch(context.Background(), `function activate(api) {
		api.registerTool({ name: "echo", description: "echoes text", handler: function (p) { return p.text; } });
	}`, []string{"tools.register"})
	require.NoError(t, err)
	assert.Equal(t, StateReady, rt.State())

	// Registration crosses the boundary asynchronously.
	require.Eventually(t, func() bool {
		return len(rt.Tools()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	raw, err := rt.InvokeTool(context.Background(), "echo", map[string]interface{}{"text": "hi"})
	require.NoError(t, err)

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Equal(t, "hi", result.Content[0].Text)
}

func TestOverlayActionEndToEnd(t *testing.T) {
	deps := gojaDeps()
	m := NewManager(deps)
	t.Cleanup(func() { m.DisposeAll(false) })

	rt, err := m.Launch(context.Background(), `function activate(api) {
		api.onCleanup(function () {});
		var el = api.ui.h("div", {},
			api.ui.h("button", { action: "ping", onClick: function () { api.toast("info", "pong"); } }, "Ping"));
		api.overlay.show(el);
	}`, []string{"ui.overlay", "ui.toast"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return deps.Surfaces.HasOverlay(rt.ID())
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"overlay:ping"}, rt.LiveActionIDs("overlay"))

	require.NoError(t, rt.HandleAction(context.Background(), "overlay:ping"))
	assert.Error(t, rt.HandleAction(context.Background(), "overlay:ghost"))
}

func TestGracefulDisposeEndToEnd(t *testing.T) {
	m := NewManager(gojaDeps())

	rt, err := m.Launch(context.Background(), `function activate(api) {
		api.onCleanup(function () {});
	}
	function deactivate() {}`, nil)
	require.NoError(t, err)

	require.NoError(t, m.Dispose(rt.ID(), true))
	assert.Equal(t, StateDisposed, rt.State())
	_, ok := m.Get(rt.ID())
	assert.False(t, ok)
}

// connErrFetcher fails every fetch with a structured connection error.
type connErrFetcher struct{}

func (connErrFetcher) Fetch(_ context.Context, req bridge.Request) (*bridge.Response, error) {
	return nil, connection.NewError(connection.CodeInvalidConnection, req.Connection, "GitHub",
		connection.StatusInvalid,
		fmt.Sprintf("connection %q has invalid credentials", req.Connection), "token revoked")
}

func TestConnectionErrorDetailsReachExtension(t *testing.T) {
	deps := gojaDeps()
	deps.Bridge = connErrFetcher{}
	m := NewManager(deps)
	t.Cleanup(func() { m.DisposeAll(false) })

	rt, err := m.Launch(context.Background(), `
		var caught = null;
		function activate(api) {
			api.registerTool({ name: "report", handler: function () {
				if (!caught) { throw new Error("fetch did not fail"); }
				return JSON.stringify({ message: caught.message, details: caught.details || null });
			}});
			return api.fetch("https://api.github.com/user", { connection: "gh" }).catch(function (e) {
				caught = e;
			});
		}
	`, []string{"tools.register", "net.fetch"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rt.Tools()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	raw, err := rt.InvokeTool(context.Background(), "report", nil)
	require.NoError(t, err)

	var result struct {
		Content []struct {
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Len(t, result.Content, 1)

	var report struct {
		Message string                  `json:"message"`
		Details *connection.ErrorDetails `json:"details"`
	}
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), &report))
	assert.Contains(t, report.Message, `connection "gh" has invalid credentials`)
	require.NotNil(t, report.Details, "rejection must carry the structured payload")
	assert.Equal(t, "connection_error", report.Details.Kind)
	assert.Equal(t, connection.CodeInvalidConnection, report.Details.ErrorCode)
	assert.Equal(t, "gh", report.Details.ConnectionID)
	assert.Equal(t, connection.StatusInvalid, report.Details.Status)
	assert.Equal(t, "token revoked", report.Details.Reason)
}
