package capability

import (
	"errors"
	"fmt"
)

// Capability names gating one class of host operation.
const (
	UIOverlay            = "ui.overlay"
	UIWidget             = "ui.widget"
	UIToast              = "ui.toast"
	CommandsRegister     = "commands.register"
	ToolsRegister        = "tools.register"
	AgentEvents          = "agent.events"
	AgentControl         = "agent.control"
	LLMComplete          = "llm.complete"
	NetFetch             = "net.fetch"
	StorageReadWrite     = "storage.readwrite"
	ClipboardWrite       = "clipboard.write"
	SkillsRead           = "skills.read"
	SkillsReadWrite      = "skills.readwrite"
	FilesDownload        = "files.download"
	ConnectionsRead      = "connections.read"
	ConnectionsReadWrite = "connections.readwrite"
)

// ErrUnsupportedMethod marks a dispatch method with no capability mapping.
// The dispatcher answers these with a protocol error, never a panic.
var ErrUnsupportedMethod = errors.New("unsupported method")

// methodCapabilities maps every dispatch method to exactly one required
// capability. A method absent from this table does not exist.
var methodCapabilities = map[string]string{
	"register_command": CommandsRegister,

	"register_tool":   ToolsRegister,
	"unregister_tool": ToolsRegister,

	"toast": UIToast,

	"overlay_show":      UIOverlay,
	"overlay_show_text": UIOverlay,
	"overlay_dismiss":   UIOverlay,

	"widget_show":      UIWidget,
	"widget_show_text": UIWidget,
	"widget_dismiss":   UIWidget,
	"widget_upsert":    UIWidget,
	"widget_remove":    UIWidget,
	"widget_clear":     UIWidget,

	"subscribe_agent_events":   AgentEvents,
	"unsubscribe_agent_events": AgentEvents,

	"agent_inject_context": AgentControl,
	"agent_steer":          AgentControl,
	"agent_follow_up":      AgentControl,

	"llm_complete": LLMComplete,

	"http_fetch": NetFetch,

	"storage_get":    StorageReadWrite,
	"storage_set":    StorageReadWrite,
	"storage_delete": StorageReadWrite,
	"storage_keys":   StorageReadWrite,

	"clipboard_write_text": ClipboardWrite,

	"skills_list":      SkillsRead,
	"skills_read":      SkillsRead,
	"skills_install":   SkillsReadWrite,
	"skills_uninstall": SkillsReadWrite,

	"download_file": FilesDownload,

	"connections_list": ConnectionsRead,
	"connections_get":  ConnectionsRead,

	"connections_register":       ConnectionsReadWrite,
	"connections_unregister":     ConnectionsReadWrite,
	"connections_set_secrets":    ConnectionsReadWrite,
	"connections_clear_secrets":  ConnectionsReadWrite,
	"connections_mark_validated": ConnectionsReadWrite,
	"connections_mark_invalid":   ConnectionsReadWrite,
	"connections_mark_status":    ConnectionsReadWrite,
}

// Required returns the capability gating a dispatch method.
func Required(method string) (string, error) {
	cap, ok := methodCapabilities[method]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	return cap, nil
}

// Methods returns every known dispatch method.
func Methods() []string {
	out := make([]string, 0, len(methodCapabilities))
	for m := range methodCapabilities {
		out = append(out, m)
	}
	return out
}

// Gate consults an externally supplied predicate before any capability-gated
// operation executes. The predicate is the host integrator's policy; the gate
// only formats denials consistently.
type Gate struct {
	enabled func(capability string) bool
}

// New creates a gate. A nil predicate denies everything.
func New(enabled func(capability string) bool) *Gate {
	return &Gate{enabled: enabled}
}

// AllowAll returns a gate that permits every capability. Test use only.
func AllowAll() *Gate {
	return New(func(string) bool { return true })
}

// FromList returns a gate backed by a fixed set of enabled capabilities.
func FromList(capabilities []string) *Gate {
	set := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		set[c] = true
	}
	return New(func(cap string) bool { return set[cap] })
}

// Check resolves the method's required capability and consults the
// predicate. The returned error message names both the method and the
// missing capability so extension authors can fix their manifest.
func (g *Gate) Check(method string) error {
	cap, err := Required(method)
	if err != nil {
		return err
	}
	if g.enabled == nil || !g.enabled(cap) {
		return fmt.Errorf("capability %q required for %s is not enabled", cap, method)
	}
	return nil
}
