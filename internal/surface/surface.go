package surface

import (
	"fmt"
	"sync"

	"github.com/microcosm-cc/bluemonday"

	"github.com/GriffinCanCode/ExtensionOS/backend/internal/uitree"
)

// Update is one message pushed to UI clients over the hub.
type Update struct {
	Type       string `json:"type"`
	InstanceID string `json:"instanceId,omitempty"`
	WidgetID   string `json:"widgetId,omitempty"`
	Placement  string `json:"placement,omitempty"`
	// HTML is nil when a surface is being removed.
	HTML    *string `json:"html"`
	Level   string  `json:"level,omitempty"`
	Message string  `json:"message,omitempty"`
}

// widget is the rendered state of one widget surface.
type widget struct {
	Placement string
	Tree      uitree.Node
	HTML      string
}

// instanceState holds every surface one extension instance owns.
type instanceState struct {
	overlay     *widget
	widgets     map[string]*widget
	widgetOrder []string
}

// toastPolicy strips all markup from toast messages.
var toastPolicy = bluemonday.StrictPolicy()

// Manager tracks overlay and widget surfaces per extension instance and
// broadcasts changes. All mutation is host-initiated; the sanitized tree
// is the only thing that ever reaches a client.
type Manager struct {
	mu        sync.RWMutex
	instances map[string]*instanceState
	bc        Broadcaster
}

// NewManager creates a surface manager. bc may be nil (no clients).
func NewManager(bc Broadcaster) *Manager {
	return &Manager{
		instances: make(map[string]*instanceState),
		bc:        bc,
	}
}

func (m *Manager) broadcast(u Update) {
	if m.bc != nil {
		m.bc.Broadcast(u)
	}
}

func (m *Manager) state(instanceID string) *instanceState {
	st, ok := m.instances[instanceID]
	if !ok {
		st = &instanceState{widgets: make(map[string]*widget)}
		m.instances[instanceID] = st
	}
	return st
}

// ShowOverlay replaces the overlay surface with a sanitized tree.
func (m *Manager) ShowOverlay(instanceID string, tree uitree.Node) {
	html := uitree.RenderHTML(tree)

	m.mu.Lock()
	m.state(instanceID).overlay = &widget{Tree: tree, HTML: html}
	m.mu.Unlock()

	m.broadcast(Update{Type: "overlay", InstanceID: instanceID, HTML: &html})
}

// DismissOverlay removes the overlay. Dismissing an absent overlay is a no-op
// that still broadcasts, so clients converge.
func (m *Manager) DismissOverlay(instanceID string) {
	m.mu.Lock()
	m.state(instanceID).overlay = nil
	m.mu.Unlock()

	m.broadcast(Update{Type: "overlay", InstanceID: instanceID, HTML: nil})
}

// HasOverlay reports whether the instance currently shows an overlay.
func (m *Manager) HasOverlay(instanceID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.instances[instanceID]
	return ok && st.overlay != nil
}

// UpsertWidget creates or replaces a widget surface. Order of first
// insertion is preserved across upserts.
func (m *Manager) UpsertWidget(instanceID, widgetID, placement string, tree uitree.Node) {
	html := uitree.RenderHTML(tree)

	m.mu.Lock()
	st := m.state(instanceID)
	if _, exists := st.widgets[widgetID]; !exists {
		st.widgetOrder = append(st.widgetOrder, widgetID)
	}
	st.widgets[widgetID] = &widget{Placement: placement, Tree: tree, HTML: html}
	m.mu.Unlock()

	m.broadcast(Update{
		Type:       "widget",
		InstanceID: instanceID,
		WidgetID:   widgetID,
		Placement:  placement,
		HTML:       &html,
	})
}

// RemoveWidget drops a widget surface if present.
func (m *Manager) RemoveWidget(instanceID, widgetID string) {
	m.mu.Lock()
	st := m.state(instanceID)
	_, existed := st.widgets[widgetID]
	if existed {
		delete(st.widgets, widgetID)
		for i, id := range st.widgetOrder {
			if id == widgetID {
				st.widgetOrder = append(st.widgetOrder[:i], st.widgetOrder[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()

	if existed {
		m.broadcast(Update{Type: "widget", InstanceID: instanceID, WidgetID: widgetID, HTML: nil})
	}
}

// WidgetIDs lists widgets in insertion order.
func (m *Manager) WidgetIDs(instanceID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.instances[instanceID]
	if !ok {
		return nil
	}
	out := make([]string, len(st.widgetOrder))
	copy(out, st.widgetOrder)
	return out
}

// Toast broadcasts a transient message. Markup is stripped; unknown levels
// fall back to info.
func (m *Manager) Toast(instanceID, level, message string) error {
	switch level {
	case "info", "success", "warning", "error":
	case "":
		level = "info"
	default:
		return fmt.Errorf("invalid toast level %q", level)
	}
	m.broadcast(Update{
		Type:       "toast",
		InstanceID: instanceID,
		Level:      level,
		Message:    toastPolicy.Sanitize(message),
	})
	return nil
}

// Clear removes every surface an instance owns, broadcasting removals so
// clients tear the UI down. Used on dispose.
func (m *Manager) Clear(instanceID string) {
	m.mu.Lock()
	st, ok := m.instances[instanceID]
	var hadOverlay bool
	var widgets []string
	if ok {
		hadOverlay = st.overlay != nil
		widgets = append(widgets, st.widgetOrder...)
		delete(m.instances, instanceID)
	}
	m.mu.Unlock()

	if hadOverlay {
		m.broadcast(Update{Type: "overlay", InstanceID: instanceID, HTML: nil})
	}
	for _, id := range widgets {
		m.broadcast(Update{Type: "widget", InstanceID: instanceID, WidgetID: id, HTML: nil})
	}
}

// Snapshot returns the updates a fresh client needs to rebuild all
// current surfaces.
func (m *Manager) Snapshot() []Update {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Update
	for instanceID, st := range m.instances {
		if st.overlay != nil {
			html := st.overlay.HTML
			out = append(out, Update{Type: "overlay", InstanceID: instanceID, HTML: &html})
		}
		for _, widgetID := range st.widgetOrder {
			w := st.widgets[widgetID]
			html := w.HTML
			out = append(out, Update{
				Type:       "widget",
				InstanceID: instanceID,
				WidgetID:   widgetID,
				Placement:  w.Placement,
				HTML:       &html,
			})
		}
	}
	return out
}
