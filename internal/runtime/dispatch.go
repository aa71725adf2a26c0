package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/ExtensionOS/backend/internal/agent"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/bridge"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/connection"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/events"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/protocol"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/shared/id"
	"github.com/GriffinCanCode/ExtensionOS/backend/internal/uitree"
)

var (
	widgetIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	nameRe     = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)
)

var validPlacements = map[string]bool{
	"above-input": true,
	"below-input": true,
}

// dispatch executes one sandbox-issued method: capability check first,
// then param validation, then the effect. Every failure comes back as an
// error for the caller to translate into an error response.
func (rt *Runtime) dispatch(method string, raw json.RawMessage) (interface{}, error) {
	if err := rt.gate.Check(method); err != nil {
		return nil, err
	}

	params, err := decodeParams(raw)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), rt.deps.RequestTimeout)
	defer cancel()

	switch method {
	case "register_command":
		return rt.registerCommand(params)
	case "register_tool":
		return rt.registerTool(params)
	case "unregister_tool":
		return rt.unregisterTool(params)

	case "toast":
		return rt.toast(params)

	case "overlay_show":
		return rt.overlayShow(params)
	case "overlay_show_text":
		return rt.overlayShowText(params)
	case "overlay_dismiss":
		return rt.overlayDismiss()

	case "widget_show", "widget_upsert":
		return rt.widgetUpsert(params)
	case "widget_show_text":
		return rt.widgetShowText(params)
	case "widget_dismiss", "widget_remove":
		return rt.widgetRemove(params)
	case "widget_clear":
		return rt.widgetClear()

	case "subscribe_agent_events":
		return rt.subscribeAgentEvents(params)
	case "unsubscribe_agent_events":
		return rt.unsubscribeAgentEvents(params)

	case "agent_inject_context":
		return rt.agentControl(ctx, params, "inject_context")
	case "agent_steer":
		return rt.agentControl(ctx, params, "steer")
	case "agent_follow_up":
		return rt.agentControl(ctx, params, "follow_up")

	case "llm_complete":
		return rt.llmComplete(ctx, params)

	case "http_fetch":
		return rt.httpFetch(ctx, raw)

	case "storage_get":
		return rt.storageGet(params)
	case "storage_set":
		return rt.storageSet(params)
	case "storage_delete":
		return rt.storageDelete(params)
	case "storage_keys":
		return rt.storageKeys()

	case "clipboard_write_text":
		return rt.clipboardWriteText(params)

	case "skills_list":
		return rt.skillsList()
	case "skills_read":
		return rt.skillsRead(params)
	case "skills_install":
		return rt.skillsInstall(params)
	case "skills_uninstall":
		return rt.skillsUninstall(params)

	case "download_file":
		return rt.downloadFile(ctx, params)

	case "connections_register":
		return rt.connectionsRegister(raw)
	case "connections_unregister":
		return rt.connectionsUnregister(params)
	case "connections_list":
		return rt.connectionsList()
	case "connections_get":
		return rt.connectionsGet(params)
	case "connections_set_secrets":
		return rt.connectionsSetSecrets(params)
	case "connections_clear_secrets":
		return rt.connectionsClearSecrets(params)
	case "connections_mark_validated":
		return rt.connectionsMark(params, connection.StatusConnected)
	case "connections_mark_invalid":
		return rt.connectionsMark(params, connection.StatusInvalid)
	case "connections_mark_status":
		return rt.connectionsMarkStatus(params)

	default:
		// The gate rejects unknown methods before we get here.
		return nil, fmt.Errorf("unsupported method: %s", method)
	}
}

// ---- commands and tools ----------------------------------------------------

func (rt *Runtime) registerCommand(params map[string]interface{}) (interface{}, error) {
	name, err := getString(params, "name", true)
	if err != nil {
		return nil, err
	}
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("invalid command name %q", name)
	}
	rt.mu.Lock()
	rt.commands[name] = struct{}{}
	rt.mu.Unlock()
	return nil, nil
}

func (rt *Runtime) registerTool(params map[string]interface{}) (interface{}, error) {
	name, err := getString(params, "name", true)
	if err != nil {
		return nil, err
	}
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("invalid tool name %q", name)
	}
	description, err := getString(params, "description", false)
	if err != nil {
		return nil, err
	}
	def := ToolDef{Name: name, Description: description, Schema: getMap(params, "schema")}

	rt.mu.Lock()
	rt.tools[name] = def
	rt.mu.Unlock()
	return nil, nil
}

func (rt *Runtime) unregisterTool(params map[string]interface{}) (interface{}, error) {
	name, err := getString(params, "name", true)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	delete(rt.tools, name)
	rt.mu.Unlock()
	return nil, nil
}

// ---- surfaces --------------------------------------------------------------

func (rt *Runtime) toast(params map[string]interface{}) (interface{}, error) {
	level, err := getString(params, "level", false)
	if err != nil {
		return nil, err
	}
	message, err := getString(params, "message", true)
	if err != nil {
		return nil, err
	}
	if rt.deps.Surfaces == nil {
		return nil, fmt.Errorf("surfaces are not available")
	}
	return nil, rt.deps.Surfaces.Toast(rt.id, level, message)
}

func (rt *Runtime) overlayShow(params map[string]interface{}) (interface{}, error) {
	if rt.deps.Surfaces == nil {
		return nil, fmt.Errorf("surfaces are not available")
	}
	node := uitree.Normalize(params["tree"])
	// New ids go live before the broadcast; old ids are already dead.
	rt.surfaceMu.Lock()
	rt.replaceActionIDs("overlay", uitree.CollectActionIDs(node))
	rt.deps.Surfaces.ShowOverlay(rt.id, node)
	rt.surfaceMu.Unlock()
	return nil, nil
}

func (rt *Runtime) overlayShowText(params map[string]interface{}) (interface{}, error) {
	text, err := getString(params, "text", true)
	if err != nil {
		return nil, err
	}
	if rt.deps.Surfaces == nil {
		return nil, fmt.Errorf("surfaces are not available")
	}
	rt.surfaceMu.Lock()
	rt.replaceActionIDs("overlay", nil)
	rt.deps.Surfaces.ShowOverlay(rt.id, textOnlyTree(text))
	rt.surfaceMu.Unlock()
	return nil, nil
}

func (rt *Runtime) overlayDismiss() (interface{}, error) {
	if rt.deps.Surfaces == nil {
		return nil, fmt.Errorf("surfaces are not available")
	}
	rt.surfaceMu.Lock()
	rt.replaceActionIDs("overlay", nil)
	rt.deps.Surfaces.DismissOverlay(rt.id)
	rt.surfaceMu.Unlock()
	return nil, nil
}

func (rt *Runtime) widgetUpsert(params map[string]interface{}) (interface{}, error) {
	widgetID, placement, err := widgetParams(params)
	if err != nil {
		return nil, err
	}
	if rt.deps.Surfaces == nil {
		return nil, fmt.Errorf("surfaces are not available")
	}
	node := uitree.Normalize(params["tree"])
	rt.surfaceMu.Lock()
	rt.replaceActionIDs("widget/"+widgetID, uitree.CollectActionIDs(node))
	rt.deps.Surfaces.UpsertWidget(rt.id, widgetID, placement, node)
	rt.surfaceMu.Unlock()
	return nil, nil
}

func (rt *Runtime) widgetShowText(params map[string]interface{}) (interface{}, error) {
	widgetID, placement, err := widgetParams(params)
	if err != nil {
		return nil, err
	}
	text, err := getString(params, "text", true)
	if err != nil {
		return nil, err
	}
	if rt.deps.Surfaces == nil {
		return nil, fmt.Errorf("surfaces are not available")
	}
	rt.surfaceMu.Lock()
	rt.replaceActionIDs("widget/"+widgetID, nil)
	rt.deps.Surfaces.UpsertWidget(rt.id, widgetID, placement, textOnlyTree(text))
	rt.surfaceMu.Unlock()
	return nil, nil
}

func (rt *Runtime) widgetRemove(params map[string]interface{}) (interface{}, error) {
	widgetID, err := getString(params, "widgetId", true)
	if err != nil {
		return nil, err
	}
	if !widgetIDRe.MatchString(widgetID) {
		return nil, fmt.Errorf("invalid widget id %q", widgetID)
	}
	if rt.deps.Surfaces == nil {
		return nil, fmt.Errorf("surfaces are not available")
	}
	rt.surfaceMu.Lock()
	rt.replaceActionIDs("widget/"+widgetID, nil)
	rt.deps.Surfaces.RemoveWidget(rt.id, widgetID)
	rt.surfaceMu.Unlock()
	return nil, nil
}

func (rt *Runtime) widgetClear() (interface{}, error) {
	if rt.deps.Surfaces == nil {
		return nil, fmt.Errorf("surfaces are not available")
	}
	rt.surfaceMu.Lock()
	for _, widgetID := range rt.deps.Surfaces.WidgetIDs(rt.id) {
		rt.replaceActionIDs("widget/"+widgetID, nil)
		rt.deps.Surfaces.RemoveWidget(rt.id, widgetID)
	}
	rt.surfaceMu.Unlock()
	return nil, nil
}

func widgetParams(params map[string]interface{}) (widgetID, placement string, err error) {
	widgetID, err = getString(params, "widgetId", true)
	if err != nil {
		return "", "", err
	}
	if !widgetIDRe.MatchString(widgetID) {
		return "", "", fmt.Errorf("invalid widget id %q", widgetID)
	}
	placement, err = getString(params, "placement", false)
	if err != nil {
		return "", "", err
	}
	if placement == "" {
		placement = "below-input"
	}
	if !validPlacements[placement] {
		return "", "", fmt.Errorf("invalid placement %q", placement)
	}
	return widgetID, placement, nil
}

func textOnlyTree(text string) uitree.Node {
	return uitree.Normalize(map[string]interface{}{
		"kind": "element",
		"tag":  "div",
		"children": []interface{}{
			map[string]interface{}{"kind": "text", "text": text},
		},
	})
}

// ---- agent events and control ----------------------------------------------

func (rt *Runtime) subscribeAgentEvents(params map[string]interface{}) (interface{}, error) {
	if rt.deps.Events == nil {
		return nil, fmt.Errorf("agent events are not available")
	}
	kinds := getStrings(params, "kinds")

	subID := rt.deps.Events.Subscribe(kinds, rt.forwardAgentEvent)
	rt.mu.Lock()
	if rt.disposed {
		rt.mu.Unlock()
		rt.deps.Events.Unsubscribe(subID)
		return nil, ErrDisposed
	}
	rt.subs[subID] = struct{}{}
	rt.mu.Unlock()

	return map[string]string{"subscriptionId": subID.String()}, nil
}

func (rt *Runtime) unsubscribeAgentEvents(params map[string]interface{}) (interface{}, error) {
	subIDStr, err := getString(params, "subscriptionId", true)
	if err != nil {
		return nil, err
	}
	subID := id.SubscriptionID(subIDStr)

	rt.mu.Lock()
	_, ok := rt.subs[subID]
	delete(rt.subs, subID)
	rt.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("unknown subscription %q", subIDStr)
	}
	rt.deps.Events.Unsubscribe(subID)
	return nil, nil
}

// forwardAgentEvent pushes one bus event across the boundary as an
// agent_event envelope. Delivery failures are expected around disposal.
func (rt *Runtime) forwardAgentEvent(ev events.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	env := protocol.NewEvent(rt.id, protocol.HostToSandbox, "agent_event", data)
	raw, err := protocol.Encode(env)
	if err != nil {
		return
	}
	if err := rt.realm.Deliver(raw); err != nil {
		rt.log.Debug("agent event undeliverable", zap.Error(err))
	}
}

func (rt *Runtime) agentControl(ctx context.Context, params map[string]interface{}, op string) (interface{}, error) {
	text, err := getString(params, "text", true)
	if err != nil {
		return nil, err
	}
	if rt.deps.Agent == nil {
		return nil, fmt.Errorf("agent control is not available")
	}
	switch op {
	case "inject_context":
		return nil, rt.deps.Agent.InjectContext(ctx, text)
	case "steer":
		return nil, rt.deps.Agent.Steer(ctx, text)
	default:
		return nil, rt.deps.Agent.FollowUp(ctx, text)
	}
}

func (rt *Runtime) llmComplete(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	if rt.deps.Completer == nil {
		return nil, fmt.Errorf("llm backend is not configured")
	}
	prompt, err := getString(params, "prompt", true)
	if err != nil {
		return nil, err
	}
	system, err := getString(params, "system", false)
	if err != nil {
		return nil, err
	}
	maxTokens, err := getNumber(params, "maxTokens", false)
	if err != nil {
		return nil, err
	}

	req := agent.CompleteRequest{Prompt: prompt, System: system, MaxTokens: int(maxTokens)}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	text, err := rt.deps.Completer.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llm completion failed: %w", err)
	}
	return map[string]string{"text": text}, nil
}

// ---- bridge ----------------------------------------------------------------

func (rt *Runtime) httpFetch(ctx context.Context, raw json.RawMessage) (interface{}, error) {
	if rt.deps.Bridge == nil {
		return nil, fmt.Errorf("http bridge is not available")
	}
	var req bridge.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("malformed params: %w", err)
	}
	if req.URL == "" {
		return nil, fmt.Errorf("url parameter required")
	}
	req.Instance = rt.id
	return rt.deps.Bridge.Fetch(ctx, req)
}

// ---- storage ---------------------------------------------------------------

func (rt *Runtime) storageGet(params map[string]interface{}) (interface{}, error) {
	key, err := getString(params, "key", true)
	if err != nil {
		return nil, err
	}
	if rt.deps.Storage == nil {
		return nil, fmt.Errorf("storage is not available")
	}
	value, err := rt.deps.Storage.Get(rt.id, key)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return map[string]interface{}{"value": nil, "exists": false}, nil
	}
	return map[string]interface{}{"value": value, "exists": true}, nil
}

func (rt *Runtime) storageSet(params map[string]interface{}) (interface{}, error) {
	key, err := getString(params, "key", true)
	if err != nil {
		return nil, err
	}
	if rt.deps.Storage == nil {
		return nil, fmt.Errorf("storage is not available")
	}
	value, err := json.Marshal(params["value"])
	if err != nil {
		return nil, fmt.Errorf("value must be JSON-serializable: %w", err)
	}
	return nil, rt.deps.Storage.Set(rt.id, key, value)
}

func (rt *Runtime) storageDelete(params map[string]interface{}) (interface{}, error) {
	key, err := getString(params, "key", true)
	if err != nil {
		return nil, err
	}
	if rt.deps.Storage == nil {
		return nil, fmt.Errorf("storage is not available")
	}
	return nil, rt.deps.Storage.Delete(rt.id, key)
}

func (rt *Runtime) storageKeys() (interface{}, error) {
	if rt.deps.Storage == nil {
		return nil, fmt.Errorf("storage is not available")
	}
	keys, err := rt.deps.Storage.Keys(rt.id)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"keys": keys}, nil
}

// ---- clipboard -------------------------------------------------------------

func (rt *Runtime) clipboardWriteText(params map[string]interface{}) (interface{}, error) {
	text, err := getString(params, "text", true)
	if err != nil {
		return nil, err
	}
	if rt.deps.Clipboard == nil {
		return nil, fmt.Errorf("clipboard is not available")
	}
	return nil, rt.deps.Clipboard.WriteText(text)
}

// ---- skills ----------------------------------------------------------------

func (rt *Runtime) skillsList() (interface{}, error) {
	if rt.deps.Skills == nil {
		return nil, fmt.Errorf("skills are not available")
	}
	list, err := rt.deps.Skills.List()
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"skills": list}, nil
}

func (rt *Runtime) skillsRead(params map[string]interface{}) (interface{}, error) {
	name, err := getString(params, "name", true)
	if err != nil {
		return nil, err
	}
	if rt.deps.Skills == nil {
		return nil, fmt.Errorf("skills are not available")
	}
	content, err := rt.deps.Skills.Read(name)
	if err != nil {
		return nil, err
	}
	return map[string]string{"name": name, "content": content}, nil
}

func (rt *Runtime) skillsInstall(params map[string]interface{}) (interface{}, error) {
	name, err := getString(params, "name", true)
	if err != nil {
		return nil, err
	}
	content, err := getString(params, "content", true)
	if err != nil {
		return nil, err
	}
	if rt.deps.Skills == nil {
		return nil, fmt.Errorf("skills are not available")
	}
	description := ""
	if meta := getMap(params, "metadata"); meta != nil {
		description, _ = meta["description"].(string)
	}
	skill, err := rt.deps.Skills.Install(name, description, content)
	if err != nil {
		return nil, err
	}
	return skill, nil
}

func (rt *Runtime) skillsUninstall(params map[string]interface{}) (interface{}, error) {
	name, err := getString(params, "name", true)
	if err != nil {
		return nil, err
	}
	if rt.deps.Skills == nil {
		return nil, fmt.Errorf("skills are not available")
	}
	return nil, rt.deps.Skills.Uninstall(name)
}

// ---- downloads -------------------------------------------------------------

func (rt *Runtime) downloadFile(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	url, err := getString(params, "url", true)
	if err != nil {
		return nil, err
	}
	filename, err := getString(params, "filename", false)
	if err != nil {
		return nil, err
	}
	if rt.deps.Downloads == nil {
		return nil, fmt.Errorf("downloads are not available")
	}
	return rt.deps.Downloads.Download(ctx, url, filename)
}

// ---- connections -----------------------------------------------------------

func (rt *Runtime) connectionsRegister(raw json.RawMessage) (interface{}, error) {
	if rt.deps.Connections == nil {
		return nil, fmt.Errorf("connections are not available")
	}
	var def connection.Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("malformed params: %w", err)
	}
	if def.ID == "" || def.Title == "" {
		return nil, fmt.Errorf("connection id and title are required")
	}
	if err := rt.deps.Connections.Register(def); err != nil {
		return nil, err
	}
	rt.mu.Lock()
	rt.owned[def.ID] = struct{}{}
	rt.mu.Unlock()
	return nil, nil
}

func (rt *Runtime) connectionsUnregister(params map[string]interface{}) (interface{}, error) {
	connID, err := rt.connectionID(params)
	if err != nil {
		return nil, err
	}
	if err := rt.deps.Connections.Unregister(connID); err != nil {
		return nil, err
	}
	rt.mu.Lock()
	delete(rt.owned, connID)
	rt.mu.Unlock()
	return nil, nil
}

func (rt *Runtime) connectionsList() (interface{}, error) {
	if rt.deps.Connections == nil {
		return nil, fmt.Errorf("connections are not available")
	}
	return map[string]interface{}{"connections": rt.deps.Connections.List()}, nil
}

func (rt *Runtime) connectionsGet(params map[string]interface{}) (interface{}, error) {
	connID, err := rt.connectionID(params)
	if err != nil {
		return nil, err
	}
	snapshot, ok := rt.deps.Connections.GetSnapshot(connID)
	if !ok {
		return nil, fmt.Errorf("unknown connection %q", connID)
	}
	return snapshot, nil
}

func (rt *Runtime) connectionsSetSecrets(params map[string]interface{}) (interface{}, error) {
	connID, err := rt.connectionID(params)
	if err != nil {
		return nil, err
	}
	secrets := getStringMap(params, "secrets")
	if len(secrets) == 0 {
		return nil, fmt.Errorf("secrets parameter required")
	}
	return nil, rt.deps.Connections.SetSecrets(connID, secrets)
}

func (rt *Runtime) connectionsClearSecrets(params map[string]interface{}) (interface{}, error) {
	connID, err := rt.connectionID(params)
	if err != nil {
		return nil, err
	}
	return nil, rt.deps.Connections.ClearSecrets(connID)
}

func (rt *Runtime) connectionsMark(params map[string]interface{}, target connection.Status) (interface{}, error) {
	connID, err := rt.connectionID(params)
	if err != nil {
		return nil, err
	}
	if target == connection.StatusConnected {
		return nil, rt.deps.Connections.MarkValidated(connID)
	}
	reason, _ := getString(params, "reason", false)
	return nil, rt.deps.Connections.MarkInvalid(connID, reason)
}

func (rt *Runtime) connectionsMarkStatus(params map[string]interface{}) (interface{}, error) {
	connID, err := rt.connectionID(params)
	if err != nil {
		return nil, err
	}
	status, err := getString(params, "status", true)
	if err != nil {
		return nil, err
	}
	reason, _ := getString(params, "reason", false)
	return nil, rt.deps.Connections.MarkStatus(connID, connection.Status(status), reason)
}

func (rt *Runtime) connectionID(params map[string]interface{}) (string, error) {
	if rt.deps.Connections == nil {
		return "", fmt.Errorf("connections are not available")
	}
	return getString(params, "id", true)
}
