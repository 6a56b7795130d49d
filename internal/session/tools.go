package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/codexbridge/codexbridge/internal/codexrpc"
	"github.com/codexbridge/codexbridge/internal/store"
)

// Dynamic tool names exposed to the agent for notification lookups.
const (
	toolNotificationsList   = "notifications_list"
	toolNotificationsGet    = "notifications_get"
	toolNotificationsSearch = "notifications_search"
)

// Tool input schemas, embedded both in the thread/start descriptors and
// in the argument validators.
const (
	listSchemaJSON = `{
		"type": "object",
		"properties": {
			"limit": {"type": "integer", "minimum": 1, "maximum": 200},
			"source": {"enum": ["all", "webhook", "cron", "heartbeat"]}
		},
		"additionalProperties": false
	}`
	getSchemaJSON = `{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1}
		},
		"required": ["id"],
		"additionalProperties": false
	}`
	searchSchemaJSON = `{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1},
			"limit": {"type": "integer", "minimum": 1, "maximum": 200}
		},
		"required": ["query"],
		"additionalProperties": false
	}`
)

var toolValidators = map[string]*jsonschema.Schema{
	toolNotificationsList:   mustCompileSchema(toolNotificationsList, listSchemaJSON),
	toolNotificationsGet:    mustCompileSchema(toolNotificationsGet, getSchemaJSON),
	toolNotificationsSearch: mustCompileSchema(toolNotificationsSearch, searchSchemaJSON),
}

func mustCompileSchema(name, schemaJSON string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		panic(fmt.Sprintf("parse %s schema: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		panic(fmt.Sprintf("add %s schema: %v", name, err))
	}
	return c.MustCompile(url)
}

func schemaValue(raw string) any {
	v, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parse schema json: %v", err))
	}
	return v
}

// notificationToolDescriptors builds the dynamic tool list passed to
// thread/start.
func notificationToolDescriptors() []map[string]any {
	return []map[string]any{
		{
			"name":        toolNotificationsList,
			"description": "List recent notifications, newest first. Optionally filter by source.",
			"inputSchema": schemaValue(listSchemaJSON),
		},
		{
			"name":        toolNotificationsGet,
			"description": "Fetch one notification by id, including its raw payload excerpt.",
			"inputSchema": schemaValue(getSchemaJSON),
		},
		{
			"name":        toolNotificationsSearch,
			"description": "Search notifications by substring across summary, source, and dedupe key.",
			"inputSchema": schemaValue(searchSchemaJSON),
		},
	}
}

// handleServerRequest answers agent-initiated requests: approvals and
// dynamic tool calls. Anything else gets a method-not-found error.
func (m *Manager) handleServerRequest(ctx context.Context, client *codexrpc.Client, ev codexrpc.Event) {
	switch ev.Method {
	case "item/commandExecution/requestApproval", "item/fileChange/requestApproval":
		m.handleApproval(ctx, client, ev)
	case "item/tool/call":
		m.handleToolCall(ctx, client, ev)
	default:
		if err := client.RespondError(ev.ID, codexrpc.CodeMethodNotFound, "method not found: "+ev.Method, nil); err != nil {
			slog.Warn("respond method-not-found failed", "method", ev.Method, "error", err)
		}
	}
}

func (m *Manager) handleApproval(ctx context.Context, client *codexrpc.Client, ev codexrpc.Event) {
	m.audit(ctx, store.KindApprovalRequest, ev.Method, string(ev.Params))

	autoApprove, err := m.st.BoolFlag(ctx, store.FlagAutoApprove)
	if err != nil {
		slog.Warn("read auto_approve failed", "error", err)
	}
	paused, err := m.st.BoolFlag(ctx, store.FlagPaused)
	if err != nil {
		slog.Warn("read paused failed", "error", err)
	}

	decision := "decline"
	if autoApprove && !paused {
		decision = "accept"
	}

	if err := client.Respond(ev.ID, map[string]string{"decision": decision}); err != nil {
		slog.Warn("approval response failed", "error", err)
		return
	}
	m.audit(ctx, store.KindApprovalResponse, fmt.Sprintf("%s: %s", ev.Method, decision), "")

	if decision == "decline" && m.cb.OnApprovalDeclined != nil {
		m.cb.OnApprovalDeclined(ev.Method)
	}
}

type toolCallParams struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
}

// notifView is the agent-facing projection of a notification row.
type notifView struct {
	ID             string `json:"id"`
	Source         string `json:"source"`
	Status         string `json:"status"`
	Summary        string `json:"summary"`
	ReceivedAtMS   int64  `json:"receivedAtMs"`
	DuplicateCount int64  `json:"duplicateCount"`
	Delivery       string `json:"delivery,omitempty"`
	ReasonCode     string `json:"reasonCode,omitempty"`
	RawExcerpt     string `json:"rawExcerpt,omitempty"`
}

func toView(n store.Notification, includeRaw bool) notifView {
	v := notifView{
		ID:             n.ID,
		Source:         n.Source,
		Status:         n.Status,
		Summary:        n.Summary,
		ReceivedAtMS:   n.ReceivedAtMS,
		DuplicateCount: n.DuplicateCount,
		Delivery:       n.Delivery,
		ReasonCode:     n.ReasonCode,
	}
	if includeRaw {
		v.RawExcerpt = string(n.RawExcerpt)
	}
	return v
}

func (m *Manager) handleToolCall(ctx context.Context, client *codexrpc.Client, ev codexrpc.Event) {
	var p toolCallParams
	if err := json.Unmarshal(ev.Params, &p); err != nil {
		m.respondToolError(client, ev, "undecodable tool call params")
		return
	}

	validator, ok := toolValidators[p.Tool]
	if !ok {
		m.respondToolError(client, ev, "unknown tool: "+p.Tool)
		return
	}

	args := map[string]any{}
	if len(p.Arguments) > 0 {
		v, err := jsonschema.UnmarshalJSON(bytes.NewReader(p.Arguments))
		if err != nil {
			m.respondToolError(client, ev, "invalid arguments: "+err.Error())
			return
		}
		if err := validator.Validate(v); err != nil {
			m.respondToolError(client, ev, "invalid arguments: "+err.Error())
			return
		}
		if obj, ok := v.(map[string]any); ok {
			args = obj
		}
	}

	result, err := m.runNotificationTool(ctx, p.Tool, args)
	if err != nil {
		m.respondToolError(client, ev, err.Error())
		return
	}

	pretty, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		m.respondToolError(client, ev, "encode result: "+err.Error())
		return
	}

	if err := client.Respond(ev.ID, map[string]any{
		"success": true,
		"contentItems": []map[string]string{
			{"type": "inputText", "text": string(pretty)},
		},
	}); err != nil {
		slog.Warn("tool call response failed", "tool", p.Tool, "error", err)
	}
}

func (m *Manager) runNotificationTool(ctx context.Context, tool string, args map[string]any) (any, error) {
	switch tool {
	case toolNotificationsList:
		limit := intArg(args, "limit", 20)
		source, _ := args["source"].(string)
		if source == "all" {
			source = ""
		}
		rows, err := m.st.ListNotifications(ctx, limit, source)
		if err != nil {
			return nil, fmt.Errorf("list notifications failed")
		}
		views := make([]notifView, 0, len(rows))
		for _, n := range rows {
			views = append(views, toView(n, false))
		}
		return views, nil

	case toolNotificationsGet:
		notifID, _ := args["id"].(string)
		n, err := m.st.GetNotification(ctx, notifID)
		if err != nil {
			return nil, fmt.Errorf("get notification failed")
		}
		if n == nil {
			return nil, fmt.Errorf("notification %s not found", notifID)
		}
		return toView(*n, true), nil

	case toolNotificationsSearch:
		query, _ := args["query"].(string)
		limit := intArg(args, "limit", 20)
		rows, err := m.st.SearchNotifications(ctx, query, limit)
		if err != nil {
			return nil, fmt.Errorf("search notifications failed")
		}
		views := make([]notifView, 0, len(rows))
		for _, n := range rows {
			views = append(views, toView(n, false))
		}
		return views, nil
	}
	return nil, fmt.Errorf("unknown tool: %s", tool)
}

func (m *Manager) respondToolError(client *codexrpc.Client, ev codexrpc.Event, msg string) {
	if err := client.Respond(ev.ID, map[string]any{
		"success": false,
		"error":   msg,
	}); err != nil {
		slog.Warn("tool error response failed", "error", err)
	}
}

// intArg reads an integer argument, tolerating json.Number and float64
// decodings.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
