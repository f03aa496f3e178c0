package mcp

import (
	"encoding/json"
	"fmt"
)

// DefaultProtocolVersion is echoed back to the client when initialize's
// params omit protocolVersion.
const DefaultProtocolVersion = "2024-11-05"

// ServerName/ServerVersion identify this bridge in the initialize response.
const (
	ServerName    = "claude-ide-bridge"
	ServerVersion = "0.1.0"
)

// SelectionUpdate is published into the broadcast fabric by at_mentioned.
type SelectionUpdate struct {
	FilePath  string
	Text      string
	LineStart *uint32
	LineEnd   *uint32
}

// SelectionPublisher decouples the dispatcher from the broadcast fabric so
// the mcp package has no dependency on the bridge package.
type SelectionPublisher interface {
	PublishSelection(SelectionUpdate)
}

// Diagnostic is one entry returned by getDiagnostics.
type Diagnostic struct {
	FilePath string `json:"filePath"`
	Line     int    `json:"line"`
	Character int   `json:"character"`
	Severity int    `json:"severity"`
	Message  string `json:"message"`
	Source   string `json:"source"`
}

// DiagnosticsSnapshotter exposes a read-mostly view of the diagnostics
// cache without coupling the dispatcher to its storage or locking strategy.
type DiagnosticsSnapshotter interface {
	// Snapshot returns the current diagnostics, or ok=false if the cache
	// is momentarily contended and the caller should fall back to an
	// empty response rather than stall the dispatcher.
	Snapshot() (diags []Diagnostic, ok bool)
}

// PendingCommandQueue receives out-of-band editor commands (currently only
// openFile) for the host editor to drain asynchronously. No MCP response
// ever blocks on it being drained.
type PendingCommandQueue interface {
	Push(kind string, payload any)
}

// Dispatcher routes JSON-RPC 2.0 messages per the MCP method table. It is
// shared by pointer across connection actors and is not meant to be cloned.
type Dispatcher struct {
	selections  SelectionPublisher
	diagnostics DiagnosticsSnapshotter
	pending     PendingCommandQueue
}

// New builds a Dispatcher. Any of the three collaborators may be nil in
// tests that don't exercise that path.
func New(selections SelectionPublisher, diagnostics DiagnosticsSnapshotter, pending PendingCommandQueue) *Dispatcher {
	return &Dispatcher{selections: selections, diagnostics: diagnostics, pending: pending}
}

// Handle routes a single inbound message and returns the response to write
// back, or ok=false if no response should be sent (any message without
// an id, including an unknown method arriving without one).
func (d *Dispatcher) Handle(in Message) (resp *Message, ok bool) {
	// A message without an id still runs its handler, but nothing is
	// sent back for it.
	defer func() {
		if in.IsNotification() {
			resp, ok = nil, false
		}
	}()

	switch in.Method {
	case "initialize":
		return d.handleInitialize(in), true
	case "notifications/initialized":
		return nil, false
	case "prompts/list":
		return response(in.ID, mustJSON(map[string]any{"prompts": []any{}})), true
	case "tools/list":
		return response(in.ID, mustJSON(map[string]any{"tools": toolSchemas})), true
	case "tools/call":
		return d.handleToolsCall(in), true
	case "resources/list":
		return response(in.ID, mustJSON(map[string]any{"resources": resourceList})), true
	case "resources/read":
		return d.handleResourcesRead(in), true
	case "at_mentioned":
		d.handleAtMentioned(in)
		return nil, false
	default:
		if in.IsNotification() {
			return nil, false
		}
		return errorResponse(in.ID, CodeMethodNotFound, "Method not found"), true
	}
}

func (d *Dispatcher) handleInitialize(in Message) *Message {
	var params struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(in.Params, &params)

	version := params.ProtocolVersion
	if version == "" {
		version = DefaultProtocolVersion
	}

	result := map[string]any{
		"protocolVersion": version,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": true},
			"resources": map[string]any{"subscribe": true, "listChanged": true},
			"prompts":   map[string]any{"listChanged": true},
			"logging":   map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    ServerName,
			"version": ServerVersion,
		},
	}
	return response(in.ID, mustJSON(result))
}

var toolSchemas = []map[string]any{
	{
		"name":        "openFile",
		"description": "Open a file in the host editor",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"filePath":  map[string]any{"type": "string", "description": "File path"},
				"startLine": map[string]any{"type": "integer", "description": "Start line (optional)"},
				"endLine":   map[string]any{"type": "integer", "description": "End line (optional)"},
			},
			"required": []string{"filePath"},
		},
	},
	{
		"name":        "getDiagnostics",
		"description": "Get current diagnostics from the host editor",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"uri": map[string]any{"type": "string", "description": "Document URI (optional)"},
			},
		},
	},
	{
		"name":        "buffer_content",
		"description": "Get content of the current buffer",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"bufnr": map[string]any{"type": "integer", "description": "Buffer number"},
			},
		},
	},
	{
		"name":        "show_diff",
		"description": "Show a diff in the host editor",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"original": map[string]any{"type": "string", "description": "Original file path"},
				"modified": map[string]any{"type": "string", "description": "Modified content"},
			},
			"required": []string{"original", "modified"},
		},
	},
	{
		"name":        "get_selection",
		"description": "Get the current selection in the host editor",
		"inputSchema": map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	},
	{
		"name":        "run_command",
		"description": "Run a host-editor command",
		"inputSchema": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{"type": "string", "description": "Command to execute"},
			},
			"required": []string{"command"},
		},
	},
}

var resourceList = []map[string]any{
	{
		"name":        "project",
		"description": "Current project information",
		"uri":         "neovim://project",
		"mimeType":    "application/json",
	},
	{
		"name":        "buffers",
		"description": "Open buffers",
		"uri":         "neovim://buffers",
		"mimeType":    "application/json",
	},
}

func (d *Dispatcher) handleToolsCall(in Message) *Message {
	if len(in.Params) == 0 {
		return errorResponse(in.ID, CodeInvalidParams, "missing params for tools/call")
	}
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(in.Params, &params); err != nil || params.Name == "" {
		return errorResponse(in.ID, CodeInvalidParams, "missing tool name")
	}

	switch params.Name {
	case "openFile":
		return d.handleOpenFile(in.ID, params.Arguments)
	case "getDiagnostics", "get_diagnostics":
		return d.handleGetDiagnostics(in.ID)
	default:
		return response(in.ID, textContent(fmt.Sprintf("Tool %s called successfully", params.Name)))
	}
}

func (d *Dispatcher) handleOpenFile(id, args json.RawMessage) *Message {
	var req struct {
		FilePath  string `json:"filePath"`
		StartLine *int   `json:"startLine"`
		EndLine   *int   `json:"endLine"`
	}
	_ = json.Unmarshal(args, &req)

	if d.pending != nil {
		d.pending.Push("openFile", req)
	}
	return response(id, textContent(fmt.Sprintf("Opened %s", req.FilePath)))
}

func (d *Dispatcher) handleGetDiagnostics(id json.RawMessage) *Message {
	var diags []Diagnostic
	if d.diagnostics != nil {
		if snap, ok := d.diagnostics.Snapshot(); ok {
			diags = snap
		}
	}

	if len(diags) == 0 {
		return response(id, textContent("No diagnostics available"))
	}

	items := make([]map[string]any, 0, len(diags))
	for _, diag := range diags {
		normalizeDiagnostic(&diag)
		encoded, _ := json.Marshal(diag)
		items = append(items, map[string]any{"type": "text", "text": string(encoded)})
	}
	return response(id, mustJSON(map[string]any{"content": items}))
}

func normalizeDiagnostic(d *Diagnostic) {
	if d.Line == 0 {
		d.Line = 1
	}
	if d.Character == 0 {
		d.Character = 1
	}
	if d.Severity == 0 {
		d.Severity = 1
	}
}

func (d *Dispatcher) handleResourcesRead(in Message) *Message {
	var params struct {
		URI string `json:"uri"`
	}
	if len(in.Params) == 0 {
		return errorResponse(in.ID, CodeInvalidParams, "missing params for resources/read")
	}
	if err := json.Unmarshal(in.Params, &params); err != nil || params.URI == "" {
		return errorResponse(in.ID, CodeInvalidParams, "missing URI")
	}

	result := map[string]any{
		"contents": []map[string]any{
			{
				"uri":      params.URI,
				"mimeType": "application/json",
				"text":     `{"placeholder": true}`,
			},
		},
	}
	return response(in.ID, mustJSON(result))
}

func (d *Dispatcher) handleAtMentioned(in Message) {
	if d.selections == nil || len(in.Params) == 0 {
		return
	}
	var params struct {
		FilePath  string  `json:"filePath"`
		Text      string  `json:"text"`
		LineStart *uint32 `json:"lineStart"`
		LineEnd   *uint32 `json:"lineEnd"`
	}
	if err := json.Unmarshal(in.Params, &params); err != nil {
		return
	}
	d.selections.PublishSelection(SelectionUpdate{
		FilePath:  params.FilePath,
		Text:      params.Text,
		LineStart: params.LineStart,
		LineEnd:   params.LineEnd,
	})
}

func textContent(text string) json.RawMessage {
	return mustJSON(map[string]any{
		"content": []map[string]any{{"type": "text", "text": text}},
	})
}
