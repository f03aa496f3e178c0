package bridge

import (
	"encoding/json"
	"log/slog"

	"github.com/go-mizu/claude-ide/mcp"
)

// Fabric fans local events (selection changes, diagnostics updates) out
// to every connected client. There is exactly one code path per event
// kind; the control channel and the MCP dispatcher's at_mentioned
// handler both publish through this same Fabric rather than each
// reconstructing their own delivery logic.
type Fabric struct {
	reg         *registry
	diagnostics *diagnosticsCache
	log         *slog.Logger
}

func newFabric(reg *registry, log *slog.Logger) *Fabric {
	return &Fabric{reg: reg, diagnostics: newDiagnosticsCache(), log: log}
}

type jsonrpcNotification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type selectionRange struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type selectionSpan struct {
	Start   selectionRange `json:"start"`
	End     selectionRange `json:"end"`
	IsEmpty bool           `json:"isEmpty"`
}

type selectionChangedParams struct {
	Text      string        `json:"text"`
	FilePath  string        `json:"filePath"`
	FileURL   string        `json:"fileUrl"`
	Selection selectionSpan `json:"selection"`
}

// PublishSelection implements mcp.SelectionPublisher: it is how
// at_mentioned handling and the control channel's send_selection both
// reach the broadcast fabric.
func (f *Fabric) PublishSelection(u mcp.SelectionUpdate) {
	lineStart, lineEnd := 0, 0
	if u.LineStart != nil {
		lineStart = int(*u.LineStart)
	}
	if u.LineEnd != nil {
		lineEnd = int(*u.LineEnd)
	}

	params := selectionChangedParams{
		Text:     u.Text,
		FilePath: u.FilePath,
		FileURL:  "file://" + u.FilePath,
		Selection: selectionSpan{
			Start:   selectionRange{Line: lineStart, Character: 0},
			End:     selectionRange{Line: lineEnd, Character: len(u.Text)},
			IsEmpty: u.Text == "",
		},
	}
	f.publish("selection_changed", params)
}

// PublishDiagnostics updates the shared cache (last write wins) and
// fans the full payload out as a diagnostics/updated notification.
func (f *Fabric) PublishDiagnostics(diags []mcp.Diagnostic) {
	f.diagnostics.set(diags)
	f.publish("diagnostics/updated", map[string]any{"diagnostics": diags})
}

func (f *Fabric) publish(method string, params any) {
	payload, err := json.Marshal(jsonrpcNotification{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		if f.log != nil {
			f.log.Error("bridge: failed to marshal broadcast notification", "method", method, "err", err)
		}
		return
	}

	skipped := f.reg.broadcast(payload)
	if len(skipped) > 0 && f.log != nil {
		f.log.Warn("bridge: skipped clients on broadcast", "method", method, "client_ids", skipped)
	}
}

// Diagnostics exposes the read-mostly snapshot used by mcp.Dispatcher.
func (f *Fabric) Diagnostics() mcp.DiagnosticsSnapshotter { return f.diagnostics }
