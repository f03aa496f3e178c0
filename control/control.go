// Package control implements the line-delimited JSON command channel
// read from standard input that drives the bridge's lifecycle and
// injects events into its broadcast fabric.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-mizu/claude-ide/bridge"
	"github.com/go-mizu/claude-ide/lockfile"
	"github.com/go-mizu/claude-ide/mcp"
)

// Request is one inbound control-channel line.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the shape of every outbound control-channel line.
type Response struct {
	Success   bool   `json:"success"`
	Port      int    `json:"port,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`
	Error     string `json:"error,omitempty"`
	Connected *bool  `json:"connected,omitempty"`
}

// Controller drives a bridge.Server from line-delimited JSON commands.
type Controller struct {
	server  *bridge.Server
	log     *slog.Logger
	folders []string
}

// New builds a Controller bound to server. workspaceFolders seeds the
// lock file written on start.
func New(server *bridge.Server, workspaceFolders []string, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{server: server, log: log, folders: workspaceFolders}
}

// Run reads line-delimited JSON requests from in until EOF, writing one
// JSON response line per request to out. Blank lines are skipped
// without producing a response. EOF triggers a clean stop.
func (c *Controller) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp := c.handleLine(ctx, line)
		if err := writeResponse(out, resp); err != nil {
			return fmt.Errorf("control: writing response: %w", err)
		}
	}

	_ = c.server.Stop()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("control: reading stdin: %w", err)
	}
	return nil
}

func writeResponse(out io.Writer, resp Response) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	encoded = append(encoded, '\n')
	_, err = out.Write(encoded)
	return err
}

func (c *Controller) handleLine(ctx context.Context, line string) Response {
	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return Response{Success: false, Error: "invalid JSON: " + err.Error()}
	}

	switch req.Method {
	case "start":
		return c.handleStart(ctx)
	case "stop":
		return c.handleStop()
	case "status":
		return c.handleStatus()
	case "send_selection":
		return c.handleSendSelection(req.Params)
	case "send_message":
		return c.handleSendMessage(req.Params)
	case "send_notification":
		return c.handleSendNotification(req.Params)
	default:
		return Response{Success: false, Error: "unknown method: " + req.Method}
	}
}

func (c *Controller) handleStart(ctx context.Context) Response {
	port, token, err := c.server.Start(ctx)
	if err != nil {
		return Response{Success: false, Error: err.Error()}
	}

	data := lockfile.Data{
		PID:              os.Getpid(),
		WorkspaceFolders: lockfile.WorkspaceFolders(c.folders),
		IDEName:          "Neovim",
		Transport:        "ws",
		AuthToken:        token,
	}
	if err := lockfile.Write(port, data); err != nil {
		_ = c.server.Stop()
		return Response{Success: false, Error: err.Error()}
	}

	return Response{Success: true, Port: port, AuthToken: token}
}

func (c *Controller) handleStop() Response {
	port := c.server.Port()
	if err := c.server.Stop(); err != nil {
		return Response{Success: false, Error: err.Error()}
	}
	if port != 0 {
		_ = lockfile.Remove(port)
	}
	return Response{Success: true}
}

func (c *Controller) handleStatus() Response {
	connected := c.server.ConnectedCount() > 0
	return Response{
		Success:   true,
		Port:      c.server.Port(),
		AuthToken: c.server.AuthToken(),
		Connected: &connected,
	}
}

type selectionParams struct {
	FilePath  string `json:"filePath"`
	Text      string `json:"text"`
	StartLine *int   `json:"startLine"`
	EndLine   *int   `json:"endLine"`
	// StartChar/EndChar are accepted for wire compatibility but unused:
	// the selection's character positions are fixed at 0/len(text).
	StartChar *int `json:"startChar"`
	EndChar   *int `json:"endChar"`
}

func (c *Controller) handleSendSelection(params json.RawMessage) Response {
	var p selectionParams
	_ = json.Unmarshal(params, &p)

	update := mcp.SelectionUpdate{FilePath: p.FilePath, Text: p.Text}
	if p.StartLine != nil {
		v := uint32(*p.StartLine)
		update.LineStart = &v
	}
	if p.EndLine != nil {
		v := uint32(*p.EndLine)
		update.LineEnd = &v
	}
	c.server.Fabric().PublishSelection(update)
	return Response{Success: true}
}

type innerMessage struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (c *Controller) handleSendMessage(params json.RawMessage) Response {
	var inner innerMessage
	if err := json.Unmarshal(params, &inner); err != nil {
		return Response{Success: false, Error: "invalid send_message params: " + err.Error()}
	}
	if inner.Method != "at_mentioned" {
		return Response{Success: false, Error: "unsupported send_message method: " + inner.Method}
	}

	msg := mcp.Message{JSONRPC: "2.0", Method: "at_mentioned", Params: inner.Params}
	c.server.Dispatcher().Handle(msg)
	return Response{Success: true}
}

func (c *Controller) handleSendNotification(params json.RawMessage) Response {
	var inner innerMessage
	if err := json.Unmarshal(params, &inner); err != nil {
		return Response{Success: false, Error: "invalid send_notification params: " + err.Error()}
	}
	if inner.Method != "diagnostics_updated" {
		return Response{Success: false, Error: "unsupported send_notification method: " + inner.Method}
	}

	var diags []mcp.Diagnostic
	_ = json.Unmarshal(inner.Params, &diags)
	c.server.Fabric().PublishDiagnostics(diags)
	return Response{Success: true}
}
