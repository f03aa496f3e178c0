package mcp

import (
	"encoding/json"
	"testing"
)

type fakePublisher struct {
	last SelectionUpdate
	got  bool
}

func (f *fakePublisher) PublishSelection(u SelectionUpdate) {
	f.last = u
	f.got = true
}

type fakeDiagnostics struct {
	diags []Diagnostic
	ok    bool
}

func (f *fakeDiagnostics) Snapshot() ([]Diagnostic, bool) { return f.diags, f.ok }

type fakeQueue struct {
	pushed []string
}

func (f *fakeQueue) Push(kind string, payload any) { f.pushed = append(f.pushed, kind) }

func req(method string, id, params string) Message {
	m := Message{JSONRPC: "2.0", Method: method}
	if id != "" {
		m.ID = json.RawMessage(id)
	}
	if params != "" {
		m.Params = json.RawMessage(params)
	}
	return m
}

func TestHandleInitializeEchoesProtocolVersion(t *testing.T) {
	d := New(nil, nil, nil)
	resp, ok := d.Handle(req("initialize", "1", `{"protocolVersion":"2025-01-01"}`))
	if !ok || resp == nil {
		t.Fatal("expected a response")
	}
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.ProtocolVersion != "2025-01-01" {
		t.Errorf("protocolVersion = %q, want echoed value", result.ProtocolVersion)
	}
}

func TestHandleInitializeDefaultsProtocolVersion(t *testing.T) {
	d := New(nil, nil, nil)
	resp, ok := d.Handle(req("initialize", "1", `{}`))
	if !ok || resp == nil {
		t.Fatal("expected a response")
	}
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
	}
	_ = json.Unmarshal(resp.Result, &result)
	if result.ProtocolVersion != DefaultProtocolVersion {
		t.Errorf("protocolVersion = %q, want default %q", result.ProtocolVersion, DefaultProtocolVersion)
	}
}

func TestHandleNotificationsInitializedProducesNoResponse(t *testing.T) {
	d := New(nil, nil, nil)
	resp, ok := d.Handle(req("notifications/initialized", "", ""))
	if ok || resp != nil {
		t.Errorf("expected no response for notifications/initialized, got ok=%v resp=%v", ok, resp)
	}
}

func TestHandleToolsList(t *testing.T) {
	d := New(nil, nil, nil)
	resp, ok := d.Handle(req("tools/list", "2", ""))
	if !ok || resp == nil {
		t.Fatal("expected a response")
	}
	var result struct {
		Tools []map[string]any `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(result.Tools) != 6 {
		t.Fatalf("got %d tools, want 6", len(result.Tools))
	}
	names := map[string]bool{}
	for _, tool := range result.Tools {
		names[tool["name"].(string)] = true
	}
	for _, want := range []string{"openFile", "getDiagnostics", "buffer_content", "show_diff", "get_selection", "run_command"} {
		if !names[want] {
			t.Errorf("missing tool %q", want)
		}
	}
}

func TestHandleToolsCallOpenFilePushesPendingCommand(t *testing.T) {
	queue := &fakeQueue{}
	d := New(nil, nil, queue)
	resp, ok := d.Handle(req("tools/call", "3", `{"name":"openFile","arguments":{"filePath":"/tmp/a.go"}}`))
	if !ok || resp == nil {
		t.Fatal("expected a response")
	}
	if len(queue.pushed) != 1 || queue.pushed[0] != "openFile" {
		t.Errorf("pending queue = %v, want [openFile]", queue.pushed)
	}
}

func TestHandleToolsCallGetDiagnosticsEmpty(t *testing.T) {
	d := New(nil, &fakeDiagnostics{ok: true}, nil)
	resp, ok := d.Handle(req("tools/call", "4", `{"name":"getDiagnostics"}`))
	if !ok || resp == nil {
		t.Fatal("expected a response")
	}
	var result struct {
		Content []map[string]any `json:"content"`
	}
	_ = json.Unmarshal(resp.Result, &result)
	if len(result.Content) != 1 || result.Content[0]["text"] != "No diagnostics available" {
		t.Errorf("result = %+v", result)
	}
}

func TestHandleToolsCallGetDiagnosticsWithEntries(t *testing.T) {
	diags := &fakeDiagnostics{ok: true, diags: []Diagnostic{{FilePath: "a.go", Message: "oops", Source: "lint"}}}
	d := New(nil, diags, nil)
	resp, ok := d.Handle(req("tools/call", "5", `{"name":"getDiagnostics"}`))
	if !ok || resp == nil {
		t.Fatal("expected a response")
	}
	var result struct {
		Content []map[string]any `json:"content"`
	}
	_ = json.Unmarshal(resp.Result, &result)
	if len(result.Content) != 1 {
		t.Fatalf("content = %+v", result.Content)
	}
}

func TestHandleToolsCallUnknownToolSynthesizesSuccess(t *testing.T) {
	d := New(nil, nil, nil)
	resp, ok := d.Handle(req("tools/call", "6", `{"name":"run_command","arguments":{"command":"ls"}}`))
	if !ok || resp == nil {
		t.Fatal("expected a response")
	}
	var result struct {
		Content []map[string]any `json:"content"`
	}
	_ = json.Unmarshal(resp.Result, &result)
	if len(result.Content) != 1 || result.Content[0]["text"] != "Tool run_command called successfully" {
		t.Errorf("result = %+v", result)
	}
}

func TestHandleToolsCallMissingNameIsInvalidParams(t *testing.T) {
	d := New(nil, nil, nil)
	resp, ok := d.Handle(req("tools/call", "7", `{}`))
	if !ok || resp == nil || resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != CodeInvalidParams {
		t.Errorf("code = %d, want %d", resp.Error.Code, CodeInvalidParams)
	}
}

func TestHandleResourcesList(t *testing.T) {
	d := New(nil, nil, nil)
	resp, ok := d.Handle(req("resources/list", "8", ""))
	if !ok || resp == nil {
		t.Fatal("expected a response")
	}
	var result struct {
		Resources []map[string]any `json:"resources"`
	}
	_ = json.Unmarshal(resp.Result, &result)
	if len(result.Resources) != 2 {
		t.Errorf("got %d resources, want 2", len(result.Resources))
	}
}

func TestHandleResourcesReadMissingURI(t *testing.T) {
	d := New(nil, nil, nil)
	resp, ok := d.Handle(req("resources/read", "9", `{}`))
	if !ok || resp == nil || resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != CodeInvalidParams {
		t.Errorf("code = %d, want %d", resp.Error.Code, CodeInvalidParams)
	}
}

func TestHandleResourcesReadEchoesURI(t *testing.T) {
	d := New(nil, nil, nil)
	resp, ok := d.Handle(req("resources/read", "10", `{"uri":"neovim://project"}`))
	if !ok || resp == nil {
		t.Fatal("expected a response")
	}
	var result struct {
		Contents []map[string]any `json:"contents"`
	}
	_ = json.Unmarshal(resp.Result, &result)
	if len(result.Contents) != 1 || result.Contents[0]["uri"] != "neovim://project" {
		t.Errorf("result = %+v", result)
	}
}

func TestHandleAtMentionedPublishesSelectionAndNoReply(t *testing.T) {
	pub := &fakePublisher{}
	d := New(pub, nil, nil)
	resp, ok := d.Handle(req("at_mentioned", "", `{"filePath":"main.go","text":"hi"}`))
	if ok || resp != nil {
		t.Errorf("expected no response for at_mentioned, got ok=%v resp=%v", ok, resp)
	}
	if !pub.got || pub.last.FilePath != "main.go" {
		t.Errorf("selection not published: %+v", pub.last)
	}
}

func TestHandleUnknownMethodWithIDReturnsMethodNotFound(t *testing.T) {
	d := New(nil, nil, nil)
	resp, ok := d.Handle(req("bogus/method", "11", ""))
	if !ok || resp == nil || resp.Error == nil {
		t.Fatal("expected an error response")
	}
	if resp.Error.Code != CodeMethodNotFound {
		t.Errorf("code = %d, want %d", resp.Error.Code, CodeMethodNotFound)
	}
}

func TestHandleUnknownMethodWithoutIDIsSilentlyDropped(t *testing.T) {
	d := New(nil, nil, nil)
	resp, ok := d.Handle(req("bogus/notification", "", ""))
	if ok || resp != nil {
		t.Errorf("expected silent drop, got ok=%v resp=%v", ok, resp)
	}
}

func TestHandlePromptsListIsEmpty(t *testing.T) {
	d := New(nil, nil, nil)
	resp, ok := d.Handle(req("prompts/list", "12", ""))
	if !ok || resp == nil {
		t.Fatal("expected a response")
	}
	var result struct {
		Prompts []any `json:"prompts"`
	}
	_ = json.Unmarshal(resp.Result, &result)
	if len(result.Prompts) != 0 {
		t.Errorf("prompts = %v, want empty", result.Prompts)
	}
}
