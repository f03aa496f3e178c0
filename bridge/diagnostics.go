package bridge

import (
	"sync"

	"github.com/go-mizu/claude-ide/mcp"
)

// diagnosticsCache holds the last-write-wins diagnostics payload. Reads
// from the MCP dispatcher must never stall behind a write, so Snapshot
// uses sync.RWMutex.TryRLock rather than RLock: a contended read
// returns ok=false and the dispatcher falls back to an empty response
// instead of waiting.
type diagnosticsCache struct {
	mu    sync.RWMutex
	diags []mcp.Diagnostic
}

func newDiagnosticsCache() *diagnosticsCache {
	return &diagnosticsCache{}
}

// set overwrites the cache. Writers always acquire the write lock
// (blocking): a write is never dropped, only reads are best-effort.
func (c *diagnosticsCache) set(diags []mcp.Diagnostic) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.diags = diags
}

// Snapshot implements mcp.DiagnosticsSnapshotter.
func (c *diagnosticsCache) Snapshot() ([]mcp.Diagnostic, bool) {
	if !c.mu.TryRLock() {
		return nil, false
	}
	defer c.mu.RUnlock()

	out := make([]mcp.Diagnostic, len(c.diags))
	copy(out, c.diags)
	return out, true
}
