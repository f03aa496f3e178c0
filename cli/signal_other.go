//go:build !unix

package cli

import (
	"fmt"
	"os"
)

// terminateProcess has no portable equivalent of SIGTERM outside unix;
// this falls back to os.Process.Kill, which is an unconditional kill
// rather than a graceful shutdown request.
func terminateProcess(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("cli: finding process %d: %w", pid, err)
	}
	return proc.Kill()
}
