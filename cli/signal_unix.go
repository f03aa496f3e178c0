//go:build unix

package cli

import "syscall"

// terminateProcess sends SIGTERM to pid; it is the best-effort signal
// used by "stop" to ask a separately-running daemon to shut down.
func terminateProcess(pid int) error {
	return syscall.Kill(pid, syscall.SIGTERM)
}
