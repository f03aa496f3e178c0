// Package cli wires the bridge server, lock-file manager, and control
// channel into the CLI surface described by the specification: a
// single binary with start/daemon/status/stop/test subcommands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/go-mizu/claude-ide/bridge"
	"github.com/go-mizu/claude-ide/control"
	"github.com/go-mizu/claude-ide/lockfile"
)

// Version information (set via ldflags).
var (
	Version = "dev"
	Commit  = "unknown"
)

var (
	portMin int
	portMax int
	verbose bool

	daemonFlag bool
	statusFlag bool
	testFlag   bool
)

// Execute builds and runs the root command.
//
// The subcommands (daemon/status/test) are the canonical spellings; the
// root also accepts --daemon/-d, --status/-s, --test/-t as flags, since
// cobra never treats a leading-dash argument as a subcommand alias — a
// flag declared on the root is the only way those forms actually
// dispatch.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:   "claude-ide [workspace-folder]",
		Short: "Local WebSocket/MCP bridge for attaching an editor to an AI coding assistant",
		Long: `claude-ide runs a local bridge process that an external coding assistant
attaches to over a published WebSocket port, speaking JSON-RPC 2.0 framed
as the Model Context Protocol. It advertises itself through a lock file
under $CLAUDE_CONFIG_DIR/ide (or ~/.claude/ide) so the client can discover
the port and bearer token without configuration.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case testFlag:
				return printJSON(map[string]any{"success": true, "test": "quick"})
			case statusFlag:
				return runStatus()
			case daemonFlag:
				var folders []string
				if len(args) == 1 {
					folders = []string{args[0]}
				}
				return runDaemon(cmd.Context(), folders)
			default:
				return runForeground(cmd.Context(), nil)
			}
		},
	}
	root.Version = versionString()
	root.SetVersionTemplate("claude-ide {{.Version}}\n")
	root.PersistentFlags().IntVar(&portMin, "port-min", 50000, "lower bound of the port scan range")
	root.PersistentFlags().IntVar(&portMax, "port-max", 60000, "upper bound of the port scan range")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug-level logging")
	root.Flags().BoolVarP(&daemonFlag, "daemon", "d", false, "equivalent to the daemon subcommand")
	root.Flags().BoolVarP(&statusFlag, "status", "s", false, "equivalent to the status subcommand")
	root.Flags().BoolVarP(&testFlag, "test", "t", false, "equivalent to the test subcommand")

	root.AddCommand(newStartCmd())
	root.AddCommand(newDaemonCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newStopCmd())
	root.AddCommand(newTestCmd())

	if err := fang.Execute(ctx, root,
		fang.WithVersion(Version),
		fang.WithCommit(Commit),
	); err != nil {
		fmt.Fprintln(os.Stderr, "claude-ide: "+err.Error())
		return err
	}
	return nil
}

func versionString() string {
	if strings.TrimSpace(Version) != "" && Version != "dev" {
		return Version
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		if bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			return bi.Main.Version
		}
	}
	return "dev"
}

func logger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newStartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the bridge in the foreground and serve until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(cmd.Context(), nil)
		},
	}
	return cmd
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon [workspace-folder]",
		Short: "Start the bridge, print its connection info, then serve control-channel commands on stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var folders []string
			if len(args) == 1 {
				folders = []string{args[0]}
			}
			return runDaemon(cmd.Context(), folders)
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether a bridge lock file is currently published",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus()
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Signal the process behind the published lock file to stop and remove it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop()
		},
	}
}

func newTestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Print a static success document and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(map[string]any{"success": true, "test": "quick"})
		},
	}
}

// runForeground starts the server directly (no stdin control channel),
// publishes the lock file, and blocks until ctx is canceled (SIGINT/SIGTERM).
func runForeground(ctx context.Context, folders []string) error {
	log := logger()
	srv := bridge.New(bridge.WithLogger(log), bridge.WithPortRange(portMin, portMax))

	port, token, err := srv.Start(ctx)
	if err != nil {
		return fmt.Errorf("claude-ide: %w", err)
	}

	data := lockfile.Data{
		PID:              os.Getpid(),
		WorkspaceFolders: lockfile.WorkspaceFolders(folders),
		IDEName:          "Neovim",
		Transport:        "ws",
		AuthToken:        token,
	}
	if err := lockfile.Write(port, data); err != nil {
		_ = srv.Stop()
		return fmt.Errorf("claude-ide: %w", err)
	}

	log.Info("bridge ready", "port", port)

	<-ctx.Done()

	_ = srv.Stop()
	_ = lockfile.Remove(port)
	return nil
}

// runDaemon starts the server, emits one connection-info JSON line on
// stdout, then hands stdin to the control channel until EOF or
// cancellation.
func runDaemon(ctx context.Context, folders []string) error {
	log := logger()
	srv := bridge.New(bridge.WithLogger(log), bridge.WithPortRange(portMin, portMax))

	port, token, err := srv.Start(ctx)
	if err != nil {
		return fmt.Errorf("claude-ide: %w", err)
	}

	data := lockfile.Data{
		PID:              os.Getpid(),
		WorkspaceFolders: lockfile.WorkspaceFolders(folders),
		IDEName:          "Neovim",
		Transport:        "ws",
		AuthToken:        token,
	}
	if err := lockfile.Write(port, data); err != nil {
		_ = srv.Stop()
		return fmt.Errorf("claude-ide: %w", err)
	}

	if err := printJSON(map[string]any{"success": true, "port": port, "auth_token": token}); err != nil {
		_ = srv.Stop()
		_ = lockfile.Remove(port)
		return err
	}

	ctrl := control.New(srv, folders, log)
	done := make(chan error, 1)
	go func() { done <- ctrl.Run(ctx, os.Stdin, os.Stdout) }()

	var runErr error
	select {
	case runErr = <-done:
	case <-ctx.Done():
		_ = srv.Stop()
	}

	_ = lockfile.Remove(port)
	return runErr
}

// runStatus inspects the lock-file directory: there is no supervisory
// channel into a daemon started in a different process, so status is
// necessarily best-effort discovery over the published lock files (see
// the Open Questions in the design notes).
func runStatus() error {
	entries, err := lockfile.List()
	if err != nil {
		return printJSON(map[string]any{"success": false, "error": err.Error()})
	}
	if len(entries) == 0 {
		return printJSON(map[string]any{"success": true, "connected": false})
	}

	e := entries[0]
	return printJSON(map[string]any{
		"success":    true,
		"port":       e.Port,
		"auth_token": e.Data.AuthToken,
		"connected":  true,
	})
}

// runStop sends SIGTERM to every live process named by a published lock
// file and removes stale entries outright. Lock-file discovery across
// processes is best-effort, not mutual exclusion, so this is advisory:
// the owning process's own shutdown path removes its lock file once it
// observes the signal.
func runStop() error {
	_, _ = lockfile.CleanupStale()
	entries, err := lockfile.List()
	if err != nil {
		return printJSON(map[string]any{"success": false, "error": err.Error()})
	}
	if len(entries) == 0 {
		return printJSON(map[string]any{"success": true})
	}

	for _, e := range entries {
		if e.Data.PID == os.Getpid() {
			continue
		}
		_ = terminateProcess(e.Data.PID)
	}
	return printJSON(map[string]any{"success": true})
}

func printJSON(v any) error {
	encoded, err := json.Marshal(v)
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
