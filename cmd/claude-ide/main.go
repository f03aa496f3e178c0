package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-mizu/claude-ide/cli"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	cli.Version = Version
	cli.Commit = Commit

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cli.Execute(ctx); err != nil {
		os.Exit(1)
	}
}
