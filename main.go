package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/frostlabs/frost-archiver/runner"
)

var (
	version                    = "Not an official release. Get the latest release from the github repo."
	commit, buildDate, builtBy string
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	r := runner.New(runner.ReleaseInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
		BuiltBy:   builtBy,
	})
	exitCode := r.Run(ctx, os.Args)
	cancel()
	os.Exit(exitCode)
}
