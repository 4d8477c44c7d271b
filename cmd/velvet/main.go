package main

import (
	"context"
	"os"

	"velvet/internal/transports/cli"
	"velvet/pkg/logger"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	root := cli.New(buildVersion())
	if err := root.ExecuteContext(context.Background()); err != nil {
		logger.NewTo(os.Stderr, "info", "text").Error("command failed", "err", err)
		os.Exit(1)
	}
}

func buildVersion() string {
	v := version
	if commit != "" {
		v += " (" + commit + ")"
	}
	if date != "" {
		v += " " + date
	}
	return v
}
