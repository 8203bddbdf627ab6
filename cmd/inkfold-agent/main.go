package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/inkfold/inkfold-agent/internal/agent"
	"github.com/inkfold/inkfold-agent/internal/config"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("inkfold-agent %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `inkfold-agent

Usage:
  inkfold-agent run [flags]
  inkfold-agent version

Commands:
  run         Run a chat editing session using the local config file.
  version     Print build information.

`)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	secretsPath := fs.String("secrets", config.DefaultSecretsPath(), "Secrets file path")
	threadID := fs.String("thread", "default", "Chat thread id")
	documentID := fs.String("document", "", "Document id the chat edits")
	_ = fs.Parse(args)

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	secrets, err := config.LoadSecrets(filepath.Clean(*secretsPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load secrets: %v\n", err)
		os.Exit(1)
	}

	a, err := agent.New(agent.Options{
		Config:     cfg,
		Secrets:    secrets,
		ThreadID:   *threadID,
		DocumentID: *documentID,
		Version:    Version,
		Commit:     Commit,
		BuildTime:  BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init agent: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "agent exited with error: %v\n", err)
		os.Exit(1)
	}
}
