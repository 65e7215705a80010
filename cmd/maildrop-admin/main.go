package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/migadu/maildrop/backend"
	"github.com/migadu/maildrop/config"
	"github.com/migadu/maildrop/logger"
)

const defaultConfigPath = "config.toml"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}

	if _, err := logger.Initialize(config.LoggingConfig{Output: "stderr", Format: "console", Level: "warn"}); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to initialize logger: %v\n", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := runCommand(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		stop()
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCommand(ctx context.Context, command string, args []string, out io.Writer) error {
	switch command {
	case "accounts":
		return handleAccountsCommand(ctx, args, out)
	case "messages":
		return handleMessagesCommand(ctx, args, out)
	case "unlock":
		return handleUnlock(ctx, args, out)
	case "migrate":
		return handleMigrateCommand(ctx, args, out)
	case "help", "--help", "-h":
		printUsage(out)
		return nil
	default:
		printUsage(out)
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `maildrop admin tool

Usage:
  maildrop-admin <command> <subcommand> [options]

Commands:
  accounts add|passwd|delete|show|list   Manage maildrop accounts
  messages add|list|show                 Inspect and inject messages
  unlock <username> | --all              Clear maildrop locks
  migrate up|down|version|force          Manage the store schema
  help                                   Show this help message

Every command accepts --config (default: config.toml); the [store] section
selects the backend.

Examples:
  maildrop-admin accounts add --username bob@example.com --password secret
  maildrop-admin messages list --username bob@example.com
  maildrop-admin messages show --username bob@example.com --position 2 --text
  maildrop-admin unlock bob@example.com
  maildrop-admin migrate version
`)
}

// newFlagSet returns a flag set with the shared --config flag.
func newFlagSet(name string, out io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	configPath := fs.String("config", defaultConfigPath, "Path to TOML configuration file")
	return fs, configPath
}

// loadAdminConfig reads path over the defaults. A missing default file is
// not an error.
func loadAdminConfig(path string) (config.Config, error) {
	cfg := config.NewDefaultConfig()
	err := config.LoadConfigFromFile(path, &cfg)
	if err != nil && !(os.IsNotExist(err) && path == defaultConfigPath) {
		return cfg, fmt.Errorf("failed to load configuration %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// openStore opens the configured backend. The memory backend is refused:
// it lives inside the server process.
func openStore(ctx context.Context, configPath string) (backend.Store, error) {
	cfg, err := loadAdminConfig(configPath)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Backend == config.BackendMemory {
		return nil, fmt.Errorf("the memory backend cannot be administered from outside the server")
	}
	cfg.Store.ConnectRetries = 0
	return backend.Open(ctx, &cfg)
}
