package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/crucible/internal/api"
	"github.com/mattjoyce/crucible/internal/catalog"
	"github.com/mattjoyce/crucible/internal/config"
	"github.com/mattjoyce/crucible/internal/history"
	"github.com/mattjoyce/crucible/internal/lock"
	"github.com/mattjoyce/crucible/internal/log"
	"github.com/mattjoyce/crucible/internal/schema"
	"github.com/mattjoyce/crucible/internal/session"
	"github.com/mattjoyce/crucible/internal/storage"
	"github.com/mattjoyce/crucible/internal/tui/watch"
)

const version = "0.4.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		os.Exit(runStart(args))
	case "watch":
		os.Exit(runWatch(args))
	case "session":
		os.Exit(runSessionNoun(args))
	case "version":
		fmt.Printf("crucible version %s\n", version)
		os.Exit(0)
	case "help", "--help", "-h":
		printUsage()
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`crucible - containerized system build/run session engine

Usage:
  crucible <command> [flags]

Commands:
  start             Start the session engine and its API in foreground
  watch             Live terminal view of all sessions
  session list      List persisted session ids
  session show <id> Print a session's info document
  session rm <id>   Remove a session (--force to override locks)

General:
  version           Show version information
  help              Show this help message
`)
}

// engine wires the session store to the catalog so a create request can
// deliver the system's repository tree.
type engine struct {
	*session.Store
	catalog *catalog.Catalog
}

func (e *engine) Create(ctx context.Context, cfg *schema.Configuration, meta session.Metadata) (string, error) {
	return e.Store.Create(ctx, cfg, meta, e.catalog.Deliver, nil)
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			return config.Load("config.yaml")
		}
		return config.Defaults(), nil
	}
	return config.Load(path)
}

func buildEngine(ctx context.Context, cfg *config.Config, withLedger bool) (*engine, func(), error) {
	cat, err := catalog.Open(cfg.Catalog.Dir)
	if err != nil {
		return nil, nil, err
	}

	var ledger *history.Ledger
	cleanup := func() {}
	if withLedger {
		db, err := storage.OpenSQLite(ctx, cfg.DatabasePath())
		if err != nil {
			return nil, nil, err
		}
		ledger = history.NewLedger(db)
		cleanup = func() { _ = db.Close() }
	}

	store, err := session.NewStore(cfg.SessionsDir(), cfg.Compute, ledger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return &engine{Store: store, catalog: cat}, cleanup, nil
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("crucible starting", "version", version)

	dataLock, err := lock.AcquireDataDir(cfg.Data.Dir)
	if err != nil {
		logger.Error("failed to lock data directory (another instance may be running)", "error", err)
		return 1
	}
	defer dataLock.Release()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, cleanup, err := buildEngine(ctx, cfg, true)
	if err != nil {
		logger.Error("failed to initialize engine", "error", err)
		return 1
	}
	defer cleanup()

	if !cfg.API.Enabled {
		logger.Info("API disabled, engine idle until shutdown signal")
		<-ctx.Done()
		return 0
	}

	server := api.New(api.Config{Listen: cfg.API.Listen, APIKey: cfg.API.APIKey}, eng, log.WithComponent("api"))
	if err := server.Start(ctx); err != nil && err != context.Canceled {
		logger.Error("API server failed", "error", err)
		return 1
	}
	logger.Info("crucible stopped")
	return 0
}

func runWatch(args []string) int {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	apiURL := fs.String("api", "http://127.0.0.1:8450", "Base URL of a running crucible API")
	apiKey := fs.String("api-key", "", "Bearer token for the API")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	p := tea.NewProgram(watch.New(*apiURL, *apiKey))
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "watch failed: %v\n", err)
		return 1
	}
	return 0
}

func runSessionNoun(args []string) int {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: crucible session <list|show|rm> [flags]")
		return 1
	}
	action := args[0]
	actionArgs := args[1:]

	fs := flag.NewFlagSet("session "+action, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	force := fs.Bool("force", false, "Force removal of a locked or executing session")
	if err := fs.Parse(actionArgs); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	log.Setup("warn")

	ctx := context.Background()
	eng, cleanup, err := buildEngine(ctx, cfg, action == "show")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session store: %v\n", err)
		return 1
	}
	defer cleanup()

	switch action {
	case "list":
		ids, err := eng.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to list sessions: %v\n", err)
			return 1
		}
		for _, id := range ids {
			state, err := eng.Status(id)
			if err != nil {
				fmt.Printf("%s\t(unreadable: %v)\n", id, err)
				continue
			}
			fmt.Printf("%s\t%s\n", id, state)
		}
		return 0

	case "show":
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: crucible session show <id>")
			return 1
		}
		info, err := eng.Info(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read session: %v\n", err)
			return 1
		}
		out, _ := json.MarshalIndent(info, "", "  ")
		fmt.Println(string(out))
		return 0

	case "rm":
		if fs.NArg() < 1 {
			fmt.Fprintln(os.Stderr, "Usage: crucible session rm <id> [--force]")
			return 1
		}
		if err := eng.Remove(ctx, fs.Arg(0), *force); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to remove session: %v\n", err)
			return 1
		}
		fmt.Println("removed", fs.Arg(0))
		return 0

	default:
		fmt.Fprintf(os.Stderr, "Unknown session action: %s\n", action)
		return 1
	}
}
