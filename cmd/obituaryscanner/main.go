package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"ObituaryScanner/internal/app"
	"ObituaryScanner/internal/config"
	"ObituaryScanner/internal/logging"
)

const usage = `usage: obituaryscanner <command>

commands:
  serve     run the scheduler and the admin API (default)
  collect   run one collection pass and exit
  rewrite   run one rewrite batch and exit
  audit     run one audit batch and exit
`

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "serve", "collect", "rewrite", "audit":
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer application.Close()

	var result any
	switch cmd {
	case "serve":
		err = application.Serve(ctx)
	case "collect":
		result, err = application.Collect(ctx)
	case "rewrite":
		result, err = application.Rewrite(ctx)
	case "audit":
		result, err = application.Audit(ctx)
	}

	if result != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	}
	if err != nil {
		logger.Error("command failed", "command", cmd, "error", err)
		application.Close()
		os.Exit(1)
	}
}
