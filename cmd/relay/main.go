package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/internal/app"
	"github.com/charlesng35/imrelay/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

// Exit codes.
const (
	exitOK     = 0
	exitError  = 1
	exitListen = 3
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	os.Exit(exitCode(run(ctx, os.Args[1:])))
}

func exitCode(err error) int {
	var lerr *listenError
	switch {
	case err == nil, errors.Is(err, flag.ErrHelp):
		return exitOK
	case errors.As(err, &lerr):
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitListen
	default:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitError
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("imrelay", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	var configPath string
	fs.StringVar(&configPath, "config", "", "Path to the configuration directory or config.yaml")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadApplicationConfig(configPath)
	if err != nil {
		return err
	}
	if err := app.ConfigureLogging(cfg.Log); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	log := logger.WithModule("bootstrap")
	stack, err := bootstrapRuntime(cfg, log)
	if err != nil {
		log.Error("bootstrap failed", zap.Error(err))
		return err
	}
	log.Info("relay ready",
		zap.String("gui_listen", stack.GUIListener.Addr().String()),
		zap.String("backend", cfg.Backend.Address),
		zap.Bool("gateway", cfg.Gateway.Enabled),
	)

	if err := stack.Run(ctx); err != nil {
		return err
	}
	log.Info("relay stopped")
	return nil
}

func loadApplicationConfig(path string) (*app.Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return app.LoadConfig()
	}
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("config path %q does not exist", path)
	case err != nil:
		return nil, fmt.Errorf("stat config path: %w", err)
	case info.IsDir():
		return app.LoadConfig(path)
	default:
		return app.LoadConfig(filepath.Dir(path))
	}
}
