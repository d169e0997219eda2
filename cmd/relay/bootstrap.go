package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/charlesng35/imrelay/internal/api"
	"github.com/charlesng35/imrelay/internal/app"
	"github.com/charlesng35/imrelay/internal/app/maintenance"
	"github.com/charlesng35/imrelay/internal/gateway"
	"github.com/charlesng35/imrelay/internal/history"
	"github.com/charlesng35/imrelay/internal/monitoring"
	"github.com/charlesng35/imrelay/internal/monitoring/checks"
	"github.com/charlesng35/imrelay/internal/realtime"
	"github.com/charlesng35/imrelay/internal/relay"
	"github.com/charlesng35/imrelay/internal/session"
)

const readHeaderTimeout = 10 * time.Second

// listenError marks a failure to bind one of the process listeners.
type listenError struct {
	addr string
	err  error
}

func (e *listenError) Error() string { return fmt.Sprintf("listen %s: %v", e.addr, e.err) }
func (e *listenError) Unwrap() error { return e.err }

// runtimeStack bundles the long-lived parts of the relay process.
type runtimeStack struct {
	Relay     *relay.Relay
	Gateway   *gateway.Gateway
	Hub       *realtime.Hub
	Health    *monitoring.HealthManager
	Scheduler *maintenance.Scheduler

	GUIListener  net.Listener
	HTTPListener net.Listener
	HTTP         *http.Server

	log *zap.Logger
}

func relayConfig(cfg *app.Config) (relay.Config, error) {
	udpServer, err := netip.ParseAddrPort(strings.TrimSpace(cfg.UDP.Server))
	if err != nil {
		return relay.Config{}, fmt.Errorf("udp.server: %w", err)
	}
	return relay.Config{
		BackendAddr: cfg.Backend.Address,
		UDPServer:   udpServer,
		UDPListenIP: cfg.UDP.ListenIP,
		DataDir:     cfg.Storage.DataDir,
		Session: session.Options{
			FrameBuffer: cfg.Relay.FrameBuffer,
			SendQueue:   cfg.Relay.SendQueue,
			DialTimeout: cfg.Backend.DialTimeout,
		},
		KeepaliveEvery:    cfg.Housekeeping.KeepaliveEvery,
		RetryEvery:        cfg.Housekeeping.RetryEvery,
		IdleWindow:        cfg.Housekeeping.IdleWindow,
		IdleThreshold:     cfg.Housekeeping.IdleThreshold,
		ReconnectInterval: cfg.Backend.ReconnectInterval,
		ReconnectBurst:    cfg.Backend.ReconnectBurst,
	}, nil
}

// bootstrapRuntime binds the listeners and wires the relay, gateway, HTTP
// router and housekeeping scheduler. Nothing runs until Run.
func bootstrapRuntime(cfg *app.Config, log *zap.Logger) (_ *runtimeStack, err error) {
	rcfg, err := relayConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	stack := &runtimeStack{log: log}
	defer func() {
		if err != nil {
			err = multierr.Append(err, stack.closeListeners())
		}
	}()

	stack.GUIListener, err = net.Listen("tcp", cfg.Relay.Listen)
	if err != nil {
		return nil, &listenError{addr: cfg.Relay.Listen, err: err}
	}

	stack.Hub = realtime.NewHub()
	stack.Gateway = gateway.New(stack.Hub, cfg.Gateway.RequestTimeout)
	stack.Relay = relay.New(rcfg, stack.Gateway, history.NewOpener())
	stack.Gateway.Bind(stack.Relay)

	stack.Health = monitoring.NewHealthManager(0)
	stack.Health.RegisterLiveness(monitoring.NewCheck("process", func(context.Context) monitoring.ProbeResult {
		return monitoring.ProbeResult{Status: monitoring.StatusUp}
	}))
	stack.Health.RegisterReadiness(checks.Relay(stack.Relay))
	stack.Health.RegisterReadiness(checks.Realtime(stack.Hub))
	stack.Health.RegisterReadiness(checks.DataDir(cfg.Storage.DataDir))

	stack.Scheduler = maintenance.NewScheduler()
	tick := maintenance.Every("housekeeping", cfg.Housekeeping.Tick, func(context.Context) error {
		stack.Relay.Tick()
		return nil
	})
	if err = stack.Scheduler.Register(tick); err != nil {
		return nil, err
	}

	if cfg.Gateway.Enabled {
		if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
			gin.SetMode(gin.ReleaseMode)
		}
		router, rerr := api.NewRouter(api.Deps{
			Relay:     stack.Relay,
			Requester: stack.Gateway,
			Hub:       stack.Hub,
			Health:    stack.Health,
			RateLimit: cfg.Gateway.RateLimit,
			RateBurst: cfg.Gateway.RateBurst,
		})
		if rerr != nil {
			return nil, fmt.Errorf("build api router: %w", rerr)
		}
		stack.HTTPListener, err = net.Listen("tcp", cfg.Gateway.Listen)
		if err != nil {
			return nil, &listenError{addr: cfg.Gateway.Listen, err: err}
		}
		stack.HTTP = &http.Server{Handler: router, ReadHeaderTimeout: readHeaderTimeout}
	}

	return stack, nil
}

// Run serves until ctx ends, the relay shuts down for idleness or a server
// fails. An idle shutdown is a clean exit.
func (s *runtimeStack) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	relayDone := make(chan error, 1)
	go func() { relayDone <- s.Relay.Run(ctx) }()

	select {
	case <-s.Relay.Running():
	case err := <-relayDone:
		return err
	}

	if err := s.Scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start housekeeping: %w", err)
	}

	serveErr := make(chan error, 2)
	go func() {
		if err := s.Relay.Serve(ctx, s.GUIListener); err != nil {
			serveErr <- fmt.Errorf("gui listener: %w", err)
		}
	}()
	if s.HTTP != nil {
		go func() {
			s.log.Info("gateway listening", zap.Stringer("addr", s.HTTPListener.Addr()))
			if err := s.HTTP.Serve(s.HTTPListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- fmt.Errorf("gateway: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		s.log.Info("shutdown signal received")
	case err := <-relayDone:
		relayDone <- err
		if errors.Is(err, relay.ErrIdleShutdown) {
			s.log.Info("no users for too long, shutting down")
		} else if err != nil {
			runErr = err
		}
	case err := <-serveErr:
		runErr = err
	}

	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	runErr = multierr.Append(runErr, s.Shutdown(shutdownCtx))

	select {
	case <-relayDone:
	case <-shutdownCtx.Done():
		runErr = multierr.Append(runErr, errors.New("relay did not stop in time"))
	}
	return runErr
}

// Shutdown stops the scheduler, the gateway server and the realtime hub.
func (s *runtimeStack) Shutdown(ctx context.Context) error {
	var errs error
	if s.Scheduler != nil {
		select {
		case <-s.Scheduler.Stop().Done():
		case <-ctx.Done():
			errs = multierr.Append(errs, errors.New("housekeeping jobs still running"))
		}
	}
	if s.HTTP != nil {
		if err := s.HTTP.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = multierr.Append(errs, fmt.Errorf("gateway shutdown: %w", err))
		}
	}
	if s.Hub != nil {
		s.Hub.Close()
	}
	return multierr.Append(errs, s.closeListeners())
}

func (s *runtimeStack) closeListeners() error {
	var errs error
	for _, ln := range []net.Listener{s.GUIListener, s.HTTPListener} {
		if ln == nil {
			continue
		}
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}
