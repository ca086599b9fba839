package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sumanthd032/lanchat/internal/chat"
	"github.com/sumanthd032/lanchat/internal/connmgr"
	"github.com/sumanthd032/lanchat/internal/events"
	"github.com/sumanthd032/lanchat/internal/logging"
	"github.com/sumanthd032/lanchat/internal/metrics"
	"github.com/sumanthd032/lanchat/internal/nat"
	"github.com/sumanthd032/lanchat/internal/params"
	"github.com/sumanthd032/lanchat/internal/session"
)

// errQuietExit signals a failure that has already been shown to the user.
var errQuietExit = errors.New("exit")

// app is one chat run: the manager, its session and the terminal.
type app struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	bus     *events.Bus
	mgr     *connmgr.Manager
	term    *chat.Terminal
}

func newLogger() (*zap.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.Debug)
}

func newApp(cmd *cobra.Command) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := newLogger()
	if err != nil {
		return nil, err
	}

	dh, err := params.NewStore(cfg.ParamsFile, params.Bundled, log).LoadOrGenerate()
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	bus := events.NewBus(64)
	sess, err := session.New(session.Config{
		Params:      dh,
		Logger:      log,
		Events:      bus,
		Metrics:     m,
		SafetyWords: cfg.SafetyWords,
	})
	if err != nil {
		return nil, err
	}

	mcfg := connmgr.Config{
		Username:         cfg.Username,
		ListenHost:       cfg.ListenHost,
		DialTimeout:      cfg.DialTimeout,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Logger:           log,
		Events:           bus,
		Metrics:          m,
	}
	if cfg.NAT {
		mcfg.NAT = nat.NewDiscoverer(cfg.NATTimeout, log)
	}
	if cfg.MDNS {
		mcfg.Publish = connmgr.PublishMDNS(log)
	}
	mgr := connmgr.New(mcfg, sess)

	return &app{
		log:     log,
		metrics: m,
		bus:     bus,
		mgr:     mgr,
		term:    chat.NewTerminal(cmd.InOrStdin(), cmd.OutOrStdout(), mgr, log),
	}, nil
}

// run starts the attempt and then drives the terminal and the event bus
// until the user quits or a signal arrives.
func (a *app) run(ctx context.Context, start func(context.Context) error) error {
	defer a.log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.bus.Run(ctx, a.term.HandleEvent); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: a.metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			a.log.Info("serving metrics", zap.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	startErr := start(ctx)
	if startErr == nil {
		g.Go(func() error {
			defer cancel()
			err := a.term.Run(ctx)
			if errors.Is(err, chat.ErrQuit) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	if startErr != nil {
		// Let the bus print the failure before leaving.
		a.bus.Close()
		cancel()
	}
	err := g.Wait()
	if closeErr := a.mgr.Close(); closeErr != nil {
		a.log.Debug("close", zap.Error(closeErr))
	}
	a.bus.Close()

	if startErr != nil {
		return fmt.Errorf("%w: %v", errQuietExit, startErr)
	}
	return err
}
