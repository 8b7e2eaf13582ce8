// meshbridged bridges a MeshCore companion-radio node to local automation
// hosts over REST and WebSocket.
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

	"github.com/meshcommons/meshbridge/internal/api"
	"github.com/meshcommons/meshbridge/internal/bus"
	"github.com/meshcommons/meshbridge/internal/config"
	"github.com/meshcommons/meshbridge/internal/session"
	"github.com/meshcommons/meshbridge/internal/state"
	"github.com/meshcommons/meshbridge/internal/store"
	"github.com/meshcommons/meshbridge/internal/transport"
)

var (
	cfgFile string
	debug   bool
)

func main() {
	root := &cobra.Command{
		Use:           "meshbridged",
		Short:         "Bridge daemon for MeshCore companion-radio nodes",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
	root.Flags().StringVarP(&cfgFile, "config", "c", "", "path to YAML configuration")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "meshbridged:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Default()
	if cfgFile != "" {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	log, err := newLogger(debug)
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.Migrate(db); err != nil {
		return err
	}

	st, err := state.New(db, state.Options{
		HistoryLimit: cfg.HistoryLimit,
		StaleAfter:   cfg.ContactStaleAfter,
		DedupWindow:  cfg.DedupWindow,
	})
	if err != nil {
		return err
	}
	events := bus.New()

	tr, err := newTransport(cfg, log)
	if err != nil {
		return err
	}
	sess := session.New(cfg, tr, st, events, log)

	router := api.NewRouter(st, sess, events, tr.State, log)
	httpSrv := &http.Server{
		Addr:              cfg.API.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("meshbridged: starting session",
			zap.String("transport", cfg.Transport))
		return sess.Run(ctx)
	})
	g.Go(func() error {
		log.Info("meshbridged: api listening", zap.String("addr", cfg.API.ListenAddr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info("meshbridged: stopped")
	return err
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newTransport(cfg *config.Config, log *zap.Logger) (transport.Transport, error) {
	backoff := transport.Backoff{
		Initial:     cfg.Reconnect.Initial,
		Max:         cfg.Reconnect.Max,
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}
	switch cfg.Transport {
	case config.TransportSerial:
		return transport.NewSerial(cfg.Serial.Path, cfg.Serial.Baud, backoff, log), nil
	case config.TransportBLE:
		return transport.NewBLE(cfg.BLE.Address, cfg.BLE.PIN, backoff, log), nil
	case config.TransportTCP:
		return transport.NewTCP(cfg.TCP.Host, cfg.TCP.Port, backoff, log), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
