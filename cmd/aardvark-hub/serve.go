package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codefionn/aardvark-hub/internal/hub"
	"github.com/codefionn/aardvark-hub/internal/logger"
	"github.com/codefionn/aardvark-hub/internal/manifest"
	"github.com/codefionn/aardvark-hub/internal/persistence"
	"github.com/codefionn/aardvark-hub/internal/pidfile"
	"github.com/spf13/cobra"
)

var (
	serveAddr  string
	servePprof bool
)

// serveCmd runs the hub
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub",
	Long:  "Accept websocket connections from gadgets, renderers and monitors and route messages between them.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		defer closeLogger()
		if serveAddr != "" {
			cfg.ListenAddr = serveAddr
		}

		pid := pidfile.New(cfg.PidFile)
		if err := pid.Acquire(); err != nil {
			return err
		}
		defer func() {
			if err := pid.Release(); err != nil {
				logger.Warn("%v", err)
			}
		}()

		store, err := persistence.OpenSQLite(cfg.DatabasePath)
		if err != nil {
			return err
		}
		defer store.Close()
		logger.Info("gadget store at %s", store.Path())

		fetcher := manifest.NewFetcher(manifest.Options{
			InstallDir: cfg.InstallDir,
			Timeout:    cfg.ManifestTimeout(),
			CacheFiles: cfg.CacheManifests,
			Logger:     logger.Global().WithPrefix("manifest"),
		})
		defer fetcher.Close()

		d := hub.NewDispatcher(hub.Options{
			Store:           store,
			Manifests:       fetcher,
			FirstEndpointID: cfg.FirstEndpointID,
			Logger:          logger.Global().WithPrefix("hub"),
		})
		defer d.Close()

		server := hub.NewServer(d, hub.ServerOptions{
			Addr:            cfg.ListenAddr,
			MaxMessageBytes: cfg.MaxMessageBytes,
			Profiling:       cfg.Profiling || servePprof,
			Logger:          logger.Global().WithPrefix("server"),
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- server.ListenAndServe() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return <-errCh
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides config and PORT)")
	serveCmd.Flags().BoolVar(&servePprof, "pprof", false, "Serve runtime profiles under /debug/pprof/")
}
