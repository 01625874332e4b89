package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lagrum/internal/config"
	"lagrum/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP query server",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := buildPipeline(cfg)
		if err != nil {
			return err
		}
		defer p.Close()

		watcher, err := config.NewWatcher(configPath, cfg)
		if err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
			watcher = nil
		} else {
			defer watcher.Close()
			watcher.OnReload(func(next *config.Config) {
				p.applyConfig(next)
				logger.Info("reloaded settings applied", zap.String("version", next.Version))
			})
		}

		srvOpts := server.Options{
			Addr:           cfg.Server.Addr,
			Version:        Version,
			APIKey:         cfg.Server.APIKey,
			RequestTimeout: cfg.RequestTimeout(),
			Collections:    p.vectors,
		}
		if c, ok := p.embedder.(server.CacheStatter); ok {
			srvOpts.Cache = c
		}
		srv := server.New(p.orch, watcher, logger, srvOpts)

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case err := <-errCh:
			return err
		case sig := <-sigCh:
			logger.Info("signal received, draining", zap.String("signal", sig.String()))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}
