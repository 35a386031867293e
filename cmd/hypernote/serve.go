package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/hypernote/document"
	"github.com/c360/hypernote/service"
)

func newServeCmd(flags *globalFlags) *cobra.Command {
	var (
		docPath         string
		shutdownTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine with the HTTP gateway until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := flags.load(os.Stdout)
			if err != nil {
				return err
			}

			engine, err := service.NewEngine(cfg, service.WithLogger(logger))
			if err != nil {
				return err
			}

			logger.Info("Starting hypernote",
				"version", Version,
				"build_time", BuildTime,
				"relays", cfg.Relays,
				"http_addr", cfg.HTTP.Addr)
			return runWithSignalHandling(cmd.Context(), engine, docPath, shutdownTimeout, logger)
		},
	}
	cmd.Flags().StringVar(&docPath, "doc", "", "document to mount at startup")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	return cmd
}

func runWithSignalHandling(ctx context.Context, engine *service.Engine, docPath string,
	shutdownTimeout time.Duration, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	if err := engine.Start(signalCtx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	if docPath != "" {
		doc, err := mountFile(signalCtx, engine, docPath)
		if err != nil {
			_ = engine.Stop(shutdownTimeout)
			return err
		}
		defer doc.Unmount()
	}

	logger.Info("hypernote started", "pubkey", engine.Signer().PublicKey())
	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	if err := engine.Stop(shutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("hypernote shutdown complete")
	return nil
}

func mountFile(ctx context.Context, engine *service.Engine, path string) (*document.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	nodes, err := document.Parse(data)
	if err != nil {
		return nil, err
	}
	return engine.Binder().Mount(ctx, nodes)
}
