package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/hypernote/service"
)

func newRenderCmd(flags *globalFlags) *cobra.Command {
	var (
		wait        time.Duration
		connectWait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "render <document.yaml>",
		Short: "Mount a document, wait for its queries and print it as text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load(os.Stderr)
			if err != nil {
				return err
			}

			engine, err := service.NewEngine(cfg,
				service.WithLogger(logger),
				service.WithoutGateway(),
				service.WithHealthInterval(0))
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			if err := engine.Start(ctx); err != nil {
				return err
			}
			defer func() { _ = engine.Stop(5 * time.Second) }()

			if err := waitForRelays(ctx, engine, connectWait); err != nil {
				return err
			}

			doc, err := mountFile(ctx, engine, args[0])
			if err != nil {
				return err
			}
			defer doc.Unmount()

			waitForRecords(ctx, engine, doc.Queries(), wait)
			_, err = fmt.Fprint(cmd.OutOrStdout(), doc.Render())
			return err
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for query records")
	cmd.Flags().DurationVar(&connectWait, "connect-wait", 10*time.Second, "how long to wait for a relay connection")
	return cmd
}

// waitForRecords returns once every query has a record or timeout elapses
func waitForRecords(ctx context.Context, engine *service.Engine, queries []string, timeout time.Duration) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		missing := 0
		for _, id := range queries {
			if _, ok := engine.Store().QueryResult(id); !ok {
				missing++
			}
		}
		if missing == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}
