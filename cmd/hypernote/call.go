package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/hypernote/call"
	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/service"
)

func newCallCmd(flags *globalFlags) *cobra.Command {
	var (
		target      string
		wait        time.Duration
		connectWait time.Duration
	)

	cmd := &cobra.Command{
		Use:   "call <function> [args-json]",
		Short: "Publish a function call and wait for its result",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := flags.load(os.Stderr)
			if err != nil {
				return err
			}

			var params json.RawMessage
			if len(args) == 2 {
				params = json.RawMessage(args[1])
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

			pc, err := engine.Correlator().Call(ctx, args[0], params, target)
			if err != nil {
				return err
			}

			waitCtx, cancel := context.WithTimeout(ctx, wait)
			defer cancel()
			_, waitErr := pc.Wait(waitCtx)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(pc.Snapshot()); err != nil {
				return err
			}
			if pc.State() != call.StateResolved {
				if waitErr == nil {
					waitErr = fmt.Errorf("call ended %s", pc.State())
				}
				return waitErr
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "query id whose feed receives the result")
	cmd.Flags().DurationVar(&wait, "wait", time.Minute, "how long to wait for the result")
	cmd.Flags().DurationVar(&connectWait, "connect-wait", 10*time.Second, "how long to wait for a relay connection")
	return cmd
}

// waitForRelays blocks until at least one relay is connected
func waitForRelays(ctx context.Context, engine *service.Engine, timeout time.Duration) error {
	pool := engine.Pool()
	if pool == nil {
		return nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for pool.Connected() == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return errors.WrapTransient(errors.ErrRelayUnreachable, "cli", "waitForRelays",
				fmt.Sprintf("connect within %s", timeout))
		case <-ticker.C:
		}
	}
	return nil
}
