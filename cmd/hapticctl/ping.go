package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/gohaptic/gohaptic/proto"
)

func pingCmd() *cobra.Command {
	var message string

	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Check that a server answers commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, stop, err := connect(ctx)
			if err != nil {
				return err
			}
			defer stop()
			defer c.Disconnect()

			start := time.Now()
			done := make(chan proto.Result, 1)
			c.Send("ping", map[string]any{"message": message}, func(res proto.Result) {
				done <- res
			})

			select {
			case res := <-done:
				if !res.Success {
					return fmt.Errorf("ping failed: %s", res.Error)
				}
				fmt.Printf("Reply from %s in %s\n", c.Endpoint(), time.Since(start).Round(time.Millisecond))
				return nil
			case <-ctx.Done():
				return fmt.Errorf("no reply: %w", ctx.Err())
			}
		},
	}

	cmd.Flags().StringVar(&message, "message", "hello", "Echo payload to include")

	return cmd
}
