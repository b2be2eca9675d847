package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gohaptic/gohaptic/proto"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the server status snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, stop, err := connect(ctx)
			if err != nil {
				return err
			}
			defer stop()
			defer c.Disconnect()

			done := make(chan proto.Result, 1)
			c.Send("get_status", nil, func(res proto.Result) {
				done <- res
			})

			select {
			case res := <-done:
				if !res.Success {
					return fmt.Errorf("get_status failed: %s", res.Error)
				}
				var v any
				if err := json.Unmarshal(res.Data, &v); err != nil {
					return fmt.Errorf("unreadable status payload: %w", err)
				}
				printJSON(v)
				return nil
			case <-ctx.Done():
				return fmt.Errorf("no reply: %w", ctx.Err())
			}
		},
	}
}
