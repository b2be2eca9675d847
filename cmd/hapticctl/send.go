package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gohaptic/gohaptic/proto"
)

func sendCmd() *cobra.Command {
	var paramsJSON string

	cmd := &cobra.Command{
		Use:   "send <command>",
		Short: "Send a device command and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params json.RawMessage
			if paramsJSON != "" {
				if !json.Valid([]byte(paramsJSON)) {
					return fmt.Errorf("--params is not valid JSON")
				}
				params = json.RawMessage(paramsJSON)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, stop, err := connect(ctx)
			if err != nil {
				return err
			}
			defer stop()
			defer c.Disconnect()

			done := make(chan proto.Result, 1)
			c.Send(args[0], params, func(res proto.Result) {
				done <- res
			})

			select {
			case res := <-done:
				if !res.Success {
					return fmt.Errorf("%s failed: %s", args[0], res.Error)
				}
				if len(res.Data) > 0 {
					var v any
					if err := json.Unmarshal(res.Data, &v); err == nil {
						printJSON(v)
						return nil
					}
					fmt.Println(string(res.Data))
				}
				return nil
			case <-ctx.Done():
				return fmt.Errorf("no reply: %w", ctx.Err())
			}
		},
	}

	cmd.Flags().StringVar(&paramsJSON, "params", "", "Command parameters as a JSON object")

	return cmd
}
