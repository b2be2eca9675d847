package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gohaptic/gohaptic/client"
	"github.com/gohaptic/gohaptic/proto"
)

func watchCmd() *cobra.Command {
	var withStatus bool

	cmd := &cobra.Command{
		Use:   "watch [event-type...]",
		Short: "Stream server events until interrupted",
		Long: `Subscribe to the given event types and print each event as it
arrives. With no arguments, watches pattern_complete and pattern_error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			types := args
			if len(types) == 0 {
				types = []string{"pattern_complete", "pattern_error"}
			}

			ctx, stopSignals := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stopSignals()

			connectCtx, cancel := context.WithTimeout(ctx, timeout)
			c, stop, err := connectWatcher(connectCtx, ctx, types, withStatus)
			cancel()
			if err != nil {
				return err
			}
			defer stop()
			defer c.Disconnect()

			fmt.Printf("Watching %v on %s, Ctrl-C to stop\n", types, c.Endpoint())
			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVar(&withStatus, "status", false, "Also print periodic status updates")

	return cmd
}

func connectWatcher(connectCtx, runCtx context.Context, types []string, withStatus bool) (*client.Client, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(runCtx)
	connected := make(chan struct{})
	opts := client.Options{
		Name:     "hapticctl",
		Endpoint: endpoint,
		OnConnect: func() {
			select {
			case <-connected:
			default:
				close(connected)
			}
		},
		OnDisconnect: func() {
			fmt.Println("Disconnected, retrying...")
		},
	}
	if withStatus {
		opts.OnStatus = func(s proto.StatusSnapshot) {
			fmt.Printf("[%s] status: clients=%d uptime=%.0fs\n",
				time.Now().Format("15:04:05"), s.ConnectedClients, s.UptimeSeconds)
		}
	}
	c := client.NewClient(opts)
	for _, t := range types {
		eventType := t
		c.Subscribe(eventType, func(data json.RawMessage) {
			fmt.Printf("[%s] %s: %s\n", time.Now().Format("15:04:05"), eventType, string(data))
		})
	}
	go c.Run(ctx)
	c.Connect()

	select {
	case <-connected:
		return c, cancel, nil
	case <-connectCtx.Done():
		c.Disconnect()
		cancel()
		return nil, nil, fmt.Errorf("no server reachable: %w", connectCtx.Err())
	}
}
