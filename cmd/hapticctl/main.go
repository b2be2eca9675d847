// Command hapticctl is a terminal client for haptic control servers:
// discover them on the LAN, ping them, send device commands, and watch
// their event stream.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/gohaptic/gohaptic/client"
)

var (
	endpoint string
	timeout  time.Duration
	verbose  bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "hapticctl",
		Short:         "Control haptic actuator servers over UDP",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			lvl := slog.LevelWarn
			if verbose {
				lvl = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
		},
	}

	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "Server host:port, skips discovery")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Overall command timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(
		discoverCmd(),
		pingCmd(),
		sendCmd(),
		statusCmd(),
		watchCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

// connect brings up a client and blocks until the session is live. The
// returned cancel tears down the continuation pump.
func connect(ctx context.Context) (*client.Client, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(ctx)
	connected := make(chan struct{})
	c := client.NewClient(client.Options{
		Name:     "hapticctl",
		Endpoint: endpoint,
		OnConnect: func() {
			select {
			case <-connected:
			default:
				close(connected)
			}
		},
	})
	go c.Run(ctx)
	c.Connect()

	select {
	case <-connected:
		return c, cancel, nil
	case <-ctx.Done():
		c.Disconnect()
		cancel()
		return nil, nil, fmt.Errorf("no server reachable: %w", ctx.Err())
	}
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Println(v)
		return
	}
	fmt.Println(string(data))
}
