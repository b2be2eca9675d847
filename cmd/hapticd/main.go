// Command hapticd runs a haptic control server on UDP, answering
// discovery probes, executing device commands, and pushing events to
// registered clients. A simulated actuator backs the executor so the
// daemon runs without hardware attached.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gohaptic/gohaptic/server"
	"github.com/gohaptic/gohaptic/web"
)

func main() {
	var (
		port           int
		discoveryPort  int
		webAddr        string
		enableMDNS     bool
		enableMCP      bool
		statusInterval time.Duration
		logLevel       string
	)

	rootCmd := &cobra.Command{
		Use:           "hapticd",
		Short:         "UDP control server for haptic actuators",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			setupLogging(logLevel)

			sim := NewSimDevice()
			srv := server.New(server.Options{
				Port:           port,
				DiscoveryPort:  discoveryPort,
				Executor:       sim,
				Source:         sim,
				StatusInterval: statusInterval,
				EnableMDNS:     enableMDNS,
			})
			if err := srv.Listen(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if webAddr != "" {
				handler := web.NewHandler(srv)
				webServer := &http.Server{Addr: webAddr, Handler: handler.Routes()}
				go func() {
					slog.Info("Web dashboard listening", "addr", webAddr)
					if err := webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						slog.Error("Web server failed", "error", err.Error())
					}
				}()
				defer webServer.Close()
			}

			if enableMCP {
				go func() {
					if err := server.NewMCPServer(srv).Start(); err != nil {
						slog.Error("MCP server failed", "error", err.Error())
					}
				}()
			}

			return srv.Serve(ctx)
		},
	}

	rootCmd.Flags().IntVar(&port, "port", 0, "Command channel port (default 9128)")
	rootCmd.Flags().IntVar(&discoveryPort, "discovery-port", 0, "Discovery probe port (default 9129)")
	rootCmd.Flags().StringVar(&webAddr, "web", ":8080", "Web dashboard listen address, empty to disable")
	rootCmd.Flags().BoolVar(&enableMDNS, "mdns", false, "Advertise the server over mDNS")
	rootCmd.Flags().BoolVar(&enableMCP, "mcp", false, "Expose server tools to MCP hosts on stdio")
	rootCmd.Flags().DurationVar(&statusInterval, "status-interval", 0, "Status broadcast period (default 10s)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(logger))
}
