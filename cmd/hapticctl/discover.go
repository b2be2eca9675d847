package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gohaptic/gohaptic/client"
)

func discoverCmd() *cobra.Command {
	var useMDNS bool

	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Locate a haptic server on the local network",
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				ann *client.Announce
				err error
			)
			if useMDNS {
				ann, err = client.DiscoverMDNS(timeout)
			} else {
				ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
				defer cancel()
				ann, err = client.Discover(ctx, client.DiscoveryConfig{})
			}
			if err != nil {
				return err
			}
			fmt.Printf("Server:      %s\n", ann.ServerID)
			fmt.Printf("Endpoint:    %s\n", ann.Endpoint)
			fmt.Printf("API version: %s\n", ann.APIVersion)
			return nil
		},
	}

	cmd.Flags().BoolVar(&useMDNS, "mdns", false, "Use mDNS instead of broadcast probes")

	return cmd
}
