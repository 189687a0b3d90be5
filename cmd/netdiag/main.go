// Package main provides the CLI entry point for netdiag.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/postalsys/netdiag/internal/sysinfo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "netdiag",
		Short: "netdiag - ICMP latency probing",
		Long: `netdiag sends ICMP echo requests over unprivileged datagram sockets
and correlates each reply with the probe that caused it.

Destinations must be IPv4 or IPv6 literals; names are not resolved.`,
		Version:      sysinfo.Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(pingCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			info := sysinfo.Collect()
			fmt.Fprintf(cmd.OutOrStdout(), "netdiag %s (%s, %s/%s)\n", info.Version, info.GoVersion, info.OS, info.Arch)
		},
	}
}
