package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sumanthd032/lanchat/internal/discovery"
)

var discoverTimeout time.Duration

// The discover command lists hosts advertised on the local network.
var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "List hosts waiting on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), discoverTimeout)
		defer cancel()

		hosts, err := discovery.Browse(ctx)
		if err != nil {
			return err
		}
		if len(hosts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No hosts found.")
			return nil
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "CODE\tUSER\tADDRESS")
		for _, h := range hosts {
			fmt.Fprintf(w, "%s\t%s\t%s\n", h.Code, h.Username, h.Addr())
		}
		return w.Flush()
	},
}

func init() {
	discoverCmd.Flags().DurationVarP(&discoverTimeout, "timeout", "t", discovery.DefaultTimeout, "how long to listen for hosts")
}
