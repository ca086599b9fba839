package main

import (
	"context"

	"github.com/spf13/cobra"
)

// The host command waits for one peer to join.
var hostCmd = &cobra.Command{
	Use:   "host",
	Short: "Wait for a peer to join an encrypted chat",
	Long: `Listens on the given port and accepts exactly one peer. When --mdns is on,
an invite code is printed that the peer can use with 'lanchat join --code'.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		return a.run(cmd.Context(), func(ctx context.Context) error {
			return a.mgr.StartHosting(ctx, cfg.Port)
		})
	},
}

func init() {
	cfg.BindSessionFlags(hostCmd.Flags())
	cfg.BindHostFlags(hostCmd.Flags())
}
