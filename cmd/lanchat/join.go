package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sumanthd032/lanchat/internal/discovery"
	"github.com/sumanthd032/lanchat/pkg/util"
)

var joinCode string

// The join command connects to a waiting host.
var joinCmd = &cobra.Command{
	Use:   "join [address]",
	Short: "Join a peer who is hosting",
	Long: `Connects to a host by address, or finds it on the local network by the
invite code it printed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if (len(args) == 1) == (joinCode != "") {
			return errors.New("give either an address or --code, not both")
		}
		if joinCode != "" && !util.ValidCode(joinCode) {
			return fmt.Errorf("'%s' is not a valid invite code", joinCode)
		}

		a, err := newApp(cmd)
		if err != nil {
			return err
		}

		return a.run(cmd.Context(), func(ctx context.Context) error {
			address, port := "", cfg.Port
			if len(args) == 1 {
				address = args[0]
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "Looking for '%s' on the local network...\n", joinCode)
				host, err := discovery.Lookup(ctx, joinCode, cfg.DialTimeout)
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "Could not find host: %v\n", err)
					return err
				}
				address, port = host.IP.String(), host.Port
				fmt.Fprintf(cmd.OutOrStdout(), "Found %s at %s\n", host.Username, host.Addr())
			}
			return a.mgr.StartJoining(ctx, address, port)
		})
	},
}

func init() {
	joinCmd.Flags().StringVarP(&joinCode, "code", "c", "", "invite code printed by the host")
	cfg.BindSessionFlags(joinCmd.Flags())
	cfg.BindJoinFlags(joinCmd.Flags())
}
