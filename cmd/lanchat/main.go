package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"

	"github.com/spf13/cobra"

	"github.com/sumanthd032/lanchat/internal/config"
)

// cfg is filled before any init runs so that every command's flag defaults
// already reflect the environment.
var cfg, envErr = loadConfig()

func loadConfig() (config.Config, error) {
	c := config.Default()
	err := c.ApplyEnv(os.LookupEnv)
	if c.Username == "" {
		if u, err := user.Current(); err == nil {
			c.Username = u.Username
		}
	}
	return c, err
}

// This is the root command for our CLI tool.
// All other commands (host, join, discover, params) are attached to it.
var rootCmd = &cobra.Command{
	Use:   "lanchat",
	Short: "LanChat is an end-to-end encrypted chat between two peers.",
	Long: `LanChat connects two people directly, one hosting and one joining,
agrees on a fresh key with Diffie-Hellman and encrypts every message
with AES-256-GCM. Messages are never stored and no server is involved.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if envErr != nil {
			return envErr
		}
		return cfg.Resolve()
	},
	// Print help information if the user just runs 'lanchat'.
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

func init() {
	cfg.BindGlobalFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(hostCmd, joinCmd, discoverCmd, paramsCmd)
}

// The main function is the entry point of our application.
func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errQuietExit) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}
