package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sumanthd032/lanchat/internal/params"
	"github.com/sumanthd032/lanchat/pkg/crypto"
	"github.com/sumanthd032/lanchat/pkg/util"
)

var generateBits int

var paramsCmd = &cobra.Command{
	Use:   "params",
	Short: "Inspect or replace the Diffie-Hellman parameters",
	Long: `Both peers must use the same parameters. By default every installation
uses the 2048-bit MODP group from RFC 3526, so nothing needs to be shared.`,
}

var paramsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the parameters in use",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger()
		if err != nil {
			return err
		}
		store := params.NewStore(cfg.ParamsFile, params.Bundled, log)
		dh, err := store.LoadOrGenerate()
		if err != nil {
			return err
		}

		source := "custom"
		if dh.Equal(crypto.DefaultParameters()) {
			source = "RFC 3526 group 14"
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "File:        %s\n", store.Path())
		fmt.Fprintf(out, "Group:       %s\n", source)
		fmt.Fprintf(out, "Prime:       %d bits\n", dh.P.BitLen())
		fmt.Fprintf(out, "Generator:   %s\n", dh.G)
		fmt.Fprintf(out, "Fingerprint: %s\n", dh.Fingerprint())
		return nil
	},
}

var paramsGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate new parameters and replace the stored ones",
	Long: `Searches for a fresh safe prime. This can take minutes. Your peer must
install the same file, otherwise the key exchange reports a parameter
mismatch.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if generateBits < crypto.MinPrimeBits {
			return fmt.Errorf("--bits must be at least %d", crypto.MinPrimeBits)
		}
		log, err := newLogger()
		if err != nil {
			return err
		}

		bar := util.NewSpinner(cmd.ErrOrStderr(), fmt.Sprintf("Searching for a %d-bit safe prime", generateBits))
		dh, err := crypto.GenerateParameters(cmd.Context(), nil, generateBits, func() {
			_ = bar.Add(1)
		})
		_ = bar.Finish()
		if err != nil {
			return err
		}

		store := params.NewStore(cfg.ParamsFile, nil, log)
		if err := store.Save(dh); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nSaved %d-bit parameters to %s (fingerprint %s)\n", dh.P.BitLen(), store.Path(), dh.Fingerprint())
		return nil
	},
}

func init() {
	paramsGenerateCmd.Flags().IntVar(&generateBits, "bits", crypto.MinPrimeBits, "size of the prime in bits")
	paramsCmd.AddCommand(paramsShowCmd, paramsGenerateCmd)
}
