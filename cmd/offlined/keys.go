package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imjasonh/offlinefirst/keys"
)

func init() {
	keysGenerateCmd.Flags().StringP("out", "o", "vapid-private.pem", "path of the PEM file to write")
	keysCmd.AddCommand(keysGenerateCmd)
	rootCmd.AddCommand(keysCmd)
}

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage VAPID keys",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a VAPID key pair",
	Long:  "Generate a P-256 VAPID private key as PEM and print the application server key clients subscribe with.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")

		signer, err := keys.GenerateKey(out)
		if err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Private key written to %s\n", out)
		fmt.Fprintf(cmd.OutOrStdout(), "Public key: %s\n", signer.PublicKeyBase64())
		return nil
	},
}
