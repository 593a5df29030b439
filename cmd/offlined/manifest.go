package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/imjasonh/offlinefirst/config"
)

func init() {
	manifestCmd.AddCommand(manifestCheckCmd)
	rootCmd.AddCommand(manifestCmd)
}

var manifestCmd = &cobra.Command{
	Use:   "manifest",
	Short: "Inspect cache manifests",
}

var manifestCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a manifest and print its namespaces",
	Long:  "Validate a TOML cache manifest and print the namespaces it creates. Without a file the built-in manifest is checked.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := ""
		if len(args) == 1 {
			path = args[0]
		}

		m, err := config.LoadManifest(path)
		if err != nil {
			return err
		}
		if err := m.Validate(); err != nil {
			return fmt.Errorf("invalid manifest: %w", err)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "version %d\n", m.Version)
		for _, ns := range m.Namespaces().All() {
			fmt.Fprintf(w, "namespace %s\n", ns)
		}
		fmt.Fprintf(w, "%d static assets, offline page %s, API timeout %s\n", len(m.StaticAssets), m.OfflinePage, m.APITimeout.Duration)
		return nil
	},
}
