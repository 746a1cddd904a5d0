package main

import (
	"github.com/spf13/cobra"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func rootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:   "librarian",
		Short: "Catalog and move observatory data between stores and sites",
		Long: `The librarian tracks immutable data files across storage hosts, answers
JSON-clause searches over its catalog, and ships files to peer librarians
driven by standing orders.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "librarian.yaml",
		"path to the server configuration file")

	cmd.AddCommand(
		serveCmd(&cfgPath),
		checkConfigCmd(&cfgPath),
		assignSessionsCmd(&cfgPath),
	)
	return cmd
}
