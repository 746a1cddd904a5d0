package main

import (
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hera-team/librarian/internal/config"
)

func checkConfigCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}

			sources := make([]string, 0, len(cfg.Sources))
			for name := range cfg.Sources {
				sources = append(sources, name)
			}
			sort.Strings(sources)
			connections := make([]string, 0, len(cfg.Connections))
			for name := range cfg.Connections {
				connections = append(connections, name)
			}
			sort.Strings(connections)
			addStores := make(map[string]any, len(cfg.AddStores))
			for name, sc := range cfg.AddStores {
				addStores[name] = map[string]any{
					"path_prefix": sc.PathPrefix,
					"ssh_host":    sc.SSHHost,
				}
			}

			// Secrets and authenticators stay out of the output.
			view := map[string]any{
				"host":                 cfg.Host,
				"port":                 cfg.Port,
				"database_path":        cfg.DatabasePath,
				"n_worker_threads":     cfg.NWorkerThreads,
				"obsid_inference_mode": cfg.ObsidInferenceMode,
				"standing_order_mode":  cfg.StandingOrderMode,
				"permissions_mode":     cfg.PermissionsMode,
				"report_to_mandc":      cfg.ReportToMandC,
				"log_level":            cfg.LogLevel,
				"sources":              sources,
				"connections":          connections,
				"add-stores":           addStores,
				"local_disk_staging":   cfg.LocalDiskStaging != nil,
			}
			out, err := yaml.Marshal(view)
			if err != nil {
				return err
			}
			cmd.Printf("configuration OK: %s\n---\n%s", cfg.Path(), out)
			return nil
		},
	}
}
