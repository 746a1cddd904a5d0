package main

import (
	"github.com/spf13/cobra"

	"github.com/hera-team/librarian/internal/catalog"
	"github.com/hera-team/librarian/internal/config"
	"github.com/hera-team/librarian/internal/logging"
)

func assignSessionsCmd(cfgPath *string) *cobra.Command {
	var minJD, maxJD float64

	cmd := &cobra.Command{
		Use:   "assign-sessions",
		Short: "Group unassigned observations into observing sessions",
		Long: `Clusters observations that have no session into new observing sessions by
start-time gaps. Run this after a night's data is fully ingested, never
while observing is in progress.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			logger := logging.New(logging.ParseLevel(cfg.LogLevel), cfg.LogFile)

			cat, err := catalog.Open(cmd.Context(), cfg.DatabasePath, logger)
			if err != nil {
				return err
			}
			defer cat.Close()

			var minPtr, maxPtr *float64
			if cmd.Flags().Changed("min-jd") {
				minPtr = &minJD
			}
			if cmd.Flags().Changed("max-jd") {
				maxPtr = &maxJD
			}

			created, err := cat.AssignObservingSessions(cmd.Context(), minPtr, maxPtr)
			if err != nil {
				return err
			}
			if len(created) == 0 {
				cmd.Println("no new sessions")
				return nil
			}
			for _, s := range created {
				cmd.Printf("session %d: JD %.5f to %.5f (%d observations)\n",
					s.ID, s.StartTimeJD, s.StopTimeJD, s.NumObs)
			}
			return nil
		},
	}
	cmd.Flags().Float64Var(&minJD, "min-jd", 0,
		"only consider observations starting at or after this Julian Date")
	cmd.Flags().Float64Var(&maxJD, "max-jd", 0,
		"only consider observations starting at or before this Julian Date")
	return cmd
}
