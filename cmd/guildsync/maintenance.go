package main

import (
	"fmt"
	"guildsync/internal/export"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:     "migrate",
	Short:   "Upgrade every stored configuration to the current schema version",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := application.Service.MigrateAll(cmd.Context())
		if err != nil {
			return err
		}
		failed := map[string]string{}
		for k, e := range report.Failed {
			failed[string(k)] = e.Error()
		}
		if err := printJSON(map[string]any{
			"scanned":  report.Scanned,
			"migrated": report.Migrated,
			"failed":   failed,
		}); err != nil {
			return err
		}
		if len(failed) > 0 {
			return fmt.Errorf("%d document(s) could not be migrated", len(failed))
		}
		return nil
	},
}

var exportCmd = &cobra.Command{
	Use:     "export",
	Short:   "Write a snapshot of every configuration to the export destinations",
	GroupID: "system",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dests, err := export.DestinationsFromEnv(cmd.Context())
		if err != nil {
			return err
		}
		if len(dests) == 0 {
			return fmt.Errorf("no export destination configured (%s)", export.ExportDestinationsKey)
		}
		snap, err := export.NewScheduler(application.Service, dests, 0).Once(cmd.Context())
		if snap != nil {
			log.WithField("name", snap.Name).Info("snapshot written")
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd, exportCmd)
}
