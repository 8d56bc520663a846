package main

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/storesync/replicator/internal/backups"
)

// exportCommands archives critical-failure audit entries, locally or to S3.
func exportCommands(app *replicatorInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "export critical failure audit entries",
	}

	cmd.AddCommand(exportCommand(app, "drive", false))
	cmd.AddCommand(exportCommand(app, "s3", true))

	return cmd
}

func exportCommand(app *replicatorInstance, use string, toS3 bool) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use: use,
		Run: func(cmd *cobra.Command, args []string) {
			dir := app.cnf.Backup.Dir
			if dir == "" {
				dir = "backups"
			}
			exporter := &backups.AuditExporter{
				Source: app.replicator.DataSource(),
				Dir:    dir,
			}
			if toS3 {
				uploader, err := backups.NewS3Uploader(app.cnf.Backup)
				if err != nil {
					logrus.Error(err)
					return
				}
				exporter.Uploader = uploader
			}

			result, err := exporter.Export(context.Background(), time.Now().AddDate(0, 0, -days))
			if err != nil {
				logrus.Error(err)
				return
			}
			logrus.WithFields(logrus.Fields{
				"entries": result.Entries,
				"archive": result.Archive,
				"key":     result.Key,
			}).Info("audit export finished")
		},
	}
	cmd.Flags().IntVar(&days, "days", 1, "how many days of entries to export")

	return cmd
}
