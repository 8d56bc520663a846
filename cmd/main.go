/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/storesync/replicator"
	"github.com/storesync/replicator/config"
	"github.com/storesync/replicator/database"
	"github.com/storesync/replicator/internal/notification"
)

// CLI wraps the root Cobra command.
type CLI struct {
	cmd *cobra.Command
}

// replicatorInstance holds the Replicator and the configuration shared by every command.
type replicatorInstance struct {
	replicator *replicator.Replicator
	cnf        *config.Configuration
}

// recoverPanic logs a panic and exits with an error status.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun loads the configuration and builds the Replicator before any command runs.
func preRun(app *replicatorInstance, configFile *string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig(*configFile)
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		r, err := setupReplicator(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.replicator = r
		app.cnf = cnf
		return nil
	}
}

// setupReplicator connects the datasource and wires a Replicator on top of it.
func setupReplicator(cfg *config.Configuration) (*replicator.Replicator, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	r, err := replicator.NewReplicator(db)
	if err != nil {
		return nil, fmt.Errorf("error creating replicator: %v", err)
	}
	return r, nil
}

// NewCLI builds the root command with the server, workers, migrate, export and config subcommands.
func NewCLI() *CLI {
	var configFile string
	app := &replicatorInstance{}

	var rootCmd = &cobra.Command{
		Use:   "replicator",
		Short: "Hybrid store replication engine",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./replicator.json", "Configuration file for the replicator")
	rootCmd.PersistentPreRunE = preRun(app, &configFile)

	rootCmd.AddCommand(serverCommands(app))
	rootCmd.AddCommand(workerCommands(app))
	rootCmd.AddCommand(migrateCommands(app))
	rootCmd.AddCommand(exportCommands(app))
	rootCmd.AddCommand(configCommands())

	return &CLI{cmd: rootCmd}
}

func (c CLI) executeCLI() {
	if err := c.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
