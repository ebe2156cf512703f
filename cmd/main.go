/*
Copyright 2025 Formpay Authors.

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
	"github.com/take2eu/formpay"
	"github.com/take2eu/formpay/config"
	"github.com/take2eu/formpay/database"
	"github.com/take2eu/formpay/internal/notification"
)

// Formpay represents the CLI application, encapsulating the root Cobra command.
type Formpay struct {
	cmd *cobra.Command
}

// formpayInstance holds the runtime Formpay instance and its configuration,
// shared by every subcommand through the persistent pre-run hook.
type formpayInstance struct {
	formpay *formpay.Formpay
	cnf     *config.Configuration
}

// recoverPanic handles any panics during program execution and logs the error using Logrus.
func recoverPanic() {
	if rec := recover(); rec != nil {
		logrus.Error(rec)
		os.Exit(1)
	}
}

// preRun sets up the configuration and initializes the Formpay instance
// before running any command.
func preRun(app *formpayInstance) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		err := config.InitConfig("formpay.json")
		if err != nil {
			log.Fatal("error loading config", err)
		}

		cnf, err := config.Fetch()
		if err != nil {
			return err
		}

		newFormpay, err := setupFormpay(cnf)
		if err != nil {
			notification.NotifyError(err)
			log.Fatal(err)
		}

		app.formpay = newFormpay
		app.cnf = cnf

		return nil
	}
}

// setupFormpay creates and initializes a new Formpay instance based on the
// provided configuration.
func setupFormpay(cfg *config.Configuration) (*formpay.Formpay, error) {
	db, err := database.NewDataSource(cfg)
	if err != nil {
		return nil, fmt.Errorf("error getting datasource: %v", err)
	}

	newFormpay, err := formpay.NewFormpay(db)
	if err != nil {
		return nil, fmt.Errorf("error creating formpay: %v", err)
	}
	return newFormpay, nil
}

// NewCLI creates the command-line interface for the Formpay application.
func NewCLI() *Formpay {
	var configFile string
	f := &formpayInstance{}

	var rootCmd = &cobra.Command{
		Use:   "formpay",
		Short: "Paid form fulfillment service",
		Run:   func(cmd *cobra.Command, args []string) {},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "./formpay.json", "Configuration file for formpay")

	rootCmd.PersistentPreRunE = preRun(f)

	rootCmd.AddCommand(serverCommands(f))
	rootCmd.AddCommand(workerCommands(f))
	rootCmd.AddCommand(migrateCommands(f))

	return &Formpay{cmd: rootCmd}
}

// executeCLI runs the root command, handling any errors that occur during execution.
func (w Formpay) executeCLI() {
	if err := w.cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func main() {
	defer recoverPanic()

	cli := NewCLI()
	cli.executeCLI()
}
