/*
Copyright (c) Facebook, Inc. and its affiliates.

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

/*
Package cmd implements ntpclock command line interface.
Every subcommand registers itself on RootCmd in its own init.
*/
package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is the ntpclock command. Subcommands attach to it, so other binaries can embed it.
var RootCmd = &cobra.Command{
	Use:   "ntpclock",
	Short: "Network time estimated from multiple NTP servers",
	Long: "ntpclock polls several NTP servers, keeps only those it can trust and combines their offsets " +
		"into a single estimate of network time. It can run as a daemon, answer one-off queries " +
		"and serve synthetic NTP replies for testing.",
}

const (
	logFormatText = "text"
	logFormatJSON = "json"
)

var (
	verbose   bool
	logFormat string
)

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every exchange")
	RootCmd.PersistentFlags().StringVar(&logFormat, "log-format", logFormatText, fmt.Sprintf("log format, %q or %q", logFormatText, logFormatJSON))
}

// configureLogging sets logrus level and formatter
func configureLogging(debug bool, format string) error {
	switch format {
	case logFormatText:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	case logFormatJSON:
		log.SetFormatter(&log.JSONFormatter{})
	default:
		return fmt.Errorf("unknown log format %q", format)
	}
	log.SetLevel(log.InfoLevel)
	if debug {
		log.SetLevel(log.DebugLevel)
	}
	return nil
}

// ConfigureVerbosity applies logging flags. Subcommands call it first thing in Run.
func ConfigureVerbosity() {
	if err := configureLogging(verbose, logFormat); err != nil {
		log.Fatal(err)
	}
}

// Execute runs ntpclock and exits with 1 if the command fails
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
