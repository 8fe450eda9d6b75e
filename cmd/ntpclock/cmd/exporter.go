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

package cmd

import (
	"time"

	"github.com/facebook/netclock/ntp/client"
	"github.com/facebook/netclock/ntp/stats"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	exporterListenPortFlag int
	exporterSourcePortFlag int
	exporterIntervalFlag   time.Duration
)

func init() {
	RootCmd.AddCommand(exporterCmd)
	exporterCmd.Flags().IntVarP(&exporterListenPortFlag, "port", "p", 9108, "port to expose Prometheus metrics on")
	exporterCmd.Flags().IntVarP(&exporterSourcePortFlag, "monitoringport", "m", client.DefaultConfig().MonitoringPort, "monitoring port of the running ntpclock")
	exporterCmd.Flags().DurationVarP(&exporterIntervalFlag, "interval", "i", 10*time.Second, "how often to scrape ntpclock")
}

var exporterCmd = &cobra.Command{
	Use:   "exporter",
	Short: "Export ntpclock counters to Prometheus",
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()

		ctx, cancel := signalContext()
		defer cancel()
		e := stats.NewPrometheusExporter(exporterListenPortFlag, exporterSourcePortFlag, exporterIntervalFlag)
		if err := e.Start(ctx); err != nil {
			log.Fatal(err)
		}
	},
}
