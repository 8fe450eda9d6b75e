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
	"fmt"
	"os"
	"time"

	"github.com/facebook/netclock/ntp/client"
	srvstats "github.com/facebook/netclock/ntp/stats"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	sourcesAddressFlag  string
	sourcesPortFlag     int
	sourcesNoDNSFlag    bool
	sourcesCountersFlag bool
)

func init() {
	RootCmd.AddCommand(sourcesCmd)
	sourcesCmd.Flags().StringVarP(&sourcesAddressFlag, "address", "a", "localhost", "address of the running ntpclock")
	sourcesCmd.Flags().IntVarP(&sourcesPortFlag, "monitoringport", "p", client.DefaultConfig().MonitoringPort, "monitoring port of the running ntpclock")
	sourcesCmd.Flags().BoolVarP(&sourcesNoDNSFlag, "no-resolving", "n", false, "disable resolving of IP addresses to hostnames")
	sourcesCmd.Flags().BoolVarP(&sourcesCountersFlag, "counters", "c", false, "also print clock and server counters")
}

func sourcesRun(address string, port int, noDNS, counters bool) error {
	url := monitoringURL(address, port)
	st, err := srvstats.FetchStats(url)
	if err != nil {
		return fmt.Errorf("fetching data: %w", err)
	}
	if err := printSources(os.Stdout, st, noDNS, time.Now()); err != nil {
		return err
	}
	if !counters {
		return nil
	}
	c, err := srvstats.FetchCounters(url)
	if err != nil {
		return fmt.Errorf("fetching counters: %w", err)
	}
	fmt.Println()
	if err := printCounters(os.Stdout, c.ClockStats()); err != nil {
		return err
	}
	fmt.Println()
	return printCounters(os.Stdout, c.ServerStats())
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Print servers of running ntpclock",
	Long:  "Print servers of running ntpclock. Like `chronyc sources`, but for ntpclock.",
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()

		if err := sourcesRun(sourcesAddressFlag, sourcesPortFlag, sourcesNoDNSFlag, sourcesCountersFlag); err != nil {
			log.Fatal(err)
		}
	},
}
