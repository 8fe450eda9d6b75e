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
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/facebook/netclock/ntp/client"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	runConfigFlag         string
	runHostsFlag          string
	runMonitoringPortFlag int
	runIntervalFlag       time.Duration
	runDSCPFlag           int
	runPprofFlag          string
)

func init() {
	defaults := client.DefaultConfig()
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runConfigFlag, "config", "", "path to the config")
	runCmd.Flags().StringVar(&runHostsFlag, "hosts", "", "path to the hosts file")
	runCmd.Flags().IntVar(&runMonitoringPortFlag, "monitoringport", defaults.MonitoringPort, "port to start monitoring http server on")
	runCmd.Flags().DurationVar(&runIntervalFlag, "interval", defaults.PollInterval, "how often to query each server")
	runCmd.Flags().IntVar(&runDSCPFlag, "dscp", defaults.DSCP, "DSCP for NTP packets, valid values are between 0-63")
	runCmd.Flags().StringVar(&runPprofFlag, "pprof", "", "address to have the profiler listen on, disabled if empty")
}

func runRun(cfg *client.Config) error {
	hosts, err := cfg.Hosts()
	if err != nil {
		return err
	}
	stats := client.NewJSONStats()
	c, err := client.NewClock(cfg, hosts, client.WithStatsServer(stats))
	if err != nil {
		return fmt.Errorf("creating clock: %w", err)
	}
	client.SetShared(c)

	ctx, cancel := signalContext()
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return stats.Start(ctx, cfg.MonitoringPort, cfg.MetricsAggregationWindow)
	})
	eg.Go(func() error {
		return c.Run(ctx)
	})

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warningf("failed to notify systemd: %v", err)
	} else if ok {
		log.Info("notified systemd we are ready")
	}
	log.Infof("polling %d servers every %v, monitoring on port %d", len(hosts), cfg.PollInterval, cfg.MonitoringPort)
	err = eg.Wait()
	log.Warning("shutting down")
	return err
}

var runCmd = &cobra.Command{
	Use:   "run [server...]",
	Short: "Run NTP clock daemon",
	Long:  "Run NTP clock daemon polling servers and exporting estimated network time and per server stats over HTTP.",
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()
		startPprof(runPprofFlag)

		setFlags := make(map[string]bool)
		c.Flags().Visit(func(f *pflag.Flag) {
			setFlags[f.Name] = true
		})
		cfg, err := client.PrepareConfig(runConfigFlag, args, runHostsFlag, runMonitoringPortFlag, runIntervalFlag, runDSCPFlag, setFlags)
		if err != nil {
			log.Fatal(err)
		}
		if err := runRun(cfg); err != nil {
			log.Fatal(err)
		}
	},
}
