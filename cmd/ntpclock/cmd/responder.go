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
	"net"
	"runtime"

	"github.com/facebook/netclock/ntp/responder/server"
	"github.com/facebook/netclock/ntp/responder/stats"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	responderConfig             = server.DefaultConfig()
	responderIPFlag             string
	responderMonitoringPortFlag int
)

func init() {
	RootCmd.AddCommand(responderCmd)
	f := responderCmd.Flags()
	f.StringVar(&responderConfig.Iface, "iface", "", "interface to add IP to while serving, not managed if empty")
	f.StringVar(&responderIPFlag, "ip", responderConfig.IP.String(), "IP to listen on")
	f.IntVar(&responderConfig.Port, "port", responderConfig.Port, "port to run service on")
	f.IntVar(&responderMonitoringPortFlag, "monitoringport", 0, "port to run monitoring server on, disabled if 0")
	f.IntVar(&responderConfig.Stratum, "stratum", responderConfig.Stratum, "stratum of the server")
	f.Uint8Var(&responderConfig.Leap, "leap", responderConfig.Leap, "leap indicator of the server")
	f.StringVar(&responderConfig.RefID, "refid", responderConfig.RefID, "reference ID of the server")
	f.DurationVar(&responderConfig.ExtraOffset, "extraoffset", 0, "extra offset to return to clients")
	f.DurationVar(&responderConfig.RootDelay, "rootdelay", responderConfig.RootDelay, "root delay to return to clients")
	f.DurationVar(&responderConfig.RootDispersion, "rootdispersion", responderConfig.RootDispersion, "root dispersion to return to clients")
	f.Int8Var(&responderConfig.Precision, "precision", responderConfig.Precision, "precision of the server clock, log2 seconds")
	f.IntVar(&responderConfig.Workers, "workers", runtime.NumCPU(), "how many workers (routines) to run")
}

func responderRun(cfg server.Config, monitoringPort int) error {
	st := &stats.JSONStats{}
	s := &server.Server{Config: cfg, Stats: st}
	if err := s.Listen(); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	eg, ctx := errgroup.WithContext(ctx)
	if monitoringPort != 0 {
		eg.Go(func() error {
			return st.Start(ctx, monitoringPort)
		})
	}
	eg.Go(func() error {
		return s.Serve(ctx)
	})
	return eg.Wait()
}

var responderCmd = &cobra.Command{
	Use:   "responder",
	Short: "Run synthetic NTP server with configurable answers",
	Long:  "Run synthetic NTP server answering with configurable stratum, leap indicator, reference ID and extra offset. Useful for testing clients.",
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()

		responderConfig.IP = net.ParseIP(responderIPFlag)
		if responderConfig.IP == nil {
			log.Fatalf("invalid IP %q", responderIPFlag)
		}
		if err := responderRun(responderConfig, responderMonitoringPortFlag); err != nil {
			log.Fatal(err)
		}
	},
}
