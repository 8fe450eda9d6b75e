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
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/facebook/netclock/ntp/client"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	timeHostsFlag   string
	timeWaitFlag    time.Duration
	timeCombineFlag string
	timeNoDNSFlag   bool
)

func init() {
	RootCmd.AddCommand(timeCmd)
	timeCmd.Flags().StringVar(&timeHostsFlag, "hosts", "", "path to the hosts file")
	timeCmd.Flags().DurationVarP(&timeWaitFlag, "wait", "w", 10*time.Second, "how long to wait for trusted servers")
	timeCmd.Flags().StringVar(&timeCombineFlag, "combine", client.CombineWeighted, "how to combine offsets of trusted servers")
	timeCmd.Flags().BoolVarP(&timeNoDNSFlag, "no-resolving", "n", false, "disable resolving of IP addresses to hostnames")
}

// queryClock queries every association of c once, in parallel
func queryClock(ctx context.Context, c *client.Clock) {
	eg, ctx := errgroup.WithContext(ctx)
	for _, a := range c.Associations() {
		a := a
		eg.Go(func() error {
			// failures are recorded by association and shown in the table
			_, _ = a.QueryOnce(ctx)
			return nil
		})
	}
	_ = eg.Wait()
}

// waitTrusted polls the estimate of an already running clock until it has trusted sources
func waitTrusted(ctx context.Context, c *client.Clock) client.Estimate {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		e := c.Recompute()
		if e.Trusted > 0 {
			return e
		}
		select {
		case <-ctx.Done():
			return e
		case <-ticker.C:
		}
	}
}

func printEstimate(w io.Writer, c *client.Clock, e client.Estimate) {
	earliest, latest := c.Bounds()
	confidence := color.GreenString("normal")
	if e.LowConfidence || e.Trusted == 0 {
		confidence = color.RedString("low")
	}
	fmt.Fprintf(w, "Network time: %s\n", c.NetworkTime().Format(time.RFC3339Nano))
	fmt.Fprintf(w, "Offset:       %v\n", e.Offset)
	fmt.Fprintf(w, "Dispersion:   %v\n", e.Dispersion)
	fmt.Fprintf(w, "Jitter:       %v\n", e.Jitter)
	fmt.Fprintf(w, "Bounds:       [%s, %s]\n", earliest.Format(time.RFC3339Nano), latest.Format(time.RFC3339Nano))
	fmt.Fprintf(w, "Trusted:      %d of %d\n", e.Trusted, len(c.Associations()))
	fmt.Fprintf(w, "Confidence:   %s\n", confidence)
}

func timeRun(targets []string, hostsFile string, wait time.Duration, combine string, noDNS bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()

	var c *client.Clock
	if len(targets) == 0 && hostsFile == "" {
		// default servers, the same the library uses when nothing is configured
		c = client.Shared()
		defer c.Finish()
		waitTrusted(ctx, c)
	} else {
		cfg := client.DefaultConfig()
		cfg.Servers = targets
		cfg.HostsFile = hostsFile
		cfg.Combine = combine
		cfg.Timeout = wait
		if cfg.Timeout >= cfg.PollInterval {
			cfg.Timeout = cfg.PollInterval / 2
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("validating config: %w", err)
		}
		hosts, err := cfg.Hosts()
		if err != nil {
			return err
		}
		c, err = client.NewClock(cfg, hosts)
		if err != nil {
			return err
		}
		queryClock(ctx, c)
	}

	e := c.Recompute()
	printEstimate(os.Stdout, c, e)
	fmt.Println()
	if err := printSources(os.Stdout, c.ServerStats(), noDNS, time.Now()); err != nil {
		return err
	}
	if e.Trusted == 0 {
		return client.ErrNoTrustedSource
	}
	return nil
}

var timeCmd = &cobra.Command{
	Use:   "time [server...]",
	Short: "Query servers once and print estimated network time",
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()

		if err := timeRun(args, timeHostsFlag, timeWaitFlag, timeCombineFlag, timeNoDNSFlag); err != nil {
			log.Fatal(err)
		}
	},
}
