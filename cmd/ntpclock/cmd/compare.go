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
	"os"
	"time"

	"github.com/beevik/ntp"
	"github.com/facebook/netclock/ntp/client"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	compareHostsFlag   string
	compareTimeoutFlag time.Duration
)

func init() {
	RootCmd.AddCommand(compareCmd)
	compareCmd.Flags().StringVar(&compareHostsFlag, "hosts", "", "path to the hosts file")
	compareCmd.Flags().DurationVarP(&compareTimeoutFlag, "timeout", "t", client.DefaultConfig().Timeout, "timeout of a single query")
}

type comparison struct {
	server    string
	offset    time.Duration
	delay     time.Duration
	err       error
	refOffset time.Duration
	refRTT    time.Duration
	refErr    error
}

func (c *comparison) row() []string {
	val := []string{c.server}
	if c.err != nil {
		val = append(val, "", "")
	} else {
		val = append(val, c.offset.String(), c.delay.String())
	}
	if c.refErr != nil {
		val = append(val, "", "")
	} else {
		val = append(val, c.refOffset.String(), c.refRTT.String())
	}
	if c.err == nil && c.refErr == nil {
		val = append(val, (c.offset - c.refOffset).String())
	} else {
		val = append(val, "")
	}
	errs := ""
	if c.err != nil {
		errs = c.err.Error()
	}
	if c.refErr != nil {
		errs += fmt.Sprintf(" reference: %v", c.refErr)
	}
	return append(val, errs)
}

// compare queries association and the same server through independent NTP client
func compare(ctx context.Context, a *client.Association, cfg *client.Config) *comparison {
	res := &comparison{server: a.Server()}
	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		s, err := a.QueryOnce(ctx)
		if err != nil {
			res.err = err
			return nil
		}
		res.offset = s.Offset
		res.delay = s.Delay
		return nil
	})
	eg.Go(func() error {
		resp, err := ntp.QueryWithOptions(a.Address(), ntp.QueryOptions{Timeout: cfg.Timeout, Version: int(cfg.Version)})
		if err == nil {
			err = resp.Validate()
		}
		if err != nil {
			res.refErr = err
			return nil
		}
		res.refOffset = resp.ClockOffset
		res.refRTT = resp.RTT
		return nil
	})
	_ = eg.Wait()
	return res
}

func compareRun(targets []string, hostsFile string, timeout time.Duration) error {
	cfg := client.DefaultConfig()
	cfg.Servers = targets
	cfg.HostsFile = hostsFile
	cfg.Timeout = timeout
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}
	hosts, err := cfg.Hosts()
	if err != nil {
		return err
	}
	if len(hosts) == 0 {
		hosts = client.DefaultHosts
	}

	results := make([]*comparison, len(hosts))
	eg, ctx := errgroup.WithContext(context.Background())
	for i, h := range hosts {
		i := i
		a := client.NewAssociation(h, cfg)
		eg.Go(func() error {
			results[i] = compare(ctx, a, cfg)
			return nil
		})
	}
	_ = eg.Wait()

	table := tablewriter.NewTable(os.Stdout,
		tablewriter.WithColumnMax(30),
		tablewriter.WithHeader([]string{"server", "offset", "delay", "reference offset", "reference rtt", "difference", "error"}),
	)
	for _, r := range results {
		if err := table.Append(r.row()); err != nil {
			return err
		}
	}
	return table.Render()
}

var compareCmd = &cobra.Command{
	Use:   "compare [server...]",
	Short: "Compare offsets with independent NTP client implementation",
	Run: func(c *cobra.Command, args []string) {
		ConfigureVerbosity()

		if err := compareRun(args, compareHostsFlag, compareTimeoutFlag); err != nil {
			log.Fatal(err)
		}
	},
}
