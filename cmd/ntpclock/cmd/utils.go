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
	"net"
	"net/http"
	"os/signal"
	"sort"
	"strconv"
	"time"

	srvstats "github.com/facebook/netclock/ntp/stats"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/sys/unix"

	// pprof handlers are registered on default mux
	_ "net/http/pprof"
)

// signalContext returns context cancelled on SIGINT, SIGQUIT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGQUIT, unix.SIGTERM)
}

func startPprof(address string) {
	if address == "" {
		return
	}
	log.Warningf("starting profiler on %s", address)
	go func() {
		if err := http.ListenAndServe(address, nil); err != nil {
			log.Errorf("failed to start pprof: %v", err)
		}
	}()
}

func monitoringURL(address string, port int) string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(address, strconv.Itoa(port)))
}

func resolve(address string, noDNS bool) string {
	if noDNS {
		return address
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		host = address
	}
	names, err := net.LookupAddr(host)
	if err != nil || len(names) == 0 {
		return address
	}
	if port == "" {
		return names[0]
	}
	return net.JoinHostPort(names[0], port)
}

func selectedMark(selected, trusty bool) string {
	switch {
	case selected:
		return "*"
	case trusty:
		return "+"
	}
	return "-"
}

func lastUpdate(ns int64, now time.Time) string {
	if ns == 0 {
		return "never"
	}
	return now.Sub(time.Unix(0, ns)).Round(time.Millisecond).String()
}

// printSources prints per server stats like `chronyc sources`
func printSources(w io.Writer, st srvstats.Stats, noDNS bool, now time.Time) error {
	sort.Sort(st)
	table := tablewriter.NewTable(w,
		tablewriter.WithColumnMax(20),
		tablewriter.WithHeader([]string{
			"selected", "server", "stratum", "refid", "reach", "offset(ns)", "delay(ns)", "dispersion(ns)", "jitter(ns)", "last update", "error",
		}),
	)
	for _, s := range st {
		val := []string{
			selectedMark(s.Selected, s.Trusty),
			resolve(s.Server, noDNS),
		}
		if s.LastUpdate != 0 {
			val = append(val, []string{
				fmt.Sprintf("%d", s.Stratum),
				s.RefID,
				fmt.Sprintf("%03o", s.Reach),
				fmt.Sprintf("%3.f", s.Offset),
				fmt.Sprintf("%3.f", s.Delay),
				fmt.Sprintf("%3.f", s.Dispersion),
				fmt.Sprintf("%3.f", s.Jitter),
			}...)
		} else {
			val = append(val, []string{"", "", fmt.Sprintf("%03o", s.Reach), "", "", "", ""}...)
		}
		val = append(val, lastUpdate(s.LastUpdate, now), s.Error)
		if err := table.Append(val); err != nil {
			return err
		}
	}
	return table.Render()
}

// printCounters prints counters sorted by name
func printCounters(w io.Writer, counters map[string]int64) error {
	keys := maps.Keys(counters)
	sort.Strings(keys)
	table := tablewriter.NewTable(w, tablewriter.WithHeader([]string{"counter", "value"}))
	for _, k := range keys {
		if err := table.Append([]string{k, fmt.Sprintf("%d", counters[k])}); err != nil {
			return err
		}
	}
	return table.Render()
}
