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

package client

//go:generate mockgen -source=stats.go -destination=mock_stats.go -package=client

import (
	"sort"
	"sync"

	ntp "github.com/facebook/netclock/ntp/protocol"
	srvstats "github.com/facebook/netclock/ntp/stats"
)

// counters we export
const (
	counterSent          = srvstats.ServerPrefix + "sent"
	counterReceived      = srvstats.ServerPrefix + "received"
	counterTimeouts      = srvstats.ServerPrefix + "timeouts"
	counterMalformed     = srvstats.ServerPrefix + "malformed"
	counterErrors        = srvstats.ServerPrefix + "errors"
	counterOffset        = srvstats.ClockPrefix + "offset_ns"
	counterDispersion    = srvstats.ClockPrefix + "dispersion_ns"
	counterJitter        = srvstats.ClockPrefix + "jitter_ns"
	counterTrusted       = srvstats.ClockPrefix + "trusted"
	counterLowConfidence = srvstats.ClockPrefix + "low_confidence"
	counterRecomputes    = srvstats.ClockPrefix + "recomputes"
)

// StatsServer is a stats server interface
type StatsServer interface {
	// Reset atomically sets all the counters to 0
	Reset()
	SetCounter(key string, val int64)
	UpdateCounterBy(key string, count int64)
	SetServerStats(stat *srvstats.Stat)
}

// Stats is an implementation of StatsServer which keeps everything in memory
type Stats struct {
	mux         sync.Mutex
	counters    map[string]int64
	serverStats srvstats.Stats
}

// NewStats created new instance of Stats
func NewStats() *Stats {
	return &Stats{
		counters:    map[string]int64{},
		serverStats: srvstats.Stats{},
	}
}

// UpdateCounterBy will increment counter
func (s *Stats) UpdateCounterBy(key string, count int64) {
	s.mux.Lock()
	s.counters[key] += count
	s.mux.Unlock()
}

// SetCounter will set a counter to the provided value.
func (s *Stats) SetCounter(key string, val int64) {
	s.mux.Lock()
	s.counters[key] = val
	s.mux.Unlock()
}

// GetCounters returns an map of counters
func (s *Stats) GetCounters() map[string]int64 {
	ret := make(map[string]int64)
	s.mux.Lock()
	for key, val := range s.counters {
		ret[key] = val
	}
	s.mux.Unlock()
	return ret
}

// GetServerStats returns stats of all servers, sorted by address
func (s *Stats) GetServerStats() srvstats.Stats {
	s.mux.Lock()
	ret := make(srvstats.Stats, len(s.serverStats))
	copy(ret, s.serverStats)
	s.mux.Unlock()
	sort.Sort(ret)
	return ret
}

// Reset all the values of counters
func (s *Stats) Reset() {
	s.mux.Lock()
	for k := range s.counters {
		s.counters[k] = 0
	}
	s.mux.Unlock()
}

// SetServerStats sets stats for particular server
func (s *Stats) SetServerStats(stat *srvstats.Stat) {
	s.mux.Lock()
	if i := s.serverStats.Index(stat); i != -1 {
		s.serverStats[i] = stat
	} else {
		s.serverStats = append(s.serverStats, stat)
	}
	s.mux.Unlock()
}

func associationStatsToStat(a *AssociationStats, selected bool) *srvstats.Stat {
	s := &srvstats.Stat{
		Server:      a.Server,
		AlwaysTrust: a.AlwaysTrust,
		Trusty:      a.Trusty,
		Selected:    selected,
		Reach:       a.Reach,
		Dispersion:  float64(a.AgedDispersion),
	}
	if !a.NextQuery.IsZero() {
		s.NextQuery = a.NextQuery.UnixNano()
	}
	if a.LastError != nil {
		s.Error = a.LastError.Error()
	}
	if a.LastUpdate.IsZero() {
		return s
	}
	s.Leap = a.Leap
	s.Version = a.Version
	s.Stratum = a.Stratum
	s.Poll = a.Poll
	s.Precision = a.Precision
	s.RefID = ntp.RefIDString(a.ReferenceID, a.Stratum)
	s.RootDelay = float64(a.RootDelay)
	s.RootDispersion = float64(a.RootDispersion)
	s.Offset = float64(a.Offset)
	s.Delay = float64(a.Delay)
	s.Jitter = float64(a.Jitter)
	s.LastUpdate = a.LastUpdate.UnixNano()
	return s
}
