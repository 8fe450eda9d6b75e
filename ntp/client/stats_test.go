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

import (
	"fmt"
	"testing"
	"time"

	srvstats "github.com/facebook/netclock/ntp/stats"
	"github.com/stretchr/testify/require"
)

func TestStatsReset(t *testing.T) {
	stats := NewStats()

	stats.SetCounter("some.counter", 123)
	stats.UpdateCounterBy("some.counter", 2)
	got := stats.GetCounters()
	want := map[string]int64{
		"some.counter": 125,
	}
	require.Equal(t, want, got)
	stats.Reset()
	got = stats.GetCounters()
	want = map[string]int64{
		"some.counter": 0,
	}
	require.Equal(t, want, got)
}

func TestStatsServerStatsSorted(t *testing.T) {
	stats := NewStats()
	stats.SetServerStats(&srvstats.Stat{Server: "192.0.2.3:123"})
	stats.SetServerStats(&srvstats.Stat{Server: "192.0.2.1:123"})
	stats.SetServerStats(&srvstats.Stat{Server: "192.0.2.2:123"})
	stats.SetServerStats(&srvstats.Stat{Server: "192.0.2.1:123", Trusty: true})

	got := stats.GetServerStats()
	require.Len(t, got, 3)
	require.Equal(t, "192.0.2.1:123", got[0].Server)
	require.True(t, got[0].Trusty)
	require.Equal(t, "192.0.2.2:123", got[1].Server)
	require.Equal(t, "192.0.2.3:123", got[2].Server)
}

func TestAssociationStatsToStatError(t *testing.T) {
	a := &AssociationStats{
		Server:         "192.0.2.1:123",
		AlwaysTrust:    true,
		LastError:      fmt.Errorf("ooops"),
		AgedDispersion: 16 * time.Second,
	}
	got := associationStatsToStat(a, false)
	want := &srvstats.Stat{
		Server:      "192.0.2.1:123",
		AlwaysTrust: true,
		Error:       "ooops",
		Dispersion:  float64(16 * time.Second),
	}
	require.Equal(t, want, got)
}

func TestAssociationStatsToStat(t *testing.T) {
	lastUpdate := time.Unix(1676997604, 198536785)
	a := &AssociationStats{
		Server:         "192.0.2.1:123",
		Trusty:         true,
		Leap:           1,
		Version:        4,
		Mode:           4,
		Stratum:        1,
		Poll:           6,
		Precision:      -20,
		RootDelay:      time.Millisecond,
		RootDispersion: 2 * time.Millisecond,
		ReferenceID:    0x47505300,
		Offset:         -3 * time.Millisecond,
		Delay:          4 * time.Millisecond,
		Dispersion:     5 * time.Millisecond,
		AgedDispersion: 6 * time.Millisecond,
		Jitter:         7 * time.Microsecond,
		Reach:          0x7f,
		LastUpdate:     lastUpdate,
		NextQuery:      lastUpdate.Add(64 * time.Second),
	}
	got := associationStatsToStat(a, true)
	want := &srvstats.Stat{
		Server:         "192.0.2.1:123",
		Trusty:         true,
		Selected:       true,
		Leap:           1,
		Version:        4,
		Stratum:        1,
		Poll:           6,
		Precision:      -20,
		RefID:          "GPS",
		RootDelay:      float64(time.Millisecond),
		RootDispersion: float64(2 * time.Millisecond),
		Dispersion:     float64(6 * time.Millisecond),
		Offset:         float64(-3 * time.Millisecond),
		Delay:          float64(4 * time.Millisecond),
		Jitter:         float64(7 * time.Microsecond),
		Reach:          0x7f,
		LastUpdate:     lastUpdate.UnixNano(),
		NextQuery:      lastUpdate.Add(64 * time.Second).UnixNano(),
	}
	require.Equal(t, want, got)
}
