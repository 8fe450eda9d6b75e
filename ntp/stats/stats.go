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

package stats

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// counter prefixes
const (
	ClockPrefix  = "ntp.clock."
	ServerPrefix = "ntp.client."
)

// Stat is a representation of a monitoring struct for a single NTP server.
// All durations are in nanoseconds.
type Stat struct {
	Server         string  `json:"server"`
	AlwaysTrust    bool    `json:"always_trust"`
	Trusty         bool    `json:"trusty"`
	Selected       bool    `json:"selected"`
	Error          string  `json:"error"`
	Leap           uint8   `json:"leap"`
	Version        uint8   `json:"version"`
	Stratum        uint8   `json:"stratum"`
	Poll           int8    `json:"poll"`
	Precision      int8    `json:"precision"`
	RefID          string  `json:"ref_id"`
	RootDelay      float64 `json:"root_delay"`
	RootDispersion float64 `json:"root_dispersion"`
	Dispersion     float64 `json:"dispersion"`
	Offset         float64 `json:"offset"`
	Delay          float64 `json:"delay"`
	Jitter         float64 `json:"jitter"`
	Reach          uint8   `json:"reach"`
	LastUpdate     int64   `json:"last_update"`
	NextQuery      int64   `json:"next_query"`
}

// Stats is a list of Stat
type Stats []*Stat

func (s Stats) Len() int           { return len(s) }
func (s Stats) Less(i, j int) bool { return s[i].Server < s[j].Server }
func (s Stats) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

// Index returns the index of the e if it's already in s. Otherwise -1
func (s Stats) Index(e *Stat) int {
	for i, a := range s {
		if a.Server == e.Server {
			return i
		}
	}
	return -1
}

// Counters is various counters exported by NTP clock
type Counters map[string]int64

// ClockStats returns counters describing combined clock estimate
func (c Counters) ClockStats() map[string]int64 {
	return c.withPrefix(ClockPrefix)
}

// ServerStats returns counters describing exchanges with servers
func (c Counters) ServerStats() map[string]int64 {
	return c.withPrefix(ServerPrefix)
}

// SysStats return sys stats from counters
func (c Counters) SysStats() map[string]int64 {
	res := map[string]int64{}
	for k, v := range c {
		if strings.HasPrefix(k, ClockPrefix) || strings.HasPrefix(k, ServerPrefix) {
			continue
		}
		res[k] = v
	}
	return res
}

func (c Counters) withPrefix(prefix string) map[string]int64 {
	res := map[string]int64{}
	for k, v := range c {
		if strings.HasPrefix(k, prefix) {
			res[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return res
}

func fetch(url string, v interface{}) error {
	c := http.Client{
		Timeout: time.Second * 2,
	}

	resp, err := c.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %q from %s", resp.Status, url)
	}

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// FetchStats returns populated Stats structure fetched from the url
func FetchStats(url string) (Stats, error) {
	var s Stats
	err := fetch(url, &s)
	return s, err
}

// FetchCounters returns counters map fetched from the url
func FetchCounters(url string) (Counters, error) {
	counters := make(Counters)
	err := fetch(fmt.Sprintf("%s/counters", url), &counters)
	return counters, err
}

// FetchSysStats fetches all counters and return sys stats from them
func FetchSysStats(url string) (map[string]int64, error) {
	counters, err := FetchCounters(url)
	if err != nil {
		return nil, err
	}
	return counters.SysStats(), nil
}
