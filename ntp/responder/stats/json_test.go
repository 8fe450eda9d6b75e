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
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJSONStatsCounters(t *testing.T) {
	stats := JSONStats{}

	stats.IncInvalidFormat()
	stats.IncRequests()
	stats.IncRequests()
	stats.IncResponses()
	stats.IncReadError()
	stats.IncWorkers()
	stats.IncWorkers()
	stats.DecWorkers()

	expected := map[string]int64{
		"invalidformat": 1,
		"requests":      2,
		"responses":     1,
		"readerror":     1,
		"workers":       1,
	}
	require.Equal(t, expected, stats.Snapshot())
}

func TestJSONStatsConcurrent(t *testing.T) {
	stats := JSONStats{}
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				stats.IncRequests()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1000), stats.Snapshot()["requests"])
}

func TestJSONStatsServeHTTP(t *testing.T) {
	stats := &JSONStats{}
	stats.IncRequests()
	stats.IncResponses()

	ts := httptest.NewServer(stats)
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	got := map[string]int64{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	require.Equal(t, stats.Snapshot(), got)
}
