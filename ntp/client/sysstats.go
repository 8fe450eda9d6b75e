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
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/process"
)

var procStartTime = time.Now()

// SysStats collects process and go runtime stats of the daemon
type SysStats struct {
	memstats *runtime.MemStats
}

// memStatsGauges are exported as is
var memStatsGauges = map[string]func(m *runtime.MemStats) uint64{
	"runtime.mem.alloc":        func(m *runtime.MemStats) uint64 { return m.Alloc },
	"runtime.mem.sys":          func(m *runtime.MemStats) uint64 { return m.Sys },
	"runtime.mem.heap.alloc":   func(m *runtime.MemStats) uint64 { return m.HeapAlloc },
	"runtime.mem.heap.inuse":   func(m *runtime.MemStats) uint64 { return m.HeapInuse },
	"runtime.mem.heap.objects": func(m *runtime.MemStats) uint64 { return m.HeapObjects },
	"runtime.mem.stack.inuse":  func(m *runtime.MemStats) uint64 { return m.StackInuse },
	"runtime.mem.gc.next":      func(m *runtime.MemStats) uint64 { return m.NextGC },
	"runtime.mem.gc.count":     func(m *runtime.MemStats) uint64 { return uint64(m.NumGC) },
}

// memStatsRates are exported as sum and rate over the collection interval
var memStatsRates = map[string]func(m *runtime.MemStats) uint64{
	"runtime.mem.mallocs":     func(m *runtime.MemStats) uint64 { return m.Mallocs },
	"runtime.mem.frees":       func(m *runtime.MemStats) uint64 { return m.Frees },
	"runtime.gc.pause_ns":     func(m *runtime.MemStats) uint64 { return m.PauseTotalNs },
	"runtime.gc.count":        func(m *runtime.MemStats) uint64 { return uint64(m.NumGC) },
	"runtime.mem.total_alloc": func(m *runtime.MemStats) uint64 { return m.TotalAlloc },
}

// setRate is a helper function to make a crude rate/diff
func setRate(name string, counts map[string]uint64, cur, prev uint64, interval time.Duration) {
	if prev > cur {
		return
	}
	secs := uint64(interval.Seconds())
	if secs == 0 {
		return
	}
	counts[fmt.Sprintf("%s.sum.%d", name, secs)] = cur - prev
	counts[fmt.Sprintf("%s.rate.%d", name, secs)] = (cur - prev) / secs
}

func collectProcessStats(stats map[string]uint64, interval time.Duration) error {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}
	stats["process.uptime"] = uint64(time.Since(procStartTime).Seconds())
	if val, err := proc.Percent(0); err == nil {
		stats[fmt.Sprintf("process.cpu_pct.avg.%d", int(interval.Seconds()))] = uint64(val * 100)
	}
	if val, err := proc.MemoryInfo(); err == nil {
		stats["process.rss"] = val.RSS
		stats["process.vms"] = val.VMS
	}
	if val, err := proc.NumFDs(); err == nil {
		stats["process.num_fds"] = uint64(val)
	}
	if val, err := proc.NumThreads(); err == nil {
		stats["process.num_threads"] = uint64(val)
	}
	return nil
}

// CollectRuntimeStats gathers cpu, mem, gc statistics
func (s *SysStats) CollectRuntimeStats(interval time.Duration) (map[string]uint64, error) {
	stats := make(map[string]uint64)
	if err := collectProcessStats(stats, interval); err != nil {
		return nil, err
	}

	m := &runtime.MemStats{}
	runtime.ReadMemStats(m)
	stats["runtime.cpu.goroutines"] = uint64(runtime.NumGoroutine())
	for k, f := range memStatsGauges {
		stats[k] = f(m)
	}
	if s.memstats != nil {
		for k, f := range memStatsRates {
			setRate(k, stats, f(m), f(s.memstats), interval)
		}
	}
	s.memstats = m
	return stats, nil
}
