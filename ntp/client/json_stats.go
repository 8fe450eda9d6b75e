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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	contentType     = "Content-Type"
	applicationJSON = "application/json"
)

// JSONStats is what we want to report as stats via http
type JSONStats struct {
	*Stats
	sysStats SysStats
}

// NewJSONStats returns a new JSONStats
func NewJSONStats() *JSONStats {
	return &JSONStats{Stats: NewStats()}
}

// Handler returns http handler serving server stats on / and counters on /counters
func (s *JSONStats) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRootRequest)
	mux.HandleFunc("/counters", s.handleCountersRequest)
	return mux
}

// Start runs http server and collects system stats every interval until ctx is done
func (s *JSONStats) Start(ctx context.Context, monitoringport int, interval time.Duration) error {
	addr := fmt.Sprintf(":%d", monitoringport)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, interval)
}

// Serve is like Start but uses provided listener
func (s *JSONStats) Serve(ctx context.Context, ln net.Listener, interval time.Duration) error {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.CollectSysStats(interval); err != nil {
					log.Warningf("failed to get system metrics %s", err)
				}
			}
		}
	}()

	srv := &http.Server{Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Infof("starting http json server on %s", ln.Addr())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// CollectSysStats stores process and runtime stats as counters
func (s *JSONStats) CollectSysStats(interval time.Duration) error {
	stats, err := s.sysStats.CollectRuntimeStats(interval)
	if err != nil {
		return err
	}
	for k, v := range stats {
		s.SetCounter(k, int64(v))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	js, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set(contentType, applicationJSON)
	if _, err = w.Write(js); err != nil {
		log.Errorf("failed to reply: %v", err)
	}
}

// handleRootRequest replies with stats of every server
func (s *JSONStats) handleRootRequest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.GetServerStats())
}

// handleCountersRequest replies with all counters
func (s *JSONStats) handleCountersRequest(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.GetCounters())
}
