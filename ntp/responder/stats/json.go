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

/*
Package stats implements counters of the synthetic responder.
They are exported as a flat JSON map over http.
*/
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// JSONStats implements server.Stats with atomic counters
type JSONStats struct {
	invalidFormat atomic.Int64
	requests      atomic.Int64
	responses     atomic.Int64
	readError     atomic.Int64
	workers       atomic.Int64
}

// Snapshot returns current values of all counters
func (j *JSONStats) Snapshot() map[string]int64 {
	return map[string]int64{
		"invalidformat": j.invalidFormat.Load(),
		"requests":      j.requests.Load(),
		"responses":     j.responses.Load(),
		"readerror":     j.readError.Load(),
		"workers":       j.workers.Load(),
	}
}

// ServeHTTP replies with all counters
func (j *JSONStats) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	js, err := json.Marshal(j.Snapshot())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err = w.Write(js); err != nil {
		log.Errorf("failed to reply: %v", err)
	}
}

// Start serves counters on the port until ctx is done
func (j *JSONStats) Start(ctx context.Context, port int) error {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: j}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	log.Debugf("starting http json server on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// IncInvalidFormat atomically add 1 to the counter
func (j *JSONStats) IncInvalidFormat() {
	j.invalidFormat.Add(1)
}

// IncRequests atomically add 1 to the counter
func (j *JSONStats) IncRequests() {
	j.requests.Add(1)
}

// IncResponses atomically add 1 to the counter
func (j *JSONStats) IncResponses() {
	j.responses.Add(1)
}

// IncReadError atomically add 1 to the counter
func (j *JSONStats) IncReadError() {
	j.readError.Add(1)
}

// IncWorkers atomically add 1 to the counter
func (j *JSONStats) IncWorkers() {
	j.workers.Add(1)
}

// DecWorkers atomically removes 1 from the counter
func (j *JSONStats) DecWorkers() {
	j.workers.Add(-1)
}
