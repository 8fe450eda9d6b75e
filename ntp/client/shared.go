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
	"errors"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

var (
	sharedMux   sync.Mutex
	sharedClock *Clock
)

// Shared returns process-wide Clock. First call builds and starts one
// from DefaultHostsFile if it exists, or from DefaultHosts otherwise.
func Shared() *Clock {
	sharedMux.Lock()
	defer sharedMux.Unlock()
	if sharedClock == nil {
		sharedClock = newDefaultClock(DefaultHostsFile)
		sharedClock.Start()
	}
	return sharedClock
}

// SetShared replaces process-wide Clock. Previous one is not finished.
func SetShared(c *Clock) {
	sharedMux.Lock()
	sharedClock = c
	sharedMux.Unlock()
}

func newDefaultClock(hostsFile string) *Clock {
	hosts, err := ReadHostsFile(hostsFile)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warningf("failed to read %s: %v, using default hosts", hostsFile, err)
	}
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}
	c, err := NewClock(DefaultConfig(), hosts)
	if err != nil {
		// default config and non-empty hosts are always valid
		panic(err)
	}
	return c
}
