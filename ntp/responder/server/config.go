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

package server

import (
	"fmt"
	"net"
	"time"

	ntp "github.com/facebook/netclock/ntp/protocol"
)

// Config is a server config structure
type Config struct {
	// Iface, if set, gets IP assigned while the server is listening
	Iface          string
	IP             net.IP
	Port           int
	Stratum        int
	Leap           uint8
	RefID          string
	ExtraOffset    time.Duration
	RootDelay      time.Duration
	RootDispersion time.Duration
	Precision      int8
	Workers        int
}

// DefaultConfig returns config of a healthy stratum 1 server on localhost
func DefaultConfig() Config {
	return Config{
		IP:             net.ParseIP("127.0.0.1"),
		Port:           123,
		Stratum:        1,
		Leap:           ntp.LeapNoWarning,
		RefID:          "FB",
		RootDispersion: 150 * time.Microsecond,
		Precision:      -32,
		Workers:        4,
	}
}

// Validate checks if config is valid
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("will not start without workers")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 0 and 65535")
	}
	if c.Stratum < 0 || c.Stratum > int(ntp.StratumUnsync) {
		return fmt.Errorf("stratum must be between 0 and %d", ntp.StratumUnsync)
	}
	if c.Leap > ntp.LeapNotInSync {
		return fmt.Errorf("leap must be between 0 and %d", ntp.LeapNotInSync)
	}
	if c.RootDelay < 0 || c.RootDispersion < 0 {
		return fmt.Errorf("root delay and root dispersion must be 0 or positive")
	}
	return nil
}
