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
	"time"

	log "github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v2"
)

// supported ways to combine offsets of trusted associations
const (
	CombineWeighted = "weighted"
	CombineAverage  = "average"
	CombineBest     = "best"
)

// PHI is the frequency tolerance of the device clock, 15 PPM as in RFC 5905
const PHI = 15e-6

// Config specifies NTP clock run options
type Config struct {
	Servers                  []string      `yaml:"servers"`                    // servers to poll, in addition to hosts file
	HostsFile                string        `yaml:"hosts_file"`                 // file with one server per line
	Port                     int           `yaml:"port"`                       // port used for servers without one
	Version                  uint8         `yaml:"version"`                    // NTP version of requests
	PollInterval             time.Duration `yaml:"poll_interval"`              // how often to query each server
	StartupJitter            time.Duration `yaml:"startup_jitter"`             // first query is delayed randomly up to this
	Timeout                  time.Duration `yaml:"timeout"`                    // how long to wait for a reply
	MaxTrustDispersion       time.Duration `yaml:"max_trust_dispersion"`       // servers with dispersion above this are not trusted
	MaxDispersion            time.Duration `yaml:"max_dispersion"`             // dispersion of servers which were never synchronized
	DriftRate                float64       `yaml:"drift_rate"`                 // how fast dispersion grows, seconds per second
	CacheWindow              time.Duration `yaml:"cache_window"`               // how long combined offset is reused
	Combine                  string        `yaml:"combine"`                    // how to combine offsets, see supported combine const
	WeightExpr               string        `yaml:"weight_expr"`                // expression for weight of each server in weighted combine
	JitterSamples            int           `yaml:"jitter_samples"`             // over how many last offsets jitter is calculated
	DSCP                     int           `yaml:"dscp"`                       // DSCP of requests
	TTL                      int           `yaml:"ttl"`                        // TTL or hop limit of requests, system default if 0
	MonitoringPort           int           `yaml:"monitoring_port"`            // port of JSON stats server
	MetricsAggregationWindow time.Duration `yaml:"metrics_aggregation_window"` // how often counters are reset
}

// DefaultConfig returns Config initialized with default values
func DefaultConfig() *Config {
	return &Config{
		Port:                     123,
		Version:                  4,
		PollInterval:             64 * time.Second,
		StartupJitter:            5 * time.Second,
		Timeout:                  2 * time.Second,
		MaxTrustDispersion:       100 * time.Millisecond,
		MaxDispersion:            16 * time.Second,
		DriftRate:                PHI,
		CacheWindow:              30 * time.Second,
		Combine:                  CombineWeighted,
		JitterSamples:            8,
		MonitoringPort:           4270,
		MetricsAggregationWindow: 60 * time.Second,
	}
}

// Validate config is sane
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.Version < 1 || c.Version > 4 {
		return fmt.Errorf("version must be between 1 and 4")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("pollinterval must be greater than zero")
	}
	if c.StartupJitter < 0 {
		return fmt.Errorf("startupjitter must be 0 or positive")
	}
	if c.Timeout <= 0 || c.Timeout >= c.PollInterval {
		return fmt.Errorf("timeout must be greater than zero but less than pollinterval")
	}
	if c.MaxTrustDispersion <= 0 {
		return fmt.Errorf("maxtrustdispersion must be greater than zero")
	}
	if c.MaxDispersion < c.MaxTrustDispersion {
		return fmt.Errorf("maxdispersion must not be less than maxtrustdispersion")
	}
	if c.DriftRate < 0 {
		return fmt.Errorf("driftrate must be 0 or positive")
	}
	if c.CacheWindow <= 0 {
		return fmt.Errorf("cachewindow must be greater than zero")
	}
	if c.Combine != CombineWeighted && c.Combine != CombineAverage && c.Combine != CombineBest {
		return fmt.Errorf("combine must be either %q, %q or %q", CombineWeighted, CombineAverage, CombineBest)
	}
	if c.WeightExpr != "" {
		if c.Combine != CombineWeighted {
			return fmt.Errorf("weightexpr can only be used with %q combine", CombineWeighted)
		}
		if _, err := prepareExpression(c.WeightExpr); err != nil {
			return fmt.Errorf("invalid weightexpr: %w", err)
		}
	}
	if c.JitterSamples < 1 {
		return fmt.Errorf("jittersamples must be greater than zero")
	}
	if c.DSCP < 0 || c.DSCP > 63 {
		return fmt.Errorf("dscp must be between 0 and 63")
	}
	if c.TTL < 0 || c.TTL > 255 {
		return fmt.Errorf("ttl must be between 0 and 255")
	}
	if c.MonitoringPort < 0 {
		return fmt.Errorf("monitoringport must be 0 or positive")
	}
	if c.MetricsAggregationWindow <= 0 {
		return fmt.Errorf("metricsaggregationwindow must be greater than zero")
	}
	return nil
}

// Hosts returns list of hosts from hosts file followed by servers from config
func (c *Config) Hosts() ([]Host, error) {
	hosts := []Host{}
	if c.HostsFile != "" {
		fromFile, err := ReadHostsFile(c.HostsFile)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, fromFile...)
	}
	fromList, err := ParseHostList(c.Servers)
	if err != nil {
		return nil, err
	}
	return dedupHosts(append(hosts, fromList...)), nil
}

// ReadConfig reads config from the file
func ReadConfig(path string) (*Config, error) {
	c := DefaultConfig()
	cData, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	err = yaml.Unmarshal(cData, &c)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// PrepareConfig prepares final version of config based on defaults, CLI flags and on-disk config, and validates resulting config
func PrepareConfig(cfgPath string, targets []string, hostsFile string, monitoringPort int, pollInterval time.Duration, dscp int, setFlags map[string]bool) (*Config, error) {
	cfg := DefaultConfig()
	var err error
	warn := func(name string) {
		log.Warningf("overriding %s from CLI flag", name)
	}
	if cfgPath != "" {
		cfg, err = ReadConfig(cfgPath)
		if err != nil {
			return nil, fmt.Errorf("reading config from %q: %w", cfgPath, err)
		}
	}
	if len(targets) > 0 {
		warn("servers")
		cfg.Servers = targets
	}
	if setFlags["hosts"] {
		warn("hostsfile")
		cfg.HostsFile = hostsFile
	}
	if setFlags["monitoringport"] {
		warn("monitoringPort")
		cfg.MonitoringPort = monitoringPort
	}
	if setFlags["interval"] {
		warn("pollInterval")
		cfg.PollInterval = pollInterval
	}
	if setFlags["dscp"] {
		warn("dscp")
		cfg.DSCP = dscp
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	hosts, err := cfg.Hosts()
	if err != nil {
		return nil, fmt.Errorf("reading hosts: %w", err)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("validating config: at least one server must be specified")
	}
	log.Debugf("config: %+v", cfg)
	return cfg, nil
}
