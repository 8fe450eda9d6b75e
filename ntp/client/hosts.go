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
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// DefaultHostsFile is looked up in the working directory when no hosts are given
const DefaultHostsFile = "ntp.hosts"

// alwaysTrustFlag marks a host which is trusted regardless of its quality
const alwaysTrustFlag = "alwaystrust"

// DefaultHosts are used when neither hosts file nor servers are available
var DefaultHosts = []Host{
	{Address: "time.facebook.com"},
	{Address: "time.apple.com"},
	{Address: "time.google.com"},
	{Address: "pool.ntp.org"},
}

// Host is a single NTP server we are going to poll
type Host struct {
	Address     string
	AlwaysTrust bool
}

func (h Host) String() string {
	if h.AlwaysTrust {
		return fmt.Sprintf("%s %s", h.Address, alwaysTrustFlag)
	}
	return h.Address
}

// hostPort returns address with port, adding default port if there is none
func hostPort(address string, port int) string {
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	return net.JoinHostPort(strings.Trim(address, "[]"), strconv.Itoa(port))
}

// parseHostLine parses "address [alwaystrust]"
func parseHostLine(line string) (Host, error) {
	fields := strings.Fields(line)
	h := Host{Address: fields[0]}
	for _, f := range fields[1:] {
		if !strings.EqualFold(f, alwaysTrustFlag) {
			return Host{}, fmt.Errorf("unknown flag %q for host %s", f, h.Address)
		}
		h.AlwaysTrust = true
	}
	return h, nil
}

// ParseHosts reads hosts in hosts file format: one host per line,
// optionally followed by alwaystrust flag. Empty lines and lines starting with # are ignored.
func ParseHosts(r io.Reader) ([]Host, error) {
	hosts := []Host{}
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		h, err := parseHostLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		hosts = append(hosts, h)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return dedupHosts(hosts), nil
}

// ReadHostsFile reads hosts from the file
func ReadHostsFile(path string) ([]Host, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	hosts, err := ParseHosts(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", path, err)
	}
	return hosts, nil
}

// ParseHostList parses hosts given as list, for example from CLI or config.
// Entries have the same format as lines of hosts file.
func ParseHostList(list []string) ([]Host, error) {
	hosts := []Host{}
	for _, line := range list {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		h, err := parseHostLine(line)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return dedupHosts(hosts), nil
}

// dedupHosts removes repeated addresses. alwaystrust wins if any of the entries has it
func dedupHosts(hosts []Host) []Host {
	seen := map[string]int{}
	res := make([]Host, 0, len(hosts))
	for _, h := range hosts {
		if i, found := seen[h.Address]; found {
			log.Warningf("duplicate host %s, ignoring", h.Address)
			res[i].AlwaysTrust = res[i].AlwaysTrust || h.AlwaysTrust
			continue
		}
		seen[h.Address] = len(res)
		res = append(res, h)
	}
	return res
}
