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

	log "github.com/sirupsen/logrus"
)

const bitsInBytes = 8

// ipv4Mask is a mask we will be assigning to the IPv4 address in interface
const ipv4Mask = 32

// ipv6Mask is a mask we will be assigning to the IPv6 address in interface
const ipv6Mask = 64

// ipv4Len is the IPv4 len in bits
const ipv4Len = net.IPv4len * bitsInBytes

// ipv6Len is the IPv6 len in bits
const ipv6Len = net.IPv6len * bitsInBytes

// addIPToInterface assigns configured IP to configured interface.
// It returns false if the IP was already there.
func (s *Server) addIPToInterface() (bool, error) {
	iface, err := net.InterfaceByName(s.Config.Iface)
	if err != nil {
		return false, fmt.Errorf("looking up interface: %w", err)
	}
	assigned, err := checkIP(iface, s.Config.IP)
	if err != nil {
		return false, err
	}
	if assigned {
		log.Debugf("%s is already assigned to %s", s.Config.IP, s.Config.Iface)
		return false, nil
	}
	log.Infof("adding %s to %s", s.Config.IP, s.Config.Iface)
	return true, addIfaceIP(iface, ipNet(s.Config.IP))
}

// deleteIPFromInterface removes configured IP from configured interface
func (s *Server) deleteIPFromInterface() error {
	iface, err := net.InterfaceByName(s.Config.Iface)
	if err != nil {
		return err
	}
	log.Infof("deleting %s from %s", s.Config.IP, s.Config.Iface)
	return deleteIfaceIP(iface, ipNet(s.Config.IP))
}

// ipNet returns host network of the address
func ipNet(addr net.IP) *net.IPNet {
	if v4 := addr.To4(); v4 != nil {
		return &net.IPNet{IP: v4, Mask: net.CIDRMask(ipv4Mask, ipv4Len)}
	}
	return &net.IPNet{IP: addr, Mask: net.CIDRMask(ipv6Mask, ipv6Len)}
}

// checkIP checks if IP is assigned to the interface already
func checkIP(iface *net.Interface, addr net.IP) (bool, error) {
	iaddrs, err := iface.Addrs()
	if err != nil {
		return false, err
	}
	for _, iaddr := range iaddrs {
		var ip net.IP
		switch v := iaddr.(type) {
		case *net.IPAddr:
			ip = v.IP
		case *net.IPNet:
			ip = v.IP
		default:
			continue
		}

		if ip.Equal(addr) {
			return true, nil
		}
	}
	return false, nil
}
