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

// Package dscp sets DSCP and TTL on sockets used to exchange NTP packets
package dscp

import (
	"fmt"
	"net"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// Enable sets DSCP on the socket. IPv6 traffic class is used for v6 addresses
func Enable(connFd int, localAddr net.IP, dscp int) error {
	if localAddr.To4() == nil {
		if err := unix.SetsockoptInt(connFd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, dscp<<2); err != nil {
			return fmt.Errorf("setting DSCP on socket: %w", err)
		}
		return nil
	}
	if err := unix.SetsockoptInt(connFd, unix.IPPROTO_IP, unix.IP_TOS, dscp<<2); err != nil {
		return fmt.Errorf("setting DSCP on socket: %w", err)
	}
	return nil
}

// Control returns net.Dialer Control function which sets DSCP on every new socket
func Control(dscp int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		if dscp == 0 {
			return nil
		}
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			return err
		}
		ip := net.ParseIP(host)
		if network == "udp6" || network == "tcp6" {
			ip = net.IPv6zero
		}
		var sockErr error
		if err := c.Control(func(fd uintptr) {
			sockErr = Enable(int(fd), ip, dscp)
		}); err != nil {
			return err
		}
		return sockErr
	}
}

// SetTTL sets TTL (hop limit for IPv6) of packets sent via connected socket
func SetTTL(conn net.Conn, ttl int) error {
	if ttl == 0 {
		return nil
	}
	addr, ok := conn.RemoteAddr().(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("unsupported connection type %T", conn)
	}
	if addr.IP.To4() != nil {
		return ipv4.NewConn(conn).SetTTL(ttl)
	}
	return ipv6.NewConn(conn).SetHopLimit(ttl)
}
