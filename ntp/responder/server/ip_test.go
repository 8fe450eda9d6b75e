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
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIPNet(t *testing.T) {
	n := ipNet(net.ParseIP("192.0.2.1"))
	require.Equal(t, "192.0.2.1/32", n.String())

	n = ipNet(net.ParseIP("2001:db8::1"))
	require.Equal(t, "2001:db8::1/64", n.String())
}

func loopback(t *testing.T) *net.Interface {
	ifaces, err := net.Interfaces()
	require.NoError(t, err)
	for i := range ifaces {
		if ifaces[i].Flags&net.FlagLoopback != 0 {
			return &ifaces[i]
		}
	}
	t.Skip("no loopback interface")
	return nil
}

func TestCheckIP(t *testing.T) {
	lo := loopback(t)
	assigned, err := checkIP(lo, net.ParseIP("127.0.0.1"))
	require.NoError(t, err)
	require.True(t, assigned)

	assigned, err = checkIP(lo, net.ParseIP("192.0.2.1"))
	require.NoError(t, err)
	require.False(t, assigned)
}

func TestAddIPAlreadyAssigned(t *testing.T) {
	lo := loopback(t)
	s := &Server{Config: Config{Iface: lo.Name, IP: net.ParseIP("127.0.0.1")}}
	added, err := s.addIPToInterface()
	require.NoError(t, err)
	require.False(t, added)
}

func TestAddIPNoInterface(t *testing.T) {
	s := &Server{Config: Config{Iface: "doesnotexist0", IP: net.ParseIP("127.0.0.1")}}
	_, err := s.addIPToInterface()
	require.Error(t, err)
}
