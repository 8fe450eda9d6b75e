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

	"github.com/jsimonetti/rtnetlink/rtnl"
)

func addIfaceIP(iface *net.Interface, addr *net.IPNet) error {
	conn, err := rtnl.Dial(nil)
	if err != nil {
		return fmt.Errorf("can't establish netlink connection: %w", err)
	}
	defer conn.Close()

	if err := conn.AddrAdd(iface, addr); err != nil {
		return fmt.Errorf("can't add address: %w", err)
	}
	return nil
}

func deleteIfaceIP(iface *net.Interface, addr *net.IPNet) error {
	conn, err := rtnl.Dial(nil)
	if err != nil {
		return fmt.Errorf("can't establish netlink connection: %w", err)
	}
	defer conn.Close()

	if err := conn.AddrDel(iface, addr); err != nil {
		return fmt.Errorf("can't remove address: %w", err)
	}
	return nil
}
