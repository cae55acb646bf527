// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package snmpengine

import (
	"context"
	"net"
)

// ListenUDP opens a packet socket for a Dispatcher or TrapListener.
func ListenUDP(ctx context.Context, network, addr string) (net.PacketConn, error) {
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(ctx, network, addr)
	if err != nil {
		if addrErr := asAddressError(addr, err); addrErr != nil {
			return nil, addrErr
		}
		return nil, err
	}
	return conn, nil
}
