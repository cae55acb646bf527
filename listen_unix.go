// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package snmpengine

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// socketBufferSize absorbs bursts of notifications and bulk responses.
const socketBufferSize = 256 * 1024

// ListenUDP opens a packet socket for a Dispatcher or TrapListener. The
// socket has SO_REUSEADDR and SO_REUSEPORT set, so several processes can
// share a well known port, and enlarged buffers.
func ListenUDP(ctx context.Context, network, addr string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				sockErr = setListenOptions(int(fd))
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	conn, err := lc.ListenPacket(ctx, network, addr)
	if err != nil {
		if addrErr := asAddressError(addr, err); addrErr != nil {
			return nil, addrErr
		}
		return nil, err
	}
	return conn, nil
}

func setListenOptions(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fmt.Errorf("SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return fmt.Errorf("SO_REUSEPORT: %w", err)
	}
	// the kernel may clamp these, which is fine
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize)
	return nil
}
