// Copyright 2012 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/dtls/v3"
)

// netConnect opens x.Conn. A name that does not resolve is an
// *InvalidAddressError; anything else is returned as is.
func (x *Session) netConnect(network string) error {
	addr := net.JoinHostPort(x.Target, strconv.Itoa(int(x.Port)))

	var err error
	if x.Transport == "dtls" {
		x.Conn, err = x.dialDTLS(network, addr)
	} else {
		x.Conn, err = x.dialUDP(network, addr)
	}
	if err != nil {
		if addrErr := asAddressError(x.Target, err); addrErr != nil {
			return addrErr
		}
		return fmt.Errorf("error establishing connection to host: %w", err)
	}
	x.Logger.Printf("connected %s %s -> %s", network, x.Conn.LocalAddr(), x.Conn.RemoteAddr())
	return nil
}

func (x *Session) dialUDP(network, addr string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: x.Timeout}
	if x.LocalAddr != "" {
		localAddr, err := net.ResolveUDPAddr(network, x.LocalAddr)
		if err != nil {
			return nil, err
		}
		dialer.LocalAddr = localAddr
	}
	return dialer.DialContext(x.Context, network, addr)
}

// dialDTLS dials and completes the handshake within Timeout, so a dead
// peer fails Connect instead of the first request.
func (x *Session) dialDTLS(network, addr string) (net.Conn, error) {
	raddr, err := net.ResolveUDPAddr(network, addr)
	if err != nil {
		return nil, err
	}
	conn, err := dtls.Dial(network, raddr, x.DTLSConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(x.Context, x.Timeout*time.Duration(x.Retries+1))
	defer cancel()
	if err = conn.HandshakeContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("dtls handshake: %w", err)
	}
	return conn, nil
}

// asAddressError returns an *InvalidAddressError when err comes from a name
// that does not resolve or an address that does not parse, otherwise nil.
func asAddressError(address string, err error) error {
	var dnsErr *net.DNSError
	var addrErr *net.AddrError
	if errors.As(err, &dnsErr) || errors.As(err, &addrErr) {
		return &InvalidAddressError{Address: address, Err: err}
	}
	return nil
}
