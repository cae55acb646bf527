// Copyright 2012 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v3"
)

const (
	// MaxOids is the default number of bindings sent in one request.
	MaxOids = 60

	defaultPort              = 161
	defaultTimeout           = time.Second
	defaultRetries           = 3
	defaultMaxRepetitions    = 10
	defaultMaxWalkIterations = 10000
)

// Session is one SNMP manager talking to one agent. A Session runs one
// request at a time; use one Session per target for concurrent polling.
type Session struct {
	// Conn is the underlying transport, set by Connect.
	Conn net.Conn

	// Target is an ipv4 or ipv6 address, or a hostname.
	Target string

	// Port is the agent port, 161 when zero.
	Port uint16

	// Transport is "udp" (the default), "udp4", "udp6" or "dtls".
	Transport string

	// Community is the read community of v1 and v2c requests.
	Community string

	// WriteCommunity is used by Set when it is not empty.
	WriteCommunity string

	// Version is the SNMP version: Version1, Version2c or Version3.
	Version SnmpVersion

	// Context bounds every request; cancelling it closes the socket.
	Context context.Context

	// Timeout is the wait for one attempt.
	Timeout time.Duration

	// Retries is the number of retransmissions after the first attempt.
	Retries int

	// ExponentialTimeout doubles Timeout after every attempt.
	ExponentialTimeout bool

	// Logger is the engine trace, nil-safe.
	Logger Logger

	// Metrics, when set, counts requests, retries and discarded datagrams.
	Metrics *Metrics

	// PreSend is called before a packet is sent.
	PreSend func(*Session)

	// OnSent is called when a packet is sent.
	OnSent func(*Session)

	// OnRecv is called when a packet is received.
	OnRecv func(*Session)

	// OnRetry is called when a retry attempt is done.
	OnRetry func(*Session)

	// OnFinish is called when the request completed.
	OnFinish func(*Session)

	// MaxOids is the maximum number of oids allowed in a Get().
	// (default: MaxOids)
	MaxOids int

	// MaxRepetitions sets the GETBULK max-repetitions used by BulkWalk*
	// (default: 10)
	MaxRepetitions uint32

	// MaxWalkIterations bounds the number of requests one walk may issue.
	// (default: 10000)
	MaxWalkIterations int

	// AllowNonIncreasingOIDs lets a walk continue past an agent that
	// returns an OID not greater than the previous one. The iteration
	// bound still applies.
	AllowNonIncreasingOIDs bool

	// Resolver turns names given to Resolve into OIDs. Numeric OIDs are
	// always accepted.
	Resolver Resolver

	// LocalAddr is the local address in the format "address:port" to use
	// when connecting an UDP socket.
	LocalAddr string

	// DTLSConfig is required when Transport is "dtls".
	DTLSConfig *dtls.Config

	// MsgFlags is an SNMPV3 MsgFlags.
	MsgFlags SnmpV3MsgFlags

	// SecurityModel is an SNMPV3 Security Model.
	SecurityModel SnmpV3SecurityModel

	// SecurityParameters is an SNMPV3 Security Model parameters struct.
	SecurityParameters SnmpV3SecurityParameters

	// ContextEngineID is SNMPV3 ContextEngineID in ScopedPDU.
	ContextEngineID string

	// ContextName is SNMPV3 ContextName in ScopedPDU
	ContextName string

	// Internal - used to sync requests to responses.
	requestID uint32
	msgID     uint32
	inFlight  atomic.Bool
	rxBuf     *[rxBufSize]byte
}

// Default connection settings
//
//nolint:gochecknoglobals
var Default = &Session{
	Port:               defaultPort,
	Transport:          "udp",
	Community:          "public",
	Version:            Version2c,
	Timeout:            defaultTimeout,
	Retries:            defaultRetries,
	ExponentialTimeout: false,
	MaxOids:            MaxOids,
	MaxRepetitions:     defaultMaxRepetitions,
	MaxWalkIterations:  defaultMaxWalkIterations,
}

// Connect creates and opens a socket. Because UDP is a connectionless
// protocol, you won't know if the remote host is responding until you send
// packets. Neither will you know if the host is regularly disappearing and
// reappearing.
//
// For historical reasons (ie this is part of the public API), the method
// won't be renamed to Dial().
func (x *Session) Connect() error {
	return x.connect("")
}

// ConnectIPv4 forces an IPv4-only connection
func (x *Session) ConnectIPv4() error {
	return x.connect("4")
}

// ConnectIPv6 forces an IPv6-only connection
func (x *Session) ConnectIPv6() error {
	return x.connect("6")
}

// connect to address addr on the given network
//
// https://golang.org/pkg/net/#Dial gives acceptable network values as:
//
//	"tcp", "tcp4" (IPv4-only), "tcp6" (IPv6-only), "udp", "udp4" (IPv4-only),"udp6" (IPv6-only), "ip",
//	"ip4" (IPv4-only), "ip6" (IPv6-only), "unix", "unixgram" and "unixpacket"
func (x *Session) connect(networkSuffix string) error {
	if err := x.validateParameters(); err != nil {
		return err
	}

	network := x.Transport
	if network == "dtls" {
		network = "udp"
	}
	if networkSuffix != "" {
		network = strings.TrimRight(network, "46") + networkSuffix
	}

	if err := x.netConnect(network); err != nil {
		return err
	}

	x.requestID = rand.Uint32() & 0x7FFFFFFF //nolint:gosec
	x.msgID = rand.Uint32() & 0x7FFFFFFF     //nolint:gosec
	return nil
}

// validateParameters fills in defaults and checks the configuration before
// any socket is opened.
func (x *Session) validateParameters() error {
	if x.Target == "" {
		return &InvalidAddressError{Address: x.Target, Err: errors.New("empty target")}
	}
	if strings.Contains(x.Target, ":") && net.ParseIP(x.Target) == nil {
		return &InvalidAddressError{Address: x.Target, Err: errors.New("target must not include a port; use Port")}
	}
	if x.Port == 0 {
		x.Port = defaultPort
	}
	switch x.Transport {
	case "":
		x.Transport = "udp"
	case "udp", "udp4", "udp6":
	case "dtls":
		if x.DTLSConfig == nil {
			return errors.New("DTLSConfig is required for the dtls transport")
		}
	default:
		return fmt.Errorf("unsupported transport %q [use: udp/udp4/udp6/dtls]", x.Transport)
	}

	if x.Context == nil {
		x.Context = context.Background()
	}
	if x.Timeout <= 0 {
		x.Timeout = defaultTimeout
	}
	if x.Retries < 0 {
		x.Retries = 0
	}
	if x.MaxOids <= 0 {
		x.MaxOids = MaxOids
	}
	if x.MaxRepetitions == 0 {
		x.MaxRepetitions = defaultMaxRepetitions
	}
	if x.MaxRepetitions > 0x7FFFFFFF {
		return fmt.Errorf("MaxRepetitions %d out of range", x.MaxRepetitions)
	}
	if x.MaxWalkIterations <= 0 {
		x.MaxWalkIterations = defaultMaxWalkIterations
	}
	if x.rxBuf == nil {
		x.rxBuf = new([rxBufSize]byte)
	}

	switch x.Version {
	case Version1, Version2c:
	case Version3:
		x.MsgFlags |= Reportable // tell the snmp server that a report PDU MUST be sent
		if x.SecurityParameters == nil {
			return errors.New("SecurityParameters is required for SNMPv3")
		}
		if err := x.validateParametersV3(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported SNMP version %s", x.Version)
	}
	return nil
}

// Close releases the socket. The Session may be connected again.
func (x *Session) Close() error {
	conn := x.Conn
	if conn == nil {
		return nil
	}
	x.Conn = nil
	return conn.Close()
}

// mkSnmpPacket builds the outgoing packet from the session configuration.
func (x *Session) mkSnmpPacket(pdutype PDUType, pdus []VarBind, nonRepeaters uint8, maxRepetitions uint32) *SnmpPacket {
	var newSecParams SnmpV3SecurityParameters
	if x.SecurityParameters != nil {
		newSecParams = x.SecurityParameters.Copy()
	}
	return &SnmpPacket{
		Version:            x.Version,
		Community:          x.Community,
		MsgFlags:           x.MsgFlags,
		SecurityModel:      x.SecurityModel,
		SecurityParameters: newSecParams,
		ContextEngineID:    x.ContextEngineID,
		ContextName:        x.ContextName,
		Error:              0,
		ErrorIndex:         0,
		PDUType:            pdutype,
		NonRepeaters:       uint32(nonRepeaters),
		MaxRepetitions:     maxRepetitions & 0x7FFFFFFF,
		Variables:          pdus,
		Logger:             x.Logger,
	}
}

// request sends one confirmed PDU and turns a non-zero error-status into an
// *AgentError. The response is returned in both cases.
func (x *Session) request(packetOut *SnmpPacket) (*SnmpPacket, error) {
	result, err := x.send(packetOut, true)
	if err != nil {
		return result, err
	}
	if result.Error != NoError {
		agentErr := &AgentError{Status: result.Error, Index: result.ErrorIndex}
		if i := int(result.ErrorIndex); i > 0 && i <= len(packetOut.Variables) {
			agentErr.Name = packetOut.Variables[i-1].Name
		}
		return result, agentErr
	}
	return result, nil
}

// Get sends an SNMP GET request
func (x *Session) Get(oids []OID) (result *SnmpPacket, err error) {
	oidCount := len(oids)
	if oidCount > x.MaxOids {
		return nil, fmt.Errorf("oid count (%d) is greater than MaxOids (%d)",
			oidCount, x.MaxOids)
	}
	return x.request(x.mkSnmpPacket(GetRequest, nullVarBinds(oids), 0, 0))
}

// GetNext sends an SNMP GETNEXT request
func (x *Session) GetNext(oids []OID) (result *SnmpPacket, err error) {
	oidCount := len(oids)
	if oidCount > x.MaxOids {
		return nil, fmt.Errorf("oid count (%d) is greater than MaxOids (%d)",
			oidCount, x.MaxOids)
	}
	return x.request(x.mkSnmpPacket(GetNextRequest, nullVarBinds(oids), 0, 0))
}

// GetBulk sends an SNMP GETBULK request
//
// For maxRepetitions greater than 255, use BulkWalk() or BulkWalkAll()
func (x *Session) GetBulk(oids []OID, nonRepeaters uint8, maxRepetitions uint32) (result *SnmpPacket, err error) {
	if x.Version == Version1 {
		return nil, errors.New("GETBULK not supported in SNMPv1")
	}
	oidCount := len(oids)
	if oidCount > x.MaxOids {
		return nil, fmt.Errorf("oid count (%d) is greater than MaxOids (%d)",
			oidCount, x.MaxOids)
	}
	return x.request(x.mkSnmpPacket(GetBulkRequest, nullVarBinds(oids), nonRepeaters, maxRepetitions))
}

// Set sends an SNMP SET request. v1 and v2c use WriteCommunity when it is
// set.
func (x *Session) Set(pdus []VarBind) (result *SnmpPacket, err error) {
	if len(pdus) == 0 {
		return nil, errors.New("set requires at least one binding")
	}
	if len(pdus) > x.MaxOids {
		return nil, fmt.Errorf("oid count (%d) is greater than MaxOids (%d)",
			len(pdus), x.MaxOids)
	}
	for _, vb := range pdus {
		if vb.IsException() {
			return nil, fmt.Errorf("cannot set %s to %s", vb.Name, vb.Type)
		}
	}
	packetOut := x.mkSnmpPacket(SetRequest, pdus, 0, 0)
	if x.WriteCommunity != "" {
		packetOut.Community = x.WriteCommunity
	}
	return x.request(packetOut)
}

// GetMany gets any number of OIDs, MaxOids per request, and returns the
// bindings in the order asked.
func (x *Session) GetMany(oids []OID) ([]VarBind, error) {
	results := make([]VarBind, 0, len(oids))
	for start := 0; start < len(oids); start += x.MaxOids {
		end := min(start+x.MaxOids, len(oids))
		result, err := x.Get(oids[start:end])
		if err != nil {
			return results, err
		}
		results = append(results, result.Variables...)
	}
	return results, nil
}

// Resolve turns OID names into numeric OIDs through the session Resolver.
func (x *Session) Resolve(names ...string) ([]OID, error) {
	resolver := x.Resolver
	if resolver == nil {
		resolver = NumericResolver{}
	}
	oids := make([]OID, len(names))
	for i, name := range names {
		oid, err := resolver.Resolve(name)
		if err != nil {
			return nil, err
		}
		oids[i] = oid
	}
	return oids, nil
}
