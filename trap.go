// Copyright 2012 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v3"
)

var (
	sysUpTimeInstance   = MustParseOID(".1.3.6.1.2.1.1.3.0")
	snmpTrapOIDInstance = MustParseOID(".1.3.6.1.6.3.1.1.4.1.0")
)

// engineStart is the origin of the sysUpTime stamped on notifications.
var engineStart = time.Now()

// uptimeTicks is the time since engineStart in hundredths of a second.
func uptimeTicks() uint32 {
	return uint32(time.Since(engineStart) / (10 * time.Millisecond)) //nolint:gosec
}

//
// Sending notifications, the Session acting as a notification originator.
//

// SendTrap sends a notification. It does not wait for anything to come
// back unless trap.IsInform is set.
//
// For v2c and v3, Variables must start with snmpTrapOID.0, optionally
// preceded by sysUpTime.0; a missing sysUpTime.0 is prepended with the time
// since the process started. For v1, Enterprise and AgentAddress are
// required.
//
// A v3 trap is sent by the authoritative engine, so
// SecurityParameters.AuthoritativeEngineID must hold the local engine ID.
// A v3 inform discovers the receiver like any request.
func (x *Session) SendTrap(trap SnmpTrap) (result *SnmpPacket, err error) {
	var pdutype PDUType

	switch x.Version {
	case Version2c, Version3:
		pdutype = SNMPv2Trap
		if trap.IsInform {
			pdutype = InformRequest
		}
		if trap.Variables, err = notificationVarBinds(trap.Variables); err != nil {
			return nil, err
		}
		if x.Version == Version3 && !trap.IsInform && x.SecurityParameters.discoveryRequired() != nil {
			return nil, errors.New("a v3 trap needs SecurityParameters.AuthoritativeEngineID set to the local engine id")
		}

	case Version1:
		if trap.IsInform {
			return nil, errors.New("SNMPv1 has no InformRequest")
		}
		pdutype = Trap
		if len(trap.Enterprise) == 0 {
			return nil, errors.New("a SNMPv1 trap requires an Enterprise OID")
		}
		if len(trap.AgentAddress) == 0 {
			return nil, errors.New("a SNMPv1 trap requires an AgentAddress")
		}

	default:
		return nil, fmt.Errorf("SendTrap doesn't support %s", x.Version)
	}

	packetOut := x.mkSnmpPacket(pdutype, trap.Variables, 0, 0)
	// RFC 3412 section 6.4: unconfirmed PDUs are never reportable, informs
	// always are
	packetOut.MsgFlags &^= Reportable
	if trap.IsInform {
		packetOut.MsgFlags |= Reportable
	}
	if x.Version == Version1 {
		packetOut.Enterprise = trap.Enterprise
		packetOut.AgentAddress = trap.AgentAddress
		packetOut.GenericTrap = trap.GenericTrap
		packetOut.SpecificTrap = trap.SpecificTrap
		packetOut.Timestamp = trap.Timestamp
	}

	if !trap.IsInform {
		return x.send(packetOut, false)
	}
	return x.request(packetOut)
}

// SendInform sends trap as an InformRequest and waits for the receiver's
// acknowledgement.
func (x *Session) SendInform(trap SnmpTrap) (*SnmpPacket, error) {
	trap.IsInform = true
	return x.SendTrap(trap)
}

// notificationVarBinds checks and completes the sysUpTime.0, snmpTrapOID.0
// prefix of a v2 notification (RFC 3416 section 4.2.6).
func notificationVarBinds(vbs []VarBind) ([]VarBind, error) {
	if len(vbs) == 0 {
		return nil, errors.New("a notification requires at least snmpTrapOID.0")
	}
	if vbs[0].Name.Equal(sysUpTimeInstance) {
		if _, ok := vbs[0].Value.(uint32); vbs[0].Type != TimeTicks || !ok {
			return nil, errors.New("sysUpTime.0 must be a uint32 TimeTicks")
		}
	} else {
		vbs = append([]VarBind{{Name: sysUpTimeInstance, Type: TimeTicks, Value: uptimeTicks()}}, vbs...)
	}
	if len(vbs) < 2 || !vbs[1].Name.Equal(snmpTrapOIDInstance) || vbs[1].Type != ObjectIdentifier {
		return nil, errors.New("the notification must name snmpTrapOID.0 right after sysUpTime.0")
	}
	return vbs, nil
}

//
// Receiving notifications, the Session acting as a notification receiver.
//

// A TrapListener receives traps and informs over UDP or DTLS.
type TrapListener struct {
	done      chan struct{}
	listening chan bool
	sync.Mutex

	// Params holds the credentials notifications are checked against: the
	// community for v1 and v2c (any community is accepted when empty) and
	// the USM user for v3. Its SecurityParameters.AuthoritativeEngineID is
	// the engine ID informs are addressed to.
	Params *Session

	// OnTrap handles incoming Trap and Inform PDUs.
	OnTrap HandlerFunc

	// CloseTimeout is the max wait time for the socket to gracefully signal its closure.
	CloseTimeout time.Duration

	// DTLSConfig specifies DTLS configuration for DTLS trap listeners.
	// Required when listening on "dtls://" addresses.
	DTLSConfig *dtls.Config

	// CertMappings derive the TSM security name from the DTLS peer.
	CertMappings CertMappings

	conn         net.PacketConn
	dtlsListener net.Listener
	// closeAssociations ends the open DTLS associations
	closeAssociations context.CancelFunc

	// started is when Listen began; the local engine time counts from it
	started time.Time

	// Total number of packets received referencing an unknown snmpEngineID
	usmStatsUnknownEngineIDsCount atomic.Uint32
	// Total number of informs received outside the time window
	usmStatsNotInTimeWindowsCount atomic.Uint32

	finish atomic.Bool

	buffSize uint // SNMP message buffer size
}

// Default timeout value for CloseTimeout of 3 seconds
const defaultCloseTimeout = 3 * time.Second

// HandlerFunc is the callback type for SNMP Trap and Inform packets. addr
// is a *net.UDPAddr for both transports.
//
// This callback should not modify the contents of the SnmpPacket nor the
// address passed to it, and it should copy out any values it wishes to use
// instead of retaining references in order to avoid memory fragmentation.
type HandlerFunc func(s *SnmpPacket, addr net.Addr)

// NewTrapListener returns an initialized TrapListener.
func NewTrapListener() *TrapListener {
	return &TrapListener{
		buffSize:     rxBufSize,
		done:         make(chan struct{}),
		listening:    make(chan bool, 1), // Buffered because one doesn't have to block on it.
		CloseTimeout: defaultCloseTimeout,
	}
}

// WithBufferSize changes the snmp message buffer size of the current TrapListener
//
// NOTE: The buffer size cannot be 0 bytes, the default size is 65535 bytes
func (t *TrapListener) WithBufferSize(i uint) *TrapListener {
	if i < 1 {
		i = 1
	}

	t.buffSize = i
	return t
}

// Listening returns a sentinel channel on which one can block
// until the listener is ready to receive requests.
func (t *TrapListener) Listening() <-chan bool {
	t.Lock()
	defer t.Unlock()
	return t.listening
}

// Addr is the local address of the listener, nil before Listen.
func (t *TrapListener) Addr() net.Addr {
	t.Lock()
	defer t.Unlock()
	switch {
	case t.conn != nil:
		return t.conn.LocalAddr()
	case t.dtlsListener != nil:
		return t.dtlsListener.Addr()
	}
	return nil
}

// Close terminates the listening on TrapListener socket
func (t *TrapListener) Close() {
	if !t.finish.CompareAndSwap(false, true) {
		return
	}
	t.Lock()
	var closeErr error
	switch {
	case t.conn != nil:
		closeErr = t.conn.Close()
	case t.dtlsListener != nil:
		t.closeAssociations()
		closeErr = t.dtlsListener.Close()
	default:
		t.Unlock()
		return // No listener to close
	}
	t.Unlock()

	if closeErr != nil {
		t.Params.Logger.Printf("failed to Close() the TrapListener socket: %s", closeErr)
	}

	select {
	case <-t.done:
	case <-time.After(t.CloseTimeout): // A timeout can prevent blocking forever
		t.Params.Logger.Printf("timeout while awaiting done signal on TrapListener Close()")
	}
}

// Listen listens on addr and calls OnTrap for every notification received.
// addr is "host:port" or "udp://host:port" for UDP, "dtls://host:port" for
// DTLS. It returns after Close.
func (t *TrapListener) Listen(addr string) error {
	if t.Params == nil {
		t.Params = &Session{Version: Version2c}
	}
	if t.Params.Context == nil {
		t.Params.Context = context.Background()
	}
	if sp := t.Params.SecurityParameters; sp != nil {
		if err := sp.init(t.Params.Logger); err != nil {
			return err
		}
	}

	if t.OnTrap == nil {
		t.OnTrap = t.debugTrapHandler
	}
	t.started = time.Now()

	proto := "udp"
	if scheme, rest, ok := strings.Cut(addr, "://"); ok {
		proto, addr = scheme, rest
	}

	switch proto {
	case "udp", "udp4", "udp6":
		return t.listenUDP(proto, addr)
	case "dtls":
		return t.listenDTLS(addr)
	default:
		return fmt.Errorf("not implemented network protocol: %s [use: udp/dtls]", proto)
	}
}

func (t *TrapListener) listenUDP(network, addr string) error {
	conn, err := ListenUDP(t.Params.Context, network, addr)
	if err != nil {
		return err
	}
	t.Lock()
	t.conn = conn
	t.Unlock()
	defer close(t.done)
	defer conn.Close()

	// Mark that we are listening now.
	t.listening <- true

	buf := make([]byte, t.buffSize)
	for {
		rlen, remote, err := conn.ReadFrom(buf)
		if err != nil {
			if t.finish.Load() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			t.Params.Logger.Printf("TrapListener: error in read %s", err)
			continue
		}

		resp, err := t.handleDatagram(buf[:rlen], remote, "")
		if err != nil {
			t.Params.Logger.Printf("TrapListener: %s", err)
		}
		if resp == nil {
			continue
		}
		if _, err = conn.WriteTo(resp, remote); err != nil {
			t.Params.Logger.Printf("TrapListener: error sending reply: %s", err)
		}
	}
}

// handleDatagram processes one notification and returns the bytes to send
// back: an inform acknowledgement or a discovery report. securityName is
// set for DTLS peers.
func (t *TrapListener) handleDatagram(msg []byte, remote net.Addr, securityName string) ([]byte, error) {
	if resp, ok := t.answerDiscovery(msg); ok {
		return resp, nil
	}

	trap, err := t.Params.UnmarshalTrap(msg)
	if err != nil {
		t.Params.Metrics.discard("trap")
		return nil, err
	}
	if trap.PDUType == InformRequest {
		if resp, err := t.checkInformTime(trap); err != nil {
			return resp, err
		}
	}
	if tsm, ok := trap.SecurityParameters.(*TsmSecurityParameters); ok {
		if securityName == "" {
			t.Params.Metrics.discard("trap")
			return nil, errors.New("TSM notification outside a DTLS association")
		}
		tsm.SecurityName = securityName
	}

	// The handler must not alter the packet, it is reused for the
	// acknowledgement below.
	t.OnTrap(trap, remote)

	if trap.PDUType != InformRequest {
		return nil, nil
	}
	return t.acknowledge(trap)
}

// acknowledge turns an inform into its Response: same bindings,
// error-status noError (RFC 3416 section 4.2.7).
func (t *TrapListener) acknowledge(trap *SnmpPacket) ([]byte, error) {
	trap.PDUType = GetResponse
	trap.Error = NoError
	trap.ErrorIndex = 0
	trap.IsInform = false
	trap.MsgFlags &^= Reportable

	if sp, ok := trap.SecurityParameters.(*UsmSecurityParameters); ok && trap.MsgFlags&AuthPriv == AuthPriv {
		// the acknowledgement is encrypted under our engine, with a salt of ours
		local, _ := t.Params.SecurityParameters.(*UsmSecurityParameters)
		if local == nil {
			return nil, errors.New("no local USM user to encrypt the acknowledgement")
		}
		sp.PrivacyParameters = local.nextSalt(sp.AuthoritativeEngineBoots)
	}

	// TODO: Check that the message marshalled is not too large for the
	// originator and answer tooBig per RFC 3416 section 4.2.7.
	out, err := trap.marshalMsg()
	if err != nil {
		return nil, fmt.Errorf("error marshaling inform response: %w", err)
	}
	return out, nil
}

// answerDiscovery answers a v3 discovery probe, a reportable message with
// no authoritative engine ID, with a Report naming our engine
// (RFC 3414 section 4).
func (t *TrapListener) answerDiscovery(msg []byte) ([]byte, bool) {
	_, ok := t.Params.SecurityParameters.(*UsmSecurityParameters)
	if !ok {
		return nil, false
	}
	parser := &Session{Logger: t.Params.Logger}
	probe := &SnmpPacket{Logger: t.Params.Logger}
	cursor, err := parser.unmarshalHeader(msg, probe)
	if err != nil || probe.Version != Version3 || probe.SecurityModel != UserSecurityModel {
		return nil, false
	}
	wire, _ := probe.SecurityParameters.(*UsmSecurityParameters)
	// RFC 3411 section 5: a snmpEngineID is 5 to 32 octets
	if wire == nil || len(wire.AuthoritativeEngineID) >= 5 || probe.MsgFlags&Reportable == 0 {
		return nil, false
	}

	count := t.usmStatsUnknownEngineIDsCount.Add(1)
	report := t.report(probe, peekRequestID(parser, msg, cursor, probe), usmStatsUnknownEngineIDs, count, nil)
	resp, err := report.marshalMsg()
	if err != nil {
		t.Params.Logger.Printf("TrapListener: %s", err)
		return nil, true
	}
	return resp, true
}

// engineClock is the local snmpEngineBoots and snmpEngineTime: the
// configured values plus the seconds since Listen.
func (t *TrapListener) engineClock(local *UsmSecurityParameters) (uint32, uint32) {
	local.mu.Lock()
	boots, engineTime := local.AuthoritativeEngineBoots, local.AuthoritativeEngineTime
	local.mu.Unlock()
	elapsed := int64(time.Since(t.started) / time.Second)
	return boots, uint32(min(int64(engineTime)+elapsed, maxEngineTime)) //nolint:gosec
}

// checkInformTime applies the authoritative side checks of RFC 3414
// section 3.2 step 7 to an authenticated v3 inform: it must be addressed to
// our engine and fall inside our time window. A late inform is answered
// with an authenticated notInTimeWindows report when it is reportable.
func (t *TrapListener) checkInformTime(inform *SnmpPacket) ([]byte, error) {
	wire, ok := inform.SecurityParameters.(*UsmSecurityParameters)
	local, _ := t.Params.SecurityParameters.(*UsmSecurityParameters)
	if !ok || local == nil || inform.Version != Version3 || inform.MsgFlags&AuthNoPriv == 0 {
		return nil, nil
	}
	if wire.AuthoritativeEngineID != local.AuthoritativeEngineID {
		t.Params.Metrics.discard("trap")
		return nil, &AuthenticationError{Err: fmt.Errorf("%w: inform addressed to %x", ErrUnknownEngineID, wire.AuthoritativeEngineID)}
	}

	boots, engineTime := t.engineClock(local)
	if withinTimeWindow(wire.AuthoritativeEngineBoots, wire.AuthoritativeEngineTime, boots, engineTime) {
		return nil, nil
	}
	count := t.usmStatsNotInTimeWindowsCount.Add(1)
	t.Params.Metrics.discard(usmStatLabels[statNotInTimeWindows])
	cause := &AuthenticationError{Err: ErrNotInTimeWindow}
	if inform.MsgFlags&Reportable == 0 {
		return nil, cause
	}
	resp, err := t.report(inform, inform.RequestID, usmStatsNotInTimeWindows, count, local).marshalMsg()
	if err != nil {
		return nil, err
	}
	return resp, cause
}

// report builds the Report answering msg. It goes out noAuthNoPriv unless
// user is given, whose keys then authenticate it.
func (t *TrapListener) report(msg *SnmpPacket, requestID uint32, stat OID, count uint32, user *UsmSecurityParameters) *SnmpPacket {
	local, _ := t.Params.SecurityParameters.(*UsmSecurityParameters)
	boots, engineTime := t.engineClock(local)

	flags := NoAuthNoPriv
	sp := &UsmSecurityParameters{Logger: t.Params.Logger}
	if user != nil {
		flags = AuthNoPriv
		sp, _ = user.Copy().(*UsmSecurityParameters)
		sp.PrivacyParameters = nil
	}
	sp.AuthoritativeEngineID = local.AuthoritativeEngineID
	sp.AuthoritativeEngineBoots = boots
	sp.AuthoritativeEngineTime = engineTime

	return &SnmpPacket{
		Version:            Version3,
		MsgFlags:           flags,
		SecurityModel:      UserSecurityModel,
		SecurityParameters: sp,
		MsgID:              msg.MsgID,
		MsgMaxSize:         maxMsgSize,
		ContextEngineID:    local.AuthoritativeEngineID,
		PDUType:            Report,
		RequestID:          requestID,
		Variables:          []VarBind{{Name: stat, Type: Counter32, Value: count}},
		Logger:             t.Params.Logger,
	}
}

// debugTrapHandler is the default handler that logs received traps.
func (t *TrapListener) debugTrapHandler(s *SnmpPacket, addr net.Addr) {
	t.Params.Logger.Printf("got trapdata from %+v: %s", addr, s.SafeString())
}

// UnmarshalTrap decodes and checks a received notification: the community
// for v1 and v2c, the USM user, digest and privacy for v3. Only Trap,
// SNMPv2Trap and InformRequest PDUs are accepted.
func (x *Session) UnmarshalTrap(trap []byte) (*SnmpPacket, error) {
	result := &SnmpPacket{Logger: x.Logger}
	if x.SecurityParameters != nil {
		result.SecurityParameters = x.SecurityParameters.Copy()
	}

	cursor, err := x.unmarshalHeader(trap, result)
	if err != nil {
		x.Logger.Printf("UnmarshalTrap: %s", err)
		return nil, err
	}

	if result.Version == Version3 {
		if err = x.checkTrapSecurity(trap, result); err != nil {
			return nil, err
		}
		trap, cursor, err = x.decryptPacket(trap, cursor, result)
		if err != nil {
			x.Logger.Printf("UnmarshalTrap v3 decrypt: %s", err)
			return nil, err
		}
	} else if x.Community != "" && !communityMatches(x.Community, result.Community) {
		return nil, &AuthenticationError{Err: errors.New("community mismatch")}
	}

	if err = x.unmarshalPayload(trap, cursor, result); err != nil {
		x.Logger.Printf("UnmarshalTrap: %s", err)
		return nil, err
	}
	switch result.PDUType {
	case Trap, SNMPv2Trap, InformRequest:
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("%s is not a notification", result.PDUType)}
	}
	return result, nil
}

// checkTrapSecurity applies the USM checks a notification receiver can make:
// the user must be ours, and a message at least as strong as our configured
// level must carry a valid digest. TSM messages are vouched for by DTLS.
func (x *Session) checkTrapSecurity(trap []byte, result *SnmpPacket) error {
	if result.SecurityModel != UserSecurityModel {
		return nil
	}
	local, ok := x.SecurityParameters.(*UsmSecurityParameters)
	if !ok {
		if result.MsgFlags&AuthNoPriv != 0 {
			return &AuthenticationError{Err: ErrUnknownUsername}
		}
		return nil
	}
	wire, _ := result.SecurityParameters.(*UsmSecurityParameters)
	if wire.UserName != local.UserName {
		return &AuthenticationError{Err: fmt.Errorf("%w: %q", ErrUnknownUsername, wire.UserName)}
	}
	if x.MsgFlags&AuthNoPriv != 0 && result.MsgFlags&AuthNoPriv == 0 {
		return &AuthenticationError{Err: fmt.Errorf("%w: notification is %s, %s required", ErrUnknownSecurityLevel, result.MsgFlags, x.MsgFlags)}
	}
	if result.MsgFlags&AuthNoPriv == 0 {
		return nil
	}
	authentic, err := wire.isAuthentic(trap, result)
	if err != nil {
		return &AuthenticationError{Err: err}
	}
	if !authentic {
		return &AuthenticationError{Err: ErrWrongDigest}
	}
	return nil
}

// listenDTLS listens for SNMP traps over DTLS.
func (t *TrapListener) listenDTLS(addr string) error {
	if t.DTLSConfig == nil {
		return errors.New("DTLSConfig required for DTLS trap listener")
	}

	// Require client certs for TSM
	if t.DTLSConfig.ClientAuth == dtls.NoClientCert {
		t.DTLSConfig.ClientAuth = dtls.RequireAndVerifyClientCert
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &InvalidAddressError{Address: addr, Err: err}
	}

	listener, err := dtls.Listen("udp", udpAddr, t.DTLSConfig)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(t.Params.Context)
	defer cancel()
	t.Lock()
	t.dtlsListener = listener
	t.closeAssociations = cancel
	t.Unlock()
	defer close(t.done)

	t.listening <- true

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if t.finish.Load() {
				return nil
			}
			continue
		}
		dconn, ok := conn.(*dtls.Conn)
		if !ok {
			_ = conn.Close()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.handleDTLSConnection(ctx, dconn)
		}()
	}
}

// handleDTLSConnection serves every notification of one DTLS association.
// The association is closed when ctx ends.
func (t *TrapListener) handleDTLSConnection(ctx context.Context, conn *dtls.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	hsCtx, cancel := context.WithTimeout(ctx, t.CloseTimeout)
	err := conn.HandshakeContext(hsCtx)
	cancel()
	if err != nil {
		t.Params.Logger.Printf("DTLS handshake failed: %s", err)
		return
	}

	securityName := ""
	if len(t.CertMappings) > 0 {
		if securityName, err = dtlsPeerSecurityName(conn, t.CertMappings); err != nil {
			t.Params.Logger.Printf("DTLS: failed to extract securityName: %v", err)
			return
		}
	}

	buf := make([]byte, t.buffSize)
	for !t.finish.Load() {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		resp, err := t.handleDatagram(buf[:n], conn.RemoteAddr(), securityName)
		if err != nil {
			t.Params.Logger.Printf("DTLS: %s", err)
		}
		if resp == nil {
			continue
		}
		if _, err = conn.Write(resp); err != nil {
			t.Params.Logger.Printf("DTLS: failed to send Inform response: %s", err)
			return
		}
	}
}
