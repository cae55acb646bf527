// Copyright 2012 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"runtime"
	"slices"
	"sync/atomic"
	"time"
)

// SnmpVersion is the msgVersion field: 0 for v1, 1 for v2c, 3 for v3.
type SnmpVersion uint8

// Supported message versions.
const (
	Version1  SnmpVersion = 0x0
	Version2c SnmpVersion = 0x1
	Version3  SnmpVersion = 0x3
)

// SnmpPacket struct represents the entire SNMP Message or Sequence at the
// application layer.
type SnmpPacket struct {
	Version            SnmpVersion
	MsgFlags           SnmpV3MsgFlags
	SecurityModel      SnmpV3SecurityModel
	SecurityParameters SnmpV3SecurityParameters // interface
	ContextEngineID    string
	ContextName        string
	Community          string
	PDUType            PDUType
	MsgID              uint32
	RequestID          uint32
	MsgMaxSize         uint32
	Error              SNMPError
	ErrorIndex         uint32
	NonRepeaters       uint32
	MaxRepetitions     uint32
	Variables          []VarBind
	Logger             Logger

	// v1 traps have a very different format from v2c and v3 traps.
	//
	// These fields are set via the SnmpTrap parameter to SendTrap().
	SnmpTrap
}

// SnmpTrap is used to define a SNMP trap, and is passed into SendTrap
type SnmpTrap struct {
	Variables []VarBind

	// If true, the trap is an InformRequest, not a trap. This has no effect on
	// v1 traps, as Inform is not part of the v1 protocol.
	IsInform bool

	// These fields are required for SNMPV1 Trap Headers
	Enterprise   OID
	AgentAddress string
	GenericTrap  int
	SpecificTrap int
	Timestamp    uint32
}

// PDUType describes which SNMP Protocol Data Unit is being sent.
type PDUType byte

// The currently supported PDUType's
const (
	Sequence       PDUType = 0x30
	GetRequest     PDUType = 0xa0
	GetNextRequest PDUType = 0xa1
	GetResponse    PDUType = 0xa2
	SetRequest     PDUType = 0xa3
	Trap           PDUType = 0xa4 // v1
	GetBulkRequest PDUType = 0xa5
	InformRequest  PDUType = 0xa6
	SNMPv2Trap     PDUType = 0xa7 // v2c, v3
	Report         PDUType = 0xa8 // v3
)

// SNMPv3: User-based Security Model Report PDUs and
// error types as per https://tools.ietf.org/html/rfc3414
var (
	usmStatsUnsupportedSecLevels = MustParseOID(".1.3.6.1.6.3.15.1.1.1.0")
	usmStatsNotInTimeWindows     = MustParseOID(".1.3.6.1.6.3.15.1.1.2.0")
	usmStatsUnknownUserNames     = MustParseOID(".1.3.6.1.6.3.15.1.1.3.0")
	usmStatsUnknownEngineIDs     = MustParseOID(".1.3.6.1.6.3.15.1.1.4.0")
	usmStatsWrongDigests         = MustParseOID(".1.3.6.1.6.3.15.1.1.5.0")
	usmStatsDecryptionErrors     = MustParseOID(".1.3.6.1.6.3.15.1.1.6.0")
	snmpUnknownSecurityModels    = MustParseOID(".1.3.6.1.6.3.11.2.1.1.0")
	snmpInvalidMsgs              = MustParseOID(".1.3.6.1.6.3.11.2.1.2.0")
	snmpUnknownPDUHandlers       = MustParseOID(".1.3.6.1.6.3.11.2.1.3.0")
)

const rxBufSize = 65535 // max size of IPv4 & IPv6 packet

// maxMsgSize is the msgMaxSize we advertise: the largest UDP payload over IPv4.
const maxMsgSize = 65507

// SafeString returns a description of the packet that is safe to log: USM
// keys and passphrases are never included.
func (packet *SnmpPacket) SafeString() string {
	sp := ""
	if packet.SecurityParameters != nil {
		sp = packet.SecurityParameters.SafeString()
	}
	return fmt.Sprintf("Version:%s, MsgFlags:%s, SecurityModel:%s, SecurityParameters:%s, ContextEngineID:%x, ContextName:%s, Community:%s, PDUType:%s, MsgID:%d, RequestID:%d, MsgMaxSize:%d, Error:%s, ErrorIndex:%d, NonRepeaters:%d, MaxRepetitions:%d, Variables:%v",
		packet.Version,
		packet.MsgFlags,
		packet.SecurityModel,
		sp,
		packet.ContextEngineID,
		packet.ContextName,
		packet.Community,
		packet.PDUType,
		packet.MsgID,
		packet.RequestID,
		packet.MsgMaxSize,
		packet.Error,
		packet.ErrorIndex,
		packet.NonRepeaters,
		packet.MaxRepetitions,
		packet.Variables,
	)
}

// nextID advances counter and returns it as a positive Integer32. 0 is
// skipped: it is the request-id of a Report about an encrypted request.
func nextID(counter *uint32) uint32 {
	for {
		if id := atomic.AddUint32(counter, 1) & 0x7FFFFFFF; id != 0 {
			return id
		}
	}
}

// longAgo is used to abandon a blocked read when the caller's context ends.
var longAgo = time.Unix(1, 0)

// sendOneRequest sends/receives one SNMP request, handling retries.
//
// Every attempt reuses the request ID allocated here, so a late answer to an
// earlier transmission still completes the call. The attempt deadline is the
// session Timeout, cut short by the context deadline when that comes first.
func (x *Session) sendOneRequest(packetOut *SnmpPacket,
	wait bool) (result *SnmpPacket, err error) {
	timeout := x.Timeout
	start := time.Now()
	var lastErr error
	var lastResult *SnmpPacket

	conn := x.Conn
	stop := context.AfterFunc(x.Context, func() {
		_ = conn.SetDeadline(longAgo)
	})
	defer stop()

	reqID := nextID(&x.requestID)
	packetOut.RequestID = reqID
	allReqIDs := []uint32{reqID}

	attempt := 0
	for ; attempt <= x.Retries; attempt++ {
		if attempt > 0 {
			if x.OnRetry != nil {
				x.OnRetry(x)
			}
			x.Metrics.retry()
			x.Logger.Printf("Retry number %d. Last error was: %v", attempt, lastErr)
			if x.ExponentialTimeout {
				timeout *= 2
			}
		}

		if ctxErr := x.Context.Err(); ctxErr != nil {
			return lastResult, x.abandon(ctxErr, attempt, start)
		}

		reqDeadline := time.Now().Add(timeout)
		if contextDeadline, ok := x.Context.Deadline(); ok && contextDeadline.Before(reqDeadline) {
			reqDeadline = contextDeadline
		}

		result, err = x.doRequestAttempt(packetOut, allReqIDs, reqDeadline, wait)
		if err == nil {
			if x.OnFinish != nil {
				x.OnFinish(x)
			}
			return result, nil
		}

		if ctxErr := x.Context.Err(); ctxErr != nil {
			return lastResult, x.abandon(ctxErr, attempt+1, start)
		}

		if isV3ErrorNonRetriable(err) {
			return result, err
		}

		lastErr = err
		if result != nil {
			lastResult = result
		}
	}

	x.Metrics.timeout()
	terr := &TimeoutError{Target: x.Target, Attempts: attempt, Elapsed: time.Since(start)}
	if lastErr != nil && !isTimeoutError(lastErr) {
		terr.Cause = lastErr
	}
	return lastResult, terr
}

// abandon ends a call because the caller's context is done. The socket is
// closed, so the session must be reconnected before it is used again.
func (x *Session) abandon(ctxErr error, attempts int, start time.Time) error {
	x.Logger.Printf("context done after %d attempts, closing connection: %v", attempts, ctxErr)
	if closeErr := x.Close(); closeErr != nil {
		x.Logger.Printf("close after cancellation: %v", closeErr)
	}
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		x.Metrics.timeout()
		return &TimeoutError{Target: x.Target, Attempts: attempts, Elapsed: time.Since(start), Cause: ctxErr}
	}
	return fmt.Errorf("request abandoned: %w", ctxErr)
}

// generic "sender" that negotiate any version of snmp request
//

func (x *Session) send(packetOut *SnmpPacket, wait bool) (result *SnmpPacket, err error) {
	defer func() {
		if e := recover(); e != nil {
			var buf = make([]byte, 8192)
			runtime.Stack(buf, true)

			err = fmt.Errorf("recover: %v Stack:%v", e, string(buf))
		}
	}()

	if x.Conn == nil {
		return nil, ErrNotConnected
	}
	if !x.inFlight.CompareAndSwap(false, true) {
		return nil, ErrRequestInFlight
	}
	defer x.inFlight.Store(false)

	began := time.Now()
	defer func() {
		x.Metrics.observeRequest(packetOut.PDUType, time.Since(began), err)
	}()

	if x.Retries < 0 {
		x.Retries = 0
	}
	x.Logger.Print("SEND INIT")
	if packetOut.Version == Version3 {
		x.Logger.Print("SEND INIT NEGOTIATE SECURITY PARAMS")
		if err = x.negotiateInitialSecurityParameters(packetOut); err != nil {
			return &SnmpPacket{}, err
		}
		x.Logger.Print("SEND END NEGOTIATE SECURITY PARAMS")
	}

	result, err = x.sendOneRequest(packetOut, wait)
	if err != nil {
		x.Logger.Printf("SEND Error: %s", err)
		return result, err
	}

	// Engine ID discovery: agent told us our engine ID is unknown.
	// Rediscover and retry once.
	if result.Version == Version3 && result.PDUType == Report && len(result.Variables) >= 1 {
		if result.Variables[0].Name.Equal(usmStatsUnknownEngineIDs) {
			x.Logger.Print("SEND handling unknown engine id REPORT")
			if err = x.storeSecurityParameters(result); err != nil {
				return nil, err
			}
			if err = x.updatePktSecurityParameters(packetOut); err != nil {
				x.Logger.Printf("ERROR updatePktSecurityParameters error: %s", err)
				return nil, err
			}
			result, err = x.sendOneRequest(packetOut, wait)
			if err != nil {
				x.Logger.Printf("ERROR unknown engine id retransmit error: %s", err)
				return result, fmt.Errorf("%w: %w", ErrUnknownEngineID, err)
			}
			if result.PDUType == Report {
				return result, ErrUnknownEngineID
			}
		}
	}

	// keep the engine boots and time for the next request; the response
	// stands even if this fails
	if result.Version == Version3 && result.SecurityParameters != nil {
		x.Logger.Printf("SEND STORE SECURITY PARAMS: %s", result.SecurityParameters.SafeString())
		if err := x.storeSecurityParameters(result); err != nil {
			x.Logger.Printf("storeSecurityParameters failed (continuing): %v", err)
		}
	}

	return result, nil
}

// Request path: send -> sendOneRequest -> doRequestAttempt ->
// receiveUntilComplete -> receiveAndProcessResponse.
//
// sendOneRequest owns the Timeout/Retries budget. doRequestAttempt resends
// at most once within an attempt, after a notInTimeWindows report has given
// us the agent's clock (RFC 3414 section 4). An unknownEngineIDs report goes
// back up to send, which rediscovers and starts over.

// responseOutcome indicates how to proceed after processing a received packet.
type responseOutcome int

const (
	outcomeSuccess      responseOutcome = iota // Return result to caller
	outcomeResend                              // Recoverable REPORT, resend once
	outcomeContinueWait                        // Discarded datagram, keep waiting
	outcomeRetry                               // Start new attempt (timeout, etc.)
	outcomeFatal                               // Non-recoverable error
)

// isValidRequestID reports whether resultID answers one of the attempts.
func isValidRequestID(resultID uint32, allReqIDs []uint32) bool {
	return resultID != 0 && slices.Contains(allReqIDs, resultID)
}

// reportAnswers reports whether a Report belongs to the message just sent.
// The msgID must match, and so must the request-id, unless the request was
// encrypted: an agent that cannot decrypt it reports request-id 0
// (RFC 3412 section 7.1 step 3c).
func reportAnswers(report, packetOut *SnmpPacket, allReqIDs []uint32) bool {
	if report.MsgID != packetOut.MsgID {
		return false
	}
	if report.RequestID == 0 {
		return packetOut.MsgFlags&AuthPriv == AuthPriv
	}
	return slices.Contains(allReqIDs, report.RequestID)
}

// isV3ErrorNonRetriable lists the report outcomes that end the request at
// once instead of consuming the retry budget.
func isV3ErrorNonRetriable(err error) bool {
	return errors.Is(err, ErrNotInTimeWindow) ||
		errors.Is(err, ErrUnknownEngineID) ||
		errors.Is(err, ErrWrongDigest) ||
		errors.Is(err, ErrUnknownSecurityLevel) ||
		errors.Is(err, ErrUnknownUsername) ||
		errors.Is(err, ErrDecryption) ||
		errors.Is(err, ErrUnknownSecurityModels) ||
		errors.Is(err, ErrInvalidMsgs) ||
		errors.Is(err, ErrUnknownPDUHandlers) ||
		errors.Is(err, ErrUnknownReportPDU)
}

// isTimeoutError matches read and write deadline expiry.
func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}

// sendPacket sends the outgoing packet bytes to the network.
func (x *Session) sendPacket(outBuf []byte, deadline time.Time) error {
	if err := x.Conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}
	if _, err := x.Conn.Write(outBuf); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// peekV3PDUType reads the PDU tag of a plaintext scopedPDU starting at
// cursor. Reports may arrive at noAuthNoPriv (RFC 3414 section 11.4), so the
// tag is needed before the digest check. ok is false for encrypted or
// malformed payloads.
func peekV3PDUType(resp []byte, cursor int, log Logger) (PDUType, bool) {
	if cursor >= len(resp) {
		return 0, false
	}
	switch PDUType(resp[cursor]) {
	case PDUType(OctetString):
		return 0, false // encrypted
	case Sequence:
	default:
		return 0, false
	}

	// SEQUENCE { contextEngineID, contextName, PDU }
	_, hdrLen, err := parseLength(resp[cursor:])
	if err != nil {
		log.Printf("peekV3PDUType: parse SEQUENCE err: %v", err)
		return 0, false
	}
	cursor += hdrLen

	for _, field := range []string{"contextEngineID", "contextName"} {
		if cursor >= len(resp) {
			return 0, false
		}
		_, consumed, err := parseRawField(log, resp[cursor:], field)
		if err != nil {
			log.Printf("peekV3PDUType: parse %s err: %v", field, err)
			return 0, false
		}
		cursor += consumed
	}
	if cursor >= len(resp) {
		return 0, false
	}

	return PDUType(resp[cursor]), true
}

// handleReportPDU maps the usmStats counter named by a Report to an outcome.
// Only notInTimeWindows and unknownEngineIDs can be recovered from, and the
// engine clock of a notInTimeWindows report is only trusted when the report
// was authenticated.
func (x *Session) handleReportPDU(result, packetOut *SnmpPacket,
	alreadyResent, authenticated bool) (*SnmpPacket, responseOutcome, error) {
	if len(result.Variables) < 1 {
		x.Logger.Printf("ERROR: malformed REPORT with no variables")
		return result, outcomeFatal, &ProtocolError{Reason: "REPORT without variables"}
	}

	oid := result.Variables[0].Name

	switch {
	case oid.Equal(usmStatsNotInTimeWindows):
		// adopt the boots and time the report carries and resend
		x.Logger.Print("WARNING detected out-of-time-window ERROR")

		if !authenticated {
			x.Metrics.discard("auth")
			return nil, outcomeContinueWait, &AuthenticationError{Err: fmt.Errorf("%w: report not authenticated", ErrNotInTimeWindow)}
		}
		if alreadyResent {
			return result, outcomeFatal, &AuthenticationError{Err: ErrNotInTimeWindow}
		}

		if err := x.storeSecurityParameters(result); err != nil {
			x.Logger.Printf("storeSecurityParameters failed: %v", err)
			return result, outcomeFatal, err
		}
		if err := x.updatePktSecurityParameters(packetOut); err != nil {
			x.Logger.Printf("ERROR updatePktSecurityParameters error: %s", err)
			return result, outcomeFatal, err
		}

		return result, outcomeResend, ErrNotInTimeWindow

	case oid.Equal(usmStatsUnknownEngineIDs):
		// send() rediscovers
		x.Logger.Print("WARNING detected unknown engine id ERROR")
		return result, outcomeSuccess, nil

	case oid.Equal(usmStatsWrongDigests):
		return result, outcomeFatal, &AuthenticationError{Err: ErrWrongDigest}

	case oid.Equal(usmStatsUnsupportedSecLevels):
		return result, outcomeFatal, &AuthenticationError{Err: ErrUnknownSecurityLevel}

	case oid.Equal(usmStatsUnknownUserNames):
		return result, outcomeFatal, &AuthenticationError{Err: ErrUnknownUsername}

	case oid.Equal(usmStatsDecryptionErrors):
		return result, outcomeFatal, &AuthenticationError{Err: ErrDecryption}

	case oid.Equal(snmpUnknownSecurityModels):
		return result, outcomeFatal, ErrUnknownSecurityModels

	case oid.Equal(snmpInvalidMsgs):
		return result, outcomeFatal, ErrInvalidMsgs

	case oid.Equal(snmpUnknownPDUHandlers):
		return result, outcomeFatal, ErrUnknownPDUHandlers

	default:
		return result, outcomeFatal, ErrUnknownReportPDU
	}
}

// receiveAndProcessResponse receives one packet and determines how to proceed.
//
// A datagram that cannot be trusted as the answer to this request is
// discarded, and the caller keeps waiting until the attempt deadline.
func (x *Session) receiveAndProcessResponse(packetOut *SnmpPacket, allReqIDs []uint32,
	alreadyResent bool) (*SnmpPacket, responseOutcome, error) {
	resp, err := x.receive()
	if err != nil {
		return nil, outcomeRetry, err
	}

	if x.OnRecv != nil {
		x.OnRecv(x)
	}
	x.Logger.Printf("GET RESPONSE OK: %x", resp)

	result := &SnmpPacket{Logger: x.Logger}
	result.MsgFlags = packetOut.MsgFlags
	if packetOut.SecurityParameters != nil {
		result.SecurityParameters = packetOut.SecurityParameters.Copy()
	}

	cursor, err := x.unmarshalHeader(resp, result)
	if err != nil {
		x.Logger.Printf("ERROR on unmarshal header: %s", err)
		x.Metrics.discard("codec")
		return nil, outcomeContinueWait, err
	}
	if result.Version != packetOut.Version {
		x.Metrics.discard("version")
		return nil, outcomeContinueWait, &ProtocolError{Reason: fmt.Sprintf("response version %s, sent %s", result.Version, packetOut.Version)}
	}

	authenticated := false
	if result.Version == Version3 {
		// REPORTs may be sent with noAuthNoPriv security level per RFC 3414 section 11.4.
		// We must skip auth verification for these or we'd reject valid REPORTs.
		skipAuth := false
		if result.MsgFlags&AuthNoPriv == 0 {
			if pduType, ok := peekV3PDUType(resp, cursor, x.Logger); ok && pduType == Report {
				skipAuth = true
			}
		}

		if !skipAuth {
			if authErr := x.testAuthentication(resp, result); authErr != nil {
				x.Logger.Printf("ERROR on Test Authentication on v3: %s", authErr)
				x.Metrics.discard("auth")
				return nil, outcomeContinueWait, authErr
			}
			authenticated = result.MsgFlags&AuthNoPriv != 0
		}

		resp, cursor, err = x.decryptPacket(resp, cursor, result)
		if err != nil {
			x.Logger.Printf("ERROR on decryptPacket on v3: %s", err)
			x.Metrics.discard("decrypt")
			return nil, outcomeContinueWait, err
		}
	} else if !communityMatches(packetOut.Community, result.Community) {
		x.Logger.Print("ERROR community mismatch in response")
		x.Metrics.discard("community")
		return nil, outcomeContinueWait, &AuthenticationError{Err: errors.New("community mismatch")}
	}

	if err := x.unmarshalPayload(resp, cursor, result); err != nil {
		x.Logger.Printf("ERROR on UnmarshalPayload: %s", err)
		x.Metrics.discard("codec")
		return nil, outcomeContinueWait, err
	}

	// REPORTs skip the response checks below, but not the request match
	if result.Version == Version3 && result.PDUType == Report {
		if !reportAnswers(result, packetOut, allReqIDs) {
			x.Logger.Printf("ERROR report for msgID %d requestID %d does not match", result.MsgID, result.RequestID)
			x.Metrics.discard("request_id")
			return nil, outcomeContinueWait, nil
		}
		return x.handleReportPDU(result, packetOut, alreadyResent, authenticated)
	}

	if result.Version == Version3 && result.MsgFlags&AuthPriv != packetOut.MsgFlags&AuthPriv {
		x.Metrics.discard("auth")
		return nil, outcomeContinueWait, &AuthenticationError{Err: fmt.Errorf("%w: response is %s, request was %s", ErrUnknownSecurityLevel, result.MsgFlags, packetOut.MsgFlags)}
	}

	if result.PDUType != GetResponse {
		x.Metrics.discard("pdu_type")
		return nil, outcomeContinueWait, &ProtocolError{Reason: fmt.Sprintf("unexpected %s in reply", result.PDUType)}
	}

	if !isValidRequestID(result.RequestID, allReqIDs) {
		x.Logger.Print("ERROR out of order")
		x.Metrics.discard("request_id")
		return nil, outcomeContinueWait, nil
	}

	if result.Error == NoError && len(result.Variables) < 1 && len(packetOut.Variables) > 0 {
		x.Logger.Printf("ERROR: empty result")
		x.Metrics.discard("empty")
		return nil, outcomeContinueWait, &ProtocolError{Reason: "empty response"}
	}

	if len(packetOut.Variables) > 0 && len(result.Variables) > responseBindingLimit(packetOut) {
		x.Metrics.discard("bindings")
		return nil, outcomeContinueWait, &ProtocolError{Reason: fmt.Sprintf("%d bindings in reply to %d", len(result.Variables), len(packetOut.Variables))}
	}

	return result, outcomeSuccess, nil
}

// receiveUntilComplete reads until one datagram settles the attempt.
func (x *Session) receiveUntilComplete(packetOut *SnmpPacket, allReqIDs []uint32,
	alreadyResent bool) (result *SnmpPacket, needsResend bool, err error) {
	var lastDiscard error
	for {
		x.Logger.Print("WAITING RESPONSE...")

		result, outcome, err := x.receiveAndProcessResponse(packetOut, allReqIDs, alreadyResent)

		switch outcome {
		case outcomeSuccess:
			return result, false, nil
		case outcomeResend:
			return result, true, err
		case outcomeContinueWait:
			if err != nil {
				lastDiscard = err
			}
			continue
		case outcomeRetry:
			if lastDiscard != nil && isTimeoutError(err) {
				x.Logger.Printf("attempt ended; last discarded datagram: %v", lastDiscard)
			}
			return result, false, err
		case outcomeFatal:
			return result, false, err
		default:
			return nil, false, fmt.Errorf("unexpected response outcome: %d", outcome)
		}
	}
}

// doRequestAttempt transmits packetOut and waits until deadline. After a
// notInTimeWindows report it resends once with the agent's clock.
func (x *Session) doRequestAttempt(packetOut *SnmpPacket, allReqIDs []uint32,
	deadline time.Time, wait bool) (*SnmpPacket, error) {
	alreadyResent := false
	var lastReportResult *SnmpPacket // returned if the resend goes unanswered

	for {
		if x.Version == Version3 {
			packetOut.MsgID = nextID(&x.msgID)
			if err := x.initPacket(packetOut); err != nil {
				return nil, err
			}
			if x.Logger.Enabled() {
				packetOut.SecurityParameters.Log()
			}
		}

		outBuf, err := packetOut.marshalMsg()
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}

		if x.PreSend != nil {
			x.PreSend(x)
		}
		if x.Logger.Enabled() {
			x.Logger.Printf("SENDING PACKET: %s", packetOut.SafeString())
		}

		if sendErr := x.sendPacket(outBuf, deadline); sendErr != nil {
			if lastReportResult != nil {
				return lastReportResult, sendErr
			}
			return nil, sendErr
		}

		if x.OnSent != nil {
			x.OnSent(x)
		}

		if !wait {
			return &SnmpPacket{}, nil
		}

		result, needsResend, err := x.receiveUntilComplete(packetOut, allReqIDs, alreadyResent)

		if !needsResend {
			if result == nil && lastReportResult != nil && err != nil {
				return lastReportResult, err
			}
			return result, err
		}

		if alreadyResent {
			return result, err
		}

		if result != nil && result.PDUType == Report {
			lastReportResult = result
		}
		alreadyResent = true
	}
}

// -- Marshalling Logic --------------------------------------------------------

// MarshalMsg marshalls a snmp packet, ready for sending across the wire
func (packet *SnmpPacket) MarshalMsg() ([]byte, error) {
	return packet.marshalMsg()
}

// marshal an SNMP message
func (packet *SnmpPacket) marshalMsg() ([]byte, error) {
	var err error
	buf := new(bytes.Buffer)

	// version
	buf.Write([]byte{byte(Integer), 1, byte(packet.Version)})

	if packet.Version == Version3 {
		buf, err = packet.marshalV3(buf)
		if err != nil {
			return nil, err
		}
	} else {
		// community
		if err = marshalTLV(buf, byte(OctetString), []byte(packet.Community)); err != nil {
			return nil, err
		}
		// pdu
		pdu, err2 := packet.marshalPDU()
		if err2 != nil {
			return nil, err2
		}
		buf.Write(pdu)
	}

	// build up resulting msg - sequence, length then the tail (buf)
	msg := new(bytes.Buffer)
	if err = marshalTLV(msg, byte(Sequence), buf.Bytes()); err != nil {
		return nil, err
	}

	authenticatedMessage, err := packet.authenticate(msg.Bytes())
	if err != nil {
		return nil, err
	}

	return authenticatedMessage, nil
}

func (packet *SnmpPacket) marshalSNMPV1TrapHeader() ([]byte, error) {
	buf := new(bytes.Buffer)

	// marshal OID
	oidBytes, err := marshalObjectIdentifier(packet.Enterprise)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal OID: %w", err)
	}
	if err = marshalTLV(buf, byte(ObjectIdentifier), oidBytes); err != nil {
		return nil, err
	}

	// marshal AgentAddress (ip address)
	ipAddressBytes, err := marshalValue(IPAddress, packet.AgentAddress)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal SNMPv1 AgentAddress: %w", err)
	}
	buf.Write(ipAddressBytes)

	// generic-trap and specific-trap are INTEGERs
	genericTrapBytes, err := marshalInt32(packet.GenericTrap)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal SNMPv1 GenericTrap: %w", err)
	}
	if err = marshalTLV(buf, byte(Integer), genericTrapBytes); err != nil {
		return nil, err
	}

	// marshal SpecificTrap
	specificTrapBytes, err := marshalInt32(packet.SpecificTrap)
	if err != nil {
		return nil, fmt.Errorf("unable to marshal SNMPv1 SpecificTrap: %w", err)
	}
	if err = marshalTLV(buf, byte(Integer), specificTrapBytes); err != nil {
		return nil, err
	}

	// marshal timeTicks
	if err = marshalTLV(buf, byte(TimeTicks), marshalUint64(uint64(packet.Timestamp))); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// marshal a PDU
func (packet *SnmpPacket) marshalPDU() ([]byte, error) {
	buf := new(bytes.Buffer)

	switch packet.PDUType {
	case GetBulkRequest:
		// requestid, non repeaters, max repetitions
		for _, v := range []int64{int64(int32(packet.RequestID)), int64(packet.NonRepeaters), int64(packet.MaxRepetitions)} {
			if err := marshalTLV(buf, byte(Integer), marshalInt64(v)); err != nil {
				return nil, fmt.Errorf("marshalPDU: %w", err)
			}
		}

	case Trap:
		// write SNMP V1 Trap Header fields
		snmpV1TrapHeader, err := packet.marshalSNMPV1TrapHeader()
		if err != nil {
			return nil, err
		}

		buf.Write(snmpV1TrapHeader)

	default:
		// requestid, error status, error index
		for _, v := range []int64{int64(int32(packet.RequestID)), int64(packet.Error), int64(packet.ErrorIndex)} {
			if err := marshalTLV(buf, byte(Integer), marshalInt64(v)); err != nil {
				return nil, fmt.Errorf("marshalPDU: %w", err)
			}
		}
	}

	// build varbind list
	vbl, err := packet.marshalVBL()
	if err != nil {
		return nil, fmt.Errorf("marshalPDU: unable to marshal varbind list: %w", err)
	}
	buf.Write(vbl)

	// build up resulting pdu
	pdu := new(bytes.Buffer)
	if err = marshalTLV(pdu, byte(packet.PDUType), buf.Bytes()); err != nil {
		return nil, fmt.Errorf("marshalPDU: unable to marshal pdu: %w", err)
	}
	return pdu.Bytes(), nil
}

// marshal a varbind list
func (packet *SnmpPacket) marshalVBL() ([]byte, error) {
	vblBuf := new(bytes.Buffer)
	for i := range packet.Variables {
		vb, err := marshalVarbind(&packet.Variables[i])
		if err != nil {
			return nil, err
		}
		vblBuf.Write(vb)
	}

	result := new(bytes.Buffer)
	if err := marshalTLV(result, byte(Sequence), vblBuf.Bytes()); err != nil {
		return nil, err
	}
	return result.Bytes(), nil
}

// marshalVarbind encodes an SNMP variable binding (varbind) as BER.
// Returns a Sequence TLV containing the OID and its associated value:
//
//	Sequence {
//	  ObjectIdentifier (vb.Name)
//	  <Value TLV>      (vb.Type + vb.Value)
//	}
func marshalVarbind(vb *VarBind) ([]byte, error) {
	oid, err := marshalObjectIdentifier(vb.Name)
	if err != nil {
		return nil, err
	}
	tmpBuf := new(bytes.Buffer)
	if err = marshalTLV(tmpBuf, byte(ObjectIdentifier), oid); err != nil {
		return nil, err
	}

	value, err := marshalValue(vb.Type, vb.Value)
	if err != nil {
		return nil, fmt.Errorf("varbind %s: %w", vb.Name, err)
	}
	tmpBuf.Write(value)

	vbBuf := new(bytes.Buffer)
	if err = marshalTLV(vbBuf, byte(Sequence), tmpBuf.Bytes()); err != nil {
		return nil, err
	}
	return vbBuf.Bytes(), nil
}

// -- Unmarshalling Logic ------------------------------------------------------

func (x *Session) unmarshalVersionFromHeader(packet []byte, response *SnmpPacket) (SnmpVersion, int, error) {
	if len(packet) < 2 {
		return 0, 0, &CodecError{Field: "message", Err: ErrTruncated}
	}
	if response == nil {
		return 0, 0, fmt.Errorf("cannot unmarshal response into nil packet reference")
	}

	response.Variables = make([]VarBind, 0, 5)

	// First bytes should be 0x30
	if PDUType(packet[0]) != Sequence {
		return 0, 0, &CodecError{Field: "message", Err: fmt.Errorf("invalid packet header %#x", packet[0])}
	}

	length, cursor, err := parseLength(packet)
	if err != nil {
		return 0, 0, err
	}
	if len(packet) != length {
		return 0, 0, &CodecError{Field: "message", Err: fmt.Errorf("packet sanity: got %d bytes, header says %d", len(packet), length)}
	}
	x.Logger.Printf("Packet sanity verified, we got all the bytes (%d)", length)

	// Parse SNMP Version
	rawVersion, count, err := parseRawField(x.Logger, packet[cursor:], "version")
	if err != nil {
		return 0, 0, err
	}

	cursor += count
	if cursor >= len(packet) {
		return 0, 0, &CodecError{Field: "message", Err: ErrTruncated}
	}

	version, ok := rawVersion.(int)
	if !ok {
		return 0, 0, &ProtocolError{Reason: "version is not an INTEGER"}
	}
	switch SnmpVersion(version) {
	case Version1, Version2c, Version3:
	default:
		return 0, 0, &ProtocolError{Reason: fmt.Sprintf("unsupported SNMP version %d", version)}
	}
	x.Logger.Printf("Parsed version %d", version)
	return SnmpVersion(version), cursor, nil
}

func (x *Session) unmarshalHeader(packet []byte, response *SnmpPacket) (int, error) {
	version, cursor, err := x.unmarshalVersionFromHeader(packet, response)
	if err != nil {
		return 0, err
	}
	response.Version = version

	if response.Version == Version3 {
		oldcursor := cursor
		cursor, err = x.unmarshalV3Header(packet, cursor, response)
		if err != nil {
			return 0, err
		}
		x.Logger.Printf("UnmarshalV3Header done. [with SecurityParameters]. Header Size %d", cursor-oldcursor)
	} else {
		// Parse community
		rawCommunity, count, err := parseRawField(x.Logger, packet[cursor:], "community")
		if err != nil {
			return 0, err
		}
		cursor += count

		community, ok := rawCommunity.(string)
		if !ok {
			return 0, &ProtocolError{Reason: "community is not an OCTET STRING"}
		}
		response.Community = community
	}
	return cursor, nil
}

func (x *Session) unmarshalPayload(packet []byte, cursor int, response *SnmpPacket) error {
	if len(packet) == 0 {
		return &CodecError{Field: "payload", Err: ErrTruncated}
	}
	if cursor >= len(packet) {
		return &CodecError{Field: "payload", Err: fmt.Errorf("%w: packet length %d cursor %d", ErrTruncated, len(packet), cursor)}
	}
	if response == nil {
		return errors.New("cannot unmarshal payload response into nil packet reference")
	}

	// Parse SNMP packet type
	requestType := PDUType(packet[cursor])
	x.Logger.Printf("UnmarshalPayload Meet PDUType %#x. Offset %v", requestType, cursor)
	switch requestType {
	// known, supported types
	case GetResponse, GetNextRequest, GetBulkRequest, Report, SNMPv2Trap, GetRequest, SetRequest, InformRequest:
		response.PDUType = requestType
		if err := x.unmarshalResponse(packet[cursor:], response); err != nil {
			return fmt.Errorf("error in unmarshalResponse: %w", err)
		}
		// If it's an InformRequest, mark the trap.
		response.IsInform = (requestType == InformRequest)
	case Trap:
		response.PDUType = requestType
		if err := x.unmarshalTrapV1(packet[cursor:], response); err != nil {
			return fmt.Errorf("error in unmarshalTrapV1: %w", err)
		}
	default:
		x.Logger.Printf("UnmarshalPayload Meet Unknown PDUType %#x. Offset %v", requestType, cursor)
		return &ProtocolError{Reason: fmt.Sprintf("unknown PDUType %#x", byte(requestType))}
	}
	return nil
}

// parseIntField parses one INTEGER header field.
func (x *Session) parseIntField(packet []byte, cursor *int, name string) (int, error) {
	if *cursor >= len(packet) {
		return 0, &CodecError{Field: name, Err: ErrTruncated}
	}
	raw, count, err := parseRawField(x.Logger, packet[*cursor:], name)
	if err != nil {
		return 0, err
	}
	v, ok := raw.(int)
	if !ok {
		return 0, &ProtocolError{Reason: name + " is not an INTEGER"}
	}
	*cursor += count
	return v, nil
}

func (x *Session) unmarshalResponse(packet []byte, response *SnmpPacket) error {
	getResponseLength, cursor, err := parseLength(packet)
	if err != nil {
		return err
	}
	// trailing bytes after the PDU (eg DES padding) are not part of it
	packet = packet[:getResponseLength]
	x.Logger.Printf("getResponseLength: %d", getResponseLength)

	// Parse Request-ID
	requestid, err := x.parseIntField(packet, &cursor, "request id")
	if err != nil {
		return err
	}
	response.RequestID = uint32(requestid) //nolint:gosec
	x.Logger.Printf("requestID: %d", response.RequestID)

	if response.PDUType == GetBulkRequest {
		nonRepeaters, err := x.parseIntField(packet, &cursor, "non repeaters")
		if err != nil {
			return err
		}
		maxRepetitions, err := x.parseIntField(packet, &cursor, "max repetitions")
		if err != nil {
			return err
		}
		response.NonRepeaters = uint32(max(nonRepeaters, 0))     //nolint:gosec
		response.MaxRepetitions = uint32(max(maxRepetitions, 0)) //nolint:gosec
	} else {
		errorStatus, err := x.parseIntField(packet, &cursor, "error-status")
		if err != nil {
			return err
		}
		errorIndex, err := x.parseIntField(packet, &cursor, "error index")
		if err != nil {
			return err
		}
		if errorStatus < 0 || errorStatus > 255 || errorIndex < 0 {
			return &ProtocolError{Reason: fmt.Sprintf("invalid error-status %d / error-index %d", errorStatus, errorIndex)}
		}
		response.Error = SNMPError(errorStatus)     //nolint:gosec
		response.ErrorIndex = uint32(errorIndex)    //nolint:gosec
		x.Logger.Printf("errorStatus: %d", errorStatus)
	}

	if cursor >= len(packet) {
		return &CodecError{Field: "varbind list", Err: ErrTruncated}
	}
	return x.unmarshalVBL(packet[cursor:], response)
}

func (x *Session) unmarshalTrapV1(packet []byte, response *SnmpPacket) error {
	getResponseLength, cursor, err := parseLength(packet)
	if err != nil {
		return err
	}
	packet = packet[:getResponseLength]
	x.Logger.Printf("getResponseLength: %d", getResponseLength)

	// Parse Enterprise
	rawEnterprise, count, err := parseRawField(x.Logger, packet[cursor:], "enterprise")
	if err != nil {
		return err
	}
	cursor += count
	enterprise, ok := rawEnterprise.(OID)
	if !ok {
		return &ProtocolError{Reason: "trap enterprise is not an OID"}
	}
	response.Enterprise = enterprise

	// Parse AgentAddress
	if cursor >= len(packet) {
		return &CodecError{Field: "agent-address", Err: ErrTruncated}
	}
	rawAgentAddress, count, err := parseRawField(x.Logger, packet[cursor:], "agent-address")
	if err != nil {
		return err
	}
	cursor += count
	if agentAddress, ok := rawAgentAddress.(string); ok {
		response.AgentAddress = agentAddress
	}

	// Parse GenericTrap
	if response.GenericTrap, err = x.parseIntField(packet, &cursor, "generic-trap"); err != nil {
		return err
	}

	// Parse SpecificTrap
	if response.SpecificTrap, err = x.parseIntField(packet, &cursor, "specific-trap"); err != nil {
		return err
	}

	// Parse TimeStamp
	if cursor >= len(packet) {
		return &CodecError{Field: "time-stamp", Err: ErrTruncated}
	}
	rawTimestamp, count, err := parseRawField(x.Logger, packet[cursor:], "time-stamp")
	if err != nil {
		return err
	}
	cursor += count
	if timestamp, ok := rawTimestamp.(uint32); ok {
		response.Timestamp = timestamp
	}

	if cursor >= len(packet) {
		return &CodecError{Field: "varbind list", Err: ErrTruncated}
	}
	return x.unmarshalVBL(packet[cursor:], response)
}

// unmarshal a Varbind list
func (x *Session) unmarshalVBL(packet []byte, response *SnmpPacket) error {
	if len(packet) == 0 {
		return &CodecError{Field: "varbind list", Err: ErrTruncated}
	}
	if PDUType(packet[0]) != Sequence {
		return &CodecError{Field: "varbind list", Err: fmt.Errorf("expected a sequence, got %#x", packet[0])}
	}

	vblLength, cursor, err := parseLength(packet)
	if err != nil {
		return err
	}
	if len(packet) != vblLength {
		return &CodecError{Field: "varbind list", Err: fmt.Errorf("packet length %d vbl length %d", len(packet), vblLength)}
	}
	x.Logger.Printf("vblLength: %d", vblLength)

	// Loop & parse Varbinds
	for cursor < vblLength {
		if PDUType(packet[cursor]) != Sequence {
			return &CodecError{Field: "varbind", Err: fmt.Errorf("expected a sequence, got %#x", packet[cursor])}
		}

		vbLength, vbHeader, err := parseLength(packet[cursor:])
		if err != nil {
			return err
		}
		vb := packet[cursor : cursor+vbLength]
		vbCursor := vbHeader

		// Parse OID
		if vbCursor >= len(vb) || Asn1BER(vb[vbCursor]) != ObjectIdentifier {
			return &CodecError{Field: "varbind name", Err: errors.New("missing OID")}
		}
		rawOid, oidLength, err := parseRawField(x.Logger, vb[vbCursor:], "OID")
		if err != nil {
			return err
		}
		vbCursor += oidLength
		oid, ok := rawOid.(OID)
		if !ok {
			return &CodecError{Field: "varbind name", Err: fmt.Errorf("unable to type assert rawOid |%v| to OID", rawOid)}
		}
		x.Logger.Printf("OID: %s", oid)

		// Parse Value
		if vbCursor >= len(vb) {
			return &CodecError{Field: "varbind value", Err: ErrTruncated}
		}
		typ, value, valueLength, err := x.decodeValue(vb[vbCursor:])
		if err != nil {
			return fmt.Errorf("error decoding value of %s: %w", oid, err)
		}
		if vbCursor+valueLength != len(vb) {
			return &CodecError{Field: "varbind", Err: fmt.Errorf("%d trailing bytes after value of %s", len(vb)-vbCursor-valueLength, oid)}
		}

		response.Variables = append(response.Variables, VarBind{Name: oid, Type: typ, Value: value})
		cursor += vbLength
	}
	return nil
}

// receive response from network and read into a byte array
func (x *Session) receive() ([]byte, error) {
	n, err := x.Conn.Read(x.rxBuf[:])
	if err != nil {
		return nil, fmt.Errorf("error reading from socket: %w", err)
	}

	if n == rxBufSize {
		// This should never happen unless we're using something like a unix domain socket.
		return nil, fmt.Errorf("response buffer too small")
	}

	resp := make([]byte, n)
	copy(resp, x.rxBuf[:n])
	return resp, nil
}
