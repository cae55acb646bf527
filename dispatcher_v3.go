// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	crand "crypto/rand"
	"errors"
	"fmt"
)

// usmStat indexes the usmStats counters of RFC 3414 section 5.
type usmStat int

const (
	statUnsupportedSecLevels usmStat = iota
	statNotInTimeWindows
	statUnknownUserNames
	statUnknownEngineIDs
	statWrongDigests
	statDecryptionErrors
	usmStatCount
)

var usmStatOIDs = [usmStatCount]OID{
	statUnsupportedSecLevels: usmStatsUnsupportedSecLevels,
	statNotInTimeWindows:     usmStatsNotInTimeWindows,
	statUnknownUserNames:     usmStatsUnknownUserNames,
	statUnknownEngineIDs:     usmStatsUnknownEngineIDs,
	statWrongDigests:         usmStatsWrongDigests,
	statDecryptionErrors:     usmStatsDecryptionErrors,
}

var usmStatLabels = [usmStatCount]string{
	statUnsupportedSecLevels: "unsupported_sec_level",
	statNotInTimeWindows:     "not_in_time_window",
	statUnknownUserNames:     "unknown_user",
	statUnknownEngineIDs:     "unknown_engine_id",
	statWrongDigests:         "wrong_digest",
	statDecryptionErrors:     "decryption_error",
}

// NewEngineID returns a random snmpEngineID in the RFC 3411 octets format
// under the net-snmp enterprise number.
func NewEngineID() string {
	id := make([]byte, 13)
	copy(id, []byte{0x80, 0x00, 0x1f, 0x88, 0x05})
	if _, err := crand.Read(id[5:]); err != nil {
		panic(fmt.Sprintf("snmpengine: reading random engine id: %v", err))
	}
	return string(id)
}

// securityLevel is the level a USM user is configured for.
func securityLevel(user *UsmSecurityParameters) SnmpV3MsgFlags {
	switch {
	case user.PrivacyProtocol > NoPriv:
		return AuthPriv
	case user.AuthenticationProtocol > NoAuth:
		return AuthNoPriv
	}
	return NoAuthNoPriv
}

// AddUser makes a USM user known to the dispatcher. The passphrases are
// localized to EngineID here. Requests for the user must use exactly the
// security level its protocols define.
func (d *Dispatcher) AddUser(user *UsmSecurityParameters) error {
	d.init()
	if user == nil {
		return errors.New("nil user")
	}
	u, _ := user.Copy().(*UsmSecurityParameters)
	if err := u.validate(securityLevel(u)); err != nil {
		return fmt.Errorf("user %q: %w", u.UserName, err)
	}
	u.AuthoritativeEngineID = d.EngineID
	u.AuthoritativeEngineBoots = d.EngineBoots
	u.AuthoritativeEngineTime = 0
	u.PrivacyParameters = nil
	if err := u.init(d.Logger); err != nil {
		return fmt.Errorf("user %q: %w", u.UserName, err)
	}

	d.usersMu.Lock()
	defer d.usersMu.Unlock()
	if d.users == nil {
		d.users = map[string]*UsmSecurityParameters{}
	}
	d.users[u.UserName] = u
	return nil
}

// RemoveUser forgets a USM user.
func (d *Dispatcher) RemoveUser(name string) bool {
	d.usersMu.Lock()
	defer d.usersMu.Unlock()
	_, ok := d.users[name]
	delete(d.users, name)
	return ok
}

func (d *Dispatcher) user(name string) *UsmSecurityParameters {
	d.usersMu.RLock()
	defer d.usersMu.RUnlock()
	return d.users[name]
}

// handleV3 runs the incoming USM or TSM processing of RFC 3414 section 3.2
// and RFC 5591, then serves the PDU.
func (d *Dispatcher) handleV3(parser *Session, msg []byte, cursor int, req *SnmpPacket, securityName string) ([]byte, error) {
	if req.SecurityModel == TransportSecurityModel {
		return d.handleTSM(parser, msg, cursor, req, securityName)
	}

	wire, _ := req.SecurityParameters.(*UsmSecurityParameters)
	level := req.MsgFlags & AuthPriv

	if wire.AuthoritativeEngineID != d.EngineID {
		// also the discovery probe, with an empty engine id and user
		return d.report(parser, msg, cursor, req, statUnknownEngineIDs, nil)
	}
	user := d.user(wire.UserName)
	if user == nil {
		return d.report(parser, msg, cursor, req, statUnknownUserNames, nil)
	}
	if securityLevel(user) != level {
		return d.report(parser, msg, cursor, req, statUnsupportedSecLevels, nil)
	}

	if level&AuthNoPriv != 0 {
		authentic, err := user.isAuthentic(msg, req)
		if err != nil || !authentic {
			return d.report(parser, msg, cursor, req, statWrongDigests, nil)
		}
		if !d.inTimeWindow(wire.AuthoritativeEngineBoots, wire.AuthoritativeEngineTime) {
			return d.report(parser, msg, cursor, req, statNotInTimeWindows, user)
		}
	}

	// decrypt with the user's keys and the sender's IV inputs
	sp, _ := user.Copy().(*UsmSecurityParameters)
	sp.AuthoritativeEngineBoots = wire.AuthoritativeEngineBoots
	sp.AuthoritativeEngineTime = wire.AuthoritativeEngineTime
	sp.PrivacyParameters = wire.PrivacyParameters
	req.SecurityParameters = sp

	plain, pduCursor, err := parser.decryptPacket(msg, cursor, req)
	if err != nil {
		var authErr *AuthenticationError
		if errors.As(err, &authErr) {
			return d.report(parser, msg, cursor, req, statDecryptionErrors, nil)
		}
		d.Metrics.discard("malformed")
		return nil, err
	}
	if err = parser.unmarshalPayload(plain, pduCursor, req); err != nil {
		d.Metrics.discard("malformed")
		return nil, err
	}
	if !req.PDUType.isConfirmed() || req.PDUType == InformRequest {
		d.Metrics.served(req.PDUType, "unsupported")
		return nil, &ProtocolError{Reason: fmt.Sprintf("%s is not served", req.PDUType)}
	}

	resp := d.serve(req, min(int(req.MsgMaxSize), d.MaxMessageSize))
	out, _ := user.Copy().(*UsmSecurityParameters)
	out.AuthoritativeEngineBoots = d.EngineBoots
	out.AuthoritativeEngineTime = d.engineTime()
	out.PrivacyParameters = nil
	if level == AuthPriv {
		out.PrivacyParameters = user.nextSalt(d.EngineBoots)
	}
	resp.MsgFlags = level
	resp.SecurityModel = UserSecurityModel
	resp.SecurityParameters = out
	resp.MsgID = req.MsgID
	resp.MsgMaxSize = maxMsgSize

	encoded, err := resp.marshalMsg()
	if err != nil {
		d.Metrics.served(req.PDUType, "error")
		return nil, err
	}
	d.Metrics.served(req.PDUType, servedResult(resp))
	return encoded, nil
}

// inTimeWindow applies RFC 3414 section 3.2 step 7b against our own clock.
func (d *Dispatcher) inTimeWindow(boots, engineTime uint32) bool {
	return withinTimeWindow(boots, engineTime, d.EngineBoots, d.engineTime())
}

// withinTimeWindow compares a message's boots and time with those of the
// authoritative engine receiving it.
func withinTimeWindow(boots, engineTime, localBoots, localTime uint32) bool {
	if boots != localBoots || boots == maxEngineTime {
		return false
	}
	diff := int64(engineTime) - int64(localTime)
	return diff <= timeWindow && diff >= -timeWindow
}

// handleTSM serves a v3 message that arrived over DTLS. The transport has
// already authenticated and decrypted it.
func (d *Dispatcher) handleTSM(parser *Session, msg []byte, cursor int, req *SnmpPacket, securityName string) ([]byte, error) {
	if securityName == "" {
		d.Metrics.discard("tsm_without_dtls")
		return nil, &AuthenticationError{Err: fmt.Errorf("%w: TSM message without a mapped DTLS peer", ErrUnknownSecurityModels)}
	}
	if req.MsgFlags&AuthPriv != AuthPriv {
		d.Metrics.discard("tsm_security_level")
		return nil, &AuthenticationError{Err: ErrUnknownSecurityLevel}
	}
	if tsm, ok := req.SecurityParameters.(*TsmSecurityParameters); ok {
		tsm.SecurityName = securityName
	}

	plain, pduCursor, err := parser.decryptPacket(msg, cursor, req)
	if err != nil {
		d.Metrics.discard("malformed")
		return nil, err
	}
	if err = parser.unmarshalPayload(plain, pduCursor, req); err != nil {
		d.Metrics.discard("malformed")
		return nil, err
	}
	if !req.PDUType.isConfirmed() || req.PDUType == InformRequest {
		d.Metrics.served(req.PDUType, "unsupported")
		return nil, &ProtocolError{Reason: fmt.Sprintf("%s is not served", req.PDUType)}
	}

	resp := d.serve(req, min(int(req.MsgMaxSize), d.MaxMessageSize))
	resp.MsgFlags = AuthPriv
	resp.SecurityModel = TransportSecurityModel
	resp.SecurityParameters = &TsmSecurityParameters{SecurityName: securityName, Logger: d.Logger}
	resp.MsgID = req.MsgID
	resp.MsgMaxSize = maxMsgSize

	encoded, err := resp.marshalMsg()
	if err != nil {
		d.Metrics.served(req.PDUType, "error")
		return nil, err
	}
	d.Metrics.served(req.PDUType, servedResult(resp))
	return encoded, nil
}

// report counts a failed security check and, when the request is
// reportable, builds the Report PDU for it. Reports go out noAuthNoPriv,
// except when user is given: notInTimeWindow reports are authenticated so
// the sender can trust the engine time they carry.
func (d *Dispatcher) report(parser *Session, msg []byte, cursor int, req *SnmpPacket, stat usmStat, user *UsmSecurityParameters) ([]byte, error) {
	count := d.stats[stat].Add(1)
	d.Metrics.discard(usmStatLabels[stat])
	cause := fmt.Errorf("usm check failed: %s", usmStatLabels[stat])
	if req.MsgFlags&Reportable == 0 {
		return nil, cause
	}

	wire, _ := req.SecurityParameters.(*UsmSecurityParameters)
	userName := ""
	if wire != nil {
		userName = wire.UserName
	}

	flags := NoAuthNoPriv
	sp := &UsmSecurityParameters{Logger: d.Logger}
	if user != nil {
		flags = AuthNoPriv
		sp, _ = user.Copy().(*UsmSecurityParameters)
	}
	sp.AuthoritativeEngineID = d.EngineID
	sp.AuthoritativeEngineBoots = d.EngineBoots
	sp.AuthoritativeEngineTime = d.engineTime()
	sp.UserName = userName
	sp.PrivacyParameters = nil

	pkt := &SnmpPacket{
		Version:            Version3,
		MsgFlags:           flags,
		SecurityModel:      UserSecurityModel,
		SecurityParameters: sp,
		MsgID:              req.MsgID,
		MsgMaxSize:         maxMsgSize,
		ContextEngineID:    d.EngineID,
		PDUType:            Report,
		RequestID:          peekRequestID(parser, msg, cursor, req),
		Variables:          []VarBind{{Name: usmStatOIDs[stat], Type: Counter32, Value: count}},
		Logger:             d.Logger,
	}
	out, err := pkt.marshalMsg()
	if err != nil {
		return nil, err
	}
	d.Metrics.served(Report, usmStatLabels[stat])
	return out, cause
}

// peekRequestID reads the request-id of a plaintext scoped PDU. An
// encrypted one cannot be read yet and reports use 0 (RFC 3412 section
// 7.1.3).
func peekRequestID(parser *Session, msg []byte, cursor int, req *SnmpPacket) uint32 {
	if req.MsgFlags&AuthPriv == AuthPriv {
		return 0
	}
	probe := &SnmpPacket{
		Version:            req.Version,
		MsgFlags:           req.MsgFlags,
		SecurityModel:      req.SecurityModel,
		SecurityParameters: req.SecurityParameters,
	}
	plain, pduCursor, err := parser.decryptPacket(msg, cursor, probe)
	if err != nil {
		return 0
	}
	if err = parser.unmarshalPayload(plain, pduCursor, probe); err != nil {
		return 0
	}
	req.ContextName = probe.ContextName
	return probe.RequestID
}
