// Copyright 2012 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"bytes"
	"errors"
	"fmt"
)

// SnmpV3MsgFlags contains various message flags to describe Authentication, Privacy, and whether a report PDU must be sent.
type SnmpV3MsgFlags uint8

// Possible values of SnmpV3MsgFlags
const (
	NoAuthNoPriv SnmpV3MsgFlags = 0x0 // No authentication, and no privacy
	AuthNoPriv   SnmpV3MsgFlags = 0x1 // Authentication and no privacy
	AuthPriv     SnmpV3MsgFlags = 0x3 // Authentication and privacy
	Reportable   SnmpV3MsgFlags = 0x4 // Report PDU must be sent.
)

func (f SnmpV3MsgFlags) String() string {
	var level string
	switch f & AuthPriv {
	case NoAuthNoPriv:
		level = "NoAuthNoPriv"
	case AuthNoPriv:
		level = "AuthNoPriv"
	case AuthPriv:
		level = "AuthPriv"
	default:
		level = fmt.Sprintf("SnmpV3MsgFlags(%#x)", uint8(f&AuthPriv))
	}
	if f&Reportable != 0 {
		return level + "|Reportable"
	}
	return level
}

// SnmpV3SecurityModel describes the security model used by a SnmpV3 connection
type SnmpV3SecurityModel uint8

// UserSecurityModel is the only SnmpV3SecurityModel that travels over plain
// UDP. TransportSecurityModel requires a DTLS session.
const (
	UserSecurityModel      SnmpV3SecurityModel = 3
	TransportSecurityModel SnmpV3SecurityModel = 4
)

func (m SnmpV3SecurityModel) String() string {
	switch m {
	case UserSecurityModel:
		return "UserSecurityModel"
	case TransportSecurityModel:
		return "TransportSecurityModel"
	}
	return fmt.Sprintf("SnmpV3SecurityModel(%d)", uint8(m))
}

// SnmpV3SecurityParameters is a generic interface type to contain various implementations of SnmpV3SecurityParameters
type SnmpV3SecurityParameters interface {
	Log()
	Copy() SnmpV3SecurityParameters
	Description() string
	SafeString() string
	InitPacket(packet *SnmpPacket) error
	InitSecurityKeys() error
	validate(flags SnmpV3MsgFlags) error
	init(log Logger) error
	discoveryRequired() *SnmpPacket
	getDefaultContextEngineID() string
	setSecurityParameters(in SnmpV3SecurityParameters) error
	marshal(flags SnmpV3MsgFlags) ([]byte, error)
	// unmarshal parses the msgSecurityParameters OCTET STRING starting at
	// cursor and returns the cursor of the scopedPDU that follows it.
	unmarshal(flags SnmpV3MsgFlags, packet []byte, cursor int) (int, error)
	authenticate(packet []byte) error
	isAuthentic(packetBytes []byte, packet *SnmpPacket) (bool, error)
	encryptPacket(scopedPdu []byte) ([]byte, error)
	decryptPacket(packet []byte, cursor int) ([]byte, error)
	getIdentifier() string
	getLogger() Logger
	setLogger(log Logger)
}

func (x *Session) validateParametersV3() error {
	switch x.SecurityModel {
	case UserSecurityModel:
		if _, ok := x.SecurityParameters.(*UsmSecurityParameters); !ok {
			return errors.New("SecurityModel indicates the User Security Model, but SecurityParameters is not of type *UsmSecurityParameters")
		}
	case TransportSecurityModel:
		if _, ok := x.SecurityParameters.(*TsmSecurityParameters); !ok {
			return errors.New("SecurityModel indicates the Transport Security Model, but SecurityParameters is not of type *TsmSecurityParameters")
		}
		if x.Transport != "dtls" {
			return fmt.Errorf("the Transport Security Model requires the dtls transport, not %q", x.Transport)
		}
	default:
		return fmt.Errorf("unsupported SNMPv3 security model %s", x.SecurityModel)
	}

	if err := x.SecurityParameters.init(x.Logger); err != nil {
		return err
	}
	return x.SecurityParameters.validate(x.MsgFlags)
}

// authenticate fills in the msgAuthenticationParameters of a marshalled v3
// message. Other versions are returned unchanged.
func (packet *SnmpPacket) authenticate(msg []byte) ([]byte, error) {
	if packet.Version != Version3 || packet.MsgFlags&AuthNoPriv == 0 {
		return msg, nil
	}
	if err := packet.SecurityParameters.authenticate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// testAuthentication verifies the digest of a received v3 message. A response
// weaker than the request is refused as well, otherwise an off-path sender
// could answer an authenticated request with an unauthenticated one.
func (x *Session) testAuthentication(packet []byte, result *SnmpPacket) error {
	if x.Version != Version3 {
		return fmt.Errorf("testAuthentication called with non Version3 connection")
	}

	if x.MsgFlags&AuthNoPriv != 0 && result.MsgFlags&AuthNoPriv == 0 {
		return &AuthenticationError{Err: fmt.Errorf("%w: response is %s, request was %s", ErrUnknownSecurityLevel, result.MsgFlags, x.MsgFlags)}
	}
	if result.MsgFlags&AuthNoPriv == 0 {
		return nil
	}

	authentic, err := result.SecurityParameters.isAuthentic(packet, result)
	if err != nil {
		return &AuthenticationError{Err: err}
	}
	if !authentic {
		return &AuthenticationError{Err: ErrWrongDigest}
	}
	return nil
}

// initPacket prepares the per-datagram security state: engine time estimate
// and a fresh privacy salt.
func (x *Session) initPacket(packetOut *SnmpPacket) error {
	if packetOut.SecurityParameters == nil {
		return errors.New("packet has no security parameters")
	}
	return x.SecurityParameters.InitPacket(packetOut)
}

// negotiateInitialSecurityParameters runs engine discovery when the security
// model needs it, then copies the learned engine state into packetOut.
func (x *Session) negotiateInitialSecurityParameters(packetOut *SnmpPacket) error {
	if x.Version != Version3 || packetOut.Version != Version3 {
		return fmt.Errorf("negotiateInitialSecurityParameters called with non Version3 connection or packet")
	}

	if x.SecurityModel != packetOut.SecurityModel {
		return fmt.Errorf("connection security model does not match security model defined in packet")
	}

	if discoveryPacket := x.SecurityParameters.discoveryRequired(); discoveryPacket != nil {
		discoveryPacket.ContextName = x.ContextName
		x.Logger.Printf("ENGINE DISCOVERY with %s", x.Target)
		result, err := x.sendOneRequest(discoveryPacket, true)
		if err != nil {
			return &EngineDiscoveryError{Target: x.Target, Err: err}
		}
		if result.SecurityParameters == nil || result.SecurityParameters.getDefaultContextEngineID() == "" {
			return &EngineDiscoveryError{Target: x.Target, Err: errors.New("response carried no authoritative engine id")}
		}
		if err = x.storeSecurityParameters(result); err != nil {
			return &EngineDiscoveryError{Target: x.Target, Err: err}
		}
	}

	return x.updatePktSecurityParameters(packetOut)
}

// storeSecurityParameters keeps the engine state a response told us about.
func (x *Session) storeSecurityParameters(result *SnmpPacket) error {
	if x.Version != Version3 || result.Version != Version3 {
		return fmt.Errorf("storeSecurityParameters called with non Version3 connection or packet")
	}

	if x.SecurityModel != result.SecurityModel {
		return fmt.Errorf("connection security model does not match security model extracted from packet")
	}

	if err := x.SecurityParameters.setSecurityParameters(result.SecurityParameters); err != nil {
		return err
	}
	if x.ContextEngineID == "" {
		x.ContextEngineID = result.SecurityParameters.getDefaultContextEngineID()
	}
	return nil
}

func (x *Session) updatePktSecurityParameters(packetOut *SnmpPacket) error {
	if x.Version != Version3 || packetOut.Version != Version3 {
		return fmt.Errorf("updatePktSecurityParameters called with non Version3 connection or packet")
	}

	if x.SecurityModel != packetOut.SecurityModel {
		return fmt.Errorf("connection security model does not match security model extracted from packet")
	}

	if err := packetOut.SecurityParameters.setSecurityParameters(x.SecurityParameters); err != nil {
		return err
	}

	if packetOut.ContextEngineID == "" {
		packetOut.ContextEngineID = x.ContextEngineID
	}
	if packetOut.ContextEngineID == "" {
		packetOut.ContextEngineID = x.SecurityParameters.getDefaultContextEngineID()
	}
	return nil
}

// marshalV3 appends header, security parameters and (possibly encrypted)
// scopedPDU to buf, which already holds the version.
func (packet *SnmpPacket) marshalV3(buf *bytes.Buffer) (*bytes.Buffer, error) {
	if packet.SecurityParameters == nil {
		return nil, errors.New("v3 packet has no security parameters")
	}

	header, err := packet.marshalV3Header()
	if err != nil {
		return nil, err
	}
	buf.Write(header)

	secParams, err := packet.SecurityParameters.marshal(packet.MsgFlags)
	if err != nil {
		return nil, err
	}
	if err = marshalTLV(buf, byte(OctetString), secParams); err != nil {
		return nil, err
	}

	scopedPdu, err := packet.marshalV3ScopedPDU()
	if err != nil {
		return nil, err
	}
	buf.Write(scopedPdu)
	return buf, nil
}

// marshal a snmp version 3 packet header
func (packet *SnmpPacket) marshalV3Header() ([]byte, error) {
	buf := new(bytes.Buffer)

	// msg id
	if err := marshalTLV(buf, byte(Integer), marshalInt64(int64(packet.MsgID))); err != nil {
		return nil, err
	}

	// maximum response msg size
	maxMsgSize := packet.MsgMaxSize
	if maxMsgSize == 0 {
		maxMsgSize = rxBufSize
	}
	if err := marshalTLV(buf, byte(Integer), marshalInt64(int64(maxMsgSize))); err != nil {
		return nil, err
	}

	// msg flags
	if err := marshalTLV(buf, byte(OctetString), []byte{byte(packet.MsgFlags)}); err != nil {
		return nil, err
	}

	// msg security model
	if err := marshalTLV(buf, byte(Integer), marshalInt64(int64(packet.SecurityModel))); err != nil {
		return nil, err
	}

	header := new(bytes.Buffer)
	if err := marshalTLV(header, byte(Sequence), buf.Bytes()); err != nil {
		return nil, err
	}
	return header.Bytes(), nil
}

// marshal and encrypt (if necessary) a snmp version 3 Scoped PDU
func (packet *SnmpPacket) marshalV3ScopedPDU() ([]byte, error) {
	scopedPdu, err := packet.prepareV3ScopedPDU()
	if err != nil {
		packet.Logger.Printf("Unable to prepare v3 scoped PDU: %s", err)
		return nil, err
	}

	// TSM relies on DTLS for privacy
	if packet.MsgFlags&AuthPriv != AuthPriv || packet.SecurityModel != UserSecurityModel {
		return scopedPdu, nil
	}

	ciphertext, err := packet.SecurityParameters.encryptPacket(scopedPdu)
	if err != nil {
		return nil, err
	}
	buf := new(bytes.Buffer)
	if err = marshalTLV(buf, byte(OctetString), ciphertext); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// prepare the plain text of a snmp version 3 Scoped PDU
func (packet *SnmpPacket) prepareV3ScopedPDU() ([]byte, error) {
	var buf bytes.Buffer

	// ContextEngineID
	if err := marshalTLV(&buf, byte(OctetString), []byte(packet.ContextEngineID)); err != nil {
		return nil, err
	}

	// ContextName
	if err := marshalTLV(&buf, byte(OctetString), []byte(packet.ContextName)); err != nil {
		return nil, err
	}

	data, err := packet.marshalPDU()
	if err != nil {
		return nil, err
	}
	buf.Write(data)

	scoped := new(bytes.Buffer)
	if err = marshalTLV(scoped, byte(Sequence), buf.Bytes()); err != nil {
		return nil, err
	}
	return scoped.Bytes(), nil
}

// unmarshalV3Header parses msgGlobalData and msgSecurityParameters. The
// returned cursor points at the scopedPDU, which may still be encrypted.
func (x *Session) unmarshalV3Header(packet []byte,
	cursor int,
	response *SnmpPacket) (int, error) {
	if PDUType(packet[cursor]) != Sequence {
		return 0, &CodecError{Field: "v3 header", Err: fmt.Errorf("expected a sequence, got %#x", packet[cursor])}
	}

	headerLength, cursorTmp, err := parseLength(packet[cursor:])
	if err != nil {
		return 0, err
	}
	headerEnd := cursor + headerLength
	cursor += cursorTmp

	header := packet[:headerEnd]
	msgID, err := x.parseIntField(header, &cursor, "msg id")
	if err != nil {
		return 0, err
	}
	if msgID < 0 {
		return 0, &ProtocolError{Reason: fmt.Sprintf("negative msg id %d", msgID)}
	}
	response.MsgID = uint32(msgID)

	msgMaxSize, err := x.parseIntField(header, &cursor, "msg max size")
	if err != nil {
		return 0, err
	}
	if msgMaxSize < 484 {
		return 0, &ProtocolError{Reason: fmt.Sprintf("msgMaxSize %d below the minimum of 484", msgMaxSize)}
	}
	response.MsgMaxSize = uint32(msgMaxSize) //nolint:gosec

	if cursor >= headerEnd {
		return 0, &CodecError{Field: "msg flags", Err: ErrTruncated}
	}
	rawMsgFlags, count, err := parseRawField(x.Logger, header[cursor:], "msg flags")
	if err != nil {
		return 0, err
	}
	cursor += count
	msgFlags, ok := rawMsgFlags.(string)
	if !ok || len(msgFlags) != 1 {
		return 0, &ProtocolError{Reason: "msgFlags is not a one byte OCTET STRING"}
	}
	response.MsgFlags = SnmpV3MsgFlags(msgFlags[0])
	if response.MsgFlags&AuthPriv == 0x2 {
		return 0, &ProtocolError{Reason: "privacy without authentication"}
	}
	x.Logger.Printf("parsed msg flags %s", msgFlags)

	securityModel, err := x.parseIntField(header, &cursor, "msg security model")
	if err != nil {
		return 0, err
	}
	if cursor != headerEnd {
		return 0, &CodecError{Field: "v3 header", Err: fmt.Errorf("%d trailing bytes", headerEnd-cursor)}
	}
	response.SecurityModel = SnmpV3SecurityModel(securityModel) //nolint:gosec

	switch response.SecurityModel {
	case UserSecurityModel:
		if response.SecurityParameters == nil {
			response.SecurityParameters = &UsmSecurityParameters{Logger: x.Logger}
		}
		if _, ok := response.SecurityParameters.(*UsmSecurityParameters); !ok {
			return 0, &ProtocolError{Reason: "message uses the User Security Model, session does not"}
		}
	case TransportSecurityModel:
		if response.SecurityParameters == nil {
			response.SecurityParameters = &TsmSecurityParameters{Logger: x.Logger}
		}
		if _, ok := response.SecurityParameters.(*TsmSecurityParameters); !ok {
			return 0, &ProtocolError{Reason: "message uses the Transport Security Model, session does not"}
		}
	default:
		return 0, &ProtocolError{Reason: fmt.Sprintf("unknown security model %d", securityModel)}
	}

	if cursor >= len(packet) {
		return 0, &CodecError{Field: "msg security parameters", Err: ErrTruncated}
	}
	return response.SecurityParameters.unmarshal(response.MsgFlags, packet, cursor)
}

// decryptPacket decrypts the scopedPDU if needed and parses its context
// fields. The returned cursor points at the PDU.
func (x *Session) decryptPacket(packet []byte, cursor int, response *SnmpPacket) ([]byte, int, error) {
	var err error

	if cursor >= len(packet) {
		return nil, 0, &CodecError{Field: "scoped pdu", Err: ErrTruncated}
	}

	encrypted := PDUType(packet[cursor]) == PDUType(OctetString)
	switch PDUType(packet[cursor]) {
	case PDUType(OctetString):
		if response.MsgFlags&AuthPriv != AuthPriv {
			return nil, 0, &ProtocolError{Reason: "encrypted scoped pdu without the privacy flag"}
		}
		packet, err = response.SecurityParameters.decryptPacket(packet, cursor)
		if err != nil {
			return nil, 0, &AuthenticationError{Err: fmt.Errorf("%w: %w", ErrDecryption, err)}
		}
		if cursor >= len(packet) || PDUType(packet[cursor]) != Sequence {
			return nil, 0, &AuthenticationError{Err: ErrDecryption}
		}
		fallthrough
	case Sequence:
		if !encrypted && response.MsgFlags&AuthPriv == AuthPriv && response.SecurityModel == UserSecurityModel {
			return nil, 0, &ProtocolError{Reason: "plaintext scoped pdu with the privacy flag set"}
		}

		// pdu
		_, cursorTmp, err := parseLength(packet[cursor:])
		if err != nil {
			return nil, 0, err
		}
		cursor += cursorTmp

		rawContextEngineID, count, err := parseRawField(x.Logger, packet[cursor:], "contextEngineID")
		if err != nil {
			return nil, 0, err
		}
		cursor += count
		if contextEngineID, ok := rawContextEngineID.(string); ok {
			response.ContextEngineID = contextEngineID
			x.Logger.Printf("Parsed contextEngineID %x", contextEngineID)
		}

		if cursor >= len(packet) {
			return nil, 0, &CodecError{Field: "contextName", Err: ErrTruncated}
		}
		rawContextName, count, err := parseRawField(x.Logger, packet[cursor:], "contextName")
		if err != nil {
			return nil, 0, err
		}
		cursor += count
		if contextName, ok := rawContextName.(string); ok {
			response.ContextName = contextName
			x.Logger.Printf("Parsed contextName %s", contextName)
		}

	default:
		return nil, 0, &ProtocolError{Reason: fmt.Sprintf("scoped pdu has unexpected type %#x", packet[cursor])}
	}
	return packet, cursor, nil
}
