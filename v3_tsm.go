// Copyright 2025 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"errors"
	"fmt"
)

// TsmSecurityParameters is the Transport Security Model (RFC 5591) used on
// DTLS sessions. DTLS already authenticates and encrypts every datagram, so
// the SNMP layer carries an empty msgSecurityParameters and does no crypto.
type TsmSecurityParameters struct {
	// SecurityName identifies the principal. On inbound messages it is set
	// from the peer certificate through a CertMapping; outbound it is
	// informational only, since the agent maps our certificate itself.
	SecurityName string

	Logger Logger
}

var _ SnmpV3SecurityParameters = (*TsmSecurityParameters)(nil)

// Log writes the parameters to the logger.
func (sp *TsmSecurityParameters) Log() {
	sp.Logger.Printf("TSM SECURITY PARAMETERS: %s", sp.SafeString())
}

// Copy returns an independent copy.
func (sp *TsmSecurityParameters) Copy() SnmpV3SecurityParameters {
	c := *sp
	return &c
}

// Description is a one line summary for logs.
func (sp *TsmSecurityParameters) Description() string {
	return "tsm,securityName=" + sp.SecurityName
}

// SafeString has no secrets to hide; it is the security name.
func (sp *TsmSecurityParameters) SafeString() string {
	return "SecurityName:" + sp.SecurityName
}

// InitPacket is a no-op: there is no salt or engine time under TSM.
func (sp *TsmSecurityParameters) InitPacket(*SnmpPacket) error { return nil }

// InitSecurityKeys is a no-op: keys belong to the DTLS handshake.
func (sp *TsmSecurityParameters) InitSecurityKeys() error { return nil }

// validate insists on authPriv, the only level TSM provides (RFC 5591 section 3.1.1).
func (sp *TsmSecurityParameters) validate(flags SnmpV3MsgFlags) error {
	if flags&AuthPriv != AuthPriv {
		return errors.New("TSM requires the AuthPriv security level")
	}
	return nil
}

func (sp *TsmSecurityParameters) init(log Logger) error {
	sp.Logger = log
	return nil
}

// discoveryRequired is always nil: the DTLS handshake stands in for engine
// discovery.
func (sp *TsmSecurityParameters) discoveryRequired() *SnmpPacket { return nil }

// getDefaultContextEngineID is empty; set Session.ContextEngineID when the
// agent needs one.
func (sp *TsmSecurityParameters) getDefaultContextEngineID() string { return "" }

func (sp *TsmSecurityParameters) setSecurityParameters(in SnmpV3SecurityParameters) error {
	insp, ok := in.(*TsmSecurityParameters)
	if !ok {
		return fmt.Errorf("cannot take security parameters from %T, want *TsmSecurityParameters", in)
	}
	sp.SecurityName = insp.SecurityName
	return nil
}

// marshal returns the empty content of msgSecurityParameters.
func (sp *TsmSecurityParameters) marshal(SnmpV3MsgFlags) ([]byte, error) {
	return []byte{}, nil
}

// unmarshal checks that msgSecurityParameters is the empty OCTET STRING of
// RFC 5591 section 5.2 and steps over it.
func (sp *TsmSecurityParameters) unmarshal(flags SnmpV3MsgFlags, packet []byte, cursor int) (int, error) {
	if PDUType(packet[cursor]) != PDUType(OctetString) {
		return 0, &CodecError{Field: "msg security parameters", Err: fmt.Errorf("expected an octet string, got %#x", packet[cursor])}
	}
	length, hdr, err := parseLength(packet[cursor:])
	if err != nil {
		return 0, err
	}
	if length != hdr {
		return 0, &ProtocolError{Reason: fmt.Sprintf("TSM security parameters must be empty, got %d bytes", length-hdr)}
	}
	sp.Logger.Printf("Parsed TSM security parameters (empty)")
	return cursor + length, nil
}

func (sp *TsmSecurityParameters) authenticate([]byte) error { return nil }

// isAuthentic is true for anything that arrived over the DTLS association.
func (sp *TsmSecurityParameters) isAuthentic([]byte, *SnmpPacket) (bool, error) {
	return true, nil
}

func (sp *TsmSecurityParameters) encryptPacket(scopedPdu []byte) ([]byte, error) {
	return nil, errors.New("TSM scoped PDUs are never encrypted at the SNMP layer")
}

func (sp *TsmSecurityParameters) decryptPacket(packet []byte, _ int) ([]byte, error) {
	return nil, errors.New("TSM scoped PDUs are never encrypted at the SNMP layer")
}

func (sp *TsmSecurityParameters) getIdentifier() string { return sp.SecurityName }

func (sp *TsmSecurityParameters) getLogger() Logger { return sp.Logger }

func (sp *TsmSecurityParameters) setLogger(log Logger) { sp.Logger = log }
