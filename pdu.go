// Copyright 2012 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"fmt"
	"strconv"
)

func (s SnmpVersion) String() string {
	switch s {
	case Version1:
		return "1"
	case Version2c:
		return "2c"
	case Version3:
		return "3"
	}
	return "SnmpVersion(" + strconv.Itoa(int(s)) + ")"
}

func (p PDUType) String() string {
	switch p {
	case Sequence:
		return "Sequence"
	case GetRequest:
		return "GetRequest"
	case GetNextRequest:
		return "GetNextRequest"
	case GetResponse:
		return "GetResponse"
	case SetRequest:
		return "SetRequest"
	case Trap:
		return "Trap"
	case GetBulkRequest:
		return "GetBulkRequest"
	case InformRequest:
		return "InformRequest"
	case SNMPv2Trap:
		return "SNMPv2Trap"
	case Report:
		return "Report"
	}
	return fmt.Sprintf("PDUType(%#x)", byte(p))
}

// isConfirmed reports whether the receiver of a PDU of this type answers it.
func (p PDUType) isConfirmed() bool {
	switch p {
	case GetRequest, GetNextRequest, GetBulkRequest, SetRequest, InformRequest:
		return true
	}
	return false
}

// NewRequest builds a v2c request packet. kind is one of GetRequest,
// GetNextRequest, SetRequest, InformRequest or SNMPv2Trap; GetBulk has its
// own constructor because its header fields mean something else.
//
// Get and GetNext bindings are sent with a Null value whatever they carry.
func NewRequest(kind PDUType, requestID uint32, varbinds []VarBind) (*SnmpPacket, error) {
	switch kind {
	case GetRequest, GetNextRequest:
		names := make([]OID, len(varbinds))
		for i, vb := range varbinds {
			names[i] = vb.Name
		}
		varbinds = nullVarBinds(names)
	case SetRequest, InformRequest, SNMPv2Trap:
	case GetBulkRequest:
		return nil, fmt.Errorf("use NewBulkRequest for %s", kind)
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("%s is not a request", kind)}
	}
	if requestID > 0x7FFFFFFF {
		return nil, fmt.Errorf("request id %d does not fit an Integer32", requestID)
	}
	return &SnmpPacket{
		Version:   Version2c,
		PDUType:   kind,
		RequestID: requestID,
		Variables: varbinds,
	}, nil
}

// NewBulkRequest builds a v2c GetBulkRequest. The first nonRepeaters
// bindings get one successor each, the rest up to maxRepetitions.
func NewBulkRequest(requestID, nonRepeaters, maxRepetitions uint32, varbinds []VarBind) (*SnmpPacket, error) {
	if requestID > 0x7FFFFFFF {
		return nil, fmt.Errorf("request id %d does not fit an Integer32", requestID)
	}
	if nonRepeaters > 0x7FFFFFFF || maxRepetitions > 0x7FFFFFFF {
		return nil, fmt.Errorf("non-repeaters %d / max-repetitions %d out of range", nonRepeaters, maxRepetitions)
	}
	names := make([]OID, len(varbinds))
	for i, vb := range varbinds {
		names[i] = vb.Name
	}
	return &SnmpPacket{
		Version:        Version2c,
		PDUType:        GetBulkRequest,
		RequestID:      requestID,
		NonRepeaters:   nonRepeaters,
		MaxRepetitions: maxRepetitions,
		Variables:      nullVarBinds(names),
	}, nil
}

// Decode parses a v1 or v2c message, or a v3 message whose scoped PDU is not
// encrypted. No security processing is done: communities are not compared
// and v3 digests are not checked.
func Decode(data []byte) (*SnmpPacket, error) {
	return decodeWith(&Session{}, data)
}

func decodeWith(x *Session, data []byte) (*SnmpPacket, error) {
	packet := &SnmpPacket{Logger: x.Logger}
	cursor, err := x.unmarshalHeader(data, packet)
	if err != nil {
		return nil, err
	}
	if packet.Version == Version3 {
		if cursor < len(data) && PDUType(data[cursor]) == PDUType(OctetString) {
			return nil, &AuthenticationError{Err: fmt.Errorf("%w: scoped pdu is encrypted", ErrDecryption)}
		}
		if data, cursor, err = x.decryptPacket(data, cursor, packet); err != nil {
			return nil, err
		}
	}
	if err = x.unmarshalPayload(data, cursor, packet); err != nil {
		return nil, err
	}
	return packet, nil
}

// responseBindingLimit is the most bindings a response to req may carry.
func responseBindingLimit(req *SnmpPacket) int {
	n := len(req.Variables)
	if req.PDUType != GetBulkRequest {
		return n
	}
	nonRepeaters := min(int(req.NonRepeaters), n)
	return nonRepeaters + int(req.MaxRepetitions)*(n-nonRepeaters)
}
