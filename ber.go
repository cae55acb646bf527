// Copyright 2012 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"net"
)

// -- BER primitives -----------------------------------------------------------
//
// SNMP only uses the definite-length subset of BER (RFC 3417 section 8). All
// parse functions below operate on untrusted bytes: they bounds-check every
// read and report problems as *CodecError, never by panicking.

// maxLengthOctets bounds long-form length fields. Four octets already describe
// lengths far beyond any UDP datagram.
const maxLengthOctets = 4

// MaxOIDLength is the maximum number of sub-identifiers in an OID (RFC 2578).
const MaxOIDLength = 128

// marshalLength builds a byte representation of length
//
// http://luca.ntop.org/Teaching/Appunti/asn1.html
//
// Length octets. There are two forms: short (for lengths between 0 and 127),
// and long definite (for lengths between 0 and 2^1008 -1).
//
//   - Short form. One octet. Bit 8 has value "0" and bits 7-1 give the length.
//   - Long form. Two to 127 octets. Bit 8 of first octet has value "1" and bits
//     7-1 give the number of additional length octets. Second and following
//     octets give the length, base 256, most significant digit first.
func marshalLength(length int) ([]byte, error) {
	if length < 0 {
		return nil, fmt.Errorf("length must not be negative, got %d", length)
	}
	if length < 0x80 {
		return []byte{byte(length)}, nil
	}

	var octets []byte
	for l := length; l > 0; l >>= 8 {
		octets = append([]byte{byte(l)}, octets...)
	}
	return append([]byte{0x80 | byte(len(octets))}, octets...), nil
}

// parseLength parses the tag and length octets at the start of data and
// returns the total TLV length (header included) and the cursor position of
// the value. It fails if the TLV does not fit entirely inside data.
func parseLength(data []byte) (length int, cursor int, err error) {
	if len(data) < 2 {
		return 0, 0, &CodecError{Field: "length", Err: ErrTruncated}
	}

	first := data[1]
	switch {
	case first < 0x80:
		length = int(first) + 2
		cursor = 2
	case first == 0x80:
		return 0, 0, &CodecError{Field: "length", Err: ErrIndefiniteLength}
	default:
		numOctets := int(first & 0x7f)
		if numOctets > maxLengthOctets {
			return 0, 0, &CodecError{Field: "length", Err: fmt.Errorf("%d length octets exceeds limit of %d", numOctets, maxLengthOctets)}
		}
		if len(data) < 2+numOctets {
			return 0, 0, &CodecError{Field: "length", Err: ErrTruncated}
		}
		for i := 0; i < numOctets; i++ {
			length <<= 8
			length += int(data[2+i])
		}
		length += 2 + numOctets
		cursor = 2 + numOctets
	}

	if length > len(data) {
		return 0, 0, &CodecError{Field: "length", Err: fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, length, len(data))}
	}
	return length, cursor, nil
}

// marshalTLV writes tag, length and value to buf.
func marshalTLV(buf *bytes.Buffer, tag byte, value []byte) error {
	length, err := marshalLength(len(value))
	if err != nil {
		return err
	}
	buf.WriteByte(tag)
	buf.Write(length)
	buf.Write(value)
	return nil
}

/*
	snmp Integer32 and INTEGER:
	-2^31 and 2^31-1 inclusive (-2147483648 to 2147483647 decimal)

	versus:

	snmp Counter32, Gauge32, TimeTicks, Unsigned32: (below)
	non-negative integer, maximum value of 2^32-1 (4294967295 decimal)
*/

// marshalInt64 returns the minimal two's-complement encoding of v.
func marshalInt64(v int64) []byte {
	n := 1
	for i := v; i > 127 || i < -128; i >>= 8 {
		n++
	}
	out := make([]byte, n)
	for j := n - 1; j >= 0; j-- {
		out[j] = byte(v)
		v >>= 8
	}
	return out
}

// marshalInt32 builds a byte representation of a signed 32 bit int in BigEndian form
// ie -2^31 and 2^31-1 inclusive (-2147483648 to 2147483647 decimal)
func marshalInt32(value int) ([]byte, error) {
	if value < math.MinInt32 || value > math.MaxInt32 {
		return nil, fmt.Errorf("unable to marshal %d: out of Integer32 range", value)
	}
	return marshalInt64(int64(value)), nil
}

// marshalUint64 returns the minimal unsigned encoding of v, with a leading
// zero octet whenever the high bit of the first octet is set.
func marshalUint64(v uint64) []byte {
	n := 1
	for i := v; i > 0xff; i >>= 8 {
		n++
	}
	out := make([]byte, n)
	for j := n - 1; j >= 0; j-- {
		out[j] = byte(v)
		v >>= 8
	}
	if out[0]&0x80 != 0 {
		out = append([]byte{0}, out...)
	}
	return out
}

// Counter32, Gauge32, TimeTicks, Unsigned32, SNMPError
func marshalUint32(v any) ([]byte, error) {
	var source uint32
	switch val := v.(type) {
	case uint32:
		source = val
	case uint:
		if uint64(val) > math.MaxUint32 {
			return nil, fmt.Errorf("unable to marshal %d to uint32: out of range", val)
		}
		source = uint32(val)
	case uint8:
		source = uint32(val)
	case uint16:
		source = uint32(val)
	case int:
		if val < 0 || int64(val) > math.MaxUint32 {
			return nil, fmt.Errorf("unable to marshal %d to uint32: out of range", val)
		}
		source = uint32(val)
	default:
		return nil, fmt.Errorf("unable to marshal %T to uint32", v)
	}
	return marshalUint64(uint64(source)), nil
}

// parseInt64 treats the given bytes as a big-endian, signed integer and
// returns the result.
func parseInt64(bytes []byte) (int64, error) {
	if len(bytes) == 0 {
		return 0, errors.New("zero length integer")
	}
	if len(bytes) > 8 {
		// We'll overflow an int64 in this case.
		return 0, errors.New("integer too large")
	}
	var ret int64
	for bytesRead := 0; bytesRead < len(bytes); bytesRead++ {
		ret <<= 8
		ret |= int64(bytes[bytesRead])
	}

	// Shift up and down in order to sign extend the result.
	ret <<= 64 - uint8(len(bytes))*8
	ret >>= 64 - uint8(len(bytes))*8
	return ret, nil
}

// parseInt treats the given bytes as a big-endian, signed integer and returns
// the result.
func parseInt(bytes []byte) (int, error) {
	ret64, err := parseInt64(bytes)
	if err != nil {
		return 0, err
	}
	if ret64 != int64(int(ret64)) {
		return 0, errors.New("integer too large")
	}
	return int(ret64), nil
}

// parseUint64 treats the given bytes as a big-endian, unsigned integer and returns
// the result.
func parseUint64(bytes []byte) (uint64, error) {
	if len(bytes) == 0 {
		return 0, errors.New("zero length integer")
	}
	if len(bytes) > 9 || (len(bytes) > 8 && bytes[0] != 0x0) {
		// We'll overflow a uint64 in this case.
		return 0, errors.New("integer too large")
	}
	var ret uint64
	for bytesRead := 0; bytesRead < len(bytes); bytesRead++ {
		ret <<= 8
		ret |= uint64(bytes[bytesRead])
	}
	return ret, nil
}

// parseUint32 treats the given bytes as a big-endian, unsigned integer and
// returns the result. Agents that send 0xffffffff without the leading zero
// octet are tolerated.
func parseUint32(bytes []byte) (uint32, error) {
	ret, err := parseUint64(bytes)
	if err != nil {
		return 0, err
	}
	if ret > math.MaxUint32 {
		return 0, errors.New("integer too large for 32 bits")
	}
	return uint32(ret), nil
}

func marshalBase128Int(out *bytes.Buffer, n uint64) {
	if n == 0 {
		out.WriteByte(0)
		return
	}

	l := 0
	for i := n; i > 0; i >>= 7 {
		l++
	}

	for i := l - 1; i >= 0; i-- {
		o := byte(n >> uint(i*7))
		o &= 0x7f
		if i != 0 {
			o |= 0x80
		}
		out.WriteByte(o)
	}
}

// parseBase128Int parses a base-128 encoded int from the given offset in the
// given byte slice. It returns the value and the new offset.
func parseBase128Int(bytes []byte, initOffset int) (ret uint64, offset int, err error) {
	offset = initOffset
	if offset < len(bytes) && bytes[offset] == 0x80 {
		return 0, offset, errors.New("non-minimal base 128 integer")
	}
	for shifted := 0; offset < len(bytes); shifted++ {
		// 5 groups of 7 bits cover 32 bit arcs, plus one for the folded first pair
		if shifted > 5 {
			return 0, offset, errors.New("base 128 integer too large")
		}
		ret <<= 7
		b := bytes[offset]
		ret |= uint64(b & 0x7f)
		offset++
		if b&0x80 == 0 {
			return ret, offset, nil
		}
	}
	return 0, offset, errors.New("truncated base 128 integer")
}

// marshalObjectIdentifier encodes the content octets of an OID. The first
// two arcs fold into one sub-identifier, 40*a0 + a1 (X.690 section 8.19).
func marshalObjectIdentifier(oid OID) ([]byte, error) {
	if len(oid) < 2 {
		return nil, fmt.Errorf("unable to marshal OID %s: need at least two arcs", oid)
	}
	if len(oid) > MaxOIDLength {
		return nil, fmt.Errorf("unable to marshal OID: %d arcs exceeds %d", len(oid), MaxOIDLength)
	}
	if oid[0] > 2 || (oid[0] < 2 && oid[1] >= 40) {
		return nil, fmt.Errorf("unable to marshal OID %s: invalid first arcs", oid)
	}

	out := new(bytes.Buffer)
	marshalBase128Int(out, uint64(oid[0])*40+uint64(oid[1]))
	for _, arc := range oid[2:] {
		marshalBase128Int(out, uint64(arc))
	}
	return out.Bytes(), nil
}

// parseObjectIdentifier parses the content octets of an OBJECT IDENTIFIER.
func parseObjectIdentifier(src []byte) (OID, error) {
	if len(src) == 0 {
		return nil, errors.New("zero length OID")
	}

	first, offset, err := parseBase128Int(src, 0)
	if err != nil {
		return nil, err
	}
	if first > math.MaxUint32+80 {
		return nil, errors.New("OID sub-identifier out of range")
	}

	oid := make(OID, 2, 8)
	switch {
	case first < 40:
		oid[0], oid[1] = 0, uint32(first)
	case first < 80:
		oid[0], oid[1] = 1, uint32(first-40)
	default:
		oid[0], oid[1] = 2, uint32(first-80)
	}

	for offset < len(src) {
		var v uint64
		v, offset, err = parseBase128Int(src, offset)
		if err != nil {
			return nil, err
		}
		if v > math.MaxUint32 {
			return nil, errors.New("OID sub-identifier out of range")
		}
		oid = append(oid, uint32(v))
		if len(oid) > MaxOIDLength {
			return nil, fmt.Errorf("OID longer than %d arcs", MaxOIDLength)
		}
	}
	return oid, nil
}

// parseRawField parses one TLV from data and returns its Go value and the
// number of bytes consumed. It is used for the fixed fields of the message
// header and PDU, where only a few types can appear.
func parseRawField(logger Logger, data []byte, msg string) (any, int, error) {
	if len(data) == 0 {
		return nil, 0, &CodecError{Field: msg, Err: ErrTruncated}
	}
	logger.Printf("parseRawField: %s", msg)

	length, cursor, err := parseLength(data)
	if err != nil {
		return nil, 0, &CodecError{Field: msg, Err: err}
	}
	content := data[cursor:length]

	switch Asn1BER(data[0]) {
	case Integer:
		i, err := parseInt(content)
		if err != nil {
			return nil, 0, &CodecError{Field: msg, Err: fmt.Errorf("unable to parse raw INTEGER %x: %w", content, err)}
		}
		return i, length, nil
	case OctetString:
		return string(content), length, nil
	case ObjectIdentifier:
		oid, err := parseObjectIdentifier(content)
		if err != nil {
			return nil, 0, &CodecError{Field: msg, Err: err}
		}
		return oid, length, nil
	case IPAddress:
		switch len(content) {
		case 0: // real life, buggy devices returning bad data
			return nil, length, nil
		case net.IPv4len:
			return net.IP(content).String(), length, nil
		default:
			return nil, 0, &CodecError{Field: msg, Err: fmt.Errorf("got ipaddress len %d, expected 4", len(content))}
		}
	case TimeTicks:
		ret, err := parseUint32(content)
		if err != nil {
			return nil, 0, &CodecError{Field: msg, Err: err}
		}
		return ret, length, nil
	}

	return nil, 0, &CodecError{Field: msg, Err: fmt.Errorf("unexpected field type %#x", data[0])}
}
