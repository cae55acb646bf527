// Copyright 2012 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"bytes"
	"fmt"
	"math"
	"math/big"
	"net"
	"strconv"
)

// Asn1BER is the type of an SNMP variable.
type Asn1BER byte

// Asn1BER's - http://www.ietf.org/rfc/rfc1442.txt
const (
	EndOfContents    Asn1BER = 0x00
	UnknownType      Asn1BER = 0x00
	Integer          Asn1BER = 0x02
	OctetString      Asn1BER = 0x04
	Null             Asn1BER = 0x05
	ObjectIdentifier Asn1BER = 0x06
	IPAddress        Asn1BER = 0x40
	Counter32        Asn1BER = 0x41
	Gauge32          Asn1BER = 0x42
	TimeTicks        Asn1BER = 0x43
	Opaque           Asn1BER = 0x44
	Counter64        Asn1BER = 0x46
	NoSuchObject     Asn1BER = 0x80
	NoSuchInstance   Asn1BER = 0x81
	EndOfMibView     Asn1BER = 0x82
)

// Unsigned32 shares its encoding with Gauge32 (RFC 2578 section 7.1.11).
const Unsigned32 = Gauge32

func (t Asn1BER) String() string {
	switch t {
	case Integer:
		return "INTEGER"
	case OctetString:
		return "STRING"
	case Null:
		return "NULL"
	case ObjectIdentifier:
		return "OID"
	case IPAddress:
		return "IpAddress"
	case Counter32:
		return "Counter32"
	case Gauge32:
		return "Gauge32"
	case TimeTicks:
		return "Timeticks"
	case Opaque:
		return "Opaque"
	case Counter64:
		return "Counter64"
	case NoSuchObject:
		return "noSuchObject"
	case NoSuchInstance:
		return "noSuchInstance"
	case EndOfMibView:
		return "endOfMibView"
	}
	return "Asn1BER(" + strconv.Itoa(int(t)) + ")"
}

// VarBind is an SNMP variable binding: a name and a typed value.
//
// The Go type of Value is fixed by Type:
//
//	Integer                                  int
//	OctetString, Opaque                      []byte
//	ObjectIdentifier                         OID
//	IPAddress                                string (dotted quad)
//	Counter32, Gauge32, TimeTicks            uint32
//	Counter64                                uint64
//	Null, NoSuchObject, NoSuchInstance,
//	EndOfMibView                             nil
//
// When encoding, a few convenient alternatives are also accepted (string for
// OctetString, int for the unsigned types and so on).
type VarBind struct {
	Name  OID
	Type  Asn1BER
	Value any
}

// IsException reports whether the binding carries one of the v2 exception
// tags instead of a value.
func (vb VarBind) IsException() bool {
	switch vb.Type {
	case NoSuchObject, NoSuchInstance, EndOfMibView:
		return true
	}
	return false
}

func (vb VarBind) String() string {
	return fmt.Sprintf("%s = %s: %v", vb.Name, vb.Type, vb.Value)
}

// nullVarBinds turns a list of names into request bindings.
func nullVarBinds(oids []OID) []VarBind {
	vbs := make([]VarBind, len(oids))
	for i, oid := range oids {
		vbs[i] = VarBind{Name: oid, Type: Null}
	}
	return vbs
}

// marshalValue encodes the value part of a binding as a complete TLV.
func marshalValue(typ Asn1BER, value any) ([]byte, error) {
	buf := new(bytes.Buffer)

	switch typ {
	case Null, NoSuchObject, NoSuchInstance, EndOfMibView:
		buf.Write([]byte{byte(typ), 0x00})

	case Integer:
		var intBytes []byte
		var err error
		switch v := value.(type) {
		case int:
			intBytes, err = marshalInt32(v)
		case int8:
			intBytes, err = marshalInt32(int(v))
		case int16:
			intBytes, err = marshalInt32(int(v))
		case int32:
			intBytes, err = marshalInt32(int(v))
		case int64:
			intBytes, err = marshalInt32(int(v))
		case uint8:
			intBytes, err = marshalInt32(int(v))
		default:
			return nil, fmt.Errorf("unable to marshal Integer from %T", value)
		}
		if err != nil {
			return nil, fmt.Errorf("error marshalling Integer: %w", err)
		}
		if err = marshalTLV(buf, byte(typ), intBytes); err != nil {
			return nil, err
		}

	case Counter32, Gauge32, TimeTicks:
		intBytes, err := marshalUint32(value)
		if err != nil {
			return nil, fmt.Errorf("error marshalling %s: %w", typ, err)
		}
		if err = marshalTLV(buf, byte(typ), intBytes); err != nil {
			return nil, err
		}

	case Counter64:
		var v uint64
		switch val := value.(type) {
		case uint64:
			v = val
		case uint:
			v = uint64(val)
		case uint32:
			v = uint64(val)
		case int:
			if val < 0 {
				return nil, fmt.Errorf("unable to marshal negative Counter64 %d", val)
			}
			v = uint64(val)
		default:
			return nil, fmt.Errorf("unable to marshal Counter64 from %T", value)
		}
		if err := marshalTLV(buf, byte(typ), marshalUint64(v)); err != nil {
			return nil, err
		}

	case OctetString, Opaque:
		var octets []byte
		switch v := value.(type) {
		case []byte:
			octets = v
		case string:
			octets = []byte(v)
		case nil:
		default:
			return nil, fmt.Errorf("unable to marshal %s from %T; not []byte or string", typ, value)
		}
		if err := marshalTLV(buf, byte(typ), octets); err != nil {
			return nil, err
		}

	case ObjectIdentifier:
		var oid OID
		switch v := value.(type) {
		case OID:
			oid = v
		case []uint32:
			oid = v
		case string:
			parsed, err := ParseOID(v)
			if err != nil {
				return nil, err
			}
			oid = parsed
		default:
			return nil, fmt.Errorf("unable to marshal ObjectIdentifier from %T", value)
		}
		oidBytes, err := marshalObjectIdentifier(oid)
		if err != nil {
			return nil, fmt.Errorf("error marshalling ObjectIdentifier: %w", err)
		}
		if err = marshalTLV(buf, byte(typ), oidBytes); err != nil {
			return nil, err
		}

	case IPAddress:
		var ip net.IP
		switch v := value.(type) {
		case nil:
			// the empty address some devices send
			if err := marshalTLV(buf, byte(typ), nil); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		case string:
			ip = net.ParseIP(v)
			if ip == nil {
				return nil, fmt.Errorf("unable to marshal IPAddress: invalid address %q", v)
			}
		case net.IP:
			ip = v
		case []byte:
			ip = net.IP(v)
		default:
			return nil, fmt.Errorf("unable to marshal IPAddress from %T; not string, net.IP or []byte", value)
		}
		ip4 := ip.To4()
		if ip4 == nil {
			return nil, fmt.Errorf("unable to marshal IPAddress %v: not IPv4", ip)
		}
		if err := marshalTLV(buf, byte(typ), ip4); err != nil {
			return nil, err
		}

	default:
		return nil, fmt.Errorf("unable to marshal value: unknown BER type %#x", byte(typ))
	}

	return buf.Bytes(), nil
}

// decodeValue decodes one value TLV at the start of data. It returns the type,
// the Go value and the number of bytes consumed.
func (x *Session) decodeValue(data []byte) (Asn1BER, any, int, error) {
	length, cursor, err := parseLength(data)
	if err != nil {
		return UnknownType, nil, 0, &CodecError{Field: "value", Err: err}
	}
	content := data[cursor:length]
	typ := Asn1BER(data[0])

	var value any
	switch typ {
	case Integer:
		ret, err := parseInt64(content)
		if err != nil {
			return typ, nil, 0, &CodecError{Field: "Integer", Err: err}
		}
		if ret < math.MinInt32 || ret > math.MaxInt32 {
			return typ, nil, 0, &CodecError{Field: "Integer", Err: fmt.Errorf("%d outside Integer32 range", ret)}
		}
		value = int(ret)
	case OctetString, Opaque:
		value = append([]byte{}, content...)
	case Null, NoSuchObject, NoSuchInstance, EndOfMibView:
		value = nil
	case ObjectIdentifier:
		oid, err := parseObjectIdentifier(content)
		if err != nil {
			return typ, nil, 0, &CodecError{Field: "ObjectIdentifier", Err: err}
		}
		value = oid
	case IPAddress:
		// IpAddress is IPv4 only (RFC 2578 section 7.1.5)
		switch len(content) {
		case net.IPv4len:
			value = net.IP(append([]byte{}, content...)).String()
		case 0: // real life, buggy devices returning bad data
			value = nil
		default:
			return typ, nil, 0, &CodecError{Field: "IPAddress", Err: fmt.Errorf("got ipaddress len %d, expected 4", len(content))}
		}
	case Counter32, Gauge32, TimeTicks:
		ret, err := parseUint32(content)
		if err != nil {
			return typ, nil, 0, &CodecError{Field: typ.String(), Err: err}
		}
		value = ret
	case Counter64:
		ret, err := parseUint64(content)
		if err != nil {
			return typ, nil, 0, &CodecError{Field: "Counter64", Err: err}
		}
		value = ret
	default:
		return typ, nil, 0, &CodecError{Field: "value", Err: fmt.Errorf("unsupported BER type %#x", byte(typ))}
	}
	x.Logger.Printf("decodeValue: type %s value %#v", typ, value)
	return typ, value, length, nil
}

// ToBigInt converts an SNMP numeric value to a *big.Int. Unsupported types
// and unparsable strings yield zero.
func ToBigInt(value any) *big.Int {
	var val int64
	switch value := value.(type) {
	case int:
		val = int64(value)
	case int8:
		val = int64(value)
	case int16:
		val = int64(value)
	case int32:
		val = int64(value)
	case int64:
		val = value
	case uint:
		return new(big.Int).SetUint64(uint64(value))
	case uint8:
		val = int64(value)
	case uint16:
		val = int64(value)
	case uint32:
		val = int64(value)
	case uint64:
		return new(big.Int).SetUint64(value)
	case string:
		// for testing and other apps - numbers may appear as strings
		var err error
		if val, err = strconv.ParseInt(value, 10, 64); err != nil {
			val = 0
		}
	default:
		val = 0
	}
	return big.NewInt(val)
}
