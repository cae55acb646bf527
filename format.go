// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Formatter renders a binding for display.
type Formatter interface {
	Format(vb VarBind) string
}

// TextFormatter prints bindings the way the net-snmp tools do:
//
//	.1.3.6.1.2.1.1.5.0 = STRING: "router1"
type TextFormatter struct {
	// HexStrings prints every OCTET STRING as Hex-STRING.
	HexStrings bool
	// NumericTypes prints TimeTicks as a bare number instead of d:hh:mm:ss.
	NumericTypes bool
}

// Format renders "name = TYPE: value".
func (f TextFormatter) Format(vb VarBind) string {
	return vb.Name.String() + " = " + f.FormatValue(vb)
}

// FormatValue renders the right hand side only.
func (f TextFormatter) FormatValue(vb VarBind) string {
	switch vb.Type {
	case NoSuchObject:
		return "No Such Object available on this agent at this OID"
	case NoSuchInstance:
		return "No Such Instance currently exists at this OID"
	case EndOfMibView:
		return "No more variables left in this MIB View (It is past the end of the MIB tree)"
	case Null:
		return "NULL"
	case Integer:
		return fmt.Sprintf("INTEGER: %v", vb.Value)
	case Counter32, Gauge32, Counter64:
		return fmt.Sprintf("%s: %v", vb.Type, vb.Value)
	case TimeTicks:
		ticks, _ := vb.Value.(uint32)
		if f.NumericTypes {
			return strconv.FormatUint(uint64(ticks), 10)
		}
		return fmt.Sprintf("Timeticks: (%d) %s", ticks, formatTicks(ticks))
	case IPAddress:
		return fmt.Sprintf("IpAddress: %v", vb.Value)
	case ObjectIdentifier:
		oid, _ := vb.Value.(OID)
		return "OID: " + oid.String()
	case OctetString:
		b, _ := vb.Value.([]byte)
		if f.HexStrings || !printable(b) {
			return "Hex-STRING: " + hexBytes(b)
		}
		return `STRING: "` + string(b) + `"`
	case Opaque:
		b, _ := vb.Value.([]byte)
		return "OPAQUE: " + hexBytes(b)
	}
	return fmt.Sprintf("%s: %v", vb.Type, vb.Value)
}

// formatTicks renders hundredths of a second as d:hh:mm:ss.cc.
func formatTicks(ticks uint32) string {
	cs := ticks % 100
	s := ticks / 100
	days := s / 86400
	s %= 86400
	return fmt.Sprintf("%d:%02d:%02d:%02d.%02d", days, s/3600, (s/60)%60, s%60, cs)
}

func printable(b []byte) bool {
	if !utf8.Valid(b) {
		return false
	}
	for _, r := range string(b) {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return false
		}
		if r == 0x7f {
			return false
		}
	}
	return true
}

func hexBytes(b []byte) string {
	parts := make([]string, len(b))
	for i, c := range b {
		parts[i] = strings.ToUpper(hex.EncodeToString([]byte{c}))
	}
	return strings.Join(parts, " ")
}

// ParseTypedValue builds a Set binding value from a net-snmp type letter:
//
//	i INTEGER   u Gauge32 (Unsigned32)   c Counter32   C Counter64
//	t TimeTicks s OCTET STRING           x hex bytes   d decimal bytes
//	a IpAddress o OBJECT IDENTIFIER      n Null
//
// The binding name is left empty.
func ParseTypedValue(letter, text string) (VarBind, error) {
	parseUint := func(bits int) (uint64, error) {
		return strconv.ParseUint(strings.TrimSpace(text), 10, bits)
	}

	switch letter {
	case "i":
		v, err := strconv.ParseInt(strings.TrimSpace(text), 10, 32)
		if err != nil {
			return VarBind{}, fmt.Errorf("bad INTEGER %q: %w", text, err)
		}
		return VarBind{Type: Integer, Value: int(v)}, nil
	case "u", "c", "t":
		v, err := parseUint(32)
		if err != nil {
			return VarBind{}, fmt.Errorf("bad unsigned value %q: %w", text, err)
		}
		typ := map[string]Asn1BER{"u": Gauge32, "c": Counter32, "t": TimeTicks}[letter]
		return VarBind{Type: typ, Value: uint32(v)}, nil
	case "C":
		v, err := parseUint(64)
		if err != nil {
			return VarBind{}, fmt.Errorf("bad Counter64 %q: %w", text, err)
		}
		return VarBind{Type: Counter64, Value: v}, nil
	case "s":
		return VarBind{Type: OctetString, Value: []byte(text)}, nil
	case "x":
		clean := strings.NewReplacer(" ", "", ":", "", "0x", "", "0X", "").Replace(text)
		b, err := hex.DecodeString(clean)
		if err != nil {
			return VarBind{}, fmt.Errorf("bad hex string %q: %w", text, err)
		}
		return VarBind{Type: OctetString, Value: b}, nil
	case "d":
		fields := strings.FieldsFunc(text, func(r rune) bool { return r == ' ' || r == '.' })
		b := make([]byte, len(fields))
		for i, field := range fields {
			v, err := strconv.ParseUint(field, 10, 8)
			if err != nil {
				return VarBind{}, fmt.Errorf("bad decimal byte %q: %w", field, err)
			}
			b[i] = byte(v)
		}
		return VarBind{Type: OctetString, Value: b}, nil
	case "a":
		ip := net.ParseIP(strings.TrimSpace(text)).To4()
		if ip == nil {
			return VarBind{}, fmt.Errorf("bad IpAddress %q", text)
		}
		return VarBind{Type: IPAddress, Value: ip.String()}, nil
	case "o":
		oid, err := ParseOID(text)
		if err != nil {
			return VarBind{}, err
		}
		return VarBind{Type: ObjectIdentifier, Value: oid}, nil
	case "n":
		return VarBind{Type: Null}, nil
	}
	return VarBind{}, fmt.Errorf("unknown value type %q [use one of i u c C t s x d a o n]", letter)
}
