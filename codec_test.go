// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"bytes"
	"math"
	"net"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/gosnmp/gosnmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ignoreLogger = cmpopts.IgnoreFields(SnmpPacket{}, "Logger")

// everyType has one binding of each value type, in the Go types Decode
// produces.
var everyType = []VarBind{
	{Name: MustParseOID(".1.3.6.1.2.1.1.1.0"), Type: OctetString, Value: []byte("Linux router1 6.1.0")},
	{Name: MustParseOID(".1.3.6.1.2.1.1.2.0"), Type: ObjectIdentifier, Value: MustParseOID(".1.3.6.1.4.1.8072.3.2.10")},
	{Name: MustParseOID(".1.3.6.1.2.1.1.3.0"), Type: TimeTicks, Value: uint32(1034156)},
	{Name: MustParseOID(".1.3.6.1.2.1.1.7.0"), Type: Integer, Value: 72},
	{Name: MustParseOID(".1.3.6.1.2.1.2.2.1.8.1"), Type: Integer, Value: -2147483648},
	{Name: MustParseOID(".1.3.6.1.2.1.2.2.1.10.1"), Type: Counter32, Value: uint32(math.MaxUint32)},
	{Name: MustParseOID(".1.3.6.1.2.1.2.2.1.5.1"), Type: Gauge32, Value: uint32(1000000000)},
	{Name: MustParseOID(".1.3.6.1.2.1.31.1.1.1.6.1"), Type: Counter64, Value: uint64(math.MaxUint64)},
	{Name: MustParseOID(".1.3.6.1.2.1.4.20.1.1.192.0.2.1"), Type: IPAddress, Value: "192.0.2.1"},
	{Name: MustParseOID(".1.3.6.1.4.1.2021.10.1.6.1"), Type: Opaque, Value: []byte{0x9f, 0x78, 0x04, 0x3e, 0xa3, 0xd7, 0x0a}},
	{Name: MustParseOID(".1.3.6.1.2.1.1.9.0"), Type: Null},
	{Name: MustParseOID(".1.3.6.1.2.1.1.10.0"), Type: NoSuchObject},
	{Name: MustParseOID(".1.3.6.1.2.1.1.5.1"), Type: NoSuchInstance},
	{Name: MustParseOID(".1.3.6.1.2.1.99"), Type: EndOfMibView},
}

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		packet SnmpPacket
	}{
		{"v2c response", SnmpPacket{
			Version: Version2c, Community: "public", PDUType: GetResponse,
			RequestID: 0x7fffffff, Variables: everyType,
		}},
		{"v2c error response", SnmpPacket{
			Version: Version2c, Community: "public", PDUType: GetResponse,
			RequestID: 7, Error: NoCreation, ErrorIndex: 2, Variables: everyType[:3],
		}},
		{"v1 get", SnmpPacket{
			Version: Version1, Community: "private", PDUType: GetRequest,
			RequestID: 1, Variables: nullVarBinds([]OID{everyType[0].Name, everyType[1].Name}),
		}},
		{"v2c getbulk", SnmpPacket{
			Version: Version2c, Community: "public", PDUType: GetBulkRequest,
			RequestID: 99, NonRepeaters: 1, MaxRepetitions: 25,
			Variables: nullVarBinds([]OID{everyType[0].Name, MustParseOID(".1.3.6.1.2.1.2.2")}),
		}},
		{"v2c trap", SnmpPacket{
			Version: Version2c, Community: "public", PDUType: SNMPv2Trap, RequestID: 3,
			Variables: []VarBind{
				{Name: sysUpTimeInstance, Type: TimeTicks, Value: uint32(500)},
				{Name: snmpTrapOIDInstance, Type: ObjectIdentifier, Value: MustParseOID(".1.3.6.1.6.3.1.1.5.4")},
			},
		}},
		{"v1 trap", SnmpPacket{
			Version: Version1, Community: "public", PDUType: Trap,
			SnmpTrap: SnmpTrap{
				Enterprise:   MustParseOID(".1.3.6.1.4.1.8072.3.2.10"),
				AgentAddress: "192.0.2.1",
				GenericTrap:  6,
				SpecificTrap: 17,
				Timestamp:    4242,
			},
			Variables: everyType[:2],
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := tt.packet.MarshalMsg()
			require.NoError(t, err)
			got, err := Decode(msg)
			require.NoError(t, err)
			if diff := cmp.Diff(&tt.packet, got, ignoreLogger); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}

			again, err := got.MarshalMsg()
			require.NoError(t, err)
			assert.Equal(t, msg, again, "re-encoding is byte identical")
		})
	}
}

func TestValueEncodings(t *testing.T) {
	tests := []struct {
		typ   Asn1BER
		value any
		want  []byte
	}{
		{Integer, 0, []byte{0x02, 0x01, 0x00}},
		{Integer, 127, []byte{0x02, 0x01, 0x7f}},
		{Integer, 128, []byte{0x02, 0x02, 0x00, 0x80}},
		{Integer, -129, []byte{0x02, 0x02, 0xff, 0x7f}},
		{Counter32, uint32(0xffffffff), []byte{0x41, 0x05, 0x00, 0xff, 0xff, 0xff, 0xff}},
		{Gauge32, 42, []byte{0x42, 0x01, 0x2a}},
		{TimeTicks, uint32(1034156), []byte{0x43, 0x03, 0x0f, 0xc7, 0xac}},
		{Counter64, uint64(1) << 63, []byte{0x46, 0x09, 0x00, 0x80, 0, 0, 0, 0, 0, 0, 0}},
		{OctetString, "ab", []byte{0x04, 0x02, 'a', 'b'}},
		{IPAddress, "10.0.0.1", []byte{0x40, 0x04, 10, 0, 0, 1}},
		{ObjectIdentifier, ".1.3.6.1.4.1.2680.1.2.7.3.2.0", []byte{0x06, 0x0d, 0x2b, 0x06, 0x01, 0x04, 0x01, 0x94, 0x78, 0x01, 0x02, 0x07, 0x03, 0x02, 0x00}},
		{ObjectIdentifier, OID{2, 999, 3}, []byte{0x06, 0x03, 0x88, 0x37, 0x03}},
		{Null, nil, []byte{0x05, 0x00}},
		{EndOfMibView, nil, []byte{0x82, 0x00}},
	}
	for _, tt := range tests {
		got, err := marshalValue(tt.typ, tt.value)
		require.NoError(t, err, "%s %v", tt.typ, tt.value)
		assert.Equal(t, tt.want, got, "%s %v", tt.typ, tt.value)
	}
}

func TestValueEncodingErrors(t *testing.T) {
	tests := []struct {
		typ   Asn1BER
		value any
	}{
		{Integer, "1"},
		{Integer, int64(math.MaxInt32) + 1},
		{Counter32, -1},
		{Counter64, -1},
		{IPAddress, "2001:db8::1"},
		{IPAddress, "not an address"},
		{ObjectIdentifier, OID{1}},
		{ObjectIdentifier, OID{1, 40}},
		{OctetString, 5},
		{Asn1BER(0x47), 1},
	}
	for _, tt := range tests {
		_, err := marshalValue(tt.typ, tt.value)
		assert.Error(t, err, "%s %v", tt.typ, tt.value)
	}
}

func TestDecodeValueErrors(t *testing.T) {
	var x Session
	tests := map[string][]byte{
		"truncated":         {0x04, 0x05, 'a'},
		"empty integer":     {0x02, 0x00},
		"long integer":      {0x02, 0x09, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		"counter32 too big": {0x41, 0x06, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
		"bad oid":           {0x06, 0x02, 0x2b, 0x86},
		"ipaddress length":  {0x40, 0x03, 10, 0, 0},
		"ipv6 ipaddress":    append([]byte{0x40, 0x10}, net.ParseIP("2001:db8::1")...),
		"integer above 32":  {0x02, 0x05, 0x00, 0x80, 0x00, 0x00, 0x00},
		"integer below 32":  {0x02, 0x05, 0xff, 0x7f, 0xff, 0xff, 0xff},
		"unknown tag":       {0x47, 0x01, 0x00},
		"indefinite":        {0x04, 0x80, 'a', 0x00, 0x00},
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, _, _, err := x.decodeValue(data)
			var codecErr *CodecError
			require.ErrorAs(t, err, &codecErr)
		})
	}
}

// Whatever decodes must encode back to the same bytes.
func TestDecodedValuesReencode(t *testing.T) {
	var x Session
	for _, data := range [][]byte{
		{0x02, 0x04, 0x7f, 0xff, 0xff, 0xff},
		{0x02, 0x04, 0x80, 0x00, 0x00, 0x00},
		{0x40, 0x04, 192, 0, 2, 1},
		{0x40, 0x00},
		{0x04, 0x03, 'a', 0x00, 'b'},
		{0x46, 0x09, 0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	} {
		typ, value, n, err := x.decodeValue(data)
		require.NoError(t, err, "% x", data)
		assert.Len(t, data, n)
		again, err := marshalValue(typ, value)
		require.NoError(t, err, "% x", data)
		assert.Equal(t, data, again)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	valid, err := (&SnmpPacket{Version: Version2c, Community: "public", PDUType: GetRequest,
		RequestID: 5, Variables: nullVarBinds([]OID{everyType[0].Name})}).MarshalMsg()
	require.NoError(t, err)

	for i := range valid {
		_, err := Decode(valid[:i])
		assert.Error(t, err, "prefix of %d bytes", i)
	}

	bad := slices.Clone(valid)
	bad[4] = 7 // version
	_, err = Decode(bad)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)

	_, err = Decode([]byte{0x02, 0x01, 0x00})
	assert.Error(t, err)
}

func TestOIDOrdering(t *testing.T) {
	ordered := []OID{
		{1, 3, 6, 1},
		{1, 3, 6, 1, 2},
		{1, 3, 6, 1, 2, 1},
		{1, 3, 6, 1, 2, 1, 1, 1, 0},
		{1, 3, 6, 1, 2, 1, 1, 2},
		{1, 3, 6, 1, 2, 1, 2},
		{1, 3, 6, 1, 2, 1, 10},
		{1, 3, 6, 1, 3},
		{1, 3, 6, 2},
		{1, 3, 6, 4294967295},
		{2, 5},
	}
	for i := range ordered {
		for j := range ordered {
			want := 0
			switch {
			case i < j:
				want = -1
			case i > j:
				want = 1
			}
			assert.Equal(t, want, ordered[i].Compare(ordered[j]), "%s vs %s", ordered[i], ordered[j])
		}
	}

	shuffled := slices.Clone(ordered)
	slices.Reverse(shuffled)
	slices.SortFunc(shuffled, OID.Compare)
	assert.Equal(t, ordered, shuffled)

	root := MustParseOID(".1.3.6.1.2.1")
	assert.True(t, root.Contains(MustParseOID(".1.3.6.1.2.1.1")))
	assert.False(t, root.Contains(root))
	assert.True(t, root.HasPrefix(root))
	assert.False(t, root.Contains(MustParseOID(".1.3.6.1.2.10")))
	assert.False(t, MustParseOID(".1.3.6.1.2.10").HasPrefix(root))
}

func TestOIDParseAndString(t *testing.T) {
	for _, s := range []string{".1.3.6.1.2.1.1.5.0", "1.3.6.1.2.1.1.5.0", " .1.3.6.1.2.1.1.5.0 "} {
		oid, err := ParseOID(s)
		require.NoError(t, err)
		assert.Equal(t, ".1.3.6.1.2.1.1.5.0", oid.String())
	}
	for _, s := range []string{"", ".", "1..3", "1.3.x", "1.3.4294967296", "-1.3"} {
		_, err := ParseOID(s)
		assert.Error(t, err, s)
	}
	_, err := ParseOID(".1" + string(bytes.Repeat([]byte(".1"), MaxOIDLength)))
	assert.Error(t, err)

	base := MustParseOID(".1.3.6")
	child := base.Append(1, 2)
	child[0] = 9
	assert.Equal(t, ".1.3.6", base.String())
	assert.Panics(t, func() { MustParseOID("bogus") })
}

func TestObjectIdentifierContent(t *testing.T) {
	for _, oid := range []OID{
		{0, 0},
		{1, 39},
		{1, 3, 6, 1, 4, 1, 4294967295},
		{2, 100, 3},
		{2, 4294967215},
	} {
		content, err := marshalObjectIdentifier(oid)
		require.NoError(t, err)
		got, err := parseObjectIdentifier(content)
		require.NoError(t, err)
		assert.Equal(t, oid, got)
	}

	_, err := parseObjectIdentifier(nil)
	assert.Error(t, err)
	// sub-identifier wider than 32 bits
	_, err = parseObjectIdentifier([]byte{0x2b, 0x90, 0x80, 0x80, 0x80, 0x00})
	assert.Error(t, err)
}

func TestIntegerContent(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 127, 128, -128, -129, 255, 256, math.MaxInt32, math.MinInt32, math.MaxInt64, math.MinInt64} {
		got, err := parseInt64(marshalInt64(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	for _, v := range []uint64{0, 1, 127, 128, 255, 256, math.MaxUint32, math.MaxUint64} {
		got, err := parseUint64(marshalUint64(v))
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
	_, err := parseInt64(nil)
	assert.Error(t, err)
}

func TestBulkRequestLimit(t *testing.T) {
	req, err := NewBulkRequest(1, 1, 5, nullVarBinds([]OID{{1, 3, 6, 1, 2, 1, 1}, {1, 3, 6, 1, 2, 1, 2}, {1, 3, 6, 1, 2, 1, 4}}))
	require.NoError(t, err)
	assert.Equal(t, 11, responseBindingLimit(req))

	req.NonRepeaters = 10
	assert.Equal(t, 3, responseBindingLimit(req))

	_, err = NewBulkRequest(0x80000000, 0, 1, nil)
	assert.Error(t, err)
	_, err = NewRequest(GetResponse, 1, nil)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
	_, err = NewRequest(GetBulkRequest, 1, nil)
	assert.Error(t, err)

	get, err := NewRequest(GetRequest, 9, []VarBind{{Name: OID{1, 3, 6, 1}, Type: Integer, Value: 5}})
	require.NoError(t, err)
	assert.Equal(t, Null, get.Variables[0].Type)
	assert.Nil(t, get.Variables[0].Value)
}

// Messages must be understood by, and understand, another SNMP
// implementation.
func TestGosnmpInterop(t *testing.T) {
	t.Run("decode theirs", func(t *testing.T) {
		theirs := &gosnmp.SnmpPacket{
			Version:   gosnmp.Version2c,
			Community: "public",
			PDUType:   gosnmp.GetResponse,
			RequestID: 1234,
			Variables: []gosnmp.SnmpPDU{
				{Name: ".1.3.6.1.2.1.1.5.0", Type: gosnmp.OctetString, Value: "router1"},
				{Name: ".1.3.6.1.2.1.1.7.0", Type: gosnmp.Integer, Value: 72},
				{Name: ".1.3.6.1.2.1.1.2.0", Type: gosnmp.ObjectIdentifier, Value: ".1.3.6.1.4.1.9.1.1"},
				{Name: ".1.3.6.1.2.1.1.3.0", Type: gosnmp.TimeTicks, Value: uint32(360000)},
				{Name: ".1.3.6.1.2.1.31.1.1.1.6.1", Type: gosnmp.Counter64, Value: uint64(1) << 40},
			},
		}
		msg, err := theirs.MarshalMsg()
		require.NoError(t, err)

		ours, err := Decode(msg)
		require.NoError(t, err)
		want := &SnmpPacket{
			Version: Version2c, Community: "public", PDUType: GetResponse, RequestID: 1234,
			Variables: []VarBind{
				{Name: MustParseOID(".1.3.6.1.2.1.1.5.0"), Type: OctetString, Value: []byte("router1")},
				{Name: MustParseOID(".1.3.6.1.2.1.1.7.0"), Type: Integer, Value: 72},
				{Name: MustParseOID(".1.3.6.1.2.1.1.2.0"), Type: ObjectIdentifier, Value: MustParseOID(".1.3.6.1.4.1.9.1.1")},
				{Name: MustParseOID(".1.3.6.1.2.1.1.3.0"), Type: TimeTicks, Value: uint32(360000)},
				{Name: MustParseOID(".1.3.6.1.2.1.31.1.1.1.6.1"), Type: Counter64, Value: uint64(1) << 40},
			},
		}
		if diff := cmp.Diff(want, ours, ignoreLogger); diff != "" {
			t.Errorf("decoded gosnmp message (-want +got):\n%s", diff)
		}
	})

	t.Run("encode ours", func(t *testing.T) {
		ours := &SnmpPacket{
			Version: Version2c, Community: "public", PDUType: GetResponse, RequestID: 77,
			Variables: []VarBind{
				{Name: MustParseOID(".1.3.6.1.2.1.1.5.0"), Type: OctetString, Value: []byte("router1")},
				{Name: MustParseOID(".1.3.6.1.2.1.1.7.0"), Type: Integer, Value: 72},
				{Name: MustParseOID(".1.3.6.1.2.1.1.2.0"), Type: ObjectIdentifier, Value: MustParseOID(".1.3.6.1.4.1.9.1.1")},
			},
		}
		msg, err := ours.MarshalMsg()
		require.NoError(t, err)

		theirs, err := gosnmp.Default.SnmpDecodePacket(msg)
		require.NoError(t, err)
		assert.Equal(t, gosnmp.GetResponse, theirs.PDUType)
		assert.Equal(t, uint32(77), theirs.RequestID)
		require.Len(t, theirs.Variables, 3)
		assert.Equal(t, ".1.3.6.1.2.1.1.5.0", theirs.Variables[0].Name)
		assert.Equal(t, []byte("router1"), theirs.Variables[0].Value)
		assert.Equal(t, 72, theirs.Variables[1].Value)
		assert.Equal(t, ".1.3.6.1.4.1.9.1.1", theirs.Variables[2].Value)
	})
}
