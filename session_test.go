// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

//go:generate mockgen -destination=mock_conn_test.go -package=snmpengine net Conn

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEngineID = "\x80\x00\x1f\x88\x05engine-test"

var (
	sysDescrOID   = MustParseOID(".1.3.6.1.2.1.1.1.0")
	sysUpTimeOID  = MustParseOID(".1.3.6.1.2.1.1.3")
	sysContactOID = MustParseOID(".1.3.6.1.2.1.1.4.0")
	sysNameOID    = MustParseOID(".1.3.6.1.2.1.1.5.0")
	ifTableOID    = MustParseOID(".1.3.6.1.2.1.2.2")
	ifEntryOID    = MustParseOID(".1.3.6.1.2.1.2.2.1")
)

// newTestDispatcher serves a small system group, six interface rows and
// one USM user per security level. All passphrases are maplesyrup.
func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	d := NewDispatcher("public")
	d.WriteCommunity = "private"
	d.EngineID = testEngineID

	system := NewStaticHandler(
		VarBind{Name: sysDescrOID, Type: OctetString, Value: []byte("Linux router1 6.1.0")},
		VarBind{Name: sysContactOID, Type: OctetString, Value: []byte("noc")},
		VarBind{Name: sysNameOID, Type: OctetString, Value: []byte("router1")},
		VarBind{Name: MustParseOID(".1.3.6.1.2.1.1.7.0"), Type: Integer, Value: 72},
	)
	system.Writable = true
	require.NoError(t, d.Register(MustParseOID(".1.3.6.1.2.1.1"), system))
	require.NoError(t, d.Register(sysUpTimeOID, ScalarHandler{Name: sysUpTimeOID, Type: TimeTicks, Value: func() any { return uint32(4242) }}))

	interfaces := NewStaticHandler()
	for i := uint32(1); i <= 6; i++ {
		interfaces.Put(VarBind{Name: ifEntryOID.Append(1, i), Type: Integer, Value: int(i)})
		interfaces.Put(VarBind{Name: ifEntryOID.Append(2, i), Type: OctetString, Value: []byte(fmt.Sprintf("eth%d", 6-i))})
		interfaces.Put(VarBind{Name: ifEntryOID.Append(10, i), Type: Counter32, Value: i * 1000})
	}
	require.NoError(t, d.Register(ifTableOID, interfaces))

	for _, user := range []*UsmSecurityParameters{
		{UserName: "noauth"},
		{UserName: "authnopriv", AuthenticationProtocol: MD5, AuthenticationPassphrase: "maplesyrup"},
		{UserName: "authpriv", AuthenticationProtocol: SHA, AuthenticationPassphrase: "maplesyrup", PrivacyProtocol: AES, PrivacyPassphrase: "maplesyrup"},
		{UserName: "authdes", AuthenticationProtocol: SHA, AuthenticationPassphrase: "maplesyrup", PrivacyProtocol: DES, PrivacyPassphrase: "maplesyrup"},
	} {
		require.NoError(t, d.AddUser(user))
	}
	return d
}

// serveDispatcher serves d on a loopback socket until the test ends and
// returns the port.
func serveDispatcher(t *testing.T, d *Dispatcher) int {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	conn, err := ListenUDP(ctx, "udp4", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- d.Serve(ctx, conn) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		_ = conn.Close()
	})
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// serveFunc is an agent that answers every decodable v1/v2c request with
// the bindings answer returns. A nil answer drops the request.
func serveFunc(t *testing.T, answer func(req *SnmpPacket) []VarBind) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	go func() {
		buf := make([]byte, rxBufSize)
		for {
			n, remote, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			req, err := Decode(buf[:n])
			if err != nil {
				continue
			}
			vbs := answer(req)
			if vbs == nil {
				continue
			}
			resp := &SnmpPacket{Version: req.Version, Community: req.Community, PDUType: GetResponse, RequestID: req.RequestID, Variables: vbs}
			out, err := resp.MarshalMsg()
			if err != nil {
				continue
			}
			_, _ = conn.WriteTo(out, remote)
		}
	}()
	return conn.LocalAddr().(*net.UDPAddr).Port
}

// silentPort is bound but never answers.
func silentPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn.LocalAddr().(*net.UDPAddr).Port
}

func connectSession(t *testing.T, s *Session) *Session {
	t.Helper()
	require.NoError(t, s.Connect())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func communitySession(t *testing.T, port int, version SnmpVersion) *Session {
	t.Helper()
	return connectSession(t, &Session{
		Target:    "127.0.0.1",
		Port:      uint16(port), //nolint:gosec
		Version:   version,
		Community: "public",
		Timeout:   time.Second,
		Retries:   1,
	})
}

func usmSession(t *testing.T, port int, flags SnmpV3MsgFlags, sp *UsmSecurityParameters) *Session {
	t.Helper()
	return connectSession(t, &Session{
		Target:             "127.0.0.1",
		Port:               uint16(port), //nolint:gosec
		Version:            Version3,
		SecurityModel:      UserSecurityModel,
		MsgFlags:           flags,
		SecurityParameters: sp,
		Timeout:            time.Second,
		Retries:            1,
	})
}

func TestValidateParameters(t *testing.T) {
	s := &Session{Target: "127.0.0.1", Retries: -4}
	require.NoError(t, s.validateParameters())
	assert.Equal(t, uint16(161), s.Port)
	assert.Equal(t, "udp", s.Transport)
	assert.Equal(t, 0, s.Retries)
	assert.Equal(t, time.Second, s.Timeout)
	assert.Equal(t, 10000, s.MaxWalkIterations)
	assert.Equal(t, uint32(10), s.MaxRepetitions)
	assert.Equal(t, MaxOids, s.MaxOids)

	for name, s := range map[string]*Session{
		"empty target":         {},
		"port in target":       {Target: "router1:161"},
		"unknown transport":    {Target: "127.0.0.1", Transport: "tcp"},
		"dtls without config":  {Target: "127.0.0.1", Transport: "dtls"},
		"unknown version":      {Target: "127.0.0.1", Version: SnmpVersion(2)},
		"v3 without params":    {Target: "127.0.0.1", Version: Version3},
		"v3 missing auth":      {Target: "127.0.0.1", Version: Version3, SecurityModel: UserSecurityModel, MsgFlags: AuthNoPriv, SecurityParameters: &UsmSecurityParameters{UserName: "u"}},
		"v3 wrong params type": {Target: "127.0.0.1", Version: Version3, SecurityModel: UserSecurityModel, SecurityParameters: &TsmSecurityParameters{}},
	} {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, s.validateParameters())
		})
	}

	var addrErr *InvalidAddressError
	assert.ErrorAs(t, (&Session{}).Connect(), &addrErr)
	assert.ErrorAs(t, (&Session{Target: "router1:161"}).Connect(), &addrErr)
	assert.NoError(t, (&Session{Target: "::1", Retries: -1}).validateParameters())
}

func TestNotConnected(t *testing.T) {
	s := &Session{Target: "192.0.2.1"}
	require.NoError(t, s.validateParameters())
	_, err := s.Get([]OID{sysNameOID})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, s.Close())
}

func TestGet(t *testing.T) {
	port := serveDispatcher(t, newTestDispatcher(t))
	s := communitySession(t, port, Version2c)

	result, err := s.Get([]OID{sysNameOID, MustParseOID(".1.3.6.1.2.1.1.5"), MustParseOID(".1.3.6.1.2.1.99.0"), sysUpTimeOID.Append(0)})
	require.NoError(t, err)
	assert.Equal(t, GetResponse, result.PDUType)
	require.Len(t, result.Variables, 4)
	assert.Equal(t, VarBind{Name: sysNameOID, Type: OctetString, Value: []byte("router1")}, result.Variables[0])
	assert.Equal(t, NoSuchInstance, result.Variables[1].Type)
	assert.Equal(t, NoSuchObject, result.Variables[2].Type)
	assert.Equal(t, uint32(4242), result.Variables[3].Value)

	_, err = s.Get(make([]OID, MaxOids+1))
	assert.Error(t, err)
}

func TestGetV1NoSuchName(t *testing.T) {
	port := serveDispatcher(t, newTestDispatcher(t))
	s := communitySession(t, port, Version1)

	missing := MustParseOID(".1.3.6.1.2.1.99.0")
	result, err := s.Get([]OID{sysNameOID, missing})
	require.ErrorIs(t, err, NoSuchName)
	var agentErr *AgentError
	require.ErrorAs(t, err, &agentErr)
	assert.Equal(t, uint32(2), agentErr.Index)
	assert.Equal(t, missing, agentErr.Name)
	require.NotNil(t, result)
	assert.Len(t, result.Variables, 2)

	_, err = s.GetBulk([]OID{sysNameOID}, 0, 5)
	assert.Error(t, err)
}

func TestGetNext(t *testing.T) {
	port := serveDispatcher(t, newTestDispatcher(t))
	s := communitySession(t, port, Version2c)

	result, err := s.GetNext([]OID{sysDescrOID, ifEntryOID.Append(10, 6)})
	require.NoError(t, err)
	require.Len(t, result.Variables, 2)
	assert.Equal(t, sysUpTimeOID.Append(0), result.Variables[0].Name)
	assert.Equal(t, EndOfMibView, result.Variables[1].Type)
}

func TestGetBulk(t *testing.T) {
	port := serveDispatcher(t, newTestDispatcher(t))
	s := communitySession(t, port, Version2c)

	result, err := s.GetBulk([]OID{sysDescrOID, ifEntryOID.Append(1), ifEntryOID.Append(2)}, 1, 5)
	require.NoError(t, err)
	require.Len(t, result.Variables, 11)
	assert.Equal(t, sysUpTimeOID.Append(0), result.Variables[0].Name)
	for rep := range 5 {
		index := uint32(rep + 1) //nolint:gosec
		assert.Equal(t, ifEntryOID.Append(1, index), result.Variables[1+2*rep].Name)
		assert.Equal(t, ifEntryOID.Append(2, index), result.Variables[2+2*rep].Name)
	}

	// past the end of the MIB a row of endOfMibView stops the repetitions
	result, err = s.GetBulk([]OID{ifEntryOID.Append(10, 5)}, 0, 5)
	require.NoError(t, err)
	require.Len(t, result.Variables, 2)
	assert.Equal(t, EndOfMibView, result.Variables[1].Type)
}

func TestGetMany(t *testing.T) {
	port := serveDispatcher(t, newTestDispatcher(t))
	s := communitySession(t, port, Version2c)
	s.MaxOids = 2
	var sent atomic.Int32
	s.OnSent = func(*Session) { sent.Add(1) }

	oids := []OID{sysNameOID, sysContactOID, sysDescrOID}
	vbs, err := s.GetMany(oids)
	require.NoError(t, err)
	assert.Equal(t, int32(2), sent.Load())
	require.Len(t, vbs, 3)
	for i, oid := range oids {
		assert.Equal(t, oid, vbs[i].Name)
	}
}

func TestSetUsesWriteCommunity(t *testing.T) {
	port := serveDispatcher(t, newTestDispatcher(t))
	s := communitySession(t, port, Version2c)
	s.Timeout = 200 * time.Millisecond
	s.Retries = 0

	ops := VarBind{Name: sysContactOID, Type: OctetString, Value: "ops"}
	_, err := s.Set([]VarBind{ops})
	require.ErrorIs(t, err, ErrTimeout, "the read community cannot write")

	s.WriteCommunity = "private"
	result, err := s.Set([]VarBind{ops})
	require.NoError(t, err)
	assert.Equal(t, []byte("ops"), result.Variables[0].Value)

	got, err := s.Get([]OID{sysContactOID})
	require.NoError(t, err)
	assert.Equal(t, []byte("ops"), got.Variables[0].Value)

	_, err = s.Set([]VarBind{{Name: sysContactOID, Type: Integer, Value: 1}})
	require.ErrorIs(t, err, WrongType)

	_, err = s.Set(nil)
	assert.Error(t, err)
	_, err = s.Set([]VarBind{{Name: sysContactOID, Type: NoSuchObject}})
	assert.Error(t, err)
}

func TestTimeout(t *testing.T) {
	s := connectSession(t, &Session{
		Target:    "127.0.0.1",
		Port:      uint16(silentPort(t)), //nolint:gosec
		Community: "public",
		Version:   Version2c,
		Timeout:   100 * time.Millisecond,
		Retries:   2,
	})
	var retries atomic.Int32
	s.OnRetry = func(*Session) { retries.Add(1) }
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	s.Metrics = metrics

	start := time.Now()
	_, err = s.Get([]OID{sysNameOID})
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrTimeout)
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 3, timeoutErr.Attempts)
	assert.NoError(t, timeoutErr.Cause)
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
	assert.Equal(t, int32(2), retries.Load())
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.retries), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.timeouts), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(metrics.requests.WithLabelValues("GetRequest", "timeout")), 0)

	// the session stays usable
	assert.NotNil(t, s.Conn)
}

func TestContextDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	s := connectSession(t, &Session{
		Target:    "127.0.0.1",
		Port:      uint16(silentPort(t)), //nolint:gosec
		Community: "public",
		Context:   ctx,
		Timeout:   time.Second,
		Retries:   3,
	})

	start := time.Now()
	_, err := s.Get([]OID{sysNameOID})
	assert.Less(t, time.Since(start), time.Second)
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Nil(t, s.Conn, "abandoned sessions are closed")
}

func TestContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := connectSession(t, &Session{
		Target:    "127.0.0.1",
		Port:      uint16(silentPort(t)), //nolint:gosec
		Community: "public",
		Context:   ctx,
		Timeout:   time.Second,
	})
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := s.Get([]OID{sysNameOID})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestWalk(t *testing.T) {
	port := serveDispatcher(t, newTestDispatcher(t))
	descr := ifEntryOID.Append(2)
	want := make([]VarBind, 0, 6)
	for i := uint32(1); i <= 6; i++ {
		want = append(want, VarBind{Name: descr.Append(i), Type: OctetString, Value: []byte(fmt.Sprintf("eth%d", 6-i))})
	}

	for _, version := range []SnmpVersion{Version1, Version2c} {
		t.Run(version.String(), func(t *testing.T) {
			s := communitySession(t, port, version)
			got, err := s.WalkAll(descr)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			// v1 agents end a walk at the end of the MIB with noSuchName
			got, err = s.WalkAll(ifEntryOID.Append(10))
			require.NoError(t, err)
			assert.Len(t, got, 6)
		})
	}

	t.Run("bulk", func(t *testing.T) {
		s := communitySession(t, port, Version2c)
		s.MaxRepetitions = 4
		var sent atomic.Int32
		s.OnSent = func(*Session) { sent.Add(1) }
		got, err := s.BulkWalkAll(descr)
		require.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, int32(2), sent.Load())
	})

	t.Run("bulk over v1", func(t *testing.T) {
		s := communitySession(t, port, Version1)
		_, err := s.BulkWalkAll(descr)
		assert.Error(t, err)
	})

	t.Run("scalar instance", func(t *testing.T) {
		s := communitySession(t, port, Version2c)
		got, err := s.WalkAll(sysNameOID)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, []byte("router1"), got[0].Value)
	})

	t.Run("empty subtree", func(t *testing.T) {
		s := communitySession(t, port, Version2c)
		got, err := s.WalkAll(MustParseOID(".1.3.6.1.2.1.99"))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("early break", func(t *testing.T) {
		s := communitySession(t, port, Version2c)
		var seen []OID
		for vb, err := range s.Walk(ifTableOID) {
			require.NoError(t, err)
			seen = append(seen, vb.Name)
			if len(seen) == 3 {
				break
			}
		}
		assert.Len(t, seen, 3)
		// the session is free for the next request
		_, err := s.Get([]OID{sysNameOID})
		require.NoError(t, err)
	})

	t.Run("sequence is single use", func(t *testing.T) {
		s := communitySession(t, port, Version2c)
		seq := s.Walk(descr)
		first, err := collect(seq)
		require.NoError(t, err)
		assert.Len(t, first, 6)
		_, err = collect(seq)
		assert.ErrorIs(t, err, ErrSequenceConsumed)
	})
}

func TestWalkNonIncreasingOID(t *testing.T) {
	root := MustParseOID(".1.3.6.1.4.1.9999")
	stuck := root.Append(5)
	port := serveFunc(t, func(*SnmpPacket) []VarBind {
		return []VarBind{{Name: stuck, Type: Integer, Value: 1}}
	})

	s := communitySession(t, port, Version2c)
	got, err := s.WalkAll(root)
	var nonIncreasing *NonIncreasingOIDError
	require.ErrorAs(t, err, &nonIncreasing)
	assert.Equal(t, stuck, nonIncreasing.Previous)
	assert.Equal(t, stuck, nonIncreasing.Current)
	assert.Len(t, got, 1)

	s.AllowNonIncreasingOIDs = true
	s.MaxWalkIterations = 3
	got, err = s.WalkAll(root)
	require.ErrorIs(t, err, ErrIterationLimit)
	assert.Len(t, got, 3)
}

func TestWalkIterationLimit(t *testing.T) {
	root := MustParseOID(".1.3.6.1.4.1.9999")
	// every answer is one arc deeper, so the walk never ends by itself
	port := serveFunc(t, func(req *SnmpPacket) []VarBind {
		return []VarBind{{Name: req.Variables[0].Name.Append(1), Type: Integer, Value: 1}}
	})

	s := communitySession(t, port, Version2c)
	s.MaxWalkIterations = 10
	var sent atomic.Int32
	s.OnSent = func(*Session) { sent.Add(1) }
	got, err := s.WalkAll(root)
	require.ErrorIs(t, err, ErrIterationLimit)
	assert.Len(t, got, 10)
	assert.Equal(t, int32(10), sent.Load())
}

func TestWalkSkipsStaleAnswers(t *testing.T) {
	root := MustParseOID(".1.3.6.1.4.1.9999")
	var calls atomic.Int32
	// the first answer is lost, later ones carry too many bindings or the
	// right one
	port := serveFunc(t, func(req *SnmpPacket) []VarBind {
		switch calls.Add(1) {
		case 1:
			return nil
		case 2:
			return []VarBind{{Name: root.Append(1), Type: Integer}, {Name: root.Append(2), Type: Integer}}
		}
		if req.Variables[0].Name.Equal(root) {
			return []VarBind{{Name: root.Append(1), Type: Integer, Value: 7}}
		}
		return []VarBind{{Name: MustParseOID(".1.3.6.1.4.1.10000"), Type: Integer, Value: 0}}
	})
	s := communitySession(t, port, Version2c)
	s.Timeout = 200 * time.Millisecond
	s.Retries = 3

	got, err := s.WalkAll(root)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 7, got[0].Value)
}

func TestGetTable(t *testing.T) {
	port := serveDispatcher(t, newTestDispatcher(t))
	s := communitySession(t, port, Version2c)

	rows, err := s.GetTable(ifTableOID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 6)
	for i, row := range rows {
		assert.Equal(t, OID{uint32(i + 1)}, row.Index) //nolint:gosec
		assert.Len(t, row.Columns, 3)
	}
	descr, ok := rows[0].Column(2)
	require.True(t, ok)
	assert.Equal(t, []byte("eth5"), descr.Value)
	_, ok = rows[0].Column(3)
	assert.False(t, ok)

	rows, err = s.GetTable(ifTableOID, 2)
	require.NoError(t, err)
	assert.Equal(t, OID{6}, rows[0].Index)
	assert.Equal(t, OID{1}, rows[5].Index)

	rows, err = s.GetTable(ifTableOID, 10)
	require.NoError(t, err)
	assert.Equal(t, OID{1}, rows[0].Index)

	var tableErr *TableError
	_, err = s.GetTable(MustParseOID(".1.3.6.1.2.1.1"), 0)
	require.ErrorAs(t, err, &tableErr)
	_, err = s.GetTable(MustParseOID(".1.3.6.1.2.1.99"), 0)
	require.ErrorAs(t, err, &tableErr)

	v1 := communitySession(t, port, Version1)
	rows, err = v1.GetTable(ifTableOID, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 6)
}

func TestCompareValues(t *testing.T) {
	tests := []struct {
		a, b VarBind
		want int
	}{
		{VarBind{Type: Integer, Value: -5}, VarBind{Type: Integer, Value: 3}, -1},
		{VarBind{Type: Counter64, Value: uint64(1) << 63}, VarBind{Type: Counter64, Value: uint64(1)}, 1},
		{VarBind{Type: OctetString, Value: []byte("eth1")}, VarBind{Type: OctetString, Value: []byte("eth1")}, 0},
		{VarBind{Type: IPAddress, Value: "10.0.0.9"}, VarBind{Type: IPAddress, Value: "10.0.0.10"}, -1},
		{VarBind{Type: ObjectIdentifier, Value: OID{1, 3, 6}}, VarBind{Type: ObjectIdentifier, Value: OID{1, 3}}, 1},
		{VarBind{Type: Integer, Value: 9}, VarBind{Type: OctetString, Value: []byte("a")}, -1},
	}
	for _, tt := range tests {
		got := compareValues(tt.a, tt.b)
		switch {
		case tt.want < 0:
			assert.Negative(t, got, "%v vs %v", tt.a, tt.b)
		case tt.want > 0:
			assert.Positive(t, got, "%v vs %v", tt.a, tt.b)
		default:
			assert.Zero(t, got, "%v vs %v", tt.a, tt.b)
		}
	}
}

func TestUSM(t *testing.T) {
	port := serveDispatcher(t, newTestDispatcher(t))

	tests := []struct {
		name  string
		flags SnmpV3MsgFlags
		sp    *UsmSecurityParameters
	}{
		{"noAuthNoPriv", NoAuthNoPriv, &UsmSecurityParameters{UserName: "noauth"}},
		{"authNoPriv", AuthNoPriv, &UsmSecurityParameters{UserName: "authnopriv", AuthenticationProtocol: MD5, AuthenticationPassphrase: "maplesyrup"}},
		{"authPriv AES", AuthPriv, &UsmSecurityParameters{UserName: "authpriv", AuthenticationProtocol: SHA, AuthenticationPassphrase: "maplesyrup", PrivacyProtocol: AES, PrivacyPassphrase: "maplesyrup"}},
		{"authPriv DES", AuthPriv, &UsmSecurityParameters{UserName: "authdes", AuthenticationProtocol: SHA, AuthenticationPassphrase: "maplesyrup", PrivacyProtocol: DES, PrivacyPassphrase: "maplesyrup"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := usmSession(t, port, tt.flags, tt.sp)
			result, err := s.Get([]OID{sysNameOID})
			require.NoError(t, err)
			assert.Equal(t, []byte("router1"), result.Variables[0].Value)
			assert.Equal(t, tt.flags, result.MsgFlags&AuthPriv)
			assert.Equal(t, testEngineID, s.ContextEngineID)
			assert.Equal(t, testEngineID, s.SecurityParameters.(*UsmSecurityParameters).AuthoritativeEngineID)

			// the learned engine is reused without a second discovery
			var sent atomic.Int32
			s.OnSent = func(*Session) { sent.Add(1) }
			got, err := s.BulkWalkAll(ifEntryOID.Append(2))
			require.NoError(t, err)
			assert.Len(t, got, 6)
			assert.Equal(t, int32(1), sent.Load())
		})
	}
}

func TestUSMFailures(t *testing.T) {
	port := serveDispatcher(t, newTestDispatcher(t))

	tests := []struct {
		name  string
		flags SnmpV3MsgFlags
		sp    *UsmSecurityParameters
		want  error
	}{
		{"unknown user", NoAuthNoPriv, &UsmSecurityParameters{UserName: "mallory"}, ErrUnknownUsername},
		{"wrong passphrase", AuthNoPriv, &UsmSecurityParameters{UserName: "authnopriv", AuthenticationProtocol: MD5, AuthenticationPassphrase: "pancakes"}, ErrWrongDigest},
		{"wrong auth protocol", AuthNoPriv, &UsmSecurityParameters{UserName: "authnopriv", AuthenticationProtocol: SHA, AuthenticationPassphrase: "maplesyrup"}, ErrWrongDigest},
		{"level too low", AuthNoPriv, &UsmSecurityParameters{UserName: "authpriv", AuthenticationProtocol: SHA, AuthenticationPassphrase: "maplesyrup"}, ErrUnknownSecurityLevel},
		{"level too high", AuthPriv, &UsmSecurityParameters{UserName: "authnopriv", AuthenticationProtocol: MD5, AuthenticationPassphrase: "maplesyrup", PrivacyProtocol: AES, PrivacyPassphrase: "maplesyrup"}, ErrUnknownSecurityLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := usmSession(t, port, tt.flags, tt.sp)
			start := time.Now()
			_, err := s.Get([]OID{sysNameOID})
			require.ErrorIs(t, err, tt.want)
			assert.NotErrorIs(t, err, ErrTimeout)
			assert.Less(t, time.Since(start), time.Second, "reports end the request without retries")
		})
	}
}

func TestNotInTimeWindowResend(t *testing.T) {
	d := newTestDispatcher(t)
	d.EngineBoots = 5
	port := serveDispatcher(t, d)

	s := usmSession(t, port, AuthPriv, &UsmSecurityParameters{
		UserName:                 "authpriv",
		AuthenticationProtocol:   SHA,
		AuthenticationPassphrase: "maplesyrup",
		PrivacyProtocol:          AES,
		PrivacyPassphrase:        "maplesyrup",
		AuthoritativeEngineID:    testEngineID,
		AuthoritativeEngineBoots: 1,
	})
	var sent atomic.Int32
	s.OnSent = func(*Session) { sent.Add(1) }

	result, err := s.Get([]OID{sysNameOID})
	require.NoError(t, err)
	assert.Equal(t, []byte("router1"), result.Variables[0].Value)
	assert.Equal(t, int32(2), sent.Load(), "one request, one resend after the report")
	assert.Equal(t, uint32(5), s.SecurityParameters.(*UsmSecurityParameters).AuthoritativeEngineBoots)
	assert.Equal(t, uint32(1), d.stats[statNotInTimeWindows].Load())
}

// tamperingRelay forwards datagrams between one client and the agent at
// agentPort. While tamper is set, the last byte of every reply is flipped.
func tamperingRelay(t *testing.T, agentPort int, tamper *atomic.Bool) int {
	t.Helper()
	relay, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	upstream, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: agentPort})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = relay.Close()
		_ = upstream.Close()
	})

	var client atomic.Pointer[net.Addr]
	go func() {
		buf := make([]byte, rxBufSize)
		for {
			n, from, err := relay.ReadFrom(buf)
			if err != nil {
				return
			}
			client.Store(&from)
			_, _ = upstream.Write(buf[:n])
		}
	}()
	go func() {
		buf := make([]byte, rxBufSize)
		for {
			n, err := upstream.Read(buf)
			if err != nil {
				return
			}
			if tamper.Load() {
				buf[n-1] ^= 0xff
			}
			if to := client.Load(); to != nil {
				_, _ = relay.WriteTo(buf[:n], *to)
			}
		}
	}()
	return relay.LocalAddr().(*net.UDPAddr).Port
}

func TestForgedDigestIsDiscarded(t *testing.T) {
	var tamper atomic.Bool
	port := tamperingRelay(t, serveDispatcher(t, newTestDispatcher(t)), &tamper)

	s := usmSession(t, port, AuthNoPriv, &UsmSecurityParameters{
		UserName:                 "authnopriv",
		AuthenticationProtocol:   MD5,
		AuthenticationPassphrase: "maplesyrup",
		AuthoritativeEngineID:    testEngineID,
		AuthoritativeEngineBoots: 1,
	})
	s.Timeout = 200 * time.Millisecond
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	s.Metrics = metrics

	_, err = s.Get([]OID{sysNameOID})
	require.NoError(t, err, "the relay itself is transparent")

	tamper.Store(true)
	_, err = s.Get([]OID{sysNameOID})
	require.ErrorIs(t, err, ErrTimeout)
	assert.InDelta(t, 2, testutil.ToFloat64(metrics.discards.WithLabelValues("auth")), 0)
}

// forgingRelay forwards datagrams between one client and the agent at
// agentPort. Before forwarding a request it sends the client the Report
// forge builds from it, if any.
func forgingRelay(t *testing.T, agentPort int, forge func(req *SnmpPacket) *SnmpPacket) int {
	t.Helper()
	relay, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	upstream, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: agentPort})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = relay.Close()
		_ = upstream.Close()
	})

	var client atomic.Pointer[net.Addr]
	go func() {
		buf := make([]byte, rxBufSize)
		for {
			n, from, err := relay.ReadFrom(buf)
			if err != nil {
				return
			}
			client.Store(&from)
			parser := &Session{}
			req := &SnmpPacket{}
			if cursor, err := parser.unmarshalHeader(buf[:n], req); err == nil {
				req.RequestID = peekRequestID(parser, buf[:n], cursor, req)
				if report := forge(req); report != nil {
					if out, err := report.marshalMsg(); err == nil {
						_, _ = relay.WriteTo(out, from)
					}
				}
			}
			_, _ = upstream.Write(buf[:n])
		}
	}()
	go func() {
		buf := make([]byte, rxBufSize)
		for {
			n, err := upstream.Read(buf)
			if err != nil {
				return
			}
			if to := client.Load(); to != nil {
				_, _ = relay.WriteTo(buf[:n], *to)
			}
		}
	}()
	return relay.LocalAddr().(*net.UDPAddr).Port
}

// forgedReport is an unauthenticated Report naming stat.
func forgedReport(req *SnmpPacket, requestID uint32, stat OID, boots uint32) *SnmpPacket {
	return &SnmpPacket{
		Version:       Version3,
		MsgFlags:      NoAuthNoPriv,
		SecurityModel: UserSecurityModel,
		SecurityParameters: &UsmSecurityParameters{
			AuthoritativeEngineID:    testEngineID,
			AuthoritativeEngineBoots: boots,
			AuthoritativeEngineTime:  99999,
		},
		MsgID:           req.MsgID,
		MsgMaxSize:      maxMsgSize,
		ContextEngineID: testEngineID,
		PDUType:         Report,
		RequestID:       requestID,
		Variables:       []VarBind{{Name: stat, Type: Counter32, Value: uint32(1)}},
	}
}

func TestUnmatchedReportIsDiscarded(t *testing.T) {
	tests := []struct {
		name    string
		forge   func(req *SnmpPacket) *SnmpPacket
		discard string
	}{
		{"foreign request id", func(req *SnmpPacket) *SnmpPacket {
			return forgedReport(req, 0x7ffffff0, usmStatsWrongDigests, 1)
		}, "request_id"},
		{"request id 0 for a plaintext request", func(req *SnmpPacket) *SnmpPacket {
			return forgedReport(req, 0, usmStatsUnknownUserNames, 1)
		}, "request_id"},
		{"foreign msg id", func(req *SnmpPacket) *SnmpPacket {
			report := forgedReport(req, req.RequestID, usmStatsDecryptionErrors, 1)
			report.MsgID++
			return report
		}, "request_id"},
		{"unauthenticated engine clock", func(req *SnmpPacket) *SnmpPacket {
			return forgedReport(req, req.RequestID, usmStatsNotInTimeWindows, 99)
		}, "auth"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := forgingRelay(t, serveDispatcher(t, newTestDispatcher(t)), tt.forge)
			s := usmSession(t, port, AuthNoPriv, &UsmSecurityParameters{
				UserName:                 "authnopriv",
				AuthenticationProtocol:   MD5,
				AuthenticationPassphrase: "maplesyrup",
				AuthoritativeEngineID:    testEngineID,
				AuthoritativeEngineBoots: 1,
			})
			metrics, err := NewMetrics(prometheus.NewRegistry())
			require.NoError(t, err)
			s.Metrics = metrics
			var sent atomic.Int32
			s.OnSent = func(*Session) { sent.Add(1) }

			result, err := s.Get([]OID{sysNameOID})
			require.NoError(t, err)
			assert.Equal(t, []byte("router1"), result.Variables[0].Value)
			assert.Equal(t, int32(1), sent.Load())
			assert.Equal(t, uint32(1), s.SecurityParameters.(*UsmSecurityParameters).AuthoritativeEngineBoots)
			assert.InDelta(t, 1, testutil.ToFloat64(metrics.discards.WithLabelValues(tt.discard)), 0)
		})
	}
}

func TestReportAnswers(t *testing.T) {
	sent := &SnmpPacket{MsgID: 40, MsgFlags: AuthNoPriv | Reportable}
	ids := []uint32{7}

	assert.True(t, reportAnswers(&SnmpPacket{MsgID: 40, RequestID: 7}, sent, ids))
	assert.False(t, reportAnswers(&SnmpPacket{MsgID: 41, RequestID: 7}, sent, ids))
	assert.False(t, reportAnswers(&SnmpPacket{MsgID: 40, RequestID: 8}, sent, ids))
	assert.False(t, reportAnswers(&SnmpPacket{MsgID: 40}, sent, ids))

	sent.MsgFlags = AuthPriv | Reportable
	assert.True(t, reportAnswers(&SnmpPacket{MsgID: 40}, sent, ids), "an encrypted request cannot be read by a failing agent")
	assert.False(t, reportAnswers(&SnmpPacket{MsgID: 39}, sent, ids))

	assert.False(t, isValidRequestID(0, ids))
	assert.True(t, isValidRequestID(7, ids))
}

func TestNextIDSkipsZero(t *testing.T) {
	counter := uint32(0x7FFFFFFE)
	assert.Equal(t, uint32(0x7FFFFFFF), nextID(&counter))
	assert.Equal(t, uint32(1), nextID(&counter))

	counter = 0xFFFFFFFF
	assert.Equal(t, uint32(1), nextID(&counter))
}

func TestSessionOverMockConn(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockConn(ctrl)

	s := &Session{Target: "192.0.2.1", Version: Version2c, Community: "public", Timeout: time.Second}
	require.NoError(t, s.validateParameters())
	s.Conn = conn

	var sent []byte
	reply := func(mutate func(resp *SnmpPacket)) func([]byte) (int, error) {
		return func(b []byte) (int, error) {
			req, err := Decode(sent)
			require.NoError(t, err)
			resp := &SnmpPacket{
				Version:   Version2c,
				Community: "public",
				PDUType:   GetResponse,
				RequestID: req.RequestID,
				Variables: []VarBind{{Name: sysNameOID, Type: OctetString, Value: []byte("router1")}},
			}
			mutate(resp)
			out, err := resp.MarshalMsg()
			require.NoError(t, err)
			return copy(b, out), nil
		}
	}

	conn.EXPECT().SetDeadline(gomock.Any()).Return(nil)
	conn.EXPECT().Write(gomock.Any()).DoAndReturn(func(b []byte) (int, error) {
		sent = slices.Clone(b)
		return len(b), nil
	})
	gomock.InOrder(
		conn.EXPECT().Read(gomock.Any()).DoAndReturn(func(b []byte) (int, error) {
			return copy(b, []byte{0x30, 0x03, 0x02, 0x01}), nil
		}),
		conn.EXPECT().Read(gomock.Any()).DoAndReturn(reply(func(resp *SnmpPacket) { resp.Community = "other" })),
		conn.EXPECT().Read(gomock.Any()).DoAndReturn(reply(func(resp *SnmpPacket) { resp.RequestID += 100 })),
		conn.EXPECT().Read(gomock.Any()).DoAndReturn(reply(func(resp *SnmpPacket) { resp.Version = Version1 })),
		conn.EXPECT().Read(gomock.Any()).DoAndReturn(reply(func(resp *SnmpPacket) {
			resp.Variables = append(resp.Variables, resp.Variables[0])
		})),
		conn.EXPECT().Read(gomock.Any()).DoAndReturn(reply(func(*SnmpPacket) {})),
	)
	conn.EXPECT().Close().Return(nil)

	result, err := s.Get([]OID{sysNameOID})
	require.NoError(t, err)
	assert.Equal(t, []byte("router1"), result.Variables[0].Value)

	req, err := Decode(sent)
	require.NoError(t, err)
	assert.Equal(t, GetRequest, req.PDUType)
	assert.Equal(t, "public", req.Community)
	assert.Equal(t, []VarBind{{Name: sysNameOID, Type: Null}}, req.Variables)

	require.NoError(t, s.Close())
	assert.Nil(t, s.Conn)
}

func TestOneRequestInFlight(t *testing.T) {
	ctrl := gomock.NewController(t)
	conn := NewMockConn(ctrl)

	s := &Session{Target: "192.0.2.1", Version: Version2c, Community: "public", Timeout: time.Second}
	require.NoError(t, s.validateParameters())
	s.Conn = conn

	errDown := errors.New("network is down")
	var nested error
	conn.EXPECT().SetDeadline(gomock.Any()).Return(nil)
	conn.EXPECT().Write(gomock.Any()).DoAndReturn(func([]byte) (int, error) {
		_, nested = s.Get([]OID{sysNameOID})
		return 0, errDown
	})

	_, err := s.Get([]OID{sysNameOID})
	require.ErrorIs(t, err, errDown)
	assert.ErrorIs(t, nested, ErrRequestInFlight)
}
