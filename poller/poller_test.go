// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package poller

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	snmp "github.com/gosnmp/snmpengine"
)

var (
	sysName   = snmp.MustParseOID(".1.3.6.1.2.1.1.5.0")
	ifDescr   = snmp.MustParseOID(".1.3.6.1.2.1.2.2.1.2")
	ifTable   = snmp.MustParseOID(".1.3.6.1.2.1.2.2")
	sysPrefix = snmp.MustParseOID(".1.3.6.1.2.1.1")
)

// startAgent serves a small MIB on a loopback port and returns that port.
func startAgent(t *testing.T) int {
	t.Helper()
	d := snmp.NewDispatcher("public")
	require.NoError(t, d.Register(sysPrefix, snmp.NewStaticHandler(
		snmp.VarBind{Name: sysName, Type: snmp.OctetString, Value: []byte("router1")},
	)))
	require.NoError(t, d.Register(ifTable, snmp.NewStaticHandler(
		snmp.VarBind{Name: ifDescr.Append(1), Type: snmp.OctetString, Value: []byte("eth0")},
		snmp.VarBind{Name: ifDescr.Append(2), Type: snmp.OctetString, Value: []byte("eth1")},
	)))

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := snmp.ListenUDP(ctx, "udp4", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Serve(ctx, conn)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = conn.Close()
	})
	return conn.LocalAddr().(*net.UDPAddr).Port
}

type recorder struct {
	mu      sync.Mutex
	samples map[string]Sample
	n       chan struct{}
}

func newRecorder() *recorder {
	return &recorder{samples: map[string]Sample{}, n: make(chan struct{}, 64)}
}

func (r *recorder) Collect(_ context.Context, s Sample) {
	r.mu.Lock()
	r.samples[s.Target] = s
	r.mu.Unlock()
	r.n <- struct{}{}
}

func (r *recorder) sample(name string) Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.samples[name]
}

func TestPollOnce(t *testing.T) {
	port := startAgent(t)
	cfg, err := ParseConfig([]byte(fmt.Sprintf(`
defaults:
  timeout: 200ms
  retries: 0
targets:
  - name: agent
    address: 127.0.0.1:%d
    community: public
    oids: [".1.3.6.1.2.1.1.5.0"]
    walks: [".1.3.6.1.2.1.2.2"]
  - name: wrong-community
    address: 127.0.0.1:%d
    community: secret
    oids: [".1.3.6.1.2.1.1.5.0"]
`, port, port)))
	require.NoError(t, err)

	rec := newRecorder()
	p, err := New(cfg, rec)
	require.NoError(t, err)
	p.Concurrency = 1
	p.PollOnce(context.Background())

	ok := rec.sample("agent")
	require.NoError(t, ok.Err)
	require.Len(t, ok.VarBinds, 3)
	assert.Equal(t, []byte("router1"), ok.VarBinds[0].Value)
	assert.Equal(t, ifDescr.Append(1), ok.VarBinds[1].Name)
	assert.Equal(t, ifDescr.Append(2), ok.VarBinds[2].Name)
	assert.Positive(t, ok.Duration)

	bad := rec.sample("wrong-community")
	require.ErrorIs(t, bad.Err, snmp.ErrTimeout)
	assert.Empty(t, bad.VarBinds)
}

func TestPollV1UsesWalk(t *testing.T) {
	port := startAgent(t)
	cfg, err := ParseConfig([]byte(fmt.Sprintf(`
targets:
  - name: v1
    address: 127.0.0.1:%d
    version: 1
    community: public
    timeout: 500ms
    walks: [".1.3.6.1.2.1.2.2"]
`, port)))
	require.NoError(t, err)

	p, err := New(cfg, CollectorFunc(func(context.Context, Sample) {}))
	require.NoError(t, err)
	s := p.Poll(context.Background(), cfg.Targets[0])
	require.NoError(t, s.Err)
	assert.Len(t, s.VarBinds, 2)
}

func TestPollCancelled(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
targets:
  - {name: a, address: 127.0.0.1, oids: [.1.3.6.1.2.1.1.5.0]}
`))
	require.NoError(t, err)
	p, err := New(cfg, CollectorFunc(func(context.Context, Sample) {}))
	require.NoError(t, err)
	p.Concurrency = 1

	// hold the only slot so Poll has to wait for it
	p.init()
	p.sem <- struct{}{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := p.Poll(ctx, cfg.Targets[0])
	require.ErrorIs(t, s.Err, context.Canceled)
}

func TestStartSchedules(t *testing.T) {
	port := startAgent(t)
	cfg, err := ParseConfig([]byte(fmt.Sprintf(`
targets:
  - name: agent
    address: 127.0.0.1:%d
    community: public
    timeout: 500ms
    schedule: "@every 1s"
    oids: [".1.3.6.1.2.1.1.5.0"]
  - name: unscheduled
    address: 127.0.0.1:%d
    oids: [".1.3.6.1.2.1.1.5.0"]
`, port, port)))
	require.NoError(t, err)

	rec := newRecorder()
	p, err := New(cfg, rec)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))

	select {
	case <-rec.n:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled poll did not run")
	}
	<-p.Stop().Done()

	s := rec.sample("agent")
	require.NoError(t, s.Err)
	require.Len(t, s.VarBinds, 1)
	assert.Equal(t, []byte("router1"), s.VarBinds[0].Value)
	assert.Equal(t, Sample{}, rec.sample("unscheduled"))
}

func TestStartWithoutSchedules(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
targets:
  - {name: a, address: 127.0.0.1, oids: [.1.3.6.1.2.1.1.5.0]}
`))
	require.NoError(t, err)
	p, err := New(cfg, CollectorFunc(func(context.Context, Sample) {}))
	require.NoError(t, err)
	require.Error(t, p.Start(context.Background()))
	<-p.Stop().Done()
}

func TestNewErrors(t *testing.T) {
	_, err := New(nil, CollectorFunc(func(context.Context, Sample) {}))
	require.Error(t, err)
	_, err = New(&Config{Targets: []Target{{Name: "a"}}}, nil)
	require.Error(t, err)
}
