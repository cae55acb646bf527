// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v3"
)

const (
	// defaultBulkLimit caps max-repetitions of a received GetBulkRequest.
	defaultBulkLimit = 128

	// timeWindow is the USM time window in seconds (RFC 3414 section 3.2).
	timeWindow = 150
)

type registration struct {
	prefix  OID
	handler Handler
}

// Dispatcher is the agent side of the engine. It decodes requests, routes
// each binding to the Handler registered for the longest matching prefix
// and encodes the response.
//
// v1 and v2c requests are authorized by community: Community grants reads,
// WriteCommunity grants reads and writes. An empty community disables that
// access. v3 requests are checked against the users added with AddUser.
type Dispatcher struct {
	Community      string
	WriteCommunity string

	// EngineID is the authoritative snmpEngineID. A random one is generated
	// on first use when empty.
	EngineID string

	// EngineBoots is snmpEngineBoots, 1 when zero.
	EngineBoots uint32

	// MaxRepetitions caps max-repetitions of GetBulk requests.
	// (default: 128)
	MaxRepetitions uint32

	// MaxMessageSize bounds the encoded responses.
	// (default: 65507)
	MaxMessageSize int

	// DTLSConfig is used by ServeDTLS. CertMappings derive the TSM security
	// name from the client certificate.
	DTLSConfig   *dtls.Config
	CertMappings CertMappings

	Logger  Logger
	Metrics *Metrics

	mu   sync.RWMutex
	regs []registration

	usersMu sync.RWMutex
	users   map[string]*UsmSecurityParameters

	initOnce sync.Once
	started  time.Time
	stats    [usmStatCount]atomic.Uint32
}

// NewDispatcher returns a Dispatcher authorizing v1 and v2c reads with
// community.
func NewDispatcher(community string) *Dispatcher {
	return &Dispatcher{Community: community}
}

func (d *Dispatcher) init() {
	d.initOnce.Do(func() {
		d.started = time.Now()
		if d.EngineID == "" {
			d.EngineID = NewEngineID()
		}
		if d.EngineBoots == 0 {
			d.EngineBoots = 1
		}
		if d.MaxRepetitions == 0 {
			d.MaxRepetitions = defaultBulkLimit
		}
		if d.MaxMessageSize <= 0 || d.MaxMessageSize > maxMsgSize {
			d.MaxMessageSize = maxMsgSize
		}
	})
}

// engineTime is snmpEngineTime: seconds since the dispatcher started.
func (d *Dispatcher) engineTime() uint32 {
	return uint32(min(int64(time.Since(d.started)/time.Second), maxEngineTime)) //nolint:gosec
}

// Register routes the subtree rooted at prefix to h. A longer prefix takes
// precedence over a shorter one inside its subtree.
func (d *Dispatcher) Register(prefix OID, h Handler) error {
	if len(prefix) == 0 {
		return errors.New("cannot register an empty prefix")
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s", prefix)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	pos, found := slices.BinarySearchFunc(d.regs, prefix, func(r registration, p OID) int {
		return r.prefix.Compare(p)
	})
	if found {
		return fmt.Errorf("%s is already registered", prefix)
	}
	d.regs = slices.Insert(d.regs, pos, registration{prefix: prefix.Copy(), handler: h})
	return nil
}

// Unregister removes the handler registered at exactly prefix.
func (d *Dispatcher) Unregister(prefix OID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	pos, found := slices.BinarySearchFunc(d.regs, prefix, func(r registration, p OID) int {
		return r.prefix.Compare(p)
	})
	if found {
		d.regs = slices.Delete(d.regs, pos, pos+1)
	}
	return found
}

// ownerNoLock returns the index of the longest registration containing oid,
// or -1.
func (d *Dispatcher) ownerNoLock(oid OID) int {
	return ownerOf(d.regs, oid)
}

func (d *Dispatcher) get(oid OID) VarBind {
	d.mu.RLock()
	i := d.ownerNoLock(oid)
	var h Handler
	if i >= 0 {
		h = d.regs[i].handler
	}
	d.mu.RUnlock()

	if h == nil {
		return VarBind{Name: oid, Type: NoSuchObject}
	}
	vb := h.Get(oid)
	vb.Name = oid
	return vb
}

// getNext returns the smallest instance after oid over all registrations.
// Instances a handler reports inside a longer registration belong to that
// registration and are skipped.
func (d *Dispatcher) getNext(oid OID) (VarBind, bool) {
	d.mu.RLock()
	regs := slices.Clone(d.regs)
	d.mu.RUnlock()

	var best VarBind
	found := false
	for i, r := range regs {
		if r.prefix.Compare(oid) < 0 && !oid.HasPrefix(r.prefix) {
			// the whole subtree sorts before oid
			continue
		}
		if found && r.prefix.Compare(best.Name) > 0 {
			// regs are sorted, nothing later can beat best
			break
		}
		cur := oid
		for {
			vb, ok := r.handler.GetNext(cur)
			if !ok || !vb.Name.HasPrefix(r.prefix) {
				break
			}
			if vb.Name.Compare(cur) <= 0 {
				d.Logger.Printf("handler at %s went backwards from %s to %s", r.prefix, cur, vb.Name)
				break
			}
			if owner := ownerOf(regs, vb.Name); owner != i {
				cur = vb.Name
				continue
			}
			if !found || vb.Name.Compare(best.Name) < 0 {
				best, found = vb, true
			}
			break
		}
	}
	return best, found
}

func ownerOf(regs []registration, oid OID) int {
	best := -1
	for i, r := range regs {
		if oid.HasPrefix(r.prefix) && (best < 0 || len(r.prefix) > len(regs[best].prefix)) {
			best = i
		}
	}
	return best
}

// HandleMessage processes one received datagram and returns the encoded
// response, or nil when nothing is to be sent back. A non-nil error says why
// the request was not served; a Report may come back alongside it.
func (d *Dispatcher) HandleMessage(msg []byte, remote net.Addr) ([]byte, error) {
	return d.handleMessage(msg, remote, "")
}

// handleMessage serves msg. securityName is the TSM principal of a DTLS
// peer, empty on plain UDP.
func (d *Dispatcher) handleMessage(msg []byte, remote net.Addr, securityName string) ([]byte, error) {
	d.init()
	parser := &Session{Logger: d.Logger}
	req := &SnmpPacket{Logger: d.Logger}
	cursor, err := parser.unmarshalHeader(msg, req)
	if err != nil {
		d.Metrics.discard("malformed")
		return nil, fmt.Errorf("from %v: %w", remote, err)
	}

	if req.Version == Version3 {
		return d.handleV3(parser, msg, cursor, req, securityName)
	}

	if err = parser.unmarshalPayload(msg, cursor, req); err != nil {
		d.Metrics.discard("malformed")
		return nil, fmt.Errorf("from %v: %w", remote, err)
	}
	if !req.PDUType.isConfirmed() || req.PDUType == InformRequest ||
		(req.Version == Version1 && req.PDUType == GetBulkRequest) {
		d.Metrics.served(req.PDUType, "unsupported")
		return nil, &ProtocolError{Reason: fmt.Sprintf("%s is not served over %s", req.PDUType, req.Version)}
	}
	if !d.authorizeCommunity(req) {
		d.Metrics.served(req.PDUType, "bad_community")
		return nil, fmt.Errorf("from %v: bad community for %s", remote, req.PDUType)
	}

	resp := d.serve(req, d.MaxMessageSize)
	resp.Community = req.Community
	out, err := resp.marshalMsg()
	if err != nil {
		d.Metrics.served(req.PDUType, "error")
		return nil, err
	}
	d.Metrics.served(req.PDUType, servedResult(resp))
	return out, nil
}

// authorizeCommunity grants reads to either community and writes to the
// write community only.
func (d *Dispatcher) authorizeCommunity(req *SnmpPacket) bool {
	matches := func(community string) bool {
		return community != "" && communityMatches(community, req.Community)
	}
	if matches(d.WriteCommunity) {
		return true
	}
	return req.PDUType != SetRequest && matches(d.Community)
}

func servedResult(resp *SnmpPacket) string {
	if resp.Error != NoError {
		return "agent_error"
	}
	return "ok"
}

// serve answers a decoded request. The response carries the header fields
// of req except the PDU.
func (d *Dispatcher) serve(req *SnmpPacket, maxSize int) *SnmpPacket {
	resp := &SnmpPacket{
		Version:         req.Version,
		ContextEngineID: req.ContextEngineID,
		ContextName:     req.ContextName,
		PDUType:         GetResponse,
		RequestID:       req.RequestID,
		Logger:          d.Logger,
	}

	switch req.PDUType {
	case GetRequest:
		resp.Variables = d.serveGet(req)
	case GetNextRequest:
		resp.Variables = d.serveGetNext(req)
	case GetBulkRequest:
		resp.Variables = d.serveGetBulk(req)
	case SetRequest:
		resp.Variables = req.Variables
		resp.Error, resp.ErrorIndex = d.serveSet(req)
	}

	if req.Version == Version1 && resp.Error == NoError {
		for i, vb := range resp.Variables {
			if vb.IsException() {
				resp.Error, resp.ErrorIndex = NoSuchName, uint32(i+1) //nolint:gosec
				resp.Variables = req.Variables
				break
			}
		}
	}
	if req.Version == Version1 {
		resp.Error = v1ErrorStatus(resp.Error)
	}

	d.fitResponse(req, resp, maxSize)
	return resp
}

func (d *Dispatcher) serveGet(req *SnmpPacket) []VarBind {
	out := make([]VarBind, len(req.Variables))
	for i, vb := range req.Variables {
		out[i] = d.get(vb.Name)
		if req.Version == Version1 && out[i].Type == Counter64 {
			// RFC 3584 section 4.2.2.1: Counter64 is invisible to v1
			out[i] = VarBind{Name: vb.Name, Type: NoSuchObject}
		}
	}
	return out
}

// nextFor is getNext with the v1 view applied: Counter64 instances are
// stepped over.
func (d *Dispatcher) nextFor(version SnmpVersion, oid OID) (VarBind, bool) {
	for {
		vb, ok := d.getNext(oid)
		if !ok || version != Version1 || vb.Type != Counter64 {
			return vb, ok
		}
		oid = vb.Name
	}
}

func (d *Dispatcher) serveGetNext(req *SnmpPacket) []VarBind {
	out := make([]VarBind, len(req.Variables))
	for i, vb := range req.Variables {
		next, ok := d.nextFor(req.Version, vb.Name)
		if !ok {
			next = VarBind{Name: vb.Name, Type: EndOfMibView}
		}
		out[i] = next
	}
	return out
}

// serveGetBulk follows RFC 3416 section 4.2.3. Repetitions stop early once
// a whole row is endOfMibView.
func (d *Dispatcher) serveGetBulk(req *SnmpPacket) []VarBind {
	n := len(req.Variables)
	nonRepeaters := min(int(req.NonRepeaters), n)
	maxRepetitions := int(min(req.MaxRepetitions, d.MaxRepetitions))

	out := make([]VarBind, 0, nonRepeaters+maxRepetitions*(n-nonRepeaters))
	for _, vb := range req.Variables[:nonRepeaters] {
		next, ok := d.getNext(vb.Name)
		if !ok {
			next = VarBind{Name: vb.Name, Type: EndOfMibView}
		}
		out = append(out, next)
	}

	cursors := make([]OID, 0, n-nonRepeaters)
	for _, vb := range req.Variables[nonRepeaters:] {
		cursors = append(cursors, vb.Name)
	}
	if len(cursors) == 0 {
		return out
	}
	for range maxRepetitions {
		allEnded := true
		for j, oid := range cursors {
			next, ok := d.getNext(oid)
			if !ok {
				out = append(out, VarBind{Name: oid, Type: EndOfMibView})
				continue
			}
			allEnded = false
			cursors[j] = next.Name
			out = append(out, next)
		}
		if allEnded {
			break
		}
	}
	return out
}

// SetTester is implemented by setters that can check a binding without
// applying it. When every handler of a SetRequest is a SetTester all
// bindings are tested before any is set.
type SetTester interface {
	TestSet(vb VarBind) SNMPError
}

// serveSet applies the bindings in order and returns the error-status and
// 1-based error-index of the first failure.
func (d *Dispatcher) serveSet(req *SnmpPacket) (SNMPError, uint32) {
	setters := make([]Setter, len(req.Variables))
	d.mu.RLock()
	for i, vb := range req.Variables {
		owner := d.ownerNoLock(vb.Name)
		if owner < 0 {
			d.mu.RUnlock()
			return NoCreation, uint32(i + 1) //nolint:gosec
		}
		setter, ok := d.regs[owner].handler.(Setter)
		if !ok {
			d.mu.RUnlock()
			return NotWritable, uint32(i + 1) //nolint:gosec
		}
		setters[i] = setter
	}
	d.mu.RUnlock()

	for i, vb := range req.Variables {
		if vb.IsException() {
			return WrongType, uint32(i + 1) //nolint:gosec
		}
		if tester, ok := setters[i].(SetTester); ok {
			if status := tester.TestSet(vb); status != NoError {
				return status, uint32(i + 1) //nolint:gosec
			}
		}
	}
	for i, vb := range req.Variables {
		if status := setters[i].Set(vb); status != NoError {
			if i > 0 {
				return CommitFailed, uint32(i + 1) //nolint:gosec
			}
			return status, uint32(i + 1) //nolint:gosec
		}
	}
	return NoError, 0
}

// v1ErrorStatus maps a v2 error-status onto the five v1 values
// (RFC 3584 section 4.4).
func v1ErrorStatus(status SNMPError) SNMPError {
	switch status {
	case NoError, TooBig, NoSuchName, BadValue, ReadOnly, GenErr:
		return status
	case WrongType, WrongLength, WrongEncoding, WrongValue, InconsistentValue:
		return BadValue
	case NoAccess, NotWritable, NoCreation, InconsistentName, AuthorizationError:
		return NoSuchName
	}
	return GenErr
}

// fitResponse keeps the encoded response within maxSize. GetBulk responses
// lose trailing bindings; anything else becomes tooBig.
func (d *Dispatcher) fitResponse(req, resp *SnmpPacket, maxSize int) {
	size := func() int {
		pdu, err := resp.marshalPDU()
		if err != nil {
			return maxSize + 1
		}
		return len(pdu) + envelopeOverhead(req)
	}
	if size() <= maxSize {
		return
	}
	if req.PDUType == GetBulkRequest {
		for len(resp.Variables) > 0 && size() > maxSize {
			resp.Variables = resp.Variables[:len(resp.Variables)-1]
		}
		if len(resp.Variables) > 0 {
			return
		}
	}
	resp.Error, resp.ErrorIndex = TooBig, 0
	resp.Variables = nil
	if req.Version == Version1 {
		resp.Variables = req.Variables
	}
	d.Logger.Printf("response to request %d exceeds %d bytes", req.RequestID, maxSize)
}

// envelopeOverhead approximates the bytes around the PDU: message header,
// community or v3 header and security parameters, and cipher padding.
func envelopeOverhead(req *SnmpPacket) int {
	if req.Version != Version3 {
		return 16 + len(req.Community)
	}
	return 160 + len(req.ContextEngineID) + len(req.ContextName)
}

// Serve answers requests arriving on conn until ctx is done or conn is
// closed. Each datagram is handled on its own goroutine.
func (d *Dispatcher) Serve(ctx context.Context, conn net.PacketConn) error {
	d.init()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(longAgo)
	})
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	buf := make([]byte, rxBufSize)
	for {
		n, remote, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			if isTimeoutError(err) {
				continue
			}
			return fmt.Errorf("dispatcher read: %w", err)
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := d.HandleMessage(msg, remote)
			if err != nil {
				d.Logger.Printf("dispatcher: %v", err)
			}
			if resp == nil {
				return
			}
			if _, err = conn.WriteTo(resp, remote); err != nil {
				d.Logger.Printf("dispatcher: reply to %v: %v", remote, err)
			}
		}()
	}
}

// ListenAndServe listens on the UDP address addr and serves it until ctx is
// done.
func (d *Dispatcher) ListenAndServe(ctx context.Context, addr string) error {
	conn, err := ListenUDP(ctx, "udp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	return d.Serve(ctx, conn)
}

// ServeDTLS accepts DTLS associations on addr until ctx is done. Requests
// may use the Transport Security Model, with the security name taken from
// the client certificate through CertMappings.
func (d *Dispatcher) ServeDTLS(ctx context.Context, addr string) error {
	d.init()
	if d.DTLSConfig == nil {
		return errors.New("ServeDTLS requires DTLSConfig")
	}
	// TSM needs a client certificate to name the principal
	if d.DTLSConfig.ClientAuth == dtls.NoClientCert {
		d.DTLSConfig.ClientAuth = dtls.RequireAndVerifyClientCert
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return &InvalidAddressError{Address: addr, Err: err}
	}
	listener, err := dtls.Listen("udp", udpAddr, d.DTLSConfig)
	if err != nil {
		return fmt.Errorf("dtls listen on %s: %w", addr, err)
	}
	return d.ServeListener(ctx, listener)
}

// ServeListener serves the associations accepted from listener, usually a
// pion/dtls listener, until ctx is done. The listener is closed on return.
func (d *Dispatcher) ServeListener(ctx context.Context, listener net.Listener) error {
	d.init()
	defer listener.Close()
	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			d.Logger.Printf("dtls accept: %v", err)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.serveAssociation(ctx, conn)
		}()
	}
}

// serveAssociation answers every request of one DTLS association.
func (d *Dispatcher) serveAssociation(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	securityName := ""
	if dconn, ok := conn.(*dtls.Conn); ok {
		if err := dconn.HandshakeContext(ctx); err != nil {
			d.Logger.Printf("dtls handshake with %v: %v", conn.RemoteAddr(), err)
			return
		}
		name, err := dtlsPeerSecurityName(dconn, d.CertMappings)
		if err != nil {
			d.Logger.Printf("dtls peer %v: %v", conn.RemoteAddr(), err)
		}
		securityName = name
	}

	buf := make([]byte, rxBufSize)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		resp, err := d.handleMessage(buf[:n:n], conn.RemoteAddr(), securityName)
		if err != nil {
			d.Logger.Printf("dispatcher: %v", err)
		}
		if resp == nil {
			continue
		}
		if _, err = conn.Write(resp); err != nil {
			return
		}
	}
}
