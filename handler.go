// Copyright 2012-2020 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"slices"
	"sort"
	"sync"
)

// Handler serves the objects of one registered subtree.
//
// Get returns the binding for an exact instance, or a binding typed
// NoSuchObject / NoSuchInstance. GetNext returns the first instance after
// oid; ok is false when the handler has nothing after it.
//
// Handlers are called concurrently and must be safe for that.
type Handler interface {
	Get(oid OID) VarBind
	GetNext(oid OID) (vb VarBind, ok bool)
}

// Setter is implemented by handlers that accept SetRequests. Set returns
// NoError, or the error-status to report for the binding.
type Setter interface {
	Set(vb VarBind) SNMPError
}

// StaticHandler serves a sorted list of instances held in memory. Put may
// be called while the handler is serving.
type StaticHandler struct {
	// Writable enables Set on existing instances.
	Writable bool

	mu  sync.RWMutex
	vbs []VarBind
}

var (
	_ Handler   = (*StaticHandler)(nil)
	_ Setter    = (*StaticHandler)(nil)
	_ SetTester = (*StaticHandler)(nil)
)

// NewStaticHandler returns a handler serving vbs.
func NewStaticHandler(vbs ...VarBind) *StaticHandler {
	h := &StaticHandler{}
	for _, vb := range vbs {
		h.Put(vb)
	}
	return h
}

// search returns the position of the first instance not below oid.
func (h *StaticHandler) search(oid OID) int {
	return sort.Search(len(h.vbs), func(i int) bool {
		return oid.Compare(h.vbs[i].Name) <= 0
	})
}

// Put adds or replaces an instance.
func (h *StaticHandler) Put(vb VarBind) {
	vb.Name = vb.Name.Copy()
	h.mu.Lock()
	defer h.mu.Unlock()
	pos := h.search(vb.Name)
	if pos < len(h.vbs) && h.vbs[pos].Name.Equal(vb.Name) {
		h.vbs[pos] = vb
		return
	}
	h.vbs = slices.Insert(h.vbs, pos, vb)
}

// Get returns the instance named oid. A name that is an object rather than
// one of its instances yields NoSuchInstance, anything else NoSuchObject.
func (h *StaticHandler) Get(oid OID) VarBind {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pos := h.search(oid)
	if pos < len(h.vbs) {
		if h.vbs[pos].Name.Equal(oid) {
			return h.vbs[pos]
		}
		if oid.Contains(h.vbs[pos].Name) {
			return VarBind{Name: oid, Type: NoSuchInstance}
		}
	}
	return VarBind{Name: oid, Type: NoSuchObject}
}

// GetNext returns the first instance after oid.
func (h *StaticHandler) GetNext(oid OID) (VarBind, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pos := h.search(oid)
	if pos < len(h.vbs) && h.vbs[pos].Name.Equal(oid) {
		pos++
	}
	if pos >= len(h.vbs) {
		return VarBind{}, false
	}
	return h.vbs[pos], true
}

// TestSet reports whether Set would accept vb, without applying it.
func (h *StaticHandler) TestSet(vb VarBind) SNMPError {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, status := h.checkSetNoLock(vb)
	return status
}

// Set replaces the value of an existing instance of the same type. New
// instances cannot be created.
func (h *StaticHandler) Set(vb VarBind) SNMPError {
	h.mu.Lock()
	defer h.mu.Unlock()
	pos, status := h.checkSetNoLock(vb)
	if status == NoError {
		h.vbs[pos].Value = vb.Value
	}
	return status
}

func (h *StaticHandler) checkSetNoLock(vb VarBind) (int, SNMPError) {
	if !h.Writable {
		return 0, NotWritable
	}
	pos := h.search(vb.Name)
	if pos >= len(h.vbs) || !h.vbs[pos].Name.Equal(vb.Name) {
		return 0, NoCreation
	}
	if h.vbs[pos].Type != vb.Type {
		return 0, WrongType
	}
	if _, err := marshalValue(vb.Type, vb.Value); err != nil {
		return 0, WrongValue
	}
	return pos, NoError
}

// ScalarHandler serves one scalar object whose single instance is Name.0,
// computing the value on every read.
type ScalarHandler struct {
	Name  OID
	Type  Asn1BER
	Value func() any
}

var _ Handler = ScalarHandler{}

func (s ScalarHandler) instance() OID {
	return s.Name.Append(0)
}

// Get returns the instance when asked for Name.0.
func (s ScalarHandler) Get(oid OID) VarBind {
	switch {
	case oid.Equal(s.instance()):
		return VarBind{Name: oid, Type: s.Type, Value: s.Value()}
	case oid.HasPrefix(s.Name):
		return VarBind{Name: oid, Type: NoSuchInstance}
	}
	return VarBind{Name: oid, Type: NoSuchObject}
}

// GetNext returns Name.0 for any oid before it.
func (s ScalarHandler) GetNext(oid OID) (VarBind, bool) {
	inst := s.instance()
	if oid.Compare(inst) >= 0 {
		return VarBind{}, false
	}
	return VarBind{Name: inst, Type: s.Type, Value: s.Value()}, true
}
