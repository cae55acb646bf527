// Copyright 2012 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"fmt"
	"strconv"
	"strings"
)

// OID is an SNMP object identifier: an ordered sequence of non-negative arcs.
// Functions in this package never modify an OID they are given; callers
// should treat OIDs as immutable too.
type OID []uint32

// ParseOID parses a numeric OID such as ".1.3.6.1.2.1" or "1.3.6.1.2.1".
func ParseOID(s string) (OID, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), ".")
	if s == "" {
		return nil, fmt.Errorf("empty OID")
	}
	parts := strings.Split(s, ".")
	if len(parts) > MaxOIDLength {
		return nil, fmt.Errorf("OID %q has more than %d arcs", s, MaxOIDLength)
	}
	oid := make(OID, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid OID %q: arc %d: %w", s, i, err)
		}
		oid[i] = uint32(v)
	}
	return oid, nil
}

// MustParseOID is like ParseOID but panics on error. It is meant for
// package-level constants.
func MustParseOID(s string) OID {
	oid, err := ParseOID(s)
	if err != nil {
		panic(err)
	}
	return oid
}

// String returns the dotted form with a leading dot, eg ".1.3.6.1".
func (o OID) String() string {
	if len(o) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(len(o) * 4)
	for _, arc := range o {
		b.WriteByte('.')
		b.WriteString(strconv.FormatUint(uint64(arc), 10))
	}
	return b.String()
}

// Compare orders OIDs arc by arc. A strict prefix sorts before any of its
// descendants. It returns -1, 0 or 1.
func (o OID) Compare(other OID) int {
	n := min(len(o), len(other))
	for i := 0; i < n; i++ {
		switch {
		case o[i] < other[i]:
			return -1
		case o[i] > other[i]:
			return 1
		}
	}
	switch {
	case len(o) < len(other):
		return -1
	case len(o) > len(other):
		return 1
	}
	return 0
}

// Equal reports whether o and other name the same object.
func (o OID) Equal(other OID) bool {
	return o.Compare(other) == 0
}

// HasPrefix reports whether prefix is o or an ancestor of o.
func (o OID) HasPrefix(prefix OID) bool {
	if len(prefix) > len(o) {
		return false
	}
	for i, arc := range prefix {
		if o[i] != arc {
			return false
		}
	}
	return true
}

// Contains reports whether other lies strictly below o in the OID tree.
func (o OID) Contains(other OID) bool {
	return len(other) > len(o) && other.HasPrefix(o)
}

// Append returns a new OID made of o followed by arcs.
func (o OID) Append(arcs ...uint32) OID {
	out := make(OID, 0, len(o)+len(arcs))
	out = append(out, o...)
	return append(out, arcs...)
}

// Copy returns an OID that does not share storage with o.
func (o OID) Copy() OID {
	if o == nil {
		return nil
	}
	return append(OID(nil), o...)
}
