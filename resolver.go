// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"fmt"
	"strings"
)

// Resolver turns an OID name into a numeric OID. There is no MIB parser in
// this package; plug one in here.
type Resolver interface {
	Resolve(name string) (OID, error)
}

// NumericResolver accepts dotted numeric OIDs only.
type NumericResolver struct{}

// Resolve parses name as a numeric OID.
func (NumericResolver) Resolve(name string) (OID, error) {
	return ParseOID(name)
}

// MapResolver resolves symbolic names from a fixed table. Keys are object
// names, optionally module qualified ("SNMPv2-MIB::sysDescr" or
// "sysDescr"); an instance suffix such as ".0" or ".2.1" is appended to the
// base OID. Numeric OIDs pass through.
type MapResolver map[string]OID

// Resolve looks name up, falling back to a numeric parse.
func (m MapResolver) Resolve(name string) (OID, error) {
	name = strings.TrimSpace(name)
	if oid, err := ParseOID(name); err == nil {
		return oid, nil
	}

	base, suffix, _ := strings.Cut(name, ".")
	oid, ok := m[base]
	if !ok {
		if _, object, qualified := strings.Cut(base, "::"); qualified {
			oid, ok = m[object]
		}
	}
	if !ok {
		return nil, fmt.Errorf("unknown object name %q", name)
	}
	if suffix == "" {
		return oid.Copy(), nil
	}
	instance, err := ParseOID(suffix)
	if err != nil {
		return nil, fmt.Errorf("bad instance in %q: %w", name, err)
	}
	return oid.Append(instance...), nil
}

// SystemMIB names the scalars of the system group (RFC 3418), enough for a
// CLI to accept sysDescr.0 and friends without a MIB loader.
var SystemMIB = MapResolver{
	"sysDescr":    MustParseOID(".1.3.6.1.2.1.1.1"),
	"sysObjectID": MustParseOID(".1.3.6.1.2.1.1.2"),
	"sysUpTime":   MustParseOID(".1.3.6.1.2.1.1.3"),
	"sysContact":  MustParseOID(".1.3.6.1.2.1.1.4"),
	"sysName":     MustParseOID(".1.3.6.1.2.1.1.5"),
	"sysLocation": MustParseOID(".1.3.6.1.2.1.1.6"),
	"sysServices": MustParseOID(".1.3.6.1.2.1.1.7"),
	"ifTable":     MustParseOID(".1.3.6.1.2.1.2.2"),
	"ifIndex":     MustParseOID(".1.3.6.1.2.1.2.2.1.1"),
	"ifDescr":     MustParseOID(".1.3.6.1.2.1.2.2.1.2"),
	"snmpTrapOID": MustParseOID(".1.3.6.1.6.3.1.1.4.1"),
}
