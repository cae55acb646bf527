// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"fmt"
	"strings"
)

var (
	versionNames = map[string]SnmpVersion{
		"1":   Version1,
		"v1":  Version1,
		"2c":  Version2c,
		"v2c": Version2c,
		"3":   Version3,
		"v3":  Version3,
	}

	authProtocolNames = map[string]SnmpV3AuthProtocol{
		"":       NoAuth,
		"NOAUTH": NoAuth,
		"MD5":    MD5,
		"SHA":    SHA,
		"SHA1":   SHA,
		"SHA224": SHA224,
		"SHA256": SHA256,
		"SHA384": SHA384,
		"SHA512": SHA512,
	}

	privProtocolNames = map[string]SnmpV3PrivProtocol{
		"":        NoPriv,
		"NOPRIV":  NoPriv,
		"DES":     DES,
		"AES":     AES,
		"AES128":  AES,
		"AES192":  AES192,
		"AES256":  AES256,
		"AES192C": AES192C,
		"AES256C": AES256C,
	}

	securityLevelNames = map[string]SnmpV3MsgFlags{
		"noauthnopriv": NoAuthNoPriv,
		"authnopriv":   AuthNoPriv,
		"authpriv":     AuthPriv,
	}
)

// ParseVersion accepts "1", "2c" and "3", with or without a leading "v".
func ParseVersion(s string) (SnmpVersion, error) {
	v, ok := versionNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown SNMP version %q [use one of 1 2c 3]", s)
	}
	return v, nil
}

// ParseAuthProtocol accepts the net-snmp -a names, case-insensitively.
// An empty name is NoAuth.
func ParseAuthProtocol(s string) (SnmpV3AuthProtocol, error) {
	p, ok := authProtocolNames[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown authentication protocol %q", s)
	}
	return p, nil
}

// ParsePrivProtocol accepts the net-snmp -x names, case-insensitively.
// An empty name is NoPriv.
func ParsePrivProtocol(s string) (SnmpV3PrivProtocol, error) {
	p, ok := privProtocolNames[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown privacy protocol %q", s)
	}
	return p, nil
}

// ParseSecurityLevel accepts noAuthNoPriv, authNoPriv and authPriv.
func ParseSecurityLevel(s string) (SnmpV3MsgFlags, error) {
	l, ok := securityLevelNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unknown security level %q [use one of noAuthNoPriv authNoPriv authPriv]", s)
	}
	return l, nil
}
