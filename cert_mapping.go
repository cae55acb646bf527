// Copyright 2025 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"crypto"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/dtls/v3"
)

// CertMappingType selects how a TSM securityName is derived from a DTLS peer
// certificate (RFC 6353 section 5.3.2, snmpTlstmCertToTSNMIdentities).
type CertMappingType int

// Certificate mapping types.
const (
	// CertMapSpecified maps one certificate fingerprint to a fixed SecurityName.
	CertMapSpecified CertMappingType = iota
	// CertMapSANRFC822 uses the first rfc822Name, host part lowercased.
	CertMapSANRFC822
	// CertMapSANDNSName uses the first dNSName, lowercased.
	CertMapSANDNSName
	// CertMapSANIPAddress uses the first iPAddress.
	CertMapSANIPAddress
	// CertMapSANAny tries rfc822Name, dNSName and iPAddress in that order.
	CertMapSANAny
	// CertMapCommonName uses the subject CN.
	CertMapCommonName
)

func (t CertMappingType) String() string {
	switch t {
	case CertMapSpecified:
		return "specified"
	case CertMapSANRFC822:
		return "san_rfc822_name"
	case CertMapSANDNSName:
		return "san_dns_name"
	case CertMapSANIPAddress:
		return "san_ip_address"
	case CertMapSANAny:
		return "san_any"
	case CertMapCommonName:
		return "common_name"
	}
	return "unknown"
}

// CertMapping is one row of the certificate to securityName table.
// Fingerprint, HashAlgo and SecurityName only apply to CertMapSpecified;
// HashAlgo defaults to SHA-256.
type CertMapping struct {
	Type         CertMappingType
	Fingerprint  []byte
	HashAlgo     crypto.Hash
	SecurityName string
}

// CertMappings is an ordered table; the first row that yields a name wins.
type CertMappings []CertMapping

// ErrNoCertMapping is returned when no row of the table matches the peer.
var ErrNoCertMapping = errors.New("no matching certificate mapping")

// SecurityName derives the securityName for a peer chain, leaf first. Every
// row is tried against every certificate in the chain before the next row,
// so a CA fingerprint row can name all the certificates it issued.
func (ms CertMappings) SecurityName(chain []*x509.Certificate) (string, error) {
	if len(chain) == 0 {
		return "", errors.New("peer presented no certificate")
	}
	for _, m := range ms {
		for _, cert := range chain {
			if cert == nil {
				continue
			}
			if name, ok := m.match(cert); ok {
				return name, nil
			}
		}
	}
	return "", ErrNoCertMapping
}

// CertFingerprint hashes the DER form of cert. A zero hashAlgo means SHA-256.
func CertFingerprint(cert *x509.Certificate, hashAlgo crypto.Hash) []byte {
	if hashAlgo == 0 {
		hashAlgo = crypto.SHA256
	}
	h := hashAlgo.New()
	_, _ = h.Write(cert.Raw)
	return h.Sum(nil)
}

func (m CertMapping) match(cert *x509.Certificate) (string, bool) {
	switch m.Type {
	case CertMapSpecified:
		fp := CertFingerprint(cert, m.HashAlgo)
		if len(fp) == len(m.Fingerprint) && subtle.ConstantTimeCompare(fp, m.Fingerprint) == 1 {
			return m.SecurityName, true
		}
	case CertMapSANRFC822:
		if len(cert.EmailAddresses) > 0 {
			return lowercaseEmailHost(cert.EmailAddresses[0]), true
		}
	case CertMapSANDNSName:
		if len(cert.DNSNames) > 0 {
			return strings.ToLower(cert.DNSNames[0]), true
		}
	case CertMapSANIPAddress:
		if len(cert.IPAddresses) > 0 {
			return cert.IPAddresses[0].String(), true
		}
	case CertMapSANAny:
		for _, t := range []CertMappingType{CertMapSANRFC822, CertMapSANDNSName, CertMapSANIPAddress} {
			if name, ok := (CertMapping{Type: t}).match(cert); ok {
				return name, true
			}
		}
	case CertMapCommonName:
		if cert.Subject.CommonName != "" {
			return cert.Subject.CommonName, true
		}
	}
	return "", false
}

// lowercaseEmailHost lowercases only the part after the @.
func lowercaseEmailHost(email string) string {
	local, host, ok := strings.Cut(email, "@")
	if !ok {
		return email
	}
	return local + "@" + strings.ToLower(host)
}

// dtlsPeerSecurityName maps the certificate chain of an established DTLS
// association. pion/dtls hands out the chain as raw DER.
func dtlsPeerSecurityName(conn *dtls.Conn, mappings CertMappings) (string, error) {
	state, ok := conn.ConnectionState()
	if !ok {
		return "", errors.New("dtls handshake has not completed")
	}
	chain := make([]*x509.Certificate, 0, len(state.PeerCertificates))
	for _, der := range state.PeerCertificates {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return "", fmt.Errorf("parse peer certificate: %w", err)
		}
		chain = append(chain, cert)
	}
	return mappings.SecurityName(chain)
}
