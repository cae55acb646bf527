// Copyright 2012 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Codec level problems. They are always wrapped in a *CodecError.
var (
	ErrTruncated        = errors.New("truncated data")
	ErrIndefiniteLength = errors.New("indefinite length encoding is not allowed in SNMP")
)

// SNMPv3 report and security failures.
var (
	ErrDecryption            = errors.New("decryption error")
	ErrInvalidMsgs           = errors.New("invalid messages")
	ErrNotInTimeWindow       = errors.New("not in time window")
	ErrUnknownEngineID       = errors.New("unknown engine id")
	ErrUnknownPDUHandlers    = errors.New("unknown pdu handlers")
	ErrUnknownReportPDU      = errors.New("unknown report pdu")
	ErrUnknownSecurityLevel  = errors.New("unknown security level")
	ErrUnknownSecurityModels = errors.New("unknown security models")
	ErrUnknownUsername       = errors.New("unknown username")
	ErrWrongDigest           = errors.New("wrong digest")
)

// Session and walk errors.
var (
	ErrTimeout          = errors.New("request timeout")
	ErrIterationLimit   = errors.New("walk iteration limit reached")
	ErrRequestInFlight  = errors.New("a request is already outstanding on this session")
	ErrSequenceConsumed = errors.New("walk sequence already consumed")
	ErrNotConnected     = errors.New("session is not connected; call Connect()")
)

// CodecError reports bytes that are not valid BER or not valid SNMP at the
// encoding level. A datagram that fails to decode is discarded; it never ends
// a session.
type CodecError struct {
	Field string
	Err   error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec error in %s: %v", e.Field, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// ProtocolError reports well-formed BER that is not a valid SNMP message, for
// example an unsupported version or PDU type.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

// AuthenticationError reports a message that failed USM or community checks.
// Err is one of the USM sentinels, eg ErrWrongDigest or ErrUnknownUsername.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failure: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// TimeoutError is returned when no acceptable response arrived within the
// retry budget. The session stays usable afterwards.
type TimeoutError struct {
	Target   string
	Attempts int
	Elapsed  time.Duration
	// Cause is context.DeadlineExceeded when the caller's deadline ended the
	// call early, nil otherwise.
	Cause error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timeout (after %d attempts, %s) to %s", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Target)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

func (e *TimeoutError) Unwrap() error { return e.Cause }

// Timeout lets callers treat TimeoutError like a net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// SNMPError is the error-status of a response PDU.
type SNMPError uint8

// SNMP Errors
const (
	NoError             SNMPError = iota // No error occurred. This code is also used in all request PDUs, since they have no error status to report.
	TooBig                               // The size of the Response-PDU would be too large to transport.
	NoSuchName                           // The name of a requested object was not found.
	BadValue                             // A value in the request didn't match the structure that the recipient of the request had for the object. For example, an object in the request was specified with an incorrect length or type.
	ReadOnly                             // An attempt was made to set a variable that has an Access value indicating that it is read-only.
	GenErr                               // An error occurred other than one indicated by a more specific error code in this table.
	NoAccess                             // Access was denied to the object for security reasons.
	WrongType                            // The object type in a variable binding is incorrect for the object.
	WrongLength                          // A variable binding specifies a length incorrect for the object.
	WrongEncoding                        // A variable binding specifies an encoding incorrect for the object.
	WrongValue                           // The value given in a variable binding is not possible for the object.
	NoCreation                           // A specified variable does not exist and cannot be created.
	InconsistentValue                    // A variable binding specifies a value that could be held by the variable but cannot be assigned to it at this time.
	ResourceUnavailable                  // An attempt to set a variable required a resource that is not available.
	CommitFailed                         // An attempt to set a particular variable failed.
	UndoFailed                           // An attempt to set a particular variable as part of a group of variables failed, and the attempt to then undo the setting of other variables was not successful.
	AuthorizationError                   // A problem occurred in authorization.
	NotWritable                          // The variable cannot be written or created.
	InconsistentName                     // The name in a variable binding specifies a variable that does not exist.
)

var snmpErrorNames = [...]string{
	"NoError", "TooBig", "NoSuchName", "BadValue", "ReadOnly", "GenErr",
	"NoAccess", "WrongType", "WrongLength", "WrongEncoding", "WrongValue",
	"NoCreation", "InconsistentValue", "ResourceUnavailable", "CommitFailed",
	"UndoFailed", "AuthorizationError", "NotWritable", "InconsistentName",
}

func (e SNMPError) String() string {
	if int(e) < len(snmpErrorNames) {
		return snmpErrorNames[e]
	}
	return "SNMPError(" + strconv.Itoa(int(e)) + ")"
}

// Error makes an error-status usable as an errors.Is target.
func (e SNMPError) Error() string { return e.String() }

// AgentError is a response whose error-status is not noError. Index is the
// 1-based position of the offending binding, 0 when the agent did not name one.
type AgentError struct {
	Status SNMPError
	Index  uint32
	Name   OID
}

func (e *AgentError) Error() string {
	if e.Name != nil {
		return fmt.Sprintf("agent error %s (index %d, %s)", e.Status, e.Index, e.Name)
	}
	return fmt.Sprintf("agent error %s (index %d)", e.Status, e.Index)
}

// Is matches the SNMPError kind, so errors.Is(err, NoAccess) works.
func (e *AgentError) Is(target error) bool {
	status, ok := target.(SNMPError)
	return ok && status == e.Status
}

// NonIncreasingOIDError aborts a walk whose agent returned an OID that is not
// lexicographically greater than the previous one.
type NonIncreasingOIDError struct {
	Previous OID
	Current  OID
}

func (e *NonIncreasingOIDError) Error() string {
	return fmt.Sprintf("OID not increasing: %s followed by %s", e.Previous, e.Current)
}

// EngineDiscoveryError reports that the SNMPv3 discovery handshake never
// produced a usable authoritative engine ID.
type EngineDiscoveryError struct {
	Target string
	Err    error
}

func (e *EngineDiscoveryError) Error() string {
	return fmt.Sprintf("engine discovery with %s failed: %v", e.Target, e.Err)
}

func (e *EngineDiscoveryError) Unwrap() error { return e.Err }

// InvalidAddressError reports a target that is neither a valid hostname nor
// a valid IP address, or a port that is out of range.
type InvalidAddressError struct {
	Address string
	Err     error
}

func (e *InvalidAddressError) Error() string {
	return fmt.Sprintf("%s does not appear to be a valid hostname / IP address: %v", e.Address, e.Err)
}

func (e *InvalidAddressError) Unwrap() error { return e.Err }

// TableError reports an OID that could not be read as a conceptual table.
type TableError struct {
	OID    OID
	Reason string
}

func (e *TableError) Error() string {
	return fmt.Sprintf("%s is not a table: %s", e.OID, e.Reason)
}
