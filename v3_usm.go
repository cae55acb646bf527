// Copyright 2012 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"bytes"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" //nolint:gosec
	"crypto/hmac"
	_ "crypto/md5"  //nolint:gosec
	crand "crypto/rand"
	_ "crypto/sha1" //nolint:gosec
	_ "crypto/sha256"
	_ "crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// SnmpV3AuthProtocol describes the authentication protocol in use by an authenticated SnmpV3 connection.
type SnmpV3AuthProtocol uint8

// NoAuth, MD5, and SHA are implemented
const (
	NoAuth SnmpV3AuthProtocol = 1
	MD5    SnmpV3AuthProtocol = 2
	SHA    SnmpV3AuthProtocol = 3
	SHA224 SnmpV3AuthProtocol = 4
	SHA256 SnmpV3AuthProtocol = 5
	SHA384 SnmpV3AuthProtocol = 6
	SHA512 SnmpV3AuthProtocol = 7
)

func (authProtocol SnmpV3AuthProtocol) String() string {
	switch authProtocol {
	case NoAuth:
		return "NoAuth"
	case MD5:
		return "MD5"
	case SHA:
		return "SHA"
	case SHA224:
		return "SHA224"
	case SHA256:
		return "SHA256"
	case SHA384:
		return "SHA384"
	case SHA512:
		return "SHA512"
	}
	return "SnmpV3AuthProtocol(" + strconv.Itoa(int(authProtocol)) + ")"
}

// HashType maps the AuthProtocol's hash type to an actual crypto.Hash object.
func (authProtocol SnmpV3AuthProtocol) HashType() crypto.Hash {
	switch authProtocol {
	case MD5:
		return crypto.MD5
	case SHA:
		return crypto.SHA1
	case SHA224:
		return crypto.SHA224
	case SHA256:
		return crypto.SHA256
	case SHA384:
		return crypto.SHA384
	case SHA512:
		return crypto.SHA512
	}
	return 0
}

// macLength is the truncated HMAC length carried in msgAuthenticationParameters
// (RFC 3414 section 6 and 7, RFC 7860 section 4.2).
func (authProtocol SnmpV3AuthProtocol) macLength() int {
	switch authProtocol {
	case MD5, SHA:
		return 12
	case SHA224:
		return 16
	case SHA256:
		return 24
	case SHA384:
		return 32
	case SHA512:
		return 48
	}
	return 0
}

// SnmpV3PrivProtocol is the privacy protocol in use by an private SnmpV3 connection.
type SnmpV3PrivProtocol uint8

// NoPriv, DES implemented, AES implemented
const (
	NoPriv  SnmpV3PrivProtocol = 1
	DES     SnmpV3PrivProtocol = 2
	AES     SnmpV3PrivProtocol = 3
	AES192  SnmpV3PrivProtocol = 4 // Blumenthal-AES192
	AES256  SnmpV3PrivProtocol = 5 // Blumenthal-AES256
	AES192C SnmpV3PrivProtocol = 6 // Reeder-AES192
	AES256C SnmpV3PrivProtocol = 7 // Reeder-AES256
)

func (privProtocol SnmpV3PrivProtocol) String() string {
	switch privProtocol {
	case NoPriv:
		return "NoPriv"
	case DES:
		return "DES"
	case AES:
		return "AES"
	case AES192:
		return "AES192"
	case AES256:
		return "AES256"
	case AES192C:
		return "AES192C"
	case AES256C:
		return "AES256C"
	}
	return "SnmpV3PrivProtocol(" + strconv.Itoa(int(privProtocol)) + ")"
}

// keyLength is the length of the localized privacy key the cipher consumes.
// For DES that is the 8 byte key followed by the 8 byte pre-IV.
func (privProtocol SnmpV3PrivProtocol) keyLength() int {
	switch privProtocol {
	case DES, AES:
		return 16
	case AES192, AES192C:
		return 24
	case AES256, AES256C:
		return 32
	}
	return 0
}

func (privProtocol SnmpV3PrivProtocol) isAES() bool {
	switch privProtocol {
	case AES, AES192, AES256, AES192C, AES256C:
		return true
	}
	return false
}

// maxEngineTime is the largest snmpEngineTime and snmpEngineBoots value
// (RFC 3414 section 2.2.1).
const maxEngineTime = math.MaxInt32

// UsmSecurityParameters is an implementation of SnmpV3SecurityParameters for the UserSecurityModel
type UsmSecurityParameters struct {
	mu sync.Mutex
	// localAESSalt must be 64bit aligned to use with atomic operations.
	localAESSalt uint64
	localDESSalt uint32

	AuthoritativeEngineID    string
	AuthoritativeEngineBoots uint32
	AuthoritativeEngineTime  uint32
	UserName                 string
	AuthenticationParameters string
	PrivacyParameters        []byte

	AuthenticationProtocol SnmpV3AuthProtocol
	PrivacyProtocol        SnmpV3PrivProtocol

	AuthenticationPassphrase string
	PrivacyPassphrase        string

	// SecretKey and PrivacyKey are the passphrases localized to
	// AuthoritativeEngineID. They are recomputed whenever the engine changes.
	SecretKey  []byte
	PrivacyKey []byte

	// timeLearned is the local instant at which AuthoritativeEngineTime was
	// current, so the estimate advances with the local clock.
	timeLearned time.Time

	Logger Logger
}

// Compile-time interface check
var _ SnmpV3SecurityParameters = (*UsmSecurityParameters)(nil)

// Log logs security paramater information to the provided GoSNMP Logger
func (sp *UsmSecurityParameters) Log() {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	sp.Logger.Printf("SECURITY PARAMETERS:%s", sp.safeString())
}

// Copy method for UsmSecurityParameters used to copy a SnmpV3SecurityParameters without knowing it's implementation
func (sp *UsmSecurityParameters) Copy() SnmpV3SecurityParameters {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	return &UsmSecurityParameters{AuthoritativeEngineID: sp.AuthoritativeEngineID,
		AuthoritativeEngineBoots: sp.AuthoritativeEngineBoots,
		AuthoritativeEngineTime:  sp.AuthoritativeEngineTime,
		UserName:                 sp.UserName,
		AuthenticationParameters: sp.AuthenticationParameters,
		PrivacyParameters:        sp.PrivacyParameters,
		AuthenticationProtocol:   sp.AuthenticationProtocol,
		PrivacyProtocol:          sp.PrivacyProtocol,
		AuthenticationPassphrase: sp.AuthenticationPassphrase,
		PrivacyPassphrase:        sp.PrivacyPassphrase,
		SecretKey:                sp.SecretKey,
		PrivacyKey:               sp.PrivacyKey,
		localDESSalt:             atomic.LoadUint32(&sp.localDESSalt),
		localAESSalt:             atomic.LoadUint64(&sp.localAESSalt),
		timeLearned:              sp.timeLearned,
		Logger:                   sp.Logger,
	}
}

// Description logs authentication paramater information to the provided GoSNMP Logger
func (sp *UsmSecurityParameters) Description() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return fmt.Sprintf("user=%s,engine=(%x),auth=%s,priv=%s", sp.UserName, sp.AuthoritativeEngineID,
		sp.AuthenticationProtocol, sp.PrivacyProtocol)
}

// SafeString returns a logging safe (no secrets) string of the UsmSecurityParameters
func (sp *UsmSecurityParameters) SafeString() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.safeString()
}

func (sp *UsmSecurityParameters) safeString() string {
	return fmt.Sprintf("AuthoritativeEngineID:%x, AuthoritativeEngineBoots:%d, AuthoritativeEngineTimes:%d, UserName:%s, AuthenticationParameters:%x, PrivacyParameters:%x, AuthenticationProtocol:%s, PrivacyProtocol:%s",
		sp.AuthoritativeEngineID,
		sp.AuthoritativeEngineBoots,
		sp.AuthoritativeEngineTime,
		sp.UserName,
		sp.AuthenticationParameters,
		sp.PrivacyParameters,
		sp.AuthenticationProtocol,
		sp.PrivacyProtocol,
	)
}

// InitPacket stamps the outgoing packet with the current engine time estimate
// and, for encrypted packets, a salt that is never reused under one key.
func (sp *UsmSecurityParameters) InitPacket(packet *SnmpPacket) error {
	pktsp, ok := packet.SecurityParameters.(*UsmSecurityParameters)
	if !ok || pktsp == nil {
		return errors.New("packet SecurityParameters is not of type *UsmSecurityParameters")
	}

	sp.mu.Lock()
	boots, engineTime := sp.estimateEngineTimeNoLock()
	sp.mu.Unlock()

	var salt []byte
	if packet.MsgFlags&AuthPriv == AuthPriv {
		salt = sp.nextSalt(boots)
	}

	if pktsp != sp {
		pktsp.mu.Lock()
		defer pktsp.mu.Unlock()
	}
	if pktsp.AuthoritativeEngineID != "" {
		pktsp.AuthoritativeEngineBoots = boots
		pktsp.AuthoritativeEngineTime = engineTime
	}
	if salt != nil {
		pktsp.PrivacyParameters = salt
	}
	return nil
}

// estimateEngineTimeNoLock advances the last known engine time by the local
// time elapsed since it was learned.
func (sp *UsmSecurityParameters) estimateEngineTimeNoLock() (uint32, uint32) {
	if sp.timeLearned.IsZero() {
		return sp.AuthoritativeEngineBoots, sp.AuthoritativeEngineTime
	}
	elapsed := uint64(time.Since(sp.timeLearned) / time.Second)
	engineTime := uint64(sp.AuthoritativeEngineTime) + elapsed
	if engineTime > maxEngineTime {
		engineTime = maxEngineTime
	}
	return sp.AuthoritativeEngineBoots, uint32(engineTime)
}

// nextSalt returns the msgPrivacyParameters for the next encrypted message.
// DES uses boots||counter (RFC 3414 section 8.1.1.1), AES a 64 bit counter
// (RFC 3826 section 3.1.2.1).
func (sp *UsmSecurityParameters) nextSalt(boots uint32) []byte {
	salt := make([]byte, 8)
	if sp.PrivacyProtocol.isAES() {
		binary.BigEndian.PutUint64(salt, atomic.AddUint64(&sp.localAESSalt, 1))
		return salt
	}
	binary.BigEndian.PutUint32(salt, boots)
	binary.BigEndian.PutUint32(salt[4:], atomic.AddUint32(&sp.localDESSalt, 1))
	return salt
}

// InitSecurityKeys localizes the configured passphrases to the authoritative engine.
func (sp *UsmSecurityParameters) InitSecurityKeys() error {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.initSecurityKeysNoLock()
}

func (sp *UsmSecurityParameters) initSecurityKeysNoLock() error {
	var err error

	if sp.AuthoritativeEngineID == "" {
		// nothing to localize to until discovery has run
		return nil
	}

	if sp.AuthenticationProtocol > NoAuth {
		sp.SecretKey, err = genlocalkey(sp.AuthenticationProtocol,
			sp.AuthenticationPassphrase,
			sp.AuthoritativeEngineID)
		if err != nil {
			return err
		}
	}
	if sp.PrivacyProtocol > NoPriv {
		sp.PrivacyKey, err = genlocalPrivKey(sp.PrivacyProtocol, sp.AuthenticationProtocol,
			sp.PrivacyPassphrase,
			sp.AuthoritativeEngineID)
		if err != nil {
			return err
		}
	}
	return nil
}

func (sp *UsmSecurityParameters) validate(flags SnmpV3MsgFlags) error {
	securityLevel := flags & AuthPriv // isolate flags that determine security level

	switch securityLevel {
	case AuthPriv:
		if sp.PrivacyProtocol <= NoPriv || sp.PrivacyProtocol.keyLength() == 0 {
			return fmt.Errorf("SecurityParameters.PrivacyProtocol is required")
		}
		if sp.PrivacyPassphrase == "" {
			return fmt.Errorf("securityParameters.PrivacyPassphrase is required when a privacy protocol is specified")
		}
		fallthrough
	case AuthNoPriv:
		if sp.AuthenticationProtocol <= NoAuth || sp.AuthenticationProtocol.macLength() == 0 {
			return fmt.Errorf("SecurityParameters.AuthenticationProtocol is required")
		}
		if sp.AuthenticationPassphrase == "" {
			return fmt.Errorf("securityParameters.AuthenticationPassphrase is required when an authentication protocol is specified")
		}
		fallthrough
	case NoAuthNoPriv:
		if sp.UserName == "" {
			return fmt.Errorf("securityParameters.UserName is required")
		}
	default:
		return fmt.Errorf("MsgFlags must be populated with an appropriate security level, got %s", securityLevel)
	}

	return nil
}

func (sp *UsmSecurityParameters) init(log Logger) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	sp.Logger = log

	salt := make([]byte, 8)
	if _, err := crand.Read(salt); err != nil {
		return fmt.Errorf("error creating a cryptographically secure salt: %w", err)
	}
	atomic.StoreUint64(&sp.localAESSalt, binary.BigEndian.Uint64(salt))
	atomic.StoreUint32(&sp.localDESSalt, binary.BigEndian.Uint32(salt[4:]))

	return sp.initSecurityKeysNoLock()
}

func (sp *UsmSecurityParameters) discoveryRequired() *SnmpPacket {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.AuthoritativeEngineID != "" {
		return nil
	}

	// engine discovery (RFC 3414 section 4): empty user, noAuthNoPriv, reportable
	return &SnmpPacket{
		Version:            Version3,
		MsgFlags:           Reportable,
		SecurityModel:      UserSecurityModel,
		SecurityParameters: &UsmSecurityParameters{Logger: sp.Logger},
		PDUType:            GetRequest,
		MsgMaxSize:         maxMsgSize,
		Logger:             sp.Logger,
	}
}

func (sp *UsmSecurityParameters) getDefaultContextEngineID() string {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.AuthoritativeEngineID
}

func (sp *UsmSecurityParameters) setSecurityParameters(in SnmpV3SecurityParameters) error {
	insp, ok := in.(*UsmSecurityParameters)
	if !ok || insp == nil {
		return errors.New("param SnmpV3SecurityParameters is not of type *UsmSecurityParameters")
	}
	if insp == sp {
		return nil
	}

	insp.mu.Lock()
	engineID := insp.AuthoritativeEngineID
	boots := insp.AuthoritativeEngineBoots
	engineTime := insp.AuthoritativeEngineTime
	learned := insp.timeLearned
	insp.mu.Unlock()

	sp.mu.Lock()
	defer sp.mu.Unlock()

	changed := sp.AuthoritativeEngineID != engineID
	sp.AuthoritativeEngineID = engineID
	sp.AuthoritativeEngineBoots = boots
	sp.AuthoritativeEngineTime = engineTime
	sp.timeLearned = learned
	if changed {
		return sp.initSecurityKeysNoLock()
	}
	return nil
}

func (sp *UsmSecurityParameters) marshal(flags SnmpV3MsgFlags) ([]byte, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	var buf bytes.Buffer

	// msgAuthoritativeEngineID
	if err := marshalTLV(&buf, byte(OctetString), []byte(sp.AuthoritativeEngineID)); err != nil {
		return nil, err
	}

	// msgAuthoritativeEngineBoots
	if err := marshalTLV(&buf, byte(Integer), marshalInt64(int64(sp.AuthoritativeEngineBoots))); err != nil {
		return nil, err
	}

	// msgAuthoritativeEngineTime
	if err := marshalTLV(&buf, byte(Integer), marshalInt64(int64(sp.AuthoritativeEngineTime))); err != nil {
		return nil, err
	}

	// msgUserName
	if err := marshalTLV(&buf, byte(OctetString), []byte(sp.UserName)); err != nil {
		return nil, err
	}

	// msgAuthenticationParameters: zeros until authenticate() fills them in
	var authParams []byte
	if flags&AuthNoPriv > 0 {
		authParams = make([]byte, sp.AuthenticationProtocol.macLength())
	}
	if err := marshalTLV(&buf, byte(OctetString), authParams); err != nil {
		return nil, err
	}

	// msgPrivacyParameters
	var privParams []byte
	if flags&AuthPriv == AuthPriv {
		privParams = sp.PrivacyParameters
	}
	if err := marshalTLV(&buf, byte(OctetString), privParams); err != nil {
		return nil, err
	}

	out := new(bytes.Buffer)
	if err := marshalTLV(out, byte(Sequence), buf.Bytes()); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func (sp *UsmSecurityParameters) unmarshal(flags SnmpV3MsgFlags, packet []byte, cursor int) (int, error) {
	if PDUType(packet[cursor]) != PDUType(OctetString) {
		return 0, &CodecError{Field: "msg security parameters", Err: fmt.Errorf("expected an octet string, got %#x", packet[cursor])}
	}
	length, hdr, err := parseLength(packet[cursor:])
	if err != nil {
		return 0, err
	}
	end := cursor + length
	cursor += hdr
	params := packet[:end]

	if cursor >= end || PDUType(params[cursor]) != Sequence {
		return 0, &CodecError{Field: "usm security parameters", Err: errors.New("expected a sequence")}
	}
	seqLength, seqHdr, err := parseLength(params[cursor:])
	if err != nil {
		return 0, err
	}
	if cursor+seqLength != end {
		return 0, &CodecError{Field: "usm security parameters", Err: errors.New("sequence does not fill the octet string")}
	}
	cursor += seqHdr

	parseString := func(name string) (string, error) {
		if cursor >= end {
			return "", &CodecError{Field: name, Err: ErrTruncated}
		}
		raw, count, err := parseRawField(sp.Logger, params[cursor:], name)
		if err != nil {
			return "", err
		}
		s, ok := raw.(string)
		if !ok {
			return "", &ProtocolError{Reason: name + " is not an OCTET STRING"}
		}
		cursor += count
		return s, nil
	}
	parseCounter := func(name string) (uint32, error) {
		if cursor >= end {
			return 0, &CodecError{Field: name, Err: ErrTruncated}
		}
		raw, count, err := parseRawField(sp.Logger, params[cursor:], name)
		if err != nil {
			return 0, err
		}
		v, ok := raw.(int)
		if !ok || v < 0 || v > maxEngineTime {
			return 0, &ProtocolError{Reason: fmt.Sprintf("%s out of range: %v", name, raw)}
		}
		cursor += count
		return uint32(v), nil
	}

	engineID, err := parseString("msgAuthoritativeEngineID")
	if err != nil {
		return 0, err
	}
	if len(engineID) > 32 {
		return 0, &ProtocolError{Reason: fmt.Sprintf("msgAuthoritativeEngineID of %d bytes", len(engineID))}
	}
	boots, err := parseCounter("msgAuthoritativeEngineBoots")
	if err != nil {
		return 0, err
	}
	engineTime, err := parseCounter("msgAuthoritativeEngineTime")
	if err != nil {
		return 0, err
	}
	userName, err := parseString("msgUserName")
	if err != nil {
		return 0, err
	}
	if len(userName) > 32 {
		return 0, &ProtocolError{Reason: fmt.Sprintf("msgUserName of %d bytes", len(userName))}
	}
	authParams, err := parseString("msgAuthenticationParameters")
	if err != nil {
		return 0, err
	}
	privParams, err := parseString("msgPrivacyParameters")
	if err != nil {
		return 0, err
	}
	if cursor != end {
		return 0, &CodecError{Field: "usm security parameters", Err: fmt.Errorf("%d trailing bytes", end-cursor)}
	}
	if flags&AuthPriv == AuthPriv && len(privParams) != 8 {
		return 0, &ProtocolError{Reason: fmt.Sprintf("msgPrivacyParameters of %d bytes, expected 8", len(privParams))}
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()

	changed := sp.AuthoritativeEngineID != engineID
	sp.AuthoritativeEngineID = engineID
	sp.AuthoritativeEngineBoots = boots
	sp.AuthoritativeEngineTime = engineTime
	sp.timeLearned = time.Now()
	sp.UserName = userName
	sp.AuthenticationParameters = authParams
	sp.PrivacyParameters = []byte(privParams)
	sp.Logger.Printf("Parsed USM security parameters: %s", sp.safeString())

	if changed {
		if err := sp.initSecurityKeysNoLock(); err != nil {
			return 0, err
		}
	}
	return end, nil
}

// authenticate writes the HMAC of the whole message into the zero filled
// msgAuthenticationParameters placeholder.
func (sp *UsmSecurityParameters) authenticate(packet []byte) error {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	start, end, err := locateAuthParams(packet)
	if err != nil {
		return err
	}
	if end-start != sp.AuthenticationProtocol.macLength() {
		return fmt.Errorf("authentication parameters placeholder is %d bytes, %s needs %d", end-start, sp.AuthenticationProtocol, sp.AuthenticationProtocol.macLength())
	}

	mac, err := calcPacketDigest(packet, sp.AuthenticationProtocol, sp.SecretKey)
	if err != nil {
		return err
	}
	copy(packet[start:end], mac)
	return nil
}

// isAuthentic recomputes the HMAC of a received message. packetBytes is not
// modified.
func (sp *UsmSecurityParameters) isAuthentic(packetBytes []byte, packet *SnmpPacket) (bool, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	start, end, err := locateAuthParams(packetBytes)
	if err != nil {
		return false, err
	}
	if end-start != sp.AuthenticationProtocol.macLength() {
		return false, nil
	}

	zeroed := make([]byte, len(packetBytes))
	copy(zeroed, packetBytes)
	clear(zeroed[start:end])

	mac, err := calcPacketDigest(zeroed, sp.AuthenticationProtocol, sp.SecretKey)
	if err != nil {
		return false, err
	}
	return hmac.Equal(mac, packetBytes[start:end]), nil
}

// calcPacketDigest is the truncated HMAC of packet under a localized key.
func calcPacketDigest(packet []byte, authProtocol SnmpV3AuthProtocol, secretKey []byte) ([]byte, error) {
	hashType := authProtocol.HashType()
	if hashType == 0 || !hashType.Available() {
		return nil, fmt.Errorf("authentication protocol %s is not available", authProtocol)
	}
	if len(secretKey) == 0 {
		return nil, errors.New("no localized authentication key; engine discovery has not run")
	}
	mac := hmac.New(hashType.New, secretKey)
	_, _ = mac.Write(packet)
	return mac.Sum(nil)[:authProtocol.macLength()], nil
}

// locateAuthParams walks the TLVs of a v3 message down to
// msgAuthenticationParameters and returns the bounds of its value:
//
//	SEQUENCE { version, msgGlobalData,
//	  OCTET STRING { SEQUENCE { engineID, boots, time, userName, authParams, privParams } },
//	  scopedPDU }
func locateAuthParams(msg []byte) (int, int, error) {
	cursor := 0

	enter := func(tag byte) error {
		if cursor >= len(msg) || msg[cursor] != tag {
			return &CodecError{Field: "msgAuthenticationParameters", Err: fmt.Errorf("expected tag %#x at offset %d", tag, cursor)}
		}
		_, hdr, err := parseLength(msg[cursor:])
		if err != nil {
			return err
		}
		cursor += hdr
		return nil
	}
	skip := func() error {
		if cursor >= len(msg) {
			return &CodecError{Field: "msgAuthenticationParameters", Err: ErrTruncated}
		}
		length, _, err := parseLength(msg[cursor:])
		if err != nil {
			return err
		}
		cursor += length
		return nil
	}

	steps := []func() error{
		func() error { return enter(byte(Sequence)) },
		skip, // msgVersion
		skip, // msgGlobalData
		func() error { return enter(byte(OctetString)) },
		func() error { return enter(byte(Sequence)) },
		skip, // msgAuthoritativeEngineID
		skip, // msgAuthoritativeEngineBoots
		skip, // msgAuthoritativeEngineTime
		skip, // msgUserName
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return 0, 0, err
		}
	}

	if cursor >= len(msg) || msg[cursor] != byte(OctetString) {
		return 0, 0, &CodecError{Field: "msgAuthenticationParameters", Err: errors.New("not an octet string")}
	}
	length, hdr, err := parseLength(msg[cursor:])
	if err != nil {
		return 0, 0, err
	}
	return cursor + hdr, cursor + length, nil
}

func (sp *UsmSecurityParameters) encryptPacket(scopedPdu []byte) ([]byte, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()

	if len(sp.PrivacyParameters) != 8 {
		return nil, fmt.Errorf("privacy parameters must be 8 bytes, got %d", len(sp.PrivacyParameters))
	}
	if len(sp.PrivacyKey) < sp.PrivacyProtocol.keyLength() {
		return nil, errors.New("no localized privacy key; engine discovery has not run")
	}

	switch {
	case sp.PrivacyProtocol.isAES():
		// RFC 3826 section 3.1.2.1: IV = boots || time || salt
		block, err := aes.NewCipher(sp.PrivacyKey[:sp.PrivacyProtocol.keyLength()])
		if err != nil {
			return nil, err
		}
		iv := aesIV(sp.AuthoritativeEngineBoots, sp.AuthoritativeEngineTime, sp.PrivacyParameters)
		ciphertext := make([]byte, len(scopedPdu))
		cipher.NewCFBEncrypter(block, iv).XORKeyStream(ciphertext, scopedPdu) //nolint:staticcheck
		return ciphertext, nil

	case sp.PrivacyProtocol == DES:
		// RFC 3414 section 8.1.1.1: pad to the block size, IV = salt XOR pre-IV
		if pad := len(scopedPdu) % des.BlockSize; pad != 0 {
			scopedPdu = append(scopedPdu, make([]byte, des.BlockSize-pad)...)
		}
		block, err := des.NewCipher(sp.PrivacyKey[:8]) //nolint:gosec
		if err != nil {
			return nil, err
		}
		iv := desIV(sp.PrivacyKey[8:16], sp.PrivacyParameters)
		ciphertext := make([]byte, len(scopedPdu))
		cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, scopedPdu)
		return ciphertext, nil
	}

	return nil, fmt.Errorf("unsupported privacy protocol %s", sp.PrivacyProtocol)
}

// decryptPacket replaces the encryptedPDU OCTET STRING at cursor with its
// plaintext. Everything before cursor is kept.
func (sp *UsmSecurityParameters) decryptPacket(packet []byte, cursor int) ([]byte, error) {
	length, hdr, err := parseLength(packet[cursor:])
	if err != nil {
		return nil, err
	}
	ciphertext := packet[cursor+hdr : cursor+length]

	sp.mu.Lock()
	defer sp.mu.Unlock()

	if len(sp.PrivacyParameters) != 8 {
		return nil, fmt.Errorf("privacy parameters must be 8 bytes, got %d", len(sp.PrivacyParameters))
	}
	if len(sp.PrivacyKey) < sp.PrivacyProtocol.keyLength() {
		return nil, errors.New("no localized privacy key")
	}

	plaintext := make([]byte, len(ciphertext))
	switch {
	case sp.PrivacyProtocol.isAES():
		block, err := aes.NewCipher(sp.PrivacyKey[:sp.PrivacyProtocol.keyLength()])
		if err != nil {
			return nil, err
		}
		iv := aesIV(sp.AuthoritativeEngineBoots, sp.AuthoritativeEngineTime, sp.PrivacyParameters)
		cipher.NewCFBDecrypter(block, iv).XORKeyStream(plaintext, ciphertext) //nolint:staticcheck

	case sp.PrivacyProtocol == DES:
		if len(ciphertext) == 0 || len(ciphertext)%des.BlockSize != 0 {
			return nil, fmt.Errorf("DES ciphertext of %d bytes is not a multiple of the block size", len(ciphertext))
		}
		block, err := des.NewCipher(sp.PrivacyKey[:8]) //nolint:gosec
		if err != nil {
			return nil, err
		}
		iv := desIV(sp.PrivacyKey[8:16], sp.PrivacyParameters)
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	default:
		return nil, fmt.Errorf("unsupported privacy protocol %s", sp.PrivacyProtocol)
	}

	out := make([]byte, 0, cursor+len(plaintext))
	out = append(out, packet[:cursor]...)
	return append(out, plaintext...), nil
}

func aesIV(boots, engineTime uint32, salt []byte) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.BigEndian.PutUint32(iv, boots)
	binary.BigEndian.PutUint32(iv[4:], engineTime)
	copy(iv[8:], salt)
	return iv
}

func desIV(preIV, salt []byte) []byte {
	iv := make([]byte, des.BlockSize)
	for i := range iv {
		iv[i] = preIV[i] ^ salt[i]
	}
	return iv
}

func (sp *UsmSecurityParameters) getIdentifier() string {
	return sp.UserName
}

func (sp *UsmSecurityParameters) getLogger() Logger {
	return sp.Logger
}

func (sp *UsmSecurityParameters) setLogger(log Logger) {
	sp.Logger = log
}

// -- Key localization ---------------------------------------------------------

// Ku depends only on the hash and the passphrase, and costs a megabyte of
// hashing, so it is computed once per process.
var (
	passwordKeyHashCache = make(map[string][]byte)
	passwordKeyHashMutex sync.RWMutex
)

func passwordCacheKey(hashType crypto.Hash, password string) string {
	return strconv.Itoa(int(hashType)) + ":" + password
}

// cachedPasswordToKey returns Ku for password (RFC 3414 section A.2.1).
func cachedPasswordToKey(hashType crypto.Hash, password string) ([]byte, error) {
	cacheKey := passwordCacheKey(hashType, password)

	passwordKeyHashMutex.RLock()
	ku, ok := passwordKeyHashCache[cacheKey]
	passwordKeyHashMutex.RUnlock()
	if ok {
		return ku, nil
	}

	ku, err := passwordToKey(hashType, []byte(password))
	if err != nil {
		return nil, err
	}

	passwordKeyHashMutex.Lock()
	passwordKeyHashCache[cacheKey] = ku
	passwordKeyHashMutex.Unlock()
	return ku, nil
}

// passwordToKey hashes 1 MiB of the repeated password.
func passwordToKey(hashType crypto.Hash, password []byte) ([]byte, error) {
	if hashType == 0 || !hashType.Available() {
		return nil, fmt.Errorf("hash %v is not available", hashType)
	}
	if len(password) == 0 {
		return nil, errors.New("empty passphrase")
	}

	h := hashType.New()
	var chunk [64]byte
	for count := 0; count < 1048576; count += len(chunk) {
		for i := range chunk {
			chunk[i] = password[(count+i)%len(password)]
		}
		_, _ = h.Write(chunk[:])
	}
	return h.Sum(nil), nil
}

// localizeKey computes Kul = H(Ku || engineID || Ku) (RFC 3414 section A.2.2).
func localizeKey(hashType crypto.Hash, ku []byte, engineID string) []byte {
	h := hashType.New()
	_, _ = h.Write(ku)
	_, _ = h.Write([]byte(engineID))
	_, _ = h.Write(ku)
	return h.Sum(nil)
}

// genlocalkey derives the localized key of a passphrase for one engine.
func genlocalkey(authProtocol SnmpV3AuthProtocol, passphrase string, engineID string) ([]byte, error) {
	hashType := authProtocol.HashType()
	ku, err := cachedPasswordToKey(hashType, passphrase)
	if err != nil {
		return nil, fmt.Errorf("localizing %s key: %w", authProtocol, err)
	}
	return localizeKey(hashType, ku, engineID), nil
}

// genlocalPrivKey derives the privacy key, extended to the cipher's key
// length when the auth hash is too short.
func genlocalPrivKey(privProtocol SnmpV3PrivProtocol, authProtocol SnmpV3AuthProtocol, passphrase, engineID string) ([]byte, error) {
	key, err := genlocalkey(authProtocol, passphrase, engineID)
	if err != nil {
		return nil, err
	}

	need := privProtocol.keyLength()
	switch privProtocol {
	case AES192, AES256:
		key = extendKeyBlumenthal(authProtocol.HashType(), key, need)
	case AES192C, AES256C:
		key, err = extendKeyReeder(authProtocol.HashType(), key, engineID, need)
		if err != nil {
			return nil, err
		}
	}

	if len(key) < need {
		return nil, fmt.Errorf("%s key is %d bytes, %s needs %d", authProtocol, len(key), privProtocol, need)
	}
	return key[:need], nil
}

// extendKeyBlumenthal appends H(key so far) until the key is long enough
// (draft-blumenthal-aes-usm-04 section 3.1.2.1).
func extendKeyBlumenthal(hashType crypto.Hash, key []byte, need int) []byte {
	for len(key) < need {
		h := hashType.New()
		_, _ = h.Write(key)
		key = append(key, h.Sum(nil)...)
	}
	return key
}

// extendKeyReeder appends the localized key of the previous block, used as a
// passphrase (draft-reeder-snmpv3-usm-3desede-00 section 2.1), as Cisco and
// net-snmp do for AES-192/256.
func extendKeyReeder(hashType crypto.Hash, key []byte, engineID string, need int) ([]byte, error) {
	last := key
	for len(key) < need {
		ku, err := passwordToKey(hashType, last)
		if err != nil {
			return nil, err
		}
		last = localizeKey(hashType, ku, engineID)
		key = append(key, last...)
	}
	return key, nil
}
