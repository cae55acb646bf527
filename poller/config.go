// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package poller

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	snmp "github.com/gosnmp/snmpengine"
)

// Config is the targets file:
//
//	defaults:
//	  schedule: "@every 1m"
//	  timeout: 2s
//	targets:
//	  - name: core1
//	    address: 192.0.2.1
//	    version: 2c
//	    community: public
//	    oids: [".1.3.6.1.2.1.1.3.0"]
//	    walks: [".1.3.6.1.2.1.2.2"]
//	  - name: edge1
//	    address: "[2001:db8::1]:1161"
//	    version: 3
//	    usm:
//	      user: monitor
//	      level: authPriv
//	      auth_protocol: SHA
//	      auth_passphrase: maplesyrup
//	      priv_protocol: AES
//	      priv_passphrase: maplesyrup
type Config struct {
	Defaults Defaults `yaml:"defaults"`
	Targets  []Target `yaml:"targets"`
}

// Defaults apply to every target that leaves the field unset.
type Defaults struct {
	Schedule  string        `yaml:"schedule"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   *int          `yaml:"retries"`
	Version   string        `yaml:"version"`
	Community string        `yaml:"community"`
}

// Target is one device to poll.
type Target struct {
	Name string `yaml:"name"`
	// Address is a host or host:port. The port defaults to 161.
	Address   string        `yaml:"address"`
	Version   string        `yaml:"version"`
	Community string        `yaml:"community"`
	USM       *USM          `yaml:"usm"`
	Timeout   time.Duration `yaml:"timeout"`
	Retries   *int          `yaml:"retries"`
	// Schedule is a five field cron spec or a descriptor such as "@every 30s".
	Schedule string `yaml:"schedule"`
	// OIDs are read with Get every run.
	OIDs []string `yaml:"oids"`
	// Walks are subtree roots read with BulkWalk, or Walk on SNMPv1.
	Walks []string `yaml:"walks"`
}

// USM holds the SNMPv3 user of a target.
type USM struct {
	User           string `yaml:"user"`
	Level          string `yaml:"level"`
	AuthProtocol   string `yaml:"auth_protocol"`
	AuthPassphrase string `yaml:"auth_passphrase"`
	PrivProtocol   string `yaml:"priv_protocol"`
	PrivPassphrase string `yaml:"priv_passphrase"`
	ContextName    string `yaml:"context_name"`
}

// cronParser accepts the standard five fields plus descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// LoadConfig reads and validates a targets file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses a targets file and applies the defaults to its targets.
func ParseConfig(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse targets yaml: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	if len(c.Targets) == 0 {
		return errors.New("no targets configured")
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for i := range c.Targets {
		t := &c.Targets[i]
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("target %d: name is required", i)
		}
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("target %q: duplicate name", t.Name)
		}
		seen[t.Name] = struct{}{}

		if t.Schedule == "" {
			t.Schedule = c.Defaults.Schedule
		}
		if t.Timeout == 0 {
			t.Timeout = c.Defaults.Timeout
		}
		if t.Retries == nil {
			t.Retries = c.Defaults.Retries
		}
		if t.Version == "" {
			t.Version = c.Defaults.Version
		}
		if t.Version == "" {
			t.Version = "2c"
		}
		if t.Community == "" {
			t.Community = c.Defaults.Community
		}
		if err := t.validate(); err != nil {
			return fmt.Errorf("target %q: %w", t.Name, err)
		}
	}
	return nil
}

func (t *Target) validate() error {
	if _, _, err := t.hostPort(); err != nil {
		return err
	}
	version, err := snmp.ParseVersion(t.Version)
	if err != nil {
		return err
	}
	if version == snmp.Version3 {
		if t.USM == nil {
			return errors.New("version 3 needs a usm section")
		}
		if _, err := t.USM.securityParameters(); err != nil {
			return err
		}
	}
	if t.Schedule != "" {
		if _, err := cronParser.Parse(t.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", t.Schedule, err)
		}
	}
	if len(t.OIDs) == 0 && len(t.Walks) == 0 {
		return errors.New("nothing to poll: set oids or walks")
	}
	return nil
}

// hostPort splits Address, defaulting the port to 161.
func (t *Target) hostPort() (string, uint16, error) {
	addr := strings.TrimSpace(t.Address)
	if addr == "" {
		return "", 0, &snmp.InvalidAddressError{Address: addr, Err: errors.New("address is required")}
	}
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		// a bare host, or a bare IPv6 address
		return strings.Trim(addr, "[]"), 161, nil
	}
	port, err := strconv.ParseUint(portText, 10, 16)
	if err != nil || port == 0 {
		return "", 0, &snmp.InvalidAddressError{Address: addr, Err: fmt.Errorf("bad port %q", portText)}
	}
	return host, uint16(port), nil
}

// securityParameters builds the USM user and the message flags for it.
func (u *USM) securityParameters() (*snmp.UsmSecurityParameters, error) {
	if u.User == "" {
		return nil, errors.New("usm.user is required")
	}
	auth, err := snmp.ParseAuthProtocol(u.AuthProtocol)
	if err != nil {
		return nil, err
	}
	priv, err := snmp.ParsePrivProtocol(u.PrivProtocol)
	if err != nil {
		return nil, err
	}
	sp := &snmp.UsmSecurityParameters{
		UserName:                 u.User,
		AuthenticationProtocol:   auth,
		AuthenticationPassphrase: u.AuthPassphrase,
		PrivacyProtocol:          priv,
		PrivacyPassphrase:        u.PrivPassphrase,
	}
	if _, err := u.msgFlags(); err != nil {
		return nil, err
	}
	return sp, nil
}

// msgFlags is the configured level, or the level the protocols imply.
func (u *USM) msgFlags() (snmp.SnmpV3MsgFlags, error) {
	if u.Level != "" {
		return snmp.ParseSecurityLevel(u.Level)
	}
	switch {
	case u.PrivProtocol != "":
		return snmp.AuthPriv, nil
	case u.AuthProtocol != "":
		return snmp.AuthNoPriv, nil
	}
	return snmp.NoAuthNoPriv, nil
}

// Session builds an unconnected session for the target.
func (t *Target) Session() (*snmp.Session, error) {
	host, port, err := t.hostPort()
	if err != nil {
		return nil, err
	}
	version, err := snmp.ParseVersion(t.Version)
	if err != nil {
		return nil, err
	}
	s := &snmp.Session{
		Target:         host,
		Port:           port,
		Version:        version,
		Community:      t.Community,
		Timeout:        t.Timeout,
		Retries:        snmp.Default.Retries,
		MaxOids:        snmp.Default.MaxOids,
		MaxRepetitions: snmp.Default.MaxRepetitions,
	}
	if t.Retries != nil {
		s.Retries = *t.Retries
	}
	if s.Community == "" {
		s.Community = snmp.Default.Community
	}
	if version == snmp.Version3 {
		if t.USM == nil {
			return nil, errors.New("version 3 needs a usm section")
		}
		sp, err := t.USM.securityParameters()
		if err != nil {
			return nil, err
		}
		flags, _ := t.USM.msgFlags()
		s.SecurityModel = snmp.UserSecurityModel
		s.SecurityParameters = sp
		s.MsgFlags = flags
		s.ContextName = t.USM.ContextName
	}
	return s, nil
}
