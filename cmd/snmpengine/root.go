// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	snmp "github.com/gosnmp/snmpengine"
)

// app is the state shared by the subcommands: the merged flag, environment
// and config file settings, and the output streams.
type app struct {
	v      *viper.Viper
	out    io.Writer
	errOut io.Writer
	logger snmp.Logger
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{v: viper.New(), out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "snmpengine",
		Short: "SNMP v1/v2c/v3 manager, notification receiver and agent",
		Long: `snmpengine talks SNMP natively, without the net-snmp tools.

Examples:
  # Read sysDescr.0
  snmpengine get -t 192.0.2.1 sysDescr.0

  # Walk the interface table with SNMPv3 authPriv
  snmpengine bulkwalk -t 192.0.2.1 -V 3 -u monitor -l authPriv \
      -a SHA -A maplesyrup -x AES -X maplesyrup ifTable

  # Set sysContact.0
  snmpengine set -t 192.0.2.1 -c private sysContact.0 s admin@example.com

  # Receive notifications
  snmpengine listen --listen udp://0.0.0.0:162`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return a.initConfig()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default is $HOME/.snmpengine.yaml)")
	flags.StringP("target", "t", "", "agent address")
	flags.Uint16P("port", "p", 161, "agent port")
	flags.String("transport", "udp", "transport: udp, udp4, udp6")
	flags.StringP("community", "c", "public", "community (v1/v2c)")
	flags.String("write-community", "", "community for set, when different")
	flags.StringP("version", "V", "2c", "SNMP version: 1, 2c, 3")
	flags.Duration("timeout", snmp.Default.Timeout, "timeout of one attempt")
	flags.IntP("retries", "r", snmp.Default.Retries, "retransmissions after the first attempt")
	flags.Bool("exponential-timeout", false, "double the timeout after each attempt")
	flags.Uint32("max-repetitions", snmp.Default.MaxRepetitions, "GETBULK max-repetitions of bulkwalk and table")
	flags.Int("max-walk-iterations", snmp.Default.MaxWalkIterations, "requests one walk may issue")
	flags.Bool("allow-non-increasing", false, "continue walks past OIDs that do not increase")

	flags.StringP("security-level", "l", "", "noAuthNoPriv, authNoPriv or authPriv (default: implied by the protocols)")
	flags.StringP("security-name", "u", "", "USM user name")
	flags.StringP("auth-protocol", "a", "", "MD5, SHA, SHA224, SHA256, SHA384, SHA512")
	flags.StringP("auth-passphrase", "A", "", "authentication passphrase")
	flags.StringP("priv-protocol", "x", "", "DES, AES, AES192, AES256, AES192C, AES256C")
	flags.StringP("priv-passphrase", "X", "", "privacy passphrase")
	flags.StringP("context", "n", "", "context name")
	flags.StringP("engine-id", "e", "", "authoritative engine id in hex (traps are sent as this engine)")

	flags.Bool("hex", false, "print every OCTET STRING as hex")
	flags.Bool("numeric-types", false, "print TimeTicks as a bare number")
	flags.CountP("verbose", "v", "trace the engine")

	// bound by flag name, so --max-repetitions is also SNMPENGINE_MAX_REPETITIONS
	if err := a.v.BindPFlags(flags); err != nil {
		panic(err)
	}

	root.AddCommand(
		a.getCmd(),
		a.getNextCmd(),
		a.getBulkCmd(),
		a.walkCmd("walk", false),
		a.walkCmd("bulkwalk", true),
		a.setCmd(),
		a.tableCmd(),
		a.trapCmd("trap", false),
		a.trapCmd("inform", true),
		a.listenCmd(),
		a.agentCmd(),
		a.pollCmd(),
	)
	return root
}

func (a *app) initConfig() error {
	if cfgFile := a.v.GetString("config"); cfgFile != "" {
		a.v.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(home)
		a.v.AddConfigPath(filepath.Join(home, ".config"))
		a.v.SetConfigName(".snmpengine")
		a.v.SetConfigType("yaml")
	}

	a.v.SetEnvPrefix("SNMPENGINE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.v.GetString("config") != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	if a.v.GetInt("verbose") > 0 {
		a.logger = snmp.NewLevelLogger(a.errOut, "DEBUG")
	}
	if used := a.v.ConfigFileUsed(); used != "" {
		a.logger.Printf("using config file %s", used)
	}
	return nil
}

// session builds and connects a session from the merged settings.
func (a *app) session(ctx context.Context) (*snmp.Session, error) {
	s, err := a.newSession(ctx)
	if err != nil {
		return nil, err
	}
	if err = s.Connect(); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *app) newSession(ctx context.Context) (*snmp.Session, error) {
	v := a.v
	version, err := snmp.ParseVersion(v.GetString("version"))
	if err != nil {
		return nil, err
	}
	s := &snmp.Session{
		Target:                 v.GetString("target"),
		Port:                   uint16(v.GetUint("port")), //nolint:gosec
		Transport:              v.GetString("transport"),
		Community:              v.GetString("community"),
		WriteCommunity:         v.GetString("write-community"),
		Version:                version,
		Context:                ctx,
		Timeout:                v.GetDuration("timeout"),
		Retries:                v.GetInt("retries"),
		ExponentialTimeout:     v.GetBool("exponential-timeout"),
		MaxOids:                snmp.Default.MaxOids,
		MaxRepetitions:         v.GetUint32("max-repetitions"),
		MaxWalkIterations:      v.GetInt("max-walk-iterations"),
		AllowNonIncreasingOIDs: v.GetBool("allow-non-increasing"),
		Resolver:               snmp.SystemMIB,
		Logger:                 a.logger,
	}
	if version == snmp.Version3 {
		sp, flags, err := a.usmUser()
		if err != nil {
			return nil, err
		}
		s.SecurityModel = snmp.UserSecurityModel
		s.SecurityParameters = sp
		s.MsgFlags = flags
		s.ContextName = v.GetString("context")
	}
	return s, nil
}

// usmUser builds the USM user from the v3 flags.
func (a *app) usmUser() (*snmp.UsmSecurityParameters, snmp.SnmpV3MsgFlags, error) {
	v := a.v
	auth, err := snmp.ParseAuthProtocol(v.GetString("auth-protocol"))
	if err != nil {
		return nil, 0, err
	}
	priv, err := snmp.ParsePrivProtocol(v.GetString("priv-protocol"))
	if err != nil {
		return nil, 0, err
	}
	flags := snmp.NoAuthNoPriv
	switch {
	case v.GetString("security-level") != "":
		if flags, err = snmp.ParseSecurityLevel(v.GetString("security-level")); err != nil {
			return nil, 0, err
		}
	case priv != snmp.NoPriv:
		flags = snmp.AuthPriv
	case auth != snmp.NoAuth:
		flags = snmp.AuthNoPriv
	}
	if v.GetString("security-name") == "" {
		return nil, 0, errors.New("SNMPv3 needs --security-name")
	}
	engineID, err := decodeEngineID(v.GetString("engine-id"))
	if err != nil {
		return nil, 0, err
	}
	return &snmp.UsmSecurityParameters{
		UserName:                 v.GetString("security-name"),
		AuthenticationProtocol:   auth,
		AuthenticationPassphrase: v.GetString("auth-passphrase"),
		PrivacyProtocol:          priv,
		PrivacyPassphrase:        v.GetString("priv-passphrase"),
		AuthoritativeEngineID:    engineID,
		Logger:                   a.logger,
	}, flags, nil
}

func (a *app) formatter() snmp.TextFormatter {
	return snmp.TextFormatter{
		HexStrings:   a.v.GetBool("hex"),
		NumericTypes: a.v.GetBool("numeric-types"),
	}
}

func (a *app) print(vbs ...snmp.VarBind) {
	f := a.formatter()
	for _, vb := range vbs {
		fmt.Fprintln(a.out, f.Format(vb))
	}
}
