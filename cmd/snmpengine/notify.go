// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package main

import (
	"errors"
	"fmt"
	"net"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	snmp "github.com/gosnmp/snmpengine"
)

var snmpTrapOID = snmp.MustParseOID(".1.3.6.1.6.3.1.1.4.1.0")

func (a *app) trapCmd(name string, inform bool) *cobra.Command {
	var (
		enterprise   string
		agentAddress string
		generic      int
		specific     int
	)
	short := "Send a notification"
	if inform {
		short = "Send an acknowledged notification"
	}
	cmd := &cobra.Command{
		Use:   name + " TRAP-OID [OID TYPE VALUE]...",
		Short: short,
		Long: short + `. TRAP-OID becomes snmpTrapOID.0; sysUpTime.0 is added
from the process uptime. SNMPv1 traps take the header from the flags.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 || (len(args)-1)%3 != 0 {
				return errors.New("want TRAP-OID followed by OID TYPE VALUE triples")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()

			oids, err := s.Resolve(args[0])
			if err != nil {
				return err
			}
			trap := snmp.SnmpTrap{IsInform: inform}
			if s.Version != snmp.Version1 {
				trap.Variables = append(trap.Variables, snmp.VarBind{Name: snmpTrapOID, Type: snmp.ObjectIdentifier, Value: oids[0]})
			}
			for triple := range slices.Chunk(args[1:], 3) {
				names, err := s.Resolve(triple[0])
				if err != nil {
					return err
				}
				vb, err := snmp.ParseTypedValue(triple[1], triple[2])
				if err != nil {
					return err
				}
				vb.Name = names[0]
				trap.Variables = append(trap.Variables, vb)
			}
			if s.Version == snmp.Version1 {
				trap.Enterprise = oids[0]
				if enterprise != "" {
					if trap.Enterprise, err = snmp.ParseOID(enterprise); err != nil {
						return err
					}
				}
				trap.AgentAddress = agentAddress
				if trap.AgentAddress == "" {
					trap.AgentAddress = localIPv4(s)
				}
				trap.GenericTrap = generic
				trap.SpecificTrap = specific
			}

			result, err := s.SendTrap(trap)
			if err != nil {
				return err
			}
			if inform && result != nil {
				fmt.Fprintf(a.out, "inform acknowledged by %s\n", s.Target)
			}
			return nil
		},
	}
	if !inform {
		cmd.Flags().StringVar(&enterprise, "enterprise", "", "v1 enterprise OID (default: TRAP-OID)")
		cmd.Flags().StringVar(&agentAddress, "agent-address", "", "v1 agent address (default: the local address)")
		cmd.Flags().IntVar(&generic, "generic", 6, "v1 generic-trap")
		cmd.Flags().IntVar(&specific, "specific", 0, "v1 specific-trap")
	}
	return cmd
}

// localIPv4 is the address the session sends from, 0.0.0.0 when unknown.
func localIPv4(s *snmp.Session) string {
	if s.Conn != nil {
		if addr, ok := s.Conn.LocalAddr().(*net.UDPAddr); ok && addr.IP.To4() != nil {
			return addr.IP.String()
		}
	}
	return "0.0.0.0"
}

func (a *app) listenCmd() *cobra.Command {
	var (
		listen string
		files  tlsFiles
	)
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Receive and print notifications",
		Long: `listen prints the traps and informs it receives and acknowledges informs.
v1 and v2c notifications must carry --community unless it is empty; v3
notifications must come from the --security-name user. "dtls://" listeners
need --cert, --key and --ca.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			params, err := a.newSession(ctx)
			if err != nil {
				return err
			}
			tl := snmp.NewTrapListener()
			tl.Params = params
			if strings.HasPrefix(listen, "dtls://") {
				if tl.DTLSConfig, err = files.dtlsConfig(); err != nil {
					return err
				}
				tl.CertMappings = snmp.CertMappings{{Type: snmp.CertMapSANAny}, {Type: snmp.CertMapCommonName}}
			}
			f := a.formatter()
			tl.OnTrap = func(p *snmp.SnmpPacket, addr net.Addr) {
				fmt.Fprintf(a.out, "%s from %s\n", p.PDUType, addr)
				if p.PDUType == snmp.Trap {
					fmt.Fprintf(a.out, "  enterprise %s generic %d specific %d\n", p.Enterprise, p.GenericTrap, p.SpecificTrap)
				}
				for _, vb := range p.Variables {
					fmt.Fprintln(a.out, "  "+f.Format(vb))
				}
			}

			errc := make(chan error, 1)
			go func() { errc <- tl.Listen(listen) }()
			select {
			case err := <-errc:
				return err
			case <-tl.Listening():
			}
			a.logger.Printf("listening on %s", listen)
			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
				tl.Close()
				return <-errc
			}
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "udp://0.0.0.0:162", "udp:// or dtls:// address")
	files.register(cmd)
	return cmd
}
