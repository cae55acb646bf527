// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	snmp "github.com/gosnmp/snmpengine"
)

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get OID...",
		Short: "Read object instances",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			oids, err := s.Resolve(args...)
			if err != nil {
				return err
			}
			vbs, err := s.GetMany(oids)
			a.print(vbs...)
			return err
		},
	}
}

func (a *app) getNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "getnext OID...",
		Short: "Read the instances following the given OIDs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			oids, err := s.Resolve(args...)
			if err != nil {
				return err
			}
			result, err := s.GetNext(oids)
			if err != nil {
				return err
			}
			a.print(result.Variables...)
			return nil
		},
	}
}

func (a *app) getBulkCmd() *cobra.Command {
	var nonRepeaters uint8
	var maxRepetitions uint32
	cmd := &cobra.Command{
		Use:   "getbulk OID...",
		Short: "Read with one GETBULK request",
		Long: `getbulk sends one GETBULK request. The first --non-repeaters OIDs get
one successor each, the others up to --max-repetitions successors.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			oids, err := s.Resolve(args...)
			if err != nil {
				return err
			}
			result, err := s.GetBulk(oids, nonRepeaters, maxRepetitions)
			if err != nil {
				return err
			}
			a.print(result.Variables...)
			return nil
		},
	}
	cmd.Flags().Uint8VarP(&nonRepeaters, "non-repeaters", "N", 0, "OIDs read once")
	cmd.Flags().Uint32VarP(&maxRepetitions, "repetitions", "R", 10, "successors read for the other OIDs")
	return cmd
}

func (a *app) walkCmd(name string, bulk bool) *cobra.Command {
	short := "Walk a subtree with GETNEXT"
	if bulk {
		short = "Walk a subtree with GETBULK"
	}
	return &cobra.Command{
		Use:   name + " [OID]",
		Short: short,
		Long:  short + ". The subtree defaults to .1.3.6.1.2.1 (mib-2).",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			if len(args) == 0 {
				args = []string{".1.3.6.1.2.1"}
			}
			oids, err := s.Resolve(args...)
			if err != nil {
				return err
			}
			walk := s.Walk
			if bulk {
				walk = s.BulkWalk
			}
			for vb, err := range walk(oids[0]) {
				if err != nil {
					return err
				}
				a.print(vb)
			}
			return nil
		},
	}
}

func (a *app) setCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set OID TYPE VALUE [OID TYPE VALUE]...",
		Short: "Write object instances",
		Long: `set writes one or more instances. TYPE is a net-snmp type letter:

  i INTEGER   u Gauge32 (Unsigned32)   c Counter32   C Counter64
  t TimeTicks s OCTET STRING           x hex bytes   d decimal bytes
  a IpAddress o OBJECT IDENTIFIER      n Null`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%3 != 0 {
				return errors.New("set takes OID TYPE VALUE triples")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.session(cmd.Context())
			if err != nil {
				return err
			}
			defer s.Close()
			var vbs []snmp.VarBind
			for triple := range slices.Chunk(args, 3) {
				oids, err := s.Resolve(triple[0])
				if err != nil {
					return err
				}
				vb, err := snmp.ParseTypedValue(triple[1], triple[2])
				if err != nil {
					return err
				}
				vb.Name = oids[0]
				vbs = append(vbs, vb)
			}
			result, err := s.Set(vbs)
			if err != nil {
				return err
			}
			a.print(result.Variables...)
			return nil
		},
	}
}

func (a *app) tableCmd() *cobra.Command {
	var sortColumn uint32
	cmd := &cobra.Command{
		Use:   "table OID",
		Short: "Read a conceptual table, one row per line",
		Args:  cobra.ExactArgs(1),
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
			rows, err := s.GetTable(oids[0], sortColumn)
			if err != nil {
				return err
			}
			a.printTable(rows)
			return nil
		},
	}
	cmd.Flags().Uint32Var(&sortColumn, "sort", 0, "sort rows by the value of this column")
	return cmd
}

func (a *app) printTable(rows []snmp.TableRow) {
	var columns []uint32
	for _, row := range rows {
		for col := range row.Columns {
			if !slices.Contains(columns, col) {
				columns = append(columns, col)
			}
		}
	}
	slices.Sort(columns)

	f := a.formatter()
	w := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	header := []string{"index"}
	for _, col := range columns {
		header = append(header, fmt.Sprint(col))
	}
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		line := []string{strings.TrimPrefix(row.Index.String(), ".")}
		for _, col := range columns {
			cell := "?"
			if vb, ok := row.Column(col); ok {
				cell = f.FormatValue(vb)
			}
			line = append(line, cell)
		}
		fmt.Fprintln(w, strings.Join(line, "\t"))
	}
	_ = w.Flush()
}

// decodeEngineID accepts hex with an optional 0x prefix and separators.
func decodeEngineID(text string) (string, error) {
	if text == "" {
		return "", nil
	}
	clean := strings.NewReplacer("0x", "", "0X", "", ":", "", " ", "").Replace(text)
	id, err := hex.DecodeString(clean)
	if err != nil {
		return "", fmt.Errorf("bad engine id %q: %w", text, err)
	}
	if len(id) < 5 || len(id) > 32 {
		return "", fmt.Errorf("engine id must be 5 to 32 bytes, got %d", len(id))
	}
	return string(id), nil
}
