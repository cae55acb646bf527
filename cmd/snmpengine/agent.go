// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pion/dtls/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	snmp "github.com/gosnmp/snmpengine"
)

var (
	enterprisesOID = snmp.MustParseOID(".1.3.6.1")
	sysUpTimeOID   = snmp.MustParseOID(".1.3.6.1.2.1.1.3")
)

// mibEntry is one instance of an agent MIB file:
//
//   - oid: .1.3.6.1.2.1.1.5.0
//     type: s
//     value: router1
type mibEntry struct {
	OID   string `yaml:"oid"`
	Type  string `yaml:"type"`
	Value string `yaml:"value"`
}

func loadMIB(path string, resolver snmp.Resolver) ([]snmp.VarBind, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mib file: %w", err)
	}
	var entries []mibEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse mib yaml: %w", err)
	}
	vbs := make([]snmp.VarBind, 0, len(entries))
	for i, e := range entries {
		oid, err := resolver.Resolve(e.OID)
		if err != nil {
			return nil, fmt.Errorf("mib entry %d: %w", i, err)
		}
		vb, err := snmp.ParseTypedValue(e.Type, e.Value)
		if err != nil {
			return nil, fmt.Errorf("mib entry %d (%s): %w", i, e.OID, err)
		}
		vb.Name = oid
		vbs = append(vbs, vb)
	}
	return vbs, nil
}

// tlsFiles are the PEM files of a DTLS endpoint.
type tlsFiles struct {
	cert, key, ca string
}

func (f *tlsFiles) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.cert, "cert", "", "PEM certificate for dtls://")
	cmd.Flags().StringVar(&f.key, "key", "", "PEM private key for dtls://")
	cmd.Flags().StringVar(&f.ca, "ca", "", "PEM CA bundle that signs peer certificates")
}

// dtlsConfig requires and verifies peer certificates signed by the CA.
func (f *tlsFiles) dtlsConfig() (*dtls.Config, error) {
	if f.cert == "" || f.key == "" || f.ca == "" {
		return nil, errors.New("dtls needs --cert, --key and --ca")
	}
	cert, err := tls.LoadX509KeyPair(f.cert, f.key)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	pem, err := os.ReadFile(f.ca)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", f.ca)
	}
	return &dtls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		RootCAs:      pool,
		ClientAuth:   dtls.RequireAndVerifyClientCert,
	}, nil
}

func (a *app) agentCmd() *cobra.Command {
	var (
		listen      string
		dtlsListen  string
		mibFile     string
		writable    bool
		metricsAddr string
		files       tlsFiles
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Serve a static MIB",
		Long: `agent answers Get, GetNext, GetBulk and Set from the instances of a YAML
MIB file. sysUpTime.0 is always served. --community grants reads and
--write-community writes; with --security-name the v3 flags define one USM
user.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d := snmp.NewDispatcher(a.v.GetString("community"))
			d.WriteCommunity = a.v.GetString("write-community")
			d.Logger = a.logger

			var err error
			if d.EngineID, err = decodeEngineID(a.v.GetString("engine-id")); err != nil {
				return err
			}
			if a.v.GetString("security-name") != "" {
				user, _, err := a.usmUser()
				if err != nil {
					return err
				}
				if err = d.AddUser(user); err != nil {
					return err
				}
			}

			var vbs []snmp.VarBind
			if mibFile != "" {
				if vbs, err = loadMIB(mibFile, snmp.SystemMIB); err != nil {
					return err
				}
			}
			static := snmp.NewStaticHandler(vbs...)
			static.Writable = writable
			if err = d.Register(enterprisesOID, static); err != nil {
				return err
			}
			start := time.Now()
			uptime := snmp.ScalarHandler{Name: sysUpTimeOID, Type: snmp.TimeTicks, Value: func() any {
				return uint32(time.Since(start) / (10 * time.Millisecond)) //nolint:gosec
			}}
			if err = d.Register(sysUpTimeOID, uptime); err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(ctx)
			if metricsAddr != "" {
				reg := prometheus.NewRegistry()
				if d.Metrics, err = snmp.NewMetrics(reg); err != nil {
					return err
				}
				srv := &http.Server{
					Addr:              metricsAddr,
					Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
					ReadHeaderTimeout: 5 * time.Second,
				}
				g.Go(func() error {
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdown)
				})
			}
			if dtlsListen != "" {
				if d.DTLSConfig, err = files.dtlsConfig(); err != nil {
					return err
				}
				d.CertMappings = snmp.CertMappings{{Type: snmp.CertMapSANAny}, {Type: snmp.CertMapCommonName}}
				g.Go(func() error { return d.ServeDTLS(ctx, strings.TrimPrefix(dtlsListen, "dtls://")) })
			}
			g.Go(func() error { return d.ListenAndServe(ctx, listen) })
			a.logger.Printf("agent serving %d instances on %s", len(vbs), listen)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "0.0.0.0:161", "UDP address")
	cmd.Flags().StringVar(&dtlsListen, "dtls-listen", "", "also serve DTLS on this address")
	cmd.Flags().StringVar(&mibFile, "mib", "", "YAML file of oid/type/value instances")
	cmd.Flags().BoolVar(&writable, "writable", false, "accept Set on the MIB instances")
	cmd.Flags().StringVar(&metricsAddr, "metrics", "", "serve Prometheus metrics on this address")
	files.register(cmd)
	return cmd
}
