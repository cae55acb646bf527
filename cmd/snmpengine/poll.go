// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	snmp "github.com/gosnmp/snmpengine"
	"github.com/gosnmp/snmpengine/poller"
)

// samplePrinter writes samples to the command output, one at a time.
type samplePrinter struct {
	mu  sync.Mutex
	a   *app
	err error
}

func (p *samplePrinter) Collect(_ context.Context, s poller.Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.Err != nil {
		fmt.Fprintf(p.a.out, "# %s failed after %s: %v\n", s.Target, s.Duration, s.Err)
		p.err = errors.Join(p.err, fmt.Errorf("%s: %w", s.Target, s.Err))
	} else {
		fmt.Fprintf(p.a.out, "# %s %d bindings in %s\n", s.Target, len(s.VarBinds), s.Duration)
	}
	f := p.a.formatter()
	for _, vb := range s.VarBinds {
		fmt.Fprintf(p.a.out, "%s %s\n", s.Target, f.Format(vb))
	}
}

func (a *app) pollCmd() *cobra.Command {
	var (
		once        bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "poll TARGETS-FILE",
		Short: "Poll the targets of a YAML file on their schedules",
		Long: `poll reads a targets file and polls every target on its cron schedule
until interrupted. With --once every target is polled one time, and the
command fails if any poll failed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := poller.LoadConfig(args[0])
			if err != nil {
				return err
			}
			printer := &samplePrinter{a: a}
			p, err := poller.New(cfg, printer)
			if err != nil {
				return err
			}
			p.Concurrency = concurrency
			p.Logger = a.logger
			p.Resolver = snmp.SystemMIB
			if p.Metrics, err = snmp.NewMetrics(prometheus.NewRegistry()); err != nil {
				return err
			}

			if once {
				p.PollOnce(ctx)
				return printer.err
			}
			if err = p.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			<-p.Stop().Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "poll every target once and exit")
	cmd.Flags().IntVar(&concurrency, "concurrency", 16, "polls running at once")
	return cmd
}
