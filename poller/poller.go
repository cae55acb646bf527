// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

// Package poller collects SNMP values from many targets on cron schedules,
// one Session per target.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	snmp "github.com/gosnmp/snmpengine"
)

// A Sample is the outcome of one poll of one target. On error VarBinds holds
// whatever was read before the failure.
type Sample struct {
	Target   string
	Start    time.Time
	Duration time.Duration
	VarBinds []snmp.VarBind
	Err      error
}

// Collector receives samples. Collect is called concurrently from the
// goroutines polling different targets.
type Collector interface {
	Collect(ctx context.Context, s Sample)
}

// CollectorFunc adapts a function to Collector.
type CollectorFunc func(ctx context.Context, s Sample)

// Collect calls f.
func (f CollectorFunc) Collect(ctx context.Context, s Sample) { f(ctx, s) }

// Poller polls the targets of a Config.
type Poller struct {
	// Concurrency bounds the polls running at once. Zero means no bound.
	Concurrency int

	// Logger traces scheduling and failed polls.
	Logger snmp.Logger

	// Metrics is handed to every session.
	Metrics *snmp.Metrics

	// Resolver is handed to every session to resolve OID names.
	Resolver snmp.Resolver

	targets   []Target
	collector Collector

	sem  chan struct{}
	once sync.Once
	cron *cron.Cron
}

// New returns a Poller for the targets of cfg that sends its samples to c.
func New(cfg *Config, c Collector) (*Poller, error) {
	if cfg == nil || len(cfg.Targets) == 0 {
		return nil, errors.New("no targets configured")
	}
	if c == nil {
		return nil, errors.New("nil collector")
	}
	return &Poller{targets: cfg.Targets, collector: c}, nil
}

func (p *Poller) init() {
	p.once.Do(func() {
		if p.Concurrency > 0 {
			p.sem = make(chan struct{}, p.Concurrency)
		}
	})
}

// Start schedules every target that has a schedule. A run that is still
// going when its next one is due skips that one.
func (p *Poller) Start(ctx context.Context) error {
	p.init()
	logger := cron.PrintfLogger(&p.Logger)
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	scheduled := 0
	for _, t := range p.targets {
		if t.Schedule == "" {
			continue
		}
		if _, err := c.AddFunc(t.Schedule, func() { p.collector.Collect(ctx, p.Poll(ctx, t)) }); err != nil {
			return fmt.Errorf("target %q: invalid schedule %q: %w", t.Name, t.Schedule, err)
		}
		scheduled++
	}
	if scheduled == 0 {
		return errors.New("no target has a schedule")
	}
	p.cron = c
	c.Start()
	p.Logger.Printf("poller: %d targets scheduled", scheduled)
	return nil
}

// Stop stops scheduling and returns a context that is done once the
// running polls have finished.
func (p *Poller) Stop() context.Context {
	if p.cron == nil {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return p.cron.Stop()
}

// PollOnce polls every target concurrently, hands each sample to the
// collector and returns when all are done.
func (p *Poller) PollOnce(ctx context.Context) {
	p.init()
	var wg sync.WaitGroup
	for _, t := range p.targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.collector.Collect(ctx, p.Poll(ctx, t))
		}()
	}
	wg.Wait()
}

// Poll reads the OIDs and walks of one target over a fresh session.
func (p *Poller) Poll(ctx context.Context, t Target) Sample {
	p.init()
	sample := Sample{Target: t.Name, Start: time.Now()}
	if p.sem != nil {
		select {
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		case <-ctx.Done():
			sample.Err = ctx.Err()
			return sample
		}
	}

	sample.VarBinds, sample.Err = p.poll(ctx, t)
	sample.Duration = time.Since(sample.Start)
	if sample.Err != nil {
		p.Logger.Printf("poller: target %s: %v", t.Name, sample.Err)
	}
	return sample
}

func (p *Poller) poll(ctx context.Context, t Target) ([]snmp.VarBind, error) {
	session, err := t.Session()
	if err != nil {
		return nil, err
	}
	session.Context = ctx
	session.Logger = p.Logger
	session.Metrics = p.Metrics
	session.Resolver = p.Resolver
	if err = session.Connect(); err != nil {
		return nil, err
	}
	defer session.Close()

	var results []snmp.VarBind
	if len(t.OIDs) > 0 {
		oids, err := session.Resolve(t.OIDs...)
		if err != nil {
			return nil, err
		}
		vbs, err := session.GetMany(oids)
		results = append(results, vbs...)
		if err != nil {
			return results, err
		}
	}

	roots, err := session.Resolve(t.Walks...)
	if err != nil {
		return results, err
	}
	for _, root := range roots {
		walk := session.BulkWalkAll
		if session.Version == snmp.Version1 {
			walk = session.WalkAll
		}
		vbs, err := walk(root)
		results = append(results, vbs...)
		if err != nil {
			return results, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return results, nil
}
