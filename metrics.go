// Copyright 2024 The GoSNMP Authors. All rights reserved.  Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package snmpengine

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the Prometheus collectors of the engine. One Metrics may be
// shared by any number of Sessions and Dispatchers. All methods accept a nil
// receiver, so leaving Session.Metrics unset costs nothing.
type Metrics struct {
	requests   *prometheus.CounterVec
	retries    prometheus.Counter
	timeouts   prometheus.Counter
	discards   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	dispatched *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// means prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "snmpengine",
				Name:      "requests_total",
				Help:      "SNMP requests issued by sessions, by PDU type and result.",
			},
			[]string{"pdu", "result"},
		),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snmpengine",
			Name:      "retries_total",
			Help:      "Request retransmissions after an attempt timed out.",
		}),
		timeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "snmpengine",
			Name:      "timeouts_total",
			Help:      "Requests that exhausted their retry budget.",
		}),
		discards: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "snmpengine",
				Name:      "discarded_datagrams_total",
				Help:      "Received datagrams dropped without completing a request, by reason.",
			},
			[]string{"reason"},
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "snmpengine",
				Name:      "request_duration_seconds",
				Help:      "Time from first transmission to the final outcome of a request.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"pdu"},
		),
		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "snmpengine",
				Name:      "dispatcher_requests_total",
				Help:      "Requests served by a Dispatcher, by PDU type and result.",
			},
			[]string{"pdu", "result"},
		),
	}
	for _, c := range []prometheus.Collector{m.requests, m.retries, m.timeouts, m.discards, m.latency, m.dispatched} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// resultLabel maps a request outcome to a small fixed label set.
func resultLabel(err error) string {
	var agentErr *AgentError
	var authErr *AuthenticationError
	var discoveryErr *EngineDiscoveryError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &agentErr):
		return "agent_error"
	case errors.As(err, &authErr):
		return "auth_error"
	case errors.As(err, &discoveryErr):
		return "discovery_error"
	}
	return "error"
}

func (m *Metrics) observeRequest(pdu PDUType, took time.Duration, err error) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(pdu.String(), resultLabel(err)).Inc()
	m.latency.WithLabelValues(pdu.String()).Observe(took.Seconds())
}

func (m *Metrics) retry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

func (m *Metrics) timeout() {
	if m == nil {
		return
	}
	m.timeouts.Inc()
}

func (m *Metrics) discard(reason string) {
	if m == nil {
		return
	}
	m.discards.WithLabelValues(reason).Inc()
}

func (m *Metrics) served(pdu PDUType, result string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(pdu.String(), result).Inc()
}
