// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics owns rollout's Prometheus collectors. Collectors are
// registered on a private registry rather than the global default so
// tests and embedded uses never collide.
//
// Every recording method is safe on a nil *Metrics, which lets
// components take an optional Metrics through their Config without
// guarding each call site.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors.
type Metrics struct {
	registry *prometheus.Registry

	deployments        *prometheus.CounterVec
	deploymentDuration *prometheus.HistogramVec
	commandRetries     prometheus.Counter
	registryRejections *prometheus.CounterVec
	barrierWaits       *prometheus.CounterVec
}

// New creates and registers every collector under namespace.
func New(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Single-host deployments by mode and result.",
		}, []string{"mode", "result"}),
		deploymentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "deployment_duration_seconds",
			Help:      "Wall time of single-host deployments.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"mode"}),
		commandRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transport_retries_total",
			Help:      "Remote operations retried after a session failure.",
		}),
		registryRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_rejections_total",
			Help:      "Package verify and decrypt requests rejected, by reason.",
		}, []string{"reason"}),
		barrierWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barrier_waits_total",
			Help:      "Event barrier waits by outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.deployments,
		m.deploymentDuration,
		m.commandRetries,
		m.registryRejections,
		m.barrierWaits,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry for tests and for embedding
// into a larger gatherer.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// DeploymentFinished records one single-host run.
func (m *Metrics) DeploymentFinished(mode, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deployments.WithLabelValues(mode, result).Inc()
	m.deploymentDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
}

// TransportRetried records one reconnect-and-retry.
func (m *Metrics) TransportRetried() {
	if m == nil {
		return
	}
	m.commandRetries.Inc()
}

// RegistryRejected records a refused verify or confirm.
func (m *Metrics) RegistryRejected(reason string) {
	if m == nil {
		return
	}
	m.registryRejections.WithLabelValues(reason).Inc()
}

// BarrierWaited records a barrier wait outcome: "set" or "timeout".
func (m *Metrics) BarrierWaited(outcome string) {
	if m == nil {
		return
	}
	m.barrierWaits.WithLabelValues(outcome).Inc()
}
