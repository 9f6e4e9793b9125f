/*
 * Copyright (c) 2025 SECOM CO., LTD. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package server exposes the agent's operational counters on a local
// HTTP listener. It observes the notification bus; nothing in the
// update core depends on it.
package server

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nkondo/avc-agent/internal/notify"
)

// Metrics translates bus events into prometheus series. Register it on
// the bus under its own observer id.
type Metrics struct {
	sessions        *prometheus.CounterVec
	downloads       *prometheus.CounterVec
	downloadBytes   prometheus.Counter
	installs        *prometheus.CounterVec
	uninstalls      *prometheus.CounterVec
	pendingConsents prometheus.Gauge
}

// NewMetrics builds and registers the series on reg. Pass
// prometheus.DefaultRegisterer outside of tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avc_sessions_total",
			Help: "Session attempts by terminal outcome.",
		}, []string{"outcome"}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avc_downloads_total",
			Help: "Package downloads by terminal outcome.",
		}, []string{"outcome"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "avc_download_bytes_total",
			Help: "Total package bytes reported complete.",
		}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avc_installs_total",
			Help: "Package installs by terminal outcome.",
		}, []string{"outcome"}),
		uninstalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "avc_uninstalls_total",
			Help: "Package removals by terminal outcome.",
		}, []string{"outcome"}),
		pendingConsents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "avc_pending_consents",
			Help: "Consent prompts currently awaiting a decision.",
		}),
	}
	reg.MustRegister(m.sessions, m.downloads, m.downloadBytes,
		m.installs, m.uninstalls, m.pendingConsents)
	return m
}

// Observe consumes one bus event. Satisfies notify.Observer.
func (m *Metrics) Observe(ev notify.Event) {
	switch ev.Status {
	case notify.StatusConnectionStarted:
		m.sessions.WithLabelValues("started").Inc()
	case notify.StatusConnectionFailed, notify.StatusAuthFailed, notify.StatusBootstrapFailed:
		m.sessions.WithLabelValues("failed").Inc()
	case notify.StatusConnectionStopped:
		m.sessions.WithLabelValues("stopped").Inc()

	case notify.StatusConnectionPending, notify.StatusDownloadPending,
		notify.StatusInstallPending, notify.StatusUninstallPending,
		notify.StatusRebootPending:
		m.pendingConsents.Inc()

	case notify.StatusDownloadInProgress, notify.StatusInstallInProgress,
		notify.StatusUninstallInProgress:
		m.pendingConsents.Set(0)

	case notify.StatusDownloadComplete:
		m.downloads.WithLabelValues("complete").Inc()
		m.downloadBytes.Add(float64(ev.TotalBytes))
		m.pendingConsents.Set(0)
	case notify.StatusDownloadFailed:
		m.downloads.WithLabelValues(ev.Context.String()).Inc()
		m.pendingConsents.Set(0)

	case notify.StatusInstallComplete:
		m.installs.WithLabelValues("complete").Inc()
		m.pendingConsents.Set(0)
	case notify.StatusInstallFailed:
		m.installs.WithLabelValues("failed").Inc()
		m.pendingConsents.Set(0)

	case notify.StatusUninstallComplete:
		m.uninstalls.WithLabelValues("complete").Inc()
		m.pendingConsents.Set(0)
	case notify.StatusUninstallFailed:
		m.uninstalls.WithLabelValues("failed").Inc()
		m.pendingConsents.Set(0)
	}
}
