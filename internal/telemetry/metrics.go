/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "listenroom"

var (
	// HTTP surface
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "requests_total",
		Help:      "HTTP requests by method, route and status.",
	}, []string{"method", "endpoint", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "active_connections",
		Help:      "In-flight HTTP requests.",
	})

	APIWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "api",
		Name:      "websocket_connections",
		Help:      "Open room sockets.",
	})

	// Rooms
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "active",
		Help:      "Rooms currently held in memory.",
	})

	RoomClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "clients",
		Help:      "Clients joined across all rooms.",
	})

	RoomsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "evicted_total",
		Help:      "Rooms torn down after staying empty.",
	})

	TracksStarted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "tracks_started_total",
		Help:      "Play requests issued.",
	})

	// Playout
	FramesEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "playout",
		Name:      "frames_emitted_total",
		Help:      "20ms PCM frames paced out to sinks.",
	})

	SinkErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "playout",
		Name:      "sink_errors_total",
		Help:      "Frame delivery failures by sink kind.",
	}, []string{"kind"})

	// Media pipeline
	PipelineStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "starts_total",
		Help:      "Pipeline start attempts by outcome.",
	}, []string{"outcome"})

	PipelineProcesses = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "processes",
		Help:      "Live fetch and transcode subprocesses.",
	})

	PipelineBackpressure = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "backpressure_total",
		Help:      "Times the decode buffer hit its high watermark.",
	})

	// Task queue
	TaskQueuePending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "taskqueue",
		Name:      "pending",
		Help:      "Tasks waiting for dispatch.",
	})

	TaskQueueActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "taskqueue",
		Name:      "active",
		Help:      "Tasks executing.",
	})

	TaskQueueTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "taskqueue",
		Name:      "tasks_total",
		Help:      "Finished tasks by kind and outcome.",
	}, []string{"kind", "outcome"})

	TaskQueueRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "taskqueue",
		Name:      "retries_total",
		Help:      "Rate-limited tasks requeued.",
	}, []string{"kind"})

	// Enrichment
	SchedulerSteps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "enrich",
		Name:      "steps_total",
		Help:      "Scheduler steps by scheduler and outcome.",
	}, []string{"scheduler", "outcome"})

	SchedulerPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "enrich",
		Name:      "pending",
		Help:      "Queued work items per scheduler.",
	}, []string{"scheduler"})

	CatalogLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "catalog",
		Name:      "lookups_total",
		Help:      "External catalog lookups by catalog and outcome.",
	}, []string{"catalog", "outcome"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
