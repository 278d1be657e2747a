// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

// Package system contains the atomic counters published under the $SYS
// topics, and their prometheus registration.
package system

import (
	"runtime"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Info contains atomic counters and values for various server statistics
// commonly found in $SYS topics (and others).
// based on https://github.com/mqtt/mqtt.org/wiki/SYS-Topics
type Info struct {
	Version             string `json:"version"`              // the current version of the server
	Started             int64  `json:"started"`              // the time the server started in unix seconds
	Time                int64  `json:"time"`                 // current time on the server
	Uptime              int64  `json:"uptime"`               // the number of seconds the server has been online
	BytesReceived       int64  `json:"bytes_received"`       // total number of bytes received since the broker started
	BytesSent           int64  `json:"bytes_sent"`           // total number of bytes sent since the broker started
	ClientsConnected    int64  `json:"clients_connected"`    // number of currently connected clients
	ClientsDisconnected int64  `json:"clients_disconnected"` // total number of persistent clients (with clean session disabled) that are registered at the broker but are currently disconnected
	ClientsTotal        int64  `json:"clients_total"`        // total number of connected and disconnected clients with a persistent session currently connected and registered
	MessagesReceived    int64  `json:"messages_received"`    // total number of publish messages received
	MessagesSent        int64  `json:"messages_sent"`        // total number of publish messages sent
	MessagesDropped     int64  `json:"messages_dropped"`     // total number of publish messages dropped to slow subscriber
	Retained            int64  `json:"retained"`             // total number of retained messages active on the broker
	Inflight            int64  `json:"inflight"`             // the number of messages currently in-flight
	Subscriptions       int64  `json:"subscriptions"`        // total number of subscriptions active on the broker
	PacketsReceived     int64  `json:"packets_received"`     // the total number of packets received
	PacketsSent         int64  `json:"packets_sent"`         // total number of packets of any type sent since the broker started
	MemoryAlloc         int64  `json:"memory_alloc"`         // memory currently allocated
	Threads             int64  `json:"threads"`              // number of active goroutines, named as threads for platform ambiguity
}

// Clone makes a copy of Info using atomic operations.
func (i *Info) Clone() *Info {
	return &Info{
		Version:             i.Version,
		Started:             atomic.LoadInt64(&i.Started),
		Time:                atomic.LoadInt64(&i.Time),
		Uptime:              atomic.LoadInt64(&i.Uptime),
		BytesReceived:       atomic.LoadInt64(&i.BytesReceived),
		BytesSent:           atomic.LoadInt64(&i.BytesSent),
		ClientsConnected:    atomic.LoadInt64(&i.ClientsConnected),
		ClientsDisconnected: atomic.LoadInt64(&i.ClientsDisconnected),
		ClientsTotal:        atomic.LoadInt64(&i.ClientsTotal),
		MessagesReceived:    atomic.LoadInt64(&i.MessagesReceived),
		MessagesSent:        atomic.LoadInt64(&i.MessagesSent),
		MessagesDropped:     atomic.LoadInt64(&i.MessagesDropped),
		Retained:            atomic.LoadInt64(&i.Retained),
		Inflight:            atomic.LoadInt64(&i.Inflight),
		Subscriptions:       atomic.LoadInt64(&i.Subscriptions),
		PacketsReceived:     atomic.LoadInt64(&i.PacketsReceived),
		PacketsSent:         atomic.LoadInt64(&i.PacketsSent),
		MemoryAlloc:         atomic.LoadInt64(&i.MemoryAlloc),
		Threads:             atomic.LoadInt64(&i.Threads),
	}
}

// RegisterPrometheusMetrics registers the info counters with a prometheus
// registry, so the broker can be scraped alongside the $SYS topics.
func (i *Info) RegisterPrometheusMetrics(registry prometheus.Registerer) {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	type metric struct {
		metricType string
		name       string
		help       string
		value      *int64
	}

	metricsList := []metric{
		{"c", "bytes_received", "A counter of the total number of bytes received", &i.BytesReceived},
		{"c", "bytes_sent", "A counter of the total number of bytes sent", &i.BytesSent},
		{"g", "clients_connected", "A gauge of the number of currently connected clients", &i.ClientsConnected},
		{"g", "clients_disconnected", "A gauge of the total number of disconnected persistent clients", &i.ClientsDisconnected},
		{"g", "clients_total", "A gauge of the total number of registered clients", &i.ClientsTotal},
		{"c", "messages_received", "A counter of the total number of publish messages received", &i.MessagesReceived},
		{"c", "messages_sent", "A counter of the total number of publish messages sent", &i.MessagesSent},
		{"c", "messages_dropped", "A counter of the total number of publish messages dropped to slow subscribers", &i.MessagesDropped},
		{"g", "retained", "A gauge of the total number of retained messages active on the broker", &i.Retained},
		{"g", "inflight", "A gauge of the number of messages currently in-flight", &i.Inflight},
		{"g", "subscriptions", "A gauge of the total number of subscriptions active on the broker", &i.Subscriptions},
		{"c", "packets_received", "A counter of the total number of packets received", &i.PacketsReceived},
		{"c", "packets_sent", "A counter of the total number of packets sent", &i.PacketsSent},
	}

	for _, m := range metricsList {
		m := m
		fn := func() float64 {
			return float64(atomic.LoadInt64(m.value))
		}

		switch m.metricType {
		case "c":
			registry.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
				Name: m.name,
				Help: m.help,
			}, fn))
		case "g":
			registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Name: m.name,
				Help: m.help,
			}, fn))
		}
	}

	buildInfo := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build Information",
		},
		[]string{"goversion", "version"},
	)
	registry.MustRegister(buildInfo)
	buildInfo.With(prometheus.Labels{"goversion": runtime.Version(), "version": i.Version}).Set(1)
}
