// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package system

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestInfoClone(t *testing.T) {
	i := &Info{
		Version:          "1.0.0",
		BytesReceived:    100,
		MessagesReceived: 5,
		Threads:          2,
	}

	c := i.Clone()
	require.Equal(t, i.Version, c.Version)
	require.Equal(t, i.BytesReceived, c.BytesReceived)
	require.Equal(t, i.MessagesReceived, c.MessagesReceived)

	c.BytesReceived = 999
	require.Equal(t, int64(100), i.BytesReceived)
}

func TestRegisterPrometheusMetrics(t *testing.T) {
	i := &Info{Version: "1.0.0", BytesSent: 42}
	registry := prometheus.NewRegistry()
	i.RegisterPrometheusMetrics(registry)

	families, err := registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	var found bool
	for _, f := range families {
		if f.GetName() == "bytes_sent" {
			found = true
			require.Equal(t, float64(42), f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	require.True(t, found)
}
