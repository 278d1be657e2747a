// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package config

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voxoz/mqtt/listeners"
)

var yamlBytes = []byte(`
listeners:
  - type: "tcp"
    id: "tcp1"
    address: ":1883"
  - type: "ws"
    id: "ws1"
    address: ":1882"
hooks:
  auth:
    allow_all: true
  storage:
    bolt:
      path: "test.db"
options:
  sys_topic_resend_interval: 5
`)

var jsonBytes = []byte(`{
	"listeners": [{"type": "tcp", "id": "tcp1", "address": ":1883"}],
	"hooks": {"auth": {"allow_all": true}}
}`)

func TestFromBytesEmpty(t *testing.T) {
	o, err := FromBytes(nil)
	require.NoError(t, err)
	require.Nil(t, o)
}

func TestFromBytesYAML(t *testing.T) {
	o, err := FromBytes(yamlBytes)
	require.NoError(t, err)
	require.Len(t, o.Listeners, 2)
	require.Equal(t, listeners.TypeTCP, o.Listeners[0].Type)
	require.Equal(t, ":1883", o.Listeners[0].Address)
	require.Len(t, o.Hooks, 2) // allow-all auth + bolt storage
}

func TestFromBytesJSON(t *testing.T) {
	o, err := FromBytes(jsonBytes)
	require.NoError(t, err)
	require.Len(t, o.Listeners, 1)
	require.Len(t, o.Hooks, 1)
}

func TestFromBytesInvalid(t *testing.T) {
	_, err := FromBytes([]byte("{invalid json"))
	require.Error(t, err)

	_, err = FromBytes([]byte("\t- not yaml"))
	require.Error(t, err)
}
