// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package redis

import (
	"log/slog"
	"os"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	mqtt "github.com/voxoz/mqtt"
	"github.com/voxoz/mqtt/packets"
	"github.com/voxoz/mqtt/system"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, nil))

func newTestHook(t *testing.T) *Hook {
	t.Helper()

	mr := miniredis.RunT(t)

	h := new(Hook)
	h.SetOpts(logger, new(mqtt.HookOptions))
	require.NoError(t, h.Init(&Options{Address: mr.Addr()}))

	t.Cleanup(func() {
		if h.db != nil {
			_ = h.Stop()
		}
	})

	return h
}

func newTestHookClient() *mqtt.Client {
	s := mqtt.New(nil)
	cl := s.NewClient(nil, "t1", "zen")
	cl.Properties.Username = []byte("fern")
	return cl
}

func TestHookIDAndProvides(t *testing.T) {
	h := new(Hook)
	require.Equal(t, "redis-db", h.ID())
	require.True(t, h.Provides(mqtt.OnSessionEstablished))
	require.True(t, h.Provides(mqtt.StoredRetainedMessages))
	require.False(t, h.Provides(mqtt.OnConnectAuthenticate))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	require.Error(t, h.Init(map[string]any{}))
}

func TestInitUnreachable(t *testing.T) {
	h := new(Hook)
	h.SetOpts(logger, new(mqtt.HookOptions))
	require.Error(t, h.Init(&Options{Address: "127.0.0.1:1"}))
}

func TestClientLifecycle(t *testing.T) {
	h := newTestHook(t)
	cl := newTestHookClient()

	h.OnSessionEstablished(cl, packets.Packet{})

	clients, err := h.StoredClients()
	require.NoError(t, err)
	require.Len(t, clients, 1)
	require.Equal(t, "zen", clients[0].ID)

	h.OnDisconnect(cl, nil, true)
	clients, err = h.StoredClients()
	require.NoError(t, err)
	require.Empty(t, clients)
}

func TestSubscriptionLifecycle(t *testing.T) {
	h := newTestHook(t)
	cl := newTestHookClient()

	h.OnSubscribed(cl, packets.Packet{
		Filters: packets.Subscriptions{{Filter: "a/b", Qos: 1}},
	}, []byte{1})

	subs, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "a/b", subs[0].Filter)
	require.Equal(t, byte(1), subs[0].Qos)

	h.OnUnsubscribed(cl, packets.Packet{
		Filters: packets.Subscriptions{{Filter: "a/b"}},
	})
	subs, err = h.StoredSubscriptions()
	require.NoError(t, err)
	require.Empty(t, subs)
}

func TestRetainedLifecycle(t *testing.T) {
	h := newTestHook(t)
	cl := newTestHookClient()

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
		TopicName:   "r/1",
		Payload:     []byte("hello"),
	}
	h.OnRetainMessage(cl, pk, 1)

	msgs, err := h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, []byte("hello"), msgs[0].Payload)

	h.OnRetainMessage(cl, pk, -1)
	msgs, err = h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestInflightLifecycle(t *testing.T) {
	h := newTestHook(t)
	cl := newTestHookClient()

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 2},
		TopicName:   "q/1",
		PacketID:    9,
	}
	h.OnQosPublish(cl, pk, 100, 0)

	msgs, err := h.StoredInflightMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	h.OnQosDropped(cl, pk)
	msgs, err = h.StoredInflightMessages()
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSysInfo(t *testing.T) {
	h := newTestHook(t)

	h.OnSysInfoTick(&system.Info{Version: "1.2.3"})

	info, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "1.2.3", info.Info.Version)
}
