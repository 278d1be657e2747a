// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package bolt

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	mqtt "github.com/voxoz/mqtt"
	"github.com/voxoz/mqtt/packets"
	"github.com/voxoz/mqtt/system"
)

var logger = slog.New(slog.NewTextHandler(os.Stdout, nil))

func newTestHook(t *testing.T) *Hook {
	t.Helper()

	h := new(Hook)
	h.SetOpts(logger, new(mqtt.HookOptions))

	err := h.Init(&Options{
		Path: filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)
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
	cl.Properties.Clean = false
	return cl
}

func TestHookIDAndProvides(t *testing.T) {
	h := new(Hook)
	require.Equal(t, "bolt-db", h.ID())
	require.True(t, h.Provides(mqtt.OnSessionEstablished))
	require.True(t, h.Provides(mqtt.StoredClients))
	require.False(t, h.Provides(mqtt.OnConnectAuthenticate))
}

func TestInitBadConfig(t *testing.T) {
	h := new(Hook)
	require.Error(t, h.Init(map[string]any{}))
}

func TestClientLifecycle(t *testing.T) {
	h := newTestHook(t)
	cl := newTestHookClient()

	h.OnSessionEstablished(cl, packets.Packet{})

	clients, err := h.StoredClients()
	require.NoError(t, err)
	require.Len(t, clients, 1)
	require.Equal(t, "zen", clients[0].ID)
	require.Equal(t, []byte("fern"), clients[0].Username)

	// a persistent disconnect keeps the client record
	h.OnDisconnect(cl, nil, false)
	clients, err = h.StoredClients()
	require.NoError(t, err)
	require.Len(t, clients, 1)

	// an expiring disconnect removes it
	h.OnDisconnect(cl, nil, true)
	clients, err = h.StoredClients()
	require.NoError(t, err)
	require.Empty(t, clients)
}

func TestSubscriptionLifecycle(t *testing.T) {
	h := newTestHook(t)
	cl := newTestHookClient()

	pk := packets.Packet{
		Filters: packets.Subscriptions{
			{Filter: "a/b", Qos: 1},
			{Filter: "c/d", Qos: 0},
		},
	}
	h.OnSubscribed(cl, pk, []byte{1, 0})

	subs, err := h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 2)

	h.OnUnsubscribed(cl, packets.Packet{
		Filters: packets.Subscriptions{{Filter: "a/b"}},
	})

	subs, err = h.StoredSubscriptions()
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, "c/d", subs[0].Filter)
}

func TestSubscribedFailureCodesNotStored(t *testing.T) {
	h := newTestHook(t)
	cl := newTestHookClient()

	h.OnSubscribed(cl, packets.Packet{
		Filters: packets.Subscriptions{{Filter: "a/b", Qos: 1}},
	}, []byte{packets.CodeSubFailure.Code})

	subs, err := h.StoredSubscriptions()
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
	require.Equal(t, "r/1", msgs[0].TopicName)

	h.OnRetainMessage(cl, pk, -1)
	msgs, err = h.StoredRetainedMessages()
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestInflightLifecycle(t *testing.T) {
	h := newTestHook(t)
	cl := newTestHookClient()

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		TopicName:   "q/1",
		PacketID:    4,
		Payload:     []byte("x"),
	}
	h.OnQosPublish(cl, pk, 100, 0)

	msgs, err := h.StoredInflightMessages()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, uint16(4), msgs[0].PacketID)

	h.OnQosComplete(cl, pk)
	msgs, err = h.StoredInflightMessages()
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSysInfo(t *testing.T) {
	h := newTestHook(t)

	h.OnSysInfoTick(&system.Info{Version: "1.2.3", Uptime: 7})

	info, err := h.StoredSysInfo()
	require.NoError(t, err)
	require.Equal(t, "1.2.3", info.Info.Version)
	require.Equal(t, int64(7), info.Info.Uptime)
}
