// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package mqtt_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	mqtt "github.com/voxoz/mqtt"
	"github.com/voxoz/mqtt/client"
	"github.com/voxoz/mqtt/hooks/auth"
	"github.com/voxoz/mqtt/listeners"
	"github.com/voxoz/mqtt/packets"
)

// startBroker starts a broker on an ephemeral tcp port and returns its
// address and the server; the broker is closed when the test ends.
func startBroker(t *testing.T, opts *mqtt.Options) (addr string, s *mqtt.Server) {
	t.Helper()

	s = mqtt.New(opts)
	require.NoError(t, s.AddHook(new(auth.AllowHook), nil))

	tcp := listeners.NewTCP(listeners.Config{ID: "t1", Address: "127.0.0.1:0"})
	require.NoError(t, s.AddListener(tcp))
	require.NoError(t, s.Serve())

	t.Cleanup(func() {
		_ = s.Close()
	})

	return tcp.Address(), s
}

func dialTestClient(t *testing.T, addr, id string, clean bool) *client.Client {
	t.Helper()
	cl, err := client.Dial(&client.Options{
		Server:       "tcp://" + addr,
		ClientID:     id,
		CleanSession: clean,
		KeepAlive:    30,
	})
	require.NoError(t, err)
	return cl
}

func TestQos0FanOut(t *testing.T) {
	addr, _ := startBroker(t, nil)

	s1 := dialTestClient(t, addr, "s1", true)
	defer s1.Close()
	s2 := dialTestClient(t, addr, "s2", true)
	defer s2.Close()
	pub := dialTestClient(t, addr, "pub", true)
	defer pub.Close()

	_, err := s1.Subscribe(packets.Subscription{Filter: "a/+", Qos: 0})
	require.NoError(t, err)
	_, err = s2.Subscribe(packets.Subscription{Filter: "#", Qos: 0})
	require.NoError(t, err)

	m1 := s1.Messages()
	m2 := s2.Messages()

	require.NoError(t, pub.Publish(0, false, "a/b", []byte("hi")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, m := range []*client.Cursor{m1, m2} {
		pk, err := m.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, "a/b", pk.TopicName)
		require.Equal(t, []byte("hi"), pk.Payload)
		require.Equal(t, byte(0), pk.FixedHeader.Qos)
	}
}

func TestQos2FullHandshake(t *testing.T) {
	addr, s := startBroker(t, nil)

	sub := dialTestClient(t, addr, "sub", true)
	defer sub.Close()
	pub := dialTestClient(t, addr, "pub", true)
	defer pub.Close()

	grants, err := sub.Subscribe(packets.Subscription{Filter: "x", Qos: 2})
	require.NoError(t, err)
	require.Equal(t, []byte{2}, grants)

	messages := sub.Messages()

	// blocks until the pubcomp arrives
	require.NoError(t, pub.Publish(2, false, "x", []byte("P")))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pk, err := messages.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "x", pk.TopicName)
	require.Equal(t, []byte("P"), pk.Payload)
	require.Equal(t, byte(2), pk.FixedHeader.Qos)

	// both ends settle with no in-flight state remaining on the publisher side
	require.Eventually(t, func() bool {
		cl, ok := s.Clients.Get("pub")
		return ok && cl.State.InflightIn.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSessionTakeover(t *testing.T) {
	addr, s := startBroker(t, nil)

	witness := dialTestClient(t, addr, "witness", true)
	defer witness.Close()
	_, err := witness.Subscribe(packets.Subscription{Filter: "wills/#", Qos: 0})
	require.NoError(t, err)
	witnessed := witness.Messages()

	a, err := client.Dial(&client.Options{
		Server:       "tcp://" + addr,
		ClientID:     "c",
		CleanSession: false,
		KeepAlive:    30,
		WillTopic:    "wills/c",
		WillPayload:  []byte("crashed"),
	})
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Subscribe(packets.Subscription{Filter: "t/#", Qos: 1})
	require.NoError(t, err)

	// the same client id reconnects without a disconnect packet: takeover
	a2 := dialTestClient(t, addr, "c", false)
	defer a2.Close()

	// the subscription survived the takeover
	require.Eventually(t, func() bool {
		cl, ok := s.Clients.Get("c")
		if !ok {
			return false
		}
		_, ok = cl.State.Subscriptions.Get("t/#")
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	// the will of the superseded connection was not published
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err = witnessed.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWillPublishedOnAbnormalDisconnect(t *testing.T) {
	addr, _ := startBroker(t, nil)

	witness := dialTestClient(t, addr, "witness", true)
	defer witness.Close()
	_, err := witness.Subscribe(packets.Subscription{Filter: "wills/#", Qos: 0})
	require.NoError(t, err)
	witnessed := witness.Messages()

	// connect a raw client with a will, then sever the connection without
	// a disconnect packet.
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	connect := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect: packets.ConnectParams{
			ProtocolName:     []byte("MQTT"),
			ProtocolVersion:  4,
			ClientIdentifier: "doomed",
			Clean:            true,
			WillFlag:         true,
			WillTopic:        "wills/doomed",
			WillPayload:      []byte("gone"),
		},
	}
	writeRawPacket(t, conn, connect)
	readRawPacket(t, conn) // connack

	_ = conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pk, err := witnessed.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "wills/doomed", pk.TopicName)
	require.Equal(t, []byte("gone"), pk.Payload)
}

func TestWildcardExcludesDollarTopics(t *testing.T) {
	addr, s := startBroker(t, nil)

	all := dialTestClient(t, addr, "all", true)
	defer all.Close()
	sys := dialTestClient(t, addr, "sys", true)
	defer sys.Close()

	_, err := all.Subscribe(packets.Subscription{Filter: "#", Qos: 0})
	require.NoError(t, err)
	_, err = sys.Subscribe(packets.Subscription{Filter: "$internal/#", Qos: 0})
	require.NoError(t, err)

	allMsgs := all.Messages()
	sysMsgs := sys.Messages()

	require.NoError(t, s.Publish("$internal/info", []byte("secret"), false, 0))
	require.NoError(t, s.Publish("plain/info", []byte("public"), false, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pk, err := sysMsgs.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "$internal/info", pk.TopicName)

	// the root wildcard subscriber sees only the plain topic
	pk, err = allMsgs.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "plain/info", pk.TopicName)
}

func TestKeepaliveTimeout(t *testing.T) {
	addr, _ := startBroker(t, nil)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	connect := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect: packets.ConnectParams{
			ProtocolName:     []byte("MQTT"),
			ProtocolVersion:  4,
			ClientIdentifier: "sleepy",
			Clean:            true,
			Keepalive:        1,
		},
	}
	writeRawPacket(t, conn, connect)
	readRawPacket(t, conn) // connack

	// send nothing further; the broker tears the connection down after
	// 1.5x the keepalive interval.
	start := time.Now()
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	require.Error(t, err)

	elapsed := time.Since(start)
	require.GreaterOrEqual(t, elapsed, 1400*time.Millisecond)
	require.Less(t, elapsed, 5*time.Second)
}

func TestRetainedMessageReplay(t *testing.T) {
	addr, _ := startBroker(t, nil)

	pub := dialTestClient(t, addr, "pub", true)
	defer pub.Close()
	require.NoError(t, pub.Publish(1, true, "state/lamp", []byte("on")))

	late := dialTestClient(t, addr, "late", true)
	defer late.Close()
	messages := late.Messages()

	_, err := late.Subscribe(packets.Subscription{Filter: "state/#", Qos: 0})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pk, err := messages.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "state/lamp", pk.TopicName)
	require.Equal(t, []byte("on"), pk.Payload)
	require.True(t, pk.FixedHeader.Retain)
}

func TestPersistentSessionResume(t *testing.T) {
	addr, s := startBroker(t, nil)

	a := dialTestClient(t, addr, "keeper", false)
	_, err := a.Subscribe(packets.Subscription{Filter: "q/#", Qos: 1})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	// while detached, a message is routed to the session's guaranteed queue
	require.Eventually(t, func() bool {
		cl, ok := s.Clients.Get("keeper")
		return ok && cl.Closed()
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Publish("q/1", []byte("queued"), false, 1))

	// the resumed session receives the queued message
	b := dialTestClient(t, addr, "keeper", false)
	defer b.Close()
	messages := b.Messages()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pk, err := messages.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "q/1", pk.TopicName)
	require.Equal(t, []byte("queued"), pk.Payload)
	require.Equal(t, byte(1), pk.FixedHeader.Qos)
}

// writeRawPacket encodes and writes a packet over a raw connection.
func writeRawPacket(t *testing.T, conn net.Conn, pk packets.Packet) {
	t.Helper()
	buf := new(bytes.Buffer)
	require.NoError(t, pk.Encode(buf))
	_, err := conn.Write(buf.Bytes())
	require.NoError(t, err)
}

// readRawPacket reads one packet frame from a raw connection, returning the
// raw bytes.
func readRawPacket(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	head := make([]byte, 2)
	_, err := conn.Read(head)
	require.NoError(t, err)

	body := make([]byte, head[1])
	if head[1] > 0 {
		_, err = conn.Read(body)
		require.NoError(t, err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	return append(head, body...)
}
