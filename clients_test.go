// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package mqtt

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxoz/mqtt/packets"
)

// newTestClient returns a client attached to one end of a pipe, along with
// the peer end for driving the connection in tests.
func newTestClient(s *Server) (cl *Client, peer net.Conn) {
	peer, conn := net.Pipe()
	cl = s.NewClient(conn, "t1", "zen")
	return cl, peer
}

func newTestServer() *Server {
	s := New(&Options{
		Capabilities: &Capabilities{
			MaximumClients:             10,
			MaximumClientWritesPending: 8,
			BestEffortQueueSize:        2,
			GuaranteedQueueSize:        2,
			MaximumQos:                 2,
		},
	})
	return s
}

func TestClientsAddGetRemove(t *testing.T) {
	s := newTestServer()
	cl, _ := newTestClient(s)

	s.Clients.Add(cl)
	got, ok := s.Clients.Get("zen")
	require.True(t, ok)
	require.Equal(t, cl, got)

	byKey, ok := s.Clients.GetByKey(cl.Key)
	require.True(t, ok)
	require.Equal(t, cl, byKey)
	require.Equal(t, 1, s.Clients.Len())

	s.Clients.Remove(cl)
	_, ok = s.Clients.Get("zen")
	require.False(t, ok)
	_, ok = s.Clients.GetByKey(cl.Key)
	require.False(t, ok)
}

func TestClientsRemoveKeepsSuccessor(t *testing.T) {
	s := newTestServer()
	old, _ := newTestClient(s)
	successor, _ := newTestClient(s)
	require.NotEqual(t, old.Key, successor.Key)

	s.Clients.Add(old)
	s.Clients.Add(successor) // same id, replaces the id index

	s.Clients.Remove(old)
	got, ok := s.Clients.Get("zen")
	require.True(t, ok)
	require.Equal(t, successor, got)
	_, ok = s.Clients.GetByKey(old.Key)
	require.False(t, ok)
	_, ok = s.Clients.GetByKey(successor.Key)
	require.True(t, ok)
}

func TestClientsNextKeyMonotonic(t *testing.T) {
	cls := NewClients()
	a := cls.NextKey()
	b := cls.NextKey()
	require.Greater(t, b, a)
}

func TestClientParseConnect(t *testing.T) {
	s := newTestServer()
	cl, _ := newTestClient(s)

	cl.ParseConnect("t1", packets.Packet{
		Connect: packets.ConnectParams{
			ClientIdentifier: "fruity",
			Clean:            true,
			Keepalive:        20,
			Username:         []byte("u"),
			WillFlag:         true,
			WillTopic:        "lwt",
			WillPayload:      []byte("gone"),
			WillQos:          1,
			WillRetain:       true,
		},
	})

	require.Equal(t, "fruity", cl.ID)
	require.True(t, cl.Properties.Clean)
	require.Equal(t, uint16(20), cl.State.Keepalive)
	require.Equal(t, uint32(1), cl.Properties.Will.Flag)
	require.Equal(t, "lwt", cl.Properties.Will.TopicName)
	require.Equal(t, byte(1), cl.Properties.Will.Qos)
}

func TestClientParseConnectAssignsID(t *testing.T) {
	s := newTestServer()
	cl, _ := newTestClient(s)

	cl.ParseConnect("t1", packets.Packet{
		Connect: packets.ConnectParams{Clean: true},
	})

	require.NotEmpty(t, cl.ID)
}

func TestClientEnqueueBestEffortDropsNewestOnOverflow(t *testing.T) {
	s := newTestServer()
	cl, _ := newTestClient(s)

	require.True(t, cl.EnqueueBestEffort(packets.Packet{TopicName: "a"}))
	require.True(t, cl.EnqueueBestEffort(packets.Packet{TopicName: "b"}))
	require.False(t, cl.EnqueueBestEffort(packets.Packet{TopicName: "c"})) // queue bound is 2

	// the overflowing message was dropped; the queued ones are intact
	pk := <-cl.State.bestEffort
	require.Equal(t, "a", pk.TopicName)
	pk = <-cl.State.bestEffort
	require.Equal(t, "b", pk.TopicName)
}

func TestClientEnqueueGuaranteedOverflowIsFatal(t *testing.T) {
	s := newTestServer()
	cl, _ := newTestClient(s)

	require.NoError(t, cl.EnqueueGuaranteed(packets.Packet{TopicName: "a"}))
	require.NoError(t, cl.EnqueueGuaranteed(packets.Packet{TopicName: "b"}))
	require.ErrorIs(t, cl.EnqueueGuaranteed(packets.Packet{TopicName: "c"}), ErrGuaranteedQueueFull)
}

func TestClientStop(t *testing.T) {
	s := newTestServer()
	cl, _ := newTestClient(s)

	cl.Stop(ErrSessionTakenOver)
	require.True(t, cl.Closed())
	require.ErrorIs(t, cl.StopCause(), ErrSessionTakenOver)
	require.NotZero(t, cl.StopTime())

	// stopping twice preserves the original cause
	cl.Stop(ErrConnectionClosed)
	require.ErrorIs(t, cl.StopCause(), ErrSessionTakenOver)

	select {
	case <-cl.StopDone():
	case <-time.After(time.Second):
		t.Fatal("stop done channel was not closed for an unattached client")
	}
}

func TestClientClearInflights(t *testing.T) {
	s := newTestServer()
	cl, _ := newTestClient(s)

	m := NewInflightMessage(packets.Packet{PacketID: 7}, AwaitingPuback)
	cl.State.Inflight.Set(m)
	cl.State.PacketIDs.Claim(7)
	cl.State.InflightIn.Set(InflightMessage{Packet: packets.Packet{PacketID: 8}, State: NotReleased})
	cl.State.PacketIDs.Claim(8)

	cl.ClearInflights(ErrConnectionClosed)
	require.Equal(t, 0, cl.State.Inflight.Len())
	require.Equal(t, 0, cl.State.InflightIn.Len())
	require.Equal(t, 0, cl.State.PacketIDs.Len())
	require.ErrorIs(t, <-m.Done(), ErrConnectionClosed)
}

func TestClientWritePacketDirect(t *testing.T) {
	s := newTestServer()
	cl, peer := newTestClient(s)

	go func() {
		_ = cl.WritePacket(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pingresp},
		})
	}()

	buf := make([]byte, 2)
	_ = peer.SetReadDeadline(time.Now().Add(time.Second))
	_, err := peer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, []byte{packets.Pingresp << 4, 0}, buf)
}

func TestClientReadPacket(t *testing.T) {
	s := newTestServer()
	cl, peer := newTestClient(s)

	go func() {
		_, _ = peer.Write([]byte{packets.Pingreq << 4, 0})
	}()

	pk, err := cl.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, packets.Pingreq, pk.FixedHeader.Type)
}

func TestClientWritePacketClosed(t *testing.T) {
	s := newTestServer()
	cl, _ := newTestClient(s)
	cl.Stop(nil)

	err := cl.WritePacket(packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}})
	require.ErrorIs(t, err, ErrConnectionClosed)
}
