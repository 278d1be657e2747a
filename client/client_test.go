// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package client

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxoz/mqtt/packets"
)

// fakeBroker accepts a single client over a pipe and answers the connect
// handshake, returning the broker side of the pipe for driving the test.
type fakeBroker struct {
	conn   net.Conn
	reader *bufio.Reader
}

func newFakeBroker(t *testing.T, sessionPresent bool) (*fakeBroker, *Client) {
	t.Helper()

	brokerEnd, clientEnd := net.Pipe()
	fb := &fakeBroker{conn: brokerEnd, reader: bufio.NewReader(brokerEnd)}

	handshake := make(chan error, 1)
	go func() {
		pk, err := fb.read()
		if err == nil && pk.FixedHeader.Type != packets.Connect {
			err = ErrProtocolViolation
		}
		if err == nil {
			err = fb.write(packets.Packet{
				FixedHeader:    packets.FixedHeader{Type: packets.Connack},
				SessionPresent: sessionPresent,
				ReturnCode:     packets.CodeAccepted.Code,
			})
		}
		handshake <- err
	}()

	cl, err := Dial(&Options{
		Dialer: func(ctx context.Context) (net.Conn, error) {
			return clientEnd, nil
		},
		ClientID: "test",
	})
	require.NoError(t, err)
	require.NoError(t, <-handshake)

	t.Cleanup(func() {
		go func() { _, _ = io.Copy(io.Discard, brokerEnd) }()
		_ = cl.Close()
		_ = brokerEnd.Close()
	})

	return fb, cl
}

func (fb *fakeBroker) read() (pk packets.Packet, err error) {
	b, err := fb.reader.ReadByte()
	if err != nil {
		return pk, err
	}

	err = pk.FixedHeader.Decode(b)
	if err != nil {
		return pk, err
	}

	pk.FixedHeader.Remaining, _, err = packets.DecodeLength(fb.reader)
	if err != nil {
		return pk, err
	}

	p := make([]byte, pk.FixedHeader.Remaining)
	_, err = io.ReadFull(fb.reader, p)
	if err != nil {
		return pk, err
	}

	return pk, pk.Decode(p)
}

func (fb *fakeBroker) write(pk packets.Packet) error {
	buf := new(bytes.Buffer)
	if err := pk.Encode(buf); err != nil {
		return err
	}
	_, err := fb.conn.Write(buf.Bytes())
	return err
}

func TestClientPublishQos0ReturnsImmediately(t *testing.T) {
	fb, cl := newFakeBroker(t, false)

	require.NoError(t, cl.Publish(0, false, "a/b", []byte("hi")))

	pk, err := fb.read()
	require.NoError(t, err)
	require.Equal(t, packets.Publish, pk.FixedHeader.Type)
	require.Equal(t, "a/b", pk.TopicName)
	require.Equal(t, uint16(0), pk.PacketID)
}

func TestClientPublishQos1BlocksUntilPuback(t *testing.T) {
	fb, cl := newFakeBroker(t, false)

	result := make(chan error, 1)
	go func() {
		result <- cl.Publish(1, false, "a/b", []byte("hi"))
	}()

	pk, err := fb.read()
	require.NoError(t, err)
	require.Equal(t, packets.Publish, pk.FixedHeader.Type)
	require.NotZero(t, pk.PacketID)

	select {
	case <-result:
		t.Fatal("publish returned before the puback arrived")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, fb.write(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Puback},
		PacketID:    pk.PacketID,
	}))

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("publish did not unblock on puback")
	}
}

func TestClientPublishQos2FullExchange(t *testing.T) {
	fb, cl := newFakeBroker(t, false)

	result := make(chan error, 1)
	go func() {
		result <- cl.Publish(2, false, "x", []byte("P"))
	}()

	pk, err := fb.read()
	require.NoError(t, err)
	require.Equal(t, byte(2), pk.FixedHeader.Qos)

	require.NoError(t, fb.write(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
		PacketID:    pk.PacketID,
	}))

	rel, err := fb.read()
	require.NoError(t, err)
	require.Equal(t, packets.Pubrel, rel.FixedHeader.Type)
	require.Equal(t, pk.PacketID, rel.PacketID)

	select {
	case <-result:
		t.Fatal("publish returned before the pubcomp arrived")
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, fb.write(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubcomp},
		PacketID:    pk.PacketID,
	}))

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("publish did not unblock on pubcomp")
	}
}

func TestClientSubscribeBlocksUntilSuback(t *testing.T) {
	fb, cl := newFakeBroker(t, false)

	grants := make(chan []byte, 1)
	go func() {
		g, err := cl.Subscribe(packets.Subscription{Filter: "a/#", Qos: 1})
		if err == nil {
			grants <- g
		}
	}()

	pk, err := fb.read()
	require.NoError(t, err)
	require.Equal(t, packets.Subscribe, pk.FixedHeader.Type)
	require.Equal(t, "a/#", pk.Filters[0].Filter)

	require.NoError(t, fb.write(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Suback},
		PacketID:    pk.PacketID,
		ReasonCodes: []byte{1},
	}))

	select {
	case g := <-grants:
		require.Equal(t, []byte{1}, g)
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe did not unblock on suback")
	}
}

func TestClientUnsubscribeBlocksUntilUnsuback(t *testing.T) {
	fb, cl := newFakeBroker(t, false)

	done := make(chan error, 1)
	go func() {
		done <- cl.Unsubscribe("a/#")
	}()

	pk, err := fb.read()
	require.NoError(t, err)
	require.Equal(t, packets.Unsubscribe, pk.FixedHeader.Type)

	require.NoError(t, fb.write(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsuback},
		PacketID:    pk.PacketID,
	}))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("unsubscribe did not unblock on unsuback")
	}
}

func TestClientInboundQos1Acknowledged(t *testing.T) {
	fb, cl := newFakeBroker(t, false)
	messages := cl.Messages()

	require.NoError(t, fb.write(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 1},
		TopicName:   "in",
		PacketID:    8,
		Payload:     []byte("m"),
	}))

	ack, err := fb.read()
	require.NoError(t, err)
	require.Equal(t, packets.Puback, ack.FixedHeader.Type)
	require.Equal(t, uint16(8), ack.PacketID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pk, err := messages.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "in", pk.TopicName)
}

func TestClientInboundQos2Deduplicated(t *testing.T) {
	fb, cl := newFakeBroker(t, false)
	messages := cl.Messages()

	in := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Qos: 2},
		TopicName:   "in",
		PacketID:    9,
		Payload:     []byte("m"),
	}

	require.NoError(t, fb.write(in))
	rec, err := fb.read()
	require.NoError(t, err)
	require.Equal(t, packets.Pubrec, rec.FixedHeader.Type)

	// a duplicate delivery before the pubrel is acknowledged but not
	// delivered a second time
	dup := in
	dup.FixedHeader.Dup = true
	require.NoError(t, fb.write(dup))
	rec, err = fb.read()
	require.NoError(t, err)
	require.Equal(t, packets.Pubrec, rec.FixedHeader.Type)

	require.NoError(t, fb.write(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
		PacketID:    9,
	}))
	comp, err := fb.read()
	require.NoError(t, err)
	require.Equal(t, packets.Pubcomp, comp.FixedHeader.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pk, err := messages.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "in", pk.TopicName)

	_, ok := messages.TryNext()
	require.False(t, ok) // delivered exactly once
}

func TestClientCloseAbandonsSubmissions(t *testing.T) {
	fb, cl := newFakeBroker(t, false)

	result := make(chan error, 1)
	go func() {
		result <- cl.Publish(1, false, "a/b", []byte("hi"))
	}()

	_, err := fb.read() // the publish reaches the wire
	require.NoError(t, err)

	require.NoError(t, cl.Close())

	select {
	case err := <-result:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("publish was not abandoned on close")
	}
}

func TestClientOptionsDefaults(t *testing.T) {
	o := new(Options)
	o.ensureDefaults()
	require.NotEmpty(t, o.ClientID)
	require.NotZero(t, o.ReconnectBackoff)
	require.NotZero(t, o.ConnectTimeout)
	require.NotNil(t, o.Logger)
}
