// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/voxoz/mqtt/packets"
)

func TestStreamSubscribeAndNext(t *testing.T) {
	s := NewStream()
	c := s.Subscribe()

	s.publish(packets.Packet{TopicName: "a"})
	s.publish(packets.Packet{TopicName: "b"})

	ctx := context.Background()
	pk, err := c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "a", pk.TopicName)

	pk, err = c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "b", pk.TopicName)
}

func TestStreamCursorStartsAtSubscription(t *testing.T) {
	s := NewStream()
	s.publish(packets.Packet{TopicName: "before"})

	c := s.Subscribe()
	s.publish(packets.Packet{TopicName: "after"})

	pk, ok := c.TryNext()
	require.True(t, ok)
	require.Equal(t, "after", pk.TopicName)

	_, ok = c.TryNext()
	require.False(t, ok)
}

func TestStreamForkIsIndependent(t *testing.T) {
	s := NewStream()
	a := s.Subscribe()

	s.publish(packets.Packet{TopicName: "one"})
	b := a.Fork()

	ctx := context.Background()
	pk, err := a.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "one", pk.TopicName)

	// the fork still observes the message its parent consumed
	pk, err = b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "one", pk.TopicName)

	s.publish(packets.Packet{TopicName: "two"})
	pk, err = a.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "two", pk.TopicName)
	pk, err = b.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "two", pk.TopicName)
}

func TestStreamSlowCursorDoesNotBlockPublisher(t *testing.T) {
	s := NewStream()
	slow := s.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			s.publish(packets.Packet{PacketID: uint16(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher was blocked by a slow cursor")
	}

	// the slow cursor retains the entire unread prefix
	ctx := context.Background()
	for i := 0; i < 10000; i++ {
		pk, err := slow.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, uint16(i), pk.PacketID)
	}
}

func TestStreamNextContextCancel(t *testing.T) {
	s := NewStream()
	c := s.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := c.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
