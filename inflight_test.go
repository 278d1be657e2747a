// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package mqtt

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voxoz/mqtt/packets"
)

func TestInflightSet(t *testing.T) {
	i := NewInflights()

	r := i.Set(InflightMessage{Packet: packets.Packet{PacketID: 1}, State: AwaitingPuback})
	require.True(t, r)
	require.Equal(t, 1, i.Len())

	r = i.Set(InflightMessage{Packet: packets.Packet{PacketID: 1}, State: AwaitingPuback})
	require.False(t, r)
	require.Equal(t, 1, i.Len())
}

func TestInflightGet(t *testing.T) {
	i := NewInflights()
	i.Set(InflightMessage{Packet: packets.Packet{PacketID: 2}, State: AwaitingPubrec})

	m, ok := i.Get(2)
	require.True(t, ok)
	require.Equal(t, uint16(2), m.Packet.PacketID)
	require.Equal(t, AwaitingPubrec, m.State)

	_, ok = i.Get(99)
	require.False(t, ok)
}

func TestInflightSetState(t *testing.T) {
	i := NewInflights()
	i.Set(InflightMessage{Packet: packets.Packet{PacketID: 2}, State: AwaitingPubrec})

	require.True(t, i.SetState(2, AwaitingPubcomp))
	m, _ := i.Get(2)
	require.Equal(t, AwaitingPubcomp, m.State)

	require.False(t, i.SetState(3, AwaitingPubcomp))
}

func TestInflightTakeAndDelete(t *testing.T) {
	i := NewInflights()
	i.Set(InflightMessage{Packet: packets.Packet{PacketID: 3}})

	m, ok := i.Take(3)
	require.True(t, ok)
	require.Equal(t, uint16(3), m.Packet.PacketID)
	require.Equal(t, 0, i.Len())

	_, ok = i.Take(3)
	require.False(t, ok)

	i.Set(InflightMessage{Packet: packets.Packet{PacketID: 4}})
	require.True(t, i.Delete(4))
	require.False(t, i.Delete(4))
}

func TestInflightCompleteSignalsSubmitter(t *testing.T) {
	i := NewInflights()
	m := NewInflightMessage(packets.Packet{PacketID: 5}, AwaitingPuback)
	i.Set(m)

	_, ok := i.Complete(5, nil)
	require.True(t, ok)

	select {
	case err := <-m.Done():
		require.NoError(t, err)
	default:
		t.Fatal("completion signal was not delivered")
	}
}

func TestInflightAbandonAll(t *testing.T) {
	i := NewInflights()
	errAbandoned := errors.New("abandoned")

	m1 := NewInflightMessage(packets.Packet{PacketID: 1}, AwaitingPuback)
	m2 := NewInflightMessage(packets.Packet{PacketID: 2}, AwaitingPubcomp)
	i.Set(m1)
	i.Set(m2)

	i.AbandonAll(errAbandoned)
	require.Equal(t, 0, i.Len())

	require.ErrorIs(t, <-m1.Done(), errAbandoned)
	require.ErrorIs(t, <-m2.Done(), errAbandoned)
}

func TestInflightGetAllOrdered(t *testing.T) {
	i := NewInflights()
	i.Set(InflightMessage{Packet: packets.Packet{PacketID: 1, Created: 3}})
	i.Set(InflightMessage{Packet: packets.Packet{PacketID: 2, Created: 1}})
	i.Set(InflightMessage{Packet: packets.Packet{PacketID: 3, Created: 2}})

	all := i.GetAll()
	require.Len(t, all, 3)
	require.Equal(t, uint16(2), all[0].Packet.PacketID)
	require.Equal(t, uint16(3), all[1].Packet.PacketID)
	require.Equal(t, uint16(1), all[2].Packet.PacketID)
}

func TestInflightCloneSharesSignals(t *testing.T) {
	i := NewInflights()
	m := NewInflightMessage(packets.Packet{PacketID: 9}, AwaitingPuback)
	i.Set(m)

	c := i.Clone()
	require.Equal(t, 1, c.Len())

	c.Complete(9, nil)
	select {
	case err := <-m.Done():
		require.NoError(t, err)
	default:
		t.Fatal("cloned entry does not share the completion signal")
	}
}
