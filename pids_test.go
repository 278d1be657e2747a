// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPacketIDsNext(t *testing.T) {
	p := NewPacketIDs()

	id, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, uint16(1), id)

	id, err = p.Next()
	require.NoError(t, err)
	require.Equal(t, uint16(2), id)
	require.Equal(t, 2, p.Len())
}

func TestPacketIDsNextSkipsClaimed(t *testing.T) {
	p := NewPacketIDs()
	require.True(t, p.Claim(1))
	require.True(t, p.Claim(2))
	require.False(t, p.Claim(2))
	require.False(t, p.Claim(0))

	id, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, uint16(3), id)
}

func TestPacketIDsFreeAndReuse(t *testing.T) {
	p := NewPacketIDs()

	id, err := p.Next()
	require.NoError(t, err)
	p.Free(id)
	require.Equal(t, 0, p.Len())

	// the cursor rotates, so the freed slot is not issued until wraparound
	next, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, uint16(2), next)

	p.Free(99) // freeing an unknown id is a no-op
	require.Equal(t, 1, p.Len())
}

func TestPacketIDsExhaustion(t *testing.T) {
	p := NewPacketIDs()
	for i := 1; i <= 65535; i++ {
		p.Claim(uint16(i))
	}

	_, err := p.Next()
	require.ErrorIs(t, err, ErrPacketIDsExhausted)
}

func TestPacketIDsNextOrWaitUnblocksOnFree(t *testing.T) {
	p := NewPacketIDs()
	for i := 1; i <= 65535; i++ {
		p.Claim(uint16(i))
	}

	got := make(chan uint16, 1)
	go func() {
		id, err := p.NextOrWait(context.Background())
		if err == nil {
			got <- id
		}
	}()

	time.Sleep(10 * time.Millisecond) // let the waiter block
	p.Free(500)

	select {
	case id := <-got:
		require.Equal(t, uint16(500), id)
	case <-time.After(time.Second):
		t.Fatal("waiter was not unblocked by free")
	}
}

func TestPacketIDsNextOrWaitContextCancel(t *testing.T) {
	p := NewPacketIDs()
	for i := 1; i <= 65535; i++ {
		p.Claim(uint16(i))
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := p.NextOrWait(ctx)
		errCh <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("waiter was not unblocked by cancellation")
	}
}

func TestPacketIDsWraparound(t *testing.T) {
	p := NewPacketIDs()
	p.cursor = 65534

	id, err := p.Next()
	require.NoError(t, err)
	require.Equal(t, uint16(65535), id)

	id, err = p.Next()
	require.NoError(t, err)
	require.Equal(t, uint16(1), id) // zero is never issued
}
