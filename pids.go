// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package mqtt

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrPacketIDsExhausted is returned when all 65535 packet ids are in use.
	ErrPacketIDsExhausted = errors.New("packet ids exhausted")
)

// PacketIDs assigns and reclaims the 16 bit packet identifiers of a session.
// Identifiers are issued from a rotating cursor over [1, 65535], skipping any
// which are still held by an in-flight message.
type PacketIDs struct {
	mu     sync.Mutex
	cond   *sync.Cond
	used   map[uint16]struct{}
	cursor uint16
}

// NewPacketIDs returns a new instance of PacketIDs.
func NewPacketIDs() *PacketIDs {
	p := &PacketIDs{
		used: map[uint16]struct{}{},
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Next issues the next free packet identifier. It returns
// ErrPacketIDsExhausted if every identifier is currently in use.
func (p *PacketIDs) Next() (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next()
}

// next scans from the cursor for a free slot. Callers must hold the mutex.
func (p *PacketIDs) next() (uint16, error) {
	if len(p.used) >= 65535 {
		return 0, ErrPacketIDsExhausted
	}

	for i := 0; i < 65535; i++ {
		p.cursor++
		if p.cursor == 0 { // [MQTT-2.3.1-1] packet ids must be non-zero
			p.cursor = 1
		}

		if _, ok := p.used[p.cursor]; !ok {
			p.used[p.cursor] = struct{}{}
			return p.cursor, nil
		}
	}

	return 0, ErrPacketIDsExhausted
}

// NextOrWait issues the next free packet identifier, blocking until one is
// reclaimed if the identifier space is exhausted, or until ctx is done.
func (p *PacketIDs) NextOrWait(ctx context.Context) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.cond.Broadcast()
	})
	defer stop()

	for {
		id, err := p.next()
		if err == nil {
			return id, nil
		}

		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		p.cond.Wait()
	}
}

// Claim marks a specific identifier as in use, returning false if it was
// already held. Used when inheriting persisted in-flight messages and when
// recording the identifiers of inbound qos 2 messages.
func (p *PacketIDs) Claim(id uint16) bool {
	if id == 0 {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.used[id]; ok {
		return false
	}

	p.used[id] = struct{}{}
	return true
}

// Free reclaims an identifier once its in-flight state reaches a terminal
// transition, waking any submitters blocked in NextOrWait.
func (p *PacketIDs) Free(id uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.used[id]; !ok {
		return
	}

	delete(p.used, id)
	p.cond.Broadcast()
}

// Len returns the number of identifiers currently in use.
func (p *PacketIDs) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
