// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package client

import (
	"context"
	"sync"

	"github.com/voxoz/mqtt/packets"
)

// Stream is a fan-out of the inbound publish stream, implemented as an
// append-only linked list with a mutable empty tail. Each cursor holds its
// own position; the publisher only ever appends, so a slow cursor retains its
// unread suffix without ever blocking the input task.
type Stream struct {
	mu   sync.Mutex
	tail *streamNode
}

// streamNode is one cell of the stream. The ready channel closes once the
// cell's message and successor are set, at which point both are immutable.
type streamNode struct {
	msg   packets.Packet
	next  *streamNode
	ready chan struct{}
}

// NewStream returns a new instance of Stream.
func NewStream() *Stream {
	return &Stream{
		tail: &streamNode{ready: make(chan struct{})},
	}
}

// publish appends a message to the stream, waking all cursors waiting on the
// current tail.
func (s *Stream) publish(pk packets.Packet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := &streamNode{ready: make(chan struct{})}
	s.tail.msg = pk
	s.tail.next = next
	close(s.tail.ready)
	s.tail = next
}

// Subscribe returns a cursor positioned at the current end of the stream;
// only messages published after this point are observed.
func (s *Stream) Subscribe() *Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Cursor{node: s.tail}
}

// Cursor is an independent observer of a Stream.
type Cursor struct {
	node *streamNode
}

// Fork returns a new cursor at the same position; the two advance
// independently thereafter.
func (c *Cursor) Fork() *Cursor {
	return &Cursor{node: c.node}
}

// Next blocks until a message is available at the cursor position and
// advances past it.
func (c *Cursor) Next(ctx context.Context) (packets.Packet, error) {
	select {
	case <-c.node.ready:
		pk := c.node.msg
		c.node = c.node.next
		return pk, nil
	case <-ctx.Done():
		return packets.Packet{}, ctx.Err()
	}
}

// TryNext returns the next message without blocking, reporting whether one
// was available.
func (c *Cursor) TryNext() (packets.Packet, bool) {
	select {
	case <-c.node.ready:
		pk := c.node.msg
		c.node = c.node.next
		return pk, true
	default:
		return packets.Packet{}, false
	}
}
