// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package mqtt

import (
	"sort"
	"sync"

	"github.com/voxoz/mqtt/packets"
)

// The states an in-flight qos message passes through. Outbound qos 1 messages
// await a puback; outbound qos 2 messages await a pubrec then a pubcomp.
// Inbound qos 2 messages are held unreleased until a pubrel arrives.
const (
	AwaitingPuback byte = iota + 1
	AwaitingPubrec
	AwaitingPubcomp
	NotReleased
)

// InflightMessage is an in-flight qos message and its delivery state. The
// done channel, if present, receives the terminal result exactly once and is
// used to unblock a submitter waiting on qos completion.
type InflightMessage struct {
	Packet packets.Packet
	done   chan error
	Sent   int64 // unixtime the message was last written to the wire
	State  byte
}

// NewInflightMessage returns an InflightMessage with a completion signal
// attached.
func NewInflightMessage(pk packets.Packet, state byte) InflightMessage {
	return InflightMessage{
		Packet: pk,
		State:  state,
		done:   make(chan error, 1),
	}
}

// Done returns the completion signal channel of the message, or nil if the
// message was stored without one.
func (m InflightMessage) Done() <-chan error {
	return m.done
}

// complete delivers the terminal result to the submitter. Repeat completions
// of the same message are dropped.
func (m InflightMessage) complete(err error) {
	if m.done == nil {
		return
	}

	select {
	case m.done <- err:
	default:
	}
}

// Inflight is a map of InflightMessage keyed on packet id.
type Inflight struct {
	internal map[uint16]InflightMessage
	sync.RWMutex
}

// NewInflights returns a new instance of an Inflight messages map.
func NewInflights() *Inflight {
	return &Inflight{
		internal: map[uint16]InflightMessage{},
	}
}

// Set stores an in-flight message keyed on its packet id, returning true if
// the id was not already present.
func (i *Inflight) Set(m InflightMessage) bool {
	i.Lock()
	defer i.Unlock()

	_, ok := i.internal[m.Packet.PacketID]
	i.internal[m.Packet.PacketID] = m
	return !ok
}

// Get returns an in-flight message by packet id.
func (i *Inflight) Get(id uint16) (InflightMessage, bool) {
	i.RLock()
	defer i.RUnlock()

	m, ok := i.internal[id]
	return m, ok
}

// SetState transitions the state of an in-flight message, returning false if
// no message is held under the id.
func (i *Inflight) SetState(id uint16, state byte) bool {
	i.Lock()
	defer i.Unlock()

	m, ok := i.internal[id]
	if !ok {
		return false
	}

	m.State = state
	i.internal[id] = m
	return true
}

// Take removes and returns an in-flight message by packet id.
func (i *Inflight) Take(id uint16) (InflightMessage, bool) {
	i.Lock()
	defer i.Unlock()

	m, ok := i.internal[id]
	delete(i.internal, id)
	return m, ok
}

// Complete removes an in-flight message and delivers the terminal result to
// any submitter waiting on its completion signal.
func (i *Inflight) Complete(id uint16, err error) (InflightMessage, bool) {
	m, ok := i.Take(id)
	if ok {
		m.complete(err)
	}
	return m, ok
}

// Delete removes an in-flight message from the map. Returns true if the
// message existed.
func (i *Inflight) Delete(id uint16) bool {
	i.Lock()
	defer i.Unlock()

	_, ok := i.internal[id]
	delete(i.internal, id)
	return ok
}

// Len returns the size of the in-flight messages map.
func (i *Inflight) Len() int {
	i.RLock()
	defer i.RUnlock()
	return len(i.internal)
}

// GetAll returns all in-flight messages, ordered by the time they were
// created, so resends preserve the original publication order.
func (i *Inflight) GetAll() []InflightMessage {
	i.RLock()
	defer i.RUnlock()

	m := make([]InflightMessage, 0, len(i.internal))
	for _, v := range i.internal {
		m = append(m, v)
	}

	sort.Slice(m, func(a, b int) bool {
		return m[a].Packet.Created < m[b].Packet.Created
	})

	return m
}

// Clone returns a copy of the in-flight map, sharing the completion signals
// of the original entries. Used when a persistent session is inherited by a
// new connection.
func (i *Inflight) Clone() *Inflight {
	c := NewInflights()
	i.RLock()
	defer i.RUnlock()
	for k, v := range i.internal {
		c.internal[k] = v
	}
	return c
}

// AbandonAll completes every in-flight message with the given error and
// clears the map. Used when a session terminates while submitters are still
// waiting on qos completion.
func (i *Inflight) AbandonAll(err error) {
	i.Lock()
	defer i.Unlock()

	for k, v := range i.internal {
		v.complete(err)
		delete(i.internal, k)
	}
}
