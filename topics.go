// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package mqtt

import (
	"strings"
	"sync"

	"github.com/voxoz/mqtt/packets"
)

var (
	SysPrefix = "$SYS" // the prefix indicating a system info topic
)

// Subscriptions is a concurrency safe map of subscriptions keyed on topic
// filter. It holds the filters a single session is subscribed to.
type Subscriptions struct {
	internal map[string]packets.Subscription
	sync.RWMutex
}

// NewSubscriptions returns a new instance of Subscriptions.
func NewSubscriptions() *Subscriptions {
	return &Subscriptions{
		internal: map[string]packets.Subscription{},
	}
}

// Add adds or replaces a subscription keyed on its filter.
func (s *Subscriptions) Add(filter string, val packets.Subscription) {
	s.Lock()
	defer s.Unlock()
	s.internal[filter] = val
}

// Get returns the subscription for a filter.
func (s *Subscriptions) Get(filter string) (val packets.Subscription, ok bool) {
	s.RLock()
	defer s.RUnlock()
	val, ok = s.internal[filter]
	return val, ok
}

// GetAll returns all subscriptions.
func (s *Subscriptions) GetAll() map[string]packets.Subscription {
	s.RLock()
	defer s.RUnlock()
	m := map[string]packets.Subscription{}
	for k, v := range s.internal {
		m[k] = v
	}
	return m
}

// Len returns the number of subscriptions.
func (s *Subscriptions) Len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// Delete removes a subscription by filter.
func (s *Subscriptions) Delete(filter string) {
	s.Lock()
	defer s.Unlock()
	delete(s.internal, filter)
}

// TopicsIndex is a prefix trie containing topic subscribers and retained
// messages. Subscribers are recorded by session key, so the index never
// outlives a takeover by holding stale client references.
type TopicsIndex struct {
	Retained *packets.Packets
	root     *particle // a leaf containing subscribers and more leaves.
}

// NewTopicsIndex returns a pointer to a new instance of TopicsIndex.
func NewTopicsIndex() *TopicsIndex {
	return &TopicsIndex{
		Retained: packets.NewPackets(),
		root: &particle{
			particles:   newParticles(),
			subscribers: map[uint64]byte{},
		},
	}
}

// Subscribe adds a subscription for a session key to a topic filter with a
// granted qos, returning true if the subscription was new. Repeat
// subscriptions from the same session replace the granted qos. [MQTT-3.8.4-3]
func (x *TopicsIndex) Subscribe(key uint64, sub packets.Subscription) bool {
	x.root.Lock()
	defer x.root.Unlock()

	n := x.set(sub.Filter, 0)
	_, existed := n.subscribers[key]
	n.subscribers[key] = sub.Qos

	return !existed
}

// Unsubscribe removes a subscription filter for a session key, returning true
// if the subscription existed.
func (x *TopicsIndex) Unsubscribe(filter string, key uint64) bool {
	x.root.Lock()
	defer x.root.Unlock()

	n := x.seek(filter, 0)
	if n == nil {
		return false
	}

	_, ok := n.subscribers[key]
	delete(n.subscribers, key)
	x.trim(n)

	return ok
}

// RetainMessage saves a message payload to the end of a topic address. Returns
// 1 if a retained message was added, and -1 if the retained message was
// removed. 0 is returned if sequential empty payloads are received.
func (x *TopicsIndex) RetainMessage(pk packets.Packet) int64 {
	x.root.Lock()
	defer x.root.Unlock()

	if len(pk.Payload) > 0 {
		n := x.set(pk.TopicName, 0)
		n.retainPath = pk.TopicName
		x.Retained.Add(pk.TopicName, pk)
		return 1
	}

	var out int64
	if _, ok := x.Retained.Get(pk.TopicName); ok {
		out = -1 // if a retained packet existed, return -1
	}

	if n := x.seek(pk.TopicName, 0); n != nil {
		n.retainPath = ""
		x.trim(n)
	}
	x.Retained.Delete(pk.TopicName) // [MQTT-3.3.1-10] [MQTT-3.3.1-11]

	return out
}

// set creates a topic address in the index and returns the final particle.
func (x *TopicsIndex) set(topic string, d int) *particle {
	var key string
	var hasNext = true
	n := x.root
	for hasNext {
		key, hasNext = isolateParticle(topic, d)
		d++

		p := n.particles.get(key)
		if p == nil {
			p = newParticle(key, n)
			n.particles.add(p)
		}
		n = p
	}

	return n
}

// seek finds the particle at a topic address, or nil if any level is absent.
func (x *TopicsIndex) seek(filter string, d int) *particle {
	var key string
	var hasNext = true
	n := x.root
	for hasNext {
		key, hasNext = isolateParticle(filter, d)
		n = n.particles.get(key)
		d++
		if n == nil {
			return nil
		}
	}

	return n
}

// trim removes empty filter particles from the index.
func (x *TopicsIndex) trim(n *particle) {
	for n.parent != nil && n.retainPath == "" && n.particles.len()+len(n.subscribers) == 0 {
		key := n.key
		n = n.parent
		n.particles.delete(key)
	}
}

// Subscribers returns the session keys subscribed to filters matching a topic,
// each with the highest qos granted among its matching filters.
func (x *TopicsIndex) Subscribers(topic string) map[uint64]byte {
	x.root.Lock()
	defer x.root.Unlock()
	return x.scanSubscribers(topic, 0, x.root, map[uint64]byte{})
}

// scanSubscribers collects subscribers of an indexed topic address.
func (x *TopicsIndex) scanSubscribers(topic string, d int, n *particle, subs map[uint64]byte) map[uint64]byte {
	if len(topic) == 0 {
		return subs
	}

	key, hasNext := isolateParticle(topic, d)
	for _, partKey := range []string{key, "+"} {
		if d == 0 && partKey == "+" && strings.HasPrefix(topic, "$") {
			continue // [MQTT-4.7.2-1] top level wildcards do not match $ topics
		}

		if p := n.particles.get(partKey); p != nil { // [MQTT-3.3.2-3]
			if hasNext {
				x.scanSubscribers(topic, d+1, p, subs)
			} else {
				gatherSubscribers(p, subs)
				if wild := p.particles.get("#"); wild != nil {
					gatherSubscribers(wild, subs) // also match any subs where filter/# is filter as per 4.7.1.2
				}
			}
		}
	}

	if !(d == 0 && strings.HasPrefix(topic, "$")) { // [MQTT-4.7.2-1]
		if wild := n.particles.get("#"); wild != nil {
			gatherSubscribers(wild, subs)
		}
	}

	return subs
}

// gatherSubscribers merges the subscribers at a particle into the result set,
// keeping the highest granted qos for sessions matched by several filters.
func gatherSubscribers(p *particle, subs map[uint64]byte) {
	for key, qos := range p.subscribers {
		if existing, ok := subs[key]; !ok || qos > existing {
			subs[key] = qos
		}
	}
}

// Messages returns a slice of any retained messages which match a filter.
func (x *TopicsIndex) Messages(filter string) []packets.Packet {
	x.root.Lock()
	defer x.root.Unlock()
	return x.scanMessages(filter, 0, x.root, []packets.Packet{})
}

// scanMessages returns all retained messages on topics matching a given filter.
func (x *TopicsIndex) scanMessages(filter string, d int, n *particle, pks []packets.Packet) []packets.Packet {
	if len(filter) == 0 || x.Retained.Len() == 0 {
		return pks
	}

	if !strings.ContainsRune(filter, '#') && !strings.ContainsRune(filter, '+') {
		if pk, ok := x.Retained.Get(filter); ok {
			pks = append(pks, pk)
		}
		return pks
	}

	key, hasNext := isolateParticle(filter, d)
	if key == "+" || key == "#" {
		for _, adjacent := range n.particles.getAll() {
			if d == 0 && strings.HasPrefix(adjacent.key, "$") {
				continue // [MQTT-4.7.2-1]
			}

			if !hasNext && adjacent.retainPath != "" {
				if pk, ok := x.Retained.Get(adjacent.retainPath); ok {
					pks = append(pks, pk)
				}
			}

			if hasNext || key == "#" {
				nd := d + 1
				if key == "#" && !hasNext {
					nd = d // a multi-level wildcard consumes every deeper level
				}
				pks = x.scanMessages(filter, nd, adjacent, pks)
			}
		}
		return pks
	}

	if p := n.particles.get(key); p != nil {
		if hasNext {
			return x.scanMessages(filter, d+1, p, pks)
		}

		if pk, ok := x.Retained.Get(p.retainPath); ok {
			pks = append(pks, pk)
		}
	}

	return pks
}

// isolateParticle extracts a particle between d / and d+1 / without allocations.
func isolateParticle(filter string, d int) (particle string, hasNext bool) {
	var next, end int
	for i := 0; end > -1 && i <= d; i++ {
		end = strings.IndexRune(filter, '/')

		switch {
		case d > -1 && i == d && end > -1:
			hasNext = true
			particle = filter[next:end]
		case end > -1:
			hasNext = false
			filter = filter[end+1:]
		default:
			hasNext = false
			particle = filter[next:]
		}
	}

	return
}

// IsValidFilter returns true if the filter is valid per the wildcard rules of
// 4.7.1. Topic names used for publishing additionally refuse wildcards and
// writes to the $SYS space.
func IsValidFilter(filter string, forPublish bool) bool {
	if len(filter) == 0 {
		return false // [MQTT-4.7.3-1]
	}

	if strings.ContainsRune(filter, 0x00) {
		return false // [MQTT-4.7.3-2]
	}

	if forPublish {
		if len(filter) >= len(SysPrefix) && strings.EqualFold(filter[0:len(SysPrefix)], SysPrefix) {
			// 4.7.2 Non-normative - The Server SHOULD prevent Clients from
			// using such Topic Names [$SYS] to exchange messages with other Clients.
			return false
		}

		if strings.ContainsRune(filter, '+') || strings.ContainsRune(filter, '#') {
			return false // [MQTT-3.3.2-2]
		}

		return true
	}

	wildhash := strings.IndexRune(filter, '#')
	if wildhash >= 0 && wildhash != len(filter)-1 { // [MQTT-4.7.1-2]
		return false
	}

	if wildhash > 0 && filter[wildhash-1] != '/' { // '#' must occupy an entire level
		return false
	}

	for d, hasNext := 0, true; hasNext; d++ {
		var key string
		key, hasNext = isolateParticle(filter, d)
		if len(key) > 1 && (strings.ContainsRune(key, '+') || strings.ContainsRune(key, '#')) {
			return false // [MQTT-4.7.1-3]
		}
	}

	return true
}

// particle is a child node on the tree.
type particle struct {
	key         string          // the key of the particle
	parent      *particle       // a pointer to the parent of the particle
	particles   particles       // a map of child particles
	subscribers map[uint64]byte // the granted qos of each session key subscribed at this ending address
	retainPath  string          // path of a retained message
	sync.Mutex                  // mutex for when making changes to the particle
}

// newParticle returns a pointer to a new instance of particle.
func newParticle(key string, parent *particle) *particle {
	return &particle{
		key:         key,
		parent:      parent,
		particles:   newParticles(),
		subscribers: map[uint64]byte{},
	}
}

// particles is a concurrency safe map of particles.
type particles struct {
	internal map[string]*particle
	sync.RWMutex
}

// newParticles returns a map of particles.
func newParticles() particles {
	return particles{
		internal: map[string]*particle{},
	}
}

func (p *particles) add(val *particle) {
	p.Lock()
	p.internal[val.key] = val
	p.Unlock()
}

func (p *particles) getAll() map[string]*particle {
	p.RLock()
	defer p.RUnlock()
	m := map[string]*particle{}
	for k, v := range p.internal {
		m[k] = v
	}
	return m
}

func (p *particles) get(id string) *particle {
	p.RLock()
	defer p.RUnlock()
	return p.internal[id]
}

func (p *particles) len() int {
	p.RLock()
	defer p.RUnlock()
	return len(p.internal)
}

func (p *particles) delete(id string) {
	p.Lock()
	defer p.Unlock()
	delete(p.internal, id)
}
