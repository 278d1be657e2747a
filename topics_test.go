// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package mqtt

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/voxoz/mqtt/packets"
)

func TestTopicsSubscribe(t *testing.T) {
	x := NewTopicsIndex()

	require.True(t, x.Subscribe(1, packets.Subscription{Filter: "a/b/c", Qos: 1}))
	require.False(t, x.Subscribe(1, packets.Subscription{Filter: "a/b/c", Qos: 2})) // repeat collapses

	subs := x.Subscribers("a/b/c")
	require.Equal(t, map[uint64]byte{1: 2}, subs) // latest granted qos wins
}

func TestTopicsUnsubscribe(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe(1, packets.Subscription{Filter: "a/b/c", Qos: 0})

	require.True(t, x.Unsubscribe("a/b/c", 1))
	require.False(t, x.Unsubscribe("a/b/c", 1))
	require.False(t, x.Unsubscribe("d/e/f", 1))
	require.Empty(t, x.Subscribers("a/b/c"))
}

func TestTopicsUnsubscribePrunesEmptyNodes(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe(1, packets.Subscription{Filter: "a/b/c", Qos: 0})
	x.Unsubscribe("a/b/c", 1)

	// insert then remove returns the trie to its empty state
	require.Equal(t, 0, x.root.particles.len())
}

func TestTopicsMatchWildcards(t *testing.T) {
	tt := []struct {
		filter string
		topic  string
		match  bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b", false},
		{"a/b", "a/b/c", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/d", false},
		{"a/+", "a/b", true},
		{"+/+", "a/b", true},
		{"+", "a", true},
		{"+", "a/b", false},
		{"#", "a", true},
		{"#", "a/b/c/d", true},
		{"a/#", "a/b/c", true},
		{"a/#", "a", true}, // filter/# also matches the parent level
		{"a/#", "b/c", false},
		{"a/b/#", "a/b", true},
		{"a/+/#", "a/b", true},
	}

	for n, tx := range tt {
		x := NewTopicsIndex()
		x.Subscribe(1, packets.Subscription{Filter: tx.filter, Qos: 0})
		subs := x.Subscribers(tx.topic)
		if tx.match {
			require.Contains(t, subs, uint64(1), "case %d: filter %q should match %q", n, tx.filter, tx.topic)
		} else {
			require.NotContains(t, subs, uint64(1), "case %d: filter %q should not match %q", n, tx.filter, tx.topic)
		}
	}
}

func TestTopicsMatchDollarTopics(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe(1, packets.Subscription{Filter: "#", Qos: 0})
	x.Subscribe(2, packets.Subscription{Filter: "+/info", Qos: 0})
	x.Subscribe(3, packets.Subscription{Filter: "$SYS/#", Qos: 0})
	x.Subscribe(4, packets.Subscription{Filter: "$SYS/info", Qos: 0})

	subs := x.Subscribers("$SYS/info")
	require.NotContains(t, subs, uint64(1)) // root wildcards never match $ topics
	require.NotContains(t, subs, uint64(2))
	require.Contains(t, subs, uint64(3))
	require.Contains(t, subs, uint64(4))

	subs = x.Subscribers("a/info")
	require.Contains(t, subs, uint64(1))
	require.Contains(t, subs, uint64(2))
	require.NotContains(t, subs, uint64(3))
}

func TestTopicsMatchMultipleSubscribers(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe(1, packets.Subscription{Filter: "a/+", Qos: 0})
	x.Subscribe(2, packets.Subscription{Filter: "#", Qos: 1})
	x.Subscribe(3, packets.Subscription{Filter: "a/b", Qos: 2})
	x.Subscribe(4, packets.Subscription{Filter: "z", Qos: 2})

	subs := x.Subscribers("a/b")
	require.Equal(t, map[uint64]byte{1: 0, 2: 1, 3: 2}, subs)
}

func TestTopicsMatchHighestQosWins(t *testing.T) {
	x := NewTopicsIndex()
	x.Subscribe(1, packets.Subscription{Filter: "a/b", Qos: 0})
	x.Subscribe(1, packets.Subscription{Filter: "a/#", Qos: 2})

	subs := x.Subscribers("a/b")
	require.Equal(t, map[uint64]byte{1: 2}, subs)
}

func TestTopicsRetainMessage(t *testing.T) {
	x := NewTopicsIndex()

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
		TopicName:   "a/b",
		Payload:     []byte("hello"),
	}

	require.Equal(t, int64(1), x.RetainMessage(pk))
	require.Equal(t, 1, x.Retained.Len())

	// an empty payload clears the retained message
	require.Equal(t, int64(-1), x.RetainMessage(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
		TopicName:   "a/b",
	}))
	require.Equal(t, 0, x.Retained.Len())

	// clearing again reports nothing removed
	require.Equal(t, int64(0), x.RetainMessage(packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
		TopicName:   "a/b",
	}))
}

func TestTopicsRetainedMessages(t *testing.T) {
	x := NewTopicsIndex()
	for _, topic := range []string{"a/b", "a/c", "d/e", "$SYS/info"} {
		x.RetainMessage(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Publish, Retain: true},
			TopicName:   topic,
			Payload:     []byte("x"),
		})
	}

	require.Len(t, x.Messages("a/b"), 1)
	require.Len(t, x.Messages("a/+"), 2)
	require.Len(t, x.Messages("#"), 3) // $SYS retained messages are not returned for #
	require.Len(t, x.Messages("$SYS/#"), 1)
	require.Len(t, x.Messages("b/+"), 0)
}

func TestIsValidFilter(t *testing.T) {
	tt := []struct {
		filter     string
		forPublish bool
		valid      bool
	}{
		{"a/b/c", false, true},
		{"a/+/c", false, true},
		{"a/#", false, true},
		{"#", false, true},
		{"+", false, true},
		{"", false, false},
		{"a/#/c", false, false},
		{"a/b#", false, false},
		{"a/b+", false, false},
		{"a/b", true, true},
		{"a/+", true, false},
		{"a/#", true, false},
		{"$SYS/test", true, false},
		{"\x00", false, false},
	}

	for n, tx := range tt {
		require.Equal(t, tx.valid, IsValidFilter(tx.filter, tx.forPublish), "case %d: %q", n, tx.filter)
	}
}

func TestIsolateParticle(t *testing.T) {
	p, next := isolateParticle("a/b/c", 0)
	require.Equal(t, "a", p)
	require.True(t, next)

	p, next = isolateParticle("a/b/c", 1)
	require.Equal(t, "b", p)
	require.True(t, next)

	p, next = isolateParticle("a/b/c", 2)
	require.Equal(t, "c", p)
	require.False(t, next)
}
