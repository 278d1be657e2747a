// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

// Package client implements a reconnecting MQTT 3.1.1 client built on the
// same packet codec, in-flight state machine and packet-identifier allocator
// as the broker.
package client

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	mqtt "github.com/voxoz/mqtt"
	"github.com/voxoz/mqtt/packets"
)

var (
	// ErrClientClosed is returned when operating on a closed client.
	ErrClientClosed = errors.New("client closed")

	// ErrNotConnected is returned when no connection is currently established.
	ErrNotConnected = errors.New("not connected")

	// ErrSubmissionAbandoned is returned to submitters whose qos completion
	// signal can no longer arrive because the session or connection ended.
	ErrSubmissionAbandoned = errors.New("submission abandoned")

	// ErrConnectionRefused is returned when the broker refuses the connection.
	ErrConnectionRefused = errors.New("connection refused")

	// ErrProtocolViolation indicates the broker breached the packet exchange rules.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrSubscriptionFailure is returned when the broker refuses a subscription filter.
	ErrSubscriptionFailure = errors.New("subscription failure")
)

// Options contains configurable options for the client.
type Options struct {
	// Server is the broker url, e.g. tcp://localhost:1883, tls://host:8883,
	// ws://host:1882/ or wss://host/. Ignored if Dialer is set.
	Server string

	// Dialer optionally overrides how the transport is established.
	Dialer func(ctx context.Context) (net.Conn, error)

	// TLSConfig is used for tls:// and wss:// servers, and may carry client
	// certificates for mutual tls.
	TLSConfig *tls.Config

	ClientID     string
	Username     []byte
	Password     []byte
	CleanSession bool
	KeepAlive    uint16 // seconds; 0 disables keepalive

	WillTopic   string
	WillPayload []byte
	WillQos     byte
	WillRetain  bool

	// AutoReconnect re-establishes the session in the background when the
	// connection is lost.
	AutoReconnect    bool
	ReconnectBackoff time.Duration
	MaxBackoff       time.Duration
	ConnectTimeout   time.Duration

	// PendingWrites is the size of the outbound mailbox.
	PendingWrites int

	Logger *slog.Logger
}

// ensureDefaults ensures the options contain sane default values.
func (o *Options) ensureDefaults() {
	if o.ClientID == "" {
		o.ClientID = "vx-" + xid.New().String()
	}

	if o.ReconnectBackoff == 0 {
		o.ReconnectBackoff = time.Second
	}

	if o.MaxBackoff == 0 {
		o.MaxBackoff = 30 * time.Second
	}

	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}

	if o.PendingWrites == 0 {
		o.PendingWrites = 1024
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
}

// outboundRequest is an entry in the output mailbox: either a ready-to-send
// packet, or a thunk which, given a freshly allocated packet identifier,
// returns the packet and the in-flight state to record. Centralizing the
// identifier assignment in the output task removes allocation races between
// submitters.
type outboundRequest struct {
	pk         packets.Packet
	thunk      func(id uint16) (packets.Packet, byte)
	registered chan mqtt.InflightMessage
}

// pendingAck tracks a subscribe or unsubscribe awaiting its acknowledgement.
type pendingAck struct {
	done chan ackResult
}

type ackResult struct {
	grants []byte
	err    error
}

// Client is a reconnecting MQTT 3.1.1 client.
type Client struct {
	options *Options
	log     *slog.Logger

	inflight   *mqtt.Inflight   // outbound qos messages awaiting acknowledgement
	inflightIn *mqtt.Inflight   // unreleased inbound qos 2 messages
	pids       *mqtt.PacketIDs  // the packet id allocator for the session
	stream     *Stream          // the shared inbound publish stream

	subscriptions map[string]byte // granted filters, for resubscription on a fresh session
	subMu         sync.RWMutex

	pending   map[uint16]*pendingAck // subscribe/unsubscribe requests awaiting acks
	pendingMu sync.Mutex

	outbound chan outboundRequest

	conn     net.Conn
	reader   *bufio.Reader
	connMu   sync.Mutex

	ctx       context.Context // client lifetime
	cancel    context.CancelFunc
	connected atomic.Bool
	closed    atomic.Bool
	activity  atomic.Bool // outbound activity flag for the keepalive task
	done      chan struct{}
}

// Dial creates a new client and establishes the first connection. If
// AutoReconnect is set, the session is re-established in the background
// whenever the connection is lost.
func Dial(opts *Options) (*Client, error) {
	if opts == nil {
		opts = new(Options)
	}
	opts.ensureDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		options:       opts,
		log:           opts.Logger.With("client", opts.ClientID),
		inflight:      mqtt.NewInflights(),
		inflightIn:    mqtt.NewInflights(),
		pids:          mqtt.NewPacketIDs(),
		stream:        NewStream(),
		subscriptions: map[string]byte{},
		pending:       map[uint16]*pendingAck{},
		outbound:      make(chan outboundRequest, opts.PendingWrites),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}

	sessionPresent, err := c.connect()
	if err != nil {
		cancel()
		return nil, err
	}

	go c.supervise(sessionPresent)

	return c, nil
}

// supervise runs connection sessions until the client is closed, redialing
// with exponential backoff when the connection is lost.
func (c *Client) supervise(sessionPresent bool) {
	defer close(c.done)

	backoff := c.options.ReconnectBackoff
	for {
		err := c.runSession()
		c.connected.Store(false)

		if c.closed.Load() || !c.options.AutoReconnect {
			c.teardown(ErrSubmissionAbandoned)
			return
		}

		c.log.Info("connection lost, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-c.ctx.Done():
			c.teardown(ErrSubmissionAbandoned)
			return
		case <-time.After(backoff):
		}

		sessionPresent, err = c.connect()
		if err != nil {
			backoff *= 2
			if backoff > c.options.MaxBackoff {
				backoff = c.options.MaxBackoff
			}
			continue
		}

		backoff = c.options.ReconnectBackoff
		if !sessionPresent {
			// The broker kept no session for us; in-flight state is void and
			// subscriptions must be re-established.
			c.inflight.AbandonAll(ErrSubmissionAbandoned)
			c.inflightIn.AbandonAll(ErrSubmissionAbandoned)
			c.pids = mqtt.NewPacketIDs()
			c.resubscribe()
		}
	}
}

// connect establishes the transport, performs the connect handshake and
// prepares the connection task group.
func (c *Client) connect() (sessionPresent bool, err error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.options.ConnectTimeout)
	defer cancel()

	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}

	c.connMu.Lock()
	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.connMu.Unlock()

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connect},
		Connect: packets.ConnectParams{
			ProtocolName:     []byte("MQTT"),
			ProtocolVersion:  4,
			ClientIdentifier: c.options.ClientID,
			Clean:            c.options.CleanSession,
			Keepalive:        c.options.KeepAlive,
		},
	}

	if len(c.options.Username) > 0 {
		pk.Connect.UsernameFlag = true
		pk.Connect.Username = c.options.Username
	}
	if len(c.options.Password) > 0 {
		pk.Connect.PasswordFlag = true
		pk.Connect.Password = c.options.Password
	}
	if c.options.WillTopic != "" {
		pk.Connect.WillFlag = true
		pk.Connect.WillTopic = c.options.WillTopic
		pk.Connect.WillPayload = c.options.WillPayload
		pk.Connect.WillQos = c.options.WillQos
		pk.Connect.WillRetain = c.options.WillRetain
	}

	err = c.write(pk)
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("send connect: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.options.ConnectTimeout))
	ack, err := c.read()
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil {
		conn.Close()
		return false, fmt.Errorf("read connack: %w", err)
	}

	if ack.FixedHeader.Type != packets.Connack {
		conn.Close()
		return false, ErrProtocolViolation // [MQTT-3.2.0-1]
	}

	if ack.ReturnCode != packets.CodeAccepted.Code {
		conn.Close()
		return false, fmt.Errorf("%w: return code %d", ErrConnectionRefused, ack.ReturnCode)
	}

	c.connected.Store(true)
	c.log.Info("connected", "server", c.options.Server, "session_present", ack.SessionPresent)

	if ack.SessionPresent {
		c.resendInflight()
	}

	return ack.SessionPresent, nil
}

// runSession runs the three connection tasks (input, output, keep-alive) as
// racing siblings; the first to fail cancels and joins the others.
func (c *Client) runSession() error {
	g, ctx := errgroup.WithContext(c.ctx)

	unhook := context.AfterFunc(ctx, func() {
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
		c.connMu.Unlock()
	})
	defer unhook()

	g.Go(func() error { return c.readLoop(ctx) })
	g.Go(func() error { return c.writeLoop(ctx) })
	g.Go(func() error { return c.keepaliveLoop(ctx) })

	err := g.Wait()
	c.failPending(ErrSubmissionAbandoned)
	return err
}

// teardown abandons all outstanding submissions and ends the client
// lifetime. Called when the client will not reconnect.
func (c *Client) teardown(err error) {
	c.cancel()
	c.inflight.AbandonAll(err)
	c.inflightIn.AbandonAll(err)
	c.failPending(err)
}

// failPending completes all pending subscribe/unsubscribe requests with an error.
func (c *Client) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, p := range c.pending {
		select {
		case p.done <- ackResult{err: err}:
		default:
		}
		delete(c.pending, id)
		c.pids.Free(id)
	}
}

// readLoop is the input task.
func (c *Client) readLoop(ctx context.Context) error {
	for {
		pk, err := c.read()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		err = c.handlePacket(pk)
		if err != nil {
			return err
		}
	}
}

// writeLoop is the output task. It is the only writer to the transport, and
// the single place where packet identifiers are assigned to outbound
// requests.
func (c *Client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req := <-c.outbound:
			pk := req.pk
			if req.thunk != nil {
				id, err := c.pids.NextOrWait(ctx)
				if err != nil {
					return err
				}

				var state byte
				pk, state = req.thunk(id)
				if state != 0 {
					m := mqtt.NewInflightMessage(pk, state)
					c.inflight.Set(m)
					if req.registered != nil {
						req.registered <- m
					}
				} else if req.registered != nil {
					req.registered <- mqtt.InflightMessage{Packet: pk}
				}
			}

			if err := c.write(pk); err != nil {
				return err
			}
		}
	}
}

// keepaliveLoop is the keep-alive task. Every keepalive/2 seconds the
// outbound activity flag is swapped with false; if it was already false, a
// pingreq is issued. [MQTT-3.1.2-23]
func (c *Client) keepaliveLoop(ctx context.Context) error {
	if c.options.KeepAlive == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	t := time.NewTicker(time.Duration(c.options.KeepAlive) * time.Second / 2)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if !c.activity.Swap(false) {
				err := c.send(outboundRequest{pk: packets.Packet{
					FixedHeader: packets.FixedHeader{Type: packets.Pingreq},
				}})
				if err != nil {
					return err
				}
			}
		}
	}
}

// handlePacket dispatches an inbound packet.
func (c *Client) handlePacket(pk packets.Packet) error {
	switch pk.FixedHeader.Type {
	case packets.Publish:
		return c.handlePublish(pk)
	case packets.Puback:
		if _, ok := c.inflight.Complete(pk.PacketID, nil); ok {
			c.pids.Free(pk.PacketID)
		}
		return nil
	case packets.Pubrec:
		if m, ok := c.inflight.Get(pk.PacketID); !ok || m.State != mqtt.AwaitingPubrec {
			return ErrProtocolViolation
		}
		c.inflight.SetState(pk.PacketID, mqtt.AwaitingPubcomp)
		return c.send(outboundRequest{pk: packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
			PacketID:    pk.PacketID,
		}})
	case packets.Pubcomp:
		if _, ok := c.inflight.Complete(pk.PacketID, nil); ok {
			c.pids.Free(pk.PacketID)
		}
		return nil
	case packets.Pubrel:
		if _, ok := c.inflightIn.Take(pk.PacketID); ok {
			c.pids.Free(pk.PacketID)
		}
		return c.send(outboundRequest{pk: packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubcomp},
			PacketID:    pk.PacketID,
		}})
	case packets.Suback:
		c.completePending(pk.PacketID, ackResult{grants: pk.ReasonCodes})
		return nil
	case packets.Unsuback:
		c.completePending(pk.PacketID, ackResult{})
		return nil
	case packets.Pingresp:
		return nil
	default:
		return fmt.Errorf("%w: unexpected %s", ErrProtocolViolation, packets.PacketNames[pk.FixedHeader.Type])
	}
}

// handlePublish processes an inbound publish, acknowledging per its qos and
// appending it to the shared message stream. Duplicate qos 2 deliveries are
// deduplicated on the inbound in-flight map.
func (c *Client) handlePublish(pk packets.Packet) error {
	switch pk.FixedHeader.Qos {
	case 0:
		c.stream.publish(pk)
		return nil
	case 1:
		c.stream.publish(pk)
		return c.send(outboundRequest{pk: packets.Packet{ // [MQTT-4.3.2-2]
			FixedHeader: packets.FixedHeader{Type: packets.Puback},
			PacketID:    pk.PacketID,
		}})
	default:
		if _, ok := c.inflightIn.Get(pk.PacketID); !ok {
			c.inflightIn.Set(mqtt.InflightMessage{Packet: pk, State: mqtt.NotReleased})
			c.pids.Claim(pk.PacketID)
			c.stream.publish(pk)
		}
		return c.send(outboundRequest{pk: packets.Packet{ // [MQTT-4.3.3-2]
			FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
			PacketID:    pk.PacketID,
		}})
	}
}

// completePending resolves a pending subscribe/unsubscribe request.
func (c *Client) completePending(id uint16, res ackResult) {
	c.pendingMu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.pendingMu.Unlock()

	if !ok {
		return
	}

	c.pids.Free(id)
	select {
	case p.done <- res:
	default:
	}
}

// send places a request on the output mailbox.
func (c *Client) send(req outboundRequest) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	select {
	case c.outbound <- req:
		return nil
	case <-c.ctx.Done():
		return ErrClientClosed
	}
}

// Publish publishes a message. For qos 0 it returns as soon as the message is
// queued; for qos 1 and 2 it blocks until the corresponding puback or pubcomp
// arrives, or returns ErrSubmissionAbandoned if the session ends first.
func (c *Client) Publish(qos byte, retain bool, topic string, payload []byte) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: retain,
		},
		TopicName: topic,
		Payload:   payload,
		Created:   time.Now().Unix(),
	}

	if qos == 0 {
		return c.send(outboundRequest{pk: pk})
	}

	state := byte(mqtt.AwaitingPuback)
	if qos == 2 {
		state = mqtt.AwaitingPubrec
	}

	registered := make(chan mqtt.InflightMessage, 1)
	err := c.send(outboundRequest{
		thunk: func(id uint16) (packets.Packet, byte) {
			pk.PacketID = id // [MQTT-2.3.1-1]
			return pk, state
		},
		registered: registered,
	})
	if err != nil {
		return err
	}

	select {
	case m := <-registered:
		select {
		case err := <-m.Done():
			return err
		case <-c.ctx.Done():
			return ErrSubmissionAbandoned
		}
	case <-c.ctx.Done():
		return ErrSubmissionAbandoned
	}
}

// Subscribe subscribes to one or more topic filters and blocks until the
// broker acknowledges them, returning the granted qos values in order.
func (c *Client) Subscribe(filters ...packets.Subscription) ([]byte, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	if len(filters) == 0 {
		return nil, ErrSubscriptionFailure
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
		Filters:     filters,
	}

	res, err := c.awaitAck(pk)
	if err != nil {
		return nil, err
	}

	c.subMu.Lock()
	for i, sub := range filters {
		if i < len(res.grants) && res.grants[i] != packets.CodeSubFailure.Code {
			c.subscriptions[sub.Filter] = res.grants[i] // [MQTT-3.8.4-5]
		}
	}
	c.subMu.Unlock()

	return res.grants, nil
}

// Unsubscribe removes one or more topic filters and blocks until the broker
// acknowledges the removal.
func (c *Client) Unsubscribe(filters ...string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	subs := make(packets.Subscriptions, 0, len(filters))
	for _, f := range filters {
		subs = append(subs, packets.Subscription{Filter: f})
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe, Qos: 1},
		Filters:     subs,
	}

	_, err := c.awaitAck(pk)
	if err != nil {
		return err
	}

	c.subMu.Lock()
	for _, f := range filters {
		delete(c.subscriptions, f)
	}
	c.subMu.Unlock()

	return nil
}

// awaitAck sends a subscribe or unsubscribe packet through the output
// mailbox, registering the pending request under the identifier the output
// task assigns, and blocks until the matching acknowledgement arrives.
func (c *Client) awaitAck(pk packets.Packet) (ackResult, error) {
	p := &pendingAck{done: make(chan ackResult, 1)}

	err := c.send(outboundRequest{
		thunk: func(id uint16) (packets.Packet, byte) {
			pk.PacketID = id
			c.pendingMu.Lock()
			c.pending[id] = p
			c.pendingMu.Unlock()
			return pk, 0
		},
	})
	if err != nil {
		return ackResult{}, err
	}

	select {
	case res := <-p.done:
		return res, res.err
	case <-c.ctx.Done():
		return ackResult{}, ErrSubmissionAbandoned
	}
}

// Messages returns a new cursor over the inbound publish stream, beginning at
// the current position. Cursors can be forked to create independent
// observers; a slow cursor never blocks the input task.
func (c *Client) Messages() *Cursor {
	return c.stream.Subscribe()
}

// resubscribe re-establishes the recorded subscriptions on a fresh session.
func (c *Client) resubscribe() {
	c.subMu.RLock()
	subs := make(packets.Subscriptions, 0, len(c.subscriptions))
	for filter, qos := range c.subscriptions {
		subs = append(subs, packets.Subscription{Filter: filter, Qos: qos})
	}
	c.subMu.RUnlock()

	if len(subs) == 0 {
		return
	}

	go func() {
		if _, err := c.Subscribe(subs...); err != nil {
			c.log.Warn("failed to restore subscriptions", "error", err)
		}
	}()
}

// resendInflight re-issues unacknowledged qos messages after a session
// resumption, publishes with the dup flag and released qos 2 flows with a
// pubrel. [MQTT-4.4.0-1]
func (c *Client) resendInflight() {
	for _, m := range c.inflight.GetAll() {
		out := m.Packet
		if m.State == mqtt.AwaitingPubcomp {
			out = packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
				PacketID:    m.Packet.PacketID,
			}
		} else {
			out.FixedHeader.Dup = true // [MQTT-3.3.1-1]
		}

		if err := c.write(out); err != nil {
			return
		}
	}
}

// Close sends a disconnect packet, closes the connection, and abandons any
// outstanding submissions.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}

	if c.connected.Load() {
		// best-effort; the peer may already be gone
		c.connMu.Lock()
		if c.conn != nil {
			_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		}
		c.connMu.Unlock()
		_ = c.write(packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Disconnect}, // [MQTT-3.14.4-1]
		})
	}

	c.cancel()

	c.connMu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.connMu.Unlock()

	select {
	case <-c.done:
	case <-time.After(time.Second):
	}

	return nil
}

// Done returns a channel which closes when the client has fully stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// IsConnected returns true if the client currently holds an established connection.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && !c.closed.Load()
}

// read reads and decodes the next packet from the transport.
func (c *Client) read() (pk packets.Packet, err error) {
	c.connMu.Lock()
	r := c.reader
	c.connMu.Unlock()

	if r == nil {
		return pk, ErrNotConnected
	}

	b, err := r.ReadByte()
	if err != nil {
		return pk, err
	}

	err = pk.FixedHeader.Decode(b)
	if err != nil {
		return pk, err
	}

	pk.FixedHeader.Remaining, _, err = packets.DecodeLength(r)
	if err != nil {
		return pk, err
	}

	p := make([]byte, pk.FixedHeader.Remaining)
	_, err = io.ReadFull(r, p)
	if err != nil {
		return pk, err
	}

	return pk, pk.Decode(p)
}

// write encodes and writes a packet to the transport, setting the outbound
// activity flag for the keepalive task.
func (c *Client) write(pk packets.Packet) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn == nil {
		return ErrNotConnected
	}

	buf := new(bytes.Buffer)
	err := pk.Encode(buf)
	if err != nil {
		return err
	}

	_, err = c.conn.Write(buf.Bytes())
	if err != nil {
		return err
	}

	c.activity.Store(true)
	return nil
}
