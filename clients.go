// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package mqtt

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/voxoz/mqtt/packets"
)

var (
	// ErrConnectionClosed is returned when operating on a closed or absent connection.
	ErrConnectionClosed = errors.New("connection not open")

	// ErrSessionTakenOver is the stop cause of a connection which was replaced
	// by a newer connection bearing the same client id.
	ErrSessionTakenOver = errors.New("session taken over")

	// ErrGuaranteedQueueFull indicates a qos >= 1 delivery queue reached its
	// bound; the receiving session is terminated.
	ErrGuaranteedQueueFull = errors.New("guaranteed delivery queue full")

	// ErrKeepaliveTimeout indicates no packet was received from the client
	// within 1.5x the negotiated keepalive interval.
	ErrKeepaliveTimeout = errors.New("keepalive timeout")
)

// ReadFn is a function which processes a decoded inbound packet for a client.
type ReadFn func(cl *Client, pk packets.Packet) error

// Clients contains the broker's directory of sessions, keyed both on client
// id and on an opaque, monotonically increasing session key. The session key
// is what the topics index records, so subscriptions of a superseded session
// can never be confused with those of its successor.
type Clients struct {
	internal map[string]*Client
	byKey    map[uint64]*Client
	nextKey  uint64
	sync.RWMutex
}

// NewClients returns an instance of Clients.
func NewClients() *Clients {
	return &Clients{
		internal: map[string]*Client{},
		byKey:    map[uint64]*Client{},
	}
}

// NextKey issues the next session key.
func (cls *Clients) NextKey() uint64 {
	return atomic.AddUint64(&cls.nextKey, 1)
}

// Add adds a new client to the clients map, keyed on client id and session key.
func (cls *Clients) Add(val *Client) {
	cls.Lock()
	defer cls.Unlock()
	cls.internal[val.ID] = val
	cls.byKey[val.Key] = val
}

// Get returns the value of a client if it exists.
func (cls *Clients) Get(id string) (*Client, bool) {
	cls.RLock()
	defer cls.RUnlock()
	val, ok := cls.internal[id]
	return val, ok
}

// GetByKey returns the client bound to a session key, if it exists.
func (cls *Clients) GetByKey(key uint64) (*Client, bool) {
	cls.RLock()
	defer cls.RUnlock()
	val, ok := cls.byKey[key]
	return val, ok
}

// Len returns the number of clients in the clients map.
func (cls *Clients) Len() int {
	cls.RLock()
	defer cls.RUnlock()
	return len(cls.internal)
}

// GetAll returns all the clients.
func (cls *Clients) GetAll() map[string]*Client {
	cls.RLock()
	defer cls.RUnlock()
	m := map[string]*Client{}
	for k, v := range cls.internal {
		m[k] = v
	}
	return m
}

// Remove removes a client from the directory. The id index is only cleared
// if it still points at this client, so removing a superseded session never
// evicts its successor.
func (cls *Clients) Remove(val *Client) {
	cls.Lock()
	defer cls.Unlock()
	delete(cls.byKey, val.Key)
	if cur, ok := cls.internal[val.ID]; ok && cur == val {
		delete(cls.internal, val.ID)
	}
}

// GetByListener returns clients connected to a specific listener.
func (cls *Clients) GetByListener(id string) []*Client {
	cls.RLock()
	defer cls.RUnlock()
	clients := make([]*Client, 0, len(cls.internal))
	for _, v := range cls.internal {
		if v.Net.Listener == id && !v.Closed() {
			clients = append(clients, v)
		}
	}
	return clients
}

// Client contains the state of a session and its bound connection, if any.
// A persistent session outlives its connection; the connection task group is
// restarted when a new connection binds to the session.
type Client struct {
	ops        *ops             // ops provides a reference to server ops.
	Net        ClientConnection // network connection state of the client
	State      ClientState      // the operational state of the client.
	Properties ClientProperties // the properties of the client
	ID         string           // the client id.
	Key        uint64           // the broker's session key for this client.
	sync.RWMutex
}

// ClientConnection contains the connection transport and metadata for the client.
type ClientConnection struct {
	Conn     net.Conn              // the net.Conn used to establish the connection
	bconn    *bufio.Reader         // a buffered reader for reading incoming bytes
	TLS      *tls.ConnectionState  // the TLS state of the connection, if secured
	WSHead   http.Header           // the websocket upgrade request head, when connected over websocket
	Remote   string                // the remote address of the client
	Listener string                // listener id of the client
}

// ClientProperties contains the properties which define the client behaviour.
type ClientProperties struct {
	Username []byte
	Will     Will
	Clean    bool
}

// Will contains the last will and testament details for a client connection.
type Will struct {
	Payload   []byte
	TopicName string
	Flag      uint32 // 1 if there is a will
	Qos       byte
	Retain    bool
}

// ClientState tracks the state of the client.
type ClientState struct {
	Inflight      *Inflight       // a map of in-flight qos messages sent to the client
	InflightIn    *Inflight       // a map of unreleased inbound qos 2 messages from the client
	Subscriptions *Subscriptions  // a map of the subscription filters a client maintains
	PacketIDs     *PacketIDs      // the packet id allocator for the session
	outbound      chan packets.Packet // queue for pending outgoing packets
	bestEffort    chan packets.Packet // queue of qos 0 messages routed to the session
	guaranteed    chan packets.Packet // queue of qos >= 1 messages routed to the session
	ctx           context.Context
	cancel        context.CancelFunc
	stopped       chan struct{} // closed when the connection task group has fully wound down
	stoppedOnce   sync.Once
	endOnce       sync.Once
	stopCause     atomic.Value // reason for stopping
	lastInbound   int64        // unixnano time of the last inbound packet
	disconnected  int64        // the time the client disconnected in unix time, for calculating expiry
	Keepalive     uint16       // the number of seconds the connection can wait
	attached      uint32       // 1 if the connection task group is running
	takenOver     uint32       // 1 if the session was inherited by a newer connection
	done          uint32       // atomic counter which indicates that the client has closed
}

// newClient returns a new instance of Client. This is almost exclusively used
// by Server for creating new clients, but it lives here because it's not
// dependent.
func newClient(c net.Conn, o *ops) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	cl := &Client{
		ops: o,
		State: ClientState{
			Inflight:      NewInflights(),
			InflightIn:    NewInflights(),
			Subscriptions: NewSubscriptions(),
			PacketIDs:     NewPacketIDs(),
			outbound:      make(chan packets.Packet, o.options.Capabilities.MaximumClientWritesPending),
			bestEffort:    make(chan packets.Packet, o.options.Capabilities.BestEffortQueueSize),
			guaranteed:    make(chan packets.Packet, o.options.Capabilities.GuaranteedQueueSize),
			ctx:           ctx,
			cancel:        cancel,
			stopped:       make(chan struct{}),
			Keepalive:     defaultKeepalive,
		},
	}

	if c != nil {
		cl.Net = ClientConnection{
			Conn:   c,
			bconn:  bufio.NewReaderSize(c, o.options.ClientNetReadBufferSize),
			Remote: c.RemoteAddr().String(),
		}

		if tlsConn, ok := c.(*tls.Conn); ok {
			state := tlsConn.ConnectionState()
			cl.Net.TLS = &state
		}

		if hc, ok := c.(interface{ UpgradeHeader() http.Header }); ok {
			cl.Net.WSHead = hc.UpgradeHeader()
		}
	}

	cl.refreshActivity()

	return cl
}

// defaultKeepalive is the default connection keepalive time in seconds.
const defaultKeepalive uint16 = 10

// ParseConnect parses the connect parameters of a connect packet into the
// client, assigning a generated id if the client did not provide one.
func (cl *Client) ParseConnect(lid string, pk packets.Packet) {
	cl.Net.Listener = lid

	cl.Properties.Username = pk.Connect.Username
	cl.Properties.Clean = pk.Connect.Clean
	cl.State.Keepalive = pk.Connect.Keepalive

	cl.ID = pk.Connect.ClientIdentifier
	if cl.ID == "" {
		cl.ID = xid.New().String() // [MQTT-3.1.3-6]
	}

	if pk.Connect.WillFlag {
		cl.Properties.Will = Will{ // [MQTT-3.1.2-7]
			Qos:       pk.Connect.WillQos,
			Retain:    pk.Connect.WillRetain,
			Payload:   pk.Connect.WillPayload,
			TopicName: pk.Connect.WillTopic,
			Flag:      1,
		}
	}
}

// NextPacketID returns the next free packet id for the session, blocking if
// the identifier space is exhausted until one is reclaimed or the connection
// ends.
func (cl *Client) NextPacketID() (uint16, error) {
	return cl.State.PacketIDs.NextOrWait(cl.State.ctx)
}

// refreshActivity records the arrival time of an inbound packet, for
// keepalive enforcement.
func (cl *Client) refreshActivity() {
	atomic.StoreInt64(&cl.State.lastInbound, time.Now().UnixNano())
}

// SinceLastInbound returns the duration since the last inbound packet.
func (cl *Client) SinceLastInbound() time.Duration {
	return time.Duration(time.Now().UnixNano() - atomic.LoadInt64(&cl.State.lastInbound))
}

// Closed returns true if the client connection is closed.
func (cl *Client) Closed() bool {
	return atomic.LoadUint32(&cl.State.done) == 1
}

// Attached returns true if the connection task group is running.
func (cl *Client) Attached() bool {
	return atomic.LoadUint32(&cl.State.attached) == 1
}

// IsTakenOver returns true if the session was inherited by a newer connection.
func (cl *Client) IsTakenOver() bool {
	return atomic.LoadUint32(&cl.State.takenOver) == 1
}

// StopTime returns the unixtime the client disconnected, or 0 if connected.
func (cl *Client) StopTime() int64 {
	return atomic.LoadInt64(&cl.State.disconnected)
}

// StopCause returns the reason the client connection stopped.
func (cl *Client) StopCause() error {
	if cl.State.stopCause.Load() == nil {
		return nil
	}
	return cl.State.stopCause.Load().(error)
}

// StopDone returns a channel which closes when the connection task group and
// its post-disconnect housekeeping have fully wound down.
func (cl *Client) StopDone() <-chan struct{} {
	return cl.State.stopped
}

// Stop cancels the connection task group, closes the transport and records
// the reason. Session state (subscriptions, in-flight maps, queues) is left
// intact; it is the broker's decision whether the session itself survives.
func (cl *Client) Stop(err error) {
	cl.State.endOnce.Do(func() {
		if err == nil {
			err = ErrConnectionClosed
		}
		cl.State.stopCause.Store(err)

		atomic.StoreUint32(&cl.State.done, 1)
		atomic.StoreInt64(&cl.State.disconnected, time.Now().Unix())
		cl.State.cancel()

		if cl.Net.Conn != nil {
			_ = cl.Net.Conn.Close() // [MQTT-3.14.4-2] unblocks the input task
		}

		if !cl.Attached() {
			cl.markStopped()
		}
	})
}

// markStopped closes the stopped channel exactly once.
func (cl *Client) markStopped() {
	cl.State.stoppedOnce.Do(func() {
		close(cl.State.stopped)
	})
}

// ClearInflights completes any outstanding in-flight submissions with the
// given error, clears both in-flight maps and reclaims their packet ids.
func (cl *Client) ClearInflights(err error) {
	for _, m := range cl.State.Inflight.GetAll() {
		cl.State.PacketIDs.Free(m.Packet.PacketID)
	}
	for _, m := range cl.State.InflightIn.GetAll() {
		cl.State.PacketIDs.Free(m.Packet.PacketID)
	}
	cl.State.Inflight.AbandonAll(err)
	cl.State.InflightIn.AbandonAll(err)
}

// Run starts the connection task group: five sibling tasks racing as an
// errgroup. The first task to fail cancels the rest; Run joins them all
// before returning the first error. The input task feeds inbound packets to
// the handler; the output task serializes the outbound mailbox to the wire
// in order; the keepalive task enforces the 1.5x keepalive deadline; and the
// two drain tasks move routed messages from the session queues onto the
// mailbox, allocating packet ids for guaranteed deliveries.
func (cl *Client) Run(handler ReadFn) error {
	if cl.Net.Conn == nil {
		return ErrConnectionClosed
	}

	atomic.StoreUint32(&cl.State.attached, 1)
	defer atomic.StoreUint32(&cl.State.attached, 0)

	g, ctx := errgroup.WithContext(cl.State.ctx)

	// Unblock the input task's pending read when any sibling fails.
	unhook := context.AfterFunc(ctx, func() {
		_ = cl.Net.Conn.Close()
	})
	defer unhook()

	g.Go(func() error { return cl.readLoop(ctx, handler) })
	g.Go(func() error { return cl.writeLoop(ctx) })
	g.Go(func() error { return cl.keepaliveLoop(ctx) })
	g.Go(func() error { return cl.bestEffortLoop(ctx) })
	g.Go(func() error { return cl.guaranteedLoop(ctx) })

	err := g.Wait()
	cl.Stop(err)

	return err
}

// readLoop is the input task. It reads and decodes packets from the transport
// and hands them to the packet handler until the connection fails or the
// group is cancelled.
func (cl *Client) readLoop(ctx context.Context, handler ReadFn) error {
	for {
		pk, err := cl.ReadPacket()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		cl.refreshActivity()

		err = handler(cl, pk)
		if err != nil {
			return err
		}
	}
}

// writeLoop is the output task. Packets are serialized to the wire strictly
// in the order they are taken from the outbound mailbox.
func (cl *Client) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pk := <-cl.State.outbound:
			if err := cl.writePacket(pk); err != nil {
				return err
			}
		}
	}
}

// keepaliveLoop is the keep-alive task. Every keepalive/2 seconds it checks
// whether an inbound packet arrived recently, and fails the connection when
// the client has been silent for longer than 1.5x the keepalive interval.
// [MQTT-3.1.2-24]
func (cl *Client) keepaliveLoop(ctx context.Context) error {
	if cl.State.Keepalive == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	interval := time.Duration(cl.State.Keepalive) * time.Second
	t := time.NewTicker(interval / 2)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if cl.SinceLastInbound() > interval+interval/2 {
				return ErrKeepaliveTimeout
			}
		}
	}
}

// bestEffortLoop is the qos 0 drain task, moving routed messages from the
// best-effort queue onto the outbound mailbox.
func (cl *Client) bestEffortLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pk := <-cl.State.bestEffort:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case cl.State.outbound <- pk:
			}
		}
	}
}

// guaranteedLoop is the qos >= 1 drain task. It allocates a packet id for
// each routed message, records the in-flight state, and hands the publish to
// the outbound mailbox. Identifier exhaustion blocks the drain until an id is
// reclaimed.
func (cl *Client) guaranteedLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pk := <-cl.State.guaranteed:
			id, err := cl.State.PacketIDs.Next() // [MQTT-4.3.2-1] [MQTT-4.3.3-1]
			if errors.Is(err, ErrPacketIDsExhausted) {
				cl.ops.hooks.OnPacketIDExhausted(cl, pk)
				id, err = cl.State.PacketIDs.NextOrWait(ctx)
			}
			if err != nil {
				return err
			}

			pk.PacketID = id
			state := byte(AwaitingPuback)
			if pk.FixedHeader.Qos == 2 {
				state = AwaitingPubrec
			}

			m := InflightMessage{Packet: pk, State: state, Sent: time.Now().Unix()}
			cl.State.Inflight.Set(m) // [MQTT-4.3.2-3] [MQTT-4.3.3-3]
			atomic.AddInt64(&cl.ops.info.Inflight, 1)
			cl.ops.hooks.OnQosPublish(cl, pk, m.Sent, 0)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case cl.State.outbound <- pk:
			}
		}
	}
}

// EnqueueBestEffort places a qos 0 message on the session's best-effort
// queue. If the queue is full the message is silently dropped; the publisher
// is never blocked by a slow subscriber.
func (cl *Client) EnqueueBestEffort(pk packets.Packet) bool {
	select {
	case cl.State.bestEffort <- pk:
		return true
	default:
		atomic.AddInt64(&cl.ops.info.MessagesDropped, 1)
		cl.ops.hooks.OnPublishDropped(cl, pk)
		return false
	}
}

// EnqueueGuaranteed places a qos >= 1 message on the session's guaranteed
// queue. A full queue is fatal to the session and ErrGuaranteedQueueFull is
// returned for the broker to act on.
func (cl *Client) EnqueueGuaranteed(pk packets.Packet) error {
	select {
	case cl.State.guaranteed <- pk:
		return nil
	default:
		return ErrGuaranteedQueueFull
	}
}

// ReadFixedHeader reads in the values of the next packet's fixed header.
func (cl *Client) ReadFixedHeader(fh *packets.FixedHeader) error {
	if cl.Net.bconn == nil {
		return ErrConnectionClosed
	}

	b, err := cl.Net.bconn.ReadByte()
	if err != nil {
		return err
	}

	err = fh.Decode(b)
	if err != nil {
		return err
	}

	n, bu, err := packets.DecodeLength(cl.Net.bconn)
	if err != nil {
		return err
	}

	if cl.ops.options.Capabilities.MaximumPacketSize > 0 &&
		uint32(n+1+bu) > cl.ops.options.Capabilities.MaximumPacketSize {
		return packets.ErrMalformedLength
	}

	fh.Remaining = n
	atomic.AddInt64(&cl.ops.info.BytesReceived, int64(1+bu))

	return nil
}

// ReadPacket reads and decodes the next packet from the connection.
func (cl *Client) ReadPacket() (pk packets.Packet, err error) {
	fh := new(packets.FixedHeader)
	err = cl.ReadFixedHeader(fh)
	if err != nil {
		return
	}

	pk.FixedHeader = *fh
	p := make([]byte, pk.FixedHeader.Remaining)
	_, err = io.ReadFull(cl.Net.bconn, p)
	if err != nil {
		return
	}

	atomic.AddInt64(&cl.ops.info.BytesReceived, int64(len(p)))
	atomic.AddInt64(&cl.ops.info.PacketsReceived, 1)
	if pk.FixedHeader.Type == packets.Publish {
		atomic.AddInt64(&cl.ops.info.MessagesReceived, 1)
	}

	err = pk.Decode(p)
	if err != nil {
		return
	}

	pk, err = cl.ops.hooks.OnPacketRead(cl, pk)
	return
}

// WritePacket delivers a packet to the client. When the connection task group
// is running the packet is placed on the outbound mailbox, preserving the
// single-writer ordering guarantee; during connection establishment, before
// the group starts, the packet is written directly.
func (cl *Client) WritePacket(pk packets.Packet) error {
	if cl.Closed() {
		return ErrConnectionClosed
	}

	if !cl.Attached() {
		return cl.writePacket(pk)
	}

	select {
	case cl.State.outbound <- pk:
		return nil
	case <-cl.State.ctx.Done():
		return ErrConnectionClosed
	}
}

// writePacket encodes and writes a packet to the transport. Only the output
// task (or the pre-attach handshake) may call this.
func (cl *Client) writePacket(pk packets.Packet) error {
	if cl.Net.Conn == nil {
		return ErrConnectionClosed
	}

	buf := new(bytes.Buffer)
	err := pk.Encode(buf)
	if err != nil {
		return err
	}

	n, err := cl.Net.Conn.Write(buf.Bytes())
	if err != nil {
		return err
	}

	atomic.AddInt64(&cl.ops.info.BytesSent, int64(n))
	atomic.AddInt64(&cl.ops.info.PacketsSent, 1)
	if pk.FixedHeader.Type == packets.Publish {
		atomic.AddInt64(&cl.ops.info.MessagesSent, 1)
	}

	cl.ops.hooks.OnPacketSent(cl, pk, buf.Bytes())

	return nil
}

// ResendInflightMessages attempts to re-send any undelivered in-flight
// messages to a client on session resumption, in their original order.
// Publishes are re-issued with the dup flag set; qos 2 messages already
// released by the receiver are chased with a pubrel. [MQTT-4.4.0-1]
func (cl *Client) ResendInflightMessages() error {
	if cl.State.Inflight.Len() == 0 {
		return nil
	}

	for _, m := range cl.State.Inflight.GetAll() {
		var out packets.Packet
		if m.State == AwaitingPubcomp {
			out = packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
				PacketID:    m.Packet.PacketID,
			}
		} else {
			out = m.Packet
			out.FixedHeader.Dup = true // [MQTT-3.3.1-1]
		}

		if err := cl.WritePacket(out); err != nil {
			return err
		}

		cl.ops.hooks.OnQosPublish(cl, m.Packet, time.Now().Unix(), 1)
	}

	return nil
}
