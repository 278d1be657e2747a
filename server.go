// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

// Package mqtt provides an MQTT 3.1.1 broker and the session, subscription
// and delivery machinery shared with the symmetric client package.
package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/voxoz/mqtt/hooks/storage"
	"github.com/voxoz/mqtt/listeners"
	"github.com/voxoz/mqtt/packets"
	"github.com/voxoz/mqtt/system"

	"log/slog"
)

const (
	Version                       = "1.0.1" // the current server version.
	defaultSysTopicInterval int64 = 1       // the interval between $SYS topic publishes
	LocalOrigin                   = "local" // the origin id attached to direct server publishes
)

var (
	ErrListenerIDExists  = errors.New("listener id already exists")          // a listener with the same id already exists
	ErrOptionsUnreadable = errors.New("unable to read options from bytes")   // the config bytes could not be parsed
	ErrInvalidTopic      = errors.New("invalid topic name")                  // the topic name is not publishable
	ErrProtocolViolation = errors.New("protocol violation")                  // the client breached the packet exchange rules
	ErrServerShuttingDown = errors.New("server is shutting down")
)

// Capabilities indicates the capabilities and features provided by the server.
type Capabilities struct {
	MaximumClients             int64  `yaml:"maximum_clients" json:"maximum_clients"`                             // maximum number of connected clients
	MaximumClientWritesPending int32  `yaml:"maximum_client_writes_pending" json:"maximum_client_writes_pending"` // size of the per-connection outbound mailbox
	BestEffortQueueSize        int    `yaml:"best_effort_queue_size" json:"best_effort_queue_size"`               // bound of the qos 0 delivery queue; overflow drops
	GuaranteedQueueSize        int    `yaml:"guaranteed_queue_size" json:"guaranteed_queue_size"`                 // bound of the qos 1/2 delivery queue; overflow terminates the session
	MaximumPacketSize          uint32 `yaml:"maximum_packet_size" json:"maximum_packet_size"`                     // maximum packet size, no limit if 0
	MaximumQos                 byte   `yaml:"maximum_qos" json:"maximum_qos"`                                     // maximum qos value available to clients
}

// NewDefaultServerCapabilities defines the default features and capabilities provided by the server.
func NewDefaultServerCapabilities() *Capabilities {
	return &Capabilities{
		MaximumClients:             math.MaxInt64,
		MaximumClientWritesPending: 1024 * 8,
		BestEffortQueueSize:        1024,
		GuaranteedQueueSize:        1024,
		MaximumPacketSize:          0,
		MaximumQos:                 2,
	}
}

// Options contains configurable options for the server.
type Options struct {
	// Listeners specifies any listeners which should be dynamically added on serve. Used when setting listeners by config.
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`

	// Hooks specifies any hooks which should be dynamically added on serve. Used when setting hooks by config.
	Hooks []HookLoadConfig `yaml:"-" json:"-"`

	// Capabilities defines the server features and behaviour.
	Capabilities *Capabilities `yaml:"capabilities" json:"capabilities"`

	// ClientNetReadBufferSize specifies the size of the client *bufio.Reader read buffer.
	ClientNetReadBufferSize int `yaml:"client_net_read_buffer_size" json:"client_net_read_buffer_size"`

	// Logger specifies a custom configured implementation of log/slog to override
	// the servers default logger configuration. If you wish to change the log level,
	// of the default logger, you can do so by setting:
	// 	server := mqtt.New(nil)
	// 	level := new(slog.LevelVar)
	// 	server.Log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	// 	level.Set(slog.LevelDebug)
	Logger *slog.Logger `yaml:"-" json:"-"`

	// SysTopicResendInterval specifies the interval between $SYS topic updates in seconds.
	SysTopicResendInterval int64 `yaml:"sys_topic_resend_interval" json:"sys_topic_resend_interval"`
}

// Server is an MQTT broker server. It should be created with mqtt.New()
// in order to ensure all the internal fields are correctly populated.
type Server struct {
	Options   *Options             // configurable server options
	Listeners *listeners.Listeners // listeners are network interfaces which listen for new connections
	Clients   *Clients             // clients known to the broker
	Topics    *TopicsIndex         // an index of topic filter subscriptions and retained messages
	Info      *system.Info         // values about the server commonly known as $SYS topics
	Log       *slog.Logger         // a structured logger
	hooks     *Hooks               // hooks contains hooks for extra functionality such as auth and persistent storage
	loop      *loop                // loop contains tickers for the system event loop
	done      chan bool            // indicate that the server is ending
}

// loop contains interval tickers for the system events loop.
type loop struct {
	sysTopics *time.Ticker // interval ticker for sending updating $SYS topics
}

// ops contains server values which can be propagated to other structs.
type ops struct {
	options *Options     // a pointer to the server options and capabilities, for referencing in clients
	info    *system.Info // pointers to server system info
	hooks   *Hooks       // pointer to the server hooks
	log     *slog.Logger // a structured logger for the client
}

// New returns a new instance of the broker. Optional parameters
// can be specified to override some default settings (see Options).
func New(opts *Options) *Server {
	if opts == nil {
		opts = new(Options)
	}

	opts.ensureDefaults()

	s := &Server{
		done:      make(chan bool),
		Clients:   NewClients(),
		Topics:    NewTopicsIndex(),
		Listeners: listeners.New(),
		loop: &loop{
			sysTopics: time.NewTicker(time.Second * time.Duration(opts.SysTopicResendInterval)),
		},
		Options: opts,
		Info: &system.Info{
			Version: Version,
			Started: time.Now().Unix(),
		},
		Log: opts.Logger,
		hooks: &Hooks{
			Log: opts.Logger,
		},
	}

	return s
}

// ensureDefaults ensures that the server starts with sane default values, if none are provided.
func (o *Options) ensureDefaults() {
	if o.Capabilities == nil {
		o.Capabilities = NewDefaultServerCapabilities()
	}

	if o.Capabilities.MaximumClients == 0 {
		o.Capabilities.MaximumClients = math.MaxInt64
	}

	if o.Capabilities.MaximumClientWritesPending == 0 {
		o.Capabilities.MaximumClientWritesPending = 1024 * 8
	}

	if o.Capabilities.BestEffortQueueSize == 0 {
		o.Capabilities.BestEffortQueueSize = 1024
	}

	if o.Capabilities.GuaranteedQueueSize == 0 {
		o.Capabilities.GuaranteedQueueSize = 1024
	}

	if o.SysTopicResendInterval == 0 {
		o.SysTopicResendInterval = defaultSysTopicInterval
	}

	if o.ClientNetReadBufferSize == 0 {
		o.ClientNetReadBufferSize = 1024 * 2
	}

	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(os.Stdout, nil))
	}
}

// NewClient returns a new Client instance, populated with all the required values and
// references to be used with the server.
func (s *Server) NewClient(c net.Conn, listener string, id string) *Client {
	cl := newClient(c, &ops{ // [MQTT-3.1.2-6] implicit
		options: s.Options,
		info:    s.Info,
		hooks:   s.hooks,
		log:     s.Log,
	})

	cl.ID = id
	cl.Key = s.Clients.NextKey()
	cl.Net.Listener = listener

	return cl
}

// AddHook attaches a new Hook to the server. Ideally, this should be called
// before the server is started with s.Serve().
func (s *Server) AddHook(hook Hook, config any) error {
	nl := s.Log.With("hook", hook.ID())
	hook.SetOpts(nl, &HookOptions{
		Capabilities: s.Options.Capabilities,
	})

	s.Log.Info("added hook", "hook", hook.ID())
	return s.hooks.Add(hook, config)
}

// AddHooksFromConfig adds hooks to the server which were specified in the hooks config (usually from a config file).
func (s *Server) AddHooksFromConfig(hooks []HookLoadConfig) error {
	for _, h := range hooks {
		if err := s.AddHook(h.Hook, h.Config); err != nil {
			return err
		}
	}
	return nil
}

// AddListener adds a new network listener to the server, for receiving incoming client connections.
func (s *Server) AddListener(l listeners.Listener) error {
	if _, ok := s.Listeners.Get(l.ID()); ok {
		return ErrListenerIDExists
	}

	nl := s.Log.With(slog.String("listener", l.ID()))
	err := l.Init(nl)
	if err != nil {
		return err
	}

	s.Listeners.Add(l)

	s.Log.Info("attached listener", "id", l.ID(), "protocol", l.Protocol(), "address", l.Address())
	return nil
}

// AddListenersFromConfig adds listeners to the server which were specified in the listeners config (usually from a config file).
// New built-in listeners should be added to this list.
func (s *Server) AddListenersFromConfig(configs []listeners.Config) error {
	for _, conf := range configs {
		var l listeners.Listener
		switch strings.ToLower(conf.Type) {
		case listeners.TypeTCP:
			l = listeners.NewTCP(conf)
		case listeners.TypeWS:
			l = listeners.NewWebsocket(conf)
		case listeners.TypeHealthCheck:
			l = listeners.NewHTTPHealthCheck(conf)
		case listeners.TypeMock:
			l = listeners.NewMockListener(conf.ID, conf.Address)
		default:
			s.Log.Error("listener type unavailable by config", "listener", conf.Type)
			continue
		}
		if err := s.AddListener(l); err != nil {
			return err
		}
	}
	return nil
}

// Serve starts the event loops responsible for establishing client connections
// on all attached listeners, publishing the system topics, and starting all hooks.
func (s *Server) Serve() error {
	s.Log.Info("mqtt server starting", "version", Version)
	defer s.Log.Info("mqtt server started")

	if len(s.Options.Listeners) > 0 {
		err := s.AddListenersFromConfig(s.Options.Listeners)
		if err != nil {
			return err
		}
	}

	if len(s.Options.Hooks) > 0 {
		err := s.AddHooksFromConfig(s.Options.Hooks)
		if err != nil {
			return err
		}
	}

	if !s.hooks.Provides(OnConnectAuthenticate) {
		s.Log.Warn("no authentication hook attached; all clients will be refused (see hooks/auth)")
	}

	if s.hooks.Provides(
		StoredClients,
		StoredInflightMessages,
		StoredRetainedMessages,
		StoredSubscriptions,
		StoredSysInfo,
	) {
		err := s.readStore()
		if err != nil {
			return err
		}
	}

	go s.eventLoop()                            // spin up event loop for issuing $SYS values and closing server.
	s.Listeners.ServeAll(s.EstablishConnection) // start listening on all listeners.
	s.publishSysTopics()                        // begin publishing $SYS system values.
	s.hooks.OnStarted()

	return nil
}

// eventLoop loops forever, running various server housekeeping methods at different intervals.
func (s *Server) eventLoop() {
	s.Log.Debug("system event loop started")
	defer s.Log.Debug("system event loop halted")

	for {
		select {
		case <-s.done:
			s.loop.sysTopics.Stop()
			return
		case <-s.loop.sysTopics.C:
			s.publishSysTopics()
		}
	}
}

// EstablishConnection establishes a new client when a listener accepts a new connection.
func (s *Server) EstablishConnection(listener string, c net.Conn) error {
	cl := s.NewClient(c, listener, "")
	return s.attachClient(cl, listener)
}

// attachClient validates an incoming client connection and if viable, attaches the client
// to the server, performs session housekeeping, and runs the connection task group
// until the connection ends.
func (s *Server) attachClient(cl *Client, listener string) error {
	s.Listeners.ClientsWg.Add(1)
	defer s.Listeners.ClientsWg.Done()
	defer cl.markStopped()
	defer cl.Stop(nil)

	pk, err := s.readConnectionPacket(cl)
	if err != nil {
		return fmt.Errorf("read connection: %w", err)
	}

	if tlsConn, ok := cl.Net.Conn.(*tls.Conn); ok {
		state := tlsConn.ConnectionState() // the handshake completed on the first read
		cl.Net.TLS = &state
	}

	cl.ParseConnect(listener, pk)

	code := s.validateConnect(cl, pk) // [MQTT-3.1.4-1] [MQTT-3.1.4-2]
	if code != packets.CodeAccepted {
		if err := s.SendConnack(cl, code, false); err != nil {
			return fmt.Errorf("invalid connection send ack: %w", err)
		}
		return code // [MQTT-3.2.2-5] [MQTT-3.1.4-5]
	}

	if atomic.LoadInt64(&s.Info.ClientsConnected) >= s.Options.Capabilities.MaximumClients {
		_ = s.SendConnack(cl, packets.ErrServerUnavailable, false)
		return packets.ErrServerUnavailable
	}

	err = s.hooks.OnConnect(cl, pk)
	if err != nil {
		return err
	}

	if !s.authenticateClient(cl, pk) { // [MQTT-3.1.4-2]
		err := s.SendConnack(cl, packets.ErrNotAuthorized, false)
		if err != nil {
			return fmt.Errorf("invalid connection send ack: %w", err)
		}

		return packets.ErrNotAuthorized
	}

	atomic.AddInt64(&s.Info.ClientsConnected, 1)
	defer atomic.AddInt64(&s.Info.ClientsConnected, -1)

	sessionPresent := s.inheritClientSession(pk, cl)
	s.Clients.Add(cl) // [MQTT-4.1.0-1]

	err = s.SendConnack(cl, code, sessionPresent) // [MQTT-3.1.4-4] [MQTT-3.2.0-1]
	if err != nil {
		return fmt.Errorf("ack connection packet: %w", err)
	}

	if sessionPresent {
		err = cl.ResendInflightMessages()
		if err != nil {
			return fmt.Errorf("resend inflight: %w", err)
		}
	}

	s.hooks.OnSessionEstablished(cl, pk)

	err = cl.Run(s.receivePacket)

	takeover := errors.Is(cl.StopCause(), ErrSessionTakenOver)
	var graceful bool
	if code, ok := err.(packets.Code); ok && code == packets.CodeDisconnect {
		graceful = true // [MQTT-3.14.4-3]
	}

	if !graceful && !takeover {
		s.sendLWT(cl) // [MQTT-3.1.2-8]
	}
	cl.Properties.Will = Will{} // [MQTT-3.1.2-10]

	s.Log.Debug("client disconnected", "error", err, "client", cl.ID, "remote", cl.Net.Remote, "listener", listener)

	expire := cl.Properties.Clean
	s.hooks.OnDisconnect(cl, err, expire)

	if expire && !takeover {
		cl.ClearInflights(ErrConnectionClosed)
		s.UnsubscribeClient(cl)
		s.Clients.Remove(cl) // [MQTT-4.1.0-2]
	}

	return err
}

// readConnectionPacket reads the first incoming packet for a connection, and if
// acceptable, returns the valid connection packet.
func (s *Server) readConnectionPacket(cl *Client) (pk packets.Packet, err error) {
	pk, err = cl.ReadPacket()
	if err != nil {
		return
	}

	if pk.FixedHeader.Type != packets.Connect {
		return pk, ErrProtocolViolation // [MQTT-3.1.0-1]
	}

	return
}

// authenticateClient invokes the authentication hooks for a connecting
// client. A panicking or otherwise misbehaving authenticator refuses the
// connection instead of propagating upward.
func (s *Server) authenticateClient(cl *Client, pk packets.Packet) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.Log.Error("authenticator failure", "panic", r, "client", cl.ID, "listener", cl.Net.Listener)
			ok = false
		}
	}()

	return s.hooks.OnConnectAuthenticate(cl, pk)
}

// receivePacket processes an incoming packet for a client, logging any
// processing failure before it tears down the connection.
func (s *Server) receivePacket(cl *Client, pk packets.Packet) error {
	err := s.processPacket(cl, pk)
	if err != nil {
		if code, ok := err.(packets.Code); ok && code == packets.CodeDisconnect {
			return err
		}

		s.Log.Warn("error processing packet", "error", err, "client", cl.ID, "listener", cl.Net.Listener, "packet", packets.PacketNames[pk.FixedHeader.Type])
		return err
	}

	return nil
}

// validateConnect validates that a connect packet is compliant.
func (s *Server) validateConnect(cl *Client, pk packets.Packet) packets.Code {
	code := pk.ConnectValidate() // [MQTT-3.1.4-1] [MQTT-3.1.4-2]
	if code != packets.CodeAccepted {
		return code
	}

	if pk.Connect.WillFlag && pk.Connect.WillQos > s.Options.Capabilities.MaximumQos {
		return packets.ErrUnacceptableProtocolVersion
	}

	return code
}

// inheritClientSession inherits the state of an existing session sharing the
// same client id. Any previously bound connection task group is cancelled and
// joined before the new connection binds; the old session's will is not
// published on takeover (3.1.2.5 applies to abnormal disconnection, and a
// takeover is a deliberate replacement). If the new or old connection
// requested a clean session, the prior state is abandoned instead.
func (s *Server) inheritClientSession(pk packets.Packet, cl *Client) bool {
	existing, ok := s.Clients.Get(cl.ID)
	if !ok {
		return false // [MQTT-3.2.2-3]
	}

	existing.Stop(ErrSessionTakenOver) // [MQTT-3.1.4-2]
	select {
	case <-existing.StopDone():
	case <-time.After(time.Second):
	}

	atomic.StoreUint32(&existing.State.takenOver, 1)

	if pk.Connect.Clean || existing.Properties.Clean { // [MQTT-3.1.2-6] [MQTT-3.1.4-3]
		s.UnsubscribeClient(existing)
		existing.ClearInflights(ErrSessionTakenOver)
		s.Clients.Remove(existing)
		return false // [MQTT-3.2.2-1]
	}

	cl.State.Inflight = existing.State.Inflight.Clone() // [MQTT-3.1.2-4]
	cl.State.InflightIn = existing.State.InflightIn.Clone()
	for _, m := range cl.State.Inflight.GetAll() {
		cl.State.PacketIDs.Claim(m.Packet.PacketID)
	}
	for _, m := range cl.State.InflightIn.GetAll() {
		cl.State.PacketIDs.Claim(m.Packet.PacketID)
	}

	// Queued messages routed while the session was detached move to the
	// successor's queues in order.
	moveQueued(existing.State.bestEffort, cl.State.bestEffort)
	moveQueued(existing.State.guaranteed, cl.State.guaranteed)

	for filter, sub := range existing.State.Subscriptions.GetAll() {
		if s.Topics.Subscribe(cl.Key, sub) { // [MQTT-3.8.4-3]
			atomic.AddInt64(&s.Info.Subscriptions, 1)
		}
		cl.State.Subscriptions.Add(filter, sub)
	}

	s.UnsubscribeClient(existing)
	s.Clients.Remove(existing)

	s.Log.Debug("session taken over", "client", cl.ID, "old_remote", existing.Net.Remote, "new_remote", cl.Net.Remote)

	return true // [MQTT-3.2.2-2]
}

// moveQueued transfers any buffered packets from one queue channel to another
// without blocking on either.
func moveQueued(from, to chan packets.Packet) {
	for {
		select {
		case pk := <-from:
			select {
			case to <- pk:
			default:
				return
			}
		default:
			return
		}
	}
}

// SendConnack returns a Connack packet to a client.
func (s *Server) SendConnack(cl *Client, reason packets.Code, present bool) error {
	if reason.Failure {
		present = false // [MQTT-3.2.2-4]
	}

	ack := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Connack,
		},
		SessionPresent: present,
		ReturnCode:     reason.Code, // [MQTT-3.2.2-6]
	}
	return cl.WritePacket(ack)
}

// processPacket processes an inbound packet for a client.
func (s *Server) processPacket(cl *Client, pk packets.Packet) error {
	switch pk.FixedHeader.Type {
	case packets.Connect:
		return s.processConnect(cl, pk)
	case packets.Disconnect:
		return s.processDisconnect(cl, pk)
	case packets.Pingreq:
		return s.processPingreq(cl, pk)
	case packets.Publish:
		if code := pk.PublishValidate(); code != packets.CodeAccepted {
			return code
		}
		return s.processPublish(cl, pk)
	case packets.Puback:
		return s.processPuback(cl, pk)
	case packets.Pubrec:
		return s.processPubrec(cl, pk)
	case packets.Pubrel:
		return s.processPubrel(cl, pk)
	case packets.Pubcomp:
		return s.processPubcomp(cl, pk)
	case packets.Subscribe:
		if code := pk.SubscribeValidate(); code != packets.CodeAccepted {
			return code
		}
		return s.processSubscribe(cl, pk)
	case packets.Unsubscribe:
		if code := pk.UnsubscribeValidate(); code != packets.CodeAccepted {
			return code
		}
		return s.processUnsubscribe(cl, pk)
	default:
		return fmt.Errorf("%w: %v", packets.ErrNoValidPacketAvailable, pk.FixedHeader.Type)
	}
}

// processConnect processes a Connect packet. The packet cannot be used to establish
// a new connection on an existing connection. See EstablishConnection instead.
func (s *Server) processConnect(cl *Client, _ packets.Packet) error {
	return ErrProtocolViolation // [MQTT-3.1.0-2]
}

// processPingreq processes a Pingreq packet.
func (s *Server) processPingreq(cl *Client, _ packets.Packet) error {
	return cl.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Pingresp, // [MQTT-3.12.4-1]
		},
	})
}

// processPublish processes a Publish packet.
func (s *Server) processPublish(cl *Client, pk packets.Packet) error {
	if !IsValidFilter(pk.TopicName, true) {
		return nil
	}

	if !s.hooks.OnACLCheck(cl, pk.TopicName, true) {
		if pk.FixedHeader.Qos == 0 {
			return nil
		}

		return packets.ErrNotAuthorized
	}

	pk.Origin = cl.ID
	pk.Created = time.Now().Unix()

	if pk.FixedHeader.Qos > s.Options.Capabilities.MaximumQos {
		pk.FixedHeader.Qos = s.Options.Capabilities.MaximumQos
	}

	pkx, err := s.hooks.OnPublish(cl, pk)
	if err == nil {
		pk = pkx
	} else if errors.Is(err, packets.ErrRejectPacket) {
		return nil
	}

	if pk.FixedHeader.Qos == 2 {
		if _, ok := cl.State.InflightIn.Get(pk.PacketID); ok {
			// A duplicate delivery of an unreleased message: acknowledge it
			// again but do not fan out twice. [MQTT-4.3.3-2]
			return cl.WritePacket(packets.Packet{
				FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
				PacketID:    pk.PacketID,
			})
		}

		cl.State.InflightIn.Set(InflightMessage{Packet: pk, State: NotReleased, Sent: pk.Created})
		cl.State.PacketIDs.Claim(pk.PacketID)
	}

	if pk.FixedHeader.Retain { // [MQTT-3.3.1-5]
		s.retainMessage(cl, pk)
	}

	s.publishToSubscribers(pk)
	s.hooks.OnPublished(cl, pk)

	switch pk.FixedHeader.Qos {
	case 1:
		return cl.WritePacket(packets.Packet{ // [MQTT-4.3.2-2]
			FixedHeader: packets.FixedHeader{Type: packets.Puback},
			PacketID:    pk.PacketID,
		})
	case 2:
		return cl.WritePacket(packets.Packet{ // [MQTT-4.3.3-2]
			FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
			PacketID:    pk.PacketID,
		})
	}

	return nil
}

// retainMessage adds a message to a topic, and if a persistent store is
// provided, the event is exposed for the store to observe.
func (s *Server) retainMessage(cl *Client, pk packets.Packet) {
	out := pk.Copy()
	out.FixedHeader.Retain = true
	r := s.Topics.RetainMessage(out)
	s.hooks.OnRetainMessage(cl, pk, r)
	atomic.StoreInt64(&s.Info.Retained, int64(s.Topics.Retained.Len()))
}

// publishToSubscribers fans a publish packet out to all subscribers with
// matching topic filters. Fan-out is best-effort and non-atomic: a
// destination whose guaranteed queue overflows is terminated without
// affecting the other destinations.
func (s *Server) publishToSubscribers(pk packets.Packet) {
	if pk.Created == 0 {
		pk.Created = time.Now().Unix()
	}

	for key, grantedQos := range s.Topics.Subscribers(pk.TopicName) {
		cl, ok := s.Clients.GetByKey(key)
		if !ok {
			continue
		}

		err := s.publishToClient(cl, grantedQos, pk)
		if err != nil {
			s.Log.Debug("failed publishing packet", "error", err, "client", cl.ID, "topic", pk.TopicName)
		}
	}
}

// publishToClient routes a copy of a publish packet onto the delivery queue
// matching its effective qos. [MQTT-3.8.4-6]
func (s *Server) publishToClient(cl *Client, grantedQos byte, pk packets.Packet) error {
	out := pk.Copy()
	if out.FixedHeader.Qos > grantedQos {
		out.FixedHeader.Qos = grantedQos
	}
	if out.FixedHeader.Qos > s.Options.Capabilities.MaximumQos {
		out.FixedHeader.Qos = s.Options.Capabilities.MaximumQos
	}
	out.FixedHeader.Retain = false // [MQTT-3.3.1-9]
	out.PacketID = 0

	if out.FixedHeader.Qos == 0 {
		cl.EnqueueBestEffort(out)
		return nil
	}

	err := cl.EnqueueGuaranteed(out)
	if err != nil {
		s.terminateClient(cl, err)
		return err
	}

	return nil
}

// publishRetainedToClient sends any retained messages matching a newly
// subscribed filter to the client, with the retain flag intact. [MQTT-3.3.1-6]
func (s *Server) publishRetainedToClient(cl *Client, sub packets.Subscription) {
	for _, pkv := range s.Topics.Messages(sub.Filter) { // [MQTT-3.3.1-6]
		out := pkv.Copy()
		if out.FixedHeader.Qos > sub.Qos {
			out.FixedHeader.Qos = sub.Qos
		}
		out.FixedHeader.Retain = true // [MQTT-3.3.1-8]
		out.PacketID = 0

		if out.FixedHeader.Qos == 0 {
			cl.EnqueueBestEffort(out)
			continue
		}

		if err := cl.EnqueueGuaranteed(out); err != nil {
			s.terminateClient(cl, err)
			return
		}
	}
}

// terminateClient forcibly ends a session, abandoning its submitters and
// removing it from the registry. Used when a guaranteed delivery queue
// overflows, which is fatal to the session.
func (s *Server) terminateClient(cl *Client, err error) {
	s.Log.Warn("session terminated", "error", err, "client", cl.ID, "listener", cl.Net.Listener)
	atomic.AddInt64(&s.Info.MessagesDropped, 1)

	cl.Stop(err)
	cl.ClearInflights(err)
	s.UnsubscribeClient(cl)
	s.Clients.Remove(cl)
	s.hooks.OnSessionTerminated(cl, err)
}

// processPuback processes a Puback packet, denoting completion of a QOS 1 packet sent from the server.
func (s *Server) processPuback(cl *Client, pk packets.Packet) error {
	m, ok := cl.State.Inflight.Get(pk.PacketID)
	if !ok || m.State != AwaitingPuback {
		return ErrProtocolViolation // [MQTT-4.3.2-4]
	}

	if _, ok := cl.State.Inflight.Complete(pk.PacketID, nil); ok { // [MQTT-4.3.2-4]
		cl.State.PacketIDs.Free(pk.PacketID)
		atomic.AddInt64(&s.Info.Inflight, -1)
		s.hooks.OnQosComplete(cl, pk)
	}

	return nil
}

// processPubrec processes a Pubrec packet, denoting receipt of a QOS 2 packet sent from the server.
func (s *Server) processPubrec(cl *Client, pk packets.Packet) error {
	m, ok := cl.State.Inflight.Get(pk.PacketID)
	if !ok || m.State != AwaitingPubrec { // [MQTT-4.3.3-5]
		return ErrProtocolViolation
	}

	cl.State.Inflight.SetState(pk.PacketID, AwaitingPubcomp)

	return cl.WritePacket(packets.Packet{ // [MQTT-4.3.3-4]
		FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
		PacketID:    pk.PacketID,
	})
}

// processPubrel processes a Pubrel packet, denoting completion of a QOS 2 packet sent from the client.
// A pubrel for an already-released id is tolerated and acknowledged again.
func (s *Server) processPubrel(cl *Client, pk packets.Packet) error {
	if _, ok := cl.State.InflightIn.Take(pk.PacketID); ok { // [MQTT-4.3.3-6]
		cl.State.PacketIDs.Free(pk.PacketID)
	}

	return cl.WritePacket(packets.Packet{ // [MQTT-4.3.3-7]
		FixedHeader: packets.FixedHeader{Type: packets.Pubcomp},
		PacketID:    pk.PacketID,
	})
}

// processPubcomp processes a Pubcomp packet, denoting completion of a QOS 2 packet sent from the server.
// A pubcomp for an unknown id is tolerated (the flow may already have completed).
func (s *Server) processPubcomp(cl *Client, pk packets.Packet) error {
	m, ok := cl.State.Inflight.Get(pk.PacketID)
	if ok && m.State != AwaitingPubcomp {
		return ErrProtocolViolation
	}

	if _, ok := cl.State.Inflight.Complete(pk.PacketID, nil); ok { // [MQTT-4.3.3-8]
		cl.State.PacketIDs.Free(pk.PacketID)
		atomic.AddInt64(&s.Info.Inflight, -1)
		s.hooks.OnQosComplete(cl, pk)
	}

	return nil
}

// processSubscribe processes a Subscribe packet.
func (s *Server) processSubscribe(cl *Client, pk packets.Packet) error {
	reasonCodes := make([]byte, len(pk.Filters))
	for i, sub := range pk.Filters {
		if !IsValidFilter(sub.Filter, false) {
			reasonCodes[i] = packets.CodeSubFailure.Code
		} else if !s.hooks.OnACLCheck(cl, sub.Filter, false) {
			reasonCodes[i] = packets.CodeSubFailure.Code // [MQTT-3.8.4-1]
		} else {
			if sub.Qos > s.Options.Capabilities.MaximumQos {
				sub.Qos = s.Options.Capabilities.MaximumQos // [MQTT-3.8.4-6]
			}

			isNew := s.Topics.Subscribe(cl.Key, sub) // [MQTT-3.8.4-3]
			if isNew {
				atomic.AddInt64(&s.Info.Subscriptions, 1)
			}
			cl.State.Subscriptions.Add(sub.Filter, sub)
			pk.Filters[i] = sub

			reasonCodes[i] = sub.Qos // [MQTT-3.9.3-1] [MQTT-3.8.4-5]
		}
	}

	ack := packets.Packet{ // [MQTT-3.8.4-1] [MQTT-3.8.4-4]
		FixedHeader: packets.FixedHeader{
			Type: packets.Suback,
		},
		PacketID:    pk.PacketID, // [MQTT-2.3.1-7] [MQTT-3.8.4-2]
		ReasonCodes: reasonCodes, // [MQTT-3.9.3-1]
	}

	s.hooks.OnSubscribed(cl, pk, reasonCodes)
	err := cl.WritePacket(ack)
	if err != nil {
		return err
	}

	for i, sub := range pk.Filters { // [MQTT-3.3.1-6]
		if reasonCodes[i] == packets.CodeSubFailure.Code {
			continue
		}

		s.publishRetainedToClient(cl, sub)
	}

	return nil
}

// processUnsubscribe processes an unsubscribe packet.
func (s *Server) processUnsubscribe(cl *Client, pk packets.Packet) error {
	for _, sub := range pk.Filters { // [MQTT-3.10.4-1]
		if q := s.Topics.Unsubscribe(sub.Filter, cl.Key); q {
			atomic.AddInt64(&s.Info.Subscriptions, -1)
		}

		cl.State.Subscriptions.Delete(sub.Filter) // [MQTT-3.10.4-2]
	}

	s.hooks.OnUnsubscribed(cl, pk)

	return cl.WritePacket(packets.Packet{ // [MQTT-3.10.4-4]
		FixedHeader: packets.FixedHeader{
			Type: packets.Unsuback,
		},
		PacketID: pk.PacketID, // [MQTT-2.3.1-7] [MQTT-3.10.4-5]
	})
}

// UnsubscribeClient unsubscribes a client from all of their subscriptions.
func (s *Server) UnsubscribeClient(cl *Client) {
	filterMap := cl.State.Subscriptions.GetAll()
	filters := make(packets.Subscriptions, 0, len(filterMap))
	for k, v := range filterMap {
		cl.State.Subscriptions.Delete(k)
		if s.Topics.Unsubscribe(k, cl.Key) {
			atomic.AddInt64(&s.Info.Subscriptions, -1)
		}
		filters = append(filters, v)
	}

	if len(filters) > 0 {
		s.hooks.OnUnsubscribed(cl, packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Unsubscribe}, Filters: filters})
	}
}

// processDisconnect processes a Disconnect packet.
func (s *Server) processDisconnect(cl *Client, _ packets.Packet) error {
	atomic.StoreUint32(&cl.Properties.Will.Flag, 0) // [MQTT-3.14.4-3] clean shutdown drops the will
	return packets.CodeDisconnect                   // [MQTT-3.14.4-1]
}

// Publish publishes a message into the broker from an external source, as if
// it were sent by a connected client. Topics in the $SYS space are permitted;
// topics containing wildcards are refused with ErrInvalidTopic. Acl checks
// are bypassed.
func (s *Server) Publish(topic string, payload []byte, retain bool, qos byte) error {
	if !IsValidFilter(topic, false) || strings.ContainsAny(topic, "+#") {
		return ErrInvalidTopic
	}

	if qos > s.Options.Capabilities.MaximumQos {
		qos = s.Options.Capabilities.MaximumQos
	}

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Qos:    qos,
			Retain: retain,
		},
		TopicName: topic,
		Payload:   payload,
		Origin:    LocalOrigin,
		Created:   time.Now().Unix(),
	}

	if retain {
		s.Topics.RetainMessage(pk.Copy())
		atomic.StoreInt64(&s.Info.Retained, int64(s.Topics.Retained.Len()))
	}

	s.publishToSubscribers(pk)

	return nil
}

// publishSysTopics publishes the current values to the server $SYS topics.
// Due to the int to string conversions this method is not as cheap as
// some of the others so the publishing interval should be set appropriately.
func (s *Server) publishSysTopics() {
	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Retain: true,
		},
		Origin:  LocalOrigin,
		Created: time.Now().Unix(),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	atomic.StoreInt64(&s.Info.MemoryAlloc, int64(m.HeapInuse))
	atomic.StoreInt64(&s.Info.Threads, int64(runtime.NumGoroutine()))
	atomic.StoreInt64(&s.Info.Time, time.Now().Unix())
	atomic.StoreInt64(&s.Info.Uptime, time.Now().Unix()-atomic.LoadInt64(&s.Info.Started))
	atomic.StoreInt64(&s.Info.ClientsTotal, int64(s.Clients.Len()))
	atomic.StoreInt64(&s.Info.ClientsDisconnected, atomic.LoadInt64(&s.Info.ClientsTotal)-atomic.LoadInt64(&s.Info.ClientsConnected))

	info := s.Info.Clone()
	topics := map[string]string{
		SysPrefix + "/broker/version":              info.Version,
		SysPrefix + "/broker/time":                 Int64toa(info.Time),
		SysPrefix + "/broker/uptime":               Int64toa(info.Uptime),
		SysPrefix + "/broker/started":              Int64toa(info.Started),
		SysPrefix + "/broker/load/bytes/received":  Int64toa(info.BytesReceived),
		SysPrefix + "/broker/load/bytes/sent":      Int64toa(info.BytesSent),
		SysPrefix + "/broker/clients/connected":    Int64toa(info.ClientsConnected),
		SysPrefix + "/broker/clients/disconnected": Int64toa(info.ClientsDisconnected),
		SysPrefix + "/broker/clients/total":        Int64toa(info.ClientsTotal),
		SysPrefix + "/broker/packets/received":     Int64toa(info.PacketsReceived),
		SysPrefix + "/broker/packets/sent":         Int64toa(info.PacketsSent),
		SysPrefix + "/broker/messages/received":    Int64toa(info.MessagesReceived),
		SysPrefix + "/broker/messages/sent":        Int64toa(info.MessagesSent),
		SysPrefix + "/broker/messages/dropped":     Int64toa(info.MessagesDropped),
		SysPrefix + "/broker/messages/inflight":    Int64toa(info.Inflight),
		SysPrefix + "/broker/retained":             Int64toa(info.Retained),
		SysPrefix + "/broker/subscriptions":        Int64toa(info.Subscriptions),
		SysPrefix + "/broker/system/memory":        Int64toa(info.MemoryAlloc),
		SysPrefix + "/broker/system/threads":       Int64toa(info.Threads),
	}

	for topic, payload := range topics {
		pk.TopicName = topic
		pk.Payload = []byte(payload)
		s.Topics.RetainMessage(pk.Copy())
		s.publishToSubscribers(pk)
	}

	s.hooks.OnSysInfoTick(info)
}

// Close attempts to gracefully shut down the server, all listeners, clients, and stores.
func (s *Server) Close() error {
	close(s.done)
	s.Log.Info("gracefully stopping server")
	s.Listeners.CloseAll(s.closeListenerClients)
	s.hooks.OnStopped()
	s.hooks.Stop()

	s.Log.Info("mqtt server stopped")
	return nil
}

// closeListenerClients closes all clients on the specified listener.
func (s *Server) closeListenerClients(listener string) {
	clients := s.Clients.GetByListener(listener)
	for _, cl := range clients {
		cl.Stop(ErrServerShuttingDown)
	}
}

// sendLWT issues an LWT message to a topic when a client disconnects abnormally.
func (s *Server) sendLWT(cl *Client) {
	if atomic.LoadUint32(&cl.Properties.Will.Flag) == 0 {
		return
	}

	modifiedLWT := s.hooks.OnWill(cl, cl.Properties.Will)

	pk := packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type:   packets.Publish,
			Retain: modifiedLWT.Retain, // [MQTT-3.1.2-14] [MQTT-3.1.2-15]
			Qos:    modifiedLWT.Qos,
		},
		TopicName: modifiedLWT.TopicName,
		Payload:   modifiedLWT.Payload,
		Origin:    cl.ID,
		Created:   time.Now().Unix(),
	}

	if pk.FixedHeader.Retain {
		s.retainMessage(cl, pk)
	}

	s.publishToSubscribers(pk)                      // [MQTT-3.1.2-8]
	atomic.StoreUint32(&cl.Properties.Will.Flag, 0) // [MQTT-3.1.2-10]
	s.hooks.OnWillSent(cl, pk)
}

// readStore reads in any data from the persistent datastore (if applicable).
func (s *Server) readStore() error {
	if s.hooks.Provides(StoredClients) {
		clients, err := s.hooks.StoredClients()
		if err != nil {
			return fmt.Errorf("failed to load clients; %w", err)
		}
		s.loadClients(clients)
		s.Log.Debug("loaded clients from store", "len", len(clients))
	}

	if s.hooks.Provides(StoredSubscriptions) {
		subs, err := s.hooks.StoredSubscriptions()
		if err != nil {
			return fmt.Errorf("load subscriptions; %w", err)
		}
		s.loadSubscriptions(subs)
		s.Log.Debug("loaded subscriptions from store", "len", len(subs))
	}

	if s.hooks.Provides(StoredInflightMessages) {
		inflight, err := s.hooks.StoredInflightMessages()
		if err != nil {
			return fmt.Errorf("load inflight; %w", err)
		}
		s.loadInflight(inflight)
		s.Log.Debug("loaded inflights from store", "len", len(inflight))
	}

	if s.hooks.Provides(StoredRetainedMessages) {
		retained, err := s.hooks.StoredRetainedMessages()
		if err != nil {
			return fmt.Errorf("load retained; %w", err)
		}
		s.loadRetained(retained)
		s.Log.Debug("loaded retained messages from store", "len", len(retained))
	}

	if s.hooks.Provides(StoredSysInfo) {
		sysInfo, err := s.hooks.StoredSysInfo()
		if err != nil {
			return fmt.Errorf("load server info; %w", err)
		}
		s.loadServerInfo(sysInfo.Info)
		s.Log.Debug("loaded $SYS info from store")
	}

	return nil
}

// loadServerInfo restores server info from the datastore.
func (s *Server) loadServerInfo(v system.Info) {
	atomic.StoreInt64(&s.Info.Retained, v.Retained)
	atomic.StoreInt64(&s.Info.Inflight, v.Inflight)
	atomic.StoreInt64(&s.Info.Subscriptions, v.Subscriptions)
}

// loadSubscriptions restores subscriptions from the datastore.
func (s *Server) loadSubscriptions(v []storage.Subscription) {
	for _, sub := range v {
		sb := packets.Subscription{
			Filter: sub.Filter,
			Qos:    sub.Qos,
		}
		if cl, ok := s.Clients.Get(sub.Client); ok {
			if s.Topics.Subscribe(cl.Key, sb) {
				cl.State.Subscriptions.Add(sb.Filter, sb)
				atomic.AddInt64(&s.Info.Subscriptions, 1)
			}
		}
	}
}

// loadClients restores clients from the datastore.
func (s *Server) loadClients(v []storage.Client) {
	for _, c := range v {
		cl := s.NewClient(nil, c.Listener, c.ID)
		cl.Properties.Username = c.Username
		cl.Properties.Clean = c.Clean
		cl.Properties.Will = Will(c.Will)
		cl.Stop(ErrServerShuttingDown)

		if !c.Clean {
			s.Clients.Add(cl)
		}
	}
}

// loadInflight restores inflight messages from the datastore.
func (s *Server) loadInflight(v []storage.Message) {
	for _, msg := range v {
		if cl, ok := s.Clients.Get(msg.Client); ok {
			pk := msg.ToPacket()
			state := byte(AwaitingPuback)
			if pk.FixedHeader.Qos == 2 {
				state = AwaitingPubrec
			}
			cl.State.Inflight.Set(InflightMessage{Packet: pk, State: state, Sent: msg.Sent})
			cl.State.PacketIDs.Claim(pk.PacketID)
		}
	}
}

// loadRetained restores retained messages from the datastore.
func (s *Server) loadRetained(v []storage.Message) {
	for _, msg := range v {
		s.Topics.RetainMessage(msg.ToPacket())
	}
	atomic.StoreInt64(&s.Info.Retained, int64(s.Topics.Retained.Len()))
}

// Int64toa converts an int64 to a string.
func Int64toa(v int64) string {
	return strconv.FormatInt(v, 10)
}
