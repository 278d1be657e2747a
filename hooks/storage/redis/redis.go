// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

// Package redis is a persistent storage hook backed by a redis server, for
// brokers whose session state must survive the host as well as the process.
package redis

import (
	"bytes"
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	mqtt "github.com/voxoz/mqtt"
	"github.com/voxoz/mqtt/hooks/storage"
	"github.com/voxoz/mqtt/packets"
	"github.com/voxoz/mqtt/system"
)

// defaultAddr is the default address to the redis service.
const defaultAddr = "localhost:6379"

// defaultHPrefix is a prefix to better identify hsets created by the hook.
const defaultHPrefix = "mqtt:"

// clientKey returns a primary key for a client.
func clientKey(cl *mqtt.Client) string {
	return cl.ID
}

// subscriptionKey returns a primary key for a subscription.
func subscriptionKey(cl *mqtt.Client, filter string) string {
	return cl.ID + ":" + filter
}

// retainedKey returns a primary key for a retained message.
func retainedKey(topic string) string {
	return topic
}

// inflightKey returns a primary key for an inflight message.
func inflightKey(cl *mqtt.Client, pk packets.Packet) string {
	return cl.ID + ":" + pk.FormatID()
}

// sysInfoKey returns a primary key for system info.
func sysInfoKey() string {
	return storage.SysInfoKey
}

// Options contains configuration settings for the redis instance.
type Options struct {
	Options *redis.Options `yaml:"-" json:"-"`
	HPrefix string         `yaml:"h_prefix" json:"h_prefix"`
	Address string         `yaml:"address" json:"address"`
	Username string        `yaml:"username" json:"username"`
	Password string        `yaml:"password" json:"password"`
	Database int           `yaml:"database" json:"database"`
}

// Hook is a persistent storage hook based using redis as a backend.
type Hook struct {
	mqtt.HookBase
	config *Options        // options for connecting to redis.
	db     *redis.Client   // the redis instance
	ctx    context.Context // a context for the connection
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "redis-db"
}

// Provides indicates which hook methods this hook provides.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mqtt.OnSessionEstablished,
		mqtt.OnDisconnect,
		mqtt.OnSessionTerminated,
		mqtt.OnSubscribed,
		mqtt.OnUnsubscribed,
		mqtt.OnRetainMessage,
		mqtt.OnWillSent,
		mqtt.OnQosPublish,
		mqtt.OnQosComplete,
		mqtt.OnQosDropped,
		mqtt.OnSysInfoTick,
		mqtt.StoredClients,
		mqtt.StoredInflightMessages,
		mqtt.StoredRetainedMessages,
		mqtt.StoredSubscriptions,
		mqtt.StoredSysInfo,
	}, []byte{b})
}

// hKey returns a hash set key with the configured prefix.
func (h *Hook) hKey(s string) string {
	return h.config.HPrefix + s
}

// Init initializes and connects to the redis service.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		h.config.Options = &redis.Options{
			Addr: defaultAddr,
		}

		if h.config.Address != "" {
			h.config.Options.Addr = h.config.Address
		}
		h.config.Options.Username = h.config.Username
		h.config.Options.Password = h.config.Password
		h.config.Options.DB = h.config.Database
	}

	if h.config.HPrefix == "" {
		h.config.HPrefix = defaultHPrefix
	}

	h.ctx = context.Background()
	h.db = redis.NewClient(h.config.Options)

	_, err := h.db.Ping(h.ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping service: %w", err)
	}

	h.Log.Info("connected to redis service", "address", h.config.Options.Addr, "username", h.config.Options.Username, "password-len", len(h.config.Options.Password), "db", h.config.Options.DB)

	return nil
}

// Stop closes the redis connection.
func (h *Hook) Stop() error {
	err := h.db.Close()
	h.db = nil
	return err
}

// OnSessionEstablished adds a client to the store when their session is established.
func (h *Hook) OnSessionEstablished(cl *mqtt.Client, pk packets.Packet) {
	h.updateClient(cl)
}

// OnWillSent is called when a client sends a will message and the will message is removed from the client record.
func (h *Hook) OnWillSent(cl *mqtt.Client, pk packets.Packet) {
	h.updateClient(cl)
}

// updateClient writes the client data to the store.
func (h *Hook) updateClient(cl *mqtt.Client) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := &storage.Client{
		ID:       cl.ID,
		T:        storage.ClientKey,
		Remote:   cl.Net.Remote,
		Listener: cl.Net.Listener,
		Username: cl.Properties.Username,
		Clean:    cl.Properties.Clean,
		Will:     storage.ClientWill(cl.Properties.Will),
	}

	err := h.db.HSet(h.ctx, h.hKey(storage.ClientKey), clientKey(cl), in).Err()
	if err != nil {
		h.Log.Error("failed to hset client data", "error", err, "data", in)
	}
}

// OnDisconnect removes a client from the store if their session has expired.
func (h *Hook) OnDisconnect(cl *mqtt.Client, _ error, expire bool) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	h.updateClient(cl)

	if !expire || cl.IsTakenOver() {
		return
	}

	h.removeClient(cl)
}

// OnSessionTerminated removes a forcibly terminated session from the store.
func (h *Hook) OnSessionTerminated(cl *mqtt.Client, _ error) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	h.removeClient(cl)
}

// removeClient deletes a client and its subscriptions from the store.
func (h *Hook) removeClient(cl *mqtt.Client) {
	for filter := range cl.State.Subscriptions.GetAll() {
		err := h.db.HDel(h.ctx, h.hKey(storage.SubscriptionKey), subscriptionKey(cl, filter)).Err()
		if err != nil {
			h.Log.Error("failed to hdel subscription data", "error", err, "client", cl.ID, "filter", filter)
		}
	}

	err := h.db.HDel(h.ctx, h.hKey(storage.ClientKey), clientKey(cl)).Err()
	if err != nil {
		h.Log.Error("failed to hdel client data", "error", err, "client", cl.ID)
	}
}

// OnSubscribed adds one or more client subscriptions to the store.
func (h *Hook) OnSubscribed(cl *mqtt.Client, pk packets.Packet, reasonCodes []byte) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	for i, sub := range pk.Filters {
		if reasonCodes[i] == packets.CodeSubFailure.Code {
			continue
		}

		in := &storage.Subscription{
			ID:     subscriptionKey(cl, sub.Filter),
			T:      storage.SubscriptionKey,
			Client: cl.ID,
			Filter: sub.Filter,
			Qos:    reasonCodes[i],
		}

		err := h.db.HSet(h.ctx, h.hKey(storage.SubscriptionKey), in.ID, in).Err()
		if err != nil {
			h.Log.Error("failed to hset subscription data", "error", err, "data", in)
		}
	}
}

// OnUnsubscribed removes one or more client subscriptions from the store.
func (h *Hook) OnUnsubscribed(cl *mqtt.Client, pk packets.Packet) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	for _, sub := range pk.Filters {
		err := h.db.HDel(h.ctx, h.hKey(storage.SubscriptionKey), subscriptionKey(cl, sub.Filter)).Err()
		if err != nil {
			h.Log.Error("failed to hdel subscription data", "error", err, "client", cl.ID, "filter", sub.Filter)
		}
	}
}

// OnRetainMessage adds a retained message for a topic to the store.
func (h *Hook) OnRetainMessage(cl *mqtt.Client, pk packets.Packet, r int64) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	if r == -1 {
		err := h.db.HDel(h.ctx, h.hKey(storage.RetainedKey), retainedKey(pk.TopicName)).Err()
		if err != nil {
			h.Log.Error("failed to hdel retained message", "error", err, "topic", pk.TopicName)
		}
		return
	}

	in := &storage.Message{
		ID:          retainedKey(pk.TopicName),
		T:           storage.RetainedKey,
		FixedHeader: pk.FixedHeader,
		TopicName:   pk.TopicName,
		Payload:     pk.Payload,
		Created:     pk.Created,
		Origin:      pk.Origin,
	}

	err := h.db.HSet(h.ctx, h.hKey(storage.RetainedKey), in.ID, in).Err()
	if err != nil {
		h.Log.Error("failed to hset retained message", "error", err, "data", in)
	}
}

// OnQosPublish adds or updates an inflight message in the store.
func (h *Hook) OnQosPublish(cl *mqtt.Client, pk packets.Packet, sent int64, resends int) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := &storage.Message{
		ID:          inflightKey(cl, pk),
		T:           storage.InflightKey,
		Client:      cl.ID,
		FixedHeader: pk.FixedHeader,
		TopicName:   pk.TopicName,
		Payload:     pk.Payload,
		Created:     pk.Created,
		Sent:        sent,
		PacketID:    pk.PacketID,
		Origin:      pk.Origin,
	}

	err := h.db.HSet(h.ctx, h.hKey(storage.InflightKey), in.ID, in).Err()
	if err != nil {
		h.Log.Error("failed to hset inflight message", "error", err, "data", in)
	}
}

// OnQosComplete removes a resolved inflight message from the store.
func (h *Hook) OnQosComplete(cl *mqtt.Client, pk packets.Packet) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	err := h.db.HDel(h.ctx, h.hKey(storage.InflightKey), inflightKey(cl, pk)).Err()
	if err != nil {
		h.Log.Error("failed to hdel inflight message", "error", err, "client", cl.ID, "id", pk.PacketID)
	}
}

// OnQosDropped removes a dropped inflight message from the store.
func (h *Hook) OnQosDropped(cl *mqtt.Client, pk packets.Packet) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
	}

	h.OnQosComplete(cl, pk)
}

// OnSysInfoTick stores the latest system info in the store.
func (h *Hook) OnSysInfoTick(sys *system.Info) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	in := &storage.SystemInfo{
		ID:   sysInfoKey(),
		T:    storage.SysInfoKey,
		Info: *sys,
	}

	err := h.db.HSet(h.ctx, h.hKey(storage.SysInfoKey), in.ID, in).Err()
	if err != nil {
		h.Log.Error("failed to hset $SYS data", "error", err, "data", in)
	}
}

// StoredClients returns all stored clients from the store.
func (h *Hook) StoredClients() (v []storage.Client, err error) {
	if h.db == nil {
		return v, storage.ErrDBFileNotOpen
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.ClientKey)).Result()
	if err != nil && !isNil(err) {
		return v, fmt.Errorf("failed to hgetall client data: %w", err)
	}

	for _, row := range rows {
		var d storage.Client
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal client data", "error", err, "data", row)
			continue
		}
		v = append(v, d)
	}

	return v, nil
}

// StoredSubscriptions returns all stored subscriptions from the store.
func (h *Hook) StoredSubscriptions() (v []storage.Subscription, err error) {
	if h.db == nil {
		return v, storage.ErrDBFileNotOpen
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.SubscriptionKey)).Result()
	if err != nil && !isNil(err) {
		return v, fmt.Errorf("failed to hgetall subscription data: %w", err)
	}

	for _, row := range rows {
		var d storage.Subscription
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal subscription data", "error", err, "data", row)
			continue
		}
		v = append(v, d)
	}

	return v, nil
}

// StoredRetainedMessages returns all stored retained messages from the store.
func (h *Hook) StoredRetainedMessages() (v []storage.Message, err error) {
	if h.db == nil {
		return v, storage.ErrDBFileNotOpen
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.RetainedKey)).Result()
	if err != nil && !isNil(err) {
		return v, fmt.Errorf("failed to hgetall retained message data: %w", err)
	}

	for _, row := range rows {
		var d storage.Message
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal retained message data", "error", err, "data", row)
			continue
		}
		v = append(v, d)
	}

	return v, nil
}

// StoredInflightMessages returns all stored inflight messages from the store.
func (h *Hook) StoredInflightMessages() (v []storage.Message, err error) {
	if h.db == nil {
		return v, storage.ErrDBFileNotOpen
	}

	rows, err := h.db.HGetAll(h.ctx, h.hKey(storage.InflightKey)).Result()
	if err != nil && !isNil(err) {
		return v, fmt.Errorf("failed to hgetall inflight message data: %w", err)
	}

	for _, row := range rows {
		var d storage.Message
		if err = d.UnmarshalBinary([]byte(row)); err != nil {
			h.Log.Error("failed to unmarshal inflight message data", "error", err, "data", row)
			continue
		}
		v = append(v, d)
	}

	return v, nil
}

// StoredSysInfo returns the system info from the store.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	if h.db == nil {
		return v, storage.ErrDBFileNotOpen
	}

	row, err := h.db.HGet(h.ctx, h.hKey(storage.SysInfoKey), sysInfoKey()).Result()
	if err != nil && err != redis.Nil {
		return v, fmt.Errorf("failed to hget $SYS data: %w", err)
	}

	if err = v.UnmarshalBinary([]byte(row)); err != nil {
		return v, err
	}

	return v, nil
}

// isNil returns true if the error is a redis nil reply.
func isNil(err error) bool {
	return err == redis.Nil
}
