// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

// Package badger is a persistent storage hook backed by a badger embedded
// key-value store.
package badger

import (
	"bytes"
	"errors"
	"fmt"

	badgerdb "github.com/dgraph-io/badger/v4"

	mqtt "github.com/voxoz/mqtt"
	"github.com/voxoz/mqtt/hooks/storage"
	"github.com/voxoz/mqtt/packets"
	"github.com/voxoz/mqtt/system"
)

// defaultDbFile is the default file path for the badger db files.
const defaultDbFile = ".badger"

// clientKey returns a primary key for a client.
func clientKey(cl *mqtt.Client) string {
	return storage.ClientKey + "_" + cl.ID
}

// subscriptionKey returns a primary key for a subscription.
func subscriptionKey(cl *mqtt.Client, filter string) string {
	return storage.SubscriptionKey + "_" + cl.ID + ":" + filter
}

// retainedKey returns a primary key for a retained message.
func retainedKey(topic string) string {
	return storage.RetainedKey + "_" + topic
}

// inflightKey returns a primary key for an inflight message.
func inflightKey(cl *mqtt.Client, pk packets.Packet) string {
	return storage.InflightKey + "_" + cl.ID + ":" + pk.FormatID()
}

// sysInfoKey returns a primary key for system info.
func sysInfoKey() string {
	return storage.SysInfoKey
}

// Options contains configuration settings for the badger instance.
type Options struct {
	Options *badgerdb.Options
	Path    string `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook based using badger file store as a backend.
type Hook struct {
	mqtt.HookBase
	config *Options     // options for configuring the badger instance.
	db     *badgerdb.DB // the badger instance.
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "badger-db"
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

// Init initializes and connects to the badger instance.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if len(h.config.Path) == 0 {
		h.config.Path = defaultDbFile
	}

	options := badgerdb.DefaultOptions(h.config.Path)
	options.Logger = nil
	if h.config.Options != nil {
		options = *h.config.Options
	}

	var err error
	h.db, err = badgerdb.Open(options)
	return err
}

// Stop closes the badger instance.
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

	_ = h.setKv(clientKey(cl), in)
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
		_ = h.delKv(subscriptionKey(cl, filter))
	}

	_ = h.delKv(clientKey(cl))
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

		_ = h.setKv(in.ID, in)
	}
}

// OnUnsubscribed removes one or more client subscriptions from the store.
func (h *Hook) OnUnsubscribed(cl *mqtt.Client, pk packets.Packet) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	for _, sub := range pk.Filters {
		_ = h.delKv(subscriptionKey(cl, sub.Filter))
	}
}

// OnRetainMessage adds a retained message for a topic to the store.
func (h *Hook) OnRetainMessage(cl *mqtt.Client, pk packets.Packet, r int64) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	if r == -1 {
		_ = h.delKv(retainedKey(pk.TopicName))
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

	_ = h.setKv(in.ID, in)
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

	_ = h.setKv(in.ID, in)
}

// OnQosComplete removes a resolved inflight message from the store.
func (h *Hook) OnQosComplete(cl *mqtt.Client, pk packets.Packet) {
	if h.db == nil {
		h.Log.Error("", "error", storage.ErrDBFileNotOpen)
		return
	}

	_ = h.delKv(inflightKey(cl, pk))
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

	_ = h.setKv(in.ID, in)
}

// StoredClients returns all stored clients from the store.
func (h *Hook) StoredClients() (v []storage.Client, err error) {
	if h.db == nil {
		return v, storage.ErrDBFileNotOpen
	}

	err = h.scanKv(storage.ClientKey+"_", func(data []byte) error {
		d := storage.Client{}
		if err := d.UnmarshalBinary(data); err != nil {
			return err
		}
		v = append(v, d)
		return nil
	})

	return v, err
}

// StoredSubscriptions returns all stored subscriptions from the store.
func (h *Hook) StoredSubscriptions() (v []storage.Subscription, err error) {
	if h.db == nil {
		return v, storage.ErrDBFileNotOpen
	}

	err = h.scanKv(storage.SubscriptionKey+"_", func(data []byte) error {
		d := storage.Subscription{}
		if err := d.UnmarshalBinary(data); err != nil {
			return err
		}
		v = append(v, d)
		return nil
	})

	return v, err
}

// StoredRetainedMessages returns all stored retained messages from the store.
func (h *Hook) StoredRetainedMessages() (v []storage.Message, err error) {
	if h.db == nil {
		return v, storage.ErrDBFileNotOpen
	}

	err = h.scanKv(storage.RetainedKey+"_", func(data []byte) error {
		d := storage.Message{}
		if err := d.UnmarshalBinary(data); err != nil {
			return err
		}
		v = append(v, d)
		return nil
	})

	return v, err
}

// StoredInflightMessages returns all stored inflight messages from the store.
func (h *Hook) StoredInflightMessages() (v []storage.Message, err error) {
	if h.db == nil {
		return v, storage.ErrDBFileNotOpen
	}

	err = h.scanKv(storage.InflightKey+"_", func(data []byte) error {
		d := storage.Message{}
		if err := d.UnmarshalBinary(data); err != nil {
			return err
		}
		v = append(v, d)
		return nil
	})

	return v, err
}

// StoredSysInfo returns the system info from the store.
func (h *Hook) StoredSysInfo() (v storage.SystemInfo, err error) {
	if h.db == nil {
		return v, storage.ErrDBFileNotOpen
	}

	err = h.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(sysInfoKey()))
		if err != nil {
			return err
		}
		return item.Value(func(data []byte) error {
			return v.UnmarshalBinary(data)
		})
	})
	if err != nil && !errors.Is(err, badgerdb.ErrKeyNotFound) {
		return v, err
	}

	return v, nil
}

// setKv stores a serializable value under a key.
func (h *Hook) setKv(k string, v storage.Serializable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	err = h.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(k), data)
	})
	if err != nil {
		h.Log.Error("failed to upsert data", "error", err, "key", k)
	}

	return err
}

// delKv deletes a value by key.
func (h *Hook) delKv(k string) error {
	err := h.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(k))
	})
	if err != nil {
		h.Log.Error("failed to delete data", "error", err, "key", k)
	}

	return err
}

// scanKv iterates all values stored under a key prefix.
func (h *Hook) scanKv(prefix string, fn func(data []byte) error) error {
	err := h.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			err := it.Item().Value(func(data []byte) error {
				return fn(data)
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}

	return nil
}
