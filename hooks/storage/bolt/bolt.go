// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

// Package bolt is a persistent storage hook backed by a boltdb file store.
package bolt

import (
	"bytes"
	"errors"
	"strings"
	"time"

	mqtt "github.com/voxoz/mqtt"
	"github.com/voxoz/mqtt/hooks/storage"
	"github.com/voxoz/mqtt/packets"
	"github.com/voxoz/mqtt/system"
	"go.etcd.io/bbolt"
)

var (
	ErrBucketNotFound = errors.New("bucket not found")
	ErrKeyNotFound    = errors.New("key not found")
)

const (
	// defaultDbFile is the default file path for the boltdb file.
	defaultDbFile = ".bolt"

	// defaultTimeout is the default time to hold a connection to the file.
	defaultTimeout = 250 * time.Millisecond

	defaultBucket = "mqtt"
)

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

// Options contains configuration settings for the bolt instance.
type Options struct {
	Options *bbolt.Options
	Bucket  string `yaml:"bucket" json:"bucket"`
	Path    string `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook based using boltdb file store as a backend.
type Hook struct {
	mqtt.HookBase
	config *Options  // options for configuring the boltdb instance.
	db     *bbolt.DB // the boltdb instance.
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "bolt-db"
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

// Init initializes and connects to the boltdb instance.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		h.config.Options = &bbolt.Options{
			Timeout: defaultTimeout,
		}
	}
	if len(h.config.Path) == 0 {
		h.config.Path = defaultDbFile
	}

	if len(h.config.Bucket) == 0 {
		h.config.Bucket = defaultBucket
	}

	var err error
	h.db, err = bbolt.Open(h.config.Path, 0600, h.config.Options)
	if err != nil {
		return err
	}

	return h.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(h.config.Bucket))
		return err
	})
}

// Stop closes the boltdb instance.
func (h *Hook) Stop() error {
	err := h.db.Close()
	h.db = nil
	return err
}

// OnSessionEstablished adds a client to the store when their session is established.
func (h *Hook) OnSessionEstablished(cl *mqtt.Client, pk packets.Packet) {
	h.updateClient(cl)
}

// OnWillSent is called when a client sends a Will Message and the Will Message is removed from the client record.
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

	err = h.getKv(sysInfoKey(), &v)
	if err != nil && !errors.Is(err, ErrKeyNotFound) {
		return
	}

	return v, nil
}

// setKv stores a serializable value under a key.
func (h *Hook) setKv(k string, v storage.Serializable) error {
	data, err := v.MarshalBinary()
	if err != nil {
		return err
	}

	err = h.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(h.config.Bucket))
		if b == nil {
			return ErrBucketNotFound
		}
		return b.Put([]byte(k), data)
	})
	if err != nil {
		h.Log.Error("failed to upsert data", "error", err, "key", k)
	}

	return err
}

// delKv deletes a value by key.
func (h *Hook) delKv(k string) error {
	err := h.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(h.config.Bucket))
		if b == nil {
			return ErrBucketNotFound
		}
		return b.Delete([]byte(k))
	})
	if err != nil {
		h.Log.Error("failed to delete data", "error", err, "key", k)
	}

	return err
}

// getKv retrieves a serializable value by key.
func (h *Hook) getKv(k string, v storage.Serializable) error {
	return h.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(h.config.Bucket))
		if b == nil {
			return ErrBucketNotFound
		}

		data := b.Get([]byte(k))
		if data == nil {
			return ErrKeyNotFound
		}

		return v.UnmarshalBinary(data)
	})
}

// scanKv iterates all values stored under a key prefix.
func (h *Hook) scanKv(prefix string, fn func(data []byte) error) error {
	return h.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(h.config.Bucket))
		if b == nil {
			return ErrBucketNotFound
		}

		c := b.Cursor()
		p := []byte(prefix)
		for k, data := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, data = c.Next() {
			if err := fn(data); err != nil {
				return err
			}
		}

		return nil
	})
}
