// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

// Package listeners contains the transport stack of the broker: network
// listeners which accept connections and present them to the server as a
// uniform byte-stream, with TLS and WebSocket framing layered beneath.
package listeners

import (
	"crypto/tls"
	"sync"

	"log/slog"

	"net"
)

// Constants for the types of listeners available on the server.
const (
	TypeTCP         = "tcp"
	TypeWS          = "ws"
	TypeHealthCheck = "healthcheck"
	TypeMock        = "mock"
)

// Config contains configuration values for a listener.
type Config struct {
	// TLSConfig is a tls.Config configuration to be used with the listener.
	TLSConfig *tls.Config `yaml:"-" json:"-"`

	ID      string `yaml:"id" json:"id"`
	Address string `yaml:"address" json:"address"`
	Type    string `yaml:"type" json:"type"`
}

// EstablishFn is a callback function for establishing new clients. It is
// invoked in a new goroutine for each accepted connection, so a slow or
// failing handshake never disturbs the accept loop. A WebSocket upgrade has
// completed before the call; a TLS handshake runs on the connection's first
// read, inside that goroutine.
type EstablishFn func(id string, c net.Conn) error

// CloseFn is a callback function for closing all listener clients.
type CloseFn func(id string)

// Listener is an interface for network listeners. A network listener listens
// for incoming client connections and adds them to the server.
type Listener interface {
	Init(*slog.Logger) error // open the network address
	Serve(EstablishFn)       // starting actively listening for new connections
	ID() string              // return the id of the listener
	Address() string         // the address of the listener
	Protocol() string        // the protocol in use by the listener
	Close(CloseFn)           // stop and close the listener
}

// Listeners contains the network listeners for the broker.
type Listeners struct {
	ClientsWg sync.WaitGroup      // a waitgroup that waits for all clients in all listeners to finish.
	internal  map[string]Listener // a map of active listeners.
	wg        sync.WaitGroup      // a waitgroup that waits for all listeners to finish.
	sync.RWMutex
}

// New returns a new instance of Listeners.
func New() *Listeners {
	return &Listeners{
		internal: map[string]Listener{},
	}
}

// Add adds a new listener to the listeners map, keyed on id.
func (l *Listeners) Add(val Listener) {
	l.Lock()
	defer l.Unlock()
	l.internal[val.ID()] = val
}

// Get returns the value of a listener if it exists.
func (l *Listeners) Get(id string) (Listener, bool) {
	l.RLock()
	defer l.RUnlock()
	val, ok := l.internal[id]
	return val, ok
}

// Len returns the length of the listeners map.
func (l *Listeners) Len() int {
	l.RLock()
	defer l.RUnlock()
	return len(l.internal)
}

// Delete removes a listener from the internal map.
func (l *Listeners) Delete(id string) {
	l.Lock()
	defer l.Unlock()
	delete(l.internal, id)
}

// Serve starts a listener serving from the internal map.
func (l *Listeners) Serve(id string, establisher EstablishFn) {
	l.RLock()
	listener := l.internal[id]
	l.RUnlock()

	go func(e EstablishFn) {
		defer l.wg.Done()
		l.wg.Add(1)
		listener.Serve(e)
	}(establisher)
}

// ServeAll starts all listeners serving from the internal map.
func (l *Listeners) ServeAll(establisher EstablishFn) {
	l.RLock()
	i := 0
	ids := make([]string, len(l.internal))
	for id := range l.internal {
		ids[i] = id
		i++
	}
	l.RUnlock()

	for _, id := range ids {
		l.Serve(id, establisher)
	}
}

// Close stops a listener from the internal map.
func (l *Listeners) Close(id string, closer CloseFn) {
	l.RLock()
	listener := l.internal[id]
	l.RUnlock()

	if listener != nil {
		listener.Close(closer)
	}
}

// CloseAll iterates and closes all registered listeners.
func (l *Listeners) CloseAll(closer CloseFn) {
	l.RLock()
	i := 0
	ids := make([]string, len(l.internal))
	for id := range l.internal {
		ids[i] = id
		i++
	}
	l.RUnlock()

	for _, id := range ids {
		l.Close(id, closer)
	}
	l.wg.Wait()
}
