// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 voxoz

package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// dial establishes the transport for a session, choosing the layering from
// the server url scheme, or delegating to a user-supplied dialer if set.
func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	if c.options.Dialer != nil {
		return c.options.Dialer(ctx)
	}

	u, err := url.Parse(c.options.Server)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}

	host := u.Host
	if u.Port() == "" {
		switch u.Scheme {
		case "tcp", "mqtt":
			host = net.JoinHostPort(u.Hostname(), "1883")
		case "tls", "ssl", "mqtts":
			host = net.JoinHostPort(u.Hostname(), "8883")
		case "ws":
			host = net.JoinHostPort(u.Hostname(), "80")
		case "wss":
			host = net.JoinHostPort(u.Hostname(), "443")
		}
	}

	dialer := &net.Dialer{}

	switch u.Scheme {
	case "tcp", "mqtt":
		return dialer.DialContext(ctx, "tcp", host)
	case "tls", "ssl", "mqtts":
		config := c.options.TLSConfig
		if config == nil {
			config = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: config}
		return tlsDialer.DialContext(ctx, "tcp", host)
	case "ws", "wss":
		return c.dialWebsocket(ctx, u)
	default:
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
}

// dialWebsocket opens a websocket connection with the `mqtt` subprotocol and
// wraps it in the byte-stream contract.
func (c *Client) dialWebsocket(ctx context.Context, u *url.URL) (net.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{"mqtt"}, // [MQTT-6.0.0-4]
		TLSClientConfig:  c.options.TLSConfig,
		HandshakeTimeout: c.options.ConnectTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	return &wsConn{Conn: conn.NetConn(), c: conn}, nil
}

// wsConn adapts a client websocket connection to the net.Conn byte-stream
// contract, one binary frame per chunk.
type wsConn struct {
	net.Conn
	c      *websocket.Conn
	reader io.Reader
}

// Read reads the next span of bytes from the websocket connection.
func (ws *wsConn) Read(p []byte) (int, error) {
	if ws.reader == nil {
		op, r, err := ws.c.NextReader()
		if err != nil {
			return 0, err
		}

		if op != websocket.BinaryMessage {
			return 0, errors.New("message type not binary")
		}

		ws.reader = r
	}

	n, err := ws.reader.Read(p)
	if errors.Is(err, io.EOF) {
		ws.reader = nil
		err = nil
	}

	return n, err
}

// Write writes bytes to the websocket connection as a single binary frame.
func (ws *wsConn) Write(p []byte) (int, error) {
	err := ws.c.WriteMessage(websocket.BinaryMessage, p)
	if err != nil {
		return 0, err
	}

	return len(p), nil
}

// Close sends a websocket close frame before releasing the underlying stream.
func (ws *wsConn) Close() error {
	_ = ws.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return ws.Conn.Close()
}
