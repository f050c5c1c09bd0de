// Copyright 2024 Alex Campbell. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package websocket

// Client is the capability surface a connection grants its handler. It is
// constructed by the connection at attach time and stays valid until
// OnClose returns; calls after that are no-ops.
type Client interface {
	// ID returns the connection's process-wide unique identifier.
	ID() uint64

	// RemoteAddr returns the peer's network address.
	RemoteAddr() string

	// Send enqueues a text message on this connection.
	Send(text string)

	// Broadcast enqueues a text message on every connection the server
	// knows about, including this one.
	Broadcast(text string)

	// Close starts the close handshake with code 1000. Idempotent.
	Close()
}

// Handler reacts to events on one connection. Each connection owns exactly
// one handler, produced by the server's Generator; the connection invokes
// its methods in order, one at a time.
type Handler interface {
	// OnConnect is called once, after the handshake completes.
	OnConnect(c Client)

	// OnMessage is called with each complete text message, in arrival
	// order. It runs off the connection's I/O loop, so it may block
	// without stalling reads.
	OnMessage(text string)

	// OnClose is called once, after the connection has terminated.
	OnClose()
}
