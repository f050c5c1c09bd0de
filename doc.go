// Copyright 2024 Alex Campbell. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package websocket implements a server for the WebSocket protocol defined
// in RFC 6455, speaking directly over TCP.
//
// # Overview
//
// The Server type owns a listener, accepts connections, performs the HTTP
// upgrade handshake and drives each connection through its lifecycle. The
// application supplies a Handler for every connection via the Config
// Generator; the handler receives complete text messages and a Client
// capability object for sending, broadcasting and closing:
//
//	type echo struct{ c websocket.Client }
//
//	func (e *echo) OnConnect(c websocket.Client) { e.c = c }
//	func (e *echo) OnMessage(msg string)         { e.c.Send("I got: " + msg) }
//	func (e *echo) OnClose()                     {}
//
//	srv, err := websocket.NewServer(websocket.Config{
//		Port:      8080,
//		Service:   "chat",
//		Generator: func() websocket.Handler { return &echo{} },
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Start(); err != nil {
//		log.Fatal(err)
//	}
//
// Clients address the server by service name: the last non-empty path
// segment of the request-URI must match the configured Service, so the
// server above answers ws://host:8080/chat and rejects other paths with
// 400.
//
// # Concurrency
//
// Each connection is driven by a single task that serializes its reads,
// writes and state transitions; at most one write is in flight on a socket
// at any time. OnConnect runs on the connection's task before any frame is
// read; OnMessage and OnClose run off the I/O loop, in arrival order, one
// at a time per connection. Broadcast iterates a snapshot of the
// connection registry; there is no cross-connection ordering guarantee.
//
// # Scope
//
// The server speaks protocol version 13, text frames only. Binary frames
// close the connection with 1003, extensions and subprotocols are not
// negotiated, and there is no client mode and no TLS.
package websocket
