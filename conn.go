// Copyright 2024 Alex Campbell. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package websocket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
)

type connState int32

const (
	stateStartup connState = iota
	stateConnected
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateStartup:
		return "startup"
	case stateConnected:
		return "connected"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	}
	return "none"
}

// conn drives one client connection to completion: handshake, framing,
// dispatch, close handshake. All socket I/O happens on the driver
// goroutine; other goroutines interact with the connection only through
// the write queue, the state word and the cancel channel.
type conn struct {
	id      uint64
	srv     *Server
	t       *transport
	cfg     *Config
	log     Logger
	handler Handler
	limiter *rate.Limiter
	remote  string

	state        atomic.Int32
	lastActivity atomic.Int64 // unix nanos
	closeReqAt   atomic.Int64 // unix nanos, set on entering closing

	cancelOnce sync.Once
	cancelCh   chan struct{}

	// Driver-goroutine state.
	fragment  []byte
	inMessage bool
	peerCode  int

	dispatchOn   bool
	dispatchCh   chan string
	dispatchDone chan struct{}
}

func newConn(id uint64, srv *Server, nc net.Conn, handler Handler) *conn {
	cfg := &srv.cfg
	c := &conn{
		id:           id,
		srv:          srv,
		t:            newTransport(nc, cfg.MaxReceiveSize, cfg.DataPollInterval, cfg.ReadWriteTimeout),
		cfg:          cfg,
		log:          cfg.Logger,
		handler:      handler,
		remote:       nc.RemoteAddr().String(),
		cancelCh:     make(chan struct{}),
		dispatchCh:   make(chan string, 32),
		dispatchDone: make(chan struct{}),
	}
	if cfg.MessageRate > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.MessageRate), cfg.MessageBurst)
	}
	c.touch()
	return c
}

func (c *conn) getState() connState  { return connState(c.state.Load()) }
func (c *conn) setState(s connState) { c.state.Store(int32(s)) }
func (c *conn) touch()               { c.lastActivity.Store(time.Now().UnixNano()) }

func (c *conn) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastActivity.Load()))
}

// abort requests cancellation of the connection's I/O. The driver observes
// it within one poll interval.
func (c *conn) abort() {
	c.cancelOnce.Do(func() { close(c.cancelCh) })
}

func (c *conn) cancelled() bool {
	select {
	case <-c.cancelCh:
		return true
	default:
		return false
	}
}

// run is the connection's driving task.
func (c *conn) run() {
	defer c.finish()

	if err := c.handshake(); err != nil {
		c.logFailure("handshake", err)
		return
	}
	c.log.Debugf("websocket: connection %d from %s established", c.id, c.remote)

	c.dispatchOn = true
	go c.dispatchLoop()
	c.handler.OnConnect(&client{c})

	c.readLoop()
}

// handshake loops in the startup state until the upgrade request is read,
// answered and the connection is live, or until a timeout, parse failure or
// policy rejection terminates it.
func (c *conn) handshake() error {
	for {
		if c.cancelled() {
			return context.Canceled
		}
		req, err := c.t.readHandshake()
		if err == errIncomplete {
			if c.idleFor(time.Now()) > c.cfg.HandshakeTimeout {
				return fmt.Errorf("websocket: handshake timed out: %w", os.ErrDeadlineExceeded)
			}
			continue
		}
		if err == nil {
			switch {
			case req.Service != c.cfg.Service:
				err = errHandshake("service %q not served", req.Service)
			case c.cfg.CheckOrigin != nil && !c.cfg.CheckOrigin(req):
				err = errHandshake("origin %q not allowed", req.Origin)
			}
		}
		if err != nil {
			var he HandshakeError
			if errors.As(err, &he) {
				c.t.enqueue(badRequest().appendTo(nil))
				if derr := c.t.drain(c.cfg.ReadWriteTimeout); derr != nil {
					c.log.Debugf("websocket: connection %d: 400 not delivered: %v", c.id, derr)
				}
			}
			return err
		}

		c.t.enqueue(acceptResponse(req).appendTo(nil))
		if err := c.t.flush(); err != nil {
			return err
		}
		c.setState(stateConnected)
		c.touch()
		return nil
	}
}

// readLoop runs the connected state: flush outbound, read one frame, handle
// it, until the connection leaves the connected state.
func (c *conn) readLoop() {
	for {
		if c.cancelled() {
			c.beginClose(CloseGoingAway)
		}
		if c.getState() != stateConnected {
			return
		}
		if err := c.t.flush(); err != nil {
			c.logFailure("write", err)
			return
		}
		f, err := c.t.readFrame()
		if err == errIncomplete {
			continue
		}
		if err != nil {
			c.failRead(err)
			return
		}
		c.touch()
		c.handleFrame(f)
	}
}

func (c *conn) handleFrame(f Frame) {
	switch f.Opcode {
	case OpText, OpContinuation:
		c.appendFragment(f)
	case OpPing:
		c.t.enqueue(appendFrame(nil, pongFrame(f.Payload)))
	case OpPong:
		// Liveness proof; lastActivity was reset on read.
	case OpClose:
		c.peerClose(f)
	}
}

// appendFragment accumulates a data frame into the message under
// reassembly, dispatching the message when the final fragment arrives.
func (c *conn) appendFragment(f Frame) {
	switch {
	case f.Opcode == OpText && c.inMessage:
		c.log.Warnf("websocket: connection %d: new text frame inside fragmented message", c.id)
		c.beginClose(CloseProtocolError)
		return
	case f.Opcode == OpContinuation && !c.inMessage:
		c.log.Warnf("websocket: connection %d: continuation without a message", c.id)
		c.beginClose(CloseProtocolError)
		return
	}
	if len(c.fragment)+len(f.Payload) > c.cfg.MaxReceiveSize {
		c.log.Warnf("websocket: connection %d: message exceeds %d bytes", c.id, c.cfg.MaxReceiveSize)
		c.beginClose(CloseMessageTooBig)
		return
	}
	c.inMessage = true
	c.fragment = append(c.fragment, f.Payload...)
	if !f.Fin {
		return
	}

	if !utf8.Valid(c.fragment) {
		c.log.Warnf("websocket: connection %d: message is not valid UTF-8", c.id)
		c.beginClose(CloseInvalidFramePayloadData)
		return
	}
	msg := string(c.fragment)
	c.fragment = c.fragment[:0]
	c.inMessage = false

	if c.limiter != nil && !c.limiter.Allow() {
		c.log.Warnf("websocket: connection %d from %s: message rate exceeded", c.id, c.remote)
		c.beginClose(ClosePolicyViolation)
		return
	}

	// Hand the message to the dispatch task. The channel preserves arrival
	// order; the handler runs off the I/O loop.
	select {
	case c.dispatchCh <- msg:
	case <-c.cancelCh:
	}
}

// peerClose handles a close frame from the peer: record the code, echo the
// frame once if we had not initiated closing, and leave the connected
// state.
func (c *conn) peerClose(f Frame) {
	c.peerCode = closeCode(f.Payload)
	if reason := closeReason(f.Payload); reason != "" {
		c.log.Debugf("websocket: connection %d: peer close %d %q", c.id, c.peerCode, reason)
	} else {
		c.log.Debugf("websocket: connection %d: peer close %d", c.id, c.peerCode)
	}
	if c.state.CompareAndSwap(int32(stateConnected), int32(stateClosing)) {
		f.Masked = false
		c.t.enqueue(appendFrame(nil, f))
		c.closeReqAt.Store(time.Now().UnixNano())
	}
}

// beginClose starts the close handshake with the given code. Idempotent:
// only the transition out of the connected state enqueues a close frame.
func (c *conn) beginClose(code int) {
	if c.state.CompareAndSwap(int32(stateConnected), int32(stateClosing)) {
		c.t.enqueue(appendFrame(nil, closeFrame(code)))
		c.closeReqAt.Store(time.Now().UnixNano())
	}
}

// failRead terminates the connection after a read error, answering peer
// mistakes with the matching close code first.
func (c *conn) failRead(err error) {
	switch {
	case errors.Is(err, ErrOversize):
		c.beginClose(CloseMessageTooBig)
	case errors.Is(err, ErrUnsupportedData):
		c.beginClose(CloseUnsupportedData)
	case classify(err) == kindDataFormat:
		c.beginClose(CloseProtocolError)
	}
	c.logFailure("read", err)
}

func (c *conn) logFailure(op string, err error) {
	if errors.Is(err, context.Canceled) {
		return
	}
	kind := classify(err)
	if kind.expected() {
		c.log.Warnf("websocket: connection %d from %s: %s failed (%s): %v", c.id, c.remote, op, kind, err)
	} else {
		c.log.Errorf("websocket: connection %d from %s: %s failed (%s): %v", c.id, c.remote, op, kind, err)
	}
}

// finish drains in-flight writes, releases the socket and runs the handler
// shutdown path. It is the only place the connection reaches the closed
// state.
func (c *conn) finish() {
	if err := c.t.drain(c.cfg.ShutdownTimeout); err != nil {
		c.log.Debugf("websocket: connection %d: drain incomplete: %v", c.id, err)
	}
	c.t.close()
	c.setState(stateClosed)
	if c.dispatchOn {
		close(c.dispatchCh)
		<-c.dispatchDone
	}
	c.srv.forget(c.id)
	c.log.Debugf("websocket: connection %d from %s closed", c.id, c.remote)
}

// dispatchLoop delivers messages to the handler in arrival order, then
// OnClose after the connection terminates.
func (c *conn) dispatchLoop() {
	for msg := range c.dispatchCh {
		c.handler.OnMessage(msg)
	}
	c.handler.OnClose()
	close(c.dispatchDone)
}

// maintain is called from the server's maintenance sweep. It enforces the
// startup and closing deadlines and emits the idle heartbeat. The return
// value reports whether the connection is closed and can be purged.
func (c *conn) maintain(now time.Time) bool {
	switch c.getState() {
	case stateStartup:
		if c.idleFor(now) > c.cfg.HandshakeTimeout {
			c.abort()
		}
	case stateConnected:
		if c.idleFor(now) >= c.cfg.PingInterval {
			// Unsolicited pong as heartbeat, RFC 6455 section 5.5.3.
			c.t.enqueue(appendFrame(nil, pongFrame(nil)))
			c.touch()
		}
	case stateClosing:
		if now.Sub(time.Unix(0, c.closeReqAt.Load())) > c.cfg.ReadWriteTimeout {
			c.abort()
		}
	case stateClosed:
		return true
	}
	return false
}

// sendText enqueues one text frame for the peer. Outside the connected
// state it is a no-op.
func (c *conn) sendText(text string) {
	if c.getState() != stateConnected {
		return
	}
	c.t.enqueue(appendFrame(nil, textFrame([]byte(text))))
}

// client is the capability object handed to the handler. It forwards to
// the owning connection and server; it never exposes either.
type client struct {
	c *conn
}

func (cl *client) ID() uint64         { return cl.c.id }
func (cl *client) RemoteAddr() string { return cl.c.remote }

func (cl *client) Send(text string) { cl.c.sendText(text) }

func (cl *client) Broadcast(text string) {
	if cl.c.getState() == stateClosed {
		return
	}
	cl.c.srv.Broadcast(text)
}

func (cl *client) Close() { cl.c.beginClose(CloseNormalClosure) }
