// Copyright 2024 Alex Campbell. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package websocket

import (
	"bytes"
	"net"
	"os"
	"sync"
	"time"
)

var crlfcrlf = []byte("\r\n\r\n")

// transport owns one stream socket, its read buffer and the outbound write
// queue. Reads never partially return a parsed unit: a call yields a
// complete handshake or frame, errIncomplete, or a terminal error.
//
// The write queue is shared state: any goroutine may enqueue, but only the
// connection's driver goroutine pops and writes, so at most one write is in
// flight on the socket at any time.
type transport struct {
	nc           net.Conn
	maxReceive   int
	pollInterval time.Duration
	writeTimeout time.Duration

	readBuf []byte   // unconsumed inbound bytes, capacity maxReceive+1
	request *Request // cached parsed handshake

	mu     sync.Mutex
	queue  [][]byte
	closed bool
}

func newTransport(nc net.Conn, maxReceive int, pollInterval, writeTimeout time.Duration) *transport {
	return &transport{
		nc:           nc,
		maxReceive:   maxReceive,
		pollInterval: pollInterval,
		writeTimeout: writeTimeout,
		readBuf:      make([]byte, 0, maxReceive+1),
	}
}

// fill performs one bounded read into the spare buffer capacity. It returns
// nil when at least one byte arrived and errIncomplete when the poll
// interval elapsed with nothing to read.
func (t *transport) fill() error {
	spare := t.readBuf[len(t.readBuf):cap(t.readBuf)]
	if len(spare) == 0 {
		return errIncomplete
	}
	if err := t.nc.SetReadDeadline(time.Now().Add(t.pollInterval)); err != nil {
		return err
	}
	n, err := t.nc.Read(spare)
	t.readBuf = t.readBuf[:len(t.readBuf)+n]
	if n > 0 {
		return nil
	}
	if err != nil && os.IsTimeout(err) {
		return errIncomplete
	}
	return err
}

// consume drops the first n bytes of the read buffer.
func (t *transport) consume(n int) {
	m := copy(t.readBuf, t.readBuf[n:])
	t.readBuf = t.readBuf[:m]
}

// readHandshake reads and parses the client's upgrade request. The parsed
// request is cached; repeat calls return it without touching the socket.
func (t *transport) readHandshake() (*Request, error) {
	if t.request != nil {
		return t.request, nil
	}
	for attempt := 0; ; attempt++ {
		if i := bytes.Index(t.readBuf, crlfcrlf); i >= 0 {
			req, err := parseRequest(string(t.readBuf[:i]))
			t.consume(i + len(crlfcrlf))
			if err != nil {
				return nil, err
			}
			t.request = req
			return req, nil
		}
		if len(t.readBuf) == cap(t.readBuf) {
			return nil, errHandshake("upgrade request exceeds %d bytes", t.maxReceive)
		}
		if attempt > 0 {
			return nil, errIncomplete
		}
		if err := t.fill(); err != nil {
			return nil, err
		}
	}
}

// readFrame reads and validates one client frame. Frames from the peer must
// be masked, carry no reserved bits and fit within maxReceive; binary
// frames are refused.
func (t *transport) readFrame() (Frame, error) {
	for attempt := 0; ; attempt++ {
		f, err := t.tryFrame()
		if err != errIncomplete {
			return f, err
		}
		if attempt > 0 {
			return Frame{}, errIncomplete
		}
		if err := t.fill(); err != nil {
			return Frame{}, err
		}
	}
}

func (t *transport) tryFrame() (Frame, error) {
	h, err := parseHeader(t.readBuf)
	if err != nil {
		return Frame{}, err
	}
	if h.frameSize() > uint64(t.maxReceive) {
		return Frame{}, ErrOversize
	}
	if uint64(len(t.readBuf)) < h.frameSize() {
		return Frame{}, errIncomplete
	}
	if !h.Masked {
		return Frame{}, errProtocol("unmasked client frame")
	}
	if err := h.validate(); err != nil {
		return Frame{}, err
	}
	if h.Opcode == OpBinary {
		return Frame{}, ErrUnsupportedData
	}
	f := parseFrame(t.readBuf, h)
	f.Payload = append([]byte(nil), f.Payload...)
	t.consume(int(h.frameSize()))
	return f, nil
}

// writeRaw writes p in full. net.Conn has no partial-success contract the
// caller could act on, so any error terminates the connection.
func (t *transport) writeRaw(p []byte) error {
	if err := t.nc.SetWriteDeadline(time.Now().Add(t.writeTimeout)); err != nil {
		return err
	}
	_, err := t.nc.Write(p)
	return err
}

// enqueue appends one outbound blob to the write queue. Enqueuing after
// close is a no-op.
func (t *transport) enqueue(p []byte) {
	t.mu.Lock()
	if !t.closed {
		t.queue = append(t.queue, p)
	}
	t.mu.Unlock()
}

// dequeueAndWrite pops one blob and writes it. The lock covers only the
// pop, never the socket write.
func (t *transport) dequeueAndWrite() (bool, error) {
	t.mu.Lock()
	if len(t.queue) == 0 {
		t.mu.Unlock()
		return false, nil
	}
	p := t.queue[0]
	t.queue = t.queue[1:]
	t.mu.Unlock()
	return true, t.writeRaw(p)
}

// flush writes queued blobs until the queue is empty.
func (t *transport) flush() error {
	for {
		wrote, err := t.dequeueAndWrite()
		if err != nil {
			return err
		}
		if !wrote {
			return nil
		}
	}
}

// drain writes as many queued blobs as possible within timeout.
func (t *transport) drain(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		wrote, err := t.dequeueAndWrite()
		if err != nil {
			return err
		}
		if !wrote {
			return nil
		}
	}
	return os.ErrDeadlineExceeded
}

func (t *transport) pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

func (t *transport) close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.queue = nil
	t.mu.Unlock()
	return t.nc.Close()
}
