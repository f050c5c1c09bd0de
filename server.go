// Copyright 2024 Alex Campbell. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package websocket

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/netutil"
)

// Connection ids are monotonic and unique for the process lifetime,
// allocated under their own lock.
var (
	idMu   sync.Mutex
	lastID uint64
)

func nextID() uint64 {
	idMu.Lock()
	defer idMu.Unlock()
	lastID++
	return lastID
}

// ConnectionInfo describes one live connection in a registry snapshot.
type ConnectionInfo struct {
	ID         uint64
	RemoteAddr string
	State      string
}

// Server accepts WebSocket connections on a TCP port and runs one driving
// task per connection, plus an accept task and a maintenance sweep.
type Server struct {
	cfg Config
	log Logger

	mu      sync.Mutex
	conns   map[uint64]*conn
	ln      net.Listener
	running bool
	done    chan struct{}

	connWG sync.WaitGroup
	loopWG sync.WaitGroup
}

// NewServer validates cfg, applies defaults and returns an unstarted
// server.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	return &Server{
		cfg:   cfg,
		log:   cfg.Logger,
		conns: make(map[uint64]*conn),
	}, nil
}

// Start binds the listener and launches the accept and maintenance tasks.
// A bind failure is the only fatal startup error; it is returned to the
// caller.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("websocket: server already running")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("0.0.0.0:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("websocket: bind port %d: %w", s.cfg.Port, err)
	}
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}
	s.ln = ln
	s.running = true
	s.done = make(chan struct{})

	s.loopWG.Add(2)
	go s.acceptLoop()
	go s.sweepLoop()

	s.log.Infof("websocket: serving %q on %s", s.cfg.Service, ln.Addr())
	return nil
}

// Addr returns the listener address, useful when the configured port was
// chosen by the OS.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) acceptLoop() {
	defer s.loopWG.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Warnf("websocket: accept failed: %v", err)
			time.Sleep(s.cfg.AcceptPollInterval)
			continue
		}
		s.register(nc)
	}
}

// register configures the accepted socket and spawns its driving task.
func (s *Server) register(nc net.Conn) {
	if tc, ok := nc.(*net.TCPConn); ok {
		if err := tc.SetReadBuffer(s.cfg.ReceiveBufferSize); err != nil {
			s.log.Debugf("websocket: set receive buffer: %v", err)
		}
		if err := tc.SetWriteBuffer(s.cfg.SendBufferSize); err != nil {
			s.log.Debugf("websocket: set send buffer: %v", err)
		}
	}

	c := newConn(nextID(), s, nc, s.cfg.Generator())

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		nc.Close()
		return
	}
	s.conns[c.id] = c
	s.mu.Unlock()

	s.log.Debugf("websocket: connection %d accepted from %s", c.id, c.remote)
	s.connWG.Add(1)
	go func() {
		defer s.connWG.Done()
		c.run()
	}()
}

// sweepLoop runs the periodic maintenance pass: heartbeats for idle
// connections, startup and closing deadlines, and purging closed entries.
func (s *Server) sweepLoop() {
	defer s.loopWG.Done()
	ticker := time.NewTicker(s.cfg.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			for _, c := range s.snapshot() {
				if c.maintain(now) {
					s.forget(c.id)
				}
			}
		}
	}
}

// snapshot copies the registry under the lock; callers iterate lock-free.
func (s *Server) snapshot() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) forget(id uint64) {
	s.mu.Lock()
	delete(s.conns, id)
	s.mu.Unlock()
}

// Broadcast enqueues a text message on every connection in the current
// registry snapshot. Connections joining mid-broadcast may or may not
// receive it.
func (s *Server) Broadcast(text string) {
	for _, c := range s.snapshot() {
		c.sendText(text)
	}
}

// ConnectedUsers returns a snapshot of the live connections.
func (s *Server) ConnectedUsers() []ConnectionInfo {
	conns := s.snapshot()
	infos := make([]ConnectionInfo, 0, len(conns))
	for _, c := range conns {
		infos = append(infos, ConnectionInfo{
			ID:         c.id,
			RemoteAddr: c.remote,
			State:      c.getState().String(),
		})
	}
	return infos
}

// Stop shuts the server down: the listener closes, every connection's I/O
// is cancelled, and Stop waits up to ShutdownTimeout for the drivers to
// drain. It returns an error when connections were still live at the
// deadline, and nil on a clean or repeated stop.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.done)
	ln := s.ln
	s.mu.Unlock()

	if err := ln.Close(); err != nil {
		s.log.Warnf("websocket: close listener: %v", err)
	}
	for _, c := range s.snapshot() {
		c.abort()
	}

	drained := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-time.After(s.cfg.ShutdownTimeout):
		err = errors.New("websocket: connections still draining at shutdown deadline")
	}
	s.loopWG.Wait()
	s.log.Infof("websocket: server stopped")
	return err
}
