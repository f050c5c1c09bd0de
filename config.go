// Copyright 2024 Alex Campbell. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package websocket

import (
	"errors"
	"time"
)

// Default values for the optional Config fields.
const (
	DefaultShutdownTimeout    = 5 * time.Second
	DefaultPingInterval       = 10 * time.Second
	DefaultReadWriteTimeout   = 10 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultAcceptPollInterval = 100 * time.Millisecond
	DefaultDataPollInterval   = 100 * time.Millisecond
	DefaultReceiveBufferSize  = 2048
	DefaultSendBufferSize     = 16384
	DefaultMaxReceiveSize     = 16384
)

// Config holds the server options. Port, Service and Generator are
// required; zero values elsewhere take the package defaults.
type Config struct {
	// Port is the TCP port the server listens on. Zero selects an
	// OS-assigned port, exposed through Server.Addr.
	Port int

	// Service is the endpoint name clients must address: the last
	// non-empty path segment of their request-URI.
	Service string

	// Generator produces a fresh Handler for each accepted connection.
	Generator func() Handler

	ShutdownTimeout  time.Duration
	PingInterval     time.Duration
	ReadWriteTimeout time.Duration
	HandshakeTimeout time.Duration

	// AcceptPollInterval is the pause before the accept loop retries after
	// a failed accept; the loop otherwise blocks in Accept and stops when
	// the listener closes. DataPollInterval bounds each read poll of a
	// connection's I/O loop, and therefore how quickly it observes
	// cancellation.
	AcceptPollInterval time.Duration
	DataPollInterval   time.Duration

	// ReceiveBufferSize and SendBufferSize are applied to each accepted
	// socket. MaxReceiveSize caps a single frame and the reassembly of a
	// fragmented message.
	ReceiveBufferSize int
	SendBufferSize    int
	MaxReceiveSize    int

	// MaxConnections caps concurrently open connections; zero means no
	// limit.
	MaxConnections int

	// MessageRate and MessageBurst configure a token-bucket limit on
	// inbound messages per connection. A connection exceeding it is
	// closed with 1008. Zero MessageRate disables the limiter.
	MessageRate  float64
	MessageBurst int

	// CheckOrigin, when set, can reject a handshake based on its Origin
	// header. Rejections answer 400.
	CheckOrigin func(r *Request) bool

	// Logger receives the server's leveled log output. Nil selects the
	// standard library logger.
	Logger Logger
}

func (c Config) withDefaults() Config {
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.ReadWriteTimeout == 0 {
		c.ReadWriteTimeout = DefaultReadWriteTimeout
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.AcceptPollInterval == 0 {
		c.AcceptPollInterval = DefaultAcceptPollInterval
	}
	if c.DataPollInterval == 0 {
		c.DataPollInterval = DefaultDataPollInterval
	}
	if c.ReceiveBufferSize == 0 {
		c.ReceiveBufferSize = DefaultReceiveBufferSize
	}
	if c.SendBufferSize == 0 {
		c.SendBufferSize = DefaultSendBufferSize
	}
	if c.MaxReceiveSize == 0 {
		c.MaxReceiveSize = DefaultMaxReceiveSize
	}
	if c.MessageRate > 0 && c.MessageBurst == 0 {
		c.MessageBurst = int(c.MessageRate)
	}
	if c.Logger == nil {
		c.Logger = stdLogger{}
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return errors.New("websocket: config requires a valid port")
	case c.Service == "":
		return errors.New("websocket: config requires a service name")
	case c.Generator == nil:
		return errors.New("websocket: config requires a handler generator")
	}
	return nil
}

// sweepInterval is the maintenance ticker period: the gcd of the handshake
// timeout and the ping interval, so both deadlines are checked on time.
func (c Config) sweepInterval() time.Duration {
	return gcd(c.HandshakeTimeout, c.PingInterval)
}

func gcd(a, b time.Duration) time.Duration {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
