package net

import (
	"net"
	"time"
)

// Link is a reliable, ordered message stream to one peer. Send and Flush are
// called from the game loop only; received messages arrive on Inbox.
type Link interface {
	ID() uint64
	Remote() string
	// Send buffers msg until the next Flush.
	Send(msg []byte)
	// Flush hands buffered messages to the transport without blocking. A link
	// that cannot keep up is closed.
	Flush()
	Inbox() <-chan []byte
	Close()
	Closed() bool
}

// Options tunes a transport link.
type Options struct {
	InQueueSize      int
	OutQueueSize     int
	PacketsPerSecond int // 0 disables the inbound rate limit
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration // 0 waits forever
}

func (o Options) withDefaults() Options {
	if o.InQueueSize <= 0 {
		o.InQueueSize = 256
	}
	if o.OutQueueSize <= 0 {
		o.OutQueueSize = 256
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	return o
}

// frameConn moves whole messages over an underlying connection.
type frameConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
	Close() error
}

// tcpFrames frames a stream connection with ReadFrame/WriteFrame.
type tcpFrames struct {
	net.Conn
}

func (c tcpFrames) ReadMessage() ([]byte, error)   { return ReadFrame(c.Conn) }
func (c tcpFrames) WriteMessage(data []byte) error { return WriteFrame(c.Conn, data) }
