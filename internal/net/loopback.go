package net

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MemLink is an in-process Link. Flush delivers straight into the other
// end's inbox, so both ends can live on one goroutine.
type MemLink struct {
	id     uint64
	name   string
	inbox  chan []byte
	outBuf [][]byte
	peer   *MemLink

	closeOnce sync.Once
	closed    atomic.Bool
}

// Loopback returns two connected in-memory links. size bounds each inbox;
// a Flush that would overflow it closes the sending end.
func Loopback(size int) (*MemLink, *MemLink) {
	if size <= 0 {
		size = 1024
	}
	a := &MemLink{id: nextLinkID(), inbox: make(chan []byte, size)}
	b := &MemLink{id: nextLinkID(), inbox: make(chan []byte, size)}
	a.name = fmt.Sprintf("mem-%d", b.id)
	b.name = fmt.Sprintf("mem-%d", a.id)
	a.peer, b.peer = b, a
	return a, b
}

func (l *MemLink) ID() uint64           { return l.id }
func (l *MemLink) Remote() string       { return l.name }
func (l *MemLink) Inbox() <-chan []byte { return l.inbox }
func (l *MemLink) Closed() bool         { return l.closed.Load() }

func (l *MemLink) Send(msg []byte) {
	if l.closed.Load() {
		return
	}
	l.outBuf = append(l.outBuf, msg)
}

func (l *MemLink) Flush() {
	defer func() { l.outBuf = l.outBuf[:0] }()
	if l.closed.Load() || l.peer.closed.Load() {
		return
	}
	for _, msg := range l.outBuf {
		select {
		case l.peer.inbox <- msg:
		default:
			l.Close()
			return
		}
	}
}

// Close closes both ends, like a dropped connection.
func (l *MemLink) Close() {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		l.peer.Close()
	})
}
