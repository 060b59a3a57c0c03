package net

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Session is a Link over a framed connection. Network I/O runs in dedicated
// goroutines; the game loop only touches outBuf and InQueue.
type Session struct {
	id   uint64
	conn frameConn
	opts Options

	InQueue  chan []byte // game loop reads messages from here
	OutQueue chan []byte // writer goroutine reads from here

	outBuf [][]byte // buffered until FlushOutput, game loop only

	limiter *rate.Limiter // readLoop goroutine only

	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool

	log *zap.Logger
}

func newSession(conn frameConn, id uint64, opts Options, log *zap.Logger) *Session {
	opts = opts.withDefaults()
	s := &Session{
		id:       id,
		conn:     conn,
		opts:     opts,
		InQueue:  make(chan []byte, opts.InQueueSize),
		OutQueue: make(chan []byte, opts.OutQueueSize),
		closeCh:  make(chan struct{}),
		log:      log.With(zap.Uint64("link", id), zap.String("remote", conn.RemoteAddr().String())),
	}
	if opts.PacketsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.PacketsPerSecond), opts.PacketsPerSecond)
	}
	return s
}

// Start launches the reader and writer goroutines.
func (s *Session) Start() {
	go s.readLoop()
	go s.writeLoop()
}

func (s *Session) ID() uint64           { return s.id }
func (s *Session) Remote() string       { return s.conn.RemoteAddr().String() }
func (s *Session) Inbox() <-chan []byte { return s.InQueue }
func (s *Session) Closed() bool         { return s.closed.Load() }

// Send buffers a message. It is not written until Flush runs in the output phase.
func (s *Session) Send(data []byte) {
	if s.closed.Load() {
		return
	}
	s.outBuf = append(s.outBuf, data)
}

// Flush drains the output buffer to OutQueue for the writeLoop goroutine.
// Non-blocking: if OutQueue is full, the session is disconnected.
func (s *Session) Flush() {
	for _, data := range s.outBuf {
		select {
		case s.OutQueue <- data:
		default:
			s.log.Warn("output queue full, dropping slow link")
			s.abort()
			s.outBuf = s.outBuf[:0]
			return
		}
	}
	s.outBuf = s.outBuf[:0]
}

// Close stops accepting messages. Whatever Flush already queued is still
// written, bounded by WriteTimeout, before the connection is closed.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.closeCh)
	})
}

// abort closes the connection at once, dropping anything still queued.
func (s *Session) abort() {
	s.Close()
	s.conn.Close()
}

// readLoop reads messages and pushes them onto InQueue for the game loop.
func (s *Session) readLoop() {
	defer s.abort()

	for {
		if s.opts.ReadTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.opts.ReadTimeout))
		}
		msg, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() {
				s.log.Debug("read failed", zap.Error(err))
			}
			return
		}

		if s.limiter != nil && !s.limiter.Allow() {
			s.log.Warn("inbound rate exceeded, disconnecting",
				zap.Int("packets_per_second", s.opts.PacketsPerSecond))
			return
		}

		// Lockstep cannot drop messages, so block until there is room.
		select {
		case s.InQueue <- msg:
		case <-s.closeCh:
			return
		}
	}
}

// writeLoop writes queued messages until the session closes, then drains
// OutQueue and closes the connection.
func (s *Session) writeLoop() {
	defer s.conn.Close()

	for {
		select {
		case data := <-s.OutQueue:
			s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
			if err := s.conn.WriteMessage(data); err != nil {
				if !s.closed.Load() {
					s.log.Debug("write failed", zap.Error(err))
				}
				s.Close()
				return
			}
			s.log.Debug("TX", zap.Int("len", len(data)))
		case <-s.closeCh:
			s.drain()
			return
		}
	}
}

// drain writes what Flush queued before Close.
func (s *Session) drain() {
	s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	for {
		select {
		case data := <-s.OutQueue:
			if err := s.conn.WriteMessage(data); err != nil {
				s.log.Debug("write failed while closing", zap.Error(err), zap.Int("dropped", len(s.OutQueue)+1))
				return
			}
		default:
			return
		}
	}
}
