package net

import (
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"
)

// linkIDs numbers every link created in this process.
var linkIDs atomic.Uint64

func nextLinkID() uint64 { return linkIDs.Add(1) }

// Server accepts TCP connections and creates Sessions. New links reach the
// game loop through a channel.
type Server struct {
	listener net.Listener
	newLinks chan Link
	opts     Options
	log      *zap.Logger
	closeCh  chan struct{}
}

func NewServer(bindAddr string, opts Options, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", bindAddr, err)
	}
	return &Server{
		listener: ln,
		newLinks: make(chan Link, 64),
		opts:     opts,
		log:      log,
		closeCh:  make(chan struct{}),
	}, nil
}

// AcceptLoop runs in its own goroutine until Shutdown.
func (s *Server) AcceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closeCh:
				return
			default:
			}
			s.log.Error("accept failed", zap.Error(err))
			continue
		}

		sess := newSession(tcpFrames{conn}, nextLinkID(), s.opts, s.log)
		sess.Start()
		s.log.Info("peer connected", zap.Uint64("link", sess.ID()), zap.String("remote", sess.Remote()))

		select {
		case s.newLinks <- sess:
		default:
			s.log.Warn("accept queue full, refusing connection")
			sess.Close()
		}
	}
}

// NewLinks returns the channel of accepted links.
func (s *Server) NewLinks() <-chan Link {
	return s.newLinks
}

// Shutdown stops accepting new connections.
func (s *Server) Shutdown() {
	close(s.closeCh)
	s.listener.Close()
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Dial connects to a TCP host and starts the session.
func Dial(addr string, opts Options, log *zap.Logger) (*Session, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sess := newSession(tcpFrames{conn}, nextLinkID(), opts, log)
	sess.Start()
	return sess, nil
}

// Listener is the accept side shared by the TCP and websocket transports.
type Listener interface {
	NewLinks() <-chan Link
	Shutdown()
}
