package net

import (
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsFrames carries one message per binary websocket frame.
type wsFrames struct {
	*websocket.Conn
}

func (c wsFrames) ReadMessage() ([]byte, error) {
	for {
		kind, data, err := c.Conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.BinaryMessage && len(data) > 0 {
			return data, nil
		}
	}
}

func (c wsFrames) WriteMessage(data []byte) error {
	return c.Conn.WriteMessage(websocket.BinaryMessage, data)
}

// WSServer upgrades HTTP requests to websocket links. Mount it on any mux.
type WSServer struct {
	upgrader websocket.Upgrader
	newLinks chan Link
	opts     Options
	log      *zap.Logger
	srv      *http.Server
}

func NewWSServer(opts Options, log *zap.Logger) *WSServer {
	return &WSServer{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		newLinks: make(chan Link, 64),
		opts:     opts,
		log:      log,
	}
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(MaxFrameSize)
	sess := newSession(wsFrames{conn}, nextLinkID(), s.opts, s.log)
	sess.Start()
	s.log.Info("peer connected", zap.Uint64("link", sess.ID()), zap.String("remote", sess.Remote()))

	select {
	case s.newLinks <- sess:
	default:
		s.log.Warn("accept queue full, refusing connection")
		sess.Close()
	}
}

func (s *WSServer) NewLinks() <-chan Link {
	return s.newLinks
}

// ListenAndServe serves websocket upgrades on addr at path /ws. It blocks
// until Shutdown.
func (s *WSServer) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve websocket on %s: %w", addr, err)
	}
	return nil
}

func (s *WSServer) Shutdown() {
	if s.srv != nil {
		s.srv.Close()
	}
}

// DialWS connects to a websocket host, e.g. ws://host:7000/ws.
func DialWS(url string, opts Options, log *zap.Logger) (*Session, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(MaxFrameSize)
	sess := newSession(wsFrames{conn}, nextLinkID(), opts, log)
	sess.Start()
	return sess, nil
}
