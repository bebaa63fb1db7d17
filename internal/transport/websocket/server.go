// Package websocket carries session packets between clients and the session
// server over WebSocket connections.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cory-johannsen/enfaria/internal/config"
	"github.com/cory-johannsen/enfaria/internal/game/session"
)

// Frames the transport itself sends.
const (
	CommandWelcome session.Command = "welcome"
	CommandError   session.Command = "error"
)

// Sessions is the part of the session server the transport uses.
type Sessions interface {
	Connect(ctx context.Context, l session.Login) (session.Session, error)
	Deliver(addr session.Address, p session.Packet) error
	DrainOutbound(id session.UserID) []session.Packet
	Lookup(id session.UserID) (session.Session, bool)
}

// Welcome is the payload of the welcome frame.
type Welcome struct {
	UserID      uint64 `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// Server accepts WebSocket connections and bridges them to Sessions.
type Server struct {
	cfg      config.TransportConfig
	sessions Sessions
	auth     Authenticator
	logger   *zap.Logger
	upgrader gws.Upgrader
	http     *http.Server

	mu    sync.Mutex
	conns map[*gws.Conn]struct{}
}

// NewServer creates a Server. It does not listen until Start is called.
//
// Precondition: sessions, auth, and logger must be non-nil.
func NewServer(cfg config.TransportConfig, sessions Sessions, auth Authenticator, logger *zap.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		auth:     auth,
		logger:   logger,
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*gws.Conn]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Path, s.handle)
	s.http = &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler that performs the upgrade.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start listens on the configured address and blocks until Stop.
func (s *Server) Start() error {
	s.logger.Info("websocket transport listening",
		zap.String("addr", s.http.Addr),
		zap.String("path", s.cfg.Path),
	)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop closes the listener and every open connection.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteWait)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Warn("websocket shutdown", zap.Error(err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		_ = c.WriteControl(gws.CloseMessage,
			gws.FormatCloseMessage(gws.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = c.Close()
	}
}

func (s *Server) track(c *gws.Conn, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.conns[c] = struct{}{}
	} else {
		delete(s.conns, c)
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	s.track(conn, true)
	defer func() {
		s.track(conn, false)
		_ = conn.Close()
	}()

	addr := session.Address(conn.RemoteAddr().String())
	sess, err := s.login(r.Context(), conn, addr)
	if err != nil {
		s.logger.Info("login rejected", zap.String("address", string(addr)), zap.Error(err))
		s.writeError(conn, err.Error())
		return
	}

	c := &client{
		srv:  s,
		conn: conn,
		addr: addr,
		id:   sess.ID,
		gen:  sess.Generation,
		done: make(chan struct{}),
	}
	go c.writeLoop()
	c.readLoop()
}

func (s *Server) login(ctx context.Context, conn *gws.Conn, addr session.Address) (session.Session, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.LoginTimeout))
	var hello Hello
	if err := conn.ReadJSON(&hello); err != nil {
		return session.Session{}, err
	}
	id, err := s.auth.Authenticate(ctx, hello)
	if err != nil {
		return session.Session{}, err
	}
	sess, err := s.sessions.Connect(ctx, session.Login{
		ID:          id.UserID,
		Address:     addr,
		Token:       id.Token,
		DisplayName: id.DisplayName,
	})
	if err != nil {
		return session.Session{}, err
	}

	payload, _ := json.Marshal(Welcome{UserID: uint64(sess.ID), DisplayName: sess.DisplayName})
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	if err := conn.WriteJSON(session.Packet{Command: CommandWelcome, Payload: payload}); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (s *Server) writeError(conn *gws.Conn, msg string) {
	payload, _ := json.Marshal(map[string]string{"message": msg})
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	_ = conn.WriteJSON(session.Packet{Command: CommandError, Payload: payload})
	_ = conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.ClosePolicyViolation, msg))
}

// client is one authenticated connection.
type client struct {
	srv  *Server
	conn *gws.Conn
	addr session.Address
	id   session.UserID
	gen  uuid.UUID

	once sync.Once
	done chan struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.done) })
}

// readLoop delivers inbound packets until the peer goes away. Pongs count as
// heartbeats; a normal close frame counts as a quit unless the session has
// moved to another connection.
func (c *client) readLoop() {
	defer c.close()
	logger := c.srv.logger.With(zap.Stringer("user_id", c.id), zap.String("address", string(c.addr)))
	pongWait := c.srv.cfg.PongWait

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return c.srv.sessions.Deliver(c.addr, session.Packet{Command: session.CommandHeartbeat})
	})

	for {
		var p session.Packet
		if err := c.conn.ReadJSON(&p); err != nil {
			if gws.IsCloseError(err, gws.CloseNormalClosure) && c.alive() {
				_ = c.srv.sessions.Deliver(c.addr, session.Packet{Command: session.CommandQuit})
			} else if gws.IsUnexpectedCloseError(err, gws.CloseGoingAway, gws.CloseAbnormalClosure) {
				logger.Info("connection lost", zap.Error(err))
			}
			return
		}
		if err := c.srv.sessions.Deliver(c.addr, p); err != nil {
			logger.Info("dropping connection", zap.Error(err))
			return
		}
	}
}

// writeLoop flushes the outbound queue every FlushInterval and pings the peer.
// It ends when the session it was opened for no longer exists or was
// re-attached to another connection.
func (c *client) writeLoop() {
	cfg := c.srv.cfg
	flush := time.NewTicker(cfg.FlushInterval)
	ping := time.NewTicker((cfg.PongWait * 9) / 10)
	defer func() {
		flush.Stop()
		ping.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case <-flush.C:
			if c.superseded() {
				c.closeFrame("session resumed elsewhere")
				return
			}
			for _, p := range c.srv.sessions.DrainOutbound(c.id) {
				_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
				if err := c.conn.WriteJSON(p); err != nil {
					return
				}
			}
			if !c.alive() {
				c.closeFrame("session ended")
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(gws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) closeFrame(reason string) {
	_ = c.conn.WriteControl(gws.CloseMessage,
		gws.FormatCloseMessage(gws.CloseNormalClosure, reason),
		time.Now().Add(c.srv.cfg.WriteWait))
}

// superseded reports whether the session was re-attached to another address.
func (c *client) superseded() bool {
	sess, ok := c.srv.sessions.Lookup(c.id)
	return ok && sess.Generation == c.gen && sess.Address != c.addr
}

// alive reports whether the session this connection was opened for is still
// present, not quitting, and bound to this connection's address.
func (c *client) alive() bool {
	sess, ok := c.srv.sessions.Lookup(c.id)
	return ok && sess.Generation == c.gen && sess.State == session.StateActive && sess.Address == c.addr
}
