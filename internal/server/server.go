// Package server exposes the bridge to host applications over a WebSocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/op/go-logging"

	"sppbridge/internal/bridge"
)

const writeWait = 10 * time.Second

// Status is the subset of the session manager reported by /status.
type Status interface {
	IsConnected() bool
	Address() string
}

type statusResponse struct {
	Connected bool   `json:"connected"`
	Address   string `json:"address,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server serves /ws and /status.
type Server struct {
	bridge *bridge.Bridge
	status Status
	log    *logging.Logger

	upgrader websocket.Upgrader
	mux      *http.ServeMux

	// base is the context of bridge requests. It outlives client
	// connections and is cancelled only when Serve stops.
	mu   sync.Mutex
	base context.Context
}

// New wires the handlers. log may be nil.
func New(b *bridge.Bridge, status Status, log *logging.Logger) *Server {
	if log == nil {
		log = logging.MustGetLogger("server")
	}
	s := &Server{
		bridge: b,
		status: status,
		log:    log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		mux:  http.NewServeMux(),
		base: context.Background(),
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/status", s.handleStatus)
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down and waits for
// in-flight requests.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.base = ctx
	s.mu.Unlock()
	srv := &http.Server{
		Handler:     s.mux,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Infof("listening on %s", ln.Addr())

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.bridge.Wait()
	if serr := <-errc; serr != nil && !errors.Is(serr, http.ErrServerClosed) {
		return serr
	}
	return err
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		json.NewEncoder(w).Encode(errorResponse{Error: "Method not allowed"})
		return
	}
	json.NewEncoder(w).Encode(statusResponse{
		Connected: s.status.IsConnected(),
		Address:   s.status.Address(),
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warningf("failed to upgrade connection: %v", err)
		return
	}
	s.log.Debugf("client %s connected", conn.RemoteAddr())
	c := &client{conn: conn, log: s.log}
	defer c.close()

	s.mu.Lock()
	ctx := s.base
	s.mu.Unlock()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warningf("read from %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		var req bridge.Request
		if err := json.Unmarshal(msg, &req); err != nil {
			c.send(bridge.Response{Error: &bridge.Failure{Code: bridge.CodeInvalidParams, Message: "malformed request"}})
			continue
		}
		s.bridge.Dispatch(ctx, req, c.send)
	}
}

// client serializes writes to one WebSocket.
type client struct {
	conn *websocket.Conn
	log  *logging.Logger

	mu     sync.Mutex
	closed bool
}

func (c *client) send(resp bridge.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteJSON(resp); err != nil {
		c.log.Warningf("write to %s: %v", c.conn.RemoteAddr(), err)
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.conn.Close()
}
