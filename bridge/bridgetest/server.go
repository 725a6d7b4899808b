// Package bridgetest provides an in-process bridge server for tests. It
// answers requests through a handler, records them, and lets tests push
// events or drop connections.
package bridgetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HandlerFunc answers one request. A non-nil Error is sent as ok=false.
type HandlerFunc func(req Request) (payload interface{}, err *Error)

type frame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id,omitempty"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	Event   string      `json:"event,omitempty"`
}

type Server struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	handler  HandlerFunc

	// AutoOpen emits connection.update {connection: open} after every
	// successful connect handshake.
	AutoOpen bool

	mu       sync.Mutex
	conns    map[*peer]bool
	requests []Request
	auths    []json.RawMessage
	tokens   []string

	connected chan struct{}
}

// NewServer starts a server. A nil handler answers every request with ok.
func NewServer(handler HandlerFunc) *Server {
	s := &Server{
		handler:   handler,
		AutoOpen:  true,
		conns:     make(map[*peer]bool),
		connected: make(chan struct{}, 16),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	s.srv = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL is the ws:// address of the server.
func (s *Server) URL() string {
	return "ws://" + strings.TrimPrefix(s.srv.URL, "http://")
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	p := &peer{server: s, conn: conn, send: make(chan []byte, 64)}
	s.mu.Lock()
	s.conns[p] = true
	s.tokens = append(s.tokens, strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	s.mu.Unlock()
	go p.writePump()
	go p.readPump()
}

func (s *Server) unregister(p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[p] {
		delete(s.conns, p)
		close(p.send)
	}
}

func (s *Server) handle(p *peer, data []byte) {
	var req struct {
		Type string `json:"type"`
		Request
	}
	if err := json.Unmarshal(data, &req); err != nil || req.Type != "req" {
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, req.Request)
	s.mu.Unlock()

	var (
		payload interface{}
		rerr    *Error
	)
	if s.handler != nil {
		payload, rerr = s.handler(req.Request)
	}
	s.write(p, frame{Type: "res", ID: req.ID, OK: rerr == nil, Payload: payload, Error: rerr})

	if req.Method == "connect" && rerr == nil {
		var params struct {
			Auth json.RawMessage `json:"auth"`
		}
		json.Unmarshal(req.Params, &params)
		s.mu.Lock()
		s.auths = append(s.auths, params.Auth)
		s.mu.Unlock()
		if s.AutoOpen {
			s.write(p, frame{Type: "event", Event: "connection.update", Payload: map[string]string{"connection": "open"}})
		}
		select {
		case s.connected <- struct{}{}:
		default:
		}
	}
}

// Emit sends an event to every connected peer.
func (s *Server) Emit(event string, payload interface{}) {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		s.write(p, frame{Type: "event", Event: event, Payload: payload})
	}
}

// write queues f for p unless p is gone or its buffer is full.
func (s *Server) write(p *peer, f frame) {
	data, err := json.Marshal(f)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.conns[p] {
		return
	}
	select {
	case p.send <- data:
	default:
	}
}

// Drop closes every connection without a close event, like a network cut.
func (s *Server) Drop() {
	s.mu.Lock()
	peers := make([]*peer, 0, len(s.conns))
	for p := range s.conns {
		peers = append(peers, p)
	}
	s.mu.Unlock()
	for _, p := range peers {
		p.conn.Close()
	}
}

// Connected returns a channel signalled after each completed handshake.
func (s *Server) Connected() <-chan struct{} {
	return s.connected
}

func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestsFor returns the recorded requests with the given method.
func (s *Server) RequestsFor(method string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

// Auths returns the credentials sent with each connect handshake.
func (s *Server) Auths() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.auths...)
}

func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// Close drops all peers and stops the HTTP server.
func (s *Server) Close() {
	s.Drop()
	s.srv.Close()
}

type peer struct {
	server *Server
	conn   *websocket.Conn
	send   chan []byte
}

func (p *peer) readPump() {
	defer func() {
		p.server.unregister(p)
		p.conn.Close()
	}()
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		p.server.handle(p, data)
	}
}

func (p *peer) writePump() {
	defer p.conn.Close()
	for data := range p.send {
		p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	p.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
