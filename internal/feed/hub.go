// Package feed exposes received observations to local applications over a
// WebSocket endpoint.
package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/1ureka/p2pquake/internal/protocol"
	"github.com/1ureka/p2pquake/internal/util"
)

const (
	// Path is where subscribers connect.
	Path = "/ws"

	sendBuffer = 32
	writeWait  = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is the JSON document sent for each observation.
type Event struct {
	Code       int       `json:"code"`
	Hop        uint32    `json:"hop"`
	Verified   bool      `json:"verified"`
	Data       []string  `json:"data"`
	ReceivedAt time.Time `json:"received_at"`
}

type subscriber struct {
	conn *websocket.Conn
	addr string
	send chan []byte
}

// Hub fans observations out to every connected subscriber. A subscriber that
// falls behind by more than a small buffer is dropped.
type Hub struct {
	now      func() time.Time
	listener net.Listener
	srv      *http.Server

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewHub creates a hub stamping events with now.
func NewHub(now func() time.Time) *Hub {
	if now == nil {
		now = time.Now
	}
	return &Hub{now: now, subs: make(map[*subscriber]struct{})}
}

// Start listens on addr and serves subscribers in the background. It returns
// the bound address.
func (h *Hub) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start feed server: %w", err)
	}
	h.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(Path, h.handleWS)
	h.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := h.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			util.LogWarning("[feed] server stopped: %v", err)
		}
	}()

	util.LogInfo("[feed] serving observations on ws://%s%s", listener.Addr(), Path)
	return listener.Addr(), nil
}

func (h *Hub) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s := &subscriber{conn: conn, addr: conn.RemoteAddr().String(), send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	util.LogDebug("[feed] subscriber %s connected", s.addr)
	go h.writeLoop(s)
	go h.readLoop(s)
}

// Publish queues an observation for every subscriber. Its signature matches
// the flood data handler so it can be registered directly.
func (h *Hub) Publish(verified bool, pkt *protocol.Packet) {
	msg, err := json.Marshal(Event{
		Code:       pkt.Code,
		Hop:        pkt.HopCount,
		Verified:   verified,
		Data:       pkt.Data,
		ReceivedAt: h.now(),
	})
	if err != nil {
		util.LogWarning("[feed] failed to encode %03d: %v", pkt.Code, err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs {
		select {
		case s.send <- msg:
		default:
			util.LogInfo("[feed] subscriber %s too slow, dropping", s.addr)
			h.removeLocked(s)
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close stops the server and disconnects all subscribers.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	for s := range h.subs {
		h.removeLocked(s)
	}
	h.mu.Unlock()

	if h.srv != nil {
		return h.srv.Close()
	}
	return nil
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	h.removeLocked(s)
	h.mu.Unlock()
}

// removeLocked closes s's queue; its write loop then hangs up.
func (h *Hub) removeLocked(s *subscriber) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.send)
}

func (h *Hub) writeLoop(s *subscriber) {
	defer s.conn.Close()
	for msg := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.remove(s)
		}
	}
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
}

// readLoop only watches for the subscriber going away.
func (h *Hub) readLoop(s *subscriber) {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			h.remove(s)
			return
		}
	}
}
