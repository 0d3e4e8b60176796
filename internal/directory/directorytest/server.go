// Package directorytest provides an in-process directory server for tests.
package directorytest

import (
	"net"
	"sync"

	"github.com/1ureka/p2pquake/internal/protocol"
)

// Handler answers one request with zero or more packets.
type Handler func(req *protocol.Packet) []*protocol.Packet

// Server is a scripted directory listening on a loopback port. Every
// connection is greeted with a client info request; each request is then
// answered by the handler registered for its code. Requests without a
// handler get no answer.
type Server struct {
	ln net.Listener
	wg sync.WaitGroup

	mu       sync.Mutex
	handlers map[int]Handler
	requests []*protocol.Packet
	conns    map[net.Conn]struct{}
	accepted int
}

// NewServer starts a server with handlers for the client info (131) and quit
// (119) requests already in place.
func NewServer() (*Server, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		ln:       ln,
		handlers: make(map[int]Handler),
		conns:    make(map[net.Conn]struct{}),
	}
	s.Respond(protocol.CodeClientInfo, protocol.MustNew(protocol.CodeInfoAccepted, 1, "0.34", "FakeDirectory", "1.0"))
	s.Respond(protocol.CodeServerQuit, protocol.MustNew(protocol.CodeQuitAck, 1))

	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Addr returns the "host:port" to dial.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Handle registers h for requests with code.
func (s *Server) Handle(code int, h Handler) {
	s.mu.Lock()
	s.handlers[code] = h
	s.mu.Unlock()
}

// Respond answers every request with code with the fixed packets.
func (s *Server) Respond(code int, resp ...*protocol.Packet) {
	s.Handle(code, func(*protocol.Packet) []*protocol.Packet { return resp })
}

// Requests returns every request received so far, in order.
func (s *Server) Requests() []*protocol.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Packet(nil), s.requests...)
}

// Request returns the last request received with code, or nil.
func (s *Server) Request(code int) *protocol.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		if s.requests[i].Code == code {
			return s.requests[i]
		}
	}
	return nil
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Close stops the server and drops open connections.
func (s *Server) Close() {
	s.ln.Close()
	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[nc] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serveConn(nc)
	}
}

func (s *Server) serveConn(nc net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, nc)
		s.mu.Unlock()
		nc.Close()
	}()

	if _, err := nc.Write(protocol.Encode(protocol.MustNew(protocol.CodeInfoRequest, 1))); err != nil {
		return
	}

	splitter := protocol.NewSplitter()
	buf := make([]byte, 4096)
	for {
		n, err := nc.Read(buf)
		for _, frame := range splitter.Split(buf[:n]) {
			req, perr := protocol.Parse(frame)
			if perr != nil {
				continue
			}
			s.mu.Lock()
			s.requests = append(s.requests, req)
			h := s.handlers[req.Code]
			s.mu.Unlock()

			if h == nil {
				continue
			}
			for _, resp := range h(req) {
				if _, werr := nc.Write(protocol.Encode(resp)); werr != nil {
					return
				}
			}
			if req.Code == protocol.CodeServerQuit {
				return
			}
		}
		if err != nil {
			return
		}
	}
}
