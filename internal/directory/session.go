// Package directory speaks the request/response vocabulary of the directory
// servers: joining, peer discovery, registration, key issuance, census,
// protocol time and leaving. Every method sends one request and waits for
// its answer on the same connection; calls must not overlap.
package directory

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/1ureka/p2pquake/internal/protocol"
	"github.com/1ureka/p2pquake/internal/sign"
	"github.com/1ureka/p2pquake/internal/transport"
	"github.com/1ureka/p2pquake/internal/util"
)

// unknownKey stands in for a private key we do not hold.
const unknownKey = "Unknown"

// Addr appends the default directory port to host unless it already has one.
func Addr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, strconv.Itoa(protocol.DefaultServerPort))
}

// Session is one connection to a directory server.
type Session struct {
	conn *transport.Conn
}

// New prepares a session to addr; nothing is dialed until
// ConnectAndWaitInfoRequest. Name and Incompatible in opts are overridden.
func New(addr string, opts transport.Options) *Session {
	opts.Name = "server " + util.HostFromAddr(addr)
	opts.Incompatible = []int{protocol.CodeNonCompliant}
	return &Session{conn: transport.Dial(addr, opts)}
}

// Addr returns the server address.
func (s *Session) Addr() string {
	return s.conn.RemoteAddr()
}

// Close drops the connection without the quit exchange.
func (s *Session) Close() {
	s.conn.Disconnect()
}

// ---------------------------------------------------------------------------
// Handshake
// ---------------------------------------------------------------------------

// ConnectAndWaitInfoRequest dials the server and waits for it to ask for our
// client information.
func (s *Session) ConnectAndWaitInfoRequest(ctx context.Context) error {
	if err := s.conn.Start(ctx); err != nil {
		return err
	}
	_, err := s.conn.Wait(protocol.CodeInfoRequest)
	return err
}

// SendClientInfo announces info and returns the server's own identity.
func (s *Session) SendClientInfo(info protocol.ClientInfo) (protocol.ClientInfo, error) {
	resp, err := s.request(protocol.MustNew(protocol.CodeClientInfo, 1, info.Fields()...),
		protocol.CodeInfoAccepted, protocol.CodeVersionObsolete)
	if err != nil {
		return protocol.ClientInfo{}, err
	}
	if resp.Code == protocol.CodeVersionObsolete {
		return protocol.ClientInfo{}, fmt.Errorf("%w: server reports protocol %s obsolete", transport.ErrIncompatibleVersion, info.ProtocolVersion)
	}
	server, err := protocol.ParseClientInfo(resp.Data)
	if err != nil {
		return protocol.ClientInfo{}, badResponse(resp, err)
	}
	return server, nil
}

// ---------------------------------------------------------------------------
// Join
// ---------------------------------------------------------------------------

// TemporaryID asks for the id used until registration.
func (s *Session) TemporaryID() (int, error) {
	resp, err := s.request(protocol.MustNew(protocol.CodeTemporaryID, 1), protocol.CodeTemporaryIDResult)
	if err != nil {
		return 0, err
	}
	return intField(resp, 0)
}

// CheckPortForwarding asks the server to dial us back on port.
func (s *Session) CheckPortForwarding(tempID, port int) (bool, error) {
	resp, err := s.request(protocol.MustNew(protocol.CodePortCheck, 1, strconv.Itoa(tempID), strconv.Itoa(port)),
		protocol.CodePortCheckResult)
	if err != nil {
		return false, err
	}
	v, err := intField(resp, 0)
	if err != nil {
		return false, err
	}
	return v == 1, nil
}

// Peers returns the peers the server suggests we connect to. An answer with
// no fields means the network has no other peers.
func (s *Session) Peers(tempID int) ([]protocol.PeerDescriptor, error) {
	resp, err := s.request(protocol.MustNew(protocol.CodePeerList, 1, strconv.Itoa(tempID)), protocol.CodePeerListResult)
	if err != nil {
		return nil, err
	}

	peers := make([]protocol.PeerDescriptor, 0, len(resp.Data))
	for _, field := range resp.Data {
		if field == "" {
			continue
		}
		d, err := protocol.ParsePeerDescriptor(field)
		if err != nil {
			return nil, badResponse(resp, err)
		}
		peers = append(peers, d)
	}
	return peers, nil
}

// NoticeConnected tells the server which of its suggested peers we reached.
// The server does not answer.
func (s *Session) NoticeConnected(ids []int) error {
	fields := make([]string, len(ids))
	for i, id := range ids {
		fields[i] = strconv.Itoa(id)
	}
	return s.conn.Send(protocol.MustNew(protocol.CodeConnectedNotice, 1, fields...))
}

// Register promotes the temporary id to a full peer and returns the number of
// peers registered on the network.
func (s *Session) Register(tempID, port, areaCode, peerCount, maxPeers int) (int, error) {
	req := protocol.MustNew(protocol.CodeRegister, 1,
		strconv.Itoa(tempID),
		strconv.Itoa(port),
		strconv.Itoa(areaCode),
		strconv.Itoa(peerCount),
		strconv.Itoa(maxPeers),
	)
	resp, err := s.request(req, protocol.CodeRegisterResult)
	if err != nil {
		return 0, err
	}
	return intField(resp, 0)
}

// RequestKey asks for delegated key material. A nil key with a nil error
// means the server has none to give.
func (s *Session) RequestKey(peerID int) (*sign.Key, error) {
	resp, err := s.request(protocol.MustNew(protocol.CodeKeyRequest, 1, strconv.Itoa(peerID)),
		protocol.CodeKeyIssued, protocol.CodeKeyUnavailable)
	if err != nil {
		return nil, err
	}
	return keyFrom(resp)
}

// RegionalCensus returns the number of peers per area code.
func (s *Session) RegionalCensus() (map[int]int, error) {
	resp, err := s.request(protocol.MustNew(protocol.CodeRegionCensus, 1), protocol.CodeCensusResult)
	if err != nil {
		return nil, err
	}

	census := make(map[int]int)
	for _, entry := range strings.Split(resp.Field(0), ";") {
		if entry == "" {
			continue
		}
		area, count, ok := strings.Cut(entry, ",")
		if !ok {
			return nil, badResponse(resp, fmt.Errorf("census entry %q", entry))
		}
		a, err1 := strconv.Atoi(area)
		c, err2 := strconv.Atoi(count)
		if err1 != nil || err2 != nil {
			return nil, badResponse(resp, fmt.Errorf("census entry %q", entry))
		}
		census[a] = c
	}
	return census, nil
}

// ProtocolTime returns the server's clock.
func (s *Session) ProtocolTime() (time.Time, error) {
	resp, err := s.request(protocol.MustNew(protocol.CodeProtocolTime, 1), protocol.CodeTimeResult)
	if err != nil {
		return time.Time{}, err
	}
	t, err := protocol.ParseTime(resp.Field(0))
	if err != nil {
		return time.Time{}, badResponse(resp, err)
	}
	return t, nil
}

// SafeDisconnect says goodbye and closes the connection, whether or not the
// server acknowledges.
func (s *Session) SafeDisconnect() error {
	defer s.conn.Disconnect()
	_, err := s.request(protocol.MustNew(protocol.CodeServerQuit, 1), protocol.CodeQuitAck)
	return err
}

// ---------------------------------------------------------------------------
// Echo / leave
// ---------------------------------------------------------------------------

// Echo reports that we are alive with peerCount connections. False means the
// server saw us from a different address than the one we registered with.
func (s *Session) Echo(peerID, peerCount int) (bool, error) {
	resp, err := s.request(protocol.MustNew(protocol.CodeEcho, 1, strconv.Itoa(peerID), strconv.Itoa(peerCount)),
		protocol.CodeEchoAck, protocol.CodeAlreadyOffline)
	if err != nil {
		return false, err
	}
	return resp.Code == protocol.CodeEchoAck, nil
}

// RenewKey trades the previous key (proof of identity) for a fresh one.
// A nil key with a nil error means the server refused.
func (s *Session) RenewKey(peerID int, prev *sign.Key) (*sign.Key, error) {
	resp, err := s.request(protocol.MustNew(protocol.CodeKeyRenew, 1, strconv.Itoa(peerID), privateField(prev)),
		protocol.CodeKeyRenewed, protocol.CodeKeyUnavailable)
	if err != nil {
		return nil, err
	}
	return keyFrom(resp)
}

// Leave removes us from the network. The server may already consider us
// offline; that is not an error.
func (s *Session) Leave(peerID int, key *sign.Key) error {
	_, err := s.request(protocol.MustNew(protocol.CodeLeave, 1, strconv.Itoa(peerID), privateField(key)),
		protocol.CodeLeaveAck, protocol.CodeAlreadyOffline)
	return err
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *Session) request(pkt *protocol.Packet, codes ...int) (*protocol.Packet, error) {
	resp, err := s.conn.Request(pkt, codes...)
	if err != nil {
		return nil, fmt.Errorf("request %03d: %w", pkt.Code, err)
	}
	return resp, nil
}

func keyFrom(resp *protocol.Packet) (*sign.Key, error) {
	if resp.Code == protocol.CodeKeyUnavailable {
		return nil, nil
	}
	key, err := sign.ParseKey(resp.Data)
	if err != nil {
		return nil, badResponse(resp, err)
	}
	return key, nil
}

func privateField(k *sign.Key) string {
	if k == nil || len(k.Private) == 0 {
		return unknownKey
	}
	return base64.StdEncoding.EncodeToString(k.Private)
}

func intField(resp *protocol.Packet, i int) (int, error) {
	v, err := strconv.Atoi(resp.Field(i))
	if err != nil {
		return 0, badResponse(resp, fmt.Errorf("field %d is not an integer", i))
	}
	return v, nil
}

func badResponse(resp *protocol.Packet, err error) error {
	return fmt.Errorf("%w: %03d: %v", transport.ErrBadResponse, resp.Code, err)
}
