package protocol

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Protocol defaults.
const (
	ProtocolVersion   = "0.34"
	SoftwareName      = "P2PQuakeClient@1ureka"
	DefaultServerPort = 6910
	DefaultListenPort = 6911
)

// ClientInfo identifies a node's implementation. It is exchanged with the
// directory (131/212) and with every peer (614/634).
type ClientInfo struct {
	ProtocolVersion string
	SoftwareName    string
	SoftwareVersion string
}

// LocalClientInfo returns the identity this node announces.
func LocalClientInfo(version string) ClientInfo {
	return ClientInfo{
		ProtocolVersion: ProtocolVersion,
		SoftwareName:    SoftwareName,
		SoftwareVersion: version,
	}
}

// Fields returns the three wire fields in order.
func (c ClientInfo) Fields() []string {
	return []string{c.ProtocolVersion, c.SoftwareName, c.SoftwareVersion}
}

func (c ClientInfo) String() string {
	return fmt.Sprintf("%s %s (protocol %s)", c.SoftwareName, c.SoftwareVersion, c.ProtocolVersion)
}

// ParseClientInfo reads a ClientInfo from the first three fields of data.
func ParseClientInfo(data []string) (ClientInfo, error) {
	if len(data) < 3 {
		return ClientInfo{}, fmt.Errorf("client info needs 3 fields, got %d", len(data))
	}
	return ClientInfo{
		ProtocolVersion: data[0],
		SoftwareName:    data[1],
		SoftwareVersion: data[2],
	}, nil
}

// PeerDescriptor is a dialable peer as listed by the directory.
type PeerDescriptor struct {
	Host string
	Port int
	ID   int
}

// Addr returns the host:port dial address.
func (d PeerDescriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// String renders the descriptor in its wire form "host,port,id".
func (d PeerDescriptor) String() string {
	return fmt.Sprintf("%s,%d,%d", d.Host, d.Port, d.ID)
}

// ParsePeerDescriptor parses one "host,port,id" field of a 235 response.
func ParsePeerDescriptor(field string) (PeerDescriptor, error) {
	parts := strings.Split(field, ",")
	if len(parts) != 3 || parts[0] == "" {
		return PeerDescriptor{}, fmt.Errorf("invalid peer descriptor %q", field)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return PeerDescriptor{}, fmt.Errorf("invalid peer port in %q", field)
	}
	id, err := strconv.Atoi(parts[2])
	if err != nil {
		return PeerDescriptor{}, fmt.Errorf("invalid peer id in %q", field)
	}
	return PeerDescriptor{Host: parts[0], Port: port, ID: id}, nil
}
