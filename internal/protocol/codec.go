package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MinFrameLength is the shortest frame that can hold a code, a space and a
// single-digit hop count.
const MinFrameLength = 5

var (
	// ErrMalformedPacket is returned by Parse for frames that do not follow
	// the "CCC H[ data]" grammar.
	ErrMalformedPacket = errors.New("malformed packet")

	// ErrFieldDelimiter is returned by New when a data field contains the
	// field delimiter.
	ErrFieldDelimiter = errors.New("data field contains delimiter")
)

// New builds a packet from explicit fields.
func New(code int, hopCount uint32, data ...string) (*Packet, error) {
	if code < 0 || code > 999 {
		return nil, fmt.Errorf("code %d out of range", code)
	}
	if f, bad := containsDelimiter(data); bad {
		return nil, fmt.Errorf("%w: %q", ErrFieldDelimiter, f)
	}
	pkt := &Packet{Code: code, HopCount: hopCount}
	if len(data) > 0 {
		pkt.Data = append([]string(nil), data...)
	}
	return pkt, nil
}

// MustNew is New for fields that are known to be delimiter-free (numbers,
// base64). It panics otherwise.
func MustNew(code int, hopCount uint32, data ...string) *Packet {
	pkt, err := New(code, hopCount, data...)
	if err != nil {
		panic(err)
	}
	return pkt
}

// Parse decodes one frame (without its CR LF terminator) into a Packet.
func Parse(frame string) (*Packet, error) {
	if len(frame) < MinFrameLength {
		return nil, fmt.Errorf("%w: frame too short: %d bytes (need at least %d)", ErrMalformedPacket, len(frame), MinFrameLength)
	}
	if frame[3] != ' ' {
		return nil, fmt.Errorf("%w: missing separator after code", ErrMalformedPacket)
	}
	code, ok := parseDigits(frame[:3])
	if !ok {
		return nil, fmt.Errorf("%w: invalid code %q", ErrMalformedPacket, frame[:3])
	}

	rest := frame[4:]
	hopField, data, hasData := strings.Cut(rest, " ")
	hop, err := strconv.ParseUint(hopField, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid hop count %q", ErrMalformedPacket, hopField)
	}

	pkt := &Packet{Code: code, HopCount: uint32(hop)}
	if hasData {
		pkt.Data = strings.Split(data, Delimiter)
	}
	return pkt, nil
}

// String serializes the packet without the CR LF terminator.
func (p *Packet) String() string {
	var b strings.Builder
	b.Grow(8 + 16*len(p.Data))
	fmt.Fprintf(&b, "%03d %d", p.Code, p.HopCount)
	if len(p.Data) > 0 {
		b.WriteByte(' ')
		b.WriteString(strings.Join(p.Data, Delimiter))
	}
	return b.String()
}

// Encode serializes the packet into its Shift_JIS wire form, CR LF included.
func Encode(p *Packet) []byte {
	return EncodeText(p.String() + "\r\n")
}

func parseDigits(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	n := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
	}
	return n, true
}
