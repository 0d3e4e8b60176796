package protocol_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pquake/internal/protocol"
)

// TestParse covers the accepted grammar and the frames that must be rejected.
func TestParse(t *testing.T) {
	testCases := []struct {
		name    string
		frame   string
		want    *protocol.Packet
		wantErr bool
	}{
		{name: "too short", frame: "fe", wantErr: true},
		{name: "no separator after code", frame: "12345", wantErr: true},
		{name: "non numeric code", frame: "xxx 1", wantErr: true},
		{name: "non numeric hop", frame: "000 x", wantErr: true},
		{name: "negative hop", frame: "000 -1", wantErr: true},
		{
			name:  "code and hop only",
			frame: "000 1",
			want:  &protocol.Packet{Code: 0, HopCount: 1},
		},
		{
			name:  "two data fields",
			frame: "000 123 hoge:hoge",
			want:  &protocol.Packet{Code: 0, HopCount: 123, Data: []string{"hoge", "hoge"}},
		},
		{
			name:  "empty fields preserved",
			frame: "555 2 a::b:",
			want:  &protocol.Packet{Code: 555, HopCount: 2, Data: []string{"a", "", "b", ""}},
		},
		{
			name:  "trailing space yields one empty field",
			frame: "611 1 ",
			want:  &protocol.Packet{Code: 611, HopCount: 1, Data: []string{""}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := protocol.Parse(tc.frame)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, protocol.ErrMalformedPacket)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// TestStringParseRoundTrip checks that every packet New accepts survives
// serialization unchanged.
func TestStringParseRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		code int
		hop  uint32
		data []string
	}{
		{name: "no data", code: 113, hop: 1},
		{name: "client info", code: 131, hop: 1, data: []string{"0.34", "P2PQuakeClient@1ureka", "1.0"}},
		{name: "japanese payload", code: 555, hop: 7, data: []string{"sig", "2020/01/01 00-00-00", "揺れを感じました"}},
		{name: "empty field", code: 155, hop: 1, data: []string{""}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pkt, err := protocol.New(tc.code, tc.hop, tc.data...)
			require.NoError(t, err)

			parsed, err := protocol.Parse(pkt.String())
			require.NoError(t, err)
			assert.True(t, pkt.Equal(parsed), "got %v, want %v", parsed, pkt)
		})
	}
}

func TestString(t *testing.T) {
	assert.Equal(t, "001 2", protocol.MustNew(1, 2).String())
	assert.Equal(t, "123 1 a:b", protocol.MustNew(123, 1, "a", "b").String())
}

func TestNewRejectsDelimiter(t *testing.T) {
	_, err := protocol.New(555, 1, "ok", "12:00")
	assert.ErrorIs(t, err, protocol.ErrFieldDelimiter)

	assert.Panics(t, func() { protocol.MustNew(555, 1, "a:b") })
}

func TestRelayedDoesNotAlias(t *testing.T) {
	orig := protocol.MustNew(551, 3, "sig", "exp", "a", "b")
	relayed := orig.Relayed()

	assert.Equal(t, uint32(3), orig.HopCount)
	assert.Equal(t, uint32(4), relayed.HopCount)

	relayed.Data[0] = "changed"
	assert.Equal(t, "sig", orig.Data[0])
}

func TestRelayedHopCountSaturates(t *testing.T) {
	testCases := []struct {
		name string
		hop  uint32
		want uint32
	}{
		{name: "one below the maximum", hop: math.MaxUint32 - 1, want: math.MaxUint32},
		{name: "at the maximum", hop: math.MaxUint32, want: math.MaxUint32},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			pkt := protocol.MustNew(555, tc.hop, "sig")
			assert.Equal(t, tc.want, pkt.Relayed().HopCount)
		})
	}
}

func TestEncodeShiftJIS(t *testing.T) {
	pkt := protocol.MustNew(555, 1, "地震")
	wire := protocol.Encode(pkt)

	// "555 1 " + 2 double-byte characters + CR LF
	assert.Len(t, wire, 6+4+2)
	assert.Equal(t, []byte("\r\n"), wire[len(wire)-2:])
	assert.Equal(t, "555 1 地震\r\n", protocol.DecodeText(wire))
}
