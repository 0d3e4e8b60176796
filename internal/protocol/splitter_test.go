package protocol_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/1ureka/p2pquake/internal/protocol"
)

// TestSplitter feeds chunks in sequence and checks the frames each call yields.
func TestSplitter(t *testing.T) {
	testCases := []struct {
		name   string
		chunks []string
		want   [][]string
	}{
		{
			name:   "frame split across two reads",
			chunks: []string{"te", "st\r\n"},
			want:   [][]string{nil, {"test"}},
		},
		{
			name:   "complete frame then a split one",
			chunks: []string{"test\r\nte", "st\r\n"},
			want:   [][]string{{"test"}, {"test"}},
		},
		{
			name:   "several frames in one read",
			chunks: []string{"611 1\r\n631 1\r\n612 1\r\n"},
			want:   [][]string{{"611 1", "631 1", "612 1"}},
		},
		{
			name:   "terminator split between CR and LF",
			chunks: []string{"abc\r", "\ndef\r\n"},
			want:   [][]string{nil, {"abc", "def"}},
		},
		{
			name:   "lone CR is not a delimiter",
			chunks: []string{"a\rb\r\n"},
			want:   [][]string{{"a\rb"}},
		},
		{
			name:   "empty frame",
			chunks: []string{"\r\n"},
			want:   [][]string{{""}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := protocol.NewSplitter()
			for i, chunk := range tc.chunks {
				got := s.Split([]byte(chunk))
				assert.Equal(t, tc.want[i], got, "chunk %d", i)
			}
			assert.Zero(t, s.Pending())
		})
	}
}

func TestSplitterKeepsResidue(t *testing.T) {
	s := protocol.NewSplitter()
	buf := []byte("611 1\r\n63")

	assert.Equal(t, []string{"611 1"}, s.Split(buf))
	assert.Equal(t, 2, s.Pending())

	// The caller reuses its read buffer.
	copy(buf, "xxxxxxxxx")
	assert.Equal(t, []string{"631 1"}, s.Split([]byte("1 1\r\n")))
}

func TestSplitterDecodesShiftJIS(t *testing.T) {
	s := protocol.NewSplitter()
	wire := protocol.EncodeText("555 1 震度3\r\n")

	// Cut inside the first double-byte character.
	cut := len("555 1 ") + 1
	assert.Empty(t, s.Split(wire[:cut]))
	assert.Equal(t, []string{"555 1 震度3"}, s.Split(wire[cut:]))
}
