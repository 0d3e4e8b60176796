package protocol

import (
	"bytes"
	"sync"
)

var crlf = []byte{'\r', '\n'}

// Splitter turns a raw byte stream into CR LF delimited frames. Bytes after
// the last delimiter are kept and prefixed to the next call, so a frame split
// across reads comes out whole. It is safe for concurrent use, although a
// connection only ever feeds it from its single reader.
type Splitter struct {
	mu      sync.Mutex
	pending []byte
}

// NewSplitter creates an empty splitter.
func NewSplitter() *Splitter {
	return &Splitter{}
}

// Split appends b to the pending residue and returns every complete frame,
// decoded from Shift_JIS and without the terminator. A lone CR at the end of
// the input is not a delimiter and stays pending.
func (s *Splitter) Split(b []byte) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := b
	if len(s.pending) > 0 {
		buf = make([]byte, 0, len(s.pending)+len(b))
		buf = append(buf, s.pending...)
		buf = append(buf, b...)
	}

	var frames []string
	for {
		idx := bytes.Index(buf, crlf)
		if idx < 0 {
			break
		}
		frames = append(frames, DecodeText(buf[:idx]))
		buf = buf[idx+len(crlf):]
	}

	if len(buf) == 0 {
		s.pending = nil
	} else {
		// Copy: b belongs to the caller's read buffer and is reused.
		s.pending = append([]byte(nil), buf...)
	}
	return frames
}

// Pending returns the number of buffered bytes not yet part of a frame.
func (s *Splitter) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}
