package protocol

import (
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/japanese"
)

// The network speaks Shift_JIS for every field, including the bytes fed to
// the signature hashes. x/text transformers carry state, so each call builds
// its own.

// EncodeText converts s to its Shift_JIS byte form. Characters Shift_JIS
// cannot represent are replaced rather than failing the whole frame.
func EncodeText(s string) []byte {
	enc := encoding.ReplaceUnsupported(japanese.ShiftJIS.NewEncoder())
	b, err := enc.Bytes([]byte(s))
	if err != nil {
		return []byte(s)
	}
	return b
}

// DecodeText converts Shift_JIS bytes to a Go string.
func DecodeText(b []byte) string {
	s, err := japanese.ShiftJIS.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}
