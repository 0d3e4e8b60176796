package protocol

import (
	"fmt"
	"strings"
	"time"
)

// JST is the zone every timestamp on the network is expressed in.
var JST = time.FixedZone("JST", 9*60*60)

// TimeLayout is the wire form of a timestamp. Dashes stand in for the colons
// of the clock part so a timestamp never contains the field delimiter.
const TimeLayout = "2006/01/02 15-04-05"

const colonLayout = "2006/01/02 15:04:05"

// FormatTime renders t in JST using TimeLayout.
func FormatTime(t time.Time) string {
	return t.In(JST).Format(TimeLayout)
}

// ParseTime parses a wire timestamp. The colon form is accepted too, since
// some servers send it.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.ParseInLocation(TimeLayout, s, JST); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(colonLayout, s, JST)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
