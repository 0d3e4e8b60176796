package protocol_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pquake/internal/protocol"
)

func TestParsePeerDescriptor(t *testing.T) {
	testCases := []struct {
		name    string
		field   string
		want    protocol.PeerDescriptor
		wantErr bool
	}{
		{name: "valid", field: "192.0.2.10,6911,42", want: protocol.PeerDescriptor{Host: "192.0.2.10", Port: 6911, ID: 42}},
		{name: "hostname", field: "p2pquake.example,6911,7", want: protocol.PeerDescriptor{Host: "p2pquake.example", Port: 6911, ID: 7}},
		{name: "missing id", field: "192.0.2.10,6911", wantErr: true},
		{name: "bad port", field: "192.0.2.10,http,1", wantErr: true},
		{name: "port out of range", field: "192.0.2.10,70000,1", wantErr: true},
		{name: "empty host", field: ",6911,1", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := protocol.ParsePeerDescriptor(tc.field)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.field, got.String())
		})
	}
}

func TestParseClientInfo(t *testing.T) {
	info := protocol.LocalClientInfo("1.2.3")
	got, err := protocol.ParseClientInfo(info.Fields())
	require.NoError(t, err)
	assert.Equal(t, info, got)

	_, err = protocol.ParseClientInfo([]string{"0.34", "x"})
	assert.Error(t, err)
}

func TestTimeFormat(t *testing.T) {
	ts := time.Date(2020, 3, 4, 5, 6, 7, 0, protocol.JST)
	assert.Equal(t, "2020/03/04 05-06-07", protocol.FormatTime(ts))
	assert.Equal(t, "2020/03/04 05-06-07", protocol.FormatTime(ts.UTC()))

	for _, s := range []string{"2020/03/04 05-06-07", "2020/03/04 05:06:07"} {
		got, err := protocol.ParseTime(s)
		require.NoError(t, err, s)
		assert.True(t, ts.Equal(got), s)
	}

	_, err := protocol.ParseTime("yesterday")
	assert.Error(t, err)
}
