package eufy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusText(t *testing.T) {
	for s := StatusSuccess; s <= StatusDecryption; s++ {
		b, err := s.MarshalText()
		require.NoError(t, err)

		var got Status
		require.NoError(t, got.UnmarshalText(b))
		require.Equal(t, s, got)
	}

	var s Status
	require.Error(t, s.UnmarshalText([]byte("status(99)")))
}

func TestResultJSON(t *testing.T) {
	res := Result{Command: 1030, Channel: 1, Token: "abc", Status: StatusUnsupported, ReturnCode: -2}

	b, err := json.Marshal(res)
	require.NoError(t, err)
	require.Contains(t, string(b), `"status":"unsupported"`)

	var got Result
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, res, got)
}

func TestStatsJSON(t *testing.T) {
	stats := Stats{
		State:   StateConnecting,
		Streams: []StreamStats{{Kind: StreamDownload, Channel: 2}},
	}

	b, err := json.Marshal(stats)
	require.NoError(t, err)
	require.Contains(t, string(b), `"state":"connecting"`)
	require.Contains(t, string(b), `"kind":"download"`)

	var got Stats
	require.NoError(t, json.Unmarshal(b, &got))
	require.Equal(t, StateConnecting, got.State)
	require.Equal(t, StreamDownload, got.Streams[0].Kind)

	var state State
	require.Error(t, json.Unmarshal([]byte(`"online"`), &state))

	var kind SecurityKind
	require.NoError(t, json.Unmarshal([]byte(`"jammed"`), &kind))
	require.Equal(t, SecurityJammed, kind)
}
