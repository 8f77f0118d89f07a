package sfu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseParticipant(t *testing.T) {
	p := ParseParticipant([]byte(`{"peerId":"P1","rtpCapabilities":{"codecs":[]}}`))
	require.Equal(t, "P1", p.PeerID)
	require.JSONEq(t, `{"codecs":[]}`, string(p.RtpCapabilities))

	p = ParseParticipant([]byte(`{"peer_id":"P2"}`))
	require.Equal(t, "P2", p.PeerID)
	require.Nil(t, p.RtpCapabilities)

	p = ParseParticipant([]byte(`{"id":"P3","rtp_capabilities":null}`))
	require.Equal(t, "P3", p.PeerID)
	require.Nil(t, p.RtpCapabilities)

	require.Empty(t, ParseParticipant(nil).PeerID)
	require.Empty(t, ParseParticipant([]byte(`not json`)).PeerID)
}

func TestParseStreamIDPrefix(t *testing.T) {
	pub, kind, ok := parseStreamIDPrefix("P1_audio_1724600000000_ab12c")
	require.True(t, ok)
	require.Equal(t, "P1", pub)
	require.Equal(t, "audio", kind)

	// The prefix split is segment-based; both sides of a fallback
	// comparison see "screen" for screen_audio ids.
	pub, kind, ok = parseStreamIDPrefix("P1_screen_audio_1724600000000_ab12c")
	require.True(t, ok)
	require.Equal(t, "P1", pub)
	require.Equal(t, "screen", kind)

	_, _, ok = parseStreamIDPrefix("garbage")
	require.False(t, ok)
}
