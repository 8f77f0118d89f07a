package sfu

import "encoding/json"

// Participant is the projection of a gateway-side participant delivered
// with RPCs. The core never persists it; it is normalised defensively on
// every call because the gateway serialises loose object maps.
type Participant struct {
	PeerID          string
	RtpCapabilities json.RawMessage
}

// ParseParticipant normalises raw participant_data. Unknown or missing
// fields degrade to zero values rather than failing the request.
func ParseParticipant(raw []byte) Participant {
	if len(raw) == 0 {
		return Participant{}
	}
	var loose map[string]json.RawMessage
	if err := json.Unmarshal(raw, &loose); err != nil {
		return Participant{}
	}
	var p Participant
	for _, key := range []string{"peerId", "peer_id", "id"} {
		if v, ok := loose[key]; ok {
			var s string
			if json.Unmarshal(v, &s) == nil && s != "" {
				p.PeerID = s
				break
			}
		}
	}
	for _, key := range []string{"rtpCapabilities", "rtp_capabilities"} {
		if v, ok := loose[key]; ok && string(v) != "null" {
			p.RtpCapabilities = v
			break
		}
	}
	return p
}
