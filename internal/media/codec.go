package media

import (
	"strings"

	"github.com/pion/webrtc/v3"
)

// RtpCodecCapability describes one codec a router can route.
type RtpCodecCapability struct {
	Kind                 string                 `json:"kind"`
	MimeType             string                 `json:"mimeType"`
	PreferredPayloadType uint8                  `json:"preferredPayloadType,omitempty"`
	ClockRate            uint32                 `json:"clockRate"`
	Channels             uint16                 `json:"channels,omitempty"`
	Parameters           map[string]interface{} `json:"parameters,omitempty"`
}

// RtpCapabilities is the serialisable capability set exchanged with clients.
type RtpCapabilities struct {
	Codecs []RtpCodecCapability `json:"codecs"`
}

// IsEmpty reports whether no codecs are present (missing caps on a consume
// request fall back to the router's own capabilities).
func (c RtpCapabilities) IsEmpty() bool {
	return len(c.Codecs) == 0
}

var videoRTCPFeedback = []webrtc.RTCPFeedback{
	{Type: "goog-remb"},
	{Type: "ccm", Parameter: "fir"},
	{Type: "nack"},
	{Type: "nack", Parameter: "pli"},
}

// routerCodecs is the fixed codec set every router advertises.
func routerCodecs() []RtpCodecCapability {
	return []RtpCodecCapability{
		{
			Kind:       "audio",
			MimeType:   webrtc.MimeTypeOpus,
			ClockRate:  48000,
			Channels:   2,
			Parameters: map[string]interface{}{"minptime": 10, "useinbandfec": 1},
		},
		{Kind: "video", MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		{
			Kind:       "video",
			MimeType:   webrtc.MimeTypeVP9,
			ClockRate:  90000,
			Parameters: map[string]interface{}{"profile-id": 2},
		},
		{
			Kind:      "video",
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: 90000,
			Parameters: map[string]interface{}{
				"packetization-mode":      1,
				"profile-level-id":        "4d0032",
				"level-asymmetry-allowed": 1,
			},
		},
		{
			Kind:      "video",
			MimeType:  webrtc.MimeTypeH264,
			ClockRate: 90000,
			Parameters: map[string]interface{}{
				"packetization-mode":      1,
				"profile-level-id":        "42e01f",
				"level-asymmetry-allowed": 1,
			},
		},
	}
}

// pionCodecParameters maps the router codec set onto a pion media engine.
func registerRouterCodecs(me *webrtc.MediaEngine) error {
	audio := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
	if err := me.RegisterCodec(audio, webrtc.RTPCodecTypeAudio); err != nil {
		return err
	}

	videos := []webrtc.RTPCodecParameters{
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP8,
				ClockRate:    90000,
				RTCPFeedback: videoRTCPFeedback,
			},
			PayloadType: 96,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeVP9,
				ClockRate:    90000,
				SDPFmtpLine:  "profile-id=2",
				RTCPFeedback: videoRTCPFeedback,
			},
			PayloadType: 98,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=4d0032",
				RTCPFeedback: videoRTCPFeedback,
			},
			PayloadType: 100,
		},
		{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     webrtc.MimeTypeH264,
				ClockRate:    90000,
				SDPFmtpLine:  "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
				RTCPFeedback: videoRTCPFeedback,
			},
			PayloadType: 102,
		},
	}
	for _, v := range videos {
		if err := me.RegisterCodec(v, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}
	return nil
}

// codecsCompatible reports whether the consumer capabilities include a codec
// able to receive the given media kind from the router.
func codecsCompatible(kind string, caps RtpCapabilities) bool {
	for _, c := range caps.Codecs {
		if c.Kind != "" && c.Kind != kind {
			continue
		}
		mime := strings.ToLower(c.MimeType)
		for _, rc := range routerCodecs() {
			if rc.Kind != kind {
				continue
			}
			if strings.ToLower(rc.MimeType) == mime {
				return true
			}
		}
		// Some clients omit the mime prefix ("opus" instead of "audio/opus").
		if mime != "" && !strings.Contains(mime, "/") {
			for _, rc := range routerCodecs() {
				if rc.Kind == kind && strings.HasSuffix(strings.ToLower(rc.MimeType), "/"+mime) {
					return true
				}
			}
		}
	}
	return false
}

// trackCapabilityFor returns the pion codec capability a forwarded track of
// the given kind uses.
func trackCapabilityFor(kind string) webrtc.RTPCodecCapability {
	if kind == "audio" {
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}
	}
	return webrtc.RTPCodecCapability{
		MimeType:     webrtc.MimeTypeVP8,
		ClockRate:    90000,
		RTCPFeedback: videoRTCPFeedback,
	}
}
