package media

import (
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// IsVP8Keyframe reports whether pkt starts a VP8 key frame: the first
// partition of a frame whose payload header has the P bit cleared.
func IsVP8Keyframe(pkt *rtp.Packet) bool {
	if len(pkt.Payload) == 0 {
		return false
	}
	var vp8 codecs.VP8Packet
	payload, err := vp8.Unmarshal(pkt.Payload)
	if err != nil || len(payload) == 0 {
		return false
	}
	if vp8.S != 1 || vp8.PID != 0 {
		return false
	}
	return payload[0]&0x01 == 0
}
