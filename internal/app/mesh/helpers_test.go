package mesh

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voiced/internal/app/speaking"
)

const speakingTicks = speaking.Interval

func webrtcCandidate(c string, mid *string, idx *uint16) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: c, SDPMid: mid, SDPMLineIndex: idx}
}
