package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voiced/internal/domain"
)

// MediaConnection is one transport connection to a remote endpoint
// (a peer in the mesh, the relay in the SFU strategy).
type MediaConnection interface {
	// CreateOffer generates an offer and applies it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// ApplyOffer sets the remote offer and returns the applied local answer.
	ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error)
	ApplyAnswer(answer webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	HasRemoteDescription() bool
	SignalingState() webrtc.SignalingState
	// AddLocalTrack attaches the local capture track.
	AddLocalTrack(track webrtc.TrackLocal) error

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnStateChange reports ICE connection state transitions.
	OnStateChange(func(domain.TransportState))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnDataChannel(func(dc *webrtc.DataChannel))

	// Close should stop all underlying media resources.
	Close() error
}

// ConnectionFactory creates transport connections with the configured ICE servers.
type ConnectionFactory interface {
	NewConnection(label string) (MediaConnection, error)
}
