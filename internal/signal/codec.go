package signal

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/dkeye/voiced/internal/domain"
)

var (
	ErrUnknownEvent = fmt.Errorf("%w: unknown event", domain.ErrSignalingFailure)
	ErrMalformed    = fmt.Errorf("%w: malformed payload", domain.ErrSignalingFailure)
)

type envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

type sdpPayload struct {
	FromUserID domain.UserID `json:"from_user_id,omitempty"`
	ToUserID   domain.UserID `json:"to_user_id,omitempty"`
	SDP        string        `json:"sdp"`
}

type candidatePayload struct {
	FromUserID    domain.UserID `json:"from_user_id,omitempty"`
	ToUserID      domain.UserID `json:"to_user_id,omitempty"`
	Candidate     string        `json:"candidate"`
	SDPMid        string        `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16        `json:"sdpMLineIndex"`
}

type peerRef struct {
	UserID domain.UserID `json:"user_id"`
}

type serverUpdatePayload struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	ServerID  domain.ServerID  `json:"server_id"`
	Peers     []peerRef        `json:"peers"`
}

type stateUpdatePayload struct {
	UserID    domain.UserID     `json:"user_id,omitempty"`
	ChannelID *domain.ChannelID `json:"channel_id"`
	ServerID  domain.ServerID   `json:"server_id,omitempty"`
	SelfMute  bool              `json:"self_mute"`
	SelfDeaf  bool              `json:"self_deaf"`
}

type speakingPayload struct {
	ChannelID domain.ChannelID `json:"channel_id"`
	Speaking  bool             `json:"speaking"`
}

func channelPtr(id domain.ChannelID) *domain.ChannelID {
	if id == "" {
		return nil
	}
	return &id
}

// Encode produces the wire form of an outbound message. Server-originated
// kinds (PeerListUpdate, MembershipChange) encode in their inbound shape.
func Encode(msg Message) ([]byte, error) {
	var payload any
	switch m := msg.(type) {
	case Offer:
		payload = sdpPayload{ToUserID: m.Peer, SDP: m.SDP}
	case Answer:
		payload = sdpPayload{ToUserID: m.Peer, SDP: m.SDP}
	case ICECandidate:
		payload = candidatePayload{
			ToUserID:      m.Peer,
			Candidate:     m.Candidate,
			SDPMid:        m.SDPMid,
			SDPMLineIndex: m.SDPMLineIndex,
		}
	case VoiceStateRequest:
		payload = stateUpdatePayload{
			ChannelID: channelPtr(m.ChannelID),
			ServerID:  m.ServerID,
			SelfMute:  m.SelfMute,
			SelfDeaf:  m.SelfDeaf,
		}
	case Speaking:
		payload = speakingPayload{ChannelID: m.ChannelID, Speaking: m.Speaking}
	case PeerListUpdate:
		p := serverUpdatePayload{ChannelID: m.ChannelID, ServerID: m.ServerID, Peers: make([]peerRef, 0, len(m.Peers))}
		for _, id := range m.Peers {
			p.Peers = append(p.Peers, peerRef{UserID: id})
		}
		payload = p
	case MembershipChange:
		payload = stateUpdatePayload{
			UserID:    m.UserID,
			ChannelID: channelPtr(m.ChannelID),
			SelfMute:  m.SelfMute,
			SelfDeaf:  m.SelfDeaf,
		}
	default:
		return nil, fmt.Errorf("encode %T: %w", msg, ErrUnknownEvent)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}
	return json.Marshal(envelope{Type: msg.Kind(), Data: data})
}

// Decode parses an inbound gateway frame. Events outside the voice set
// yield ErrUnknownEvent; callers that share the gateway with other
// subsystems filter on Kind before decoding.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case KindOffer, KindAnswer:
		var p sdpPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if p.FromUserID == "" || p.SDP == "" {
			return nil, malformed(env.Type, "missing from_user_id or sdp")
		}
		if env.Type == KindOffer {
			return Offer{Peer: p.FromUserID, SDP: p.SDP}, nil
		}
		return Answer{Peer: p.FromUserID, SDP: p.SDP}, nil

	case KindICECandidate:
		var p candidatePayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if p.FromUserID == "" || p.Candidate == "" {
			return nil, malformed(env.Type, "missing from_user_id or candidate")
		}
		return ICECandidate{
			Peer:          p.FromUserID,
			Candidate:     p.Candidate,
			SDPMid:        p.SDPMid,
			SDPMLineIndex: p.SDPMLineIndex,
		}, nil

	case KindServerUpdate:
		var p serverUpdatePayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if p.ChannelID == "" {
			return nil, malformed(env.Type, "missing channel_id")
		}
		peers := make([]domain.UserID, 0, len(p.Peers))
		for _, ref := range p.Peers {
			if ref.UserID == "" {
				return nil, malformed(env.Type, "peer without user_id")
			}
			peers = append(peers, ref.UserID)
		}
		return PeerListUpdate{ChannelID: p.ChannelID, ServerID: p.ServerID, Peers: peers}, nil

	case KindStateUpdate:
		var p stateUpdatePayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		if p.UserID == "" {
			return nil, malformed(env.Type, "missing user_id")
		}
		mc := MembershipChange{UserID: p.UserID, SelfMute: p.SelfMute, SelfDeaf: p.SelfDeaf}
		if p.ChannelID != nil {
			mc.ChannelID = *p.ChannelID
		}
		return mc, nil

	case KindSpeaking:
		var p speakingPayload
		if err := unmarshal(env, &p); err != nil {
			return nil, err
		}
		return Speaking{ChannelID: p.ChannelID, Speaking: p.Speaking}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
}

// PeekKind returns the event name of a frame without decoding its payload.
func PeekKind(frame []byte) (Kind, error) {
	var env struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(frame, &env); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return env.Type, nil
}

func unmarshal(env envelope, v any) error {
	if len(env.Data) == 0 {
		return malformed(env.Type, "empty data")
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
	}
	return nil
}

func malformed(kind Kind, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrMalformed, kind, reason)
}

// IsUnknown reports whether err came from an event this package does not decode.
func IsUnknown(err error) bool { return errors.Is(err, ErrUnknownEvent) }
