// Package signal defines the closed set of voice signaling messages
// exchanged over the gateway and their wire encoding.
package signal

import (
	"github.com/dkeye/voiced/internal/domain"
)

// Kind is the gateway event name of a message.
type Kind string

const (
	KindOffer        Kind = "VOICE_OFFER"
	KindAnswer       Kind = "VOICE_ANSWER"
	KindICECandidate Kind = "VOICE_ICE_CANDIDATE"
	KindServerUpdate Kind = "VOICE_SERVER_UPDATE"
	KindStateUpdate  Kind = "VOICE_STATE_UPDATE"
	KindSpeaking     Kind = "VOICE_SPEAKING"
)

// Message is implemented only by the types in this package.
type Message interface {
	Kind() Kind
	sealed()
}

// Offer carries an SDP offer. Peer is the recipient when sending and the
// sender when received.
type Offer struct {
	Peer domain.UserID
	SDP  string
}

type Answer struct {
	Peer domain.UserID
	SDP  string
}

type ICECandidate struct {
	Peer          domain.UserID
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// PeerListUpdate is the authoritative list of participants in a channel.
type PeerListUpdate struct {
	ChannelID domain.ChannelID
	ServerID  domain.ServerID
	Peers     []domain.UserID
}

// MembershipChange reports a user moving to ChannelID; empty means the
// user left voice entirely.
type MembershipChange struct {
	UserID    domain.UserID
	ChannelID domain.ChannelID
	SelfMute  bool
	SelfDeaf  bool
}

// VoiceStateRequest is sent to join, leave (empty ChannelID) or update
// the local mute flags.
type VoiceStateRequest struct {
	ChannelID domain.ChannelID
	ServerID  domain.ServerID
	SelfMute  bool
	SelfDeaf  bool
}

type Speaking struct {
	ChannelID domain.ChannelID
	Speaking  bool
}

func (Offer) Kind() Kind             { return KindOffer }
func (Answer) Kind() Kind            { return KindAnswer }
func (ICECandidate) Kind() Kind      { return KindICECandidate }
func (PeerListUpdate) Kind() Kind    { return KindServerUpdate }
func (MembershipChange) Kind() Kind  { return KindStateUpdate }
func (VoiceStateRequest) Kind() Kind { return KindStateUpdate }
func (Speaking) Kind() Kind          { return KindSpeaking }

func (Offer) sealed()             {}
func (Answer) sealed()            {}
func (ICECandidate) sealed()      {}
func (PeerListUpdate) sealed()    {}
func (MembershipChange) sealed()  {}
func (VoiceStateRequest) sealed() {}
func (Speaking) sealed()          {}
