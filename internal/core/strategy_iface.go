package core

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voiced/internal/domain"
)

// LocalMedia is the acquired local capture as seen by a strategy.
// FrequencyData matches speaking.Analyser.
type LocalMedia interface {
	Track() webrtc.TrackLocal
	FrequencyData(dst []byte) int
}

// Session is what a strategy needs to join one channel.
type Session struct {
	Channel  domain.Channel
	Self     domain.UserID
	Muted    bool
	Deafened bool
	Media    LocalMedia
}

// LocalUser builds the published row of the local participant.
func (s Session) LocalUser(name string, speaking bool, transport domain.TransportState) domain.VoiceUser {
	return domain.VoiceUser{
		UserID:      s.Self,
		DisplayName: name,
		Local:       true,
		Speaking:    speaking && !s.Muted,
		Muted:       s.Muted,
		Deafened:    s.Deafened,
		Transport:   transport,
	}
}

// Host is the coordinator side of a running strategy. Every method must be
// called on the event loop, except Post and After which may be called from
// any goroutine. Calls made after the session ended are ignored.
type Host interface {
	Post(fn func()) bool
	After(d time.Duration, fn func())

	Ready()
	Reconnecting()
	Fail(err error)
	Left()
	ParticipantsChanged()
}

// Strategy establishes transport for one session. All methods run on the
// event loop; Start must not block.
type Strategy interface {
	Name() string
	Start(ctx context.Context, sess Session)
	Stop()
	SetMuted(muted bool)
	SetDeafened(deafened bool)
	Participants() []domain.VoiceUser
}

// StrategyFactory builds a fresh strategy for every connect attempt.
type StrategyFactory func(host Host) Strategy
