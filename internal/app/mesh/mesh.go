// Package mesh connects directly to every other participant of a voice
// channel, one transport connection per peer, reconciled against the
// peer list pushed by the gateway.
package mesh

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/voiced/internal/app/playback"
	"github.com/dkeye/voiced/internal/app/speaking"
	"github.com/dkeye/voiced/internal/core"
	"github.com/dkeye/voiced/internal/domain"
	"github.com/dkeye/voiced/internal/signal"
)

const (
	offerRetryDelay = 500 * time.Millisecond
	maxOfferRetries = 3
)

var subscribed = []signal.Kind{
	signal.KindOffer,
	signal.KindAnswer,
	signal.KindICECandidate,
	signal.KindServerUpdate,
	signal.KindStateUpdate,
}

type Strategy struct {
	host      core.Host
	gateway   core.Gateway
	factory   core.ConnectionFactory
	player    *playback.Player
	directory core.Directory

	sess          core.Session
	running       bool
	peers         map[domain.UserID]*peer
	localSpeaking bool
	unsubscribe   []func()

	// joined is set once the gateway echoes our own join; earlier self
	// updates belong to a previous session.
	joined  bool
	listed  map[domain.UserID]struct{}
	retries map[domain.UserID]int

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

var _ core.Strategy = (*Strategy)(nil)

func New(host core.Host, gw core.Gateway, factory core.ConnectionFactory, player *playback.Player, dir core.Directory) *Strategy {
	if dir == nil {
		dir = core.StaticDirectory{}
	}
	return &Strategy{
		host:      host,
		gateway:   gw,
		factory:   factory,
		player:    player,
		directory: dir,
		peers:     make(map[domain.UserID]*peer),
		listed:    make(map[domain.UserID]struct{}),
		retries:   make(map[domain.UserID]int),
	}
}

// Factory returns a core.StrategyFactory building mesh strategies over
// shared adapters.
func Factory(gw core.Gateway, factory core.ConnectionFactory, player *playback.Player, dir core.Directory) core.StrategyFactory {
	return func(host core.Host) core.Strategy {
		return New(host, gw, factory, player, dir)
	}
}

func (s *Strategy) Name() string { return "mesh" }

func (s *Strategy) Start(ctx context.Context, sess core.Session) {
	s.sess = sess
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true

	for _, kind := range subscribed {
		s.unsubscribe = append(s.unsubscribe, s.gateway.Subscribe(kind, s.deliver))
	}

	if sess.Media != nil {
		d := speaking.NewDetector(sess.Media, func(on bool) {
			s.host.Post(func() { s.setLocalSpeaking(on) })
		})
		s.wg.Go(func() { d.Run(s.ctx) })
	}

	err := s.gateway.Send(signal.VoiceStateRequest{
		ChannelID: sess.Channel.ID,
		ServerID:  sess.Channel.ServerID,
		SelfMute:  sess.Muted,
		SelfDeaf:  sess.Deafened,
	})
	if err != nil {
		s.host.Fail(fmt.Errorf("%w: join request: %v", domain.ErrSignalingFailure, err))
		return
	}
	log.Info().Str("module", "mesh").Str("channel", string(sess.Channel.ID)).Msg("joined")
	s.host.Ready()
}

func (s *Strategy) Stop() {
	if !s.running {
		return
	}
	s.running = false
	for _, unsub := range s.unsubscribe {
		unsub()
	}
	s.unsubscribe = nil

	if err := s.gateway.Send(signal.VoiceStateRequest{ServerID: s.sess.Channel.ServerID}); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Msg("leave request")
	}
	for _, p := range s.peers {
		p.close()
	}
	clear(s.peers)
	s.cancel()
	s.wg.Wait()
	log.Info().Str("module", "mesh").Str("channel", string(s.sess.Channel.ID)).Msg("left")
}

func (s *Strategy) SetMuted(muted bool) {
	s.sess.Muted = muted
	if !s.running {
		return
	}
	s.sendState()
	if muted && s.localSpeaking {
		s.setLocalSpeaking(false)
	}
	s.host.ParticipantsChanged()
}

func (s *Strategy) SetDeafened(deafened bool) {
	s.sess.Deafened = deafened
	for _, p := range s.peers {
		if p.sink != nil {
			p.sink.SetMuted(deafened)
		}
	}
	if s.running {
		s.sendState()
		s.host.ParticipantsChanged()
	}
}

func (s *Strategy) sendState() {
	err := s.gateway.Send(signal.VoiceStateRequest{
		ChannelID: s.sess.Channel.ID,
		ServerID:  s.sess.Channel.ServerID,
		SelfMute:  s.sess.Muted,
		SelfDeaf:  s.sess.Deafened,
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "mesh").Msg("voice state update")
	}
}

func (s *Strategy) Participants() []domain.VoiceUser {
	users := make([]domain.VoiceUser, 0, len(s.peers)+1)
	users = append(users, s.sess.LocalUser(s.directory.DisplayName(s.sess.Self), s.localSpeaking, domain.TransportConnected))
	for _, id := range s.peerIDs() {
		p := s.peers[id]
		users = append(users, domain.VoiceUser{
			UserID:      p.id,
			DisplayName: s.directory.DisplayName(p.id),
			Speaking:    p.speaking,
			Muted:       p.muted,
			Deafened:    p.deafened,
			Transport:   p.state,
		})
	}
	return users
}

func (s *Strategy) peerIDs() []domain.UserID {
	ids := make([]domain.UserID, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// deliver runs on the gateway goroutine.
func (s *Strategy) deliver(msg signal.Message) {
	s.host.Post(func() { s.handle(msg) })
}

func (s *Strategy) handle(msg signal.Message) {
	if !s.running {
		return
	}
	switch m := msg.(type) {
	case signal.PeerListUpdate:
		s.onPeerList(m)
	case signal.MembershipChange:
		s.onMembership(m)
	case signal.Offer:
		s.onOffer(m)
	case signal.Answer:
		s.onAnswer(m)
	case signal.ICECandidate:
		s.onCandidate(m)
	case signal.VoiceStateRequest, signal.Speaking:
		log.Debug().Str("module", "mesh").Str("kind", string(msg.Kind())).Msg("ignoring outbound kind")
	}
}
