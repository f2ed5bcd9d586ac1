// Package sfu sends the local track over a single uplink to a media relay
// and turns the relay's participant, speaker and track reports into the
// same participant rows the mesh strategy produces.
package sfu

import (
	"context"
	"slices"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/voiced/internal/adapters/relay"
	"github.com/dkeye/voiced/internal/app/playback"
	"github.com/dkeye/voiced/internal/core"
	"github.com/dkeye/voiced/internal/domain"
)

// Relay is the control socket to the media relay.
type Relay interface {
	Send(msg any) error
	// Events is closed when the socket drops.
	Events() <-chan any
	Close()
}

type Dialer func(ctx context.Context, url, token string) (Relay, error)

// DialRelay is the websocket Dialer.
func DialRelay(ctx context.Context, url, token string) (Relay, error) {
	c, err := relay.Dial(ctx, url, token)
	if err != nil {
		return nil, err
	}
	return c, nil
}

type Options struct {
	Tokens    core.TokenSource
	Dial      Dialer
	Factory   core.ConnectionFactory
	Player    *playback.Player
	Directory core.Directory

	// Attempts bounds consecutive reconnects; Delay doubles after each.
	Attempts int
	Delay    time.Duration

	Now func() time.Time
}

type Strategy struct {
	host core.Host
	opts Options

	sess    core.Session
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup

	grant     core.Grant
	gen       uint64
	link      *link
	attempt   int
	everReady bool
	reauthed  bool

	members   map[domain.UserID]relay.Participant
	speakers  map[domain.UserID]bool
	streams   map[string]domain.UserID
	transport domain.TransportState
}

var _ core.Strategy = (*Strategy)(nil)

func New(host core.Host, opts Options) *Strategy {
	if opts.Dial == nil {
		opts.Dial = DialRelay
	}
	if opts.Directory == nil {
		opts.Directory = core.StaticDirectory{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	return &Strategy{
		host:     host,
		opts:     opts,
		members:  make(map[domain.UserID]relay.Participant),
		speakers: make(map[domain.UserID]bool),
		streams:  make(map[string]domain.UserID),
	}
}

func Factory(opts Options) core.StrategyFactory {
	return func(host core.Host) core.Strategy { return New(host, opts) }
}

func (s *Strategy) Name() string { return "sfu" }

func (s *Strategy) Start(ctx context.Context, sess core.Session) {
	s.sess = sess
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.connect()
}

func (s *Strategy) Stop() {
	if !s.running {
		return
	}
	s.running = false
	s.teardown()
	s.cancel()
	s.wg.Wait()
	log.Info().Str("module", "sfu").Str("channel", string(s.sess.Channel.ID)).Msg("uplink stopped")
}

func (s *Strategy) SetMuted(muted bool) {
	s.sess.Muted = muted
	if s.link != nil {
		s.send(relay.Mute{Muted: muted})
	}
	if s.running {
		s.host.ParticipantsChanged()
	}
}

func (s *Strategy) SetDeafened(deafened bool) {
	s.sess.Deafened = deafened
	if s.link != nil {
		for _, sink := range s.link.sinks {
			sink.SetMuted(deafened)
		}
		s.send(relay.Deafen{Deafened: deafened})
	}
	if s.running {
		s.host.ParticipantsChanged()
	}
}

func (s *Strategy) Participants() []domain.VoiceUser {
	name := s.opts.Directory.DisplayName(s.sess.Self)
	users := []domain.VoiceUser{s.sess.LocalUser(name, s.speakers[s.sess.Self], s.transport)}

	ids := make([]domain.UserID, 0, len(s.members))
	for id := range s.members {
		if id != s.sess.Self {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	for _, id := range ids {
		p := s.members[id]
		name := p.DisplayName
		if name == "" {
			name = s.opts.Directory.DisplayName(id)
		}
		users = append(users, domain.VoiceUser{
			UserID:      id,
			DisplayName: name,
			Speaking:    s.speakers[id],
			Muted:       p.Muted,
			Deafened:    p.Deafened,
			Transport:   s.transport,
		})
	}
	return users
}

func (s *Strategy) send(msg any) {
	if err := s.link.relay.Send(msg); err != nil {
		log.Warn().Err(err).Str("module", "sfu").Msgf("send %T", msg)
	}
}

// link is one relay socket plus the uplink negotiated over it.
type link struct {
	gen     uint64
	relay   Relay
	conn    core.MediaConnection
	sinks   map[string]*playback.Sink
	pending []webrtc.ICECandidateInit
}

func (l *link) close() {
	for _, sink := range l.sinks {
		sink.Close()
	}
	l.relay.Close()
	if err := l.conn.Close(); err != nil {
		log.Warn().Err(err).Str("module", "sfu").Msg("close uplink")
	}
}

func (l *link) flushCandidates() {
	for _, c := range l.pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "sfu").Msg("queued candidate rejected")
		}
	}
	l.pending = nil
}
