package sfu

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiced/internal/adapters/relay"
	"github.com/dkeye/voiced/internal/app/playback"
	"github.com/dkeye/voiced/internal/core"
	"github.com/dkeye/voiced/internal/domain"
)

// connect starts one link attempt. The token is reused until it expires.
func (s *Strategy) connect() {
	s.gen++
	gen, ctx, grant, channel := s.gen, s.ctx, s.grant, s.sess.Channel
	fresh := grant.Token == "" || grant.Expired(s.opts.Now())

	s.wg.Go(func() {
		if fresh {
			g, err := s.opts.Tokens.Token(ctx, channel)
			if err != nil {
				s.host.Post(func() { s.linkFailed(gen, fmt.Errorf("token: %w", err)) })
				return
			}
			grant = g
		}
		r, err := s.opts.Dial(ctx, grant.ServerURL, grant.Token)
		if err != nil {
			s.host.Post(func() { s.linkFailed(gen, err) })
			return
		}
		accepted := make(chan struct{})
		s.host.Post(func() {
			close(accepted)
			s.dialed(gen, grant, r)
		})
		select {
		case <-accepted:
		case <-ctx.Done():
			r.Close()
		}
	})
}

func (s *Strategy) dialed(gen uint64, grant core.Grant, r Relay) {
	if !s.running || gen != s.gen {
		r.Close()
		return
	}
	s.grant = grant

	conn, err := s.opts.Factory.NewConnection("relay")
	if err != nil {
		r.Close()
		s.linkFailed(gen, fmt.Errorf("%w: %v", domain.ErrUplinkLost, err))
		return
	}
	l := &link{gen: gen, relay: r, conn: conn, sinks: make(map[string]*playback.Sink)}
	s.link = l

	if s.sess.Media != nil && s.sess.Media.Track() != nil {
		if err := conn.AddLocalTrack(s.sess.Media.Track()); err != nil {
			log.Warn().Err(err).Str("module", "sfu").Msg("add local track")
		}
	}
	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.host.Post(func() { s.sendCandidate(gen, c) })
	})
	conn.OnStateChange(func(st domain.TransportState) {
		s.host.Post(func() { s.uplinkState(gen, st) })
	})
	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		s.host.Post(func() { s.attach(gen, track.StreamID(), track) })
	})
	conn.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != relay.SpeakersLabel {
			return
		}
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			ids, err := relay.DecodeSpeakers(msg.Data)
			if err != nil {
				log.Warn().Err(err).Str("module", "sfu").Msg("speakers report")
				return
			}
			s.host.Post(func() { s.setSpeakers(gen, ids) })
		})
	})

	s.wg.Go(func() {
		for ev := range r.Events() {
			s.host.Post(func() { s.onRelay(gen, ev) })
		}
		s.host.Post(func() { s.linkFailed(gen, fmt.Errorf("%w: relay socket closed", domain.ErrUplinkLost)) })
	})

	offer, err := conn.CreateOffer()
	if err != nil {
		s.linkFailed(gen, fmt.Errorf("%w: create offer: %v", domain.ErrUplinkLost, err))
		return
	}
	if err := r.Send(relay.Offer{SDP: offer.SDP}); err != nil {
		s.linkFailed(gen, fmt.Errorf("%w: send offer: %v", domain.ErrUplinkLost, err))
		return
	}
	if s.sess.Muted {
		s.send(relay.Mute{Muted: true})
	}
	if s.sess.Deafened {
		s.send(relay.Deafen{Deafened: true})
	}
	log.Info().Str("module", "sfu").Str("server_url", grant.ServerURL).Msg("relay connected, offer sent")
}

func (s *Strategy) current(gen uint64) bool {
	return s.running && s.link != nil && s.link.gen == gen
}

func (s *Strategy) onRelay(gen uint64, ev any) {
	if !s.current(gen) {
		return
	}
	l := s.link
	switch m := ev.(type) {
	case relay.Answer:
		if err := l.conn.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.SDP}); err != nil {
			log.Warn().Err(err).Str("module", "sfu").Msg("apply answer")
			return
		}
		l.flushCandidates()
	case relay.Candidate:
		mid, idx := m.SDPMid, m.SDPMLineIndex
		c := webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: &mid, SDPMLineIndex: &idx}
		if !l.conn.HasRemoteDescription() {
			l.pending = append(l.pending, c)
			return
		}
		if err := l.conn.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "sfu").Msg("add candidate")
		}
	case relay.Participants:
		clear(s.members)
		for _, p := range m.Participants {
			s.members[p.UserID] = p
		}
		s.host.ParticipantsChanged()
	case relay.ParticipantJoined:
		s.members[m.Participant.UserID] = m.Participant
		s.host.ParticipantsChanged()
	case relay.ParticipantUpdated:
		s.members[m.Participant.UserID] = m.Participant
		s.host.ParticipantsChanged()
	case relay.ParticipantLeft:
		delete(s.members, m.UserID)
		delete(s.speakers, m.UserID)
		for stream, user := range s.streams {
			if user == m.UserID {
				delete(s.streams, stream)
				if sink, ok := l.sinks[stream]; ok {
					sink.Close()
					delete(l.sinks, stream)
				}
			}
		}
		s.host.ParticipantsChanged()
	case relay.Track:
		s.streams[m.StreamID] = m.UserID
	case relay.Error:
		log.Warn().Str("module", "sfu").Str("code", m.Code).Msg(m.Message)
		if m.Code == "token_expired" || m.Code == "unauthorized" {
			s.linkFailed(gen, fmt.Errorf("%w: %v", domain.ErrTokenExpired, m))
		}
	}
}

func (s *Strategy) sendCandidate(gen uint64, c webrtc.ICECandidateInit) {
	if !s.current(gen) {
		return
	}
	msg := relay.Candidate{Candidate: c.Candidate}
	if c.SDPMid != nil {
		msg.SDPMid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		msg.SDPMLineIndex = *c.SDPMLineIndex
	}
	s.send(msg)
}

func (s *Strategy) uplinkState(gen uint64, st domain.TransportState) {
	if !s.current(gen) {
		return
	}
	s.transport = st
	switch {
	case st == domain.TransportConnected:
		s.attempt = 0
		s.reauthed = false
		s.everReady = true
		s.host.Ready()
	case st.Terminal():
		s.linkFailed(gen, fmt.Errorf("%w: uplink %s", domain.ErrUplinkLost, st))
		return
	}
	s.host.ParticipantsChanged()
}

func (s *Strategy) attach(gen uint64, stream string, r playback.PacketReader) {
	if !s.current(gen) {
		return
	}
	user, ok := s.streams[stream]
	if !ok {
		user = domain.UserID(stream)
	}
	if old, ok := s.link.sinks[stream]; ok {
		old.Close()
	}
	s.link.sinks[stream] = s.opts.Player.Attach(user, r, 0, s.sess.Deafened)
}

func (s *Strategy) setSpeakers(gen uint64, ids []domain.UserID) {
	if !s.current(gen) {
		return
	}
	clear(s.speakers)
	for _, id := range ids {
		s.speakers[id] = true
	}
	s.host.ParticipantsChanged()
}

// linkFailed drops the current link and schedules the next attempt.
func (s *Strategy) linkFailed(gen uint64, err error) {
	if !s.running || gen != s.gen {
		return
	}
	s.teardown()
	log.Warn().Err(err).Str("module", "sfu").Int("attempt", s.attempt).Msg("uplink lost")

	if errors.Is(err, domain.ErrTokenExpired) && !s.reauthed {
		s.reauthed = true
		s.grant = core.Grant{}
		s.connect()
		return
	}
	if s.attempt >= s.opts.Attempts {
		s.host.Fail(fmt.Errorf("%w after %d attempts: %w", domain.ErrUplinkLost, s.attempt, err))
		return
	}
	delay := s.opts.Delay << s.attempt
	s.attempt++
	if s.everReady {
		s.host.Reconnecting()
	}
	want := s.gen
	s.host.After(delay, func() {
		if s.running && s.gen == want {
			s.connect()
		}
	})
}

func (s *Strategy) teardown() {
	s.gen++
	if s.link == nil {
		return
	}
	s.link.close()
	s.link = nil
	clear(s.speakers)
	clear(s.streams)
	s.transport = domain.TransportDisconnected
}
