package mesh

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiced/internal/app/playback"
	"github.com/dkeye/voiced/internal/app/speaking"
	"github.com/dkeye/voiced/internal/domain"
	"github.com/dkeye/voiced/internal/signal"
)

// onPeerList reconciles the tracked set against the authoritative list.
func (s *Strategy) onPeerList(u signal.PeerListUpdate) {
	if u.ChannelID != s.sess.Channel.ID {
		log.Debug().Str("module", "mesh").Str("channel", string(u.ChannelID)).Msg("peer list for another channel")
		return
	}
	want := make(map[domain.UserID]struct{}, len(u.Peers))
	for _, id := range u.Peers {
		if id != s.sess.Self {
			want[id] = struct{}{}
		}
	}
	s.listed = want

	changed := false
	for _, id := range s.peerIDs() {
		if _, ok := want[id]; !ok {
			s.destroy(s.peers[id], "not in peer list")
			changed = true
		}
	}
	for _, id := range u.Peers {
		if _, tracked := s.peers[id]; tracked || id == s.sess.Self {
			continue
		}
		s.offerTo(id)
		changed = true
	}
	if changed {
		s.host.ParticipantsChanged()
	}
}

func (s *Strategy) onMembership(m signal.MembershipChange) {
	if m.UserID == s.sess.Self {
		if !s.joined {
			s.joined = m.ChannelID == s.sess.Channel.ID
			return
		}
		if m.ChannelID != s.sess.Channel.ID {
			log.Info().Str("module", "mesh").Str("channel", string(m.ChannelID)).Msg("moved out of channel by server")
			s.host.Left()
		}
		return
	}
	if m.ChannelID != s.sess.Channel.ID {
		delete(s.listed, m.UserID)
	}
	p, ok := s.peers[m.UserID]
	if !ok {
		return
	}
	if m.ChannelID != s.sess.Channel.ID {
		s.destroy(p, "left channel")
	} else {
		p.muted, p.deafened = m.SelfMute, m.SelfDeaf
	}
	s.host.ParticipantsChanged()
}

func (s *Strategy) offerTo(id domain.UserID) {
	p, err := s.newPeer(id, domain.RoleOfferer)
	if err != nil {
		log.Error().Err(err).Str("module", "mesh").Str("peer", string(id)).Msg("create connection")
		return
	}
	offer, err := p.conn.CreateOffer()
	if err != nil {
		p.log.Error().Err(err).Msg("create offer")
		s.destroy(p, "offer failed")
		return
	}
	if err := s.gateway.Send(signal.Offer{Peer: id, SDP: offer.SDP}); err != nil {
		p.log.Warn().Err(err).Int("attempt", s.retries[id]).Msg("send offer")
		s.destroy(p, "offer not sent")
		if s.retries[id] < maxOfferRetries {
			s.retries[id]++
			s.host.After(offerRetryDelay, func() { s.retryOffer(id) })
		}
		return
	}
	delete(s.retries, id)
}

// retryOffer offers again to a listed peer whose previous offer never left.
func (s *Strategy) retryOffer(id domain.UserID) {
	if !s.running {
		return
	}
	if _, tracked := s.peers[id]; tracked {
		return
	}
	if _, ok := s.listed[id]; !ok {
		delete(s.retries, id)
		return
	}
	s.offerTo(id)
	s.host.ParticipantsChanged()
}

func (s *Strategy) onOffer(o signal.Offer) {
	if o.Peer == s.sess.Self {
		return
	}
	l := log.With().Str("module", "mesh").Str("peer", string(o.Peer)).Logger()
	if err := signal.ValidateAudioSDP(o.SDP); err != nil {
		l.Warn().Err(err).Msg("discarding offer")
		return
	}
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: o.SDP}

	if p, ok := s.peers[o.Peer]; ok {
		if p.conn.SignalingState() == webrtc.SignalingStateHaveLocalOffer {
			// Glare: the smaller id keeps its own offer.
			if s.sess.Self.Less(o.Peer) {
				l.Debug().Msg("glare, keeping local offer")
				return
			}
			l.Debug().Msg("glare, yielding to remote offer")
			s.destroy(p, "glare")
		} else {
			s.answer(p, desc)
			return
		}
	}

	p, err := s.newPeer(o.Peer, domain.RoleAnswerer)
	if err != nil {
		l.Error().Err(err).Msg("create connection")
		return
	}
	if s.answer(p, desc) {
		s.host.ParticipantsChanged()
	}
}

// answer applies a remote offer and replies to its sender only.
func (s *Strategy) answer(p *peer, offer webrtc.SessionDescription) bool {
	answer, err := p.conn.ApplyOffer(offer)
	if err != nil {
		p.log.Warn().Err(err).Msg("apply offer")
		s.destroy(p, "bad offer")
		return false
	}
	p.flushCandidates()
	if err := s.gateway.Send(signal.Answer{Peer: p.id, SDP: answer.SDP}); err != nil {
		p.log.Warn().Err(err).Msg("send answer")
	}
	return true
}

func (s *Strategy) onAnswer(a signal.Answer) {
	p, ok := s.peers[a.Peer]
	if !ok {
		log.Debug().Str("module", "mesh").Str("peer", string(a.Peer)).Msg("answer for unknown peer")
		return
	}
	if p.conn.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		p.log.Warn().Str("signaling", p.conn.SignalingState().String()).Msg("unexpected answer")
		return
	}
	if err := p.conn.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: a.SDP}); err != nil {
		p.log.Warn().Err(err).Msg("apply answer")
		return
	}
	p.flushCandidates()
}

func (s *Strategy) onCandidate(c signal.ICECandidate) {
	p, ok := s.peers[c.Peer]
	if !ok {
		return
	}
	mid, idx := c.SDPMid, c.SDPMLineIndex
	init := webrtc.ICECandidateInit{Candidate: c.Candidate, SDPMid: &mid, SDPMLineIndex: &idx}
	if !p.conn.HasRemoteDescription() {
		p.pending = append(p.pending, init)
		return
	}
	if err := p.conn.AddICECandidate(init); err != nil {
		p.log.Warn().Err(err).Msg("add candidate")
	}
}

func (s *Strategy) newPeer(id domain.UserID, role domain.NegotiationRole) (*peer, error) {
	conn, err := s.factory.NewConnection(string(id))
	if err != nil {
		return nil, err
	}
	p := &peer{
		id:    id,
		role:  role,
		conn:  conn,
		state: domain.TransportNew,
		log:   log.With().Str("module", "mesh").Str("peer", string(id)).Str("role", role.String()).Logger(),
	}
	p.ctx, p.cancel = context.WithCancel(s.ctx)

	if s.sess.Media != nil && s.sess.Media.Track() != nil {
		if err := conn.AddLocalTrack(s.sess.Media.Track()); err != nil {
			p.log.Warn().Err(err).Msg("add local track")
		}
	}

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		s.host.Post(func() { s.sendCandidate(p, c) })
	})
	conn.OnStateChange(func(st domain.TransportState) {
		s.host.Post(func() { s.onTransport(p, st) })
	})
	conn.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		id := playback.AudioLevelID(receiver)
		s.host.Post(func() { s.attach(p, track, id) })
	})

	s.peers[id] = p
	p.log.Info().Msg("peer created")
	return p, nil
}

// current reports whether p is still the tracked connection for its user.
func (s *Strategy) current(p *peer) bool {
	return s.running && s.peers[p.id] == p
}

func (s *Strategy) sendCandidate(p *peer, c webrtc.ICECandidateInit) {
	if !s.current(p) {
		return
	}
	msg := signal.ICECandidate{Peer: p.id, Candidate: c.Candidate}
	if c.SDPMid != nil {
		msg.SDPMid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		msg.SDPMLineIndex = *c.SDPMLineIndex
	}
	if err := s.gateway.Send(msg); err != nil {
		p.log.Warn().Err(err).Msg("send candidate")
	}
}

func (s *Strategy) onTransport(p *peer, st domain.TransportState) {
	if !s.current(p) {
		return
	}
	p.state = st
	if st.Terminal() {
		p.log.Warn().Str("state", st.String()).Err(domain.ErrTransportFailed).Msg("peer transport lost")
		s.destroy(p, "transport "+st.String())
	}
	s.host.ParticipantsChanged()
}

// attach starts rendering a remote track and the speaking detector on it.
func (s *Strategy) attach(p *peer, r playback.PacketReader, levelID uint8) {
	if !s.current(p) {
		return
	}
	if p.sink != nil {
		p.sink.Close()
	}
	p.sink = s.player.Attach(p.id, r, levelID, s.sess.Deafened)
	d := speaking.NewDetector(p.sink.Level(), func(on bool) {
		s.host.Post(func() { s.setPeerSpeaking(p, on) })
	})
	ctx := p.ctx
	s.wg.Go(func() { d.Run(ctx) })
	s.host.ParticipantsChanged()
}

func (s *Strategy) setPeerSpeaking(p *peer, on bool) {
	if !s.current(p) || p.speaking == on {
		return
	}
	p.speaking = on
	s.host.ParticipantsChanged()
}

func (s *Strategy) setLocalSpeaking(on bool) {
	if !s.running {
		return
	}
	if on && s.sess.Muted {
		return
	}
	if s.localSpeaking == on {
		return
	}
	s.localSpeaking = on
	if err := s.gateway.Send(signal.Speaking{ChannelID: s.sess.Channel.ID, Speaking: on}); err != nil {
		log.Warn().Err(err).Str("module", "mesh").Msg("send speaking")
	}
	s.host.ParticipantsChanged()
}

func (s *Strategy) destroy(p *peer, reason string) {
	if s.peers[p.id] != p {
		return
	}
	delete(s.peers, p.id)
	p.close()
	p.log.Info().Str("reason", reason).Msg("peer destroyed")
}
