package mesh

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/voiced/internal/app/playback"
	"github.com/dkeye/voiced/internal/core"
	"github.com/dkeye/voiced/internal/domain"
)

// peer is one remote participant. Owned by the event loop.
type peer struct {
	id    domain.UserID
	role  domain.NegotiationRole
	conn  core.MediaConnection
	state domain.TransportState
	log   zerolog.Logger

	// candidates received before the remote description was applied
	pending []webrtc.ICECandidateInit

	sink     *playback.Sink
	speaking bool
	muted    bool
	deafened bool

	ctx    context.Context
	cancel context.CancelFunc
}

func (p *peer) flushCandidates() {
	for _, c := range p.pending {
		if err := p.conn.AddICECandidate(c); err != nil {
			p.log.Warn().Err(err).Msg("queued candidate rejected")
		}
	}
	p.pending = nil
}

func (p *peer) close() {
	p.cancel()
	if p.sink != nil {
		p.sink.Close()
	}
	if err := p.conn.Close(); err != nil {
		p.log.Warn().Err(err).Msg("close connection")
	}
}
