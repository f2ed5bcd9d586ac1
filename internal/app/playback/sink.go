// Package playback renders remote audio tracks. Deafening mutes the
// sinks, it never closes the underlying transport.
package playback

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiced/internal/app/speaking"
	"github.com/dkeye/voiced/internal/domain"
)

// PacketReader is the subset of *webrtc.TrackRemote a sink consumes.
type PacketReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type Output interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// Outputs opens one Output per remote participant.
type Outputs interface {
	Open(user domain.UserID) (Output, error)
}

// Discard drops all audio.
type Discard struct{}

func (Discard) Open(domain.UserID) (Output, error) { return discard{}, nil }

type discard struct{}

func (discard) WriteRTP(*rtp.Packet) error { return nil }
func (discard) Close() error               { return nil }

// Recorder writes every remote participant to <Dir>/<user>.ogg.
type Recorder struct {
	Dir string
}

func (r Recorder) Open(user domain.UserID) (Output, error) {
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("record dir: %w", err)
	}
	w, err := oggwriter.New(filepath.Join(r.Dir, filepath.Base(string(user))+".ogg"), 48000, 2)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	return w, nil
}

// AudioLevelID returns the negotiated id of the audio level header
// extension, or zero when it was not negotiated.
func AudioLevelID(receiver *webrtc.RTPReceiver) uint8 {
	if receiver == nil {
		return 0
	}
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if ext.URI == sdp.AudioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

type Player struct {
	outputs Outputs
}

func NewPlayer(outputs Outputs) *Player {
	if outputs == nil {
		outputs = Discard{}
	}
	return &Player{outputs: outputs}
}

// Attach starts rendering a remote track. A sink created while deafened
// starts muted.
func (p *Player) Attach(user domain.UserID, r PacketReader, levelID uint8, muted bool) *Sink {
	out, err := p.outputs.Open(user)
	if err != nil {
		log.Warn().Err(err).Str("module", "playback").Str("peer", string(user)).Msg("output unavailable, discarding")
		out = discard{}
	}
	s := &Sink{
		user:  user,
		out:   out,
		level: speaking.NewLevel(levelID),
		done:  make(chan struct{}),
	}
	s.muted.Store(muted)
	go s.run(r)
	return s
}

type Sink struct {
	user  domain.UserID
	level *speaking.Level
	muted atomic.Bool
	done  chan struct{}

	mu     sync.Mutex
	out    Output
	closed bool
}

// Level is the analyser of the received audio. It keeps running while the
// sink is muted.
func (s *Sink) Level() *speaking.Level { return s.level }

func (s *Sink) SetMuted(m bool) { s.muted.Store(m) }

func (s *Sink) Muted() bool { return s.muted.Load() }

// Done is closed once the track stops delivering packets.
func (s *Sink) Done() <-chan struct{} { return s.done }

func (s *Sink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if err := s.out.Close(); err != nil {
		log.Warn().Err(err).Str("module", "playback").Str("peer", string(s.user)).Msg("close output")
	}
}

func (s *Sink) run(r PacketReader) {
	defer close(s.done)
	for {
		pkt, _, err := r.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("module", "playback").Str("peer", string(s.user)).Msg("track ended")
			return
		}
		s.level.ObservePacket(pkt)
		if s.muted.Load() {
			continue
		}
		s.mu.Lock()
		if !s.closed {
			if err := s.out.WriteRTP(pkt); err != nil {
				log.Warn().Err(err).Str("module", "playback").Str("peer", string(s.user)).Msg("write")
			}
		}
		s.mu.Unlock()
	}
}
