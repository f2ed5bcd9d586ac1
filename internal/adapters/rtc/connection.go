package rtc

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiced/internal/domain"
)

// Connection adapts a pion PeerConnection to core.MediaConnection.
type Connection struct {
	pc    *webrtc.PeerConnection
	label string

	mu        sync.Mutex
	onICE     func(webrtc.ICECandidateInit)
	onState   func(domain.TransportState)
	onTrack   func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onChannel func(*webrtc.DataChannel)
	closeOnce sync.Once
}

func newConnection(pc *webrtc.PeerConnection, label string) *Connection {
	c := &Connection{pc: pc, label: label}
	c.bind()
	return c
}

func (c *Connection) bind() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "rtc").Str("conn", c.label).Str("ice_state", s.String()).Msg("ICE state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(TransportStateOf(s))
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("conn", c.label).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
		}
	})

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.mu.Lock()
		fn := c.onChannel
		c.mu.Unlock()
		if fn != nil {
			fn(dc)
		}
	})
}

// TransportStateOf maps pion ICE states onto the domain enum.
func TransportStateOf(s webrtc.ICEConnectionState) domain.TransportState {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return domain.TransportChecking
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return domain.TransportConnected
	case webrtc.ICEConnectionStateDisconnected:
		return domain.TransportDisconnected
	case webrtc.ICEConnectionStateFailed:
		return domain.TransportFailed
	case webrtc.ICEConnectionStateClosed:
		return domain.TransportClosed
	default:
		return domain.TransportNew
	}
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	if len(c.pc.GetTransceivers()) == 0 {
		if _, err := c.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return webrtc.SessionDescription{}, fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

func (c *Connection) ApplyOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (c *Connection) ApplyAnswer(answer webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

func (c *Connection) HasRemoteDescription() bool { return c.pc.RemoteDescription() != nil }

func (c *Connection) SignalingState() webrtc.SignalingState { return c.pc.SignalingState() }

// AddLocalTrack attaches a local track and drains its RTCP feedback.
func (c *Connection) AddLocalTrack(track webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (c *Connection) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Connection) OnStateChange(fn func(domain.TransportState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnTrack sets application-level callback for remote tracks.
func (c *Connection) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Connection) OnDataChannel(fn func(*webrtc.DataChannel)) {
	c.mu.Lock()
	c.onChannel = fn
	c.mu.Unlock()
}

// Close detaches callbacks before closing so no state change is reported
// for a connection its owner already discarded.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.onICE, c.onState, c.onTrack, c.onChannel = nil, nil, nil, nil
		c.mu.Unlock()
		if err = c.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Str("conn", c.label).Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Str("conn", c.label).Msg("closed")
		}
	})
	return err
}
