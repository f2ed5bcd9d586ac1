package rtc

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voiced/internal/core"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// Factory builds connections from one shared pion API so every peer
// negotiates the same codecs and header extensions.
type Factory struct {
	api *webrtc.API
	cfg webrtc.Configuration
}

var _ core.ConnectionFactory = (*Factory)(nil)

// Option tunes the ICE agent shared by every connection of a Factory.
type Option func(*webrtc.SettingEngine) error

// WithPortRange limits local ICE candidates to UDP ports [min, max].
func WithPortRange(min, max uint16) Option {
	return func(se *webrtc.SettingEngine) error {
		if min == 0 && max == 0 {
			return nil
		}
		return se.SetEphemeralUDPPortRange(min, max)
	}
}

// NewFactory uses cfg as given; an empty ICE server list means host
// candidates only.
func NewFactory(cfg webrtc.Configuration, opts ...Option) (*Factory, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	// Remote speaking detection reads the RFC 6464 level from this extension.
	if err := m.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return nil, fmt.Errorf("register audio level extension: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{}
	for _, opt := range opts {
		if err := opt(&se); err != nil {
			return nil, fmt.Errorf("ice settings: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(se),
	)
	return &Factory{api: api, cfg: cfg}, nil
}

func (f *Factory) NewConnection(label string) (core.MediaConnection, error) {
	pc, err := f.api.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	return newConnection(pc, label), nil
}

// ICEServers converts configured URLs into pion ICE servers.
func ICEServers(urls []string, username, credential string) []webrtc.ICEServer {
	var out []webrtc.ICEServer
	for _, u := range urls {
		s := webrtc.ICEServer{URLs: []string{u}}
		if username != "" {
			s.Username = username
			s.Credential = credential
		}
		out = append(out, s)
	}
	return out
}
