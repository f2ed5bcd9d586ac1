package cli

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiced/internal/adapters/gateway"
	"github.com/dkeye/voiced/internal/adapters/rtc"
	"github.com/dkeye/voiced/internal/adapters/token"
	"github.com/dkeye/voiced/internal/app/capture"
	"github.com/dkeye/voiced/internal/app/mesh"
	"github.com/dkeye/voiced/internal/app/playback"
	"github.com/dkeye/voiced/internal/app/sfu"
	"github.com/dkeye/voiced/internal/app/voice"
	"github.com/dkeye/voiced/internal/config"
	"github.com/dkeye/voiced/internal/core"
	"github.com/dkeye/voiced/internal/domain"
)

// runtime is everything a command needs once the configuration is wired.
type runtime struct {
	voice   *voice.Coordinator
	devices *capture.Library
	// lost is closed when a shared upstream (the gateway) goes away.
	lost  <-chan struct{}
	close func()
}

func build(ctx context.Context, cfg *config.Config) (*runtime, error) {
	self, err := domain.ParseUserID(cfg.UserID)
	if err != nil {
		return nil, fmt.Errorf("user_id: %w", err)
	}

	rtcCfg := webrtc.Configuration{
		ICEServers: rtc.ICEServers(cfg.ICEServers, cfg.ICEUsername, cfg.ICECredential),
	}
	if len(rtcCfg.ICEServers) == 0 {
		rtcCfg = rtc.DefaultWebRTCConfig()
	}
	factory, err := rtc.NewFactory(rtcCfg, rtc.WithPortRange(cfg.ICEPortMin, cfg.ICEPortMax))
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}

	var outputs playback.Outputs = playback.Discard{}
	if cfg.RecordDir != "" {
		outputs = playback.Recorder{Dir: cfg.RecordDir}
	}
	player := playback.NewPlayer(outputs)
	dir := core.StaticDirectory{}

	rt := &runtime{
		devices: capture.NewLibrary(cfg.InputDir, cfg.InputDevice),
		close:   func() {},
	}
	var strategy core.StrategyFactory
	switch cfg.Strategy {
	case config.StrategyMesh:
		gw, err := gateway.Dial(ctx, cfg.GatewayURL, cfg.GatewayToken)
		if err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
		strategy = mesh.Factory(gw, factory, player, dir)
		rt.lost = gw.Done()
		rt.close = gw.Close
	case config.StrategySFU:
		strategy = sfu.Factory(sfu.Options{
			Tokens:    token.NewClient(cfg.TokenURL, cfg.TokenAuth, cfg.TokenTTL),
			Factory:   factory,
			Player:    player,
			Directory: dir,
			Attempts:  cfg.ReconnectAttempts,
			Delay:     cfg.ReconnectDelay,
		})
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", config.ErrInvalid, cfg.Strategy)
	}

	rt.voice = voice.New(voice.Options{
		Self:           self,
		Acquire:        voice.FromCapture(capture.New(rt.devices)),
		Strategy:       strategy,
		Directory:      dir,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	closeUpstream := rt.close
	rt.close = func() {
		rt.voice.Close()
		closeUpstream()
	}

	log.Info().
		Str("module", "cli").
		Str("user", string(self)).
		Str("strategy", cfg.Strategy).
		Str("input", cfg.InputDevice).
		Msg("voice coordinator ready")
	return rt, nil
}
