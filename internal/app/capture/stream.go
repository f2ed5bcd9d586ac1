package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/voiced/internal/app/speaking"
	"github.com/dkeye/voiced/internal/domain"
)

// opusSilence is a 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

const silenceDuration = 20 * time.Millisecond

type Capture struct {
	device Device
}

func New(device Device) *Capture {
	return &Capture{device: device}
}

// Acquire opens the device and starts pumping frames into a new track.
// Every error wraps domain.ErrMediaUnavailable unless ctx ended first.
func (c *Capture) Acquire(ctx context.Context) (*Stream, error) {
	src, err := c.device.Open(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, domain.ErrMediaUnavailable) {
			err = fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
		}
		return nil, err
	}

	track, err := webrtc.NewTrackLocalStaticSample(src.Codec(), "audio", "voice-"+uuid.NewString())
	if err != nil {
		_ = src.Close()
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}

	pctx, cancel := context.WithCancel(context.Background())
	s := &Stream{
		src:      src,
		track:    track,
		spectrum: speaking.NewSpectrum(),
		cancel:   cancel,
	}
	s.enabled.Store(true)
	s.wg.Go(func() { s.pump(pctx) })
	log.Info().Str("module", "capture").Str("track", track.ID()).Msg("capture started")
	return s, nil
}

// Stream is an acquired capture. It is exclusively owned by whoever
// called Acquire and must be released with Stop.
type Stream struct {
	src      Source
	track    *webrtc.TrackLocalStaticSample
	spectrum *speaking.Spectrum
	enabled  atomic.Bool

	cancel context.CancelFunc
	wg     conc.WaitGroup
	once   sync.Once
}

func (s *Stream) Track() webrtc.TrackLocal { return s.track }

// SetEnabled replaces outgoing audio with silence while disabled. The
// transport is left untouched.
func (s *Stream) SetEnabled(on bool) { s.enabled.Store(on) }

func (s *Stream) Enabled() bool { return s.enabled.Load() }

// FrequencyData makes Stream a speaking.Analyser of what is actually sent.
func (s *Stream) FrequencyData(dst []byte) int { return s.spectrum.FrequencyData(dst) }

func (s *Stream) Stop() {
	s.once.Do(func() {
		s.cancel()
		if err := s.src.Close(); err != nil {
			log.Warn().Err(err).Str("module", "capture").Msg("close source")
		}
		s.wg.Wait()
		log.Info().Str("module", "capture").Str("track", s.track.ID()).Msg("capture stopped")
	})
}

// silencer is implemented by sources whose codec is not Opus.
type silencer interface {
	Silence(n int) []byte
}

func (s *Stream) pump(ctx context.Context) {
	t := time.NewTicker(silenceDuration)
	defer t.Stop()
	var silent []int16
	for {
		frame, err := s.src.ReadFrame()
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("module", "capture").Msg("read frame")
			}
			return
		}
		if frame.Duration <= 0 {
			frame.Duration = silenceDuration
		}
		if !s.enabled.Load() {
			n := len(frame.PCM)
			if len(silent) < n {
				silent = make([]int16, n)
			}
			data := opusSilence
			if q, ok := s.src.(silencer); ok {
				data = q.Silence(len(frame.Data))
			}
			frame = Frame{Data: data, Duration: frame.Duration, PCM: silent[:n]}
		}
		if err := s.track.WriteSample(media.Sample{Data: frame.Data, Duration: frame.Duration}); err != nil {
			log.Warn().Err(err).Str("module", "capture").Msg("write sample")
		}
		if len(frame.PCM) > 0 {
			s.spectrum.Write(frame.PCM)
		}

		t.Reset(frame.Duration)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
