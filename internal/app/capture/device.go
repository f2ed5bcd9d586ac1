// Package capture owns the local microphone: it opens an input device,
// paces its frames into a WebRTC track and exposes the audio to the
// speaking detector.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/dkeye/voiced/internal/domain"
)

var (
	ErrNoInputDevice    = fmt.Errorf("%w: no input device", domain.ErrMediaUnavailable)
	ErrPermissionDenied = fmt.Errorf("%w: permission denied", domain.ErrMediaUnavailable)
)

// Frame is one encoded audio frame. PCM is optional and only feeds the
// local analyser.
type Frame struct {
	Data     []byte
	Duration time.Duration
	PCM      []int16
}

type Source interface {
	Codec() webrtc.RTPCodecCapability
	ReadFrame() (Frame, error)
	Close() error
}

//go:generate mockgen -source=device.go -destination=mocks/device_mock.go -package=mocks

// Device opens a capture source. Open blocks for as long as the platform
// needs to grant access.
type Device interface {
	Open(ctx context.Context) (Source, error)
}

// OggDevice plays an Ogg/Opus file in a loop as if it were a microphone.
// Its frames carry no PCM, so the local analyser reads silence.
type OggDevice struct {
	Path string
}

// DeviceFor picks the device type from the file extension: .wav files are
// read as PCM, anything else as Ogg/Opus.
func DeviceFor(path string) Device {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		return WavDevice{Path: path}
	}
	return OggDevice{Path: path}
}

func openInput(ctx context.Context, path string) (*os.File, error) {
	if path == "" {
		return nil, ErrNoInputDevice
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	switch {
	case errors.Is(err, os.ErrPermission):
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
	case errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrNoInputDevice, path)
	case err != nil:
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}
	return f, nil
}

func (d OggDevice) Open(ctx context.Context) (Source, error) {
	f, err := openInput(ctx, d.Path)
	if err != nil {
		return nil, err
	}
	src := &oggSource{f: f}
	if err := src.rewind(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %v", ErrNoInputDevice, err)
	}
	return src, nil
}

type oggSource struct {
	f       *os.File
	reader  *oggreader.OggReader
	granule uint64
}

func (s *oggSource) rewind() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(s.f)
	if err != nil {
		return err
	}
	s.reader = reader
	s.granule = 0
	return nil
}

func (s *oggSource) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

// ReadFrame returns the next page with audio. Header pages carry no
// samples and are skipped; the file restarts at EOF.
func (s *oggSource) ReadFrame() (Frame, error) {
	for restarts := 0; restarts < 2; {
		data, page, err := s.reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if err := s.rewind(); err != nil {
				return Frame{}, err
			}
			restarts++
			continue
		}
		if err != nil {
			return Frame{}, err
		}
		if page.GranulePosition <= s.granule {
			continue
		}
		samples := page.GranulePosition - s.granule
		s.granule = page.GranulePosition
		return Frame{
			Data:     data,
			Duration: time.Duration(samples) * time.Second / 48000,
		}, nil
	}
	return Frame{}, fmt.Errorf("%w: no audio pages", ErrNoInputDevice)
}

func (s *oggSource) Close() error { return s.f.Close() }
