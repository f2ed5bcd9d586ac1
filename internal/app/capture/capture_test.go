package capture_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/voiced/internal/app/capture"
	"github.com/dkeye/voiced/internal/app/capture/mocks"
	"github.com/dkeye/voiced/internal/domain"
)

var opus = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}

func TestOggDeviceMissing(t *testing.T) {
	ctx := context.Background()
	if _, err := (capture.OggDevice{}).Open(ctx); !errors.Is(err, capture.ErrNoInputDevice) {
		t.Fatalf("empty path: expected ErrNoInputDevice, got %v", err)
	}
	_, err := capture.OggDevice{Path: filepath.Join(t.TempDir(), "nope.ogg")}.Open(ctx)
	if !errors.Is(err, capture.ErrNoInputDevice) || !errors.Is(err, domain.ErrMediaUnavailable) {
		t.Fatalf("missing file: expected ErrNoInputDevice wrapping ErrMediaUnavailable, got %v", err)
	}
}

func writeOgg(t *testing.T, packets int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mic.ogg")
	w, err := oggwriter.New(path, 48000, 2)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < packets; i++ {
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				SequenceNumber: uint16(i),
				Timestamp:      uint32(i * 960),
			},
			Payload: []byte{0xf8, 0xff, 0xfe},
		}
		if err := w.WriteRTP(pkt); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestOggDeviceLoops(t *testing.T) {
	src, err := capture.OggDevice{Path: writeOgg(t, 3)}.Open(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	if src.Codec().MimeType != webrtc.MimeTypeOpus {
		t.Fatalf("unexpected codec %v", src.Codec())
	}
	var got []time.Duration
	for i := 0; i < 6; i++ {
		f, err := src.ReadFrame()
		if err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		if len(f.Data) == 0 {
			t.Fatalf("frame %d empty", i)
		}
		got = append(got, f.Duration)
	}
	if got[1] != 20*time.Millisecond || got[2] != 20*time.Millisecond {
		t.Fatalf("unexpected durations %v", got)
	}
}

func TestAcquireWrapsDeviceErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := mocks.NewMockDevice(ctrl)
	dev.EXPECT().Open(gomock.Any()).Return(nil, errors.New("busy"))

	_, err := capture.New(dev).Acquire(context.Background())
	if !errors.Is(err, domain.ErrMediaUnavailable) {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}
}

func TestAcquirePermissionDenied(t *testing.T) {
	ctrl := gomock.NewController(t)
	dev := mocks.NewMockDevice(ctrl)
	dev.EXPECT().Open(gomock.Any()).Return(nil, capture.ErrPermissionDenied)

	_, err := capture.New(dev).Acquire(context.Background())
	if !errors.Is(err, capture.ErrPermissionDenied) || !errors.Is(err, domain.ErrMediaUnavailable) {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestStreamEnableAndStop(t *testing.T) {
	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)
	src.EXPECT().Codec().Return(opus).AnyTimes()
	src.EXPECT().ReadFrame().Return(capture.Frame{
		Data:     []byte{1, 2, 3},
		Duration: time.Millisecond,
		PCM:      make([]int16, 48),
	}, nil).AnyTimes()
	src.EXPECT().Close().Return(nil).Times(1)

	dev := mocks.NewMockDevice(ctrl)
	dev.EXPECT().Open(gomock.Any()).Return(src, nil)

	s, err := capture.New(dev).Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if s.Track() == nil || !s.Enabled() {
		t.Fatal("new stream must have a track and start enabled")
	}
	before := s.Enabled()
	s.SetEnabled(false)
	if s.Enabled() {
		t.Fatal("expected disabled")
	}
	s.SetEnabled(true)
	if s.Enabled() != before {
		t.Fatal("mute round trip must restore enablement")
	}

	time.Sleep(5 * time.Millisecond)
	s.Stop()
	s.Stop()
}
