package capture

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	wavRate         = 8000
	wavFrameSamples = wavRate / 50
	wavPCM          = 1
)

// WavDevice plays a 16-bit 8 kHz PCM WAV file in a loop and sends it as
// G.711 mu-law. Only the first channel is used. Unlike OggDevice its frames
// carry PCM, so local speaking detection works.
type WavDevice struct {
	Path string
}

func (d WavDevice) Open(ctx context.Context) (Source, error) {
	f, err := openInput(ctx, d.Path)
	if err != nil {
		return nil, err
	}
	src, err := newWavSource(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrNoInputDevice, d.Path, err)
	}
	return src, nil
}

type wavSource struct {
	f        *os.File
	start    int64
	size     int64
	pos      int64
	channels int
	block    int
	buf      []byte
}

func newWavSource(f *os.File) (*wavSource, error) {
	var riff [12]byte
	if _, err := io.ReadFull(f, riff[:]); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, errors.New("not a RIFF/WAVE file")
	}

	var (
		format, channels, bits uint16
		rate                   uint32
		haveFmt                bool
		offset                 int64 = 12
	)
	for {
		var hdr [8]byte
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			return nil, fmt.Errorf("no data chunk: %w", err)
		}
		id := string(hdr[0:4])
		size := int64(binary.LittleEndian.Uint32(hdr[4:8]))
		offset += 8
		switch id {
		case "fmt ":
			if size < 16 {
				return nil, errors.New("short fmt chunk")
			}
			var fmtChunk [16]byte
			if _, err := io.ReadFull(f, fmtChunk[:]); err != nil {
				return nil, fmt.Errorf("read fmt chunk: %w", err)
			}
			format = binary.LittleEndian.Uint16(fmtChunk[0:2])
			channels = binary.LittleEndian.Uint16(fmtChunk[2:4])
			rate = binary.LittleEndian.Uint32(fmtChunk[4:8])
			bits = binary.LittleEndian.Uint16(fmtChunk[14:16])
			haveFmt = true
		case "data":
			if !haveFmt {
				return nil, errors.New("data chunk before fmt chunk")
			}
			if format != wavPCM || bits != 16 || rate != wavRate || channels == 0 {
				return nil, fmt.Errorf("unsupported format %d, %d bit, %d Hz, %d channels; want 16 bit %d Hz PCM",
					format, bits, rate, channels, wavRate)
			}
			s := &wavSource{
				f:        f,
				start:    offset,
				size:     size,
				channels: int(channels),
				block:    2 * int(channels),
			}
			s.buf = make([]byte, wavFrameSamples*s.block)
			return s, nil
		}
		// Chunks are word aligned.
		next := offset + size + size&1
		if _, err := f.Seek(next, io.SeekStart); err != nil {
			return nil, err
		}
		offset = next
	}
}

func (s *wavSource) Codec() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypePCMU, ClockRate: wavRate}
}

// ReadFrame returns up to 20 ms of audio, restarting the file at the end of
// the data chunk.
func (s *wavSource) ReadFrame() (Frame, error) {
	for restarts := 0; restarts < 2; {
		left := (s.size - s.pos) / int64(s.block) * int64(s.block)
		if left == 0 {
			if _, err := s.f.Seek(s.start, io.SeekStart); err != nil {
				return Frame{}, err
			}
			s.pos = 0
			restarts++
			continue
		}
		n := min(int64(len(s.buf)), left)
		read, err := io.ReadFull(s.f, s.buf[:n])
		s.pos += int64(read)
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			// Truncated file: treat what is on disk as the whole clip.
			s.size = s.pos
			if read < s.block {
				continue
			}
		} else if err != nil {
			return Frame{}, err
		}

		samples := read / s.block
		pcm := make([]int16, samples)
		data := make([]byte, samples)
		for i := range samples {
			v := int16(binary.LittleEndian.Uint16(s.buf[i*s.block:]))
			pcm[i] = v
			data[i] = muLaw(v)
		}
		return Frame{
			Data:     data,
			Duration: time.Duration(samples) * time.Second / wavRate,
			PCM:      pcm,
		}, nil
	}
	return Frame{}, fmt.Errorf("%w: no audio samples", ErrNoInputDevice)
}

// Silence is the mu-law encoding of n zero samples.
func (s *wavSource) Silence(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = 0xff
	}
	return out
}

func (s *wavSource) Close() error { return s.f.Close() }

// muLaw encodes one sample with G.711 mu-law.
func muLaw(sample int16) byte {
	const (
		bias = 0x84
		clip = 32635
	)
	v := int(sample)
	var sign byte
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > clip {
		v = clip
	}
	v += bias
	exp := 7
	for mask := 0x4000; v&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mantissa := (v >> (exp + 3)) & 0x0f
	return ^(sign | byte(exp<<4) | byte(mantissa))
}
