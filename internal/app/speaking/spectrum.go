package speaking

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

const fftSize = 2 * Bins

// Spectrum is an Analyser over the most recent fftSize PCM samples.
type Spectrum struct {
	mu   sync.Mutex
	ring [fftSize]float64
	pos  int

	fft  *fourier.FFT
	seq  []float64
	coef []complex128
}

func NewSpectrum() *Spectrum {
	return &Spectrum{
		fft:  fourier.NewFFT(fftSize),
		seq:  make([]float64, fftSize),
		coef: make([]complex128, fftSize/2+1),
	}
}

// Write appends 16-bit PCM samples.
func (s *Spectrum) Write(pcm []int16) {
	s.mu.Lock()
	for _, v := range pcm {
		s.ring[s.pos] = float64(v) / math.MaxInt16
		s.pos = (s.pos + 1) % fftSize
	}
	s.mu.Unlock()
}

func (s *Spectrum) FrequencyData(dst []byte) int {
	s.mu.Lock()
	for i := range s.seq {
		s.seq[i] = s.ring[(s.pos+i)%fftSize]
	}
	s.mu.Unlock()

	window.Blackman(s.seq)
	s.coef = s.fft.Coefficients(s.coef, s.seq)

	n := min(len(dst), Bins)
	for i := 0; i < n; i++ {
		mag := cmplxAbs(s.coef[i]) / fftSize
		dst[i] = ByteScale(20 * math.Log10(mag))
	}
	return n
}

func cmplxAbs(c complex128) float64 { return math.Hypot(real(c), imag(c)) }
