// Package speaking turns an audio analyser into edge-triggered
// speaking/silent events.
package speaking

import (
	"context"
	"time"
)

const (
	// Interval is the sampling period of a Detector.
	Interval = 100 * time.Millisecond
	// Threshold is compared against the mean bin value on the 0..255 scale.
	Threshold = 10.0
	// Bins is the number of frequency bins sampled per tick.
	Bins = 128

	minDecibels = -100.0
	maxDecibels = -30.0
)

// Analyser exposes a frequency-domain view of an audio source. Bin values
// use the byte scale of a Web Audio AnalyserNode: 0 is minDecibels or
// quieter, 255 is maxDecibels or louder.
type Analyser interface {
	FrequencyData(dst []byte) int
}

type Detector struct {
	Interval time.Duration

	src      Analyser
	onChange func(speaking bool)
	buf      []byte
	speaking bool
}

func NewDetector(src Analyser, onChange func(speaking bool)) *Detector {
	return &Detector{
		Interval: Interval,
		src:      src,
		onChange: onChange,
		buf:      make([]byte, Bins),
	}
}

// Sample takes one reading and reports the resulting state and whether it
// differs from the previous reading.
func (d *Detector) Sample() (speaking, changed bool) {
	n := d.src.FrequencyData(d.buf)
	now := Mean(d.buf[:n]) > Threshold
	if now == d.speaking {
		return now, false
	}
	d.speaking = now
	return now, true
}

// Run samples until ctx is done. onChange is called from Run's goroutine.
func (d *Detector) Run(ctx context.Context) {
	t := time.NewTicker(d.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if on, changed := d.Sample(); changed && d.onChange != nil {
				d.onChange(on)
			}
		}
	}
}

func Mean(bins []byte) float64 {
	if len(bins) == 0 {
		return 0
	}
	var sum int
	for _, b := range bins {
		sum += int(b)
	}
	return float64(sum) / float64(len(bins))
}

// ByteScale maps a decibel value onto 0..255.
func ByteScale(db float64) byte {
	v := 255 * (db - minDecibels) / (maxDecibels - minDecibels)
	switch {
	case v <= 0 || v != v:
		return 0
	case v >= 255:
		return 255
	}
	return byte(v)
}
