package speaking

import (
	"context"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/rtp"
)

type constAnalyser struct{ v atomic.Uint32 }

func (a *constAnalyser) set(v byte) { a.v.Store(uint32(v)) }

func (a *constAnalyser) FrequencyData(dst []byte) int {
	for i := range dst {
		dst[i] = byte(a.v.Load())
	}
	return len(dst)
}

func TestDetectorEdgeTriggered(t *testing.T) {
	a := &constAnalyser{}
	d := NewDetector(a, nil)

	a.set(200)
	changes := 0
	for i := 0; i < 20; i++ {
		if on, changed := d.Sample(); changed {
			changes++
			if !on {
				t.Fatal("expected speaking=true edge")
			}
		}
	}
	if changes != 1 {
		t.Fatalf("steady loud input produced %d events, want 1", changes)
	}

	a.set(0)
	on, changed := d.Sample()
	if on || !changed {
		t.Fatalf("expected falling edge, got on=%v changed=%v", on, changed)
	}
	if _, changed := d.Sample(); changed {
		t.Fatal("steady silence must not emit again")
	}
}

func TestDetectorRunCallsOnChangeOnce(t *testing.T) {
	a := &constAnalyser{}
	a.set(255)
	events := make(chan bool, 16)
	d := NewDetector(a, func(on bool) { events <- on })
	d.Interval = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	select {
	case on := <-events:
		if !on {
			t.Fatal("expected speaking=true")
		}
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done
	if len(events) != 0 {
		t.Fatalf("got %d extra events", len(events))
	}
}

func TestByteScale(t *testing.T) {
	cases := []struct {
		db   float64
		want byte
	}{
		{-120, 0},
		{-100, 0},
		{-30, 255},
		{0, 255},
		{-65, 127},
		{math.Inf(-1), 0},
	}
	for _, c := range cases {
		if got := ByteScale(c.db); got != c.want {
			t.Errorf("ByteScale(%v) = %d, want %d", c.db, got, c.want)
		}
	}
}

func TestSpectrumSilenceAndNoise(t *testing.T) {
	s := NewSpectrum()
	buf := make([]byte, Bins)

	s.FrequencyData(buf)
	if m := Mean(buf); m > Threshold {
		t.Fatalf("silence mean %.1f above threshold", m)
	}

	rng := rand.New(rand.NewPCG(1, 2))
	pcm := make([]int16, 960)
	for i := range pcm {
		pcm[i] = int16(rng.IntN(20001) - 10000)
	}
	s.Write(pcm)
	s.FrequencyData(buf)
	if m := Mean(buf); m <= Threshold {
		t.Fatalf("noise mean %.1f not above threshold", m)
	}
}

func TestLevelPacketAndHold(t *testing.T) {
	now := time.Unix(0, 0)
	l := NewLevel(1)
	l.now = func() time.Time { return now }

	ext := rtp.AudioLevelExtension{Level: 20, Voice: true}
	raw, err := ext.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2}}
	if err := pkt.SetExtension(1, raw); err != nil {
		t.Fatal(err)
	}
	l.ObservePacket(pkt)

	buf := make([]byte, Bins)
	l.FrequencyData(buf)
	if Mean(buf) <= Threshold {
		t.Fatalf("loud level should be above threshold, got %.1f", Mean(buf))
	}

	now = now.Add(Hold + time.Millisecond)
	l.FrequencyData(buf)
	if Mean(buf) != 0 {
		t.Fatalf("expired level should read as silence, got %.1f", Mean(buf))
	}

	l.Observe(127)
	l.FrequencyData(buf)
	if Mean(buf) != 0 {
		t.Fatalf("level 127 is silence, got %.1f", Mean(buf))
	}
}
