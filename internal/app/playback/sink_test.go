package playback

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"

	"github.com/dkeye/voiced/internal/domain"
)

// stepReader hands out one packet at a time; asked fires each time the
// sink comes back for more, so the previous packet is fully handled.
type stepReader struct {
	pkts  chan *rtp.Packet
	asked chan struct{}
}

func newStepReader() *stepReader {
	return &stepReader{pkts: make(chan *rtp.Packet), asked: make(chan struct{})}
}

func (r *stepReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	r.asked <- struct{}{}
	pkt, ok := <-r.pkts
	if !ok {
		return nil, nil, io.EOF
	}
	return pkt, nil, nil
}

func (r *stepReader) feed(pkt *rtp.Packet) {
	r.pkts <- pkt
	<-r.asked
}

type countingOutput struct {
	mu     sync.Mutex
	n      int
	closed bool
}

func (o *countingOutput) WriteRTP(*rtp.Packet) error {
	o.mu.Lock()
	o.n++
	o.mu.Unlock()
	return nil
}

func (o *countingOutput) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}

func (o *countingOutput) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.n
}

type outputsFunc func(domain.UserID) (Output, error)

func (f outputsFunc) Open(u domain.UserID) (Output, error) { return f(u) }

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq}, Payload: []byte{0xf8, 0xff, 0xfe}}
}

func TestSinkMutedDropsAudio(t *testing.T) {
	out := &countingOutput{}
	p := NewPlayer(outputsFunc(func(domain.UserID) (Output, error) { return out, nil }))
	r := newStepReader()

	s := p.Attach("bob", r, 0, true)
	if !s.Muted() {
		t.Fatal("sink attached while deafened must start muted")
	}
	<-r.asked
	r.feed(packet(1))
	r.feed(packet(2))
	s.SetMuted(false)
	r.feed(packet(3))
	close(r.pkts)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("sink did not finish")
	}
	if got := out.count(); got != 1 {
		t.Fatalf("wrote %d packets, want 1", got)
	}
	s.Close()
	s.Close()
	if !out.closed {
		t.Fatal("output not closed")
	}
}

func TestRecorderWritesOgg(t *testing.T) {
	dir := t.TempDir()
	out, err := Recorder{Dir: dir}.Open("carol")
	if err != nil {
		t.Fatal(err)
	}
	if err := out.WriteRTP(packet(1)); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "carol.ogg")); err != nil {
		t.Fatalf("recording missing: %v", err)
	}
}

func TestAudioLevelIDWithoutReceiver(t *testing.T) {
	if AudioLevelID(nil) != 0 {
		t.Fatal("nil receiver has no extension")
	}
}
