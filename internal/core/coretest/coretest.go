// Package coretest provides in-memory doubles of the core ports for
// strategy and coordinator tests.
package coretest

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/voiced/internal/core"
	"github.com/dkeye/voiced/internal/domain"
	"github.com/dkeye/voiced/internal/signal"
)

// AudioSDP is a minimal description with one audio section.
const AudioSDP = "v=0\r\n" +
	"o=- 4215775240449105457 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

// Gateway records sent messages and lets tests push inbound ones.
type Gateway struct {
	mu      sync.Mutex
	sent    []signal.Message
	subs    map[signal.Kind]map[int]func(signal.Message)
	next    int
	SendErr error
}

var _ core.Gateway = (*Gateway)(nil)

func NewGateway() *Gateway {
	return &Gateway{subs: make(map[signal.Kind]map[int]func(signal.Message))}
}

func (g *Gateway) Send(msg signal.Message) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.SendErr != nil {
		return g.SendErr
	}
	g.sent = append(g.sent, msg)
	return nil
}

func (g *Gateway) Subscribe(kind signal.Kind, fn func(signal.Message)) func() {
	g.mu.Lock()
	defer g.mu.Unlock()
	id := g.next
	g.next++
	if g.subs[kind] == nil {
		g.subs[kind] = make(map[int]func(signal.Message))
	}
	g.subs[kind][id] = fn
	return func() {
		g.mu.Lock()
		delete(g.subs[kind], id)
		g.mu.Unlock()
	}
}

// Emit delivers msg to the subscribers of its kind.
func (g *Gateway) Emit(msg signal.Message) {
	g.mu.Lock()
	var fns []func(signal.Message)
	for _, fn := range g.subs[msg.Kind()] {
		fns = append(fns, fn)
	}
	g.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (g *Gateway) Subscribers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, m := range g.subs {
		n += len(m)
	}
	return n
}

func (g *Gateway) Sent() []signal.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]signal.Message(nil), g.sent...)
}

func (g *Gateway) Reset() {
	g.mu.Lock()
	g.sent = nil
	g.mu.Unlock()
}

// SentOf filters the messages sent so far by type.
func SentOf[T signal.Message](g *Gateway) []T {
	var out []T
	for _, m := range g.Sent() {
		if v, ok := m.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// Conn is a scripted core.MediaConnection.
type Conn struct {
	Label string

	mu         sync.Mutex
	signaling  webrtc.SignalingState
	remote     bool
	closed     bool
	tracks     int
	candidates []webrtc.ICECandidateInit

	onICE     func(webrtc.ICECandidateInit)
	onState   func(domain.TransportState)
	onTrack   func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onChannel func(*webrtc.DataChannel)

	OfferErr error
}

var _ core.MediaConnection = (*Conn)(nil)

var ErrNoRemoteDescription = errors.New("remote description not set")

func (c *Conn) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.OfferErr != nil {
		return webrtc.SessionDescription{}, c.OfferErr
	}
	c.signaling = webrtc.SignalingStateHaveLocalOffer
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: AudioSDP}, nil
}

func (c *Conn) ApplyOffer(webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remote = true
	c.signaling = webrtc.SignalingStateStable
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: AudioSDP}, nil
}

func (c *Conn) ApplyAnswer(webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaling != webrtc.SignalingStateHaveLocalOffer {
		return errors.New("no local offer")
	}
	c.remote = true
	c.signaling = webrtc.SignalingStateStable
	return nil
}

func (c *Conn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.remote {
		return ErrNoRemoteDescription
	}
	c.candidates = append(c.candidates, ci)
	return nil
}

func (c *Conn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *Conn) SignalingState() webrtc.SignalingState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.signaling == webrtc.SignalingStateUnknown {
		return webrtc.SignalingStateStable
	}
	return c.signaling
}

func (c *Conn) AddLocalTrack(webrtc.TrackLocal) error {
	c.mu.Lock()
	c.tracks++
	c.mu.Unlock()
	return nil
}

func (c *Conn) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *Conn) OnStateChange(fn func(domain.TransportState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

func (c *Conn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *Conn) OnDataChannel(fn func(*webrtc.DataChannel)) {
	c.mu.Lock()
	c.onChannel = fn
	c.mu.Unlock()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Candidates() []webrtc.ICECandidateInit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), c.candidates...)
}

// EmitState fires the state callback as the media stack would.
func (c *Conn) EmitState(st domain.TransportState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (c *Conn) EmitCandidate(ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

// Factory hands out Conns and remembers them by label.
type Factory struct {
	mu    sync.Mutex
	conns map[string][]*Conn
	Err   error
}

var _ core.ConnectionFactory = (*Factory)(nil)

func NewFactory() *Factory { return &Factory{conns: make(map[string][]*Conn)} }

func (f *Factory) NewConnection(label string) (core.MediaConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	c := &Conn{Label: label}
	f.conns[label] = append(f.conns[label], c)
	return c, nil
}

// Last returns the most recent connection created for label.
func (f *Factory) Last(label string) *Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.conns[label]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

func (f *Factory) Count(label string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns[label])
}

// Open returns all connections not yet closed.
func (f *Factory) Open() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Conn
	for _, cs := range f.conns {
		for _, c := range cs {
			if !c.Closed() {
				out = append(out, c)
			}
		}
	}
	return out
}

// Media is a LocalMedia with a controllable level.
type Media struct {
	level   atomic.Uint32
	enabled atomic.Bool
	stopped atomic.Bool
}

func NewMedia() *Media {
	m := &Media{}
	m.enabled.Store(true)
	return m
}

func (m *Media) Track() webrtc.TrackLocal { return nil }

func (m *Media) SetLevel(v byte) { m.level.Store(uint32(v)) }

func (m *Media) FrequencyData(dst []byte) int {
	v := byte(m.level.Load())
	if !m.enabled.Load() {
		v = 0
	}
	for i := range dst {
		dst[i] = v
	}
	return len(dst)
}

func (m *Media) SetEnabled(on bool) { m.enabled.Store(on) }
func (m *Media) Enabled() bool      { return m.enabled.Load() }
func (m *Media) Stop()              { m.stopped.Store(true) }
func (m *Media) Stopped() bool      { return m.stopped.Load() }

// Host queues posted work; tests run it with Drain, acting as the loop.
type Host struct {
	mu     sync.Mutex
	queue  []func()
	timers []Timer

	Readies    int
	Reconnects int
	Failures   []error
	Lefts      int
	Changes    int
}

type Timer struct {
	D  time.Duration
	Fn func()
}

var _ core.Host = (*Host)(nil)

func (h *Host) Post(fn func()) bool {
	h.mu.Lock()
	h.queue = append(h.queue, fn)
	h.mu.Unlock()
	return true
}

func (h *Host) After(d time.Duration, fn func()) {
	h.mu.Lock()
	h.timers = append(h.timers, Timer{D: d, Fn: fn})
	h.mu.Unlock()
}

func (h *Host) Ready()               { h.Readies++ }
func (h *Host) Reconnecting()        { h.Reconnects++ }
func (h *Host) Fail(err error)       { h.Failures = append(h.Failures, err) }
func (h *Host) Left()                { h.Lefts++ }
func (h *Host) ParticipantsChanged() { h.Changes++ }

// Drain runs queued work, including work queued while draining.
func (h *Host) Drain() {
	for {
		h.mu.Lock()
		if len(h.queue) == 0 {
			h.mu.Unlock()
			return
		}
		fn := h.queue[0]
		h.queue = h.queue[1:]
		h.mu.Unlock()
		fn()
	}
}

// Settle drains until cond holds or a second passes.
func (h *Host) Settle(t testing.TB, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for {
		h.Drain()
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("condition not reached")
		}
		time.Sleep(time.Millisecond)
	}
}

// Pending counts timers not yet taken by Timers.
func (h *Host) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.timers)
}

// Timers removes and returns the pending timers.
func (h *Host) Timers() []Timer {
	h.mu.Lock()
	defer h.mu.Unlock()
	ts := h.timers
	h.timers = nil
	return ts
}
