package sfu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/voiced/internal/adapters/relay"
	"github.com/dkeye/voiced/internal/app/playback"
	"github.com/dkeye/voiced/internal/core"
	"github.com/dkeye/voiced/internal/core/coretest"
	"github.com/dkeye/voiced/internal/core/mocks"
	"github.com/dkeye/voiced/internal/domain"
)

type fakeRelay struct {
	mu     sync.Mutex
	sent   []any
	events chan any
	once   sync.Once
}

func newFakeRelay() *fakeRelay { return &fakeRelay{events: make(chan any, 16)} }

func (r *fakeRelay) Send(msg any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *fakeRelay) Events() <-chan any { return r.events }

func (r *fakeRelay) Close() { r.once.Do(func() { close(r.events) }) }

func (r *fakeRelay) Sent() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.sent...)
}

type dial struct {
	url, token string
}

type fakeDialer struct {
	mu     sync.Mutex
	dials  []dial
	relays []*fakeRelay
	errs   []error
}

func (d *fakeDialer) Dial(_ context.Context, url, token string) (Relay, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials = append(d.dials, dial{url, token})
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	r := newFakeRelay()
	d.relays = append(d.relays, r)
	return r, nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func (d *fakeDialer) last() *fakeRelay {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.relays) == 0 {
		return nil
	}
	return d.relays[len(d.relays)-1]
}

type fixture struct {
	s       *Strategy
	host    *coretest.Host
	tokens  *mocks.MockTokenSource
	dialer  *fakeDialer
	factory *coretest.Factory
	now     time.Time
}

var general = domain.Channel{ID: "general", ServerID: "srv"}

func newFixture(t *testing.T, attempts int) *fixture {
	t.Helper()
	ctrl := gomock.NewController(t)
	f := &fixture{
		host:    &coretest.Host{},
		tokens:  mocks.NewMockTokenSource(ctrl),
		dialer:  &fakeDialer{},
		factory: coretest.NewFactory(),
		now:     time.Unix(1000, 0),
	}
	f.s = New(f.host, Options{
		Tokens:   f.tokens,
		Dial:     f.dialer.Dial,
		Factory:  f.factory,
		Player:   playback.NewPlayer(nil),
		Attempts: attempts,
		Delay:    time.Second,
		Now:      func() time.Time { return f.now },
	})
	t.Cleanup(f.s.Stop)
	return f
}

func grant(token string, expires time.Time) core.Grant {
	return core.Grant{ServerURL: "wss://relay/ws", Token: token, ExpiresAt: expires}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	f.s.Start(context.Background(), core.Session{Channel: general, Self: "a", Media: coretest.NewMedia()})
	f.waitDials(t, 1)
}

func (f *fixture) waitDials(t *testing.T, n int) {
	t.Helper()
	f.host.Settle(t, func() bool { return f.dialer.count() >= n && f.s.link != nil })
}

// connectUplink answers the pending offer and reports the uplink up.
func (f *fixture) connectUplink(t *testing.T) {
	t.Helper()
	r := f.dialer.last()
	r.events <- relay.Answer{SDP: coretest.AudioSDP}
	f.host.Settle(t, func() bool { return f.s.link.conn.HasRemoteDescription() })
	f.factory.Last("relay").EmitState(domain.TransportConnected)
	f.host.Drain()
}

// hangup drops the relay socket and waits for the strategy to notice.
func (f *fixture) hangup(t *testing.T) {
	t.Helper()
	f.dialer.last().Close()
	f.host.Settle(t, func() bool { return f.s.link == nil })
}

func fire(t *testing.T, h *coretest.Host) time.Duration {
	t.Helper()
	timers := h.Timers()
	if len(timers) != 1 {
		t.Fatalf("expected one pending retry, got %d", len(timers))
	}
	timers[0].Fn()
	return timers[0].D
}

func TestStartSendsOfferAndBecomesReady(t *testing.T) {
	f := newFixture(t, 3)
	f.tokens.EXPECT().Token(gomock.Any(), general).Return(grant("t1", time.Time{}), nil)
	f.start(t)

	if d := f.dialer.dials[0]; d.url != "wss://relay/ws" || d.token != "t1" {
		t.Fatalf("unexpected dial %+v", d)
	}
	sent := f.dialer.last().Sent()
	if len(sent) != 1 {
		t.Fatalf("expected one offer, got %v", sent)
	}
	if _, ok := sent[0].(relay.Offer); !ok {
		t.Fatalf("expected offer, got %T", sent[0])
	}
	if f.host.Readies != 0 {
		t.Fatal("ready before the uplink is connected")
	}

	f.connectUplink(t)
	if f.host.Readies != 1 {
		t.Fatalf("expected ready once, got %d", f.host.Readies)
	}
}

func TestCandidatesQueuedUntilAnswer(t *testing.T) {
	f := newFixture(t, 3)
	f.tokens.EXPECT().Token(gomock.Any(), general).Return(grant("t1", time.Time{}), nil)
	f.start(t)

	r := f.dialer.last()
	r.events <- relay.Candidate{Candidate: "candidate:1", SDPMid: "0"}
	f.host.Settle(t, func() bool { return len(f.s.link.pending) == 1 })
	f.connectUplink(t)

	if got := f.factory.Last("relay").Candidates(); len(got) != 1 || got[0].Candidate != "candidate:1" {
		t.Fatalf("queued candidate not applied: %+v", got)
	}
}

func TestServerEventsBecomeParticipants(t *testing.T) {
	f := newFixture(t, 3)
	f.tokens.EXPECT().Token(gomock.Any(), general).Return(grant("t1", time.Time{}), nil)
	f.start(t)
	f.connectUplink(t)

	r := f.dialer.last()
	r.events <- relay.Participants{Participants: []relay.Participant{
		{UserID: "a"},
		{UserID: "c", DisplayName: "Carol", Muted: true},
	}}
	r.events <- relay.ParticipantJoined{Participant: relay.Participant{UserID: "b"}}
	f.host.Settle(t, func() bool { return len(f.s.Participants()) == 3 })

	f.s.setSpeakers(f.s.link.gen, []domain.UserID{"a", "b"})
	users := f.s.Participants()
	if !users[0].Local || users[0].UserID != "a" || !users[0].Speaking {
		t.Fatalf("local row wrong: %+v", users[0])
	}
	if users[1].UserID != "b" || !users[1].Speaking {
		t.Fatalf("b row wrong: %+v", users[1])
	}
	if users[2].UserID != "c" || users[2].DisplayName != "Carol" || !users[2].Muted || users[2].Speaking {
		t.Fatalf("c row wrong: %+v", users[2])
	}

	r.events <- relay.ParticipantLeft{UserID: "b"}
	f.host.Settle(t, func() bool { return len(f.s.Participants()) == 2 })
}

func TestReconnectReusesTokenUntilExpiry(t *testing.T) {
	f := newFixture(t, 3)
	f.tokens.EXPECT().Token(gomock.Any(), general).Return(grant("t1", f.now.Add(time.Minute)), nil).Times(1)
	f.start(t)
	f.connectUplink(t)

	f.hangup(t)
	if f.host.Reconnects != 1 {
		t.Fatal("expected reconnecting state")
	}
	if d := fire(t, f.host); d != time.Second {
		t.Fatalf("first retry delay %v, want 1s", d)
	}
	f.waitDials(t, 2)
	if d := f.dialer.dials[1]; d.token != "t1" {
		t.Fatalf("token not reused: %+v", d)
	}
	f.connectUplink(t)
	if f.host.Readies != 2 {
		t.Fatalf("expected ready after reconnect, got %d", f.host.Readies)
	}
}

func TestReconnectRefreshesExpiredToken(t *testing.T) {
	f := newFixture(t, 3)
	gomock.InOrder(
		f.tokens.EXPECT().Token(gomock.Any(), general).Return(grant("t1", f.now.Add(time.Minute)), nil),
		f.tokens.EXPECT().Token(gomock.Any(), general).Return(grant("t2", f.now.Add(time.Hour)), nil),
	)
	f.start(t)
	f.connectUplink(t)

	f.now = f.now.Add(2 * time.Minute)
	f.hangup(t)
	fire(t, f.host)
	f.waitDials(t, 2)
	if d := f.dialer.dials[1]; d.token != "t2" {
		t.Fatalf("expired token reused: %+v", d)
	}
}

func TestRejectedTokenReauthenticatesOnce(t *testing.T) {
	f := newFixture(t, 3)
	gomock.InOrder(
		f.tokens.EXPECT().Token(gomock.Any(), general).Return(grant("stale", time.Time{}), nil),
		f.tokens.EXPECT().Token(gomock.Any(), general).Return(grant("good", time.Time{}), nil),
	)
	f.dialer.errs = []error{fmt.Errorf("%w: relay http 401", domain.ErrTokenExpired)}
	f.s.Start(context.Background(), core.Session{Channel: general, Self: "a"})
	f.waitDials(t, 2)

	if d := f.dialer.dials[1]; d.token != "good" {
		t.Fatalf("expected fresh token, got %+v", d)
	}
	if len(f.host.Timers()) != 0 || len(f.host.Failures) != 0 {
		t.Fatal("token refresh must be transparent")
	}
}

func TestExhaustedRetriesFail(t *testing.T) {
	f := newFixture(t, 2)
	f.tokens.EXPECT().Token(gomock.Any(), general).Return(grant("t1", time.Time{}), nil)
	f.start(t)
	f.connectUplink(t)

	down := errors.New("connection refused")
	f.dialer.errs = []error{down, down}
	f.hangup(t)

	delays := []time.Duration{fire(t, f.host)}
	f.host.Settle(t, func() bool { return f.host.Pending() == 1 })
	delays = append(delays, fire(t, f.host))
	f.host.Settle(t, func() bool { return len(f.host.Failures) == 1 })

	if delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("delays %v, want [1s 2s]", delays)
	}
	if err := f.host.Failures[0]; !errors.Is(err, domain.ErrUplinkLost) {
		t.Fatalf("expected ErrUplinkLost, got %v", err)
	}
	if f.dialer.count() != 3 {
		t.Fatalf("dialed %d times, want 3", f.dialer.count())
	}
}

func TestUplinkFailureTriggersReconnect(t *testing.T) {
	f := newFixture(t, 3)
	f.tokens.EXPECT().Token(gomock.Any(), general).Return(grant("t1", time.Time{}), nil)
	f.start(t)
	f.connectUplink(t)

	old := f.dialer.last()
	f.factory.Last("relay").EmitState(domain.TransportFailed)
	f.host.Drain()
	if f.s.link != nil || !f.factory.Last("relay").Closed() {
		t.Fatal("failed uplink must be torn down")
	}
	if _, open := <-old.events; open {
		t.Fatal("relay socket must be closed with the uplink")
	}
	if f.host.Reconnects != 1 {
		t.Fatal("expected reconnecting")
	}
}

func TestMuteAndDeafenPropagateToRelay(t *testing.T) {
	f := newFixture(t, 3)
	f.tokens.EXPECT().Token(gomock.Any(), general).Return(grant("t1", time.Time{}), nil)
	f.start(t)
	f.connectUplink(t)

	f.s.SetMuted(true)
	f.s.SetDeafened(true)
	sent := f.dialer.last().Sent()
	if m, ok := sent[len(sent)-2].(relay.Mute); !ok || !m.Muted {
		t.Fatalf("expected mute, got %#v", sent[len(sent)-2])
	}
	if d, ok := sent[len(sent)-1].(relay.Deafen); !ok || !d.Deafened {
		t.Fatalf("expected deafen, got %#v", sent[len(sent)-1])
	}
	if users := f.s.Participants(); !users[0].Muted || !users[0].Deafened || users[0].Speaking {
		t.Fatalf("local row wrong: %+v", users[0])
	}
}

type blockingReader chan struct{}

func (r blockingReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	<-r
	return nil, nil, io.EOF
}

func TestDeafenMutesForwardedTracks(t *testing.T) {
	f := newFixture(t, 3)
	f.tokens.EXPECT().Token(gomock.Any(), general).Return(grant("t1", time.Time{}), nil)
	f.start(t)
	f.connectUplink(t)

	r := f.dialer.last()
	r.events <- relay.Track{UserID: "b", StreamID: "stream-b"}
	f.host.Settle(t, func() bool { return f.s.streams["stream-b"] == "b" })

	rb := make(blockingReader)
	defer close(rb)
	f.s.attach(f.s.link.gen, "stream-b", rb)
	f.s.SetDeafened(true)
	if !f.s.link.sinks["stream-b"].Muted() {
		t.Fatal("deafen must mute forwarded tracks")
	}

	rc := make(blockingReader)
	defer close(rc)
	f.s.attach(f.s.link.gen, "stream-c", rc)
	if !f.s.link.sinks["stream-c"].Muted() {
		t.Fatal("track attached while deafened must start muted")
	}
}

func TestStopClosesLink(t *testing.T) {
	f := newFixture(t, 3)
	f.tokens.EXPECT().Token(gomock.Any(), general).Return(grant("t1", time.Time{}), nil)
	f.start(t)
	r := f.dialer.last()
	f.s.Stop()

	if !f.factory.Last("relay").Closed() {
		t.Fatal("uplink not closed")
	}
	if _, open := <-r.events; open {
		t.Fatal("relay not closed")
	}
	f.host.Drain()
	if len(f.host.Timers()) != 0 || f.host.Reconnects != 0 {
		t.Fatal("stop must not schedule reconnects")
	}
}
