// Package voice owns the local voice session: it acquires capture, runs
// one strategy per connect attempt and publishes the session snapshot.
package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiced/internal/app/capture"
	"github.com/dkeye/voiced/internal/app/loop"
	"github.com/dkeye/voiced/internal/core"
	"github.com/dkeye/voiced/internal/domain"
)

var ErrNoChannel = errors.New("voice: channel id required")

// DefaultConnectTimeout bounds the time from Connect to the strategy
// reporting ready.
const DefaultConnectTimeout = 15 * time.Second

// Media is the acquired local capture.
type Media interface {
	core.LocalMedia
	SetEnabled(on bool)
	Enabled() bool
	Stop()
}

type AcquireFunc func(ctx context.Context) (Media, error)

// FromCapture acquires media from a capture device.
func FromCapture(c *capture.Capture) AcquireFunc {
	return func(ctx context.Context) (Media, error) {
		s, err := c.Acquire(ctx)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

type Options struct {
	Self           domain.UserID
	Acquire        AcquireFunc
	Strategy       core.StrategyFactory
	Directory      core.Directory
	ConnectTimeout time.Duration
}

// Snapshot is one published view of the session. Seq grows with every
// publication.
type Snapshot struct {
	Seq     uint64              `json:"seq"`
	Session domain.SessionState `json:"session"`
	Users   []domain.VoiceUser  `json:"users"`
}

type Coordinator struct {
	loop     *loop.Loop
	opts     Options
	finished chan struct{}

	// loop-owned
	state    domain.SessionState
	epoch    uint64
	media    Media
	strategy core.Strategy
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	waiters  []chan error
	seq      uint64

	feedMu sync.Mutex
	subs   map[uint64]chan Snapshot
	nextID uint64
	last   Snapshot
	closed bool
}

func New(opts Options) *Coordinator {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Directory == nil {
		opts.Directory = core.StaticDirectory{}
	}
	c := &Coordinator{
		loop:     loop.New(),
		opts:     opts,
		finished: make(chan struct{}),
		subs:     make(map[uint64]chan Snapshot),
	}
	c.last = Snapshot{Users: []domain.VoiceUser{}}
	go func() {
		defer close(c.finished)
		c.loop.Run(context.Background())
	}()
	return c
}

// Connect joins a voice channel and blocks until the session is ready or
// the attempt fails. Cancelling ctx stops the wait, not the attempt.
func (c *Coordinator) Connect(ctx context.Context, channelID domain.ChannelID, serverID domain.ServerID) error {
	if channelID == "" {
		return ErrNoChannel
	}
	done := make(chan error, 1)
	ch := domain.Channel{ID: channelID, ServerID: serverID}
	if err := c.loop.Do(ctx, func() { c.connect(ch, done) }); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect ends the session from any state. Mute and deafen survive.
func (c *Coordinator) Disconnect() {
	c.do(c.disconnect)
}

func (c *Coordinator) SetMuted(muted bool) {
	c.do(func() {
		c.state.SelfMuted = muted
		if c.media != nil {
			c.media.SetEnabled(!muted)
		}
		if c.strategy != nil {
			c.strategy.SetMuted(muted)
		}
		c.publish()
	})
}

func (c *Coordinator) SetDeafened(deafened bool) {
	c.do(func() {
		c.state.SelfDeafened = deafened
		if c.strategy != nil {
			c.strategy.SetDeafened(deafened)
		}
		c.publish()
	})
}

func (c *Coordinator) State() domain.SessionState {
	c.feedMu.Lock()
	defer c.feedMu.Unlock()
	return c.last.Session
}

func (c *Coordinator) Users() []domain.VoiceUser {
	c.feedMu.Lock()
	defer c.feedMu.Unlock()
	return append([]domain.VoiceUser(nil), c.last.Users...)
}

func (c *Coordinator) Snapshot() Snapshot {
	c.feedMu.Lock()
	defer c.feedMu.Unlock()
	s := c.last
	s.Users = append([]domain.VoiceUser(nil), s.Users...)
	return s
}

// Subscribe returns a feed that holds at most the newest snapshot. The
// current snapshot is delivered immediately. The channel is closed by the
// returned cancel func or by Close.
func (c *Coordinator) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.feedMu.Lock()
	defer c.feedMu.Unlock()
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	ch <- c.last

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.feedMu.Lock()
			defer c.feedMu.Unlock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
		})
	}
}

// Close disconnects, stops the loop and closes every feed.
func (c *Coordinator) Close() {
	c.loop.Post(c.disconnect)
	c.loop.Stop()
	<-c.finished

	c.feedMu.Lock()
	defer c.feedMu.Unlock()
	c.closed = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}

func (c *Coordinator) do(fn func()) {
	if err := c.loop.Do(context.Background(), fn); err != nil {
		log.Debug().Err(err).Str("module", "voice").Msg("coordinator closed")
	}
}

func (c *Coordinator) publish() {
	c.seq++
	snap := Snapshot{Seq: c.seq, Session: c.state, Users: c.participants()}

	c.feedMu.Lock()
	defer c.feedMu.Unlock()
	c.last = snap
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

func (c *Coordinator) participants() []domain.VoiceUser {
	if c.strategy != nil {
		return c.strategy.Participants()
	}
	if !c.state.State.HasChannel() {
		return []domain.VoiceUser{}
	}
	sess := c.session(nil)
	return []domain.VoiceUser{sess.LocalUser(c.opts.Directory.DisplayName(c.opts.Self), false, domain.TransportNew)}
}

func (c *Coordinator) session(m core.LocalMedia) core.Session {
	return core.Session{
		Channel:  c.state.Channel(),
		Self:     c.opts.Self,
		Muted:    c.state.SelfMuted,
		Deafened: c.state.SelfDeafened,
		Media:    m,
	}
}
