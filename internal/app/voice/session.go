package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/voiced/internal/core"
	"github.com/dkeye/voiced/internal/domain"
)

func (c *Coordinator) connect(ch domain.Channel, done chan error) {
	if c.state.State.HasChannel() && c.state.Channel() == ch {
		switch c.state.State {
		case domain.StateConnected, domain.StateReconnecting:
			done <- nil
			return
		case domain.StateConnecting:
			c.waiters = append(c.waiters, done)
			return
		}
	}
	if c.state.State.HasChannel() {
		if c.state.ChannelID != ch.ID {
			log.Info().Str("module", "voice").Str("from", string(c.state.ChannelID)).Str("to", string(ch.ID)).Msg("switching channel")
		}
		c.stopSession()
		c.resolve(domain.NewConnectError("connect", c.state.ChannelID, domain.ErrConnectAborted))
	}

	c.epoch++
	epoch := c.epoch
	c.state.State = domain.StateConnecting
	c.state.ChannelID = ch.ID
	c.state.ServerID = ch.ServerID
	c.state.LastError = ""
	c.waiters = append(c.waiters, done)

	ctx, cancel := context.WithCancel(context.Background())
	c.ctx, c.cancel = ctx, cancel
	c.timer = c.loop.AfterFunc(c.opts.ConnectTimeout, func() { c.timedOut(epoch) })

	go func() {
		m, err := c.opts.Acquire(ctx)
		posted := c.loop.Post(func() { c.acquired(epoch, m, err) })
		if !posted && m != nil {
			m.Stop()
		}
	}()

	log.Info().Str("module", "voice").Str("channel", string(ch.ID)).Str("server", string(ch.ServerID)).Msg("connecting")
	c.publish()
}

func (c *Coordinator) acquired(epoch uint64, m Media, err error) {
	if epoch != c.epoch || c.state.State != domain.StateConnecting {
		if m != nil {
			m.Stop()
		}
		log.Debug().Str("module", "voice").Msg("abandoned media result")
		return
	}
	if err != nil {
		if !errors.Is(err, domain.ErrMediaUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrMediaUnavailable, err)
		}
		c.fail(err)
		return
	}

	c.media = m
	m.SetEnabled(!c.state.SelfMuted)
	c.strategy = c.opts.Strategy(&host{c: c, epoch: epoch})
	log.Info().Str("module", "voice").Str("strategy", c.strategy.Name()).Str("channel", string(c.state.ChannelID)).Msg("media acquired")
	c.strategy.Start(c.ctx, c.session(m))
	c.publish()
}

func (c *Coordinator) ready() {
	switch c.state.State {
	case domain.StateConnecting, domain.StateReconnecting:
	default:
		return
	}
	c.stopTimer()
	c.state.State = domain.StateConnected
	c.state.LastError = ""
	c.resolve(nil)
	log.Info().Str("module", "voice").Str("channel", string(c.state.ChannelID)).Msg("connected")
	c.publish()
}

func (c *Coordinator) reconnecting() {
	if c.state.State != domain.StateConnected {
		return
	}
	c.state.State = domain.StateReconnecting
	log.Warn().Str("module", "voice").Str("channel", string(c.state.ChannelID)).Msg("reconnecting")
	c.publish()
}

func (c *Coordinator) timedOut(epoch uint64) {
	if epoch != c.epoch || c.state.State != domain.StateConnecting {
		return
	}
	c.fail(fmt.Errorf("%w after %s", domain.ErrConnectTimeout, c.opts.ConnectTimeout))
}

// fail ends the session but keeps the channel so the caller can retry.
func (c *Coordinator) fail(err error) {
	op := "session"
	if c.state.State == domain.StateConnecting {
		op = "connect"
	}
	cerr := domain.NewConnectError(op, c.state.ChannelID, err)
	c.stopSession()
	c.state.State = domain.StateFailed
	c.state.LastError = cerr.Error()
	c.resolve(cerr)
	log.Error().Err(cerr).Str("module", "voice").Msg("session failed")
	c.publish()
}

// left handles the server moving the local user out of the channel.
func (c *Coordinator) left() {
	if !c.state.State.HasChannel() {
		return
	}
	channel := c.state.ChannelID
	c.stopSession()
	c.resolve(domain.NewConnectError("connect", channel, domain.ErrConnectAborted))
	c.state.State = domain.StateDisconnected
	c.state.ChannelID = ""
	c.state.ServerID = ""
	log.Info().Str("module", "voice").Str("channel", string(channel)).Msg("removed from channel")
	c.publish()
}

func (c *Coordinator) disconnect() {
	if c.state.State == domain.StateIdle {
		return
	}
	channel := c.state.ChannelID
	c.stopSession()
	c.resolve(domain.NewConnectError("connect", channel, domain.ErrConnectAborted))
	c.state = domain.SessionState{
		State:        domain.StateIdle,
		SelfMuted:    c.state.SelfMuted,
		SelfDeafened: c.state.SelfDeafened,
	}
	log.Info().Str("module", "voice").Str("channel", string(channel)).Msg("disconnected")
	c.publish()
}

// stopSession releases everything the current attempt holds. Results and
// host calls from the attempt are ignored afterwards.
func (c *Coordinator) stopSession() {
	c.epoch++
	c.stopTimer()
	if c.strategy != nil {
		c.strategy.Stop()
		c.strategy = nil
	}
	if c.media != nil {
		c.media.Stop()
		c.media = nil
	}
	if c.cancel != nil {
		c.cancel()
		c.ctx, c.cancel = nil, nil
	}
}

func (c *Coordinator) stopTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Coordinator) resolve(err error) {
	for _, w := range c.waiters {
		w <- err
	}
	c.waiters = nil
}

// host binds a strategy to the attempt that created it. Callbacks that
// end the session run on a later loop turn so a strategy is never stopped
// from inside its own handler.
type host struct {
	c     *Coordinator
	epoch uint64
}

var _ core.Host = (*host)(nil)

func (h *host) live() bool { return h.epoch == h.c.epoch }

func (h *host) Post(fn func()) bool {
	return h.c.loop.Post(func() {
		if h.live() {
			fn()
		}
	})
}

func (h *host) After(d time.Duration, fn func()) {
	h.c.loop.AfterFunc(d, func() {
		if h.live() {
			fn()
		}
	})
}

func (h *host) Ready() { h.Post(h.c.ready) }

func (h *host) Reconnecting() {
	if h.live() {
		h.c.reconnecting()
	}
}

func (h *host) Fail(err error) {
	h.Post(func() { h.c.fail(err) })
}

func (h *host) Left() { h.Post(h.c.left) }

func (h *host) ParticipantsChanged() {
	if h.live() {
		h.c.publish()
	}
}
