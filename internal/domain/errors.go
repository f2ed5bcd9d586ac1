package domain

import (
	"errors"
	"fmt"
)

var (
	ErrMediaUnavailable = errors.New("media unavailable")
	ErrSignalingFailure = errors.New("signaling failure")
	ErrTransportFailed  = errors.New("transport failed")
	ErrUplinkLost       = errors.New("uplink lost")
	ErrTokenExpired     = errors.New("token expired")
	ErrConnectTimeout   = errors.New("connect timeout")
	ErrConnectAborted   = errors.New("connect aborted")
)

// ConnectError is returned by Connect for session-wide failures.
type ConnectError struct {
	Op      string
	Channel ChannelID
	Err     error
}

func (e *ConnectError) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Channel, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

func NewConnectError(op string, channel ChannelID, err error) *ConnectError {
	return &ConnectError{Op: op, Channel: channel, Err: err}
}
