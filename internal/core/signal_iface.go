package core

import "github.com/dkeye/voiced/internal/signal"

// Frame is a raw gateway payload.
type Frame []byte

// Gateway is the borrowed bidirectional event channel to the chat backend.
// Owned by the adapter; the coordinator never closes it.
type Gateway interface {
	Send(msg signal.Message) error
	// Subscribe registers fn for one event kind. fn runs on the adapter's
	// read goroutine and must not block.
	Subscribe(kind signal.Kind, fn func(signal.Message)) (unsubscribe func())
}
