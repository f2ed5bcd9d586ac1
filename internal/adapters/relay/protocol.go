// Package relay speaks the media relay's control protocol: a websocket
// carrying JSON messages, plus msgpack active-speaker reports on a data
// channel.
package relay

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/dkeye/voiced/internal/domain"
)

// SpeakersLabel is the label of the relay-created data channel.
const SpeakersLabel = "speakers"

var ErrUnknownMessage = errors.New("relay: unknown message")

type envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data"`
}

// Participant is the relay's view of one user.
type Participant struct {
	UserID      domain.UserID `json:"user_id"`
	DisplayName string        `json:"display_name,omitempty"`
	Muted       bool          `json:"muted"`
	Deafened    bool          `json:"deafened"`
}

// Outbound messages.
type (
	Offer struct {
		SDP string `json:"sdp"`
	}
	Candidate struct {
		Candidate     string `json:"candidate"`
		SDPMid        string `json:"sdp_mid,omitempty"`
		SDPMLineIndex uint16 `json:"sdp_mline_index"`
	}
	Mute struct {
		Muted bool `json:"muted"`
	}
	Deafen struct {
		Deafened bool `json:"deafened"`
	}
)

// Inbound messages. Candidate is shared with the outbound set.
type (
	Answer struct {
		SDP string `json:"sdp"`
	}
	Participants struct {
		Participants []Participant `json:"participants"`
	}
	ParticipantJoined struct {
		Participant Participant `json:"participant"`
	}
	ParticipantLeft struct {
		UserID domain.UserID `json:"user_id"`
	}
	ParticipantUpdated struct {
		Participant Participant `json:"participant"`
	}
	// Track maps a forwarded media stream to its owner.
	Track struct {
		UserID   domain.UserID `json:"user_id"`
		StreamID string        `json:"stream_id"`
	}
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
)

func (e Error) Error() string { return fmt.Sprintf("relay error %s: %s", e.Code, e.Message) }

func outboundType(msg any) (string, error) {
	switch msg.(type) {
	case Offer:
		return "offer", nil
	case Candidate:
		return "candidate", nil
	case Mute:
		return "mute", nil
	case Deafen:
		return "deafen", nil
	}
	return "", fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
}

// Encode wraps an outbound message with a fresh request id.
func Encode(msg any) ([]byte, error) {
	typ, err := outboundType(msg)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return json.Marshal(envelope{Type: typ, ID: uuid.NewString(), Data: data})
}

// Decode parses an inbound frame into one of the inbound message types.
func Decode(frame []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}
	var msg any
	switch env.Type {
	case "answer":
		msg = &Answer{}
	case "candidate":
		msg = &Candidate{}
	case "participants":
		msg = &Participants{}
	case "participant_joined":
		msg = &ParticipantJoined{}
	case "participant_left":
		msg = &ParticipantLeft{}
	case "participant_updated":
		msg = &ParticipantUpdated{}
	case "track":
		msg = &Track{}
	case "error":
		msg = &Error{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessage, env.Type)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return nil, fmt.Errorf("relay %s: %w", env.Type, err)
		}
	}
	return deref(msg), nil
}

func deref(msg any) any {
	switch m := msg.(type) {
	case *Answer:
		return *m
	case *Candidate:
		return *m
	case *Participants:
		return *m
	case *ParticipantJoined:
		return *m
	case *ParticipantLeft:
		return *m
	case *ParticipantUpdated:
		return *m
	case *Track:
		return *m
	case *Error:
		return *m
	}
	return msg
}

// Speakers is the active-speaker report sent on the data channel.
type Speakers struct {
	Speakers []domain.UserID `msgpack:"speakers"`
}

func EncodeSpeakers(ids []domain.UserID) ([]byte, error) {
	return msgpack.Marshal(Speakers{Speakers: ids})
}

func DecodeSpeakers(b []byte) ([]domain.UserID, error) {
	var s Speakers
	if err := msgpack.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("relay speakers: %w", err)
	}
	return s.Speakers, nil
}
