package domain

type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
	StateFailed
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// HasChannel reports whether a session in this state is bound to a channel.
func (s ConnectionState) HasChannel() bool {
	return s != StateIdle && s != StateDisconnected
}

// TransportState mirrors the ICE connection states of a single peer.
type TransportState int

const (
	TransportNew TransportState = iota
	TransportChecking
	TransportConnected
	TransportDisconnected
	TransportFailed
	TransportClosed
)

func (s TransportState) String() string {
	switch s {
	case TransportNew:
		return "new"
	case TransportChecking:
		return "checking"
	case TransportConnected:
		return "connected"
	case TransportDisconnected:
		return "disconnected"
	case TransportFailed:
		return "failed"
	case TransportClosed:
		return "closed"
	}
	return "unknown"
}

func (s TransportState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether the peer must be torn down.
func (s TransportState) Terminal() bool {
	return s == TransportDisconnected || s == TransportFailed || s == TransportClosed
}

type NegotiationRole int

const (
	RoleOfferer NegotiationRole = iota
	RoleAnswerer
)

func (r NegotiationRole) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "answerer"
}

// SessionState is the local user's view of the voice session.
// ChannelID is set iff State.HasChannel().
type SessionState struct {
	State        ConnectionState `json:"state"`
	ChannelID    ChannelID       `json:"channel_id,omitempty"`
	ServerID     ServerID        `json:"server_id,omitempty"`
	SelfMuted    bool            `json:"self_muted"`
	SelfDeafened bool            `json:"self_deafened"`
	LastError    string          `json:"last_error,omitempty"`
}

func (s SessionState) Channel() Channel {
	return Channel{ID: s.ChannelID, ServerID: s.ServerID}
}

// VoiceUser is a read-only row of the published participant list.
type VoiceUser struct {
	UserID      UserID         `json:"user_id"`
	DisplayName string         `json:"display_name"`
	Local       bool           `json:"local"`
	Speaking    bool           `json:"speaking"`
	Muted       bool           `json:"muted"`
	Deafened    bool           `json:"deafened"`
	Transport   TransportState `json:"transport"`
}
