package domain

type (
	ChannelID string
	ServerID  string
)

// Channel identifies the target voice room.
type Channel struct {
	ID       ChannelID `json:"channel_id"`
	ServerID ServerID  `json:"server_id"`
}

func (c Channel) IsZero() bool { return c.ID == "" }
