package signal

import (
	"fmt"

	"github.com/pion/sdp/v3"
)

// ValidateAudioSDP rejects descriptions that do not parse or carry no
// audio section.
func ValidateAudioSDP(raw string) error {
	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(raw); err != nil {
		return fmt.Errorf("%w: sdp: %v", ErrMalformed, err)
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return nil
		}
	}
	return fmt.Errorf("%w: sdp has no audio section", ErrMalformed)
}
