package speaking

import (
	"sync"
	"time"

	"github.com/pion/rtp"
)

// Hold is how long a reported level stays valid without a new packet.
const Hold = 300 * time.Millisecond

// Level is an Analyser fed by the RFC 6464 audio level carried in RTP
// header extensions. It reports a flat spectrum at the last level.
type Level struct {
	id  uint8
	now func() time.Time

	mu    sync.Mutex
	value byte
	at    time.Time
}

// NewLevel reads the extension with the negotiated id. An id of zero
// disables packet parsing; Observe can still be used directly.
func NewLevel(id uint8) *Level {
	return &Level{id: id, now: time.Now}
}

// ObservePacket extracts the audio level extension, if present.
func (l *Level) ObservePacket(pkt *rtp.Packet) {
	if l.id == 0 || pkt == nil {
		return
	}
	raw := pkt.GetExtension(l.id)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}
	l.Observe(ext.Level)
}

// Observe records a level in -dBov (0 loudest, 127 silence).
func (l *Level) Observe(level uint8) {
	v := ByteScale(-float64(level))
	l.mu.Lock()
	l.value = v
	l.at = l.now()
	l.mu.Unlock()
}

func (l *Level) FrequencyData(dst []byte) int {
	l.mu.Lock()
	v := l.value
	if l.now().Sub(l.at) > Hold {
		v = 0
	}
	l.mu.Unlock()

	n := min(len(dst), Bins)
	for i := 0; i < n; i++ {
		dst[i] = v
	}
	return n
}
