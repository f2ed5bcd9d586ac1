package core

import "github.com/dkeye/voiced/internal/domain"

// Directory resolves display metadata for participants.
type Directory interface {
	DisplayName(id domain.UserID) string
}

// StaticDirectory is a Directory backed by a fixed map; unknown ids are
// shown by their id.
type StaticDirectory map[domain.UserID]string

func (d StaticDirectory) DisplayName(id domain.UserID) string {
	if name, ok := d[id]; ok && name != "" {
		return name
	}
	return string(id)
}
