package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrUnknownDevice = errors.New("unknown input device")

var inputExts = []string{".ogg", ".opus", ".wav"}

// DeviceInfo describes one selectable input.
type DeviceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Selected bool   `json:"selected"`
}

// Library offers the audio files of a directory as input devices and opens
// the selected one. A selection takes effect on the next Open.
type Library struct {
	dir string

	mu       sync.Mutex
	selected string
}

var _ Device = (*Library)(nil)

// NewLibrary lists inputs under dir; selected may be any path and is
// listed even when it lives elsewhere.
func NewLibrary(dir, selected string) *Library {
	if selected != "" {
		selected = filepath.Clean(selected)
	}
	return &Library{dir: dir, selected: selected}
}

func (l *Library) List() ([]DeviceInfo, error) {
	current := l.Selected()
	var paths []string
	if l.dir != "" {
		entries, err := os.ReadDir(l.dir)
		if err != nil {
			return nil, fmt.Errorf("read input dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !slices.Contains(inputExts, strings.ToLower(filepath.Ext(e.Name()))) {
				continue
			}
			paths = append(paths, filepath.Join(l.dir, e.Name()))
		}
	}
	if current != "" && !slices.Contains(paths, current) {
		paths = append([]string{current}, paths...)
	}

	out := make([]DeviceInfo, 0, len(paths))
	for _, p := range paths {
		out = append(out, DeviceInfo{ID: p, Name: filepath.Base(p), Selected: p == current})
	}
	return out, nil
}

// Select makes a listed input current.
func (l *Library) Select(id string) error {
	devices, err := l.List()
	if err != nil {
		return err
	}
	id = filepath.Clean(id)
	if !slices.ContainsFunc(devices, func(d DeviceInfo) bool { return d.ID == id }) {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, id)
	}
	l.mu.Lock()
	l.selected = id
	l.mu.Unlock()
	log.Info().Str("module", "capture").Str("device", id).Msg("input device selected")
	return nil
}

func (l *Library) Selected() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.selected
}

func (l *Library) Open(ctx context.Context) (Source, error) {
	return DeviceFor(l.Selected()).Open(ctx)
}
