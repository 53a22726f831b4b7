package cache

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/MimeLyc/subcache/internal/subtitle"
)

// MemoryBackend keeps subtitle entries in process memory. Video metadata is
// not retained. `subcache fetch --no-store` runs on it.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]SubtitleEntry
	now     func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries: make(map[string]SubtitleEntry),
		now:     time.Now,
	}
}

func memoryKey(videoID, lang string) string {
	return videoID + "\x00" + lang
}

func (m *MemoryBackend) GetSubtitle(_ context.Context, videoID, lang string) (*SubtitleEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[memoryKey(videoID, lang)]
	if !ok {
		return nil, false, nil
	}
	entry.Cues = append([]subtitle.Cue(nil), entry.Cues...)
	return &entry, true, nil
}

func (m *MemoryBackend) HasSubtitle(_ context.Context, videoID, lang string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[memoryKey(videoID, lang)]
	return ok, nil
}

func (m *MemoryBackend) PutSubtitle(_ context.Context, _ VideoRecord, entry SubtitleEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memoryKey(entry.VideoID, entry.Lang)
	entry.Cues = append([]subtitle.Cue(nil), entry.Cues...)
	if prev, ok := m.entries[key]; ok {
		entry.UpdatedAt = prev.UpdatedAt
		if reflect.DeepEqual(prev, entry) {
			return nil
		}
	}
	entry.UpdatedAt = m.now().UTC()
	m.entries[key] = entry
	return nil
}
