package device

import (
	"context"
	"sync"
	"time"
)

// Reading is the last value applied to a device.
type Reading struct {
	Room      string    `json:"room"`
	Device    string    `json:"device"`
	Value     uint8     `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StateTracker wraps an Actuator and remembers the last value successfully
// applied to each device.
type StateTracker struct {
	next Actuator

	mu       sync.RWMutex
	readings map[string]Reading
}

// NewStateTracker wraps next.
func NewStateTracker(next Actuator) *StateTracker {
	return &StateTracker{next: next, readings: make(map[string]Reading)}
}

// Apply forwards to the wrapped actuator and records the value on success.
func (s *StateTracker) Apply(ctx context.Context, room, device string, value uint8) error {
	if err := s.next.Apply(ctx, room, device, value); err != nil {
		return err
	}
	s.mu.Lock()
	s.readings[key(room, device)] = Reading{
		Room:      room,
		Device:    device,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	s.mu.Unlock()
	return nil
}

// Get returns the last reading for a device.
func (s *StateTracker) Get(room, device string) (Reading, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.readings[key(room, device)]
	return r, ok
}

func key(room, device string) string { return room + "\x00" + device }
