// Chaos switchboard: independently toggleable fault modes
// Reads are lock-free atomics; writes are serialised and notify observers
package chaos

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Mode names a fault-injection behaviour.
type Mode string

// Supported chaos modes.
const (
	Latency    Mode = "latency"
	ErrorRate  Mode = "error_rate"
	CPUStress  Mode = "cpu_stress"
	MemoryLeak Mode = "memory_leak"
)

var modes = []Mode{Latency, ErrorRate, CPUStress, MemoryLeak}

// ErrUnknownMode is returned when a mode name is not recognised.
var ErrUnknownMode = errors.New("unknown chaos mode")

// Modes returns all supported modes in display order.
func Modes() []Mode {
	out := make([]Mode, len(modes))
	copy(out, modes)
	return out
}

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	for _, m := range modes {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("%w %q, supported: latency, error_rate, cpu_stress, memory_leak", ErrUnknownMode, s)
}

func (m Mode) index() int {
	for i, candidate := range modes {
		if candidate == m {
			return i
		}
	}
	return -1
}

// Snapshot is a point-in-time copy of every mode flag.
type Snapshot map[Mode]bool

// Event describes an effective change of a mode flag.
type Event struct {
	Mode     Mode
	Enabled  bool
	Previous bool
	At       time.Time
}

// Observer is notified after each chaos mode write.
type Observer interface {
	ObserveChaos(Event)
}

// State holds the chaos flags and the leak buffer they control.
// All flags start disabled; nothing is persisted across restarts.
type State struct {
	flags [4]atomic.Bool

	mu        sync.Mutex
	leak      *LeakBuffer
	observers []Observer
}

// NewState returns a state with every mode off and an empty leak buffer.
func NewState(observers ...Observer) *State {
	return &State{
		leak:      &LeakBuffer{},
		observers: observers,
	}
}

// AddObserver registers an observer for subsequent writes.
func (s *State) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

// Leak returns the buffer grown while memory_leak is on.
func (s *State) Leak() *LeakBuffer {
	return s.leak
}

// Enabled reports whether a mode is on. Unknown modes are always off.
func (s *State) Enabled(m Mode) bool {
	i := m.index()
	if i < 0 {
		return false
	}
	return s.flags[i].Load()
}

// Snapshot returns the current value of every flag.
func (s *State) Snapshot() Snapshot {
	snap := make(Snapshot, len(modes))
	for i, m := range modes {
		snap[m] = s.flags[i].Load()
	}
	return snap
}

// Set switches a mode on or off and returns the resulting configuration.
// An unknown name leaves the state untouched. Turning memory_leak off
// releases every retained block before Set returns.
func (s *State) Set(name string, enabled bool) (Snapshot, error) {
	m, err := ParseMode(name)
	if err != nil {
		return s.Snapshot(), err
	}

	s.mu.Lock()
	prev := s.flags[m.index()].Swap(enabled)
	if m == MemoryLeak && !enabled {
		s.leak.Clear()
	}
	observers := s.observers
	s.mu.Unlock()

	ev := Event{Mode: m, Enabled: enabled, Previous: prev, At: time.Now()}
	for _, o := range observers {
		o.ObserveChaos(ev)
	}
	return s.Snapshot(), nil
}

// GrowLeak appends one block to the leak buffer if memory_leak is on.
// The flag is checked under the write lock so a block can never land after
// the mode has been switched off.
func (s *State) GrowLeak(size int) bool {
	if size <= 0 || !s.Enabled(MemoryLeak) {
		return false
	}
	block := newBlock(size)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.flags[MemoryLeak.index()].Load() {
		return false
	}
	s.leak.add(block)
	return true
}

// Reset turns every mode off.
func (s *State) Reset() Snapshot {
	for _, m := range modes {
		_, _ = s.Set(string(m), false)
	}
	return s.Snapshot()
}
