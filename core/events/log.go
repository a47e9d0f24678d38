package events

import "sync"

// Log is an ordered, append-only in-memory event sink. Events are retained
// in emission order so observers can replay notifications after the state
// mutation that produced them.
type Log struct {
	mu      sync.RWMutex
	entries []Event
}

// NewLog returns an empty event log.
func NewLog() *Log {
	return &Log{}
}

// Emit implements the Emitter interface.
func (l *Log) Emit(evt Event) {
	if l == nil || evt == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, evt)
}

// Events returns a snapshot of the recorded events in emission order.
func (l *Log) Events() []Event {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, len(l.entries))
	copy(out, l.entries)
	return out
}

// Tee fans each event out to every wrapped emitter in order.
type Tee []Emitter

// Emit implements the Emitter interface.
func (t Tee) Emit(evt Event) {
	for _, e := range t {
		if e != nil {
			e.Emit(evt)
		}
	}
}
