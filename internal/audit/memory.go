package audit

import (
	"context"
	"sync"
)

const defaultPerSession = 100

// MemoryRecorder keeps the latest events per session in process memory.
type MemoryRecorder struct {
	mu         sync.RWMutex
	perSession int
	events     map[string][]Event
}

func NewMemoryRecorder(perSession int) *MemoryRecorder {
	if perSession <= 0 {
		perSession = defaultPerSession
	}
	return &MemoryRecorder{perSession: perSession, events: make(map[string][]Event)}
}

func (m *MemoryRecorder) Record(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := append(m.events[e.SessionID], e)
	if len(list) > m.perSession {
		list = append([]Event(nil), list[len(list)-m.perSession:]...)
	}
	m.events[e.SessionID] = list
	return nil
}

func (m *MemoryRecorder) Explanations(_ context.Context, sessionID string, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.events[sessionID]
	if limit <= 0 || limit > len(list) {
		limit = len(list)
	}
	out := make([]Event, 0, limit)
	for i := len(list) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, list[i])
	}
	return out, nil
}
