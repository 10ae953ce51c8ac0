// Package windows manages the pool of browser windows work is fanned across.
// Each window hosts exactly one AI service at a time; the pool size caps
// parallelism.
package windows

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/yamakatsunamamugi/autoai/internal/automation"
	"github.com/yamakatsunamamugi/autoai/internal/lock"
	"github.com/yamakatsunamamugi/autoai/internal/model"
)

// Slot is one window in the pool, bound to an AI service while open.
type Slot struct {
	ID        int
	AI        model.AIType
	automator automation.Automator
	busy      bool
}

// Automator returns the driver bound to this slot.
func (s *Slot) Automator() automation.Automator {
	return s.automator
}

// Manager hands out window slots to tasks. Assignment is serialized: a slot
// is never given to two tasks, and a task blocks until a window for its AI
// frees up.
type Manager struct {
	factory  automation.Factory
	capacity int
	logger   *log.Logger

	mu     sync.Mutex
	slots  []*Slot
	closed bool
	// freed is signalled on every Release so blocked Assign calls re-scan.
	freed chan struct{}
	// drivers serializes driver open/close per slot, so a Recycle and a
	// Close never tear down the same window twice.
	drivers *lock.MutexMap
}

func NewManager(factory automation.Factory, capacity int, w io.Writer) *Manager {
	if capacity < 1 {
		capacity = 1
	}
	return &Manager{
		factory:  factory,
		capacity: capacity,
		logger:   log.New(w, "", 0),
		freed:    make(chan struct{}, 1),
		drivers:  lock.NewMutexMap(),
	}
}

func (m *Manager) Capacity() int {
	return m.capacity
}

// InUse returns how many slots are currently assigned.
func (m *Manager) InUse() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.slots {
		if s.busy {
			n++
		}
	}
	return n
}

// Assign returns a window running the given AI, opening or repurposing one as
// needed. Blocks until a slot frees up or ctx is cancelled.
func (m *Manager) Assign(ctx context.Context, ai model.AIType) (*Slot, error) {
	for {
		slot, err := m.tryAssign(ctx, ai)
		if err != nil {
			return nil, err
		}
		if slot != nil {
			return slot, nil
		}
		select {
		case <-m.freed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryAssign claims a slot without blocking. Returns (nil, nil) when every
// slot is busy.
func (m *Manager) tryAssign(ctx context.Context, ai model.AIType) (*Slot, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("window pool is closed")
	}

	// An idle window already on this service is the cheapest win. A slot
	// whose driver died (failed open or recycle) is reopened here.
	for _, s := range m.slots {
		if !s.busy && s.AI == ai {
			s.busy = true
			if s.automator == nil {
				m.mu.Unlock()
				return m.open(ctx, s)
			}
			m.mu.Unlock()
			return s, nil
		}
	}

	// Room for a new window.
	if len(m.slots) < m.capacity {
		s := &Slot{ID: len(m.slots) + 1, AI: ai, busy: true}
		m.slots = append(m.slots, s)
		m.mu.Unlock()
		return m.open(ctx, s)
	}

	// Repurpose an idle window bound to some other service.
	for _, s := range m.slots {
		if !s.busy {
			s.busy = true
			old := s.automator
			oldAI := s.AI
			s.automator = nil
			s.AI = ai
			m.mu.Unlock()
			if old != nil {
				m.drivers.Lock(slotKey(s.ID))
				if err := old.Close(); err != nil {
					m.log("window_close_failed slot=%d ai=%s error=%v", s.ID, oldAI, err)
				}
				m.drivers.Unlock(slotKey(s.ID))
			}
			m.log("window_repurposed slot=%d from=%s to=%s", s.ID, oldAI, ai)
			return m.open(ctx, s)
		}
	}

	m.mu.Unlock()
	return nil, nil
}

// open fills a claimed slot with a fresh driver. On failure the slot is
// returned to the pool empty.
func (m *Manager) open(ctx context.Context, s *Slot) (*Slot, error) {
	m.drivers.Lock(slotKey(s.ID))
	defer m.drivers.Unlock(slotKey(s.ID))

	a, err := m.factory(ctx, s.AI)
	if err != nil {
		m.mu.Lock()
		s.busy = false
		s.automator = nil
		m.mu.Unlock()
		m.signalFreed()
		return nil, fmt.Errorf("open window for %s: %w", s.AI, err)
	}
	m.mu.Lock()
	s.automator = a
	m.mu.Unlock()
	m.log("window_opened slot=%d ai=%s", s.ID, s.AI)
	return s, nil
}

// Release returns a slot to the pool, keeping its window warm for the next
// task on the same service.
func (m *Manager) Release(s *Slot) {
	m.mu.Lock()
	s.busy = false
	m.mu.Unlock()
	m.signalFreed()
}

// Recycle closes a slot's window after a fatal driver error and opens a fresh
// one for the same service. The caller keeps ownership of the slot.
func (m *Manager) Recycle(ctx context.Context, s *Slot) error {
	m.mu.Lock()
	old := s.automator
	s.automator = nil
	m.mu.Unlock()

	m.drivers.Lock(slotKey(s.ID))
	defer m.drivers.Unlock(slotKey(s.ID))

	if old != nil {
		if err := old.Close(); err != nil {
			m.log("window_close_failed slot=%d ai=%s error=%v", s.ID, s.AI, err)
		}
	}
	a, err := m.factory(ctx, s.AI)
	if err != nil {
		return fmt.Errorf("recycle window for %s: %w", s.AI, err)
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		a.Close()
		return fmt.Errorf("window pool is closed")
	}
	s.automator = a
	m.mu.Unlock()
	m.log("window_recycled slot=%d ai=%s", s.ID, s.AI)
	return nil
}

// Close shuts every window. Further Assign calls fail.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	slots := m.slots
	m.slots = nil
	m.mu.Unlock()

	var firstErr error
	for _, s := range slots {
		m.drivers.Lock(slotKey(s.ID))
		// Take-and-nil under mu so a concurrent Recycle and this loop never
		// both capture the same driver.
		m.mu.Lock()
		a := s.automator
		s.automator = nil
		m.mu.Unlock()
		if a != nil {
			if err := a.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		m.drivers.Unlock(slotKey(s.ID))
	}
	return firstErr
}

func slotKey(id int) string {
	return fmt.Sprintf("slot:%d", id)
}

func (m *Manager) signalFreed() {
	select {
	case m.freed <- struct{}{}:
	default:
	}
}

func (m *Manager) log(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	m.logger.Printf("%s INFO windows: %s", time.Now().Format(time.RFC3339), msg)
}
