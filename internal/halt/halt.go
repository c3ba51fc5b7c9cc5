// Package halt provides global and per-target pause flags consulted by the
// scheduler and the dispatch pipeline.
package halt

import (
	"log/slog"
	"sync"
)

// Well-known halt targets.
const (
	TargetAll       = "*"
	TargetScheduler = "inngest"
	TargetChannels  = "channels"
)

// Manager tracks which subsystems are halted.
type Manager struct {
	mu     sync.RWMutex
	halted map[string]bool
	logger *slog.Logger
}

// NewManager creates an empty halt manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		halted: make(map[string]bool),
		logger: logger.With("component", "halt"),
	}
}

// Halt pauses a target. Halting "*" pauses everything.
func (m *Manager) Halt(target string) {
	m.mu.Lock()
	m.halted[target] = true
	m.mu.Unlock()
	m.logger.Warn("target halted", "target", target)
}

// Resume clears a target's halt flag. Resuming "*" only clears the global
// flag; per-target flags set earlier stay in effect.
func (m *Manager) Resume(target string) {
	m.mu.Lock()
	delete(m.halted, target)
	m.mu.Unlock()
	m.logger.Info("target resumed", "target", target)
}

// IsTargetHalted reports whether the target or the global flag is halted.
func (m *Manager) IsTargetHalted(target string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.halted[target] || m.halted[TargetAll]
}

// Halted returns the currently halted targets.
func (m *Manager) Halted() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.halted))
	for target := range m.halted {
		out = append(out, target)
	}
	return out
}
