package agents

import (
	"sync"
	"time"

	"github.com/calderlabs/overseer/pkg/models"
)

// Process is a running reasoner subprocess as seen by the supervisor.
type Process interface {
	// Port is the HTTP port the reasoner announced at startup.
	Port() int

	// Stop terminates the subprocess.
	Stop() error

	// Done is closed when the subprocess has exited.
	Done() <-chan struct{}
}

// Managed is one supervised agent: definition plus runtime state. All
// mutable fields are guarded by mu; Status returns a copy.
type Managed struct {
	mu sync.Mutex

	def      models.AgentDefinition
	state    models.AgentState
	process  Process
	reasoner Reasoner

	restartCount   int
	lastRestartAt  time.Time
	lastActivity   time.Time
	healthFailures int

	paused      bool
	pauseReason string

	isSubagent bool
	parentID   string
	expiresAt  time.Time
}

func newManaged(def models.AgentDefinition) *Managed {
	return &Managed{def: def, state: models.AgentStopped}
}

// Definition returns the agent's static configuration.
func (m *Managed) Definition() models.AgentDefinition {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.def
}

// State returns the current lifecycle state.
func (m *Managed) State() models.AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reasoner returns the control client, or nil while stopped.
func (m *Managed) Reasoner() Reasoner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reasoner
}

// Touch records message activity, deferring the idle reaper.
func (m *Managed) Touch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastActivity = time.Now()
}

// MarkPaused records a cost-control pause reported by the reasoner.
func (m *Managed) MarkPaused(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
	m.pauseReason = reason
}

// ClearPaused clears the pause flag after a successful resume.
func (m *Managed) ClearPaused() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
	m.pauseReason = ""
}

// Paused reports the pause flag and its reason.
func (m *Managed) Paused() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.paused, m.pauseReason
}

// Status returns a copy-on-read snapshot.
func (m *Managed) Status() models.AgentStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	status := models.AgentStatus{
		AgentID:       m.def.AgentID,
		State:         m.state,
		Available:     m.state == models.AgentRunning && !m.paused,
		Paused:        m.paused,
		PauseReason:   m.pauseReason,
		RestartCount:  m.restartCount,
		LastRestartAt: m.lastRestartAt,
		LastActivity:  m.lastActivity,
		IsSubagent:    m.isSubagent,
		ParentAgentID: m.parentID,
	}
	if m.process != nil {
		status.ActualPort = m.process.Port()
	}
	return status
}

// setRunning installs a freshly spawned process.
func (m *Managed) setRunning(process Process, reasoner Reasoner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = models.AgentRunning
	m.process = process
	m.reasoner = reasoner
	m.healthFailures = 0
	m.lastActivity = time.Now()
}

// setStopped clears the runtime state. Pause flags survive a restart so a
// cost pause cannot be escaped by crashing.
func (m *Managed) setStopped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = models.AgentStopped
	m.process = nil
	m.reasoner = nil
	m.healthFailures = 0
}

// idleFor reports how long the agent has been without activity.
func (m *Managed) idleFor(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastActivity.IsZero() {
		return 0
	}
	return now.Sub(m.lastActivity)
}
