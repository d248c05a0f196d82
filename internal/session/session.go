// Package session tracks per-run mutable state for one installation run:
// link connectivity, the conversation transcript, the last system snapshot,
// the install-state machine, and the managed service status. All mutation
// goes through narrow setters so handlers never share ambient state.
package session

import (
	"encoding/json"
	"sync"
	"time"
)

// InstallState is the coarse installation state machine.
type InstallState string

// Install states.
const (
	InstallNotStarted InstallState = "not_started"
	InstallInProgress InstallState = "in_progress"
	InstallCompleted  InstallState = "completed"
	InstallFailed     InstallState = "failed"
)

// ServiceStatus mirrors the managed application service lifecycle.
type ServiceStatus string

// Service statuses.
const (
	ServiceUnknown  ServiceStatus = "unknown"
	ServiceStopped  ServiceStatus = "stopped"
	ServiceStarting ServiceStatus = "starting"
	ServiceRunning  ServiceStatus = "running"
	ServiceStopping ServiceStatus = "stopping"
)

// Turn is one role-tagged transcript entry.
type Turn struct {
	Role    string    `json:"role"`
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Snapshot is the last detection result, kept as raw JSON: the orchestrator
// only inspects the readiness flags, everything else is passed through.
type Snapshot struct {
	Raw        json.RawMessage
	DetectedAt time.Time
}

// maxTranscriptTurns caps transcript growth for long-lived sessions.
const maxTranscriptTurns = 200

// Session holds the state for one installation run. Created at connection
// time, destroyed on process exit; there is no durable persistence of
// in-flight state.
type Session struct {
	ID string

	mu               sync.RWMutex
	browserConnected bool
	agentConnected   bool
	transcript       []Turn
	snapshot         *Snapshot
	installState     InstallState
	serviceStatus    ServiceStatus
}

// New creates a session in its initial state.
func New(id string) *Session {
	return &Session{
		ID:            id,
		installState:  InstallNotStarted,
		serviceStatus: ServiceUnknown,
	}
}

// SetBrowserConnected records browser link state.
func (s *Session) SetBrowserConnected(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.browserConnected = up
}

// SetAgentConnected records agent link state.
func (s *Session) SetAgentConnected(up bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agentConnected = up
}

// BrowserConnected reports the browser link state.
func (s *Session) BrowserConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.browserConnected
}

// AgentConnected reports the agent link state.
func (s *Session) AgentConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agentConnected
}

// AppendTurn adds one transcript entry, evicting the oldest past the cap.
func (s *Session) AppendTurn(role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, Turn{Role: role, Content: content, At: time.Now()})
	if len(s.transcript) > maxTranscriptTurns {
		s.transcript = s.transcript[len(s.transcript)-maxTranscriptTurns:]
	}
}

// Transcript returns a copy of the transcript.
func (s *Session) Transcript() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.transcript))
	copy(out, s.transcript)
	return out
}

// SetSnapshot stores the latest detection result.
func (s *Session) SetSnapshot(raw json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = &Snapshot{Raw: raw, DetectedAt: time.Now()}
}

// LastSnapshot returns the most recent detection result, or nil.
func (s *Session) LastSnapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// InstallState returns the current install state.
func (s *Session) InstallState() InstallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.installState
}

// InstallCompleted reports whether the core install has finished. This is
// the predicate consulted by install-complete gating.
func (s *Session) InstallCompleted() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.installState == InstallCompleted
}

// MarkInstallInProgress moves not_started (or failed, on retry) forward.
// A completed install never regresses.
func (s *Session) MarkInstallInProgress() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.installState != InstallCompleted {
		s.installState = InstallInProgress
	}
}

// MarkInstallCompleted advances to completed. Only called on confirmed
// success: a detection result with all prerequisites satisfied, or a
// confirmed service start.
func (s *Session) MarkInstallCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installState = InstallCompleted
}

// MarkInstallFailed records a failed install. Completed installs are never
// regressed by a later failure elsewhere.
func (s *Session) MarkInstallFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.installState != InstallCompleted {
		s.installState = InstallFailed
	}
}

// SetServiceStatus records the managed service status.
func (s *Session) SetServiceStatus(status ServiceStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serviceStatus = status
}

// ServiceStatus returns the managed service status.
func (s *Session) Status() ServiceStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.serviceStatus
}
