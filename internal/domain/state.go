package domain

// Phase is the coordination state machine's current position.
type Phase string

const (
	PhaseIdle         Phase = "IDLE"
	PhasePlanning     Phase = "PLANNING"
	PhaseReady        Phase = "READY"
	PhaseExecuting    Phase = "EXECUTING"
	PhaseWaveComplete Phase = "WAVE_COMPLETE"
	PhaseVerifying    Phase = "VERIFYING"
	PhaseNeedsFix     Phase = "NEEDS_FIX"
	PhaseCompleted    Phase = "COMPLETED"
	PhaseFailed       Phase = "FAILED"
)

// IsTerminal reports whether coordination has finished.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// CoordinationState is a snapshot of where a workspace's coordination stands.
type CoordinationState struct {
	WorkspaceID   string   `json:"workspace_id"`
	Phase         Phase    `json:"phase"`
	CurrentWave   int      `json:"current_wave"`
	ActiveTaskIDs []string `json:"active_task_ids,omitempty"`
	RoutaAgentID  string   `json:"routa_agent_id,omitempty"`
	GateAgentID   string   `json:"gate_agent_id,omitempty"`
}
