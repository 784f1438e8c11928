package domain

import "time"

// TaskStatus represents the lifecycle of a coordinated task.
type TaskStatus string

const (
	TaskPending        TaskStatus = "PENDING"
	TaskInProgress     TaskStatus = "IN_PROGRESS"
	TaskReviewRequired TaskStatus = "REVIEW_REQUIRED"
	TaskNeedsFix       TaskStatus = "NEEDS_FIX"
	TaskCompleted      TaskStatus = "COMPLETED"
	TaskBlocked        TaskStatus = "BLOCKED"
	TaskCancelled      TaskStatus = "CANCELLED"
)

// IsTerminal reports whether the task will never change status again.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

// Verdict is the outcome a GATE agent assigns to a reviewed task.
type Verdict string

const (
	VerdictNone        Verdict = ""
	VerdictApproved    Verdict = "APPROVED"
	VerdictNotApproved Verdict = "NOT_APPROVED"
	VerdictBlocked     Verdict = "BLOCKED"
)

// Task is one unit of delegated work.
type Task struct {
	ID                   string     `json:"id"`
	WorkspaceID          string     `json:"workspace_id"`
	Title                string     `json:"title"`
	Objective            string     `json:"objective,omitempty"`
	Scope                string     `json:"scope,omitempty"`
	AcceptanceCriteria   []string   `json:"acceptance_criteria,omitempty"`
	VerificationCommands []string   `json:"verification_commands,omitempty"`
	Status               TaskStatus `json:"status"`
	AssignedTo           string     `json:"assigned_to,omitempty"`
	CompletionSummary    string     `json:"completion_summary,omitempty"`
	VerificationReport   string     `json:"verification_report,omitempty"`
	VerificationVerdict  Verdict    `json:"verification_verdict,omitempty"`
	Dependencies         []string   `json:"dependencies,omitempty"`
	ParallelGroup        int        `json:"parallel_group,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

// Ready reports whether the task can be scheduled: it must be pending and
// every dependency must already be completed. The done set maps task ID to
// completion.
func (t *Task) Ready(done map[string]bool) bool {
	if t.Status != TaskPending {
		return false
	}
	for _, dep := range t.Dependencies {
		if !done[dep] {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so stores can hand out snapshots.
func (t *Task) Clone() *Task {
	clone := *t
	if len(t.AcceptanceCriteria) > 0 {
		clone.AcceptanceCriteria = append([]string(nil), t.AcceptanceCriteria...)
	}
	if len(t.VerificationCommands) > 0 {
		clone.VerificationCommands = append([]string(nil), t.VerificationCommands...)
	}
	if len(t.Dependencies) > 0 {
		clone.Dependencies = append([]string(nil), t.Dependencies...)
	}
	return &clone
}
