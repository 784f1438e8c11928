package domain

import "testing"

func TestValidateHierarchy(t *testing.T) {
	tests := []struct {
		name     string
		role     Role
		parentID string
		wantErr  bool
	}{
		{"routa root", RoleRouta, "", false},
		{"routa with parent", RoleRouta, "agent-1", true},
		{"crafter with parent", RoleCrafter, "agent-1", false},
		{"crafter orphan", RoleCrafter, "", true},
		{"gate with parent", RoleGate, "agent-1", false},
		{"gate orphan", RoleGate, "", true},
		{"unknown role", Role("WIZARD"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHierarchy(tt.role, tt.parentID)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateHierarchy(%s, %q) error = %v, wantErr %v", tt.role, tt.parentID, err, tt.wantErr)
			}
		})
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskCompleted, TaskCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}

	open := []TaskStatus{TaskPending, TaskInProgress, TaskReviewRequired, TaskNeedsFix, TaskBlocked}
	for _, s := range open {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestTaskReady(t *testing.T) {
	done := map[string]bool{"task-1": true}

	tests := []struct {
		name string
		task Task
		want bool
	}{
		{"pending no deps", Task{Status: TaskPending}, true},
		{"pending deps done", Task{Status: TaskPending, Dependencies: []string{"task-1"}}, true},
		{"pending deps open", Task{Status: TaskPending, Dependencies: []string{"task-2"}}, false},
		{"pending mixed deps", Task{Status: TaskPending, Dependencies: []string{"task-1", "task-2"}}, false},
		{"in progress", Task{Status: TaskInProgress}, false},
		{"blocked", Task{Status: TaskBlocked, Dependencies: []string{"task-1"}}, false},
		{"completed", Task{Status: TaskCompleted}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.Ready(done); got != tt.want {
				t.Errorf("Ready() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Verdict
	}{
		{"plain approval", "APPROVED", VerdictApproved},
		{"approval in prose", "All criteria met. APPROVED.", VerdictApproved},
		{"rejection", "NOT APPROVED: missing tests", VerdictNotApproved},
		{"rejection underscore", "verdict NOT_APPROVED", VerdictNotApproved},
		{"rejection mentions approval", "NOT APPROVED even though partially APPROVED before", VerdictNotApproved},
		{"blocked", "BLOCKED: cannot run verification commands", VerdictBlocked},
		{"no marker", "looks fine to me", VerdictNone},
		{"lowercase is not a marker", "approved", VerdictNone},
		{"empty", "", VerdictNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseVerdict(tt.text); got != tt.want {
				t.Errorf("ParseVerdict(%q) = %s, want %s", tt.text, got, tt.want)
			}
		})
	}
}

func TestPhaseIsTerminal(t *testing.T) {
	if !PhaseCompleted.IsTerminal() || !PhaseFailed.IsTerminal() {
		t.Error("COMPLETED and FAILED should be terminal phases")
	}
	for _, p := range []Phase{PhaseIdle, PhasePlanning, PhaseReady, PhaseExecuting, PhaseWaveComplete, PhaseVerifying, PhaseNeedsFix} {
		if p.IsTerminal() {
			t.Errorf("%s should not be terminal", p)
		}
	}
}

func TestTaskClone(t *testing.T) {
	task := &Task{
		ID:           "task-1",
		Dependencies: []string{"task-0"},
	}
	clone := task.Clone()
	clone.Dependencies[0] = "task-9"
	if task.Dependencies[0] != "task-0" {
		t.Error("Clone should deep-copy dependency slice")
	}
}
