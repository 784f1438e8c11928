package domain

import "strings"

// VerificationResult pairs a verification command with its observed outcome.
type VerificationResult struct {
	Command string `json:"command"`
	Result  string `json:"result"`
}

// TaskVerdict is a GATE agent's judgement on one reviewed task.
type TaskVerdict struct {
	TaskID  string  `json:"task_id"`
	Verdict Verdict `json:"verdict"`
	Report  string  `json:"report,omitempty"`
}

// CompletionReport is what a child agent hands back to its parent when it
// finishes. CRAFTER reports describe the work done; GATE reports carry
// per-task verdicts.
type CompletionReport struct {
	AgentID             string               `json:"agent_id"`
	TaskID              string               `json:"task_id,omitempty"`
	Summary             string               `json:"summary"`
	Success             bool                 `json:"success"`
	FilesModified       []string             `json:"files_modified,omitempty"`
	VerificationResults []VerificationResult `json:"verification_results,omitempty"`
	Verdicts            []TaskVerdict        `json:"verdicts,omitempty"`
}

// ParseVerdict scans reviewer text for an uppercase verdict marker. The
// negative form is checked first because "NOT APPROVED" contains "APPROVED".
func ParseVerdict(text string) Verdict {
	if strings.Contains(text, "NOT APPROVED") || strings.Contains(text, "NOT_APPROVED") {
		return VerdictNotApproved
	}
	if strings.Contains(text, "BLOCKED") {
		return VerdictBlocked
	}
	if strings.Contains(text, "APPROVED") {
		return VerdictApproved
	}
	return VerdictNone
}
