// Package handoff implements the Handoff Manager (spec §4.3): packaging,
// signing, persisting, retrieving, and authorizing session-state transfers
// between agents.
package handoff

import "time"

// Reason names why a handoff was triggered.
type Reason string

const (
	ReasonBudgetWarning  Reason = "budget_warning"
	ReasonBudgetCritical Reason = "budget_critical"
	ReasonTaskComplete   Reason = "task_complete"
	ReasonAgentRequest   Reason = "agent_request"
	ReasonErrorRecovery  Reason = "error_recovery"
	ReasonScheduled      Reason = "scheduled"
)

// Priority orders how urgently a handoff should be picked up.
type Priority string

const (
	PriorityImmediate Priority = "immediate"
	PriorityHigh      Priority = "high"
	PriorityNormal    Priority = "normal"
	PriorityLow       Priority = "low"
)

// KeyDecision is a decision made during the session and its rationale,
// carried in the packet's ticket context (supplemented from the Python
// reference's handoff.py, not explicit in the distilled spec's prose).
type KeyDecision struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale"`
}

// BudgetSnapshot mirrors budget.Snapshot's fields in a form safe to
// serialize into a packet (handoff packets carry values, never live
// references, per spec §9).
type BudgetSnapshot struct {
	Allocated      int    `json:"allocated"`
	Used           int    `json:"used"`
	Peak           int    `json:"peak"`
	ExpansionCount int    `json:"expansion_count"`
	Tier           string `json:"tier"`
}

// Packet is the full handoff payload (spec §3, §6).
type Packet struct {
	PacketID  string    `json:"packet_id"`
	CreatedAt time.Time `json:"created_at"`

	SourceAgent   string `json:"source_agent"`
	SourceSession string `json:"source_session"`

	Reason      Reason   `json:"reason"`
	Priority    Priority `json:"priority"`
	TargetAgent string   `json:"target_agent,omitempty"`

	AccessToken string `json:"access_token"`

	// Ticket context.
	TicketID        string        `json:"ticket_id"`
	TicketStatus    string        `json:"ticket_status"`
	ProblemSummary  string        `json:"problem_summary"`
	SolutionSummary string        `json:"solution_summary,omitempty"`
	TaskList        []string      `json:"task_list"`
	CompletedTasks  []string      `json:"completed_tasks"`
	Blockers        []string      `json:"blockers"`
	KeyDecisions    []KeyDecision `json:"key_decisions"`

	FilesModified []string `json:"files_modified"`
	FilesReviewed []string `json:"files_reviewed"`

	HotContext     string   `json:"hot_context"`
	HotTokens      int      `json:"hot_tokens"`
	WarmReferences []string `json:"warm_references"`

	Budget BudgetSnapshot `json:"budget"`

	HandoffNotes string   `json:"handoff_notes"`
	Warnings     []string `json:"warnings"`

	// AcceptedBy/AcceptedAt are appended on successful Accept and are
	// absent from a freshly created packet.
	AcceptedBy string     `json:"accepted_by,omitempty"`
	AcceptedAt *time.Time `json:"accepted_at,omitempty"`
}

// CanAccept reports whether agentName is permitted to accept this packet:
// target_agent absent, or an exact match (spec §3 invariant ii).
func (p *Packet) CanAccept(agentName string) bool {
	return p.TargetAgent == "" || p.TargetAgent == agentName
}
