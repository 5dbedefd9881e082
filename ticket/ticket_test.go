package ticket

import "testing"

func TestTransitionEnforcesAssigneeInvariant(t *testing.T) {
	tk := New("title", "desc", TypeBug, PriorityHigh, "creator")

	if err := tk.Transition(StatusInProgress, ""); err == nil {
		t.Fatal("expected error transitioning to in_progress without assignee")
	}
	if err := tk.Transition(StatusInProgress, "agent-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tk.StartedAt == nil {
		t.Fatal("expected started_at to be set")
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	tk := New("title", "desc", TypeBug, PriorityHigh, "creator")
	if err := tk.Transition(StatusClosed, ""); err == nil {
		t.Fatal("expected error going directly from open to closed")
	}
}

func TestTransitionBlockedRoundTrip(t *testing.T) {
	tk := New("title", "desc", TypeBug, PriorityHigh, "creator")
	if err := tk.Transition(StatusInProgress, "agent-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tk.Transition(StatusBlocked, "agent-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tk.Transition(StatusInProgress, "agent-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTransitionReopenFromResolved(t *testing.T) {
	tk := New("title", "desc", TypeBug, PriorityHigh, "creator")
	_ = tk.Transition(StatusInProgress, "agent-a")
	if err := tk.Transition(StatusResolved, "agent-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tk.CompletedAt == nil {
		t.Fatal("expected completed_at to be set on resolve")
	}
	if err := tk.Transition(StatusInProgress, "agent-a"); err != nil {
		t.Fatalf("expected reopen from resolved to succeed: %v", err)
	}
}

func TestPrioritySortOrder(t *testing.T) {
	if PriorityCritical.SortOrder() >= PriorityLow.SortOrder() {
		t.Fatal("critical must sort before low")
	}
}
