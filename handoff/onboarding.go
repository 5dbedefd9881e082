package handoff

import (
	"fmt"
	"strings"
)

// GetOnboardingContext renders the packet into a markdown brief for the
// agent accepting the handoff, grounded on the Python reference's
// get_onboarding_context (supplemented from original_source, not in the
// distilled spec's prose). It is a pure formatting method: it reads the
// packet only, never the filesystem.
func (p *Packet) GetOnboardingContext() string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Handoff: %s\n\n", p.TicketID)
	fmt.Fprintf(&b, "**From:** %s (session `%s`)\n", p.SourceAgent, p.SourceSession)
	fmt.Fprintf(&b, "**Reason:** %s · **Priority:** %s\n\n", p.Reason, p.Priority)

	fmt.Fprintf(&b, "## Problem\n%s\n\n", p.ProblemSummary)
	if p.SolutionSummary != "" {
		fmt.Fprintf(&b, "## Solution so far\n%s\n\n", p.SolutionSummary)
	}

	if len(p.TaskList) > 0 {
		b.WriteString("## Remaining tasks\n")
		for _, t := range p.TaskList {
			fmt.Fprintf(&b, "- [ ] %s\n", t)
		}
		b.WriteString("\n")
	}
	if len(p.CompletedTasks) > 0 {
		b.WriteString("## Completed\n")
		for _, t := range p.CompletedTasks {
			fmt.Fprintf(&b, "- [x] %s\n", t)
		}
		b.WriteString("\n")
	}

	if len(p.KeyDecisions) > 0 {
		b.WriteString("## Key decisions\n")
		for _, kd := range p.KeyDecisions {
			fmt.Fprintf(&b, "- **%s** — %s\n", kd.Decision, kd.Rationale)
		}
		b.WriteString("\n")
	}

	if len(p.Blockers) > 0 {
		b.WriteString("## Blockers\n")
		for _, blk := range p.Blockers {
			fmt.Fprintf(&b, "- %s\n", blk)
		}
		b.WriteString("\n")
	}
	if len(p.Warnings) > 0 {
		b.WriteString("## Warnings\n")
		for _, w := range p.Warnings {
			fmt.Fprintf(&b, "- ⚠ %s\n", w)
		}
		b.WriteString("\n")
	}

	if len(p.FilesModified) > 0 {
		b.WriteString("## Files modified\n")
		for _, f := range p.FilesModified {
			fmt.Fprintf(&b, "- `%s`\n", f)
		}
		b.WriteString("\n")
	}

	if p.HotContext != "" {
		fmt.Fprintf(&b, "## Hot context (%d tokens)\n%s\n\n", p.HotTokens, p.HotContext)
	}
	if len(p.WarmReferences) > 0 {
		b.WriteString("## Warm references\n")
		for _, ref := range p.WarmReferences {
			fmt.Fprintf(&b, "- %s\n", ref)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Budget\nUsed %d / %d tokens (tier: %s, expanded %d×)\n",
		p.Budget.Used, p.Budget.Allocated, p.Budget.Tier, p.Budget.ExpansionCount)

	if p.HandoffNotes != "" {
		fmt.Fprintf(&b, "\n## Notes\n%s\n", p.HandoffNotes)
	}

	return b.String()
}
