package handoff

import (
	"regexp"
	"strings"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/config"
)

// identifierPattern matches the allowed character set for ids (spec §4.3).
var identifierPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// controlCharPattern strips control characters (excluding the allowed
// whitespace \t \n \r) from free text fields.
var controlCharPattern = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)

// Sanitizer enforces the field-by-field caps in spec §4.3. Every packet
// deserialized from disk, and every packet freshly created, passes through
// it — sanitization is total, never optional.
type Sanitizer struct {
	cfg config.HandoffConfig
}

// NewSanitizer builds a Sanitizer from the handoff section of Config.
func NewSanitizer(cfg config.HandoffConfig) *Sanitizer {
	return &Sanitizer{cfg: cfg}
}

// Sanitize returns a new Packet with every field clamped/truncated/cleaned
// per spec §4.3. It is idempotent: sanitizing an already-sanitized packet
// yields the same packet (spec §8).
func (s *Sanitizer) Sanitize(p Packet) Packet {
	out := p

	out.PacketID = s.sanitizeID(p.PacketID, s.cfg.MaxIDLength)
	out.AccessToken = s.sanitizeID(p.AccessToken, s.cfg.MaxIDLength)
	out.SourceAgent = s.cleanText(p.SourceAgent, s.cfg.MaxNameLength)
	out.SourceSession = s.sanitizeID(p.SourceSession, s.cfg.MaxIDLength)
	out.TargetAgent = s.cleanText(p.TargetAgent, s.cfg.MaxNameLength)
	out.TicketID = s.sanitizeID(p.TicketID, s.cfg.MaxIDLength)

	out.ProblemSummary = s.cleanText(p.ProblemSummary, s.cfg.MaxSummaryLength)
	out.SolutionSummary = s.cleanText(p.SolutionSummary, s.cfg.MaxSummaryLength)
	out.HandoffNotes = s.cleanText(p.HandoffNotes, s.cfg.MaxNotesLength)
	out.HotContext = s.cleanText(p.HotContext, s.cfg.MaxContextLength)

	out.TaskList = s.capTaskList(p.TaskList)
	out.CompletedTasks = s.capTaskList(p.CompletedTasks)
	out.Blockers = s.capStrings(p.Blockers, s.cfg.MaxBlockersWarnings, s.cfg.MaxTaskLength)
	out.Warnings = s.capStrings(p.Warnings, s.cfg.MaxBlockersWarnings, s.cfg.MaxTaskLength)
	out.FilesModified = s.capPaths(p.FilesModified)
	out.FilesReviewed = s.capPaths(p.FilesReviewed)
	out.WarmReferences = s.capStrings(p.WarmReferences, s.cfg.MaxListItems, s.cfg.MaxIDLength)
	out.KeyDecisions = s.capKeyDecisions(p.KeyDecisions)

	if out.HotTokens < 0 {
		out.HotTokens = 0
	}
	if out.HotTokens > s.cfg.MaxHotTokens {
		out.HotTokens = s.cfg.MaxHotTokens
	}

	out.Budget = s.sanitizeBudget(p.Budget)

	return out
}

func (s *Sanitizer) sanitizeID(v string, maxLen int) string {
	v = controlCharPattern.ReplaceAllString(v, "")
	if len(v) > maxLen {
		v = v[:maxLen]
	}
	if v != "" && !identifierPattern.MatchString(v) {
		// Strip anything outside the allowed identifier character set
		// rather than reject outright — sanitizers fix what they can
		// (spec §7 validation policy).
		var b strings.Builder
		for _, r := range v {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
				b.WriteRune(r)
			}
		}
		v = b.String()
	}
	return v
}

func (s *Sanitizer) cleanText(v string, maxLen int) string {
	v = controlCharPattern.ReplaceAllString(v, "")
	if len(v) > maxLen {
		v = v[:maxLen]
	}
	return v
}

func (s *Sanitizer) capTaskList(items []string) []string {
	return s.capStrings(items, s.cfg.MaxListItems, s.cfg.MaxTaskLength)
}

func (s *Sanitizer) capStrings(items []string, maxCount, maxLen int) []string {
	if items == nil {
		return nil
	}
	if len(items) > maxCount {
		items = items[:maxCount]
	}
	out := make([]string, len(items))
	for i, v := range items {
		out[i] = s.cleanText(v, maxLen)
	}
	return out
}

func (s *Sanitizer) capPaths(items []string) []string {
	return s.capStrings(items, s.cfg.MaxListItems, s.cfg.MaxPathLength)
}

func (s *Sanitizer) capKeyDecisions(items []KeyDecision) []KeyDecision {
	if items == nil {
		return nil
	}
	if len(items) > s.cfg.MaxListItems {
		items = items[:s.cfg.MaxListItems]
	}
	out := make([]KeyDecision, len(items))
	for i, kd := range items {
		out[i] = KeyDecision{
			Decision:  s.cleanText(kd.Decision, s.cfg.MaxTaskLength),
			Rationale: s.cleanText(kd.Rationale, s.cfg.MaxSummaryLength),
		}
	}
	return out
}

func (s *Sanitizer) sanitizeBudget(b BudgetSnapshot) BudgetSnapshot {
	clamp := func(v int) int {
		if v < 0 {
			return 0
		}
		if v > s.cfg.MaxBudgetValue {
			return s.cfg.MaxBudgetValue
		}
		return v
	}
	return BudgetSnapshot{
		Allocated:      clamp(b.Allocated),
		Used:           clamp(b.Used),
		Peak:           clamp(b.Peak),
		ExpansionCount: min(b.ExpansionCount, s.cfg.MaxExpansionCount),
		Tier:           s.cleanText(b.Tier, s.cfg.MaxNameLength),
	}
}
