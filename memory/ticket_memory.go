package memory

import "time"

// TicketMemory is an immutable (except for access bookkeeping) record of a
// resolved ticket, as indexed by the semantic Index (spec §3, §2 row 3).
type TicketMemory struct {
	TicketID        string
	App             string
	Title           string
	ProblemSummary  string
	SolutionSummary string
	FilesModified   []string
	Keywords        []string
	TicketType      string
	ResolvedDate    time.Time

	AccessCount    int
	LastAccessed   time.Time
	RelevanceScore float64 // populated by Index.Query, in [0, 1]
}

// Access records a read against the memory.
func (t *TicketMemory) Access() {
	t.AccessCount++
	t.LastAccessed = time.Now()
}

// FixPattern aggregates recurring solutions across multiple TicketMemorys.
// It is derived/re-derivable output of Index.ExtractPatterns, not
// independently authored state.
type FixPattern struct {
	PatternID        string
	Name             string
	FilePatterns     []string
	KeywordTriggers  []string
	SolutionTemplate string
	OccurrenceCount  int
	ExampleTicketIDs []string
}
