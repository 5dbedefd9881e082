package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/corelog"
)

// ErrNotFound is returned when a named tool is neither registered nor
// present among the registry's lazy specs.
var ErrNotFound = errors.New("tool: not found")

// Loader lazily materializes a tool the first time it is needed, standing
// in for the Python reference's importlib-based LazyToolSpec.get_instance —
// Go has no dynamic import, so the registry takes a constructor closure
// instead of a module path + class name.
type Loader func() (Tool, error)

type lazySpec struct {
	loader   Loader
	category Category
	instance Tool
}

// LoadStatus is the outcome of one Load call, kept in the bounded load
// history ring (supplemented feature, spec SPEC_FULL.md §C).
type LoadStatus struct {
	Name        string
	Loaded      bool
	Category    Category
	LoadTimeMS  float64
	Error       string
	AttemptedAt time.Time
}

// ExecutionStats accumulates per-tool counters (spec §4.5 "Execution
// accounting").
type ExecutionStats struct {
	Name             string
	TotalExecutions  int
	TotalTimeMS      float64
	MinTimeMS        float64
	MaxTimeMS        float64
	LastExecution    time.Time
	ErrorCount       int
}

// AverageTimeMS is the mean execution time across every recorded call.
func (s ExecutionStats) AverageTimeMS() float64 {
	if s.TotalExecutions == 0 {
		return 0
	}
	return s.TotalTimeMS / float64(s.TotalExecutions)
}

func (s *ExecutionStats) record(ms float64, success bool) {
	s.TotalExecutions++
	s.TotalTimeMS += ms
	if s.TotalExecutions == 1 || ms < s.MinTimeMS {
		s.MinTimeMS = ms
	}
	if ms > s.MaxTimeMS {
		s.MaxTimeMS = ms
	}
	s.LastExecution = time.Now().UTC()
	if !success {
		s.ErrorCount++
	}
}

// performance status thresholds (spec §4.5, fixed not configurable).
const (
	thresholdModerate = 40
	thresholdHeavy    = 50
)

// PerformanceReport is the process-wide snapshot (spec §4.5).
type PerformanceReport struct {
	ActiveTools             int
	AvailableTools          int
	MaxRecommended          int
	Status                  string // optimal, moderate, heavy, overloaded
	Categories              map[Category]int
	Recommendation          string
	TotalExecutions         int
	AverageExecutionTimeMS  float64
}

// Registry manages tool registration, lifecycle, and accounting (spec
// §4.5). Its maps are mutated from a single control path; Execute itself is
// safe to call concurrently since it only reads the active map and updates
// per-tool stats under mu.
type Registry struct {
	mu sync.Mutex

	available map[string]Tool
	active    map[string]Tool
	lazy      map[string]*lazySpec

	maxActive       int
	loadHistory     []LoadStatus
	loadHistorySize int
	stats           map[string]*ExecutionStats

	logger corelog.Logger
}

// NewRegistry constructs an empty Registry. maxActive is the soft cap (spec
// default 60); loadHistorySize bounds the ring buffer (supplemented
// feature).
func NewRegistry(maxActive, loadHistorySize int, logger corelog.Logger) *Registry {
	if logger == nil {
		logger = corelog.NoOpLogger{}
	}
	return &Registry{
		available:       make(map[string]Tool),
		active:          make(map[string]Tool),
		lazy:            make(map[string]*lazySpec),
		maxActive:       maxActive,
		loadHistorySize: loadHistorySize,
		stats:           make(map[string]*ExecutionStats),
		logger:          logger,
	}
}

// Register makes an already-constructed tool instance available (eager
// registration). Re-registering a name replaces the prior entry.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.available[name]; exists {
		r.logger.Warn("tool already registered, replacing", map[string]interface{}{"tool": name})
	}
	delete(r.lazy, name)
	r.available[name] = t
}

// RegisterLazy records a constructor to be called on first access (lazy
// registration). A name already registered eagerly is left untouched, per
// spec §4.5's "two modes" contract.
func (r *Registry) RegisterLazy(name string, category Category, loader Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.available[name]; exists {
		r.logger.Warn("tool already registered as instance, skipping lazy registration", map[string]interface{}{"tool": name})
		return
	}
	if _, exists := r.lazy[name]; exists {
		r.logger.Warn("lazy tool already registered, replacing", map[string]interface{}{"tool": name})
	}
	r.lazy[name] = &lazySpec{loader: loader, category: category}
}

// Unregister removes a tool from every set, unloading it first if active.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, active := r.active[name]; active {
		delete(r.active, name)
	}
	removed := false
	if _, ok := r.available[name]; ok {
		delete(r.available, name)
		removed = true
	}
	if _, ok := r.lazy[name]; ok {
		delete(r.lazy, name)
		removed = true
	}
	return removed
}

// resolve returns a materialized tool by name, instantiating a lazy spec on
// first access. Callers must hold r.mu.
func (r *Registry) resolve(name string) (Tool, Category, error) {
	if t, ok := r.available[name]; ok {
		return t, t.Category(), nil
	}
	if spec, ok := r.lazy[name]; ok {
		if spec.instance != nil {
			return spec.instance, spec.category, nil
		}
		t, err := spec.loader()
		if err != nil {
			return nil, spec.category, err
		}
		spec.instance = t
		r.available[name] = t
		return t, spec.category, nil
	}
	return nil, "", fmt.Errorf("tool: %s: %w", name, ErrNotFound)
}

// Load materializes (if lazy) and activates a tool. A soft cap on active
// tools emits a warning once exceeded but never blocks load (spec §4.5).
func (r *Registry) Load(name string) LoadStatus {
	start := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if t, ok := r.active[name]; ok {
		return LoadStatus{Name: name, Loaded: true, Category: t.Category(), Error: "already loaded", AttemptedAt: start}
	}

	t, category, err := r.resolve(name)
	if err != nil {
		status := LoadStatus{Name: name, Loaded: false, Category: category, LoadTimeMS: elapsedMS(start), Error: err.Error(), AttemptedAt: start}
		r.appendHistory(status)
		return status
	}

	if len(r.active) >= r.maxActive {
		r.logger.Warn("active tool count at limit, performance may be impacted", map[string]interface{}{
			"active": len(r.active), "max": r.maxActive,
		})
	}

	r.active[name] = t
	status := LoadStatus{Name: name, Loaded: true, Category: t.Category(), LoadTimeMS: elapsedMS(start), AttemptedAt: start}
	r.appendHistory(status)
	return status
}

func (r *Registry) appendHistory(status LoadStatus) {
	r.loadHistory = append(r.loadHistory, status)
	if len(r.loadHistory) > r.loadHistorySize {
		r.loadHistory = r.loadHistory[len(r.loadHistory)-r.loadHistorySize:]
	}
}

// LoadCategory loads every available (eager or lazy) tool in cat that is
// not already active.
func (r *Registry) LoadCategory(cat Category) []LoadStatus {
	r.mu.Lock()
	var names []string
	for name, t := range r.available {
		if t.Category() == cat {
			if _, active := r.active[name]; !active {
				names = append(names, name)
			}
		}
	}
	for name, spec := range r.lazy {
		if spec.category == cat {
			if _, active := r.active[name]; !active {
				names = append(names, name)
			}
		}
	}
	r.mu.Unlock()

	results := make([]LoadStatus, 0, len(names))
	for _, name := range names {
		results = append(results, r.Load(name))
	}
	return results
}

// Unload deactivates a tool. Unloading a CategoryCore tool is refused
// unless force is true (spec §4.5).
func (r *Registry) Unload(name string, force bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.active[name]
	if !ok {
		return false
	}
	if t.Category() == CategoryCore && !force {
		r.logger.Warn("refusing to unload core tool", map[string]interface{}{"tool": name})
		return false
	}
	delete(r.active, name)
	return true
}

// Get returns an active tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.active[name]
	return t, ok
}

// IsLoaded reports whether name is currently active.
func (r *Registry) IsLoaded(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[name]
	return ok
}

// IsRegistered reports whether name is known, active or not.
func (r *Registry) IsRegistered(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.available[name]; ok {
		return true
	}
	_, ok := r.lazy[name]
	return ok
}

// AvailableNames returns every registered name (eager and lazy), without
// instantiating lazy specs.
func (r *Registry) AvailableNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(r.available)+len(r.lazy))
	var names []string
	for name := range r.available {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	for name := range r.lazy {
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
	}
	return names
}

// Execute runs an active tool through SafeExecute and records its
// execution stats. Unknown/unloaded names return Result{Success: false}.
func (r *Registry) Execute(ctx context.Context, name string, params map[string]interface{}) Result {
	t, ok := r.Get(name)
	if !ok {
		return Result{Success: false, Error: fmt.Sprintf("tool not loaded: %s", name)}
	}

	result := SafeExecute(ctx, t, params)

	r.mu.Lock()
	stats, ok := r.stats[name]
	if !ok {
		stats = &ExecutionStats{Name: name}
		r.stats[name] = stats
	}
	stats.record(result.ExecutionTimeMS, result.Success)
	r.mu.Unlock()

	return result
}

// GetStats returns a copy of name's execution statistics, if any.
func (r *Registry) GetStats(name string) (ExecutionStats, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[name]
	if !ok {
		return ExecutionStats{}, false
	}
	return *s, true
}

// LoadHistory returns a copy of the bounded load-attempt ring (supplemented
// feature).
func (r *Registry) LoadHistory() []LoadStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LoadStatus(nil), r.loadHistory...)
}

// PerformanceReport computes the process-wide report (spec §4.5): fixed
// status thresholds at 40/50/maxActive active tools.
func (r *Registry) PerformanceReport() PerformanceReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	active := len(r.active)
	available := len(r.available) + len(r.lazy)

	status := "optimal"
	switch {
	case active > r.maxActive:
		status = "overloaded"
	case active > thresholdHeavy:
		status = "heavy"
	case active > thresholdModerate:
		status = "moderate"
	}

	categories := make(map[Category]int)
	for _, t := range r.active {
		categories[t.Category()]++
	}

	var totalExecutions int
	var totalTime float64
	for _, s := range r.stats {
		totalExecutions += s.TotalExecutions
		totalTime += s.TotalTimeMS
	}
	var avg float64
	if totalExecutions > 0 {
		avg = totalTime / float64(totalExecutions)
	}

	return PerformanceReport{
		ActiveTools:            active,
		AvailableTools:         available,
		MaxRecommended:         r.maxActive,
		Status:                 status,
		Categories:             categories,
		Recommendation:         recommendation(active, r.maxActive),
		TotalExecutions:        totalExecutions,
		AverageExecutionTimeMS: avg,
	}
}

func recommendation(active, maxActive int) string {
	switch {
	case active < 20:
		return ""
	case active < thresholdModerate:
		return "consider reviewing unused tools"
	case active < maxActive:
		return "tool count is high, consider unloading unused tools"
	default:
		return "tool count exceeds recommended limit, performance may be degraded"
	}
}

// ClearStats wipes execution statistics and load history (spec reference's
// clear_stats, used between test runs or benchmark windows).
func (r *Registry) ClearStats() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats = make(map[string]*ExecutionStats)
	r.loadHistory = nil
}
