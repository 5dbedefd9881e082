// Package codebase implements the Codebase Context Facade (spec §6): a
// read-through cache in front of an external file analyzer. The core never
// parses code itself; it only caches and invalidates what the analyzer
// returns.
package codebase

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/config"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/corelog"
)

// FileContext is what an analyzer returns for one file (spec §6).
type FileContext struct {
	ImpactGraph      interface{} `json:"impact_graph,omitempty"`
	History          interface{} `json:"history,omitempty"`
	Metrics          interface{} `json:"metrics,omitempty"`
	LearnedPatterns  interface{} `json:"learned_patterns,omitempty"`
	Recommendations  []string    `json:"recommendations,omitempty"`
	Warnings         []string    `json:"warnings,omitempty"`
}

// AnalyzeOptions selects which sections of a FileContext the caller wants
// populated, and whether the cache should be bypassed.
type AnalyzeOptions struct {
	IncludeImpact   bool
	IncludeHistory  bool
	IncludePatterns bool
	ForceRefresh    bool
}

// FileAnalyzer is the external collaborator this facade caches in front of
// (spec §6: "the core never imports a specific provider"). Implementations
// live outside this module — static analysis, a language server, a
// dependency-graph service.
type FileAnalyzer interface {
	AnalyzeFile(ctx context.Context, path string, opts AnalyzeOptions) (*FileContext, error)
}

type cacheEntry struct {
	ctx       *FileContext
	fetchedAt time.Time
}

func (e *cacheEntry) expired(ttl time.Duration) bool {
	return time.Since(e.fetchedAt) > ttl
}

type generation map[string]*cacheEntry

// Facade is the read-through cache of spec §6. Reads and writes never block
// each other for long: a refreshed or invalidated entry is installed by
// building an entirely new generation map off to the side and atomically
// swapping a pointer, so a concurrent reader observes either the old
// generation or the new one in full, never a mix (spec §9 Open Question,
// decided in DESIGN.md).
type Facade struct {
	analyzer FileAnalyzer
	ttl      time.Duration
	logger   corelog.Logger
	gen      atomic.Pointer[generation]
}

// New constructs a Facade backed by analyzer. logger may be nil.
func New(cfg config.CodebaseConfig, analyzer FileAnalyzer, logger corelog.ComponentAwareLogger) *Facade {
	var l corelog.Logger = corelog.NoOpLogger{}
	if logger != nil {
		l = logger.WithComponent("codebase.context")
	}
	f := &Facade{analyzer: analyzer, ttl: cfg.CacheTTL, logger: l}
	empty := generation{}
	f.gen.Store(&empty)
	return f
}

// GetFileContext returns path's cached FileContext if present and fresh, or
// calls through to the analyzer otherwise (spec §6).
func (f *Facade) GetFileContext(ctx context.Context, path string, opts AnalyzeOptions) (*FileContext, error) {
	if !opts.ForceRefresh {
		if entry, ok := (*f.gen.Load())[path]; ok && !entry.expired(f.ttl) {
			return entry.ctx, nil
		}
	}

	fc, err := f.analyzer.AnalyzeFile(ctx, path, opts)
	if err != nil {
		f.logger.Warn("codebase analyzer failed", map[string]interface{}{"path": path, "error": err.Error()})
		return nil, err
	}

	f.swapOne(path, &cacheEntry{ctx: fc, fetchedAt: time.Now().UTC()})
	return fc, nil
}

// InvalidateFile drops path from the cache so the next GetFileContext call
// is a guaranteed analyzer round trip.
func (f *Facade) InvalidateFile(path string) {
	for {
		old := f.gen.Load()
		next := make(generation, len(*old))
		for k, v := range *old {
			if k == path {
				continue
			}
			next[k] = v
		}
		if f.gen.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Warm eagerly populates the cache for every path in one batch, installing
// the whole batch as a single new generation (spec §6 warm(paths)).
func (f *Facade) Warm(ctx context.Context, paths []string, opts AnalyzeOptions) error {
	fresh := make(generation, len(paths))
	for _, p := range paths {
		fc, err := f.analyzer.AnalyzeFile(ctx, p, opts)
		if err != nil {
			f.logger.Warn("codebase warm failed", map[string]interface{}{"path": p, "error": err.Error()})
			continue
		}
		fresh[p] = &cacheEntry{ctx: fc, fetchedAt: time.Now().UTC()}
	}
	for {
		old := f.gen.Load()
		next := make(generation, len(*old)+len(fresh))
		for k, v := range *old {
			next[k] = v
		}
		for k, v := range fresh {
			next[k] = v
		}
		if f.gen.CompareAndSwap(old, &next) {
			return nil
		}
	}
}

// swapOne installs a single fresh entry as a new generation, retrying on
// concurrent writers (optimistic, lock-free).
func (f *Facade) swapOne(path string, entry *cacheEntry) {
	for {
		old := f.gen.Load()
		next := make(generation, len(*old)+1)
		for k, v := range *old {
			next[k] = v
		}
		next[path] = entry
		if f.gen.CompareAndSwap(old, &next) {
			return
		}
	}
}

// Size returns the number of cached entries, for stats/tests.
func (f *Facade) Size() int {
	return len(*f.gen.Load())
}
