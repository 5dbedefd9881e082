package codebase

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/config"
)

type countingAnalyzer struct {
	calls int32
	fail  bool
}

func (a *countingAnalyzer) AnalyzeFile(ctx context.Context, path string, opts AnalyzeOptions) (*FileContext, error) {
	atomic.AddInt32(&a.calls, 1)
	if a.fail {
		return nil, errAnalyze
	}
	return &FileContext{Recommendations: []string{"use " + path}}, nil
}

type hubErr string

func (e hubErr) Error() string { return string(e) }

const errAnalyze = hubErr("analyze failed")

func testFacade(ttl time.Duration, analyzer FileAnalyzer) *Facade {
	return New(config.CodebaseConfig{CacheTTL: ttl}, analyzer, nil)
}

func TestGetFileContextCachesAfterFirstCall(t *testing.T) {
	a := &countingAnalyzer{}
	f := testFacade(time.Minute, a)

	ctx := context.Background()
	if _, err := f.GetFileContext(ctx, "a.go", AnalyzeOptions{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := f.GetFileContext(ctx, "a.go", AnalyzeOptions{}); err != nil {
		t.Fatalf("second call: %v", err)
	}

	if a.calls != 1 {
		t.Fatalf("expected exactly 1 analyzer call, got %d", a.calls)
	}
}

func TestGetFileContextRefetchesAfterExpiry(t *testing.T) {
	a := &countingAnalyzer{}
	f := testFacade(10*time.Millisecond, a)

	ctx := context.Background()
	f.GetFileContext(ctx, "a.go", AnalyzeOptions{})
	time.Sleep(20 * time.Millisecond)
	f.GetFileContext(ctx, "a.go", AnalyzeOptions{})

	if a.calls != 2 {
		t.Fatalf("expected 2 analyzer calls after expiry, got %d", a.calls)
	}
}

func TestForceRefreshBypassesCache(t *testing.T) {
	a := &countingAnalyzer{}
	f := testFacade(time.Hour, a)

	ctx := context.Background()
	f.GetFileContext(ctx, "a.go", AnalyzeOptions{})
	f.GetFileContext(ctx, "a.go", AnalyzeOptions{ForceRefresh: true})

	if a.calls != 2 {
		t.Fatalf("expected force_refresh to bypass the cache, got %d calls", a.calls)
	}
}

func TestInvalidateFileForcesNextRoundTrip(t *testing.T) {
	a := &countingAnalyzer{}
	f := testFacade(time.Hour, a)

	ctx := context.Background()
	f.GetFileContext(ctx, "a.go", AnalyzeOptions{})
	f.InvalidateFile("a.go")
	f.GetFileContext(ctx, "a.go", AnalyzeOptions{})

	if a.calls != 2 {
		t.Fatalf("expected invalidate to force a fresh analyzer call, got %d", a.calls)
	}
}

func TestWarmPopulatesMultiplePathsInOneGeneration(t *testing.T) {
	a := &countingAnalyzer{}
	f := testFacade(time.Hour, a)

	if err := f.Warm(context.Background(), []string{"a.go", "b.go", "c.go"}, AnalyzeOptions{}); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if f.Size() != 3 {
		t.Fatalf("expected 3 cached entries after warm, got %d", f.Size())
	}

	if _, err := f.GetFileContext(context.Background(), "b.go", AnalyzeOptions{}); err != nil {
		t.Fatalf("GetFileContext: %v", err)
	}
	if a.calls != 3 {
		t.Fatalf("expected warm's 3 calls to satisfy the later cache hit, got %d", a.calls)
	}
}

func TestAnalyzerErrorIsNotCached(t *testing.T) {
	a := &countingAnalyzer{fail: true}
	f := testFacade(time.Hour, a)

	ctx := context.Background()
	if _, err := f.GetFileContext(ctx, "a.go", AnalyzeOptions{}); err == nil {
		t.Fatal("expected analyzer failure to propagate")
	}
	if f.Size() != 0 {
		t.Fatal("expected a failed analysis to not populate the cache")
	}
}

func TestConcurrentForceRefreshNeverObservesPartialGeneration(t *testing.T) {
	a := &countingAnalyzer{}
	f := testFacade(time.Hour, a)
	ctx := context.Background()

	f.Warm(ctx, []string{"a.go", "b.go"}, AnalyzeOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if n%2 == 0 {
				f.GetFileContext(ctx, "a.go", AnalyzeOptions{ForceRefresh: true})
			} else {
				_, _ = f.GetFileContext(ctx, "b.go", AnalyzeOptions{})
			}
		}(i)
	}
	wg.Wait()

	if f.Size() < 2 {
		t.Fatalf("expected both cached paths to survive concurrent refreshes, got size %d", f.Size())
	}
}
