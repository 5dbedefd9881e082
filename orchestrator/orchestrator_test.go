package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/codebase"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/config"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/eventbus"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/ticket"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ProjectDir = t.TempDir()
	cfg.Webhook.InitialBackoff = 5 * time.Millisecond
	cfg.Webhook.MaxBackoff = 20 * time.Millisecond
	return cfg
}

func TestNewWiresEveryComponent(t *testing.T) {
	o, err := New(testConfig(t))
	require.NoError(t, err)

	require.NotNil(t, o.Budget)
	require.NotNil(t, o.Memory)
	require.NotNil(t, o.Handoff)
	require.NotNil(t, o.Tickets)
	require.NotNil(t, o.Bus)
	require.NotNil(t, o.Hub)
	require.NotNil(t, o.Webhooks)
	require.NotNil(t, o.Tools)
	require.NotNil(t, o.Codebase)
}

func TestTicketStoreBackendSelection(t *testing.T) {
	cfg := testConfig(t)
	cfg.Ticket.Backend = "indexed"
	o, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, o.Tickets)

	created, err := o.Tickets.Create(ticket.New("indexed smoke test", "", ticket.TypeTask, ticket.PriorityLow, "tester"))
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
}

func TestDocumentBackendIsDefault(t *testing.T) {
	o, err := New(testConfig(t))
	require.NoError(t, err)

	created, err := o.Tickets.Create(ticket.New("document smoke test", "", ticket.TypeBug, ticket.PriorityHigh, "tester"))
	require.NoError(t, err)

	got, ok := o.Tickets.Get(created.ID)
	require.True(t, ok)
	require.Equal(t, created.ID, got.ID)
}

func TestHubAndWebhookDispatcherAreRegisteredOnTheBus(t *testing.T) {
	o, err := New(testConfig(t))
	require.NoError(t, err)

	sub, err := o.Webhooks.Register("http://127.0.0.1:0/unreachable", []string{"ticket.created"}, "secret", "", "")
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)

	// Publish goes through the bus to both out-of-process dispatchers
	// (the hub broadcasts to zero connections, the webhook dispatcher
	// attempts one delivery) without panicking or blocking.
	done := make(chan struct{})
	go func() {
		o.Bus.Publish(eventbus.Type("ticket.created"), map[string]string{"id": "T-1"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Publish to return promptly")
	}
}

func TestStartStopIsIdempotentAndStopsBackgroundLoops(t *testing.T) {
	o, err := New(testConfig(t))
	require.NoError(t, err)

	ctx := context.Background()
	o.Start(ctx)
	o.Start(ctx) // idempotent

	require.NoError(t, o.Stop(ctx))
	require.NoError(t, o.Stop(ctx)) // idempotent
}

func TestWithCodebaseAnalyzerOverridesDefaultNoop(t *testing.T) {
	cfg := testConfig(t)
	analyzer := fakeAnalyzer{}
	o, err := New(cfg, WithCodebaseAnalyzer(analyzer))
	require.NoError(t, err)

	fc, err := o.Codebase.GetFileContext(context.Background(), "a.go", codebase.AnalyzeOptions{})
	require.NoError(t, err)
	require.Equal(t, []string{"wired"}, fc.Recommendations)
}

func TestWithoutCodebaseAnalyzerFailsClosed(t *testing.T) {
	o, err := New(testConfig(t))
	require.NoError(t, err)

	_, err = o.Codebase.GetFileContext(context.Background(), "a.go", codebase.AnalyzeOptions{})
	require.Error(t, err)
}

type fakeAnalyzer struct{}

func (fakeAnalyzer) AnalyzeFile(ctx context.Context, path string, opts codebase.AnalyzeOptions) (*codebase.FileContext, error) {
	return &codebase.FileContext{Recommendations: []string{"wired"}}, nil
}
