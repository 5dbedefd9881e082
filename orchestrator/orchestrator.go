// Package orchestrator composes every component of the orchestration core
// into a single object with no state of its own (spec §2): it owns the
// construction order and lifecycle, and nothing else. Callers reach the
// actual functionality through the exported component fields.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/budget"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/codebase"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/config"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/corelog"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/eventbus"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/handoff"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/memory"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/telemetry"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/ticket"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/tool"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/webhook"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/ws"
)

// TicketStore is the subset of ticket.DocumentStore/ticket.IndexedStore the
// Orchestrator depends on, letting either backend satisfy the same field
// (spec §4.4: "two interchangeable backends").
type TicketStore interface {
	Create(t *ticket.Ticket) (*ticket.Ticket, error)
	Get(id string) (*ticket.Ticket, bool)
	Update(t *ticket.Ticket) bool
	Delete(id string) bool
	Claim(id, agent string) bool
	List(filter ticket.ListFilter) []*ticket.Ticket
	Count(status ticket.Status, priority ticket.Priority) int
}

// Orchestrator wires the Token Budget Manager, Tiered Memory Store, Handoff
// Manager, Ticket Store, Event Bus, WebSocket Hub, Webhook Dispatcher, Tool
// Registry, and Codebase Context Facade in this dependency order:
//
//	Token Budget -> Tiered Memory -> Memory Manager
//	Ticket Store -> Event Bus -> {WebSocket Hub, Webhook Dispatcher}
//	Handoff Manager is built from the project directory alone; it holds no
//	reference to Tiered Memory
//	Tool Registry is independent
//	Codebase Context is a standalone read-through cache
//
// The Orchestrator itself owns no domain state; every field below is the
// thing callers actually use.
type Orchestrator struct {
	Budget   *budget.Manager
	Memory   *memory.Manager
	Handoff  *handoff.Manager
	Tickets  TicketStore
	Bus      *eventbus.Bus
	Hub      *ws.Hub
	Webhooks *webhook.Dispatcher
	Tools    *tool.Registry
	Codebase *codebase.Facade

	logger   corelog.ComponentAwareLogger
	analyzer codebase.FileAnalyzer

	mu         sync.Mutex
	started    bool
	tpShutdown bool
	cancel     context.CancelFunc
	tp         *sdktrace.TracerProvider
}

// Option customizes an Orchestrator at construction, applied after every
// component has its defaults wired.
type Option func(*Orchestrator)

// WithLogger overrides the default stdout slog logger every component is
// tagged with.
func WithLogger(logger corelog.ComponentAwareLogger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithCodebaseAnalyzer wires an external FileAnalyzer behind the Codebase
// Context Facade. Without one, GetFileContext always fails: the core never
// parses code itself (spec §6).
func WithCodebaseAnalyzer(analyzer codebase.FileAnalyzer) Option {
	return func(o *Orchestrator) { o.analyzer = analyzer }
}

// noopAnalyzer satisfies codebase.FileAnalyzer when no analyzer is wired,
// so the facade can always be constructed.
type noopAnalyzer struct{}

func (noopAnalyzer) AnalyzeFile(ctx context.Context, path string, opts codebase.AnalyzeOptions) (*codebase.FileContext, error) {
	return nil, fmt.Errorf("orchestrator: no codebase analyzer configured")
}

// New constructs every component against cfg and returns a ready
// Orchestrator. The returned Orchestrator is not started: call Start to
// begin the WebSocket heartbeat and webhook retry sweep.
func New(cfg *config.Config, opts ...Option) (*Orchestrator, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	logger := corelog.NewSlogLogger(os.Stdout)
	telem, tp, err := newTelemetry("fastband-orchestrator")
	if err != nil {
		return nil, fmt.Errorf("orchestrator: init telemetry: %w", err)
	}

	o := &Orchestrator{logger: logger, tp: tp}
	for _, opt := range opts {
		opt(o)
	}

	// Token Budget -> Tiered Memory -> Memory Manager.
	o.Budget = budget.NewManager(
		cfg.Budget.BaseAllocation, cfg.Budget.MaxExpansions,
		cfg.Budget.ShouldHandoffPct, cfg.Budget.MustHandoffPct,
		o.logger, telem,
	)
	o.Memory = memory.NewManager(o.Budget, memory.ManagerConfig{
		CoolMaxItems:        cfg.Memory.SharedCoolMaxItems,
		CoolMaxTokens:       cfg.Memory.SharedCoolMaxTokens,
		ColdMaxItems:        cfg.Memory.SharedColdMaxItems,
		ColdMaxTokens:       cfg.Memory.SharedColdMaxTokens,
		PromotionThreshold:  cfg.Memory.PromotionThreshold,
		MaxPromotedPerClose: cfg.Memory.MaxPromotedPerClose,
	}, o.logger)
	if cfg.Memory.RedisURL != "" {
		cold, err := memory.NewRedisColdBackend(cfg.Memory.RedisURL, cfg.Memory.RedisTTL)
		if err != nil {
			return nil, fmt.Errorf("orchestrator: init redis cold backend: %w", err)
		}
		o.Memory.SetColdBackend(cold)
	}

	// Handoff Manager depends on the project directory (and, per spec §4.3,
	// on budget state through the package-level CheckHandoffNeeded helper;
	// it holds no direct reference to the Tiered Memory Store).
	o.Handoff = handoff.NewManager(cfg.Handoff, cfg.ProjectDir, o.logger)

	// Ticket Store -> Event Bus -> {WebSocket Hub, Webhook Dispatcher}.
	store, err := newTicketStore(cfg, o.logger.WithComponent(corelog.ComponentTicket))
	if err != nil {
		return nil, fmt.Errorf("orchestrator: init ticket store: %w", err)
	}
	o.Tickets = store

	o.Bus = eventbus.New()
	o.Hub = ws.New(cfg.Hub, o.logger)
	o.Bus.RegisterDispatcher(o.Hub)

	whStore, err := webhook.NewStore(filepath.Join(cfg.ProjectDir, cfg.Webhook.SubscriptionsFile), o.logger)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: init webhook store: %w", err)
	}
	o.Webhooks = webhook.NewDispatcher(cfg.Webhook, whStore, o.logger)
	o.Bus.RegisterDispatcher(o.Webhooks)

	// Tool Registry is independent.
	o.Tools = tool.NewRegistry(cfg.Tool.MaxActiveTools, cfg.Tool.LoadHistorySize, o.logger)

	// Codebase Context is a standalone read-through cache.
	if o.analyzer == nil {
		o.analyzer = noopAnalyzer{}
	}
	o.Codebase = codebase.New(cfg.Codebase, o.analyzer, o.logger)

	return o, nil
}

func newTicketStore(cfg *config.Config, logger corelog.Logger) (TicketStore, error) {
	switch cfg.Ticket.Backend {
	case "indexed":
		return ticket.NewIndexedStore(filepath.Join(cfg.ProjectDir, cfg.Ticket.DBFile), logger)
	default:
		return ticket.NewDocumentStore(filepath.Join(cfg.ProjectDir, cfg.Ticket.DataFile), true, logger)
	}
}

func newTelemetry(serviceName string) (telemetry.Telemetry, *sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	return telemetry.NewOTel(tp, serviceName), tp, nil
}

// Start begins every component's background loop: the WebSocket Hub's
// heartbeat and the Webhook Dispatcher's retry sweep. Calling Start twice
// is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.started {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.started = true

	o.Hub.StartHeartbeat()
	o.Webhooks.Start(ctx)
}

// Stop cancels every background loop started by Start and flushes the
// telemetry tracer provider. Safe to call on an Orchestrator that was never
// started.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.started {
		o.Hub.StopHeartbeat()
		o.Webhooks.Stop()
		if o.cancel != nil {
			o.cancel()
		}
		o.started = false
	}
	shutdownTP := o.tp != nil && !o.tpShutdown
	if shutdownTP {
		o.tpShutdown = true
	}
	o.mu.Unlock()

	if shutdownTP {
		return o.tp.Shutdown(ctx)
	}
	return nil
}

// CheckHandoffNeeded consults b (the budget for the session in question)
// and reports whether a handoff should be triggered, delegating to the
// Handoff Manager's own decision function (spec §4.3/§4.1 boundary).
func (o *Orchestrator) CheckHandoffNeeded(b *budget.Budget) (handoff.Reason, handoff.Priority, bool) {
	return handoff.CheckHandoffNeeded(b)
}
