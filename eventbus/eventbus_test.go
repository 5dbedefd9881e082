package eventbus

import "testing"

func TestPublishInvokesCategoryAndWildcardHandlers(t *testing.T) {
	b := New()
	var categoryCalls, wildcardCalls int
	b.Subscribe(CategoryTicket, func(Event) { categoryCalls++ })
	b.Subscribe("*", func(Event) { wildcardCalls++ })

	b.Publish(Type("ticket.created"), nil)

	if categoryCalls != 1 || wildcardCalls != 1 {
		t.Fatalf("expected both handlers invoked once, got category=%d wildcard=%d", categoryCalls, wildcardCalls)
	}
}

func TestPublishSkipsUnrelatedCategoryHandlers(t *testing.T) {
	b := New()
	var calls int
	b.Subscribe(CategoryAgent, func(Event) { calls++ })

	b.Publish(Type("ticket.created"), nil)

	if calls != 0 {
		t.Fatalf("expected agent handler not invoked for ticket event, got %d calls", calls)
	}
}

func TestPublishPreservesOrderPerPublisher(t *testing.T) {
	b := New()
	var order []string
	b.Subscribe(CategoryTicket, func(e Event) { order = append(order, string(e.Type)) })

	b.Publish(Type("ticket.created"), nil)
	b.Publish(Type("ticket.updated"), nil)
	b.Publish(Type("ticket.closed"), nil)

	want := []string{"ticket.created", "ticket.updated", "ticket.closed"}
	if len(order) != len(want) {
		t.Fatalf("expected %d events, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

type recordingDispatcher struct {
	events []Event
}

func (r *recordingDispatcher) Dispatch(e Event) { r.events = append(r.events, e) }

func TestPublishEnqueuesOutOfProcessDispatchers(t *testing.T) {
	b := New()
	d := &recordingDispatcher{}
	b.RegisterDispatcher(d)

	b.Publish(Type("agent.started"), map[string]string{"agent": "worker-1"})

	if len(d.events) != 1 {
		t.Fatalf("expected dispatcher to receive 1 event, got %d", len(d.events))
	}
}

func TestTypeValidAndCategory(t *testing.T) {
	if !Type("build.finished").Valid() {
		t.Fatal("expected build.finished to be a valid category")
	}
	if Type("unknown.thing").Valid() {
		t.Fatal("expected unknown category to be invalid")
	}
	if Type("ticket.created").Category() != "ticket" {
		t.Fatal("expected category to be ticket")
	}
}
