package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/RemmyCH3CK/fastband-mcp-sub000/config"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/corelog"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/eventbus"
	"github.com/RemmyCH3CK/fastband-mcp-sub000/resilience"
)

// Dispatcher is the Webhook Dispatcher of spec §4.6.c: it selects matching
// subscriptions for a published event, signs and POSTs the payload, and
// retries failures with exponential backoff until a terminal state.
type Dispatcher struct {
	cfg        config.WebhookConfig
	store      *Store
	httpClient *http.Client
	logger     corelog.Logger

	sweepMu    sync.Mutex
	sweepStop  chan struct{}
	sweepOn    bool
	sweepEvery time.Duration

	breakersMu sync.Mutex
	breakers   map[string]*resilience.Breaker
}

// NewDispatcher constructs a Dispatcher backed by store. logger may be nil.
func NewDispatcher(cfg config.WebhookConfig, store *Store, logger corelog.ComponentAwareLogger) *Dispatcher {
	var l corelog.Logger = corelog.NoOpLogger{}
	if logger != nil {
		l = logger.WithComponent(corelog.ComponentWebhook)
	}
	return &Dispatcher{
		cfg:        cfg,
		store:      store,
		httpClient: &http.Client{Timeout: cfg.DeliveryTimeout},
		logger:     l,
		sweepEvery: 500 * time.Millisecond,
		breakers:   make(map[string]*resilience.Breaker),
	}
}

// breakerFor returns the Breaker tracking sub's recent delivery outcomes,
// constructing one on first use (one Breaker per subscription). Threshold
// and cooldown key off the dispatcher's own retry config so a subscription
// that has exhausted MaxRetries once trips the breaker for the remainder of
// its own MaxBackoff window, instead of every event re-attempting a
// consistently dead endpoint.
func (d *Dispatcher) breakerFor(subID string) *resilience.Breaker {
	d.breakersMu.Lock()
	defer d.breakersMu.Unlock()
	b, ok := d.breakers[subID]
	if !ok {
		b = resilience.NewBreaker(subID, resilience.BreakerConfig{
			Threshold:        d.cfg.MaxRetries + 1,
			Timeout:          d.cfg.MaxBackoff,
			HalfOpenRequests: 1,
		})
		d.breakers[subID] = b
	}
	return b
}

// Register creates and persists a new subscription.
func (d *Dispatcher) Register(url string, events []string, secret, name, description string) (*Subscription, error) {
	sub := NewSubscription(uuid.NewString(), url, events, secret, name, description)
	if err := d.store.AddSubscription(sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// Deliver selects every active subscription whose events include event (or
// "*") and attempts delivery once synchronously; failures are scheduled for
// asynchronous retry by the sweep loop started with Start (spec §4.6.c
// Delivery). Returns the deliveries created, one per matching subscription.
func (d *Dispatcher) Deliver(ctx context.Context, event string, payload interface{}) ([]*Delivery, error) {
	var deliveries []*Delivery
	for _, sub := range d.store.ListSubscriptions(true) {
		if !sub.ShouldDeliver(event) {
			continue
		}
		now := time.Now().UTC()
		del := &Delivery{
			ID:             uuid.NewString(),
			SubscriptionID: sub.ID,
			Event:          event,
			Payload:        payload,
			Attempt:        1,
			MaxAttempts:    d.cfg.MaxRetries + 1,
			Status:         StatusPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		d.attempt(ctx, sub, del)
		if err := d.store.SaveDelivery(del); err != nil {
			return deliveries, err
		}
		if err := d.store.SaveSubscription(sub); err != nil {
			return deliveries, err
		}
		deliveries = append(deliveries, del)
	}
	return deliveries, nil
}

// attempt performs one HTTP POST for del against sub and updates del/sub in
// place per spec §4.6.c Delivery/Counters. It never returns an error: every
// outcome is recorded on the delivery itself. A per-subscription circuit
// breaker short-circuits delivery while an endpoint is consistently failing,
// so a dead subscriber doesn't pay a full HTTP timeout on every sweep tick.
func (d *Dispatcher) attempt(ctx context.Context, sub *Subscription, del *Delivery) {
	breaker := d.breakerFor(sub.ID)
	if !breaker.CanExecute() {
		errMsg := "circuit breaker open for subscription"
		if del.Attempt >= del.MaxAttempts {
			del.markFailed(errMsg)
			sub.RecordDelivery(false, errMsg)
			return
		}
		next := time.Now().UTC().Add(d.backoffForAttempt(del.Attempt))
		del.markRetrying(errMsg, next)
		return
	}

	body, err := json.Marshal(del.Payload)
	if err != nil {
		breaker.RecordFailure()
		del.markFailed(fmt.Sprintf("marshal payload: %v", err))
		sub.RecordDelivery(false, del.LastError)
		return
	}

	status, respErr := d.post(ctx, sub.URL, sub.Secret, del.Event, del.ID, body)
	if respErr == nil && status >= 200 && status < 300 {
		breaker.RecordSuccess()
		del.markDelivered(status)
		sub.RecordDelivery(true, "")
		return
	}
	breaker.RecordFailure()

	errMsg := ""
	if respErr != nil {
		errMsg = respErr.Error()
	} else {
		errMsg = fmt.Sprintf("unexpected status %d", status)
	}
	del.ResponseStatus = status

	if del.Attempt >= del.MaxAttempts {
		del.markFailed(errMsg)
		sub.RecordDelivery(false, errMsg)
		return
	}

	next := time.Now().UTC().Add(d.backoffForAttempt(del.Attempt))
	del.markRetrying(errMsg, next)
}

func (d *Dispatcher) post(ctx context.Context, url, secret, event, deliveryID string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fastband-Signature", Sign(body, secret))
	req.Header.Set("X-Fastband-Event", event)
	req.Header.Set("X-Fastband-Delivery", deliveryID)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// backoffForAttempt computes the jittered delay before the given attempt
// number's successor fires, bounded by [InitialBackoff, MaxBackoff] and
// growing by BackoffFactor each attempt (spec §4.6.c: base 1s, factor 2,
// cap 60s, jitter). A fresh backoff.ExponentialBackOff is replayed attempt
// times rather than kept across process restarts, since the schedule only
// needs to stay within the spec's bounds, not reproduce an exact prior
// jitter draw.
func (d *Dispatcher) backoffForAttempt(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(d.cfg.InitialBackoff),
		backoff.WithMaxInterval(d.cfg.MaxBackoff),
		backoff.WithMultiplier(d.cfg.BackoffFactor),
		backoff.WithRandomizationFactor(0.2),
	)

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Start begins the background sweep that re-attempts deliveries in
// StatusRetrying once their NextRetryAt has passed, including ones left
// over from a prior process (spec §9 Open Question, decided in DESIGN.md).
func (d *Dispatcher) Start(ctx context.Context) {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()
	if d.sweepOn {
		return
	}
	d.sweepOn = true
	d.sweepStop = make(chan struct{})
	stop := d.sweepStop

	go func() {
		ticker := time.NewTicker(d.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.sweepOnce(ctx)
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (d *Dispatcher) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	for _, del := range d.store.PendingRetries() {
		if del.NextRetryAt == nil || now.Before(*del.NextRetryAt) {
			continue
		}
		sub, ok := d.store.GetSubscription(del.SubscriptionID)
		if !ok {
			continue
		}
		del.Attempt++
		d.attempt(ctx, sub, del)
		_ = d.store.SaveDelivery(del)
		_ = d.store.SaveSubscription(sub)
	}
}

// Stop cancels the background sweep started by Start.
func (d *Dispatcher) Stop() {
	d.sweepMu.Lock()
	defer d.sweepMu.Unlock()
	if !d.sweepOn {
		return
	}
	close(d.sweepStop)
	d.sweepOn = false
}

// Dispatch implements eventbus.OutOfProcessDispatcher: every bus event is
// delivered to matching subscriptions.
func (d *Dispatcher) Dispatch(e eventbus.Event) {
	_, _ = d.Deliver(context.Background(), string(e.Type), e.Payload)
}

var _ eventbus.OutOfProcessDispatcher = (*Dispatcher)(nil)
