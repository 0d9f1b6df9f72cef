package audit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"campusbridge/retry"
)

// Subscription describes one webhook consumer of engagement events.
type Subscription struct {
	ID            int64
	URL           string
	Secret        string
	EventTypes    []string
	Active        bool
	RatePerMinute int
}

// Attempt records a single delivery attempt for inspection.
type Attempt struct {
	SubscriptionID int64
	EventID        string
	Attempt        int
	Status         string
	Error          string
	NextAttempt    time.Time
	CreatedAt      time.Time
}

// Store is the persistence surface the worker needs: subscription lookup and
// an append-only attempt log.
type Store interface {
	ListSubscriptionsForEvent(ctx context.Context, eventType string) ([]Subscription, error)
	InsertAttempt(ctx context.Context, attempt Attempt) error
}

// Worker drains the queue and delivers events to subscribed endpoints.
// Delivery failures are retried with the configured backoff policy and then
// dropped; they never propagate to the code that emitted the event.
type Worker struct {
	store  Store
	queue  *Queue
	client *http.Client
	policy retry.Policy
	logger *slog.Logger
	nowFn  func() time.Time

	limitMu  sync.Mutex
	limiters map[int64]*rate.Limiter
}

// NewWorker constructs a delivery worker over the supplied queue and store.
func NewWorker(store Store, queue *Queue, policy retry.Policy, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		queue:    queue,
		client:   &http.Client{Timeout: 10 * time.Second},
		policy:   policy,
		logger:   logger,
		nowFn:    time.Now,
		limiters: make(map[int64]*rate.Limiter),
	}
}

// Run processes delivery tasks until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		task, ok := w.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Subscription == nil {
			w.fanOut(ctx, task)
			continue
		}
		w.deliver(ctx, task)
	}
}

func (w *Worker) fanOut(ctx context.Context, task Task) {
	subs, err := w.store.ListSubscriptionsForEvent(ctx, task.Event.Type)
	if err != nil {
		w.logger.Warn("audit fan-out failed", "event", task.Event.Type, "err", err)
		return
	}
	for i := range subs {
		sub := subs[i]
		if !sub.Active {
			continue
		}
		w.queue.enqueueTask(Task{Event: task.Event, Subscription: &sub})
	}
}

func (w *Worker) deliver(ctx context.Context, task Task) {
	sub := task.Subscription
	if sub == nil || !sub.Active {
		return
	}
	if limiter := w.limiter(sub); !limiter.Allow() {
		task.NotBefore = w.nowFn().Add(time.Second)
		w.queue.enqueueTask(task)
		return
	}
	payload, err := json.Marshal(map[string]interface{}{
		"id":           task.Event.ID,
		"type":         task.Event.Type,
		"engagementId": task.Event.EngagementID,
		"actorId":      task.Event.ActorID,
		"actorRole":    task.Event.ActorRole,
		"attributes":   task.Event.Attributes,
		"occurredAt":   task.Event.OccurredAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), time.Time{})
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordAttempt(ctx, task, "error", err.Error(), time.Time{})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", signPayload(sub.Secret, payload))

	resp, err := w.client.Do(req)
	if err != nil {
		w.retryLater(ctx, task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.retryLater(ctx, task, resp.Status)
		return
	}
	w.recordAttempt(ctx, task, "success", "", time.Time{})
}

func (w *Worker) retryLater(ctx context.Context, task Task, errMsg string) {
	now := w.nowFn()
	next := now.Add(w.policy.Delay(task.Attempt))
	w.recordAttempt(ctx, task, "failed", errMsg, next)
	if task.Attempt >= w.policy.MaxRetries {
		w.logger.Warn("audit delivery abandoned",
			"event", task.Event.ID, "subscription", task.Subscription.ID, "err", errMsg)
		return
	}
	task.Attempt++
	task.NotBefore = next
	w.queue.enqueueTask(task)
}

func (w *Worker) recordAttempt(ctx context.Context, task Task, status, errMsg string, next time.Time) {
	attempt := Attempt{
		SubscriptionID: task.Subscription.ID,
		EventID:        task.Event.ID,
		Attempt:        task.Attempt + 1,
		Status:         status,
		Error:          errMsg,
		NextAttempt:    next,
		CreatedAt:      w.nowFn(),
	}
	if err := w.store.InsertAttempt(ctx, attempt); err != nil {
		w.logger.Warn("audit attempt log failed", "event", task.Event.ID, "err", err)
	}
}

func (w *Worker) limiter(sub *Subscription) *rate.Limiter {
	perMinute := sub.RatePerMinute
	if perMinute <= 0 {
		perMinute = 60
	}
	w.limitMu.Lock()
	defer w.limitMu.Unlock()
	if limiter, ok := w.limiters[sub.ID]; ok {
		return limiter
	}
	limiter := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	w.limiters[sub.ID] = limiter
	return limiter
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
