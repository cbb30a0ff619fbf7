package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/acortes/civicsync/internal/domain/model"
	"github.com/acortes/civicsync/internal/domain/port/driven"
)

const (
	queueNamespace      = "queue"
	deadLetterNamespace = "deadletter"
)

// QueueConfig tunes the offline mutation queue.
type QueueConfig struct {
	MaxAttempts    int           // retry budget per item; default 3
	FlushInterval  time.Duration // periodic safety-net flush while online; default 30s
	RetryBaseDelay time.Duration // exponential backoff base between item attempts; default 2s
	MaxRetryDelay  time.Duration // backoff cap; default 5m
}

func (c *QueueConfig) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = 5 * time.Minute
	}
}

// SyncItemEvent is the payload of the queue's per-item events.
type SyncItemEvent struct {
	Item       model.SyncQueueItem
	Response   *driven.Response
	Resolution *model.ConflictResolution
	RequeuedID string
	Err        string
}

// SyncCycleEvent is the payload of syncStarted / syncCompleted.
type SyncCycleEvent struct {
	Pending   int
	Completed int
	Failed    int
}

// Queue is the durable, ordered offline mutation queue. Items are stored
// under zero-padded sequence keys so the KV store's sorted key order is the
// enqueue order; a single-flight group guarantees one logical flush cycle at
// a time, with late callers awaiting the running cycle's result.
type Queue struct {
	kv       driven.KVStore
	gw       driven.Gateway
	registry *ConflictRegistry
	bus      *Bus
	cfg      QueueConfig

	group singleflight.Group
	now   func() time.Time

	mu         sync.Mutex
	seq        uint64
	online     bool
	stopTicker context.CancelFunc
}

// NewQueue creates a Queue, recovering the sequence counter from any items
// persisted by a previous run. The queue starts in the online state; wire a
// connectivity signal through SetOnline.
func NewQueue(ctx context.Context, kv driven.KVStore, gw driven.Gateway, registry *ConflictRegistry, bus *Bus, cfg QueueConfig) (*Queue, error) {
	cfg.applyDefaults()

	q := &Queue{kv: kv, gw: gw, registry: registry, bus: bus, cfg: cfg, now: time.Now, online: true}

	keys, err := kv.Keys(ctx, queueNamespace)
	if err != nil {
		return nil, fmt.Errorf("recover queue sequence: %w", err)
	}
	if len(keys) > 0 {
		last, err := strconv.ParseUint(keys[len(keys)-1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("queue key %q not a sequence number: %w", keys[len(keys)-1], err)
		}
		q.seq = last
		slog.Info("mutation queue recovered", "pending", len(keys))
	}

	return q, nil
}

func seqKey(seq uint64) string {
	return fmt.Sprintf("%020d", seq)
}

// Enqueue appends a mutation to the durable queue and returns its item id.
// When online and no flush is running, a flush attempt starts immediately.
func (q *Queue) Enqueue(ctx context.Context, kind, method, path string, payload json.RawMessage) (string, error) {
	q.mu.Lock()
	q.seq++
	item := model.SyncQueueItem{
		ID:          uuid.NewString(),
		Seq:         q.seq,
		Kind:        kind,
		Method:      method,
		Path:        path,
		Payload:     append(json.RawMessage(nil), payload...),
		EnqueuedAt:  q.now(),
		MaxAttempts: q.cfg.MaxAttempts,
		Status:      model.SyncItemPending,
	}
	online := q.online
	q.mu.Unlock()

	if err := q.persist(ctx, item); err != nil {
		return "", err
	}

	slog.Debug("mutation enqueued", "id", item.ID, "kind", kind, "seq", item.Seq)

	if online {
		go func() {
			if err := q.Flush(context.Background()); err != nil {
				slog.Error("flush after enqueue failed", "error", err)
			}
		}()
	}

	return item.ID, nil
}

func (q *Queue) persist(ctx context.Context, item model.SyncQueueItem) error {
	raw, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	if err := q.kv.Set(ctx, queueNamespace, seqKey(item.Seq), raw); err != nil {
		return fmt.Errorf("persist queue item %s: %w", item.ID, err)
	}
	return nil
}

// Flush replays pending items strictly in enqueue order. Overlapping calls
// collapse into the running cycle and share its result.
func (q *Queue) Flush(ctx context.Context) error {
	_, err, _ := q.group.Do("flush", func() (any, error) {
		return nil, q.flush(ctx)
	})
	return err
}

func (q *Queue) flush(ctx context.Context) error {
	q.mu.Lock()
	online := q.online
	q.mu.Unlock()
	if !online {
		return nil
	}

	keys, err := q.kv.Keys(ctx, queueNamespace)
	if err != nil {
		return fmt.Errorf("list queue: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}

	q.bus.Publish(Event{Type: EventSyncStarted, Payload: SyncCycleEvent{Pending: len(keys)}})

	var completed, failed int
	stopped := false
	for !stopped {
		progress := false
		for _, key := range keys {
			if ctx.Err() != nil {
				stopped = true
				break
			}

			item, err := q.load(ctx, key)
			if err != nil {
				slog.Error("queue item unreadable, dead-lettering", "key", key, "error", err)
				q.deadLetterRaw(ctx, key)
				failed++
				progress = true
				continue
			}

			// An item still waiting out its backoff delay stops the cycle:
			// processing later items first would break replay order.
			if item.NextAttemptAt.After(q.now()) {
				stopped = true
				break
			}

			done, ok := q.dispatch(ctx, key, item)
			if ok {
				completed++
				progress = true
			} else if done {
				failed++
				progress = true
			} else {
				// Retryable failure: the item stays at the head for the next cycle.
				stopped = true
				break
			}
		}
		if stopped || !progress {
			break
		}

		// Conflict resolutions can enqueue replacement mutations mid-cycle;
		// those join the current cycle rather than waiting for the next tick.
		keys, err = q.kv.Keys(ctx, queueNamespace)
		if err != nil || len(keys) == 0 {
			break
		}
	}

	q.bus.Publish(Event{Type: EventSyncCompleted, Payload: SyncCycleEvent{Completed: completed, Failed: failed}})
	slog.Info("flush cycle complete", "completed", completed, "failed", failed)
	return nil
}

// dispatch replays one item. Returns (done, success): done means the item
// left the active queue; !done means it stays for the next cycle.
func (q *Queue) dispatch(ctx context.Context, key string, item model.SyncQueueItem) (done, success bool) {
	item.Status = model.SyncItemInFlight
	item.Attempt++

	resp, err := q.gw.Do(ctx, driven.Request{
		Method: item.Method,
		Path:   item.Path,
		Body:   item.Payload,
	})
	if err == nil {
		if delErr := q.kv.Delete(ctx, queueNamespace, key); delErr != nil {
			slog.Error("completed item delete failed", "id", item.ID, "error", delErr)
		}
		q.bus.Publish(Event{Type: EventSyncItemCompleted, Payload: SyncItemEvent{Item: item, Response: resp}})
		return true, true
	}

	apiErr, ok := model.AsAPIError(err)
	if !ok {
		apiErr = &model.APIError{Kind: model.ErrorKindUnknown, Message: err.Error()}
	}
	item.LastError = apiErr.Message

	// Conflicts are inherently unretryable: route to the registry exactly
	// once, then either re-enqueue its proposed replacement or dead-letter.
	if apiErr.Kind == model.ErrorKindConflict {
		return q.resolveConflict(ctx, key, item, apiErr), false
	}

	if !apiErr.Retryable() || item.Exhausted() {
		item.Status = model.SyncItemFailed
		q.deadLetter(ctx, key, item)
		q.bus.Publish(Event{Type: EventSyncItemFailed, Payload: SyncItemEvent{Item: item, Err: apiErr.Message}})
		return true, false
	}

	item.Status = model.SyncItemRetrying
	item.NextAttemptAt = q.now().Add(q.retryDelay(item.Attempt))
	if err := q.persist(ctx, item); err != nil {
		slog.Error("retrying item persist failed", "id", item.ID, "error", err)
	}
	q.bus.Publish(Event{Type: EventSyncItemRetry, Payload: SyncItemEvent{Item: item, Err: apiErr.Message}})
	return false, false
}

func (q *Queue) resolveConflict(ctx context.Context, key string, item model.SyncQueueItem, apiErr *model.APIError) bool {
	resolution := q.registry.Resolve(ctx, item, apiErr)

	if resolution.Requeue != nil {
		if delErr := q.kv.Delete(ctx, queueNamespace, key); delErr != nil {
			slog.Error("conflicted item delete failed", "id", item.ID, "error", delErr)
		}
		requeuedID, err := q.Enqueue(ctx, resolution.Requeue.Kind, resolution.Requeue.Method, resolution.Requeue.Path, resolution.Requeue.Payload)
		if err != nil {
			slog.Error("conflict requeue failed", "id", item.ID, "error", err)
		}
		q.bus.Publish(Event{Type: EventSyncItemRetry, Payload: SyncItemEvent{Item: item, Resolution: &resolution, RequeuedID: requeuedID}})
		return true
	}

	item.Status = model.SyncItemFailed
	q.deadLetter(ctx, key, item)
	q.bus.Publish(Event{Type: EventSyncItemFailed, Payload: SyncItemEvent{Item: item, Resolution: &resolution, Err: apiErr.Message}})
	return true
}

// retryDelay is exponential in the attempt number, capped.
func (q *Queue) retryDelay(attempt int) time.Duration {
	delay := q.cfg.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.cfg.MaxRetryDelay {
			return q.cfg.MaxRetryDelay
		}
	}
	return delay
}

func (q *Queue) load(ctx context.Context, key string) (model.SyncQueueItem, error) {
	var item model.SyncQueueItem
	raw, err := q.kv.Get(ctx, queueNamespace, key)
	if err != nil {
		return item, err
	}
	if raw == nil {
		return item, fmt.Errorf("queue key %s vanished", key)
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return item, fmt.Errorf("unmarshal queue item %s: %w", key, err)
	}
	return item, nil
}

func (q *Queue) deadLetter(ctx context.Context, key string, item model.SyncQueueItem) {
	if err := q.kv.Delete(ctx, queueNamespace, key); err != nil {
		slog.Error("dead-letter delete failed", "id", item.ID, "error", err)
	}
	raw, err := json.Marshal(item)
	if err != nil {
		slog.Error("dead-letter marshal failed", "id", item.ID, "error", err)
		return
	}
	if err := q.kv.Set(ctx, deadLetterNamespace, key, raw); err != nil {
		slog.Error("dead-letter persist failed", "id", item.ID, "error", err)
	}
}

func (q *Queue) deadLetterRaw(ctx context.Context, key string) {
	raw, err := q.kv.Get(ctx, queueNamespace, key)
	if err == nil && raw != nil {
		_ = q.kv.Set(ctx, deadLetterNamespace, key, raw)
	}
	_ = q.kv.Delete(ctx, queueNamespace, key)
}

// SetOnline feeds the environment's connectivity signal into the queue.
// Going online triggers an immediate flush and starts the periodic
// safety-net flush; going offline stops the timer but keeps the queue.
func (q *Queue) SetOnline(ctx context.Context, online bool) {
	q.mu.Lock()
	if q.online == online {
		q.mu.Unlock()
		return
	}
	q.online = online

	if online {
		tickerCtx, cancel := context.WithCancel(ctx)
		q.stopTicker = cancel
		go q.periodicFlush(tickerCtx)
	} else if q.stopTicker != nil {
		q.stopTicker()
		q.stopTicker = nil
	}
	q.mu.Unlock()

	q.bus.Publish(Event{Type: EventNetworkStatusChanged, Payload: online})
	slog.Info("network status changed", "online", online)

	if online {
		go func() {
			if err := q.Flush(ctx); err != nil {
				slog.Error("flush on reconnect failed", "error", err)
			}
		}()
	}
}

func (q *Queue) periodicFlush(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.Flush(ctx); err != nil {
				slog.Error("periodic flush failed", "error", err)
			}
		}
	}
}

// Online reports the current connectivity state.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

// Pending lists active items in enqueue order.
func (q *Queue) Pending(ctx context.Context) ([]model.SyncQueueItem, error) {
	return q.list(ctx, queueNamespace)
}

// DeadLetters lists items that exhausted their retry budget or failed
// terminally, surfaced for the caller to inspect.
func (q *Queue) DeadLetters(ctx context.Context) ([]model.SyncQueueItem, error) {
	return q.list(ctx, deadLetterNamespace)
}

func (q *Queue) list(ctx context.Context, ns string) ([]model.SyncQueueItem, error) {
	keys, err := q.kv.Keys(ctx, ns)
	if err != nil {
		return nil, err
	}

	items := make([]model.SyncQueueItem, 0, len(keys))
	for _, key := range keys {
		raw, err := q.kv.Get(ctx, ns, key)
		if err != nil || raw == nil {
			continue
		}
		var item model.SyncQueueItem
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Close stops the periodic flush timer.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopTicker != nil {
		q.stopTicker()
		q.stopTicker = nil
	}
}
