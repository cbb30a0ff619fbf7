package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acortes/civicsync/internal/domain/model"
	"github.com/acortes/civicsync/internal/domain/port/driven"
)

const (
	bookingNamespace = "bookings"
	pendingNamespace = "booking_pending"
)

const (
	mutationBookingCreate = "booking.create"
	mutationBookingCancel = "booking.cancel"
)

// BookingConfig tunes the booking manager.
type BookingConfig struct {
	ConflictWindow    time.Duration // local overlap window around a requested slot; default 1h
	DefaultDuration   time.Duration // assumed slot length when the service does not say; default 30m
	BookingsPath      string        // default /bookings
	ConflictCheckPath string        // default /bookings/conflict-check
}

func (c *BookingConfig) applyDefaults() {
	if c.ConflictWindow <= 0 {
		c.ConflictWindow = time.Hour
	}
	if c.DefaultDuration <= 0 {
		c.DefaultDuration = 30 * time.Minute
	}
	if c.BookingsPath == "" {
		c.BookingsPath = "/bookings"
	}
	if c.ConflictCheckPath == "" {
		c.ConflictCheckPath = "/bookings/conflict-check"
	}
}

// BookingStateEvent is the payload of bookingStatusUpdate.
type BookingStateEvent struct {
	BookingID string
	State     model.AttemptState
}

// BookingSyncedEvent is the payload of bookingSynced: the server accepted a
// queued booking and assigned its canonical id.
type BookingSyncedEvent struct {
	LocalID string
	Booking model.Booking
}

// BookingManager drives the create-booking attempt through its state machine
// and reconciles optimistic local bookings once the queue replays them. Each
// attempt broadcasts its transitions so the caller can render progress.
type BookingManager struct {
	gw       driven.Gateway
	kv       driven.KVStore
	queue    *Queue
	registry *ConflictRegistry
	rules    *RuleSet
	bus      *Bus
	cfg      BookingConfig
	now      func() time.Time

	mu       sync.Mutex
	bookings map[string]model.Booking
	// pending maps queue item ids to optimistic local booking ids. It is
	// mirrored to durable storage: the queued mutation and the optimistic
	// booking both survive a restart, so the link between them must too.
	pending map[string]string
}

// NewBookingManager creates a BookingManager, restores persisted bookings,
// and subscribes to the queue's bus for reconciliation.
func NewBookingManager(ctx context.Context, gw driven.Gateway, kv driven.KVStore, queue *Queue, registry *ConflictRegistry, rules *RuleSet, queueBus *Bus, cfg BookingConfig) (*BookingManager, error) {
	cfg.applyDefaults()

	m := &BookingManager{
		gw:       gw,
		kv:       kv,
		queue:    queue,
		registry: registry,
		rules:    rules,
		bus:      NewBus(),
		cfg:      cfg,
		now:      time.Now,
		bookings: make(map[string]model.Booking),
		pending:  make(map[string]string),
	}

	if err := m.restore(ctx); err != nil {
		return nil, err
	}

	queueBus.Subscribe(m.onQueueEvent)
	return m, nil
}

// Bus returns the manager's event bus.
func (m *BookingManager) Bus() *Bus { return m.bus }

func (m *BookingManager) restore(ctx context.Context) error {
	keys, err := m.kv.Keys(ctx, bookingNamespace)
	if err != nil {
		return fmt.Errorf("restore bookings: %w", err)
	}
	for _, key := range keys {
		raw, err := m.kv.Get(ctx, bookingNamespace, key)
		if err != nil || raw == nil {
			continue
		}
		var booking model.Booking
		if err := json.Unmarshal(raw, &booking); err != nil {
			slog.Warn("stored booking unreadable, discarding", "key", key, "error", err)
			_ = m.kv.Delete(ctx, bookingNamespace, key)
			continue
		}
		m.bookings[booking.ID] = booking
	}

	itemIDs, err := m.kv.Keys(ctx, pendingNamespace)
	if err != nil {
		return fmt.Errorf("restore pending bookings: %w", err)
	}
	for _, itemID := range itemIDs {
		raw, err := m.kv.Get(ctx, pendingNamespace, itemID)
		if err != nil || raw == nil {
			continue
		}
		localID := string(raw)
		if _, ok := m.bookings[localID]; !ok {
			// The optimistic booking is gone; the link is useless.
			_ = m.kv.Delete(ctx, pendingNamespace, itemID)
			continue
		}
		m.pending[itemID] = localID
	}

	if len(m.bookings) > 0 {
		slog.Info("bookings restored", "count", len(m.bookings), "pending", len(m.pending))
	}
	return nil
}

// trackPending links a queued mutation to its optimistic booking, durably.
func (m *BookingManager) trackPending(ctx context.Context, itemID, localID string) {
	m.mu.Lock()
	m.pending[itemID] = localID
	m.mu.Unlock()

	if err := m.kv.Set(ctx, pendingNamespace, itemID, []byte(localID)); err != nil {
		slog.Warn("pending booking link persist failed", "item", itemID, "error", err)
	}
}

// untrackPending severs the link and returns the optimistic booking id.
func (m *BookingManager) untrackPending(ctx context.Context, itemID string) (string, bool) {
	m.mu.Lock()
	localID, ok := m.pending[itemID]
	if ok {
		delete(m.pending, itemID)
	}
	m.mu.Unlock()

	if ok {
		if err := m.kv.Delete(ctx, pendingNamespace, itemID); err != nil {
			slog.Warn("pending booking link delete failed", "item", itemID, "error", err)
		}
	}
	return localID, ok
}

// CreateBooking runs one booking attempt: validate, check for conflicts,
// then enqueue the mutation with an optimistic local booking standing in
// until the queue replays it against the server.
func (m *BookingManager) CreateBooking(ctx context.Context, input model.BookingInput) (model.BookingResult, error) {
	m.transition("", model.AttemptValidating)

	if violations := m.rules.Validate(ctx, input); len(violations) > 0 {
		m.transition("", model.AttemptValidationFailed)
		return model.BookingResult{State: model.AttemptValidationFailed, Violations: violations}, nil
	}

	m.transition("", model.AttemptCheckingConflicts)

	payload, err := json.Marshal(input)
	if err != nil {
		return model.BookingResult{State: model.AttemptFailed}, fmt.Errorf("marshal booking input: %w", err)
	}

	if resolution := m.checkConflicts(ctx, input, payload); resolution != nil {
		m.transition("", model.AttemptConflictDetected)
		m.bus.Publish(Event{Type: EventBookingConflict, Payload: *resolution})
		return model.BookingResult{State: model.AttemptConflictDetected, Resolution: resolution}, nil
	}

	m.transition("", model.AttemptSubmitting)

	localID := "local-" + uuid.NewString()
	booking := model.Booking{
		ID:        localID,
		ServiceID: input.ServiceID,
		UserID:    input.UserID,
		StartsAt:  input.StartsAt,
		Duration:  m.cfg.DefaultDuration,
		Status:    model.BookingPending,
		CreatedAt: m.now(),
	}
	m.store(ctx, booking)

	itemID, err := m.queue.Enqueue(ctx, mutationBookingCreate, "POST", m.cfg.BookingsPath, payload)
	if err != nil {
		m.remove(ctx, localID)
		m.transition(localID, model.AttemptFailed)
		return model.BookingResult{State: model.AttemptFailed}, fmt.Errorf("enqueue booking: %w", err)
	}

	m.trackPending(ctx, itemID, localID)

	m.transition(localID, model.AttemptSubmitted)
	m.bus.Publish(Event{Type: EventBookingSubmitted, Payload: booking})

	return model.BookingResult{BookingID: localID, State: model.AttemptSubmitted, Queued: true}, nil
}

// checkConflicts runs the local overlap check and, when reachable, the
// server-side slot check. A non-conflict server error is treated as
// inconclusive; the queue replay remains the authority.
func (m *BookingManager) checkConflicts(ctx context.Context, input model.BookingInput, payload json.RawMessage) *model.ConflictResolution {
	if existing := m.localOverlap(input); existing != nil {
		info, _ := json.Marshal(map[string]string{"existingBookingId": existing.ID})
		apiErr := &model.APIError{
			Kind:         model.ErrorKindConflict,
			Status:       409,
			Message:      "requested slot overlaps an existing booking",
			ConflictType: "double_booking",
			ConflictInfo: info,
		}
		resolution := m.registry.Resolve(ctx, syntheticItem(payload, m.cfg.BookingsPath), apiErr)
		return &resolution
	}

	if !m.queue.Online() {
		return nil
	}

	_, err := m.gw.Do(ctx, driven.Request{
		Method: "POST",
		Path:   m.cfg.ConflictCheckPath,
		Body: map[string]any{
			"service_id": input.ServiceID,
			"user_id":    input.UserID,
			"starts_at":  input.StartsAt,
		},
	})
	if err == nil {
		return nil
	}

	apiErr, ok := model.AsAPIError(err)
	if !ok || apiErr.Kind != model.ErrorKindConflict {
		slog.Debug("conflict pre-check inconclusive", "error", err)
		return nil
	}

	resolution := m.registry.Resolve(ctx, syntheticItem(payload, m.cfg.BookingsPath), apiErr)
	return &resolution
}

// syntheticItem shapes a not-yet-enqueued mutation for the resolver contract.
func syntheticItem(payload json.RawMessage, path string) model.SyncQueueItem {
	return model.SyncQueueItem{
		Kind:    mutationBookingCreate,
		Method:  "POST",
		Path:    path,
		Payload: payload,
	}
}

// localOverlap returns an active booking of the same user whose start lies
// within the conflict window of the requested slot.
func (m *BookingManager) localOverlap(input model.BookingInput) *model.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, b := range m.bookings {
		if !b.Active() || b.UserID != input.UserID {
			continue
		}
		gap := b.StartsAt.Sub(input.StartsAt)
		if gap < 0 {
			gap = -gap
		}
		if gap < m.cfg.ConflictWindow {
			booking := b
			return &booking
		}
	}
	return nil
}

// CancelBooking cancels a booking. A still-local booking is cancelled in
// place; a synced one enqueues the cancellation for replay.
func (m *BookingManager) CancelBooking(ctx context.Context, id string) error {
	m.mu.Lock()
	booking, ok := m.bookings[id]
	m.mu.Unlock()
	if !ok {
		return &model.APIError{Kind: model.ErrorKindValidation, Message: fmt.Sprintf("unknown booking %s", id)}
	}
	if booking.Status == model.BookingCancelled {
		return nil
	}

	booking.Status = model.BookingCancelled
	m.store(ctx, booking)
	m.transition(id, model.AttemptSubmitting)

	if !strings.HasPrefix(id, "local-") {
		path := fmt.Sprintf("%s/%s", m.cfg.BookingsPath, id)
		if _, err := m.queue.Enqueue(ctx, mutationBookingCancel, "DELETE", path, nil); err != nil {
			return fmt.Errorf("enqueue cancellation: %w", err)
		}
	}

	m.bus.Publish(Event{Type: EventBookingStatusUpdate, Payload: BookingStateEvent{BookingID: id, State: model.AttemptSubmitted}})
	return nil
}

// Bookings lists known bookings, newest first.
func (m *BookingManager) Bookings() []model.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.Booking, 0, len(m.bookings))
	for _, b := range m.bookings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// onQueueEvent reconciles optimistic bookings with queue replay outcomes.
func (m *BookingManager) onQueueEvent(evt Event) {
	payload, ok := evt.Payload.(SyncItemEvent)
	if !ok {
		return
	}

	switch evt.Type {
	case EventSyncItemCompleted:
		m.reconcile(payload)
	case EventSyncItemRetry:
		if payload.RequeuedID != "" {
			// A conflict resolver replaced the mutation; track the successor.
			ctx := context.Background()
			if localID, ok := m.untrackPending(ctx, payload.Item.ID); ok {
				m.trackPending(ctx, payload.RequeuedID, localID)
			}
		}
	case EventSyncItemFailed:
		m.failPending(payload)
	}
}

func (m *BookingManager) reconcile(evt SyncItemEvent) {
	ctx := context.Background()
	localID, ok := m.untrackPending(ctx, evt.Item.ID)
	if !ok || evt.Item.Kind != mutationBookingCreate {
		return
	}

	var synced model.Booking
	if evt.Response == nil || json.Unmarshal(evt.Response.Data, &synced) != nil || synced.ID == "" {
		slog.Warn("booking sync response unreadable", "local_id", localID)
		return
	}
	if synced.Status == "" {
		synced.Status = model.BookingConfirmed
	}

	m.remove(ctx, localID)
	m.store(ctx, synced)

	slog.Info("booking synced", "local_id", localID, "id", synced.ID)
	m.bus.Publish(Event{Type: EventBookingSynced, Payload: BookingSyncedEvent{LocalID: localID, Booking: synced}})
}

func (m *BookingManager) failPending(evt SyncItemEvent) {
	ctx := context.Background()
	localID, ok := m.untrackPending(ctx, evt.Item.ID)
	if !ok {
		return
	}

	m.remove(ctx, localID)

	slog.Warn("booking sync failed", "local_id", localID, "error", evt.Err)
	m.bus.Publish(Event{Type: EventBookingSyncFailed, Payload: SyncItemEvent{
		Item:       evt.Item,
		Resolution: evt.Resolution,
		Err:        evt.Err,
	}})
	m.transition(localID, model.AttemptFailed)
}

func (m *BookingManager) store(ctx context.Context, booking model.Booking) {
	m.mu.Lock()
	m.bookings[booking.ID] = booking
	m.mu.Unlock()

	raw, err := json.Marshal(booking)
	if err != nil {
		slog.Warn("booking marshal failed", "id", booking.ID, "error", err)
		return
	}
	if err := m.kv.Set(ctx, bookingNamespace, booking.ID, raw); err != nil {
		slog.Warn("booking persist failed", "id", booking.ID, "error", err)
	}
}

func (m *BookingManager) remove(ctx context.Context, id string) {
	m.mu.Lock()
	delete(m.bookings, id)
	m.mu.Unlock()

	if err := m.kv.Delete(ctx, bookingNamespace, id); err != nil {
		slog.Warn("booking delete failed", "id", id, "error", err)
	}
}

func (m *BookingManager) transition(bookingID string, state model.AttemptState) {
	m.bus.Publish(Event{Type: EventBookingStatusUpdate, Payload: BookingStateEvent{BookingID: bookingID, State: state}})
}
