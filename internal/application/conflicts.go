package application

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/acortes/civicsync/internal/domain/model"
)

// ConflictResolver turns one kind of conflict-shaped failure into suggested
// remedial actions. Kind is the discriminator matched against the server's
// conflictType; resolvers suggest, they never decide.
type ConflictResolver interface {
	Kind() string
	Resolve(ctx context.Context, item model.SyncQueueItem, apiErr *model.APIError) (model.ConflictResolution, error)
}

// ConflictRegistry maps conflict kinds to their resolvers. Unregistered
// kinds fall back to a terminate-with-actions resolution so a conflict is
// never blindly retried.
type ConflictRegistry struct {
	mu        sync.RWMutex
	resolvers map[string]ConflictResolver
}

// NewConflictRegistry creates an empty registry.
func NewConflictRegistry() *ConflictRegistry {
	return &ConflictRegistry{resolvers: make(map[string]ConflictResolver)}
}

// Register adds or replaces the resolver for its kind.
func (r *ConflictRegistry) Register(resolver ConflictResolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers[resolver.Kind()] = resolver
}

// Lookup returns the resolver for kind.
func (r *ConflictRegistry) Lookup(kind string) (ConflictResolver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	resolver, ok := r.resolvers[kind]
	return resolver, ok
}

// Resolve routes a conflict-shaped failure to its registered resolver. A
// resolver error or a missing resolver yields the fallback resolution.
func (r *ConflictRegistry) Resolve(ctx context.Context, item model.SyncQueueItem, apiErr *model.APIError) model.ConflictResolution {
	resolver, ok := r.Lookup(apiErr.ConflictType)
	if !ok {
		slog.Warn("no resolver registered for conflict", "conflict_type", apiErr.ConflictType, "item", item.ID)
		return fallbackResolution(apiErr.ConflictType)
	}

	resolution, err := resolver.Resolve(ctx, item, apiErr)
	if err != nil {
		slog.Error("conflict resolver failed", "conflict_type", apiErr.ConflictType, "item", item.ID, "error", err)
		return fallbackResolution(apiErr.ConflictType)
	}
	return resolution
}

func fallbackResolution(kind string) model.ConflictResolution {
	return model.ConflictResolution{
		ConflictKind: kind,
		Actions: []model.SuggestedAction{
			{Label: "Choose a different time", Effect: model.ActionReschedule},
			{Label: "Cancel this request", Effect: model.ActionCancel},
		},
	}
}

// doubleBookingInfo is the conflictInfo payload for a scheduling collision.
type doubleBookingInfo struct {
	ExistingBookingID string    `json:"existingBookingId"`
	SuggestedTime     time.Time `json:"suggestedTime"`
}

// DoubleBookingResolver handles the server's double_booking conflict: the
// requested slot collides with an existing booking. When the server suggests
// an alternative time it proposes a modified mutation for re-enqueueing.
type DoubleBookingResolver struct{}

// Kind implements ConflictResolver.
func (DoubleBookingResolver) Kind() string { return "double_booking" }

// Resolve implements ConflictResolver.
func (DoubleBookingResolver) Resolve(_ context.Context, item model.SyncQueueItem, apiErr *model.APIError) (model.ConflictResolution, error) {
	resolution := model.ConflictResolution{
		ConflictKind: "double_booking",
		Actions: []model.SuggestedAction{
			{Label: "Pick another time", Effect: model.ActionReschedule},
			{Label: "View your existing booking", Effect: model.ActionViewExisting},
			{Label: "Cancel this request", Effect: model.ActionCancel},
		},
	}

	var info doubleBookingInfo
	if apiErr.ConflictInfo != nil {
		if err := json.Unmarshal(apiErr.ConflictInfo, &info); err != nil {
			slog.Debug("double_booking conflictInfo unreadable", "item", item.ID, "error", err)
		}
	}

	if !info.SuggestedTime.IsZero() && item.Payload != nil {
		patched, err := patchStartsAt(item.Payload, info.SuggestedTime)
		if err == nil {
			resolution.Requeue = &model.RequeueMutation{
				Kind:    item.Kind,
				Method:  item.Method,
				Path:    item.Path,
				Payload: patched,
			}
		}
	}

	return resolution, nil
}

// patchStartsAt rewrites the starts_at field of a booking payload.
func patchStartsAt(payload json.RawMessage, startsAt time.Time) (json.RawMessage, error) {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(startsAt)
	if err != nil {
		return nil, err
	}
	body["starts_at"] = raw
	return json.Marshal(body)
}
