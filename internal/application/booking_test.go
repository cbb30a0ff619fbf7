package application_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acortes/civicsync/internal/application"
	"github.com/acortes/civicsync/internal/domain/model"
	"github.com/acortes/civicsync/internal/domain/port/driven"
)

type bookingHarness struct {
	gw       *fakeGateway
	kv       *memKV
	queue    *application.Queue
	manager  *application.BookingManager
	queueRec *eventRecorder
	rec      *eventRecorder
}

func newBookingHarness(t *testing.T) *bookingHarness {
	t.Helper()
	ctx := context.Background()

	gw := newFakeGateway()
	kv := newMemKV()

	registry := application.NewConflictRegistry()
	registry.Register(application.DoubleBookingResolver{})

	queueBus := application.NewBus()
	queueRec := &eventRecorder{}
	queueBus.Subscribe(func(evt application.Event) { queueRec.record(string(evt.Type), evt.Payload) })

	queue, err := application.NewQueue(ctx, kv, gw, registry, queueBus, application.QueueConfig{})
	require.NoError(t, err)
	t.Cleanup(queue.Close)

	manager, err := application.NewBookingManager(ctx, gw, kv, queue, registry, testRuleSet(nil), queueBus, application.BookingConfig{})
	require.NoError(t, err)

	rec := &eventRecorder{}
	manager.Bus().Subscribe(func(evt application.Event) { rec.record(string(evt.Type), evt.Payload) })

	return &bookingHarness{gw: gw, kv: kv, queue: queue, manager: manager, queueRec: queueRec, rec: rec}
}

func TestBookingManager_ValidationFailureReportsAllViolations(t *testing.T) {
	h := newBookingHarness(t)
	goOffline(h.queue)

	input := validInput()
	input.Email = ""
	input.StartsAt = time.Now().Add(-time.Hour)

	result, err := h.manager.CreateBooking(context.Background(), input)

	require.NoError(t, err)
	assert.Equal(t, model.AttemptValidationFailed, result.State)
	assert.Len(t, result.Violations, 2)
	assert.False(t, result.Queued)

	pending, err := h.queue.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBookingManager_OfflineCreateQueuesOptimistically(t *testing.T) {
	h := newBookingHarness(t)
	goOffline(h.queue)
	ctx := context.Background()

	result, err := h.manager.CreateBooking(ctx, validInput())

	require.NoError(t, err)
	assert.Equal(t, model.AttemptSubmitted, result.State)
	assert.True(t, result.Queued)
	assert.True(t, strings.HasPrefix(result.BookingID, "local-"))

	pending, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "booking.create", pending[0].Kind)

	bookings := h.manager.Bookings()
	require.Len(t, bookings, 1)
	assert.Equal(t, result.BookingID, bookings[0].ID)
	assert.Equal(t, model.BookingPending, bookings[0].Status)

	assert.Len(t, h.rec.ofType("bookingSubmitted"), 1)
}

func TestBookingManager_StateTransitionsBroadcast(t *testing.T) {
	h := newBookingHarness(t)
	goOffline(h.queue)

	_, err := h.manager.CreateBooking(context.Background(), validInput())
	require.NoError(t, err)

	updates := h.rec.ofType("bookingStatusUpdate")
	var states []model.AttemptState
	for _, u := range updates {
		payload, ok := u.Payload.(application.BookingStateEvent)
		require.True(t, ok)
		states = append(states, payload.State)
	}
	assert.Equal(t, []model.AttemptState{
		model.AttemptValidating,
		model.AttemptCheckingConflicts,
		model.AttemptSubmitting,
		model.AttemptSubmitted,
	}, states)
}

func TestBookingManager_LocalOverlapDetectedOffline(t *testing.T) {
	h := newBookingHarness(t)
	goOffline(h.queue)
	ctx := context.Background()

	first, err := h.manager.CreateBooking(ctx, validInput())
	require.NoError(t, err)
	require.True(t, first.Queued)

	// Same user, 30 minutes later: inside the 1h conflict window.
	input := validInput()
	input.StartsAt = input.StartsAt.Add(30 * time.Minute)

	second, err := h.manager.CreateBooking(ctx, input)

	require.NoError(t, err)
	assert.Equal(t, model.AttemptConflictDetected, second.State)
	require.NotNil(t, second.Resolution)
	assert.Equal(t, "double_booking", second.Resolution.ConflictKind)
	assert.Len(t, h.rec.ofType("bookingConflictDetected"), 1)

	pending, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestBookingManager_DifferentUsersDoNotConflict(t *testing.T) {
	h := newBookingHarness(t)
	goOffline(h.queue)
	ctx := context.Background()

	_, err := h.manager.CreateBooking(ctx, validInput())
	require.NoError(t, err)

	input := validInput()
	input.UserID = "u2"
	input.StartsAt = input.StartsAt.Add(15 * time.Minute)

	result, err := h.manager.CreateBooking(ctx, input)

	require.NoError(t, err)
	assert.Equal(t, model.AttemptSubmitted, result.State)
}

func TestBookingManager_ServerPreCheckConflict(t *testing.T) {
	h := newBookingHarness(t)
	ctx := context.Background()

	h.gw.fail("POST", "/bookings/conflict-check", &model.APIError{
		Kind:         model.ErrorKindConflict,
		Status:       409,
		ConflictType: "double_booking",
	})

	result, err := h.manager.CreateBooking(ctx, validInput())

	require.NoError(t, err)
	assert.Equal(t, model.AttemptConflictDetected, result.State)
	require.NotNil(t, result.Resolution)

	pending, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestBookingManager_ReconcilesAfterReconnect(t *testing.T) {
	h := newBookingHarness(t)
	goOffline(h.queue)
	ctx := context.Background()

	h.gw.respond("POST", "/bookings", `{"id":"bk-9","service_id":"s1","user_id":"u1","status":"confirmed"}`)

	result, err := h.manager.CreateBooking(ctx, validInput())
	require.NoError(t, err)
	localID := result.BookingID

	h.queue.SetOnline(ctx, true)

	require.Eventually(t, func() bool {
		return len(h.rec.ofType("bookingSynced")) == 1
	}, time.Second, 5*time.Millisecond)

	synced := h.rec.ofType("bookingSynced")[0].Payload.(application.BookingSyncedEvent)
	assert.Equal(t, localID, synced.LocalID)
	assert.Equal(t, "bk-9", synced.Booking.ID)

	bookings := h.manager.Bookings()
	require.Len(t, bookings, 1)
	assert.Equal(t, "bk-9", bookings[0].ID)
	assert.Equal(t, model.BookingConfirmed, bookings[0].Status)
}

func TestBookingManager_SyncFailureRemovesOptimisticBooking(t *testing.T) {
	h := newBookingHarness(t)
	goOffline(h.queue)
	ctx := context.Background()

	h.gw.fail("POST", "/bookings", &model.APIError{
		Kind:    model.ErrorKindValidation,
		Status:  422,
		Message: "service retired",
	})

	_, err := h.manager.CreateBooking(ctx, validInput())
	require.NoError(t, err)

	h.queue.SetOnline(ctx, true)

	require.Eventually(t, func() bool {
		return len(h.rec.ofType("bookingSyncFailed")) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, h.manager.Bookings())
}

func TestBookingManager_CancelLocalBooking(t *testing.T) {
	h := newBookingHarness(t)
	goOffline(h.queue)
	ctx := context.Background()

	result, err := h.manager.CreateBooking(ctx, validInput())
	require.NoError(t, err)

	require.NoError(t, h.manager.CancelBooking(ctx, result.BookingID))

	bookings := h.manager.Bookings()
	require.Len(t, bookings, 1)
	assert.Equal(t, model.BookingCancelled, bookings[0].Status)

	// A local booking never reached the server; nothing extra to replay.
	pending, err := h.queue.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestBookingManager_CancelSyncedBookingEnqueuesDeletion(t *testing.T) {
	h := newBookingHarness(t)
	goOffline(h.queue)
	ctx := context.Background()

	h.gw.respond("POST", "/bookings", `{"id":"bk-9","service_id":"s1","user_id":"u1","status":"confirmed"}`)

	_, err := h.manager.CreateBooking(ctx, validInput())
	require.NoError(t, err)

	h.queue.SetOnline(ctx, true)
	require.Eventually(t, func() bool {
		return len(h.rec.ofType("bookingSynced")) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.manager.CancelBooking(ctx, "bk-9"))

	require.Eventually(t, func() bool {
		return h.gw.callCount("DELETE", "/bookings/bk-9") == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBookingManager_CancelUnknownBooking(t *testing.T) {
	h := newBookingHarness(t)

	err := h.manager.CancelBooking(context.Background(), "bk-missing")

	require.Error(t, err)
	apiErr, ok := model.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrorKindValidation, apiErr.Kind)
}

func TestBookingManager_RestoresBookingsAcrossRestart(t *testing.T) {
	h := newBookingHarness(t)
	goOffline(h.queue)
	ctx := context.Background()

	result, err := h.manager.CreateBooking(ctx, validInput())
	require.NoError(t, err)

	registry := application.NewConflictRegistry()
	bus := application.NewBus()
	queue, err := application.NewQueue(ctx, h.kv, h.gw, registry, bus, application.QueueConfig{})
	require.NoError(t, err)
	t.Cleanup(queue.Close)
	goOffline(queue)

	restored, err := application.NewBookingManager(ctx, h.gw, h.kv, queue, registry, testRuleSet(nil), bus, application.BookingConfig{})
	require.NoError(t, err)

	bookings := restored.Bookings()
	require.Len(t, bookings, 1)
	assert.Equal(t, result.BookingID, bookings[0].ID)
}

func TestBookingManager_ReconciliationSurvivesRestart(t *testing.T) {
	h := newBookingHarness(t)
	goOffline(h.queue)
	ctx := context.Background()

	h.gw.respond("POST", "/bookings", `{"id":"bk-9","service_id":"s1","user_id":"u1","status":"confirmed"}`)

	result, err := h.manager.CreateBooking(ctx, validInput())
	require.NoError(t, err)
	localID := result.BookingID

	// New process over the same store: the queued mutation, the optimistic
	// booking, and the link between them all come back from disk.
	registry := application.NewConflictRegistry()
	registry.Register(application.DoubleBookingResolver{})
	bus := application.NewBus()
	queue, err := application.NewQueue(ctx, h.kv, h.gw, registry, bus, application.QueueConfig{})
	require.NoError(t, err)
	t.Cleanup(queue.Close)
	goOffline(queue)

	restored, err := application.NewBookingManager(ctx, h.gw, h.kv, queue, registry, testRuleSet(nil), bus, application.BookingConfig{})
	require.NoError(t, err)

	rec := &eventRecorder{}
	restored.Bus().Subscribe(func(evt application.Event) { rec.record(string(evt.Type), evt.Payload) })

	queue.SetOnline(ctx, true)

	require.Eventually(t, func() bool {
		return len(rec.ofType("bookingSynced")) == 1
	}, time.Second, 5*time.Millisecond)

	synced := rec.ofType("bookingSynced")[0].Payload.(application.BookingSyncedEvent)
	assert.Equal(t, localID, synced.LocalID)
	assert.Equal(t, "bk-9", synced.Booking.ID)

	bookings := restored.Bookings()
	require.Len(t, bookings, 1)
	assert.Equal(t, "bk-9", bookings[0].ID)

	// The reconciled slot no longer shadows new attempts.
	goOffline(queue)
	input := validInput()
	input.StartsAt = input.StartsAt.Add(30 * time.Minute)
	second, err := restored.CreateBooking(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptConflictDetected, second.State) // bk-9 itself still occupies the window

	require.NoError(t, restored.CancelBooking(ctx, "bk-9"))
	third, err := restored.CreateBooking(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, model.AttemptSubmitted, third.State)
}

var _ driven.Gateway = (*fakeGateway)(nil)
