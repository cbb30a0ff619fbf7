package model

import "time"

// BookingStatus is the lifecycle state of a stored booking.
type BookingStatus string

const (
	BookingPending   BookingStatus = "pending"
	BookingConfirmed BookingStatus = "confirmed"
	BookingCancelled BookingStatus = "cancelled"
)

// AttemptState is the per-attempt state machine driven by the booking
// manager. An attempt is short-lived and not persisted beyond its lifecycle.
type AttemptState string

const (
	AttemptValidating        AttemptState = "validating"
	AttemptCheckingConflicts AttemptState = "checking_conflicts"
	AttemptSubmitting        AttemptState = "submitting"
	AttemptSubmitted         AttemptState = "submitted"
	AttemptConflictDetected  AttemptState = "conflict_detected"
	AttemptValidationFailed  AttemptState = "validation_failed"
	AttemptFailed            AttemptState = "failed"
)

// Booking is an appointment for a portal service. ID is server-assigned
// once synced; an optimistic "local-" prefixed id stands in until then.
type Booking struct {
	ID        string        `json:"id"`
	ServiceID string        `json:"service_id"`
	UserID    string        `json:"user_id"`
	StartsAt  time.Time     `json:"starts_at"`
	Duration  time.Duration `json:"duration"`
	Status    BookingStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// Active reports whether the booking still occupies its time slot.
func (b Booking) Active() bool {
	return b.Status != BookingCancelled
}

// BookingInput is the citizen-supplied form data for a new booking.
type BookingInput struct {
	ServiceID string    `json:"service_id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	StartsAt  time.Time `json:"starts_at"`
	Notes     string    `json:"notes,omitempty"`
}

// Violation is a single failed validation rule. All rules run on every
// attempt, so one result can carry several violations.
type Violation struct {
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// BookingResult is the synchronous outcome of a create-booking attempt.
// BookingID is the optimistic local id when Queued is set; the manager
// broadcasts the reconciled server id later.
type BookingResult struct {
	BookingID  string              `json:"booking_id,omitempty"`
	State      AttemptState        `json:"state"`
	Queued     bool                `json:"queued"`
	Violations []Violation         `json:"violations,omitempty"`
	Resolution *ConflictResolution `json:"resolution,omitempty"`
}
