package application

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/acortes/civicsync/internal/domain/model"
)

// Rule is one booking validation check. Every rule runs on every attempt so
// the caller sees the complete set of problems at once; a rule contributes at
// most one violation.
type Rule interface {
	Kind() string
	Check(ctx context.Context, input model.BookingInput) *model.Violation
}

// RuleSet runs all rules and collects their violations.
type RuleSet struct {
	rules []Rule
}

// NewRuleSet creates a RuleSet from rules, in evaluation order.
func NewRuleSet(rules ...Rule) *RuleSet {
	return &RuleSet{rules: rules}
}

// Validate runs every rule. An empty result means the input is acceptable.
func (s *RuleSet) Validate(ctx context.Context, input model.BookingInput) []model.Violation {
	var violations []model.Violation
	for _, rule := range s.rules {
		if v := rule.Check(ctx, input); v != nil {
			violations = append(violations, *v)
		}
	}
	return violations
}

// RequiredFieldsRule rejects bookings missing their service or user linkage.
type RequiredFieldsRule struct{}

// Kind implements Rule.
func (RequiredFieldsRule) Kind() string { return "required_fields" }

// Check implements Rule.
func (RequiredFieldsRule) Check(_ context.Context, input model.BookingInput) *model.Violation {
	switch {
	case input.ServiceID == "":
		return &model.Violation{Rule: "required_fields", Message: "service is required"}
	case input.UserID == "":
		return &model.Violation{Rule: "required_fields", Message: "user is required"}
	}
	return nil
}

// requesterShape mirrors the contact fields of a booking for struct-tag
// validation. Phone is optional but must be E.164 when present.
type requesterShape struct {
	Name  string `validate:"required,min=2,max=100"`
	Email string `validate:"required,email"`
	Phone string `validate:"omitempty,e164"`
}

// RequesterRule checks the citizen's contact details.
type RequesterRule struct {
	validate *validator.Validate
}

// NewRequesterRule creates a RequesterRule.
func NewRequesterRule() *RequesterRule {
	return &RequesterRule{validate: validator.New(validator.WithRequiredStructEnabled())}
}

// Kind implements Rule.
func (*RequesterRule) Kind() string { return "requester" }

// Check implements Rule.
func (r *RequesterRule) Check(_ context.Context, input model.BookingInput) *model.Violation {
	shape := requesterShape{Name: input.Name, Email: input.Email, Phone: input.Phone}
	err := r.validate.Struct(shape)
	if err == nil {
		return nil
	}

	errs, ok := err.(validator.ValidationErrors)
	if !ok || len(errs) == 0 {
		return &model.Violation{Rule: "requester", Message: "contact details invalid"}
	}

	first := errs[0]
	var msg string
	switch first.Field() {
	case "Name":
		msg = "name must be between 2 and 100 characters"
	case "Email":
		msg = "a valid email address is required"
	case "Phone":
		msg = "phone number must be in international format"
	default:
		msg = fmt.Sprintf("%s is invalid", first.Field())
	}
	return &model.Violation{Rule: "requester", Message: msg}
}

// TimeSlotRule rejects bookings in the past or outside business hours.
type TimeSlotRule struct {
	OpenHour  int // inclusive, default 9
	CloseHour int // exclusive, default 17
	Now       func() time.Time
}

// NewTimeSlotRule creates a TimeSlotRule for the [open, close) hour window.
func NewTimeSlotRule(openHour, closeHour int) *TimeSlotRule {
	if openHour <= 0 {
		openHour = 9
	}
	if closeHour <= 0 {
		closeHour = 17
	}
	return &TimeSlotRule{OpenHour: openHour, CloseHour: closeHour, Now: time.Now}
}

// Kind implements Rule.
func (*TimeSlotRule) Kind() string { return "time_slot" }

// Check implements Rule.
func (r *TimeSlotRule) Check(_ context.Context, input model.BookingInput) *model.Violation {
	if input.StartsAt.IsZero() || !input.StartsAt.After(r.Now()) {
		return &model.Violation{Rule: "time_slot", Message: "booking time must be in the future"}
	}
	if h := input.StartsAt.Hour(); h < r.OpenHour || h >= r.CloseHour {
		return &model.Violation{
			Rule:    "time_slot",
			Message: fmt.Sprintf("booking time must fall between %02d:00 and %02d:00", r.OpenHour, r.CloseHour),
		}
	}
	return nil
}

// ServiceLookup answers whether a service currently accepts bookings.
type ServiceLookup func(ctx context.Context, serviceID string) (available bool, err error)

// AvailabilityRule confirms the chosen service is bookable. An unverifiable
// service (lookup failure) is itself a violation rather than a silent pass.
type AvailabilityRule struct {
	Lookup ServiceLookup
}

// Kind implements Rule.
func (*AvailabilityRule) Kind() string { return "availability" }

// Check implements Rule.
func (r *AvailabilityRule) Check(ctx context.Context, input model.BookingInput) *model.Violation {
	if input.ServiceID == "" {
		// RequiredFieldsRule already reports the missing id.
		return nil
	}

	available, err := r.Lookup(ctx, input.ServiceID)
	if err != nil {
		return &model.Violation{Rule: "availability", Message: "could not verify service availability"}
	}
	if !available {
		return &model.Violation{Rule: "availability", Message: "this service is not currently accepting bookings"}
	}
	return nil
}
