package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acortes/civicsync/internal/application"
	"github.com/acortes/civicsync/internal/domain/model"
)

func alwaysAvailable(context.Context, string) (bool, error) { return true, nil }

func testRuleSet(lookup application.ServiceLookup) *application.RuleSet {
	if lookup == nil {
		lookup = alwaysAvailable
	}
	return application.NewRuleSet(
		application.RequiredFieldsRule{},
		application.NewRequesterRule(),
		application.NewTimeSlotRule(9, 17),
		&application.AvailabilityRule{Lookup: lookup},
	)
}

func validInput() model.BookingInput {
	return model.BookingInput{
		ServiceID: "s1",
		UserID:    "u1",
		Name:      "Ada Lovelace",
		Email:     "ada@example.org",
		StartsAt:  nextBusinessSlot(),
	}
}

// nextBusinessSlot returns a future timestamp inside the 9-17 window.
func nextBusinessSlot() time.Time {
	slot := time.Now().Add(48 * time.Hour)
	return time.Date(slot.Year(), slot.Month(), slot.Day(), 10, 0, 0, 0, slot.Location())
}

func TestRuleSet_ValidInputPasses(t *testing.T) {
	violations := testRuleSet(nil).Validate(context.Background(), validInput())
	assert.Empty(t, violations)
}

func TestRuleSet_CollectsAllViolations(t *testing.T) {
	input := validInput()
	input.Email = ""
	input.StartsAt = time.Now().Add(-time.Hour)

	violations := testRuleSet(nil).Validate(context.Background(), input)

	// Both failing rules report, independently and exactly once.
	require.Len(t, violations, 2)
	rules := []string{violations[0].Rule, violations[1].Rule}
	assert.Contains(t, rules, "requester")
	assert.Contains(t, rules, "time_slot")
}

func TestRequiredFieldsRule(t *testing.T) {
	rule := application.RequiredFieldsRule{}

	input := validInput()
	input.ServiceID = ""
	v := rule.Check(context.Background(), input)
	require.NotNil(t, v)
	assert.Equal(t, "required_fields", v.Rule)

	input = validInput()
	input.UserID = ""
	v = rule.Check(context.Background(), input)
	require.NotNil(t, v)

	assert.Nil(t, rule.Check(context.Background(), validInput()))
}

func TestRequesterRule_InvalidEmail(t *testing.T) {
	rule := application.NewRequesterRule()

	input := validInput()
	input.Email = "not-an-email"

	v := rule.Check(context.Background(), input)
	require.NotNil(t, v)
	assert.Equal(t, "requester", v.Rule)
	assert.Contains(t, v.Message, "email")
}

func TestRequesterRule_ShortName(t *testing.T) {
	rule := application.NewRequesterRule()

	input := validInput()
	input.Name = "A"

	v := rule.Check(context.Background(), input)
	require.NotNil(t, v)
	assert.Contains(t, v.Message, "name")
}

func TestRequesterRule_OptionalPhoneValidatedWhenPresent(t *testing.T) {
	rule := application.NewRequesterRule()

	input := validInput()
	input.Phone = "not-a-number"
	require.NotNil(t, rule.Check(context.Background(), input))

	input.Phone = "+34600111222"
	assert.Nil(t, rule.Check(context.Background(), input))

	input.Phone = ""
	assert.Nil(t, rule.Check(context.Background(), input))
}

func TestTimeSlotRule_PastTime(t *testing.T) {
	rule := application.NewTimeSlotRule(9, 17)

	input := validInput()
	input.StartsAt = time.Now().Add(-time.Minute)

	v := rule.Check(context.Background(), input)
	require.NotNil(t, v)
	assert.Equal(t, "time_slot", v.Rule)
	assert.Contains(t, v.Message, "future")
}

func TestTimeSlotRule_OutsideBusinessHours(t *testing.T) {
	rule := application.NewTimeSlotRule(9, 17)

	input := validInput()
	slot := nextBusinessSlot()
	input.StartsAt = time.Date(slot.Year(), slot.Month(), slot.Day(), 22, 0, 0, 0, slot.Location())

	v := rule.Check(context.Background(), input)
	require.NotNil(t, v)
	assert.Contains(t, v.Message, "between")
}

func TestAvailabilityRule_ServiceClosed(t *testing.T) {
	rule := &application.AvailabilityRule{Lookup: func(context.Context, string) (bool, error) {
		return false, nil
	}}

	v := rule.Check(context.Background(), validInput())
	require.NotNil(t, v)
	assert.Equal(t, "availability", v.Rule)
}

func TestAvailabilityRule_LookupFailureIsAViolation(t *testing.T) {
	rule := &application.AvailabilityRule{Lookup: func(context.Context, string) (bool, error) {
		return false, errors.New("portal unreachable")
	}}

	v := rule.Check(context.Background(), validInput())
	require.NotNil(t, v)
	assert.Contains(t, v.Message, "verify")
}

func TestAvailabilityRule_SkipsWhenServiceMissing(t *testing.T) {
	rule := &application.AvailabilityRule{Lookup: func(context.Context, string) (bool, error) {
		t.Fatal("lookup must not run without a service id")
		return false, nil
	}}

	input := validInput()
	input.ServiceID = ""
	assert.Nil(t, rule.Check(context.Background(), input))
}
