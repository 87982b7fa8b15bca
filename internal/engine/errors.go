package engine

import "fmt"

// Error codes surfaced in API envelopes and CLI output.
const (
	CodePropertyRequired  = "property_required"
	CodePropertyNotFound  = "property_not_found"
	CodePropertyNotActive = "property_not_active"
	CodeInvalidSchedule   = "invalid_schedule_format"
	CodeScheduleInPast    = "schedule_in_past"
	CodeScheduleConflict  = "schedule_conflict"
	CodeActivityRequired  = "activity_required"
	CodeActivityNotFound  = "activity_not_found"
	CodeAlreadyCancelled  = "already_cancelled"
	CodeActivityCancelled = "activity_cancelled"
	CodeSurveyExists      = "survey_exists"
	CodeSurveyNotFound    = "survey_not_found"
	CodeValidation        = "validation_error"
)

// ValidationError reports malformed or disallowed input.
type ValidationError struct {
	Code   string
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Reason)
	}
	return e.Reason
}

// NotFoundError reports an absent referenced entity.
type NotFoundError struct {
	Code string
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
	}
	return e.Kind + " not found"
}

// StateError reports an operation that is illegal for the entity's current
// state, such as rescheduling a cancelled activity.
type StateError struct {
	Code   string
	Reason string
}

func (e StateError) Error() string { return e.Reason }

// ConflictError reports a schedule overlap or a duplicate survey. For
// schedule conflicts it carries the conflicting activity so callers can
// correct the request.
type ConflictError struct {
	Code       string
	ActivityID string
	Schedule   string
}

func (e ConflictError) Error() string {
	if e.Code == CodeScheduleConflict {
		return fmt.Sprintf("schedule conflicts with activity %s at %s", e.ActivityID, e.Schedule)
	}
	return fmt.Sprintf("activity %s already has a survey", e.ActivityID)
}
