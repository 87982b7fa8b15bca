package server

import (
	"upkeep/internal/domain"
)

// Request payloads

type CreatePropertyRequest struct {
	ID          *string `json:"id,omitempty"`
	Title       string  `json:"title"`
	Address     string  `json:"address"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"Active,Inactive,Removed"`
}

type UpdatePropertyRequest struct {
	Title       *string `json:"title,omitempty"`
	Address     *string `json:"address,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"Active,Inactive,Removed"`
}

// Activity create/reschedule fields are schema-optional on purpose: the
// engine reports the precise error code (property_required,
// invalid_schedule_format, ...) for absent or empty values.
type CreateActivityRequest struct {
	PropertyID string `json:"property_id,omitempty" required:"false"`
	Title      string `json:"title,omitempty" required:"false"`
	Schedule   string `json:"schedule,omitempty" required:"false"`
}

type RescheduleActivityRequest struct {
	Schedule string `json:"schedule,omitempty" required:"false"`
}

type AttachSurveyRequest struct {
	Answers map[string]any `json:"answers,omitempty" required:"false"`
}

// Response payloads

type PropertyResponse struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Address     string  `json:"address"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status" enum:"Active,Inactive,Removed"`
	DisabledAt  *string `json:"disabled_at,omitempty" format:"date-time"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
	UpdatedAt   string  `json:"updated_at" format:"date-time"`
}

type ActivityResponse struct {
	ID         string `json:"id"`
	PropertyID string `json:"property_id"`
	Title      string `json:"title"`
	Schedule   string `json:"schedule" format:"date-time"`
	Status     string `json:"status" enum:"Active,cancelled"`
	Condition  string `json:"condition" enum:"Pending,Overdue"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type SurveyResponse struct {
	ID         string         `json:"id"`
	ActivityID string         `json:"activity_id"`
	Answers    map[string]any `json:"answers"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

type AckResponse struct {
	Status string `json:"status" example:"ok"`
	Msg    string `json:"msg,omitempty" example:"cancelled"`
}

type activityList struct {
	Count int                `json:"count"`
	Items []ActivityResponse `json:"items"`
}

type propertyList struct {
	Count int                `json:"count"`
	Items []PropertyResponse `json:"items"`
}

type surveyList struct {
	Count int              `json:"count"`
	Items []SurveyResponse `json:"items"`
}

// Conversion helpers

func propertyResponse(p domain.Property) PropertyResponse {
	return PropertyResponse{
		ID:          p.ID,
		Title:       p.Title,
		Address:     p.Address,
		Description: p.Description,
		Status:      string(p.Status),
		DisabledAt:  p.DisabledAt,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

func activityResponse(a domain.Activity) ActivityResponse {
	return ActivityResponse{
		ID:         a.ID,
		PropertyID: a.PropertyID,
		Title:      a.Title,
		Schedule:   a.Schedule,
		Status:     string(a.Status),
		Condition:  string(a.Condition),
		CreatedAt:  a.CreatedAt,
		UpdatedAt:  a.UpdatedAt,
	}
}

func surveyResponse(s domain.Survey) SurveyResponse {
	answers := s.Answers
	if answers == nil {
		answers = map[string]any{}
	}
	return SurveyResponse{
		ID:         s.ID,
		ActivityID: s.ActivityID,
		Answers:    answers,
		CreatedAt:  s.CreatedAt,
	}
}

func mapProperties(in []domain.Property) []PropertyResponse {
	res := make([]PropertyResponse, 0, len(in))
	for _, p := range in {
		res = append(res, propertyResponse(p))
	}
	return res
}

func mapActivities(in []domain.Activity) []ActivityResponse {
	res := make([]ActivityResponse, 0, len(in))
	for _, a := range in {
		res = append(res, activityResponse(a))
	}
	return res
}

func mapSurveys(in []domain.Survey) []SurveyResponse {
	res := make([]SurveyResponse, 0, len(in))
	for _, s := range in {
		res = append(res, surveyResponse(s))
	}
	return res
}
