package upkeepsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Upkeep HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Property represents the API property model.
type Property struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	Address     string  `json:"address"`
	Description string  `json:"description,omitempty"`
	Status      string  `json:"status"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
	DisabledAt  *string `json:"disabled_at,omitempty"`
}

// Activity represents a scheduled maintenance visit.
type Activity struct {
	ID         string `json:"id"`
	PropertyID string `json:"property_id"`
	Title      string `json:"title"`
	Schedule   string `json:"schedule"`
	Status     string `json:"status"`
	Condition  string `json:"condition"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

// Survey represents a completion report.
type Survey struct {
	ID         string         `json:"id"`
	ActivityID string         `json:"activity_id"`
	Answers    map[string]any `json:"answers"`
	CreatedAt  string         `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// Ack is returned by cancel and reschedule.
type Ack struct {
	Status string `json:"status"`
	Msg    string `json:"msg"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ActivityFilters narrows ListActivities results.
type ActivityFilters struct {
	PropertyID   string
	Status       string
	Condition    string
	ScheduleFrom string
	ScheduleTo   string
}

// CreateProperty registers a property.
func (c *Client) CreateProperty(ctx context.Context, title, address string) (Property, error) {
	body := map[string]any{
		"title":   title,
		"address": address,
	}
	var resp Property
	err := c.do(ctx, http.MethodPost, "v0/properties", body, &resp)
	return resp, err
}

// GetProperty fetches a property by id.
func (c *Client) GetProperty(ctx context.Context, id string) (Property, error) {
	var resp Property
	err := c.do(ctx, http.MethodGet, "v0/properties/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListProperties returns all properties, optionally filtered by status.
func (c *Client) ListProperties(ctx context.Context, status string) ([]Property, error) {
	endpoint := "v0/properties"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp struct {
		Items []Property `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CreateActivity schedules a maintenance visit. Schedule uses the
// YYYY-MM-DDTHH:MM format in the server's site timezone.
func (c *Client) CreateActivity(ctx context.Context, propertyID, title, schedule string) (Activity, error) {
	body := map[string]any{
		"property_id": propertyID,
		"title":       title,
		"schedule":    schedule,
	}
	var resp Activity
	err := c.do(ctx, http.MethodPost, "v0/activities", body, &resp)
	return resp, err
}

// GetActivity fetches an activity by id.
func (c *Client) GetActivity(ctx context.Context, id string) (Activity, error) {
	var resp Activity
	err := c.do(ctx, http.MethodGet, "v0/activities/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListActivities returns activities matching the filters. With zero filters
// the server limits results to a week either side of now.
func (c *Client) ListActivities(ctx context.Context, f ActivityFilters) ([]Activity, error) {
	q := url.Values{}
	if f.PropertyID != "" {
		q.Set("property_id", f.PropertyID)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Condition != "" {
		q.Set("condition", f.Condition)
	}
	if f.ScheduleFrom != "" {
		q.Set("schedule_from", f.ScheduleFrom)
	}
	if f.ScheduleTo != "" {
		q.Set("schedule_to", f.ScheduleTo)
	}
	endpoint := "v0/activities"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Activity `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// CancelActivity soft-cancels an activity.
func (c *Client) CancelActivity(ctx context.Context, id string) (Ack, error) {
	var resp Ack
	err := c.do(ctx, http.MethodDelete, "v0/activities/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// RescheduleActivity moves an activity to a new schedule.
func (c *Client) RescheduleActivity(ctx context.Context, id, schedule string) (Ack, error) {
	body := map[string]any{"schedule": schedule}
	var resp Ack
	err := c.do(ctx, http.MethodPatch, "v0/activities/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// AttachSurvey records the completion report for an activity.
func (c *Client) AttachSurvey(ctx context.Context, activityID string, answers map[string]any) (Survey, error) {
	body := map[string]any{"answers": answers}
	var resp Survey
	endpoint := fmt.Sprintf("v0/activities/%s/survey", url.PathEscape(activityID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// GetSurvey fetches the survey attached to an activity.
func (c *Client) GetSurvey(ctx context.Context, activityID string) (Survey, error) {
	var resp Survey
	endpoint := fmt.Sprintf("v0/activities/%s/survey", url.PathEscape(activityID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Events returns recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
