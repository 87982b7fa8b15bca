package engine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"upkeep/internal/config"
	"upkeep/internal/domain"
	"upkeep/internal/events"
	"upkeep/internal/repo"
)

// ScheduleLayout is the only accepted wire format for schedules: minute
// precision, no seconds, no offset. Values are interpreted in the
// configured site timezone.
const ScheduleLayout = "2006-01-02T15:04"

// ConflictWindow is the exclusion radius around every non-cancelled
// activity's schedule.
const ConflictWindow = time.Hour

// ListWindow is the implicit schedule range applied when ListActivities is
// called with no filters at all.
const ListWindow = 7 * 24 * time.Hour

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) location() *time.Location {
	if e.Config != nil {
		return e.Config.Location()
	}
	return time.UTC
}

// ParseSchedule parses a wire-format schedule in the site timezone.
func (e Engine) ParseSchedule(raw string) (time.Time, error) {
	t, err := time.ParseInLocation(ScheduleLayout, raw, e.location())
	if err != nil {
		return time.Time{}, ValidationError{Code: CodeInvalidSchedule, Field: "schedule", Reason: "must match " + ScheduleLayout}
	}
	return t, nil
}

// storeTime renders a timestamp for storage. Everything is stored in UTC
// RFC 3339 so string order matches time order.
func storeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func conditionFor(schedule, now time.Time) domain.Condition {
	if schedule.After(now) {
		return domain.ConditionPending
	}
	return domain.ConditionOverdue
}

// PropertyCreateOptions are parameters for registering a property.
type PropertyCreateOptions struct {
	ID          string
	Title       string
	Address     string
	Description string
	Status      domain.PropertyStatus
}

func (e Engine) CreateProperty(ctx context.Context, opts PropertyCreateOptions) (domain.Property, error) {
	if opts.Title == "" {
		return domain.Property{}, ValidationError{Code: CodeValidation, Field: "title", Reason: "required"}
	}
	if opts.Address == "" {
		return domain.Property{}, ValidationError{Code: CodeValidation, Field: "address", Reason: "required"}
	}
	if opts.Status == "" {
		opts.Status = domain.PropertyActive
	}
	if !opts.Status.Valid() {
		return domain.Property{}, ValidationError{Code: CodeValidation, Field: "status", Reason: "must be one of Active, Inactive, Removed"}
	}
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := storeTime(e.now())
	p := domain.Property{
		ID:          id,
		Title:       opts.Title,
		Address:     opts.Address,
		Description: opts.Description,
		Status:      opts.Status,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if p.Status != domain.PropertyActive {
		disabled := now
		p.DisabledAt = &disabled
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Property{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProperty(ctx, tx, p); err != nil {
		return domain.Property{}, err
	}
	if err := e.Events.Append(ctx, tx, "property.created", "property", p.ID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Property{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Property{}, err
	}
	return p, nil
}

// PropertyUpdateOptions encapsulates allowed property updates. Nil pointers
// leave the field untouched.
type PropertyUpdateOptions struct {
	ID          string
	Title       *string
	Address     *string
	Description *string
	Status      domain.PropertyStatus
}

func (e Engine) UpdateProperty(ctx context.Context, opts PropertyUpdateOptions) (domain.Property, error) {
	p, err := e.Repo.GetProperty(ctx, opts.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Property{}, NotFoundError{Code: CodePropertyNotFound, Kind: "property", ID: opts.ID}
		}
		return domain.Property{}, err
	}
	if opts.Title != nil {
		if *opts.Title == "" {
			return domain.Property{}, ValidationError{Code: CodeValidation, Field: "title", Reason: "required"}
		}
		p.Title = *opts.Title
	}
	if opts.Address != nil {
		if *opts.Address == "" {
			return domain.Property{}, ValidationError{Code: CodeValidation, Field: "address", Reason: "required"}
		}
		p.Address = *opts.Address
	}
	if opts.Description != nil {
		p.Description = *opts.Description
	}
	now := storeTime(e.now())
	if opts.Status != "" && opts.Status != p.Status {
		if !opts.Status.Valid() {
			return domain.Property{}, ValidationError{Code: CodeValidation, Field: "status", Reason: "must be one of Active, Inactive, Removed"}
		}
		if p.Status == domain.PropertyActive {
			disabled := now
			p.DisabledAt = &disabled
		}
		if opts.Status == domain.PropertyActive {
			p.DisabledAt = nil
		}
		p.Status = opts.Status
	}
	p.UpdatedAt = now
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Property{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateProperty(ctx, tx, p); err != nil {
		return domain.Property{}, err
	}
	if err := e.Events.Append(ctx, tx, "property.updated", "property", p.ID, events.EventPayload{"status": p.Status}); err != nil {
		return domain.Property{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Property{}, err
	}
	return p, nil
}

// FirstConflict is the conflict detector: it reports the lowest-id activity
// on the property scheduled inside [proposed-1h, proposed+1h], inclusive at
// both ends. It runs inside the caller's transaction so the check and the
// write it guards are serialized, and has no side effects of its own.
func (e Engine) FirstConflict(ctx context.Context, tx *sql.Tx, propertyID string, proposed time.Time, excludeID string, onlyNonCancelled bool) (*domain.Activity, error) {
	windowStart := storeTime(proposed.Add(-ConflictWindow))
	windowEnd := storeTime(proposed.Add(ConflictWindow))
	a, err := e.Repo.FirstConflictTx(ctx, tx, propertyID, windowStart, windowEnd, excludeID, onlyNonCancelled)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ActivityCreateOptions are parameters for scheduling an activity.
type ActivityCreateOptions struct {
	PropertyID string
	Title      string
	Schedule   string
}

func (e Engine) CreateActivity(ctx context.Context, opts ActivityCreateOptions) (domain.Activity, error) {
	if opts.PropertyID == "" {
		return domain.Activity{}, ValidationError{Code: CodePropertyRequired, Field: "property_id", Reason: "required"}
	}
	if opts.Title == "" {
		return domain.Activity{}, ValidationError{Code: CodeValidation, Field: "title", Reason: "required"}
	}
	schedule, err := e.ParseSchedule(opts.Schedule)
	if err != nil {
		return domain.Activity{}, err
	}
	p, err := e.Repo.GetProperty(ctx, opts.PropertyID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Activity{}, NotFoundError{Code: CodePropertyNotFound, Kind: "property", ID: opts.PropertyID}
		}
		return domain.Activity{}, err
	}
	if p.Status != domain.PropertyActive {
		return domain.Activity{}, StateError{Code: CodePropertyNotActive, Reason: "property is not Active"}
	}

	now := e.now()
	a := domain.Activity{
		ID:         uuid.New().String(),
		PropertyID: p.ID,
		Title:      opts.Title,
		Schedule:   storeTime(schedule),
		Status:     domain.ActivityActive,
		Condition:  conditionFor(schedule, now),
		CreatedAt:  storeTime(now),
		UpdatedAt:  storeTime(now),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()

	if conflict, err := e.FirstConflict(ctx, tx, p.ID, schedule, "", true); err != nil {
		return domain.Activity{}, err
	} else if conflict != nil {
		return domain.Activity{}, ConflictError{Code: CodeScheduleConflict, ActivityID: conflict.ID, Schedule: conflict.Schedule}
	}
	if err := e.Repo.InsertActivity(ctx, tx, a); err != nil {
		return domain.Activity{}, err
	}
	if err := e.Events.Append(ctx, tx, "activity.created", "activity", a.ID, events.EventPayload{
		"property_id": a.PropertyID,
		"schedule":    a.Schedule,
		"condition":   a.Condition,
	}); err != nil {
		return domain.Activity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Activity{}, err
	}
	return a, nil
}

// requireLiveActivity is the guard run at the start of every mutating
// activity operation: the activity must exist and must not be cancelled.
// cancelledCode picks the state-error code the caller surfaces.
func (e Engine) requireLiveActivity(ctx context.Context, tx *sql.Tx, id, cancelledCode string) (domain.Activity, error) {
	if id == "" {
		return domain.Activity{}, ValidationError{Code: CodeActivityRequired, Field: "activity_id", Reason: "required"}
	}
	a, err := e.Repo.GetActivityTx(ctx, tx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Activity{}, NotFoundError{Code: CodeActivityNotFound, Kind: "activity", ID: id}
		}
		return domain.Activity{}, err
	}
	if a.Status == domain.ActivityCancelled {
		return domain.Activity{}, StateError{Code: cancelledCode, Reason: "this activity was cancelled"}
	}
	return a, nil
}

// CancelActivity marks an activity cancelled. The transition is terminal:
// a second cancel reports already_cancelled rather than silently passing.
func (e Engine) CancelActivity(ctx context.Context, id string) (domain.Activity, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()

	a, err := e.requireLiveActivity(ctx, tx, id, CodeAlreadyCancelled)
	if err != nil {
		return domain.Activity{}, err
	}
	a.Status = domain.ActivityCancelled
	a.UpdatedAt = storeTime(e.now())
	if err := e.Repo.UpdateActivity(ctx, tx, a); err != nil {
		return domain.Activity{}, err
	}
	if err := e.Events.Append(ctx, tx, "activity.cancelled", "activity", a.ID, events.EventPayload{
		"property_id": a.PropertyID,
	}); err != nil {
		return domain.Activity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Activity{}, err
	}
	return a, nil
}

// RescheduleActivity moves a live activity to a new, strictly future,
// conflict-free time and re-derives its condition, which is always Pending
// once the future check has passed.
func (e Engine) RescheduleActivity(ctx context.Context, id, newSchedule string) (domain.Activity, error) {
	schedule, err := e.ParseSchedule(newSchedule)
	if err != nil {
		return domain.Activity{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Activity{}, err
	}
	defer tx.Rollback()

	a, err := e.requireLiveActivity(ctx, tx, id, CodeAlreadyCancelled)
	if err != nil {
		return domain.Activity{}, err
	}
	now := e.now()
	if !schedule.After(now) {
		return domain.Activity{}, ValidationError{Code: CodeScheduleInPast, Field: "schedule", Reason: "must be in the future"}
	}
	if conflict, err := e.FirstConflict(ctx, tx, a.PropertyID, schedule, a.ID, true); err != nil {
		return domain.Activity{}, err
	} else if conflict != nil {
		return domain.Activity{}, ConflictError{Code: CodeScheduleConflict, ActivityID: conflict.ID, Schedule: conflict.Schedule}
	}
	from := a.Schedule
	a.Schedule = storeTime(schedule)
	a.Condition = conditionFor(schedule, now)
	a.UpdatedAt = storeTime(now)
	if err := e.Repo.UpdateActivity(ctx, tx, a); err != nil {
		return domain.Activity{}, err
	}
	if err := e.Events.Append(ctx, tx, "activity.rescheduled", "activity", a.ID, events.EventPayload{
		"property_id": a.PropertyID,
		"from":        from,
		"to":          a.Schedule,
	}); err != nil {
		return domain.Activity{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Activity{}, err
	}
	return a, nil
}

// ActivityListOptions carry raw filter values from the caller. "all"
// disables the status and condition filters.
type ActivityListOptions struct {
	PropertyID   string
	Status       string
	Condition    string
	ScheduleFrom string
	ScheduleTo   string
}

func (o ActivityListOptions) empty() bool {
	return o.PropertyID == "" && o.Status == "" && o.Condition == "" && o.ScheduleFrom == "" && o.ScheduleTo == ""
}

func (e Engine) ListActivities(ctx context.Context, opts ActivityListOptions) ([]domain.Activity, error) {
	var f repo.ActivityFilters
	f.PropertyID = opts.PropertyID
	if opts.Status != "" && opts.Status != "all" {
		status := domain.ActivityStatus(opts.Status)
		if !status.Valid() {
			return nil, ValidationError{Code: CodeValidation, Field: "status", Reason: "must be one of Active, cancelled, all"}
		}
		f.Status = status
	}
	if opts.Condition != "" && opts.Condition != "all" {
		condition := domain.Condition(opts.Condition)
		if !condition.Valid() {
			return nil, ValidationError{Code: CodeValidation, Field: "condition", Reason: "must be one of Pending, Overdue, all"}
		}
		f.Condition = condition
	}
	if opts.ScheduleFrom != "" {
		from, err := e.ParseSchedule(opts.ScheduleFrom)
		if err != nil {
			return nil, ValidationError{Code: CodeInvalidSchedule, Field: "schedule_from", Reason: "must match " + ScheduleLayout}
		}
		f.ScheduleFrom = storeTime(from)
	}
	if opts.ScheduleTo != "" {
		to, err := e.ParseSchedule(opts.ScheduleTo)
		if err != nil {
			return nil, ValidationError{Code: CodeInvalidSchedule, Field: "schedule_to", Reason: "must match " + ScheduleLayout}
		}
		f.ScheduleTo = storeTime(to)
	}
	if opts.empty() {
		now := e.now()
		f.ScheduleFrom = storeTime(now.Add(-ListWindow))
		f.ScheduleTo = storeTime(now.Add(ListWindow))
	}
	return e.Repo.ListActivities(ctx, f)
}

// AttachSurvey records the post-activity survey. At most one survey per
// activity; the UNIQUE constraint on surveys.activity_id backs the check.
func (e Engine) AttachSurvey(ctx context.Context, activityID string, answers map[string]any) (domain.Survey, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Survey{}, err
	}
	defer tx.Rollback()

	a, err := e.requireLiveActivity(ctx, tx, activityID, CodeActivityCancelled)
	if err != nil {
		return domain.Survey{}, err
	}
	if _, err := e.Repo.GetSurveyByActivityTx(ctx, tx, a.ID); err == nil {
		return domain.Survey{}, ConflictError{Code: CodeSurveyExists, ActivityID: a.ID}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Survey{}, err
	}
	if answers == nil {
		answers = map[string]any{}
	}
	s := domain.Survey{
		ID:         uuid.New().String(),
		ActivityID: a.ID,
		Answers:    answers,
		CreatedAt:  storeTime(e.now()),
	}
	if err := e.Repo.InsertSurveyTx(ctx, tx, s); err != nil {
		return domain.Survey{}, err
	}
	if err := e.Events.Append(ctx, tx, "survey.attached", "survey", s.ID, events.EventPayload{
		"activity_id": s.ActivityID,
	}); err != nil {
		return domain.Survey{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Survey{}, err
	}
	return s, nil
}

// SurveyForActivity fetches the survey attached to an activity. The
// activity must exist; cancelled is fine here, the survey simply may not
// be there.
func (e Engine) SurveyForActivity(ctx context.Context, activityID string) (domain.Survey, error) {
	if activityID == "" {
		return domain.Survey{}, ValidationError{Code: CodeActivityRequired, Field: "activity_id", Reason: "required"}
	}
	if _, err := e.Repo.GetActivity(ctx, activityID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Survey{}, NotFoundError{Code: CodeActivityNotFound, Kind: "activity", ID: activityID}
		}
		return domain.Survey{}, err
	}
	s, err := e.Repo.GetSurveyByActivity(ctx, activityID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Survey{}, NotFoundError{Code: CodeSurveyNotFound, Kind: "survey", ID: activityID}
		}
		return domain.Survey{}, err
	}
	return s, nil
}
