package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"upkeep/internal/config"
	"upkeep/internal/db"
	"upkeep/internal/domain"
	"upkeep/internal/engine"
	"upkeep/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

// fixedNow anchors every test clock so conditions and windows are stable.
var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return fixedNow }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func mustProperty(t *testing.T, env testEnv) domain.Property {
	t.Helper()
	p, err := env.Engine.CreateProperty(env.Ctx, engine.PropertyCreateOptions{
		Title:   "Rose Cottage",
		Address: "1 Main St",
	})
	if err != nil {
		t.Fatalf("create property: %v", err)
	}
	return p
}

func mustActivity(t *testing.T, env testEnv, propertyID, title, schedule string) domain.Activity {
	t.Helper()
	a, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{
		PropertyID: propertyID,
		Title:      title,
		Schedule:   schedule,
	})
	if err != nil {
		t.Fatalf("create activity %q: %v", title, err)
	}
	return a
}

func TestConflictWindowBoundaries(t *testing.T) {
	env := newTestEnv(t)
	p := mustProperty(t, env)
	first := mustActivity(t, env, p.ID, "boiler service", "2024-06-02T10:00")

	// exactly one hour after is still inside the window
	_, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{
		PropertyID: p.ID, Title: "gutter clean", Schedule: "2024-06-02T11:00",
	})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict at +1h, got %v", err)
	}
	if ce.ActivityID != first.ID {
		t.Fatalf("conflict should name %s, got %s", first.ID, ce.ActivityID)
	}

	// exactly one hour before is also inside
	_, err = env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{
		PropertyID: p.ID, Title: "gutter clean", Schedule: "2024-06-02T09:00",
	})
	if !errors.As(err, &ce) {
		t.Fatalf("expected conflict at -1h, got %v", err)
	}

	// one minute past the boundary clears it
	if _, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{
		PropertyID: p.ID, Title: "gutter clean", Schedule: "2024-06-02T11:01",
	}); err != nil {
		t.Fatalf("expected no conflict at +1h1m: %v", err)
	}

	// same instant on a different property is fine
	other := mustProperty(t, env)
	if _, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{
		PropertyID: other.ID, Title: "boiler service", Schedule: "2024-06-02T10:00",
	}); err != nil {
		t.Fatalf("expected no cross-property conflict: %v", err)
	}
}

func TestCancelledActivityFreesSlot(t *testing.T) {
	env := newTestEnv(t)
	p := mustProperty(t, env)
	a := mustActivity(t, env, p.ID, "inspection", "2024-06-03T09:00")

	if _, err := env.Engine.CancelActivity(env.Ctx, a.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// slot is free again
	if _, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{
		PropertyID: p.ID, Title: "inspection retry", Schedule: "2024-06-03T09:00",
	}); err != nil {
		t.Fatalf("expected cancelled activity to free the slot: %v", err)
	}
}

func TestCancelIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	p := mustProperty(t, env)
	a := mustActivity(t, env, p.ID, "inspection", "2024-06-03T09:00")

	got, err := env.Engine.CancelActivity(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.ActivityCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	var se engine.StateError
	if _, err := env.Engine.CancelActivity(env.Ctx, a.ID); !errors.As(err, &se) || se.Code != engine.CodeAlreadyCancelled {
		t.Fatalf("expected already_cancelled, got %v", err)
	}
	if _, err := env.Engine.RescheduleActivity(env.Ctx, a.ID, "2024-06-10T09:00"); !errors.As(err, &se) || se.Code != engine.CodeAlreadyCancelled {
		t.Fatalf("expected already_cancelled on reschedule, got %v", err)
	}
	if _, err := env.Engine.AttachSurvey(env.Ctx, a.ID, nil); !errors.As(err, &se) || se.Code != engine.CodeActivityCancelled {
		t.Fatalf("expected activity_cancelled on survey, got %v", err)
	}
}

func TestConditionSnapshot(t *testing.T) {
	env := newTestEnv(t)
	p := mustProperty(t, env)

	future := mustActivity(t, env, p.ID, "ahead", "2024-06-02T10:00")
	if future.Condition != domain.ConditionPending {
		t.Fatalf("future schedule should be Pending, got %s", future.Condition)
	}
	past := mustActivity(t, env, p.ID, "late", "2024-05-20T10:00")
	if past.Condition != domain.ConditionOverdue {
		t.Fatalf("past schedule should be Overdue, got %s", past.Condition)
	}
	// schedule equal to now is not strictly after, so Overdue
	edge := mustActivity(t, env, p.ID, "right now", "2024-06-01T12:00")
	if edge.Condition != domain.ConditionOverdue {
		t.Fatalf("schedule == now should be Overdue, got %s", edge.Condition)
	}
}

func TestReschedule(t *testing.T) {
	env := newTestEnv(t)
	p := mustProperty(t, env)
	a := mustActivity(t, env, p.ID, "late visit", "2024-05-20T10:00")
	blocker := mustActivity(t, env, p.ID, "blocker", "2024-06-05T10:00")

	// into the past is refused
	var ve engine.ValidationError
	if _, err := env.Engine.RescheduleActivity(env.Ctx, a.ID, "2024-05-25T10:00"); !errors.As(err, &ve) || ve.Code != engine.CodeScheduleInPast {
		t.Fatalf("expected schedule_in_past, got %v", err)
	}

	// into another activity's window is refused
	var ce engine.ConflictError
	if _, err := env.Engine.RescheduleActivity(env.Ctx, a.ID, "2024-06-05T10:30"); !errors.As(err, &ce) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if ce.ActivityID != blocker.ID {
		t.Fatalf("conflict should name blocker")
	}

	// the activity's own slot does not block it
	moved, err := env.Engine.RescheduleActivity(env.Ctx, blocker.ID, "2024-06-05T10:30")
	if err != nil {
		t.Fatalf("reschedule within own window: %v", err)
	}
	if moved.Condition != domain.ConditionPending {
		t.Fatalf("rescheduled activity should be Pending, got %s", moved.Condition)
	}
	if moved.Schedule != "2024-06-05T10:30:00Z" {
		t.Fatalf("unexpected stored schedule %s", moved.Schedule)
	}
}

func TestScheduleFormatStrict(t *testing.T) {
	env := newTestEnv(t)
	p := mustProperty(t, env)
	for _, raw := range []string{"2024-06-02", "2024-06-02T10:00:00", "02/06/2024 10:00", "2024-06-02T10:00Z", ""} {
		_, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{
			PropertyID: p.ID, Title: "bad", Schedule: raw,
		})
		var ve engine.ValidationError
		if !errors.As(err, &ve) || ve.Code != engine.CodeInvalidSchedule {
			t.Fatalf("schedule %q: expected invalid_schedule_format, got %v", raw, err)
		}
	}
}

func TestCreateActivityGuards(t *testing.T) {
	env := newTestEnv(t)

	var ve engine.ValidationError
	if _, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{Title: "x", Schedule: "2024-06-02T10:00"}); !errors.As(err, &ve) || ve.Code != engine.CodePropertyRequired {
		t.Fatalf("expected property_required, got %v", err)
	}

	var nf engine.NotFoundError
	if _, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{PropertyID: "ghost", Title: "x", Schedule: "2024-06-02T10:00"}); !errors.As(err, &nf) || nf.Code != engine.CodePropertyNotFound {
		t.Fatalf("expected property_not_found, got %v", err)
	}

	inactive, err := env.Engine.CreateProperty(env.Ctx, engine.PropertyCreateOptions{
		Title: "Closed", Address: "2 Side St", Status: domain.PropertyInactive,
	})
	if err != nil {
		t.Fatalf("create inactive property: %v", err)
	}
	var se engine.StateError
	if _, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{PropertyID: inactive.ID, Title: "x", Schedule: "2024-06-02T10:00"}); !errors.As(err, &se) || se.Code != engine.CodePropertyNotActive {
		t.Fatalf("expected property_not_active, got %v", err)
	}
}

func TestPropertyDisabledAt(t *testing.T) {
	env := newTestEnv(t)
	p := mustProperty(t, env)
	if p.DisabledAt != nil {
		t.Fatalf("active property should have no disabled_at")
	}

	p, err := env.Engine.UpdateProperty(env.Ctx, engine.PropertyUpdateOptions{ID: p.ID, Status: domain.PropertyInactive})
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if p.DisabledAt == nil {
		t.Fatalf("leaving Active should stamp disabled_at")
	}

	p, err = env.Engine.UpdateProperty(env.Ctx, engine.PropertyUpdateOptions{ID: p.ID, Status: domain.PropertyActive})
	if err != nil {
		t.Fatalf("re-enable: %v", err)
	}
	if p.DisabledAt != nil {
		t.Fatalf("returning to Active should clear disabled_at")
	}
}

func TestSurveyRules(t *testing.T) {
	env := newTestEnv(t)
	p := mustProperty(t, env)
	a := mustActivity(t, env, p.ID, "visit", "2024-06-02T10:00")

	s, err := env.Engine.AttachSurvey(env.Ctx, a.ID, map[string]any{"boiler": "ok"})
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if s.ActivityID != a.ID {
		t.Fatalf("survey bound to wrong activity")
	}

	var ce engine.ConflictError
	if _, err := env.Engine.AttachSurvey(env.Ctx, a.ID, map[string]any{"boiler": "bad"}); !errors.As(err, &ce) || ce.Code != engine.CodeSurveyExists {
		t.Fatalf("expected survey_exists, got %v", err)
	}

	// cancelled activity keeps its survey readable
	if _, err := env.Engine.CancelActivity(env.Ctx, a.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	got, err := env.Engine.SurveyForActivity(env.Ctx, a.ID)
	if err != nil {
		t.Fatalf("fetch after cancel: %v", err)
	}
	if got.ID != s.ID {
		t.Fatalf("wrong survey returned")
	}

	// no survey yet
	b := mustActivity(t, env, p.ID, "other visit", "2024-06-03T10:00")
	var nf engine.NotFoundError
	if _, err := env.Engine.SurveyForActivity(env.Ctx, b.ID); !errors.As(err, &nf) || nf.Code != engine.CodeSurveyNotFound {
		t.Fatalf("expected survey_not_found, got %v", err)
	}
	if _, err := env.Engine.SurveyForActivity(env.Ctx, "ghost"); !errors.As(err, &nf) || nf.Code != engine.CodeActivityNotFound {
		t.Fatalf("expected activity_not_found, got %v", err)
	}
}

func TestListActivitiesWindowAndFilters(t *testing.T) {
	env := newTestEnv(t)
	p := mustProperty(t, env)
	inside := mustActivity(t, env, p.ID, "inside", "2024-06-02T10:00")
	farAhead := mustActivity(t, env, p.ID, "far ahead", "2024-06-20T10:00")
	longAgo := mustActivity(t, env, p.ID, "long ago", "2024-05-01T10:00")

	// no filters: only the ±7 day window
	items, err := env.Engine.ListActivities(env.Ctx, engine.ActivityListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ID != inside.ID {
		t.Fatalf("expected only the in-window activity, got %d", len(items))
	}

	// any filter disables the implicit window
	items, err = env.Engine.ListActivities(env.Ctx, engine.ActivityListOptions{PropertyID: p.ID})
	if err != nil {
		t.Fatalf("list by property: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 activities, got %d", len(items))
	}

	// cancelled activities are filterable, not hidden
	if _, err := env.Engine.CancelActivity(env.Ctx, farAhead.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	items, err = env.Engine.ListActivities(env.Ctx, engine.ActivityListOptions{PropertyID: p.ID, Status: "cancelled"})
	if err != nil {
		t.Fatalf("list cancelled: %v", err)
	}
	if len(items) != 1 || items[0].ID != farAhead.ID {
		t.Fatalf("expected the cancelled activity")
	}
	items, err = env.Engine.ListActivities(env.Ctx, engine.ActivityListOptions{PropertyID: p.ID, Status: "all"})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("status=all should include cancelled, got %d", len(items))
	}

	items, err = env.Engine.ListActivities(env.Ctx, engine.ActivityListOptions{PropertyID: p.ID, Condition: "Overdue"})
	if err != nil {
		t.Fatalf("list overdue: %v", err)
	}
	if len(items) != 1 || items[0].ID != longAgo.ID {
		t.Fatalf("expected the overdue activity")
	}

	// inclusive schedule bounds
	items, err = env.Engine.ListActivities(env.Ctx, engine.ActivityListOptions{ScheduleFrom: "2024-06-02T10:00", ScheduleTo: "2024-06-02T10:00"})
	if err != nil {
		t.Fatalf("list bounds: %v", err)
	}
	if len(items) != 1 || items[0].ID != inside.ID {
		t.Fatalf("bounds should be inclusive")
	}

	var ve engine.ValidationError
	if _, err := env.Engine.ListActivities(env.Ctx, engine.ActivityListOptions{Status: "bogus"}); !errors.As(err, &ve) {
		t.Fatalf("expected validation error for bogus status, got %v", err)
	}
}

func TestEventsLogged(t *testing.T) {
	env := newTestEnv(t)
	p := mustProperty(t, env)
	a := mustActivity(t, env, p.ID, "visit", "2024-06-02T10:00")
	if _, err := env.Engine.RescheduleActivity(env.Ctx, a.ID, "2024-06-04T10:00"); err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if _, err := env.Engine.CancelActivity(env.Ctx, a.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "activity", a.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected created/rescheduled/cancelled events, got %d", len(events))
	}
	if events[0].Type != "activity.cancelled" {
		t.Fatalf("newest first, got %s", events[0].Type)
	}
}

func TestTimezoneAwareParsing(t *testing.T) {
	env := newTestEnv(t)
	cfg := config.Default()
	cfg.Site.Timezone = "America/New_York"
	env.Engine.Config = cfg
	p := mustProperty(t, env)

	// 09:00 in New York is 13:00 UTC in June (EDT)
	a := mustActivity(t, env, p.ID, "visit", "2024-06-02T09:00")
	if a.Schedule != "2024-06-02T13:00:00Z" {
		t.Fatalf("expected UTC storage, got %s", a.Schedule)
	}
}

func TestConcurrentCreatesSingleWinner(t *testing.T) {
	env := newTestEnv(t)
	p := mustProperty(t, env)

	// Each iteration races two creates onto the same slot. Windows sit 3h
	// apart so iterations cannot conflict with each other.
	base := time.Date(2024, 6, 2, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 16; i++ {
		schedule := base.Add(time.Duration(i) * 3 * time.Hour).Format(engine.ScheduleLayout)
		errs := make(chan error, 2)
		var wg sync.WaitGroup
		for g := 0; g < 2; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := env.Engine.CreateActivity(env.Ctx, engine.ActivityCreateOptions{
					PropertyID: p.ID, Title: "inspection", Schedule: schedule,
				})
				errs <- err
			}()
		}
		wg.Wait()
		close(errs)

		var committed, conflicted int
		for err := range errs {
			if err == nil {
				committed++
				continue
			}
			var ce engine.ConflictError
			if !errors.As(err, &ce) {
				t.Fatalf("slot %s: unexpected error %v", schedule, err)
			}
			conflicted++
		}
		if committed != 1 || conflicted != 1 {
			t.Fatalf("slot %s: %d committed, %d conflicted; want exactly one of each", schedule, committed, conflicted)
		}
	}
}
