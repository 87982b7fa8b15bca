package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"upkeep/internal/config"
	"upkeep/internal/db"
	"upkeep/internal/domain"
	"upkeep/internal/engine"
	"upkeep/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	e.Now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	srvCtx, stop := context.WithCancel(context.Background())
	handler, err := New(srvCtx, Config{Engine: e, BasePath: "/v0", Auth: auth, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			stop()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func errCode(t *testing.T, data []byte) string {
	t.Helper()
	var env errEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func createProperty(t *testing.T, srv *testServer) domain.Property {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/properties", map[string]any{
		"title":   "Rose Cottage",
		"address": "1 Main St",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create property: %d %s", res.StatusCode, string(data))
	}
	var p domain.Property
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal property: %v", err)
	}
	return p
}

func TestScheduleConflictLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()
	p := createProperty(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities", map[string]any{
		"property_id": p.ID, "title": "boiler service", "schedule": "2024-06-02T10:00",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create A1: %d %s", res.StatusCode, string(data))
	}
	var a1 domain.Activity
	_ = json.Unmarshal(data, &a1)
	if a1.Condition != domain.ConditionPending {
		t.Fatalf("A1 should be Pending, got %s", a1.Condition)
	}

	// 30 minutes later is inside A1's window
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities", map[string]any{
		"property_id": p.ID, "title": "gutter clean", "schedule": "2024-06-02T10:30",
	}, nil)
	if res.StatusCode != http.StatusBadRequest || errCode(t, data) != engine.CodeScheduleConflict {
		t.Fatalf("expected schedule_conflict, got %d %s", res.StatusCode, string(data))
	}

	// two hours clears the window
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities", map[string]any{
		"property_id": p.ID, "title": "gutter clean", "schedule": "2024-06-02T12:00",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create A2: %d %s", res.StatusCode, string(data))
	}
	var a2 domain.Activity
	_ = json.Unmarshal(data, &a2)

	// cancel A2, cancel again
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/activities/"+a2.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel A2: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/activities/"+a2.ID, nil, nil)
	if res.StatusCode != http.StatusBadRequest || errCode(t, data) != engine.CodeAlreadyCancelled {
		t.Fatalf("expected already_cancelled, got %d %s", res.StatusCode, string(data))
	}

	// A2's slot is free again
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities", map[string]any{
		"property_id": p.ID, "title": "gutter clean retry", "schedule": "2024-06-02T12:00",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("reuse cancelled slot: %d %s", res.StatusCode, string(data))
	}
}

func TestRescheduleEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()
	p := createProperty(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities", map[string]any{
		"property_id": p.ID, "title": "visit", "schedule": "2024-06-02T10:00",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", res.StatusCode, string(data))
	}
	var a domain.Activity
	_ = json.Unmarshal(data, &a)

	// past target
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/activities/"+a.ID, map[string]any{
		"schedule": "2024-05-01T10:00",
	}, nil)
	if res.StatusCode != http.StatusBadRequest || errCode(t, data) != engine.CodeScheduleInPast {
		t.Fatalf("expected schedule_in_past, got %d %s", res.StatusCode, string(data))
	}

	// only schedule may appear in the patch body
	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/activities/"+a.ID, map[string]any{
		"schedule": "2024-06-03T10:00", "title": "renamed",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected rejection of extra fields, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/activities/"+a.ID, map[string]any{
		"schedule": "2024-06-03T10:00",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reschedule: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/activities/"+a.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", res.StatusCode, string(data))
	}
	var got domain.Activity
	_ = json.Unmarshal(data, &got)
	if got.Schedule != "2024-06-03T10:00:00Z" {
		t.Fatalf("expected new schedule, got %s", got.Schedule)
	}
}

func TestSurveyEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()
	p := createProperty(t, srv)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities", map[string]any{
		"property_id": p.ID, "title": "visit", "schedule": "2024-06-02T10:00",
	}, nil)
	var a domain.Activity
	_ = json.Unmarshal(data, &a)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities/"+a.ID+"/survey", map[string]any{
		"answers": map[string]any{"boiler": "ok", "score": 5},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("attach survey: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities/"+a.ID+"/survey", map[string]any{
		"answers": map[string]any{"boiler": "bad"},
	}, nil)
	if res.StatusCode != http.StatusBadRequest || errCode(t, data) != engine.CodeSurveyExists {
		t.Fatalf("expected survey_exists, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/activities/"+a.ID+"/survey", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get survey: %d %s", res.StatusCode, string(data))
	}
	var s domain.Survey
	_ = json.Unmarshal(data, &s)
	if s.Answers["boiler"] != "ok" {
		t.Fatalf("unexpected answers %v", s.Answers)
	}

	// missing survey and missing activity are both client errors
	_, data2 := doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities", map[string]any{
		"property_id": p.ID, "title": "bare", "schedule": "2024-06-03T10:00",
	}, nil)
	var bare domain.Activity
	_ = json.Unmarshal(data2, &bare)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/activities/"+bare.ID+"/survey", nil, nil)
	if res.StatusCode != http.StatusBadRequest || errCode(t, data) != engine.CodeSurveyNotFound {
		t.Fatalf("expected survey_not_found, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/activities/ghost/survey", nil, nil)
	if res.StatusCode != http.StatusBadRequest || errCode(t, data) != engine.CodeActivityNotFound {
		t.Fatalf("expected activity_not_found, got %d %s", res.StatusCode, string(data))
	}
}

func TestReadOnlyFieldsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()
	p := createProperty(t, srv)

	// status and condition are system-managed; supplying them is an error,
	// never a silent drop
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities", map[string]any{
		"property_id": p.ID, "title": "visit", "schedule": "2024-06-02T10:00", "status": "cancelled",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected rejection of status, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities", map[string]any{
		"property_id": p.ID, "title": "visit", "schedule": "2024-06-02T10:00", "condition": "Pending",
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected rejection of condition, got %d %s", res.StatusCode, string(data))
	}
	// and the activity must not have been created
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/activities?property_id="+p.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(data))
	}
	var list struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(data, &list)
	if list.Count != 0 {
		t.Fatalf("rejected creates must not persist, got %d", list.Count)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{AllowAnonymous: true})
	defer cleanup()
	client := srv.Client()
	p := createProperty(t, srv)

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/activities", map[string]any{
		"property_id": p.ID, "title": "visit", "schedule": "2024-06-02T10:00",
	}, nil)
	var a domain.Activity
	_ = json.Unmarshal(data, &a)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=activity", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var events []EventResponse
	if err := json.Unmarshal(data, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "activity.created" {
		t.Fatalf("expected one activity.created event, got %s", string(data))
	}
	if events[0].Payload["property_id"] != p.ID {
		t.Fatalf("payload should carry property_id")
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t, AuthConfig{JWTSecret: "test-secret"})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/properties", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	// health stays open
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should not require auth, got %d", res.StatusCode)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/properties", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}
