package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/voicetel/order-notifier/internal/kvstore"
	"github.com/voicetel/order-notifier/internal/models"
	"github.com/voicetel/order-notifier/internal/notifylog"
	"github.com/voicetel/order-notifier/internal/safety"
	"github.com/voicetel/order-notifier/internal/settings"
	"github.com/voicetel/order-notifier/internal/state"
	"github.com/voicetel/order-notifier/internal/wati"
)

const testToken = "admin-secret"

type fakeNotifier struct {
	mu       sync.Mutex
	reset    []int64
	statuses []string
	tracking []string

	TestFunc func() (map[models.NotificationType]*models.Report, error)
}

func (f *fakeNotifier) Test(ctx context.Context) (map[models.NotificationType]*models.Report, error) {
	if f.TestFunc != nil {
		return f.TestFunc()
	}
	return map[models.NotificationType]*models.Report{}, nil
}

func (f *fakeNotifier) Stats(ctx context.Context) (map[string]interface{}, error) {
	return map[string]interface{}{"total_notifications": 3}, nil
}

func (f *fakeNotifier) ResetOrders(ctx context.Context, ids []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reset = append(f.reset, ids...)
	return nil
}

func (f *fakeNotifier) OnOrderStatusChanged(ctx context.Context, orderID int64, oldStatus, newStatus string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, newStatus)
	return nil
}

func (f *fakeNotifier) OnTrackingNumberUpdated(ctx context.Context, orderID int64, metaKey, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracking = append(f.tracking, value)
	return nil
}

type fakeTemplates struct {
	templates []wati.Template
	err       error
}

func (f *fakeTemplates) Templates(ctx context.Context, endpoint wati.Endpoint, token string) ([]wati.Template, error) {
	return f.templates, f.err
}

type fixture struct {
	kv       kvstore.Store
	settings *settings.Store
	log      *notifylog.Log
	notifier *fakeNotifier
	tmpl     *fakeTemplates
	saved    []models.Settings
	srv      *Server
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	kv := kvstore.NewMemory()
	st := state.New(kv)
	nlog := notifylog.New(kv)

	f := &fixture{
		kv:       kv,
		settings: settings.NewStore(kv),
		log:      nlog,
		notifier: &fakeNotifier{},
		tmpl:     &fakeTemplates{templates: []wati.Template{{ElementName: "order_shipped", Status: "APPROVED"}}},
	}
	f.srv = New(Deps{
		Notifier:        f.notifier,
		Safety:          safety.New(kv, st, nlog, logger, safety.Options{Host: "web-1", ProcessID: 1}),
		Settings:        f.settings,
		Logs:            nlog,
		Templates:       f.tmpl,
		Logger:          logger,
		Token:           testToken,
		OnSettingsSaved: func(s models.Settings) { f.saved = append(f.saved, s) },
	})
	f.handler = f.srv.Router()

	s := settings.Defaults()
	s.Enabled = true
	s.APIURL = "https://live-server.wati.io/1001"
	s.BearerToken = "wati-token-1234"
	if err := f.settings.Save(context.Background(), s); err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Authorization", "Bearer "+testToken)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestRequireToken(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name   string
		header string
	}{
		{name: "missing"},
		{name: "wrong", header: "Bearer nope"},
		{name: "not bearer", header: testToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
		})
	}

	open := New(Deps{Logger: slog.Default()}).Router()
	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("empty configured token: status = %d, want 401", rec.Code)
	}
}

func TestEmergencyStopEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/emergency-stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST status = %d: %s", rec.Code, rec.Body)
	}
	var st safety.Status
	decode(t, rec, &st)
	if st.EmergencyStop == nil || !st.EmergencyStop.Active || !st.StopSignalFresh {
		t.Fatalf("status after activation = %+v", st)
	}

	rec = f.do(t, http.MethodDelete, "/api/emergency-stop", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE status = %d: %s", rec.Code, rec.Body)
	}
	st = safety.Status{}
	decode(t, rec, &st)
	if st.EmergencyStop != nil && st.EmergencyStop.Active {
		t.Fatalf("status after clear = %+v", st)
	}
}

func TestSettingsMasksToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/settings", "")
	var got models.Settings
	decode(t, rec, &got)
	if got.BearerToken != "****1234" {
		t.Fatalf("token = %q, want masked", got.BearerToken)
	}

	got.CronInterval = 15
	body, _ := json.Marshal(got)
	rec = f.do(t, http.MethodPut, "/api/settings", string(body))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("PUT status = %d: %s", rec.Code, rec.Body)
	}

	stored, _ := f.settings.Load(context.Background())
	if stored.BearerToken != "wati-token-1234" || stored.CronInterval != 15 {
		t.Fatalf("stored = %+v, want original token kept", stored)
	}
	if len(f.saved) != 1 || f.saved[0].CronInterval != 15 {
		t.Fatalf("OnSettingsSaved calls = %+v", f.saved)
	}
}

func TestPutSettingsRejectsInvalid(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPut, "/api/settings", `{"cutoff_date":"yesterday"}`)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", rec.Code)
	}
	rec = f.do(t, http.MethodPut, "/api/settings", `{`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if len(f.saved) != 0 {
		t.Fatal("OnSettingsSaved called for rejected settings")
	}
}

func TestTestEndpoint(t *testing.T) {
	f := newFixture(t)
	f.notifier.TestFunc = func() (map[models.NotificationType]*models.Report, error) {
		return map[models.NotificationType]*models.Report{models.Shipped: {Type: models.Shipped, Eligible: 2}}, nil
	}
	rec := f.do(t, http.MethodPost, "/api/test", "")
	var reports map[models.NotificationType]models.Report
	decode(t, rec, &reports)
	if reports[models.Shipped].Eligible != 2 {
		t.Fatalf("reports = %+v", reports)
	}

	f.notifier.TestFunc = func() (map[models.NotificationType]*models.Report, error) {
		return nil, errors.New("notifications are disabled")
	}
	if rec := f.do(t, http.MethodPost, "/api/test", ""); rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.log.Append(ctx, notifylog.Entry{Type: notifylog.TypeNotification, Status: notifylog.StatusSuccess})
	}
	f.log.Append(ctx, notifylog.Entry{Type: notifylog.TypeCron, Status: notifylog.StatusInfo})

	var entries []notifylog.Entry
	decode(t, f.do(t, http.MethodGet, "/api/logs?type=notification&limit=2", ""), &entries)
	if len(entries) != 2 || entries[0].Type != notifylog.TypeNotification {
		t.Fatalf("entries = %+v", entries)
	}

	if rec := f.do(t, http.MethodGet, "/api/logs?limit=ten", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestResetOrders(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/reset-orders", `{"order_ids":[5,6]}`)
	var resp map[string]int
	decode(t, rec, &resp)
	if resp["reset"] != 2 || len(f.notifier.reset) != 2 {
		t.Fatalf("response = %v, reset = %v", resp, f.notifier.reset)
	}

	if rec := f.do(t, http.MethodPost, "/api/reset-orders", `{"order_ids":[]}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTemplates(t *testing.T) {
	f := newFixture(t)

	var tmpl wati.Template
	decode(t, f.do(t, http.MethodGet, "/api/templates/order_shipped", ""), &tmpl)
	if tmpl.Status != "APPROVED" {
		t.Fatalf("template = %+v", tmpl)
	}
	if rec := f.do(t, http.MethodGet, "/api/templates/missing", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	f.tmpl.err = errors.New("upstream down")
	if rec := f.do(t, http.MethodGet, "/api/templates", ""); rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestEventWebhooks(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/events/order-status", `{"order_id":42,"old_status":"processing","new_status":"completed"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/events/tracking", `{"order_id":42,"meta_key":"smsa_awb_no","meta_value":"AWB42"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	f.srv.Wait()

	if len(f.notifier.statuses) != 1 || f.notifier.statuses[0] != "completed" {
		t.Fatalf("status events = %v", f.notifier.statuses)
	}
	if len(f.notifier.tracking) != 1 || f.notifier.tracking[0] != "AWB42" {
		t.Fatalf("tracking events = %v", f.notifier.tracking)
	}

	if rec := f.do(t, http.MethodPost, "/api/events/order-status", `{"new_status":"completed"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}
