package notifier

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/voicetel/order-notifier/internal/database"
	"github.com/voicetel/order-notifier/internal/kvstore"
	"github.com/voicetel/order-notifier/internal/models"
	"github.com/voicetel/order-notifier/internal/notifylog"
	"github.com/voicetel/order-notifier/internal/safety"
	"github.com/voicetel/order-notifier/internal/state"
	"github.com/voicetel/order-notifier/internal/wati"
)

func testMessage() Message {
	return Message{
		Type:       models.Shipped,
		EntityID:   501,
		Phone:      "+966 50 000 0000",
		Template:   "order_shipped",
		Parameters: []wati.Parameter{{Name: "name", Value: "Sara"}},
	}
}

func TestDispatchSuccess(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.state.IncrementRetry(ctx, testMessage().Phone, "order_shipped")

	out := f.n.eng.dispatcher.Dispatch(ctx, testSettings(), testMessage())
	if !out.Sent() || out.Stopped {
		t.Fatalf("outcome = %+v, want sent", out)
	}

	if f.api.count() != 1 {
		t.Fatalf("sends = %d, want 1", f.api.count())
	}
	sent := f.api.sends[0]
	if sent.Phone != "966500000000" {
		t.Fatalf("phone = %q, want digits only", sent.Phone)
	}
	if sent.Req.BroadcastName != "order_shipped_1748779200" {
		t.Fatalf("broadcast name = %q", sent.Req.BroadcastName)
	}

	if n, _ := f.state.RetryCount(ctx, testMessage().Phone, "order_shipped"); n != 0 {
		t.Fatalf("retry counter = %d after success, want 0", n)
	}
	entries := f.entries(t, notifylog.Filter{Type: notifylog.TypeNotification})
	if len(entries) != 1 || entries[0].Status != notifylog.StatusSuccess {
		t.Fatalf("notification entries = %+v", entries)
	}
}

func TestDispatchRetryLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.SendFunc = func(string, wati.SendRequest) (wati.SendResult, error) {
		return wati.SendResult{StatusCode: 200, Result: false}, nil
	}

	for i := 1; i <= state.MaxRetries; i++ {
		out := f.n.eng.dispatcher.Dispatch(ctx, testSettings(), testMessage())
		if out.Kind != OutcomeFailed || !errors.Is(out.Err, ErrTransport) {
			t.Fatalf("attempt %d outcome = %+v, want failed", i, out)
		}
	}

	out := f.n.eng.dispatcher.Dispatch(ctx, testSettings(), testMessage())
	if out.Kind != OutcomeSkipped || !errors.Is(out.Err, ErrRetryLimitExceeded) {
		t.Fatalf("outcome after %d failures = %+v, want skipped", state.MaxRetries, out)
	}
	if f.api.count() != state.MaxRetries {
		t.Fatalf("sends = %d, want %d", f.api.count(), state.MaxRetries)
	}

	failed := f.entries(t, notifylog.Filter{Type: notifylog.TypeNotification, Status: notifylog.StatusError})
	if len(failed) != state.MaxRetries {
		t.Fatalf("failed notification entries = %d, want %d", len(failed), state.MaxRetries)
	}
	skipped := f.entries(t, notifylog.Filter{Type: notifylog.TypeError, Status: notifylog.StatusSkipped})
	if len(skipped) != 1 {
		t.Fatalf("skipped entries = %d, want 1", len(skipped))
	}
}

func TestDispatchBlockedByEmergencyStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if err := f.safety.ActivateEmergencyStop(ctx); err != nil {
		t.Fatal(err)
	}

	out := f.n.eng.dispatcher.Dispatch(ctx, testSettings(), testMessage())
	if out.Kind != OutcomeAborted || !safety.IsStop(out.Err) {
		t.Fatalf("outcome = %+v, want aborted", out)
	}
	if f.api.count() != 0 {
		t.Fatal("message sent during emergency stop")
	}
	if entries := f.entries(t, notifylog.Filter{Type: notifylog.TypeNotification}); len(entries) != 0 {
		t.Fatalf("notification entries = %d, want 0", len(entries))
	}
}

func TestDispatchBlockedByInactiveHost(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.kv.Set(ctx, state.KeyIntegrationActive, "0")

	out := f.n.eng.dispatcher.Dispatch(ctx, testSettings(), testMessage())
	if out.Kind != OutcomeAborted || !errors.Is(out.Err, safety.ErrHostInactive) {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestDispatchInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.Settings)
		phone   string
		wantErr error
	}{
		{name: "no token", mutate: func(s *models.Settings) { s.BearerToken = "" }, phone: "966500000000", wantErr: ErrCredentialsMissing},
		{name: "no url", mutate: func(s *models.Settings) { s.APIURL = "" }, phone: "966500000000", wantErr: ErrCredentialsMissing},
		{name: "bad endpoint", mutate: func(s *models.Settings) { s.APIURL = "https://live-server.wati.io" }, phone: "966500000000", wantErr: ErrInvalidEndpoint},
		{name: "bad phone", phone: "n/a", wantErr: ErrInvalidContact},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s := testSettings()
			if tt.mutate != nil {
				tt.mutate(&s)
			}
			msg := testMessage()
			msg.Phone = tt.phone

			out := f.n.eng.dispatcher.Dispatch(context.Background(), s, msg)
			if out.Kind != OutcomeInvalid || !errors.Is(out.Err, tt.wantErr) {
				t.Fatalf("outcome = %+v, want invalid %v", out, tt.wantErr)
			}
			if f.api.count() != 0 {
				t.Fatal("message sent for invalid input")
			}
			if entries := f.entries(t, notifylog.Filter{Type: notifylog.TypeError, Status: notifylog.StatusError}); len(entries) != 1 {
				t.Fatalf("error entries = %d, want 1", len(entries))
			}
		})
	}
}

func TestDispatchUnverifiedTemplateStillSends(t *testing.T) {
	f := newFixture(t)
	f.api.TemplateExistsFunc = func(string) (bool, error) { return false, nil }

	out := f.n.eng.dispatcher.Dispatch(context.Background(), testSettings(), testMessage())
	if !out.Sent() {
		t.Fatalf("outcome = %+v, want sent", out)
	}
	entries := f.entries(t, notifylog.Filter{Type: notifylog.TypeWarning})
	if len(entries) != 1 {
		t.Fatalf("warning entries = %d, want 1", len(entries))
	}
	if got, _ := entries[0].Details["error"].(string); got != ErrTemplateUnverified.Error() {
		t.Fatalf("warning error = %q, want %q", got, ErrTemplateUnverified)
	}
}

func TestDispatchTransportError(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.SendFunc = func(string, wati.SendRequest) (wati.SendResult, error) {
		return wati.SendResult{}, errors.New("connection reset")
	}

	out := f.n.eng.dispatcher.Dispatch(ctx, testSettings(), testMessage())
	if out.Kind != OutcomeFailed || !errors.Is(out.Err, ErrTransport) {
		t.Fatalf("outcome = %+v, want failed transport", out)
	}
	if n, _ := f.state.RetryCount(ctx, testMessage().Phone, "order_shipped"); n != 1 {
		t.Fatalf("retry counter = %d, want 1", n)
	}
}

func TestDispatchObservesStopAfterSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.api.SendFunc = func(string, wati.SendRequest) (wati.SendResult, error) {
		f.safety.ActivateEmergencyStop(ctx)
		return wati.SendResult{StatusCode: 200, Result: true}, nil
	}

	out := f.n.eng.dispatcher.Dispatch(ctx, testSettings(), testMessage())
	if !out.Sent() || !out.Stopped {
		t.Fatalf("outcome = %+v, want sent and stopped", out)
	}
}

func newSQLiteFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.InitSQLite(filepath.Join(t.TempDir(), "notifier.db"), 0)
	if err != nil {
		t.Fatalf("InitSQLite error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := database.InitSchema(db); err != nil {
		t.Fatalf("InitSchema error: %v", err)
	}
	return newFixtureOn(t, kvstore.NewSQLite(db))
}

func TestDispatchRecordsAttemptAfterCancel(t *testing.T) {
	tests := []struct {
		name       string
		result     wati.SendResult
		sendErr    error
		wantKind   OutcomeKind
		wantStatus notifylog.Status
		wantRetry  int
	}{
		{name: "accepted", result: wati.SendResult{StatusCode: 200, Result: true}, wantKind: OutcomeSent, wantStatus: notifylog.StatusSuccess},
		{name: "interrupted", sendErr: context.Canceled, wantKind: OutcomeFailed, wantStatus: notifylog.StatusError, wantRetry: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newSQLiteFixture(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			f.api.SendFunc = func(string, wati.SendRequest) (wati.SendResult, error) {
				cancel()
				return tt.result, tt.sendErr
			}

			out := f.n.eng.dispatcher.Dispatch(ctx, testSettings(), testMessage())
			if out.Kind != tt.wantKind {
				t.Fatalf("outcome = %+v, want %s", out, tt.wantKind)
			}

			entries := f.entries(t, notifylog.Filter{Type: notifylog.TypeNotification})
			if len(entries) != 1 || entries[0].Status != tt.wantStatus {
				t.Fatalf("notification entries = %+v, want one %s entry", entries, tt.wantStatus)
			}
			n, err := f.state.RetryCount(context.Background(), testMessage().Phone, "order_shipped")
			if err != nil || n != tt.wantRetry {
				t.Fatalf("retry counter = %d, %v; want %d", n, err, tt.wantRetry)
			}
		})
	}
}

func TestDigitsOnly(t *testing.T) {
	tests := map[string]string{
		"+966 (50) 000-0000": "966500000000",
		"0500000000":         "0500000000",
		"abc":                "",
		"":                   "",
	}
	for in, want := range tests {
		if got := digitsOnly(in); got != want {
			t.Errorf("digitsOnly(%q) = %q, want %q", in, got, want)
		}
	}
}
