package notifier

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voicetel/order-notifier/internal/config"
	"github.com/voicetel/order-notifier/internal/kvstore"
	"github.com/voicetel/order-notifier/internal/models"
	"github.com/voicetel/order-notifier/internal/notifylog"
	"github.com/voicetel/order-notifier/internal/safety"
	"github.com/voicetel/order-notifier/internal/settings"
	"github.com/voicetel/order-notifier/internal/state"
	"github.com/voicetel/order-notifier/internal/wati"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSource struct {
	carts  []models.Cart
	orders []models.Order
	meta   map[int64]map[string]string
	err    error
}

func (f *fakeSource) AbandonedCarts(ctx context.Context, olderThan time.Time) ([]models.Cart, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Cart
	for _, c := range f.carts {
		if !c.Time.After(olderThan) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeSource) OrdersByStatus(ctx context.Context, statuses ...string) ([]models.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Order
	for _, o := range f.orders {
		for _, s := range statuses {
			if o.Status == s {
				out = append(out, o)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeSource) Order(ctx context.Context, id int64) (*models.Order, error) {
	for _, o := range f.orders {
		if o.ID == id {
			o := o
			return &o, nil
		}
	}
	return nil, nil
}

func (f *fakeSource) OrdersWithTracking(ctx context.Context, metaKey string) ([]models.Order, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Order
	for _, o := range f.orders {
		if o.TrackingNumber != "" {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeSource) OrderMeta(ctx context.Context, id int64, key string) (string, error) {
	return f.meta[id][key], nil
}

// fakeMessenger records sends; by default every template exists and every
// send succeeds.
type fakeMessenger struct {
	mu    sync.Mutex
	sends []sentMessage

	TemplateExistsFunc func(name string) (bool, error)
	SendFunc           func(phone string, msg wati.SendRequest) (wati.SendResult, error)
}

type sentMessage struct {
	Phone string
	Req   wati.SendRequest
}

func (f *fakeMessenger) TemplateExists(ctx context.Context, endpoint wati.Endpoint, token, name string) (bool, error) {
	if f.TemplateExistsFunc != nil {
		return f.TemplateExistsFunc(name)
	}
	return true, nil
}

func (f *fakeMessenger) SendTemplateMessage(ctx context.Context, endpoint wati.Endpoint, token, phone string, msg wati.SendRequest) (wati.SendResult, error) {
	f.mu.Lock()
	f.sends = append(f.sends, sentMessage{Phone: phone, Req: msg})
	f.mu.Unlock()
	if f.SendFunc != nil {
		return f.SendFunc(phone, msg)
	}
	return wati.SendResult{StatusCode: 200, Result: true}, nil
}

func (f *fakeMessenger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sends)
}

type fixture struct {
	kv       kvstore.Store
	clock    *clock
	state    *state.Store
	log      *notifylog.Log
	safety   *safety.Coordinator
	settings *settings.Store
	source   *fakeSource
	api      *fakeMessenger
	cfg      *config.Config
	pacer    Pacer
	n        *Notifier
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, kvstore.NewMemory())
}

func newFixtureOn(t *testing.T, kv kvstore.Store) *fixture {
	t.Helper()
	f := &fixture{
		kv:     kv,
		clock:  &clock{t: testNow},
		source: &fakeSource{},
		api:    &fakeMessenger{},
		cfg:    &config.Config{},
		pacer:  NoPacing,
	}
	f.state = state.New(f.kv).WithClock(f.clock.now)
	f.log = notifylog.New(f.kv).WithClock(f.clock.now)
	f.safety = safety.New(f.kv, f.state, f.log, discardLogger(), safety.Options{
		Host:      "web-1",
		ProcessID: 1,
		Now:       f.clock.now,
	})
	f.settings = settings.NewStore(f.kv)
	f.rebuild()
	return f
}

func (f *fixture) rebuild() {
	f.n = New(Deps{
		State:     f.state,
		Log:       f.log,
		Safety:    f.safety,
		Settings:  f.settings,
		Source:    f.source,
		Messenger: f.api,
		Pacer:     f.pacer,
		Logger:    discardLogger(),
		Now:       f.clock.now,
	}, f.cfg)
}

func (f *fixture) saveSettings(t *testing.T, s models.Settings) {
	t.Helper()
	if err := f.settings.Save(context.Background(), s); err != nil {
		t.Fatalf("Save settings error: %v", err)
	}
}

func (f *fixture) entries(t *testing.T, filter notifylog.Filter) []notifylog.Entry {
	t.Helper()
	entries, err := f.log.List(context.Background(), filter)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	return entries
}

func testSettings() models.Settings {
	cond := func(template string, delay int, unit models.DelayUnit) models.Condition {
		return models.Condition{
			Enabled:      true,
			TemplateName: template,
			DelayTime:    delay,
			DelayUnit:    unit,
			Variables: []models.TemplateVariable{
				{Type: models.VarCustomerName, TemplateName: "name"},
				{Type: models.VarOrderNumber, TemplateName: "order"},
			},
		}
	}
	return models.Settings{
		Enabled:      true,
		APIURL:       "https://live-server.wati.io/1001",
		BearerToken:  "secret",
		CutoffDate:   "2025-04-22",
		CronInterval: 5,
		CronUnit:     models.Minutes,
		Conditions: map[models.NotificationType]models.Condition{
			models.Abandoned:  cond("cart_reminder", 120, models.Minutes),
			models.Discount:   cond("cart_discount", 24, models.Hours),
			models.Processing: cond("order_processing", 1, models.Minutes),
			models.Shipped:    cond("order_shipped", 30, models.Minutes),
			models.Tracking:   cond("order_tracking", 1, models.Minutes),
		},
	}
}

// countingPacer counts pacing steps and fails from call failAt onwards.
type countingPacer struct {
	calls  int
	failAt int
	err    error
}

func (p *countingPacer) Pace(ctx context.Context) error {
	p.calls++
	if p.err != nil && p.calls >= p.failAt {
		return p.err
	}
	return nil
}
