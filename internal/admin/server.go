// Package admin is the JSON admin API served in daemon mode: status,
// settings, test reports, logs, emergency stop and order event webhooks.
package admin

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"github.com/voicetel/order-notifier/internal/models"
	"github.com/voicetel/order-notifier/internal/notifylog"
	"github.com/voicetel/order-notifier/internal/safety"
	"github.com/voicetel/order-notifier/internal/wati"
)

type Notifier interface {
	Test(ctx context.Context) (map[models.NotificationType]*models.Report, error)
	Stats(ctx context.Context) (map[string]interface{}, error)
	ResetOrders(ctx context.Context, ids []int64) error
	OnOrderStatusChanged(ctx context.Context, orderID int64, oldStatus, newStatus string) error
	OnTrackingNumberUpdated(ctx context.Context, orderID int64, metaKey, value string) error
}

type Safety interface {
	Status(ctx context.Context) (safety.Status, error)
	ActivateEmergencyStop(ctx context.Context) error
	DeactivateEmergencyStop(ctx context.Context) error
}

type SettingsStore interface {
	Load(ctx context.Context) (models.Settings, error)
	Save(ctx context.Context, s models.Settings) error
}

type LogReader interface {
	List(ctx context.Context, f notifylog.Filter) ([]notifylog.Entry, error)
}

type TemplateLister interface {
	Templates(ctx context.Context, endpoint wati.Endpoint, token string) ([]wati.Template, error)
}

type Deps struct {
	Notifier  Notifier
	Safety    Safety
	Settings  SettingsStore
	Logs      LogReader
	Templates TemplateLister
	Logger    *slog.Logger
	Token     string
	// OnSettingsSaved runs after a successful PUT /api/settings.
	OnSettingsSaved func(models.Settings)
}

type Server struct {
	deps Deps
	bg   sync.WaitGroup
}

func New(deps Deps) *Server {
	return &Server{deps: deps}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)

		r.Get("/api/status", s.status)
		r.Get("/api/settings", s.getSettings)
		r.Put("/api/settings", s.putSettings)
		r.Post("/api/test", s.test)
		r.Get("/api/logs", s.logs)
		r.Get("/api/stats", s.stats)
		r.Post("/api/emergency-stop", s.activateEmergency)
		r.Delete("/api/emergency-stop", s.deactivateEmergency)
		r.Post("/api/reset-orders", s.resetOrders)
		r.Get("/api/templates", s.templates)
		r.Get("/api/templates/{name}", s.template)

		r.Route("/api/events", func(r chi.Router) {
			r.Post("/order-status", s.orderStatusEvent)
			r.Post("/tracking", s.trackingEvent)
		})
	})

	return r
}

// Wait blocks until background event handlers finish.
func (s *Server) Wait() {
	s.bg.Wait()
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || s.deps.Token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.Token)) != 1 {
			writeError(w, r, http.StatusUnauthorized, errors.New("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: err.Error()})
}

// background runs fn detached from the request so webhooks can return 202.
func (s *Server) background(r *http.Request, name string, fn func(ctx context.Context) error) {
	ctx := context.WithoutCancel(r.Context())
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if err := fn(ctx); err != nil {
			s.deps.Logger.Error("Event handling failed", "event", name, "error", err)
		}
	}()
}
