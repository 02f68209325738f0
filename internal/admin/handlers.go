package admin

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"github.com/voicetel/order-notifier/internal/models"
	"github.com/voicetel/order-notifier/internal/notifylog"
	"github.com/voicetel/order-notifier/internal/settings"
	"github.com/voicetel/order-notifier/internal/wati"
)

type resetOrdersRequest struct {
	OrderIDs []int64 `json:"order_ids"`
}

type orderStatusEvent struct {
	OrderID   int64  `json:"order_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

type trackingEvent struct {
	OrderID   int64  `json:"order_id"`
	MetaKey   string `json:"meta_key"`
	MetaValue string `json:"meta_value"`
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Safety.Status(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	render.JSON(w, r, st)
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Settings.Load(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	st.BearerToken = maskToken(st.BearerToken)
	render.JSON(w, r, st)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	var st models.Settings
	if err := render.DecodeJSON(r.Body, &st); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	// A masked token means "keep the stored one".
	if st.BearerToken == "" || isMasked(st.BearerToken) {
		current, err := s.deps.Settings.Load(r.Context())
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, err)
			return
		}
		st.BearerToken = current.BearerToken
	}

	if err := s.deps.Settings.Save(r.Context(), st); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, settings.ErrInvalid) {
			status = http.StatusUnprocessableEntity
		}
		writeError(w, r, status, err)
		return
	}
	s.deps.Logger.Info("Settings updated via admin API")
	if s.deps.OnSettingsSaved != nil {
		s.deps.OnSettingsSaved(st)
	}
	render.NoContent(w, r)
}

func (s *Server) test(w http.ResponseWriter, r *http.Request) {
	reports, err := s.deps.Notifier.Test(r.Context())
	if err != nil {
		writeError(w, r, http.StatusConflict, err)
		return
	}
	render.JSON(w, r, reports)
}

func (s *Server) logs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := notifylog.Filter{Type: q.Get("type"), Status: notifylog.Status(q.Get("status")), Limit: 100}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}

	entries, err := s.deps.Logs.List(r.Context(), f)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	render.JSON(w, r, entries)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Notifier.Stats(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	render.JSON(w, r, stats)
}

func (s *Server) activateEmergency(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Safety.ActivateEmergencyStop(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.deps.Logger.Warn("Emergency stop activated via admin API", "remote", r.RemoteAddr)
	s.status(w, r)
}

func (s *Server) deactivateEmergency(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Safety.DeactivateEmergencyStop(r.Context()); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.deps.Logger.Info("Emergency stop cleared via admin API", "remote", r.RemoteAddr)
	s.status(w, r)
}

func (s *Server) resetOrders(w http.ResponseWriter, r *http.Request) {
	var req resetOrdersRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if len(req.OrderIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, errors.New("order_ids is required"))
		return
	}
	if err := s.deps.Notifier.ResetOrders(r.Context(), req.OrderIDs); err != nil {
		writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	render.JSON(w, r, map[string]any{"reset": len(req.OrderIDs)})
}

func (s *Server) listTemplates(r *http.Request) ([]wati.Template, int, error) {
	st, err := s.deps.Settings.Load(r.Context())
	if err != nil {
		return nil, http.StatusInternalServerError, err
	}
	ep, err := wati.ParseEndpoint(st.APIURL)
	if err != nil {
		return nil, http.StatusConflict, err
	}
	templates, err := s.deps.Templates.Templates(r.Context(), ep, st.BearerToken)
	if err != nil {
		return nil, http.StatusBadGateway, err
	}
	return templates, http.StatusOK, nil
}

func (s *Server) templates(w http.ResponseWriter, r *http.Request) {
	templates, status, err := s.listTemplates(r)
	if err != nil {
		writeError(w, r, status, err)
		return
	}
	render.JSON(w, r, templates)
}

func (s *Server) template(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	templates, status, err := s.listTemplates(r)
	if err != nil {
		writeError(w, r, status, err)
		return
	}
	for _, t := range templates {
		if t.ElementName == name {
			render.JSON(w, r, t)
			return
		}
	}
	writeError(w, r, http.StatusNotFound, errors.New("template not found"))
}

func (s *Server) orderStatusEvent(w http.ResponseWriter, r *http.Request) {
	var ev orderStatusEvent
	if err := render.DecodeJSON(r.Body, &ev); err != nil || ev.OrderID <= 0 {
		writeError(w, r, http.StatusBadRequest, errors.New("order_id and new_status are required"))
		return
	}
	s.background(r, "order_status_changed", func(ctx context.Context) error {
		return s.deps.Notifier.OnOrderStatusChanged(ctx, ev.OrderID, ev.OldStatus, ev.NewStatus)
	})
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"status": "accepted"})
}

func (s *Server) trackingEvent(w http.ResponseWriter, r *http.Request) {
	var ev trackingEvent
	if err := render.DecodeJSON(r.Body, &ev); err != nil || ev.OrderID <= 0 {
		writeError(w, r, http.StatusBadRequest, errors.New("order_id and meta_key are required"))
		return
	}
	s.background(r, "tracking_number_updated", func(ctx context.Context) error {
		return s.deps.Notifier.OnTrackingNumberUpdated(ctx, ev.OrderID, ev.MetaKey, ev.MetaValue)
	})
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"status": "accepted"})
}

const maskPrefix = "****"

func maskToken(t string) string {
	if t == "" {
		return ""
	}
	if len(t) <= 4 {
		return maskPrefix
	}
	return maskPrefix + t[len(t)-4:]
}

func isMasked(t string) bool {
	return strings.HasPrefix(t, maskPrefix)
}
