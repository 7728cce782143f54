package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noahxzhu/med-reminder/internal/dispatch"
	"github.com/noahxzhu/med-reminder/internal/gateway"
	"github.com/noahxzhu/med-reminder/internal/model"
	"github.com/noahxzhu/med-reminder/internal/storage"
	"github.com/noahxzhu/med-reminder/internal/subscription"
	"github.com/noahxzhu/med-reminder/internal/worker"
)

const maxBodySize = 1 << 20

// PermissionSetter lets the API change the device's notification permission,
// the way a user would in the platform settings.
type PermissionSetter interface {
	SetPermission(perm subscription.Permission)
}

type Server struct {
	store   *storage.Store
	planner *dispatch.Planner
	matcher *worker.Matcher // Refresh after every change, Tick for /check
	sub     *subscription.Machine
	device  PermissionSetter
	router  chi.Router
	logger  *slog.Logger
}

func NewServer(store *storage.Store, planner *dispatch.Planner, m *worker.Matcher, sub *subscription.Machine, device PermissionSetter) *Server {
	s := &Server{
		store:   store,
		planner: planner,
		matcher: m,
		sub:     sub,
		device:  device,
		router:  chi.NewRouter(),
		logger:  slog.Default(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.Recoverer)

	s.router.Get("/reminders", s.handleListReminders)
	s.router.Post("/reminders", s.handleCreateReminder)
	s.router.Put("/reminders/{id}", s.handleUpdateReminder)
	s.router.Delete("/reminders/{id}", s.handleDeleteReminder)
	s.router.Post("/reminders/{id}/taken", s.handleSetTaken)

	s.router.Get("/subscription", s.handleSubscription)
	s.router.Post("/subscription/initialize", s.subscriptionAction(s.sub.Initialize))
	s.router.Post("/subscription/reconcile", s.subscriptionAction(s.sub.Reconcile))
	s.router.Post("/subscription/unlink", s.subscriptionAction(s.sub.Unlink))
	s.router.Post("/subscription/link", s.handleLink)
	if s.device != nil {
		s.router.Post("/subscription/permission", s.handlePermission)
	}

	s.router.Post("/check", s.handleCheck)
	s.router.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

type reminderResponse struct {
	Reminder model.Reminder `json:"reminder"`
	// Scheduled counts remote jobs accepted by the gateway for this save.
	Scheduled int    `json:"scheduled"`
	Warning   string `json:"warning,omitempty"`
}

func (s *Server) handleListReminders(w http.ResponseWriter, r *http.Request) {
	if user := r.URL.Query().Get("user_id"); user != "" {
		writeJSON(w, http.StatusOK, s.store.ListForUser(user))
		return
	}
	writeJSON(w, http.StatusOK, s.store.List())
}

func (s *Server) handleCreateReminder(w http.ResponseWriter, r *http.Request) {
	var in model.Reminder
	if !decode(w, r, &in) {
		return
	}

	saved, err := s.store.Add(in)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.matcher.Refresh()

	jobs, err := s.planner.OnCreated(r.Context(), saved)
	writeJSON(w, http.StatusCreated, reminderResponse{Reminder: saved, Scheduled: len(jobs), Warning: s.scheduleWarning(saved.ID, err)})
}

func (s *Server) handleUpdateReminder(w http.ResponseWriter, r *http.Request) {
	var in model.Reminder
	if !decode(w, r, &in) {
		return
	}
	in.ID = chi.URLParam(r, "id")

	saved, err := s.store.Update(in)
	if err != nil {
		s.storeError(w, err)
		return
	}
	s.matcher.Refresh()

	jobs, err := s.planner.OnUpdated(r.Context(), saved)
	writeJSON(w, http.StatusOK, reminderResponse{Reminder: saved, Scheduled: len(jobs), Warning: s.scheduleWarning(saved.ID, err)})
}

func (s *Server) handleDeleteReminder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(id); err != nil {
		s.storeError(w, err)
		return
	}

	// Cancellation is best effort; the reminder is removed either way.
	if err := s.planner.OnDeleted(r.Context(), id); err != nil {
		s.logger.Warn("Some remote jobs were not cancelled", "reminder_id", id, "error", err)
	}

	if err := s.store.Delete(id); err != nil {
		s.storeError(w, err)
		return
	}
	s.matcher.Refresh()
	w.WriteHeader(http.StatusNoContent)
}

type takenRequest struct {
	Taken *bool `json:"taken"`
}

func (s *Server) handleSetTaken(w http.ResponseWriter, r *http.Request) {
	req := takenRequest{}
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	taken := true
	if req.Taken != nil {
		taken = *req.Taken
	}

	saved, err := s.store.SetTaken(chi.URLParam(r, "id"), taken)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleSubscription(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.sub.State())
}

func (s *Server) subscriptionAction(action func(context.Context) (subscription.State, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prev := s.sub.State()
		st, err := action(r.Context())
		if err != nil {
			s.subscriptionError(w, st, err)
			return
		}
		s.afterTransition(r.Context(), prev, st)
		writeJSON(w, http.StatusOK, st)
	}
}

// afterTransition withdraws pre-scheduled jobs once the device is no longer
// linked; from then on the matcher delivers those occurrences locally.
func (s *Server) afterTransition(ctx context.Context, prev, next subscription.State) {
	if prev.Status == subscription.Linked && next.Status != subscription.Linked {
		if err := s.planner.CancelPending(ctx); err != nil {
			s.logger.Warn("Some remote jobs could not be withdrawn after unlinking", "status", next.Status, "error", err)
		}
	}
	s.matcher.Refresh()
}

type linkRequest struct {
	ExternalUserID string `json:"external_user_id"`
}

func (s *Server) handleLink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := s.sub.Link(r.Context(), req.ExternalUserID)
	if err != nil {
		s.subscriptionError(w, st, err)
		return
	}
	s.matcher.Refresh()
	writeJSON(w, http.StatusOK, st)
}

type permissionRequest struct {
	Permission subscription.Permission `json:"permission"`
}

func (s *Server) handlePermission(w http.ResponseWriter, r *http.Request) {
	var req permissionRequest
	if !decode(w, r, &req) {
		return
	}
	switch req.Permission {
	case subscription.PermissionGranted, subscription.PermissionDenied, subscription.PermissionDefault:
	default:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "unknown permission %q", req.Permission)
		return
	}

	prev := s.sub.State()
	s.device.SetPermission(req.Permission)
	st, err := s.sub.Reconcile(r.Context())
	if err != nil {
		s.subscriptionError(w, st, err)
		return
	}
	s.afterTransition(r.Context(), prev, st)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.matcher.Tick(r.Context()))
}

func (s *Server) scheduleWarning(reminderID string, err error) string {
	if err == nil {
		return ""
	}
	s.logger.Warn("Remote scheduling rejected", "reminder_id", reminderID, "error", err)
	return fmt.Sprintf("saved, but remote delivery could not be scheduled: %v", err)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidReminder):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
	default:
		s.logger.Error("Reminder store failure", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
	}
}

func (s *Server) subscriptionError(w http.ResponseWriter, st subscription.State, err error) {
	switch {
	case errors.Is(err, subscription.ErrEmptyExternalID):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, subscription.ErrNoDeviceToken):
		httpError(w, http.StatusConflict, "invalid_state_error", "%v", err)
	case gateway.IsClass(err, gateway.Configuration):
		httpError(w, http.StatusServiceUnavailable, "configuration_error", "%v", err)
	default:
		s.logger.Warn("Subscription operation failed", "status", st.Status, "error", err)
		httpError(w, http.StatusBadGateway, "api_error", "%v", err)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
