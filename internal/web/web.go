package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"medsched/internal/config"
	"medsched/internal/engine"
	"medsched/internal/ics"
	appLog "medsched/internal/log"
	"medsched/internal/model"
	"medsched/internal/schedule"
	"medsched/internal/store"
)

const maxBodyBytes = 1 << 20

// Server provides the HTTP API over the schedule service.
type Server struct {
	cfg    *config.Config
	svc    *schedule.Service
	router chi.Router
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, svc *schedule.Service) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		router: chi.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password means disabled.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware guards the API routes with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="medsched", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen, "basic_auth", s.basicAuthEnabled())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	// /health is never authenticated.
	r.Get("/health", s.handleHealth)

	r.Route("/api/users/{user}", func(ur chi.Router) {
		if s.basicAuthEnabled() {
			appLog.Info("HTTP basic auth enabled")
			ur.Use(s.basicAuthMiddleware)
		}
		ur.Get("/today", s.handleToday)
		ur.Get("/pending", s.handlePending)
		ur.Get("/occurrences", s.handleOccurrences)
		ur.Get("/medications", s.handleListMedications)
		ur.Post("/medications", s.handleCreateMedication)
		ur.Delete("/medications/{id}", s.handleDeleteMedication)
		ur.Post("/confirmations", s.handleConfirm)
		ur.Post("/materialize", s.handleMaterialize)
		ur.Get("/schedule", s.handleSchedule)
		ur.Get("/calendar.ics", s.handleCalendar)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleToday returns the classified schedule for one day.
//
// GET /api/users/{user}/today?date=YYYY-MM-DD
//   - date: defaults to today in the configured timezone
func (s *Server) handleToday(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	date := s.svc.CurrentDate()
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := model.ParseDate(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date")
			return
		}
		date = d
	}

	view, err := s.svc.Day(r.Context(), user, date)
	if err != nil {
		s.fail(w, "today", err, user)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type pendingResponse struct {
	Pending int `json:"pending"`
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	n, err := s.svc.Pending(r.Context(), user)
	if err != nil {
		s.fail(w, "pending", err, user)
		return
	}
	writeJSON(w, http.StatusOK, pendingResponse{Pending: n})
}

type occurrencesResponse struct {
	Occurrences []model.Slot `json:"occurrences"`
	Truncated   []string     `json:"truncated,omitempty"`
}

// handleOccurrences lists future occurrences.
//
// GET /api/users/{user}/occurrences?from=YYYY-MM-DD&to=YYYY-MM-DD
//   - from: defaults to today
//   - to:   defaults to each medication's horizon
func (s *Server) handleOccurrences(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	q := r.URL.Query()
	from, ok := optionalDate(q.Get("from"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	to, ok := optionalDate(q.Get("to"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}

	res, err := s.svc.Upcoming(r.Context(), user, from, to)
	if err != nil {
		s.fail(w, "occurrences", err, user)
		return
	}
	writeJSON(w, http.StatusOK, occurrencesResponse{
		Occurrences: nonNilSlots(res.Slots),
		Truncated:   res.Truncated,
	})
}

type medicationsResponse struct {
	Medications []model.MedicationDefinition `json:"medications"`
}

func (s *Server) handleListMedications(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	meds, err := s.svc.Medications(r.Context(), user)
	if err != nil {
		s.fail(w, "list medications", err, user)
		return
	}
	if meds == nil {
		meds = []model.MedicationDefinition{}
	}
	writeJSON(w, http.StatusOK, medicationsResponse{Medications: meds})
}

func (s *Server) handleCreateMedication(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	var def model.MedicationDefinition
	if !decodeJSON(w, r, &def) {
		return
	}
	// Ids are assigned by the store.
	def.ID = ""

	created, err := s.svc.AddMedication(r.Context(), user, def)
	if err != nil {
		s.fail(w, "create medication", err, user)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleDeleteMedication(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if err := s.svc.RemoveMedication(r.Context(), user, chi.URLParam(r, "id")); err != nil {
		s.fail(w, "delete medication", err, user)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	var req schedule.ConfirmRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rec, err := s.svc.Confirm(r.Context(), user, req)
	if err != nil {
		s.fail(w, "confirm", err, user)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleMaterialize(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	res, err := s.svc.Materialize(r.Context(), user)
	if err != nil {
		s.fail(w, "materialize", err, user)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleSchedule lists materialised doses with their status.
//
// GET /api/users/{user}/schedule?from=YYYY-MM-DD&to=YYYY-MM-DD
//   - from: defaults to today
//   - to:   defaults to six days after from
func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	q := r.URL.Query()
	from, ok := optionalDate(q.Get("from"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid from")
		return
	}
	to, ok := optionalDate(q.Get("to"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid to")
		return
	}

	view, err := s.svc.ScheduledDoses(r.Context(), user, from, to)
	if err != nil {
		s.fail(w, "schedule", err, user)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleCalendar serves upcoming occurrences as an ICS feed.
func (s *Server) handleCalendar(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	res, err := s.svc.Upcoming(r.Context(), user, model.Date{}, model.Date{})
	if err != nil {
		s.fail(w, "calendar", err, user)
		return
	}
	meds, err := s.svc.Medications(r.Context(), user)
	if err != nil {
		s.fail(w, "calendar", err, user)
		return
	}

	body := ics.Export(res.Slots, meds, ics.ExportConfig{
		CalendarName: "Medications (" + user + ")",
		Location:     s.cfg.Location(),
	})
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

// fail maps service errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, op string, err error, user string) {
	var defErr *engine.DefinitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, schedule.ErrInvalidMedication),
		errors.Is(err, schedule.ErrInvalidConfirmation),
		errors.Is(err, schedule.ErrInvalidRange),
		errors.As(err, &defErr):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		appLog.Error("api "+op+" failed", err, "user", user)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func optionalDate(v string) (model.Date, bool) {
	if strings.TrimSpace(v) == "" {
		return model.Date{}, true
	}
	d, err := model.ParseDate(v)
	if err != nil {
		return model.Date{}, false
	}
	return d, true
}

func nonNilSlots(s []model.Slot) []model.Slot {
	if s == nil {
		return []model.Slot{}
	}
	return s
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
