package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/fleet"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/store"
)

// Deps wires the server to the dispatch core.
type Deps struct {
	Engine   *engine.Engine
	Fleet    *fleet.Service
	Registry *dispatch.Registry
	Store    store.Store
	Archive  storage.Archive
	Logger   *slog.Logger

	SubmitLimit    rate.Limit
	SubmitBurst    int
	ActivityWindow time.Duration
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.SubmitLimit <= 0 {
		d.SubmitLimit = 1
	}
	if d.SubmitBurst <= 0 {
		d.SubmitBurst = 5
	}
	if d.ActivityWindow <= 0 {
		d.ActivityWindow = 2 * time.Minute
	}
	s := &Server{Deps: d, logger: d.Logger.With("component", "http"), mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS)

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/workers/active", s.handleActiveWorkers).Methods(http.MethodGet)
	api.HandleFunc("/workers/{worker_id}/location", s.handleReportLocation).Methods(http.MethodPut, http.MethodPost)
	api.HandleFunc("/workers/{worker_id}/notifications", s.handleWorkerNotifications).Methods(http.MethodGet)
	api.HandleFunc("/workers/{worker_id}/notifications/{notification_id}/accept", s.handleAccept).Methods(http.MethodPost)
	api.HandleFunc("/workers/{worker_id}/notifications/{notification_id}/reject", s.handleReject).Methods(http.MethodPost)
	api.HandleFunc("/workers/{worker_id}/pickup/confirm", s.handleConfirmPickup).Methods(http.MethodPost)
	api.HandleFunc("/workers/{worker_id}/pickup/cancel", s.handleCancelPickup).Methods(http.MethodPost)
	api.HandleFunc("/workers/{worker_id}/complete", s.handleComplete).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/notifications", s.handleRequestNotifications).Methods(http.MethodGet)
	api.HandleFunc("/outcomes", s.handleOutcomes).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.Ping(r.Context()); err != nil {
		http.Error(w, "store not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

type locationBody struct {
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

func (s *Server) handleReportLocation(w http.ResponseWriter, r *http.Request) {
	var body locationBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.Fleet.ReportLocation(r.Context(), mux.Vars(r)["worker_id"], body.Name, models.Coord{Lat: body.Lat, Lng: body.Lng})
	s.respond(w, p, err)
}

func (s *Server) handleWorkerNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := s.Fleet.ActiveNotifications(r.Context(), mux.Vars(r)["worker_id"])
	s.respond(w, list, err)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := s.Fleet.Accept(r.Context(), vars["worker_id"], vars["notification_id"])
	s.respond(w, n, err)
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := s.Fleet.Reject(r.Context(), vars["worker_id"], vars["notification_id"])
	s.respond(w, n, err)
}

func (s *Server) handleConfirmPickup(w http.ResponseWriter, r *http.Request) {
	req, err := s.Fleet.ConfirmPickup(r.Context(), mux.Vars(r)["worker_id"])
	s.respond(w, req, err)
}

func (s *Server) handleCancelPickup(w http.ResponseWriter, r *http.Request) {
	req, err := s.Fleet.CancelPickup(r.Context(), mux.Vars(r)["worker_id"])
	s.respond(w, req, err)
}

type completeBody struct {
	Pickup models.Leg `json:"pickup"`
	Riding models.Leg `json:"riding"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var body completeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req, err := s.Fleet.Complete(r.Context(), mux.Vars(r)["worker_id"], body.Pickup, body.Riding)
	s.respond(w, req, err)
}

func (s *Server) handleActiveWorkers(w http.ResponseWriter, r *http.Request) {
	views, err := s.Fleet.ActiveWorkers(r.Context(), s.ActivityWindow)
	s.respond(w, views, err)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Store.GetRequest(r.Context(), mux.Vars(r)["id"])
	s.respond(w, req, err)
}

func (s *Server) handleRequestNotifications(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Store.GetRequest(r.Context(), id); err != nil {
		s.respond(w, nil, err)
		return
	}
	list, err := s.Store.ListNotifications(r.Context(), id)
	s.respond(w, list, err)
}

func (s *Server) handleOutcomes(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("limit must be an integer"))
			return
		}
		limit = n
	}
	list, err := s.Archive.ListOutcomes(r.Context(), limit)
	s.respond(w, list, err)
}

func (s *Server) respond(w http.ResponseWriter, v any, err error) {
	if err != nil {
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			s.logger.Error("request_failed", "error", err)
		}
		writeError(w, code, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, fleet.ErrNotActive), errors.Is(err, fleet.ErrWrongState), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, geo.ErrNotFinite), errors.Is(err, geo.ErrLatitudeRange), errors.Is(err, geo.ErrLongitudeRange):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(dispatch.NewErrorMessage(err))
}
