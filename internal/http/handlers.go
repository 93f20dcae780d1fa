package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"

	"github.com/example/bagmatch/internal/apperr"
	"github.com/example/bagmatch/internal/auth"
	"github.com/example/bagmatch/internal/booking"
	"github.com/example/bagmatch/internal/dispatch"
	"github.com/example/bagmatch/internal/lifecycle"
	"github.com/example/bagmatch/internal/models"
)

type Server struct {
	Service  *booking.Service
	Verifier auth.Verifier
	Hub      *dispatch.Hub
	logger   *slog.Logger
	ready    *atomic.Bool
	mux      *mux.Router
}

func NewServer(svc *booking.Service, verifier auth.Verifier, hub *dispatch.Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Service:  svc,
		Verifier: verifier,
		Hub:      hub,
		logger:   logger,
		ready:    atomic.NewBool(true),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

// SetReady flips /readyz; the server clears it while draining.
func (s *Server) SetReady(v bool) { s.ready.Store(v) }

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/readyz", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)

	api.HandleFunc("/requests", s.handleCreateRequest).Methods("POST")
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods("GET")
	api.HandleFunc("/trips", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods("GET")

	api.HandleFunc("/matches", s.handleCreateMatch).Methods("POST")
	api.HandleFunc("/matches", s.handleListMatches).Methods("GET")
	api.HandleFunc("/matches/{id}", s.handleGetMatch).Methods("GET")
	api.HandleFunc("/matches/{id}/status", s.handleDeliveryStatus).Methods("GET")
	api.HandleFunc("/matches/{id}/events", s.handleMatchEvents).Methods("GET")

	api.HandleFunc("/matches/{id}/claim", s.handleAction(actionOf[lifecycle.Claim])).Methods("POST")
	api.HandleFunc("/matches/{id}/accept", s.handleAction(actionOf[lifecycle.Accept])).Methods("POST")
	api.HandleFunc("/matches/{id}/reject", s.handleAction(actionOf[lifecycle.Reject])).Methods("POST")
	api.HandleFunc("/matches/{id}/approve", s.handleAction(actionOf[lifecycle.Approve])).Methods("POST")
	api.HandleFunc("/matches/{id}/cancel", s.handleAction(actionOf[lifecycle.Cancel])).Methods("POST")
	api.HandleFunc("/matches/{id}/purchase", s.handleAction(actionOf[lifecycle.Purchase])).Methods("POST")
	api.HandleFunc("/matches/{id}/board", s.handleAction(actionOf[lifecycle.Board])).Methods("POST")
	api.HandleFunc("/matches/{id}/pay", s.handleAction(actionOf[lifecycle.Pay])).Methods("POST")
	api.HandleFunc("/matches/{id}/dispute", s.handleAction(actionOf[lifecycle.Dispute])).Methods("POST")

	api.HandleFunc("/matches/{id}/deliver-to-vendor", s.handleDeliverToVendor).Methods("POST")
	api.HandleFunc("/matches/{id}/generate-pin", s.handleGeneratePin).Methods("POST")
	api.HandleFunc("/matches/{id}/resend-pin", s.handleResendPin).Methods("POST")
	api.HandleFunc("/matches/{id}/verify-pin", s.handleVerifyPin).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.Service.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		http.Error(w, "store unavailable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

// actionOf decodes the request body into the action type T.
func actionOf[T lifecycle.Action](r *http.Request) (lifecycle.Action, error) {
	var a T
	if err := decodeBody(r, &a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Server) handleAction(decode func(*http.Request) (lifecycle.Action, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		act, err := decode(r)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		m, err := s.Service.Perform(r.Context(), caller(r), mux.Vars(r)["id"], act)
		s.respond(w, r, m, err)
	}
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in booking.CreateRequestInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.Service.CreateRequest(r.Context(), caller(r), in)
	s.respond(w, r, req, err)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.Service.GetRequest(r.Context(), caller(r), mux.Vars(r)["id"])
	s.respond(w, r, req, err)
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var in booking.CreateTripInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	trip, err := s.Service.CreateTrip(r.Context(), caller(r), in)
	s.respond(w, r, trip, err)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.Service.GetTrip(r.Context(), caller(r), mux.Vars(r)["id"])
	s.respond(w, r, trip, err)
}

func (s *Server) handleCreateMatch(w http.ResponseWriter, r *http.Request) {
	var in booking.CreateMatchInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.Service.CreateMatch(r.Context(), caller(r), in)
	s.respond(w, r, m, err)
}

func (s *Server) handleListMatches(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := booking.ListFilter{
		Status:           models.MatchStatus(q.Get("status")),
		ShopperRequestID: q.Get("shopperRequestId"),
		ActiveOnly:       q.Get("active") == "true",
	}
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	f.Limit = limit
	out, err := s.Service.ListMatches(r.Context(), caller(r), f)
	s.respond(w, r, out, err)
}

// parseLimit reads ?limit=; absent means zero, the service default.
func parseLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.New(apperr.ValidationError, "limit must be a non-negative integer")
	}
	return n, nil
}

func (s *Server) handleGetMatch(w http.ResponseWriter, r *http.Request) {
	m, err := s.Service.GetMatch(r.Context(), caller(r), mux.Vars(r)["id"])
	s.respond(w, r, m, err)
}

func (s *Server) handleDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Service.DeliveryStatus(r.Context(), caller(r), mux.Vars(r)["id"])
	s.respond(w, r, st, err)
}

func (s *Server) handleMatchEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	evs, err := s.Service.MatchEvents(r.Context(), caller(r), mux.Vars(r)["id"], limit)
	s.respond(w, r, evs, err)
}

func (s *Server) handleDeliverToVendor(w http.ResponseWriter, r *http.Request) {
	m, err := s.Service.MarkDelivered(r.Context(), caller(r), mux.Vars(r)["id"])
	s.respond(w, r, m, err)
}

type generatePinBody struct {
	StoreLocation string `json:"storeLocation"`
}

func (s *Server) handleGeneratePin(w http.ResponseWriter, r *http.Request) {
	var body generatePinBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.Service.GeneratePin(r.Context(), caller(r), mux.Vars(r)["id"], body.StoreLocation)
	s.respond(w, r, out, err)
}

func (s *Server) handleResendPin(w http.ResponseWriter, r *http.Request) {
	out, err := s.Service.ResendPin(r.Context(), caller(r), mux.Vars(r)["id"])
	s.respond(w, r, out, err)
}

type verifyPinBody struct {
	Pin string `json:"pin"`
}

func (s *Server) handleVerifyPin(w http.ResponseWriter, r *http.Request) {
	var body verifyPinBody
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	m, err := s.Service.VerifyPin(r.Context(), caller(r), mux.Vars(r)["id"], body.Pin)
	s.respond(w, r, m, err)
}

var upgrader = websocket.Upgrader{}

// handleWS streams the caller's match events. Browsers cannot set headers on
// a websocket handshake, so the token may also come as ?token=.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	id, err := s.Verifier.Verify(r.Context(), token)
	if err != nil {
		s.writeError(w, r, apperr.Wrap(apperr.NotAuthenticated, err, "missing or invalid bearer token"))
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.Hub.Serve(id.UserID, conn)
}
