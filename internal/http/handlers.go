package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/otp"
)

const maxBodyBytes = 1 << 20

type OTPService interface {
	Issue(ctx context.Context, rideID, driverID string) (time.Time, error)
	Resend(ctx context.Context, rideID, driverID string) (time.Time, error)
	Verify(ctx context.Context, rideID, driverID, code string) (otp.Result, error)
	Status(ctx context.Context, rideID string) (otp.StatusView, error)
}

type DispatchService interface {
	ResolveAcceptance(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	ResolveDecline(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	PendingRides(ctx context.Context, limit int) ([]dispatch.RideOffer, error)
	Notifications(ctx context.Context, driverID string) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) (*models.Notification, error)
}

type RideReader interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
}

type PresenceLocator interface {
	Locate(ctx context.Context, partyID string) (string, bool, error)
}

// Deps are the components the HTTP surface exposes. WS is mounted at /ws.
type Deps struct {
	OTP      OTPService
	Dispatch DispatchService
	Rides    RideReader
	Presence PresenceLocator
	WS       http.Handler
	Ready    func(ctx context.Context) error
}

type Server struct {
	deps       Deps
	production bool
	logger     *slog.Logger
	mux        *mux.Router
}

func NewServer(deps Deps, production bool, logger *slog.Logger) *Server {
	s := &Server{
		deps:       deps,
		production: production,
		logger:     logging.Component(logger, "http"),
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api").Subrouter()

	api.HandleFunc("/otp/generate", s.handleOTPGenerate).Methods(http.MethodPost)
	api.HandleFunc("/otp/verify", s.handleOTPVerify).Methods(http.MethodPost)
	api.HandleFunc("/otp/resend", s.handleOTPResend).Methods(http.MethodPost)
	api.HandleFunc("/otp/status/{bookingId}", s.handleOTPStatus).Methods(http.MethodGet)

	api.HandleFunc("/bookings/{id}", s.handleGetBooking).Methods(http.MethodGet)

	api.HandleFunc("/driver-notifications/respond", s.handleRespond).Methods(http.MethodPost)
	api.HandleFunc("/driver-notifications/pending-rides", s.handlePendingRides).Methods(http.MethodGet)
	api.HandleFunc("/driver-notifications/notifications/{id}/read", s.handleMarkRead).Methods(http.MethodPatch)
	api.HandleFunc("/driver-notifications/{driverId}", s.handleNotifications).Methods(http.MethodGet)

	api.HandleFunc("/presence/{partyId}", s.handlePresence).Methods(http.MethodGet)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.deps.WS != nil {
		s.mux.Handle("/ws", s.deps.WS)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type bookingDriver struct {
	BookingID string `json:"bookingId"`
	DriverID  string `json:"driverId"`
}

type otpIssued struct {
	BookingID    string    `json:"bookingId"`
	OTPExpiresAt time.Time `json:"otpExpiresAt"`
}

func (s *Server) handleOTPGenerate(w http.ResponseWriter, r *http.Request) {
	s.issue(w, r, s.deps.OTP.Issue, "OTP generated successfully")
}

func (s *Server) handleOTPResend(w http.ResponseWriter, r *http.Request) {
	s.issue(w, r, s.deps.OTP.Resend, "OTP resent successfully")
}

func (s *Server) issue(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, string) (time.Time, error), msg string) {
	var req bookingDriver
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	exp, err := fn(r.Context(), req.BookingID, req.DriverID)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: msg, Data: otpIssued{BookingID: req.BookingID, OTPExpiresAt: exp}})
}

func (s *Server) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BookingID string `json:"bookingId"`
		OTP       string `json:"otp"`
		DriverID  string `json:"driverId"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	res, err := s.deps.OTP.Verify(r.Context(), req.BookingID, req.DriverID, strings.TrimSpace(req.OTP))
	if err != nil {
		var data any
		switch apperr.KindOf(err) {
		case apperr.KindInvalidCode, apperr.KindAttemptsExhausted:
			data = map[string]int{"attemptsLeft": res.AttemptsLeft}
		}
		s.writeError(w, r, err, data)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "OTP verified successfully", Data: res})
}

func (s *Server) handleOTPStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.deps.OTP.Status(r.Context(), mux.Vars(r)["bookingId"])
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "OTP status fetched", Data: view})
}

func (s *Server) handleGetBooking(w http.ResponseWriter, r *http.Request) {
	ride, err := s.deps.Rides.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, storageError(err, "booking"), nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Booking fetched", Data: ride})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BookingID string `json:"bookingId"`
		DriverID  string `json:"driverId"`
		Status    string `json:"status"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	var (
		ride *models.Ride
		err  error
		msg  string
	)
	switch models.NotificationOutcome(strings.ToLower(req.Status)) {
	case models.OutcomeAccepted:
		ride, err = s.deps.Dispatch.ResolveAcceptance(r.Context(), req.BookingID, req.DriverID)
		msg = "Ride accepted successfully"
	case models.OutcomeDeclined:
		ride, err = s.deps.Dispatch.ResolveDecline(r.Context(), req.BookingID, req.DriverID)
		msg = "Ride declined"
	default:
		err = apperr.Validation("status must be accepted or declined")
	}
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: msg, Data: ride})
}

func (s *Server) handlePendingRides(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("driverId") == "" {
		s.writeError(w, r, apperr.Validation("driverId is required"), nil)
		return
	}
	rides, err := s.deps.Dispatch.PendingRides(r.Context(), 0)
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Pending rides fetched successfully", Data: rides})
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	ns, err := s.deps.Dispatch.Notifications(r.Context(), mux.Vars(r)["driverId"])
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Notifications fetched", Data: ns})
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Dispatch.MarkNotificationRead(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Notification marked as read", Data: n})
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["partyId"]
	instance, online, err := s.deps.Presence.Locate(r.Context(), id)
	if err != nil {
		s.writeError(w, r, apperr.Upstream("presence lookup", err), nil)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Presence fetched", Data: map[string]any{
		"partyId":  id,
		"online":   online,
		"instance": instance,
	}})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", "err", err)
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, data any) {
	status := statusFor(apperr.KindOf(err))
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "err", err)
	}
	env := envelope{Success: false, Message: apperr.Message(err), Data: data}
	if !s.production {
		env.Error = err.Error()
	}
	writeJSON(w, status, env)
}

func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation, apperr.KindInvalidTransition, apperr.KindExpired,
		apperr.KindAttemptsExhausted, apperr.KindInvalidCode:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Validation("request body is required")
		}
		return apperr.Wrap(apperr.KindValidation, "malformed request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
