package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

const eventTimeout = 10 * time.Second

type Presence interface {
	Register(ctx context.Context, partyID string, pt models.PartyType, conn presence.Conn, loc *models.Coord) error
	Unregister(ctx context.Context, partyID string, conn presence.Conn) bool
	Touch(ctx context.Context, partyID string)
}

type Dispatcher interface {
	SubmitRequest(ctx context.Context, riderID string, d models.RideDetails) (*models.Ride, error)
	ResolveAcceptance(ctx context.Context, rideID, driverID string) (*models.Ride, error)
	ResolveDecline(ctx context.Context, rideID, driverID string) (*models.Ride, error)
}

type Transitioner interface {
	Transition(ctx context.Context, rideID string, to models.Status) (*models.Ride, error)
}

type Locator interface {
	UpdateLocation(ctx context.Context, partyID string, pt models.PartyType, lat, lon float64) (bool, error)
}

type Options struct {
	// Production hides internal error detail from clients.
	Production  bool
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

type Handler struct {
	presence   Presence
	dispatch   Dispatcher
	rides      Transitioner
	relay      Locator
	production bool
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

func NewHandler(p Presence, d Dispatcher, rides Transitioner, relay Locator, opts Options) *Handler {
	check := opts.CheckOrigin
	if check == nil {
		check = func(*http.Request) bool { return true }
	}
	return &Handler{
		presence:   p,
		dispatch:   d,
		rides:      rides,
		relay:      relay,
		production: opts.Production,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     check,
		},
		log: logging.Component(opts.Logger, "realtime"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		h.log.Debug("websocket upgrade failed", "err", err)
		return
	}
	h.serve(r.Context(), newSession(conn))
}

func (h *Handler) serve(ctx context.Context, s *Session) {
	// the socket outlives the upgrade request's context
	base := context.WithoutCancel(ctx)
	done := make(chan struct{})
	defer func() {
		close(done)
		if s.partyID != "" {
			h.presence.Unregister(base, s.partyID, s)
		}
		_ = s.Close()
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go h.keepAlive(s, done)

	for {
		var f Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			var (
				syntax   *json.SyntaxError
				mismatch *json.UnmarshalTypeError
			)
			if errors.As(err, &syntax) || errors.As(err, &mismatch) {
				h.reply(s, "error", nil, apperr.Validation("malformed frame"))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("websocket read failed", "party_id", s.partyID, "err", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handle(base, s, f)
	}
}

func (h *Handler) keepAlive(s *Session, done <-chan struct{}) {
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := s.ping(); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handle(base context.Context, s *Session, f Frame) {
	ctx, cancel := context.WithTimeout(base, eventTimeout)
	defer cancel()
	if s.partyID != "" {
		h.presence.Touch(ctx, s.partyID)
	}

	switch f.Event {
	case "register_user":
		h.registerUser(ctx, s, f.Data)
	case "request_ride":
		h.requestRide(ctx, s, f.Data)
	case "accept_ride":
		h.acceptRide(ctx, s, f.Data)
	case "decline_ride":
		h.declineRide(ctx, s, f.Data)
	case "update_location":
		h.updateLocation(ctx, s, f.Data)
	case "update_ride_status":
		h.updateRideStatus(ctx, s, f.Data)
	default:
		h.reply(s, "error", nil, apperr.Newf(apperr.KindValidation, "unknown event %q", f.Event))
	}
}

func (h *Handler) registerUser(ctx context.Context, s *Session, raw json.RawMessage) {
	const ok, fail = "registration_success", "registration_error"
	var p registerUser
	if err := decode(raw, &p); err != nil {
		h.reply(s, fail, nil, err)
		return
	}
	pt := models.PartyType(strings.ToLower(p.UserType))
	if err := h.presence.Register(ctx, p.UserID, pt, s, coord(p.Latitude, p.Longitude)); err != nil {
		h.reply(s, fail, nil, err)
		return
	}
	if s.partyID != "" && s.partyID != p.UserID {
		h.presence.Unregister(ctx, s.partyID, s)
	}
	s.partyID = p.UserID
	h.log.Info("party connected", "party_id", p.UserID, "party_type", pt)
	h.reply(s, ok, map[string]any{"message": "Successfully registered with socket server"}, nil)
}

func (h *Handler) requestRide(ctx context.Context, s *Session, raw json.RawMessage) {
	const event = "ride_requested"
	var p requestRide
	if err := decode(raw, &p); err != nil {
		h.reply(s, event, nil, err)
		return
	}
	ride, err := h.dispatch.SubmitRequest(ctx, p.RiderID, p.details())
	if err != nil {
		h.reply(s, event, nil, err)
		return
	}
	h.reply(s, event, map[string]any{
		"bookingId": ride.ID,
		"message":   "Ride request sent to nearby drivers",
	}, nil)
}

func (h *Handler) acceptRide(ctx context.Context, s *Session, raw json.RawMessage) {
	const event = "ride_accepted"
	var p rideDecision
	if err := decode(raw, &p); err != nil {
		h.reply(s, event, nil, err)
		return
	}
	ride, err := h.dispatch.ResolveAcceptance(ctx, p.BookingID, p.DriverID)
	if err != nil {
		h.reply(s, event, map[string]any{"bookingId": p.BookingID}, err)
		return
	}
	h.reply(s, event, map[string]any{"booking": ride, "message": "Ride accepted successfully"}, nil)
}

func (h *Handler) declineRide(ctx context.Context, s *Session, raw json.RawMessage) {
	const event = "ride_declined"
	var p rideDecision
	if err := decode(raw, &p); err != nil {
		h.reply(s, event, nil, err)
		return
	}
	if _, err := h.dispatch.ResolveDecline(ctx, p.BookingID, p.DriverID); err != nil {
		h.reply(s, event, map[string]any{"bookingId": p.BookingID}, err)
		return
	}
	h.reply(s, event, map[string]any{"bookingId": p.BookingID, "message": "Ride declined"}, nil)
}

func (h *Handler) updateLocation(ctx context.Context, s *Session, raw json.RawMessage) {
	const ok, fail = "location_updated_success", "location_update_error"
	var p updateLocation
	if err := decode(raw, &p); err != nil {
		h.reply(s, fail, nil, err)
		return
	}
	if p.Latitude == nil || p.Longitude == nil {
		h.reply(s, fail, nil, apperr.Validation("latitude and longitude are required"))
		return
	}
	pt := models.PartyType(strings.ToLower(p.UserType))
	if _, err := h.relay.UpdateLocation(ctx, p.UserID, pt, float64(*p.Latitude), float64(*p.Longitude)); err != nil {
		h.reply(s, fail, nil, err)
		return
	}
	h.reply(s, ok, map[string]any{"message": "Location updated"}, nil)
}

func (h *Handler) updateRideStatus(ctx context.Context, s *Session, raw json.RawMessage) {
	const ok, fail = "ride_status_update_success", "ride_status_update_error"
	var p updateRideStatus
	if err := decode(raw, &p); err != nil {
		h.reply(s, fail, nil, err)
		return
	}
	status, valid := models.ParseStatus(strings.ToUpper(strings.TrimSpace(p.Status)))
	if !valid {
		h.reply(s, fail, nil, apperr.Newf(apperr.KindValidation, "unknown status %q", p.Status))
		return
	}
	ride, err := h.rides.Transition(ctx, p.BookingID, status)
	if err != nil {
		h.reply(s, fail, map[string]any{"bookingId": p.BookingID}, err)
		return
	}
	h.reply(s, ok, map[string]any{
		"bookingId": ride.ID,
		"status":    ride.Status,
		"message":   "Ride status updated",
	}, nil)
}

// reply sends the caller's acknowledgement: success and message always,
// error detail only outside production.
func (h *Handler) reply(s *Session, event string, fields map[string]any, err error) {
	payload := make(map[string]any, len(fields)+3)
	for k, v := range fields {
		payload[k] = v
	}
	payload["success"] = err == nil
	if err != nil {
		payload["message"] = apperr.Message(err)
		payload["kind"] = apperr.KindOf(err)
		if !h.production {
			payload["error"] = err.Error()
		}
		if apperr.KindOf(err) == apperr.KindUpstream {
			h.log.Error("event failed", "event", event, "party_id", s.partyID, "err", err)
		}
	}
	if serr := s.Send(event, payload); serr != nil {
		h.log.Debug("reply failed", "event", event, "party_id", s.partyID, "err", serr)
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return apperr.Validation("missing event data")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return apperr.Wrap(apperr.KindValidation, "malformed event data", err)
	}
	return nil
}
