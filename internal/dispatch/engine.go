// Package dispatch offers pending rides to drivers and resolves which one
// gets the ride.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	EventNewRideRequest       = "new_ride_request"
	EventRideAcceptedByDriver = "ride_accepted_by_driver"

	defaultFanOut    = 20
	broadcastTimeout = 10 * time.Second
	pendingLimit     = 10
	notificationPage = 50
)

// ErrAlreadyTaken is returned to every driver that loses the race for a ride.
var ErrAlreadyTaken = apperr.New(apperr.KindConflict, "ride already accepted by another driver")

// Store is the persistence surface the engine needs.
type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ClaimRide(ctx context.Context, rideID, driverID, driverName string, at time.Time) (*models.Ride, error)
	ListPendingRides(ctx context.Context, limit int) ([]models.Ride, error)

	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetRider(ctx context.Context, id string) (*models.Rider, error)
	ListAvailableDrivers(ctx context.Context, limit int) ([]models.Driver, error)

	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, driverID string, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) (*models.Notification, error)
}

// Notifier delivers best-effort events to connected parties.
type Notifier interface {
	Notify(partyID, event string, payload any) bool
}

type Options struct {
	FanOutLimit int
	Now         func() time.Time
	Logger      *slog.Logger
}

type Engine struct {
	store     Store
	notifier  Notifier
	publisher events.Publisher
	fanOut    int
	now       func() time.Time
	log       *slog.Logger

	wg sync.WaitGroup
}

func NewEngine(store Store, notifier Notifier, publisher events.Publisher, opts Options) *Engine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	fanOut := opts.FanOutLimit
	if fanOut <= 0 || fanOut > defaultFanOut {
		fanOut = defaultFanOut
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:     store,
		notifier:  notifier,
		publisher: publisher,
		fanOut:    fanOut,
		now:       now,
		log:       logging.Component(opts.Logger, "dispatch"),
	}
}

// RideOffer is what candidate drivers receive. It carries a rider snippet,
// never the rider record.
type RideOffer struct {
	BookingID      string    `json:"bookingId"`
	VehicleType    string    `json:"vehicleType"`
	FromLocation   string    `json:"fromLocation"`
	ToLocation     string    `json:"toLocation"`
	Price          float64   `json:"price"`
	Distance       float64   `json:"distance"`
	PickupLat      *float64  `json:"pickupLat,omitempty"`
	PickupLng      *float64  `json:"pickupLng,omitempty"`
	DropLat        *float64  `json:"dropLat,omitempty"`
	DropLng        *float64  `json:"dropLng,omitempty"`
	CustomerName   string    `json:"customerName"`
	CustomerPhone  string    `json:"customerPhone"`
	CustomerRating float64   `json:"customerRating"`
	Timestamp      time.Time `json:"timestamp"`
}

// DriverAssigned is sent to the rider once a driver wins the ride.
type DriverAssigned struct {
	BookingID     string   `json:"bookingId"`
	DriverID      string   `json:"driverId"`
	DriverName    string   `json:"driverName"`
	DriverPhone   string   `json:"driverPhone"`
	DriverVehicle string   `json:"driverVehicle"`
	DriverRating  float64  `json:"driverRating"`
	DriverLat     *float64 `json:"driverLat"`
	DriverLng     *float64 `json:"driverLng"`
}

// SubmitRequest persists a PENDING ride and starts the offer broadcast in
// the background. The broadcast never affects the returned ride.
func (e *Engine) SubmitRequest(ctx context.Context, riderID string, d models.RideDetails) (*models.Ride, error) {
	if err := validateDetails(riderID, d); err != nil {
		return nil, err
	}
	rider, err := e.store.GetRider(ctx, riderID)
	if err != nil {
		return nil, translate(err, "rider")
	}

	now := e.now()
	ride := &models.Ride{
		ID:           uuid.NewString(),
		RiderID:      riderID,
		VehicleType:  strings.TrimSpace(d.VehicleType),
		FromLocation: strings.TrimSpace(d.FromLocation),
		ToLocation:   strings.TrimSpace(d.ToLocation),
		Price:        d.Price,
		Distance:     d.Distance,
		Pickup:       d.Pickup,
		Drop:         d.Drop,
		Status:       models.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.store.CreateRide(ctx, ride); err != nil {
		return nil, apperr.Upstream("create ride", err)
	}
	observability.RidesRequested.Inc()

	if ride.Pickup == nil {
		e.log.Info("ride has no pickup coordinates; broadcast skipped", "ride_id", ride.ID)
		return ride, nil
	}

	offer := newOffer(ride, rider)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), broadcastTimeout)
		defer cancel()
		e.broadcast(bctx, offer, now)
	}()
	return ride, nil
}

func (e *Engine) broadcast(ctx context.Context, offer RideOffer, created time.Time) {
	drivers, err := e.store.ListAvailableDrivers(ctx, e.fanOut)
	if err != nil {
		e.log.Error("list available drivers failed", "ride_id", offer.BookingID, "err", err)
		return
	}
	delivered := 0
	for _, d := range drivers {
		if e.notifier.Notify(d.ID, EventNewRideRequest, offer) {
			delivered++
			observability.OffersSent.Inc()
		}
	}
	observability.BroadcastLatency.Observe(e.now().Sub(created).Seconds())
	e.log.Debug("ride offer broadcast", "ride_id", offer.BookingID, "candidates", len(drivers), "delivered", delivered)
}

// Wait blocks until every in-flight broadcast has finished.
func (e *Engine) Wait() { e.wg.Wait() }

// ResolveAcceptance assigns the ride to driverID if no other driver got it
// first. Losers get ErrAlreadyTaken.
func (e *Engine) ResolveAcceptance(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, apperr.Validation("bookingId and driverId are required")
	}
	driver, err := e.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, translate(err, "driver")
	}

	now := e.now()
	ride, err := e.store.ClaimRide(ctx, rideID, driverID, driver.FullName, now)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, apperr.NotFound("ride")
	case errors.Is(err, storage.ErrConditionFailed):
		return nil, e.claimMiss(ctx, rideID, driverID)
	case err != nil:
		return nil, apperr.Upstream("claim ride", err)
	}

	observability.AcceptanceOutcomes.WithLabelValues("accepted").Inc()
	observability.Transitions.WithLabelValues(string(models.StatusPending), string(models.StatusAccepted)).Inc()
	e.log.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)

	e.record(ctx, rideID, driverID, models.OutcomeAccepted, "Ride accepted by driver "+driver.FullName)

	e.notifier.Notify(ride.RiderID, EventRideAcceptedByDriver, DriverAssigned{
		BookingID:     ride.ID,
		DriverID:      driver.ID,
		DriverName:    driver.FullName,
		DriverPhone:   driver.Phone,
		DriverVehicle: driver.VehicleNumber,
		DriverRating:  driver.Rating,
		DriverLat:     lat(driver.Loc),
		DriverLng:     lng(driver.Loc),
	})
	if err := e.publisher.Publish(ctx, events.FromRide(ride, now)); err != nil {
		e.log.Warn("publish ride event failed", "ride_id", rideID, "status", ride.Status, "err", err)
	}
	return ride, nil
}

// claimMiss decides why a conditional claim was rejected.
func (e *Engine) claimMiss(ctx context.Context, rideID, driverID string) error {
	current, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return translate(err, "ride")
	}
	if current.DriverID != nil {
		observability.AcceptanceOutcomes.WithLabelValues("already_taken").Inc()
		e.log.Debug("ride already taken", "ride_id", rideID, "driver_id", driverID, "winner", *current.DriverID)
		return ErrAlreadyTaken
	}
	return apperr.Newf(apperr.KindInvalidTransition, "cannot accept ride in status %s", current.Status)
}

// ResolveDecline records that driverID passed on the ride. The ride itself
// is untouched and stays open to other drivers.
func (e *Engine) ResolveDecline(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	if rideID == "" || driverID == "" {
		return nil, apperr.Validation("bookingId and driverId are required")
	}
	ride, err := e.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, translate(err, "ride")
	}
	if _, err := e.store.GetDriver(ctx, driverID); err != nil {
		return nil, translate(err, "driver")
	}
	n := &models.Notification{
		ID:        uuid.NewString(),
		DriverID:  driverID,
		RideID:    rideID,
		Outcome:   models.OutcomeDeclined,
		Message:   "Ride declined by driver",
		CreatedAt: e.now(),
	}
	if err := e.store.CreateNotification(ctx, n); err != nil {
		return nil, apperr.Upstream("record decline", err)
	}
	observability.AcceptanceOutcomes.WithLabelValues("declined").Inc()
	e.log.Debug("ride declined", "ride_id", rideID, "driver_id", driverID)
	return ride, nil
}

func (e *Engine) record(ctx context.Context, rideID, driverID string, outcome models.NotificationOutcome, msg string) {
	n := &models.Notification{
		ID:        uuid.NewString(),
		DriverID:  driverID,
		RideID:    rideID,
		Outcome:   outcome,
		Message:   msg,
		CreatedAt: e.now(),
	}
	if err := e.store.CreateNotification(ctx, n); err != nil {
		e.log.Error("create notification failed", "ride_id", rideID, "driver_id", driverID, "err", err)
	}
}

// PendingRides lists rides still waiting for a driver, newest first, in the
// same shape as a broadcast offer.
func (e *Engine) PendingRides(ctx context.Context, limit int) ([]RideOffer, error) {
	if limit <= 0 || limit > pendingLimit {
		limit = pendingLimit
	}
	rides, err := e.store.ListPendingRides(ctx, limit)
	if err != nil {
		return nil, apperr.Upstream("list pending rides", err)
	}
	out := make([]RideOffer, 0, len(rides))
	for i := range rides {
		rider, err := e.store.GetRider(ctx, rides[i].RiderID)
		if err != nil {
			rider = &models.Rider{ID: rides[i].RiderID}
		}
		out = append(out, newOffer(&rides[i], rider))
	}
	return out, nil
}

func (e *Engine) Notifications(ctx context.Context, driverID string) ([]models.Notification, error) {
	if driverID == "" {
		return nil, apperr.Validation("driverId is required")
	}
	ns, err := e.store.ListNotifications(ctx, driverID, notificationPage)
	if err != nil {
		return nil, apperr.Upstream("list notifications", err)
	}
	return ns, nil
}

func (e *Engine) MarkNotificationRead(ctx context.Context, id string) (*models.Notification, error) {
	if id == "" {
		return nil, apperr.Validation("notification id is required")
	}
	n, err := e.store.MarkNotificationRead(ctx, id)
	if err != nil {
		return nil, translate(err, "notification")
	}
	return n, nil
}

func validateDetails(riderID string, d models.RideDetails) error {
	var missing []string
	if strings.TrimSpace(riderID) == "" {
		missing = append(missing, "riderId")
	}
	if strings.TrimSpace(d.VehicleType) == "" {
		missing = append(missing, "vehicleType")
	}
	if strings.TrimSpace(d.FromLocation) == "" {
		missing = append(missing, "fromLocation")
	}
	if strings.TrimSpace(d.ToLocation) == "" {
		missing = append(missing, "toLocation")
	}
	if len(missing) > 0 {
		return apperr.Validation(strings.Join(missing, ", ") + " required")
	}
	if !(d.Price > 0) || math.IsInf(d.Price, 0) {
		return apperr.Validation("price must be a positive number")
	}
	if !(d.Distance > 0) || math.IsInf(d.Distance, 0) {
		return apperr.Validation("distance must be a positive number")
	}
	for _, c := range []*models.Coord{d.Pickup, d.Drop} {
		if c != nil && !c.Valid() {
			return apperr.Validation("coordinates out of range")
		}
	}
	return nil
}

func newOffer(r *models.Ride, rider *models.Rider) RideOffer {
	return RideOffer{
		BookingID:      r.ID,
		VehicleType:    r.VehicleType,
		FromLocation:   r.FromLocation,
		ToLocation:     r.ToLocation,
		Price:          r.Price,
		Distance:       r.Distance,
		PickupLat:      lat(r.Pickup),
		PickupLng:      lng(r.Pickup),
		DropLat:        lat(r.Drop),
		DropLng:        lng(r.Drop),
		CustomerName:   rider.FullName,
		CustomerPhone:  rider.Phone,
		CustomerRating: rider.Rating,
		Timestamp:      r.CreatedAt,
	}
}

func lat(c *models.Coord) *float64 {
	if c == nil {
		return nil
	}
	v := c.Lat
	return &v
}

func lng(c *models.Coord) *float64 {
	if c == nil {
		return nil
	}
	v := c.Lon
	return &v
}

func translate(err error, resource string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(resource)
	}
	return apperr.Upstream("load "+resource, err)
}
