// Package lifecycle owns ride status transitions and their side effects.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	EventStatusUpdated = "ride_status_updated"
	EventCompleted     = "ride_completed"
	EventCancelled     = "ride_cancelled"
)

// Trigger names the operation allowed to drive an edge of the graph.
type Trigger string

const (
	TriggerStatusUpdate Trigger = "status_update"
	TriggerDispatch     Trigger = "dispatch"
	TriggerOTP          Trigger = "otp_verification"
)

type effect int

const (
	effectNone effect = iota
	effectSettle
	effectRelease
)

type edge struct{ from, to models.Status }

type rule struct {
	trigger Trigger
	effect  effect
}

// The store stamps the timestamp named for the target status, once.
var transitions = map[edge]rule{
	{models.StatusPending, models.StatusAccepted}:   {trigger: TriggerDispatch},
	{models.StatusPending, models.StatusDeclined}:   {trigger: TriggerStatusUpdate},
	{models.StatusPending, models.StatusCancelled}:  {trigger: TriggerStatusUpdate, effect: effectRelease},
	{models.StatusAccepted, models.StatusArrived}:   {trigger: TriggerStatusUpdate},
	{models.StatusAccepted, models.StatusCancelled}: {trigger: TriggerStatusUpdate, effect: effectRelease},
	{models.StatusArrived, models.StatusStarted}:    {trigger: TriggerOTP},
	{models.StatusArrived, models.StatusCancelled}:  {trigger: TriggerStatusUpdate, effect: effectRelease},
	{models.StatusStarted, models.StatusCompleted}:  {trigger: TriggerStatusUpdate, effect: effectSettle},
	{models.StatusStarted, models.StatusCancelled}:  {trigger: TriggerStatusUpdate, effect: effectRelease},
}

// CanTransition reports whether to directly follows from in the ride graph,
// regardless of which operation owns the edge.
func CanTransition(from, to models.Status) bool {
	_, ok := transitions[edge{from, to}]
	return ok
}

type Store interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	UpdateRideStatus(ctx context.Context, rideID string, from, to models.Status, at time.Time) (*models.Ride, error)
	SetDriverAvailable(ctx context.Context, id string, available bool) error
	Settler
}

type Notifier interface {
	Notify(partyID, event string, payload any) bool
}

type Options struct {
	SettleAttempts  int
	SettleBaseDelay time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

type Machine struct {
	store     Store
	notifier  Notifier
	publisher events.Publisher
	now       func() time.Time
	log       *slog.Logger

	attempts int
	delay    time.Duration
}

func NewMachine(store Store, notifier Notifier, publisher events.Publisher, opts Options) *Machine {
	if publisher == nil {
		publisher = events.Nop{}
	}
	m := &Machine{
		store:     store,
		notifier:  notifier,
		publisher: publisher,
		now:       opts.Now,
		log:       logging.Component(opts.Logger, "lifecycle"),
		attempts:  opts.SettleAttempts,
		delay:     opts.SettleBaseDelay,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.attempts <= 0 {
		m.attempts = 3
	}
	if m.delay <= 0 {
		m.delay = 200 * time.Millisecond
	}
	return m
}

type StatusUpdate struct {
	BookingID string        `json:"bookingId"`
	Status    models.Status `json:"status"`
}

type Completion struct {
	BookingID string  `json:"bookingId"`
	Price     float64 `json:"price"`
}

// Transition applies a status change requested by one of the ride's
// parties. Edges owned by dispatch or OTP verification are refused.
func (m *Machine) Transition(ctx context.Context, rideID string, to models.Status) (*models.Ride, error) {
	if rideID == "" {
		return nil, apperr.Validation("bookingId is required")
	}
	if _, ok := models.ParseStatus(string(to)); !ok {
		return nil, apperr.Newf(apperr.KindValidation, "unknown status %q", to)
	}
	return m.apply(ctx, rideID, to, TriggerStatusUpdate)
}

// Start moves a ride to STARTED once its OTP is verified. An ACCEPTED ride
// passes through ARRIVED first so every timestamp on the way is stamped.
func (m *Machine) Start(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := m.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status == models.StatusAccepted {
		if _, err := m.apply(ctx, rideID, models.StatusArrived, TriggerStatusUpdate); err != nil {
			return nil, err
		}
	}
	return m.apply(ctx, rideID, models.StatusStarted, TriggerOTP)
}

func (m *Machine) apply(ctx context.Context, rideID string, to models.Status, trigger Trigger) (*models.Ride, error) {
	current, err := m.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	from := current.Status
	r, ok := transitions[edge{from, to}]
	if !ok {
		return nil, invalid(from, to)
	}
	if r.trigger != trigger {
		return nil, apperr.Newf(apperr.KindInvalidTransition, "ride cannot move from %s to %s by %s; it is driven by %s", from, to, trigger, r.trigger)
	}

	ride, err := m.store.UpdateRideStatus(ctx, rideID, from, to, m.now())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, apperr.NotFound("ride")
	case errors.Is(err, storage.ErrConditionFailed):
		// lost a race with another transition on this ride
		latest, lerr := m.load(ctx, rideID)
		if lerr != nil {
			return nil, lerr
		}
		return nil, invalid(latest.Status, to)
	case err != nil:
		return nil, apperr.Upstream("update ride status", err)
	}

	observability.Transitions.WithLabelValues(string(from), string(to)).Inc()
	m.log.Info("ride transitioned", "ride_id", rideID, "from", from, "to", to)

	// effects outlive the caller's request
	ectx := context.WithoutCancel(ctx)
	if err := m.publisher.Publish(ectx, events.FromRide(ride, m.now())); err != nil {
		m.log.Warn("publish ride event failed", "ride_id", rideID, "status", to, "err", err)
	}
	m.notifyParties(ride, EventStatusUpdated, StatusUpdate{BookingID: ride.ID, Status: ride.Status})

	switch r.effect {
	case effectSettle:
		m.settle(ectx, ride)
		m.notifyParties(ride, EventCompleted, Completion{BookingID: ride.ID, Price: ride.Price})
	case effectRelease:
		m.release(ectx, ride)
	}
	return ride, nil
}

func (m *Machine) settle(ctx context.Context, ride *models.Ride) {
	applied, err := SettleWithRetry(ctx, m.store, ride.ID, m.attempts, m.delay)
	if err != nil {
		observability.SettlementFailures.Inc()
		m.log.Error("completion settlement failed; left for reconciler", "ride_id", ride.ID, "err", err)
		return
	}
	if applied {
		observability.Settlements.Inc()
	}
}

func (m *Machine) release(ctx context.Context, ride *models.Ride) {
	if ride.DriverID == nil {
		return
	}
	driverID := *ride.DriverID
	err := retry(ctx, m.attempts, m.delay, func(ctx context.Context) error {
		return m.store.SetDriverAvailable(ctx, driverID, true)
	})
	if err != nil {
		m.log.Error("release driver after cancellation failed", "ride_id", ride.ID, "driver_id", driverID, "err", err)
	}
	m.notifier.Notify(driverID, EventCancelled, StatusUpdate{BookingID: ride.ID, Status: ride.Status})
}

func (m *Machine) notifyParties(ride *models.Ride, event string, payload any) {
	m.notifier.Notify(ride.RiderID, event, payload)
	if ride.DriverID != nil {
		m.notifier.Notify(*ride.DriverID, event, payload)
	}
}

func (m *Machine) load(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := m.store.GetRide(ctx, rideID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound("ride")
	}
	if err != nil {
		return nil, apperr.Upstream("load ride", err)
	}
	return ride, nil
}

func invalid(from, to models.Status) error {
	return apperr.Newf(apperr.KindInvalidTransition, "invalid transition from %s to %s", from, to)
}
