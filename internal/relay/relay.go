// Package relay forwards live positions between the two parties of an
// active ride.
package relay

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const EventLocationUpdated = "location_updated"

type Store interface {
	UpdateLocation(ctx context.Context, pt models.PartyType, id string, loc models.Coord) error
	FindActiveRide(ctx context.Context, pt models.PartyType, partyID string) (*models.Ride, error)
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetRider(ctx context.Context, id string) (*models.Rider, error)
}

type Notifier interface {
	Notify(partyID, event string, payload any) bool
}

// LocationUpdate is what the counterparty receives. Distance is in
// kilometres to the receiver's last known position.
type LocationUpdate struct {
	UserID    string           `json:"userId"`
	UserType  models.PartyType `json:"userType"`
	Latitude  float64          `json:"latitude"`
	Longitude float64          `json:"longitude"`
	BookingID string           `json:"bookingId"`
	Distance  float64          `json:"distance"`
}

type Relay struct {
	store    Store
	notifier Notifier
	log      *slog.Logger
}

func New(store Store, notifier Notifier, log *slog.Logger) *Relay {
	return &Relay{store: store, notifier: notifier, log: logging.Component(log, "relay")}
}

// UpdateLocation stores the party's position and forwards it to the other
// party of its active ride. Only the store write can fail the call; the
// forward is best-effort and reported through the returned flag.
func (r *Relay) UpdateLocation(ctx context.Context, partyID string, pt models.PartyType, lat, lon float64) (bool, error) {
	if partyID == "" {
		return false, apperr.Validation("userId is required")
	}
	if !pt.Valid() {
		return false, apperr.Validation("userType must be rider or driver")
	}
	pos := models.Coord{Lat: lat, Lon: lon}
	if !pos.Valid() {
		return false, apperr.Validation("latitude or longitude out of range")
	}
	if err := r.store.UpdateLocation(ctx, pt, partyID, pos); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, apperr.NotFound(string(pt))
		}
		return false, apperr.Upstream("update location", err)
	}

	ride, err := r.store.FindActiveRide(ctx, pt, partyID)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		r.log.Warn("active ride lookup failed", "party_id", partyID, "err", err)
		return false, nil
	}
	other := ride.Counterparty(pt)
	if other == "" {
		return false, nil
	}
	target := r.counterpartPosition(ctx, ride, pt)
	if target == nil {
		return false, nil
	}

	update := LocationUpdate{
		UserID:    partyID,
		UserType:  pt,
		Latitude:  lat,
		Longitude: lon,
		BookingID: ride.ID,
		Distance:  geo.DistanceKm(pos, *target),
	}
	if !r.notifier.Notify(other, EventLocationUpdated, update) {
		return false, nil
	}
	observability.LocationRelays.Inc()
	return true, nil
}

// counterpartPosition is the last known position of the receiving party. A
// rider without one is assumed to wait at the pickup point.
func (r *Relay) counterpartPosition(ctx context.Context, ride *models.Ride, sender models.PartyType) *models.Coord {
	if sender == models.PartyDriver {
		rider, err := r.store.GetRider(ctx, ride.RiderID)
		if err == nil && rider.Loc != nil {
			return rider.Loc
		}
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("rider lookup failed", "ride_id", ride.ID, "err", err)
		}
		return ride.Pickup
	}
	driver, err := r.store.GetDriver(ctx, *ride.DriverID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.log.Warn("driver lookup failed", "ride_id", ride.ID, "err", err)
		}
		return nil
	}
	return driver.Loc
}
