package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrConditionFailed is returned when a conditional update's guard no
	// longer holds for the stored record.
	ErrConditionFailed = errors.New("storage: condition failed")
)

// RideStore holds ride records. Every mutating method is a conditional
// update evaluated atomically by the store, never read-then-write by the
// caller.
type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)

	// ClaimRide assigns driverID to a PENDING ride whose driver is still
	// unset, moves it to ACCEPTED and marks the driver unavailable, all in
	// one write.
	ClaimRide(ctx context.Context, rideID, driverID, driverName string, at time.Time) (*models.Ride, error)

	// UpdateRideStatus moves a ride from `from` to `to` and stamps the
	// target status timestamp if it is unset.
	UpdateRideStatus(ctx context.Context, rideID string, from, to models.Status, at time.Time) (*models.Ride, error)

	// FindActiveRide returns the ride in ACCEPTED/ARRIVED/STARTED that the
	// party is bound to.
	FindActiveRide(ctx context.Context, pt models.PartyType, partyID string) (*models.Ride, error)
	ListPendingRides(ctx context.Context, limit int) ([]models.Ride, error)

	// SetOTP stores a fresh code on a ride assigned to driverID whose status
	// is one of allowed, resetting attempts and the verified flag.
	SetOTP(ctx context.Context, rideID, driverID, code string, expiresAt time.Time, allowed []models.Status) (*models.Ride, error)
	// IncrementOTPAttempts bumps the attempt counter while it is below max
	// and returns the new value.
	IncrementOTPAttempts(ctx context.Context, rideID string, max int) (int, error)
	// MarkOTPVerified flips the verified flag when code matches, is not
	// expired at `at`, attempts are below max and driverID is assigned.
	MarkOTPVerified(ctx context.Context, rideID, driverID, code string, at time.Time, max int) (*models.Ride, error)

	// SettleCompletion applies the COMPLETED side effects once per ride:
	// both ride counters increment and the driver becomes available. It
	// reports false when the ride was already settled.
	SettleCompletion(ctx context.Context, rideID string) (bool, error)
	ListUnsettledCompletions(ctx context.Context, limit int) ([]string, error)
}

// PartyStore holds the presence-related fields of riders and drivers.
type PartyStore interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	GetRider(ctx context.Context, id string) (*models.Rider, error)
	// SetOnline flips the online flag. A driver going online becomes
	// available unless bound to an active ride; going offline makes it
	// unavailable. loc, when non-nil, seeds the current position.
	SetOnline(ctx context.Context, pt models.PartyType, id string, online bool, loc *models.Coord) error
	SetDriverAvailable(ctx context.Context, id string, available bool) error
	UpdateLocation(ctx context.Context, pt models.PartyType, id string, loc models.Coord) error
	ListAvailableDrivers(ctx context.Context, limit int) ([]models.Driver, error)
}

type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, driverID string, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) (*models.Notification, error)
}

// Store is the full persistence surface the server wires together.
type Store interface {
	RideStore
	PartyStore
	NotificationStore
	Ping(ctx context.Context) error
	Close() error
}
