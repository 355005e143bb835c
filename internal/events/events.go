// Package events publishes ride lifecycle changes to the message bus.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

const TypeCompleted = "ride.completed"

// Event is the wire form of one committed ride status change.
type Event struct {
	Type     string        `json:"type"`
	RideID   string        `json:"rideId"`
	RiderID  string        `json:"riderId"`
	DriverID string        `json:"driverId,omitempty"`
	Status   models.Status `json:"status"`
	At       time.Time     `json:"at"`
}

// TypeFor names the event emitted when a ride enters s.
func TypeFor(s models.Status) string {
	return "ride." + strings.ToLower(string(s))
}

func FromRide(r *models.Ride, at time.Time) Event {
	e := Event{
		Type:    TypeFor(r.Status),
		RideID:  r.ID,
		RiderID: r.RiderID,
		Status:  r.Status,
		At:      at.UTC(),
	}
	if r.DriverID != nil {
		e.DriverID = *r.DriverID
	}
	return e
}

func Decode(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("decode ride event: %w", err)
	}
	if e.RideID == "" {
		return Event{}, fmt.Errorf("decode ride event: missing rideId")
	}
	return e, nil
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event; used when no brokers are configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
