package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a finite point on the globe. NaN fails every
// comparison and so is rejected too.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type PartyType string

const (
	PartyRider  PartyType = "rider"
	PartyDriver PartyType = "driver"
)

func (p PartyType) Valid() bool { return p == PartyRider || p == PartyDriver }

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusAccepted  Status = "ACCEPTED"
	StatusArrived   Status = "ARRIVED"
	StatusStarted   Status = "STARTED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusDeclined  Status = "DECLINED"
)

// ActiveStatuses are the statuses in which both parties are bound to the ride.
var ActiveStatuses = []Status{StatusAccepted, StatusArrived, StatusStarted}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusDeclined
}

func (s Status) Active() bool {
	return s == StatusAccepted || s == StatusArrived || s == StatusStarted
}

// ParseStatus accepts the upper-case wire form only.
func ParseStatus(v string) (Status, bool) {
	switch s := Status(v); s {
	case StatusPending, StatusAccepted, StatusArrived, StatusStarted,
		StatusCompleted, StatusCancelled, StatusDeclined:
		return s, true
	}
	return "", false
}

const DriverStatusActive = "ACTIVE"

type Driver struct {
	ID            string    `json:"id"`
	FullName      string    `json:"fullName"`
	Phone         string    `json:"phone"`
	VehicleNumber string    `json:"vehicleNumber"`
	Rating        float64   `json:"rating"` // 0..5
	Status        string    `json:"status"`
	Online        bool      `json:"isOnline"`
	Available     bool      `json:"isAvailable"`
	Loc           *Coord    `json:"loc,omitempty"`
	TotalRides    int       `json:"totalRides"`
	Updated       time.Time `json:"updated"`
}

type Rider struct {
	ID         string    `json:"id"`
	FullName   string    `json:"fullName"`
	Phone      string    `json:"phone"`
	Rating     float64   `json:"rating"`
	Online     bool      `json:"isOnline"`
	Loc        *Coord    `json:"loc,omitempty"`
	TotalRides int       `json:"totalRides"`
	Updated    time.Time `json:"updated"`
}

// RideDetails is what a rider submits when requesting a ride.
type RideDetails struct {
	VehicleType  string  `json:"vehicleType"`
	FromLocation string  `json:"fromLocation"`
	ToLocation   string  `json:"toLocation"`
	Price        float64 `json:"price"`
	Distance     float64 `json:"distance"`
	Pickup       *Coord  `json:"pickup,omitempty"`
	Drop         *Coord  `json:"drop,omitempty"`
}

type Ride struct {
	ID           string  `json:"id"`
	RiderID      string  `json:"riderId"`
	DriverID     *string `json:"driverId"`
	DriverName   string  `json:"driverName,omitempty"`
	VehicleType  string  `json:"vehicleType"`
	FromLocation string  `json:"fromLocation"`
	ToLocation   string  `json:"toLocation"`
	Price        float64 `json:"price"`
	Distance     float64 `json:"distance"`
	Pickup       *Coord  `json:"pickup,omitempty"`
	Drop         *Coord  `json:"drop,omitempty"`
	Status       Status  `json:"status"`

	OTPCode       *string    `json:"-"`
	OTPExpiresAt  *time.Time `json:"otpExpiresAt,omitempty"`
	OTPVerified   bool       `json:"otpVerified"`
	OTPVerifiedAt *time.Time `json:"otpVerifiedAt,omitempty"`
	OTPAttempts   int        `json:"otpAttempts"`

	// CompletionSettled is flipped once the COMPLETED side effects
	// (ride counters, driver availability) have been applied.
	CompletionSettled bool `json:"-"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	AcceptedAt  *time.Time `json:"acceptedAt,omitempty"`
	ArrivedAt   *time.Time `json:"arrivedAt,omitempty"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DeclinedAt  *time.Time `json:"declinedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// AssignedTo reports whether driverID is the ride's assigned driver.
func (r *Ride) AssignedTo(driverID string) bool {
	return r.DriverID != nil && *r.DriverID == driverID
}

// Counterparty returns the id of the other party of the ride, or "" when the
// ride has no driver yet.
func (r *Ride) Counterparty(pt PartyType) string {
	if pt == PartyDriver {
		return r.RiderID
	}
	if r.DriverID == nil {
		return ""
	}
	return *r.DriverID
}

// Clone returns a deep copy so callers never share pointers into a store.
func (r *Ride) Clone() *Ride {
	c := *r
	c.DriverID = clonePtr(r.DriverID)
	c.Pickup = clonePtr(r.Pickup)
	c.Drop = clonePtr(r.Drop)
	c.OTPCode = clonePtr(r.OTPCode)
	c.OTPExpiresAt = clonePtr(r.OTPExpiresAt)
	c.OTPVerifiedAt = clonePtr(r.OTPVerifiedAt)
	c.AcceptedAt = clonePtr(r.AcceptedAt)
	c.ArrivedAt = clonePtr(r.ArrivedAt)
	c.StartedAt = clonePtr(r.StartedAt)
	c.CompletedAt = clonePtr(r.CompletedAt)
	c.DeclinedAt = clonePtr(r.DeclinedAt)
	c.CancelledAt = clonePtr(r.CancelledAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

type NotificationOutcome string

const (
	OutcomeAccepted NotificationOutcome = "accepted"
	OutcomeDeclined NotificationOutcome = "declined"
)

type Notification struct {
	ID        string              `json:"id"`
	DriverID  string              `json:"driverId"`
	RideID    string              `json:"rideBookingId"`
	Outcome   NotificationOutcome `json:"status"`
	Message   string              `json:"message"`
	Read      bool                `json:"isRead"`
	CreatedAt time.Time           `json:"createdAt"`
}
