package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/example/ride-dispatch/internal/models"
)

// number accepts both JSON numbers and numeric strings; mobile clients send
// either.
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", s)
		}
		*n = number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = number(f)
	return nil
}

func coord(lat, lon *number) *models.Coord {
	if lat == nil || lon == nil {
		return nil
	}
	return &models.Coord{Lat: float64(*lat), Lon: float64(*lon)}
}

func value(n *number) float64 {
	if n == nil {
		return 0
	}
	return float64(*n)
}

type registerUser struct {
	UserID    string  `json:"userId"`
	UserType  string  `json:"userType"`
	Latitude  *number `json:"latitude"`
	Longitude *number `json:"longitude"`
}

type requestRide struct {
	RiderID      string  `json:"riderId"`
	VehicleType  string  `json:"vehicleType"`
	FromLocation string  `json:"fromLocation"`
	ToLocation   string  `json:"toLocation"`
	Price        *number `json:"price"`
	Distance     *number `json:"distance"`
	PickupLat    *number `json:"pickupLat"`
	PickupLng    *number `json:"pickupLng"`
	DropLat      *number `json:"dropLat"`
	DropLng      *number `json:"dropLng"`
}

func (p requestRide) details() models.RideDetails {
	return models.RideDetails{
		VehicleType:  p.VehicleType,
		FromLocation: p.FromLocation,
		ToLocation:   p.ToLocation,
		Price:        value(p.Price),
		Distance:     value(p.Distance),
		Pickup:       coord(p.PickupLat, p.PickupLng),
		Drop:         coord(p.DropLat, p.DropLng),
	}
}

type rideDecision struct {
	BookingID string `json:"bookingId"`
	DriverID  string `json:"driverId"`
}

type updateLocation struct {
	UserID    string  `json:"userId"`
	UserType  string  `json:"userType"`
	Latitude  *number `json:"latitude"`
	Longitude *number `json:"longitude"`
}

type updateRideStatus struct {
	BookingID string `json:"bookingId"`
	Status    string `json:"status"`
}
