// Package otp issues and checks the short numeric code a rider shows the
// driver before a ride may start.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"slices"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	EventIssued = "ride_otp"

	DefaultTTL         = 10 * time.Minute
	DefaultMaxAttempts = 3

	codeMin   = 1000
	codeRange = 9000
)

// Codes may be issued while the driver heads to or waits at the pickup.
var issuable = []models.Status{models.StatusAccepted, models.StatusArrived}

type Store interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	SetOTP(ctx context.Context, rideID, driverID, code string, expiresAt time.Time, allowed []models.Status) (*models.Ride, error)
	IncrementOTPAttempts(ctx context.Context, rideID string, max int) (int, error)
	MarkOTPVerified(ctx context.Context, rideID, driverID, code string, at time.Time, max int) (*models.Ride, error)
}

// Starter moves a verified ride to STARTED.
type Starter interface {
	Start(ctx context.Context, rideID string) (*models.Ride, error)
}

type Notifier interface {
	Notify(partyID, event string, payload any) bool
}

type Options struct {
	TTL         time.Duration
	MaxAttempts int
	Now         func() time.Time
	Logger      *slog.Logger
}

type Service struct {
	store    Store
	starter  Starter
	notifier Notifier
	ttl      time.Duration
	max      int
	now      func() time.Time
	log      *slog.Logger
}

func NewService(store Store, starter Starter, notifier Notifier, opts Options) *Service {
	s := &Service{
		store:    store,
		starter:  starter,
		notifier: notifier,
		ttl:      opts.TTL,
		max:      opts.MaxAttempts,
		now:      opts.Now,
		log:      logging.Component(opts.Logger, "otp"),
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTTL
	}
	if s.max <= 0 {
		s.max = DefaultMaxAttempts
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Issued is delivered to the rider, who reads the code out to the driver.
type Issued struct {
	BookingID string    `json:"bookingId"`
	OTP       string    `json:"otp"`
	ExpiresAt time.Time `json:"otpExpiresAt"`
}

type Result struct {
	Verified     bool          `json:"verified"`
	BookingID    string        `json:"bookingId"`
	VerifiedAt   *time.Time    `json:"verifiedAt,omitempty"`
	Status       models.Status `json:"status,omitempty"`
	AttemptsLeft int           `json:"attemptsLeft"`
}

type StatusView struct {
	BookingID  string        `json:"bookingId"`
	Generated  bool          `json:"generated"`
	Verified   bool          `json:"verified"`
	VerifiedAt *time.Time    `json:"verifiedAt,omitempty"`
	ExpiresAt  *time.Time    `json:"expiresAt,omitempty"`
	Attempts   int           `json:"attempts"`
	Status     models.Status `json:"status"`
	DriverName string        `json:"driverName,omitempty"`
}

// Issue replaces any previous code on the ride with a fresh one. The ride
// status is not changed.
func (s *Service) Issue(ctx context.Context, rideID, driverID string) (time.Time, error) {
	if rideID == "" || driverID == "" {
		return time.Time{}, apperr.Validation("bookingId and driverId are required")
	}
	ride, err := s.load(ctx, rideID)
	if err != nil {
		return time.Time{}, err
	}
	if err := canIssue(ride, driverID); err != nil {
		return time.Time{}, err
	}

	code, err := generate()
	if err != nil {
		return time.Time{}, apperr.Upstream("generate otp", err)
	}
	expires := s.now().Add(s.ttl)
	ride, err = s.store.SetOTP(ctx, rideID, driverID, code, expires, issuable)
	if errors.Is(err, storage.ErrConditionFailed) {
		// ride moved on between the read and the write
		latest, lerr := s.load(ctx, rideID)
		if lerr != nil {
			return time.Time{}, lerr
		}
		if cerr := canIssue(latest, driverID); cerr != nil {
			return time.Time{}, cerr
		}
		return time.Time{}, apperr.New(apperr.KindConflict, "ride changed while issuing OTP")
	}
	if err != nil {
		return time.Time{}, translate(err)
	}

	observability.OTPIssued.Inc()
	s.log.Info("otp issued", "ride_id", rideID, "driver_id", driverID, "expires_at", expires)
	s.notifier.Notify(ride.RiderID, EventIssued, Issued{BookingID: rideID, OTP: code, ExpiresAt: expires})
	return expires, nil
}

// Resend issues a new code and expiry under the same rules as Issue.
func (s *Service) Resend(ctx context.Context, rideID, driverID string) (time.Time, error) {
	return s.Issue(ctx, rideID, driverID)
}

// Verify checks code for the ride. A wrong code consumes one attempt; a
// request from a driver other than the assigned one consumes none.
func (s *Service) Verify(ctx context.Context, rideID, driverID, code string) (Result, error) {
	res := Result{BookingID: rideID}
	if rideID == "" || driverID == "" || code == "" {
		return res, apperr.Validation("bookingId, otp and driverId are required")
	}
	ride, err := s.load(ctx, rideID)
	if err != nil {
		return res, err
	}
	if !ride.AssignedTo(driverID) {
		s.outcome("unauthorized")
		return res, apperr.New(apperr.KindUnauthorized, "driver is not assigned to this ride")
	}
	if ride.OTPVerified && ride.OTPCode != nil && equal(*ride.OTPCode, code) {
		return s.alreadyVerified(ctx, ride)
	}
	if err := s.usable(ride); err != nil {
		res.AttemptsLeft = max(s.max-ride.OTPAttempts, 0)
		return res, err
	}

	now := s.now()
	if !equal(*ride.OTPCode, code) {
		return s.mismatch(ctx, rideID)
	}

	verified, err := s.store.MarkOTPVerified(ctx, rideID, driverID, code, now, s.max)
	if errors.Is(err, storage.ErrConditionFailed) {
		// a concurrent verify, reissue, or failed attempt got in first
		latest, lerr := s.load(ctx, rideID)
		if lerr != nil {
			return res, lerr
		}
		if latest.OTPVerified && latest.OTPCode != nil && equal(*latest.OTPCode, code) {
			return s.alreadyVerified(ctx, latest)
		}
		if uerr := s.usable(latest); uerr != nil {
			return res, uerr
		}
		s.outcome("invalid_code")
		res.AttemptsLeft = max(s.max-latest.OTPAttempts, 0)
		return res, apperr.New(apperr.KindInvalidCode, "Invalid OTP")
	}
	if err != nil {
		return res, translate(err)
	}

	started, err := s.starter.Start(ctx, rideID)
	if err != nil {
		return res, err
	}
	s.outcome("verified")
	s.log.Info("otp verified", "ride_id", rideID, "driver_id", driverID)
	return Result{
		Verified:     true,
		BookingID:    rideID,
		VerifiedAt:   verified.OTPVerifiedAt,
		Status:       started.Status,
		AttemptsLeft: s.max - verified.OTPAttempts,
	}, nil
}

func (s *Service) mismatch(ctx context.Context, rideID string) (Result, error) {
	res := Result{BookingID: rideID}
	n, err := s.store.IncrementOTPAttempts(ctx, rideID, s.max)
	if errors.Is(err, storage.ErrConditionFailed) {
		s.outcome("attempts_exhausted")
		return res, apperr.New(apperr.KindAttemptsExhausted, "Too many failed OTP attempts")
	}
	if err != nil {
		return res, translate(err)
	}
	res.AttemptsLeft = s.max - n
	if res.AttemptsLeft <= 0 {
		s.outcome("attempts_exhausted")
		s.log.Warn("otp attempts exhausted", "ride_id", rideID)
		return res, apperr.New(apperr.KindAttemptsExhausted, "Too many failed OTP attempts")
	}
	s.outcome("invalid_code")
	return res, apperr.New(apperr.KindInvalidCode, "Invalid OTP")
}

// alreadyVerified answers a repeated verify. It only drives the ride forward
// when a previous verify stored the flag but did not get to start the ride.
func (s *Service) alreadyVerified(ctx context.Context, ride *models.Ride) (Result, error) {
	status := ride.Status
	if slices.Contains(issuable, status) {
		started, err := s.starter.Start(ctx, ride.ID)
		if err != nil {
			return Result{BookingID: ride.ID}, err
		}
		status = started.Status
	}
	s.outcome("verified")
	return Result{
		Verified:     true,
		BookingID:    ride.ID,
		VerifiedAt:   ride.OTPVerifiedAt,
		Status:       status,
		AttemptsLeft: max(s.max-ride.OTPAttempts, 0),
	}, nil
}

// usable reports why the stored code cannot be checked at all.
func (s *Service) usable(ride *models.Ride) error {
	switch {
	case ride.OTPCode == nil || ride.OTPExpiresAt == nil:
		return apperr.Validation("OTP not generated for this ride")
	case !s.now().Before(*ride.OTPExpiresAt):
		s.outcome("expired")
		return apperr.New(apperr.KindExpired, "OTP has expired")
	case ride.OTPAttempts >= s.max:
		s.outcome("attempts_exhausted")
		return apperr.New(apperr.KindAttemptsExhausted, "Too many failed OTP attempts")
	}
	return nil
}

// Status is a read-only projection for either party to poll.
func (s *Service) Status(ctx context.Context, rideID string) (StatusView, error) {
	if rideID == "" {
		return StatusView{}, apperr.Validation("bookingId is required")
	}
	ride, err := s.load(ctx, rideID)
	if err != nil {
		return StatusView{}, err
	}
	return StatusView{
		BookingID:  ride.ID,
		Generated:  ride.OTPCode != nil,
		Verified:   ride.OTPVerified,
		VerifiedAt: ride.OTPVerifiedAt,
		ExpiresAt:  ride.OTPExpiresAt,
		Attempts:   ride.OTPAttempts,
		Status:     ride.Status,
		DriverName: ride.DriverName,
	}, nil
}

func canIssue(ride *models.Ride, driverID string) error {
	if ride.DriverID == nil {
		return apperr.Validation("no driver assigned to this ride")
	}
	if !ride.AssignedTo(driverID) {
		return apperr.New(apperr.KindUnauthorized, "driver is not assigned to this ride")
	}
	if !slices.Contains(issuable, ride.Status) {
		return apperr.Newf(apperr.KindInvalidTransition, "cannot generate OTP for a ride in status %s", ride.Status)
	}
	return nil
}

func (s *Service) load(ctx context.Context, rideID string) (*models.Ride, error) {
	ride, err := s.store.GetRide(ctx, rideID)
	if err != nil {
		return nil, translate(err)
	}
	return ride, nil
}

func (s *Service) outcome(result string) {
	observability.OTPVerifications.WithLabelValues(result).Inc()
}

func translate(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound("ride")
	}
	return apperr.Upstream("otp store", err)
}

func generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeRange))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()+codeMin), nil
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
