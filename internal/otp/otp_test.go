package otp

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type countingStarter struct {
	inner Starter
	mu    sync.Mutex
	calls int
}

func (c *countingStarter) Start(ctx context.Context, rideID string) (*models.Ride, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Start(ctx, rideID)
}

type captureNotifier struct {
	mu     sync.Mutex
	issued []Issued
}

func (n *captureNotifier) Notify(_ string, event string, payload any) bool {
	if event != EventIssued {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.issued = append(n.issued, payload.(Issued))
	return true
}

type fixture struct {
	store    *storage.MemoryStore
	clock    *clock
	starter  *countingStarter
	notifier *captureNotifier
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := storage.NewMemoryStore()
	st.PutRider(models.Rider{ID: "rider-1"})
	st.PutDriver(models.Driver{ID: "D", FullName: "Dev"})
	ctx := context.Background()
	c := &clock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)}
	if err := st.CreateRide(ctx, &models.Ride{ID: "ride-1", RiderID: "rider-1", Status: models.StatusPending, CreatedAt: c.Now()}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := st.ClaimRide(ctx, "ride-1", "D", "Dev", c.Now()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	n := &captureNotifier{}
	m := lifecycle.NewMachine(st, n, nil, lifecycle.Options{Now: c.Now, SettleBaseDelay: time.Millisecond})
	starter := &countingStarter{inner: m}
	return &fixture{
		store:    st,
		clock:    c,
		starter:  starter,
		notifier: n,
		svc:      NewService(st, starter, n, Options{Now: c.Now}),
	}
}

func (f *fixture) code(t *testing.T) string {
	t.Helper()
	r, err := f.store.GetRide(context.Background(), "ride-1")
	if err != nil || r.OTPCode == nil {
		t.Fatalf("expected stored code: %v", err)
	}
	return *r.OTPCode
}

func TestIssueOnAcceptedRide(t *testing.T) {
	f := newFixture(t)
	exp, err := f.svc.Issue(context.Background(), "ride-1", "D")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if want := f.clock.Now().Add(10 * time.Minute); !exp.Equal(want) {
		t.Fatalf("expected expiry %v, got %v", want, exp)
	}
	code := f.code(t)
	if !regexp.MustCompile(`^[1-9][0-9]{3}$`).MatchString(code) {
		t.Fatalf("expected 4-digit code in 1000..9999, got %q", code)
	}
	if len(f.notifier.issued) != 1 || f.notifier.issued[0].OTP != code {
		t.Fatalf("expected rider to receive the code, got %+v", f.notifier.issued)
	}
	r, _ := f.store.GetRide(context.Background(), "ride-1")
	if r.Status != models.StatusAccepted || r.OTPAttempts != 0 || r.OTPVerified {
		t.Fatalf("issue must not change status or leave stale state: %+v", r)
	}
}

func TestIssueRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Issue(ctx, "ride-1", "other"); !errors.Is(err, apperr.ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, err := f.svc.Issue(ctx, "missing", "D"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	_ = f.store.CreateRide(ctx, &models.Ride{ID: "open", RiderID: "rider-1", Status: models.StatusPending})
	if _, err := f.svc.Issue(ctx, "open", "D"); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for unassigned ride, got %v", err)
	}

	if _, err := f.store.UpdateRideStatus(ctx, "ride-1", models.StatusAccepted, models.StatusArrived, f.clock.Now()); err != nil {
		t.Fatalf("arrive: %v", err)
	}
	if _, err := f.svc.Issue(ctx, "ride-1", "D"); err != nil {
		t.Fatalf("issue should be allowed on ARRIVED: %v", err)
	}
	if _, err := f.store.UpdateRideStatus(ctx, "ride-1", models.StatusArrived, models.StatusStarted, f.clock.Now()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.Resend(ctx, "ride-1", "D"); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on STARTED ride, got %v", err)
	}
}

func TestWrongDriverConsumesNoAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Issue(ctx, "ride-1", "D"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err := f.svc.Verify(ctx, "ride-1", "intruder", f.code(t))
	if apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	r, _ := f.store.GetRide(ctx, "ride-1")
	if r.OTPAttempts != 0 || r.OTPVerified || r.Status != models.StatusAccepted {
		t.Fatalf("unauthorized verify must not touch the ride: %+v", r)
	}
}

func TestVerifyStartsRideAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Issue(ctx, "ride-1", "D"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	code := f.code(t)
	f.clock.Advance(2 * time.Minute)

	res, err := f.svc.Verify(ctx, "ride-1", "D", code)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Verified || res.Status != models.StatusStarted || res.VerifiedAt == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	r, _ := f.store.GetRide(ctx, "ride-1")
	if r.ArrivedAt == nil || r.StartedAt == nil || !r.OTPVerified {
		t.Fatalf("expected arrived and started stamps, got %+v", r)
	}

	again, err := f.svc.Verify(ctx, "ride-1", "D", code)
	if err != nil || !again.Verified || again.Status != models.StatusStarted {
		t.Fatalf("repeat verify should succeed, got %+v %v", again, err)
	}
	if f.starter.calls != 1 {
		t.Fatalf("repeat verify must not re-trigger the transition, starts=%d", f.starter.calls)
	}
}

func TestThreeWrongCodesExhaust(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Issue(ctx, "ride-1", "D"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	code := f.code(t)

	for _, left := range []int{2, 1} {
		res, err := f.svc.Verify(ctx, "ride-1", "D", "0000")
		if !errors.Is(err, apperr.ErrInvalidCode) || res.AttemptsLeft != left {
			t.Fatalf("expected invalid code with %d left, got %+v %v", left, res, err)
		}
	}
	if _, err := f.svc.Verify(ctx, "ride-1", "D", "0000"); !errors.Is(err, apperr.ErrAttemptsExhausted) {
		t.Fatalf("expected exhausted on the 3rd wrong code, got %v", err)
	}
	if _, err := f.svc.Verify(ctx, "ride-1", "D", code); !errors.Is(err, apperr.ErrAttemptsExhausted) {
		t.Fatalf("correct code after exhaustion must be refused, got %v", err)
	}
	r, _ := f.store.GetRide(ctx, "ride-1")
	if r.Status != models.StatusAccepted || r.OTPAttempts != 3 {
		t.Fatalf("expected ACCEPTED with 3 attempts, got %s %d", r.Status, r.OTPAttempts)
	}

	if _, err := f.svc.Resend(ctx, "ride-1", "D"); err != nil {
		t.Fatalf("resend: %v", err)
	}
	if res, err := f.svc.Verify(ctx, "ride-1", "D", f.code(t)); err != nil || !res.Verified {
		t.Fatalf("fresh code should verify, got %+v %v", res, err)
	}
}

func TestExpiredCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Issue(ctx, "ride-1", "D"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	code := f.code(t)
	f.clock.Advance(10 * time.Minute)

	if _, err := f.svc.Verify(ctx, "ride-1", "D", code); !errors.Is(err, apperr.ErrExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	r, _ := f.store.GetRide(ctx, "ride-1")
	if r.OTPAttempts != 0 || r.Status != models.StatusAccepted {
		t.Fatalf("expired check must not consume attempts or move the ride: %+v", r)
	}
}

func TestVerifyWithoutCode(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Verify(context.Background(), "ride-1", "D", "1234")
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.svc.Verify(context.Background(), "ride-1", "D", ""); apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for empty code, got %v", err)
	}
}

func TestConcurrentWrongCodesNeverExceedCap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Issue(ctx, "ride-1", "D"); err != nil {
		t.Fatalf("issue: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.svc.Verify(ctx, "ride-1", "D", "0000")
		}()
	}
	wg.Wait()
	r, _ := f.store.GetRide(ctx, "ride-1")
	if r.OTPAttempts != 3 {
		t.Fatalf("expected attempts capped at 3, got %d", r.OTPAttempts)
	}
}

func TestStatusProjection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	view, err := f.svc.Status(ctx, "ride-1")
	if err != nil || view.Generated || view.Verified || view.Status != models.StatusAccepted {
		t.Fatalf("unexpected view before issue %+v %v", view, err)
	}
	exp, _ := f.svc.Issue(ctx, "ride-1", "D")
	_, _ = f.svc.Verify(ctx, "ride-1", "D", "0000")

	view, err = f.svc.Status(ctx, "ride-1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !view.Generated || view.Attempts != 1 || view.ExpiresAt == nil || !view.ExpiresAt.Equal(exp) || view.DriverName != "Dev" {
		t.Fatalf("unexpected view %+v", view)
	}
	if _, err := f.svc.Status(ctx, "missing"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
