package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/storage"
)

type delivery struct {
	party   string
	event   string
	payload any
}

type fakeNotifier struct {
	mu        sync.Mutex
	connected map[string]bool
	got       []delivery
}

func newFakeNotifier(ids ...string) *fakeNotifier {
	n := &fakeNotifier{connected: make(map[string]bool)}
	for _, id := range ids {
		n.connected[id] = true
	}
	return n
}

func (n *fakeNotifier) Notify(partyID, event string, payload any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.connected[partyID] {
		return false
	}
	n.got = append(n.got, delivery{partyID, event, payload})
	return true
}

func (n *fakeNotifier) deliveries(event string) []delivery {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []delivery
	for _, d := range n.got {
		if d.event == event {
			out = append(out, d)
		}
	}
	return out
}

type fakePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *fakePublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func seed(drivers ...string) *storage.MemoryStore {
	st := storage.NewMemoryStore()
	st.PutRider(models.Rider{ID: "rider-1", FullName: "Asha Rao", Phone: "+91-90000-00001", Rating: 4.8})
	for _, id := range drivers {
		st.PutDriver(models.Driver{
			ID: id, FullName: "Driver " + id, Phone: "+91-" + id, VehicleNumber: "KA-01-" + id,
			Rating: 4.5, Online: true, Available: true, Loc: &models.Coord{Lat: 12.97, Lon: 77.59},
		})
	}
	return st
}

func sedan() models.RideDetails {
	return models.RideDetails{
		VehicleType: "Sedan", FromLocation: "A", ToLocation: "B", Price: 120, Distance: 6.0,
		Pickup: &models.Coord{Lat: 12.9716, Lon: 77.5946},
		Drop:   &models.Coord{Lat: 12.9352, Lon: 77.6245},
	}
}

func TestRequestThenFirstAcceptWins(t *testing.T) {
	st := seed("X", "Y")
	notifier := newFakeNotifier("X", "Y", "rider-1")
	pub := &fakePublisher{}
	e := NewEngine(st, notifier, pub, Options{})
	ctx := context.Background()

	ride, err := e.SubmitRequest(ctx, "rider-1", sedan())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if ride.Status != models.StatusPending || ride.DriverID != nil {
		t.Fatalf("expected PENDING ride with no driver, got %s %v", ride.Status, ride.DriverID)
	}
	e.Wait()

	offers := notifier.deliveries(EventNewRideRequest)
	if len(offers) != 2 {
		t.Fatalf("expected 2 offers, got %d", len(offers))
	}
	offer := offers[0].payload.(RideOffer)
	if offer.BookingID != ride.ID || offer.CustomerName != "Asha Rao" || offer.CustomerRating != 4.8 {
		t.Fatalf("unexpected offer %+v", offer)
	}

	won, err := e.ResolveAcceptance(ctx, ride.ID, "X")
	if err != nil {
		t.Fatalf("accept X: %v", err)
	}
	if won.Status != models.StatusAccepted || !won.AssignedTo("X") || won.AcceptedAt == nil {
		t.Fatalf("unexpected accepted ride %+v", won)
	}

	_, err = e.ResolveAcceptance(ctx, ride.ID, "Y")
	if !errors.Is(err, ErrAlreadyTaken) || apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected already taken, got %v", err)
	}

	x, _ := st.GetDriver(ctx, "X")
	y, _ := st.GetDriver(ctx, "Y")
	if x.Available || !y.Available {
		t.Fatalf("expected X unavailable and Y untouched, got X=%v Y=%v", x.Available, y.Available)
	}

	assigned := notifier.deliveries(EventRideAcceptedByDriver)
	if len(assigned) != 1 || assigned[0].party != "rider-1" {
		t.Fatalf("expected rider notified once, got %+v", assigned)
	}
	if p := assigned[0].payload.(DriverAssigned); p.DriverID != "X" || p.DriverLat == nil || *p.DriverLat != 12.97 {
		t.Fatalf("unexpected driver payload %+v", p)
	}

	ns, err := e.Notifications(ctx, "X")
	if err != nil || len(ns) != 1 || ns[0].Outcome != models.OutcomeAccepted {
		t.Fatalf("expected one accepted notification, got %+v %v", ns, err)
	}
	if len(pub.events) != 1 || pub.events[0].Type != "ride.accepted" {
		t.Fatalf("unexpected events %+v", pub.events)
	}
}

func TestConcurrentAcceptanceHasOneWinner(t *testing.T) {
	const n = 24
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("d%02d", i)
	}
	st := seed(ids...)
	e := NewEngine(st, newFakeNotifier(), nil, Options{})
	ctx := context.Background()

	ride, err := e.SubmitRequest(ctx, "rider-1", sedan())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	e.Wait()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		taken   int
	)
	start := make(chan struct{})
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			<-start
			_, err := e.ResolveAcceptance(ctx, ride.ID, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, id)
			case errors.Is(err, ErrAlreadyTaken):
				taken++
			default:
				t.Errorf("unexpected error for %s: %v", id, err)
			}
		}(id)
	}
	close(start)
	wg.Wait()

	if len(winners) != 1 || taken != n-1 {
		t.Fatalf("expected 1 winner and %d losers, got %v and %d", n-1, winners, taken)
	}
	got, _ := st.GetRide(ctx, ride.ID)
	if !got.AssignedTo(winners[0]) {
		t.Fatalf("stored driver %v does not match winner %s", got.DriverID, winners[0])
	}
	avail, _ := st.ListAvailableDrivers(ctx, 100)
	if len(avail) != n-1 {
		t.Fatalf("only the winner should become unavailable, %d still available", len(avail))
	}
}

func TestSubmitRequestValidation(t *testing.T) {
	st := seed()
	e := NewEngine(st, newFakeNotifier(), nil, Options{})
	ctx := context.Background()

	cases := map[string]models.RideDetails{
		"no vehicle":    {FromLocation: "A", ToLocation: "B", Price: 1, Distance: 1},
		"no from":       {VehicleType: "Sedan", ToLocation: "B", Price: 1, Distance: 1},
		"blank to":      {VehicleType: "Sedan", FromLocation: "A", ToLocation: "  ", Price: 1, Distance: 1},
		"zero price":    {VehicleType: "Sedan", FromLocation: "A", ToLocation: "B", Distance: 1},
		"neg distance":  {VehicleType: "Sedan", FromLocation: "A", ToLocation: "B", Price: 1, Distance: -2},
		"bad pickup":    {VehicleType: "Sedan", FromLocation: "A", ToLocation: "B", Price: 1, Distance: 1, Pickup: &models.Coord{Lat: 91}},
	}
	for name, d := range cases {
		if _, err := e.SubmitRequest(ctx, "rider-1", d); apperr.KindOf(err) != apperr.KindValidation {
			t.Fatalf("%s: expected validation error, got %v", name, err)
		}
	}
	pending, _ := st.ListPendingRides(ctx, 10)
	if len(pending) != 0 {
		t.Fatalf("invalid requests must not be persisted, got %d", len(pending))
	}

	if _, err := e.SubmitRequest(ctx, "nobody", sedan()); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected rider not found, got %v", err)
	}
}

func TestRequestWithoutPickupSkipsBroadcast(t *testing.T) {
	st := seed("X")
	notifier := newFakeNotifier("X")
	e := NewEngine(st, notifier, nil, Options{})
	d := sedan()
	d.Pickup = nil

	ride, err := e.SubmitRequest(context.Background(), "rider-1", d)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	e.Wait()
	if got, err := st.GetRide(context.Background(), ride.ID); err != nil || got.Status != models.StatusPending {
		t.Fatalf("expected persisted PENDING ride, got %+v %v", got, err)
	}
	if n := len(notifier.deliveries(EventNewRideRequest)); n != 0 {
		t.Fatalf("expected no offers, got %d", n)
	}
}

func TestBroadcastHonoursFanOutLimit(t *testing.T) {
	ids := make([]string, 30)
	for i := range ids {
		ids[i] = fmt.Sprintf("d%02d", i)
	}
	st := seed(ids...)
	notifier := newFakeNotifier(ids...)
	e := NewEngine(st, notifier, nil, Options{FanOutLimit: 50})

	if _, err := e.SubmitRequest(context.Background(), "rider-1", sedan()); err != nil {
		t.Fatalf("submit: %v", err)
	}
	e.Wait()
	if n := len(notifier.deliveries(EventNewRideRequest)); n != 20 {
		t.Fatalf("expected fan-out capped at 20, got %d", n)
	}
}

func TestDeclineLeavesRideOpen(t *testing.T) {
	st := seed("X", "Y")
	e := NewEngine(st, newFakeNotifier(), nil, Options{})
	ctx := context.Background()
	ride, _ := e.SubmitRequest(ctx, "rider-1", sedan())
	e.Wait()

	got, err := e.ResolveDecline(ctx, ride.ID, "X")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if got.Status != models.StatusPending || got.DriverID != nil {
		t.Fatalf("decline must not touch the ride, got %+v", got)
	}
	ns, _ := e.Notifications(ctx, "X")
	if len(ns) != 1 || ns[0].Outcome != models.OutcomeDeclined || ns[0].Read {
		t.Fatalf("unexpected notifications %+v", ns)
	}

	if _, err := e.ResolveAcceptance(ctx, ride.ID, "Y"); err != nil {
		t.Fatalf("ride should stay acceptable after a decline: %v", err)
	}

	read, err := e.MarkNotificationRead(ctx, ns[0].ID)
	if err != nil || !read.Read {
		t.Fatalf("mark read: %+v %v", read, err)
	}
	if _, err := e.ResolveDecline(ctx, "missing", "X"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAcceptCancelledRideIsInvalidTransition(t *testing.T) {
	st := seed("X")
	e := NewEngine(st, newFakeNotifier(), nil, Options{})
	ctx := context.Background()
	ride, _ := e.SubmitRequest(ctx, "rider-1", sedan())
	e.Wait()
	if _, err := st.UpdateRideStatus(ctx, ride.ID, models.StatusPending, models.StatusCancelled, ride.CreatedAt); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	_, err := e.ResolveAcceptance(ctx, ride.ID, "X")
	if apperr.KindOf(err) != apperr.KindInvalidTransition {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if d, _ := st.GetDriver(ctx, "X"); !d.Available {
		t.Fatalf("a rejected accept must not touch driver availability")
	}
	if _, err := e.ResolveAcceptance(ctx, "missing", "X"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := e.ResolveAcceptance(ctx, ride.ID, "ghost"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected driver not found, got %v", err)
	}
}

// cancelAfterClaim cancels the ride through the state machine as soon as
// the claim commits, before the engine's follow-up work runs.
type cancelAfterClaim struct {
	*storage.MemoryStore
	machine *lifecycle.Machine
}

func (c *cancelAfterClaim) ClaimRide(ctx context.Context, rideID, driverID, driverName string, at time.Time) (*models.Ride, error) {
	r, err := c.MemoryStore.ClaimRide(ctx, rideID, driverID, driverName, at)
	if err != nil {
		return nil, err
	}
	if _, err := c.machine.Transition(ctx, rideID, models.StatusCancelled); err != nil {
		return nil, err
	}
	return r, nil
}

func TestCancelRightAfterClaimFreesDriver(t *testing.T) {
	mem := seed("X")
	notifier := newFakeNotifier()
	st := &cancelAfterClaim{
		MemoryStore: mem,
		machine:     lifecycle.NewMachine(mem, notifier, nil, lifecycle.Options{SettleBaseDelay: time.Millisecond}),
	}
	e := NewEngine(st, notifier, nil, Options{})
	ctx := context.Background()
	ride, err := e.SubmitRequest(ctx, "rider-1", sedan())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	e.Wait()

	if _, err := e.ResolveAcceptance(ctx, ride.ID, "X"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	got, _ := mem.GetRide(ctx, ride.ID)
	d, _ := mem.GetDriver(ctx, "X")
	if got.Status != models.StatusCancelled || !d.Available {
		t.Fatalf("ride %s, driver available=%v: a cancelled ride must free its driver", got.Status, d.Available)
	}
}

func TestClaimMarksDriverUnavailable(t *testing.T) {
	st := seed("X")
	e := NewEngine(st, newFakeNotifier(), nil, Options{})
	ctx := context.Background()
	ride, _ := e.SubmitRequest(ctx, "rider-1", sedan())
	e.Wait()
	if _, err := e.ResolveAcceptance(ctx, ride.ID, "X"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if d, _ := st.GetDriver(ctx, "X"); d.Available {
		t.Fatalf("accepted driver must be unavailable")
	}
}

func TestPendingRidesNewestFirst(t *testing.T) {
	st := seed("X")
	e := NewEngine(st, newFakeNotifier(), nil, Options{})
	ctx := context.Background()
	first, _ := e.SubmitRequest(ctx, "rider-1", sedan())
	second, _ := e.SubmitRequest(ctx, "rider-1", sedan())
	e.Wait()
	if _, err := e.ResolveAcceptance(ctx, first.ID, "X"); err != nil {
		t.Fatalf("accept: %v", err)
	}

	pending, err := e.PendingRides(ctx, 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].BookingID != second.ID || pending[0].CustomerPhone == "" {
		t.Fatalf("unexpected pending rides %+v", pending)
	}
}
