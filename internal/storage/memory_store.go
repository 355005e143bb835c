package storage

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// MemoryStore is a process-local Store. All guards of the conditional
// updates are evaluated under a single mutex, which gives the same per-ride
// linearization the PostgreSQL store gets from row locks.
type MemoryStore struct {
	mu            sync.RWMutex
	rides         map[string]*models.Ride
	drivers       map[string]*models.Driver
	riders        map[string]*models.Rider
	notifications map[string]*models.Notification
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:         make(map[string]*models.Ride),
		drivers:       make(map[string]*models.Driver),
		riders:        make(map[string]*models.Rider),
		notifications: make(map[string]*models.Notification),
		now:           time.Now,
	}
}

// PutDriver inserts or replaces a driver profile. Registration lives outside
// this service, so this is how tests and local runs seed parties.
func (m *MemoryStore) PutDriver(d models.Driver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.Status == "" {
		d.Status = models.DriverStatusActive
	}
	m.drivers[d.ID] = &d
}

func (m *MemoryStore) PutRider(r models.Rider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riders[r.ID] = &r
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) CreateRide(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r.Clone()
	return nil
}

func (m *MemoryStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ClaimRide(ctx context.Context, rideID, driverID, driverName string, at time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusPending || r.DriverID != nil {
		return nil, ErrConditionFailed
	}
	id := driverID
	r.DriverID = &id
	r.DriverName = driverName
	r.Status = models.StatusAccepted
	stamp(&r.AcceptedAt, at)
	r.UpdatedAt = at
	if d, ok := m.drivers[driverID]; ok {
		d.Available = false
		d.Updated = m.now()
	}
	return r.Clone(), nil
}

func (m *MemoryStore) UpdateRideStatus(ctx context.Context, rideID string, from, to models.Status, at time.Time) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != from {
		return nil, ErrConditionFailed
	}
	r.Status = to
	if field := timestampField(r, to); field != nil {
		stamp(field, at)
	}
	r.UpdatedAt = at
	return r.Clone(), nil
}

func timestampField(r *models.Ride, s models.Status) **time.Time {
	switch s {
	case models.StatusAccepted:
		return &r.AcceptedAt
	case models.StatusArrived:
		return &r.ArrivedAt
	case models.StatusStarted:
		return &r.StartedAt
	case models.StatusCompleted:
		return &r.CompletedAt
	case models.StatusDeclined:
		return &r.DeclinedAt
	case models.StatusCancelled:
		return &r.CancelledAt
	}
	return nil
}

func stamp(field **time.Time, at time.Time) {
	if *field != nil {
		return
	}
	t := at
	*field = &t
}

func (m *MemoryStore) FindActiveRide(ctx context.Context, pt models.PartyType, partyID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.Ride
	for _, r := range m.rides {
		if !r.Status.Active() {
			continue
		}
		if pt == models.PartyDriver && !r.AssignedTo(partyID) {
			continue
		}
		if pt == models.PartyRider && r.RiderID != partyID {
			continue
		}
		if found == nil || r.CreatedAt.After(found.CreatedAt) {
			found = r
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

func (m *MemoryStore) ListPendingRides(ctx context.Context, limit int) ([]models.Ride, error) {
	m.mu.RLock()
	out := make([]models.Ride, 0)
	for _, r := range m.rides {
		if r.Status == models.StatusPending && r.DriverID == nil {
			out = append(out, *r.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) SetOTP(ctx context.Context, rideID, driverID, code string, expiresAt time.Time, allowed []models.Status) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if !r.AssignedTo(driverID) || !slices.Contains(allowed, r.Status) {
		return nil, ErrConditionFailed
	}
	c, exp := code, expiresAt
	r.OTPCode = &c
	r.OTPExpiresAt = &exp
	r.OTPVerified = false
	r.OTPVerifiedAt = nil
	r.OTPAttempts = 0
	r.UpdatedAt = m.now()
	return r.Clone(), nil
}

func (m *MemoryStore) IncrementOTPAttempts(ctx context.Context, rideID string, max int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return 0, ErrNotFound
	}
	if r.OTPAttempts >= max {
		return r.OTPAttempts, ErrConditionFailed
	}
	r.OTPAttempts++
	return r.OTPAttempts, nil
}

func (m *MemoryStore) MarkOTPVerified(ctx context.Context, rideID, driverID, code string, at time.Time, max int) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if !r.AssignedTo(driverID) || r.OTPVerified || r.OTPCode == nil || *r.OTPCode != code ||
		r.OTPExpiresAt == nil || !at.Before(*r.OTPExpiresAt) || r.OTPAttempts >= max {
		return nil, ErrConditionFailed
	}
	r.OTPVerified = true
	t := at
	r.OTPVerifiedAt = &t
	r.UpdatedAt = at
	return r.Clone(), nil
}

func (m *MemoryStore) SettleCompletion(ctx context.Context, rideID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return false, ErrNotFound
	}
	if r.Status != models.StatusCompleted {
		return false, ErrConditionFailed
	}
	if r.CompletionSettled {
		return false, nil
	}
	if r.DriverID != nil {
		if d, ok := m.drivers[*r.DriverID]; ok {
			d.TotalRides++
			d.Available = true
			d.Updated = m.now()
		}
	}
	if rd, ok := m.riders[r.RiderID]; ok {
		rd.TotalRides++
		rd.Updated = m.now()
	}
	r.CompletionSettled = true
	return true, nil
}

func (m *MemoryStore) ListUnsettledCompletions(ctx context.Context, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0)
	for id, r := range m.rides {
		if r.Status == models.StatusCompleted && !r.CompletionSettled {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *d
	c.Loc = cloneCoord(d.Loc)
	return &c, nil
}

func (m *MemoryStore) GetRider(ctx context.Context, id string) (*models.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.riders[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	c.Loc = cloneCoord(r.Loc)
	return &c, nil
}

func (m *MemoryStore) SetOnline(ctx context.Context, pt models.PartyType, id string, online bool, loc *models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch pt {
	case models.PartyDriver:
		d, ok := m.drivers[id]
		if !ok {
			return ErrNotFound
		}
		d.Online = online
		d.Available = online && !m.busy(id)
		if loc != nil {
			d.Loc = cloneCoord(loc)
		}
		d.Updated = m.now()
	case models.PartyRider:
		r, ok := m.riders[id]
		if !ok {
			return ErrNotFound
		}
		r.Online = online
		if loc != nil {
			r.Loc = cloneCoord(loc)
		}
		r.Updated = m.now()
	default:
		return ErrNotFound
	}
	return nil
}

// busy reports whether the driver is bound to an active ride. Callers hold mu.
func (m *MemoryStore) busy(driverID string) bool {
	for _, r := range m.rides {
		if r.Status.Active() && r.AssignedTo(driverID) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) SetDriverAvailable(ctx context.Context, id string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.Available = available
	d.Updated = m.now()
	return nil
}

func (m *MemoryStore) UpdateLocation(ctx context.Context, pt models.PartyType, id string, loc models.Coord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch pt {
	case models.PartyDriver:
		d, ok := m.drivers[id]
		if !ok {
			return ErrNotFound
		}
		d.Loc = &loc
		d.Updated = m.now()
	case models.PartyRider:
		r, ok := m.riders[id]
		if !ok {
			return ErrNotFound
		}
		r.Loc = &loc
		r.Updated = m.now()
	default:
		return ErrNotFound
	}
	return nil
}

func (m *MemoryStore) ListAvailableDrivers(ctx context.Context, limit int) ([]models.Driver, error) {
	m.mu.RLock()
	out := make([]models.Driver, 0)
	for _, d := range m.drivers {
		if d.Online && d.Available && d.Status == models.DriverStatusActive {
			c := *d
			c.Loc = cloneCoord(d.Loc)
			out = append(out, c)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *n
	m.notifications[n.ID] = &c
	return nil
}

func (m *MemoryStore) ListNotifications(ctx context.Context, driverID string, limit int) ([]models.Notification, error) {
	m.mu.RLock()
	out := make([]models.Notification, 0)
	for _, n := range m.notifications {
		if n.DriverID == driverID {
			out = append(out, *n)
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkNotificationRead(ctx context.Context, id string) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	n.Read = true
	c := *n
	return &c, nil
}

func cloneCoord(c *models.Coord) *models.Coord {
	if c == nil {
		return nil
	}
	v := *c
	return &v
}
