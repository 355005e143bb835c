// Package presence maps connected parties to their live connection handles.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Conn is a live outbound channel to one party.
type Conn interface {
	Send(event string, payload any) error
}

// Parties is the slice of the store the registry writes to.
type Parties interface {
	SetOnline(ctx context.Context, pt models.PartyType, id string, online bool, loc *models.Coord) error
}

type entry struct {
	conn Conn
	pt   models.PartyType
}

// Registry is process-local and not authoritative for ride state; the store
// is. The Directory records which instance holds each party.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]entry

	parties Parties
	dir     Directory
	log     *slog.Logger
}

func NewRegistry(parties Parties, dir Directory, log *slog.Logger) *Registry {
	if dir == nil {
		dir = NewMemoryDirectory("local")
	}
	return &Registry{
		conns:   make(map[string]entry),
		parties: parties,
		dir:     dir,
		log:     logging.Component(log, "presence"),
	}
}

// Register marks the party online and binds conn to it. A second Register
// for the same id replaces the previous handle.
func (r *Registry) Register(ctx context.Context, partyID string, pt models.PartyType, conn Conn, loc *models.Coord) error {
	if partyID == "" {
		return apperr.Validation("userId is required")
	}
	if !pt.Valid() {
		return apperr.Validation("userType must be rider or driver")
	}
	if conn == nil {
		return apperr.Validation("connection is required")
	}
	if loc != nil && !loc.Valid() {
		return apperr.Validation("latitude or longitude out of range")
	}
	if err := r.parties.SetOnline(ctx, pt, partyID, true, loc); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperr.NotFound(string(pt))
		}
		return apperr.Upstream("mark party online", err)
	}

	r.mu.Lock()
	prev, replaced := r.conns[partyID]
	r.conns[partyID] = entry{conn: conn, pt: pt}
	r.mu.Unlock()

	if replaced {
		observability.ConnectionsActive.WithLabelValues(string(prev.pt)).Dec()
	}
	observability.ConnectionsActive.WithLabelValues(string(pt)).Inc()

	if err := r.dir.Set(ctx, partyID); err != nil {
		r.log.Warn("presence directory set failed", "party_id", partyID, "err", err)
	}
	r.log.Debug("party registered", "party_id", partyID, "party_type", pt, "reconnect", replaced)
	return nil
}

func (r *Registry) Lookup(partyID string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[partyID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Unregister tears down the binding of conn. It reports false, and leaves the
// party online, when partyID has since been re-registered on another
// connection. The store write is best-effort; the binding is always removed.
func (r *Registry) Unregister(ctx context.Context, partyID string, conn Conn) bool {
	r.mu.Lock()
	e, ok := r.conns[partyID]
	if !ok || e.conn != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, partyID)
	r.mu.Unlock()

	observability.ConnectionsActive.WithLabelValues(string(e.pt)).Dec()

	if err := r.parties.SetOnline(ctx, e.pt, partyID, false, nil); err != nil {
		r.log.Error("mark party offline failed", "party_id", partyID, "party_type", e.pt, "err", err)
	}
	if err := r.dir.Remove(ctx, partyID); err != nil {
		r.log.Warn("presence directory remove failed", "party_id", partyID, "err", err)
	}
	r.log.Debug("party unregistered", "party_id", partyID, "party_type", e.pt)
	return true
}

// Notify delivers one event to the party if it is connected here. Delivery
// failures are logged and reported as false, never returned.
func (r *Registry) Notify(partyID, event string, payload any) bool {
	conn, ok := r.Lookup(partyID)
	if !ok {
		return false
	}
	if err := conn.Send(event, payload); err != nil {
		r.log.Warn("notify failed", "party_id", partyID, "event", event, "err", err)
		return false
	}
	return true
}

// Touch refreshes the directory entry of a party that is still talking to
// this instance.
func (r *Registry) Touch(ctx context.Context, partyID string) {
	if _, ok := r.Lookup(partyID); !ok {
		return
	}
	if err := r.dir.Touch(ctx, partyID); err != nil {
		r.log.Debug("presence directory touch failed", "party_id", partyID, "err", err)
	}
}

// Locate reports which instance, if any, currently holds partyID.
func (r *Registry) Locate(ctx context.Context, partyID string) (string, bool, error) {
	return r.dir.Locate(ctx, partyID)
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
