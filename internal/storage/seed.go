package storage

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/example/ride-dispatch/internal/models"
)

// Seed is the fixture format used to populate a MemoryStore for local runs.
type Seed struct {
	Drivers []models.Driver `json:"drivers"`
	Riders  []models.Rider  `json:"riders"`
}

// LoadSeed reads a JSON Seed from r and stores every party in it. Parties
// start offline; they come online when they register on the socket.
func (m *MemoryStore) LoadSeed(r io.Reader) (int, error) {
	var s Seed
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return 0, fmt.Errorf("decode seed: %w", err)
	}
	for i, d := range s.Drivers {
		if d.ID == "" {
			return 0, fmt.Errorf("seed driver #%d: missing id", i)
		}
	}
	for i, rd := range s.Riders {
		if rd.ID == "" {
			return 0, fmt.Errorf("seed rider #%d: missing id", i)
		}
	}
	for _, d := range s.Drivers {
		d.Online, d.Available = false, false
		m.PutDriver(d)
	}
	for _, rd := range s.Riders {
		rd.Online = false
		m.PutRider(rd)
	}
	return len(s.Drivers) + len(s.Riders), nil
}
