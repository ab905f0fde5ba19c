package mockfeed

import (
	"sort"
	"sync"
	"time"

	"github.com/costsentry/costsentry/internal/ingest/costfeed"
)

// State manages the in-memory state for the mock billing feed
type State struct {
	mu      sync.RWMutex
	records []costfeed.CostRecord

	// Configuration for testing
	authToken  string
	failStatus int
}

// NewState creates a new mock feed state seeded with a week of steady spend
func NewState() *State {
	s := &State{}
	s.initDefaultRecords()
	return s
}

// initDefaultRecords seeds seven days of unremarkable per-service spend so a
// freshly started feed immediately supports baseline computation.
func (s *State) initDefaultRecords() {
	now := time.Now().UTC()
	seed := map[string]float64{
		"compute-engine": 4.0, // per sample, 6 samples/day
		"object-storage": 0.8,
	}

	for service, amount := range seed {
		for day := 8; day >= 1; day-- {
			for hour := 0; hour < 24; hour += 4 {
				ts := now.AddDate(0, 0, -day).Truncate(24 * time.Hour).Add(time.Duration(hour) * time.Hour)
				s.records = append(s.records, costfeed.CostRecord{
					Service:   service,
					Timestamp: ts,
					Amount:    amount,
				})
			}
		}
	}
	s.sortLocked()
}

func (s *State) sortLocked() {
	sort.Slice(s.records, func(i, j int) bool {
		return s.records[i].Timestamp.Before(s.records[j].Timestamp)
	})
}

// AddRecords appends billing records to the feed
func (s *State) AddRecords(records ...costfeed.CostRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, records...)
	s.sortLocked()
}

// RecordsSince returns a copy of the records at or after since, oldest first
func (s *State) RecordsSince(since time.Time) []costfeed.CostRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []costfeed.CostRecord
	for _, r := range s.records {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out
}

// Reset clears all records and failure injection, then reseeds defaults
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil
	s.failStatus = 0
	s.initDefaultRecords()
}

// SetAuthToken sets the bearer token the feed requires. Empty disables auth.
func (s *State) SetAuthToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authToken = token
}

// AuthToken returns the configured bearer token
func (s *State) AuthToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authToken
}

// SetFailStatus makes every costs request fail with the given HTTP status.
// Zero restores normal behavior.
func (s *State) SetFailStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failStatus = status
}

// FailStatus returns the injected failure status, zero when healthy
func (s *State) FailStatus() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failStatus
}
