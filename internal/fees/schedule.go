package fees

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"

	"github.com/Klingon-tech/klingnet-fees/internal/state"
	"github.com/Klingon-tech/klingnet-fees/internal/storage"
)

var keySchedule = []byte("f/schedule") // f/schedule -> JSON map[txn_type]amount

// Schedule stores the txn_type -> fee mapping in the versioned state. An
// absent type has no fee configured; an explicit zero is a configured fee.
type Schedule struct {
	st *state.Store
}

// NewSchedule creates a schedule over st.
func NewSchedule(st *state.Store) *Schedule {
	return &Schedule{st: st}
}

// Set replaces the whole schedule in the current batch.
func (s *Schedule) Set(fees map[string]uint64) error {
	if fees == nil {
		fees = map[string]uint64{}
	}
	data, err := json.Marshal(fees)
	if err != nil {
		return fmt.Errorf("fee schedule marshal: %w", err)
	}
	if err := s.st.Put(keySchedule, data); err != nil {
		return fmt.Errorf("fee schedule put: %w", err)
	}
	return nil
}

// Get returns the fee configured for txnType, including uncommitted updates.
func (s *Schedule) Get(txnType string) (uint64, bool, error) {
	fees, err := s.Current()
	if err != nil {
		return 0, false, err
	}
	amount, ok := fees[txnType]
	return amount, ok, nil
}

// Current returns a copy of the schedule including uncommitted updates.
func (s *Schedule) Current() (map[string]uint64, error) {
	return decodeSchedule(s.st.Get(keySchedule))
}

// Committed returns a copy of the last committed schedule.
func (s *Schedule) Committed() (map[string]uint64, error) {
	return decodeSchedule(s.st.GetCommitted(keySchedule))
}

func decodeSchedule(data []byte, err error) (map[string]uint64, error) {
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]uint64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fee schedule get: %w", err)
	}
	var fees map[string]uint64
	if err := json.Unmarshal(data, &fees); err != nil {
		return nil, fmt.Errorf("fee schedule unmarshal: %w", err)
	}
	return maps.Clone(fees), nil
}
