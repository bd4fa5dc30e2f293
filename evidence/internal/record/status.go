package record

import "fmt"

// Status is the lifecycle state of a capture attempt. Values are stored
// verbatim in the ledger.
type Status string

const (
	StatusPending      Status = "pending"
	StatusCapturing    Status = "capturing"
	StatusHashing      Status = "hashing"
	StatusTimestamping Status = "timestamping"
	StatusAssembling   Status = "assembling"
	StatusComplete     Status = "complete"
	StatusFailed       Status = "failed"
)

var statusRank = map[Status]int{
	StatusPending:      0,
	StatusCapturing:    1,
	StatusHashing:      2,
	StatusTimestamping: 3,
	StatusAssembling:   4,
	StatusComplete:     5,
	StatusFailed:       5,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// CanAdvance reports whether from → to is a forward transition.
// Failed is reachable from every non-terminal state.
func CanAdvance(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return statusRank[to] > statusRank[from]
}

// ErrInvalidTransition is returned for backward or post-terminal transitions.
type ErrInvalidTransition struct {
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("record: invalid status transition %s -> %s", e.From, e.To)
}

// ListingStatus reflects whether the listing page advertised the unit.
type ListingStatus string

const (
	ListingUnknown       ListingStatus = "unknown"
	ListingAdvertised    ListingStatus = "advertised"
	ListingNotAdvertised ListingStatus = "not-advertised"
)
