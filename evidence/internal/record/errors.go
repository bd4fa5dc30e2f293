package record

import (
	"errors"
	"fmt"
)

// Stages named in failures. The first three come from the browser.
const (
	StageNavigation = "navigation"
	StagePrice      = "price"
	StagePayment    = "payment"
	StageHashing    = "hashing"
	StageTimestamp  = "timestamping"
	StageRecord     = "record"
	StageAssembly   = "assembly"
)

// Capture failure reasons.
const (
	ReasonNavigation      = "navigation-error"
	ReasonElementNotFound = "element-not-found"
	ReasonTimeout         = "timeout"
	ReasonSessionCrash    = "session-crash"
	ReasonCancelled       = "cancelled"
	ReasonAbandoned       = "abandoned"
	ReasonHashError       = "hash-error"
	ReasonStoreError      = "store-error"
	ReasonAssemblyError   = "assembly-error"
)

// ErrNotFound is returned when no attempt has the requested id.
var ErrNotFound = errors.New("record: attempt not found")

// ValidationError rejects a request before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// CaptureError is a terminal browser failure for one stage.
type CaptureError struct {
	Stage  string
	Reason string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture %s: %s: %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("capture %s: %s", e.Stage, e.Reason)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// AssemblyError is a report generation failure. The attempt is failed even
// though its evidence exists.
type AssemblyError struct {
	Op  string
	Err error
}

func (e *AssemblyError) Error() string {
	return fmt.Sprintf("report %s: %v", e.Op, e.Err)
}

func (e *AssemblyError) Unwrap() error { return e.Err }
