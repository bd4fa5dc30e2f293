package evidence

import (
	"github.com/hazyhaar/listingproof/evidence/internal/browser"
	"github.com/hazyhaar/listingproof/evidence/internal/lifecycle"
	"github.com/hazyhaar/listingproof/evidence/internal/record"
	"github.com/hazyhaar/listingproof/evidence/internal/store"
	"github.com/hazyhaar/listingproof/evidence/internal/timeproof"
)

// Re-exported types from the internal packages for use by cmd/ and
// external callers.
type (
	Attempt          = record.Attempt
	Request          = record.Request
	Location         = record.Location
	Status           = record.Status
	ListingStatus    = record.ListingStatus
	ImageEvidence    = record.ImageEvidence
	PageSnapshot     = record.PageSnapshot
	TimeProof        = record.TimeProof
	HTTPSDate        = record.HTTPSDate
	RFC3161Token     = record.RFC3161Token
	AuthorityAttempt = record.AuthorityAttempt
	Diagnostic       = record.Diagnostic

	ValidationError      = record.ValidationError
	CaptureError         = record.CaptureError
	AssemblyError        = record.AssemblyError
	ErrInvalidTransition = record.ErrInvalidTransition

	Trigger         = browser.Trigger
	CaptureTarget   = browser.Target
	CaptureResult   = browser.Result
	AuthorityConfig = timeproof.AuthorityConfig
	Authority       = timeproof.Authority
	RetentionPolicy = lifecycle.Policy
	Usage           = lifecycle.Usage
	Stats           = store.Stats
)

const (
	StatusPending      = record.StatusPending
	StatusCapturing    = record.StatusCapturing
	StatusHashing      = record.StatusHashing
	StatusTimestamping = record.StatusTimestamping
	StatusAssembling   = record.StatusAssembling
	StatusComplete     = record.StatusComplete
	StatusFailed       = record.StatusFailed

	ModePersistent = lifecycle.ModePersistent
	ModeEphemeral  = lifecycle.ModeEphemeral
)

var (
	ErrNotFound        = record.ErrNotFound
	ErrStoreContention = store.ErrStoreContention
)
