// Package record defines the capture attempt and its evidence, shared by the
// browser controller, the time-proof service, the ledger and the report
// assembler.
package record

import "time"

// Role names one image of the evidentiary pair.
type Role string

const (
	RolePrice   Role = "price"
	RolePayment Role = "payment"
)

// Location is one of the supported listing locations.
type Location struct {
	Code      string  `json:"code" yaml:"code"`
	City      string  `json:"city" yaml:"city"`
	StateCode string  `json:"state_code" yaml:"state_code"`
	ZIP       string  `json:"zip" yaml:"zip"`
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
}

// Label renders "Portland, OR 97201".
func (l Location) Label() string {
	return l.City + ", " + l.StateCode + " " + l.ZIP
}

// Request is an accepted capture request. ZIP is derived from the location.
type Request struct {
	StockID      string `json:"stock_id"`
	LocationCode string `json:"location_code"`
	ZIP          string `json:"zip"`
}

// ImageEvidence is one hashed tooltip screenshot.
type ImageEvidence struct {
	Role        Role      `json:"role"`
	FilePath    string    `json:"file_path"`
	SHA256      string    `json:"sha256"`
	CapturedAt  time.Time `json:"captured_at"`
	Width       int       `json:"width"`
	Height      int       `json:"height"`
	TooltipText string    `json:"tooltip_text,omitempty"`
}

// PageSnapshot is the listing HTML, and optionally a full-page screenshot,
// saved alongside the tooltip images.
type PageSnapshot struct {
	URL              string `json:"url"`
	FilePath         string `json:"file_path"`
	SHA256           string `json:"sha256"`
	ScreenshotPath   string `json:"screenshot_path,omitempty"`
	ScreenshotSHA256 string `json:"screenshot_sha256,omitempty"`
}

// Attempt is the unit of work and persistence.
type Attempt struct {
	ID             string         `json:"id"`
	Request        Request        `json:"request"`
	Location       Location       `json:"location"`
	Dir            string         `json:"dir"`
	StartedAt      time.Time      `json:"started_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	Status         Status         `json:"status"`
	FailureStage   string         `json:"failure_stage,omitempty"`
	FailureReason  string         `json:"failure_reason,omitempty"`
	Price          *ImageEvidence `json:"price,omitempty"`
	Payment        *ImageEvidence `json:"payment,omitempty"`
	Page           *PageSnapshot  `json:"page,omitempty"`
	ListingStatus  ListingStatus  `json:"listing_status"`
	EvidenceDigest string         `json:"evidence_digest,omitempty"`
	TimeProof      *TimeProof     `json:"time_proof,omitempty"`
	Diagnostics    []Diagnostic   `json:"diagnostics"`
	ReportPath     string         `json:"report_path,omitempty"`
	PurgedAt       *time.Time     `json:"artifacts_purged_at,omitempty"`
}

// AuditID identifies the attempt in the audit log.
func (a *Attempt) AuditID() string {
	return a.ID
}

// Images returns the captured images in report order, skipping missing ones.
func (a *Attempt) Images() []*ImageEvidence {
	var out []*ImageEvidence
	for _, img := range []*ImageEvidence{a.Price, a.Payment} {
		if img != nil {
			out = append(out, img)
		}
	}
	return out
}

// HasEvidencePair reports whether both digests are present.
func (a *Attempt) HasEvidencePair() bool {
	return a.Price != nil && a.Price.SHA256 != "" &&
		a.Payment != nil && a.Payment.SHA256 != ""
}

// Log appends a diagnostic entry stamped with at.
func (a *Attempt) Log(at time.Time, d Diagnostic) {
	d.At = at.UTC()
	a.Diagnostics = append(a.Diagnostics, d)
}

// TimeProof is the bundle of independent time assertions for one attempt.
// Only UTCWallClock is guaranteed; the other proofs are best effort.
type TimeProof struct {
	UTCWallClock   time.Time          `json:"utc_wall_clock"`
	HTTPSDate      *HTTPSDate         `json:"https_date,omitempty"`
	HTTPSDateError string             `json:"https_date_error,omitempty"`
	RFC3161        *RFC3161Token      `json:"rfc3161,omitempty"`
	Attempts       []AuthorityAttempt `json:"authority_attempts,omitempty"`
}

// Degraded reports whether the RFC 3161 proof is missing.
func (tp *TimeProof) Degraded() bool {
	return tp == nil || tp.RFC3161 == nil
}

// HTTPSDate is the Date header returned by the target site.
type HTTPSDate struct {
	Host      string    `json:"host"`
	RawHeader string    `json:"raw_header"`
	Parsed    time.Time `json:"parsed"`
	FetchedAt time.Time `json:"fetched_at"`
}

// RFC3161Token is a verified timestamp token from one authority.
// Token holds the DER-encoded TimeStampResp exactly as received.
type RFC3161Token struct {
	Authority    string    `json:"authority"`
	URL          string    `json:"url"`
	Token        []byte    `json:"token"`
	TokenTime    time.Time `json:"token_time"`
	SerialNumber string    `json:"serial_number,omitempty"`
	Verified     bool      `json:"verified"`
}

// AuthorityAttempt records one try against a timestamp authority.
type AuthorityAttempt struct {
	Authority string        `json:"authority"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}
