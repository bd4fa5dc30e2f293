package timeproof

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/digitorus/timestamp"

	"github.com/hazyhaar/listingproof/evidence/internal/record"
	"github.com/hazyhaar/listingproof/horosafe"
)

// Authority issues RFC 3161 tokens for a SHA-256 digest.
type Authority interface {
	Name() string
	Stamp(ctx context.Context, digest []byte) (*record.RFC3161Token, error)
}

// ErrDigestMismatch is returned when a token does not attest the submitted digest.
var ErrDigestMismatch = errors.New("timeproof: token digest does not match submitted digest")

// ErrNonceMismatch is returned when a token echoes a different nonce.
var ErrNonceMismatch = errors.New("timeproof: token nonce does not match request")

// TimeoutError reports an authority that did not answer within its budget.
type TimeoutError struct {
	Authority string
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeproof: %s timed out after %s", e.Authority, e.After)
}

// AuthorityConfig names one timestamp authority endpoint.
type AuthorityConfig struct {
	Name string `yaml:"name" json:"name"`
	URL  string `yaml:"url" json:"url"`
}

// DefaultAuthorities is the static trust-preference order.
func DefaultAuthorities() []AuthorityConfig {
	return []AuthorityConfig{
		{Name: "DigiCert", URL: "http://timestamp.digicert.com"},
		{Name: "Apple", URL: "http://timestamp.apple.com/ts01"},
		{Name: "Starfield", URL: "http://timestamp.starfieldtech.com"},
		{Name: "GlobalSign", URL: "http://timestamp.globalsign.com/tsa/r6advanced1"},
		{Name: "Sectigo", URL: "http://timestamp.sectigo.com"},
	}
}

// maxTokenResponse bounds a TimeStampResp read.
const maxTokenResponse = 256 << 10

// HTTPAuthority speaks the RFC 3161 HTTP transport to one authority.
type HTTPAuthority struct {
	name   string
	url    string
	client *http.Client
}

// NewHTTPAuthority creates an authority client. A nil client uses
// http.DefaultClient; the per-request deadline comes from the context.
func NewHTTPAuthority(cfg AuthorityConfig, client *http.Client) *HTTPAuthority {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAuthority{name: cfg.Name, url: cfg.URL, client: client}
}

// HTTPAuthorities builds clients for cfgs, preserving order.
func HTTPAuthorities(cfgs []AuthorityConfig, client *http.Client) []Authority {
	out := make([]Authority, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, NewHTTPAuthority(c, client))
	}
	return out
}

// Name returns the authority's display name.
func (a *HTTPAuthority) Name() string { return a.name }

// Stamp submits digest (a SHA-256 sum) and returns the verified token.
func (a *HTTPAuthority) Stamp(ctx context.Context, digest []byte) (*record.RFC3161Token, error) {
	if len(digest) != crypto.SHA256.Size() {
		return nil, fmt.Errorf("timeproof: digest must be %d bytes, got %d", crypto.SHA256.Size(), len(digest))
	}
	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, fmt.Errorf("timeproof: nonce: %w", err)
	}

	tsq := &timestamp.Request{
		HashAlgorithm: crypto.SHA256,
		HashedMessage: digest,
		Certificates:  true,
		Nonce:         nonce,
	}
	body, err := tsq.Marshal()
	if err != nil {
		return nil, fmt.Errorf("timeproof: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("timeproof: %s: %w", a.name, err)
	}
	req.Header.Set("Content-Type", "application/timestamp-query")
	req.Header.Set("Accept", "application/timestamp-reply")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("timeproof: %s: %w", a.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("timeproof: %s: http status %d", a.name, resp.StatusCode)
	}
	raw, err := horosafe.LimitedReadAll(resp.Body, maxTokenResponse)
	if err != nil {
		return nil, fmt.Errorf("timeproof: %s: read: %w", a.name, err)
	}

	ts, err := timestamp.ParseResponse(raw)
	if err != nil {
		return nil, fmt.Errorf("timeproof: %s: malformed response: %w", a.name, err)
	}
	if err := verifyToken(ts, digest, nonce); err != nil {
		return nil, fmt.Errorf("timeproof: %s: %w", a.name, err)
	}

	tok := &record.RFC3161Token{
		Authority: a.name,
		URL:       a.url,
		Token:     raw,
		TokenTime: ts.Time.UTC(),
		Verified:  true,
	}
	if ts.SerialNumber != nil {
		tok.SerialNumber = ts.SerialNumber.String()
	}
	return tok, nil
}

// verifyToken checks the token's message imprint and nonce. The PKCS#7
// signature was already checked by ParseResponse.
func verifyToken(ts *timestamp.Timestamp, digest []byte, nonce *big.Int) error {
	if ts.HashAlgorithm != crypto.SHA256 {
		return fmt.Errorf("%w: hash algorithm %v", ErrDigestMismatch, ts.HashAlgorithm)
	}
	if !bytes.Equal(ts.HashedMessage, digest) {
		return ErrDigestMismatch
	}
	if ts.Nonce != nil && ts.Nonce.Cmp(nonce) != 0 {
		return ErrNonceMismatch
	}
	return nil
}
