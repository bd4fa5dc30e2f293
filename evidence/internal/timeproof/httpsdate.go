package timeproof

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hazyhaar/listingproof/evidence/internal/record"
)

// HostOf extracts host[:port] from a URL, or returns s unchanged when it is
// already a bare host.
func HostOf(s string) string {
	if !strings.Contains(s, "://") {
		return strings.TrimSuffix(s, "/")
	}
	u, err := url.Parse(s)
	if err != nil {
		return ""
	}
	return u.Host
}

func (s *Service) fetchHTTPSDate(ctx context.Context, host string) (*record.HTTPSDate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HTTPSDateTimeout)
	defer cancel()

	target := "https://" + HostOf(host) + "/"

	resp, err := s.dateRequest(ctx, http.MethodHead, target)
	if err == nil && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		resp.Body.Close()
		resp, err = s.dateRequest(ctx, http.MethodGet, target)
	}
	if err != nil {
		return nil, fmt.Errorf("https date: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	fetchedAt := s.cfg.Clock().UTC()

	raw := resp.Header.Get("Date")
	if raw == "" {
		return nil, fmt.Errorf("https date: %s returned no Date header (status %d)", target, resp.StatusCode)
	}
	parsed, err := http.ParseTime(raw)
	if err != nil {
		return nil, fmt.Errorf("https date: parse %q: %w", raw, err)
	}
	return &record.HTTPSDate{
		Host:      HostOf(host),
		RawHeader: raw,
		Parsed:    parsed.UTC(),
		FetchedAt: fetchedAt,
	}, nil
}

func (s *Service) dateRequest(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "listingproof-timeproof/1.0")
	return s.cfg.HTTPClient.Do(req)
}
