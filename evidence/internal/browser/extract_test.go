package browser

import (
	"errors"
	"strings"
	"testing"

	"github.com/hazyhaar/listingproof/evidence/internal/record"
)

func TestListingStatusOf(t *testing.T) {
	cases := []struct {
		name string
		page string
		want record.ListingStatus
	}{
		{"advertised", `<html><body><div class="price-label">Total Price</div></body></html>`, record.ListingAdvertised},
		{"no matches", `<html><body><h2>No Matches Found</h2><div>Total Price</div></body></html>`, record.ListingNotAdvertised},
		{"not found", `<html><body><p>Unit not found.</p></body></html>`, record.ListingNotAdvertised},
		{"unknown", `<html><body><p>Welcome</p></body></html>`, record.ListingUnknown},
		// Script text is not visible and must not count.
		{"script ignored", `<html><head><script>var m = "not found";</script></head><body>Est. Payment</body></html>`, record.ListingAdvertised},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ListingStatusOf(tc.page, "Total Price", "Est. Payment"); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}

func TestVisibleText_CollapsesWhitespace(t *testing.T) {
	got := VisibleText("<div>\n  Total\n\tPrice <style>.x{}</style><span> $42,000 </span></div>")
	if got != "Total Price $42,000" {
		t.Fatalf("got %q", got)
	}
}

func TestTooltipMarkdown_Sanitizes(t *testing.T) {
	tt := newTooltipText()
	md := tt.Markdown(`<div role="tooltip" onclick="steal()"><b>Total Price</b> includes <a href="/fees">fees</a><script>alert(1)</script></div>`,
		"https://rv.example.com/rv/2319928")
	if strings.Contains(md, "script") || strings.Contains(md, "alert") || strings.Contains(md, "steal") {
		t.Fatalf("unsanitized markdown: %q", md)
	}
	if !strings.Contains(md, "**Total Price**") {
		t.Fatalf("bold label lost: %q", md)
	}
	if !strings.Contains(md, "https://rv.example.com/fees") {
		t.Fatalf("link not absolutized: %q", md)
	}
}

func TestRenderURL(t *testing.T) {
	got := RenderURL("https://rv.example.com/rv/{stock}?zip={zip}", "2319928", "97201")
	if got != "https://rv.example.com/rv/2319928?zip=97201" {
		t.Fatalf("got %s", got)
	}
	if got := RenderURL("https://x/{stock}", "a/b", ""); got != "https://x/a%2Fb" {
		t.Fatalf("stock not escaped: %s", got)
	}
}

func TestNormalizeResource(t *testing.T) {
	for in, want := range map[string]string{"Image": "image", "images": "image", "Stylesheet": "stylesheet", "fonts": "font", "Media": "media"} {
		if got := normalizeResource(in); got != want {
			t.Errorf("normalizeResource(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsConnectionLost(t *testing.T) {
	if !isConnectionLost(errors.New("websocket: close 1006 (abnormal closure)")) {
		t.Error("websocket close should count as lost")
	}
	if isConnectionLost(errors.New("context deadline exceeded")) {
		t.Error("deadline is not a lost connection")
	}
	if isConnectionLost(nil) {
		t.Error("nil error")
	}
}

func TestDefaultTriggersCoverBothRoles(t *testing.T) {
	roles := map[record.Role]bool{}
	for _, tr := range DefaultTriggers() {
		roles[tr.Role] = true
	}
	if !roles[record.RolePrice] || !roles[record.RolePayment] || len(roles) != 2 {
		t.Fatalf("roles = %v", roles)
	}
}
