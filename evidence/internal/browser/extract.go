package browser

import (
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/listingproof/evidence/internal/record"
)

// notAdvertisedMarkers are page phrases meaning the stock is not listed.
var notAdvertisedMarkers = []string{"no matches found", "not found"}

// ListingStatusOf classifies a listing page from its visible text. Markers
// of a missing listing win; otherwise any of the advertised phrases (the
// trigger labels) marks the unit as advertised.
func ListingStatusOf(page string, advertised ...string) record.ListingStatus {
	text := strings.ToLower(VisibleText(page))
	for _, m := range notAdvertisedMarkers {
		if strings.Contains(text, m) {
			return record.ListingNotAdvertised
		}
	}
	for _, p := range advertised {
		if p != "" && strings.Contains(text, strings.ToLower(p)) {
			return record.ListingAdvertised
		}
	}
	return record.ListingUnknown
}

// VisibleText returns the text content of an HTML document with script,
// style and template bodies skipped and whitespace collapsed.
func VisibleText(page string) string {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return ""
	}
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return
			}
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// tooltipText renders tooltip markup as sanitized markdown.
type tooltipText struct {
	policy *bluemonday.Policy
	conv   *converter.Converter
}

func newTooltipText() *tooltipText {
	return &tooltipText{
		policy: bluemonday.UGCPolicy(),
		conv: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Markdown sanitizes fragment and converts it. Conversion errors fall back
// to the plain visible text.
func (t *tooltipText) Markdown(fragment, pageURL string) string {
	clean := t.policy.Sanitize(fragment)
	md, err := t.conv.ConvertString(clean, converter.WithDomain(pageURL))
	if err != nil {
		return VisibleText(clean)
	}
	return strings.TrimSpace(md)
}
