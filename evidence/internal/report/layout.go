package report

import (
	"fmt"
	"image"
	"image/color"
	stddraw "image/draw"
	"strings"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/hazyhaar/listingproof/evidence/internal/record"
)

// Page geometry in pixels. The page has A4 proportions.
const (
	PageWidth  = 1240
	PageHeight = 1754

	margin     = 60
	textScale  = 2
	titleScale = 3
	lineHeight = 13*textScale + 6
	boxGap     = 40
	boxHeight  = 420
)

var (
	ink   = color.RGBA{0x11, 0x11, 0x11, 0xff}
	muted = color.RGBA{0x66, 0x66, 0x66, 0xff}
	alert = color.RGBA{0xb0, 0x1c, 0x1c, 0xff}
	frame = color.RGBA{0xcc, 0xcc, 0xcc, 0xff}
)

// line is one row of report text.
type line struct {
	text  string
	color color.Color
	scale int
}

// canvas lays out text rows top to bottom over as many pages as needed.
type canvas struct {
	pages []*image.RGBA
	y     int
}

func newCanvas() *canvas {
	c := &canvas{}
	c.newPage()
	return c
}

func (c *canvas) newPage() {
	p := image.NewRGBA(image.Rect(0, 0, PageWidth, PageHeight))
	stddraw.Draw(p, p.Bounds(), image.White, image.Point{}, stddraw.Src)
	c.pages = append(c.pages, p)
	c.y = margin
}

func (c *canvas) page() *image.RGBA {
	return c.pages[len(c.pages)-1]
}

func (c *canvas) ensure(h int) {
	if c.y+h > PageHeight-margin {
		c.newPage()
	}
}

func (c *canvas) write(l line) {
	if l.scale == 0 {
		l.scale = textScale
	}
	if l.color == nil {
		l.color = ink
	}
	cols := (PageWidth - 2*margin) / (7 * l.scale)
	for _, row := range wrap(l.text, cols) {
		h := 13*l.scale + 6
		c.ensure(h)
		drawText(c.page(), margin, c.y, row, l.color, l.scale)
		c.y += h
	}
}

func (c *canvas) gap(h int) {
	c.y += h
}

// drawText renders s with the 7x13 bitmap face, magnified by scale.
func drawText(dst *image.RGBA, x, y int, s string, col color.Color, scale int) {
	if s == "" {
		return
	}
	face := basicfont.Face7x13
	w := font.MeasureString(face, s).Ceil()
	if w <= 0 {
		return
	}
	small := image.NewRGBA(image.Rect(0, 0, w, 13))
	d := &font.Drawer{
		Dst:  small,
		Src:  image.NewUniform(col),
		Face: face,
		Dot:  fixed.P(0, face.Ascent),
	}
	d.DrawString(s)
	r := image.Rect(x, y, x+w*scale, y+13*scale)
	draw.NearestNeighbor.Scale(dst, r, small, small.Bounds(), draw.Over, nil)
}

// wrap splits s into rows of at most cols characters, breaking on spaces
// where possible.
func wrap(s string, cols int) []string {
	if cols <= 0 || len(s) <= cols {
		return []string{s}
	}
	var out []string
	for len(s) > cols {
		cut := strings.LastIndexByte(s[:cols+1], ' ')
		if cut <= cols/2 {
			cut = cols
		}
		out = append(out, strings.TrimRight(s[:cut], " "))
		s = strings.TrimLeft(s[cut:], " ")
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// drawPair places both tooltip images side by side, each scaled to fit an
// equal box while keeping its aspect ratio.
func (c *canvas) drawPair(price, payment image.Image) {
	c.ensure(boxHeight + lineHeight + 10)
	boxW := (PageWidth - 2*margin - boxGap) / 2
	for i, it := range []struct {
		img     image.Image
		caption string
	}{{price, "Price tooltip"}, {payment, "Payment tooltip"}} {
		x := margin + i*(boxW+boxGap)
		box := image.Rect(x, c.y, x+boxW, c.y+boxHeight)
		outline(c.page(), box, frame)
		stddraw.Draw(c.page(), fit(it.img.Bounds(), box.Inset(4)), image.White, image.Point{}, stddraw.Src)
		draw.CatmullRom.Scale(c.page(), fit(it.img.Bounds(), box.Inset(4)), it.img, it.img.Bounds(), draw.Over, nil)
		drawText(c.page(), x, c.y+boxHeight+8, it.caption, muted, textScale)
	}
	c.y += boxHeight + lineHeight + 14
}

// fit returns the largest rectangle with src's aspect ratio centered in box.
func fit(src, box image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	bw, bh := box.Dx(), box.Dy()
	if sw <= 0 || sh <= 0 {
		return image.Rectangle{Min: box.Min, Max: box.Min}
	}
	w, h := bw, sh*bw/sw
	if h > bh {
		w, h = sw*bh/sh, bh
	}
	x := box.Min.X + (bw-w)/2
	y := box.Min.Y + (bh-h)/2
	return image.Rect(x, y, x+w, y+h)
}

func outline(dst *image.RGBA, r image.Rectangle, col color.Color) {
	for x := r.Min.X; x < r.Max.X; x++ {
		dst.Set(x, r.Min.Y, col)
		dst.Set(x, r.Max.Y-1, col)
	}
	for y := r.Min.Y; y < r.Max.Y; y++ {
		dst.Set(r.Min.X, y, col)
		dst.Set(r.Max.X-1, y, col)
	}
}

// Layout renders the report pages for a with its decoded tooltip images.
func Layout(title string, a *record.Attempt, price, payment image.Image) []*image.RGBA {
	c := newCanvas()
	c.write(line{text: title, scale: titleScale})
	c.gap(10)
	for _, l := range headerLines(a) {
		c.write(l)
	}
	c.gap(16)
	c.drawPair(price, payment)

	c.write(line{text: "Image evidence"})
	for _, img := range a.Images() {
		c.write(line{text: fmt.Sprintf("%s: SHA-256 %s", img.Role, img.SHA256)})
		c.write(line{text: fmt.Sprintf("  %dx%d px, captured %s", img.Width, img.Height, stamp(img.CapturedAt)), color: muted})
	}
	if a.EvidenceDigest != "" {
		c.write(line{text: "Evidence digest: " + a.EvidenceDigest})
	}
	if a.Page != nil && a.Page.SHA256 != "" {
		c.write(line{text: "Page HTML: SHA-256 " + a.Page.SHA256, color: muted})
	}
	c.gap(16)

	c.write(line{text: "Time proof"})
	for _, l := range TimeProofLines(a.TimeProof) {
		c.write(l)
	}

	if len(a.Diagnostics) > 0 {
		c.gap(16)
		c.write(line{text: "Capture log"})
		for _, d := range a.Diagnostics {
			c.write(line{text: d.String(), color: muted})
		}
	}
	return c.pages
}

func headerLines(a *record.Attempt) []line {
	listing := strings.ToUpper(strings.ReplaceAll(string(a.ListingStatus), "-", " "))
	col := ink
	if a.ListingStatus == record.ListingNotAdvertised {
		col = alert
	}
	out := []line{
		{text: "Attempt: " + a.ID},
		{text: "Stock: " + a.Request.StockID},
		{text: "Location: " + a.Location.Label()},
		{text: "Started: " + stamp(a.StartedAt)},
		{text: "Listing: " + listing, color: col},
	}
	if a.Page != nil && a.Page.URL != "" {
		out = append(out, line{text: "URL: " + a.Page.URL, color: muted})
	}
	return out
}

// TimeProofLines renders the bundle. Missing proofs are stated explicitly
// with the reason they are missing.
func TimeProofLines(tp *record.TimeProof) []line {
	if tp == nil {
		return []line{{text: "Time proof: ABSENT", color: alert}}
	}
	out := []line{{text: "UTC wall clock: " + stamp(tp.UTCWallClock)}}

	if d := tp.HTTPSDate; d != nil {
		out = append(out, line{text: fmt.Sprintf("HTTPS Date (%s): %s", d.Host, d.RawHeader)})
	} else {
		reason := tp.HTTPSDateError
		if reason == "" {
			reason = "not requested"
		}
		out = append(out, line{text: "HTTPS Date: ABSENT (" + reason + ")", color: alert})
	}

	if tok := tp.RFC3161; tok != nil {
		out = append(out,
			line{text: fmt.Sprintf("RFC 3161 token: %s, time %s", tok.Authority, stamp(tok.TokenTime))},
			line{text: fmt.Sprintf("  %s serial %s verified=%v", tok.URL, tok.SerialNumber, tok.Verified), color: muted},
		)
	} else {
		out = append(out, line{text: "RFC 3161 token: ABSENT (" + absentReason(tp.Attempts) + ")", color: alert})
	}
	for _, at := range tp.Attempts {
		res := "ok"
		if at.Error != "" {
			res = at.Error
		}
		out = append(out, line{text: fmt.Sprintf("  authority %s: %s (%s)", at.Authority, res, at.Duration.Round(time.Millisecond)), color: muted})
	}
	return out
}

func absentReason(attempts []record.AuthorityAttempt) string {
	if len(attempts) == 0 {
		return "no authority configured"
	}
	names := make([]string, 0, len(attempts))
	for _, a := range attempts {
		names = append(names, a.Authority)
	}
	return "all authorities failed: " + strings.Join(names, ", ")
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339Nano)
}
