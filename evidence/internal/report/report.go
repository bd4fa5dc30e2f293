// Package report assembles the PDF evidence report of a capture attempt.
//
// The page is composed as a raster (text, both tooltip images, the time
// proof) and imported into a PDF with pdfcpu. The machine-readable manifest
// and the raw RFC 3161 response travel inside the PDF as attachments.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"

	"github.com/hazyhaar/listingproof/evidence/internal/record"
)

// FileName is the report's name inside the attempt directory.
const FileName = "report.pdf"

// ManifestName is the attached JSON manifest.
const ManifestName = "evidence.json"

// Config configures the Assembler.
type Config struct {
	// Title heads the first page. Default: "Listing Evidence Report".
	Title  string
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Title == "" {
		c.Title = "Listing Evidence Report"
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Assembler builds report PDFs.
type Assembler struct {
	cfg Config
}

// New creates an Assembler.
func New(cfg Config) *Assembler {
	cfg.defaults()
	return &Assembler{cfg: cfg}
}

// Manifest is the attached machine-readable summary.
type Manifest struct {
	Title   string          `json:"title"`
	Attempt *record.Attempt `json:"attempt"`
}

func fail(op string, err error) error {
	return &record.AssemblyError{Op: op, Err: err}
}

// Assemble writes <attempt dir>/report.pdf and returns its path. The
// attempt must carry both hashed images.
func (a *Assembler) Assemble(ctx context.Context, at *record.Attempt) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fail("start", err)
	}
	if at.Dir == "" {
		return "", fail("start", errors.New("attempt has no directory"))
	}
	if !at.HasEvidencePair() {
		return "", fail("load", errors.New("attempt lacks a hashed image pair"))
	}
	price, err := loadImage(at.Price.FilePath)
	if err != nil {
		return "", fail("load price image", err)
	}
	payment, err := loadImage(at.Payment.FilePath)
	if err != nil {
		return "", fail("load payment image", err)
	}

	work, err := os.MkdirTemp(at.Dir, ".report-")
	if err != nil {
		return "", fail("workspace", err)
	}
	defer os.RemoveAll(work)

	pages := Layout(a.cfg.Title, at, price, payment)
	pngs := make([]string, len(pages))
	for i, p := range pages {
		pngs[i] = filepath.Join(work, fmt.Sprintf("page-%02d.png", i+1))
		if err := writePNG(pngs[i], p); err != nil {
			return "", fail("render page", err)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", fail("render page", err)
	}

	attachments, err := a.attachments(work, at)
	if err != nil {
		return "", fail("attachments", err)
	}

	conf := model.NewDefaultConfiguration()
	imported := filepath.Join(work, "1-pages.pdf")
	if err := api.ImportImagesFile(pngs, imported, pdfcpu.DefaultImportConfig(), conf); err != nil {
		return "", fail("import images", err)
	}
	attached := filepath.Join(work, "2-attached.pdf")
	if err := api.AddAttachmentsFile(imported, attached, attachments, false, conf); err != nil {
		return "", fail("attach", err)
	}
	final := filepath.Join(work, "3-final.pdf")
	if err := api.AddPropertiesFile(attached, final, properties(at), conf); err != nil {
		return "", fail("properties", err)
	}
	if err := Verify(final); err != nil {
		return "", err
	}

	out := filepath.Join(at.Dir, FileName)
	if err := os.Rename(final, out); err != nil {
		return "", fail("publish", err)
	}
	a.cfg.Logger.Info("report: assembled", "attempt", at.ID, "path", out, "pages", len(pages),
		"rfc3161", !at.TimeProof.Degraded())
	return out, nil
}

// Verify re-reads a written report and checks it has at least one page.
func Verify(path string) error {
	n, err := api.PageCountFile(path)
	if err != nil {
		return fail("verify", err)
	}
	if n < 1 {
		return fail("verify", fmt.Errorf("%s has no pages", path))
	}
	return nil
}

func (a *Assembler) attachments(work string, at *record.Attempt) ([]string, error) {
	manifest, err := json.MarshalIndent(Manifest{Title: a.cfg.Title, Attempt: at}, "", "  ")
	if err != nil {
		return nil, err
	}
	mpath := filepath.Join(work, ManifestName)
	if err := os.WriteFile(mpath, manifest, 0o644); err != nil {
		return nil, err
	}
	files := []string{mpath}

	if tok := at.TimeProof; tok != nil && tok.RFC3161 != nil && len(tok.RFC3161.Token) > 0 {
		tpath := filepath.Join(work, "rfc3161-"+slug(tok.RFC3161.Authority)+".tsr")
		if err := os.WriteFile(tpath, tok.RFC3161.Token, 0o644); err != nil {
			return nil, err
		}
		files = append(files, tpath)
	}
	return files, nil
}

func properties(at *record.Attempt) map[string]string {
	p := map[string]string{
		"AttemptID":      at.ID,
		"StockID":        at.Request.StockID,
		"Location":       at.Location.Label(),
		"PriceSHA256":    at.Price.SHA256,
		"PaymentSHA256":  at.Payment.SHA256,
		"EvidenceDigest": at.EvidenceDigest,
		"ListingStatus":  string(at.ListingStatus),
	}
	if tp := at.TimeProof; tp != nil {
		p["UTCWallClock"] = stamp(tp.UTCWallClock)
		if tp.RFC3161 != nil {
			p["RFC3161Authority"] = tp.RFC3161.Authority
		}
	}
	return p
}

func slug(s string) string {
	s = strings.ToLower(s)
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			return r
		}
		return '-'
	}, s)
}

func loadImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
