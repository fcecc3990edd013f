package ocr

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"github.com/rotisserie/eris"
)

// PdfToText shells out to poppler's pdftotext.
type PdfToText struct {
	binPath string
}

// NewPdfToText returns an extractor for binPath, or "pdftotext" on $PATH.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath}
}

// ExtractText returns the layout-preserved UTF-8 text of pdfPath. Pages are
// joined by a blank line and blank pages are dropped.
func (p *PdfToText) ExtractText(ctx context.Context, pdfPath string) (string, error) {
	var out, errOut bytes.Buffer
	cmd := exec.CommandContext(ctx, p.binPath, "-layout", "-enc", "UTF-8", pdfPath, "-")
	cmd.Stdout, cmd.Stderr = &out, &errOut
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(errOut.String()); msg != "" {
			return "", eris.Wrapf(err, "ocr: pdftotext %s: %s", pdfPath, msg)
		}
		return "", eris.Wrapf(err, "ocr: pdftotext %s", pdfPath)
	}
	return joinPages(out.String()), nil
}

// joinPages splits pdftotext output on form feeds.
func joinPages(raw string) string {
	var pages []string
	for _, page := range strings.Split(raw, "\f") {
		if page = strings.TrimRight(page, " \t\n"); strings.TrimSpace(page) != "" {
			pages = append(pages, page)
		}
	}
	return strings.Join(pages, "\n\n")
}
