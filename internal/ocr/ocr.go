// Package ocr recovers text from PDFs that carry no embedded text layer.
package ocr

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bid-intel/internal/config"
)

// ErrDisabled is returned by the extractor built for provider "none".
var ErrDisabled = eris.New("ocr: disabled")

// Extractor extracts text content from PDF files.
type Extractor interface {
	ExtractText(ctx context.Context, pdfPath string) (string, error)
}

// NewExtractor creates an Extractor based on config.
func NewExtractor(cfg config.OCRConfig) (Extractor, error) {
	switch cfg.Provider {
	case "local", "":
		return NewPdfToText(cfg.PdfToTextPath), nil
	case "none":
		return disabled{}, nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}

type disabled struct{}

func (disabled) ExtractText(context.Context, string) (string, error) {
	return "", ErrDisabled
}
