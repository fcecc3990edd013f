// Package docproc turns downloaded attachments into plain text for the
// analysis stages.
package docproc

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/bid-intel/internal/fetcher"
	"github.com/sells-group/bid-intel/internal/ocr"
)

// Kind is the sniffed document format.
type Kind string

const (
	KindPDF  Kind = "pdf"
	KindDOCX Kind = "docx"
	KindXLSX Kind = "xlsx"
	KindText Kind = "text"
	KindZIP  Kind = "zip"
)

var (
	// ErrUnsupported is returned for formats with no text extractor.
	ErrUnsupported = eris.New("docproc: unsupported document type")
	// ErrEmpty is returned when a document yields no text.
	ErrEmpty = eris.New("docproc: no extractable text")
)

// DefaultMaxChars caps extracted text when Options.MaxChars is unset.
const DefaultMaxChars = 200_000

// Document is the text extracted from one file.
type Document struct {
	Path      string
	Kind      Kind
	Text      string
	Chars     int
	Truncated bool
	// Members lists archive entries that contributed text.
	Members []string
}

// Options configures an Extractor.
type Options struct {
	MaxChars   int
	ScratchDir string
	ZIP        fetcher.ZIPLimits
}

// Extractor dispatches on sniffed file type.
type Extractor struct {
	ocr  ocr.Extractor
	opts Options
}

// New returns an Extractor. fallback recovers text from PDFs without a
// text layer and may be nil.
func New(fallback ocr.Extractor, opts Options) *Extractor {
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.ZIP.MaxFiles == 0 {
		opts.ZIP.MaxFiles = 200
	}
	if opts.ZIP.MaxBytes == 0 {
		opts.ZIP.MaxBytes = 500 << 20
	}
	return &Extractor{ocr: fallback, opts: opts}
}

// Extract reads path and returns its text capped at MaxChars.
func (e *Extractor) Extract(ctx context.Context, path string) (Document, error) {
	doc, err := e.extract(ctx, path, true)
	if err != nil {
		return Document{Path: path, Kind: doc.Kind}, err
	}
	doc.Text, doc.Truncated = truncate(doc.Text, e.opts.MaxChars)
	doc.Chars = utf8.RuneCountInString(doc.Text)
	return doc, nil
}

func (e *Extractor) extract(ctx context.Context, path string, allowArchive bool) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, eris.Wrap(err, "docproc: context cancelled")
	}
	kind, err := Sniff(path)
	if err != nil {
		return Document{}, err
	}
	doc := Document{Path: path, Kind: kind}

	var text string
	switch kind {
	case KindPDF:
		text, err = e.extractPDF(ctx, path)
	case KindDOCX:
		text, err = extractDOCX(path)
	case KindXLSX:
		text, err = fetcher.XLSXText(path)
	case KindText:
		text, err = extractPlain(path)
	case KindZIP:
		if !allowArchive {
			return doc, eris.Wrap(ErrUnsupported, "docproc: nested archive")
		}
		text, doc.Members, err = e.extractArchive(ctx, path)
	}
	if err != nil {
		return doc, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return doc, eris.Wrapf(ErrEmpty, "%s", filepath.Base(path))
	}
	doc.Text = text
	return doc, nil
}

// Sniff identifies a file's format from its leading bytes, falling back to
// the extension for text formats.
func Sniff(path string) (Kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", eris.Wrap(err, "docproc: open")
	}
	defer f.Close() //nolint:errcheck

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", eris.Wrap(err, "docproc: read header")
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, []byte("%PDF-")):
		return KindPDF, nil
	case bytes.HasPrefix(head, []byte("PK\x03\x04")):
		return sniffZIP(path), nil
	}

	ext := strings.ToLower(filepath.Ext(path))
	ct := http.DetectContentType(head)
	if strings.HasPrefix(ct, "text/") || ext == ".txt" || ext == ".csv" || ext == ".md" {
		if utf8.Valid(head) || n == 0 {
			return KindText, nil
		}
	}
	return "", eris.Wrapf(ErrUnsupported, "%s (%s)", filepath.Base(path), ct)
}

// sniffZIP tells OOXML documents apart from plain archives.
func sniffZIP(path string) Kind {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return KindZIP
	}
	defer zr.Close() //nolint:errcheck
	for _, f := range zr.File {
		switch strings.ReplaceAll(f.Name, "\\", "/") {
		case "word/document.xml":
			return KindDOCX
		case "xl/workbook.xml":
			return KindXLSX
		}
	}
	return KindZIP
}

func (e *Extractor) extractPDF(ctx context.Context, path string) (string, error) {
	text, err := pdfText(path)
	if err == nil && strings.TrimSpace(text) != "" {
		return text, nil
	}
	if e.ocr == nil {
		if err != nil {
			return "", err
		}
		return "", nil
	}

	zap.L().Debug("docproc: no text layer, using ocr fallback",
		zap.String("path", path),
		zap.Error(err),
	)
	ocrText, ocrErr := e.ocr.ExtractText(ctx, path)
	if ocrErr != nil {
		if err != nil {
			return "", eris.Wrapf(ocrErr, "docproc: pdf parse failed (%v) and ocr failed", err)
		}
		return "", eris.Wrap(ocrErr, "docproc: ocr fallback")
	}
	return ocrText, nil
}

// pdfText reads the embedded text layer. The parser panics on some
// malformed files.
func pdfText(path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("docproc: pdf parser panic: %v", r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", eris.Wrap(err, "docproc: open pdf")
	}
	defer f.Close() //nolint:errcheck

	plain, err := r.GetPlainText()
	if err != nil {
		return "", eris.Wrap(err, "docproc: read pdf text")
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", eris.Wrap(err, "docproc: copy pdf text")
	}
	return buf.String(), nil
}

func extractDOCX(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", eris.Wrap(err, "docproc: open docx")
	}
	defer zr.Close() //nolint:errcheck

	for _, f := range zr.File {
		if strings.ReplaceAll(f.Name, "\\", "/") != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", eris.Wrap(err, "docproc: open document.xml")
		}
		defer rc.Close() //nolint:errcheck
		return stripDocxXML(rc)
	}
	return "", eris.New("docproc: docx has no word/document.xml")
}

// stripDocxXML keeps character data and breaks lines at paragraphs, line
// breaks and table cells.
func stripDocxXML(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var b strings.Builder
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", eris.Wrap(err, "docproc: parse document.xml")
		}
		switch t := tok.(type) {
		case xml.CharData:
			b.Write(t)
		case xml.StartElement:
			if t.Name.Local == "tab" {
				b.WriteByte('\t')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "p", "br", "tr":
				b.WriteByte('\n')
			case "tc":
				b.WriteByte('\t')
			}
		}
	}
	return b.String(), nil
}

func extractPlain(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", eris.Wrap(err, "docproc: read text")
	}
	if !utf8.Valid(data) {
		data = bytes.ToValidUTF8(data, []byte("�"))
	}
	return string(data), nil
}

// extractArchive expands a ZIP into scratch space and concatenates the
// text of every member it can read. Unreadable members are skipped.
func (e *Extractor) extractArchive(ctx context.Context, path string) (string, []string, error) {
	dir, err := os.MkdirTemp(e.opts.ScratchDir, "docproc-zip-*")
	if err != nil {
		return "", nil, eris.Wrap(err, "docproc: scratch dir")
	}
	defer os.RemoveAll(dir) //nolint:errcheck

	files, err := fetcher.ExtractZIP(path, dir, e.opts.ZIP)
	if err != nil {
		return "", nil, eris.Wrap(err, "docproc: expand archive")
	}

	var b strings.Builder
	var members []string
	for _, f := range files {
		rel, _ := filepath.Rel(dir, f)
		member, err := e.extract(ctx, f, false)
		if err != nil {
			if ctx.Err() != nil {
				return "", nil, eris.Wrap(ctx.Err(), "docproc: context cancelled")
			}
			zap.L().Debug("docproc: skipping archive member",
				zap.String("archive", path),
				zap.String("member", rel),
				zap.Error(err),
			)
			continue
		}
		members = append(members, rel)
		b.WriteString("=== " + rel + " ===\n")
		b.WriteString(member.Text)
		b.WriteString("\n\n")
	}
	if len(members) == 0 {
		return "", nil, eris.Wrapf(ErrEmpty, "archive %s has no readable members", filepath.Base(path))
	}
	return b.String(), members, nil
}

// truncate caps s at max runes.
func truncate(s string, max int) (string, bool) {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s, false
	}
	i, n := 0, 0
	for i = range s {
		if n == max {
			break
		}
		n++
	}
	return s[:i], true
}
