// Package fetcher downloads remote attachments over HTTP(S) and FTP and
// reads the tabular formats (CSV, XLSX, ZIP) attachments and imports use.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bid-intel/internal/resilience"
)

// ErrUnsupportedScheme is returned for URLs no registered fetcher handles.
var ErrUnsupportedScheme = eris.New("fetcher: unsupported url scheme")

// ErrTooLarge is returned when a download exceeds the configured size cap.
var ErrTooLarge = eris.New("fetcher: file exceeds size limit")

// Fetcher downloads a remote document to a local path.
type Fetcher interface {
	// DownloadToFile fetches the URL and writes it to path, replacing any
	// existing file only on success. Returns bytes written. Errors worth
	// retrying are wrapped in resilience.TransientError.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// MultiFetcher routes downloads to a Fetcher by URL scheme.
type MultiFetcher struct {
	schemes map[string]Fetcher
}

// NewMultiFetcher registers httpF for http/https and ftpF for ftp. Either
// may be nil.
func NewMultiFetcher(httpF Fetcher, ftpF Fetcher) *MultiFetcher {
	m := &MultiFetcher{schemes: make(map[string]Fetcher)}
	if httpF != nil {
		m.Register("http", httpF)
		m.Register("https", httpF)
	}
	if ftpF != nil {
		m.Register("ftp", ftpF)
	}
	return m
}

// Register adds or replaces the fetcher for a scheme.
func (m *MultiFetcher) Register(scheme string, f Fetcher) {
	m.schemes[strings.ToLower(scheme)] = f
}

// DownloadToFile dispatches on the URL scheme. Malformed URLs and unknown
// schemes are permanent failures.
func (m *MultiFetcher) DownloadToFile(ctx context.Context, rawURL string, path string) (int64, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return 0, resilience.Permanent(eris.Wrapf(err, "fetcher: parse url %q", rawURL))
	}
	f, ok := m.schemes[strings.ToLower(u.Scheme)]
	if !ok {
		return 0, resilience.Permanent(eris.Wrapf(ErrUnsupportedScheme, "%q", rawURL))
	}
	return f.DownloadToFile(ctx, u.String(), path)
}

// writeFileAtomic streams r into a temp file beside path and renames it into
// place. maxBytes <= 0 disables the size cap.
func writeFileAtomic(path string, r io.Reader, maxBytes int64) (int64, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, eris.Wrap(err, "fetcher: create directory")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.part")
	if err != nil {
		return 0, eris.Wrap(err, "fetcher: create temp file")
	}
	tmpName := tmp.Name()

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, copyErr := io.Copy(tmp, src)
	closeErr := tmp.Close()

	switch {
	case copyErr != nil:
		os.Remove(tmpName) //nolint:errcheck
		err := eris.Wrap(copyErr, "fetcher: write file")
		if resilience.IsTransient(copyErr) {
			return n, resilience.NewTransientError(err, 0)
		}
		return n, err
	case maxBytes > 0 && n > maxBytes:
		os.Remove(tmpName) //nolint:errcheck
		return n, resilience.Permanent(eris.Wrapf(ErrTooLarge, "more than %d bytes", maxBytes))
	case closeErr != nil:
		os.Remove(tmpName) //nolint:errcheck
		return n, eris.Wrap(closeErr, "fetcher: close temp file")
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName) //nolint:errcheck
		return n, eris.Wrap(err, "fetcher: rename into place")
	}
	return n, nil
}
