package fetcher

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ZIPLimits bounds archive expansion. Zero values mean unlimited.
type ZIPLimits struct {
	MaxFiles int
	MaxBytes int64
}

// ExtractZIP extracts all files from a ZIP archive to the destination
// directory and returns the extracted file paths. Entries that escape
// destDir are rejected.
func ExtractZIP(zipPath, destDir string, limits ZIPLimits) ([]string, error) {
	r, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, eris.Wrap(err, "zip: open archive")
	}
	defer r.Close() //nolint:errcheck

	var extracted []string
	var total int64
	for _, f := range r.File {
		if limits.MaxFiles > 0 && len(extracted) >= limits.MaxFiles {
			return extracted, eris.Errorf("zip: more than %d files in archive", limits.MaxFiles)
		}
		remaining := int64(0)
		if limits.MaxBytes > 0 {
			remaining = limits.MaxBytes - total
		}
		path, n, err := extractZIPEntry(f, destDir, remaining, limits.MaxBytes > 0)
		if err != nil {
			return extracted, err
		}
		total += n
		if path != "" {
			extracted = append(extracted, path)
		}
	}

	return extracted, nil
}

// extractZIPEntry extracts a single zip.File to the destination directory.
// Returns the extracted file path, or empty string for directories.
func extractZIPEntry(f *zip.File, destDir string, remaining int64, capped bool) (string, int64, error) {
	destPath := filepath.Join(destDir, f.Name)
	if !strings.HasPrefix(filepath.Clean(destPath), filepath.Clean(destDir)+string(os.PathSeparator)) {
		return "", 0, eris.Errorf("zip: illegal path %q (zip slip attempt)", f.Name)
	}

	if f.FileInfo().IsDir() {
		if err := os.MkdirAll(destPath, 0o755); err != nil {
			return "", 0, eris.Wrap(err, "zip: create directory")
		}
		return "", 0, nil
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", 0, eris.Wrap(err, "zip: create parent directory")
	}

	rc, err := f.Open()
	if err != nil {
		return "", 0, eris.Wrap(err, "zip: open entry")
	}
	defer rc.Close() //nolint:errcheck

	out, err := os.Create(destPath)
	if err != nil {
		return "", 0, eris.Wrap(err, "zip: create file")
	}
	defer out.Close() //nolint:errcheck

	var src io.Reader = rc
	if capped {
		src = io.LimitReader(rc, remaining+1)
	}
	n, err := io.Copy(out, src)
	if err != nil {
		return "", n, eris.Wrap(err, "zip: write file")
	}
	if capped && n > remaining {
		return "", n, eris.Wrapf(ErrTooLarge, "zip: expanded size of %q", f.Name)
	}

	return destPath, n, nil
}
