// Package screenshot manages the flat directory of page captures served
// under /screenshots/. Filenames are minted server-side, so resolution
// only has to defend against path escapes, not interpret structure.
package screenshot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nrednav/cuid2"
)

// ErrInvalidName is returned by Resolve for filenames that could escape
// the store directory.
var ErrInvalidName = errors.New("invalid screenshot filename")

// Store is a directory of image files keyed by bare filename.
type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the backing directory.
func (s *Store) Dir() string { return s.dir }

// Save writes data under a fresh cuid2 filename with the given extension
// and returns the bare filename. The directory is created on first use.
func (s *Store) Save(data []byte, ext string) (string, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", err
	}
	ext = strings.TrimPrefix(ext, ".")
	if ext == "" {
		ext = "png"
	}
	name := fmt.Sprintf("%s.%s", cuid2.Generate(), ext)
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", err
	}
	return name, nil
}

// Resolve maps a requested filename to its on-disk path. Names containing
// path separators or parent references are rejected rather than cleaned.
func (s *Store) Resolve(name string) (string, error) {
	if name == "" || name == "." ||
		strings.Contains(name, "/") ||
		strings.Contains(name, "\\") ||
		strings.Contains(name, "..") {
		return "", ErrInvalidName
	}
	return filepath.Join(s.dir, name), nil
}

// ContentType returns the MIME type for a stored filename based on its
// extension.
func ContentType(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
