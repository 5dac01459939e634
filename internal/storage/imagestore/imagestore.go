// Package imagestore stores uploaded avatar images under one directory per
// tree.
package imagestore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a requested image does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput is returned for non-image uploads and unsafe filenames.
	ErrInvalidInput = errors.New("invalid input")
	// ErrTooLarge is returned when an upload exceeds the size cap.
	ErrTooLarge = errors.New("too large")
)

// imageExtensions are the extensions List recognizes.
var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// Image describes one stored avatar file.
type Image struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	Path     string `json:"path"`
}

// Store owns the images root directory.
type Store struct {
	rootDir  string
	maxBytes int64

	now func() time.Time
}

// New creates a Store rooted at rootDir, rejecting uploads over maxBytes.
func New(rootDir string, maxBytes int64) (*Store, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("%w: max upload size must be positive", ErrInvalidInput)
	}
	if err := os.MkdirAll(rootDir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}
	return &Store{rootDir: rootDir, maxBytes: maxBytes, now: time.Now}, nil
}

// Upload stores an avatar image for a tree. The stored filename is the
// sanitized original basename with a millisecond upload timestamp appended,
// which keeps repeated uploads of the same file from colliding. Returns the
// stored Image with its serve URL.
func (s *Store) Upload(treeID string, data []byte, originalName, mimeType string) (*Image, error) {
	if err := validateTreeID(treeID); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: no image data provided", ErrInvalidInput)
	}
	if !strings.HasPrefix(mimeType, "image/") {
		return nil, fmt.Errorf("%w: only image files are allowed, got %q", ErrInvalidInput, mimeType)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrTooLarge, len(data), s.maxBytes)
	}

	dir := filepath.Join(s.rootDir, treeID)
	if err := os.MkdirAll(dir, 0o755); err != nil { //nolint:gosec // G301: 0o755 is intentional for data directories
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	ext := filepath.Ext(originalName)
	base := sanitizeBasename(strings.TrimSuffix(filepath.Base(originalName), ext))
	filename := fmt.Sprintf("%s-%d%s", base, s.now().UnixMilli(), ext)

	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // G306: images are served publicly
		return nil, fmt.Errorf("failed to write image: %w", err)
	}

	slog.Info("Uploaded avatar", "treeId", treeID, "filename", filename, "size", len(data))
	return &Image{
		Filename: filename,
		URL:      "/images/" + treeID + "/" + filename,
		Path:     path,
	}, nil
}

// List returns the tree's stored images. A missing directory yields an
// empty list, not an error.
func (s *Store) List(treeID string) ([]Image, error) {
	if err := validateTreeID(treeID); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.rootDir, treeID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Image{}, nil
		}
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	images := []Image{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		images = append(images, Image{
			Filename: name,
			URL:      "/images/" + treeID + "/" + name,
			Path:     filepath.Join(dir, name),
		})
	}
	sort.Slice(images, func(i, j int) bool { return images[i].Filename < images[j].Filename })
	return images, nil
}

// Delete removes one stored image. Filenames containing path traversal
// sequences are rejected before touching the filesystem.
func (s *Store) Delete(treeID, filename string) error {
	if err := validateTreeID(treeID); err != nil {
		return err
	}
	if err := validateFilename(filename); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.rootDir, treeID, filename)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("image %s: %w", filename, ErrNotFound)
		}
		return fmt.Errorf("failed to delete image %s: %w", filename, err)
	}
	slog.Info("Deleted image", "treeId", treeID, "filename", filename)
	return nil
}

// FilePath resolves the on-disk path of a stored image for serving. The
// filename is validated against traversal; existence is not checked.
func (s *Store) FilePath(treeID, filename string) (string, error) {
	if err := validateTreeID(treeID); err != nil {
		return "", err
	}
	if err := validateFilename(filename); err != nil {
		return "", err
	}
	return filepath.Join(s.rootDir, treeID, filename), nil
}

// sanitizeBasename replaces every non-alphanumeric rune with a hyphen.
func sanitizeBasename(base string) string {
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}

// validateTreeID rejects IDs that are unsafe as directory names, the same
// rule the tree store applies to its filename stems.
func validateTreeID(treeID string) error {
	if treeID == "" {
		return fmt.Errorf("%w: tree ID is required", ErrInvalidInput)
	}
	for _, r := range treeID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: tree ID %q contains unsafe characters", ErrInvalidInput, treeID)
		}
	}
	return nil
}

func validateFilename(filename string) error {
	if filename == "" {
		return fmt.Errorf("%w: filename is required", ErrInvalidInput)
	}
	if strings.Contains(filename, "..") || strings.ContainsAny(filename, "/\\") {
		return fmt.Errorf("%w: invalid filename %q", ErrInvalidInput, filename)
	}
	return nil
}
