package posters

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrOriginalMissing is returned when a revert asks for an original this
// store never saved.
var ErrOriginalMissing = errors.New("original poster not stored")

// Store lays poster artifacts out under its root: original/{item}.{ext}
// holds the pristine server copy, modified/{item}.{ext} the composed
// output, and tmp/{job}/ scratch space removed when the job ends.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	for _, dir := range []string{"original", "modified", "tmp"} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create poster dir %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// ExtensionForContentType maps a poster content type to its file
// extension. Parameters after ';' are ignored; unknown types fall back
// to jpg.
func ExtensionForContentType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	case "image/jpg", "image/jpeg":
		return "jpg"
	default:
		return "jpg"
	}
}

// SaveOriginal stores the pristine poster, replacing any variant saved
// under a different extension.
func (s *Store) SaveOriginal(itemID string, data []byte, contentType string) (string, error) {
	return s.save("original", itemID, data, contentType)
}

// SaveModified stores the composed poster under the same naming scheme.
func (s *Store) SaveModified(itemID string, data []byte, contentType string) (string, error) {
	return s.save("modified", itemID, data, contentType)
}

func (s *Store) save(kind, itemID string, data []byte, contentType string) (string, error) {
	if err := s.removeVariants(kind, itemID); err != nil {
		return "", err
	}
	path := filepath.Join(s.root, kind, itemID+"."+ExtensionForContentType(contentType))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s poster: %w", kind, err)
	}
	return path, nil
}

func (s *Store) removeVariants(kind, itemID string) error {
	matches, err := filepath.Glob(filepath.Join(s.root, kind, itemID+".*"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

// OriginalPath reports where the original for itemID lives, if stored.
func (s *Store) OriginalPath(itemID string) (string, bool) {
	return s.find("original", itemID)
}

// ModifiedPath reports where the composed poster for itemID lives.
func (s *Store) ModifiedPath(itemID string) (string, bool) {
	return s.find("modified", itemID)
}

func (s *Store) find(kind, itemID string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(s.root, kind, itemID+".*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return matches[0], true
}

// RemoveModified deletes the composed poster for itemID. Used after a
// revert so stale overlays are not mistaken for current state.
func (s *Store) RemoveModified(itemID string) error {
	return s.removeVariants("modified", itemID)
}

// LoadOriginal reads the stored original for a revert.
func (s *Store) LoadOriginal(itemID string) ([]byte, error) {
	path, ok := s.OriginalPath(itemID)
	if !ok {
		return nil, ErrOriginalMissing
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read original poster: %w", err)
	}
	return data, nil
}

// HasOriginal reports whether a pristine copy exists for itemID.
func (s *Store) HasOriginal(itemID string) bool {
	_, ok := s.OriginalPath(itemID)
	return ok
}

// JobTempDir creates (if needed) and returns the scratch directory for a
// job's intermediate composition artifacts.
func (s *Store) JobTempDir(jobID string) (string, error) {
	dir := filepath.Join(s.root, "tmp", jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job temp dir: %w", err)
	}
	return dir, nil
}

// CleanupJob removes the job's scratch directory. Called once the job
// reaches a terminal status.
func (s *Store) CleanupJob(jobID string) error {
	return os.RemoveAll(filepath.Join(s.root, "tmp", jobID))
}
