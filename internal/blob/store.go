package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a ref has no stored bytes.
var ErrNotFound = errors.New("blob not found")

// Store keeps raw uploaded bytes on disk, content-addressed by job identity.
// Blobs are write-once: a second Put for the same identity keeps the existing
// bytes, which is safe precisely because the identity is the content hash.
type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// Ref builds the blob reference for an identity. The extension is carried
// for operator convenience; readers sniff the actual format from content.
func Ref(identity, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	if ext == "" {
		return identity
	}
	return identity + "." + ext
}

func (s *Store) path(ref string) (string, error) {
	if ref == "" || strings.ContainsAny(ref, "/\\") || strings.Contains(ref, "..") {
		return "", fmt.Errorf("invalid blob ref: %q", ref)
	}
	// Two-char fan-out keeps directories small.
	return filepath.Join(s.baseDir, ref[:2], ref), nil
}

// Put stores content under the given ref and returns it. If the blob already
// exists the existing bytes win and no write happens.
func (s *Store) Put(ref string, content []byte) (string, error) {
	fullPath, err := s.path(ref)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(fullPath); err == nil {
		return ref, nil
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}

	// Write to a temp name first so readers never observe partial content.
	tmp, err := os.CreateTemp(filepath.Dir(fullPath), "."+ref+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("commit blob: %w", err)
	}

	return ref, nil
}

func (s *Store) Get(ref string) ([]byte, error) {
	fullPath, err := s.path(ref)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return content, nil
}

func (s *Store) Delete(ref string) error {
	fullPath, err := s.path(ref)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

func (s *Store) Exists(ref string) bool {
	fullPath, err := s.path(ref)
	if err != nil {
		return false
	}
	_, err = os.Stat(fullPath)
	return err == nil
}
