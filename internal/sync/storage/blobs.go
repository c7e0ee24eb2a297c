// Package storage keeps media evidence captured offline (photos, documents)
// on disk, addressed by the SHA-256 of its content, until it is uploaded.
package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"

	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
)

// BlobStore stores files by content hash. Identical files are stored once.
type BlobStore struct {
	baseDir string
}

// NewBlobStore creates a BlobStore rooted at baseDir.
func NewBlobStore(baseDir string) *BlobStore {
	return &BlobStore{baseDir: baseDir}
}

// ValidChecksum reports whether s is a lowercase hex SHA-256 digest.
func ValidChecksum(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Checksum returns the SHA-256 hex digest of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put streams r into the store and returns its checksum and size. The blob
// only becomes visible once fully written.
func (s *BlobStore) Put(r io.Reader) (string, int64, error) {
	if err := os.MkdirAll(s.baseDir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create media dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.baseDir, "upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	hr := newHashingReader(r)
	size, err := io.Copy(tmp, hr)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return "", 0, fmt.Errorf("write media: %w", err)
	}

	sum := hr.Sum()
	dest := s.path(sum)
	if _, err := os.Stat(dest); err == nil {
		return sum, size, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", 0, fmt.Errorf("create media dir: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", 0, fmt.Errorf("store media: %w", err)
	}
	return sum, size, nil
}

// Open returns the blob for checksum and its size.
func (s *BlobStore) Open(checksum string) (io.ReadCloser, int64, error) {
	if !ValidChecksum(checksum) {
		return nil, 0, apperrors.Newf(apperrors.ErrValidation, "invalid checksum %q", checksum)
	}
	f, err := os.Open(s.path(checksum))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, apperrors.NotFound("media", checksum)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open media: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fmt.Errorf("stat media: %w", err)
	}
	return f, info.Size(), nil
}

// Has reports whether a blob is stored for checksum.
func (s *BlobStore) Has(checksum string) bool {
	if !ValidChecksum(checksum) {
		return false
	}
	_, err := os.Stat(s.path(checksum))
	return err == nil
}

// Verify re-hashes a stored blob and fails if it no longer matches.
func (s *BlobStore) Verify(checksum string) error {
	rc, _, err := s.Open(checksum)
	if err != nil {
		return err
	}
	defer rc.Close()

	hr := newHashingReader(rc)
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return fmt.Errorf("read media: %w", err)
	}
	if got := hr.Sum(); got != checksum {
		return fmt.Errorf("media %s is corrupt: content hashes to %s", checksum, got)
	}
	return nil
}

// Delete removes a blob. Deleting a missing blob is a no-op.
func (s *BlobStore) Delete(checksum string) error {
	if !ValidChecksum(checksum) {
		return apperrors.Newf(apperrors.ErrValidation, "invalid checksum %q", checksum)
	}
	p := s.path(checksum)
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete media: %w", err)
	}

	// Drop the fan-out directories once empty; errors mean they still hold blobs.
	dir := filepath.Dir(p)
	_ = os.Remove(dir)
	_ = os.Remove(filepath.Dir(dir))
	return nil
}

// path is baseDir/{sum[0:2]}/{sum[2:4]}/{sum}.
func (s *BlobStore) path(sum string) string {
	return filepath.Join(s.baseDir, sum[0:2], sum[2:4], sum)
}

// hashingReader hashes everything read through it.
type hashingReader struct {
	r io.Reader
	h hash.Hash
}

func newHashingReader(r io.Reader) *hashingReader {
	return &hashingReader{r: r, h: sha256.New()}
}

func (m *hashingReader) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.h.Write(p[:n])
	}
	return n, err
}

func (m *hashingReader) Sum() string {
	return hex.EncodeToString(m.h.Sum(nil))
}
