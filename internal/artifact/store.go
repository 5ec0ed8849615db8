// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package artifact stores artifact bytes content-addressed on disk.
//
// Blobs live at <root>/<tenant>/<hh>/<hash> where hh is the first two
// hex characters of the SHA-256 content hash. Writing the same bytes
// twice is a no-op, which gives physical dedup for free: the metadata
// rows in the state package may reference one blob from many runs.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	enginerrors "github.com/skillweave/skillweave/pkg/errors"
)

// URIScheme prefixes every blob reference handed to skill inputs.
const URIScheme = "artifact://"

var hashPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Store writes and reads content-addressed blobs under a root dir.
type Store struct {
	root   string
	logger *slog.Logger
}

// PutResult describes a stored blob.
type PutResult struct {
	ContentHash string
	URI         string
	SizeBytes   int64

	// Existed reports that the blob was already present and no bytes
	// were written.
	Existed bool
}

// NewStore creates a blob store rooted at dir. Logger may be nil.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Store{root: dir, logger: logger}, nil
}

// Put streams r into the store for tenantID and returns its address.
// The blob is staged to a temp file and renamed into place so readers
// never observe partial content.
func (s *Store) Put(ctx context.Context, tenantID string, r io.Reader) (*PutResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(s.root, "stage-*")
	if err != nil {
		return nil, fmt.Errorf("failed to stage blob: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write blob: %w", err)
	}

	hash := hex.EncodeToString(hasher.Sum(nil))
	dest := s.blobPath(tenantID, hash)
	res := &PutResult{
		ContentHash: hash,
		URI:         URI(tenantID, hash),
		SizeBytes:   size,
	}

	if _, err := os.Stat(dest); err == nil {
		res.Existed = true
		return res, nil
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob dir: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		// A concurrent Put of the same bytes may have won the rename.
		if _, statErr := os.Stat(dest); statErr == nil {
			res.Existed = true
			return res, nil
		}
		return nil, fmt.Errorf("failed to commit blob: %w", err)
	}

	s.logger.Debug("stored blob",
		"tenant_id", tenantID, "content_hash", hash, "size_bytes", size)
	return res, nil
}

// PutFile stores the file at path.
func (s *Store) PutFile(ctx context.Context, tenantID, path string) (*PutResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return s.Put(ctx, tenantID, f)
}

// Open returns a reader over the blob for hash.
func (s *Store) Open(tenantID, hash string) (io.ReadCloser, error) {
	if !hashPattern.MatchString(hash) {
		return nil, &enginerrors.ValidationError{
			Field:   "content_hash",
			Message: "must be 64 lowercase hex characters",
		}
	}
	f, err := os.Open(s.blobPath(tenantID, hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &enginerrors.NotFoundError{Resource: "blob", ID: hash}
		}
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// Exists reports whether the blob for hash is present.
func (s *Store) Exists(tenantID, hash string) bool {
	if !hashPattern.MatchString(hash) {
		return false
	}
	_, err := os.Stat(s.blobPath(tenantID, hash))
	return err == nil
}

// Delete removes the blob. Missing blobs are not an error.
func (s *Store) Delete(tenantID, hash string) error {
	if !hashPattern.MatchString(hash) {
		return nil
	}
	err := os.Remove(s.blobPath(tenantID, hash))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob: %w", err)
	}
	return nil
}

// ContentHash resolves a blob or file URI to its content hash. It
// satisfies the resolver contract of the fingerprinter: artifact URIs
// are parsed, file URIs hashed from disk.
func (s *Store) ContentHash(ctx context.Context, uri string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch {
	case strings.HasPrefix(uri, URIScheme):
		tenantID, hash, err := ParseURI(uri)
		if err != nil {
			return "", err
		}
		if !s.Exists(tenantID, hash) {
			return "", &enginerrors.NotFoundError{Resource: "blob", ID: hash}
		}
		return hash, nil

	case strings.HasPrefix(uri, "file://"):
		f, err := os.Open(strings.TrimPrefix(uri, "file://"))
		if err != nil {
			return "", &enginerrors.ValidationError{
				Field:   "uri",
				Message: fmt.Sprintf("cannot read %s: %v", uri, err),
			}
		}
		defer f.Close()
		hasher := sha256.New()
		if _, err := io.Copy(hasher, f); err != nil {
			return "", fmt.Errorf("failed to hash %s: %w", uri, err)
		}
		return hex.EncodeToString(hasher.Sum(nil)), nil

	default:
		return "", &enginerrors.ValidationError{
			Field:   "uri",
			Message: fmt.Sprintf("unsupported scheme in %q", uri),
		}
	}
}

func (s *Store) blobPath(tenantID, hash string) string {
	return filepath.Join(s.root, tenantID, hash[:2], hash)
}

// URI renders the canonical blob reference.
func URI(tenantID, hash string) string {
	return URIScheme + tenantID + "/" + hash[:2] + "/" + hash
}

// ParseURI splits an artifact:// reference into tenant and hash.
func ParseURI(uri string) (tenantID, hash string, err error) {
	rest, ok := strings.CutPrefix(uri, URIScheme)
	if !ok {
		return "", "", &enginerrors.ValidationError{
			Field:   "uri",
			Message: fmt.Sprintf("%q is not an artifact reference", uri),
		}
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[0] == "" || !hashPattern.MatchString(parts[2]) || parts[1] != parts[2][:2] {
		return "", "", &enginerrors.ValidationError{
			Field:   "uri",
			Message: fmt.Sprintf("malformed artifact reference %q", uri),
		}
	}
	return parts[0], parts[2], nil
}
