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

// Package fingerprint canonicalizes skill inputs and hashes them into
// stable 256-bit digests used as step cache keys.
//
// Values are emitted as a deterministic typed, length-prefixed byte
// stream rather than relying on JSON serialization identity: object keys
// are sorted at every depth, arrays preserve order, numbers use their
// shortest decimal form, and file URIs contribute their content hash so
// moving a file does not invalidate a cache entry.
package fingerprint

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/skillweave/skillweave/pkg/errors"
)

// Type tags for the canonical byte stream.
const (
	tagNull   = 'z'
	tagBool   = 'b'
	tagNumber = 'n'
	tagString = 's'
	tagBytes  = 'y'
	tagArray  = 'a'
	tagObject = 'o'
	tagFile   = 'f'
)

// ContentResolver resolves a file or artifact URI to its content hash.
// The fingerprinter mixes the content hash, not the location, into the
// stream.
type ContentResolver interface {
	ContentHash(ctx context.Context, uri string) (string, error)
}

// Fingerprinter computes canonical digests over arbitrary JSON-shaped
// values.
type Fingerprinter struct {
	resolver ContentResolver
}

// New creates a Fingerprinter. The resolver may be nil, in which case
// file URIs are hashed as plain strings.
func New(resolver ContentResolver) *Fingerprinter {
	return &Fingerprinter{resolver: resolver}
}

// Value canonicalizes v and returns its hex-encoded SHA-256 digest.
func (f *Fingerprinter) Value(ctx context.Context, v any) (string, error) {
	h := sha256.New()
	if err := f.encode(ctx, h, v); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Step computes the cache fingerprint for a step invocation. Volatile
// fields are removed from the top level of the input before hashing, and
// the tenant, skill id and version are mixed into the digest so entries
// never cross those boundaries.
func (f *Fingerprinter) Step(ctx context.Context, tenantID, skillID, version string, input map[string]any, volatile []string) (string, error) {
	pruned := input
	if len(volatile) > 0 {
		pruned = make(map[string]any, len(input))
		skip := make(map[string]bool, len(volatile))
		for _, name := range volatile {
			skip[name] = true
		}
		for k, v := range input {
			if !skip[k] {
				pruned[k] = v
			}
		}
	}

	h := sha256.New()
	for _, part := range []string{tenantID, skillID, version} {
		writeFrame(h, tagString, []byte(part))
	}
	if err := f.encode(ctx, h, pruned); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// encode writes the canonical representation of v to w.
func (f *Fingerprinter) encode(ctx context.Context, w io.Writer, v any) error {
	switch val := v.(type) {
	case nil:
		writeFrame(w, tagNull, nil)
	case bool:
		b := byte(0)
		if val {
			b = 1
		}
		writeFrame(w, tagBool, []byte{b})
	case string:
		if f.resolver != nil && isFileURI(val) {
			hash, err := f.resolver.ContentHash(ctx, val)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", val, err)
			}
			writeFrame(w, tagFile, []byte(hash))
			return nil
		}
		writeFrame(w, tagString, []byte(val))
	case []byte:
		writeFrame(w, tagBytes, val)
	case float64:
		writeFrame(w, tagNumber, []byte(strconv.FormatFloat(val, 'g', -1, 64)))
	case float32:
		writeFrame(w, tagNumber, []byte(strconv.FormatFloat(float64(val), 'g', -1, 64)))
	case int:
		writeFrame(w, tagNumber, []byte(strconv.FormatFloat(float64(val), 'g', -1, 64)))
	case int32:
		writeFrame(w, tagNumber, []byte(strconv.FormatFloat(float64(val), 'g', -1, 64)))
	case int64:
		writeFrame(w, tagNumber, []byte(strconv.FormatFloat(float64(val), 'g', -1, 64)))
	case json.Number:
		parsed, err := val.Float64()
		if err != nil {
			return &errors.ValidationError{Field: "input", Message: fmt.Sprintf("unparseable number: %s", val)}
		}
		writeFrame(w, tagNumber, []byte(strconv.FormatFloat(parsed, 'g', -1, 64)))
	case []any:
		writeHeader(w, tagArray, len(val))
		for _, item := range val {
			if err := f.encode(ctx, w, item); err != nil {
				return err
			}
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeHeader(w, tagObject, len(keys))
		for _, k := range keys {
			writeFrame(w, tagString, []byte(k))
			if err := f.encode(ctx, w, val[k]); err != nil {
				return err
			}
		}
	default:
		return &errors.ValidationError{
			Field:      "input",
			Message:    fmt.Sprintf("unsupported type %T in fingerprint input", v),
			Suggestion: "skill inputs must be JSON-shaped values",
		}
	}
	return nil
}

// writeFrame emits a type tag, a length prefix, and the payload.
func writeFrame(w io.Writer, tag byte, payload []byte) {
	var header [9]byte
	header[0] = tag
	binary.BigEndian.PutUint64(header[1:], uint64(len(payload)))
	w.Write(header[:])
	w.Write(payload)
}

// writeHeader emits a type tag and an element count for containers.
func writeHeader(w io.Writer, tag byte, count int) {
	var header [9]byte
	header[0] = tag
	binary.BigEndian.PutUint64(header[1:], uint64(count))
	w.Write(header[:])
}

// isFileURI reports whether s references file content by location.
func isFileURI(s string) bool {
	return strings.HasPrefix(s, "file://") || strings.HasPrefix(s, "artifact://")
}

// HashBytes returns the hex SHA-256 of raw bytes. Shared by the
// artifact store so artifact content hashes and fingerprint file frames
// agree.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
