// Package checksum provides write-through hashing sinks used to compute
// content digests while streaming object bytes, without buffering the whole
// object in memory.
//
// A Stream is single-writer: all Write calls must happen before Digest is
// read. Reading the digest while writes are still in flight is not supported.
package checksum

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/dandiarchive/blobstore/internal/parts"
)

// DefaultBufferSize is the chunk size used by Copy when none is given.
const DefaultBufferSize = 16 * 1024 * 1024

var (
	etagRe   = regexp.MustCompile(`^[0-9a-f]{32}(-[1-9][0-9]*)?$`)
	sha256Re = regexp.MustCompile(`^[0-9a-f]{64}$`)

	ErrInvalidETag = errors.New("invalid etag")
	ErrNoParts     = errors.New("no parts")
)

// ValidETag reports whether s looks like a (possibly multipart) etag.
func ValidETag(s string) bool {
	return etagRe.MatchString(s)
}

// IsMultipartETag reports whether s is the etag of an object assembled from
// parts ("<md5>-N").
func IsMultipartETag(s string) bool {
	return ValidETag(s) && strings.Contains(s, "-")
}

// ValidSHA256 reports whether s is a lowercase hex sha256 digest.
func ValidSHA256(s string) bool {
	return sha256Re.MatchString(s)
}

// Stream is an io.Writer that hashes everything written to it.
type Stream struct {
	h hash.Hash
	n int64
}

// NewSHA256 returns a Stream computing a sha256 digest.
func NewSHA256() *Stream {
	return &Stream{h: sha256.New()}
}

func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.h.Write(p)
	s.n += int64(n)
	return n, err
}

// Written returns the number of bytes hashed so far.
func (s *Stream) Written() int64 {
	return s.n
}

// Digest returns the hex-encoded digest of all bytes written.
func (s *Stream) Digest() string {
	return hex.EncodeToString(s.h.Sum(nil))
}

// Copy streams r into dst through a buffer of bufSize bytes, checking ctx
// between chunks. It returns the number of bytes copied.
func Copy(ctx context.Context, dst io.Writer, r io.Reader, bufSize int) (int64, error) {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	buf := make([]byte, bufSize)

	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		n, rerr := r.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			total += int64(w)
			if werr != nil {
				return total, werr
			}
		}
		if rerr == io.EOF {
			return total, nil
		}
		if rerr != nil {
			return total, rerr
		}
	}
}

// ETagFromParts computes the multipart etag of an object from the etags of
// its parts: md5 over the concatenated binary part digests, suffixed with the
// part count.
func ETagFromParts(partETags []string) (string, error) {
	if len(partETags) == 0 {
		return "", ErrNoParts
	}

	h := md5.New()
	for _, e := range partETags {
		raw, err := hex.DecodeString(strings.Trim(e, `"`))
		if err != nil || len(raw) != md5.Size {
			return "", fmt.Errorf("%w: %q", ErrInvalidETag, e)
		}
		h.Write(raw)
	}

	return hex.EncodeToString(h.Sum(nil)) + "-" + strconv.Itoa(len(partETags)), nil
}

// ETagStream computes the multipart etag of the bytes written to it, splitting
// them according to a part plan.
type ETagStream struct {
	plan    parts.Plan
	current hash.Hash
	filled  int64
	index   int
	digests []string
}

// NewETagStream returns an ETagStream for the given layout.
func NewETagStream(plan parts.Plan) *ETagStream {
	return &ETagStream{plan: plan, current: md5.New()}
}

func (s *ETagStream) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		if s.index >= len(s.plan.Parts) {
			return written, fmt.Errorf("write past end of plan (%d bytes)", s.plan.TotalSize())
		}

		room := s.plan.Parts[s.index].Size - s.filled
		chunk := p
		if int64(len(chunk)) > room {
			chunk = p[:room]
		}

		s.current.Write(chunk)
		s.filled += int64(len(chunk))
		written += len(chunk)
		p = p[len(chunk):]

		if s.filled == s.plan.Parts[s.index].Size {
			s.finishPart()
		}
	}
	return written, nil
}

func (s *ETagStream) finishPart() {
	s.digests = append(s.digests, hex.EncodeToString(s.current.Sum(nil)))
	s.current = md5.New()
	s.filled = 0
	s.index++
}

// Digest returns the multipart etag. It fails when fewer bytes than the plan
// describes were written.
func (s *ETagStream) Digest() (string, error) {
	// a zero-size part is never closed by Write
	for s.index < len(s.plan.Parts) && s.plan.Parts[s.index].Size == 0 {
		s.finishPart()
	}
	if s.index != len(s.plan.Parts) {
		return "", fmt.Errorf("short write: %d of %d parts complete", s.index, len(s.plan.Parts))
	}
	return ETagFromParts(s.digests)
}

// PartDigests returns the md5 hex digests of the parts completed so far.
func (s *ETagStream) PartDigests() []string {
	out := make([]string, len(s.digests))
	copy(out, s.digests)
	return out
}
