package checksum

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/dandiarchive/blobstore/internal/parts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func md5hex(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func TestStream_SHA256MatchesOneShot(t *testing.T) {
	data := bytes.Repeat([]byte("dandi"), 10_000)

	s := NewSHA256()
	for i := 0; i < len(data); i += 777 {
		end := min(i+777, len(data))
		n, err := s.Write(data[i:end])
		require.NoError(t, err)
		require.Equal(t, end-i, n)
	}

	want := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(want[:]), s.Digest())
	assert.Equal(t, int64(len(data)), s.Written())
	assert.True(t, ValidSHA256(s.Digest()))
}

func TestCopy_BoundedBuffer(t *testing.T) {
	data := strings.Repeat("x", 1000)
	s := NewSHA256()

	n, err := Copy(context.Background(), s, strings.NewReader(data), 64)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)

	want := sha256.Sum256([]byte(data))
	assert.Equal(t, hex.EncodeToString(want[:]), s.Digest())
}

func TestCopy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Copy(ctx, NewSHA256(), strings.NewReader("abc"), 1)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestETagFromParts(t *testing.T) {
	p1 := md5hex([]byte("hello"))
	p2 := md5hex([]byte("world"))

	raw1, _ := hex.DecodeString(p1)
	raw2, _ := hex.DecodeString(p2)
	want := md5hex(append(raw1, raw2...)) + "-2"

	got, err := ETagFromParts([]string{`"` + p1 + `"`, p2})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.True(t, ValidETag(got))

	_, err = ETagFromParts(nil)
	assert.True(t, errors.Is(err, ErrNoParts))

	_, err = ETagFromParts([]string{"nothex"})
	assert.True(t, errors.Is(err, ErrInvalidETag))
}

func TestETagStream_MatchesPartHashes(t *testing.T) {
	data := []byte(strings.Repeat("0123456789", 3) + "abcde")
	plan, err := parts.New(int64(len(data)), 10)
	require.NoError(t, err)

	s := NewETagStream(plan)
	// uneven writes that straddle part boundaries
	for _, chunk := range [][]byte{data[:7], data[7:22], data[22:]} {
		_, err := s.Write(chunk)
		require.NoError(t, err)
	}

	got, err := s.Digest()
	require.NoError(t, err)

	want, err := ETagFromParts([]string{
		md5hex(data[0:10]), md5hex(data[10:20]), md5hex(data[20:30]), md5hex(data[30:]),
	})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Len(t, s.PartDigests(), 4)
}

func TestETagStream_EmptyObject(t *testing.T) {
	plan, err := parts.New(0, 10)
	require.NoError(t, err)

	got, err := NewETagStream(plan).Digest()
	require.NoError(t, err)

	want, err := ETagFromParts([]string{md5hex(nil)})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestETagStream_ShortAndLongWrites(t *testing.T) {
	plan, err := parts.New(20, 10)
	require.NoError(t, err)

	s := NewETagStream(plan)
	_, err = s.Write(make([]byte, 15))
	require.NoError(t, err)
	_, err = s.Digest()
	assert.Error(t, err)

	s = NewETagStream(plan)
	n, err := s.Write(make([]byte, 21))
	assert.Error(t, err)
	assert.Equal(t, 20, n)
}

func TestValidETag(t *testing.T) {
	assert.True(t, ValidETag(strings.Repeat("f", 32)+"-1"))
	assert.True(t, ValidETag(strings.Repeat("a", 32)))
	assert.False(t, ValidETag(strings.Repeat("f", 32)+"-0"))
	assert.False(t, ValidETag("not etag"))
}

func TestIsMultipartETag(t *testing.T) {
	assert.True(t, IsMultipartETag(strings.Repeat("f", 32)+"-3"))
	assert.False(t, IsMultipartETag(strings.Repeat("f", 32)))
	assert.False(t, IsMultipartETag("not-etag"))
}
