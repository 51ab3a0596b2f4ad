// Package contenthash implements the Dropbox content hash used to compare
// file bytes without downloading them.
//
// The input is split into 4 MiB chunks. Each chunk is hashed with SHA-256,
// the chunk digests are concatenated in order, and the final digest is the
// SHA-256 of that concatenation. The empty input hashes to the SHA-256 of
// the empty string.
//
// Reference:
// https://www.dropbox.com/developers/reference/content-hash
package contenthash

import (
	"crypto/sha256"
	"hash"
)

const (
	// Size is the length, in bytes, of a content hash digest.
	Size = sha256.Size

	// BlockSize is the preferred input block size for the hash, in bytes.
	BlockSize = sha256.BlockSize

	// ChunkSize is the number of input bytes covered by one chunk digest.
	ChunkSize = 4 * 1024 * 1024
)

// digest is the internal state of a content hash computation.
type digest struct {
	chunk     hash.Hash // running SHA-256 of the current chunk
	chunkLen  int       // bytes absorbed into the current chunk
	chunkSums []byte    // concatenated digests of completed chunks
}

// New returns a new hash.Hash computing the Dropbox content hash.
func New() hash.Hash {
	return &digest{chunk: sha256.New()}
}

// Write absorbs more data into the running hash.
// It always returns len(p), nil.
func (d *digest) Write(p []byte) (int, error) {
	n := len(p)

	for len(p) > 0 {
		room := ChunkSize - d.chunkLen
		take := min(room, len(p))

		d.chunk.Write(p[:take])
		d.chunkLen += take
		p = p[take:]

		if d.chunkLen == ChunkSize {
			d.chunkSums = d.chunk.Sum(d.chunkSums)
			d.chunk.Reset()
			d.chunkLen = 0
		}
	}

	return n, nil
}

// Sum appends the current hash to b and returns the resulting slice.
// It does not change the underlying hash state.
func (d *digest) Sum(b []byte) []byte {
	overall := sha256.New()
	overall.Write(d.chunkSums)

	// A trailing partial chunk contributes its own digest.
	if d.chunkLen > 0 {
		overall.Write(d.chunk.Sum(nil))
	}

	return overall.Sum(b)
}

// Reset resets the hash to its initial state.
func (d *digest) Reset() {
	d.chunk.Reset()
	d.chunkLen = 0
	d.chunkSums = d.chunkSums[:0]
}

// Size returns the number of bytes Sum will return.
func (d *digest) Size() int {
	return Size
}

// BlockSize returns the hash's underlying block size.
func (d *digest) BlockSize() int {
	return BlockSize
}
