package contenthash

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"testing"
)

// reference computes the content hash the slow way: split, hash, concatenate, hash.
func reference(data []byte) string {
	var sums []byte

	for len(data) > 0 {
		n := min(ChunkSize, len(data))
		s := sha256.Sum256(data[:n])
		sums = append(sums, s[:]...)
		data = data[n:]
	}

	overall := sha256.Sum256(sums)

	return hex.EncodeToString(overall[:])
}

func sumHex(h hash.Hash) string {
	return hex.EncodeToString(h.Sum(nil))
}

func TestKnownVectors(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"short", []byte("hi")},
		{"exactly one chunk", bytes.Repeat([]byte{0xAB}, ChunkSize)},
		{"one chunk plus one byte", bytes.Repeat([]byte{0x01}, ChunkSize+1)},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := New()
			if _, err := h.Write(tc.input); err != nil {
				t.Fatalf("Write: %v", err)
			}

			if got, want := sumHex(h), reference(tc.input); got != want {
				t.Errorf("hash = %s, want %s", got, want)
			}
		})
	}
}

func TestEmptyIsSHA256OfEmpty(t *testing.T) {
	empty := sha256.Sum256(nil)

	if got := sumHex(New()); got != hex.EncodeToString(empty[:]) {
		t.Errorf("empty hash = %s, want sha256(\"\")", got)
	}
}

func TestIncrementalWritesMatchSingleWrite(t *testing.T) {
	data := bytes.Repeat([]byte("0123456789"), ChunkSize/5+7)

	whole := New()
	whole.Write(data)

	pieces := New()
	for i := 0; i < len(data); i += 1000 {
		end := min(i+1000, len(data))
		pieces.Write(data[i:end])
	}

	if sumHex(whole) != sumHex(pieces) {
		t.Error("incremental writes produced a different digest")
	}
}

func TestSumIsNonDestructive(t *testing.T) {
	h := New()
	h.Write([]byte("hello"))

	first := sumHex(h)
	second := sumHex(h)

	if first != second {
		t.Errorf("Sum changed state: %s then %s", first, second)
	}

	h.Write([]byte(" world"))

	if got, want := sumHex(h), reference([]byte("hello world")); got != want {
		t.Errorf("after continued write: %s, want %s", got, want)
	}
}

func TestReset(t *testing.T) {
	h := New()
	h.Write(bytes.Repeat([]byte{0xFF}, ChunkSize+10))
	h.Reset()
	h.Write([]byte("hi"))

	if got, want := sumHex(h), reference([]byte("hi")); got != want {
		t.Errorf("after reset: %s, want %s", got, want)
	}
}

func TestSizeAndBlockSize(t *testing.T) {
	h := New()

	if h.Size() != Size {
		t.Errorf("Size() = %d, want %d", h.Size(), Size)
	}

	if h.BlockSize() != BlockSize {
		t.Errorf("BlockSize() = %d, want %d", h.BlockSize(), BlockSize)
	}
}
