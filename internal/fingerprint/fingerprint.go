// Package fingerprint computes content fingerprints: fixed-length hex digests
// of file bytes used to decide whether two copies of a file are identical.
// Fingerprints are equality checks, not security boundaries.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"

	"github.com/spf13/afero"
)

// Missing is the fingerprint of a path that does not exist.
const Missing = ""

// Directory is the fingerprint reported for a directory. Directories have no
// content of their own; the sentinel only needs to be stable.
const Directory = "directory"

// Func constructs the hash behind a fingerprint. Backends that publish their
// own content hash (Dropbox, Google Drive) supply a matching Func so local
// files can be compared against remote listings without a download.
type Func func() hash.Hash

// Default is the fingerprint used for persisted entry records.
var Default Func = sha256.New

// Empty is the Default fingerprint of zero bytes. Every empty file shares it,
// so callers that match on content must treat it as carrying no identity.
var Empty = Bytes(nil)

// Bytes returns the Default fingerprint of b.
func Bytes(b []byte) string {
	return BytesWith(Default, b)
}

// BytesWith returns the fingerprint of b under newHash.
func BytesWith(newHash Func, b []byte) string {
	h := newHash()
	h.Write(b)

	return hex.EncodeToString(h.Sum(nil))
}

// Reader streams r through newHash and returns the hex digest.
func Reader(newHash Func, r io.Reader) (string, error) {
	h := newHash()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("fingerprint: hashing: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// File returns the Default fingerprint of the file at path on fsys.
func File(fsys afero.Fs, path string) (string, error) {
	return FileWith(fsys, path, Default)
}

// FileWith returns the fingerprint of the file at path under newHash.
// A missing path yields Missing and no error; a directory yields Directory.
// Uses streaming I/O (constant memory).
func FileWith(fsys afero.Fs, path string, newHash Func) (string, error) {
	info, err := fsys.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Missing, nil
	}

	if err != nil {
		return "", fmt.Errorf("fingerprint: stat %s: %w", path, err)
	}

	if info.IsDir() {
		return Directory, nil
	}

	f, err := fsys.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		// Removed between stat and open.
		return Missing, nil
	}

	if err != nil {
		return "", fmt.Errorf("fingerprint: opening %s: %w", path, err)
	}
	defer f.Close()

	sum, err := Reader(newHash, f)
	if err != nil {
		return "", fmt.Errorf("fingerprint: %s: %w", path, err)
	}

	return sum, nil
}
