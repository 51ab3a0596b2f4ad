package fingerprint

import (
	"crypto/md5" //nolint:gosec // md5 matches the Google Drive checksum; not used for security
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBytes_StableAndDistinct(t *testing.T) {
	t.Parallel()

	a := Bytes([]byte("hi"))
	b := Bytes([]byte("hi"))
	c := Bytes([]byte("yo"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64, "sha-256 hex digest")
}

func TestEmpty_IsFingerprintOfNoBytes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Bytes([]byte{}), Empty)
	assert.NotEqual(t, Missing, Empty)
}

func TestFile_MatchesBytes(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/a.txt", []byte("hello world"), 0o644))

	got, err := File(fsys, "/a.txt")
	require.NoError(t, err)
	assert.Equal(t, Bytes([]byte("hello world")), got)
}

func TestFile_MissingPath(t *testing.T) {
	t.Parallel()

	got, err := File(afero.NewMemMapFs(), "/nope.txt")
	require.NoError(t, err)
	assert.Equal(t, Missing, got)
}

func TestFile_Directory(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/sub", 0o755))

	got, err := File(fsys, "/sub")
	require.NoError(t, err)
	assert.Equal(t, Directory, got)
}

func TestFileWith_CustomHash(t *testing.T) {
	t.Parallel()

	fsys := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fsys, "/a.txt", []byte("abc"), 0o644))

	got, err := FileWith(fsys, "/a.txt", md5.New)
	require.NoError(t, err)
	assert.Equal(t, "900150983cd24fb0d6963f7d28e17f72", got)
}

func TestReader(t *testing.T) {
	t.Parallel()

	got, err := Reader(Default, strings.NewReader("hi"))
	require.NoError(t, err)
	assert.Equal(t, Bytes([]byte("hi")), got)
}
