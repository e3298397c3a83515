package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	subatomic "github.com/FyraLabs/subatomic-ng"
	"github.com/FyraLabs/subatomic-ng/backend"
)

func TestPutGet(t *testing.T) {
	u, _ := newTestUploader(t, Config{})
	ctx := context.Background()
	data := []byte("rpm payload")

	res, err := u.Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, ResultNew, res.Result)
	require.Equal(t, int64(len(data)), res.Size)
	require.Equal(t, subatomic.HashBytes(data), res.Hash)
	require.Equal(t, subatomic.NewObjectKey(res.Hash), res.Key)

	rc, err := u.Get(ctx, res.Key)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestPutDeduplicates(t *testing.T) {
	u, fs := newTestUploader(t, Config{})
	ctx := context.Background()
	data := []byte("same bytes")

	first, err := u.Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	second, err := u.Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	require.Equal(t, ResultNew, first.Result)
	require.Equal(t, ResultExists, second.Result)
	require.Equal(t, first.Key, second.Key)

	paths, err := fs.List(ctx, "")
	require.NoError(t, err)
	require.Equal(t, []string{first.Key.StoragePath()}, paths)
}

func TestPutNoUpload(t *testing.T) {
	u, fs := newTestUploader(t, Config{NoUpload: true})
	ctx := context.Background()
	data := []byte("hashed only")

	res, err := u.Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, ResultSkipped, res.Result)
	require.Equal(t, subatomic.NewObjectKey(subatomic.HashBytes(data)), res.Key)

	exists, err := fs.Exists(ctx, res.Key.StoragePath())
	require.NoError(t, err)
	require.False(t, exists)
}

func TestPutLimits(t *testing.T) {
	u, _ := newTestUploader(t, Config{MaxSize: 8})
	ctx := context.Background()

	_, err := u.Put(ctx, strings.NewReader("exactly8"))
	require.NoError(t, err)

	_, err = u.Put(ctx, strings.NewReader("nine byte"))
	require.ErrorIs(t, err, ErrTooLarge)

	_, err = u.Put(ctx, strings.NewReader(""))
	require.ErrorIs(t, err, ErrEmpty)
}

func TestPutReadFailure(t *testing.T) {
	u, fs := newTestUploader(t, Config{})
	ctx := context.Background()

	_, err := u.Put(ctx, io.MultiReader(strings.NewReader("partial"), failingReader{}))
	require.Error(t, err)

	paths, err := fs.List(ctx, "")
	require.NoError(t, err)
	require.Empty(t, paths)
}

func TestGetMissing(t *testing.T) {
	u, _ := newTestUploader(t, Config{})
	key := subatomic.NewObjectKey(subatomic.HashBytes([]byte("never stored")))

	_, err := u.Get(context.Background(), key)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = u.Size(context.Background(), key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHasSizeDelete(t *testing.T) {
	u, _ := newTestUploader(t, Config{})
	ctx := context.Background()
	data := []byte("to be deleted")

	res, err := u.Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	has, err := u.Has(ctx, res.Key)
	require.NoError(t, err)
	require.True(t, has)

	size, err := u.Size(ctx, res.Key)
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), size)

	require.NoError(t, u.Delete(ctx, res.Key))
	has, err = u.Has(ctx, res.Key)
	require.NoError(t, err)
	require.False(t, has)

	require.NoError(t, u.Delete(ctx, res.Key))
}

func TestList(t *testing.T) {
	u, fs := newTestUploader(t, Config{})
	ctx := context.Background()

	var want []subatomic.ObjectKey
	for _, s := range []string{"one", "two", "three"} {
		res, err := u.Put(ctx, strings.NewReader(s))
		require.NoError(t, err)
		want = append(want, res.Key)
	}
	require.NoError(t, fs.Write(ctx, "rpm/blake3/zz/not-a-hash", strings.NewReader("x")))
	require.NoError(t, fs.Write(ctx, "srpm/ab/ab", strings.NewReader("x")))

	got, err := u.List(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, want, got)
}

func TestKeyFromPath(t *testing.T) {
	h := subatomic.HashBytes([]byte("x"))
	key := subatomic.NewObjectKey(h)

	got, err := keyFromPath(key.StoragePath())
	require.NoError(t, err)
	require.Equal(t, key, got)

	sha, err := subatomic.ParseObjectKey("sha256:" + h.String())
	require.NoError(t, err)
	got, err = keyFromPath(sha.StoragePath())
	require.NoError(t, err)
	require.Equal(t, sha, got)

	for _, p := range []string{
		"rpm/" + h.String(),
		"rpm/" + h.Shard() + "/" + h.String(),
		"rpm/blake3/zz/" + h.String(),
		"rpm/md5/" + h.Shard() + "/" + h.String(),
		"rpm/BLAKE3/" + h.Shard() + "/" + h.String(),
		"blobs/blake3/" + h.Shard() + "/" + h.String(),
	} {
		_, err := keyFromPath(p)
		require.Error(t, err, p)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("client went away") }

func newTestUploader(t *testing.T, cfg Config) (*Uploader, *backend.Filesystem) {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir(), backend.WithoutSync())
	require.NoError(t, err)
	cfg.TempDir = t.TempDir()
	return NewUploader(fs, cfg), fs
}
