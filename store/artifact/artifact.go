// Package artifact stores RPM payloads in a backend under their content key.
//
// The uploader hashes bytes with BLAKE3, derives the object key and skips
// the write when the blob already exists. The package metadata store only
// ever sees the resulting key.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	subatomic "github.com/FyraLabs/subatomic-ng"
	"github.com/FyraLabs/subatomic-ng/backend"
	"github.com/FyraLabs/subatomic-ng/telemetry"
)

var (
	// ErrNotFound is returned when no blob exists for a key.
	ErrNotFound = errors.New("artifact: not found")

	// ErrTooLarge is returned when an upload exceeds Config.MaxSize.
	ErrTooLarge = errors.New("artifact: upload too large")

	// ErrEmpty is returned for zero-byte uploads.
	ErrEmpty = errors.New("artifact: empty upload")
)

// Result describes what Put did with the bytes.
type Result string

const (
	ResultNew     Result = "new"
	ResultExists  Result = "exists"
	ResultSkipped Result = "skipped"
)

// PutResult contains information about a Put operation.
type PutResult struct {
	Key    subatomic.ObjectKey
	Hash   subatomic.Hash
	Size   int64
	Result Result
}

// Config configures an Uploader.
type Config struct {
	// NoUpload hashes the payload but never writes it to the backend.
	NoUpload bool
	// MaxSize rejects larger uploads. Zero means unlimited.
	MaxSize int64
	// TempDir holds spooled uploads. Empty uses os.TempDir.
	TempDir string
}

// Uploader implements content-addressed artifact storage on a Backend.
type Uploader struct {
	backend backend.Backend
	cfg     Config
	logger  *slog.Logger
}

// Option configures an Uploader.
type Option func(*Uploader)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(u *Uploader) { u.logger = logger }
}

// NewUploader creates a new uploader on b.
func NewUploader(b backend.Backend, cfg Config, opts ...Option) *Uploader {
	u := &Uploader{backend: b, cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(u)
	}
	u.logger = u.logger.With("component", "artifact")
	return u
}

// Put stores the payload and returns its key.
// Content is spooled to a temp file while hashing so that large RPMs never
// sit in memory and the backend receives a seekable body.
func (u *Uploader) Put(ctx context.Context, r io.Reader) (*PutResult, error) {
	tmp, err := os.CreateTemp(u.cfg.TempDir, "subatomic-upload-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	defer func() { _ = tmp.Close() }()

	src := r
	if u.cfg.MaxSize > 0 {
		src = io.LimitReader(r, u.cfg.MaxSize+1)
	}
	hr := subatomic.NewHashingReader(src)
	if _, err := io.Copy(tmp, hr); err != nil {
		return nil, fmt.Errorf("reading upload: %w", err)
	}

	size := hr.BytesRead()
	switch {
	case size == 0:
		return nil, ErrEmpty
	case u.cfg.MaxSize > 0 && size > u.cfg.MaxSize:
		telemetry.RecordArtifactUpload(ctx, size, "rejected")
		return nil, fmt.Errorf("%w: limit %d bytes", ErrTooLarge, u.cfg.MaxSize)
	}

	hash := hr.Sum()
	res := &PutResult{Key: subatomic.NewObjectKey(hash), Hash: hash, Size: size}

	if u.cfg.NoUpload {
		res.Result = ResultSkipped
		telemetry.RecordArtifactUpload(ctx, size, string(res.Result))
		u.logger.DebugContext(ctx, "upload disabled, not storing artifact", "key", res.Key, "size", size)
		return res, nil
	}

	path := res.Key.StoragePath()
	exists, err := u.backend.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("checking existence: %w", err)
	}
	if exists {
		res.Result = ResultExists
		telemetry.RecordArtifactUpload(ctx, size, string(res.Result))
		return res, nil
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking temp file: %w", err)
	}
	if err := u.backend.Write(ctx, path, tmp); err != nil {
		return nil, fmt.Errorf("writing artifact %s: %w", res.Key, err)
	}

	res.Result = ResultNew
	telemetry.RecordArtifactUpload(ctx, size, string(res.Result))
	u.logger.InfoContext(ctx, "stored artifact", "key", res.Key, "size", size)
	return res, nil
}

// Get opens the blob for key. The caller must close the returned reader.
func (u *Uploader) Get(ctx context.Context, key subatomic.ObjectKey) (io.ReadCloser, error) {
	rc, err := u.backend.Read(ctx, key.StoragePath())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading artifact %s: %w", key, err)
	}
	return rc, nil
}

// Has checks whether a blob is stored for key.
func (u *Uploader) Has(ctx context.Context, key subatomic.ObjectKey) (bool, error) {
	return u.backend.Exists(ctx, key.StoragePath())
}

// Delete removes the blob for key. Missing blobs are not an error.
func (u *Uploader) Delete(ctx context.Context, key subatomic.ObjectKey) error {
	return u.backend.Delete(ctx, key.StoragePath())
}

// Size returns the stored size of the blob for key.
func (u *Uploader) Size(ctx context.Context, key subatomic.ObjectKey) (int64, error) {
	sb, ok := u.backend.(backend.SizeAwareBackend)
	if !ok {
		return 0, errors.ErrUnsupported
	}
	size, err := sb.Size(ctx, key.StoragePath())
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("getting size of %s: %w", key, err)
	}
	return size, nil
}

// List returns the keys of every stored blob. Paths that do not follow the
// rpm/<shard>/<hex> layout are skipped.
func (u *Uploader) List(ctx context.Context) ([]subatomic.ObjectKey, error) {
	paths, err := u.backend.List(ctx, subatomic.ArtifactPrefix+"/")
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}
	keys := make([]subatomic.ObjectKey, 0, len(paths))
	for _, p := range paths {
		key, err := keyFromPath(p)
		if err != nil {
			u.logger.DebugContext(ctx, "skipping foreign object", "path", p)
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// keyFromPath is the inverse of ObjectKey.StoragePath. Anything that does not
// round trip exactly is not ours.
func keyFromPath(p string) (subatomic.ObjectKey, error) {
	parts := strings.Split(p, "/")
	if len(parts) != 4 || parts[0] != subatomic.ArtifactPrefix {
		return "", fmt.Errorf("invalid artifact path %q", p)
	}
	h, err := subatomic.ParseHash(parts[3])
	if err != nil {
		return "", err
	}
	if parts[2] != h.Shard() {
		return "", fmt.Errorf("artifact path %q is in the wrong shard", p)
	}
	key, err := subatomic.ParseObjectKey(parts[1] + ":" + parts[3])
	if err != nil {
		return "", err
	}
	if key.StoragePath() != p {
		return "", fmt.Errorf("artifact path %q is not canonical", p)
	}
	return key, nil
}
