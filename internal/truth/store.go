package truth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/signalnine/arbiter/internal/dataset"
)

type StoreOpts struct {
	// CacheDir receives downloaded remote objects. Defaults to
	// $TMPDIR/arbiter-truth.
	CacheDir string
	Fetcher  Fetcher
	Logger   *slog.Logger
}

// Store loads ground-truth tables and keeps them for the life of the
// process. Cached tables are shared and must be treated as read-only.
type Store struct {
	cacheDir string
	fetcher  Fetcher
	logger   *slog.Logger
	tables   *xsync.MapOf[string, *dataset.Table]
}

func NewStore(opts *StoreOpts) *Store {
	if opts == nil {
		opts = &StoreOpts{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cacheDir := opts.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "arbiter-truth")
	}
	return &Store{
		cacheDir: cacheDir,
		fetcher:  opts.Fetcher,
		logger:   logger.With("component", "truth"),
		tables:   xsync.NewMapOf[string, *dataset.Table](),
	}
}

// Load returns the parsed ground truth for path and round.
func (s *Store) Load(ctx context.Context, path string, round int, opts dataset.Options) (*dataset.Table, error) {
	local, err := s.localPath(ctx, path, round)
	if err != nil {
		return nil, err
	}

	key := local + "\x00" + opts.Key()
	if t, ok := s.tables.Load(key); ok {
		return t, nil
	}

	rc, err := open(local)
	if err != nil {
		return nil, fmt.Errorf("opening ground truth: %w", err)
	}
	defer rc.Close()

	t, err := dataset.Read(rc, opts)
	if err != nil {
		return nil, fmt.Errorf("parsing ground truth %s: %w", local, err)
	}
	if t.Len() == 0 {
		return nil, fmt.Errorf("ground truth %s has no rows", local)
	}
	actual, loaded := s.tables.LoadOrStore(key, t)
	if !loaded {
		s.logger.Debug("ground truth loaded", "path", local, "round", round, "rows", t.Len())
	}
	return actual, nil
}

func (s *Store) localPath(ctx context.Context, path string, round int) (string, error) {
	if !IsS3(path) {
		return ResolveLocal(path, round), nil
	}
	if s.fetcher == nil {
		return "", fmt.Errorf("no fetcher configured for %s", path)
	}
	if round >= 1 {
		local, err := s.download(ctx, RoundVariant(path, round))
		if err == nil {
			return local, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}
	return s.download(ctx, path)
}

// download fetches uri into the cache directory once; objects are assumed
// immutable per uri.
func (s *Store) download(ctx context.Context, uri string) (string, error) {
	sum := sha256.Sum256([]byte(uri))
	name := hex.EncodeToString(sum[:16])
	if strings.HasSuffix(uri, ".zst") {
		name += ".zst"
	}
	dest := filepath.Join(s.cacheDir, name)
	if _, err := os.Stat(dest); err == nil {
		return dest, nil
	}
	if err := os.MkdirAll(s.cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("creating truth cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(s.cacheDir, name+".part-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	s.logger.Info("downloading ground truth", "uri", uri)
	if err := s.fetcher.Fetch(ctx, uri, tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("writing %s: %w", uri, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("storing %s: %w", uri, err)
	}
	return dest, nil
}
