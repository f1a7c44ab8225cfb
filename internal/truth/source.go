package truth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const s3Scheme = "s3://"

var ErrNotFound = errors.New("ground truth object not found")

// Fetcher copies a remote ground-truth object into w.
type Fetcher interface {
	Fetch(ctx context.Context, uri string, w io.Writer) error
}

func IsS3(path string) bool {
	return strings.HasPrefix(path, s3Scheme)
}

// ParseS3URI splits s3://bucket/key.
func ParseS3URI(uri string) (bucket, key string, err error) {
	if !IsS3(uri) {
		return "", "", fmt.Errorf("bad s3 uri (missing s3://): %q", uri)
	}
	s := strings.TrimPrefix(uri, s3Scheme)
	slash := strings.IndexByte(s, '/')
	if slash <= 0 || slash == len(s)-1 {
		return "", "", fmt.Errorf("bad s3 uri (need bucket/key): %q", uri)
	}
	return s[:slash], s[slash+1:], nil
}

// RoundVariant names the per-round sibling of path:
// data/ground_truth.csv, round 2 -> data/ground_truth_round_2.csv.
// A trailing .zst is kept after the data extension.
func RoundVariant(path string, round int) string {
	zst := ""
	if strings.HasSuffix(path, ".zst") {
		zst = ".zst"
		path = strings.TrimSuffix(path, ".zst")
	}
	dot := strings.LastIndexByte(path, '.')
	slash := strings.LastIndexByte(path, '/')
	stem, ext := path, ""
	if dot > slash+1 {
		stem, ext = path[:dot], path[dot:]
	}
	return stem + "_round_" + strconv.Itoa(round) + ext + zst
}

// ResolveLocal picks the ground-truth file for a round on the local
// filesystem: the round variant (plain or .zst) when present, else path.
func ResolveLocal(path string, round int) string {
	if round < 1 {
		return path
	}
	variant := RoundVariant(path, round)
	candidates := []string{variant}
	if !strings.HasSuffix(variant, ".zst") {
		candidates = append(candidates, variant+".zst")
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return path
}

// Rounds lists the round numbers that have a local variant next to path.
func Rounds(path string) ([]int, error) {
	dir := filepath.Dir(path)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading ground truth dir: %w", err)
	}
	base := filepath.Base(strings.TrimSuffix(path, ".zst"))
	ext := filepath.Ext(base)
	prefix := strings.TrimSuffix(base, ext) + "_round_"

	var rounds []int
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".zst")
		if e.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, prefix), ext))
		if err != nil || n < 1 {
			continue
		}
		rounds = append(rounds, n)
	}
	sort.Ints(rounds)
	return slices.Compact(rounds), nil
}

// open returns a reader over the decompressed contents of a local file.
func open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if !strings.HasSuffix(path, ".zst") {
		return f, nil
	}
	d, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	return &zstdFile{Decoder: d, f: f}, nil
}

type zstdFile struct {
	*zstd.Decoder
	f *os.File
}

func (z *zstdFile) Close() error {
	z.Decoder.Close()
	return z.f.Close()
}
