package truth_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/signalnine/arbiter/internal/dataset"
	"github.com/signalnine/arbiter/internal/truth"
)

var opts = dataset.Options{Format: dataset.CSV, IDColumn: "id", ValueColumn: "target"}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func writeZstd(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	enc, err := zstd.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(enc, content); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestRoundVariant(t *testing.T) {
	tests := []struct {
		path  string
		round int
		want  string
	}{
		{"data/ground_truth.csv", 2, "data/ground_truth_round_2.csv"},
		{"data/ground_truth.csv.zst", 3, "data/ground_truth_round_3.csv.zst"},
		{"answers", 1, "answers_round_1"},
		{"s3://bucket/gt/truth.json", 4, "s3://bucket/gt/truth_round_4.json"},
		{"dir.v2/truth", 2, "dir.v2/truth_round_2"},
	}
	for _, tt := range tests {
		if got := truth.RoundVariant(tt.path, tt.round); got != tt.want {
			t.Errorf("RoundVariant(%q, %d) = %q, want %q", tt.path, tt.round, got, tt.want)
		}
	}
}

func TestResolveLocal(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "ground_truth.csv")
	writeFile(t, base, "id,target\n1,1\n")
	writeFile(t, filepath.Join(dir, "ground_truth_round_2.csv"), "id,target\n1,2\n")
	writeZstd(t, filepath.Join(dir, "ground_truth_round_3.csv.zst"), "id,target\n1,3\n")

	tests := []struct {
		round int
		want  string
	}{
		{1, base},
		{2, filepath.Join(dir, "ground_truth_round_2.csv")},
		{3, filepath.Join(dir, "ground_truth_round_3.csv.zst")},
		{4, base},
	}
	for _, tt := range tests {
		if got := truth.ResolveLocal(base, tt.round); got != tt.want {
			t.Errorf("round %d: got %q, want %q", tt.round, got, tt.want)
		}
	}

	rounds, err := truth.Rounds(base)
	if err != nil {
		t.Fatalf("Rounds: %v", err)
	}
	if !reflect.DeepEqual(rounds, []int{2, 3}) {
		t.Errorf("rounds: got %v, want [2 3]", rounds)
	}
}

func TestStoreLoadsRoundsAndCompressed(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "ground_truth.csv")
	writeFile(t, base, "id,target\n1,1\n")
	writeZstd(t, filepath.Join(dir, "ground_truth_round_2.csv.zst"), "id,target\n1,2\n2,4\n")

	store := truth.NewStore(&truth.StoreOpts{CacheDir: t.TempDir()})
	ctx := context.Background()

	r1, err := store.Load(ctx, base, 1, opts)
	if err != nil {
		t.Fatalf("Load round 1: %v", err)
	}
	if row, _ := r1.Lookup("1"); row.Value != "1" {
		t.Errorf("round 1 value: got %q", row.Value)
	}

	r2, err := store.Load(ctx, base, 2, opts)
	if err != nil {
		t.Fatalf("Load round 2: %v", err)
	}
	if r2.Len() != 2 {
		t.Errorf("round 2 rows: got %d, want 2", r2.Len())
	}
}

func TestStoreCachesTables(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "ground_truth.csv")
	writeFile(t, base, "id,target\n1,1\n")

	store := truth.NewStore(nil)
	first, err := store.Load(context.Background(), base, 1, opts)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// The cached table survives the file being removed.
	os.Remove(base)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.Load(context.Background(), base, 1, opts)
			if err != nil {
				t.Errorf("cached Load: %v", err)
				return
			}
			if got != first {
				t.Error("expected the cached table instance")
			}
		}()
	}
	wg.Wait()
}

func TestStoreErrors(t *testing.T) {
	dir := t.TempDir()
	store := truth.NewStore(nil)
	ctx := context.Background()

	if _, err := store.Load(ctx, filepath.Join(dir, "missing.csv"), 1, opts); err == nil {
		t.Error("expected error for missing ground truth")
	}

	empty := filepath.Join(dir, "empty.csv")
	writeFile(t, empty, "id,target\n")
	if _, err := store.Load(ctx, empty, 1, opts); err == nil {
		t.Error("expected error for ground truth without rows")
	}

	if _, err := store.Load(ctx, "s3://bucket/truth.csv", 1, opts); err == nil {
		t.Error("expected error for s3 path without fetcher")
	}
}

type fakeFetcher struct {
	mu      sync.Mutex
	objects map[string]string
	calls   []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, uri string, w io.Writer) error {
	f.mu.Lock()
	f.calls = append(f.calls, uri)
	f.mu.Unlock()
	body, ok := f.objects[uri]
	if !ok {
		return fmt.Errorf("%s: %w", uri, truth.ErrNotFound)
	}
	_, err := io.Copy(w, strings.NewReader(body))
	return err
}

func TestStoreRemoteFallsBackToBaseObject(t *testing.T) {
	f := &fakeFetcher{objects: map[string]string{
		"s3://bucket/gt/truth.csv":         "id,target\n1,10\n",
		"s3://bucket/gt/truth_round_2.csv": "id,target\n1,20\n",
	}}
	store := truth.NewStore(&truth.StoreOpts{CacheDir: t.TempDir(), Fetcher: f})
	ctx := context.Background()

	r2, err := store.Load(ctx, "s3://bucket/gt/truth.csv", 2, opts)
	if err != nil {
		t.Fatalf("Load round 2: %v", err)
	}
	if row, _ := r2.Lookup("1"); row.Value != "20" {
		t.Errorf("round 2 value: got %q, want 20", row.Value)
	}

	r3, err := store.Load(ctx, "s3://bucket/gt/truth.csv", 3, opts)
	if err != nil {
		t.Fatalf("Load round 3: %v", err)
	}
	if row, _ := r3.Lookup("1"); row.Value != "10" {
		t.Errorf("round 3 fallback value: got %q, want 10", row.Value)
	}

	// A second load of round 2 reuses the cached download.
	before := len(f.calls)
	if _, err := store.Load(ctx, "s3://bucket/gt/truth.csv", 2, opts); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if len(f.calls) != before {
		t.Errorf("expected no new fetches, got %v", f.calls[before:])
	}
}

func TestParseS3URI(t *testing.T) {
	bucket, key, err := truth.ParseS3URI("s3://answers/round/gt.csv")
	if err != nil || bucket != "answers" || key != "round/gt.csv" {
		t.Errorf("got %q %q %v", bucket, key, err)
	}
	for _, bad := range []string{"answers/gt.csv", "s3://answers", "s3:///gt.csv", "s3://answers/"} {
		if _, _, err := truth.ParseS3URI(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
	if !errors.Is(fmt.Errorf("x: %w", truth.ErrNotFound), truth.ErrNotFound) {
		t.Error("ErrNotFound should survive wrapping")
	}
}
