package cachestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeCorpus(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestDirStore_SaveIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewDirStore(t.TempDir())
	src := writeCorpus(t, map[string]string{"blocks/session.dat": "v1"})

	outcome, err := store.Save(ctx, "linux-datasets-aaa", src)
	require.NoError(t, err)
	require.Equal(t, Stored, outcome)

	outcome, err = store.Save(ctx, "linux-datasets-aaa", src)
	require.NoError(t, err)
	require.Equal(t, Skipped, outcome)

	// The entry from the first save is what restore returns.
	dest := t.TempDir()
	result := store.Restore(ctx, "linux-datasets-aaa", nil, dest)
	require.Equal(t, ExactHit, result.Hit)
	require.Equal(t, "linux-datasets-aaa", result.Key)

	data, err := os.ReadFile(filepath.Join(dest, "blocks", "session.dat"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(data))
}

func TestDirStore_RestoreMiss(t *testing.T) {
	store := NewDirStore(t.TempDir())
	result := store.Restore(context.Background(), "linux-datasets-zzz", []string{"linux-datasets-"}, t.TempDir())
	require.Equal(t, Miss, result.Hit)
	require.Empty(t, result.Key)
}

func TestDirStore_PrefixFallbackIsNotExact(t *testing.T) {
	ctx := context.Background()
	store := NewDirStore(t.TempDir())
	src := writeCorpus(t, map[string]string{"f.dat": "stale"})

	_, err := store.Save(ctx, "linux-datasets-old", src)
	require.NoError(t, err)

	// An exact lookup for different content must not be satisfied, but the
	// prefix fallback restores the stale entry, marked non-authoritative.
	dest := t.TempDir()
	result := store.Restore(ctx, "linux-datasets-new", []string{"linux-datasets-"}, dest)
	require.Equal(t, PrefixHit, result.Hit)
	require.Equal(t, "linux-datasets-old", result.Key)

	data, err := os.ReadFile(filepath.Join(dest, "f.dat"))
	require.NoError(t, err)
	require.Equal(t, "stale", string(data))
}

func TestDirStore_PrefixPicksNewestEntry(t *testing.T) {
	ctx := context.Background()
	store := NewDirStore(t.TempDir())

	older := writeCorpus(t, map[string]string{"f.dat": "older"})
	_, err := store.Save(ctx, "linux-datasets-111", older)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	newer := writeCorpus(t, map[string]string{"f.dat": "newer"})
	_, err = store.Save(ctx, "linux-datasets-222", newer)
	require.NoError(t, err)

	dest := t.TempDir()
	result := store.Restore(ctx, "linux-datasets-333", []string{"linux-datasets-"}, dest)
	require.Equal(t, PrefixHit, result.Hit)
	require.Equal(t, "linux-datasets-222", result.Key)

	data, err := os.ReadFile(filepath.Join(dest, "f.dat"))
	require.NoError(t, err)
	require.Equal(t, "newer", string(data))
}

func TestDirStore_PlatformNamespacesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	store := NewDirStore(t.TempDir())
	src := writeCorpus(t, map[string]string{"f.dat": "linux-data"})

	_, err := store.Save(ctx, "linux-datasets-aaa", src)
	require.NoError(t, err)

	result := store.Restore(ctx, "windows-datasets-aaa", []string{"windows-datasets-"}, t.TempDir())
	require.Equal(t, Miss, result.Hit)
}

func TestDirStore_UnavailableRootDegradesToMiss(t *testing.T) {
	ctx := context.Background()
	// A file where the root should be makes every operation fail.
	rootParent := t.TempDir()
	rootPath := filepath.Join(rootParent, "cache")
	require.NoError(t, os.WriteFile(rootPath, []byte("not a dir"), 0o644))

	store := NewDirStore(rootPath)

	result := store.Restore(ctx, "linux-datasets-aaa", []string{"linux-datasets-"}, t.TempDir())
	require.Equal(t, Miss, result.Hit)

	src := writeCorpus(t, map[string]string{"f.dat": "x"})
	outcome, err := store.Save(ctx, "linux-datasets-aaa", src)
	require.Error(t, err)
	require.Equal(t, Skipped, outcome)
}

func TestDirStore_CancelledContextStopsCacheIO(t *testing.T) {
	store := NewDirStore(t.TempDir())
	src := writeCorpus(t, map[string]string{"f.dat": "x"})

	ctx := context.Background()
	_, err := store.Save(ctx, "linux-datasets-aaa", src)
	require.NoError(t, err)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	outcome, err := store.Save(cancelled, "linux-datasets-bbb", src)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, Skipped, outcome)

	result := store.Restore(cancelled, "linux-datasets-aaa", nil, t.TempDir())
	require.Equal(t, Miss, result.Hit, "a cancelled restore reports a miss instead of blocking")
}

func TestDirStore_ConcurrentSavesOneWinner(t *testing.T) {
	ctx := context.Background()
	store := NewDirStore(t.TempDir())
	src := writeCorpus(t, map[string]string{"f.dat": "same-content"})

	const writers = 8
	outcomes := make(chan SaveOutcome, writers)
	for i := 0; i < writers; i++ {
		go func() {
			outcome, _ := store.Save(ctx, "linux-datasets-race", src)
			outcomes <- outcome
		}()
	}

	stored := 0
	for i := 0; i < writers; i++ {
		if <-outcomes == Stored {
			stored++
		}
	}
	require.Equal(t, 1, stored, "exactly one concurrent save should win")
}

func TestTarGzRoundTrip(t *testing.T) {
	src := writeCorpus(t, map[string]string{
		"a.dat":        "alpha",
		"nested/b.dat": "beta",
	})

	archive := filepath.Join(t.TempDir(), "entry.tar.gz")
	f, err := os.Create(archive)
	require.NoError(t, err)
	require.NoError(t, writeTarGz(f, src))
	require.NoError(t, f.Close())

	dest := t.TempDir()
	in, err := os.Open(archive)
	require.NoError(t, err)
	defer in.Close()
	require.NoError(t, extractTarGz(in, dest))

	data, err := os.ReadFile(filepath.Join(dest, "a.dat"))
	require.NoError(t, err)
	require.Equal(t, "alpha", string(data))
	data, err = os.ReadFile(filepath.Join(dest, "nested", "b.dat"))
	require.NoError(t, err)
	require.Equal(t, "beta", string(data))
}
