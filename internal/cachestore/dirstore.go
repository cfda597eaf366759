package cachestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/vk/gridci/internal/ctxlog"
	"github.com/vk/gridci/internal/fsutil"
)

const (
	dataDirName  = "data"
	metaFileName = "meta.json"
	stagePrefix  = ".stage-"
)

// entryMeta is the per-entry metadata stored next to the cached tree.
type entryMeta struct {
	StoredAt time.Time `json:"stored_at"`
}

// DirStore is a Store backed by a local directory. Each entry lives under
// <root>/<key>/ with the cached tree in data/ and store-time metadata in
// meta.json. Saves stage into a temp directory and rename into place, so a
// partially written entry is never visible and the first writer wins.
type DirStore struct {
	root string
}

// NewDirStore creates a DirStore rooted at root, creating the directory if
// needed. An error creating the root is deferred to use time: the store then
// simply reports misses.
func NewDirStore(root string) *DirStore {
	_ = os.MkdirAll(root, 0o755)
	return &DirStore{root: root}
}

// Restore implements Store.
func (s *DirStore) Restore(ctx context.Context, exact string, prefixes []string, dest string) RestoreResult {
	logger := ctxlog.FromContext(ctx)

	if exact != "" && s.entryExists(exact) {
		if err := s.unpack(ctx, exact, dest); err != nil {
			logger.Warn("Cache restore failed, treating as miss.", "key", exact, "error", err)
			return RestoreResult{Hit: Miss}
		}
		return RestoreResult{Hit: ExactHit, Key: exact}
	}

	for _, prefix := range prefixes {
		key, ok := s.newestWithPrefix(prefix)
		if !ok {
			continue
		}
		if err := s.unpack(ctx, key, dest); err != nil {
			logger.Warn("Cache restore failed, treating as miss.", "key", key, "error", err)
			return RestoreResult{Hit: Miss}
		}
		return RestoreResult{Hit: PrefixHit, Key: key}
	}
	return RestoreResult{Hit: Miss}
}

// Save implements Store.
func (s *DirStore) Save(ctx context.Context, key string, dir string) (SaveOutcome, error) {
	if s.entryExists(key) {
		return Skipped, nil
	}

	stage, err := os.MkdirTemp(s.root, stagePrefix)
	if err != nil {
		return Skipped, fmt.Errorf("cache store unavailable: %w", err)
	}
	defer os.RemoveAll(stage)

	if err := fsutil.CopyTree(ctx, dir, filepath.Join(stage, dataDirName)); err != nil {
		return Skipped, fmt.Errorf("staging cache entry %q: %w", key, err)
	}
	meta, err := json.Marshal(entryMeta{StoredAt: time.Now().UTC()})
	if err != nil {
		return Skipped, err
	}
	if err := os.WriteFile(filepath.Join(stage, metaFileName), meta, 0o644); err != nil {
		return Skipped, fmt.Errorf("staging cache entry %q: %w", key, err)
	}

	if err := os.Rename(stage, filepath.Join(s.root, key)); err != nil {
		// A concurrent save for the same key finished first. The key binds
		// platform and content identity, so the existing entry is
		// equivalent and skipping is correct.
		if s.entryExists(key) {
			return Skipped, nil
		}
		return Skipped, fmt.Errorf("publishing cache entry %q: %w", key, err)
	}
	return Stored, nil
}

func (s *DirStore) entryExists(key string) bool {
	info, err := os.Stat(filepath.Join(s.root, key, dataDirName))
	return err == nil && info.IsDir()
}

func (s *DirStore) unpack(ctx context.Context, key, dest string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return fsutil.CopyTree(ctx, filepath.Join(s.root, key, dataDirName), dest)
}

// newestWithPrefix returns the key of the most recently stored entry whose
// name starts with prefix.
func (s *DirStore) newestWithPrefix(prefix string) (string, bool) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", false
	}

	type candidate struct {
		key      string
		storedAt time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, stagePrefix) || !strings.HasPrefix(name, prefix) {
			continue
		}
		if !s.entryExists(name) {
			continue
		}
		candidates = append(candidates, candidate{key: name, storedAt: s.storedAt(name)})
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].storedAt.Equal(candidates[j].storedAt) {
			return candidates[i].storedAt.After(candidates[j].storedAt)
		}
		return candidates[i].key < candidates[j].key
	})
	return candidates[0].key, true
}

func (s *DirStore) storedAt(key string) time.Time {
	raw, err := os.ReadFile(filepath.Join(s.root, key, metaFileName))
	if err != nil {
		return time.Time{}
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return time.Time{}
	}
	return meta.StoredAt
}
