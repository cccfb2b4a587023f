package media

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// NextAvailableName returns the next free "-copyN" variant of path. Used
// when a stale or partial file already occupies the download target.
func NextAvailableName(path string) string {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := ""
	stem := base
	if i := strings.Index(base, "."); i >= 0 {
		stem = base[:i]
		ext = base[i:]
	}
	for counter := 1; ; counter++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-copy%d%s", stem, counter, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// HashCache memoizes content hashes by absolute path. It is scoped to one
// import run and is purely an optimization: clearing it at any point is
// safe.
type HashCache struct {
	mu     sync.Mutex
	hashes map[string]string
}

func NewHashCache() *HashCache {
	return &HashCache{hashes: make(map[string]string)}
}

// Hash returns the MD5 hex digest of the file's contents.
func (c *HashCache) Hash(path string) (string, error) {
	c.mu.Lock()
	if h, ok := c.hashes[path]; ok {
		c.mu.Unlock()
		return h, nil
	}
	c.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	digest := hex.EncodeToString(h.Sum(nil))

	c.mu.Lock()
	c.hashes[path] = digest
	c.mu.Unlock()
	return digest, nil
}

// Clear drops all memoized hashes.
func (c *HashCache) Clear() {
	c.mu.Lock()
	c.hashes = make(map[string]string)
	c.mu.Unlock()
}

// CollapseDuplicate checks whether a just-downloaded file duplicates an
// existing sibling sharing the same basename stem (the name before any
// "-copyN" suffix). If an identical-content file is found, the new copy is
// deleted and the surviving path returned; otherwise path is returned
// unchanged. This is the only place in the pipeline that deletes a
// downloaded file.
func CollapseDuplicate(path string, cache *HashCache) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return path, nil
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	stem := base
	if i := strings.Index(base, "."); i >= 0 {
		stem = base[:i]
	}
	stem = strings.SplitN(stem, "-copy", 2)[0]

	entries, err := os.ReadDir(dir)
	if err != nil {
		return path, err
	}

	newHash, err := cache.Hash(path)
	if err != nil {
		return path, err
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if name == base || !strings.HasPrefix(name, stem) {
			continue
		}
		candidate := filepath.Join(dir, name)
		oldHash, err := cache.Hash(candidate)
		if err != nil {
			continue
		}
		if oldHash == newHash {
			if err := os.Remove(path); err != nil {
				return path, err
			}
			return candidate, nil
		}
	}
	return path, nil
}
