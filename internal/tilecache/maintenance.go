package tilecache

import (
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/piwardrive/piwardrive/internal/errs"
)

type tileFile struct {
	path    string
	size    int64
	modTime time.Time
}

func (c *Cache) listTiles() ([]tileFile, error) {
	var tiles []tileFile
	err := filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".png") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		tiles = append(tiles, tileFile{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, "walk tile cache", err)
	}
	return tiles, nil
}

// PurgeOld deletes tiles whose modification time is older than maxAgeDays.
// Returns the number of tiles removed.
func (c *Cache) PurgeOld(maxAgeDays int) (int, error) {
	if maxAgeDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays)

	tiles, err := c.listTiles()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, t := range tiles {
		if t.modTime.Before(cutoff) {
			if err := os.Remove(t.path); err != nil {
				log.Printf("[tilecache] purge %s: %v", t.path, err)
				continue
			}
			removed++
		}
	}
	c.pruneEmptyDirs()
	return removed, nil
}

// EnforceLimit deletes oldest tiles until total size fits under limitMB.
// Returns the number of tiles removed.
func (c *Cache) EnforceLimit(limitMB int) (int, error) {
	if limitMB <= 0 {
		return 0, nil
	}
	limit := int64(limitMB) * 1024 * 1024

	tiles, err := c.listTiles()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, t := range tiles {
		total += t.size
	}
	if total <= limit {
		return 0, nil
	}

	sort.Slice(tiles, func(i, j int) bool { return tiles[i].modTime.Before(tiles[j].modTime) })
	removed := 0
	for _, t := range tiles {
		if total <= limit {
			break
		}
		if err := os.Remove(t.path); err != nil {
			log.Printf("[tilecache] evict %s: %v", t.path, err)
			continue
		}
		total -= t.size
		removed++
	}
	c.pruneEmptyDirs()
	return removed, nil
}

// Usage returns tile count and total bytes on disk.
func (c *Cache) Usage() (count int, bytes int64, err error) {
	tiles, err := c.listTiles()
	if err != nil {
		return 0, 0, err
	}
	for _, t := range tiles {
		bytes += t.size
	}
	return len(tiles), bytes, nil
}

// pruneEmptyDirs removes now-empty zoom/x directories, leaving the root.
func (c *Cache) pruneEmptyDirs() {
	var dirs []string
	filepath.WalkDir(c.root, func(path string, d fs.DirEntry, err error) error { //nolint:errcheck
		if err == nil && d.IsDir() && path != c.root {
			dirs = append(dirs, path)
		}
		return nil
	})
	// Deepest first.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) > len(dirs[j]) })
	for _, dir := range dirs {
		os.Remove(dir) // fails while non-empty, which is fine
	}
}
