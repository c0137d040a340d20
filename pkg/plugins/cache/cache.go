package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/sirupsen/logrus"
)

// Kind separates download archives from git clones.
type Kind string

const (
	KindDownload Kind = "downloads"
	KindGit      Kind = "git"
)

const (
	entryFile    = "entry.json"
	contentDir   = "content"
	artifactFile = "artifact"
	stagingDir   = ".staging"
)

// ErrNotFound is returned by Lookup for keys with no promoted entry.
var ErrNotFound = errors.New("cache entry not found")

// Entry is the metadata persisted next to each cached plugin.
type Entry struct {
	Key        string    `json:"key"`
	Kind       Kind      `json:"kind"`
	Source     string    `json:"source"`
	Ref        string    `json:"ref,omitempty"`
	Checksum   string    `json:"checksum,omitempty"`
	Size       int64     `json:"size"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	Promoted   bool      `json:"promoted"`

	dir string
}

// ContentDir is the extracted plugin tree or git checkout.
func (e *Entry) ContentDir() string {
	return filepath.Join(e.dir, contentDir)
}

// ArtifactPath is the raw downloaded bytes. Git entries have none.
func (e *Entry) ArtifactPath() string {
	return filepath.Join(e.dir, artifactFile)
}

// SignaturePath is the detached signature fetched next to the artifact.
func (e *Entry) SignaturePath() string {
	return filepath.Join(e.dir, artifactFile+".sig")
}

// HasArtifact reports whether raw bytes were kept for this entry.
func (e *Entry) HasArtifact() bool {
	_, err := os.Stat(e.ArtifactPath())
	return err == nil
}

// Cache persists downloaded archives and git clones under a root directory.
// Writers stage into <root>/.staging and publish with an atomic rename, so
// readers never observe a partially written entry.
type Cache struct {
	root   string
	logger *logrus.Logger
}

// New creates the cache layout under root.
func New(root string, logger *logrus.Logger) (*Cache, error) {
	if logger == nil {
		logger = logrus.New()
	}
	for _, dir := range []string{string(KindDownload), string(KindGit), stagingDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	return &Cache{root: root, logger: logger}, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// Key derives a stable file-safe key from identity parts.
func Key(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(hash[:])
}

func (c *Cache) entryDir(kind Kind, key string) string {
	return filepath.Join(c.root, string(kind), key)
}

// Staging is an in-progress entry. Exactly one of Promote or Discard must be
// called.
type Staging struct {
	cache *Cache
	kind  Kind
	dir   string
	done  bool
}

// Stage allocates a private staging directory.
func (c *Cache) Stage(kind Kind) (*Staging, error) {
	dir, err := os.MkdirTemp(filepath.Join(c.root, stagingDir), string(kind)+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, contentDir), 0755); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	return &Staging{cache: c, kind: kind, dir: dir}, nil
}

// ContentDir is where the plugin tree should be written.
func (s *Staging) ContentDir() string {
	return filepath.Join(s.dir, contentDir)
}

// ArtifactPath is where raw downloaded bytes should be written.
func (s *Staging) ArtifactPath() string {
	return filepath.Join(s.dir, artifactFile)
}

// SignaturePath is where a detached signature for the artifact is written.
func (s *Staging) SignaturePath() string {
	return filepath.Join(s.dir, artifactFile+".sig")
}

// Promote publishes the staged entry under key. If a concurrent writer
// already published the same key, the staged copy is discarded and the
// existing entry is returned.
func (s *Staging) Promote(entry Entry) (*Entry, error) {
	if s.done {
		return nil, fmt.Errorf("staging already finalized")
	}
	s.done = true

	now := time.Now()
	entry.Kind = s.kind
	entry.Promoted = true
	entry.CreatedAt = now
	entry.LastUsedAt = now
	if entry.Size == 0 {
		entry.Size, _ = dirSize(s.dir)
	}
	if err := writeEntry(filepath.Join(s.dir, entryFile), &entry); err != nil {
		os.RemoveAll(s.dir)
		return nil, err
	}

	final := s.cache.entryDir(s.kind, entry.Key)
	if err := os.Rename(s.dir, final); err != nil {
		os.RemoveAll(s.dir)
		if existing, lerr := s.cache.Lookup(s.kind, entry.Key); lerr == nil {
			s.cache.logger.WithField("key", entry.Key).Debug("Cache entry published concurrently, using existing copy")
			return existing, nil
		}
		return nil, fmt.Errorf("failed to promote cache entry: %w", err)
	}

	entry.dir = final
	s.cache.logger.WithFields(logrus.Fields{
		"kind":   s.kind,
		"source": entry.Source,
		"size":   entry.Size,
	}).Debug("Promoted cache entry")
	return &entry, nil
}

// Discard removes the staged data. It is safe to call after Promote.
func (s *Staging) Discard() error {
	if s.done {
		return nil
	}
	s.done = true
	return os.RemoveAll(s.dir)
}

// Lookup returns the promoted entry for key and refreshes its last-used time.
func (c *Cache) Lookup(kind Kind, key string) (*Entry, error) {
	dir := c.entryDir(kind, key)
	entry, err := readEntry(filepath.Join(dir, entryFile))
	if err != nil {
		return nil, err
	}
	entry.dir = dir

	entry.LastUsedAt = time.Now()
	if err := writeEntry(filepath.Join(dir, entryFile), entry); err != nil {
		c.logger.WithError(err).Debug("Failed to refresh cache entry access time")
	}
	return entry, nil
}

// List returns every promoted entry of both kinds.
func (c *Cache) List() ([]*Entry, error) {
	var entries []*Entry
	for _, kind := range []Kind{KindDownload, KindGit} {
		dirs, err := os.ReadDir(filepath.Join(c.root, string(kind)))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, d := range dirs {
			if !d.IsDir() {
				continue
			}
			dir := c.entryDir(kind, d.Name())
			entry, err := readEntry(filepath.Join(dir, entryFile))
			if err != nil {
				continue // Skip invalid entries
			}
			entry.dir = dir
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Remove deletes a single entry.
func (c *Cache) Remove(kind Kind, key string) error {
	return os.RemoveAll(c.entryDir(kind, key))
}

// Prune removes entries that haven't been used in the specified duration
func (c *Cache) Prune(maxAge time.Duration) (int, error) {
	entries, err := c.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge)
	pruned := 0
	for _, entry := range entries {
		if entry.LastUsedAt.Before(cutoff) {
			if err := c.Remove(entry.Kind, entry.Key); err == nil {
				pruned++
			}
		}
	}
	return pruned, nil
}

// Clear removes every entry and any abandoned staging directories.
func (c *Cache) Clear() error {
	for _, dir := range []string{string(KindDownload), string(KindGit), stagingDir} {
		path := filepath.Join(c.root, dir)
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to clear %s: %w", dir, err)
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("failed to recreate %s: %w", dir, err)
		}
	}
	c.logger.WithField("root", c.root).Info("Cleared plugin cache")
	return nil
}

// VerifyIntegrity re-hashes kept artifacts and reports entries whose bytes
// no longer match their recorded checksum.
func (c *Cache) VerifyIntegrity() ([]string, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}

	var corrupted []string
	for _, entry := range entries {
		if entry.Checksum == "" || !entry.HasArtifact() {
			continue
		}
		data, err := os.ReadFile(entry.ArtifactPath())
		if err != nil {
			corrupted = append(corrupted, fmt.Sprintf("%s (unreadable artifact)", entry.Source))
			continue
		}
		sum := sha256.Sum256(data)
		if hex.EncodeToString(sum[:]) != entry.Checksum {
			corrupted = append(corrupted, fmt.Sprintf("%s (checksum mismatch)", entry.Source))
		}
	}
	return corrupted, nil
}

// Stats summarises cache usage.
type Stats struct {
	DownloadSize    int64  `json:"download_cache_size"`
	DownloadEntries int    `json:"download_entries"`
	GitSize         int64  `json:"git_cache_size"`
	GitEntries      int    `json:"git_entries"`
	TotalSize       int64  `json:"total_size"`
	FreeBytes       uint64 `json:"free_bytes,omitempty"`
	Root            string `json:"root"`
}

// Stats walks the cache and reports sizes by kind plus free space on the
// cache volume.
func (c *Cache) Stats() (*Stats, error) {
	stats := &Stats{Root: c.root}

	var err error
	if stats.DownloadSize, stats.DownloadEntries, err = kindUsage(filepath.Join(c.root, string(KindDownload))); err != nil {
		return nil, err
	}
	if stats.GitSize, stats.GitEntries, err = kindUsage(filepath.Join(c.root, string(KindGit))); err != nil {
		return nil, err
	}
	stats.TotalSize = stats.DownloadSize + stats.GitSize

	if usage, err := disk.Usage(c.root); err == nil {
		stats.FreeBytes = usage.Free
	} else {
		c.logger.WithError(err).Debug("Failed to read disk usage")
	}
	return stats, nil
}

func kindUsage(dir string) (int64, int, error) {
	dirs, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	var total int64
	count := 0
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		size, err := dirSize(filepath.Join(dir, d.Name()))
		if err != nil {
			return 0, 0, err
		}
		total += size
		count++
	}
	return total, count, nil
}

func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			size += info.Size()
		}
		return nil
	})
	return size, err
}

// FormatSize renders a byte count as B, KB, MB or GB with two decimals.
func FormatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.2f GB", float64(bytes)/gb)
	case bytes >= mb:
		return fmt.Sprintf("%.2f MB", float64(bytes)/mb)
	case bytes >= kb:
		return fmt.Sprintf("%.2f KB", float64(bytes)/kb)
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}

func readEntry(path string) (*Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse cache entry: %w", err)
	}
	return &entry, nil
}

func writeEntry(path string, entry *Entry) error {
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), entryFile+".*")
	if err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
