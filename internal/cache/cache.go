// Package cache persists per-URL HTTP validators and content hashes so the
// crawler can issue conditional requests and classify pages as new,
// unchanged, or changed across crawls.
package cache

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ayauxd/website-crawler/pkg/types"
)

const cacheFileName = "content_cache.json"

// Entry is the persisted record for one normalized URL.
type Entry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	ContentHash  string    `json:"content_hash"`
	FirstSeen    time.Time `json:"first_seen"`
	LastChanged  time.Time `json:"last_changed"`
}

// ConditionalHeaders are the validators attached to a conditional GET.
type ConditionalHeaders struct {
	IfNoneMatch     string
	IfModifiedSince string
}

// Store is the in-process content cache, backed by a JSON file keyed by the
// md5 hex digest of the URL. A missing or corrupt file is treated as an
// empty cache; the crawl never aborts on cache trouble.
type Store struct {
	dir     string
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]*Entry
}

// Open loads the cache from dir, failing open to an empty cache.
func Open(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		dir:     dir,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
	if dir == "" {
		return s
	}

	path := filepath.Join(dir, cacheFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("content cache unreadable, starting empty", "path", path, "error", err)
		}
		return s
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		logger.Warn("content cache corrupt, starting empty", "path", path, "error", err)
		s.entries = make(map[string]*Entry)
	}
	return s
}

// Persist writes the cache back to disk. Failures are logged; the crawl
// continues with in-memory state only.
func (s *Store) Persist() error {
	if s.dir == "" {
		return nil
	}
	s.mu.RLock()
	data, err := json.MarshalIndent(s.entries, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal content cache: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	path := filepath.Join(s.dir, cacheFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write content cache: %w", err)
	}
	return nil
}

// ConditionalHeaders returns the stored validators for url, if any.
func (s *Store) ConditionalHeaders(url string) ConditionalHeaders {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[Key(url)]
	if !ok {
		return ConditionalHeaders{}
	}
	return ConditionalHeaders{
		IfNoneMatch:     entry.ETag,
		IfModifiedSince: entry.LastModified,
	}
}

// Classify records a fetched content hash and reports whether the page
// changed since the previous crawl. First sightings count as changed.
// FirstSeen is preserved across changes; LastChanged advances only when the
// hash differs.
func (s *Store) Classify(url, contentHash string) types.ChangeInfo {
	now := s.now()
	key := Key(url)

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		s.entries[key] = &Entry{
			URL:         url,
			ContentHash: contentHash,
			FirstSeen:   now,
			LastChanged: now,
		}
		return types.ChangeInfo{IsChanged: true, FirstSeen: now, LastChanged: now}
	}

	if entry.ContentHash == contentHash {
		return types.ChangeInfo{IsChanged: false, FirstSeen: entry.FirstSeen, LastChanged: entry.LastChanged}
	}

	entry.ContentHash = contentHash
	entry.LastChanged = now
	return types.ChangeInfo{IsChanged: true, FirstSeen: entry.FirstSeen, LastChanged: now}
}

// NotModified reports the stored change info for a 304 response without
// recomputing anything.
func (s *Store) NotModified(url string) types.ChangeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[Key(url)]
	if !ok {
		now := s.now()
		return types.ChangeInfo{IsChanged: false, FirstSeen: now, LastChanged: now}
	}
	return types.ChangeInfo{IsChanged: false, FirstSeen: entry.FirstSeen, LastChanged: entry.LastChanged}
}

// ContentHash returns the stored hash for url, or "" when unseen.
func (s *Store) ContentHash(url string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[Key(url)]
	if !ok {
		return ""
	}
	return entry.ContentHash
}

// SetValidators stores the ETag and Last-Modified headers returned for url.
func (s *Store) SetValidators(url, etag, lastModified string) {
	key := Key(url)
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return
	}
	if etag != "" {
		entry.ETag = etag
	}
	if lastModified != "" {
		entry.LastModified = lastModified
	}
}

// Len reports the number of cached URLs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Key derives the cache key for a URL.
func Key(url string) string {
	sum := md5.Sum([]byte(url))
	return hex.EncodeToString(sum[:])
}

// HashContent digests raw decoded body bytes for change detection.
func HashContent(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
