// Package cache provides the bbolt-backed gateway analysis cache. Cached
// analyses let a resumed job skip re-analyzing tasks that have not
// changed since the original run.
package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bekirdag/mcoda/internal/errs"
	"github.com/bekirdag/mcoda/internal/gateway"
)

var analysisBucket = []byte("gateway_analyses")

// AnalysisCache stores gateway analyses keyed by task key and a content
// fingerprint.
type AnalysisCache struct {
	db *bolt.DB
}

// entry wraps a cached analysis with its fingerprint so stale entries are
// rejected on read.
type entry struct {
	Fingerprint string            `json:"fingerprint"`
	Analysis    *gateway.Analysis `json:"analysis"`
	CachedAt    time.Time         `json:"cachedAt"`
}

// OpenAnalysisCache opens (or creates) the cache database in dir.
func OpenAnalysisCache(dir string) (*AnalysisCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to create cache directory")
	}
	db, err := bolt.Open(filepath.Join(dir, "gateway.db"), 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errs.Wrap(errs.ClassStore, err, "failed to open gateway cache")
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(analysisBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errs.Wrap(errs.ClassStore, err, "failed to initialize gateway cache")
	}
	return &AnalysisCache{db: db}, nil
}

// Close closes the cache.
func (c *AnalysisCache) Close() error {
	return c.db.Close()
}

// Get returns the cached analysis for the task when the fingerprint
// matches.
func (c *AnalysisCache) Get(taskKey, fingerprint string) (*gateway.Analysis, bool) {
	var e entry
	found := false
	_ = c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(analysisBucket).Get([]byte(taskKey))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &e); err != nil {
			return nil
		}
		found = e.Fingerprint == fingerprint && e.Analysis != nil
		return nil
	})
	if !found {
		return nil, false
	}
	return e.Analysis, true
}

// Put stores an analysis, replacing any previous entry for the task.
func (c *AnalysisCache) Put(taskKey, fingerprint string, a *gateway.Analysis) error {
	data, err := json.Marshal(entry{Fingerprint: fingerprint, Analysis: a, CachedAt: time.Now()})
	if err != nil {
		return err
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(analysisBucket).Put([]byte(taskKey), data)
	})
}

var _ gateway.Cache = (*AnalysisCache)(nil)
