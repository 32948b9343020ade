// Package modelcache stages model artifacts on local disk, fetching them
// from an external file service on demand and indexing the result so a
// restart doesn't require refetching everything already on disk.
package modelcache

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/Yuanxyyds/steven-universe/pkg/gpuengine"
	"github.com/Yuanxyyds/steven-universe/pkg/telelog"
)

var bucketModels = []byte("models")

// fetchDeadline bounds a single fetch from the file service.
const fetchDeadline = 5 * time.Minute

// Cache is the model staging cache: a content-addressed directory of model
// artifacts on local disk, backed by an optional bbolt index.
type Cache struct {
	dir        string
	autoFetch  bool
	serviceURL string
	serviceKey string

	db *bolt.DB

	mu       sync.Mutex // guards entries and inflight
	entries  map[string]gpuengine.ModelArtifact
	inflight map[string]*sync.Mutex // per-model single-flight lock, created on demand

	httpClient *http.Client
}

// Config configures a new cache.
type Config struct {
	Dir        string
	AutoFetch  bool
	ServiceURL string
	ServiceKey string
}

// New opens (or creates) the staging directory, opens a bbolt index file
// inside it, and rescans the directory to populate the initial mapping. A
// bolt open failure degrades to in-memory-only indexing rather than failing
// startup: the cache still functions, and on restart its mapping is rebuilt
// from the directory scan alone.
func New(cfg Config) (*Cache, error) {
	log := telelog.WithComponent("modelcache")

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating model cache dir %s: %w", cfg.Dir, err)
	}

	c := &Cache{
		dir:        cfg.Dir,
		autoFetch:  cfg.AutoFetch,
		serviceURL: cfg.ServiceURL,
		serviceKey: cfg.ServiceKey,
		entries:    make(map[string]gpuengine.ModelArtifact),
		inflight:   make(map[string]*sync.Mutex),
		httpClient: &http.Client{Timeout: fetchDeadline},
	}

	dbPath := filepath.Join(cfg.Dir, "index.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		log.Warn().Err(err).Msg("opening model cache index, continuing without persistence")
	} else {
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(bucketModels)
			return err
		}); err != nil {
			log.Warn().Err(err).Msg("initializing model cache index bucket")
			db.Close()
		} else {
			c.db = db
			c.loadIndex()
		}
	}

	c.rescanDir()

	return c, nil
}

// Close releases the index database, if one is open.
func (c *Cache) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Cache) loadIndex() {
	log := telelog.WithComponent("modelcache")

	_ = c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketModels)
		return b.ForEach(func(k, v []byte) error {
			var artifact gpuengine.ModelArtifact
			if err := json.Unmarshal(v, &artifact); err != nil {
				log.Warn().Err(err).Str("model_id", string(k)).Msg("decoding cached index entry")
				return nil
			}
			c.entries[string(k)] = artifact
			return nil
		})
	})
}

// rescanDir walks the staging directory at startup, registering any
// artifact present on disk that isn't already indexed.
func (c *Cache) rescanDir() {
	log := telelog.WithComponent("modelcache")

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		log.Warn().Err(err).Msg("scanning model cache directory")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) == ".db" {
			continue
		}
		modelID := e.Name()
		if _, ok := c.entries[modelID]; ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(c.dir, modelID)
		artifact := gpuengine.ModelArtifact{ModelID: modelID, Path: path, SizeBytes: info.Size(), StagedAt: info.ModTime()}
		c.entries[modelID] = artifact
		c.persist(artifact)
	}
}

// Ensure returns a model's local path, fetching it if necessary. Concurrent
// Ensure calls for the same modelID collapse onto a single fetch.
func (c *Cache) Ensure(modelID string) (string, bool) {
	c.mu.Lock()
	if artifact, ok := c.entries[modelID]; ok {
		c.mu.Unlock()
		if _, err := os.Stat(artifact.Path); err == nil {
			return artifact.Path, true
		}
		c.mu.Lock()
		delete(c.entries, modelID)
	}

	lock, ok := c.inflight[modelID]
	if !ok {
		lock = &sync.Mutex{}
		c.inflight[modelID] = lock
	}
	c.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	// Re-check: another goroutine may have completed the fetch while we
	// waited for the per-model lock.
	c.mu.Lock()
	if artifact, ok := c.entries[modelID]; ok {
		c.mu.Unlock()
		if _, err := os.Stat(artifact.Path); err == nil {
			return artifact.Path, true
		}
		c.mu.Lock()
		delete(c.entries, modelID)
	}
	c.mu.Unlock()

	if !c.autoFetch {
		return "", false
	}

	path, err := c.fetch(modelID)
	if err != nil {
		telelog.WithComponent("modelcache").Warn().Err(err).Str("model_id", modelID).Msg("fetching model artifact")
		return "", false
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}

	artifact := gpuengine.ModelArtifact{ModelID: modelID, Path: path, SizeBytes: info.Size(), StagedAt: time.Now()}

	c.mu.Lock()
	c.entries[modelID] = artifact
	c.mu.Unlock()

	c.persist(artifact)

	return path, true
}

// fetch retrieves a model artifact from the file service and writes it
// atomically: to a temporary name in the same directory, then rename, so a
// crash mid-write never leaves a partial file under the real name.
func (c *Cache) fetch(modelID string) (string, error) {
	if c.serviceURL == "" {
		return "", fmt.Errorf("no file service configured")
	}

	url := fmt.Sprintf("%s/internal/models/%s", c.serviceURL, modelID)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Shared-Secret", c.serviceKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("file service returned status %d for model %s", resp.StatusCode, modelID)
	}

	finalPath := filepath.Join(c.dir, modelID)
	tmpFile, err := os.CreateTemp(c.dir, ".staging-*")
	if err != nil {
		return "", err
	}
	tmpPath := tmpFile.Name()

	if _, err := io.Copy(tmpFile, resp.Body); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	return finalPath, nil
}

func (c *Cache) persist(artifact gpuengine.ModelArtifact) {
	if c.db == nil {
		return
	}
	data, err := json.Marshal(artifact)
	if err != nil {
		return
	}
	_ = c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketModels).Put([]byte(artifact.ModelID), data)
	})
}

// Count returns the number of indexed artifacts, for the model cache
// entries gauge.
func (c *Cache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
