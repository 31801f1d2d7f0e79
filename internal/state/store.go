package state

import (
	"compress/gzip"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/PentesterFlow/SiteScape/internal/models"
)

// ErrJobNotFound is returned when a job id is unknown to the store.
var ErrJobNotFound = stderrors.New("job not found")

// Store persists job records. Implementations must be safe for concurrent
// use.
type Store interface {
	Save(job *models.Job) error
	Get(id string) (*models.Job, error)
	// List returns up to limit jobs, newest first. limit <= 0 means all.
	List(limit int) ([]*models.Job, error)
	// Update loads the job, applies fn and saves the result atomically.
	Update(id string, fn func(job *models.Job) error) error
	Close() error
}

var bucketJobs = []byte("jobs")

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db   *bolt.DB
	path string
}

// NewBoltStore creates a new BoltDB-backed job store.
func NewBoltStore(path string) (*BoltStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketJobs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &BoltStore{db: db, path: path}, nil
}

// Save stores the job under its id.
func (s *BoltStore) Save(job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
}

// Get loads a job by id.
func (s *BoltStore) Get(id string) (*models.Job, error) {
	var job models.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return ErrJobNotFound
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns the newest jobs first.
func (s *BoltStore) List(limit int) ([]*models.Job, error) {
	jobs := make([]*models.Job, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job models.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return fmt.Errorf("decode job %s: %w", k, err)
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return newestFirst(jobs, limit), nil
}

// Update applies fn inside a single read-write transaction.
func (s *BoltStore) Update(id string, fn func(job *models.Job) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrJobNotFound
		}

		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}
		if err := fn(&job); err != nil {
			return err
		}

		out, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		return b.Put([]byte(id), out)
	})
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *BoltStore) Path() string {
	return s.path
}

// FileStore implements Store with one JSON file per job in a directory.
type FileStore struct {
	mu         sync.Mutex
	dir        string
	compressed bool
}

// NewFileStore creates a new file-based job store rooted at dir.
func NewFileStore(dir string, compressed bool) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	return &FileStore{dir: dir, compressed: compressed}, nil
}

func (s *FileStore) path(id string) string {
	name := id + ".json"
	if s.compressed {
		name += ".gz"
	}
	return filepath.Join(s.dir, name)
}

// Save writes the job file.
func (s *FileStore) Save(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(job)
}

func (s *FileStore) write(job *models.Job) error {
	if job.ID == "" || strings.ContainsAny(job.ID, `/\`) {
		return fmt.Errorf("invalid job id %q", job.ID)
	}

	data, err := json.MarshalIndent(job, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	tmp := s.path(job.ID) + ".tmp"
	if s.compressed {
		err = writeCompressed(tmp, data)
	} else {
		err = os.WriteFile(tmp, data, 0644)
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp, s.path(job.ID))
}

// writeCompressed saves data with gzip compression.
func writeCompressed(path string, data []byte) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	gw := gzip.NewWriter(file)
	if _, err := gw.Write(data); err != nil {
		gw.Close()
		return err
	}
	return gw.Close()
}

// Get reads a job file.
func (s *FileStore) Get(id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(s.path(id))
}

func (s *FileStore) read(path string) (*models.Job, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	defer file.Close()

	var r io.Reader = file
	if s.compressed {
		gr, err := gzip.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer gr.Close()
		r = gr
	}

	var job models.Job
	if err := json.NewDecoder(r).Decode(&job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// List reads every job file in the directory.
func (s *FileStore) List(limit int) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	suffix := ".json"
	if s.compressed {
		suffix = ".json.gz"
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	jobs := make([]*models.Job, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), suffix) {
			continue
		}
		job, err := s.read(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return newestFirst(jobs, limit), nil
}

// Update rewrites the job file after applying fn.
func (s *FileStore) Update(id string, fn func(job *models.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.read(s.path(id))
	if err != nil {
		return err
	}
	if err := fn(job); err != nil {
		return err
	}
	return s.write(job)
}

// Close is a no-op for FileStore.
func (s *FileStore) Close() error {
	return nil
}

// MemoryStore implements Store using in-memory storage.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string][]byte
}

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string][]byte)}
}

// Save stores a copy of the job.
func (s *MemoryStore) Save(job *models.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.jobs[job.ID] = data
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the stored job.
func (s *MemoryStore) Get(id string) (*models.Job, error) {
	s.mu.RLock()
	data, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrJobNotFound
	}

	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns copies of the stored jobs, newest first.
func (s *MemoryStore) List(limit int) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*models.Job, 0, len(s.jobs))
	for _, data := range s.jobs {
		var job models.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, err
		}
		jobs = append(jobs, &job)
	}
	return newestFirst(jobs, limit), nil
}

// Update applies fn under the store lock.
func (s *MemoryStore) Update(id string, fn func(job *models.Job) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	var job models.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return err
	}
	if err := fn(&job); err != nil {
		return err
	}

	out, err := json.Marshal(&job)
	if err != nil {
		return err
	}
	s.jobs[id] = out
	return nil
}

// Close is a no-op for MemoryStore.
func (s *MemoryStore) Close() error {
	return nil
}

func newestFirst(jobs []*models.Job, limit int) []*models.Job {
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID > jobs[j].ID
		}
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs
}

// Open returns a store for the given backend: "bolt" (path is a file),
// "file" (path is a directory) or "memory".
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "bolt":
		return NewBoltStore(path)
	case "file":
		return NewFileStore(path, false)
	case "file+gzip":
		return NewFileStore(path, true)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
