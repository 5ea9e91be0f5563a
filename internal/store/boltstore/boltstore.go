// Package boltstore is a BoltDB-backed implementation of store.Store.
// BoltDB is chosen the way the teacher's workflow store chose it: pure
// Go, no C dependencies, single-file durability, good enough for the
// control plane's transaction volume. Tasks get an in-memory hot cache
// and a per-task mutex standing in for SELECT FOR UPDATE, since BoltDB
// has no native row lock; the mutex serializes writers to a task, so
// UpdateTask bumps the version counter without a compare-and-swap check.
package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/ids"
	"github.com/swarmguard/orchestrator/internal/store"
)

var (
	bucketTasks       = []byte("tasks")
	bucketSubtasks    = []byte("subtasks")
	bucketWorkers     = []byte("workers")
	bucketCheckpoints = []byte("checkpoints")
	bucketReviews     = []byte("reviews")
	bucketEvaluations = []byte("evaluations")
	bucketCorrections = []byte("corrections")
	bucketVersions    = []byte("task_versions")
)

// Store is the BoltDB-backed store.Store implementation.
type Store struct {
	db *bbolt.DB

	taskLocksMu sync.Mutex
	taskLocks   map[ids.ID]*sync.Mutex

	memMu     sync.RWMutex
	taskCache map[ids.ID]*domain.Task

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
	cacheHits    metric.Int64Counter
	cacheMisses  metric.Int64Counter
}

// Open creates or opens the BoltDB file at dbPath and prepares all
// buckets.
func Open(dbPath string, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{
		Timeout:      1 * time.Second,
		NoSync:       false,
		FreelistType: bbolt.FreelistArrayType,
	}
	db, err := bbolt.Open(dbPath, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open boltdb: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTasks, bucketSubtasks, bucketWorkers, bucketCheckpoints, bucketReviews, bucketEvaluations, bucketCorrections, bucketVersions} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	readLatency, _ := meter.Float64Histogram("orchestrator_store_read_ms")
	writeLatency, _ := meter.Float64Histogram("orchestrator_store_write_ms")
	cacheHits, _ := meter.Int64Counter("orchestrator_store_cache_hits_total")
	cacheMisses, _ := meter.Int64Counter("orchestrator_store_cache_misses_total")

	s := &Store{
		db:           db,
		taskLocks:    make(map[ids.ID]*sync.Mutex),
		taskCache:    make(map[ids.ID]*domain.Task),
		readLatency:  readLatency,
		writeLatency: writeLatency,
		cacheHits:    cacheHits,
		cacheMisses:  cacheMisses,
	}
	if err := s.warmTaskCache(); err != nil {
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) warmTaskCache() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		return b.ForEach(func(k, v []byte) error {
			var t domain.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return nil
			}
			s.taskCache[t.ID] = &t
			return nil
		})
	})
}

func (s *Store) lockFor(id ids.ID) *sync.Mutex {
	s.taskLocksMu.Lock()
	defer s.taskLocksMu.Unlock()
	m, ok := s.taskLocks[id]
	if !ok {
		m = &sync.Mutex{}
		s.taskLocks[id] = m
	}
	return m
}

func recordLatency(ctx context.Context, h metric.Float64Histogram, op string, start time.Time) {
	h.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

// --- Tasks ---

func (s *Store) CreateTask(ctx context.Context, t *domain.Task) error {
	defer recordLatency(ctx, s.writeLatency, "create_task", time.Now())
	t.Version = 1
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTasks).Put([]byte(t.ID), data)
	}); err != nil {
		return fmt.Errorf("write task: %w", err)
	}
	s.memMu.Lock()
	cp := *t
	s.taskCache[t.ID] = &cp
	s.memMu.Unlock()
	return nil
}

func (s *Store) GetTask(ctx context.Context, id ids.ID) (*domain.Task, error) {
	defer recordLatency(ctx, s.readLatency, "get_task", time.Now())
	s.memMu.RLock()
	if t, ok := s.taskCache[id]; ok {
		cp := *t
		s.memMu.RUnlock()
		s.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "task")))
		return &cp, nil
	}
	s.memMu.RUnlock()
	s.cacheMisses.Add(ctx, 1, metric.WithAttributes(attribute.String("type", "task")))

	var t domain.Task
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &t)
	})
	if err != nil {
		return nil, fmt.Errorf("read task: %w", err)
	}
	if !found {
		return nil, nil
	}
	s.memMu.Lock()
	cp := t
	s.taskCache[id] = &cp
	s.memMu.Unlock()
	return &t, nil
}

// UpdateTask applies mutate under the task's row-level lock, bumps the
// version counter, and persists both the new value and a snapshot of the
// previous version for audit history.
func (s *Store) UpdateTask(ctx context.Context, id ids.ID, mutate func(*domain.Task) error) error {
	defer recordLatency(ctx, s.writeLatency, "update_task", time.Now())
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	cur, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("task %s: %w", id, store.ErrVersionConflict)
	}
	before := *cur
	if err := mutate(cur); err != nil {
		return err
	}
	cur.Version = before.Version + 1

	data, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	prevData, err := json.Marshal(&before)
	if err != nil {
		return fmt.Errorf("marshal prior task: %w", err)
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		verBucket := tx.Bucket(bucketVersions)
		verKey := fmt.Sprintf("%s:%d", id, before.Version)
		if err := verBucket.Put([]byte(verKey), prevData); err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put([]byte(id), data)
	})
	if err != nil {
		return fmt.Errorf("write task: %w", err)
	}

	s.memMu.Lock()
	cp := *cur
	s.taskCache[id] = &cp
	s.memMu.Unlock()
	return nil
}

func (s *Store) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*domain.Task, error) {
	s.memMu.RLock()
	all := make([]*domain.Task, 0, len(s.taskCache))
	for _, t := range s.taskCache {
		if filter.State != "" && t.State != filter.State {
			continue
		}
		cp := *t
		all = append(all, &cp)
	}
	s.memMu.RUnlock()

	start := filter.Offset
	if start > len(all) {
		start = len(all)
	}
	end := len(all)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return all[start:end], nil
}
