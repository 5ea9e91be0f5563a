package boltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/swarmguard/orchestrator/internal/domain"
	"github.com/swarmguard/orchestrator/internal/ids"
)

// --- Subtasks ---

func (s *Store) CreateSubtask(ctx context.Context, st *domain.Subtask) error {
	defer recordLatency(ctx, s.writeLatency, "create_subtask", time.Now())
	return s.putJSON(bucketSubtasks, string(st.ID), st)
}

func (s *Store) GetSubtask(ctx context.Context, id ids.ID) (*domain.Subtask, error) {
	defer recordLatency(ctx, s.readLatency, "get_subtask", time.Now())
	var st domain.Subtask
	ok, err := s.getJSON(bucketSubtasks, string(id), &st)
	if err != nil || !ok {
		return nil, err
	}
	return &st, nil
}

func (s *Store) UpdateSubtask(ctx context.Context, id ids.ID, mutate func(*domain.Subtask) error) error {
	defer recordLatency(ctx, s.writeLatency, "update_subtask", time.Now())
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	cur, err := s.GetSubtask(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("subtask %s not found", id)
	}
	if err := mutate(cur); err != nil {
		return err
	}
	cur.UpdatedAt = time.Now().UTC()
	return s.putJSON(bucketSubtasks, string(id), cur)
}

func (s *Store) ListSubtasksByTask(ctx context.Context, taskID ids.ID) ([]*domain.Subtask, error) {
	var out []*domain.Subtask
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubtasks).ForEach(func(k, v []byte) error {
			var st domain.Subtask
			if err := json.Unmarshal(v, &st); err != nil {
				return nil
			}
			if st.TaskID == taskID {
				out = append(out, &st)
			}
			return nil
		})
	})
	return out, err
}

// --- Workers ---

func (s *Store) UpsertWorker(ctx context.Context, w *domain.Worker) error {
	defer recordLatency(ctx, s.writeLatency, "upsert_worker", time.Now())
	return s.putJSON(bucketWorkers, string(w.ID), w)
}

func (s *Store) GetWorker(ctx context.Context, id ids.ID) (*domain.Worker, error) {
	defer recordLatency(ctx, s.readLatency, "get_worker", time.Now())
	var w domain.Worker
	ok, err := s.getJSON(bucketWorkers, string(id), &w)
	if err != nil || !ok {
		return nil, err
	}
	return &w, nil
}

func (s *Store) UpdateWorker(ctx context.Context, id ids.ID, mutate func(*domain.Worker) error) error {
	defer recordLatency(ctx, s.writeLatency, "update_worker", time.Now())
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	cur, err := s.GetWorker(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("worker %s not found", id)
	}
	if err := mutate(cur); err != nil {
		return err
	}
	return s.putJSON(bucketWorkers, string(id), cur)
}

func (s *Store) ListWorkers(ctx context.Context) ([]*domain.Worker, error) {
	var out []*domain.Worker
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var w domain.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return nil
			}
			out = append(out, &w)
			return nil
		})
	})
	return out, err
}

func (s *Store) DeleteWorker(ctx context.Context, id ids.ID) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete([]byte(id))
	})
}

// --- Checkpoints ---

func (s *Store) CreateCheckpoint(ctx context.Context, c *domain.Checkpoint) error {
	return s.putJSON(bucketCheckpoints, string(c.ID), c)
}

func (s *Store) GetCheckpoint(ctx context.Context, id ids.ID) (*domain.Checkpoint, error) {
	var c domain.Checkpoint
	ok, err := s.getJSON(bucketCheckpoints, string(id), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

func (s *Store) UpdateCheckpoint(ctx context.Context, id ids.ID, mutate func(*domain.Checkpoint) error) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	cur, err := s.GetCheckpoint(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("checkpoint %s not found", id)
	}
	if err := mutate(cur); err != nil {
		return err
	}
	return s.putJSON(bucketCheckpoints, string(id), cur)
}

func (s *Store) PendingCheckpointForTask(ctx context.Context, taskID ids.ID) (*domain.Checkpoint, error) {
	var found *domain.Checkpoint
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCheckpoints).ForEach(func(k, v []byte) error {
			var c domain.Checkpoint
			if err := json.Unmarshal(v, &c); err != nil {
				return nil
			}
			if c.TaskID == taskID && c.Status == domain.CheckpointPendingReview {
				cp := c
				found = &cp
			}
			return nil
		})
	})
	return found, err
}

// --- Reviews ---

func (s *Store) CreateReview(ctx context.Context, r *domain.Review) error {
	return s.putJSON(bucketReviews, string(r.ID), r)
}

func (s *Store) GetReview(ctx context.Context, id ids.ID) (*domain.Review, error) {
	var r domain.Review
	ok, err := s.getJSON(bucketReviews, string(id), &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

func (s *Store) UpdateReview(ctx context.Context, id ids.ID, mutate func(*domain.Review) error) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	cur, err := s.GetReview(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("review %s not found", id)
	}
	if err := mutate(cur); err != nil {
		return err
	}
	return s.putJSON(bucketReviews, string(id), cur)
}

// --- Evaluations ---

func (s *Store) CreateEvaluation(ctx context.Context, e *domain.Evaluation) error {
	return s.putJSON(bucketEvaluations, string(e.ID), e)
}

func (s *Store) GetEvaluation(ctx context.Context, id ids.ID) (*domain.Evaluation, error) {
	var e domain.Evaluation
	ok, err := s.getJSON(bucketEvaluations, string(id), &e)
	if err != nil || !ok {
		return nil, err
	}
	return &e, nil
}

// --- Corrections ---

func (s *Store) CreateCorrection(ctx context.Context, c *domain.Correction) error {
	return s.putJSON(bucketCorrections, string(c.ID), c)
}

func (s *Store) GetCorrection(ctx context.Context, id ids.ID) (*domain.Correction, error) {
	var c domain.Correction
	ok, err := s.getJSON(bucketCorrections, string(id), &c)
	if err != nil || !ok {
		return nil, err
	}
	return &c, nil
}

func (s *Store) UpdateCorrection(ctx context.Context, id ids.ID, mutate func(*domain.Correction) error) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	cur, err := s.GetCorrection(ctx, id)
	if err != nil {
		return err
	}
	if cur == nil {
		return fmt.Errorf("correction %s not found", id)
	}
	if err := mutate(cur); err != nil {
		return err
	}
	return s.putJSON(bucketCorrections, string(id), cur)
}

// --- shared JSON bucket helpers ---

func (s *Store) putJSON(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (s *Store) getJSON(bucket []byte, key string, out any) (bool, error) {
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(key))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, out)
	})
	if err != nil {
		return false, fmt.Errorf("read: %w", err)
	}
	return found, nil
}
