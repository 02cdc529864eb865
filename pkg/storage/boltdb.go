package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/warren-tasks/pkg/types"
)

var (
	bucketWorkers   = []byte("workers")
	bucketTasks     = []byte("tasks")
	bucketProgress  = []byte("task_progress")
	bucketEvents    = []byte("events")
	bucketQuestions = []byte("questions")
	bucketSessions  = []byte("sessions")
)

// BoltStore implements Store on top of BoltDB. It serves as the local
// development and test-harness backend when a real Postgres instance is
// not available; the durable-store contract (durable before ack) is
// satisfied by BoltDB's default fsync-on-commit behavior.
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens (creating if absent) a BoltDB file under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "warren-tasks.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketWorkers, bucketTasks, bucketProgress, bucketEvents, bucketQuestions, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) UpsertWorker(ctx context.Context, w *types.Worker) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(w)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketWorkers).Put([]byte(w.WorkerID), data)
	})
}

func (s *BoltStore) GetWorker(ctx context.Context, workerID string) (*types.Worker, error) {
	var w *types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(workerID))
		if data == nil {
			return nil
		}
		w = &types.Worker{}
		return json.Unmarshal(data, w)
	})
	return w, err
}

func (s *BoltStore) ListWorkers(ctx context.Context, statusFilter types.WorkerStatus) ([]*types.Worker, error) {
	var out []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var w types.Worker
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if statusFilter == "" || w.Status == statusFilter {
				out = append(out, &w)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) CreateTask(ctx context.Context, t *types.Task) error {
	return s.putTask(t)
}

func (s *BoltStore) UpdateTask(ctx context.Context, t *types.Task) error {
	return s.putTask(t)
}

func (s *BoltStore) putTask(t *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put([]byte(t.TaskID), data)
	})
}

func (s *BoltStore) GetTask(ctx context.Context, taskID string) (*types.Task, error) {
	var t *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(taskID))
		if data == nil {
			return nil
		}
		t = &types.Task{}
		return json.Unmarshal(data, t)
	})
	return t, err
}

func (s *BoltStore) ListTasks(ctx context.Context, status types.TaskState, limit int) ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var t types.Task
			if err := json.Unmarshal(v, &t); err != nil {
				return err
			}
			if status == "" || t.Status == status {
				out = append(out, &t)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BoltStore) ListTasksByWorker(ctx context.Context, workerID string) ([]*types.Task, error) {
	all, err := s.ListTasks(ctx, "", 0)
	if err != nil {
		return nil, err
	}
	var out []*types.Task
	for _, t := range all {
		if t.AssignedWorker == workerID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *BoltStore) ReassignTask(ctx context.Context, taskID, fromWorker, toWorker string) (bool, error) {
	var reassigned bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		data := b.Get([]byte(taskID))
		if data == nil {
			return nil
		}
		var t types.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if t.AssignedWorker != fromWorker {
			return nil
		}
		t.AssignedWorker = toWorker
		t.Status = types.TaskStateAssigned
		t.RetryCount++
		out, err := json.Marshal(t)
		if err != nil {
			return err
		}
		reassigned = true
		return b.Put([]byte(taskID), out)
	})
	return reassigned, err
}

func (s *BoltStore) AppendProgress(ctx context.Context, p *types.ProgressRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProgress)
		seq, _ := b.NextSequence()
		key := []byte(fmt.Sprintf("%s:%020d", p.TaskID, seq))
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListProgress(ctx context.Context, taskID string) ([]*types.ProgressRecord, error) {
	var out []*types.ProgressRecord
	prefix := []byte(taskID + ":")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketProgress).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var p types.ProgressRecord
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) AppendEvent(ctx context.Context, e *types.Event) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEvents)
		seq, _ := b.NextSequence()
		e.ID = int64(seq)
		key := []byte(fmt.Sprintf("%s:%020d", e.WorkerID, seq))
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListEventsByWorker(ctx context.Context, workerID string, limit int) ([]*types.Event, error) {
	var out []*types.Event
	prefix := []byte(workerID + ":")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketEvents).Cursor()
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e types.Event
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, &e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *BoltStore) CreateQuestion(ctx context.Context, q *types.PendingRPC) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuestions)
		if b.Get([]byte(q.QuestionID)) != nil {
			return nil
		}
		data, err := json.Marshal(q)
		if err != nil {
			return err
		}
		return b.Put([]byte(q.QuestionID), data)
	})
}

func (s *BoltStore) AnswerQuestion(ctx context.Context, questionID, answer, answeredBy string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuestions)
		data := b.Get([]byte(questionID))
		if data == nil {
			return nil
		}
		var q types.PendingRPC
		if err := json.Unmarshal(data, &q); err != nil {
			return err
		}
		if q.AnsweredAt != nil {
			return nil
		}
		now := nowUTC()
		q.Answer = answer
		q.AnsweredBy = answeredBy
		q.AnsweredAt = &now
		out, err := json.Marshal(q)
		if err != nil {
			return err
		}
		return b.Put([]byte(questionID), out)
	})
}

func (s *BoltStore) ListQuestions(ctx context.Context, unansweredOnly bool) ([]*types.PendingRPC, error) {
	var out []*types.PendingRPC
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQuestions).ForEach(func(k, v []byte) error {
			var q types.PendingRPC
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			if unansweredOnly && q.AnsweredAt != nil {
				return nil
			}
			out = append(out, &q)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) CreateSession(ctx context.Context, sess *types.Session) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put([]byte(sess.SessionID), data)
	})
}

func (s *BoltStore) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	var sess *types.Session
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(sessionID))
		if data == nil {
			return nil
		}
		sess = &types.Session{}
		return json.Unmarshal(data, sess)
	})
	return sess, err
}

func (s *BoltStore) CloseSession(ctx context.Context, sessionID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSessions)
		data := b.Get([]byte(sessionID))
		if data == nil {
			return nil
		}
		var sess types.Session
		if err := json.Unmarshal(data, &sess); err != nil {
			return err
		}
		now := nowUTC()
		sess.EndedAt = &now
		sess.Status = types.SessionStatusClosed
		out, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		return b.Put([]byte(sessionID), out)
	})
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}
