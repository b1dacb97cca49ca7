package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	replicationWorkers  = 2
	replicationQueueCap = 64

	// Attempt budget for one replication unit, covering both the conflict
	// read-modify-write loop and generic failures.
	maxReplicationAttempts = 3

	replicationBackoffBase = 500 * time.Millisecond
)

type taskKind int

const (
	taskPush taskKind = iota
	taskDelete
	taskPull
	taskSyncList
)

type replicationTask struct {
	kind     taskKind
	id       string
	revision int64
	payload  []byte
}

// Replicator drives reconciliation between the local store and the remote
// replica on a bounded queue with a fixed worker pool. Scheduling never
// blocks the foreground: a full queue drops the task with a warning, and a
// disabled remote turns every schedule into a no-op. Worker faults are
// logged, never propagated.
type Replicator struct {
	remote  RemoteStore
	dataDir string
	queue   chan replicationTask
	logger  *zap.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(time.Duration)
}

// NewReplicator creates a replicator writing pulled records into dataDir.
// Call Start before scheduling and Close on shutdown.
func NewReplicator(remote RemoteStore, dataDir string, logger *zap.Logger) *Replicator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Replicator{
		remote:  remote,
		dataDir: dataDir,
		queue:   make(chan replicationTask, replicationQueueCap),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		sleep:   time.Sleep,
	}
}

// Start launches the worker pool.
func (r *Replicator) Start() {
	for i := 0; i < replicationWorkers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
}

// Close stops accepting tasks, lets the workers drain what is queued, then
// cancels any in-flight remote calls.
func (r *Replicator) Close() {
	r.closeOnce.Do(func() {
		close(r.queue)
		r.wg.Wait()
		r.cancel()
	})
}

// SchedulePush queues replication of a freshly written record snapshot.
func (r *Replicator) SchedulePush(conversationID string, revision int64, payload []byte) {
	r.schedule(replicationTask{kind: taskPush, id: conversationID, revision: revision, payload: payload})
}

// ScheduleDelete queues removal of the record from the remote tier.
func (r *Replicator) ScheduleDelete(conversationID string) {
	r.schedule(replicationTask{kind: taskDelete, id: conversationID})
}

// SchedulePull queues a backfill of a record that was missed locally.
func (r *Replicator) SchedulePull(conversationID string) {
	r.schedule(replicationTask{kind: taskPull, id: conversationID})
}

// ScheduleListSync queues a sweep that pulls every remote record missing
// from the local tier.
func (r *Replicator) ScheduleListSync() {
	r.schedule(replicationTask{kind: taskSyncList})
}

func (r *Replicator) schedule(task replicationTask) {
	if !r.remote.Enabled() {
		return
	}
	select {
	case r.queue <- task:
	default:
		r.logger.Warn("replication queue full, dropping task",
			zap.Int("kind", int(task.kind)),
			zap.String("conversation_id", task.id))
	}
}

func (r *Replicator) worker() {
	defer r.wg.Done()
	for task := range r.queue {
		r.run(task)
	}
}

// run executes one task behind a panic barrier so a background fault can
// never reach a foreground caller.
func (r *Replicator) run(task replicationTask) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("replication task panicked",
				zap.String("conversation_id", task.id),
				zap.Any("panic", rec))
		}
	}()

	switch task.kind {
	case taskPush:
		r.push(task)
	case taskDelete:
		r.delete(task)
	case taskPull:
		r.pull(task.id)
	case taskSyncList:
		r.syncList()
	}
}

// push writes the snapshot via read-modify-write: fetch the current remote
// revision, write against it, and on conflict re-fetch and try again within
// the attempt budget. The local write already succeeded, so abandoning after
// the budget loses no data.
func (r *Replicator) push(task replicationTask) {
	key := task.id + ".json"
	message := fmt.Sprintf("Update conversation %s (rev %d)", task.id, task.revision)

	for attempt := 0; attempt < maxReplicationAttempts; attempt++ {
		_, revision, err := r.remote.Get(r.ctx, key)
		if err != nil && !errors.Is(err, ErrRemoteNotFound) {
			r.backoff(attempt, task.id, err)
			continue
		}

		err = r.remote.Put(r.ctx, key, task.payload, revision, message)
		if err == nil {
			return
		}
		if errors.Is(err, ErrRemoteConflict) {
			// Another writer moved the revision; loop to fetch the fresh one.
			r.logger.Warn("remote conflict, retrying with latest revision",
				zap.String("conversation_id", task.id),
				zap.Int("attempt", attempt+1))
			continue
		}
		r.backoff(attempt, task.id, err)
	}
	r.logger.Warn("abandoning replication push",
		zap.String("conversation_id", task.id),
		zap.Int64("revision", task.revision))
}

func (r *Replicator) delete(task replicationTask) {
	key := task.id + ".json"
	message := fmt.Sprintf("Delete conversation %s", task.id)

	for attempt := 0; attempt < maxReplicationAttempts; attempt++ {
		_, revision, err := r.remote.Get(r.ctx, key)
		if errors.Is(err, ErrRemoteNotFound) {
			return
		}
		if err != nil {
			r.backoff(attempt, task.id, err)
			continue
		}

		err = r.remote.Delete(r.ctx, key, revision, message)
		if err == nil || errors.Is(err, ErrRemoteNotFound) {
			return
		}
		if errors.Is(err, ErrRemoteConflict) {
			continue
		}
		r.backoff(attempt, task.id, err)
	}
	r.logger.Warn("abandoning replication delete", zap.String("conversation_id", task.id))
}

// pull backfills a record from the remote tier. The remote bytes are written
// verbatim so the record, revision included, round-trips between tiers.
func (r *Replicator) pull(conversationID string) {
	path := filepath.Join(r.dataDir, conversationID+".json")
	if _, err := os.Stat(path); err == nil {
		// The foreground created it in the meantime; local wins.
		return
	}

	content, _, err := r.remote.Get(r.ctx, conversationID+".json")
	if errors.Is(err, ErrRemoteNotFound) {
		return
	}
	if err != nil {
		r.logger.Warn("remote pull failed",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
		return
	}

	if err := os.MkdirAll(r.dataDir, 0755); err != nil {
		r.logger.Warn("failed to create data directory", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, content, 0644); err != nil {
		r.logger.Warn("failed to write pulled conversation",
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}

func (r *Replicator) syncList() {
	keys, err := r.remote.List(r.ctx)
	if err != nil {
		r.logger.Warn("remote list failed", zap.Error(err))
		return
	}
	for _, key := range keys {
		r.pull(strings.TrimSuffix(key, ".json"))
	}
}

func (r *Replicator) backoff(attempt int, conversationID string, err error) {
	r.logger.Warn("replication attempt failed",
		zap.String("conversation_id", conversationID),
		zap.Int("attempt", attempt+1),
		zap.Error(err))
	r.sleep(replicationBackoffBase * (1 << attempt))
}
