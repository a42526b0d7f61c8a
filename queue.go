package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type queueStatus string

const (
	queuePending    queueStatus = "pending"
	queueProcessing queueStatus = "processing"
	queueSuccess    queueStatus = "success"
	queueFailed     queueStatus = "failed"
	queueTimeout    queueStatus = "timeout"
)

func (s queueStatus) terminal() bool {
	switch s {
	case queueSuccess, queueFailed, queueTimeout:
		return true
	}
	return false
}

// QueueEntry tracks one join attempt through its lifecycle. Transitions are
// driven only by the queue worker and the cleanup sweep.
type QueueEntry struct {
	ID          string      `json:"queue_id"`
	PlayerID    string      `json:"player_id"`
	Session     string      `json:"session_code"`
	NotifyID    string      `json:"websocket_id,omitempty"`
	Status      queueStatus `json:"status"`
	CreatedAt   time.Time   `json:"created_at"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	LastError   string      `json:"error_message,omitempty"`
	Position    int         `json:"position,omitempty"`
}

type queueStats struct {
	TotalEntries   int      `json:"total_entries"`
	Pending        int      `json:"pending"`
	Processing     int      `json:"processing"`
	Success        int      `json:"success"`
	Failed         int      `json:"failed"`
	Timeout        int      `json:"timeout"`
	LockedSessions []string `json:"processing_sessions"`
	Running        bool     `json:"is_running"`
}

// JoinFunc is the external join operation. It may be slow or fail; the
// queue bounds each call with the configured join timeout.
type JoinFunc func(ctx context.Context, session, playerID string) (*Membership, error)

const (
	queuePollInterval = 100 * time.Millisecond
	successGrace      = 2 * time.Second
)

// JoinQueue serializes join attempts so two players hitting the same
// session concurrently can never corrupt its membership. Entries for the
// same session are processed in creation order; different sessions proceed
// independently, the per-session lock being the only mutual-exclusion
// boundary.
type JoinQueue struct {
	cfg  *Config
	reg  *Registry
	join JoinFunc

	mu      sync.Mutex
	entries map[string]*QueueEntry
	locked  map[string]bool
	running bool
}

func newJoinQueue(cfg *Config, reg *Registry, join JoinFunc) *JoinQueue {
	return &JoinQueue{
		cfg:     cfg,
		reg:     reg,
		join:    join,
		entries: make(map[string]*QueueEntry),
		locked:  make(map[string]bool),
	}
}

// Start launches the worker and cleanup loops. Both exit when ctx is done.
func (q *JoinQueue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.work(ctx)
	go q.cleanup(ctx)

	logf(q.cfg, "QUEUE: worker started")
}

// Enqueue appends a pending entry and, when a notify connection is given,
// immediately reports the queued position.
func (q *JoinQueue) Enqueue(playerID, session, notifyID string) string {
	entry := &QueueEntry{
		ID:          uuid.NewString(),
		PlayerID:    playerID,
		Session:     strings.ToUpper(session),
		NotifyID:    notifyID,
		Status:      queuePending,
		CreatedAt:   time.Now(),
		MaxAttempts: q.cfg.maxJoinAttempts,
	}

	q.mu.Lock()
	q.entries[entry.ID] = entry
	position := q.positionLocked(entry.ID)
	q.mu.Unlock()

	logf(q.cfg, "QUEUE: player %s queued for session %s", playerID, entry.Session)

	q.notify(notifyID, newEnvelope("queue_status", map[string]any{
		"queue_id": entry.ID,
		"status":   string(queuePending),
		"message":  "Added to join queue",
		"position": position,
	}))

	return entry.ID
}

// Status returns a snapshot of the entry, position included while pending.
func (q *JoinQueue) Status(queueID string) (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	entry, ok := q.entries[queueID]
	if !ok {
		return QueueEntry{}, false
	}

	snapshot := *entry
	if entry.Status == queuePending {
		snapshot.Position = q.positionLocked(queueID)
	}
	return snapshot, true
}

// Stats summarizes the queue for the admin surface.
func (q *JoinQueue) Stats() queueStats {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := queueStats{
		TotalEntries:   len(q.entries),
		LockedSessions: make([]string, 0, len(q.locked)),
		Running:        q.running,
	}
	for _, entry := range q.entries {
		switch entry.Status {
		case queuePending:
			stats.Pending++
		case queueProcessing:
			stats.Processing++
		case queueSuccess:
			stats.Success++
		case queueFailed:
			stats.Failed++
		case queueTimeout:
			stats.Timeout++
		}
	}
	for session := range q.locked {
		stats.LockedSessions = append(stats.LockedSessions, session)
	}
	sort.Strings(stats.LockedSessions)

	return stats
}

func (q *JoinQueue) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(queuePollInterval):
		}

		entry := q.claimNext()
		if entry == nil {
			continue
		}

		q.process(ctx, entry)
	}
}

// claimNext picks the oldest pending entry whose session is not locked,
// marks it processing, and takes the session lock.
func (q *JoinQueue) claimNext() *QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	pending := make([]*QueueEntry, 0)
	for _, entry := range q.entries {
		if entry.Status == queuePending && !q.locked[entry.Session] {
			pending = append(pending, entry)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	entry := pending[0]
	entry.Status = queueProcessing
	entry.Attempts++
	q.locked[entry.Session] = true

	return entry
}

func (q *JoinQueue) process(ctx context.Context, entry *QueueEntry) {
	q.notify(entry.NotifyID, newEnvelope("queue_status", map[string]any{
		"queue_id": entry.ID,
		"status":   string(queueProcessing),
		"message":  "Processing join request...",
	}))

	membership, err := q.attemptJoin(ctx, entry)

	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.locked, entry.Session)

	// The cleanup sweep may have timed the entry out while the join call
	// was in flight; a timed-out entry never reverts.
	if entry.Status == queueTimeout {
		return
	}

	switch {
	case err == nil:
		entry.Status = queueSuccess
		q.notify(entry.NotifyID, newEnvelope("join_success", map[string]any{
			"queue_id":     entry.ID,
			"session_code": entry.Session,
			"message":      "Successfully joined session!",
			"session_data": membership,
		}))
		logf(q.cfg, "QUEUE: player %s joined session %s", entry.PlayerID, entry.Session)

		time.AfterFunc(successGrace, func() {
			q.mu.Lock()
			delete(q.entries, entry.ID)
			q.mu.Unlock()
		})

	case kindOf(err) == faultTransient && entry.Attempts < entry.MaxAttempts:
		entry.Status = queuePending
		entry.LastError = err.Error()
		q.notify(entry.NotifyID, newEnvelope("queue_retry", map[string]any{
			"queue_id":     entry.ID,
			"session_code": entry.Session,
			"message":      fmt.Sprintf("Retrying... (%d/%d)", entry.Attempts, entry.MaxAttempts),
			"error":        err.Error(),
			"position":     q.positionLocked(entry.ID),
		}))

	default:
		entry.Status = queueFailed
		entry.LastError = err.Error()
		q.notify(entry.NotifyID, newEnvelope("join_failed", map[string]any{
			"queue_id":     entry.ID,
			"session_code": entry.Session,
			"message":      err.Error(),
			"attempts":     entry.Attempts,
			"max_attempts": entry.MaxAttempts,
		}))
		logf(q.cfg, "QUEUE: join failed for player %s in session %s: %v", entry.PlayerID, entry.Session, err)
	}
}

// attemptJoin runs the external join bounded by the join timeout. A panic
// in the collaborator fails this entry only; the worker keeps running.
func (q *JoinQueue) attemptJoin(ctx context.Context, entry *QueueEntry) (membership *Membership, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fatalErr(fmt.Errorf("%v", rec), "join attempt panicked")
		}
	}()

	joinCtx, cancel := context.WithTimeout(ctx, q.cfg.joinTimeout)
	defer cancel()

	membership, err = q.join(joinCtx, entry.Session, entry.PlayerID)
	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		err = transientErr(err, "join attempt deadline exceeded")
	}
	return membership, err
}

// cleanup times out entries stuck past the queue timeout and purges
// terminal entries after twice that.
func (q *JoinQueue) cleanup(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.queueTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.expire(time.Now())
		}
	}
}

func (q *JoinQueue) expire(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	purged := 0
	for id, entry := range q.entries {
		age := now.Sub(entry.CreatedAt)

		if age > q.cfg.queueTimeout && !entry.Status.terminal() {
			entry.Status = queueTimeout
			entry.LastError = "join request timed out"
			q.notify(entry.NotifyID, newEnvelope("join_timeout", map[string]any{
				"queue_id": id,
				"message":  "Join request timed out",
			}))
		}

		if age > 2*q.cfg.queueTimeout && entry.Status.terminal() {
			delete(q.entries, id)
			purged++
		}
	}

	if purged > 0 {
		logf(q.cfg, "QUEUE: purged %d finished entries", purged)
	}
}

// positionLocked ranks the entry among pending entries by creation time,
// 1-based. Zero means not pending.
func (q *JoinQueue) positionLocked(queueID string) int {
	pending := make([]*QueueEntry, 0)
	for _, entry := range q.entries {
		if entry.Status == queuePending {
			pending = append(pending, entry)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	for i, entry := range pending {
		if entry.ID == queueID {
			return i + 1
		}
	}
	return 0
}

func (q *JoinQueue) notify(notifyID string, msg envelope) {
	if notifyID == "" {
		return
	}
	_ = q.reg.SendDirectByID(notifyID, msg, false)
}
