package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func joinAlwaysOK(_ context.Context, session, _ string) (*Membership, error) {
	return &Membership{SessionCode: session}, nil
}

func TestEnqueuePositions(t *testing.T) {
	reg := newRegistry(testConfig())
	q := newJoinQueue(testConfig(), reg, joinAlwaysOK)

	first := q.Enqueue("P1", "abc123", "")
	entry, ok := q.Status(first)
	require.True(t, ok)
	assert.Equal(t, queuePending, entry.Status)
	assert.Equal(t, 1, entry.Position)
	assert.Equal(t, "ABC123", entry.Session)

	// A second entry for a different session still ranks second in the
	// pending order.
	second := q.Enqueue("P2", "xyz789", "")
	entry, ok = q.Status(second)
	require.True(t, ok)
	assert.Equal(t, 2, entry.Position)
}

func TestStatusUnknownEntry(t *testing.T) {
	q := newJoinQueue(testConfig(), newRegistry(testConfig()), joinAlwaysOK)

	_, ok := q.Status("nope")
	assert.False(t, ok)
}

func TestSameSessionNeverProcessedConcurrently(t *testing.T) {
	q := newJoinQueue(testConfig(), newRegistry(testConfig()), joinAlwaysOK)

	first := q.Enqueue("P1", "ABC123", "")
	q.Enqueue("P2", "ABC123", "")

	claimed := q.claimNext()
	require.NotNil(t, claimed)
	assert.Equal(t, first, claimed.ID)
	assert.Equal(t, queueProcessing, claimed.Status)

	// The session is locked, so the second entry cannot be claimed.
	assert.Nil(t, q.claimNext())

	stats := q.Stats()
	assert.Equal(t, 1, stats.Processing)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, []string{"ABC123"}, stats.LockedSessions)
}

func TestDifferentSessionsProcessIndependently(t *testing.T) {
	q := newJoinQueue(testConfig(), newRegistry(testConfig()), joinAlwaysOK)

	q.Enqueue("P1", "ABC123", "")
	q.Enqueue("P2", "XYZ789", "")

	first := q.claimNext()
	second := q.claimNext()

	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.NotEqual(t, first.Session, second.Session)
}

func TestSameSessionFIFO(t *testing.T) {
	q := newJoinQueue(testConfig(), newRegistry(testConfig()), joinAlwaysOK)

	first := q.Enqueue("P1", "ABC123", "")
	second := q.Enqueue("P2", "ABC123", "")

	claimed := q.claimNext()
	require.NotNil(t, claimed)
	assert.Equal(t, first, claimed.ID)

	q.process(context.Background(), claimed)

	claimed = q.claimNext()
	require.NotNil(t, claimed)
	assert.Equal(t, second, claimed.ID)
}

func TestSuccessfulJoin(t *testing.T) {
	q := newJoinQueue(testConfig(), newRegistry(testConfig()), joinAlwaysOK)

	id := q.Enqueue("P1", "ABC123", "")
	entry := q.claimNext()
	require.NotNil(t, entry)

	q.process(context.Background(), entry)

	snapshot, ok := q.Status(id)
	require.True(t, ok)
	assert.Equal(t, queueSuccess, snapshot.Status)
	assert.Equal(t, 1, snapshot.Attempts)

	// The session lock is released for the next entry.
	assert.Empty(t, q.Stats().LockedSessions)
}

func TestTransientFailureRetriesThenFails(t *testing.T) {
	cfg := testConfig()
	q := newJoinQueue(cfg, newRegistry(cfg), func(_ context.Context, _, _ string) (*Membership, error) {
		return nil, transientErr(nil, "storage hiccup")
	})

	id := q.Enqueue("P1", "ABC123", "")

	for attempt := 1; attempt < cfg.maxJoinAttempts; attempt++ {
		entry := q.claimNext()
		require.NotNil(t, entry)
		q.process(context.Background(), entry)

		snapshot, ok := q.Status(id)
		require.True(t, ok)
		assert.Equal(t, queuePending, snapshot.Status, "attempt %d should revert to pending", attempt)
		assert.Equal(t, attempt, snapshot.Attempts)
	}

	entry := q.claimNext()
	require.NotNil(t, entry)
	q.process(context.Background(), entry)

	snapshot, ok := q.Status(id)
	require.True(t, ok)
	assert.Equal(t, queueFailed, snapshot.Status)
	assert.Equal(t, cfg.maxJoinAttempts, snapshot.Attempts)
	assert.Contains(t, snapshot.LastError, "storage hiccup")
}

func TestValidationFailureDoesNotRetry(t *testing.T) {
	q := newJoinQueue(testConfig(), newRegistry(testConfig()), func(_ context.Context, session, _ string) (*Membership, error) {
		return nil, validationErr("session %s not found", session)
	})

	id := q.Enqueue("P1", "ABC123", "")
	entry := q.claimNext()
	require.NotNil(t, entry)

	q.process(context.Background(), entry)

	snapshot, ok := q.Status(id)
	require.True(t, ok)
	assert.Equal(t, queueFailed, snapshot.Status)
	assert.Equal(t, 1, snapshot.Attempts)
}

func TestPanickingJoinFailsEntryOnly(t *testing.T) {
	q := newJoinQueue(testConfig(), newRegistry(testConfig()), func(_ context.Context, _, _ string) (*Membership, error) {
		panic("collaborator exploded")
	})

	id := q.Enqueue("P1", "ABC123", "")
	entry := q.claimNext()
	require.NotNil(t, entry)

	require.NotPanics(t, func() {
		q.process(context.Background(), entry)
	})

	snapshot, ok := q.Status(id)
	require.True(t, ok)
	assert.Equal(t, queueFailed, snapshot.Status)
	assert.Contains(t, snapshot.LastError, "collaborator exploded")
	assert.Empty(t, q.Stats().LockedSessions)
}

func TestStuckJoinBoundedByJoinTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.joinTimeout = 10 * time.Millisecond

	q := newJoinQueue(cfg, newRegistry(cfg), func(ctx context.Context, _, _ string) (*Membership, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id := q.Enqueue("P1", "ABC123", "")
	entry := q.claimNext()
	require.NotNil(t, entry)

	q.process(context.Background(), entry)

	// A deadline-exceeded join counts as transient and goes back to
	// pending for another try.
	snapshot, ok := q.Status(id)
	require.True(t, ok)
	assert.Equal(t, queuePending, snapshot.Status)
	assert.Empty(t, q.Stats().LockedSessions)
}

func TestTimeoutMonotonicity(t *testing.T) {
	cfg := testConfig()
	q := newJoinQueue(cfg, newRegistry(cfg), joinAlwaysOK)

	id := q.Enqueue("P1", "ABC123", "")

	// Old enough to time out, young enough to survive the purge threshold.
	q.mu.Lock()
	q.entries[id].CreatedAt = time.Now().Add(-(cfg.queueTimeout + time.Second))
	q.mu.Unlock()

	q.expire(time.Now())

	snapshot, ok := q.Status(id)
	require.True(t, ok)
	assert.Equal(t, queueTimeout, snapshot.Status)

	// A completing in-flight attempt never revives a timed-out entry.
	q.mu.Lock()
	entry := q.entries[id]
	q.mu.Unlock()
	q.process(context.Background(), entry)

	snapshot, ok = q.Status(id)
	require.True(t, ok)
	assert.Equal(t, queueTimeout, snapshot.Status)

	// Terminal entries are purged once old enough.
	q.expire(time.Now().Add(2 * cfg.queueTimeout))
	_, ok = q.Status(id)
	assert.False(t, ok)
}

func TestQueueNotificationsReachWaitingConnection(t *testing.T) {
	reg := newRegistry(testConfig())
	conn := reg.Connect("ABC123", rolePlayer, &PlayerInfo{ID: "P1", Name: "Ada"}, nil)
	drain(conn)

	q := newJoinQueue(testConfig(), reg, joinAlwaysOK)

	q.Enqueue("P1", "ABC123", conn.ID)

	msgs := drain(conn)
	status, ok := firstOfType(msgs, "queue_status")
	require.True(t, ok)

	data := status.Data.(map[string]any)
	assert.Equal(t, "pending", data["status"])
	assert.Equal(t, 1, data["position"])

	entry := q.claimNext()
	require.NotNil(t, entry)
	q.process(context.Background(), entry)

	msgs = drain(conn)
	_, ok = firstOfType(msgs, "join_success")
	assert.True(t, ok)
}
