package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/devghori1264/mcpanel/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shortLease(c *Config) {
	c.LeaseTTL = 150 * time.Millisecond
	c.CallTimeout = 3 * time.Second
}

func TestRecoverLeavesLiveOperationToItsOwner(t *testing.T) {
	h := newHarness(t)
	h.proc.startGate = make(chan struct{})
	ctx := context.Background()

	owner := h.orchestratorOn(t, h.store, shortLease)
	_, err := owner.Init(ctx)
	require.NoError(t, err)
	ack, err := owner.RequestStart(ctx)
	require.NoError(t, err)
	waitPhase(t, owner, models.PhaseRestoring)
	require.Eventually(t, func() bool { return h.proc.startCount() == 1 }, time.Second, 5*time.Millisecond)

	replica := h.orchestratorOn(t, h.store, shortLease)
	require.NoError(t, replica.Recover(ctx))

	// several lease periods pass while the owner is still inside Start
	time.Sleep(500 * time.Millisecond)
	rec, err := replica.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseRestoring, rec.Phase)
	assert.Equal(t, ack.Token, rec.PendingOperationToken)
	assert.Equal(t, 1, h.proc.startCount())

	close(h.proc.startGate)
	waitPhase(t, replica, models.PhaseRunning)
	assert.Equal(t, 1, h.proc.startCount(), "the replica must not drive the same step")
	assert.Equal(t, 1, h.cloud.createCount())
}

func TestRecoverTakesOverLapsedOperationWithFreshToken(t *testing.T) {
	h := newHarness(t)
	h.proc.startGate = make(chan struct{})
	ctx := context.Background()

	// the first owner keeps working but never renews its lease
	partitioned := &flakyStore{BadgerStore: h.store, dropLeases: true}
	stale := h.orchestratorOn(t, partitioned, shortLease)
	_, err := stale.Init(ctx)
	require.NoError(t, err)
	ack, err := stale.RequestStart(ctx)
	require.NoError(t, err)
	waitPhase(t, stale, models.PhaseRestoring)
	require.Eventually(t, func() bool { return h.proc.startCount() == 1 }, time.Second, 5*time.Millisecond)

	events, cancel := h.hub.Subscribe(32)
	defer cancel()

	replica := h.orchestratorOn(t, h.store, shortLease)
	require.NoError(t, replica.Recover(ctx))

	rec, err := replica.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseRestoring, rec.Phase)
	assert.NotEmpty(t, rec.PendingOperationToken)
	assert.NotEqual(t, ack.Token, rec.PendingOperationToken, "takeover must mint a new token")
	assert.Equal(t, ack.Token, rec.LastToken, "the cloud request token is kept")

	close(h.proc.startGate)
	done := waitPhase(t, replica, models.PhaseRunning)
	assert.Empty(t, done.PendingOperationToken)
	stale.Close()

	running := 0
	for {
		select {
		case ev := <-events:
			if ev.To == models.PhaseRunning {
				running++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 1, running, "only the new owner may commit the step")
	assert.Equal(t, 1, h.cloud.createCount())
}

func TestCommitRetriedAfterStoreError(t *testing.T) {
	h := newHarness(t)
	store := &flakyStore{BadgerStore: h.store, failSwaps: map[models.Phase]int{models.PhaseRestoring: 1}}
	o := h.orchestratorOn(t, store, nil)
	ctx := context.Background()
	_, err := o.Init(ctx)
	require.NoError(t, err)

	_, err = o.RequestStart(ctx)
	require.NoError(t, err)
	rec := waitPhase(t, o, models.PhaseRunning)
	assert.Empty(t, rec.PendingOperationToken)
	assert.Equal(t, 1, h.cloud.createCount())
}

func TestCommitErrorAfterWriteLandedIsRecognised(t *testing.T) {
	h := newHarness(t)
	store := &flakyStore{
		BadgerStore: h.store,
		failSwaps:   map[models.Phase]int{models.PhaseRestoring: 1},
		landFirst:   true,
	}
	o := h.orchestratorOn(t, store, nil)
	ctx := context.Background()
	_, err := o.Init(ctx)
	require.NoError(t, err)

	_, err = o.RequestStart(ctx)
	require.NoError(t, err)
	waitPhase(t, o, models.PhaseRunning)
	assert.Equal(t, 1, h.proc.startCount())
}

func TestCommitFailureRecordsFailedAndAllowsReconcile(t *testing.T) {
	h := newHarness(t)
	// every attempt of the provisioning commit fails (MaxRetries is 2)
	store := &flakyStore{BadgerStore: h.store, failSwaps: map[models.Phase]int{models.PhaseRestoring: 3}}
	o := h.orchestratorOn(t, store, nil)
	ctx := context.Background()
	_, err := o.Init(ctx)
	require.NoError(t, err)

	_, err = o.RequestStart(ctx)
	require.NoError(t, err)
	failed := waitPhase(t, o, models.PhaseFailed)
	assert.Empty(t, failed.PendingOperationToken)
	assert.Equal(t, models.PhaseProvisioning, failed.FailedFrom)
	assert.Contains(t, failed.LastError, "disk hiccup")

	rec, err := o.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.PhaseRestoring, rec.Phase, "VM found by request token, start resumes")
	waitPhase(t, o, models.PhaseRunning)
	assert.Equal(t, 1, h.cloud.createCount())
}

func TestHungCallBecomesBoundedFailure(t *testing.T) {
	h := newHarness(t)
	// Start blocks until its context ends
	h.proc.startGate = make(chan struct{})
	o := h.orchestratorOn(t, h.store, func(c *Config) { c.CallTimeout = 20 * time.Millisecond })
	ctx := context.Background()
	_, err := o.Init(ctx)
	require.NoError(t, err)

	began := time.Now()
	_, err = o.RequestStart(ctx)
	require.NoError(t, err)
	failed := waitPhase(t, o, models.PhaseFailed)

	assert.Less(t, time.Since(began), 2*time.Second)
	assert.Equal(t, models.PhaseRestoring, failed.FailedFrom)
	assert.Contains(t, failed.LastError, "process.start failed after 3 attempts")
	assert.Contains(t, failed.LastError, context.DeadlineExceeded.Error())
	assert.Equal(t, 3, h.proc.startCount(), "one attempt plus MaxRetries retries")
}
