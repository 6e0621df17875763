package client

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// Ensure awaitQuorum returns as soon as a strict majority has succeeded,
// without waiting for the slow peer.
func TestQuorumCallMajoritySucceeds(t *testing.T) {
	calls := map[string]*Deferred[int]{
		"jn0": NewDeferred[int](),
		"jn1": NewDeferred[int](),
		"jn2": NewDeferred[int](),
	}
	q := NewQuorumCall(calls)

	calls["jn0"].Complete(10)
	calls["jn1"].Complete(11)
	// jn2 never responds.

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := q.AwaitQuorum(ctx)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 10, results["jn0"])
	require.Equal(t, 11, results["jn1"])
}

// Ensure awaitQuorum fails once a majority is impossible and the error
// message carries every peer's failure.
func TestQuorumCallMajorityImpossible(t *testing.T) {
	calls := map[string]*Deferred[Void]{
		"jn0": NewDeferred[Void](),
		"jn1": NewDeferred[Void](),
		"jn2": NewDeferred[Void](),
	}
	q := NewQuorumCall(calls)

	calls["jn0"].Complete(Void{})
	// Let jn0's success reach the call before the failures do, so the
	// success count does not depend on goroutine scheduling.
	for len(q.events) == 0 {
		time.Sleep(time.Millisecond)
	}
	calls["jn1"].Fail(errors.New("disk failure on jn1"))
	calls["jn2"].Fail(errors.New("disk failure on jn2"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := q.AwaitQuorum(ctx)
	require.Error(t, err)
	qerr, ok := err.(*QuorumError)
	require.True(t, ok)
	require.Equal(t, 1, qerr.Successes)
	require.Contains(t, err.Error(), "disk failure on jn1")
	require.Contains(t, err.Error(), "disk failure on jn2")
}

// Ensure awaitQuorum fails with per-peer timeouts when the context expires,
// and cancels the still-pending deferreds.
func TestQuorumCallTimeout(t *testing.T) {
	calls := map[string]*Deferred[Void]{
		"jn0": NewDeferred[Void](),
		"jn1": NewDeferred[Void](),
		"jn2": NewDeferred[Void](),
	}
	q := NewQuorumCall(calls)
	calls["jn0"].Complete(Void{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.AwaitQuorum(ctx)
	require.Error(t, err)
	qerr, ok := err.(*QuorumError)
	require.True(t, ok)
	require.Equal(t, 1, qerr.Successes)
	require.ErrorIs(t, qerr.Failures["jn1"], ErrTimeout)
	require.ErrorIs(t, qerr.Failures["jn2"], ErrTimeout)

	// The pending deferreds were canceled.
	<-calls["jn1"].Done()
	_, err = calls["jn1"].Result()
	require.ErrorIs(t, err, ErrCanceled)
}

// Ensure a Deferred completes exactly once.
func TestDeferredSingleAssignment(t *testing.T) {
	d := NewDeferred[int]()
	d.Complete(42)
	d.Fail(errors.New("too late"))
	d.Cancel()

	<-d.Done()
	val, err := d.Result()
	require.NoError(t, err)
	require.Equal(t, 42, val)
}
