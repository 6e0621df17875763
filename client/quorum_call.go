package client

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// QuorumError aggregates per-peer outcomes when a majority became
// impossible.
type QuorumError struct {
	Successes int
	Total     int
	Failures  map[string]error
}

func (e *QuorumError) Error() string {
	peers := make([]string, 0, len(e.Failures))
	for peer := range e.Failures {
		peers = append(peers, peer)
	}
	sort.Strings(peers)
	parts := make([]string, 0, len(peers))
	for _, peer := range peers {
		parts = append(parts, fmt.Sprintf("%s: %v", peer, e.Failures[peer]))
	}
	return fmt.Sprintf("quorum failed: %d/%d succeeded; %s",
		e.Successes, e.Total, strings.Join(parts, "; "))
}

type peerEvent[T any] struct {
	peer string
	val  T
	err  error
}

// QuorumCall joins one Deferred per peer and waits for a strict majority of
// successes. It is single-use and performs no retries or reordering of its
// own.
type QuorumCall[T any] struct {
	calls  map[string]*Deferred[T]
	events chan peerEvent[T]
}

// NewQuorumCall starts watching the given per-peer deferreds.
func NewQuorumCall[T any](calls map[string]*Deferred[T]) *QuorumCall[T] {
	q := &QuorumCall[T]{
		calls:  calls,
		events: make(chan peerEvent[T], len(calls)),
	}
	for peer, d := range calls {
		go func(peer string, d *Deferred[T]) {
			<-d.Done()
			val, err := d.Result()
			q.events <- peerEvent[T]{peer: peer, val: val, err: err}
		}(peer, d)
	}
	return q
}

// AwaitQuorum blocks until a strict majority of peers has succeeded,
// returning their results, or fails as soon as a majority is impossible or
// the context expires. On failure, still-pending deferreds are canceled
// best-effort.
func (q *QuorumCall[T]) AwaitQuorum(ctx context.Context) (map[string]T, error) {
	var (
		total     = len(q.calls)
		majority  = total/2 + 1
		successes = make(map[string]T)
		failures  = make(map[string]error)
	)
	for len(successes)+len(failures) < total {
		select {
		case ev := <-q.events:
			if ev.err != nil {
				failures[ev.peer] = ev.err
			} else {
				successes[ev.peer] = ev.val
			}
		case <-ctx.Done():
			q.cancelPending(successes, failures)
			return nil, &QuorumError{
				Successes: len(successes),
				Total:     total,
				Failures:  q.timeoutFailures(successes, failures),
			}
		}
		if len(successes) >= majority {
			return successes, nil
		}
		if len(failures) > total-majority {
			q.cancelPending(successes, failures)
			return nil, &QuorumError{Successes: len(successes), Total: total, Failures: failures}
		}
	}
	// Unreachable for total > 0: one of the two exits above fires first.
	return nil, &QuorumError{Successes: len(successes), Total: total, Failures: failures}
}

func (q *QuorumCall[T]) cancelPending(successes map[string]T, failures map[string]error) {
	for peer, d := range q.calls {
		if _, ok := successes[peer]; ok {
			continue
		}
		if _, ok := failures[peer]; ok {
			continue
		}
		d.Cancel()
	}
}

func (q *QuorumCall[T]) timeoutFailures(successes map[string]T, failures map[string]error) map[string]error {
	out := make(map[string]error, len(q.calls))
	for peer, err := range failures {
		out[peer] = err
	}
	for peer := range q.calls {
		if _, ok := successes[peer]; ok {
			continue
		}
		if _, ok := out[peer]; !ok {
			out[peer] = ErrTimeout
		}
	}
	return out
}
