// Package service implements provisioning, deployment and monitoring of the worker fleet.
package service

import (
	"context"
	"errors"
	"time"

	"github.com/crabzie/fog-fleet/internal/core/domain"
	"golang.org/x/sync/errgroup"
)

// errPollTimeout is returned by pollUntil when cond never held
var errPollTimeout = errors.New("condition not met before timeout")

// errNotScheduled marks nodes skipped because the run was cancelled or failed fast
var errNotScheduled = errors.New("not scheduled")

// forEachNode runs unit for every node, at most limit at a time. Units run under a
// context detached from ctx so an interrupt never leaves a node half configured;
// cancelling ctx only stops new units from being scheduled, and those nodes get
// errNotScheduled. With failFast the first unit error also stops scheduling and is
// returned.
func forEachNode(ctx context.Context, nodes []domain.Node, limit int, failFast bool,
	unit func(ctx context.Context, i int, node domain.Node) error,
	done func(i int, node domain.Node, err error)) error {

	if limit < 1 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	detached := context.WithoutCancel(ctx)

	for i, node := range nodes {
		i, node := i, node
		// g.Go blocks while limit units are running
		if gctx.Err() != nil {
			done(i, node, errNotScheduled)
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				done(i, node, errNotScheduled)
				return nil
			}
			err := unit(detached, i, node)
			done(i, node, err)
			if err != nil && failFast {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// pollUntil checks cond immediately and then every interval until it reports true,
// returns an error, or timeout elapses.
func pollUntil(ctx context.Context, interval, timeout time.Duration, cond func(ctx context.Context) (bool, error)) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return errPollTimeout
			}
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// skippedOutcome reports a node that was never attempted
func skippedOutcome(node domain.Node, reason string) domain.Outcome {
	return domain.Outcome{Node: node.Name, Address: node.Address, Status: domain.OutcomeSkipped, Reason: reason}
}
