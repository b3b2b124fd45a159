// Package relationship maintains the directed "follows" edge between two
// user records whose store only offers independent single-record writes.
//
// An edge is two set memberships: the target id in the actor's following set
// and the actor id in the target's followers set. Both memberships are
// written with idempotent set primitives, concurrently, and retried
// separately. When only one of them lands the caller gets a
// PartialFailureError and the pair is appended to a Ledger, from which a
// Reconciler later completes the missing side. Writes are never rolled back.
package relationship

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"socialmedia/pkg/model"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

type Manager struct {
	store  RecordStore
	ledger Ledger
	logger *slog.Logger
	opts   Options
	now    func() time.Time
}

// NewManager returns a manager writing to store. ledger may be nil, in which
// case partial failures are only reported to the caller and logged.
func NewManager(store RecordStore, ledger Ledger, logger *slog.Logger, opts Options) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		ledger: ledger,
		logger: logger,
		opts:   opts.withDefaults(),
		now:    time.Now,
	}
}

// SetFollowState makes actorID follow (or stop following) targetID.
// Changed is false when the edge was already in the desired state.
func (m *Manager) SetFollowState(ctx context.Context, actorID int64, targetID int64, desired model.FollowState) (model.FollowResult, error) {
	if actorID == targetID {
		return model.FollowResult{}, ErrSelfFollow
	}
	if !desired.Valid() {
		return model.FollowResult{}, ErrUnknownState
	}

	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	actor, _, err := m.load(ctx, actorID, targetID)
	if err != nil {
		return model.FollowResult{}, err
	}
	if actor.IsFollowing(targetID) == (desired == model.FOLLOW_STATE_FOLLOWING) {
		m.logger.Debug("follow state already set", "actor_id", actorID, "target_id", targetID, "state", desired.String())
		return model.FollowResult{Changed: false, State: desired}, nil
	}
	if err := ctx.Err(); err != nil {
		// nothing has been written yet
		return model.FollowResult{}, err
	}
	return m.apply(ctx, actorID, targetID, desired)
}

// Toggle flips the current edge state.
func (m *Manager) Toggle(ctx context.Context, actorID int64, targetID int64) (model.FollowResult, error) {
	if actorID == targetID {
		return model.FollowResult{}, ErrSelfFollow
	}
	ctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	actor, err := m.get(ctx, actorID)
	if err != nil {
		return model.FollowResult{}, err
	}
	desired := model.FOLLOW_STATE_FOLLOWING
	if actor.IsFollowing(targetID) {
		desired = model.FOLLOW_STATE_NOT_FOLLOWING
	}
	return m.SetFollowState(ctx, actorID, targetID, desired)
}

// load reads both records concurrently.
func (m *Manager) load(ctx context.Context, actorID int64, targetID int64) (model.UserRecord, model.UserRecord, error) {
	var actor, target model.UserRecord
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		actor, err = m.get(gctx, actorID)
		return err
	})
	g.Go(func() error {
		var err error
		target, err = m.get(gctx, targetID)
		return err
	})
	err := g.Wait()
	return actor, target, err
}

func (m *Manager) get(ctx context.Context, userID int64) (model.UserRecord, error) {
	var record model.UserRecord
	err := m.opts.retry(ctx, func(ctx context.Context) error {
		var err error
		record, err = m.store.Get(ctx, userID)
		return err
	})
	if err == nil {
		return record, nil
	}
	if errors.Is(err, ErrNotFound) {
		return model.UserRecord{}, fmt.Errorf("user %d: %w", userID, ErrNotFound)
	}
	if errors.Is(err, context.Canceled) {
		return model.UserRecord{}, err
	}
	return model.UserRecord{}, &TransientStoreError{Op: fmt.Sprintf("read user %d", userID), Err: err}
}

// apply issues both writes in parallel. They run detached from the caller's
// cancellation so that an accepted write is always either matched by the
// other one or reported and recorded.
func (m *Manager) apply(ctx context.Context, actorID int64, targetID int64, desired model.FollowState) (model.FollowResult, error) {
	deadline, _ := ctx.Deadline()
	wctx, cancel := context.WithDeadline(context.WithoutCancel(ctx), deadline)
	defer cancel()

	present := desired == model.FOLLOW_STATE_FOLLOWING
	var errs [2]error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		// actor -> target
		defer wg.Done()
		errs[0] = m.opts.retry(wctx, func(ctx context.Context) error {
			return setMember(ctx, m.store, actorID, model.SIDE_FOLLOWING, targetID, present)
		})
	}()
	go func() {
		// target <- actor
		defer wg.Done()
		errs[1] = m.opts.retry(wctx, func(ctx context.Context) error {
			return setMember(ctx, m.store, targetID, model.SIDE_FOLLOWERS, actorID, present)
		})
	}()
	wg.Wait()

	switch {
	case errs[0] == nil && errs[1] == nil:
		m.logger.Debug("follow state updated", "actor_id", actorID, "target_id", targetID, "state", desired.String())
		return model.FollowResult{Changed: true, State: desired}, nil
	case errs[0] == nil:
		return model.FollowResult{}, m.partialFailure(ctx, actorID, targetID, desired, model.SIDE_FOLLOWING, model.SIDE_FOLLOWERS, errs[1])
	case errs[1] == nil:
		return model.FollowResult{}, m.partialFailure(ctx, actorID, targetID, desired, model.SIDE_FOLLOWERS, model.SIDE_FOLLOWING, errs[0])
	}

	// Either write may have been applied before its error was observed, so
	// the pair still goes to the ledger.
	err := errors.Join(errs[0], errs[1])
	m.logger.Warn("both sides of follow update failed", "actor_id", actorID, "target_id", targetID, "state", desired.String(), "msg", err.Error())
	m.record(ctx, actorID, targetID, desired, model.SIDE_BOTH)
	return model.FollowResult{}, &TransientStoreError{Op: "write edge", Err: err}
}

func (m *Manager) partialFailure(ctx context.Context, actorID int64, targetID int64, desired model.FollowState, succeeded model.Side, failed model.Side, cause error) error {
	m.logger.Error("partial failure updating follow edge",
		"actor_id", actorID, "target_id", targetID, "state", desired.String(),
		"succeeded", string(succeeded), "failed", string(failed), "msg", cause.Error())
	recorded := m.record(ctx, actorID, targetID, desired, failed)
	return &PartialFailureError{
		ActorID:   actorID,
		TargetID:  targetID,
		Desired:   desired,
		Succeeded: succeeded,
		Failed:    failed,
		Recorded:  recorded,
		Err:       cause,
	}
}

// record appends the pair to the ledger with its own time budget, since the
// operation deadline may already be spent by the failed write.
func (m *Manager) record(ctx context.Context, actorID int64, targetID int64, desired model.FollowState, failed model.Side) bool {
	if m.ledger == nil {
		m.logger.Warn("no reconciliation ledger configured", "actor_id", actorID, "target_id", targetID, "failed", string(failed))
		return false
	}
	entry := model.LedgerEntry{
		EntryID:    uuid.NewString(),
		ActorID:    actorID,
		TargetID:   targetID,
		Desired:    desired,
		FailedSide: failed,
		Timestamp:  m.now().UnixMilli(),
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.LedgerTimeout)
	defer cancel()
	err := m.opts.retry(lctx, func(ctx context.Context) error {
		return m.ledger.Append(ctx, entry)
	})
	if err != nil {
		m.logger.Error("error appending reconciliation ledger entry", "entry_id", entry.EntryID,
			"actor_id", actorID, "target_id", targetID, "failed", string(failed), "msg", err.Error())
		return false
	}
	return true
}
