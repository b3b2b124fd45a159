package relationship

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"socialmedia/pkg/model"
)

var errEdgeChanged = errors.New("edge changed while being repaired")

// Reconciler repairs pairs whose two sides disagree. Every repair goes through
// the same idempotent set primitives as the Manager, so running it twice, or
// concurrently with user requests, is harmless.
type Reconciler struct {
	store    RecordStore
	ledger   Ledger
	logger   *slog.Logger
	opts     Options
	onRepair func(ctx context.Context, actorID int64, targetID int64)
}

func NewReconciler(store RecordStore, ledger Ledger, logger *slog.Logger, opts Options) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:  store,
		ledger: ledger,
		logger: logger,
		opts:   opts.withDefaults(),
	}
}

// OnRepair registers fn to be called after every pair the reconciler wrote
// to, once its two sides agree.
func (r *Reconciler) OnRepair(fn func(ctx context.Context, actorID int64, targetID int64)) {
	r.onRepair = fn
}

func (r *Reconciler) repaired(ctx context.Context, actorID int64, targetID int64) {
	if r.onRepair != nil {
		r.onRepair(ctx, actorID, targetID)
	}
}

// Repair makes the failed side of entry agree with the current state of the
// side that was written, then clears the entry. The current state is used
// rather than entry.Desired so that a later request for the same pair wins.
// For SIDE_BOTH the actor's following set is authoritative.
//
// Both sides are read again after the write. If a request moved the
// authoritative side meanwhile, the repair runs again, up to MaxAttempts
// times. The entry is cleared only once both sides agree.
func (r *Reconciler) Repair(ctx context.Context, entry model.LedgerEntry) error {
	logger := r.logger.With("entry_id", entry.EntryID, "actor_id", entry.ActorID, "target_id", entry.TargetID, "failed", string(entry.FailedSide))

	var sync func(ctx context.Context, actorID int64, targetID int64) error
	switch entry.FailedSide {
	case model.SIDE_FOLLOWERS, model.SIDE_BOTH:
		sync = r.syncFollowers
	case model.SIDE_FOLLOWING:
		sync = r.syncFollowing
	default:
		return fmt.Errorf("%w: unknown side %q", ErrInvalidOperation, entry.FailedSide)
	}

	var err error
	for attempt := 1; ; attempt++ {
		if err = sync(ctx, entry.ActorID, entry.TargetID); err != nil {
			break
		}
		var agree bool
		agree, err = r.agrees(ctx, entry.ActorID, entry.TargetID)
		if err != nil || agree {
			break
		}
		if attempt >= r.opts.MaxAttempts {
			err = &TransientStoreError{Op: fmt.Sprintf("repair %d -> %d", entry.ActorID, entry.TargetID), Err: errEdgeChanged}
			break
		}
		logger.Debug("follow edge changed during repair, repairing again", "attempt", attempt)
	}
	if err != nil {
		logger.Warn("error repairing follow edge", "msg", err.Error())
		return err
	}
	r.repaired(ctx, entry.ActorID, entry.TargetID)

	if r.ledger != nil && entry.EntryID != "" {
		err = r.opts.retry(ctx, func(ctx context.Context) error {
			return r.ledger.Clear(ctx, entry.EntryID)
		})
		if err != nil {
			logger.Error("error clearing reconciliation ledger entry", "msg", err.Error())
			return err
		}
	}
	logger.Debug("repaired follow edge")
	return nil
}

// Sweep repairs up to limit pending ledger entries, oldest first, and
// returns how many were repaired. Entries that cannot be repaired stay in
// the ledger for the next sweep.
func (r *Reconciler) Sweep(ctx context.Context, limit int) (int, error) {
	if r.ledger == nil {
		return 0, fmt.Errorf("%w: sweep requires a ledger", ErrInvalidOperation)
	}
	entries, err := r.ledger.Pending(ctx, limit)
	if err != nil {
		return 0, &TransientStoreError{Op: "read ledger", Err: err}
	}

	repaired := 0
	var errs []error
	for _, entry := range entries {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := r.Repair(ctx, entry); err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", entry.EntryID, err))
			continue
		}
		repaired++
	}
	if len(entries) > 0 {
		r.logger.Info("reconciliation sweep done", "pending", len(entries), "repaired", repaired)
	}
	return repaired, errors.Join(errs...)
}

// PassOptions configures a periodic reconciliation pass.
type PassOptions struct {
	SweepBatch  int // ledger entries per pass
	AuditSample int // users audited per pass, 0 disables the audit
	Sampler     Sampler
}

// Pass sweeps the ledger, if there is one, then audits a sample of users.
// The audit catches edges left one-sided by two racing requests, which
// never reach the ledger.
func (r *Reconciler) Pass(ctx context.Context, p PassOptions) (int, error) {
	repaired := 0
	var errs []error
	if r.ledger != nil {
		n, err := r.Sweep(ctx, p.SweepBatch)
		repaired += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if p.Sampler != nil && p.AuditSample > 0 {
		userIDs, err := p.Sampler.Sample(ctx, p.AuditSample)
		if err != nil {
			errs = append(errs, &TransientStoreError{Op: "sample users", Err: err})
		} else {
			n, err := r.Audit(ctx, userIDs)
			repaired += n
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return repaired, errors.Join(errs...)
}

// Run calls Pass every interval until ctx is done. report, if not nil,
// receives the outcome of every pass.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration, p PassOptions, report func(repaired int, err error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			repaired, err := r.Pass(ctx, p)
			if report != nil {
				report(repaired, err)
			}
		}
	}
}

// Audit recomputes the invariant for a sampled population without a ledger.
// For each sampled user every id in its following set must list the user as
// a follower, and every id in its followers set must list the user as
// followed. Following sets are authoritative. Returns the number of repairs.
func (r *Reconciler) Audit(ctx context.Context, userIDs []int64) (int, error) {
	repaired := 0
	var errs []error
	for _, userID := range userIDs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := r.auditUser(ctx, userID)
		repaired += n
		if err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", userID, err))
		}
	}
	if repaired > 0 {
		r.logger.Info("audit repaired follow edges", "sampled", len(userIDs), "repaired", repaired)
	}
	return repaired, errors.Join(errs...)
}

func (r *Reconciler) auditUser(ctx context.Context, userID int64) (int, error) {
	record, err := r.get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	repaired := 0
	var errs []error
	for _, followeeID := range record.Following {
		fixed, err := r.ensureFollower(ctx, userID, followeeID)
		if fixed {
			repaired++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	for _, followerID := range record.Followers {
		fixed, err := r.dropOrphanFollower(ctx, userID, followerID)
		if fixed {
			repaired++
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return repaired, errors.Join(errs...)
}

// ensureFollower repairs userID -> followeeID given that userID's following
// set holds followeeID.
func (r *Reconciler) ensureFollower(ctx context.Context, userID int64, followeeID int64) (bool, error) {
	followee, err := r.get(ctx, followeeID)
	if errors.Is(err, ErrNotFound) {
		// dangling id
		return r.fix(ctx, userID, followeeID, userID, model.SIDE_FOLLOWING, followeeID, false)
	}
	if err != nil {
		return false, err
	}
	if followee.IsFollowedBy(userID) {
		return false, nil
	}
	return r.fix(ctx, userID, followeeID, followeeID, model.SIDE_FOLLOWERS, userID, true)
}

// dropOrphanFollower removes followerID from userID's followers unless
// followerID still follows userID.
func (r *Reconciler) dropOrphanFollower(ctx context.Context, userID int64, followerID int64) (bool, error) {
	follower, err := r.get(ctx, followerID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	if err == nil && follower.IsFollowing(userID) {
		return false, nil
	}
	return r.fix(ctx, followerID, userID, userID, model.SIDE_FOLLOWERS, followerID, false)
}

// fix writes one membership of the edge actorID -> targetID.
func (r *Reconciler) fix(ctx context.Context, actorID int64, targetID int64, userID int64, field model.Side, value int64, present bool) (bool, error) {
	if err := r.set(ctx, userID, field, value, present); err != nil {
		return true, err
	}
	r.repaired(ctx, actorID, targetID)
	return true, nil
}

// agrees reports whether both sides of actorID -> targetID match. A missing
// record leaves nothing to align.
func (r *Reconciler) agrees(ctx context.Context, actorID int64, targetID int64) (bool, error) {
	actor, err := r.get(ctx, actorID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	target, err := r.get(ctx, targetID)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return actor.IsFollowing(targetID) == target.IsFollowedBy(actorID), nil
}

// syncFollowers aligns target.followers with actor.following.
func (r *Reconciler) syncFollowers(ctx context.Context, actorID int64, targetID int64) error {
	actor, err := r.get(ctx, actorID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	present := err == nil && actor.IsFollowing(targetID)
	return r.set(ctx, targetID, model.SIDE_FOLLOWERS, actorID, present)
}

// syncFollowing aligns actor.following with target.followers.
func (r *Reconciler) syncFollowing(ctx context.Context, actorID int64, targetID int64) error {
	target, err := r.get(ctx, targetID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	present := err == nil && target.IsFollowedBy(actorID)
	return r.set(ctx, actorID, model.SIDE_FOLLOWING, targetID, present)
}

func (r *Reconciler) get(ctx context.Context, userID int64) (model.UserRecord, error) {
	var record model.UserRecord
	err := r.opts.retry(ctx, func(ctx context.Context) error {
		var err error
		record, err = r.store.Get(ctx, userID)
		return err
	})
	return record, err
}

// set ignores ErrNotFound: there is nothing to repair on a record that no
// longer exists.
func (r *Reconciler) set(ctx context.Context, userID int64, field model.Side, value int64, present bool) error {
	err := r.opts.retry(ctx, func(ctx context.Context) error {
		return setMember(ctx, r.store, userID, field, value, present)
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
