package relationship

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"socialmedia/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seed writes raw set memberships, bypassing the manager.
func seed(t *testing.T, store *memStore, userID int64, field model.Side, values ...int64) {
	t.Helper()
	for _, v := range values {
		require.NoError(t, store.AddToSet(context.Background(), userID, field, v))
	}
}

func TestRepairFollowsCurrentState(t *testing.T) {
	tests := []struct {
		name          string
		entry         model.LedgerEntry
		setup         func(store *memStore)
		wantFollowing []int64 // alice.following
		wantFollowers []int64 // bob.followers
	}{
		{
			name:  "missing follower is added",
			entry: model.LedgerEntry{EntryID: "1", ActorID: alice, TargetID: bob, Desired: model.FOLLOW_STATE_FOLLOWING, FailedSide: model.SIDE_FOLLOWERS},
			setup: func(store *memStore) {
				seed(t, store, alice, model.SIDE_FOLLOWING, bob)
			},
			wantFollowing: []int64{bob},
			wantFollowers: []int64{alice},
		},
		{
			name:  "later unfollow wins over ledger intent",
			entry: model.LedgerEntry{EntryID: "2", ActorID: alice, TargetID: bob, Desired: model.FOLLOW_STATE_FOLLOWING, FailedSide: model.SIDE_FOLLOWERS},
			setup: func(store *memStore) {
				seed(t, store, bob, model.SIDE_FOLLOWERS, alice)
			},
			wantFollowing: nil,
			wantFollowers: nil,
		},
		{
			name:  "stale following is removed",
			entry: model.LedgerEntry{EntryID: "3", ActorID: alice, TargetID: bob, Desired: model.FOLLOW_STATE_NOT_FOLLOWING, FailedSide: model.SIDE_FOLLOWING},
			setup: func(store *memStore) {
				seed(t, store, alice, model.SIDE_FOLLOWING, bob)
			},
			wantFollowing: nil,
			wantFollowers: nil,
		},
		{
			name:  "both sides failed uses following",
			entry: model.LedgerEntry{EntryID: "4", ActorID: alice, TargetID: bob, Desired: model.FOLLOW_STATE_FOLLOWING, FailedSide: model.SIDE_BOTH},
			setup: func(store *memStore) {
				seed(t, store, alice, model.SIDE_FOLLOWING, bob)
			},
			wantFollowing: []int64{bob},
			wantFollowers: []int64{alice},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore(alice, bob)
			ledger := &memLedger{entries: []model.LedgerEntry{tt.entry}}
			tt.setup(store)

			r := NewReconciler(store, ledger, nil, testOptions())
			require.NoError(t, r.Repair(context.Background(), tt.entry))
			// a second run is a no-op
			require.NoError(t, r.Repair(context.Background(), tt.entry))

			assert.ElementsMatch(t, tt.wantFollowing, store.record(t, alice).Following)
			assert.ElementsMatch(t, tt.wantFollowers, store.record(t, bob).Followers)
			assert.Zero(t, ledger.len())
			store.requireConsistent(t)
		})
	}
}

func TestRepairRejectsUnknownSide(t *testing.T) {
	r := NewReconciler(newMemStore(alice, bob), &memLedger{}, nil, testOptions())
	err := r.Repair(context.Background(), model.LedgerEntry{EntryID: "x", ActorID: alice, TargetID: bob, FailedSide: "sideways"})
	require.ErrorIs(t, err, ErrInvalidOperation)
}

func TestRepairOfDeletedUserClearsEntry(t *testing.T) {
	store := newMemStore(bob)
	seed(t, store, bob, model.SIDE_FOLLOWERS, alice)
	entry := model.LedgerEntry{EntryID: "1", ActorID: alice, TargetID: bob, FailedSide: model.SIDE_FOLLOWERS}
	ledger := &memLedger{entries: []model.LedgerEntry{entry}}

	require.NoError(t, NewReconciler(store, ledger, nil, testOptions()).Repair(context.Background(), entry))
	assert.Empty(t, store.record(t, bob).Followers)
	assert.Zero(t, ledger.len())
}

func TestSweepKeepsUnrepairedEntries(t *testing.T) {
	store := newMemStore(alice, bob, carol)
	seed(t, store, alice, model.SIDE_FOLLOWING, bob, carol)
	ledger := &memLedger{entries: []model.LedgerEntry{
		{EntryID: "a", ActorID: alice, TargetID: bob, FailedSide: model.SIDE_FOLLOWERS, Timestamp: 1},
		{EntryID: "b", ActorID: alice, TargetID: carol, FailedSide: model.SIDE_FOLLOWERS, Timestamp: 2},
	}}
	store.failWrites(carol, model.SIDE_FOLLOWERS, -1)

	r := NewReconciler(store, ledger, nil, testOptions())
	repaired, err := r.Sweep(context.Background(), 10)
	require.Error(t, err)
	assert.Equal(t, 1, repaired)
	pending, err := ledger.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].EntryID)

	store.failWrites(carol, model.SIDE_FOLLOWERS, 0)
	repaired, err = r.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	store.requireConsistent(t)
}

func TestSweepRequiresLedger(t *testing.T) {
	_, err := NewReconciler(newMemStore(), nil, nil, testOptions()).Sweep(context.Background(), 1)
	require.ErrorIs(t, err, ErrInvalidOperation)
}

func TestAuditRepairsPopulation(t *testing.T) {
	const ghost int64 = 99
	store := newMemStore(alice, bob, carol)
	seed(t, store, alice, model.SIDE_FOLLOWING, bob, ghost) // bob misses alice, ghost does not exist
	seed(t, store, carol, model.SIDE_FOLLOWERS, bob)        // bob does not follow carol
	seed(t, store, bob, model.SIDE_FOLLOWING, alice)
	seed(t, store, alice, model.SIDE_FOLLOWERS, bob) // consistent edge

	r := NewReconciler(store, nil, nil, testOptions())
	repaired, err := r.Audit(context.Background(), []int64{alice, carol, ghost})
	require.NoError(t, err)
	assert.Equal(t, 3, repaired)

	assert.Equal(t, []int64{bob}, store.record(t, alice).Following)
	assert.Equal(t, []int64{alice}, store.record(t, bob).Followers)
	assert.Empty(t, store.record(t, carol).Followers)
	store.requireConsistent(t)

	repaired, err = r.Audit(context.Background(), []int64{alice, bob, carol})
	require.NoError(t, err)
	assert.Zero(t, repaired)
}

func TestRepairRechecksAfterConcurrentUnfollow(t *testing.T) {
	store := newMemStore(alice, bob)
	seed(t, store, alice, model.SIDE_FOLLOWING, bob)
	entry := model.LedgerEntry{EntryID: "1", ActorID: alice, TargetID: bob, Desired: model.FOLLOW_STATE_FOLLOWING, FailedSide: model.SIDE_FOLLOWERS, Timestamp: 1}
	ledger := &memLedger{entries: []model.LedgerEntry{entry}}
	m := NewManager(store, ledger, nil, testOptions())

	// an unfollow completes while the repair adds the missing follower
	var fired atomic.Bool
	var unfollowErr error
	store.beforeWrite = func(userID int64, field model.Side) {
		if userID == bob && field == model.SIDE_FOLLOWERS && fired.CompareAndSwap(false, true) {
			_, unfollowErr = m.SetFollowState(context.Background(), alice, bob, model.FOLLOW_STATE_NOT_FOLLOWING)
		}
	}

	repaired, err := NewReconciler(store, ledger, nil, testOptions()).Sweep(context.Background(), 10)
	require.NoError(t, err)
	require.NoError(t, unfollowErr)
	assert.Equal(t, 1, repaired)
	assert.Zero(t, ledger.len())
	assert.Empty(t, store.record(t, alice).Following)
	assert.Empty(t, store.record(t, bob).Followers)
	store.requireConsistent(t)
}

func TestRepairKeepsEntryWhileEdgeKeepsMoving(t *testing.T) {
	store := newMemStore(alice, bob)
	seed(t, store, alice, model.SIDE_FOLLOWING, bob)
	entry := model.LedgerEntry{EntryID: "1", ActorID: alice, TargetID: bob, FailedSide: model.SIDE_FOLLOWERS}
	ledger := &memLedger{entries: []model.LedgerEntry{entry}}

	// every repair write races a flip of alice's following set
	store.beforeWrite = func(userID int64, field model.Side) {
		if userID != bob || field != model.SIDE_FOLLOWERS {
			return
		}
		if store.following(alice, bob) {
			require.NoError(t, store.RemoveFromSet(context.Background(), alice, model.SIDE_FOLLOWING, bob))
		} else {
			require.NoError(t, store.AddToSet(context.Background(), alice, model.SIDE_FOLLOWING, bob))
		}
	}

	err := NewReconciler(store, ledger, nil, testOptions()).Repair(context.Background(), entry)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 1, ledger.len())

	store.beforeWrite = nil
	require.NoError(t, NewReconciler(store, ledger, nil, testOptions()).Repair(context.Background(), entry))
	assert.Zero(t, ledger.len())
	store.requireConsistent(t)
}

type pair struct{ actorID, targetID int64 }

func TestRepairHookSeesRepairedPairs(t *testing.T) {
	store := newMemStore(alice, bob, carol)
	seed(t, store, alice, model.SIDE_FOLLOWING, bob)
	seed(t, store, carol, model.SIDE_FOLLOWERS, bob)
	entry := model.LedgerEntry{EntryID: "1", ActorID: alice, TargetID: bob, FailedSide: model.SIDE_FOLLOWERS}

	var mu sync.Mutex
	var seen []pair
	r := NewReconciler(store, &memLedger{entries: []model.LedgerEntry{entry}}, nil, testOptions())
	r.OnRepair(func(ctx context.Context, actorID int64, targetID int64) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, pair{actorID, targetID})
	})

	require.NoError(t, r.Repair(context.Background(), entry))
	_, err := r.Audit(context.Background(), []int64{carol})
	require.NoError(t, err)

	assert.Equal(t, []pair{{alice, bob}, {bob, carol}}, seen)
	store.requireConsistent(t)
}

func TestPassSweepsAndAudits(t *testing.T) {
	store := newMemStore(alice, bob, carol)
	seed(t, store, alice, model.SIDE_FOLLOWING, bob) // in the ledger
	seed(t, store, carol, model.SIDE_FOLLOWERS, bob) // only an audit finds it
	ledger := &memLedger{entries: []model.LedgerEntry{{EntryID: "1", ActorID: alice, TargetID: bob, FailedSide: model.SIDE_FOLLOWERS}}}

	r := NewReconciler(store, ledger, nil, testOptions())
	repaired, err := r.Pass(context.Background(), PassOptions{SweepBatch: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.False(t, store.isConsistent())

	repaired, err = r.Pass(context.Background(), PassOptions{SweepBatch: 10, AuditSample: 10, Sampler: store})
	require.NoError(t, err)
	assert.Equal(t, 1, repaired)
	assert.Zero(t, ledger.len())
	store.requireConsistent(t)
}
