package relationship

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"socialmedia/pkg/model"

	"github.com/stretchr/testify/require"
)

var errUnavailable = errors.New("store unavailable")

type failKey struct {
	userID int64
	field  model.Side
}

// memStore is an in-memory RecordStore with failure injection.
type memStore struct {
	mu          sync.Mutex
	records     map[int64]*model.UserRecord
	writeFail   map[failKey]int // remaining failures, negative means forever
	getFail     map[int64]int
	writes      int
	beforeWrite func(userID int64, field model.Side)
	blockGets   atomic.Bool // Get waits for ctx to be done
}

func newMemStore(userIDs ...int64) *memStore {
	s := &memStore{
		records:   map[int64]*model.UserRecord{},
		writeFail: map[failKey]int{},
		getFail:   map[int64]int{},
	}
	for _, id := range userIDs {
		s.records[id] = &model.UserRecord{UserID: id}
	}
	return s
}

func (s *memStore) Get(ctx context.Context, userID int64) (model.UserRecord, error) {
	if s.blockGets.Load() {
		<-ctx.Done()
		return model.UserRecord{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if consume(s.getFail, userID) {
		return model.UserRecord{}, errUnavailable
	}
	record, ok := s.records[userID]
	if !ok {
		return model.UserRecord{}, ErrNotFound
	}
	return model.UserRecord{
		UserID:    record.UserID,
		Following: slices.Clone(record.Following),
		Followers: slices.Clone(record.Followers),
		Bookmarks: slices.Clone(record.Bookmarks),
	}, nil
}

func (s *memStore) AddToSet(ctx context.Context, userID int64, field model.Side, value int64) error {
	return s.update(ctx, userID, field, func(set []int64) []int64 {
		if slices.Contains(set, value) {
			return set
		}
		return append(set, value)
	})
}

func (s *memStore) RemoveFromSet(ctx context.Context, userID int64, field model.Side, value int64) error {
	return s.update(ctx, userID, field, func(set []int64) []int64 {
		return slices.DeleteFunc(set, func(v int64) bool { return v == value })
	})
}

func (s *memStore) update(ctx context.Context, userID int64, field model.Side, fn func([]int64) []int64) error {
	if s.beforeWrite != nil {
		s.beforeWrite(userID, field)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if consume(s.writeFail, failKey{userID, field}) {
		return errUnavailable
	}
	record, ok := s.records[userID]
	if !ok {
		return ErrNotFound
	}
	switch field {
	case model.SIDE_FOLLOWING:
		record.Following = fn(record.Following)
	case model.SIDE_FOLLOWERS:
		record.Followers = fn(record.Followers)
	default:
		return errors.New("unknown field")
	}
	return nil
}

// Sample returns every user id, up to n.
func (s *memStore) Sample(ctx context.Context, n int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]int64, 0, len(s.records))
	for id := range s.records {
		if len(ids) == n {
			break
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// following reports whether userID's following set holds value, without
// failure injection.
func (s *memStore) following(userID int64, value int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[userID]
	return ok && slices.Contains(record.Following, value)
}

// isConsistent is requireConsistent for use inside Eventually.
func (s *memStore) isConsistent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, record := range s.records {
		for otherID, other := range s.records {
			if id != otherID && slices.Contains(record.Following, otherID) != slices.Contains(other.Followers, id) {
				return false
			}
		}
	}
	return true
}

func consume[K comparable](failures map[K]int, key K) bool {
	n := failures[key]
	if n == 0 {
		return false
	}
	if n > 0 {
		failures[key] = n - 1
	}
	return true
}

func (s *memStore) failWrites(userID int64, field model.Side, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeFail[failKey{userID, field}] = n
}

func (s *memStore) failGets(userID int64, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getFail[userID] = n
}

func (s *memStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *memStore) record(t *testing.T, userID int64) model.UserRecord {
	t.Helper()
	record, err := s.Get(context.Background(), userID)
	require.NoError(t, err)
	return record
}

// requireConsistent checks B ∈ A.following ⟺ A ∈ B.followers for every pair.
func (s *memStore) requireConsistent(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, record := range s.records {
		for otherID, other := range s.records {
			if id == otherID {
				continue
			}
			require.Equal(t, slices.Contains(record.Following, otherID), slices.Contains(other.Followers, id),
				"edge %d -> %d is one-sided", id, otherID)
		}
	}
}

type memLedger struct {
	mu         sync.Mutex
	entries    []model.LedgerEntry
	failAppend bool
}

func (l *memLedger) Append(ctx context.Context, entry model.LedgerEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failAppend {
		return errUnavailable
	}
	l.entries = append(l.entries, entry)
	return nil
}

func (l *memLedger) Pending(ctx context.Context, limit int) ([]model.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := slices.Clone(l.entries)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp < entries[j].Timestamp })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (l *memLedger) Clear(ctx context.Context, entryID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = slices.DeleteFunc(l.entries, func(e model.LedgerEntry) bool { return e.EntryID == entryID })
	return nil
}

func (l *memLedger) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func testOptions() Options {
	return Options{
		MaxAttempts:   3,
		BaseDelay:     time.Millisecond,
		MaxDelay:      2 * time.Millisecond,
		Timeout:       time.Second,
		LedgerTimeout: 100 * time.Millisecond,
	}
}
