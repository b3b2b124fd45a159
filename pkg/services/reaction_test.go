package services

import (
	"context"
	"fmt"
	"slices"
	"testing"

	"socialmedia/pkg/model"
	"socialmedia/pkg/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memSets stores documents as named int64 sets keyed by id.
type memSets struct {
	docs map[int64]map[string][]int64
}

func newMemSets() *memSets {
	return &memSets{docs: map[int64]map[string][]int64{}}
}

func (m *memSets) Insert(ctx context.Context, doc interface{}) error {
	var id int64
	sets := map[string][]int64{}
	switch d := doc.(type) {
	case model.PostReactions:
		id = d.PostID
		sets[LIKES_FIELD] = d.Likes
	case model.UserRecord:
		id = d.UserID
		sets[BOOKMARKS_FIELD] = d.Bookmarks
	default:
		return fmt.Errorf("unexpected document %T", doc)
	}
	if _, ok := m.docs[id]; ok {
		return storage.ErrDuplicate
	}
	m.docs[id] = sets
	return nil
}

func (m *memSets) FindOne(ctx context.Context, id int64, out interface{}) error {
	sets, ok := m.docs[id]
	if !ok {
		return fmt.Errorf("id %d: %w", id, storage.ErrNotFound)
	}
	switch o := out.(type) {
	case *model.PostReactions:
		*o = model.PostReactions{PostID: id, Likes: slices.Clone(sets[LIKES_FIELD])}
	case *model.UserRecord:
		*o = model.UserRecord{UserID: id, Bookmarks: slices.Clone(sets[BOOKMARKS_FIELD])}
	default:
		return fmt.Errorf("unexpected output %T", out)
	}
	return nil
}

func (m *memSets) AddToSet(ctx context.Context, id int64, field string, value int64) error {
	sets, ok := m.docs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !slices.Contains(sets[field], value) {
		sets[field] = append(sets[field], value)
	}
	return nil
}

func (m *memSets) RemoveFromSet(ctx context.Context, id int64, field string, value int64) error {
	sets, ok := m.docs[id]
	if !ok {
		return storage.ErrNotFound
	}
	sets[field] = slices.DeleteFunc(sets[field], func(v int64) bool { return v == value })
	return nil
}

func newReactions(t *testing.T) *reactions {
	t.Helper()
	r := &reactions{posts: newMemSets(), users: newMemSets()}
	ctx := context.Background()
	require.NoError(t, r.insertPost(ctx, 100))
	require.NoError(t, r.users.Insert(ctx, model.UserRecord{UserID: 1, Bookmarks: []int64{}}))
	require.NoError(t, r.users.Insert(ctx, model.UserRecord{UserID: 2, Bookmarks: []int64{}}))
	return r
}

func TestLikeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newReactions(t)

	require.NoError(t, r.like(ctx, 1, 100, true))
	require.NoError(t, r.like(ctx, 1, 100, true))
	require.NoError(t, r.like(ctx, 2, 100, true))

	likes, err := r.likes(ctx, 100)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, likes)
}

func TestDislikeRemovesLike(t *testing.T) {
	ctx := context.Background()
	r := newReactions(t)

	require.NoError(t, r.like(ctx, 1, 100, true))
	require.NoError(t, r.like(ctx, 2, 100, true))
	require.NoError(t, r.like(ctx, 1, 100, false))
	// disliking again is a no-op
	require.NoError(t, r.like(ctx, 1, 100, false))

	likes, err := r.likes(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{2}, likes)
}

func TestReactionsUnknownPost(t *testing.T) {
	ctx := context.Background()
	r := newReactions(t)

	assert.ErrorIs(t, r.like(ctx, 1, 999, true), ErrPostNotFound)
	_, err := r.likes(ctx, 999)
	assert.ErrorIs(t, err, ErrPostNotFound)
	_, err = r.toggleBookmark(ctx, 1, 999)
	assert.ErrorIs(t, err, ErrPostNotFound)
	_, err = r.toggleBookmark(ctx, 7, 100)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestToggleBookmark(t *testing.T) {
	ctx := context.Background()
	r := newReactions(t)

	bookmarked, err := r.toggleBookmark(ctx, 1, 100)
	require.NoError(t, err)
	assert.True(t, bookmarked)
	bookmarks, err := r.bookmarks(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int64{100}, bookmarks)

	bookmarked, err = r.toggleBookmark(ctx, 1, 100)
	require.NoError(t, err)
	assert.False(t, bookmarked)
	bookmarks, err = r.bookmarks(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, bookmarks)
}

func TestInsertPostTwice(t *testing.T) {
	ctx := context.Background()
	r := newReactions(t)
	require.NoError(t, r.like(ctx, 1, 100, true))
	require.NoError(t, r.insertPost(ctx, 100))

	likes, err := r.likes(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, likes)
}
