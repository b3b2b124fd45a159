package storage

import (
	"errors"
	"fmt"
	"testing"

	"socialmedia/pkg/relationship"

	"github.com/stretchr/testify/assert"
)

func TestNotFoundMapsToRelationshipError(t *testing.T) {
	err := notFound(fmt.Errorf("user_id 7: %w", ErrNotFound))
	assert.ErrorIs(t, err, relationship.ErrNotFound)
	assert.ErrorIs(t, err, ErrNotFound)

	other := errors.New("connection reset")
	assert.Equal(t, other, notFound(other))
	assert.NoError(t, notFound(nil))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "reconcile-europe-west3", ReconcileQueue("europe-west3"))
	assert.Equal(t, "42:followers", FollowCacheKey(42, "followers"))
	assert.Equal(t, "ana:user_id", UserIDCacheKey("ana"))
}
