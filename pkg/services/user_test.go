package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"socialmedia/pkg/model"
	"socialmedia/pkg/storage"
	"socialmedia/pkg/utils"

	"github.com/dgrijalva/jwt-go"
	"go.mongodb.org/mongo-driver/bson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRegistration(t *testing.T) {
	for _, test := range []struct {
		name                      string
		username, email, password string
		ok                        bool
	}{
		{"complete", "alice", "alice@example.com", "secret", true},
		{"no username", "", "alice@example.com", "secret", false},
		{"blank username", "   ", "alice@example.com", "secret", false},
		{"no email", "alice", "", "secret", false},
		{"no password", "alice", "alice@example.com", "", false},
	} {
		t.Run(test.name, func(t *testing.T) {
			err := validateRegistration(test.username, test.email, test.password)
			if test.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrMissingFields)
			}
		})
	}
}

func TestPasswordHash(t *testing.T) {
	hashed, err := hashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hashed)

	assert.NoError(t, checkPassword(hashed, "hunter2"))
	assert.ErrorIs(t, checkPassword(hashed, "hunter3"), ErrInvalidCredentials)
	assert.ErrorIs(t, checkPassword("not-a-hash", "hunter2"), ErrInvalidCredentials)
}

func TestTokenRoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := issueToken(secret, 42, time.Hour)
	require.NoError(t, err)

	userID, err := parseToken(secret, token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), userID)
}

func TestTokenRejected(t *testing.T) {
	secret := []byte("test-secret")

	expired, err := issueToken(secret, 42, -time.Hour)
	require.NoError(t, err)
	_, err = parseToken(secret, expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	valid, err := issueToken(secret, 42, time.Hour)
	require.NoError(t, err)
	_, err = parseToken([]byte("other-secret"), valid)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = parseToken(secret, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{UserID: 42}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = parseToken(secret, unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type memUsers struct {
	docs map[int64]model.User
}

func (m *memUsers) Insert(ctx context.Context, doc interface{}) error {
	user := doc.(model.User)
	for _, other := range m.docs {
		if other.Username == user.Username || other.Email == user.Email {
			return storage.ErrDuplicate
		}
	}
	m.docs[user.UserID] = user
	return nil
}

func (m *memUsers) Delete(ctx context.Context, id int64) error {
	delete(m.docs, id)
	return nil
}

type flakyGraph struct {
	err      error
	inserted []int64
}

func (g *flakyGraph) InsertUser(ctx context.Context, reqID int64, userID int64) error {
	if g.err != nil {
		return g.err
	}
	g.inserted = append(g.inserted, userID)
	return nil
}

func TestRegisterRemovesUserWhenGraphRecordFails(t *testing.T) {
	ctx := context.Background()
	users := &memUsers{docs: map[int64]model.User{}}
	graph := &flakyGraph{err: errors.New("socialgraph unavailable")}
	ids := utils.NewIDGenerator("1")

	_, err := register(ctx, users, graph, ids, 1, "alice", "alice@example.com", "secret")
	require.Error(t, err)
	assert.Empty(t, users.docs)

	graph.err = nil
	userID, err := register(ctx, users, graph, ids, 2, "alice", "alice@example.com", "secret")
	require.NoError(t, err)
	assert.Contains(t, users.docs, userID)
	assert.Equal(t, []int64{userID}, graph.inserted)

	_, err = register(ctx, users, graph, ids, 3, "alice", "alice@example.com", "secret")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Len(t, users.docs, 1)
}

func TestSecretIsRequired(t *testing.T) {
	assert.ErrorIs(t, (&userServiceOptions{}).validate(), errMissingSecret)
	assert.NoError(t, (&userServiceOptions{Secret: "s3cr3t"}).validate())
}

func TestProfileUpdate(t *testing.T) {
	fields, err := profileUpdate(" likes go ", "")
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "bio", Value: "likes go"}}, fields)

	fields, err = profileUpdate("likes go", "f")
	require.NoError(t, err)
	assert.Equal(t, bson.D{{Key: "bio", Value: "likes go"}, {Key: "gender", Value: "f"}}, fields)

	_, err = profileUpdate("  ", "")
	assert.ErrorIs(t, err, ErrMissingFields)
}

func TestSuggestionFilter(t *testing.T) {
	following := []int64{2, 3}
	filter := suggestionFilter(1, following)
	assert.Equal(t, bson.D{{Key: "user_id", Value: bson.D{{Key: "$nin", Value: []int64{1, 2, 3}}}}}, filter)
	assert.Equal(t, []int64{2, 3}, following)

	assert.Equal(t, DEFAULT_SUGGESTED_USERS, suggestionLimit(0))
	assert.Equal(t, 5, suggestionLimit(5))
	assert.Equal(t, MAX_SUGGESTED_USERS, suggestionLimit(10_000))
}
