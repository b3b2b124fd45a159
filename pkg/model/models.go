package model

import (
	"slices"

	sn_trace "socialmedia/pkg/trace"

	"github.com/ServiceWeaver/weaver"
)

type FollowState int

const (
	FOLLOW_STATE_UNKNOWN       FollowState = iota // 0
	FOLLOW_STATE_FOLLOWING                        // 1
	FOLLOW_STATE_NOT_FOLLOWING                    // 2
)

func (s FollowState) Valid() bool {
	return s == FOLLOW_STATE_FOLLOWING || s == FOLLOW_STATE_NOT_FOLLOWING
}

// Opposite returns the other recognized state, or FOLLOW_STATE_UNKNOWN.
func (s FollowState) Opposite() FollowState {
	switch s {
	case FOLLOW_STATE_FOLLOWING:
		return FOLLOW_STATE_NOT_FOLLOWING
	case FOLLOW_STATE_NOT_FOLLOWING:
		return FOLLOW_STATE_FOLLOWING
	default:
		return FOLLOW_STATE_UNKNOWN
	}
}

func (s FollowState) String() string {
	switch s {
	case FOLLOW_STATE_FOLLOWING:
		return "following"
	case FOLLOW_STATE_NOT_FOLLOWING:
		return "not_following"
	default:
		return "unknown"
	}
}

// Side names one of the two set-valued fields that make up an edge.
// Values match the document field names in the social graph collection.
type Side string

const (
	SIDE_FOLLOWING Side = "following" // actor side
	SIDE_FOLLOWERS Side = "followers" // target side
	SIDE_BOTH      Side = "both"
)

// UserRecord is the social graph document of a single user.
type UserRecord struct {
	UserID    int64   `bson:"user_id"`
	Following []int64 `bson:"following"`
	Followers []int64 `bson:"followers"`
	Bookmarks []int64 `bson:"bookmarks"`
}

func (u UserRecord) IsFollowing(userID int64) bool {
	return slices.Contains(u.Following, userID)
}

func (u UserRecord) IsFollowedBy(userID int64) bool {
	return slices.Contains(u.Followers, userID)
}

type FollowResult struct {
	weaver.AutoMarshal
	Changed bool
	State   FollowState
}

// LedgerEntry records a pair whose two sides may disagree.
type LedgerEntry struct {
	EntryID    string      `bson:"entry_id" json:"entry_id"`
	ActorID    int64       `bson:"actor_id" json:"actor_id"`
	TargetID   int64       `bson:"target_id" json:"target_id"`
	Desired    FollowState `bson:"desired_state" json:"desired_state"`
	FailedSide Side        `bson:"failed_side" json:"failed_side"`
	Timestamp  int64       `bson:"timestamp" json:"timestamp"`
}

// ReconcileMessage is published to rabbitmq whenever a ledger entry is appended
type ReconcileMessage struct {
	ReqID       int64                `json:"reqid"`
	Entry       LedgerEntry          `json:"entry"`
	SpanContext sn_trace.SpanContext `json:"span_context"`
	SendTs      int64                `json:"send_ts"`
}

type User struct {
	UserID         int64  `bson:"user_id"`
	Username       string `bson:"username"`
	Email          string `bson:"email"`
	PwdHashed      string `bson:"password_hashed"`
	Bio            string `bson:"bio"`
	Gender         string `bson:"gender"`
	ProfilePicture string `bson:"profile_picture"`
}

type Profile struct {
	weaver.AutoMarshal
	UserID         int64   `json:"user_id"`
	Username       string  `json:"username"`
	Email          string  `json:"email"`
	Bio            string  `json:"bio"`
	Gender         string  `json:"gender"`
	ProfilePicture string  `json:"profile_picture"`
	Followers      []int64 `json:"followers"`
	Following      []int64 `json:"following"`
	Bookmarks      []int64 `json:"bookmarks"`
}

// UserSummary is a user as listed in suggestions, without credentials.
type UserSummary struct {
	weaver.AutoMarshal
	UserID         int64  `json:"user_id"`
	Username       string `json:"username"`
	Bio            string `json:"bio"`
	Gender         string `json:"gender"`
	ProfilePicture string `json:"profile_picture"`
}

type PostReactions struct {
	PostID int64   `bson:"post_id"`
	Likes  []int64 `bson:"likes"`
}
