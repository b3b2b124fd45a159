package services

import (
	"context"
	"errors"
	"fmt"
	"slices"

	sn_metrics "socialmedia/pkg/metrics"
	"socialmedia/pkg/model"
	"socialmedia/pkg/storage"
	"socialmedia/pkg/utils"

	"github.com/ServiceWeaver/weaver"
	"go.mongodb.org/mongo-driver/mongo"
)

const (
	POST_DB         = "post"
	POST_COLLECTION = "post"
	BOOKMARKS_FIELD = "bookmarks"
	LIKES_FIELD     = "likes"
)

type ReactionService interface {
	InsertPost(ctx context.Context, reqID int64, postID int64) error
	LikePost(ctx context.Context, reqID int64, userID int64, postID int64) error
	DislikePost(ctx context.Context, reqID int64, userID int64, postID int64) error
	Likes(ctx context.Context, reqID int64, postID int64) ([]int64, error)
	ToggleBookmark(ctx context.Context, reqID int64, userID int64, postID int64) (bool, error)
	Bookmarks(ctx context.Context, reqID int64, userID int64) ([]int64, error)
}

var _ weaver.NotRetriable = ReactionService.ToggleBookmark

type reactionService struct {
	weaver.Implements[ReactionService]
	weaver.WithConfig[reactionServiceOptions]
	mongoClient *mongo.Client
	reactions   *reactions
}

type reactionServiceOptions struct {
	MongoDBAddr map[string]string `toml:"mongodb_address"`
	MongoDBPort map[string]int    `toml:"mongodb_port"`
	Region      string
}

func (r *reactionService) Init(ctx context.Context) error {
	logger := r.Logger(ctx)

	region, err := utils.Region()
	if err != nil {
		logger.Error(err.Error())
		return err
	}
	r.Config().Region = region

	r.mongoClient, err = storage.MongoDBClient(ctx, r.Config().MongoDBAddr[region], r.Config().MongoDBPort[region])
	if err != nil {
		logger.Error(err.Error())
		return err
	}
	posts := storage.NewSetStore(r.mongoClient, POST_DB, POST_COLLECTION, "post_id")
	if err := posts.EnsureIndex(ctx); err != nil {
		logger.Error(err.Error())
		return err
	}
	r.reactions = &reactions{
		posts: posts,
		users: storage.NewUserRecords(r.mongoClient).SetStore,
	}

	logger.Info("reaction service running!", "region", region,
		"mongodb_addr", r.Config().MongoDBAddr[region], "mongodb_port", r.Config().MongoDBPort[region])
	return nil
}

func (r *reactionService) Shutdown(ctx context.Context) error {
	if r.mongoClient != nil {
		return r.mongoClient.Disconnect(ctx)
	}
	return nil
}

func (r *reactionService) InsertPost(ctx context.Context, reqID int64, postID int64) error {
	r.Logger(ctx).Debug("entering InsertPost", "req_id", reqID, "post_id", postID)
	return r.reactions.insertPost(ctx, postID)
}

func (r *reactionService) LikePost(ctx context.Context, reqID int64, userID int64, postID int64) error {
	logger := r.Logger(ctx)
	logger.Debug("entering LikePost", "req_id", reqID, "user_id", userID, "post_id", postID)
	if err := r.reactions.like(ctx, userID, postID, true); err != nil {
		logger.Warn("error liking post", "req_id", reqID, "post_id", postID, "msg", err.Error())
		return err
	}
	sn_metrics.Reactions.Get(sn_metrics.RegionLabel{Region: r.Config().Region}).Inc()
	return nil
}

func (r *reactionService) DislikePost(ctx context.Context, reqID int64, userID int64, postID int64) error {
	logger := r.Logger(ctx)
	logger.Debug("entering DislikePost", "req_id", reqID, "user_id", userID, "post_id", postID)
	if err := r.reactions.like(ctx, userID, postID, false); err != nil {
		logger.Warn("error disliking post", "req_id", reqID, "post_id", postID, "msg", err.Error())
		return err
	}
	sn_metrics.Reactions.Get(sn_metrics.RegionLabel{Region: r.Config().Region}).Inc()
	return nil
}

func (r *reactionService) Likes(ctx context.Context, reqID int64, postID int64) ([]int64, error) {
	r.Logger(ctx).Debug("entering Likes", "req_id", reqID, "post_id", postID)
	return r.reactions.likes(ctx, postID)
}

func (r *reactionService) ToggleBookmark(ctx context.Context, reqID int64, userID int64, postID int64) (bool, error) {
	logger := r.Logger(ctx)
	logger.Debug("entering ToggleBookmark", "req_id", reqID, "user_id", userID, "post_id", postID)
	bookmarked, err := r.reactions.toggleBookmark(ctx, userID, postID)
	if err != nil {
		logger.Warn("error toggling bookmark", "req_id", reqID, "user_id", userID, "post_id", postID, "msg", err.Error())
		return false, err
	}
	sn_metrics.Reactions.Get(sn_metrics.RegionLabel{Region: r.Config().Region}).Inc()
	return bookmarked, nil
}

func (r *reactionService) Bookmarks(ctx context.Context, reqID int64, userID int64) ([]int64, error) {
	r.Logger(ctx).Debug("entering Bookmarks", "req_id", reqID, "user_id", userID)
	return r.reactions.bookmarks(ctx, userID)
}

// setStore is the subset of storage.SetStore used for reactions.
type setStore interface {
	Insert(ctx context.Context, doc interface{}) error
	FindOne(ctx context.Context, id int64, out interface{}) error
	AddToSet(ctx context.Context, id int64, field string, value int64) error
	RemoveFromSet(ctx context.Context, id int64, field string, value int64) error
}

var _ setStore = (*storage.SetStore)(nil)

// reactions keeps likes on post documents and bookmarks on social graph
// records. Likes are sets, so liking twice is the same as liking once.
type reactions struct {
	posts setStore
	users setStore
}

func (r *reactions) insertPost(ctx context.Context, postID int64) error {
	err := r.posts.Insert(ctx, model.PostReactions{PostID: postID, Likes: []int64{}})
	if errors.Is(err, storage.ErrDuplicate) {
		return nil
	}
	return err
}

func (r *reactions) like(ctx context.Context, userID int64, postID int64, liked bool) error {
	var err error
	if liked {
		err = r.posts.AddToSet(ctx, postID, LIKES_FIELD, userID)
	} else {
		err = r.posts.RemoveFromSet(ctx, postID, LIKES_FIELD, userID)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("post %d: %w", postID, ErrPostNotFound)
	}
	return err
}

func (r *reactions) likes(ctx context.Context, postID int64) ([]int64, error) {
	var post model.PostReactions
	err := r.posts.FindOne(ctx, postID, &post)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("post %d: %w", postID, ErrPostNotFound)
	}
	if err != nil {
		return nil, err
	}
	if post.Likes == nil {
		return []int64{}, nil
	}
	return post.Likes, nil
}

func (r *reactions) bookmarks(ctx context.Context, userID int64) ([]int64, error) {
	var record model.UserRecord
	err := r.users.FindOne(ctx, userID, &record)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		return nil, err
	}
	if record.Bookmarks == nil {
		return []int64{}, nil
	}
	return record.Bookmarks, nil
}

// toggleBookmark returns true if the post is bookmarked afterwards.
func (r *reactions) toggleBookmark(ctx context.Context, userID int64, postID int64) (bool, error) {
	var post model.PostReactions
	err := r.posts.FindOne(ctx, postID, &post)
	if errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("post %d: %w", postID, ErrPostNotFound)
	}
	if err != nil {
		return false, err
	}

	bookmarks, err := r.bookmarks(ctx, userID)
	if err != nil {
		return false, err
	}
	bookmarked := !slices.Contains(bookmarks, postID)
	if bookmarked {
		err = r.users.AddToSet(ctx, userID, BOOKMARKS_FIELD, postID)
	} else {
		err = r.users.RemoveFromSet(ctx, userID, BOOKMARKS_FIELD, postID)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return false, fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	return bookmarked, err
}
