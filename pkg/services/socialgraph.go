package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	sn_metrics "socialmedia/pkg/metrics"
	"socialmedia/pkg/model"
	"socialmedia/pkg/relationship"
	"socialmedia/pkg/storage"
	sn_trace "socialmedia/pkg/trace"
	"socialmedia/pkg/utils"

	"github.com/ServiceWeaver/weaver"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const FOLLOW_CACHE_TTL = 10 * time.Minute

type SocialGraphService interface {
	SetFollowState(ctx context.Context, reqID int64, actorID int64, targetID int64, state model.FollowState) (model.FollowResult, error)
	Follow(ctx context.Context, reqID int64, actorID int64, targetID int64) (model.FollowResult, error)
	Unfollow(ctx context.Context, reqID int64, actorID int64, targetID int64) (model.FollowResult, error)
	ToggleFollow(ctx context.Context, reqID int64, actorID int64, targetID int64) (model.FollowResult, error)
	GetFollowers(ctx context.Context, reqID int64, userID int64) ([]int64, error)
	GetFollowing(ctx context.Context, reqID int64, userID int64) ([]int64, error)
	InsertUser(ctx context.Context, reqID int64, userID int64) error
}

// flipping twice is not the same as flipping once
var _ weaver.NotRetriable = SocialGraphService.ToggleFollow

type socialGraphService struct {
	weaver.Implements[SocialGraphService]
	weaver.WithConfig[socialGraphServiceOptions]
	mongoClient   *mongo.Client
	redisClient   *redis.Client
	amqChannel    *amqp.Channel
	amqConnection *amqp.Connection
	records       *storage.UserRecords
	manager       *relationship.Manager
}

type socialGraphServiceOptions struct {
	MongoDBAddr      map[string]string `toml:"mongodb_address"`
	RedisAddr        map[string]string `toml:"redis_address"`
	RabbitMQAddr     map[string]string `toml:"rabbitmq_address"`
	MongoDBPort      map[string]int    `toml:"mongodb_port"`
	RedisPort        map[string]int    `toml:"redis_port"`
	RabbitMQPort     map[string]int    `toml:"rabbitmq_port"`
	RabbitMQUsername string            `toml:"rabbitmq_username"`
	RabbitMQPassword string            `toml:"rabbitmq_password"`
	MaxAttempts      int               `toml:"max_attempts"`
	BaseDelayMs      int               `toml:"base_delay_ms"`
	TimeoutMs        int               `toml:"timeout_ms"`
	Region           string
}

// relationshipOptions converts the toml options; zero values keep the
// relationship package defaults.
func relationshipOptions(maxAttempts int, baseDelayMs int, timeoutMs int) relationship.Options {
	return relationship.Options{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Duration(baseDelayMs) * time.Millisecond,
		Timeout:     time.Duration(timeoutMs) * time.Millisecond,
	}
}

func (s *socialGraphService) Init(ctx context.Context) error {
	logger := s.Logger(ctx)

	region, err := utils.Region()
	if err != nil {
		logger.Error(err.Error())
		return err
	}
	s.Config().Region = region

	s.mongoClient, err = storage.MongoDBClient(ctx, s.Config().MongoDBAddr[region], s.Config().MongoDBPort[region])
	if err != nil {
		logger.Error(err.Error())
		return err
	}
	s.records = storage.NewUserRecords(s.mongoClient)
	ledger := storage.NewLedger(s.mongoClient)
	if err := s.records.EnsureIndex(ctx); err != nil {
		logger.Error(err.Error())
		return err
	}
	if err := ledger.EnsureIndex(ctx); err != nil {
		logger.Error("error creating ledger indexes", "msg", err.Error())
		return err
	}

	s.redisClient = storage.RedisClient(s.Config().RedisAddr[region], s.Config().RedisPort[region])

	var publisher *storage.Publisher
	if addr, ok := s.Config().RabbitMQAddr[region]; ok {
		s.amqChannel, s.amqConnection, err = storage.RabbitMQClient(ctx, s.Config().RabbitMQUsername, s.Config().RabbitMQPassword, addr, s.Config().RabbitMQPort[region])
		if err != nil {
			logger.Error(err.Error())
			return err
		}
		if _, err := storage.DeclareReconcileQueue(s.amqChannel, region); err != nil {
			logger.Error(err.Error())
			return err
		}
		publisher = storage.NewPublisher(s.amqChannel, storage.RECONCILE_EXCHANGE)
	} else {
		logger.Warn("no rabbitmq configured, partial failures are only repaired by the periodic sweep", "region", region)
	}

	opts := relationshipOptions(s.Config().MaxAttempts, s.Config().BaseDelayMs, s.Config().TimeoutMs)
	s.manager = relationship.NewManager(s.records, &publishingLedger{
		Ledger:     ledger,
		publisher:  publisher,
		routingKey: storage.ReconcileQueue(region),
		logger:     logger,
	}, logger, opts)

	logger.Info("social graph service running!", "region", s.Config().Region,
		"mongodb_addr", s.Config().MongoDBAddr[region], "mongodb_port", s.Config().MongoDBPort[region],
		"redis_addr", s.Config().RedisAddr[region], "redis_port", s.Config().RedisPort[region],
		"rabbitmq_addr", s.Config().RabbitMQAddr[region],
	)
	return nil
}

func (s *socialGraphService) Shutdown(ctx context.Context) error {
	if s.amqChannel != nil {
		s.amqChannel.Close()
	}
	if s.amqConnection != nil {
		s.amqConnection.Close()
	}
	if s.redisClient != nil {
		s.redisClient.Close()
	}
	if s.mongoClient != nil {
		return s.mongoClient.Disconnect(ctx)
	}
	return nil
}

func (s *socialGraphService) SetFollowState(ctx context.Context, reqID int64, actorID int64, targetID int64, state model.FollowState) (model.FollowResult, error) {
	logger := s.Logger(ctx)
	logger.Debug("entering SetFollowState", "req_id", reqID, "actor_id", actorID, "target_id", targetID, "state", state.String())

	start := time.Now()
	result, err := s.manager.SetFollowState(withReqID(ctx, reqID), actorID, targetID, state)
	s.observe(ctx, reqID, actorID, targetID, state, start, result, err)
	return result, err
}

func (s *socialGraphService) Follow(ctx context.Context, reqID int64, actorID int64, targetID int64) (model.FollowResult, error) {
	return s.SetFollowState(ctx, reqID, actorID, targetID, model.FOLLOW_STATE_FOLLOWING)
}

func (s *socialGraphService) Unfollow(ctx context.Context, reqID int64, actorID int64, targetID int64) (model.FollowResult, error) {
	return s.SetFollowState(ctx, reqID, actorID, targetID, model.FOLLOW_STATE_NOT_FOLLOWING)
}

func (s *socialGraphService) ToggleFollow(ctx context.Context, reqID int64, actorID int64, targetID int64) (model.FollowResult, error) {
	logger := s.Logger(ctx)
	logger.Debug("entering ToggleFollow", "req_id", reqID, "actor_id", actorID, "target_id", targetID)

	start := time.Now()
	result, err := s.manager.Toggle(withReqID(ctx, reqID), actorID, targetID)
	s.observe(ctx, reqID, actorID, targetID, result.State, start, result, err)
	return result, err
}

// observe records metrics and span attributes of a follow update and keeps
// the follower caches of both users from serving a stale set.
func (s *socialGraphService) observe(ctx context.Context, reqID int64, actorID int64, targetID int64, state model.FollowState, start time.Time, result model.FollowResult, err error) {
	logger := s.Logger(ctx)
	labels := sn_metrics.RegionLabel{Region: s.Config().Region}
	sn_metrics.SetFollowStateDurationMs.Get(labels).Put(float64(time.Since(start).Milliseconds()))

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.Int64("actor_id", actorID),
		attribute.Int64("target_id", targetID),
		attribute.String("follow_state", state.String()),
		attribute.Bool("changed", result.Changed),
	)

	var partial *relationship.PartialFailureError
	switch {
	case err == nil && !result.Changed:
		sn_metrics.FollowNoops.Get(labels).Inc()
		return
	case err == nil:
		sn_metrics.FollowChanges.Get(labels).Inc()
	case errors.As(err, &partial):
		sn_metrics.PartialFailures.Get(labels).Inc()
		span.AddEvent("partial failure", trace.WithAttributes(
			attribute.String("succeeded", string(partial.Succeeded)),
			attribute.String("failed", string(partial.Failed)),
			attribute.Bool("recorded", partial.Recorded),
		))
	case relationship.IsRetryable(err):
		sn_metrics.TransientFailures.Get(labels).Inc()
	default:
		// rejected before any write
		return
	}

	if err := invalidateFollowCache(ctx, s.redisClient, actorID, targetID); err != nil {
		logger.Warn("error invalidating follow cache", "req_id", reqID, "actor_id", actorID, "target_id", targetID, "msg", err.Error())
	}
}

// invalidateFollowCache drops the cached sets holding the edge actorID -> targetID.
func invalidateFollowCache(ctx context.Context, client *redis.Client, actorID int64, targetID int64) error {
	return client.Del(ctx,
		storage.FollowCacheKey(actorID, string(model.SIDE_FOLLOWING)),
		storage.FollowCacheKey(targetID, string(model.SIDE_FOLLOWERS)),
	).Err()
}

// GetFollowers reads the ids from redis if cached.
// Otherwise, it reads the record from mongodb and refills redis
func (s *socialGraphService) GetFollowers(ctx context.Context, reqID int64, userID int64) ([]int64, error) {
	s.Logger(ctx).Debug("entering GetFollowers", "req_id", reqID, "user_id", userID)
	return s.readSide(ctx, userID, model.SIDE_FOLLOWERS)
}

func (s *socialGraphService) GetFollowing(ctx context.Context, reqID int64, userID int64) ([]int64, error) {
	s.Logger(ctx).Debug("entering GetFollowing", "req_id", reqID, "user_id", userID)
	return s.readSide(ctx, userID, model.SIDE_FOLLOWING)
}

func (s *socialGraphService) readSide(ctx context.Context, userID int64, side model.Side) ([]int64, error) {
	logger := s.Logger(ctx)
	key := storage.FollowCacheKey(userID, string(side))

	cached, err := s.redisClient.ZRange(ctx, key, 0, -1).Result()
	if err != nil {
		logger.Warn("error reading follow cache", "key", key, "msg", err.Error())
	} else if len(cached) > 0 {
		ids := make([]int64, 0, len(cached))
		for _, member := range cached {
			id, err := strconv.ParseInt(member, 10, 64)
			if err != nil {
				logger.Error("error parsing user id from redis to int64", "key", key, "msg", err.Error())
				return nil, err
			}
			ids = append(ids, id)
		}
		return ids, nil
	}

	// did not find ids in redis
	// look up in mongodb and update redis
	record, err := s.records.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, relationship.ErrNotFound) {
			return nil, fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
		}
		logger.Error("error reading user record from mongodb", "user_id", userID, "msg", err.Error())
		return nil, err
	}
	ids := record.Followers
	if side == model.SIDE_FOLLOWING {
		ids = record.Following
	}
	if ids == nil {
		ids = []int64{}
	}
	if len(ids) == 0 {
		return ids, nil
	}

	_, err = s.redisClient.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		members := make([]redis.Z, len(ids))
		for i, id := range ids {
			members[i] = redis.Z{Member: id, Score: float64(i)}
		}
		pipe.ZAdd(ctx, key, members...)
		pipe.Expire(ctx, key, FOLLOW_CACHE_TTL)
		return nil
	})
	if err != nil {
		logger.Warn("error updating redis with ids from mongodb", "key", key, "msg", err.Error())
	}
	return ids, nil
}

// InsertUser writes the empty social graph record of a new user
func (s *socialGraphService) InsertUser(ctx context.Context, reqID int64, userID int64) error {
	logger := s.Logger(ctx)
	logger.Debug("entering InsertUser", "req_id", reqID, "user_id", userID)
	err := s.records.InsertUser(ctx, userID)
	if err != nil {
		logger.Error("error inserting user record in mongodb", "user_id", userID, "msg", err.Error())
		return err
	}
	return nil
}

// publishingLedger appends entries to mongodb and announces them on rabbitmq
// so that a reconciler can repair the pair without waiting for the sweep.
type publishingLedger struct {
	*storage.Ledger
	publisher  *storage.Publisher
	routingKey string
	logger     *slog.Logger
}

func (l *publishingLedger) Append(ctx context.Context, entry model.LedgerEntry) error {
	if err := l.Ledger.Append(ctx, entry); err != nil {
		return err
	}
	if l.publisher == nil {
		return nil
	}
	msg := model.ReconcileMessage{
		ReqID:       reqIDFrom(ctx),
		Entry:       entry,
		SpanContext: sn_trace.BuildSpanContext(trace.SpanContextFromContext(ctx)),
		SendTs:      time.Now().UnixMilli(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		l.logger.Error("error converting rabbitmq message to json", "msg", err.Error())
		return nil
	}
	// the entry is durable already; the sweep picks it up if this is lost
	if err := l.publisher.Publish(ctx, l.routingKey, body); err != nil {
		l.logger.Warn("error publishing reconcile message", "entry_id", entry.EntryID, "msg", err.Error())
	}
	return nil
}
