package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"socialmedia/pkg/model"
	"socialmedia/pkg/storage"
	"socialmedia/pkg/utils"

	"github.com/ServiceWeaver/weaver"
	"github.com/bradfitz/gomemcache/memcache"
	"github.com/dgrijalva/jwt-go"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

const (
	USER_DB                 = "user"
	USER_COLLECTION         = "user"
	DEFAULT_TOKEN_TTL       = 24 * time.Hour
	DEFAULT_SUGGESTED_USERS = 20
	MAX_SUGGESTED_USERS     = 100
	ROLLBACK_TIMEOUT        = 2 * time.Second
)

var errMissingSecret = errors.New("user service: no jwt secret configured")

type UserService interface {
	RegisterUser(ctx context.Context, reqID int64, username string, email string, password string) (int64, error)
	Login(ctx context.Context, reqID int64, email string, password string) (string, error)
	Authenticate(ctx context.Context, reqID int64, token string) (int64, error)
	GetUserId(ctx context.Context, reqID int64, username string) (int64, error)
	GetProfile(ctx context.Context, reqID int64, userID int64) (model.Profile, error)
	EditProfile(ctx context.Context, reqID int64, userID int64, bio string, gender string) (model.Profile, error)
	SuggestedUsers(ctx context.Context, reqID int64, userID int64, limit int) ([]model.UserSummary, error)
}

type Claims struct {
	UserID int64 `json:"user_id"`
	jwt.StandardClaims
}

type userService struct {
	weaver.Implements[UserService]
	weaver.WithConfig[userServiceOptions]
	socialGraphService weaver.Ref[SocialGraphService]
	reactionService    weaver.Ref[ReactionService]
	ids                *utils.IDGenerator
	mongoClient        *mongo.Client
	memCachedClient    *memcache.Client
	users              *storage.SetStore
}

type userServiceOptions struct {
	MongoDBAddr   string `toml:"mongodb_address"`
	MongoDBPort   int    `toml:"mongodb_port"`
	MemCachedAddr string `toml:"memcached_address"`
	MemCachedPort int    `toml:"memcached_port"`
	Secret        string `toml:"secret"`
	TokenTTLHours int    `toml:"token_ttl_hours"`
}

func (o *userServiceOptions) validate() error {
	if o.Secret == "" {
		return errMissingSecret
	}
	return nil
}

func (u *userService) Init(ctx context.Context) error {
	logger := u.Logger(ctx)
	if err := u.Config().validate(); err != nil {
		logger.Error(err.Error())
		return err
	}
	u.ids = utils.NewIDGenerator(utils.GetMachineID())

	var err error
	u.mongoClient, err = storage.MongoDBClient(ctx, u.Config().MongoDBAddr, u.Config().MongoDBPort)
	if err != nil {
		logger.Error(err.Error())
		return err
	}
	u.users = storage.NewSetStore(u.mongoClient, USER_DB, USER_COLLECTION, "user_id")
	if err := u.users.EnsureIndex(ctx); err != nil {
		logger.Error(err.Error())
		return err
	}
	_, err = u.mongoClient.Database(USER_DB).Collection(USER_COLLECTION).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "username", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		logger.Error("error creating user indexes", "msg", err.Error())
		return err
	}

	u.memCachedClient = storage.MemCachedClient(u.Config().MemCachedAddr, u.Config().MemCachedPort)
	logger.Info("user service running!",
		"mongodb_addr", u.Config().MongoDBAddr, "mongodb_port", u.Config().MongoDBPort,
		"memcached_addr", u.Config().MemCachedAddr, "memcached_port", u.Config().MemCachedPort,
	)
	return nil
}

func (u *userService) Shutdown(ctx context.Context) error {
	if u.mongoClient != nil {
		return u.mongoClient.Disconnect(ctx)
	}
	return nil
}

func (u *userService) secret() []byte {
	return []byte(u.Config().Secret)
}

func (u *userService) tokenTTL() time.Duration {
	if u.Config().TokenTTLHours <= 0 {
		return DEFAULT_TOKEN_TTL
	}
	return time.Duration(u.Config().TokenTTLHours) * time.Hour
}

func validateRegistration(username string, email string, password string) error {
	if strings.TrimSpace(username) == "" || strings.TrimSpace(email) == "" || password == "" {
		return ErrMissingFields
	}
	return nil
}

func hashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

func checkPassword(hashed string, password string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hashed), []byte(password))
	if err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func issueToken(secret []byte, userID int64, ttl time.Duration) (string, error) {
	claims := &Claims{
		UserID: userID,
		StandardClaims: jwt.StandardClaims{
			IssuedAt:  time.Now().Unix(),
			ExpiresAt: time.Now().Add(ttl).Unix(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to create login token: %w", err)
	}
	return tokenStr, nil
}

func parseToken(secret []byte, tokenStr string) (int64, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}
	return claims.UserID, nil
}

// userDocs holds user documents keyed by user id.
type userDocs interface {
	Insert(ctx context.Context, doc interface{}) error
	Delete(ctx context.Context, id int64) error
}

type recordInserter interface {
	InsertUser(ctx context.Context, reqID int64, userID int64) error
}

// register inserts the user document, then the social graph record. When the
// record cannot be created the user document is removed again, so the caller
// may register again with the same username and email.
func register(ctx context.Context, users userDocs, graph recordInserter, ids *utils.IDGenerator, reqID int64, username string, email string, password string) (int64, error) {
	if err := validateRegistration(username, email, password); err != nil {
		return 0, err
	}
	hashedPwd, err := hashPassword(password)
	if err != nil {
		return 0, fmt.Errorf("error hashing password: %w", err)
	}
	userID, err := ids.Next()
	if err != nil {
		return 0, fmt.Errorf("error generating user id: %w", err)
	}

	err = users.Insert(ctx, model.User{
		UserID:    userID,
		Username:  username,
		Email:     email,
		PwdHashed: hashedPwd,
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return 0, ErrAlreadyRegistered
	}
	if err != nil {
		return 0, fmt.Errorf("error inserting new user: %w", err)
	}

	if err := graph.InsertUser(ctx, reqID, userID); err != nil {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ROLLBACK_TIMEOUT)
		defer cancel()
		if derr := users.Delete(rctx, userID); derr != nil {
			return 0, errors.Join(err, fmt.Errorf("error removing user %d: %w", userID, derr))
		}
		return 0, err
	}
	return userID, nil
}

func (u *userService) RegisterUser(ctx context.Context, reqID int64, username string, email string, password string) (int64, error) {
	logger := u.Logger(ctx)
	logger.Debug("entering RegisterUser", "req_id", reqID, "username", username, "email", email)

	userID, err := register(ctx, u.users, u.socialGraphService.Get(), u.ids, reqID, username, email, password)
	if errors.Is(err, ErrAlreadyRegistered) || errors.Is(err, ErrMissingFields) {
		logger.Debug("rejected registration", "req_id", reqID, "username", username, "email", email, "msg", err.Error())
		return 0, err
	}
	if err != nil {
		logger.Error("error registering user", "req_id", reqID, "username", username, "msg", err.Error())
		return 0, err
	}
	if err := storage.CacheUserID(u.memCachedClient, username, userID); err != nil {
		logger.Warn("error caching user id", "username", username, "msg", err.Error())
	}
	return userID, nil
}

func (u *userService) Login(ctx context.Context, reqID int64, email string, password string) (string, error) {
	logger := u.Logger(ctx)
	logger.Debug("entering Login", "req_id", reqID, "email", email)

	if email == "" || password == "" {
		return "", ErrMissingFields
	}
	var user model.User
	err := u.mongoClient.Database(USER_DB).Collection(USER_COLLECTION).FindOne(ctx, bson.D{{Key: "email", Value: email}}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		logger.Error("error finding user in mongodb", "msg", err.Error())
		return "", err
	}
	if err := checkPassword(user.PwdHashed, password); err != nil {
		return "", err
	}
	return issueToken(u.secret(), user.UserID, u.tokenTTL())
}

func (u *userService) Authenticate(ctx context.Context, reqID int64, token string) (int64, error) {
	userID, err := parseToken(u.secret(), token)
	if err != nil {
		u.Logger(ctx).Debug("rejected token", "req_id", reqID)
		return 0, err
	}
	return userID, nil
}

// GetUserId attempts to read the user id from cache and return it
// If not found, it fetches the user from the db and uploads it to cache
func (u *userService) GetUserId(ctx context.Context, reqID int64, username string) (int64, error) {
	logger := u.Logger(ctx)
	logger.Debug("entering GetUserId", "req_id", reqID, "username", username)

	userID, found, err := storage.CachedUserID(u.memCachedClient, username)
	if err != nil {
		logger.Warn("error reading user id from memcached", "msg", err.Error())
	}
	if found {
		return userID, nil
	}

	// user not found in cache
	// so we get it from db and write to cache
	var user model.User
	err = u.mongoClient.Database(USER_DB).Collection(USER_COLLECTION).FindOne(ctx, bson.D{{Key: "username", Value: username}}).Decode(&user)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, fmt.Errorf("username %s: %w", username, ErrUserNotFound)
	}
	if err != nil {
		logger.Error("error finding user in mongodb", "msg", err.Error())
		return 0, err
	}
	if err := storage.CacheUserID(u.memCachedClient, username, user.UserID); err != nil {
		logger.Warn("error caching user id", "username", username, "msg", err.Error())
	}
	return user.UserID, nil
}

func (u *userService) GetProfile(ctx context.Context, reqID int64, userID int64) (model.Profile, error) {
	logger := u.Logger(ctx)
	logger.Debug("entering GetProfile", "req_id", reqID, "user_id", userID)

	var user model.User
	err := u.users.FindOne(ctx, userID, &user)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Profile{}, fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		logger.Error("error reading user from mongodb", "user_id", userID, "msg", err.Error())
		return model.Profile{}, err
	}

	profile := model.Profile{
		UserID:         user.UserID,
		Username:       user.Username,
		Email:          user.Email,
		Bio:            user.Bio,
		Gender:         user.Gender,
		ProfilePicture: user.ProfilePicture,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		profile.Followers, err = u.socialGraphService.Get().GetFollowers(gctx, reqID, userID)
		return err
	})
	g.Go(func() error {
		var err error
		profile.Following, err = u.socialGraphService.Get().GetFollowing(gctx, reqID, userID)
		return err
	})
	g.Go(func() error {
		var err error
		profile.Bookmarks, err = u.reactionService.Get().Bookmarks(gctx, reqID, userID)
		return err
	})
	if err := g.Wait(); err != nil {
		logger.Error("error building profile", "user_id", userID, "msg", err.Error())
		return model.Profile{}, err
	}
	return profile, nil
}

// profileUpdate returns the $set fields of an edit; empty values are left unchanged.
func profileUpdate(bio string, gender string) (bson.D, error) {
	fields := bson.D{}
	if bio = strings.TrimSpace(bio); bio != "" {
		fields = append(fields, bson.E{Key: "bio", Value: bio})
	}
	if gender = strings.TrimSpace(gender); gender != "" {
		fields = append(fields, bson.E{Key: "gender", Value: gender})
	}
	if len(fields) == 0 {
		return nil, ErrMissingFields
	}
	return fields, nil
}

func (u *userService) EditProfile(ctx context.Context, reqID int64, userID int64, bio string, gender string) (model.Profile, error) {
	logger := u.Logger(ctx)
	logger.Debug("entering EditProfile", "req_id", reqID, "user_id", userID)

	fields, err := profileUpdate(bio, gender)
	if err != nil {
		return model.Profile{}, err
	}
	err = u.users.SetFields(ctx, userID, fields)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Profile{}, fmt.Errorf("user %d: %w", userID, ErrUserNotFound)
	}
	if err != nil {
		logger.Error("error updating user in mongodb", "user_id", userID, "msg", err.Error())
		return model.Profile{}, err
	}
	return u.GetProfile(ctx, reqID, userID)
}

// suggestionFilter matches every user other than userID that userID does
// not follow yet.
func suggestionFilter(userID int64, following []int64) bson.D {
	excluded := append([]int64{userID}, following...)
	return bson.D{{Key: "user_id", Value: bson.D{{Key: "$nin", Value: excluded}}}}
}

func suggestionLimit(limit int) int {
	if limit <= 0 {
		return DEFAULT_SUGGESTED_USERS
	}
	return min(limit, MAX_SUGGESTED_USERS)
}

func (u *userService) SuggestedUsers(ctx context.Context, reqID int64, userID int64, limit int) ([]model.UserSummary, error) {
	logger := u.Logger(ctx)
	logger.Debug("entering SuggestedUsers", "req_id", reqID, "user_id", userID, "limit", limit)

	following, err := u.socialGraphService.Get().GetFollowing(ctx, reqID, userID)
	if err != nil {
		return nil, err
	}
	var users []model.User
	err = u.users.Find(ctx, suggestionFilter(userID, following), int64(suggestionLimit(limit)), &users)
	if err != nil {
		logger.Error("error finding suggested users in mongodb", "user_id", userID, "msg", err.Error())
		return nil, err
	}
	suggested := make([]model.UserSummary, 0, len(users))
	for _, user := range users {
		suggested = append(suggested, model.UserSummary{
			UserID:         user.UserID,
			Username:       user.Username,
			Bio:            user.Bio,
			Gender:         user.Gender,
			ProfilePicture: user.ProfilePicture,
		})
	}
	return suggested, nil
}
