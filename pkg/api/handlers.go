package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	sn_metrics "socialmedia/pkg/metrics"
	"socialmedia/pkg/model"
	"socialmedia/pkg/services"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	TOKEN_COOKIE     = "token"
	TOKEN_COOKIE_TTL = 24 * time.Hour
	MAX_AUDIT_USERS  = 1000
)

type handlers struct {
	users      services.UserService
	graph      services.SocialGraphService
	reactions  services.ReactionService
	reconciler services.ReconcilerService
	logger     *slog.Logger
	region     string
	reqID      func() int64
	admins     map[int64]bool
}

type userIDKey struct{}

func newRouter(h *handlers, wrap func(label string, fn http.HandlerFunc) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Method(http.MethodPost, "/user/register", wrap("register", h.register))
		r.Method(http.MethodPost, "/user/login", wrap("login", h.login))
		r.Method(http.MethodGet, "/user/logout", wrap("logout", h.logout))

		r.Group(func(r chi.Router) {
			r.Use(h.authenticate)
			r.Method(http.MethodGet, "/user/{id}/profile", wrap("profile", h.profile))
			r.Method(http.MethodPut, "/user/profile/edit", wrap("editprofile", h.editProfile))
			r.Method(http.MethodGet, "/user/suggested", wrap("suggested", h.suggested))
			r.Method(http.MethodGet, "/user/followorunfollow/{id}", wrap("followorunfollow", h.toggleFollow))
			r.Method(http.MethodPut, "/user/{id}/follow", wrap("follow", h.follow))
			r.Method(http.MethodDelete, "/user/{id}/follow", wrap("unfollow", h.unfollow))
			r.Method(http.MethodGet, "/user/{id}/followers", wrap("followers", h.followers))
			r.Method(http.MethodGet, "/user/{id}/following", wrap("following", h.following))
			r.Method(http.MethodGet, "/post/{id}/like", wrap("like", h.like))
			r.Method(http.MethodGet, "/post/{id}/dislike", wrap("dislike", h.dislike))
			r.Method(http.MethodGet, "/post/{id}/bookmark", wrap("bookmark", h.bookmark))
			r.With(h.requireAdmin).Method(http.MethodPost, "/admin/reconcile", wrap("reconcile", h.reconcile))
		})
	})
	return r
}

// authenticate reads the token from the cookie or from a bearer header.
func (h *handlers) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if cookie, err := r.Cookie(TOKEN_COOKIE); err == nil {
			token = cookie.Value
		}
		if token == "" {
			if bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
				token = strings.TrimSpace(bearer)
			}
		}
		if token == "" {
			writeError(w, errUnauthenticated)
			return
		}
		userID, err := h.users.Authenticate(r.Context(), h.reqID(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	})
}

func (h *handlers) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.admins[authenticatedUser(r.Context())] {
			writeError(w, errForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func authenticatedUser(ctx context.Context) int64 {
	userID, _ := ctx.Value(userIDKey{}).(int64)
	return userID
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errBadID
	}
	return id, nil
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *handlers) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	userID, err := h.users.RegisterUser(r.Context(), h.reqID(), req.Username, req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, "account created successfully", Response{"user_id": userID})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	token, err := h.users.Login(r.Context(), h.reqID(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     TOKEN_COOKIE,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   int(TOKEN_COOKIE_TTL.Seconds()),
	})
	writeJSON(w, http.StatusOK, "welcome back", Response{"token": token})
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     TOKEN_COOKIE,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, "logged out successfully", nil)
}

func (h *handlers) profile(w http.ResponseWriter, r *http.Request) {
	userID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	profile, err := h.users.GetProfile(r.Context(), h.reqID(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "", Response{"user": profile})
}

type editProfileRequest struct {
	Bio    string `json:"bio"`
	Gender string `json:"gender"`
}

func (h *handlers) editProfile(w http.ResponseWriter, r *http.Request) {
	var req editProfileRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, err)
		return
	}
	profile, err := h.users.EditProfile(r.Context(), h.reqID(), authenticatedUser(r.Context()), req.Bio, req.Gender)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "profile updated successfully", Response{"user": profile})
}

func (h *handlers) suggested(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, fmt.Errorf("%w: limit %q", errBadQuery, raw))
			return
		}
		limit = n
	}
	users, err := h.users.SuggestedUsers(r.Context(), h.reqID(), authenticatedUser(r.Context()), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "", Response{"users": users})
}

func (h *handlers) toggleFollow(w http.ResponseWriter, r *http.Request) {
	h.updateFollow(w, r, h.graph.ToggleFollow)
}

func (h *handlers) follow(w http.ResponseWriter, r *http.Request) {
	h.updateFollow(w, r, h.graph.Follow)
}

func (h *handlers) unfollow(w http.ResponseWriter, r *http.Request) {
	h.updateFollow(w, r, h.graph.Unfollow)
}

func (h *handlers) updateFollow(w http.ResponseWriter, r *http.Request, update func(ctx context.Context, reqID int64, actorID int64, targetID int64) (model.FollowResult, error)) {
	ctx := r.Context()
	start := time.Now()
	defer func() {
		sn_metrics.RequestDurationMs.Get(sn_metrics.RegionLabel{Region: h.region}).Put(float64(time.Since(start).Milliseconds()))
	}()

	targetID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	actorID := authenticatedUser(ctx)
	reqID := h.reqID()
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int64("req_id", reqID),
		attribute.Int64("actor_id", actorID),
		attribute.Int64("target_id", targetID),
	)

	result, err := update(ctx, reqID, actorID, targetID)
	if err != nil {
		h.logger.Debug("follow update failed", "req_id", reqID, "actor_id", actorID, "target_id", targetID, "msg", err.Error())
		writeError(w, err)
		return
	}

	message := "followed successfully"
	if result.State == model.FOLLOW_STATE_NOT_FOLLOWING {
		message = "unfollowed successfully"
	}
	if !result.Changed {
		message = "already " + strings.ReplaceAll(result.State.String(), "_", " ")
	}
	writeJSON(w, http.StatusOK, message, Response{
		"changed": result.Changed,
		"state":   result.State.String(),
	})
}

func (h *handlers) followers(w http.ResponseWriter, r *http.Request) {
	h.listSide(w, r, h.graph.GetFollowers, "followers")
}

func (h *handlers) following(w http.ResponseWriter, r *http.Request) {
	h.listSide(w, r, h.graph.GetFollowing, "following")
}

func (h *handlers) listSide(w http.ResponseWriter, r *http.Request, list func(ctx context.Context, reqID int64, userID int64) ([]int64, error), field string) {
	userID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	ids, err := list(r.Context(), h.reqID(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "", Response{"user_id": userID, field: ids})
}

func (h *handlers) like(w http.ResponseWriter, r *http.Request) {
	postID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.reactions.LikePost(r.Context(), h.reqID(), authenticatedUser(r.Context()), postID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "post liked", nil)
}

func (h *handlers) dislike(w http.ResponseWriter, r *http.Request) {
	postID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := h.reactions.DislikePost(r.Context(), h.reqID(), authenticatedUser(r.Context()), postID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, "post disliked", nil)
}

func (h *handlers) bookmark(w http.ResponseWriter, r *http.Request) {
	postID, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	bookmarked, err := h.reactions.ToggleBookmark(r.Context(), h.reqID(), authenticatedUser(r.Context()), postID)
	if err != nil {
		writeError(w, err)
		return
	}
	message := "post removed from bookmarks"
	if bookmarked {
		message = "post bookmarked"
	}
	writeJSON(w, http.StatusOK, message, Response{"bookmarked": bookmarked})
}

type reconcileRequest struct {
	UserIDs []int64 `json:"user_ids"`
}

// reconcile runs one ledger sweep, then audits user_ids if any are given.
func (h *handlers) reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r.Body, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if len(req.UserIDs) > MAX_AUDIT_USERS {
		writeError(w, fmt.Errorf("%w: at most %d user ids per request", errBadBody, MAX_AUDIT_USERS))
		return
	}
	ctx := r.Context()
	reqID := h.reqID()

	swept, err := h.reconciler.Sweep(ctx, reqID)
	if err != nil {
		writeError(w, err)
		return
	}
	audited := 0
	if len(req.UserIDs) > 0 {
		audited, err = h.reconciler.Audit(ctx, reqID, req.UserIDs)
		if err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, "reconciliation done", Response{"swept": swept, "audited": audited})
}
