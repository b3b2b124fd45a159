package services

import (
	"context"
	"errors"
)

var (
	ErrMissingFields      = errors.New("something is missing, please check")
	ErrAlreadyRegistered  = errors.New("email or username already registered")
	ErrInvalidCredentials = errors.New("incorrect email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrUserNotFound       = errors.New("user not found")
	ErrPostNotFound       = errors.New("post not found")
)

type reqIDKey struct{}

// withReqID tags ctx so that ledger entries published from deep inside the
// relationship manager can carry the request id.
func withReqID(ctx context.Context, reqID int64) context.Context {
	return context.WithValue(ctx, reqIDKey{}, reqID)
}

func reqIDFrom(ctx context.Context) int64 {
	reqID, _ := ctx.Value(reqIDKey{}).(int64)
	return reqID
}
