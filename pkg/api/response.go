package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"socialmedia/pkg/relationship"
	"socialmedia/pkg/services"
)

const (
	RETRY_AFTER_SECONDS = "1"
	// nginx's code for a request the client gave up on
	STATUS_CLIENT_CLOSED_REQUEST = 499
)

var (
	errBadID           = errors.New("invalid id")
	errBadBody         = errors.New("invalid request body")
	errBadQuery        = errors.New("invalid query parameter")
	errUnauthenticated = errors.New("user not authenticated")
	errForbidden       = errors.New("operation not allowed for this user")
)

// Response is the body of every api response. Handlers add their payload
// as extra fields.
type Response map[string]interface{}

func decodeJSON(body io.ReadCloser, v interface{}) error {
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return errBadBody
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, message string, fields Response) {
	resp := Response{}
	for k, v := range fields {
		resp[k] = v
	}
	resp["message"] = message
	resp["success"] = status >= 200 && status < 300

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func statusFor(err error) int {
	var partial *relationship.PartialFailureError
	switch {
	case errors.As(err, &partial):
		return http.StatusInternalServerError
	case errors.Is(err, context.Canceled):
		return STATUS_CLIENT_CLOSED_REQUEST
	case relationship.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.Is(err, relationship.ErrNotFound),
		errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrPostNotFound):
		return http.StatusNotFound
	case errors.Is(err, relationship.ErrInvalidOperation),
		errors.Is(err, services.ErrMissingFields),
		errors.Is(err, errBadID),
		errors.Is(err, errBadBody),
		errors.Is(err, errBadQuery):
		return http.StatusBadRequest
	case errors.Is(err, errUnauthenticated),
		errors.Is(err, services.ErrInvalidToken),
		errors.Is(err, services.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, errForbidden):
		return http.StatusForbidden
	case errors.Is(err, services.ErrAlreadyRegistered):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	fields := Response{}

	var partial *relationship.PartialFailureError
	if errors.As(err, &partial) {
		fields["failed_side"] = string(partial.Failed)
		fields["recorded"] = partial.Recorded
	}
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", RETRY_AFTER_SECONDS)
	}
	writeJSON(w, status, err.Error(), fields)
}
