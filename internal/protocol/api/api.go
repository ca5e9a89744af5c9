package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"murmur/internal/domain"
	"murmur/internal/protocol/wire"
)

// Route paths.
const (
	PathRegister     = "/api/register"
	PathAuthenticate = "/api/authenticate"
	PathUsers        = "/api/users"
	PathMessages     = "/api/messages"
	PathPending      = "/api/messages/pending"
	PathObjects      = "/api/objects"
	PathSocket       = "/ws"
	PathMetrics      = "/metrics"
	PathHealth       = "/healthz"
)

// Error codes carried in ErrorBody.
const (
	CodeBadRequest         = "bad_request"
	CodeInvalidCredentials = "invalid_credentials"
	CodeNotAuthenticated   = "not_authenticated"
	CodeForbidden          = "forbidden"
	CodeUserNotFound       = "user_not_found"
	CodeObjectNotFound     = "object_not_found"
	CodeHandleTaken        = "handle_taken"
	CodeInvalidHandle      = "invalid_handle"
	CodeRateLimited        = "rate_limited"
	CodeInternal           = "internal"
)

// ErrObjectNotFound is returned for a missing store-and-forward object.
var ErrObjectNotFound = errors.New("object not found")

// Response is the envelope around every HTTP body.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *ErrorBody      `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SendMessageResponse answers POST /api/messages.
type SendMessageResponse struct {
	MessageID domain.MessageID `json:"messageId"`
	Status    domain.AckStatus `json:"status"`
}

// PendingResponse answers GET /api/messages/pending.
type PendingResponse struct {
	Messages []wire.Message `json:"messages"`
}

// UsersResponse answers GET /api/users?q=.
type UsersResponse struct {
	Users []domain.PeerRecord `json:"users"`
}

// PutObjectRequest is the body of PUT /api/objects/{key}. Sender and
// recipient are derived from the session and the key.
type PutObjectRequest struct {
	Blob []byte `json:"blob"`
}

// ObjectsResponse answers GET /api/objects?prefix=.
type ObjectsResponse struct {
	Objects []domain.StoredObject `json:"objects"`
}

// Status returns the HTTP status for an error code.
func Status(code string) int {
	switch code {
	case CodeBadRequest, CodeInvalidHandle:
		return http.StatusBadRequest
	case CodeInvalidCredentials, CodeNotAuthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeUserNotFound, CodeObjectNotFound:
		return http.StatusNotFound
	case CodeHandleTaken:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// Code returns the error code for a domain error.
func Code(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidCredentials):
		return CodeInvalidCredentials
	case errors.Is(err, domain.ErrNotAuthenticated):
		return CodeNotAuthenticated
	case errors.Is(err, domain.ErrRegistryLookupFailed):
		return CodeUserNotFound
	case errors.Is(err, ErrObjectNotFound):
		return CodeObjectNotFound
	case errors.Is(err, domain.ErrHandleTaken):
		return CodeHandleTaken
	case errors.Is(err, domain.ErrInvalidHandle):
		return CodeInvalidHandle
	case errors.Is(err, domain.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, domain.ErrMalformedPayload):
		return CodeBadRequest
	}
	return CodeInternal
}

// Err maps an error code back to the domain error a caller can test for.
// Unknown codes return nil.
func Err(code string) error {
	switch code {
	case CodeInvalidCredentials:
		return domain.ErrInvalidCredentials
	case CodeNotAuthenticated:
		return domain.ErrNotAuthenticated
	case CodeUserNotFound:
		return domain.ErrRegistryLookupFailed
	case CodeObjectNotFound:
		return ErrObjectNotFound
	case CodeHandleTaken:
		return domain.ErrHandleTaken
	case CodeInvalidHandle:
		return domain.ErrInvalidHandle
	case CodeRateLimited:
		return domain.ErrRateLimited
	case CodeBadRequest:
		return domain.ErrMalformedPayload
	}
	return nil
}
