package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/npezzotti/quizhub/internal/types"
)

type ApiError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	Err        error  `json:"-"`
}

func (e *ApiError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Err.Error())
	}

	return e.Message
}

func (e *ApiError) Unwrap() error {
	return e.Err
}

func lower(s string) string {
	return strings.ToLower(s)
}

func newApiError(status int) *ApiError {
	return &ApiError{
		StatusCode: status,
		Message:    lower(http.StatusText(status)),
	}
}

func NewBadRequestError() *ApiError {
	return newApiError(http.StatusBadRequest)
}

func NewNotFoundError() *ApiError {
	return newApiError(http.StatusNotFound)
}

func NewInternalServerError(err error) *ApiError {
	e := newApiError(http.StatusInternalServerError)
	e.Err = err
	return e
}

func NewUnauthorizedError() *ApiError {
	return newApiError(http.StatusUnauthorized)
}

func NewTooManyRequestsError() *ApiError {
	return newApiError(http.StatusTooManyRequests)
}

func NewServiceUnavailableError(err error) *ApiError {
	e := newApiError(http.StatusServiceUnavailable)
	e.Err = err
	return e
}

// hubStatus maps hub error codes onto HTTP statuses.
var hubStatus = map[string]int{
	types.ErrUnauthenticated.Code:     http.StatusUnauthorized,
	types.ErrNegotiationExpired.Code:  http.StatusNotFound,
	types.ErrRoomNotFound.Code:        http.StatusNotFound,
	types.ErrRoomFull.Code:            http.StatusConflict,
	types.ErrRoomClosed.Code:          http.StatusGone,
	types.ErrAlreadyJoined.Code:       http.StatusConflict,
	types.ErrForbidden.Code:           http.StatusForbidden,
	types.ErrChannelAccessDenied.Code: http.StatusForbidden,
	types.ErrCapacityExceeded.Code:    http.StatusServiceUnavailable,
	types.ErrInvalidPayload.Code:      http.StatusBadRequest,
	types.ErrUnavailable.Code:         http.StatusServiceUnavailable,
}

// FromHubError converts a hub error into the HTTP error body. Unknown errors
// become a 500 without exposing their cause.
func FromHubError(err error) *ApiError {
	he := types.AsHubError(err)
	status, ok := hubStatus[he.Code]
	if !ok {
		return NewInternalServerError(err)
	}

	return &ApiError{
		StatusCode: status,
		Message:    he.Message,
		Code:       he.Code,
		Err:        err,
	}
}
