package controller

import (
	"errors"

	"github.com/idbroker/idbroker/internal/service"
)

// statusFromError maps service errors onto the {status, message} responses
func statusFromError(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrValidation):
		return 400, "Bad Request"
	case errors.Is(err, service.ErrUnauthorized):
		return 401, "Unauthorized"
	case errors.Is(err, service.ErrConflict):
		return 409, "Conflict"
	default:
		return 500, "Internal Server Error"
	}
}
