package authority

import (
	"errors"

	"tilegrid.ai/internal/protocol"
)

var (
	ErrNotFound     = errors.New("no cell at coordinate")
	ErrOccupied     = errors.New("cell already present")
	ErrUnauthorized = errors.New("not permitted")
	ErrUnknownBlock = errors.New("unknown block id")
	ErrOutOfBounds  = errors.New("coordinate out of bounds")
	ErrConflict     = errors.New("coordinate already mutated this tick")
	ErrBadRequest   = errors.New("bad request")
)

// Code maps a validation error to its protocol error code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return protocol.ErrNotFound
	case errors.Is(err, ErrConflict):
		return protocol.ErrConflict
	case errors.Is(err, ErrUnauthorized):
		return protocol.ErrNoPermission
	case errors.Is(err, ErrOccupied), errors.Is(err, ErrOutOfBounds):
		return protocol.ErrInvalidTarget
	case errors.Is(err, ErrUnknownBlock), errors.Is(err, ErrBadRequest):
		return protocol.ErrBadRequest
	default:
		return protocol.ErrInternal
	}
}
