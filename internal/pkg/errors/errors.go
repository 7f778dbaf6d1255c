package errors

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrInvalid     = errors.New("invalid")
	ErrConflict    = errors.New("conflict")
	ErrTooMany     = errors.New("too many requests")
	ErrInternal    = errors.New("internal")
	ErrUnavailable = errors.New("temporarily unavailable")
	ErrTimeout     = errors.New("timeout")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsTooMany(err error) bool {
	return errors.Is(err, ErrTooMany)
}
