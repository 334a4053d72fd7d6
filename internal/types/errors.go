package types

import "errors"

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInvalidReference  = errors.New("verification reference not found")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("not authorized")
	ErrNotOnline         = errors.New("party not online")
)
