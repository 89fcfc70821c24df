package mediator

import "errors"

var (
	// ErrUnhandled is returned when no handler is bound to a request, or a
	// chain ends without any link handling it.
	ErrUnhandled = errors.New("request not handled")

	ErrNotHandler     = errors.New("resolved instance is not a request handler")
	ErrNotLink        = errors.New("resolved instance is not a chain link")
	ErrResponseType   = errors.New("unexpected response type")
	ErrUnknownDriver  = errors.New("unknown driver")
	ErrNotFinder      = errors.New("storage cannot list sagas")
	ErrAlreadyBound   = errors.New("request already bound")
	ErrInvalidBinding = errors.New("invalid request binding")
)
