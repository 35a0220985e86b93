package pipeline

import "errors"

var (
	ErrAuthentication   = errors.New("signature verification failed")
	ErrUnknownProvider  = errors.New("unknown provider")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyResolved  = errors.New("dead letter entry already resolved")
	ErrReplayInProgress = errors.New("replay already in progress")
	ErrReplayFailed     = errors.New("replay failed")
	ErrDuplicateHandler = errors.New("handler already registered")
)
