package filtmgr

import (
	"errors"
	"fmt"
)

// Sentinel errors matching the status taxonomy in the design's error
// handling section. Callers should compare with errors.Is.
var (
	ErrNotFound      = errors.New("no such filter")
	ErrAlreadyExists = errors.New("filter already exists")
	ErrNotProxied    = errors.New("filter is not proxied")
	ErrInternal      = errors.New("internal error")
)

// wrapInternal folds an underlying bloomstore/IO error into the public
// ErrInternal sentinel while keeping the original message and chain
// available to errors.Is and errors.As.
func wrapInternal(err error) error {
	return fmt.Errorf("%w: %w", ErrInternal, err)
}
