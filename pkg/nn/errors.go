package nn

import "errors"

var (
	ErrNoSuchModule = errors.New("no such module")
	ErrNoForward    = errors.New("module has no forward computation")
	ErrMissingParam = errors.New("missing parameter")
)
