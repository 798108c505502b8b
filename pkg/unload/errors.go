package unload

import "errors"

// ErrPlaceholderForward is returned by every Placeholder forward call.
var ErrPlaceholderForward = errors.New("placeholder component cannot run forward")
