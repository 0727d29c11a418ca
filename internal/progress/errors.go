package progress

import "errors"

// ErrInvalidArgument marks caller input the tracker refuses before touching
// the store.
var ErrInvalidArgument = errors.New("invalid argument")
