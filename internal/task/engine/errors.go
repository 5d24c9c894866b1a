package engine

import "errors"

var (
	ErrNotStarted = errors.New("executor not started")
	ErrStopped    = errors.New("executor stopped")
)
