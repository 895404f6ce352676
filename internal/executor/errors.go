package executor

import "errors"

var (
	ErrStopped   = errors.New("executor stopped")
	ErrQueueFull = errors.New("executor queue full")
	ErrInflight  = errors.New("run already in flight")
)
