package qjob

import "errors"

var (
	// ErrSuperseded is returned when the run an operation targeted is no
	// longer the active one. It is never recorded as a user-visible failure.
	ErrSuperseded  = errors.New("qjob: run superseded")
	ErrNoActiveRun = errors.New("qjob: no active run")
	ErrClosed      = errors.New("qjob: tracker closed")
)
