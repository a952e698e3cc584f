package qjob

import (
	"github.com/quatton/runbookgen/pkg/qsdk/qerr"
)

// Status is the lifecycle state of a run.
type Status string

const (
	// StatusIdle means no run has been submitted yet. The gateway never reports it.
	StatusIdle          Status = "IDLE"
	StatusPending       Status = "PENDING"
	StatusRunning       Status = "RUNNING"
	StatusSuccess       Status = "SUCCESS"
	StatusFailed        Status = "FAILED"
	StatusTerminated    Status = "TERMINATED"
	StatusSkipped       Status = "SKIPPED"
	StatusInternalError Status = "INTERNAL_ERROR"
)

// GatewayStatuses lists every value a gateway may report.
var GatewayStatuses = []Status{
	StatusPending,
	StatusRunning,
	StatusSuccess,
	StatusFailed,
	StatusTerminated,
	StatusSkipped,
	StatusInternalError,
}

// ParseStatus validates a status string received from a gateway.
func ParseStatus(s string) (Status, error) {
	for _, st := range GatewayStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", qerr.Errorf(qerr.CodeUnknownStatus, "gateway reported status %q", s)
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusTerminated, StatusSkipped, StatusInternalError:
		return true
	}
	return false
}

// Active reports whether the run is still executing and should be polled.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

func (s Status) rank() int {
	switch s {
	case StatusIdle:
		return 0
	case StatusPending:
		return 1
	case StatusRunning:
		return 2
	}
	if s.Terminal() {
		return 3
	}
	return -1
}

// CanTransition reports whether a run in from may move to to. Self
// transitions are allowed; terminal states only allow themselves.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.rank() >= 0
	}
	if from.Terminal() || to == StatusIdle {
		return false
	}
	f, t := from.rank(), to.rank()
	return f >= 0 && t > f
}
