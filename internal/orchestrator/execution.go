// Package orchestrator runs named workflows as durable executions. Every
// execution is written to a Store before it is queued, its phase changes are
// appended to a history, and executions still RUNNING when the process stops
// are picked up again by Engine.Run on the next boot.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusAborted   Status = "ABORTED"
)

// StatusAll is accepted by List as "no status filter".
const StatusAll Status = "ALL"

func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case "", StatusAll:
		return StatusAll, true
	case StatusRunning, StatusSucceeded, StatusFailed, StatusTimedOut, StatusAborted:
		return st, true
	}
	return "", false
}

func (s Status) Terminal() bool { return s != StatusRunning }

// RefPrefix marks execution references so callers can tell them apart from
// business identifiers.
const RefPrefix = "exec:"

func IsRef(s string) bool { return strings.HasPrefix(s, RefPrefix) }

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrUnknownWorkflow   = errors.New("unknown workflow")
	ErrQueueFull         = errors.New("execution queue full")
)

type Execution struct {
	Ref       string          `json:"execution_ref"`
	Name      string          `json:"name"`
	Workflow  string          `json:"workflow"`
	Status    Status          `json:"status"`
	Phase     string          `json:"phase,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	StartDate time.Time       `json:"start_date"`
	StopDate  *time.Time      `json:"stop_date,omitempty"`
}

type Event struct {
	Ref    string    `json:"execution_ref"`
	Phase  string    `json:"phase"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

type ListFilter struct {
	Status   Status
	Workflow string
	// Name matches the execution name exactly when set.
	Name     string
	Limit    int
}

// Store persists executions and their phase history.
type Store interface {
	Create(ctx context.Context, ex Execution) error
	Get(ctx context.Context, ref string) (Execution, error)
	List(ctx context.Context, f ListFilter) ([]Execution, error)
	Running(ctx context.Context) ([]Execution, error)
	SetPhase(ctx context.Context, ref, phase, detail string, at time.Time) error
	Finish(ctx context.Context, ref string, status Status, output json.RawMessage, errMsg string, at time.Time) error
	Events(ctx context.Context, ref string) ([]Event, error)
	Purge(ctx context.Context, stoppedBefore time.Time) (int64, error)
}
