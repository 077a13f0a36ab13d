// Package state defines the run and run-node status state machines.
// Transitions are validated against a static graph here and enforced
// with optimistic store preconditions by the caller: a transition is
// only real once the store reports exactly one changed row.
package state

import (
	"fmt"
	"strings"
)

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

type RunNodeStatus string

const (
	NodePending   RunNodeStatus = "pending"
	NodeRunning   RunNodeStatus = "running"
	NodeCompleted RunNodeStatus = "completed"
	NodeFailed    RunNodeStatus = "failed"
	NodeSkipped   RunNodeStatus = "skipped"
	NodeCancelled RunNodeStatus = "cancelled"
)

// runGraph encodes the allowed run transitions. failed->running is the
// retry-driven resumption exception to terminal immutability.
var runGraph = map[RunStatus][]RunStatus{
	RunPending:   {RunRunning, RunCancelled},
	RunRunning:   {RunCompleted, RunFailed, RunCancelled, RunPaused},
	RunPaused:    {RunRunning, RunCancelled},
	RunFailed:    {RunRunning},
	RunCompleted: {},
	RunCancelled: {},
}

var nodeGraph = map[RunNodeStatus][]RunNodeStatus{
	NodePending:   {NodeRunning, NodeSkipped, NodeCancelled},
	NodeRunning:   {NodeCompleted, NodeFailed, NodeCancelled},
	NodeCompleted: {NodePending},
	NodeFailed:    {NodeRunning, NodePending},
	NodeSkipped:   {NodePending},
	NodeCancelled: {},
}

func ParseRunStatus(s string) (RunStatus, error) {
	v := RunStatus(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case RunPending, RunRunning, RunPaused, RunCompleted, RunFailed, RunCancelled:
		return v, nil
	}
	return "", fmt.Errorf("unknown run status: %q", s)
}

func ParseRunNodeStatus(s string) (RunNodeStatus, error) {
	v := RunNodeStatus(strings.ToLower(strings.TrimSpace(s)))
	switch v {
	case NodePending, NodeRunning, NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return v, nil
	}
	return "", fmt.Errorf("unknown run node status: %q", s)
}

// RunTerminal reports whether a run status admits no further transitions
// other than the failed->running retry exception.
func RunTerminal(s RunStatus) bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

func NodeTerminal(s RunNodeStatus) bool {
	switch s {
	case NodeCompleted, NodeFailed, NodeSkipped, NodeCancelled:
		return true
	}
	return false
}

// InvalidTransitionError is a programmer bug: the requested transition is
// not an edge of the status graph. It is never retried.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition: %s -> %s", e.Entity, e.From, e.To)
}

// PreconditionFailedError reports a lost optimistic race: the row was not
// in the expected prior status when the update ran. Callers surface it as
// a blocked step and retry from a fresh snapshot.
type PreconditionFailedError struct {
	Entity string
	ID     int64
	From   string
	To     string
}

func (e *PreconditionFailedError) Error() string {
	return fmt.Sprintf("%s %d precondition failed: expected status %s for transition to %s", e.Entity, e.ID, e.From, e.To)
}

func ValidateRunTransition(from, to RunStatus) error {
	for _, allowed := range runGraph[from] {
		if allowed == to {
			return nil
		}
	}
	return &InvalidTransitionError{Entity: "workflow_run", From: string(from), To: string(to)}
}

func ValidateNodeTransition(from, to RunNodeStatus) error {
	for _, allowed := range nodeGraph[from] {
		if allowed == to {
			return nil
		}
	}
	return &InvalidTransitionError{Entity: "run_node", From: string(from), To: string(to)}
}
