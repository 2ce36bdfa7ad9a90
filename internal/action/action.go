// Package action models one orchestrated change request and its
// lifecycle from intake to a terminal state.
package action

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/seamlab/intentd/internal/diffengine"
	"github.com/seamlab/intentd/internal/plan"
	"github.com/seamlab/intentd/internal/reflector"
	"github.com/seamlab/intentd/internal/verifier"
)

// Common errors.
var (
	ErrEmptyIntent       = errors.New("action intent cannot be empty")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Status is the lifecycle state of an action.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPlanning   Status = "planning"
	StatusExecuting  Status = "executing"
	StatusVerifying  Status = "verifying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
	StatusCancelled  Status = "cancelled"
)

// transitions is the closed set of legal status moves. An action may
// be cancelled from any non-terminal state; that case is handled in
// CanTransition rather than enumerated here.
var transitions = map[Status][]Status{
	StatusPending:   {StatusPlanning},
	StatusPlanning:  {StatusExecuting, StatusPending, StatusFailed},
	StatusExecuting: {StatusVerifying, StatusFailed},
	StatusVerifying: {StatusCompleted, StatusFailed},
	StatusFailed:    {StatusRolledBack},
}

// Terminal reports whether no further transitions are possible.
// Failed is not terminal: a rollback may still follow.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	if next == StatusCancelled {
		return !s.Terminal()
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// PermissionLevel controls how much autonomy a cycle gets.
type PermissionLevel string

const (
	// PermissionNone plans only; nothing executes.
	PermissionNone PermissionLevel = "none"

	// PermissionReview pauses after planning until approved.
	PermissionReview PermissionLevel = "review"

	// PermissionAuto runs the full cycle unattended, unless the plan
	// itself demands approval.
	PermissionAuto PermissionLevel = "auto"
)

// ParsePermissionLevel defaults to review on unrecognized input.
func ParsePermissionLevel(raw string) PermissionLevel {
	switch PermissionLevel(raw) {
	case PermissionNone, PermissionReview, PermissionAuto:
		return PermissionLevel(raw)
	default:
		return PermissionReview
	}
}

// Action is one change request moving through the cycle.
type Action struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Intent    string `json:"intent"`

	Status     Status          `json:"status"`
	Permission PermissionLevel `json:"permission"`

	Plan *plan.Plan `json:"plan,omitempty"`

	// RequiresApproval is set once planning decides the action must
	// pause for a human.
	RequiresApproval bool `json:"requires_approval"`

	Diffs        []*diffengine.Diff    `json:"diffs,omitempty"`
	Verification *verifier.Report      `json:"verification,omitempty"`
	Reflection   *reflector.Reflection `json:"reflection,omitempty"`

	// Error holds the failure description for failed or rolled-back
	// actions.
	Error string `json:"error,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// New creates a pending action.
func New(projectID, intent string, permission PermissionLevel) (*Action, error) {
	if intent == "" {
		return nil, ErrEmptyIntent
	}
	now := time.Now().UTC()
	return &Action{
		ID:         uuid.NewString(),
		ProjectID:  projectID,
		Intent:     intent,
		Status:     StatusPending,
		Permission: ParsePermissionLevel(string(permission)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Transition moves the action to the next status, enforcing the state
// machine. Terminal states also stamp FinishedAt.
func (a *Action) Transition(next Status) error {
	if !a.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, next)
	}
	a.Status = next
	a.UpdatedAt = time.Now().UTC()
	if next.Terminal() {
		a.FinishedAt = a.UpdatedAt
	}
	return nil
}

// Fail marks the action failed with a reason.
func (a *Action) Fail(reason string) error {
	if err := a.Transition(StatusFailed); err != nil {
		return err
	}
	a.Error = reason
	return nil
}
