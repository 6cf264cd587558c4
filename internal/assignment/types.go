package assignment

import (
	"errors"
	"time"

	"trellis.org/internal/roles"
)

// Type distinguishes the first assignment of a work item from later hand-offs.
type Type string

const (
	TypeInitial      Type = "initial"
	TypeReassignment Type = "reassignment"
)

// Valid reports whether t is a known assignment type.
func (t Type) Valid() bool {
	return t == TypeInitial || t == TypeReassignment
}

// WorkItem is an assignable unit of work owned by an end client.
type WorkItem struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// Record is one row of a work item's append-only assignment history. The
// current assignment is the single record with Valid=true.
type Record struct {
	ID                 string     `json:"id"`
	WorkItemID         string     `json:"work_item_id"`
	AssignedToID       string     `json:"assigned_to_id"`
	AssignedToRole     roles.Role `json:"assigned_to_role"`
	AssignedByID       string     `json:"assigned_by_id"`
	AssignedByRole     roles.Role `json:"assigned_by_role"`
	Type               Type       `json:"assignment_type"`
	PreviousAssigneeID string     `json:"previous_assignee_id,omitempty"`
	Notes              string     `json:"notes,omitempty"`
	Valid              bool       `json:"is_valid"`
	CreatedAt          time.Time  `json:"created_at"`
}

var (
	ErrWorkItemNotFound      = errors.New("assignment: work item not found")
	ErrAssigneeNotFound      = errors.New("assignment: assignee not found")
	ErrAssignerNotFound      = errors.New("assignment: assigner not found")
	ErrClientNotFound        = errors.New("assignment: client not found")
	ErrNotAClient            = errors.New("assignment: work item owner must be an end client")
	ErrInvalidType           = errors.New("assignment: invalid assignment type")
	ErrInvalidRoleAssignment = errors.New("assignment: role pair not permitted")
	ErrNotInHierarchy        = errors.New("assignment: assignee is outside the assigner's subtree")
	ErrNoCurrentAssignment   = errors.New("assignment: no current assignment")
	ErrConcurrentUpdate      = errors.New("assignment: concurrent update, retry")
)
