package hierarchy

import (
	"errors"
	"time"

	"trellis.org/internal/roles"
)

// User is a member of the partner tree. Role is immutable after creation.
type User struct {
	ID                string     `json:"id"`
	Role              roles.Role `json:"role"`
	DisplayName       string     `json:"display_name"`
	ReferenceCodeUsed string     `json:"reference_code_used,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// Edge is a user's position in the tree: one parent pointer plus cached
// depth level and top-administrator reference. The top administrator of a
// tree has an empty ParentID and Level 1.
type Edge struct {
	UserID     string    `json:"user_id"`
	ParentID   string    `json:"parent_id,omitempty"`
	Level      int       `json:"level"`
	TopAdminID string    `json:"top_admin_id"`
	UpdatedAt  time.Time `json:"updated_at"`
}

var (
	ErrUserNotFound      = errors.New("hierarchy: user not found")
	ErrParentNotFound    = errors.New("hierarchy: parent not found")
	ErrDuplicateUser     = errors.New("hierarchy: user already exists")
	ErrInvalidRole       = errors.New("hierarchy: invalid role")
	ErrInvalidParentRole = errors.New("hierarchy: parent role not allowed for user role")
	ErrCircularReference = errors.New("hierarchy: move would create a cycle")
	ErrMaxDepth          = errors.New("hierarchy: max depth exceeded")
	ErrConcurrentUpdate  = errors.New("hierarchy: concurrent update, retry")
)
