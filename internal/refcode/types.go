package refcode

import (
	"crypto/rand"
	"errors"
	"fmt"
	"regexp"
	"time"

	"trellis.org/internal/roles"
)

// Code is a recruitment code owned by exactly one user. While active it
// resolves to that owner and the role it recruits; it is never deleted,
// only deactivated.
type Code struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Value     string     `json:"value"`
	Type      roles.Role `json:"code_type"`
	Active    bool       `json:"active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Reason explains an invalid validation outcome.
type Reason string

const (
	ReasonBadFormat Reason = "bad_format"
	ReasonNotFound  Reason = "not_found"
	ReasonInactive  Reason = "inactive"
)

// ValidationResult is the public answer to "is this code redeemable".
// Owner fields are populated only when the code is valid; an invalid code
// never reveals who owns it.
type ValidationResult struct {
	IsValid   bool       `json:"is_valid"`
	Reason    Reason     `json:"reason,omitempty"`
	OwnerID   string     `json:"owner_id,omitempty"`
	OwnerName string     `json:"owner_name,omitempty"`
	OwnerRole roles.Role `json:"owner_role,omitempty"`
	CodeType  roles.Role `json:"code_type,omitempty"`
}

// Stats summarizes redemption of one code.
type Stats struct {
	TotalUses  int        `json:"total_uses"`
	RecentUses int        `json:"recent_uses"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// RecentWindow bounds the RecentUses counter.
const RecentWindow = 30 * 24 * time.Hour

var (
	ErrCodeNotFound        = errors.New("refcode: code not found")
	ErrOwnerNotFound       = errors.New("refcode: owner not found")
	ErrInvalidCodeType     = errors.New("refcode: role is not recruitable")
	ErrDuplicateActiveCode = errors.New("refcode: owner already holds an active code of this type")
	ErrCodeSpaceExhausted  = errors.New("refcode: could not generate a unique code value")
)

// typeTags maps a recruited role to the two-letter prefix of its codes.
var typeTags = map[roles.Role]string{
	roles.Delegate:  "DA",
	roles.Senior:    "SF",
	roles.Fulfiller: "FF",
	roles.Client:    "CL",
}

// Crockford base32: no I, L, O, U.
const codeAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

// valueRe validates the segmented XX-XXX-XXXXXX form everywhere a raw code
// value enters the system.
var valueRe = regexp.MustCompile(`^(DA|SF|FF|CL)-[0-9A-HJKMNP-TV-Z]{3}-[0-9A-HJKMNP-TV-Z]{6}$`)

// WellFormed reports whether value matches the fixed code format.
func WellFormed(value string) bool {
	return valueRe.MatchString(value)
}

// NewValue builds a random code value for the given recruited role.
func NewValue(codeType roles.Role) (string, error) {
	tag, ok := typeTags[codeType]
	if !ok {
		return "", ErrInvalidCodeType
	}
	mid, err := randomSegment(3)
	if err != nil {
		return "", err
	}
	tail, err := randomSegment(6)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s-%s", tag, mid, tail), nil
}

func randomSegment(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}
