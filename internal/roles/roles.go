package roles

// Role is one of the five tiers of the partner tree. The set is closed;
// an unknown role simply resolves to empty capability and parent sets.
type Role string

const (
	Admin     Role = "admin"     // top administrator, root of a tree
	Delegate  Role = "delegate"  // delegate administrator
	Senior    Role = "senior"    // senior fulfiller
	Fulfiller Role = "fulfiller" // fulfiller
	Client    Role = "client"    // end client
)

// Capability is a fine-grained action key.
type Capability string

const (
	CapViewCodes     Capability = "codes.view"
	CapGenerateCodes Capability = "codes.generate"
	CapMoveHierarchy Capability = "hierarchy.move"
	CapViewHierarchy Capability = "hierarchy.view"
	CapAssignWork    Capability = "work.assign"
	CapViewFinance   Capability = "finance.view"
	CapFullFinance   Capability = "finance.view_full"
)

// maxDepth is the deepest level a user may occupy; the top administrator is level 1.
const maxDepth = 5

// All enumerates the closed role set in tier order.
var All = []Role{Admin, Delegate, Senior, Fulfiller, Client}

// Valid reports whether r is a member of the closed role set.
func (r Role) Valid() bool {
	switch r {
	case Admin, Delegate, Senior, Fulfiller, Client:
		return true
	}
	return false
}

var allowedParents = map[Role][]Role{
	Admin:     nil, // root only
	Delegate:  {Admin},
	Senior:    {Admin, Delegate},
	Fulfiller: {Admin, Delegate, Senior},
	Client:    {Admin, Delegate, Senior, Fulfiller},
}

var capabilities = map[Role][]Capability{
	Admin:     {CapViewCodes, CapGenerateCodes, CapMoveHierarchy, CapViewHierarchy, CapAssignWork, CapViewFinance, CapFullFinance},
	Delegate:  {CapViewCodes, CapGenerateCodes, CapMoveHierarchy, CapViewHierarchy, CapAssignWork, CapViewFinance, CapFullFinance},
	Senior:    {CapViewCodes, CapGenerateCodes, CapViewHierarchy, CapAssignWork, CapViewFinance},
	Fulfiller: {CapViewCodes, CapGenerateCodes, CapViewHierarchy, CapViewFinance},
	Client:    {CapViewFinance},
}

// assignPairs maps an assigning role to the roles it may hand work to.
var assignPairs = map[Role][]Role{
	Admin:    {Senior, Fulfiller},
	Delegate: {Senior, Fulfiller},
	Senior:   {Fulfiller},
}

// recruitable maps a role to whether a recruitment code may target it.
// Top administrators are provisioned out of band, never recruited.
var recruitable = map[Role]bool{
	Delegate:  true,
	Senior:    true,
	Fulfiller: true,
	Client:    true,
}

// AllowedParents returns the roles a user of role r may be parented under.
// Empty means r can only sit at the root of a tree.
func AllowedParents(r Role) []Role {
	return allowedParents[r]
}

// IsAllowedParent reports whether parent may directly supervise a user of role r.
func IsAllowedParent(r, parent Role) bool {
	for _, p := range allowedParents[r] {
		if p == parent {
			return true
		}
	}
	return false
}

// Capabilities returns the static action set for r.
func Capabilities(r Role) []Capability {
	return capabilities[r]
}

// HasCapability reports whether role r carries capability c.
func HasCapability(r Role, c Capability) bool {
	for _, have := range capabilities[r] {
		if have == c {
			return true
		}
	}
	return false
}

// CanAssign reports whether a user of role by may assign work to a user of role to.
func CanAssign(by, to Role) bool {
	for _, t := range assignPairs[by] {
		if t == to {
			return true
		}
	}
	return false
}

// AssignsTransitively reports whether role by may assign to any descendant
// rather than only direct children. Skip-level assignment is disallowed by
// default; administrators are the enumerated exception.
func AssignsTransitively(by Role) bool {
	return by == Admin || by == Delegate
}

// Recruitable reports whether a recruitment code may be typed for role r.
func Recruitable(r Role) bool {
	return recruitable[r]
}

// MaxDepth returns the fixed depth cap of the tree.
func MaxDepth() int {
	return maxDepth
}
