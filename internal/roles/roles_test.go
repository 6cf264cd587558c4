package roles

import "testing"

func TestAllowedParentPairs(t *testing.T) {
	cases := []struct {
		child, parent Role
		ok            bool
	}{
		{Delegate, Admin, true},
		{Delegate, Delegate, false},
		{Senior, Delegate, true},
		{Senior, Fulfiller, false},
		{Fulfiller, Senior, true},
		{Fulfiller, Client, false},
		{Client, Fulfiller, true},
		{Client, Client, false},
		{Admin, Admin, false},
	}
	for _, c := range cases {
		if got := IsAllowedParent(c.child, c.parent); got != c.ok {
			t.Errorf("IsAllowedParent(%s, %s) = %v, want %v", c.child, c.parent, got, c.ok)
		}
	}
}

func TestAdminHasNoParents(t *testing.T) {
	if len(AllowedParents(Admin)) != 0 {
		t.Fatalf("admin must be a root role, got parents %v", AllowedParents(Admin))
	}
}

func TestAssignmentPairs(t *testing.T) {
	if !CanAssign(Senior, Fulfiller) {
		t.Error("senior must be able to assign to fulfiller")
	}
	if CanAssign(Fulfiller, Fulfiller) {
		t.Error("fulfiller must not assign to fulfiller")
	}
	if CanAssign(Client, Fulfiller) {
		t.Error("client must not assign at all")
	}
	if !CanAssign(Admin, Senior) || !CanAssign(Delegate, Fulfiller) {
		t.Error("administrators must assign to seniors and fulfillers")
	}
}

func TestAssignsTransitively(t *testing.T) {
	if !AssignsTransitively(Admin) || !AssignsTransitively(Delegate) {
		t.Error("administrators assign transitively")
	}
	if AssignsTransitively(Senior) {
		t.Error("senior assignment is direct-child only")
	}
}

func TestCapabilities(t *testing.T) {
	if !HasCapability(Admin, CapMoveHierarchy) {
		t.Error("admin must hold hierarchy.move")
	}
	if HasCapability(Senior, CapMoveHierarchy) {
		t.Error("senior must not hold hierarchy.move")
	}
	if HasCapability(Client, CapGenerateCodes) {
		t.Error("client must not generate codes")
	}
	if !HasCapability(Fulfiller, CapViewCodes) {
		t.Error("fulfiller recruits clients and must view codes")
	}
}

func TestFinancialVisibility(t *testing.T) {
	if CanSeeFinancialField(Fulfiller, FieldProfitMargin) {
		t.Error("fulfiller must never see profit margin")
	}
	if CanSeeFinancialField(Fulfiller, FieldClientPrice) {
		t.Error("fulfiller must not see client price")
	}
	if !CanSeeFinancialField(Admin, FieldProfitMargin) {
		t.Error("admin sees everything")
	}
	if !CanSeeFinancialField(Client, FieldClientPrice) || CanSeeFinancialField(Client, FieldFulfillerPayout) {
		t.Error("client sees only client price")
	}
}

func TestRecruitable(t *testing.T) {
	if Recruitable(Admin) {
		t.Error("admins are never recruited by code")
	}
	for _, r := range []Role{Delegate, Senior, Fulfiller, Client} {
		if !Recruitable(r) {
			t.Errorf("%s must be recruitable", r)
		}
	}
}

func TestMaxDepthMatchesRoleChain(t *testing.T) {
	// admin(1) -> delegate(2) -> senior(3) -> fulfiller(4) -> client(5)
	if MaxDepth() != 5 {
		t.Fatalf("max depth = %d, want 5", MaxDepth())
	}
}
