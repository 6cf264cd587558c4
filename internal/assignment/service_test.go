package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"trellis.org/internal/audit"
	"trellis.org/internal/hierarchy"
	"trellis.org/internal/roles"
)

type fixture struct {
	svc    *InMemory
	tree   *hierarchy.InMemory
	log    *audit.InMemory
	admin  hierarchy.User
	deleg  hierarchy.User
	senior hierarchy.User
	fulf   hierarchy.User
	client hierarchy.User
}

// newFixture builds a full legal chain admin > delegate > senior >
// fulfiller > client.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	log := audit.NewInMemory()
	tree := hierarchy.NewInMemory(log)

	f := &fixture{tree: tree, log: log}
	rootEdge, err := tree.CreateRoot(ctx, hierarchy.User{Role: roles.Admin, DisplayName: "Admin"})
	if err != nil {
		t.Fatal(err)
	}
	f.admin, _ = tree.GetUser(ctx, rootEdge.UserID)

	insert := func(role roles.Role, name, parentID string) hierarchy.User {
		edge, err := tree.InsertUser(ctx, hierarchy.User{Role: role, DisplayName: name}, parentID)
		if err != nil {
			t.Fatalf("insert %s: %v", name, err)
		}
		u, _ := tree.GetUser(ctx, edge.UserID)
		return u
	}
	f.deleg = insert(roles.Delegate, "Delegate", f.admin.ID)
	f.senior = insert(roles.Senior, "Senior", f.deleg.ID)
	f.fulf = insert(roles.Fulfiller, "Fulfiller", f.senior.ID)
	f.client = insert(roles.Client, "Client", f.fulf.ID)

	f.svc = NewInMemory(tree, log)
	return f
}

func (f *fixture) workItem(t *testing.T) WorkItem {
	t.Helper()
	item, err := f.svc.CreateWorkItem(context.Background(), f.client.ID, "translate brief")
	if err != nil {
		t.Fatal(err)
	}
	return item
}

func TestCreateWorkItemRequiresClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateWorkItem(ctx, f.fulf.ID, "x"); !errors.Is(err, ErrNotAClient) {
		t.Fatalf("expected ErrNotAClient, got %v", err)
	}
	if _, err := f.svc.CreateWorkItem(ctx, "missing", "x"); !errors.Is(err, ErrClientNotFound) {
		t.Fatalf("expected ErrClientNotFound, got %v", err)
	}
	item := f.workItem(t)
	got, err := f.svc.GetWorkItem(ctx, item.ID)
	if err != nil || got.ClientID != f.client.ID {
		t.Fatalf("get = %+v, %v", got, err)
	}
}

func TestAssignAndCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.workItem(t)

	if _, err := f.svc.Current(ctx, item.ID); !errors.Is(err, ErrNoCurrentAssignment) {
		t.Fatalf("expected ErrNoCurrentAssignment before first assign, got %v", err)
	}

	rec, err := f.svc.Assign(ctx, item.ID, f.fulf.ID, f.senior.ID, TypeInitial, "first")
	if err != nil {
		t.Fatal(err)
	}
	if !rec.Valid || rec.AssignedToRole != roles.Fulfiller || rec.AssignedByRole != roles.Senior {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.PreviousAssigneeID != "" {
		t.Fatalf("initial assignment must have no previous assignee: %+v", rec)
	}

	cur, err := f.svc.Current(ctx, item.ID)
	if err != nil || cur.ID != rec.ID {
		t.Fatalf("current = %+v, %v", cur, err)
	}
}

func TestReassignmentSupersedes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.workItem(t)

	other, err := f.tree.InsertUser(ctx, hierarchy.User{Role: roles.Fulfiller, DisplayName: "F2"}, f.senior.ID)
	if err != nil {
		t.Fatal(err)
	}

	first, err := f.svc.Assign(ctx, item.ID, f.fulf.ID, f.senior.ID, TypeInitial, "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.Assign(ctx, item.ID, other.UserID, f.senior.ID, TypeReassignment, "handoff")
	if err != nil {
		t.Fatal(err)
	}
	if second.PreviousAssigneeID != f.fulf.ID {
		t.Fatalf("previous assignee = %q, want %q", second.PreviousAssigneeID, f.fulf.ID)
	}

	history, err := f.svc.History(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	// Single-current invariant: exactly one valid record, and it is the latest.
	validCount := 0
	for _, r := range history {
		if r.Valid {
			validCount++
			if r.ID != second.ID {
				t.Fatalf("valid record is %s, want %s", r.ID, second.ID)
			}
		}
	}
	if validCount != 1 {
		t.Fatalf("valid records = %d, want 1", validCount)
	}
	if history[0].ID != first.ID {
		t.Fatal("history must stay chronological")
	}
}

func TestAssignRejectsIllegalRolePairs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.workItem(t)

	cases := []struct {
		name string
		toID string
		byID string
	}{
		{"fulfiller cannot assign", f.fulf.ID, f.fulf.ID},
		{"client cannot assign", f.fulf.ID, f.client.ID},
		{"nobody assigns to a client", f.client.ID, f.senior.ID},
		{"nobody assigns to an admin", f.admin.ID, f.deleg.ID},
	}
	for _, tc := range cases {
		if _, err := f.svc.Assign(ctx, item.ID, tc.toID, tc.byID, TypeInitial, ""); !errors.Is(err, ErrInvalidRoleAssignment) {
			t.Fatalf("%s: expected ErrInvalidRoleAssignment, got %v", tc.name, err)
		}
	}
}

func TestSeniorAssignsDirectChildrenOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.workItem(t)

	// A fulfiller under a different senior is out of reach.
	otherSenior, err := f.tree.InsertUser(ctx, hierarchy.User{Role: roles.Senior, DisplayName: "S2"}, f.deleg.ID)
	if err != nil {
		t.Fatal(err)
	}
	farFulf, err := f.tree.InsertUser(ctx, hierarchy.User{Role: roles.Fulfiller, DisplayName: "F2"}, otherSenior.UserID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Assign(ctx, item.ID, farFulf.UserID, f.senior.ID, TypeInitial, ""); !errors.Is(err, ErrNotInHierarchy) {
		t.Fatalf("expected ErrNotInHierarchy, got %v", err)
	}
	// The other senior can.
	if _, err := f.svc.Assign(ctx, item.ID, farFulf.UserID, otherSenior.UserID, TypeInitial, ""); err != nil {
		t.Fatalf("direct child assign: %v", err)
	}
}

func TestAdminAssignsAnywhereInSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.workItem(t)

	// Fulfiller is three levels below the admin; transitive reach applies.
	if _, err := f.svc.Assign(ctx, item.ID, f.fulf.ID, f.admin.ID, TypeInitial, ""); err != nil {
		t.Fatalf("admin transitive assign: %v", err)
	}
	// Delegate likewise reaches the senior two levels down.
	if _, err := f.svc.Assign(ctx, item.ID, f.senior.ID, f.deleg.ID, TypeReassignment, ""); err != nil {
		t.Fatalf("delegate transitive assign: %v", err)
	}
}

func TestAssignRejectsForeignSubtree(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.workItem(t)

	// Second independent tree with its own admin and fulfiller chain.
	rootEdge, err := f.tree.CreateRoot(ctx, hierarchy.User{Role: roles.Admin, DisplayName: "Admin2"})
	if err != nil {
		t.Fatal(err)
	}
	foreignFulf, err := f.tree.InsertUser(ctx, hierarchy.User{Role: roles.Fulfiller, DisplayName: "FF"}, rootEdge.UserID)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.svc.Assign(ctx, item.ID, foreignFulf.UserID, f.admin.ID, TypeInitial, ""); !errors.Is(err, ErrNotInHierarchy) {
		t.Fatalf("expected ErrNotInHierarchy across trees, got %v", err)
	}
}

func TestAssignValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.workItem(t)

	if _, err := f.svc.Assign(ctx, item.ID, f.fulf.ID, f.senior.ID, Type("bogus"), ""); !errors.Is(err, ErrInvalidType) {
		t.Fatalf("expected ErrInvalidType, got %v", err)
	}
	if _, err := f.svc.Assign(ctx, "missing", f.fulf.ID, f.senior.ID, TypeInitial, ""); !errors.Is(err, ErrWorkItemNotFound) {
		t.Fatalf("expected ErrWorkItemNotFound, got %v", err)
	}
	if _, err := f.svc.Assign(ctx, item.ID, "missing", f.senior.ID, TypeInitial, ""); !errors.Is(err, ErrAssigneeNotFound) {
		t.Fatalf("expected ErrAssigneeNotFound, got %v", err)
	}
	if _, err := f.svc.Assign(ctx, item.ID, f.fulf.ID, "missing", TypeInitial, ""); !errors.Is(err, ErrAssignerNotFound) {
		t.Fatalf("expected ErrAssignerNotFound, got %v", err)
	}
}

func TestConcurrentAssignsKeepSingleCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.workItem(t)

	const workers = 8
	targets := make([]string, workers)
	for i := range targets {
		edge, err := f.tree.InsertUser(ctx, hierarchy.User{Role: roles.Fulfiller, DisplayName: fmt.Sprintf("F%d", i)}, f.senior.ID)
		if err != nil {
			t.Fatal(err)
		}
		targets[i] = edge.UserID
	}

	var wg sync.WaitGroup
	for _, target := range targets {
		wg.Add(1)
		go func(to string) {
			defer wg.Done()
			if _, err := f.svc.Assign(ctx, item.ID, to, f.senior.ID, TypeReassignment, ""); err != nil {
				t.Errorf("assign %s: %v", to, err)
			}
		}(target)
	}
	wg.Wait()

	history, err := f.svc.History(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != workers {
		t.Fatalf("history length = %d, want %d", len(history), workers)
	}
	valid := 0
	for _, r := range history {
		if r.Valid {
			valid++
		}
	}
	if valid != 1 {
		t.Fatalf("valid records = %d, want exactly 1", valid)
	}
	cur, err := f.svc.Current(ctx, item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if cur.ID != history[len(history)-1].ID {
		t.Fatal("current must be the last appended record")
	}
}

func TestAssignWritesAuditEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.workItem(t)

	if _, err := f.svc.Assign(ctx, item.ID, f.fulf.ID, f.senior.ID, TypeInitial, ""); err != nil {
		t.Fatal(err)
	}
	entries, err := f.log.ListByResource(ctx, "work_item", item.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Action != "assignment.create" {
		t.Fatalf("audit entries = %+v", entries)
	}
	if entries[0].Metadata["assigned_to"] != f.fulf.ID {
		t.Fatalf("audit metadata = %+v", entries[0].Metadata)
	}
}
