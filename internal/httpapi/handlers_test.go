package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"trellis.org/internal/access"
	"trellis.org/internal/assignment"
	"trellis.org/internal/audit"
	"trellis.org/internal/hierarchy"
	"trellis.org/internal/notify"
	"trellis.org/internal/refcode"
	"trellis.org/internal/roles"
)

var testSecret = []byte("test-secret")

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type fixture struct {
	*apiClient
	tree       *hierarchy.InMemory
	codes      *refcode.InMemory
	items      *assignment.InMemory
	financials *access.InMemoryFinancials
	admin      hierarchy.User
	deleg      hierarchy.User
	senior     hierarchy.User
	fulf       hierarchy.User
	client     hierarchy.User
}

func newTestAPI(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	log := audit.NewInMemory()
	tree := hierarchy.NewInMemory(log)
	codes := refcode.NewInMemory(tree, log)
	items := assignment.NewInMemory(tree, log)
	acc := access.NewService(tree, items, log)
	fin := access.NewInMemoryFinancials()

	f := &fixture{tree: tree, codes: codes, items: items, financials: fin}
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

	api := New(Config{
		Hierarchy:   tree,
		Codes:       codes,
		Assignments: items,
		Access:      acc,
		Financials:  fin,
		Stream:      notify.New(),
		JWTSecret:   testSecret,
		Version:     "test",
	})
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	f.apiClient = &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}
	return f
}

func (f *fixture) token(u hierarchy.User) string {
	f.t.Helper()
	tok, err := SignToken(testSecret, u.ID, u.Role, time.Hour)
	if err != nil {
		f.t.Fatalf("sign token: %v", err)
	}
	return tok
}

func authHeaderFor(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	f := newTestAPI(t)
	resp := f.get("/healthz", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatal("response must carry a request id")
	}
}

func TestProtectedEndpointsRequireToken(t *testing.T) {
	f := newTestAPI(t)
	resp := f.get("/v1/codes", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["code"] != "unauthorized" || body["request_id"] == "" {
		t.Fatalf("error envelope = %v", body)
	}
}

func TestRegistrationFlow(t *testing.T) {
	f := newTestAPI(t)

	// Senior generates a fulfiller recruitment code.
	resp := f.post("/v1/codes", map[string]any{"code_type": "fulfiller"}, authHeaderFor(f.token(f.senior)))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("generate status = %d", resp.StatusCode)
	}
	var code refcode.Code
	decodeBody(t, resp, &code)

	// Public validation resolves the owner.
	resp = f.post("/v1/codes/validate", map[string]any{"value": code.Value}, nil)
	var vr refcode.ValidationResult
	decodeBody(t, resp, &vr)
	if !vr.IsValid || vr.OwnerID != f.senior.ID || vr.CodeType != roles.Fulfiller {
		t.Fatalf("validation = %+v", vr)
	}

	// Public registration lands the new user under the code owner.
	resp = f.post("/v1/registrations", map[string]any{"code": code.Value, "display_name": "Recruit"}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	var reg registrationResponse
	decodeBody(t, resp, &reg)
	if reg.User.Role != roles.Fulfiller || reg.Edge.ParentID != f.senior.ID {
		t.Fatalf("registration = %+v", reg)
	}
	if reg.User.ReferenceCodeUsed != code.Value {
		t.Fatal("registration must record the code used")
	}

	// The recruit shows up in the code's recruit listing.
	resp = f.get("/v1/codes/"+code.ID+"/recruits", nil, authHeaderFor(f.token(f.senior)))
	var recruits struct {
		Items []hierarchy.User `json:"items"`
		Total int              `json:"total"`
	}
	decodeBody(t, resp, &recruits)
	if recruits.Total != 1 || len(recruits.Items) != 1 || recruits.Items[0].ID != reg.User.ID {
		t.Fatalf("recruits = %+v", recruits)
	}
}

func TestRegistrationRejectsDeadCode(t *testing.T) {
	f := newTestAPI(t)

	resp := f.post("/v1/codes", map[string]any{"code_type": "client"}, authHeaderFor(f.token(f.fulf)))
	var code refcode.Code
	decodeBody(t, resp, &code)

	resp = f.post("/v1/codes/"+code.ID+"/deactivate", nil, authHeaderFor(f.token(f.fulf)))
	resp.Body.Close()

	resp = f.post("/v1/registrations", map[string]any{"code": code.Value, "display_name": "X"}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["code"] != "invalid_code" {
		t.Fatalf("error envelope = %v", body)
	}
}

func TestMoveRequiresCapability(t *testing.T) {
	f := newTestAPI(t)

	req := map[string]any{"user_id": f.fulf.ID, "new_parent_id": f.deleg.ID, "reason": "reorg"}
	resp := f.post("/v1/hierarchy/move", req, authHeaderFor(f.token(f.senior)))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("senior move status = %d, want 403", resp.StatusCode)
	}

	resp = f.post("/v1/hierarchy/move", req, authHeaderFor(f.token(f.admin)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin move status = %d", resp.StatusCode)
	}
	var edge hierarchy.Edge
	decodeBody(t, resp, &edge)
	if edge.ParentID != f.deleg.ID || edge.Level != 3 {
		t.Fatalf("edge after move = %+v", edge)
	}
}

func TestMoveRejectsIllegalParent(t *testing.T) {
	f := newTestAPI(t)

	// A delegate cannot sit under a senior fulfiller.
	req := map[string]any{"user_id": f.deleg.ID, "new_parent_id": f.senior.ID}
	resp := f.post("/v1/hierarchy/move", req, authHeaderFor(f.token(f.admin)))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	var body map[string]any
	decodeBody(t, resp, &body)
	if body["code"] != "invalid_role" {
		t.Fatalf("error envelope = %v", body)
	}
}

func TestSubordinatesAndPathAccessControl(t *testing.T) {
	f := newTestAPI(t)

	// A supervisor reads its subtree.
	resp := f.get("/v1/users/"+f.client.ID+"/path", nil, authHeaderFor(f.token(f.senior)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("path status = %d", resp.StatusCode)
	}
	var path struct {
		Items []hierarchy.User `json:"items"`
	}
	decodeBody(t, resp, &path)
	if len(path.Items) != 5 || path.Items[0].ID != f.client.ID || path.Items[4].ID != f.admin.ID {
		t.Fatalf("path = %+v", path.Items)
	}

	// A fulfiller may not inspect its supervisor.
	resp = f.get("/v1/users/"+f.senior.ID+"/subordinates", nil, authHeaderFor(f.token(f.fulf)))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}
}

func TestAssignmentEndToEnd(t *testing.T) {
	f := newTestAPI(t)

	resp := f.post("/v1/work-items", map[string]any{"title": "translate brief"}, authHeaderFor(f.token(f.client)))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}
	var item assignment.WorkItem
	decodeBody(t, resp, &item)
	if item.ClientID != f.client.ID {
		t.Fatalf("item = %+v", item)
	}

	resp = f.post("/v1/assignments", map[string]any{
		"work_item_id":    item.ID,
		"assigned_to_id":  f.fulf.ID,
		"assignment_type": "initial",
	}, authHeaderFor(f.token(f.senior)))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("assign status = %d", resp.StatusCode)
	}
	var rec assignment.Record
	decodeBody(t, resp, &rec)
	if rec.AssignedToID != f.fulf.ID || rec.AssignedByID != f.senior.ID || !rec.Valid {
		t.Fatalf("record = %+v", rec)
	}

	// A client may not assign at all.
	resp = f.post("/v1/assignments", map[string]any{
		"work_item_id":    item.ID,
		"assigned_to_id":  f.fulf.ID,
		"assignment_type": "reassignment",
	}, authHeaderFor(f.token(f.client)))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("client assign status = %d, want 403", resp.StatusCode)
	}

	// The assignee reads the history; a stranger role outside the chain cannot.
	resp = f.get("/v1/work-items/"+item.ID+"/assignments", nil, authHeaderFor(f.token(f.fulf)))
	var history struct {
		Items []assignment.Record `json:"items"`
	}
	decodeBody(t, resp, &history)
	if len(history.Items) != 1 {
		t.Fatalf("history = %+v", history.Items)
	}

	resp = f.get("/v1/work-items/"+item.ID+"/assignments/current", nil, authHeaderFor(f.token(f.deleg)))
	var cur assignment.Record
	decodeBody(t, resp, &cur)
	if cur.ID != rec.ID {
		t.Fatalf("current = %+v", cur)
	}
}

func TestFinancialsRedactionOverHTTP(t *testing.T) {
	f := newTestAPI(t)
	ctx := context.Background()

	item, err := f.items.CreateWorkItem(ctx, f.client.ID, "brief")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.items.Assign(ctx, item.ID, f.fulf.ID, f.senior.ID, assignment.TypeInitial, ""); err != nil {
		t.Fatal(err)
	}
	price, payout, fee, margin := int64(10000), int64(6000), int64(1500), int64(2500)
	if err := f.financials.UpsertFinancials(ctx, access.FinancialRecord{
		WorkItemID:      item.ID,
		Currency:        "EUR",
		ClientPrice:     &price,
		FulfillerPayout: &payout,
		PlatformFee:     &fee,
		ProfitMargin:    &margin,
	}); err != nil {
		t.Fatal(err)
	}

	resp := f.get("/v1/work-items/"+item.ID+"/financials", nil, authHeaderFor(f.token(f.fulf)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var rec access.FinancialRecord
	decodeBody(t, resp, &rec)
	if rec.FulfillerPayout == nil || *rec.FulfillerPayout != payout {
		t.Fatalf("payout must be visible to fulfiller: %+v", rec)
	}
	if rec.ClientPrice != nil || rec.PlatformFee != nil || rec.ProfitMargin != nil {
		t.Fatalf("redaction failed for fulfiller: %+v", rec)
	}

	// The owning client sees only its own price side.
	resp = f.get("/v1/work-items/"+item.ID+"/financials", nil, authHeaderFor(f.token(f.client)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("client status = %d", resp.StatusCode)
	}
	var clientView access.FinancialRecord
	decodeBody(t, resp, &clientView)
	if clientView.ClientPrice == nil || clientView.FulfillerPayout != nil {
		t.Fatalf("client view wrong: %+v", clientView)
	}
}

func TestAccessCheckEndpoint(t *testing.T) {
	f := newTestAPI(t)

	resp := f.post("/v1/access/check", map[string]any{"capability": "hierarchy.move"}, authHeaderFor(f.token(f.fulf)))
	var res accessCheckResponse
	decodeBody(t, resp, &res)
	if res.Allowed {
		t.Fatal("fulfiller must not hold hierarchy.move")
	}

	resp = f.post("/v1/access/check", map[string]any{"target_user_id": f.client.ID}, authHeaderFor(f.token(f.senior)))
	decodeBody(t, resp, &res)
	if !res.Allowed {
		t.Fatal("senior must reach its descendant")
	}
}

func TestValidateNeverLeaksOwnerOverHTTP(t *testing.T) {
	f := newTestAPI(t)

	resp := f.post("/v1/codes/validate", map[string]any{"value": "CL-ZZZ-ZZZZZZ"}, nil)
	var vr map[string]any
	decodeBody(t, resp, &vr)
	if vr["is_valid"] != false || vr["reason"] != "not_found" {
		t.Fatalf("validation = %v", vr)
	}
	if _, leaked := vr["owner_id"]; leaked {
		t.Fatalf("owner leaked: %v", vr)
	}
}
