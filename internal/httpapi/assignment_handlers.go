package httpapi

import (
	"net/http"
	"strings"

	"trellis.org/internal/assignment"
	"trellis.org/internal/notify"
	"trellis.org/internal/roles"
)

type createWorkItemRequest struct {
	ClientID string `json:"client_id"`
	Title    string `json:"title"`
}

type assignRequest struct {
	WorkItemID     string `json:"work_item_id"`
	AssignedToID   string `json:"assigned_to_id"`
	AssignmentType string `json:"assignment_type"`
	Notes          string `json:"notes"`
}

func (a *API) handleWorkItemsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createWorkItem(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

// handleWorkItemResource routes /v1/work-items/{id}[/assignments[/current]|/financials].
func (a *API) handleWorkItemResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/work-items/")
	itemID, rest, _ := strings.Cut(path, "/")
	if itemID == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	id, ok := a.caller(w, r)
	if !ok {
		return
	}

	// Financial reads carry their own mandatory access logging.
	if rest == "financials" {
		a.workItemFinancials(w, r, itemID)
		return
	}

	allowed, err := a.access.CanAccessWorkItem(r.Context(), id, itemID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if !allowed {
		writeError(w, r, http.StatusForbidden, "forbidden", "work item is outside the caller's reach")
		return
	}

	switch rest {
	case "":
		item, err := a.assignments.GetWorkItem(r.Context(), itemID)
		if err != nil {
			handleAssignmentError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	case "assignments":
		history, err := a.assignments.History(r.Context(), itemID)
		if err != nil {
			handleAssignmentError(w, r, err)
			return
		}
		if history == nil {
			history = []assignment.Record{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": history})
	case "assignments/current":
		rec, err := a.assignments.Current(r.Context(), itemID)
		if err != nil {
			handleAssignmentError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	}
}

func (a *API) createWorkItem(w http.ResponseWriter, r *http.Request) {
	id, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req createWorkItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	clientID := strings.TrimSpace(req.ClientID)
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "title is required")
		return
	}
	// A client opens work for itself; staff open work for clients they manage.
	if clientID == "" {
		clientID = id.UserID
	}
	if clientID != id.UserID {
		allowed, err := a.access.CanAccessUser(r.Context(), id, clientID)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		if !allowed {
			writeError(w, r, http.StatusForbidden, "forbidden", "client is outside the caller's subtree")
			return
		}
	}

	item, err := a.assignments.CreateWorkItem(r.Context(), clientID, title)
	if err != nil {
		handleAssignmentError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/work-items/"+item.ID)
	writeJSON(w, http.StatusCreated, item)
}

func (a *API) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.access.Check(id.Role, roles.CapAssignWork) {
		writeError(w, r, http.StatusForbidden, "forbidden", "role may not assign work")
		return
	}
	var req assignRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	itemID := strings.TrimSpace(req.WorkItemID)
	toID := strings.TrimSpace(req.AssignedToID)
	if itemID == "" || toID == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "work_item_id and assigned_to_id are required")
		return
	}

	rec, err := a.assignments.Assign(r.Context(), itemID, toID, id.UserID,
		assignment.Type(strings.TrimSpace(req.AssignmentType)), strings.TrimSpace(req.Notes))
	if err != nil {
		handleAssignmentError(w, r, err)
		return
	}

	a.publish(notify.Event{
		Type:       notify.EventWorkAssigned,
		ResourceID: rec.WorkItemID,
		ActorID:    id.UserID,
		Fields: map[string]string{
			"assigned_to":     rec.AssignedToID,
			"assignment_type": string(rec.Type),
		},
	})
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) workItemFinancials(w http.ResponseWriter, r *http.Request, itemID string) {
	id, ok := a.caller(w, r)
	if !ok {
		return
	}
	if a.financials == nil {
		writeError(w, r, http.StatusNotFound, "not_found", "financials unavailable")
		return
	}
	rec, err := a.financials.Financials(r.Context(), itemID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	redacted, err := a.access.FinancialView(r.Context(), id, rec)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, redacted)
}
