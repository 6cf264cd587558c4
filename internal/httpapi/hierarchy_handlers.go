package httpapi

import (
	"net/http"
	"strings"

	"trellis.org/internal/hierarchy"
	"trellis.org/internal/notify"
	"trellis.org/internal/obs"
	"trellis.org/internal/roles"
)

type moveRequest struct {
	UserID      string `json:"user_id"`
	NewParentID string `json:"new_parent_id"`
	Reason      string `json:"reason"`
}

func (a *API) handleMove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.access.Check(id.Role, roles.CapMoveHierarchy) {
		writeError(w, r, http.StatusForbidden, "forbidden", "role may not move users")
		return
	}
	var req moveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	userID := strings.TrimSpace(req.UserID)
	parentID := strings.TrimSpace(req.NewParentID)
	if userID == "" || parentID == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "user_id and new_parent_id are required")
		return
	}

	// The moved user must already be in the caller's subtree.
	canMove, err := a.access.CanAccessUser(r.Context(), id, userID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if !canMove {
		writeError(w, r, http.StatusForbidden, "forbidden", "user is outside the caller's subtree")
		return
	}

	edge, err := a.hierarchy.MoveUser(r.Context(), userID, parentID, strings.TrimSpace(req.Reason))
	if err != nil {
		obs.CountHierarchyMutation("move", "rejected")
		handleHierarchyError(w, r, err)
		return
	}
	obs.CountHierarchyMutation("move", "ok")

	a.publish(notify.Event{
		Type:       notify.EventUserMoved,
		ResourceID: userID,
		ActorID:    id.UserID,
		Fields: map[string]string{
			"new_parent_id": parentID,
		},
	})
	writeJSON(w, http.StatusOK, edge)
}

// handleUserResource routes /v1/users/{id}[/subordinates|/path|/edge].
func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/v1/users/")
	userID, rest, _ := strings.Cut(path, "/")
	if userID == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	id, ok := a.caller(w, r)
	if !ok {
		return
	}

	allowed, err := a.access.CanAccessUser(r.Context(), id, userID)
	if err != nil {
		handleAccessError(w, r, err)
		return
	}
	if !allowed {
		writeError(w, r, http.StatusForbidden, "forbidden", "user is outside the caller's subtree")
		return
	}

	switch rest {
	case "":
		user, err := a.hierarchy.GetUser(r.Context(), userID)
		if err != nil {
			handleHierarchyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case "edge":
		edge, err := a.hierarchy.GetEdge(r.Context(), userID)
		if err != nil {
			handleHierarchyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, edge)
	case "subordinates":
		subs, err := a.hierarchy.Subordinates(r.Context(), userID)
		if err != nil {
			handleHierarchyError(w, r, err)
			return
		}
		if subs == nil {
			subs = []hierarchy.User{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": subs})
	case "path":
		users, err := a.hierarchy.PathToRoot(r.Context(), userID)
		if err != nil {
			handleHierarchyError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": users})
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	}
}
