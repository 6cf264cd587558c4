package httpapi

import (
	"net/http"
	"strings"

	"trellis.org/internal/roles"
)

type accessCheckRequest struct {
	Capability   string `json:"capability,omitempty"`
	TargetUserID string `json:"target_user_id,omitempty"`
	WorkItemID   string `json:"work_item_id,omitempty"`
}

type accessCheckResponse struct {
	Allowed bool   `json:"allowed"`
	Subject string `json:"subject"`
}

// handleAccessCheck answers "may the caller do X" without performing X.
// Exactly one of capability, target_user_id or work_item_id is consulted.
func (a *API) handleAccessCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	id, ok := a.caller(w, r)
	if !ok {
		return
	}
	var req accessCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	switch {
	case strings.TrimSpace(req.Capability) != "":
		capability := roles.Capability(strings.TrimSpace(req.Capability))
		writeJSON(w, http.StatusOK, accessCheckResponse{
			Allowed: a.access.Check(id.Role, capability),
			Subject: string(capability),
		})
	case strings.TrimSpace(req.TargetUserID) != "":
		target := strings.TrimSpace(req.TargetUserID)
		allowed, err := a.access.CanAccessUser(r.Context(), id, target)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, accessCheckResponse{Allowed: allowed, Subject: target})
	case strings.TrimSpace(req.WorkItemID) != "":
		item := strings.TrimSpace(req.WorkItemID)
		allowed, err := a.access.CanAccessWorkItem(r.Context(), id, item)
		if err != nil {
			handleAccessError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, accessCheckResponse{Allowed: allowed, Subject: item})
	default:
		writeError(w, r, http.StatusBadRequest, "bad_request", "capability, target_user_id or work_item_id is required")
	}
}
