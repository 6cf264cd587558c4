package httpapi

import (
	"net/http"
	"strings"

	"trellis.org/internal/hierarchy"
	"trellis.org/internal/notify"
)

type registrationRequest struct {
	Code        string `json:"code"`
	DisplayName string `json:"display_name"`
}

type registrationResponse struct {
	User hierarchy.User `json:"user"`
	Edge hierarchy.Edge `json:"edge"`
}

// handleRegistrations is the public signup flow: a well-formed active code
// places the new user under the code's owner with the code's target role.
func (a *API) handleRegistrations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registrationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	value := strings.TrimSpace(req.Code)
	name := strings.TrimSpace(req.DisplayName)
	if value == "" || name == "" {
		writeError(w, r, http.StatusBadRequest, "bad_request", "code and display_name are required")
		return
	}

	res, err := a.codes.Validate(r.Context(), value)
	if err != nil {
		handleCodeError(w, r, err)
		return
	}
	if !res.IsValid {
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_code", "recruitment code is "+string(res.Reason))
		return
	}

	user := hierarchy.User{
		Role:              res.CodeType,
		DisplayName:       name,
		ReferenceCodeUsed: value,
	}
	edge, err := a.hierarchy.InsertUser(r.Context(), user, res.OwnerID)
	if err != nil {
		handleHierarchyError(w, r, err)
		return
	}
	registered, err := a.hierarchy.GetUser(r.Context(), edge.UserID)
	if err != nil {
		handleHierarchyError(w, r, err)
		return
	}

	a.publish(notify.Event{
		Type:       notify.EventUserRegistered,
		ResourceID: registered.ID,
		Fields: map[string]string{
			"role":      string(registered.Role),
			"parent_id": res.OwnerID,
		},
	})
	w.Header().Set("Location", "/v1/users/"+registered.ID)
	writeJSON(w, http.StatusCreated, registrationResponse{User: registered, Edge: edge})
}
