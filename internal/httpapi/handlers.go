package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"trellis.org/internal/access"
	"trellis.org/internal/assignment"
	"trellis.org/internal/audit"
	"trellis.org/internal/hierarchy"
	"trellis.org/internal/refcode"
)

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the error envelope: human message, machine code and the
// request id for correlation.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("value must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}

// --- error mapping ---

func handleHierarchyError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, hierarchy.ErrUserNotFound), errors.Is(err, hierarchy.ErrParentNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, hierarchy.ErrInvalidRole), errors.Is(err, hierarchy.ErrInvalidParentRole):
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_role", err.Error())
	case errors.Is(err, hierarchy.ErrCircularReference):
		writeError(w, r, http.StatusConflict, "circular_reference", err.Error())
	case errors.Is(err, hierarchy.ErrMaxDepth):
		writeError(w, r, http.StatusUnprocessableEntity, "max_depth", err.Error())
	case errors.Is(err, hierarchy.ErrDuplicateUser):
		writeError(w, r, http.StatusConflict, "duplicate_user", err.Error())
	case errors.Is(err, hierarchy.ErrConcurrentUpdate):
		writeError(w, r, http.StatusConflict, "concurrent_update", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func handleCodeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, refcode.ErrCodeNotFound), errors.Is(err, refcode.ErrOwnerNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, refcode.ErrInvalidCodeType):
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_code_type", err.Error())
	case errors.Is(err, refcode.ErrDuplicateActiveCode):
		writeError(w, r, http.StatusConflict, "duplicate_active_code", err.Error())
	case errors.Is(err, refcode.ErrCodeSpaceExhausted):
		writeError(w, r, http.StatusServiceUnavailable, "code_space_exhausted", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func handleAssignmentError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, assignment.ErrWorkItemNotFound),
		errors.Is(err, assignment.ErrAssigneeNotFound),
		errors.Is(err, assignment.ErrAssignerNotFound),
		errors.Is(err, assignment.ErrClientNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, assignment.ErrNotAClient), errors.Is(err, assignment.ErrInvalidType):
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_request", err.Error())
	case errors.Is(err, assignment.ErrInvalidRoleAssignment):
		writeError(w, r, http.StatusUnprocessableEntity, "invalid_role_assignment", err.Error())
	case errors.Is(err, assignment.ErrNotInHierarchy):
		writeError(w, r, http.StatusForbidden, "not_in_hierarchy", err.Error())
	case errors.Is(err, assignment.ErrNoCurrentAssignment):
		writeError(w, r, http.StatusNotFound, "no_current_assignment", err.Error())
	case errors.Is(err, assignment.ErrConcurrentUpdate):
		writeError(w, r, http.StatusConflict, "concurrent_update", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}

func handleAccessError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, access.ErrDenied):
		writeError(w, r, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, access.ErrUserNotFound), errors.Is(err, access.ErrItemNotFound),
		errors.Is(err, access.ErrNoFinancials):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
	}
}
