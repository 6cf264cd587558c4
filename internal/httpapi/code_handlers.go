package httpapi

import (
	"net/http"
	"strings"

	"trellis.org/internal/notify"
	"trellis.org/internal/roles"
)

type generateCodeRequest struct {
	CodeType string `json:"code_type"`
}

type validateCodeRequest struct {
	Value string `json:"value"`
}

func (a *API) handleCodesCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.generateCode(w, r)
	case http.MethodGet:
		a.listCodes(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleCodeResource routes /v1/codes/{id}[/stats|/recruits|/deactivate|/reactivate|/regenerate].
func (a *API) handleCodeResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/codes/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}
	id, rest, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
		return
	}

	switch rest {
	case "stats":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.codeStats(w, r, id)
	case "recruits":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.codeRecruits(w, r, id)
	case "deactivate", "reactivate", "regenerate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.codeLifecycle(w, r, id, rest)
	default:
		writeError(w, r, http.StatusNotFound, "not_found", "resource not found")
	}
}

func (a *API) generateCode(w http.ResponseWriter, r *http.Request) {
	id, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !a.access.Check(id.Role, roles.CapGenerateCodes) {
		writeError(w, r, http.StatusForbidden, "forbidden", "role may not generate codes")
		return
	}
	var req generateCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	codeType := roles.Role(strings.TrimSpace(req.CodeType))

	code, err := a.codes.Generate(r.Context(), id.UserID, codeType)
	if err != nil {
		handleCodeError(w, r, err)
		return
	}
	a.publish(notify.Event{
		Type:       notify.EventCodeGenerated,
		ResourceID: code.ID,
		ActorID:    id.UserID,
		Fields:     map[string]string{"code_type": string(code.Type)},
	})
	w.Header().Set("Location", "/v1/codes/"+code.ID)
	writeJSON(w, http.StatusCreated, code)
}

func (a *API) listCodes(w http.ResponseWriter, r *http.Request) {
	id, ok := a.caller(w, r)
	if !ok {
		return
	}
	list, err := a.codes.ListByOwner(r.Context(), id.UserID)
	if err != nil {
		handleCodeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

// handleValidateCode is public: it must not require a bearer token and must
// not reveal the owner of an invalid code.
func (a *API) handleValidateCode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req validateCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	res, err := a.codes.Validate(r.Context(), strings.TrimSpace(req.Value))
	if err != nil {
		handleCodeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) codeLifecycle(w http.ResponseWriter, r *http.Request, codeID, action string) {
	id, ok := a.caller(w, r)
	if !ok {
		return
	}
	var (
		err  error
		code any
	)
	switch action {
	case "deactivate":
		c, derr := a.codes.Deactivate(r.Context(), codeID, id.UserID)
		code, err = c, derr
		if derr == nil {
			a.publish(notify.Event{
				Type:       notify.EventCodeDeactivated,
				ResourceID: c.ID,
				ActorID:    id.UserID,
			})
		}
	case "reactivate":
		code, err = a.codes.Reactivate(r.Context(), codeID, id.UserID)
	case "regenerate":
		code, err = a.codes.Regenerate(r.Context(), codeID, id.UserID)
	}
	if err != nil {
		handleCodeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, code)
}

func (a *API) codeStats(w http.ResponseWriter, r *http.Request, codeID string) {
	id, ok := a.caller(w, r)
	if !ok {
		return
	}
	stats, err := a.codes.UsageStats(r.Context(), codeID, id.UserID)
	if err != nil {
		handleCodeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) codeRecruits(w http.ResponseWriter, r *http.Request, codeID string) {
	id, ok := a.caller(w, r)
	if !ok {
		return
	}
	page, err := parsePositiveInt(r.URL.Query().Get("page"), 1, 1, 1_000_000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "page "+err.Error())
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 20, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "limit "+err.Error())
		return
	}
	users, total, err := a.codes.RecruitedUsers(r.Context(), codeID, id.UserID, page, limit)
	if err != nil {
		handleCodeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": users,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func (a *API) publish(evt notify.Event) {
	if a.stream != nil {
		a.stream.Publish(evt)
	}
}
