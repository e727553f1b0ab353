package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"triagedeck/internal/app"
	"triagedeck/internal/util"
)

// errorBody is the wire shape of every failure:
// {"error":{"code","message","details"}}.
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, apiErr *app.Error) {
	details := apiErr.Details
	if details == nil {
		details = map[string]any{}
	}
	writeJSON(w, apiErr.Status, errorBody{Error: errorDetail{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Details: details,
	}})
}

// fail renders an error. Typed app errors pass through verbatim;
// anything else is logged and collapsed to 500 internal_error so no
// internals cross the boundary.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *app.Error
	if errors.As(err, &apiErr) {
		writeError(w, apiErr)
		return
	}
	util.LoggerFromContext(r.Context()).Error("request failed",
		"method", r.Method, "path", r.URL.Path, "err", err)
	writeError(w, app.Internal())
}
