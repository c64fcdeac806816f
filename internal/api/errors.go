package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/blumarkets/portfolio-engine/internal/model"
)

var kindStatus = map[string]int{
	model.KindValidation:             http.StatusBadRequest,
	model.KindInsufficientFunds:      http.StatusUnprocessableEntity,
	model.KindInsufficientCollateral: http.StatusUnprocessableEntity,
	model.KindLimitExceeded:          http.StatusConflict,
	model.KindNotFound:               http.StatusNotFound,
	model.KindConflict:               http.StatusConflict,
	model.KindStalePrice:             http.StatusServiceUnavailable,
	model.KindInternal:               http.StatusInternalServerError,
}

// StatusOf maps err to its HTTP status.
func StatusOf(err error) int {
	return kindStatus[model.KindOf(err)]
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// writeError renders err with its taxonomy code. Internal errors are logged
// and their detail is withheld.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := model.KindOf(err)
	msg := err.Error()
	if kind == model.KindInternal {
		slog.Error("request failed", "component", "api", "method", r.Method, "path", r.URL.Path, "err", err)
		msg = "internal error"
	}
	writeJSON(w, kindStatus[kind], errorBody{Error: msg, Code: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
