package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	appI18n "github.com/pavelanni/grader/internal/i18n"
	"github.com/pavelanni/grader/internal/lifecycle"
	"github.com/pavelanni/grader/internal/problem"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Code   string `json:"code"`
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

var reasonMessages = map[string]string{
	lifecycle.ReasonClosed:         "ProblemClosed",
	lifecycle.ReasonResetRequired:  "ResetRequired",
	lifecycle.ReasonNotSubmitted:   "NotSubmitted",
	lifecycle.ReasonAnswerWithheld: "AnswerUnavailable",
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("write response", "error", err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

func (h *Handler) writeBadRequest(w http.ResponseWriter, r *http.Request, err error) {
	slog.Debug("bad request", "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusBadRequest, errorBody{Code: "bad_request", Error: appI18n.T(r.Context(), "BadRequest")})
}

// writeError maps lifecycle and store errors onto HTTP statuses.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var fe *lifecycle.ForbiddenError
	switch {
	case errors.As(err, &fe):
		msgID, ok := reasonMessages[fe.Reason]
		if !ok {
			msgID = "PermissionDenied"
		}
		writeJSON(w, http.StatusConflict, errorBody{Code: "forbidden", Error: appI18n.T(ctx, msgID), Reason: fe.Reason})
	case errors.Is(err, lifecycle.ErrPermissionDenied):
		writeJSON(w, http.StatusForbidden, errorBody{Code: "permission_denied", Error: appI18n.T(ctx, "PermissionDenied")})
	case errors.Is(err, errNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Code: "not_found", Error: appI18n.T(ctx, "ProblemNotFound")})
	case errors.Is(err, problem.ErrDefinition):
		slog.Error("stored problem is invalid", "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Code:  "invalid_definition",
			Error: appI18n.Td(ctx, "InvalidDefinition", map[string]any{"Error": err.Error()}),
		})
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: "internal", Error: appI18n.T(ctx, "InternalError")})
	}
}
