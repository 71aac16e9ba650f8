package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/pavelanni/grader/internal/calc"
)

type previewRequest struct {
	Expr          string `json:"expr"`
	CaseSensitive bool   `json:"case_sensitive"`
}

type previewResponse struct {
	Latex string `json:"latex,omitempty"`
	Value string `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

// handlePreview renders a student expression as LaTeX and, when it has no
// free variables, its value. Errors are reported in the body so the editor
// can show them while the student types.
func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeBadRequest(w, r, err)
		return
	}

	var resp previewResponse
	latex, err := calc.Latex(req.Expr)
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Latex = latex

	v, err := calc.Evaluate(req.Expr, calc.DefaultVariables(), calc.DefaultFunctions(), req.CaseSensitive)
	if err == nil {
		resp.Value = formatValue(v)
	}
	writeJSON(w, http.StatusOK, resp)
}

func formatValue(v complex128) string {
	if imag(v) == 0 {
		return strconv.FormatFloat(real(v), 'g', -1, 64)
	}
	return fmt.Sprintf("%g", v)
}
