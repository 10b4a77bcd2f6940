package httpapi

import (
	"net/http"
	"strings"

	"fieldgate.org/internal/expr"
)

type validateRequest struct {
	DSL         string       `json:"dsl"`
	TestAnswers expr.Answers `json:"test_answers,omitempty"`
}

// handleExpressionValidate is the only surface exposed directly to the
// authoring UI: it checks a condition expression and optionally evaluates
// it against trial answers. Malformed input is a valid outcome here, never
// an HTTP error.
func (a *API) handleExpressionValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.DSL) == "" {
		writeError(w, r, http.StatusBadRequest, "dsl is required")
		return
	}

	writeJSON(w, http.StatusOK, expr.Validate(req.DSL, req.TestAnswers))
}
