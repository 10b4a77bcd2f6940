package httpapi

import (
	"net/http"
	"strings"

	"fieldgate.org/internal/admission"
	"fieldgate.org/internal/session"
)

type admissionRequest struct {
	Slug     string            `json:"slug"`
	Token    string            `json:"token,omitempty"`
	Referrer string            `json:"referrer,omitempty"`
	UTM      map[string]string `json:"utm,omitempty"`

	// Start creates (or resumes) the session when the decision allows it.
	// False performs a dry-run check only.
	Start bool `json:"start,omitempty"`
}

type admissionResponse struct {
	CanProceed  bool             `json:"can_proceed"`
	Reason      admission.Reason `json:"reason,omitempty"`
	ClosingSoon bool             `json:"closing_soon,omitempty"`
	Resumed     bool             `json:"resumed,omitempty"`
	Session     *session.Session `json:"session,omitempty"`
}

func (a *API) handleAdmissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req admissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Slug) == "" {
		writeError(w, r, http.StatusBadRequest, "slug is required")
		return
	}

	result, err := a.controller.Check(r.Context(), admission.Request{
		Slug:      strings.TrimSpace(req.Slug),
		Token:     strings.TrimSpace(req.Token),
		UserAgent: r.UserAgent(),
		IP:        clientIP(r),
		Referrer:  req.Referrer,
		UTM:       req.UTM,
	})
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	resp := admissionResponse{
		CanProceed:  result.CanProceed,
		Reason:      result.Reason,
		ClosingSoon: result.ClosingSoon,
	}
	if !result.CanProceed {
		// Denials are ordinary outcomes, not errors; the status stays 200.
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if result.ExistingSession != nil {
		resp.Resumed = true
		resp.Session = result.ExistingSession
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if req.Start {
		sess, err := a.manager.Start(r.Context(), result.Collector, result.Token, result.Fingerprint, session.Meta{
			IP:        clientIP(r),
			UserAgent: r.UserAgent(),
			Referrer:  req.Referrer,
			UTM:       req.UTM,
			RiskScore: result.RiskScore,
		})
		if err != nil {
			handleSessionError(w, r, err)
			return
		}
		resp.Session = sess
		writeJSON(w, http.StatusCreated, resp)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
