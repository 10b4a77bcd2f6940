package httpapi

import (
	"net/http"
	"strings"

	"fieldgate.org/internal/expr"
	"fieldgate.org/internal/logic"
	"fieldgate.org/internal/quota"
	"fieldgate.org/internal/session"
)

type answerRequest struct {
	QuestionID string `json:"question_id,omitempty"`
	Variable   string `json:"variable"`
	Value      any    `json:"value"`
}

type navigation struct {
	NextQuestionID string `json:"next_question_id,omitempty"`
	NextPageID     string `json:"next_page_id,omitempty"`
	Sequential     bool   `json:"sequential"`
}

type answerResponse struct {
	Session *session.Session   `json:"session"`
	Quota   quota.AssignResult `json:"quota"`
	Next    *navigation        `json:"next,omitempty"`
}

type completeRequest struct {
	FinalAnswers expr.Answers `json:"final_answers,omitempty"`
}

type completeResponse struct {
	Session   *session.Session    `json:"session"`
	Finalized []quota.Reservation `json:"finalized"`
}

func (a *API) handleSessionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/sessions/")
	id, action, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, r, http.StatusNotFound, "session not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getSession(w, r, id)
	case "answers":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.recordAnswer(w, r, id)
	case "complete":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.completeSession(w, r, id)
	case "terminate":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.terminateSession(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) getSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := a.manager.Find(r.Context(), id)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *API) recordAnswer(w http.ResponseWriter, r *http.Request, id string) {
	var req answerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Variable) == "" {
		writeError(w, r, http.StatusBadRequest, "variable is required")
		return
	}

	sess, assign, err := a.manager.RecordAnswer(r.Context(), id, req.Variable, req.Value)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}

	resp := answerResponse{Session: sess, Quota: assign}
	if req.QuestionID != "" {
		if resolver := a.resolver(sess.SurveyID); resolver != nil {
			// The traversal is seeded from the session so a rule cycle is
			// caught even when each hop arrives in its own request.
			trav := logic.NewTraversal(sess.Visited...)
			dest, err := resolver.Follow(trav, req.QuestionID, sess.Answers)
			if err != nil {
				handleSessionError(w, r, err)
				return
			}
			if !dest.Sequential {
				target := dest.QuestionID
				if target == "" {
					target = dest.PageID
				}
				sess, err = a.manager.MarkVisited(r.Context(), id, target)
				if err != nil {
					handleSessionError(w, r, err)
					return
				}
				resp.Session = sess
			}
			resp.Next = &navigation{
				NextQuestionID: dest.QuestionID,
				NextPageID:     dest.PageID,
				Sequential:     dest.Sequential,
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) completeSession(w http.ResponseWriter, r *http.Request, id string) {
	var req completeRequest
	// The body is optional for completion.
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	sess, finalized, err := a.manager.Complete(r.Context(), id, req.FinalAnswers)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	if finalized == nil {
		finalized = []quota.Reservation{}
	}
	writeJSON(w, http.StatusOK, completeResponse{Session: sess, Finalized: finalized})
}

func (a *API) terminateSession(w http.ResponseWriter, r *http.Request, id string) {
	sess, err := a.manager.Terminate(r.Context(), id)
	if err != nil {
		handleSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
