package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"fieldgate.org/internal/admission"
	"fieldgate.org/internal/auth"
	"fieldgate.org/internal/collector"
	"fieldgate.org/internal/logic"
	"fieldgate.org/internal/quota"
	"fieldgate.org/internal/session"
	"fieldgate.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type fixtures struct {
	cols   *collector.InMemory
	ledger *quota.InMemory
}

func newTestAPI(t *testing.T) (*apiClient, *fixtures) {
	t.Helper()

	t.Setenv("FIELDGATE_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	cols := collector.NewInMemory()
	cols.PutCollector(collector.Collector{
		ID:       "col-1",
		SurveyID: "survey-1",
		Slug:     "spring-wave",
		Type:     collector.TypePublic,
		Status:   collector.StatusActive,
	})

	ledger := quota.NewInMemory()
	ledger.AddPlan(quota.Plan{
		ID:    "plan-1",
		State: quota.PlanOpen,
		Buckets: []quota.Bucket{
			{ID: "bucket-yes", TargetN: 10, MatchQuestion: "Q1", MatchValue: "Yes"},
		},
	})

	sessions := session.NewInMemory(cols)
	manager := session.NewManager(sessions, ledger, nil)
	controller := admission.NewController(cols, sessions, nil)

	api := New(ReadyProbe{}, "test", controller, manager, ledger, stream.New())
	api.SetRateLimit(1000, 1000)
	api.SetResolver("survey-1", logic.NewResolver(
		[]logic.Question{
			{ID: "q1", PageID: "p1", Variable: "Q1"},
			{ID: "q2", PageID: "p1", Variable: "Q2", DisplayDSL: `equals(answer('Q1'), 'Yes')`},
			{ID: "q3", PageID: "p2", Variable: "Q3"},
			{ID: "q4", PageID: "p2", Variable: "Q4"},
		},
		[]logic.QuestionJump{
			{FromQuestionID: "q1", ConditionDSL: `equals(answer('Q1'), 'No')`, ToPageID: "p_end", Priority: 0},
			{FromQuestionID: "q3", ToQuestionID: "q4", Priority: 0},
			{FromQuestionID: "q4", ToQuestionID: "q3", Priority: 0},
		},
		nil,
	))

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{baseURL: srv.URL, client: srv.Client(), t: t}, &fixtures{cols: cols, ledger: ledger}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fieldgate-test/1.0")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestAdmissionAndSessionFlow(t *testing.T) {
	c, _ := newTestAPI(t)

	// Admit and start.
	resp := c.post("/v1/admissions", map[string]any{"slug": "spring-wave", "start": true}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("admission status: %d", resp.StatusCode)
	}
	var adm admissionResponse
	decodeBody(t, resp, &adm)
	if !adm.CanProceed || adm.Session == nil {
		t.Fatalf("admission response: %+v", adm)
	}
	sessionID := adm.Session.ID

	// Record the quota-bearing answer; the jump rule for 'No' must not fire.
	resp = c.post("/v1/sessions/"+sessionID+"/answers", map[string]any{
		"question_id": "q1", "variable": "Q1", "value": "Yes",
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("answer status: %d", resp.StatusCode)
	}
	var ans answerResponse
	decodeBody(t, resp, &ans)
	if len(ans.Quota.Assigned) != 1 || ans.Quota.Assigned[0].BucketID != "bucket-yes" {
		t.Fatalf("quota result: %+v", ans.Quota)
	}
	if ans.Next == nil || !ans.Next.Sequential {
		t.Fatalf("navigation: %+v", ans.Next)
	}

	// Complete: the reservation becomes a filled slot.
	resp = c.post("/v1/sessions/"+sessionID+"/complete", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete status: %d", resp.StatusCode)
	}
	var done completeResponse
	decodeBody(t, resp, &done)
	if done.Session.Status != session.StatusCompleted || len(done.Finalized) != 1 {
		t.Fatalf("complete response: %+v", done)
	}

	// The same device cannot enter again.
	resp = c.post("/v1/admissions", map[string]any{"slug": "spring-wave"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second admission status: %d", resp.StatusCode)
	}
	var again admissionResponse
	decodeBody(t, resp, &again)
	if again.CanProceed || again.Reason != admission.ReasonDeviceLimit {
		t.Fatalf("device limit not enforced: %+v", again)
	}
}

func TestAnswerFollowsJumpRule(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.post("/v1/admissions", map[string]any{"slug": "spring-wave", "start": true}, nil)
	var adm admissionResponse
	decodeBody(t, resp, &adm)

	resp = c.post("/v1/sessions/"+adm.Session.ID+"/answers", map[string]any{
		"question_id": "q1", "variable": "Q1", "value": "No",
	}, nil)
	var ans answerResponse
	decodeBody(t, resp, &ans)
	if ans.Next == nil || ans.Next.NextPageID != "p_end" || ans.Next.Sequential {
		t.Fatalf("jump not followed: %+v", ans.Next)
	}
	if len(ans.Quota.Denied) != 1 {
		t.Fatalf("expected NO_MATCH denial: %+v", ans.Quota)
	}
}

func TestAnswerRejectsJumpLoop(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.post("/v1/admissions", map[string]any{"slug": "spring-wave", "start": true}, nil)
	var adm admissionResponse
	decodeBody(t, resp, &adm)
	id := adm.Session.ID

	// q3 and q4 point at each other unconditionally. Each hop lands in its
	// own request, so the visited set must persist on the session.
	resp = c.post("/v1/sessions/"+id+"/answers", map[string]any{
		"question_id": "q3", "variable": "Q3", "value": "a",
	}, nil)
	var ans answerResponse
	decodeBody(t, resp, &ans)
	if ans.Next == nil || ans.Next.NextQuestionID != "q4" {
		t.Fatalf("first hop: %+v", ans.Next)
	}

	resp = c.post("/v1/sessions/"+id+"/answers", map[string]any{
		"question_id": "q4", "variable": "Q4", "value": "b",
	}, nil)
	decodeBody(t, resp, &ans)
	if ans.Next == nil || ans.Next.NextQuestionID != "q3" {
		t.Fatalf("second hop: %+v", ans.Next)
	}

	// The third hop would re-enter q4; the loop must be refused.
	resp = c.post("/v1/sessions/"+id+"/answers", map[string]any{
		"question_id": "q3", "variable": "Q3", "value": "c",
	}, nil)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("loop status: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAdmissionDenialIsOrdinaryOutcome(t *testing.T) {
	c, f := newTestAPI(t)
	f.cols.PutCollector(collector.Collector{
		ID:       "col-2",
		SurveyID: "survey-2",
		Slug:     "paused-wave",
		Type:     collector.TypePublic,
		Status:   collector.StatusInactive,
	})

	resp := c.post("/v1/admissions", map[string]any{"slug": "paused-wave"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("denial status: %d", resp.StatusCode)
	}
	var adm admissionResponse
	decodeBody(t, resp, &adm)
	if adm.CanProceed || adm.Reason != admission.ReasonCollectorInactive {
		t.Fatalf("unexpected decision: %+v", adm)
	}
}

func TestTerminateReleasesAndConflictsAfterComplete(t *testing.T) {
	c, f := newTestAPI(t)

	resp := c.post("/v1/admissions", map[string]any{"slug": "spring-wave", "start": true}, nil)
	var adm admissionResponse
	decodeBody(t, resp, &adm)
	id := adm.Session.ID

	c.post("/v1/sessions/"+id+"/answers", map[string]any{"variable": "Q1", "value": "Yes"}, nil).Body.Close()
	resp = c.post("/v1/sessions/"+id+"/terminate", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("terminate status: %d", resp.StatusCode)
	}
	resp.Body.Close()

	plans, _ := f.ledger.Plans(context.Background())
	if plans[0].Buckets[0].ReservedN != 0 {
		t.Fatalf("reservation survived terminate: %+v", plans[0].Buckets[0])
	}

	// A terminated session cannot complete.
	resp = c.post("/v1/sessions/"+id+"/complete", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("complete after terminate: %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestExpressionValidateRequiresAuth(t *testing.T) {
	c, _ := newTestAPI(t)

	resp := c.post("/v1/expressions/validate", map[string]any{"dsl": `equals(answer('Q1'), 'Yes')`}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated validate: %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = c.post("/v1/auth/token", map[string]any{"user": "author-1", "roles": []string{"editor"}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token status: %d", resp.StatusCode)
	}
	var tok tokenResponse
	decodeBody(t, resp, &tok)

	headers := map[string]string{"Authorization": "Bearer " + tok.Token}

	resp = c.post("/v1/expressions/validate", map[string]any{
		"dsl":          `equals(answer('Q1'), 'Yes') && greaterThan(answer('Q_AGE'), 17)`,
		"test_answers": map[string]any{"Q1": "Yes", "Q_AGE": 30},
	}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("validate status: %d", resp.StatusCode)
	}
	var out struct {
		IsValid bool   `json:"isValid"`
		Error   string `json:"error"`
		Result  *bool  `json:"result"`
	}
	decodeBody(t, resp, &out)
	if !out.IsValid || out.Result == nil || !*out.Result {
		t.Fatalf("validate response: %+v", out)
	}

	// Malformed DSL is a valid 200 outcome with isValid=false.
	resp = c.post("/v1/expressions/validate", map[string]any{"dsl": `equals(answer('Q1'`}, headers)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("malformed validate status: %d", resp.StatusCode)
	}
	decodeBody(t, resp, &out)
	if out.IsValid || out.Error == "" {
		t.Fatalf("malformed dsl accepted: %+v", out)
	}
}

func TestHealthAndInfo(t *testing.T) {
	c, _ := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := c.get(path)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s status: %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}

	resp := c.get("/no/such/path")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown path status: %d", resp.StatusCode)
	}
	resp.Body.Close()
}
