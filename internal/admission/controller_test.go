package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"fieldgate.org/internal/collector"
	"fieldgate.org/internal/quota"
	"fieldgate.org/internal/session"
)

type fixture struct {
	cols     *collector.InMemory
	sessions *session.InMemory
	manager  *session.Manager
}

func newFixture() *fixture {
	cols := collector.NewInMemory()
	sessions := session.NewInMemory(cols)
	return &fixture{
		cols:     cols,
		sessions: sessions,
		manager:  session.NewManager(sessions, quota.NewInMemory(), nil),
	}
}

func (f *fixture) controller(intel IntelProvider, opts ...ControllerOption) *Controller {
	return NewController(f.cols, f.sessions, intel, opts...)
}

func publicCollector() collector.Collector {
	return collector.Collector{
		ID:       "col-1",
		SurveyID: "survey-1",
		Slug:     "spring-wave",
		Type:     collector.TypePublic,
		Status:   collector.StatusActive,
	}
}

func publicRequest() Request {
	return Request{Slug: "spring-wave", UserAgent: "Mozilla/5.0", IP: "203.0.113.7"}
}

func TestCollectorGate(t *testing.T) {
	f := newFixture()
	c := f.controller(nil)
	ctx := context.Background()

	res, err := c.Check(ctx, publicRequest())
	if err != nil {
		t.Fatal(err)
	}
	if res.CanProceed || res.Reason != ReasonCollectorNotFound {
		t.Fatalf("unknown slug admitted: %+v", res)
	}

	col := publicCollector()
	col.Status = collector.StatusInactive
	f.cols.PutCollector(col)
	res, _ = c.Check(ctx, publicRequest())
	if res.Reason != ReasonCollectorInactive {
		t.Fatalf("inactive collector: %+v", res)
	}

	col.Status = collector.StatusActive
	f.cols.PutCollector(col)
	res, err = c.Check(ctx, publicRequest())
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanProceed || res.Collector == nil || res.Fingerprint == "" {
		t.Fatalf("active collector denied: %+v", res)
	}
}

func TestRiskGate(t *testing.T) {
	f := newFixture()
	f.cols.PutCollector(publicCollector())
	f.cols.PutRiskPolicy(collector.DefaultRiskPolicy("survey-1"))

	intel := StaticIntel{
		"203.0.113.7": {Tor: true, VPN: true},  // 90 -> block
		"203.0.113.8": {Proxy: true, VPN: true}, // 70 -> challenge
		"203.0.113.9": {Hosting: true},          // 25 -> low
	}
	c := f.controller(intel)
	ctx := context.Background()

	res, _ := c.Check(ctx, publicRequest())
	if res.Reason != ReasonVPNBlocked {
		t.Fatalf("tor+vpn not blocked: %+v", res)
	}

	req := publicRequest()
	req.IP = "203.0.113.8"
	res, _ = c.Check(ctx, req)
	if res.Reason != ReasonVPNChallenge {
		t.Fatalf("proxy+vpn not challenged: %+v", res)
	}

	req.IP = "203.0.113.9"
	res, _ = c.Check(ctx, req)
	if !res.CanProceed || res.RiskScore != 25 {
		t.Fatalf("hosting-only denied: %+v", res)
	}
}

func TestRiskGateDisabledCategory(t *testing.T) {
	f := newFixture()
	f.cols.PutCollector(publicCollector())
	policy := collector.DefaultRiskPolicy("survey-1")
	policy.DetectTor = false
	f.cols.PutRiskPolicy(policy)

	// Tor contribution removed: 90 drops to 40, below the challenge line.
	c := f.controller(StaticIntel{"203.0.113.7": {Tor: true, VPN: true}})
	res, _ := c.Check(context.Background(), publicRequest())
	if !res.CanProceed || res.RiskScore != 40 {
		t.Fatalf("adjusted score not admitted: %+v", res)
	}
}

func TestRiskGateDisabledPolicy(t *testing.T) {
	f := newFixture()
	f.cols.PutCollector(publicCollector())
	policy := collector.DefaultRiskPolicy("survey-1")
	policy.Enabled = false
	f.cols.PutRiskPolicy(policy)

	c := f.controller(StaticIntel{"203.0.113.7": {Tor: true, VPN: true}})
	res, _ := c.Check(context.Background(), publicRequest())
	if !res.CanProceed {
		t.Fatalf("disabled policy still blocked: %+v", res)
	}
}

type downIntel struct{}

func (downIntel) Lookup(ctx context.Context, ip string) (Signal, error) {
	return Signal{}, errors.New("feed unavailable")
}

func TestRiskLookupFailsOpen(t *testing.T) {
	f := newFixture()
	f.cols.PutCollector(publicCollector())
	f.cols.PutRiskPolicy(collector.DefaultRiskPolicy("survey-1"))

	c := f.controller(downIntel{})
	res, err := c.Check(context.Background(), publicRequest())
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanProceed || res.RiskScore != 0 {
		t.Fatalf("intel outage blocked a respondent: %+v", res)
	}
}

func TestTimeWindow(t *testing.T) {
	f := newFixture()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := f.controller(nil, WithNow(func() time.Time { return now }))
	ctx := context.Background()

	col := publicCollector()
	opens := now.Add(time.Hour)
	col.OpensAt = &opens
	f.cols.PutCollector(col)
	res, _ := c.Check(ctx, publicRequest())
	if res.Reason != ReasonNotYetOpen {
		t.Fatalf("future window admitted: %+v", res)
	}

	opens = now.Add(-2 * time.Hour)
	closes := now.Add(-time.Hour)
	col.OpensAt, col.ClosesAt = &opens, &closes
	f.cols.PutCollector(col)
	res, _ = c.Check(ctx, publicRequest())
	if res.Reason != ReasonAlreadyClosed {
		t.Fatalf("closed window admitted: %+v", res)
	}
}

// Scenario from the product contract: a collector with opensAt in the future
// denies NOT_YET_OPEN; the same collector once open, capped at one response
// with one COMPLETED session, denies QUOTA_REACHED.
func TestWindowThenResponseCap(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	col := publicCollector()
	col.MaxResponses = 1
	col.AllowMultiplePerDevice = true
	opens := time.Now().Add(time.Hour)
	col.OpensAt = &opens
	f.cols.PutCollector(col)

	c := f.controller(nil)
	res, _ := c.Check(ctx, publicRequest())
	if res.CanProceed || res.Reason != ReasonNotYetOpen {
		t.Fatalf("expected NOT_YET_OPEN: %+v", res)
	}

	col.OpensAt = nil
	f.cols.PutCollector(col)
	sess, err := f.manager.Start(ctx, &col, nil, "fp-prior", session.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := f.manager.Complete(ctx, sess.ID, nil); err != nil {
		t.Fatal(err)
	}

	res, _ = c.Check(ctx, publicRequest())
	if res.CanProceed || res.Reason != ReasonQuotaReached {
		t.Fatalf("expected QUOTA_REACHED: %+v", res)
	}
}

func TestSurveyTargetClose(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	col := publicCollector()
	col.AllowMultiplePerDevice = true
	f.cols.PutCollector(col)
	c := f.controller(nil)

	complete := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			sess, err := f.manager.Start(ctx, &col, nil, "", session.Meta{})
			if err != nil {
				t.Fatal(err)
			}
			if _, _, err := f.manager.Complete(ctx, sess.ID, nil); err != nil {
				t.Fatal(err)
			}
		}
	}

	// Soft close: past softCloseN but under totalN with hardClose off still
	// admits, flagged closingSoon.
	f.cols.PutTarget(collector.SurveyTarget{SurveyID: "survey-1", TotalN: 100, SoftCloseN: 90})
	complete(95)
	res, err := c.Check(ctx, publicRequest())
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanProceed || !res.ClosingSoon {
		t.Fatalf("soft close mishandled: %+v", res)
	}

	// Hard close blocks once totalN completions exist.
	f.cols.PutTarget(collector.SurveyTarget{SurveyID: "survey-1", TotalN: 100, SoftCloseN: 90, HardClose: true})
	complete(5)
	res, _ = c.Check(ctx, publicRequest())
	if res.CanProceed || res.Reason != ReasonSurveyClosed {
		t.Fatalf("hard close admitted: %+v", res)
	}
}

func TestTokenGate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	col := publicCollector()
	col.Type = collector.TypeSingleUse
	f.cols.PutCollector(col)
	c := f.controller(nil)

	// Missing and unknown tokens.
	res, _ := c.Check(ctx, publicRequest())
	if res.Reason != ReasonInvalidToken {
		t.Fatalf("missing token: %+v", res)
	}
	req := publicRequest()
	req.Token = "no-such-value"
	res, _ = c.Check(ctx, req)
	if res.Reason != ReasonInvalidToken {
		t.Fatalf("unknown token: %+v", res)
	}

	// A valid token admits and is handed back for consumption at create.
	tok := collector.NewInviteToken(col.ID, nil)
	f.cols.PutToken(tok)
	req.Token = tok.Value
	res, err := c.Check(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanProceed || res.Token == nil || res.Token.ID != tok.ID {
		t.Fatalf("valid token denied: %+v", res)
	}

	// Once consumed by a session create, the same value denies TOKEN_USED.
	if _, err := f.manager.Start(ctx, &col, res.Token, res.Fingerprint, session.Meta{}); err != nil {
		t.Fatal(err)
	}
	req.IP = "203.0.113.99" // different device, same token
	res, _ = c.Check(ctx, req)
	if res.Reason != ReasonTokenUsed {
		t.Fatalf("used token admitted: %+v", res)
	}
}

func TestTokenLazyExpiry(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	col := publicCollector()
	col.Type = collector.TypeSingleUse
	f.cols.PutCollector(col)

	expires := time.Now().Add(-time.Minute)
	tok := collector.NewInviteToken(col.ID, &expires)
	f.cols.PutToken(tok)

	c := f.controller(nil)
	req := publicRequest()
	req.Token = tok.Value
	res, _ := c.Check(ctx, req)
	if res.Reason != ReasonTokenExpired {
		t.Fatalf("expired token admitted: %+v", res)
	}

	// First failed check flipped the stored status.
	stored, err := f.cols.FindToken(ctx, col.ID, tok.Value)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != collector.TokenExpired {
		t.Fatalf("token not lazily expired: %+v", stored)
	}
	res, _ = c.Check(ctx, req)
	if res.Reason != ReasonTokenExpired {
		t.Fatalf("second check: %+v", res)
	}
}

func TestDeviceDeduplication(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	col := publicCollector()
	f.cols.PutCollector(col)
	c := f.controller(nil)
	req := publicRequest()
	fp := Fingerprint(req.UserAgent, req.IP)

	// An IN_PROGRESS session on the device resumes instead of denying.
	sess, err := f.manager.Start(ctx, &col, nil, fp, session.Meta{})
	if err != nil {
		t.Fatal(err)
	}
	res, err := c.Check(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !res.CanProceed || res.ExistingSession == nil || res.ExistingSession.ID != sess.ID {
		t.Fatalf("in-progress session not resumed: %+v", res)
	}

	// A COMPLETED session denies.
	if _, _, err := f.manager.Complete(ctx, sess.ID, nil); err != nil {
		t.Fatal(err)
	}
	res, _ = c.Check(ctx, req)
	if res.CanProceed || res.Reason != ReasonDeviceLimit {
		t.Fatalf("completed device admitted: %+v", res)
	}

	// allowMultiplePerDevice bypasses the check entirely.
	col.AllowMultiplePerDevice = true
	f.cols.PutCollector(col)
	res, _ = c.Check(ctx, req)
	if !res.CanProceed {
		t.Fatalf("multi-device collector denied: %+v", res)
	}
}
