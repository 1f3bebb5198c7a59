package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/triage/internal/bus"
	"github.com/carebridge/triage/internal/config"
	"github.com/carebridge/triage/internal/decision"
	"github.com/carebridge/triage/internal/domain"
	"github.com/carebridge/triage/internal/handover"
	"github.com/carebridge/triage/internal/medsafety"
	"github.com/carebridge/triage/internal/model"
	"github.com/carebridge/triage/internal/rules"
	"github.com/carebridge/triage/internal/store"
	"github.com/carebridge/triage/internal/token"
)

const testSecret = "test-secret"

func testModelArtifact() *model.Artifact {
	return &model.Artifact{
		Version:   "logistic-test",
		Intercept: -2.5,
		Coefficients: map[string]float64{
			"spo2_deficit": 0.15, "sbp_low": 0.05, "sbp_high": 0.03,
			"hr_excess": 0.02, "rr_excess": 0.08, "temp_dev": 0.3,
			"bg_high": 0.005, "bg_low": 0.02, "age": 0.015,
			"pregnant": 0.5, "diabetic": 0.4, "heart_disease": 0.6,
			"immunocompromised": 0.8, "shock_index": 2.0, "chest_pain": 1.5,
			"altered_consciousness": 2.0, "breathing_difficulty": 1.2,
			"severe_headache": 0.5, "bleeding": 1.0, "red_flag": 0.5,
		},
	}
}

type serverOptions struct {
	modelMissing bool
	tokenTTL     time.Duration
	pingInterval time.Duration
	wrapStore    func(store.Store) store.Store
}

// testEnv exposes the server plus the backing memory store and event bus for
// assertions on audit trails and room traffic.
type testEnv struct {
	ts  *httptest.Server
	mem *store.Memory
	bus *bus.Bus
}

func newTestEnv(t *testing.T, opts serverOptions) *testEnv {
	t.Helper()

	cfg := config.Defaults()
	cfg.Auth.JWTSecret = testSecret
	cfg.Server.RateLimitRPS = 1000
	cfg.Server.RateBurst = 1000
	if opts.tokenTTL != 0 {
		cfg.Escalation.TokenTTL = opts.tokenTTL
	}
	if opts.pingInterval != 0 {
		cfg.Bus.PingInterval = opts.pingInterval
	}

	var predictor *model.Predictor
	if opts.modelMissing {
		predictor = model.NewPredictor(t.TempDir() + "/missing.yaml")
	} else {
		predictor = model.NewPredictorFromArtifact(testModelArtifact())
	}

	agg := decision.New(
		rules.New(cfg.Guardrail),
		predictor,
		medsafety.New(cfg.Medication.FuzzyThreshold),
		cfg.Decision, cfg.Model, cfg.Medication,
	)

	mem := store.NewMemory()
	var st store.Store = mem
	if opts.wrapStore != nil {
		st = opts.wrapStore(mem)
	}
	eventBus := bus.New(cfg.Bus.SubscriberBuffer)

	srv := New(cfg, st, agg,
		token.NewService(cfg.Escalation), nil,
		handover.New(cfg.Handover), eventBus)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, mem: mem, bus: eventBus}
}

func newTestServer(t *testing.T, opts serverOptions) *httptest.Server {
	return newTestEnv(t, opts).ts
}

func signSession(t *testing.T, subject, role string) string {
	t.Helper()
	claims := &Claims{
		Name:     "R. Kumar",
		Role:     role,
		Facility: "PHC Rampur",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func doJSON(t *testing.T, method, url, bearer string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(dst))
}

func criticalIntake() domain.Intake {
	return domain.Intake{
		Patient: domain.Patient{
			Name: "Asha Devi", Age: 45, Sex: domain.SexFemale,
			Flags: domain.VulnerabilityFlags{Diabetic: true, HeartDisease: true},
		},
		Vitals: domain.Vitals{
			SystolicBP: 85, DiastolicBP: 55, HeartRate: 118,
			RespiratoryRate: 26, SpO2: 91.5, Temperature: 38.8,
		},
		Medications: []domain.Medication{{DrugName: "Atenolol", Dose: "50mg", Frequency: "OD"}},
		Symptoms: []domain.Symptom{
			{SymptomName: "chest pain", IsRedFlag: true, Severity: "severe"},
			{SymptomName: "difficulty breathing", IsRedFlag: true},
		},
		ChiefComplaint: "chest pain and breathlessness",
	}
}

func benignIntake() domain.Intake {
	two := 2
	return domain.Intake{
		Patient: domain.Patient{Name: "Ravi Patel", Age: 28, Sex: domain.SexMale},
		Vitals: domain.Vitals{
			SystolicBP: 122, DiastolicBP: 78, HeartRate: 72,
			RespiratoryRate: 16, SpO2: 98, Temperature: 36.9,
		},
		Symptoms: []domain.Symptom{
			{SymptomName: "mild headache", Severity: "mild", DurationHours: &two},
		},
		ChiefComplaint: "headache since morning",
	}
}

func TestAnalyze_CriticalCase(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	phw := signSession(t, "phw-1", rolePHW)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/analyze/risk", phw, criticalIntake())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var a domain.Assessment
	decodeBody(t, resp, &a)

	assert.Equal(t, domain.RiskCritical, a.FinalRiskLevel)
	assert.True(t, a.Rule.Triggered)
	assert.True(t, a.EscalationSuggested)
	assert.NotEmpty(t, a.CaseID)
	assert.NotEmpty(t, a.ID)

	// One severe warning for the beta-blocker against the presenting symptoms.
	require.Len(t, a.MedWarnings, 1)
	assert.Equal(t, domain.SeveritySevere, a.MedWarnings[0].Severity)
	assert.Contains(t, a.MedWarnings[0].Drug1, "Atenolol")

	joined := strings.Join(a.Rule.Reasons, " | ")
	assert.Contains(t, joined, "hypotension")
	assert.Contains(t, joined, "Red-flag symptom")
}

func TestAnalyze_BenignCase(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	phw := signSession(t, "phw-1", rolePHW)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/analyze/risk", phw, benignIntake())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var a domain.Assessment
	decodeBody(t, resp, &a)

	assert.Equal(t, domain.RiskLow, a.FinalRiskLevel)
	assert.False(t, a.Rule.Triggered)
	assert.False(t, a.EscalationSuggested)
	require.NotNil(t, a.ML)
	assert.Less(t, a.ML.RiskProbability, 0.30)
}

func TestAnalyze_ValidationFailureListsFields(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	phw := signSession(t, "phw-1", rolePHW)

	in := benignIntake()
	in.Vitals.SpO2 = 150 // out of range
	in.ChiefComplaint = ""

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/analyze/risk", phw, in)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	var body errorBody
	decodeBody(t, resp, &body)
	assert.NotEmpty(t, body.Fields)
}

func TestAnalyze_RequiresAuth(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/analyze/risk", "", benignIntake())
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	specialist := signSession(t, "spec-1", roleSpecialist)
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/analyze/risk", specialist, benignIntake())
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestEscalationRoundtrip(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	phw := signSession(t, "phw-1", rolePHW)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/analyze/risk", phw, criticalIntake())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var a domain.Assessment
	decodeBody(t, resp, &a)

	// Escalate it.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/escalate", phw, map[string]string{
		"case_id":           a.CaseID,
		"escalation_reason": "critical risk, needs specialist input",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var esc escalateResponse
	decodeBody(t, resp, &esc)

	require.NotEmpty(t, esc.SpecialistMagicLink)
	assert.NotEmpty(t, esc.SBAR.Situation)
	assert.NotEmpty(t, esc.SBAR.Recommendation)

	linkParts := strings.Split(esc.SpecialistMagicLink, "/")
	portalToken := linkParts[len(linkParts)-1]

	// The magic link serves the bundle without any session.
	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/specialist/portal/"+portalToken, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bundle domain.CaseBundle
	decodeBody(t, resp, &bundle)

	assert.Equal(t, a.CaseID, bundle.Case.ID)
	assert.Equal(t, domain.StatusSpecialistReviewing, bundle.Case.Status)
	require.NotNil(t, bundle.Assessment)
	require.NotNil(t, bundle.Assessment.SBAR)
	assert.Len(t, bundle.Medications, 1)

	// A PHW subscriber connected before the advice submission sees the push.
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws/case/" + a.CaseID
	header := http.Header{"Authorization": {"Bearer " + phw}}
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if wsResp != nil {
		wsResp.Body.Close()
	}
	defer conn.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/specialist/advice", "", map[string]interface{}{
		"token":       portalToken,
		"advice_type": domain.AdviceUrgentReferral,
		"notes":       "refer to district hospital now",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var adviceResp map[string]string
	decodeBody(t, resp, &adviceResp)
	assert.Equal(t, "ok", adviceResp["status"])
	assert.Equal(t, a.CaseID, adviceResp["case_id"])

	// Status update then the advice push; read until the push arrives.
	var got bus.Event
	for i := 0; i < 5; i++ {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&got))
		if got.Type == bus.EventAdvicePush {
			break
		}
	}
	require.Equal(t, bus.EventAdvicePush, got.Type)
	require.NotNil(t, got.Advice)
	assert.Equal(t, domain.AdviceUrgentReferral, got.Advice.AdviceType)
}

func TestPortal_ExpiredTokenReadsAsNotFound(t *testing.T) {
	ts := newTestServer(t, serverOptions{tokenTTL: time.Nanosecond})
	phw := signSession(t, "phw-1", rolePHW)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/analyze/risk", phw, criticalIntake())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var a domain.Assessment
	decodeBody(t, resp, &a)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/escalate", phw, map[string]string{
		"case_id":           a.CaseID,
		"escalation_reason": "critical risk",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var esc escalateResponse
	decodeBody(t, resp, &esc)

	linkParts := strings.Split(esc.SpecialistMagicLink, "/")
	portalToken := linkParts[len(linkParts)-1]

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/specialist/portal/"+portalToken, "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPortal_UnknownTokenIsNotFound(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp := doJSON(t, http.MethodGet, ts.URL+"/api/v1/specialist/portal/0123456789abcdef0123456789abcdef", "", nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAdvice_InvalidTokenIsForbidden(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/specialist/advice", "", map[string]interface{}{
		"token":       "0123456789abcdef0123456789abcdef",
		"advice_type": domain.AdviceObserve2h,
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestModelAbsence_DegradedSuccess(t *testing.T) {
	ts := newTestServer(t, serverOptions{modelMissing: true})
	phw := signSession(t, "phw-1", rolePHW)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/analyze/risk", phw, benignIntake())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var a domain.Assessment
	decodeBody(t, resp, &a)
	assert.Nil(t, a.ML)
	assert.Equal(t, domain.RiskLow, a.FinalRiskLevel)
	assert.Empty(t, a.ModelVersion)
}

func TestGetCase_OwnershipEnforced(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	owner := signSession(t, "phw-1", rolePHW)
	other := signSession(t, "phw-2", rolePHW)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/analyze/risk", owner, benignIntake())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var a domain.Assessment
	decodeBody(t, resp, &a)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/cases/"+a.CaseID, other, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/cases/"+a.CaseID, owner, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var bundle domain.CaseBundle
	decodeBody(t, resp, &bundle)
	assert.Equal(t, a.CaseID, bundle.Case.ID)
}

func TestListCases_ScopedToPHW(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	first := signSession(t, "phw-1", rolePHW)
	second := signSession(t, "phw-2", rolePHW)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/analyze/risk", first, benignIntake())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/cases", second, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Cases []domain.Case `json:"cases"`
		Count int           `json:"count"`
	}
	decodeBody(t, resp, &listing)
	assert.Zero(t, listing.Count)

	resp = doJSON(t, http.MethodGet, ts.URL+"/api/v1/cases", first, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeBody(t, resp, &listing)
	assert.Equal(t, 1, listing.Count)
}

func TestCloseCase_RejectsFurtherTransitions(t *testing.T) {
	ts := newTestServer(t, serverOptions{})
	phw := signSession(t, "phw-1", rolePHW)

	resp := doJSON(t, http.MethodPost, ts.URL+"/api/v1/analyze/risk", phw, benignIntake())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var a domain.Assessment
	decodeBody(t, resp, &a)

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/cases/"+a.CaseID+"/close", phw, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/cases/"+a.CaseID+"/cancel", phw, nil)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// A closed case can no longer be escalated.
	resp = doJSON(t, http.MethodPost, ts.URL+"/api/v1/escalate", phw, map[string]string{
		"case_id":           a.CaseID,
		"escalation_reason": "too late",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, serverOptions{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAnalyze_AuditRecordReferencesCreatedCase(t *testing.T) {
	env := newTestEnv(t, serverOptions{})
	phw := signSession(t, "phw-1", rolePHW)

	resp := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/analyze/risk", phw, benignIntake())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var a domain.Assessment
	decodeBody(t, resp, &a)

	trail := env.mem.AuditTrail()
	require.NotEmpty(t, trail)
	created := trail[0]
	assert.Equal(t, "case.create", created.Action)
	assert.Equal(t, "case:"+a.CaseID, created.Resource)
	assert.Equal(t, domain.StatusIntake, created.NewValue)
	assert.Equal(t, "phw-1", created.UserID)
}

// bundleFailingStore simulates a backing store outage on reads.
type bundleFailingStore struct {
	store.Store
}

func (s *bundleFailingStore) GetBundle(ctx context.Context, caseID string) (*domain.CaseBundle, error) {
	return nil, errors.New("backing store unavailable")
}

func TestInternalError_WritesAuditRecord(t *testing.T) {
	env := newTestEnv(t, serverOptions{
		wrapStore: func(st store.Store) store.Store { return &bundleFailingStore{Store: st} },
	})
	phw := signSession(t, "phw-1", rolePHW)

	resp := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/analyze/risk", phw, benignIntake())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var a domain.Assessment
	decodeBody(t, resp, &a)

	resp = doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/escalate", phw, map[string]string{
		"case_id":           a.CaseID,
		"escalation_reason": "needs specialist input",
	})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	var body errorBody
	decodeBody(t, resp, &body)
	assert.Equal(t, "internal server error", body.Detail)

	var found *domain.AuditRecord
	for _, rec := range env.mem.AuditTrail() {
		if rec.Action == "error.internal" {
			r := rec
			found = &r
			break
		}
	}
	require.NotNil(t, found, "500 responses must leave an audit record")
	assert.NotEmpty(t, found.RequestID)
	assert.Equal(t, "/api/v1/escalate", found.Resource)
	assert.Equal(t, "phw-1", found.UserID)
}

func TestWS_KeepaliveOnlyWhenIdle(t *testing.T) {
	env := newTestEnv(t, serverOptions{pingInterval: 600 * time.Millisecond})
	phw := signSession(t, "phw-1", rolePHW)

	resp := doJSON(t, http.MethodPost, env.ts.URL+"/api/v1/analyze/risk", phw, benignIntake())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var a domain.Assessment
	decodeBody(t, resp, &a)

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/api/v1/ws/case/" + a.CaseID
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Bearer " + phw}})
	require.NoError(t, err)
	if wsResp != nil {
		wsResp.Body.Close()
	}
	defer conn.Close()

	// Steady traffic for longer than the keepalive interval: every frame must
	// be a status update, never a keepalive.
	for i := 0; i < 8; i++ {
		time.Sleep(150 * time.Millisecond)
		env.bus.PublishStatus(a.CaseID, domain.StatusAnalyzed)

		var got bus.Event
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		require.NoError(t, conn.ReadJSON(&got))
		assert.Equal(t, bus.EventStatusUpdate, got.Type)
	}

	// Once the room goes quiet the keepalive fires.
	var got bus.Event
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, bus.EventPing, got.Type)
	assert.Equal(t, a.CaseID, got.CaseID)
}
