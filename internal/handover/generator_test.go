package handover

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/triage/internal/config"
	"github.com/carebridge/triage/internal/domain"
)

func escalatedIntake() (domain.Intake, *domain.Assessment) {
	in := domain.Intake{
		Patient: domain.Patient{Name: "Asha Devi", Age: 45, Sex: domain.SexFemale},
		Vitals: domain.Vitals{
			SystolicBP: 85, DiastolicBP: 55, HeartRate: 118,
			RespiratoryRate: 26, SpO2: 91.5, Temperature: 38.8,
		},
		ChiefComplaint: "chest pain and breathlessness",
	}
	a := &domain.Assessment{
		Rule: domain.RuleResult{
			Triggered:  true,
			OverrideML: true,
			Level:      domain.RiskCritical,
			Reasons:    []string{"Severe hypotension/shock risk: SBP = 85 mmHg (threshold < 90 mmHg)"},
		},
		ML:             &domain.ModelResult{RiskProbability: 0.82, RiskLevel: domain.RiskCritical},
		FinalRiskLevel: domain.RiskCritical,
		FinalRiskScore: 0.82,
	}
	return in, a
}

func TestGenerate_UnconfiguredServiceUsesFallback(t *testing.T) {
	g := New(config.HandoverConfig{})
	in, a := escalatedIntake()

	sbar := g.Generate(context.Background(), in, a, "critical risk")

	assert.Contains(t, sbar.Situation, "45-year-old female")
	assert.Contains(t, sbar.Situation, "CRITICAL")
	assert.Contains(t, sbar.Background, "HR 118 bpm")
	assert.Contains(t, sbar.Assessment, "82.0%")
	assert.Contains(t, sbar.Recommendation, "Specialist review required")
}

func TestGenerate_ExternalServiceSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req externalRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "critical risk", req.EscalationReason)

		json.NewEncoder(w).Encode(domain.SBAR{
			Situation:      "Patient escalated.",
			Background:     "History noted.",
			Assessment:     "Critical risk confirmed.",
			Recommendation: "Immediate review.",
		})
	}))
	defer srv.Close()

	g := New(config.HandoverConfig{ServiceURL: srv.URL})
	in, a := escalatedIntake()

	sbar := g.Generate(context.Background(), in, a, "critical risk")
	assert.Equal(t, "Patient escalated.", sbar.Situation)
	assert.Equal(t, "Immediate review.", sbar.Recommendation)
}

func TestGenerate_ServiceErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	g := New(config.HandoverConfig{ServiceURL: srv.URL})
	in, a := escalatedIntake()

	sbar := g.Generate(context.Background(), in, a, "critical risk")
	assert.Contains(t, sbar.Situation, "45-year-old")
}

func TestGenerate_IncompleteResponseFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"situation": "only one field"})
	}))
	defer srv.Close()

	g := New(config.HandoverConfig{ServiceURL: srv.URL})
	in, a := escalatedIntake()

	sbar := g.Generate(context.Background(), in, a, "critical risk")
	assert.Contains(t, sbar.Recommendation, "Specialist review required")
}

func TestGenerate_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	g := New(config.HandoverConfig{ServiceURL: srv.URL})
	in, a := escalatedIntake()

	for i := 0; i < 6; i++ {
		g.Generate(context.Background(), in, a, "reason")
	}
	// Breaker trips after three consecutive failures; later calls short-circuit.
	assert.Equal(t, 3, calls)
}

func TestFallback_Deterministic(t *testing.T) {
	in, a := escalatedIntake()

	first := Fallback(in, a)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, Fallback(in, a))
	}
}

func TestFallback_RuleOnlyAssessment(t *testing.T) {
	in, a := escalatedIntake()
	a.ML = nil

	sbar := Fallback(in, a)
	assert.Contains(t, sbar.Assessment, "Rule engine triggered")
	assert.Contains(t, sbar.Assessment, "Severe hypotension")
}
