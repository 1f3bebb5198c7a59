// Package handover produces the four-field SBAR summary handed to the
// specialist on escalation. An external text service may be configured for
// richer prose; it sits behind a circuit breaker and every failure path lands
// on the deterministic fallback template, so escalation is never blocked on
// text generation.
package handover

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/carebridge/triage/internal/config"
	"github.com/carebridge/triage/internal/domain"
)

// Generator renders SBAR summaries.
type Generator struct {
	serviceURL string
	client     *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// New builds a generator. An empty service URL selects the fallback template
// unconditionally.
func New(cfg config.HandoverConfig) *Generator {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Generator{
		serviceURL: cfg.ServiceURL,
		client:     &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "handover-text-service",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).
					Str("from", from.String()).Str("to", to.String()).
					Msg("handover breaker state change")
			},
		}),
	}
}

// externalRequest is the JSON body sent to the text service.
type externalRequest struct {
	Patient          domain.Patient     `json:"patient"`
	Vitals           domain.Vitals      `json:"vitals"`
	Symptoms         []domain.Symptom   `json:"symptoms"`
	Medications      []domain.Medication `json:"medications"`
	ChiefComplaint   string             `json:"chief_complaint"`
	EscalationReason string             `json:"escalation_reason"`
	Assessment       *domain.Assessment `json:"assessment"`
}

// Generate renders the SBAR summary. It never returns an error: the external
// service is best-effort and the fallback template is total.
func (g *Generator) Generate(ctx context.Context, in domain.Intake, assessment *domain.Assessment, escalationReason string) domain.SBAR {
	if g.serviceURL == "" {
		return Fallback(in, assessment)
	}

	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.callService(ctx, in, assessment, escalationReason)
	})
	if err != nil {
		log.Warn().Err(err).Msg("handover text service unavailable, using fallback template")
		return Fallback(in, assessment)
	}
	return result.(domain.SBAR)
}

func (g *Generator) callService(ctx context.Context, in domain.Intake, assessment *domain.Assessment, escalationReason string) (domain.SBAR, error) {
	body, err := json.Marshal(externalRequest{
		Patient:          in.Patient,
		Vitals:           in.Vitals,
		Symptoms:         in.Symptoms,
		Medications:      in.Medications,
		ChiefComplaint:   in.ChiefComplaint,
		EscalationReason: escalationReason,
		Assessment:       assessment,
	})
	if err != nil {
		return domain.SBAR{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.serviceURL, bytes.NewReader(body))
	if err != nil {
		return domain.SBAR{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return domain.SBAR{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.SBAR{}, fmt.Errorf("handover service returned %d", resp.StatusCode)
	}

	var sbar domain.SBAR
	if err := json.NewDecoder(resp.Body).Decode(&sbar); err != nil {
		return domain.SBAR{}, err
	}
	if sbar.Situation == "" || sbar.Recommendation == "" {
		return domain.SBAR{}, fmt.Errorf("handover service returned incomplete SBAR")
	}
	return sbar, nil
}

// Fallback is the deterministic SBAR template: same inputs, byte-identical
// output.
func Fallback(in domain.Intake, a *domain.Assessment) domain.SBAR {
	level := strings.ToUpper(string(a.FinalRiskLevel))
	reasons := "AI model assessment"
	if len(a.Rule.Reasons) > 0 {
		reasons = strings.Join(a.Rule.Reasons, "; ")
	}

	assessmentText := fmt.Sprintf("Rule engine triggered: %s.", reasons)
	if a.ML != nil {
		override := ""
		if a.Rule.Triggered && a.Rule.OverrideML {
			override = "Rule-based guardrail override applied. "
		}
		assessmentText = fmt.Sprintf(
			"Hybrid decision engine classified as %s risk. %sML risk probability: %.1f%%.",
			level, override, a.ML.RiskProbability*100)
	}

	return domain.SBAR{
		Situation: fmt.Sprintf(
			"A %d-year-old %s patient presenting with %s has been escalated with risk level: %s. SpO2 %.1f%%, BP %d/%d mmHg.",
			in.Patient.Age, in.Patient.Sex, in.ChiefComplaint, level,
			in.Vitals.SpO2, in.Vitals.SystolicBP, in.Vitals.DiastolicBP),
		Background: fmt.Sprintf(
			"HR %d bpm, RR %d/min, Temp %.1f°C. Risk assessment score: %.1f%%. Escalation triggered by: %s.",
			in.Vitals.HeartRate, in.Vitals.RespiratoryRate, in.Vitals.Temperature,
			a.FinalRiskScore*100, reasons),
		Assessment: assessmentText,
		Recommendation: fmt.Sprintf(
			"Specialist review required. Please assess vitals trend, consider investigations, and advise on management plan. Case marked %s priority.",
			level),
	}
}
