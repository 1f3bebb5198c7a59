// Package decision fans the three analyzers out per request and fuses their
// results into one assessment under a fixed override precedence: a critical
// guardrail verdict wins outright, a medication override floors the level at
// high, otherwise the model speaks, and the guardrail's non-critical level is
// the fallback when the model is unavailable.
package decision

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carebridge/triage/internal/apperr"
	"github.com/carebridge/triage/internal/config"
	"github.com/carebridge/triage/internal/domain"
	"github.com/carebridge/triage/internal/metrics"
)

// RuleEngine is the deterministic safety guardrail.
type RuleEngine interface {
	Evaluate(v domain.Vitals, flags domain.VulnerabilityFlags, symptoms []domain.Symptom) domain.RuleResult
}

// RiskModel produces the calibrated probability with attributions.
type RiskModel interface {
	Predict(ctx context.Context, v domain.Vitals, age int, sex domain.Sex, flags domain.VulnerabilityFlags, symptoms []domain.Symptom) (*domain.ModelResult, error)
	Ready() bool
	Version() string
}

// MedicationChecker detects dangerous medication patterns.
type MedicationChecker interface {
	Evaluate(ctx context.Context, meds []domain.Medication, flags domain.VulnerabilityFlags, symptoms []domain.Symptom) ([]domain.MedWarning, bool, error)
}

// Aggregator joins the three analyzers under the composite deadline.
type Aggregator struct {
	rules RuleEngine
	model RiskModel
	meds  MedicationChecker

	ruleBudget        time.Duration
	modelTimeout      time.Duration
	medTimeout        time.Duration
	compositeDeadline time.Duration
}

// New wires an aggregator from its analyzers and the decision deadlines.
func New(rules RuleEngine, model RiskModel, meds MedicationChecker, dc config.DecisionConfig, mc config.ModelConfig, medc config.MedicationConfig) *Aggregator {
	return &Aggregator{
		rules:             rules,
		model:             model,
		meds:              meds,
		ruleBudget:        dc.RuleBudget,
		modelTimeout:      mc.Timeout,
		medTimeout:        medc.Timeout,
		compositeDeadline: dc.CompositeDeadline,
	}
}

type ruleOutcome struct {
	result domain.RuleResult
	err    error
}

type modelOutcome struct {
	result *domain.ModelResult
	err    error
}

type medOutcome struct {
	warnings []domain.MedWarning
	override bool
	err      error
}

// Analyze runs the three analyzers concurrently and composes the assessment.
// Only a guardrail failure is fatal; the model degrades to absent and the
// medication engine degrades to warning-less.
func (a *Aggregator) Analyze(ctx context.Context, in domain.Intake) (*domain.Assessment, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, a.compositeDeadline)
	defer cancel()

	ruleCh := make(chan ruleOutcome, 1)
	modelCh := make(chan modelOutcome, 1)
	medCh := make(chan medOutcome, 1)

	go func() {
		ruleCh <- a.runRules(in)
	}()
	go func() {
		modelCtx, cancel := context.WithTimeout(ctx, a.modelTimeout)
		defer cancel()
		r, err := a.model.Predict(modelCtx, in.Vitals, in.Patient.Age, in.Patient.Sex, in.Patient.Flags, in.Symptoms)
		modelCh <- modelOutcome{result: r, err: err}
	}()
	go func() {
		medCtx, cancel := context.WithTimeout(ctx, a.medTimeout)
		defer cancel()
		w, o, err := a.meds.Evaluate(medCtx, in.Medications, in.Patient.Flags, in.Symptoms)
		medCh <- medOutcome{warnings: w, override: o, err: err}
	}()

	var (
		rule domain.RuleResult
		ml   *domain.ModelResult
		med  medOutcome
	)
	for i := 0; i < 3; i++ {
		select {
		case r := <-ruleCh:
			if r.err != nil {
				metrics.AnalyzerFailure("rules")
				return nil, r.err
			}
			rule = r.result
		case m := <-modelCh:
			if m.err != nil {
				metrics.AnalyzerFailure("model")
				log.Warn().Err(m.err).Msg("risk model unavailable for this assessment")
			} else {
				ml = m.result
			}
		case m := <-medCh:
			if m.err != nil {
				metrics.AnalyzerFailure("medication")
				log.Error().Err(m.err).Msg("medication engine failed, assessment proceeds warning-less")
				m = medOutcome{}
			}
			med = m
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindInternal, "composite decision deadline exceeded", ctx.Err())
		}
	}

	assessment := a.compose(in, rule, ml, med.warnings, med.override)
	metrics.ObserveAnalyze(time.Since(start))
	metrics.Assessments.WithLabelValues(string(assessment.FinalRiskLevel)).Inc()
	return assessment, nil
}

// runRules enforces the guardrail budget. The guardrail is the safety floor:
// an overrun fails the whole request.
func (a *Aggregator) runRules(in domain.Intake) ruleOutcome {
	done := make(chan domain.RuleResult, 1)
	go func() {
		done <- a.rules.Evaluate(in.Vitals, in.Patient.Flags, in.Symptoms)
	}()
	select {
	case r := <-done:
		return ruleOutcome{result: r}
	case <-time.After(a.ruleBudget):
		return ruleOutcome{err: apperr.New(apperr.KindInternal, "safety guardrail exceeded its evaluation budget")}
	}
}

// compose applies the override precedence and builds the immutable assessment.
func (a *Aggregator) compose(in domain.Intake, rule domain.RuleResult, ml *domain.ModelResult, warnings []domain.MedWarning, medOverride bool) *domain.Assessment {
	sortWarnings(warnings)

	var finalLevel domain.RiskLevel
	switch {
	case rule.Level == domain.RiskCritical:
		finalLevel = domain.RiskCritical
	case medOverride:
		finalLevel = domain.RiskHigh
		if ml != nil {
			finalLevel = domain.MaxLevel(ml.RiskLevel, domain.RiskHigh)
		}
	case ml != nil:
		finalLevel = ml.RiskLevel
	default:
		finalLevel = domain.MaxLevel(rule.Level, domain.RiskLow)
	}

	score := fallbackScore(finalLevel)
	if ml != nil {
		score = ml.RiskProbability
	}

	escalate := medOverride || finalLevel == domain.RiskHigh || finalLevel == domain.RiskCritical

	version := ""
	if ml != nil {
		version = ml.Version
	} else if a.model != nil && a.model.Ready() {
		version = a.model.Version()
	}

	return &domain.Assessment{
		Rule:                rule,
		ML:                  ml,
		MedWarnings:         warnings,
		MedOverride:         medOverride,
		FinalRiskLevel:      finalLevel,
		FinalRiskScore:      score,
		Recommendation:      buildRecommendation(in, rule, ml, warnings, finalLevel),
		EscalationSuggested: escalate,
		ModelVersion:        version,
		AssessedAt:          time.Now().UTC(),
	}
}

func fallbackScore(level domain.RiskLevel) float64 {
	switch level {
	case domain.RiskCritical:
		return 1.0
	case domain.RiskHigh:
		return 0.70
	case domain.RiskModerate:
		return 0.45
	default:
		return 0.15
	}
}

var levelTags = map[domain.RiskLevel]string{
	domain.RiskCritical: "CRITICAL RISK: Arrange emergency care now.",
	domain.RiskHigh:     "HIGH RISK: Urgent clinical review required.",
	domain.RiskModerate: "MODERATE RISK: Close monitoring and early follow-up advised.",
	domain.RiskLow:      "LOW RISK: Routine care appropriate.",
}

// buildRecommendation renders the deterministic clinician-facing text: level
// tag, first rule reason, model summary, then each warning prefixed by its
// severity, in the canonical warning order.
func buildRecommendation(in domain.Intake, rule domain.RuleResult, ml *domain.ModelResult, warnings []domain.MedWarning, level domain.RiskLevel) string {
	parts := []string{levelTags[level]}

	if len(rule.Reasons) > 0 {
		parts = append(parts, rule.Reasons[0]+".")
	}
	if ml != nil && ml.Summary != "" {
		parts = append(parts, ml.Summary)
	}
	for _, w := range warnings {
		parts = append(parts, fmt.Sprintf("[%s] %s", strings.ToUpper(w.Severity), w.Message))
	}
	if in.Patient.Flags.Pregnant && (level == domain.RiskHigh || level == domain.RiskCritical) {
		parts = append(parts, "Pregnant patient: activate the maternal emergency protocol and arrange urgent obstetric review.")
	}
	return strings.Join(parts, " ")
}

var severityRank = map[string]int{
	domain.SeverityContraindicated: 4,
	domain.SeveritySevere:          3,
	domain.SeverityModerate:        2,
	domain.SeverityMild:            1,
}

var warningTypeRank = map[string]int{
	domain.WarnDrugDrug:      0,
	domain.WarnDrugCondition: 1,
	domain.WarnDrugSymptom:   2,
}

// sortWarnings orders warnings by severity descending, then category, then
// drug names, so identical inputs always render identically.
func sortWarnings(warnings []domain.MedWarning) {
	sort.SliceStable(warnings, func(i, j int) bool {
		a, b := warnings[i], warnings[j]
		if severityRank[a.Severity] != severityRank[b.Severity] {
			return severityRank[a.Severity] > severityRank[b.Severity]
		}
		if warningTypeRank[a.Type] != warningTypeRank[b.Type] {
			return warningTypeRank[a.Type] < warningTypeRank[b.Type]
		}
		if a.Drug1 != b.Drug1 {
			return a.Drug1 < b.Drug1
		}
		return a.Drug2 < b.Drug2
	})
}
