// Package rules implements the deterministic clinical safety guardrail. It is
// the safety floor of the decision engine: a pure, total function over the
// vitals snapshot, reported symptoms and vulnerability flags. When it returns
// critical, the aggregator must not let the model soften the verdict.
package rules

import (
	"fmt"
	"strings"

	"github.com/carebridge/triage/internal/config"
	"github.com/carebridge/triage/internal/domain"
)

// Guardrail evaluates the fixed clinical threshold table.
type Guardrail struct {
	cfg config.GuardrailConfig
}

// New creates a guardrail with the given thresholds.
func New(cfg config.GuardrailConfig) *Guardrail {
	return &Guardrail{cfg: cfg}
}

// NewWithDefaults creates a guardrail with the built-in threshold table.
func NewWithDefaults() *Guardrail {
	return New(config.Defaults().Guardrail)
}

// rule is one row of the threshold table. Rows are evaluated top to bottom;
// reason ordering in the result follows table order.
type rule struct {
	check  func(v domain.Vitals, flags domain.VulnerabilityFlags, symptoms []domain.Symptom) bool
	reason func(v domain.Vitals, flags domain.VulnerabilityFlags, symptoms []domain.Symptom) string
	level  domain.RiskLevel
}

// Evaluate applies every row independently and returns the max severity with
// the triggered reasons. Deterministic, no I/O.
func (g *Guardrail) Evaluate(v domain.Vitals, flags domain.VulnerabilityFlags, symptoms []domain.Symptom) domain.RuleResult {
	result := domain.RuleResult{Level: domain.RiskNone}

	for _, r := range g.table() {
		if r.check(v, flags, symptoms) {
			result.Triggered = true
			result.Reasons = append(result.Reasons, r.reason(v, flags, symptoms))
			result.Level = domain.MaxLevel(result.Level, r.level)
		}
	}

	if result.Level == domain.RiskCritical {
		result.OverrideML = true
	}
	return result
}

func (g *Guardrail) table() []rule {
	c := g.cfg
	return []rule{
		{
			check: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) bool {
				return v.SpO2 < c.SpO2Critical
			},
			reason: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) string {
				return fmt.Sprintf("Severe oxygen desaturation: SpO2 = %.1f%% (threshold < %.0f%%)", v.SpO2, c.SpO2Critical)
			},
			level: domain.RiskCritical,
		},
		{
			check: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) bool {
				return v.SystolicBP < c.SBPLowCritical || v.SystolicBP > c.SBPHighCritical
			},
			reason: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) string {
				if v.SystolicBP < c.SBPLowCritical {
					return fmt.Sprintf("Severe hypotension/shock risk: SBP = %d mmHg (threshold < %d mmHg)", v.SystolicBP, c.SBPLowCritical)
				}
				return fmt.Sprintf("Hypertensive crisis: BP = %d/%d mmHg", v.SystolicBP, v.DiastolicBP)
			},
			level: domain.RiskCritical,
		},
		{
			check: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) bool {
				return v.RespiratoryRate < c.RRLowCritical || v.RespiratoryRate > c.RRHighCritical
			},
			reason: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) string {
				if v.RespiratoryRate < c.RRLowCritical {
					return fmt.Sprintf("Respiratory depression: RR = %d/min (threshold < %d/min)", v.RespiratoryRate, c.RRLowCritical)
				}
				return fmt.Sprintf("Severe respiratory distress: RR = %d/min (threshold > %d/min)", v.RespiratoryRate, c.RRHighCritical)
			},
			level: domain.RiskCritical,
		},
		{
			check: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) bool {
				return v.HeartRate < c.HRLowCritical || v.HeartRate > c.HRHighCritical
			},
			reason: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) string {
				if v.HeartRate < c.HRLowCritical {
					return fmt.Sprintf("Severe bradycardia: HR = %d bpm (threshold < %d bpm)", v.HeartRate, c.HRLowCritical)
				}
				return fmt.Sprintf("Severe tachycardia: HR = %d bpm (threshold > %d bpm)", v.HeartRate, c.HRHighCritical)
			},
			level: domain.RiskCritical,
		},
		{
			check: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) bool {
				return v.Temperature < c.TempLowCritical || v.Temperature > c.TempHighCritical
			},
			reason: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) string {
				if v.Temperature < c.TempLowCritical {
					return fmt.Sprintf("Hypothermia: Temp = %.1f°C", v.Temperature)
				}
				return fmt.Sprintf("Hyperpyrexia: Temp = %.1f°C (threshold > %.1f°C)", v.Temperature, c.TempHighCritical)
			},
			level: domain.RiskCritical,
		},
		{
			check: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) bool {
				return v.GCSScore != nil && *v.GCSScore < c.GCSCritical
			},
			reason: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) string {
				return fmt.Sprintf("Severely altered consciousness: GCS = %d", *v.GCSScore)
			},
			level: domain.RiskCritical,
		},
		{
			check: func(_ domain.Vitals, _ domain.VulnerabilityFlags, symptoms []domain.Symptom) bool {
				for _, s := range symptoms {
					if s.IsRedFlag {
						return true
					}
				}
				return false
			},
			reason: func(_ domain.Vitals, _ domain.VulnerabilityFlags, symptoms []domain.Symptom) string {
				names := make([]string, 0, len(symptoms))
				for _, s := range symptoms {
					if s.IsRedFlag {
						names = append(names, s.SymptomName)
					}
				}
				return fmt.Sprintf("Red-flag symptom reported: %s", strings.Join(names, ", "))
			},
			level: domain.RiskCritical,
		},
		{
			check: func(v domain.Vitals, flags domain.VulnerabilityFlags, _ []domain.Symptom) bool {
				return flags.Pregnant && v.SystolicBP >= c.PreeclampsiaSBP && v.DiastolicBP >= c.PreeclampsiaDBP
			},
			reason: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) string {
				return fmt.Sprintf("Pregnancy hypertension (possible preeclampsia): BP %d/%d mmHg", v.SystolicBP, v.DiastolicBP)
			},
			level: domain.RiskCritical,
		},

		// High-severity band.
		{
			check: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) bool {
				return v.HeartRate > c.HRHigh && v.HeartRate <= c.HRHighCritical
			},
			reason: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) string {
				return fmt.Sprintf("Significant tachycardia: HR = %d bpm", v.HeartRate)
			},
			level: domain.RiskHigh,
		},
		{
			check: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) bool {
				return v.SpO2 >= c.SpO2Critical && v.SpO2 < c.SpO2HighBand
			},
			reason: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) string {
				return fmt.Sprintf("Low oxygen saturation: SpO2 = %.1f%%", v.SpO2)
			},
			level: domain.RiskHigh,
		},
		{
			check: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) bool {
				return v.Temperature > c.TempHigh && v.Temperature <= c.TempHighCritical
			},
			reason: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) string {
				return fmt.Sprintf("High fever: Temp = %.1f°C", v.Temperature)
			},
			level: domain.RiskHigh,
		},

		// Moderate band.
		{
			check: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) bool {
				return v.BloodGlucoseMgdl != nil && *v.BloodGlucoseMgdl < c.GlucoseSevereHypo
			},
			reason: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) string {
				return fmt.Sprintf("Severe hypoglycaemia: BG = %d mg/dL", *v.BloodGlucoseMgdl)
			},
			level: domain.RiskModerate,
		},
		{
			check: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) bool {
				return v.BloodGlucoseMgdl != nil && *v.BloodGlucoseMgdl > c.GlucoseSevereHyper
			},
			reason: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) string {
				return fmt.Sprintf("Severe hyperglycaemia: BG = %d mg/dL", *v.BloodGlucoseMgdl)
			},
			level: domain.RiskModerate,
		},
		{
			check: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) bool {
				return v.ShockIndex() > c.ShockIndexLimit
			},
			reason: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) string {
				return fmt.Sprintf("Elevated shock index: %.2f (HR/SBP)", v.ShockIndex())
			},
			level: domain.RiskModerate,
		},
		{
			check: func(v domain.Vitals, flags domain.VulnerabilityFlags, _ []domain.Symptom) bool {
				return flags.Immunocompromised && v.Temperature >= c.ImmunoFeverTemp
			},
			reason: func(v domain.Vitals, _ domain.VulnerabilityFlags, _ []domain.Symptom) string {
				return fmt.Sprintf("Immunocompromised patient with fever: %.1f°C — sepsis must be excluded", v.Temperature)
			},
			level: domain.RiskModerate,
		},
	}
}
