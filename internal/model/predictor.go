// Package model produces a calibrated risk probability with per-feature
// attributions from an engineered feature vector. It operates on a cached,
// immutable artifact loaded at startup; when the artifact is missing the
// component reports unavailable and the aggregator degrades without it.
package model

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog/log"

	"github.com/carebridge/triage/internal/apperr"
	"github.com/carebridge/triage/internal/domain"
)

// TopK is the number of attributions reported per prediction.
const TopK = 5

// Predictor scores intake snapshots against the loaded artifact.
type Predictor struct {
	artifact *Artifact
}

// NewPredictor loads the artifact at path. A load failure yields a predictor
// that reports not ready rather than an error: model absence is a degraded
// state, not a fatal one.
func NewPredictor(path string) *Predictor {
	artifact, err := LoadArtifact(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("risk model artifact unavailable, predictions disabled")
		return &Predictor{}
	}
	log.Info().Str("version", artifact.Version).Msg("risk model artifact loaded")
	return &Predictor{artifact: artifact}
}

// NewPredictorFromArtifact wraps an already-loaded artifact (tests).
func NewPredictorFromArtifact(a *Artifact) *Predictor {
	return &Predictor{artifact: a}
}

// Ready reports whether the model artifact is loaded.
func (p *Predictor) Ready() bool { return p.artifact != nil }

// Version returns the loaded artifact version, or empty when not ready.
func (p *Predictor) Version() string {
	if p.artifact == nil {
		return ""
	}
	return p.artifact.Version
}

// Predict computes the risk probability and its top-K attributions.
func (p *Predictor) Predict(ctx context.Context, v domain.Vitals, age int, sex domain.Sex, flags domain.VulnerabilityFlags, symptoms []domain.Symptom) (*domain.ModelResult, error) {
	if p.artifact == nil {
		return nil, apperr.Unavailable("risk model not loaded")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	features := ExtractFeatures(v, age, sex, flags, symptoms)
	contributions := p.contributions(features)

	logit := p.artifact.Intercept
	for _, c := range contributions {
		logit += c
	}
	probability := 1.0 / (1.0 + math.Exp(-logit))
	level := LevelForProbability(probability)

	top := topAttributions(features, contributions)
	summary := buildSummary(top, level)

	return &domain.ModelResult{
		RiskProbability: round3(probability),
		RiskLevel:       level,
		TopFeatures:     top,
		Summary:         summary,
		Version:         p.artifact.Version,
	}, nil
}

// LevelForProbability maps a calibrated probability onto the risk tiers:
// [0,0.30) low, [0.30,0.55) moderate, [0.55,0.80) high, [0.80,1.0] critical.
func LevelForProbability(prob float64) domain.RiskLevel {
	switch {
	case prob >= 0.80:
		return domain.RiskCritical
	case prob >= 0.55:
		return domain.RiskHigh
	case prob >= 0.30:
		return domain.RiskModerate
	default:
		return domain.RiskLow
	}
}

// contributions evaluates the artifact's log-odds contribution for every
// feature. The piecewise form mirrors the calibration the artifact was fit
// against; coefficients come from the artifact.
func (p *Predictor) contributions(f [featureCount]float64) [featureCount]float64 {
	a := p.artifact
	var c [featureCount]float64

	if f[fSpO2] < 96 {
		c[fSpO2] = (96.0 - f[fSpO2]) * a.coef("spo2_deficit")
	}
	switch {
	case f[fSystolicBP] < 90:
		c[fSystolicBP] = (90.0 - f[fSystolicBP]) * a.coef("sbp_low")
	case f[fSystolicBP] > 140:
		c[fSystolicBP] = (f[fSystolicBP] - 140.0) * a.coef("sbp_high")
	}
	if f[fHeartRate] > 80 {
		c[fHeartRate] = (f[fHeartRate] - 80.0) * a.coef("hr_excess")
	}
	if f[fRespiratoryRate] > 18 {
		c[fRespiratoryRate] = (f[fRespiratoryRate] - 18.0) * a.coef("rr_excess")
	}
	switch {
	case f[fTemperature] > 37:
		c[fTemperature] = (f[fTemperature] - 37.0) * a.coef("temp_dev")
	case f[fTemperature] < 36:
		c[fTemperature] = (36.0 - f[fTemperature]) * a.coef("temp_dev")
	}
	switch {
	case f[fBloodGlucose] > 140:
		c[fBloodGlucose] = (f[fBloodGlucose] - 140.0) * a.coef("bg_high")
	case f[fBloodGlucose] < 70:
		c[fBloodGlucose] = (70.0 - f[fBloodGlucose]) * a.coef("bg_low")
	}
	c[fAge] = (f[fAge] - 40.0) * a.coef("age")
	c[fPregnant] = f[fPregnant] * a.coef("pregnant")
	c[fDiabetic] = f[fDiabetic] * a.coef("diabetic")
	c[fHeartDisease] = f[fHeartDisease] * a.coef("heart_disease")
	c[fImmunocompromised] = f[fImmunocompromised] * a.coef("immunocompromised")
	if f[fShockIndex] > 0.7 {
		c[fShockIndex] = (f[fShockIndex] - 0.7) * a.coef("shock_index")
	}
	c[fChestPain] = f[fChestPain] * a.coef("chest_pain")
	c[fAlteredConsciousness] = f[fAlteredConsciousness] * a.coef("altered_consciousness")
	c[fBreathingDifficulty] = f[fBreathingDifficulty] * a.coef("breathing_difficulty")
	c[fSevereHeadache] = f[fSevereHeadache] * a.coef("severe_headache")
	c[fBleeding] = f[fBleeding] * a.coef("bleeding")
	c[fRedFlagCount] = f[fRedFlagCount] * a.coef("red_flag")
	return c
}

// topAttributions returns the TopK features by absolute contribution,
// descending, ties broken by feature index for determinism.
func topAttributions(features, contributions [featureCount]float64) []domain.Attribution {
	idx := make([]int, featureCount)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return math.Abs(contributions[idx[a]]) > math.Abs(contributions[idx[b]])
	})

	top := make([]domain.Attribution, 0, TopK)
	for _, i := range idx[:TopK] {
		name := featureNames[i]
		label := featureLabels[name]
		sign := "+"
		if contributions[i] < 0 {
			sign = "-"
		}
		top = append(top, domain.Attribution{
			Feature:      name,
			Value:        round4(features[i]),
			Contribution: round4(contributions[i]),
			Label: fmt.Sprintf("%s = %.1f (impact: %s%.3f)",
				label, features[i], sign, math.Abs(contributions[i])),
		})
	}
	return top
}

// interpretations are the plain-language phrases used in the summary line.
var interpretations = map[string]string{
	"spo2":                      "oxygen desaturation",
	"shock_index":               "shock indicators (elevated HR relative to BP)",
	"respiratory_rate":          "rapid breathing",
	"heart_rate":                "rapid heart rate",
	"has_altered_consciousness": "altered level of consciousness",
	"has_chest_pain":            "chest pain",
	"is_immunocompromised":      "immunocompromised state",
	"is_pregnant":               "pregnancy-related risk",
	"temperature":               "abnormal temperature",
	"has_breathing_difficulty":  "breathing difficulty",
	"has_bleeding":              "reported bleeding",
	"red_flag_count":            "multiple red-flag symptoms",
}

var riskPhrases = map[domain.RiskLevel]string{
	domain.RiskCritical: "suggest critical deterioration requiring immediate intervention",
	domain.RiskHigh:     "indicate high risk — escalation strongly recommended",
	domain.RiskModerate: "suggest moderate risk — close monitoring required",
	domain.RiskLow:      "suggest lower risk — standard care appropriate",
}

// buildSummary joins the top two attributions into one clinician-facing
// sentence. Deterministic for identical inputs.
func buildSummary(top []domain.Attribution, level domain.RiskLevel) string {
	if len(top) == 0 {
		return "Insufficient data to generate clinical interpretation."
	}

	text := "Primary driver: " + interpret(top[0])
	if len(top) > 1 {
		text += " combined with " + interpret(top[1])
	}
	return fmt.Sprintf("%s %s.", text, riskPhrases[level])
}

func interpret(a domain.Attribution) string {
	switch a.Feature {
	case "systolic_bp":
		if a.Value < 100 {
			return "low blood pressure"
		}
		return "elevated blood pressure"
	case "age_years":
		if a.Value < 40 {
			return "younger age"
		}
		return "older age"
	}
	if phrase, ok := interpretations[a.Feature]; ok {
		return phrase
	}
	return a.Feature
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
