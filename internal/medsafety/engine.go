// Package medsafety detects dangerous medication patterns across three rule
// families: drug-drug interactions, drug-condition conflicts and drug-symptom
// danger patterns. Reported drug names are resolved against the table
// vocabulary with a trigram fuzzy match so field-entered spellings still hit.
package medsafety

import (
	"context"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/carebridge/triage/internal/domain"
)

// DefaultFuzzyThreshold is the minimum trigram similarity for a reported drug
// name to resolve to a vocabulary entry.
const DefaultFuzzyThreshold = 0.55

// Engine evaluates the medication rule tables.
type Engine struct {
	fuzzyThreshold float64
}

// New builds an engine with the given fuzzy-match threshold; values outside
// (0,1] fall back to the default.
func New(fuzzyThreshold float64) *Engine {
	if fuzzyThreshold <= 0 || fuzzyThreshold > 1 {
		fuzzyThreshold = DefaultFuzzyThreshold
	}
	return &Engine{fuzzyThreshold: fuzzyThreshold}
}

// Evaluate runs all three rule families and reports the collected warnings
// plus whether any warning forces escalation. Pure table evaluation; the
// context is only consulted for cancellation.
func (e *Engine) Evaluate(ctx context.Context, meds []domain.Medication, flags domain.VulnerabilityFlags, symptoms []domain.Symptom) ([]domain.MedWarning, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	resolved := make([]resolvedMed, len(meds))
	for i, m := range meds {
		resolved[i] = resolvedMed{
			reported:  m.DrugName,
			canonical: e.resolve(m.DrugName),
		}
	}

	warnings := e.checkInteractions(resolved)
	warnings = append(warnings, e.checkConditions(resolved, flags)...)
	warnings = append(warnings, e.checkSymptomPatterns(resolved, symptoms)...)
	warnings = append(warnings, checkImmunocompromisedFever(flags, symptoms)...)

	override := false
	for _, w := range warnings {
		if w.OverrideTriggered {
			override = true
			break
		}
	}
	return warnings, override, nil
}

type resolvedMed struct {
	reported  string
	canonical []string
}

func (m resolvedMed) matchesAny(keywords []string) bool {
	for _, kw := range keywords {
		if m.matches(kw) {
			return true
		}
	}
	return false
}

func (m resolvedMed) matches(canonical string) bool {
	for _, c := range m.canonical {
		if c == canonical {
			return true
		}
	}
	return false
}

// resolve maps a reported drug name onto the vocabulary entries it plausibly
// names. Substring containment catches dose-suffixed entries ("Warfarin 5mg");
// the trigram pass catches misspellings.
func (e *Engine) resolve(reported string) []string {
	norm := normalizeDrug(reported)
	var out []string
	for _, canonical := range canonicalDrugs {
		if strings.Contains(norm, canonical) || trigramSimilarity(norm, canonical) >= e.fuzzyThreshold {
			out = append(out, canonical)
		}
	}
	return out
}

func (e *Engine) checkInteractions(meds []resolvedMed) []domain.MedWarning {
	var warnings []domain.MedWarning
	for i := 0; i < len(meds); i++ {
		for j := i + 1; j < len(meds); j++ {
			for _, rule := range ddiRules {
				hit := (meds[i].matches(rule.a) && meds[j].matches(rule.b)) ||
					(meds[i].matches(rule.b) && meds[j].matches(rule.a))
				if !hit {
					continue
				}
				warnings = append(warnings, domain.MedWarning{
					Drug1:             meds[i].reported,
					Drug2:             meds[j].reported,
					Type:              domain.WarnDrugDrug,
					Severity:          rule.severity,
					Message:           rule.message,
					ActionRequired:    actionRequired(rule.severity),
					OverrideTriggered: overrideFor(rule.severity, false),
				})
				log.Warn().
					Str("drug1", meds[i].reported).
					Str("drug2", meds[j].reported).
					Str("severity", rule.severity).
					Msg("drug interaction detected")
			}
		}
	}
	return warnings
}

func (e *Engine) checkConditions(meds []resolvedMed, flags domain.VulnerabilityFlags) []domain.MedWarning {
	var warnings []domain.MedWarning
	for _, rule := range conditionRules {
		if !rule.flagged(flags) {
			continue
		}
		for _, m := range meds {
			if !m.matchesAny(rule.drugs) {
				continue
			}
			warnings = append(warnings, domain.MedWarning{
				Drug1:             m.reported,
				Type:              domain.WarnDrugCondition,
				Severity:          rule.severity,
				Message:           rule.message,
				ActionRequired:    actionRequired(rule.severity),
				OverrideTriggered: overrideFor(rule.severity, false),
			})
		}
	}
	return warnings
}

func (e *Engine) checkSymptomPatterns(meds []resolvedMed, symptoms []domain.Symptom) []domain.MedWarning {
	lower := make([]string, len(symptoms))
	for i, s := range symptoms {
		lower[i] = strings.ToLower(s.SymptomName)
	}

	var warnings []domain.MedWarning
	for _, rule := range symptomRules {
		var matched []string
		for _, m := range meds {
			if m.matchesAny(rule.drugKeywords) {
				matched = append(matched, m.reported)
			}
		}
		if len(matched) == 0 || !anyContains(lower, rule.symptomKeywords) {
			continue
		}
		warnings = append(warnings, domain.MedWarning{
			Drug1:             strings.Join(matched, ", "),
			Type:              domain.WarnDrugSymptom,
			Severity:          rule.severity,
			Message:           rule.message,
			ActionRequired:    true,
			OverrideTriggered: overrideFor(rule.severity, rule.forceEscalation),
		})
		if rule.forceEscalation {
			log.Error().
				Strs("drugs", matched).
				Str("severity", rule.severity).
				Msg("drug-symptom danger pattern forces escalation")
		}
	}
	return warnings
}

// checkImmunocompromisedFever is the one rule gated on a flag and a symptom
// rather than a drug: fever in an immunocompromised patient always demands a
// sepsis workup.
func checkImmunocompromisedFever(flags domain.VulnerabilityFlags, symptoms []domain.Symptom) []domain.MedWarning {
	if !flags.Immunocompromised {
		return nil
	}
	for _, s := range symptoms {
		name := strings.ToLower(s.SymptomName)
		if strings.Contains(name, "fever") || strings.Contains(name, "temperature") {
			return []domain.MedWarning{{
				Drug1:             "Immunosuppressant therapy",
				Type:              domain.WarnDrugCondition,
				Severity:          domain.SeveritySevere,
				Message:           "Immunocompromised patient with fever: Sepsis must be excluded. Urgent blood cultures and antibiotics.",
				ActionRequired:    true,
				OverrideTriggered: true,
			}}
		}
	}
	return nil
}

func anyContains(haystacks, keywords []string) bool {
	for _, h := range haystacks {
		for _, kw := range keywords {
			if strings.Contains(h, kw) {
				return true
			}
		}
	}
	return false
}

func actionRequired(severity string) bool {
	return severity == domain.SeveritySevere || severity == domain.SeverityContraindicated
}

// overrideFor implements the escalation contract: severe and contraindicated
// warnings always override, as do named danger patterns of any severity.
func overrideFor(severity string, namedPattern bool) bool {
	return namedPattern || actionRequired(severity)
}
