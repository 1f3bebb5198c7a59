package medsafety

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/triage/internal/domain"
)

func med(name string) domain.Medication {
	return domain.Medication{DrugName: name}
}

func TestEvaluate_DrugDrugInteraction(t *testing.T) {
	e := New(DefaultFuzzyThreshold)

	warnings, override, err := e.Evaluate(context.Background(),
		[]domain.Medication{med("Warfarin"), med("Aspirin")},
		domain.VulnerabilityFlags{}, nil)
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	w := warnings[0]
	assert.Equal(t, domain.WarnDrugDrug, w.Type)
	assert.Equal(t, domain.SeveritySevere, w.Severity)
	assert.Equal(t, "Warfarin", w.Drug1)
	assert.Equal(t, "Aspirin", w.Drug2)
	assert.True(t, w.ActionRequired)
	assert.True(t, w.OverrideTriggered)
	assert.True(t, override)
}

func TestEvaluate_ContraindicatedPairOverrides(t *testing.T) {
	e := New(DefaultFuzzyThreshold)

	warnings, override, err := e.Evaluate(context.Background(),
		[]domain.Medication{med("Oxytocin"), med("Misoprostol")},
		domain.VulnerabilityFlags{}, nil)
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	assert.Equal(t, domain.SeverityContraindicated, warnings[0].Severity)
	assert.True(t, warnings[0].OverrideTriggered)
	assert.True(t, override)
}

func TestEvaluate_ModerateInteractionDoesNotOverride(t *testing.T) {
	e := New(DefaultFuzzyThreshold)

	warnings, override, err := e.Evaluate(context.Background(),
		[]domain.Medication{med("Lisinopril"), med("Potassium")},
		domain.VulnerabilityFlags{}, nil)
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	assert.Equal(t, domain.SeverityModerate, warnings[0].Severity)
	assert.False(t, warnings[0].ActionRequired)
	assert.False(t, warnings[0].OverrideTriggered)
	assert.False(t, override)
}

func TestEvaluate_FuzzyMatchCatchesMisspelling(t *testing.T) {
	e := New(DefaultFuzzyThreshold)

	warnings, _, err := e.Evaluate(context.Background(),
		[]domain.Medication{med("Warfrin"), med("Aspirin")},
		domain.VulnerabilityFlags{}, nil)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "Warfrin", warnings[0].Drug1)
}

func TestEvaluate_DoseSuffixedNameResolves(t *testing.T) {
	e := New(DefaultFuzzyThreshold)

	warnings, _, err := e.Evaluate(context.Background(),
		[]domain.Medication{med("Warfarin 5mg"), med("Ibuprofen 400mg")},
		domain.VulnerabilityFlags{}, nil)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "Avoid NSAIDs")
}

func TestEvaluate_BetaBlockerWithChestPain(t *testing.T) {
	e := New(DefaultFuzzyThreshold)

	warnings, override, err := e.Evaluate(context.Background(),
		[]domain.Medication{med("Atenolol")},
		domain.VulnerabilityFlags{},
		[]domain.Symptom{
			{SymptomName: "chest pain", IsRedFlag: true, Severity: "severe"},
			{SymptomName: "difficulty breathing", IsRedFlag: true},
		})
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	w := warnings[0]
	assert.Equal(t, domain.WarnDrugSymptom, w.Type)
	assert.Equal(t, domain.SeveritySevere, w.Severity)
	assert.Equal(t, "Atenolol", w.Drug1)
	assert.True(t, w.OverrideTriggered)
	assert.True(t, override)
}

func TestEvaluate_AnticoagulantWithHeadInjury(t *testing.T) {
	e := New(DefaultFuzzyThreshold)

	warnings, override, err := e.Evaluate(context.Background(),
		[]domain.Medication{med("Clopidogrel")},
		domain.VulnerabilityFlags{},
		[]domain.Symptom{{SymptomName: "head injury after fall", IsRedFlag: true}})
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	assert.Contains(t, warnings[0].Message, "intracranial hemorrhage")
	assert.True(t, override)
}

func TestEvaluate_BetaBlockerBradycardiaIsModerateButOverrides(t *testing.T) {
	e := New(DefaultFuzzyThreshold)

	warnings, override, err := e.Evaluate(context.Background(),
		[]domain.Medication{med("Metoprolol")},
		domain.VulnerabilityFlags{},
		[]domain.Symptom{{SymptomName: "dizziness"}})
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	// Moderate severity, but drug-symptom pattern rows always demand action.
	assert.Equal(t, domain.SeverityModerate, warnings[0].Severity)
	assert.True(t, warnings[0].ActionRequired)
	assert.False(t, warnings[0].OverrideTriggered)
	assert.False(t, override)
}

func TestEvaluate_NSAIDWithHeartDisease(t *testing.T) {
	e := New(DefaultFuzzyThreshold)

	warnings, override, err := e.Evaluate(context.Background(),
		[]domain.Medication{med("Ibuprofen")},
		domain.VulnerabilityFlags{HeartDisease: true}, nil)
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	assert.Equal(t, domain.WarnDrugCondition, warnings[0].Type)
	assert.Contains(t, warnings[0].Message, "paracetamol")
	assert.True(t, override)
}

func TestEvaluate_AnticoagulantInPregnancy(t *testing.T) {
	e := New(DefaultFuzzyThreshold)

	warnings, _, err := e.Evaluate(context.Background(),
		[]domain.Medication{med("Rivaroxaban")},
		domain.VulnerabilityFlags{Pregnant: true}, nil)
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0].Message, "Obstetric review")
}

func TestEvaluate_ImmunocompromisedFever(t *testing.T) {
	e := New(DefaultFuzzyThreshold)

	warnings, override, err := e.Evaluate(context.Background(), nil,
		domain.VulnerabilityFlags{Immunocompromised: true},
		[]domain.Symptom{{SymptomName: "high fever"}})
	require.NoError(t, err)
	require.Len(t, warnings, 1)

	assert.Equal(t, domain.WarnDrugCondition, warnings[0].Type)
	assert.Contains(t, warnings[0].Message, "Sepsis")
	assert.True(t, override)
}

func TestEvaluate_CleanListProducesNothing(t *testing.T) {
	e := New(DefaultFuzzyThreshold)

	warnings, override, err := e.Evaluate(context.Background(),
		[]domain.Medication{med("Paracetamol"), med("Amoxicillin")},
		domain.VulnerabilityFlags{},
		[]domain.Symptom{{SymptomName: "mild headache"}})
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.False(t, override)
}

func TestEvaluate_CancelledContext(t *testing.T) {
	e := New(DefaultFuzzyThreshold)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := e.Evaluate(ctx, []domain.Medication{med("Warfarin")}, domain.VulnerabilityFlags{}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_ThresholdFallback(t *testing.T) {
	assert.Equal(t, DefaultFuzzyThreshold, New(0).fuzzyThreshold)
	assert.Equal(t, DefaultFuzzyThreshold, New(1.5).fuzzyThreshold)
	assert.Equal(t, 0.7, New(0.7).fuzzyThreshold)
}
