package domain

import (
	"time"
)

// RiskLevel is the four-tier clinical risk classification used across the
// guardrail, the risk model and the final assessment.
type RiskLevel string

const (
	RiskNone     RiskLevel = ""
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders risk levels for comparison: critical > high > moderate > low > none.
func (r RiskLevel) Rank() int {
	switch r {
	case RiskCritical:
		return 4
	case RiskHigh:
		return 3
	case RiskModerate:
		return 2
	case RiskLow:
		return 1
	default:
		return 0
	}
}

// MaxLevel returns the more severe of two risk levels.
func MaxLevel(a, b RiskLevel) RiskLevel {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

type Sex string

const (
	SexMale   Sex = "male"
	SexFemale Sex = "female"
	SexOther  Sex = "other"
)

// VulnerabilityFlags mark patient populations that change rule and model behavior.
type VulnerabilityFlags struct {
	Pregnant          bool `json:"pregnant"`
	Diabetic          bool `json:"diabetic"`
	Elderly           bool `json:"elderly"`
	HeartDisease      bool `json:"heart_disease"`
	Immunocompromised bool `json:"immunocompromised"`
}

// Vitals is a single immutable vitals snapshot. Required fields are validated
// against absolute physiological limits before any analyzer sees them.
type Vitals struct {
	SystolicBP       int      `json:"systolic_bp" validate:"required,gte=40,lte=350"`
	DiastolicBP      int      `json:"diastolic_bp" validate:"required,gte=20,lte=250"`
	HeartRate        int      `json:"heart_rate" validate:"required,gte=20,lte=350"`
	RespiratoryRate  int      `json:"respiratory_rate" validate:"required,gte=4,lte=80"`
	SpO2             float64  `json:"spo2" validate:"required,gte=50,lte=100"`
	Temperature      float64  `json:"temperature" validate:"required,gte=30,lte=45"`
	BloodGlucoseMgdl *int     `json:"blood_glucose_mgdl,omitempty" validate:"omitempty,gte=20,lte=1000"`
	WeightKg         *float64 `json:"weight_kg,omitempty" validate:"omitempty,gte=1,lte=300"`
	GCSScore         *int     `json:"gcs_score,omitempty" validate:"omitempty,gte=3,lte=15"`
}

// ShockIndex is heart rate over systolic pressure; > 1.0 suggests early shock.
func (v Vitals) ShockIndex() float64 {
	sbp := v.SystolicBP
	if sbp < 1 {
		sbp = 1
	}
	return float64(v.HeartRate) / float64(sbp)
}

// PulsePressure is the systolic/diastolic spread in mmHg.
func (v Vitals) PulsePressure() int {
	return v.SystolicBP - v.DiastolicBP
}

// Medication is one entry from the patient's current drug list.
type Medication struct {
	DrugName   string `json:"drug_name" validate:"required,min=2,max=200"`
	RxNormCode string `json:"rxnorm_code,omitempty"`
	Dose       string `json:"dose,omitempty"`
	Frequency  string `json:"frequency,omitempty"`
	Route      string `json:"route,omitempty"`
}

// Symptom is one reported symptom. Red-flag symptoms unilaterally drive the
// guardrail to critical.
type Symptom struct {
	SymptomName   string `json:"symptom_name" validate:"required,min=2"`
	IsRedFlag     bool   `json:"is_red_flag"`
	Severity      string `json:"severity,omitempty" validate:"omitempty,oneof=mild moderate severe"`
	DurationHours *int   `json:"duration_hours,omitempty" validate:"omitempty,gte=0"`
}

// Patient is the demographic snapshot attached to a case. It is captured once
// per assessment and never mutated.
type Patient struct {
	Name     string             `json:"name" validate:"required,min=2,max=200"`
	Age      int                `json:"age" validate:"gte=0,lte=150"`
	Sex      Sex                `json:"sex" validate:"required,oneof=male female other"`
	Village  string             `json:"village,omitempty"`
	District string             `json:"district,omitempty"`
	Flags    VulnerabilityFlags `json:"vulnerability_flags"`
}

// Intake is the full analyze payload: one demographic snapshot, one vitals
// snapshot, the current drug list and reported symptoms.
type Intake struct {
	Patient        Patient      `json:"patient" validate:"required"`
	Vitals         Vitals       `json:"vitals" validate:"required"`
	Medications    []Medication `json:"medications" validate:"dive"`
	Symptoms       []Symptom    `json:"symptoms" validate:"dive"`
	ChiefComplaint string       `json:"chief_complaint" validate:"required,min=3,max=2000"`
}

// RuleResult is the guardrail verdict. A critical result overrides the model
// in the aggregator.
type RuleResult struct {
	Triggered  bool      `json:"triggered"`
	Level      RiskLevel `json:"risk_level"`
	Reasons    []string  `json:"reasons"`
	OverrideML bool      `json:"override_ml"`
}

// Attribution is a single per-feature contribution explaining one prediction.
type Attribution struct {
	Feature      string  `json:"feature"`
	Value        float64 `json:"value"`
	Contribution float64 `json:"shap_value"`
	Label        string  `json:"label"`
}

// ModelResult is the calibrated probability plus its explanation.
type ModelResult struct {
	RiskProbability float64       `json:"risk_probability"`
	RiskLevel       RiskLevel     `json:"risk_level"`
	TopFeatures     []Attribution `json:"shap_features"`
	Summary         string        `json:"shap_text"`
	Version         string        `json:"model_version"`
}

// Medication warning types and severities.
const (
	WarnDrugDrug      = "ddi"
	WarnDrugCondition = "drug_condition"
	WarnDrugSymptom   = "drug_symptom"

	SeverityMild            = "mild"
	SeverityModerate        = "moderate"
	SeveritySevere          = "severe"
	SeverityContraindicated = "contraindicated"
)

// MedWarning is one detected medication danger pattern.
type MedWarning struct {
	Drug1             string `json:"drug1"`
	Drug2             string `json:"drug2,omitempty"`
	Type              string `json:"warning_type"`
	Severity          string `json:"severity"`
	Message           string `json:"message"`
	ActionRequired    bool   `json:"action_required"`
	OverrideTriggered bool   `json:"override_triggered"`
}

// SBAR is the four-field structured clinical handover.
type SBAR struct {
	Situation      string `json:"situation"`
	Background     string `json:"background"`
	Assessment     string `json:"assessment"`
	Recommendation string `json:"recommendation"`
}

// Assessment is one immutable risk assessment row, the product of a single
// analyze call.
type Assessment struct {
	ID                  string       `json:"assessment_id"`
	CaseID              string       `json:"case_id"`
	Rule                RuleResult   `json:"rule_engine"`
	ML                  *ModelResult `json:"ml_result"`
	MedWarnings         []MedWarning `json:"med_warnings"`
	MedOverride         bool         `json:"med_override_triggered"`
	FinalRiskLevel      RiskLevel    `json:"final_risk_level"`
	FinalRiskScore      float64      `json:"final_risk_score"`
	Recommendation      string       `json:"recommendation"`
	EscalationSuggested bool         `json:"escalation_suggested"`
	ModelVersion        string       `json:"model_version"`
	SBAR                *SBAR        `json:"sbar,omitempty"`
	AssessedAt          time.Time    `json:"assessed_at"`
}

// Advice types a specialist may submit.
const (
	AdviceUrgentReferral = "urgent_referral"
	AdviceObserve2h      = "observe_2h"
	AdviceManageLocally  = "manage_locally"
	AdviceStartIVFluids  = "start_iv_fluids"
	AdviceAdmit          = "admit"
	AdviceCustom         = "custom"
)

// Advice is one append-only specialist advice row; the latest is authoritative.
type Advice struct {
	ID                 string    `json:"advice_id"`
	CaseID             string    `json:"case_id"`
	AssessmentID       string    `json:"risk_assessment_id"`
	SpecialistID       string    `json:"specialist_id"`
	AdviceType         string    `json:"advice_type"`
	Notes              string    `json:"notes,omitempty"`
	MedicationsAdvised []string  `json:"medications_advised"`
	Investigations     []string  `json:"investigations"`
	FollowUpHours      *int      `json:"follow_up_hours,omitempty"`
	SubmittedAt        time.Time `json:"submitted_at"`
}

// AuditRecord is written synchronously, inside the same transaction as the
// state change it describes.
type AuditRecord struct {
	ID        string      `json:"id"`
	UserID    string      `json:"user_id"`
	Action    string      `json:"action"`
	Resource  string      `json:"resource"`
	IP        string      `json:"ip,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	OldValue  interface{} `json:"old_value,omitempty"`
	NewValue  interface{} `json:"new_value,omitempty"`
	At        time.Time   `json:"timestamp"`
}
