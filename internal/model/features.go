package model

import (
	"strings"

	"github.com/carebridge/triage/internal/domain"
)

// Feature vector layout. Index positions are part of the artifact contract
// and must not be reordered.
const (
	fSpO2 = iota
	fSystolicBP
	fDiastolicBP
	fHeartRate
	fRespiratoryRate
	fTemperature
	fBloodGlucose
	fAge
	fSex
	fPregnant
	fDiabetic
	fHeartDisease
	fImmunocompromised
	fBMIProxy
	fShockIndex
	fPulsePressure
	fChestPain
	fAlteredConsciousness
	fBreathingDifficulty
	fSevereHeadache
	fBleeding
	fRedFlagCount
	featureCount
)

// featureNames align with the index constants above.
var featureNames = [featureCount]string{
	"spo2", "systolic_bp", "diastolic_bp", "heart_rate", "respiratory_rate",
	"temperature", "blood_glucose", "age_years", "sex_encoded",
	"is_pregnant", "is_diabetic", "has_heart_disease", "is_immunocompromised",
	"bmi_proxy", "shock_index", "pulse_pressure",
	"has_chest_pain", "has_altered_consciousness", "has_breathing_difficulty",
	"has_severe_headache", "has_bleeding", "red_flag_count",
}

// featureLabels are the clinician-facing names used in attribution output.
var featureLabels = map[string]string{
	"spo2":                      "Oxygen Saturation (SpO2)",
	"systolic_bp":               "Systolic Blood Pressure",
	"diastolic_bp":              "Diastolic Blood Pressure",
	"heart_rate":                "Heart Rate",
	"respiratory_rate":          "Respiratory Rate",
	"temperature":               "Temperature",
	"blood_glucose":             "Blood Glucose",
	"age_years":                 "Patient Age",
	"sex_encoded":               "Sex",
	"is_pregnant":               "Pregnancy",
	"is_diabetic":               "Diabetes",
	"has_heart_disease":         "Heart Disease",
	"is_immunocompromised":      "Immunocompromised",
	"bmi_proxy":                 "Weight Category",
	"shock_index":               "Shock Index (HR/SBP)",
	"pulse_pressure":            "Pulse Pressure",
	"has_chest_pain":            "Chest Pain Symptom",
	"has_altered_consciousness": "Altered Consciousness",
	"has_breathing_difficulty":  "Breathing Difficulty",
	"has_severe_headache":       "Severe Headache",
	"has_bleeding":              "Bleeding Symptom",
	"red_flag_count":            "Number of Red Flag Symptoms",
}

// ExtractFeatures builds the deterministic engineered vector from the intake
// snapshot. Missing optionals take their clinical defaults (glucose 100,
// weight 60).
func ExtractFeatures(v domain.Vitals, age int, sex domain.Sex, flags domain.VulnerabilityFlags, symptoms []domain.Symptom) [featureCount]float64 {
	lower := make([]string, len(symptoms))
	redFlags := 0
	for i, s := range symptoms {
		lower[i] = strings.ToLower(s.SymptomName)
		if s.IsRedFlag {
			redFlags++
		}
	}

	hasSymptom := func(keywords ...string) float64 {
		for _, name := range lower {
			for _, kw := range keywords {
				if strings.Contains(name, kw) {
					return 1.0
				}
			}
		}
		return 0.0
	}

	glucose := 100.0
	if v.BloodGlucoseMgdl != nil {
		glucose = float64(*v.BloodGlucoseMgdl)
	}
	weight := 60.0
	if v.WeightKg != nil {
		weight = *v.WeightKg
	}
	sexEncoded := 1.0
	if sex == domain.SexMale {
		sexEncoded = 0.0
	}

	var f [featureCount]float64
	f[fSpO2] = v.SpO2
	f[fSystolicBP] = float64(v.SystolicBP)
	f[fDiastolicBP] = float64(v.DiastolicBP)
	f[fHeartRate] = float64(v.HeartRate)
	f[fRespiratoryRate] = float64(v.RespiratoryRate)
	f[fTemperature] = v.Temperature
	f[fBloodGlucose] = glucose
	f[fAge] = float64(age)
	f[fSex] = sexEncoded
	f[fPregnant] = boolFeature(flags.Pregnant)
	f[fDiabetic] = boolFeature(flags.Diabetic)
	f[fHeartDisease] = boolFeature(flags.HeartDisease)
	f[fImmunocompromised] = boolFeature(flags.Immunocompromised)
	f[fBMIProxy] = weight / 60.0
	f[fShockIndex] = v.ShockIndex()
	f[fPulsePressure] = float64(v.PulsePressure())
	f[fChestPain] = hasSymptom("chest pain", "chest tightness")
	f[fAlteredConsciousness] = hasSymptom("unconscious", "confused", "confusion", "altered")
	f[fBreathingDifficulty] = hasSymptom("breathing", "breathless", "dyspnoea")
	f[fSevereHeadache] = hasSymptom("headache")
	f[fBleeding] = hasSymptom("bleeding", "hemorrhage", "blood")
	f[fRedFlagCount] = float64(redFlags)
	return f
}

func boolFeature(b bool) float64 {
	if b {
		return 1.0
	}
	return 0.0
}
