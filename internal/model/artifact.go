package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Artifact is the trained calibration loaded once at startup. It holds the
// logistic intercept and the per-signal coefficients; the functional form
// lives in predictor.go. Training happens elsewhere — this service only
// consumes the file.
type Artifact struct {
	Version      string             `yaml:"version"`
	Intercept    float64            `yaml:"intercept"`
	Coefficients map[string]float64 `yaml:"coefficients"`
}

// requiredCoefficients must all be present for the artifact to be usable.
var requiredCoefficients = []string{
	"spo2_deficit", "sbp_low", "sbp_high", "hr_excess", "rr_excess",
	"temp_dev", "bg_high", "bg_low", "age", "pregnant", "diabetic",
	"heart_disease", "immunocompromised", "shock_index", "chest_pain",
	"altered_consciousness", "breathing_difficulty", "severe_headache",
	"bleeding", "red_flag",
}

// LoadArtifact reads and validates a model artifact file.
func LoadArtifact(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model artifact %s: %w", path, err)
	}

	var a Artifact
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("failed to parse model artifact: %w", err)
	}
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("invalid model artifact %s: %w", path, err)
	}
	return &a, nil
}

func (a *Artifact) validate() error {
	if a.Version == "" {
		return fmt.Errorf("artifact version missing")
	}
	for _, name := range requiredCoefficients {
		if _, ok := a.Coefficients[name]; !ok {
			return fmt.Errorf("coefficient %q missing", name)
		}
	}
	return nil
}

func (a *Artifact) coef(name string) float64 {
	return a.Coefficients[name]
}
