package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration loaded from YAML.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Auth       AuthConfig       `yaml:"auth"`
	Guardrail  GuardrailConfig  `yaml:"guardrail"`
	Model      ModelConfig      `yaml:"model"`
	Medication MedicationConfig `yaml:"medication"`
	Decision   DecisionConfig   `yaml:"decision"`
	Escalation EscalationConfig `yaml:"escalation"`
	Handover   HandoverConfig   `yaml:"handover"`
	Bus        BusConfig        `yaml:"bus"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	RateLimitRPS float64       `yaml:"rate_limit_rps"`
	RateBurst    int           `yaml:"rate_burst"`
	PublicURL    string        `yaml:"public_url"`
}

// DatabaseConfig holds Postgres settings. An empty DSN selects the in-memory
// store (development and tests).
type DatabaseConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// RedisConfig holds the optional token-cache settings. An empty address
// disables the cache; the store stays authoritative either way.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuthConfig holds bearer-token verification settings. Session issuance is
// handled elsewhere; this service only verifies.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// GuardrailConfig holds the clinical rule thresholds. Defaults follow the
// published rule table.
type GuardrailConfig struct {
	SpO2Critical      float64 `yaml:"spo2_critical"`
	SBPLowCritical    int     `yaml:"sbp_low_critical"`
	SBPHighCritical   int     `yaml:"sbp_high_critical"`
	RRLowCritical     int     `yaml:"rr_low_critical"`
	RRHighCritical    int     `yaml:"rr_high_critical"`
	HRLowCritical     int     `yaml:"hr_low_critical"`
	HRHighCritical    int     `yaml:"hr_high_critical"`
	TempLowCritical   float64 `yaml:"temp_low_critical"`
	TempHighCritical  float64 `yaml:"temp_high_critical"`
	GCSCritical       int     `yaml:"gcs_critical"`
	PreeclampsiaSBP   int     `yaml:"preeclampsia_sbp"`
	PreeclampsiaDBP   int     `yaml:"preeclampsia_dbp"`
	HRHigh            int     `yaml:"hr_high"`
	SpO2HighBand      float64 `yaml:"spo2_high_band"`
	TempHigh          float64 `yaml:"temp_high"`
	GlucoseSevereHypo int     `yaml:"glucose_severe_hypo"`
	GlucoseSevereHyper int    `yaml:"glucose_severe_hyper"`
	ShockIndexLimit   float64 `yaml:"shock_index_limit"`
	ImmunoFeverTemp   float64 `yaml:"immuno_fever_temp"`
}

// ModelConfig points at the risk model artifact.
type ModelConfig struct {
	ArtifactPath string        `yaml:"artifact_path"`
	Timeout      time.Duration `yaml:"timeout"`
}

// MedicationConfig holds medication engine settings.
type MedicationConfig struct {
	FuzzyThreshold float64       `yaml:"fuzzy_threshold"`
	Timeout        time.Duration `yaml:"timeout"`
}

// DecisionConfig holds the aggregator deadlines.
type DecisionConfig struct {
	CompositeDeadline time.Duration `yaml:"composite_deadline"`
	RuleBudget        time.Duration `yaml:"rule_budget"`
}

// EscalationConfig holds token settings.
type EscalationConfig struct {
	TokenTTL  time.Duration `yaml:"token_ttl"`
	SingleUse bool          `yaml:"single_use"`
}

// HandoverConfig holds the external SBAR text-service settings.
type HandoverConfig struct {
	ServiceURL string        `yaml:"service_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	SubscriberBuffer int           `yaml:"subscriber_buffer"`
	PingInterval     time.Duration `yaml:"ping_interval"`
}

// Load reads and validates a YAML config file, filling defaults first.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Defaults returns the built-in configuration (testing and fallback).
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
			RateLimitRPS: 25,
			RateBurst:    50,
			PublicURL:    "http://localhost:8080",
		},
		Database: DatabaseConfig{
			MaxOpenConns: 16,
			MaxIdleConns: 4,
			QueryTimeout: 3 * time.Second,
		},
		Guardrail: GuardrailConfig{
			SpO2Critical:       90.0,
			SBPLowCritical:     90,
			SBPHighCritical:    220,
			RRLowCritical:      8,
			RRHighCritical:     30,
			HRLowCritical:      40,
			HRHighCritical:     130,
			TempLowCritical:    35.0,
			TempHighCritical:   39.5,
			GCSCritical:        13,
			PreeclampsiaSBP:    140,
			PreeclampsiaDBP:    90,
			HRHigh:             120,
			SpO2HighBand:       94.0,
			TempHigh:           38.5,
			GlucoseSevereHypo:  54,
			GlucoseSevereHyper: 400,
			ShockIndexLimit:    1.0,
			ImmunoFeverTemp:    38.0,
		},
		Model: ModelConfig{
			ArtifactPath: "config/model/risk_artifact.yaml",
			Timeout:      2 * time.Second,
		},
		Medication: MedicationConfig{
			FuzzyThreshold: 0.55,
			Timeout:        1 * time.Second,
		},
		Decision: DecisionConfig{
			CompositeDeadline: 5 * time.Second,
			RuleBudget:        50 * time.Millisecond,
		},
		Escalation: EscalationConfig{
			TokenTTL:  24 * time.Hour,
			SingleUse: false,
		},
		Handover: HandoverConfig{
			Timeout: 5 * time.Second,
		},
		Bus: BusConfig{
			SubscriberBuffer: 32,
			PingInterval:     30 * time.Second,
		},
	}
}

// Validate rejects configurations that would undermine the safety contract.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	g := c.Guardrail
	if g.SpO2Critical <= 50 || g.SpO2Critical > 100 {
		return fmt.Errorf("invalid spo2 critical threshold: %.1f", g.SpO2Critical)
	}
	if g.SBPLowCritical >= g.SBPHighCritical {
		return fmt.Errorf("sbp critical band inverted: %d >= %d", g.SBPLowCritical, g.SBPHighCritical)
	}
	if g.HRLowCritical >= g.HRHighCritical {
		return fmt.Errorf("hr critical band inverted: %d >= %d", g.HRLowCritical, g.HRHighCritical)
	}
	if g.TempLowCritical >= g.TempHighCritical {
		return fmt.Errorf("temperature critical band inverted: %.1f >= %.1f", g.TempLowCritical, g.TempHighCritical)
	}
	if c.Decision.RuleBudget <= 0 || c.Decision.RuleBudget > time.Second {
		return fmt.Errorf("rule budget out of range: %s", c.Decision.RuleBudget)
	}
	if c.Decision.CompositeDeadline < c.Decision.RuleBudget {
		return fmt.Errorf("composite deadline %s shorter than rule budget %s",
			c.Decision.CompositeDeadline, c.Decision.RuleBudget)
	}
	if c.Escalation.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive: %s", c.Escalation.TokenTTL)
	}
	if c.Medication.FuzzyThreshold <= 0 || c.Medication.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy threshold out of range: %.2f", c.Medication.FuzzyThreshold)
	}
	if c.Bus.SubscriberBuffer < 1 {
		return fmt.Errorf("subscriber buffer must be at least 1: %d", c.Bus.SubscriberBuffer)
	}
	return nil
}
