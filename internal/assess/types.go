package assess

import (
	"fmt"
	"strings"
)

type RiskLevel string

const (
	RiskLow      RiskLevel = "Low"
	RiskMedium   RiskLevel = "Medium"
	RiskHigh     RiskLevel = "High"
	RiskCritical RiskLevel = "Critical"
	RiskUnknown  RiskLevel = "Unknown"
)

// ParseRiskLevel accepts the four concrete levels in any case.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, true
	case "medium":
		return RiskMedium, true
	case "high":
		return RiskHigh, true
	case "critical":
		return RiskCritical, true
	}
	return RiskUnknown, false
}

type Confidence string

const (
	ConfidenceLow    Confidence = "Low"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceHigh   Confidence = "High"
)

func ParseConfidence(s string) (Confidence, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return ConfidenceLow, true
	case "medium":
		return ConfidenceMedium, true
	case "high":
		return ConfidenceHigh, true
	}
	return "", false
}

// Method records which path produced an assessment.
type Method string

const (
	MethodModel Method = "ModelDerived"
	MethodRules Method = "RuleDerived"
	MethodError Method = "Error"
)

// Assessment is the outcome of one risk assessment. Every list is non-empty and Commands always
// holds at least one verification command.
type Assessment struct {
	ExecutiveSummary string     `json:"executive_summary"`
	RiskLevel        RiskLevel  `json:"risk_level"`
	Findings         []string   `json:"key_findings"`
	Recommendations  []string   `json:"recommendations"`
	Commands         []string   `json:"commands"`
	Confidence       Confidence `json:"confidence"`
	Method           Method     `json:"method"`
	// ModelError is set when a model attempt was made and abandoned.
	ModelError string `json:"model_error,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Stage is where a model attempt failed.
type Stage string

const (
	StageRender  Stage = "render"
	StageCall    Stage = "call"
	StageExtract Stage = "extract"
	StageDecode  Stage = "decode"
)

// ModelError describes an abandoned model attempt. It never leaves the assessor as an error;
// it is recorded on the Assessment instead.
type ModelError struct {
	Stage Stage
	Err   error
}

func (e *ModelError) Error() string { return fmt.Sprintf("model %s failed: %v", e.Stage, e.Err) }

func (e *ModelError) Unwrap() error { return e.Err }
