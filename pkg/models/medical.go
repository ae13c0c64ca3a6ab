package models

import "time"

// EvidenceLevel grades the strength of the guideline evidence behind a
// recommendation, A (strongest) through C.
type EvidenceLevel string

// Evidence levels.
const (
	EvidenceA EvidenceLevel = "A"
	EvidenceB EvidenceLevel = "B"
	EvidenceC EvidenceLevel = "C"
)

// evidenceRank orders evidence levels; lower rank is stronger.
var evidenceRank = map[EvidenceLevel]int{
	EvidenceA: 0,
	EvidenceB: 1,
	EvidenceC: 2,
}

// WorseEvidence returns the weaker (worse) of two evidence levels.
// The merged decision carries the minimum evidence across modules.
func WorseEvidence(a, b EvidenceLevel) EvidenceLevel {
	if evidenceRank[b] > evidenceRank[a] {
		return b
	}
	return a
}

// TokenizedProjection is the minimal de-identified view of a patient that
// the processing zone is allowed to see.
type TokenizedProjection struct {
	TokenID        string          `json:"token_id"`
	PatientAlias   string          `json:"patient_alias"`
	AgeRange       string          `json:"age_range"`
	GenderCategory string          `json:"gender_category"`
	RiskFactors    map[string]bool `json:"risk_factors"`
}

// Detection is the output of the computer-vision detector for one image.
type Detection struct {
	DetectionID        string    `json:"detection_id"`
	TokenID            string    `json:"token_id"`
	SessionID          string    `json:"session_id"`
	ImageID            string    `json:"image_id"`
	Grade              int       `json:"grade"` // 0–4 per the clinical grading scale
	Confidence         float64   `json:"confidence"`
	AnatomicalLocation string    `json:"anatomical_location"`
	ModelVersion       string    `json:"model_version,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// Recommendation is one coded clinical action.
type Recommendation struct {
	Code string `json:"code"`
	Text string `json:"text"`
}

// Reference is an external guideline citation backing a recommendation.
type Reference struct {
	Source  string `json:"source"`
	Section string `json:"section,omitempty"`
}

// MedicalDecision is the evidence-based output of the decision engine.
// References only token_id, never a hospital identity. LowConfidence is set
// when a contributing module fell below the configured confidence threshold;
// it drives the low-confidence audit entry on the decision stage.
type MedicalDecision struct {
	DecisionID         string           `json:"decision_id"`
	TokenID            string           `json:"token_id"`
	SessionID          string           `json:"session_id"`
	UrgencyLevel       Urgency          `json:"urgency_level"`
	EvidenceLevel      EvidenceLevel    `json:"evidence_level"`
	Recommendations    []Recommendation `json:"recommendations"`
	References         []Reference      `json:"references"`
	EscalationRequired bool             `json:"escalation_required"`
	LowConfidence      bool             `json:"low_confidence,omitempty"`
	FollowUpInterval   string           `json:"follow_up_interval,omitempty"`
	Justification      string           `json:"justification_text,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
}

// NotificationRequest is handed to the outbound notification adapter.
// Templates reference the token alias only; the adapter must never receive
// hospital identity fields.
type NotificationRequest struct {
	SessionID         string            `json:"session_id"`
	TokenID           string            `json:"token_id"`
	Urgency           Urgency           `json:"urgency"`
	MessageTemplateID string            `json:"message_template_id"`
	TemplateParams    map[string]string `json:"template_params,omitempty"`
}
