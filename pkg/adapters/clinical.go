package adapters

import (
	"context"
	"net/http"

	"github.com/sony/gobreaker"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/models"
)

// ClinicalClient calls the clinical-AI inference engine. It contributes an
// advisory second opinion; the decision facade merges it with the rule-based
// guideline modules.
type ClinicalClient struct {
	baseURL string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClinicalClient creates the clinical-AI adapter.
func NewClinicalClient(cfg config.AdaptersConfig) *ClinicalClient {
	return &ClinicalClient{
		baseURL: cfg.ClinicalURL,
		http:    &http.Client{Timeout: cfg.CallTimeout()},
		breaker: newBreaker("clinical"),
	}
}

type clinicalRequest struct {
	TokenID    string                    `json:"token_id"`
	Detection  models.Detection          `json:"detection"`
	Projection models.TokenizedProjection `json:"projection"`
}

// ClinicalAssessment is the engine's advisory output.
type ClinicalAssessment struct {
	Urgency          models.Urgency          `json:"urgency"`
	Confidence       float64                 `json:"confidence"`
	Recommendations  []models.Recommendation `json:"recommendations"`
	References       []models.Reference      `json:"references"`
	Justification    string                  `json:"justification"`
	FollowUpInterval string                  `json:"follow_up_interval"`
}

// Assess asks the engine for an assessment of a detection in the context of
// the de-identified projection.
func (c *ClinicalClient) Assess(ctx context.Context, detection models.Detection, projection models.TokenizedProjection) (*ClinicalAssessment, error) {
	var resp ClinicalAssessment
	_, err := c.breaker.Execute(func() (any, error) {
		return nil, doJSON(ctx, c.http, c.baseURL+"/v1/assess", clinicalRequest{
			TokenID:    detection.TokenID,
			Detection:  detection,
			Projection: projection,
		}, &resp)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, apperr.Wrap(apperr.KindTransient, "clinical circuit open", err)
	}
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
