package decision

import (
	"context"
	"fmt"

	"github.com/carebridge/woundwatch/pkg/models"
)

// GradingModule maps a pressure-injury grade to staged care recommendations
// following international guideline staging.
type GradingModule struct{}

// Name implements GuidelineModule.
func (GradingModule) Name() string { return "grading" }

type gradeRule struct {
	urgency  models.Urgency
	evidence models.EvidenceLevel
	followUp string
	recs     []models.Recommendation
}

var gradeRules = map[int]gradeRule{
	0: {
		urgency:  models.UrgencyRoutine,
		evidence: models.EvidenceA,
		followUp: "2w",
		recs: []models.Recommendation{
			{Code: "PREV-REPOSITION", Text: "Reposition at least every 2 hours"},
			{Code: "PREV-SKIN-CHECK", Text: "Daily skin integrity check over bony prominences"},
		},
	},
	1: {
		urgency:  models.UrgencyRoutine,
		evidence: models.EvidenceA,
		followUp: "1w",
		recs: []models.Recommendation{
			{Code: "ST1-OFFLOAD", Text: "Offload pressure from affected area"},
			{Code: "ST1-BARRIER", Text: "Apply protective barrier film"},
			{Code: "PREV-REPOSITION", Text: "Reposition at least every 2 hours"},
		},
	},
	2: {
		urgency:  models.UrgencyUrgent,
		evidence: models.EvidenceA,
		followUp: "72h",
		recs: []models.Recommendation{
			{Code: "ST2-DRESSING", Text: "Apply moist wound healing dressing"},
			{Code: "ST2-OFFLOAD", Text: "Strict pressure offloading of affected area"},
			{Code: "ST2-DOCUMENT", Text: "Document wound dimensions and exudate"},
		},
	},
	3: {
		urgency:  models.UrgencyEmergency,
		evidence: models.EvidenceA,
		followUp: "24h",
		recs: []models.Recommendation{
			{Code: "ST3-WOUND-CARE", Text: "Specialist wound care referral"},
			{Code: "ST3-DEBRIDE-EVAL", Text: "Evaluate need for debridement"},
			{Code: "ST3-NUTRITION", Text: "Nutritional assessment and protein supplementation"},
		},
	},
	4: {
		urgency:  models.UrgencyEmergency,
		evidence: models.EvidenceB,
		followUp: "immediate",
		recs: []models.Recommendation{
			{Code: "ST4-SURGICAL", Text: "Urgent surgical consultation"},
			{Code: "ST4-INFECTION", Text: "Assess for osteomyelitis and systemic infection"},
			{Code: "ST4-PAIN", Text: "Structured pain management plan"},
		},
	},
}

// Evaluate implements GuidelineModule.
func (GradingModule) Evaluate(_ context.Context, in Input) (*Partial, error) {
	rule, ok := gradeRules[in.Detection.Grade]
	if !ok {
		return nil, fmt.Errorf("grade %d outside supported range", in.Detection.Grade)
	}
	return &Partial{
		Urgency:          rule.urgency,
		EvidenceLevel:    rule.evidence,
		Recommendations:  rule.recs,
		References:       []models.Reference{{Source: "EPUAP/NPIAP/PPPIA 2019", Section: fmt.Sprintf("Stage %d", in.Detection.Grade)}},
		Confidence:       in.Detection.Confidence,
		FollowUpInterval: rule.followUp,
		Justification: fmt.Sprintf("Detected grade %d at %s (confidence %.2f).",
			in.Detection.Grade, in.Detection.AnatomicalLocation, in.Detection.Confidence),
	}, nil
}

// RiskModule adds prevention recommendations driven by the tokenized
// projection's risk flags.
type RiskModule struct{}

// Name implements GuidelineModule.
func (RiskModule) Name() string { return "risk" }

var riskRecs = map[string]models.Recommendation{
	"diabetes":         {Code: "RISK-GLYCEMIC", Text: "Optimize glycemic control to support wound healing"},
	"immobility":       {Code: "RISK-SUPPORT-SURFACE", Text: "Provide pressure-redistributing support surface"},
	"malnutrition":     {Code: "RISK-DIETITIAN", Text: "Dietitian referral for wound-healing nutrition plan"},
	"incontinence":     {Code: "RISK-MOISTURE", Text: "Moisture management and barrier protection"},
	"vascular_disease": {Code: "RISK-PERFUSION", Text: "Assess peripheral perfusion at wound site"},
}

// Evaluate implements GuidelineModule.
func (RiskModule) Evaluate(_ context.Context, in Input) (*Partial, error) {
	p := &Partial{
		Urgency:       models.UrgencyRoutine,
		EvidenceLevel: models.EvidenceA,
		// Risk flags are deterministic facts from the projection, not an
		// inference: full confidence, never an escalation trigger.
		Confidence: 1.0,
	}

	// Iterate the fixed vocabulary, not the map, for deterministic order.
	for _, flag := range []string{"diabetes", "immobility", "malnutrition", "incontinence", "vascular_disease"} {
		if in.Projection.RiskFactors[flag] {
			p.Recommendations = append(p.Recommendations, riskRecs[flag])
		}
	}
	if len(p.Recommendations) == 0 {
		return p, nil
	}

	p.References = []models.Reference{{Source: "EPUAP/NPIAP/PPPIA 2019", Section: "Risk Factor Management"}}

	// High-grade wounds in high-risk patients heal poorly; tighten follow-up.
	if in.Detection.Grade >= 3 && len(p.Recommendations) >= 2 {
		p.Urgency = models.UrgencyUrgent
		p.FollowUpInterval = "24h"
		p.Justification = fmt.Sprintf("%d active risk factors with grade %d wound.",
			len(p.Recommendations), in.Detection.Grade)
	}
	return p, nil
}
