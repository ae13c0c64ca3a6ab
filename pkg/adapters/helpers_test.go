package adapters

import "github.com/carebridge/woundwatch/pkg/models"

func testDetection() models.Detection {
	return models.Detection{
		DetectionID:        "det_1",
		TokenID:            "tok_1",
		SessionID:          "sess_1",
		ImageID:            "img_1",
		Grade:              2,
		Confidence:         0.9,
		AnatomicalLocation: "heel",
	}
}

func testProjection() models.TokenizedProjection {
	return models.TokenizedProjection{
		TokenID:        "tok_1",
		PatientAlias:   "PATIENT_SILVER_HERON_12",
		AgeRange:       "65-79",
		GenderCategory: "f",
		RiskFactors:    map[string]bool{"diabetes": true},
	}
}
