package decision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/woundwatch/pkg/models"
)

func TestGradingModule_PerGrade(t *testing.T) {
	cases := []struct {
		grade    int
		urgency  models.Urgency
		followUp string
	}{
		{0, models.UrgencyRoutine, "2w"},
		{1, models.UrgencyRoutine, "1w"},
		{2, models.UrgencyUrgent, "72h"},
		{3, models.UrgencyEmergency, "24h"},
		{4, models.UrgencyEmergency, "immediate"},
	}

	for _, tc := range cases {
		p, err := GradingModule{}.Evaluate(context.Background(), testInput(tc.grade, 0.9))
		require.NoError(t, err, "grade %d", tc.grade)
		assert.Equal(t, tc.urgency, p.Urgency, "grade %d", tc.grade)
		assert.Equal(t, tc.followUp, p.FollowUpInterval, "grade %d", tc.grade)
		assert.NotEmpty(t, p.Recommendations, "grade %d", tc.grade)
		assert.NotEmpty(t, p.References, "grade %d", tc.grade)
	}
}

func TestGradingModule_ConfidencePassesThrough(t *testing.T) {
	p, err := GradingModule{}.Evaluate(context.Background(), testInput(2, 0.55))
	require.NoError(t, err)
	assert.Equal(t, 0.55, p.Confidence)
}

func TestGradingModule_RejectsOutOfRangeGrade(t *testing.T) {
	_, err := GradingModule{}.Evaluate(context.Background(), testInput(5, 0.9))
	assert.Error(t, err)
}

func TestRiskModule_NoFlagsNoRecommendations(t *testing.T) {
	p, err := RiskModule{}.Evaluate(context.Background(), testInput(2, 0.9))
	require.NoError(t, err)
	assert.Empty(t, p.Recommendations)
	assert.Equal(t, 1.0, p.Confidence)
}

func TestRiskModule_FlagsProduceCodedRecommendations(t *testing.T) {
	in := testInput(1, 0.9)
	in.Projection.RiskFactors = map[string]bool{
		"diabetes":     true,
		"incontinence": true,
	}

	p, err := RiskModule{}.Evaluate(context.Background(), in)
	require.NoError(t, err)
	require.Len(t, p.Recommendations, 2)
	// Fixed vocabulary order, not map order.
	assert.Equal(t, "RISK-GLYCEMIC", p.Recommendations[0].Code)
	assert.Equal(t, "RISK-MOISTURE", p.Recommendations[1].Code)
	assert.Equal(t, models.UrgencyRoutine, p.Urgency)
}

func TestRiskModule_HighGradeMultiRiskTightensFollowUp(t *testing.T) {
	in := testInput(3, 0.9)
	in.Projection.RiskFactors = map[string]bool{
		"diabetes":   true,
		"immobility": true,
	}

	p, err := RiskModule{}.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.UrgencyUrgent, p.Urgency)
	assert.Equal(t, "24h", p.FollowUpInterval)
}

func TestRiskModule_SingleRiskHighGradeStaysRoutine(t *testing.T) {
	in := testInput(3, 0.9)
	in.Projection.RiskFactors = map[string]bool{"diabetes": true}

	p, err := RiskModule{}.Evaluate(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.UrgencyRoutine, p.Urgency)
	assert.Empty(t, p.FollowUpInterval)
}
