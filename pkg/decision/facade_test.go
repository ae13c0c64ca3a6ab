package decision

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/models"
)

func testFacade(modules ...GuidelineModule) *Facade {
	return NewFacade(config.MedicalConfig{ConfidenceEscalationThreshold: 0.7},
		slog.Default(), modules...)
}

func testInput(grade int, confidence float64) Input {
	return Input{
		Detection: models.Detection{
			DetectionID:        "det_1",
			TokenID:            "tok_1",
			SessionID:          "sess_1",
			Grade:              grade,
			Confidence:         confidence,
			AnatomicalLocation: "sacrum",
		},
		Projection: models.TokenizedProjection{
			TokenID:      "tok_1",
			PatientAlias: "PATIENT_AMBER_FALCON_07",
		},
	}
}

func partialModule(name string, p *Partial) GuidelineModule {
	return PrecomputedModule{ModuleName: name, Result: p}
}

func TestDecide_HighestUrgencyWins(t *testing.T) {
	f := testFacade(
		partialModule("a", &Partial{Urgency: models.UrgencyRoutine, EvidenceLevel: models.EvidenceA, Confidence: 0.9}),
		partialModule("b", &Partial{Urgency: models.UrgencyUrgent, EvidenceLevel: models.EvidenceA, Confidence: 0.9}),
		partialModule("c", &Partial{Urgency: models.UrgencyRoutine, EvidenceLevel: models.EvidenceA, Confidence: 0.9}),
	)

	d, err := f.Decide(context.Background(), testInput(2, 0.9))
	require.NoError(t, err)
	assert.Equal(t, models.UrgencyUrgent, d.UrgencyLevel)
	assert.False(t, d.EscalationRequired)
}

func TestDecide_EvidenceLevelIsWorstAcrossModules(t *testing.T) {
	f := testFacade(
		partialModule("a", &Partial{Urgency: models.UrgencyRoutine, EvidenceLevel: models.EvidenceA, Confidence: 0.9}),
		partialModule("b", &Partial{Urgency: models.UrgencyRoutine, EvidenceLevel: models.EvidenceC, Confidence: 0.9}),
	)

	d, err := f.Decide(context.Background(), testInput(1, 0.9))
	require.NoError(t, err)
	assert.Equal(t, models.EvidenceC, d.EvidenceLevel)
}

func TestDecide_RecommendationsUnionFirstSeen(t *testing.T) {
	f := testFacade(
		partialModule("a", &Partial{
			EvidenceLevel: models.EvidenceA, Confidence: 0.9,
			Recommendations: []models.Recommendation{
				{Code: "R1", Text: "first wording"},
				{Code: "R2", Text: "second"},
			},
		}),
		partialModule("b", &Partial{
			EvidenceLevel: models.EvidenceA, Confidence: 0.9,
			Recommendations: []models.Recommendation{
				{Code: "R1", Text: "later wording loses"},
				{Code: "R3", Text: "third"},
			},
		}),
	)

	d, err := f.Decide(context.Background(), testInput(1, 0.9))
	require.NoError(t, err)
	require.Len(t, d.Recommendations, 3)
	assert.Equal(t, "R1", d.Recommendations[0].Code)
	assert.Equal(t, "first wording", d.Recommendations[0].Text)
	assert.Equal(t, "R2", d.Recommendations[1].Code)
	assert.Equal(t, "R3", d.Recommendations[2].Code)
}

func TestDecide_LowConfidenceForcesEscalation(t *testing.T) {
	f := testFacade(
		partialModule("a", &Partial{Urgency: models.UrgencyRoutine, EvidenceLevel: models.EvidenceA, Confidence: 0.95}),
		partialModule("b", &Partial{Urgency: models.UrgencyRoutine, EvidenceLevel: models.EvidenceA, Confidence: 0.4}),
	)

	d, err := f.Decide(context.Background(), testInput(1, 0.9))
	require.NoError(t, err)
	assert.True(t, d.EscalationRequired)
	assert.True(t, d.LowConfidence)
	// Urgency itself is untouched by confidence.
	assert.Equal(t, models.UrgencyRoutine, d.UrgencyLevel)
}

func TestDecide_HighGradeImageIsEmergency(t *testing.T) {
	f := testFacade(GradingModule{}, RiskModule{})

	in := testInput(3, 0.88)
	in.Projection.RiskFactors = map[string]bool{"diabetes": true}

	d, err := f.Decide(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, models.UrgencyEmergency, d.UrgencyLevel)
	assert.Equal(t, models.EvidenceA, d.EvidenceLevel)
	assert.True(t, d.EscalationRequired)
	assert.False(t, d.LowConfidence)
	assert.Equal(t, "24h", d.FollowUpInterval)
}

func TestDecide_LowConfidenceGradeTwoEscalates(t *testing.T) {
	f := testFacade(GradingModule{}, RiskModule{})

	d, err := f.Decide(context.Background(), testInput(2, 0.42))
	require.NoError(t, err)
	assert.Equal(t, models.UrgencyUrgent, d.UrgencyLevel)
	assert.True(t, d.EscalationRequired)
	assert.True(t, d.LowConfidence)
}

func TestDecide_EmergencyAlwaysEscalates(t *testing.T) {
	f := testFacade(
		partialModule("a", &Partial{Urgency: models.UrgencyEmergency, EvidenceLevel: models.EvidenceB, Confidence: 0.99}),
	)

	d, err := f.Decide(context.Background(), testInput(4, 0.99))
	require.NoError(t, err)
	assert.True(t, d.EscalationRequired)
}

func TestDecide_ShortestFollowUpWins(t *testing.T) {
	f := testFacade(
		partialModule("a", &Partial{EvidenceLevel: models.EvidenceA, Confidence: 0.9, FollowUpInterval: "1w"}),
		partialModule("b", &Partial{EvidenceLevel: models.EvidenceA, Confidence: 0.9, FollowUpInterval: "24h"}),
		partialModule("c", &Partial{EvidenceLevel: models.EvidenceA, Confidence: 0.9, FollowUpInterval: "72h"}),
	)

	d, err := f.Decide(context.Background(), testInput(2, 0.9))
	require.NoError(t, err)
	assert.Equal(t, "24h", d.FollowUpInterval)
}

func TestDecide_ExtraModuleMergesAfterConfigured(t *testing.T) {
	f := testFacade(
		partialModule("grading", &Partial{
			EvidenceLevel: models.EvidenceA, Confidence: 0.9,
			Recommendations: []models.Recommendation{{Code: "R1", Text: "from grading"}},
		}),
	)

	clinical := partialModule("clinical_ai", &Partial{
		Urgency: models.UrgencyUrgent, EvidenceLevel: models.EvidenceC, Confidence: 0.9,
		Recommendations: []models.Recommendation{{Code: "R9", Text: "from clinical ai"}},
	})

	d, err := f.Decide(context.Background(), testInput(2, 0.9), clinical)
	require.NoError(t, err)
	assert.Equal(t, models.UrgencyUrgent, d.UrgencyLevel)
	assert.Equal(t, models.EvidenceC, d.EvidenceLevel)
	require.Len(t, d.Recommendations, 2)
	assert.Equal(t, "R1", d.Recommendations[0].Code)
}

func TestDecide_ModuleErrorFailsDecision(t *testing.T) {
	failing := moduleFunc{name: "broken", err: errors.New("guideline table corrupt")}
	f := testFacade(failing)

	_, err := f.Decide(context.Background(), testInput(1, 0.9))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestDecide_NoModulesIsNonRetryable(t *testing.T) {
	f := testFacade()
	_, err := f.Decide(context.Background(), testInput(1, 0.9))
	require.Error(t, err)
}

type moduleFunc struct {
	name string
	err  error
}

func (m moduleFunc) Name() string { return m.name }

func (m moduleFunc) Evaluate(context.Context, Input) (*Partial, error) {
	return nil, m.err
}
