// Package decision assembles evidence-based recommendations from pluggable
// guideline modules. The facade computes nothing clinical itself: it merges
// partial decisions under fixed, deterministic rules.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/carebridge/woundwatch/pkg/apperr"
	"github.com/carebridge/woundwatch/pkg/config"
	"github.com/carebridge/woundwatch/pkg/models"
)

// Input is what the guideline modules evaluate: a detection result plus the
// de-identified patient projection.
type Input struct {
	Detection  models.Detection
	Projection models.TokenizedProjection
}

// Partial is one module's contribution to the merged decision.
type Partial struct {
	Urgency          models.Urgency
	EvidenceLevel    models.EvidenceLevel
	Recommendations  []models.Recommendation
	References       []models.Reference
	Confidence       float64
	FollowUpInterval string
	Justification    string
}

// GuidelineModule evaluates one clinical guideline against an input.
// Modules are pure: no I/O, no clock reads, deterministic output.
type GuidelineModule interface {
	Name() string
	Evaluate(ctx context.Context, in Input) (*Partial, error)
}

// Facade merges module outputs into a MedicalDecision.
type Facade struct {
	modules []GuidelineModule
	cfg     config.MedicalConfig
	logger  *slog.Logger
	now     func() time.Time
}

// NewFacade creates the decision facade over an ordered module list. Module
// order fixes the first-seen order of merged recommendations.
func NewFacade(cfg config.MedicalConfig, logger *slog.Logger, modules ...GuidelineModule) *Facade {
	return &Facade{
		modules: modules,
		cfg:     cfg,
		logger:  logger.With("component", "decision"),
		now:     time.Now,
	}
}

// Decide evaluates every module and merges the partials. Merge rules:
// highest urgency wins; recommendations union in first-seen order; evidence
// level is the worst across contributors; any module below the confidence
// threshold forces escalation regardless of urgency.
// Extra modules (typically a PrecomputedModule carrying the clinical-AI
// assessment) merge after the configured ones.
func (f *Facade) Decide(ctx context.Context, in Input, extra ...GuidelineModule) (*models.MedicalDecision, error) {
	modules := append(append([]GuidelineModule{}, f.modules...), extra...)
	if len(modules) == 0 {
		return nil, apperr.New(apperr.KindNonRetryable, "no guideline modules configured")
	}

	d := &models.MedicalDecision{
		DecisionID:    "dec_" + uuid.NewString(),
		TokenID:       in.Detection.TokenID,
		SessionID:     in.Detection.SessionID,
		UrgencyLevel:  models.UrgencyRoutine,
		EvidenceLevel: models.EvidenceA,
		CreatedAt:     f.now().UTC(),
	}

	seenRec := map[string]bool{}
	seenRef := map[string]bool{}

	for _, mod := range modules {
		partial, err := mod.Evaluate(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("guideline module %s: %w", mod.Name(), err)
		}
		if partial == nil {
			continue
		}

		d.UrgencyLevel = models.HigherUrgency(d.UrgencyLevel, partial.Urgency)
		d.EvidenceLevel = models.WorseEvidence(d.EvidenceLevel, partial.EvidenceLevel)

		for _, rec := range partial.Recommendations {
			if !seenRec[rec.Code] {
				seenRec[rec.Code] = true
				d.Recommendations = append(d.Recommendations, rec)
			}
		}
		for _, ref := range partial.References {
			key := ref.Source + "|" + ref.Section
			if !seenRef[key] {
				seenRef[key] = true
				d.References = append(d.References, ref)
			}
		}

		if partial.Confidence < f.cfg.ConfidenceEscalationThreshold {
			d.EscalationRequired = true
			d.LowConfidence = true
			f.logger.WarnContext(ctx, "Guideline module below confidence threshold",
				"module", mod.Name(), "confidence", partial.Confidence,
				"threshold", f.cfg.ConfidenceEscalationThreshold)
		}

		// Shortest follow-up interval wins; modules express it as a coded
		// string ordered by the interval table below.
		if partial.FollowUpInterval != "" && followUpSooner(partial.FollowUpInterval, d.FollowUpInterval) {
			d.FollowUpInterval = partial.FollowUpInterval
		}
		if partial.Justification != "" {
			if d.Justification != "" {
				d.Justification += " "
			}
			d.Justification += partial.Justification
		}
	}

	if d.UrgencyLevel == models.UrgencyEmergency {
		d.EscalationRequired = true
	}
	return d, nil
}

// PrecomputedModule wraps an externally produced partial, letting the
// decision-stage executor merge the clinical-AI assessment through the same
// rules as the pure guideline modules.
type PrecomputedModule struct {
	ModuleName string
	Result     *Partial
}

// Name implements GuidelineModule.
func (m PrecomputedModule) Name() string { return m.ModuleName }

// Evaluate implements GuidelineModule.
func (m PrecomputedModule) Evaluate(context.Context, Input) (*Partial, error) {
	return m.Result, nil
}

// Follow-up interval codes, soonest first.
var followUpOrder = map[string]int{
	"immediate": 0,
	"24h":       1,
	"48h":       2,
	"72h":       3,
	"1w":        4,
	"2w":        5,
}

func followUpSooner(candidate, current string) bool {
	if current == "" {
		return true
	}
	c, okC := followUpOrder[candidate]
	cur, okCur := followUpOrder[current]
	return okC && okCur && c < cur
}
