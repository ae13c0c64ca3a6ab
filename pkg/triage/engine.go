// Package triage classifies the urgency of packaged input. The engine is a
// pure function: no identity, no I/O, no clock reads. Given identical inputs
// it always produces the identical decision.
package triage

import (
	"strings"

	"github.com/carebridge/woundwatch/pkg/models"
)

// Reason codes, in rule evaluation order.
const (
	ReasonEmergencyKeyword    = "emergency_keyword"
	ReasonImageWithPainReport = "image_with_pain_report"
	ReasonRepeatSubmission    = "repeat_submission_24h"
	ReasonHighInputVolume     = "high_input_volume"
	ReasonImagePresent        = "image_present"
	ReasonVideoUnsupported    = "video_unsupported"
	ReasonNoClinicalSignal    = "no_clinical_signal"
	ReasonTextOnly            = "text_only"
)

// Context carries the content-agnostic session signals the rules read.
// Callers derive it from stores before invoking the engine so the engine
// itself stays pure.
type Context struct {
	Session models.SessionSnapshot

	// RecentSessionCount is the number of sessions this token opened in the
	// last 24 hours, including the current one.
	RecentSessionCount int

	// OpenHighGradeCase reports a prior detection of grade 3 or 4 for this
	// token that has not been closed out.
	OpenHighGradeCase bool
}

// coded urgency triggers in inbound text. The set is closed: triage matches
// codes, it does not interpret medicine.
var emergencyKeywords = []string{
	"bleeding", "hemorrhage", "black tissue", "necrosis", "necrotic",
	"fever", "sepsis", "exposed bone", "exposed tendon",
}

var painKeywords = []string{
	"pain", "painful", "hurts", "hurting", "dolor", "duele",
}

// Classify produces the triage decision for one input. Rules are evaluated
// in a fixed order; every rule that fires appends its reason code. When no
// rule produces a confident route the engine fails safe: urgent, human
// review.
func Classify(pkg *models.InputPackage, tc Context) models.TriageDecision {
	d := models.TriageDecision{
		Urgency: models.UrgencyRoutine,
		Route:   models.RouteClinicalProcessing,
	}

	text := strings.ToLower(pkg.Text)
	hasImage := false
	hasVideo := false
	for _, m := range pkg.Media {
		if strings.HasPrefix(m.ContentType, "image/") {
			hasImage = true
		}
		if strings.HasPrefix(m.ContentType, "video/") {
			hasVideo = true
		}
	}

	if containsAny(text, emergencyKeywords) {
		d.Urgency = models.UrgencyEmergency
		d.ReasonCodes = append(d.ReasonCodes, ReasonEmergencyKeyword)
	}

	if hasImage && containsAny(text, painKeywords) {
		d.Urgency = models.HigherUrgency(d.Urgency, models.UrgencyEmergency)
		d.ReasonCodes = append(d.ReasonCodes, ReasonImageWithPainReport)
	}

	// Repeat submission while a high-grade case is open signals a worsening
	// wound even without new keywords.
	if tc.RecentSessionCount > 1 && tc.OpenHighGradeCase {
		d.Urgency = models.HigherUrgency(d.Urgency, models.UrgencyUrgent)
		d.ReasonCodes = append(d.ReasonCodes, ReasonRepeatSubmission)
	}

	// Content-agnostic volume signal: many inputs in one session means the
	// reporter keeps adding material, which clinicians read as concern.
	if tc.Session.InputCount >= 5 {
		d.Urgency = models.HigherUrgency(d.Urgency, models.UrgencyUrgent)
		d.ReasonCodes = append(d.ReasonCodes, ReasonHighInputVolume)
	}

	if hasImage {
		d.Urgency = models.HigherUrgency(d.Urgency, models.UrgencyUrgent)
		d.ReasonCodes = append(d.ReasonCodes, ReasonImagePresent)
	}

	// Video cannot be graded by the detection pipeline; a human decides.
	if hasVideo {
		d.Urgency = models.HigherUrgency(d.Urgency, models.UrgencyUrgent)
		d.Route = models.RouteHumanReview
		d.ReasonCodes = append(d.ReasonCodes, ReasonVideoUnsupported)
		return d
	}

	// Text with no clinical signal at all: nothing for the pipeline to do,
	// but a human should glance at it rather than the system guessing.
	if !hasImage && pkg.InputType == models.InputTypeText && len(d.ReasonCodes) == 0 {
		if strings.TrimSpace(text) == "" {
			d.Urgency = models.UrgencyUrgent
			d.Route = models.RouteHumanReview
			d.ReasonCodes = append(d.ReasonCodes, ReasonNoClinicalSignal)
			return d
		}
		d.ReasonCodes = append(d.ReasonCodes, ReasonTextOnly)
	}

	return d
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}
