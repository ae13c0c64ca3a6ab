package models

// Urgency is the clinical urgency of a session.
type Urgency string

// Urgency levels, lowest to highest.
const (
	UrgencyRoutine   Urgency = "routine"
	UrgencyUrgent    Urgency = "urgent"
	UrgencyEmergency Urgency = "emergency"
)

// urgencyRank orders urgencies; higher rank is more urgent.
var urgencyRank = map[Urgency]int{
	UrgencyRoutine:   0,
	UrgencyUrgent:    1,
	UrgencyEmergency: 2,
}

// HigherUrgency returns the more urgent of two levels. Merged decisions
// always carry the maximum urgency across modules.
func HigherUrgency(a, b Urgency) Urgency {
	if urgencyRank[b] > urgencyRank[a] {
		return b
	}
	return a
}

// Route is where triage sends a session.
type Route string

// Triage routes.
const (
	RouteClinicalProcessing Route = "clinical_processing"
	RouteHumanReview        Route = "human_review"
	RouteReject             Route = "reject"
)

// TriageDecision is the deterministic output of the triage engine for one
// input. ReasonCodes name the rules that fired, in evaluation order.
type TriageDecision struct {
	Urgency     Urgency  `json:"urgency"`
	Route       Route    `json:"route"`
	ReasonCodes []string `json:"reason_codes"`
}
