package triage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/carebridge/woundwatch/pkg/models"
)

func textPackage(text string) *models.InputPackage {
	return &models.InputPackage{
		ProcessingID: "proc_test",
		InputType:    models.InputTypeText,
		Text:         text,
	}
}

func imagePackage(text string) *models.InputPackage {
	it := models.InputTypeImage
	if text != "" {
		it = models.InputTypeMixed
	}
	return &models.InputPackage{
		ProcessingID: "proc_test",
		InputType:    it,
		Text:         text,
		Media: []models.MediaRef{
			{URL: "https://m/1", ContentType: "image/jpeg", ByteSize: 1024},
		},
	}
}

func TestClassify_TextOnlyIsRoutine(t *testing.T) {
	d := Classify(textPackage("dressing changed, looks ok"), Context{})

	assert.Equal(t, models.UrgencyRoutine, d.Urgency)
	assert.Equal(t, models.RouteClinicalProcessing, d.Route)
	assert.Equal(t, []string{ReasonTextOnly}, d.ReasonCodes)
}

func TestClassify_EmergencyKeyword(t *testing.T) {
	d := Classify(textPackage("there is black tissue around the edge"), Context{})

	assert.Equal(t, models.UrgencyEmergency, d.Urgency)
	assert.Equal(t, models.RouteClinicalProcessing, d.Route)
	assert.Contains(t, d.ReasonCodes, ReasonEmergencyKeyword)
}

func TestClassify_ImageWithPainReport(t *testing.T) {
	d := Classify(imagePackage("me duele mucho"), Context{})

	assert.Equal(t, models.UrgencyEmergency, d.Urgency)
	assert.Contains(t, d.ReasonCodes, ReasonImageWithPainReport)
}

func TestClassify_ImageAloneIsUrgent(t *testing.T) {
	d := Classify(imagePackage(""), Context{})

	assert.Equal(t, models.UrgencyUrgent, d.Urgency)
	assert.Equal(t, models.RouteClinicalProcessing, d.Route)
	assert.Contains(t, d.ReasonCodes, ReasonImagePresent)
}

func TestClassify_RepeatSubmissionWithOpenHighGradeCase(t *testing.T) {
	d := Classify(textPackage("checking in again"), Context{
		RecentSessionCount: 2,
		OpenHighGradeCase:  true,
	})

	assert.Equal(t, models.UrgencyUrgent, d.Urgency)
	assert.Contains(t, d.ReasonCodes, ReasonRepeatSubmission)
}

func TestClassify_RepeatWithoutHighGradeCaseStaysRoutine(t *testing.T) {
	d := Classify(textPackage("checking in again"), Context{
		RecentSessionCount: 3,
		OpenHighGradeCase:  false,
	})

	assert.Equal(t, models.UrgencyRoutine, d.Urgency)
	assert.NotContains(t, d.ReasonCodes, ReasonRepeatSubmission)
}

func TestClassify_HighInputVolume(t *testing.T) {
	d := Classify(textPackage("another update"), Context{
		Session: models.SessionSnapshot{InputCount: 5},
	})

	assert.Equal(t, models.UrgencyUrgent, d.Urgency)
	assert.Contains(t, d.ReasonCodes, ReasonHighInputVolume)
}

func TestClassify_VideoRoutesToHumanReview(t *testing.T) {
	pkg := &models.InputPackage{
		ProcessingID: "proc_test",
		InputType:    models.InputTypeVideo,
		Media: []models.MediaRef{
			{URL: "https://m/2", ContentType: "video/mp4", ByteSize: 4096},
		},
	}
	d := Classify(pkg, Context{})

	assert.Equal(t, models.UrgencyUrgent, d.Urgency)
	assert.Equal(t, models.RouteHumanReview, d.Route)
	assert.Contains(t, d.ReasonCodes, ReasonVideoUnsupported)
}

func TestClassify_EmptyTextFailsSafeToHumanReview(t *testing.T) {
	d := Classify(textPackage("   "), Context{})

	assert.Equal(t, models.UrgencyUrgent, d.Urgency)
	assert.Equal(t, models.RouteHumanReview, d.Route)
	assert.Equal(t, []string{ReasonNoClinicalSignal}, d.ReasonCodes)
}

func TestClassify_UrgencyNeverDowngrades(t *testing.T) {
	// Emergency keyword plus image: image rule must not pull emergency down.
	d := Classify(imagePackage("bleeding badly"), Context{
		Session: models.SessionSnapshot{InputCount: 6},
	})

	assert.Equal(t, models.UrgencyEmergency, d.Urgency)
}

func TestClassify_Deterministic(t *testing.T) {
	pkg := imagePackage("it hurts and there is fever")
	tc := Context{RecentSessionCount: 2, OpenHighGradeCase: true}

	first := Classify(pkg, tc)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, Classify(pkg, tc))
	}
}
