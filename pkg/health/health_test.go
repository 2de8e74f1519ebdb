package health_test

import (
	"slices"
	"testing"

	"github.com/dialoghealth/dialog/pkg/health"
)

func TestParseLogType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    health.LogType
		wantErr bool
	}{
		{in: "glucose", want: health.LogGlucose},
		{in: "  Meal ", want: health.LogMeal},
		{in: "INSULIN", want: health.LogInsulin},
		{in: "exercise", want: health.LogExercise},
		{in: "mood", want: health.LogMood},
		{in: "Medicine", want: health.LogMedicine},
		{in: "sugar", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.in, func(t *testing.T) {
			t.Parallel()
			got, err := health.ParseLogType(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseLogType(%q) = %q, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseLogType(%q): %v", tc.in, err)
			}
			if got != tc.want {
				t.Errorf("ParseLogType(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseReminderType(t *testing.T) {
	t.Parallel()

	if got, err := health.ParseReminderType("medicine"); err != nil || got != health.ReminderMedicine {
		t.Errorf("ParseReminderType(medicine) = %q, %v", got, err)
	}
	if got, err := health.ParseReminderType("Insulin"); err != nil || got != health.ReminderInsulin {
		t.Errorf("ParseReminderType(Insulin) = %q, %v", got, err)
	}
	if _, err := health.ParseReminderType("glucose"); err == nil {
		t.Error("ParseReminderType(glucose) should fail")
	}
}

func TestValidClock(t *testing.T) {
	t.Parallel()

	valid := []string{"00:00", "09:00", "21:00", "23:59", "12:30"}
	invalid := []string{"25:99", "9pm", "9:00", "24:00", "12:60", "", "21:00:00", " 21:00"}

	for _, s := range valid {
		if !health.ValidClock(s) {
			t.Errorf("ValidClock(%q) = false, want true", s)
		}
	}
	for _, s := range invalid {
		if health.ValidClock(s) {
			t.Errorf("ValidClock(%q) = true, want false", s)
		}
	}
}

func TestProfile_Purposes(t *testing.T) {
	t.Parallel()

	var p health.Profile
	if got := p.Purposes(health.LogGlucose); !slices.Equal(got, []health.ProcessingPurpose{health.PurposeHealthMonitoring}) {
		t.Errorf("glucose purposes = %v", got)
	}
	if got := p.Purposes(health.LogInsulin); !slices.Contains(got, health.PurposeAdherenceTracking) {
		t.Errorf("insulin purposes = %v, want adherence tracking", got)
	}

	p.Consents.AIAnalysis = true
	if got := p.Purposes(health.LogMeal); !slices.Contains(got, health.PurposeAIInsights) {
		t.Errorf("meal purposes with AI consent = %v, want AI insights", got)
	}
}

func TestProfile_ConsentVersion(t *testing.T) {
	t.Parallel()

	if got := (health.Profile{}).ConsentVersion(); got != health.DefaultConsentVersion {
		t.Errorf("default consent version = %q", got)
	}
	p := health.Profile{Consents: health.Consents{Version: "v2"}}
	if got := p.ConsentVersion(); got != "v2" {
		t.Errorf("consent version = %q, want v2", got)
	}
}

func TestMetadataWireLabels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		got, want string
	}{
		{string(health.SourceManual), "MANUAL_ENTRY"},
		{string(health.SourceVoice), "VOICE_LOGGER"},
		{string(health.PurposeHealthMonitoring), "HEALTH_MONITORING"},
		{string(health.PurposeAdherenceTracking), "ADHERENCE_TRACKING"},
		{string(health.PurposeAIInsights), "AI_INSIGHTS"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("label = %q, want %q", tt.got, tt.want)
		}
	}
}
