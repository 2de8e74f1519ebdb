package toolcall_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/dialoghealth/dialog/internal/toolcall"
	"github.com/dialoghealth/dialog/pkg/health"
	"github.com/dialoghealth/dialog/pkg/provider/live"
)

func TestDecode_LogData(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args map[string]any
		want health.HealthLogDraft
	}{
		{
			name: "numeric value",
			args: map[string]any{"type": "glucose", "value": float64(145), "unit": "mg/dL"},
			want: health.HealthLogDraft{Type: health.LogGlucose, Value: "145", Unit: "mg/dL"},
		},
		{
			name: "fractional value",
			args: map[string]any{"type": "INSULIN", "value": 5.5, "unit": "units"},
			want: health.HealthLogDraft{Type: health.LogInsulin, Value: "5.5", Unit: "units"},
		},
		{
			name: "json number",
			args: map[string]any{"type": "Exercise", "value": json.Number("30.0"), "unit": "minutes"},
			want: health.HealthLogDraft{Type: health.LogExercise, Value: "30", Unit: "minutes"},
		},
		{
			name: "meal description with notes",
			args: map[string]any{"type": "MEAL", "value": "  two idli and sambar ", "notes": "breakfast"},
			want: health.HealthLogDraft{Type: health.LogMeal, Value: "two idli and sambar", Notes: "breakfast"},
		},
		{
			name: "null unit",
			args: map[string]any{"type": "mood", "value": "good", "unit": nil},
			want: health.HealthLogDraft{Type: health.LogMood, Value: "good"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			inv, err := toolcall.Decode(live.FunctionCall{ID: "c1", Name: "logData", Args: tt.args})
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			ld, ok := inv.(toolcall.LogData)
			if !ok {
				t.Fatalf("Decode returned %T, want LogData", inv)
			}
			if ld.Draft != tt.want {
				t.Errorf("draft = %+v, want %+v", ld.Draft, tt.want)
			}
		})
	}
}

func TestDecode_SetReminder(t *testing.T) {
	t.Parallel()

	inv, err := toolcall.Decode(live.FunctionCall{ID: "c2", Name: "setReminder", Args: map[string]any{
		"time":             "21:00",
		"label":            "Take Metformin",
		"type":             "medicine",
		"doctorName":       "Rao",
		"prescriptionDate": "2026-10-01",
	}})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	sr, ok := inv.(toolcall.SetReminder)
	if !ok {
		t.Fatalf("Decode returned %T, want SetReminder", inv)
	}
	want := health.ReminderDraft{Time: "21:00", Label: "Take Metformin", Type: health.ReminderMedicine}
	if sr.Draft != want {
		t.Errorf("draft = %+v, want %+v", sr.Draft, want)
	}
	if sr.DoctorName != "Rao" || sr.PrescriptionDate != "2026-10-01" {
		t.Errorf("prescription info = %q, %q", sr.DoctorName, sr.PrescriptionDate)
	}
}

func TestDecode_Rejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		call      live.FunctionCall
		wantField string
	}{
		{"unknown tool", live.FunctionCall{Name: "deleteEverything"}, ""},
		{"log missing type", live.FunctionCall{Name: "logData", Args: map[string]any{"value": "145"}}, "type"},
		{"log bad type", live.FunctionCall{Name: "logData", Args: map[string]any{"type": "SLEEP", "value": "8"}}, "type"},
		{"log blank value", live.FunctionCall{Name: "logData", Args: map[string]any{"type": "GLUCOSE", "value": "  "}}, "value"},
		{"log missing value", live.FunctionCall{Name: "logData", Args: map[string]any{"type": "GLUCOSE"}}, "value"},
		{"log object value", live.FunctionCall{Name: "logData", Args: map[string]any{"type": "GLUCOSE", "value": map[string]any{"x": 1}}}, "value"},
		{"reminder out of range", live.FunctionCall{Name: "setReminder", Args: map[string]any{"time": "25:99", "label": "x", "type": "INSULIN"}}, "time"},
		{"reminder 12h clock", live.FunctionCall{Name: "setReminder", Args: map[string]any{"time": "9pm", "label": "x", "type": "INSULIN"}}, "time"},
		{"reminder single digit hour", live.FunctionCall{Name: "setReminder", Args: map[string]any{"time": "9:00", "label": "x", "type": "INSULIN"}}, "time"},
		{"reminder blank label", live.FunctionCall{Name: "setReminder", Args: map[string]any{"time": "09:00", "label": "", "type": "INSULIN"}}, "label"},
		{"reminder bad type", live.FunctionCall{Name: "setReminder", Args: map[string]any{"time": "09:00", "label": "x", "type": "GLUCOSE"}}, "type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := toolcall.Decode(tt.call)
			var verr *toolcall.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want *ValidationError", err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", verr.Field, tt.wantField)
			}
		})
	}
}

func TestDefinitions(t *testing.T) {
	t.Parallel()

	defs := toolcall.Definitions()
	if len(defs) != 2 {
		t.Fatalf("len(Definitions) = %d, want 2", len(defs))
	}
	if defs[0].Name != "logData" || defs[1].Name != "setReminder" {
		t.Errorf("names = %q, %q", defs[0].Name, defs[1].Name)
	}

	required := func(d live.ToolDefinition) []string {
		return d.Parameters["required"].([]string)
	}
	if got := required(defs[0]); len(got) != 2 || got[0] != "type" || got[1] != "value" {
		t.Errorf("logData required = %v", got)
	}
	if got := required(defs[1]); len(got) != 3 || got[0] != "time" || got[1] != "label" || got[2] != "type" {
		t.Errorf("setReminder required = %v", got)
	}

	props := defs[1].Parameters["properties"].(map[string]any)
	for _, key := range []string{"time", "label", "type", "doctorName", "prescriptionDate"} {
		if _, ok := props[key]; !ok {
			t.Errorf("setReminder missing property %q", key)
		}
	}
}

func TestNotes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		got, want string
	}{
		{
			toolcall.LogNote(health.HealthLogDraft{Type: health.LogGlucose, Value: "145", Unit: "mg/dL"}),
			"[SYSTEM] Logged: 145 mg/dL (glucose).",
		},
		{
			toolcall.LogNote(health.HealthLogDraft{Type: health.LogMood, Value: "calm"}),
			"[SYSTEM] Logged: calm (mood).",
		},
		{
			toolcall.ReminderNote(toolcall.SetReminder{Draft: health.ReminderDraft{Time: "21:00"}}),
			"[SYSTEM] Reminder set for 21:00.",
		},
		{
			toolcall.ReminderNote(toolcall.SetReminder{Draft: health.ReminderDraft{Time: "08:30"}, DoctorName: "Rao"}),
			"[SYSTEM] Reminder set for 08:30. Prescribed by Dr. Rao.",
		},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("note = %q, want %q", tt.got, tt.want)
		}
	}
}
