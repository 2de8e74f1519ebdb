// Package toolcall turns function calls emitted by the live model into
// validated health records.
//
// The model is offered two functions, logData and setReminder (see
// [Definitions]). Incoming calls are decoded into a tagged union of
// [Invocation] values by [Decode], which rejects malformed arguments with a
// [*ValidationError]. A [Dispatcher] persists valid invocations through a
// [Recorder], posts a system note to the transcript, and answers every
// distinct call ID exactly once through a [Responder].
package toolcall

import "github.com/dialoghealth/dialog/pkg/provider/live"

// Tool names as declared to the model.
const (
	ToolLogData     = "logData"
	ToolSetReminder = "setReminder"
)

// Definitions returns the function declarations offered to the live model.
// Parameter types use the Gemini schema type names.
func Definitions() []live.ToolDefinition {
	return []live.ToolDefinition{
		{
			Name:        ToolLogData,
			Description: "MANDATORY: Log health data mentioned by the user immediately.",
			Parameters: map[string]any{
				"type": "OBJECT",
				"properties": map[string]any{
					"type": map[string]any{
						"type":        "STRING",
						"enum":        []string{"GLUCOSE", "MEAL", "INSULIN", "EXERCISE", "MOOD", "MEDICINE"},
						"description": "The category of health data.",
					},
					"value": map[string]any{
						"type":        "STRING",
						"description": "The specific numeric value or meal description.",
					},
					"unit": map[string]any{
						"type":        "STRING",
						"description": "The unit (mg/dL, grams, units, minutes).",
					},
					"notes": map[string]any{
						"type":        "STRING",
						"description": "Additional context.",
					},
				},
				"required": []string{"type", "value"},
			},
		},
		{
			Name:        ToolSetReminder,
			Description: "Set a future reminder for insulin or medicine.",
			Parameters: map[string]any{
				"type": "OBJECT",
				"properties": map[string]any{
					"time": map[string]any{
						"type":        "STRING",
						"description": "Time in HH:mm (24h format).",
					},
					"label": map[string]any{
						"type":        "STRING",
						"description": "Reminder message.",
					},
					"type": map[string]any{
						"type":        "STRING",
						"enum":        []string{"INSULIN", "MEDICINE"},
						"description": "Category.",
					},
					"doctorName": map[string]any{
						"type":        "STRING",
						"description": "Doctor who prescribed it.",
					},
					"prescriptionDate": map[string]any{
						"type":        "STRING",
						"description": "Date of the prescription.",
					},
				},
				"required": []string{"time", "label", "type"},
			},
		},
	}
}
