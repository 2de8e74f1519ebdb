package toolcall

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dialoghealth/dialog/pkg/health"
	"github.com/dialoghealth/dialog/pkg/provider/live"
)

// ValidationError reports a tool call whose arguments cannot be turned into a
// record. Field is empty when the call as a whole is rejected (for example an
// unknown tool name).
type ValidationError struct {
	Tool   string
	Field  string
	Reason string
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("toolcall: %s: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("toolcall: %s: %s: %s", e.Tool, e.Field, e.Reason)
}

// Detail is the short explanation sent back to the model.
func (e *ValidationError) Detail() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + " " + e.Reason
}

// Invocation is a decoded tool call: either [LogData] or [SetReminder].
type Invocation interface {
	tool() string
}

// LogData asks for a health log to be stored.
type LogData struct {
	Draft health.HealthLogDraft
}

func (LogData) tool() string { return ToolLogData }

// SetReminder asks for a reminder to be stored. DoctorName and
// PrescriptionDate are informational and only appear in the system note.
type SetReminder struct {
	Draft            health.ReminderDraft
	DoctorName       string
	PrescriptionDate string
}

func (SetReminder) tool() string { return ToolSetReminder }

// Decode validates call and converts it into an [Invocation]. Every failure is
// a [*ValidationError].
func Decode(call live.FunctionCall) (Invocation, error) {
	switch call.Name {
	case ToolLogData:
		return decodeLogData(call.Args)
	case ToolSetReminder:
		return decodeSetReminder(call.Args)
	default:
		return nil, &ValidationError{Tool: call.Name, Reason: "unknown tool"}
	}
}

func decodeLogData(args map[string]any) (Invocation, error) {
	invalid := func(field, reason string) error {
		return &ValidationError{Tool: ToolLogData, Field: field, Reason: reason}
	}

	rawType, err := argString(args, "type")
	if err != nil {
		return nil, invalid("type", err.Error())
	}
	if rawType == "" {
		return nil, invalid("type", "is required")
	}
	lt, err := health.ParseLogType(rawType)
	if err != nil {
		return nil, invalid("type", fmt.Sprintf("%q is not a known category", rawType))
	}

	value, err := argString(args, "value")
	if err != nil {
		return nil, invalid("value", err.Error())
	}
	if value == "" {
		return nil, invalid("value", "is required")
	}

	unit, err := argString(args, "unit")
	if err != nil {
		return nil, invalid("unit", err.Error())
	}
	notes, err := argString(args, "notes")
	if err != nil {
		return nil, invalid("notes", err.Error())
	}

	return LogData{Draft: health.HealthLogDraft{
		Type:  lt,
		Value: value,
		Unit:  unit,
		Notes: notes,
	}}, nil
}

func decodeSetReminder(args map[string]any) (Invocation, error) {
	invalid := func(field, reason string) error {
		return &ValidationError{Tool: ToolSetReminder, Field: field, Reason: reason}
	}

	clock, err := argString(args, "time")
	if err != nil {
		return nil, invalid("time", err.Error())
	}
	if !health.ValidClock(clock) {
		return nil, invalid("time", fmt.Sprintf("%q is not a 24-hour HH:mm time", clock))
	}

	label, err := argString(args, "label")
	if err != nil {
		return nil, invalid("label", err.Error())
	}
	if label == "" {
		return nil, invalid("label", "is required")
	}

	rawType, err := argString(args, "type")
	if err != nil {
		return nil, invalid("type", err.Error())
	}
	rt, err := health.ParseReminderType(rawType)
	if err != nil {
		return nil, invalid("type", fmt.Sprintf("%q is not INSULIN or MEDICINE", rawType))
	}

	doctor, err := argString(args, "doctorName")
	if err != nil {
		return nil, invalid("doctorName", err.Error())
	}
	date, err := argString(args, "prescriptionDate")
	if err != nil {
		return nil, invalid("prescriptionDate", err.Error())
	}

	return SetReminder{
		Draft: health.ReminderDraft{
			Time:  clock,
			Label: label,
			Type:  rt,
		},
		DoctorName:       doctor,
		PrescriptionDate: date,
	}, nil
}

// argString reads args[key] as trimmed text. Missing and null arguments yield
// "". Numbers are formatted without trailing zeros so that 145 and 145.0 both
// become "145".
func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return "", nil
	}
	switch x := v.(type) {
	case string:
		return strings.TrimSpace(x), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return strconv.FormatFloat(f, 'f', -1, 64), nil
		}
		return x.String(), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("has unsupported type %T", v)
	}
}
