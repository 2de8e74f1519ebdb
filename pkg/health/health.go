// Package health defines the domain records shared across DiaLog packages.
//
// These types form the lingua franca between the voice pipeline, the tool-call
// dispatcher, the persistence layer, and the HTTP bridge. Drafts are validated
// candidates produced from model output; HealthLog and Reminder are the
// persisted records derived from them.
package health

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// LogType is the category of a health log entry.
type LogType string

const (
	LogGlucose  LogType = "GLUCOSE"
	LogMeal     LogType = "MEAL"
	LogInsulin  LogType = "INSULIN"
	LogExercise LogType = "EXERCISE"
	LogMood     LogType = "MOOD"
	LogMedicine LogType = "MEDICINE"
)

// LogTypes lists every valid [LogType] in declaration order.
var LogTypes = []LogType{LogGlucose, LogMeal, LogInsulin, LogExercise, LogMood, LogMedicine}

// IsValid reports whether t is a recognised log type.
func (t LogType) IsValid() bool {
	switch t {
	case LogGlucose, LogMeal, LogInsulin, LogExercise, LogMood, LogMedicine:
		return true
	}
	return false
}

// ParseLogType converts s to a [LogType], ignoring case and surrounding space.
func ParseLogType(s string) (LogType, error) {
	t := LogType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("health: unknown log type %q", s)
	}
	return t, nil
}

// ReminderType is the category of a reminder.
type ReminderType string

const (
	ReminderInsulin  ReminderType = "INSULIN"
	ReminderMedicine ReminderType = "MEDICINE"
)

// IsValid reports whether t is a recognised reminder type.
func (t ReminderType) IsValid() bool {
	return t == ReminderInsulin || t == ReminderMedicine
}

// ParseReminderType converts s to a [ReminderType], ignoring case and
// surrounding space.
func ParseReminderType(s string) (ReminderType, error) {
	t := ReminderType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.IsValid() {
		return "", fmt.Errorf("health: unknown reminder type %q", s)
	}
	return t, nil
}

// clockPattern matches a 24-hour "HH:mm" time of day.
var clockPattern = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)

// ValidClock reports whether s is a 24-hour "HH:mm" time such as "09:00" or
// "21:30". Values like "9pm", "9:00" or "25:99" are rejected.
func ValidClock(s string) bool {
	return clockPattern.MatchString(s)
}

// ProcessingPurpose records why a health log may be processed.
type ProcessingPurpose string

const (
	PurposeHealthMonitoring  ProcessingPurpose = "HEALTH_MONITORING"
	PurposeAIInsights        ProcessingPurpose = "AI_INSIGHTS"
	PurposeAdherenceTracking ProcessingPurpose = "ADHERENCE_TRACKING"
)

// Source identifies where a health log was captured.
type Source string

const (
	SourceManual Source = "MANUAL_ENTRY"
	SourceVoice  Source = "VOICE_LOGGER"
)

// DefaultConsentVersion is stamped on logs when the patient profile carries
// no explicit consent version.
const DefaultConsentVersion = "v1.0-DPDP"

// HealthLogDraft is a validated, not yet persisted health log.
type HealthLogDraft struct {
	Type  LogType
	Value string
	Unit  string
	Notes string
}

// ReminderDraft is a validated, not yet persisted reminder.
type ReminderDraft struct {
	// Time is the 24-hour "HH:mm" time of day.
	Time   string
	Label  string
	Type   ReminderType
	Repeat bool
}

// Metadata describes provenance and consent for a persisted log.
type Metadata struct {
	Source         Source              `json:"source"`
	ConsentVersion string              `json:"consentVersion"`
	Purpose        []ProcessingPurpose `json:"purpose"`
}

// HealthLog is a persisted health record.
type HealthLog struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      LogType   `json:"type"`
	Value     string    `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Notes     string    `json:"notes,omitempty"`
	Metadata  Metadata  `json:"metadata"`
}

// Reminder is a persisted insulin or medicine reminder.
type Reminder struct {
	ID        string       `json:"id"`
	Time      string       `json:"time"`
	Label     string       `json:"label"`
	Type      ReminderType `json:"type"`
	Completed bool         `json:"completed"`
	Repeat    bool         `json:"repeat"`
}

// Consents holds the data-processing consents granted by the patient.
type Consents struct {
	HealthLogging bool   `json:"healthLogging" yaml:"health_logging"`
	AIAnalysis    bool   `json:"aiAnalysis" yaml:"ai_analysis"`
	DoctorSharing bool   `json:"doctorSharing" yaml:"doctor_sharing"`
	Version       string `json:"version" yaml:"version"`
}

// Profile is the patient the voice session acts for. It replaces any ambient
// "current user" lookup: callers pass it explicitly.
type Profile struct {
	Name     string   `json:"name" yaml:"name"`
	Language string   `json:"language" yaml:"language"`
	Consents Consents `json:"consents" yaml:"consents"`
}

// Purposes derives the processing purposes for a log of type t owned by p.
func (p Profile) Purposes(t LogType) []ProcessingPurpose {
	purposes := []ProcessingPurpose{PurposeHealthMonitoring}
	if t == LogMedicine || t == LogInsulin {
		purposes = append(purposes, PurposeAdherenceTracking)
	}
	if p.Consents.AIAnalysis {
		purposes = append(purposes, PurposeAIInsights)
	}
	return purposes
}

// ConsentVersion returns the consent version to stamp on new logs.
func (p Profile) ConsentVersion() string {
	if p.Consents.Version != "" {
		return p.Consents.Version
	}
	return DefaultConsentVersion
}
