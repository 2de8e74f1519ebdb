// Package records stores health logs and reminders on top of a [store.KV].
//
// Logs are kept newest first; reminders are kept sorted by time of day. Every
// new log is stamped with provenance and consent metadata derived from the
// patient profile.
package records

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dialoghealth/dialog/internal/store"
	"github.com/dialoghealth/dialog/pkg/health"
)

// Collection names in the key-value store.
const (
	LogsCollection      = "dialog_health_logs"
	RemindersCollection = "dialog_reminders"
)

// ErrNotFound is returned when a record ID does not exist.
var ErrNotFound = errors.New("records: not found")

// Option is a functional option for configuring a [Repository].
type Option func(*Repository)

// WithClock replaces time.Now for log timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) { r.now = now }
}

// WithIDGenerator replaces the UUID generator.
func WithIDGenerator(fn func() string) Option {
	return func(r *Repository) { r.newID = fn }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(r *Repository) { r.log = l }
}

// Repository reads and writes health records for one patient.
// It is safe for concurrent use within one process.
type Repository struct {
	kv      store.KV
	profile health.Profile
	now     func() time.Time
	newID   func() string
	log     *slog.Logger

	// mu serializes read-modify-write cycles on a collection.
	mu sync.Mutex
}

// New creates a Repository on kv for profile.
func New(kv store.KV, profile health.Profile, opts ...Option) *Repository {
	r := &Repository{
		kv:      kv,
		profile: profile,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(r)
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	return r
}

// CreateLog stores a new log built from draft and returns it.
func (r *Repository) CreateLog(ctx context.Context, draft health.HealthLogDraft, source health.Source) (health.HealthLog, error) {
	if !draft.Type.IsValid() {
		return health.HealthLog{}, fmt.Errorf("records: create log: invalid type %q", draft.Type)
	}
	if strings.TrimSpace(draft.Value) == "" {
		return health.HealthLog{}, errors.New("records: create log: value must not be empty")
	}
	if source == "" {
		source = health.SourceManual
	}

	rec := health.HealthLog{
		ID:        r.newID(),
		Timestamp: r.now(),
		Type:      draft.Type,
		Value:     draft.Value,
		Unit:      draft.Unit,
		Notes:     draft.Notes,
		Metadata: health.Metadata{
			Source:         source,
			ConsentVersion: r.profile.ConsentVersion(),
			Purpose:        r.profile.Purposes(draft.Type),
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	logs, err := load[health.HealthLog](ctx, r, LogsCollection)
	if err != nil {
		return health.HealthLog{}, fmt.Errorf("records: create log: %w", err)
	}
	logs = append([]health.HealthLog{rec}, logs...)
	if err := r.save(ctx, LogsCollection, logs); err != nil {
		return health.HealthLog{}, fmt.Errorf("records: create log: %w", err)
	}
	r.log.Info("records: log stored", "id", rec.ID, "type", rec.Type, "source", rec.Metadata.Source)
	return rec, nil
}

// ListLogs returns every log, newest first.
func (r *Repository) ListLogs(ctx context.Context) ([]health.HealthLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logs, err := load[health.HealthLog](ctx, r, LogsCollection)
	if err != nil {
		return nil, fmt.Errorf("records: list logs: %w", err)
	}
	return logs, nil
}

// CreateReminder stores a new, not yet completed reminder built from draft.
func (r *Repository) CreateReminder(ctx context.Context, draft health.ReminderDraft) (health.Reminder, error) {
	if !health.ValidClock(draft.Time) {
		return health.Reminder{}, fmt.Errorf("records: create reminder: invalid time %q", draft.Time)
	}
	if strings.TrimSpace(draft.Label) == "" {
		return health.Reminder{}, errors.New("records: create reminder: label must not be empty")
	}
	if !draft.Type.IsValid() {
		return health.Reminder{}, fmt.Errorf("records: create reminder: invalid type %q", draft.Type)
	}

	rem := health.Reminder{
		ID:     r.newID(),
		Time:   draft.Time,
		Label:  draft.Label,
		Type:   draft.Type,
		Repeat: draft.Repeat,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reminders, err := load[health.Reminder](ctx, r, RemindersCollection)
	if err != nil {
		return health.Reminder{}, fmt.Errorf("records: create reminder: %w", err)
	}
	reminders = append(reminders, rem)
	sortReminders(reminders)
	if err := r.save(ctx, RemindersCollection, reminders); err != nil {
		return health.Reminder{}, fmt.Errorf("records: create reminder: %w", err)
	}
	r.log.Info("records: reminder stored", "id", rem.ID, "time", rem.Time, "type", rem.Type)
	return rem, nil
}

// ListReminders returns every reminder sorted by time of day.
func (r *Repository) ListReminders(ctx context.Context) ([]health.Reminder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reminders, err := load[health.Reminder](ctx, r, RemindersCollection)
	if err != nil {
		return nil, fmt.Errorf("records: list reminders: %w", err)
	}
	sortReminders(reminders)
	return reminders, nil
}

// ToggleReminder flips the completed flag of reminder id and returns the
// updated reminder.
func (r *Repository) ToggleReminder(ctx context.Context, id string) (health.Reminder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reminders, err := load[health.Reminder](ctx, r, RemindersCollection)
	if err != nil {
		return health.Reminder{}, fmt.Errorf("records: toggle reminder: %w", err)
	}
	i := slices.IndexFunc(reminders, func(rem health.Reminder) bool { return rem.ID == id })
	if i < 0 {
		return health.Reminder{}, fmt.Errorf("records: toggle reminder %q: %w", id, ErrNotFound)
	}
	reminders[i].Completed = !reminders[i].Completed
	if err := r.save(ctx, RemindersCollection, reminders); err != nil {
		return health.Reminder{}, fmt.Errorf("records: toggle reminder: %w", err)
	}
	return reminders[i], nil
}

// DeleteReminder removes reminder id. Deleting a reminder that does not
// exist is not an error.
func (r *Repository) DeleteReminder(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reminders, err := load[health.Reminder](ctx, r, RemindersCollection)
	if err != nil {
		return fmt.Errorf("records: delete reminder: %w", err)
	}
	kept := slices.DeleteFunc(reminders, func(rem health.Reminder) bool { return rem.ID == id })
	if err := r.save(ctx, RemindersCollection, kept); err != nil {
		return fmt.Errorf("records: delete reminder: %w", err)
	}
	return nil
}

// load decodes a collection. A missing collection is empty. A corrupt
// document is logged and treated as empty as a whole, never partially.
func load[T any](ctx context.Context, r *Repository, collection string) ([]T, error) {
	data, err := r.kv.Get(ctx, collection)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		r.log.Warn("records: discarding unreadable collection", "collection", collection, "err", err)
		return nil, nil
	}
	return items, nil
}

func (r *Repository) save(ctx context.Context, collection string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", collection, err)
	}
	return r.kv.Set(ctx, collection, data)
}

func sortReminders(reminders []health.Reminder) {
	slices.SortStableFunc(reminders, func(a, b health.Reminder) int {
		return cmp.Compare(a.Time, b.Time)
	})
}
