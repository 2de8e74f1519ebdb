package toolcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/dialoghealth/dialog/internal/observe"
	"github.com/dialoghealth/dialog/pkg/health"
	"github.com/dialoghealth/dialog/pkg/provider/live"
)

// defaultTimeout bounds one dispatch, persistence and response included.
const defaultTimeout = 10 * time.Second

// Dispatch outcome labels recorded on the tool call counter.
const (
	statusOK        = "ok"
	statusInvalid   = "invalid"
	statusFailed    = "failed"
	statusDuplicate = "duplicate"
)

// Results sent back to the model.
const (
	resultLogged   = "Success."
	resultReminder = "Reminder active."
	resultIgnored  = "ignored"
)

// Recorder persists the records produced by tool calls.
type Recorder interface {
	CreateLog(ctx context.Context, draft health.HealthLogDraft, source health.Source) (health.HealthLog, error)
	CreateReminder(ctx context.Context, draft health.ReminderDraft) (health.Reminder, error)
}

// Responder delivers tool responses to the live session.
type Responder interface {
	SendToolResponse(ctx context.Context, resp live.ToolResponse) error
}

// Option is a functional option for configuring a [Dispatcher].
type Option func(*Dispatcher)

// WithSystemNote registers the callback that receives "[SYSTEM] ..."
// transcript lines after a successful dispatch.
func WithSystemNote(fn func(text string)) Option {
	return func(d *Dispatcher) { d.onNote = fn }
}

// WithLogCreated registers a callback invoked with every persisted log.
func WithLogCreated(fn func(health.HealthLog)) Option {
	return func(d *Dispatcher) { d.onLog = fn }
}

// WithReminderRefresh registers the callback that tells the owner to reload
// its reminder list.
func WithReminderRefresh(fn func()) Option {
	return func(d *Dispatcher) { d.onReminders = fn }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// WithTimeout bounds each dispatch. The default is 10 seconds.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = timeout }
}

// Dispatcher executes tool calls for one live session.
//
// Handle returns immediately; the work runs on a goroutine tracked by the
// dispatcher so that responses may be sent after later inbound messages have
// already been processed. Each call ID is handled at most once.
//
// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	recorder  Recorder
	responder Responder

	onNote      func(string)
	onLog       func(health.HealthLog)
	onReminders func()
	metrics     *observe.Metrics
	log         *slog.Logger
	timeout     time.Duration

	mu   sync.Mutex
	seen map[string]struct{}
	wg   sync.WaitGroup
}

// NewDispatcher creates a Dispatcher that stores records through rec and
// answers calls through resp.
func NewDispatcher(rec Recorder, resp Responder, opts ...Option) (*Dispatcher, error) {
	if rec == nil {
		return nil, errors.New("toolcall: recorder must not be nil")
	}
	if resp == nil {
		return nil, errors.New("toolcall: responder must not be nil")
	}
	d := &Dispatcher{
		recorder:  rec,
		responder: resp,
		timeout:   defaultTimeout,
		seen:      make(map[string]struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	return d, nil
}

// Handle starts dispatching call. Repeated IDs are dropped without a second
// response. Calls without an ID cannot be deduplicated and are always
// dispatched.
//
// The dispatch outlives cancellation of ctx so that a record the model
// already announced is not lost when the session is torn down mid-call.
func (d *Dispatcher) Handle(ctx context.Context, call live.FunctionCall) {
	if call.ID != "" {
		d.mu.Lock()
		_, dup := d.seen[call.ID]
		d.seen[call.ID] = struct{}{}
		d.mu.Unlock()
		if dup {
			d.metrics.RecordToolCall(ctx, call.Name, statusDuplicate)
			d.log.Debug("toolcall: duplicate call ignored", "id", call.ID, "tool", call.Name)
			return
		}
	}

	d.wg.Go(func() {
		d.dispatch(context.WithoutCancel(ctx), call)
	})
}

// Wait blocks until every dispatch started so far has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, call live.FunctionCall) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	ctx, span := observe.StartSpan(ctx, "toolcall.dispatch",
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	)
	defer span.End()

	start := time.Now()
	result, status, err := d.execute(ctx, call)
	d.metrics.ToolExecutionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("tool", call.Name)))
	d.metrics.RecordToolCall(ctx, call.Name, status)

	if err != nil {
		observe.Fail(span, err, status)
		observe.Logger(ctx).Warn("toolcall: call not applied",
			"id", call.ID, "tool", call.Name, "status", status, "err", err)
	}

	resp := live.ToolResponse{ID: call.ID, Name: call.Name, Response: result}
	if err := d.responder.SendToolResponse(ctx, resp); err != nil {
		observe.Logger(ctx).Warn("toolcall: send response failed",
			"id", call.ID, "tool", call.Name, "err", err)
	}
}

// execute applies call and returns the response payload, the metric status,
// and the error that caused a non-ok status.
func (d *Dispatcher) execute(ctx context.Context, call live.FunctionCall) (map[string]any, string, error) {
	inv, err := Decode(call)
	if err != nil {
		var verr *ValidationError
		detail := err.Error()
		if errors.As(err, &verr) {
			detail = verr.Detail()
		}
		return ignored(detail), statusInvalid, err
	}

	switch inv := inv.(type) {
	case LogData:
		rec, err := d.recorder.CreateLog(ctx, inv.Draft, health.SourceVoice)
		if err != nil {
			return ignored("could not save the log"), statusFailed, fmt.Errorf("toolcall: create log: %w", err)
		}
		if d.onLog != nil {
			d.onLog(rec)
		}
		d.note(LogNote(inv.Draft))
		return map[string]any{"result": resultLogged}, statusOK, nil

	case SetReminder:
		if _, err := d.recorder.CreateReminder(ctx, inv.Draft); err != nil {
			return ignored("could not save the reminder"), statusFailed, fmt.Errorf("toolcall: create reminder: %w", err)
		}
		if d.onReminders != nil {
			d.onReminders()
		}
		d.note(ReminderNote(inv))
		return map[string]any{"result": resultReminder}, statusOK, nil
	}

	// Unreachable while Decode only returns the two invocation kinds.
	return ignored("unsupported tool"), statusInvalid, fmt.Errorf("toolcall: unsupported invocation %T", inv)
}

func (d *Dispatcher) note(text string) {
	if d.onNote != nil {
		d.onNote(text)
	}
}

func ignored(reason string) map[string]any {
	return map[string]any{"result": resultIgnored, "error": reason}
}

// LogNote renders the transcript line for a stored log, for example
// "[SYSTEM] Logged: 145 mg/dL (glucose)." The unit is omitted when empty.
func LogNote(d health.HealthLogDraft) string {
	parts := []string{d.Value}
	if d.Unit != "" {
		parts = append(parts, d.Unit)
	}
	return fmt.Sprintf("[SYSTEM] Logged: %s (%s).", strings.Join(parts, " "), strings.ToLower(string(d.Type)))
}

// ReminderNote renders the transcript line for a stored reminder, for example
// "[SYSTEM] Reminder set for 21:00. Prescribed by Dr. Rao."
func ReminderNote(r SetReminder) string {
	note := fmt.Sprintf("[SYSTEM] Reminder set for %s.", r.Draft.Time)
	if r.DoctorName != "" {
		note += fmt.Sprintf(" Prescribed by Dr. %s.", r.DoctorName)
	}
	return note
}
