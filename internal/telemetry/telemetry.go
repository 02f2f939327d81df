// Package telemetry reports unexpected errors to Sentry. Reporting is opt-in;
// a disabled Reporter drops everything.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/aedbatch/internal/conf"
	"github.com/tphakala/aedbatch/internal/errors"
	"github.com/tphakala/aedbatch/internal/logger"
)

// DefaultFlushTimeout bounds Flush at shutdown.
const DefaultFlushTimeout = 2 * time.Second

// expectedCategories are outcomes of normal operation and never reported.
var expectedCategories = map[string]bool{
	string(errors.CategoryValidation):   true,
	string(errors.CategoryConflict):     true,
	string(errors.CategoryAdmission):    true,
	string(errors.CategoryCancellation): true,
}

// Reporter sends error events through its own Sentry hub.
type Reporter struct {
	hub *sentry.Hub
	log logger.Logger
}

// Option configures the Sentry client of a Reporter.
type Option func(*sentry.ClientOptions)

// WithTransport replaces the HTTP transport, for tests.
func WithTransport(t sentry.Transport) Option {
	return func(o *sentry.ClientOptions) { o.Transport = t }
}

// New returns a Reporter. When telemetry is disabled the Reporter is inert
// and no client is created.
func New(settings *conf.TelemetrySettings, environment, release string, log logger.Logger, opts ...Option) (*Reporter, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	r := &Reporter{log: log.Module("telemetry")}
	if !settings.Enabled {
		r.log.Debug("error telemetry is disabled (opt-in required)")
		return r, nil
	}

	options := sentry.ClientOptions{
		Dsn:              settings.DSN,
		SampleRate:       settings.SampleRate,
		Debug:            settings.Debug,
		AttachStacktrace: true,
		Environment:      environment,
		Release:          release,
		ServerName:       "",
		BeforeSend:       scrubEvent,
	}
	for _, opt := range opts {
		opt(&options)
	}

	client, err := sentry.NewClient(options)
	if err != nil {
		return nil, errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}
	r.hub = sentry.NewHub(client, sentry.NewScope())
	r.log.Info("error telemetry enabled",
		logger.String("environment", environment),
		logger.String("release", release))
	return r, nil
}

// Enabled reports whether events are sent.
func (r *Reporter) Enabled() bool {
	return r != nil && r.hub != nil
}

// Reportable reports whether err is worth an event. Errors in the expected
// categories are part of normal operation.
func Reportable(err error) bool {
	if err == nil {
		return false
	}
	var ee *errors.EnhancedError
	if errors.As(err, &ee) {
		return !expectedCategories[ee.GetCategory()]
	}
	return true
}

// CaptureError reports err with its component, category, context and the
// trace id carried by ctx.
func (r *Reporter) CaptureError(ctx context.Context, err error) {
	if !r.Enabled() || !Reportable(err) {
		return
	}

	r.hub.WithScope(func(scope *sentry.Scope) {
		if traceID := logger.TraceID(ctx); traceID != "" {
			scope.SetTag("trace_id", traceID)
		}
		var ee *errors.EnhancedError
		if errors.As(err, &ee) {
			scope.SetTag("component", ee.GetComponent())
			scope.SetTag("category", ee.GetCategory())
			scope.SetContext("error", sentry.Context(ee.GetContext()))
			scope.SetFingerprint([]string{ee.GetComponent(), ee.GetCategory()})
		}
		r.hub.CaptureException(err)
	})

	r.log.Debug("error event sent", logger.Error(err))
}

// CaptureMessage reports a message at the given level.
func (r *Reporter) CaptureMessage(ctx context.Context, message string, level sentry.Level, component string) {
	if !r.Enabled() {
		return
	}
	r.hub.WithScope(func(scope *sentry.Scope) {
		if traceID := logger.TraceID(ctx); traceID != "" {
			scope.SetTag("trace_id", traceID)
		}
		scope.SetTag("component", component)
		scope.SetLevel(level)
		r.hub.CaptureMessage(message)
	})
}

// Recover reports a panic in progress and re-panics. Use it deferred at the
// top of goroutines that must not die silently.
func (r *Reporter) Recover(ctx context.Context) {
	v := recover()
	if v == nil {
		return
	}
	if r.Enabled() {
		r.hub.RecoverWithContext(ctx, v)
		r.hub.Flush(DefaultFlushTimeout)
	}
	panic(v)
}

// Flush waits for buffered events to be sent.
func (r *Reporter) Flush(timeout time.Duration) bool {
	if !r.Enabled() {
		return true
	}
	return r.hub.Flush(timeout)
}

// scrubEvent removes host identity and redacts credentials from messages.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	event.User = sentry.User{}
	event.ServerName = ""
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	if event.Contexts != nil {
		delete(event.Contexts, "device")
	}

	event.Message = logger.RedactSensitiveData(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = logger.RedactSensitiveData(event.Exception[i].Value)
	}
	if ctx, ok := event.Contexts["error"]; ok {
		for k, v := range ctx {
			if s, isString := v.(string); isString {
				ctx[k] = logger.RedactSensitiveData(s)
			}
		}
	}
	return event
}
