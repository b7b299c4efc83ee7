// Package logging provides the kernel's structured logger: a thin wrapper
// over logrus that knows how to pull trace id, unit id, and call depth out
// of a context.Context so every governance log line carries them.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
	UnitIDKey  ContextKey = "unit_id"
	DepthKey   ContextKey = "depth"
)

// Logger wraps logrus.Logger with the kernel's component tag.
type Logger struct {
	*logrus.Logger
	component string
}

func New(component, level, format string) *Logger {
	logger := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	}

	logger.SetOutput(os.Stdout)

	return &Logger{Logger: logger, component: component}
}

// NewFromEnv reads LOG_LEVEL / LOG_FORMAT, defaulting to info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns an entry pre-populated with the component tag plus
// whatever trace id / unit id / depth are present in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(UnitIDKey); v != nil {
		entry = entry.WithField("unit_id", v)
	}
	if v := ctx.Value(DepthKey); v != nil {
		entry = entry.WithField("depth", v)
	}
	return entry
}

func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

func (l *Logger) WithError(err error) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{"component": l.component, "error": err.Error()})
}

// Context helpers

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func GetTraceID(ctx context.Context) string {
	v, _ := ctx.Value(TraceIDKey).(string)
	return v
}

func WithUnitID(ctx context.Context, unitID string) context.Context {
	return context.WithValue(ctx, UnitIDKey, unitID)
}

func GetUnitID(ctx context.Context) string {
	v, _ := ctx.Value(UnitIDKey).(string)
	return v
}

func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, DepthKey, depth)
}

func GetDepth(ctx context.Context) int {
	v, _ := ctx.Value(DepthKey).(int)
	return v
}

// Governance-specific structured helpers, replacing the HTTP/DB/blockchain
// helpers a service-facing logger would carry.

func (l *Logger) LogInstall(ctx context.Context, unitID, version string, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{"unit_id": unitID, "version": version})
	if err != nil {
		entry.WithError(err).Error("unit install failed")
		return
	}
	entry.Info("unit installed")
}

func (l *Logger) LogUninstall(ctx context.Context, unitID string) {
	l.WithContext(ctx).WithField("unit_id", unitID).Info("unit uninstalled")
}

func (l *Logger) LogInvocation(ctx context.Context, fqsid string, duration time.Duration, err error) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"fqsid":       fqsid,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("invocation failed")
		return
	}
	entry.Debug("invocation succeeded")
}

func (l *Logger) LogPermissionDenied(ctx context.Context, caller, capability, required, source string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"caller":          caller,
		"capability":      capability,
		"required-access": required,
		"source-tag":      source,
	}).Warn("permission denied")
}

func (l *Logger) LogBreakerTrip(ctx context.Context, fqsid string, from, to string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"fqsid": fqsid,
		"from":  from,
		"to":    to,
	}).Warn("circuit breaker state change")
}

func (l *Logger) LogLeakWarning(ctx context.Context, unitID, version string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"unit_id": unitID,
		"version": version,
	}).Warn("namespace still reachable after leak-check grace delay")
}

func (l *Logger) LogAuditDrop(ctx context.Context, totalDropped int64) {
	l.WithContext(ctx).WithField("total_dropped", totalDropped).Warn("audit queue full, record dropped")
}

var defaultLogger *Logger

func InitDefault(component, level, format string) { defaultLogger = New(component, level, format) }

func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("lingcore", "info", "json")
	}
	return defaultLogger
}
