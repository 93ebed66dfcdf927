package gologger

import (
	"strings"

	job "github.com/goliatone/go-job"
	glog "github.com/goliatone/go-logger/glog"
)

// RootLoggerName prefixes every component logger.
const RootLoggerName = "entities"

const (
	ComponentPersistence = "persistence"
	ComponentChangeLog   = "changelog"
	ComponentOutbox      = "outbox"
	ComponentSync        = "sync"
	ComponentJobs        = "jobs"
)

// LoggerName returns the dotted logger name for component, or the root
// name when component is blank.
func LoggerName(component string) string {
	component = strings.Trim(strings.TrimSpace(component), ".")
	if component == "" {
		return RootLoggerName
	}
	return RootLoggerName + "." + component
}

// Resolve picks provider, then logger, then a nop logger.
func Resolve(component string, provider glog.LoggerProvider, logger glog.Logger) (glog.LoggerProvider, glog.Logger) {
	return glog.Resolve(LoggerName(component), provider, logger)
}

// ComponentLogger resolves the logger for component and, when the logger
// supports it, binds the component as a structured field.
func ComponentLogger(component string, provider glog.LoggerProvider, logger glog.Logger) glog.Logger {
	_, resolved := Resolve(component, provider, logger)
	return WithFields(resolved, map[string]any{"component": LoggerName(component)})
}

// WithFields binds fields on loggers implementing glog.FieldsLogger and
// returns other loggers unchanged.
func WithFields(logger glog.Logger, fields map[string]any) glog.Logger {
	if logger == nil {
		return glog.Nop()
	}
	if len(fields) == 0 {
		return logger
	}
	if fieldsLogger, ok := logger.(glog.FieldsLogger); ok {
		return fieldsLogger.WithFields(fields)
	}
	return logger
}

func ToJobProvider(provider glog.LoggerProvider) job.LoggerProvider {
	if provider == nil {
		return nil
	}
	return job.GoLoggerProvider(provider)
}

func ToJobLogger(logger glog.Logger) job.Logger {
	if logger == nil {
		return nil
	}
	return job.GoLogger(logger)
}

// ResolveForJob resolves the jobs component logger and bridges it to the
// go-job logger contracts used by queue workers.
func ResolveForJob(
	provider glog.LoggerProvider,
	logger glog.Logger,
) (glog.LoggerProvider, glog.Logger, job.LoggerProvider, job.Logger) {
	resolvedProvider, resolvedLogger := Resolve(ComponentJobs, provider, logger)
	return resolvedProvider, resolvedLogger, ToJobProvider(resolvedProvider), ToJobLogger(resolvedLogger)
}
