// Package events provides the observer sinks used for alerts and operational
// events. Observers are fire-and-forget: they never return errors and never
// block the emitting stage.
package events

import (
	"context"
	"time"

	"github.com/aristath/vigil/internal/domain"
	"github.com/rs/zerolog"
)

// Event levels understood by observers.
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Event codes emitted across the agent.
const (
	CodeCostAlert        = "COST_ALERT"
	CodeCostCapExceeded  = "COST_CAP_EXCEEDED"
	CodeCostCASConflict  = "COST_CAS_CONFLICT"
	CodeEmergencyStop    = "EMERGENCY_STOP"
	CodeCycleCompleted   = "CYCLE_COMPLETED"
	CodeCycleFailed      = "CYCLE_FAILED"
	CodePersistRetry     = "PERSIST_RETRY"
	CodeDecisionMade     = "DECISION_MADE"
	CodePatternDetected  = "PATTERN_DETECTED"
	CodeMemoryFormed     = "MEMORY_FORMED"
	CodeMemoryCompacted  = "MEMORY_COMPACTED"
	CodeSemanticRepair   = "SEMANTIC_REPAIR"
	CodeBackupCompleted  = "BACKUP_COMPLETED"
	CodeBackupFailed     = "BACKUP_FAILED"
	CodeHealthSnapshot   = "HEALTH_SNAPSHOT"
	CodeSchedulerBackoff = "SCHEDULER_BACKOFF"
	CodeExecutionResult  = "EXECUTION_RESULT"
)

// LogObserver writes events to the structured log.
type LogObserver struct {
	log zerolog.Logger
}

// NewLogObserver creates a log-backed observer.
func NewLogObserver(log zerolog.Logger) *LogObserver {
	return &LogObserver{
		log: log.With().Str("module", "events").Logger(),
	}
}

// Event logs the event at the requested level.
func (o *LogObserver) Event(level, code string, fields map[string]any) {
	var ev *zerolog.Event
	switch level {
	case LevelDebug:
		ev = o.log.Debug()
	case LevelWarn:
		ev = o.log.Warn()
	case LevelError:
		ev = o.log.Error()
	default:
		ev = o.log.Info()
	}
	if fields != nil {
		ev = ev.Fields(fields)
	}
	ev.Str("code", code).Msg("Event emitted")
}

// AnalyticsObserver appends events to the analytics feed so dashboards can
// read them later. Failures are logged and swallowed.
type AnalyticsObserver struct {
	sink domain.Analytics
	log  zerolog.Logger
}

// NewAnalyticsObserver creates an analytics-backed observer.
func NewAnalyticsObserver(sink domain.Analytics, log zerolog.Logger) *AnalyticsObserver {
	return &AnalyticsObserver{
		sink: sink,
		log:  log.With().Str("module", "events").Logger(),
	}
}

// Event appends the event to the "events" analytics table.
func (o *AnalyticsObserver) Event(level, code string, fields map[string]any) {
	record := map[string]any{
		"level":     level,
		"code":      code,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range fields {
		record[k] = v
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.sink.Append(ctx, "events", record); err != nil {
		o.log.Warn().Err(err).Str("code", code).Msg("Failed to append event to analytics")
	}
}

// MultiObserver fans an event out to every registered observer.
type MultiObserver struct {
	observers []domain.Observer
}

// NewMultiObserver creates an observer that forwards to all given sinks.
func NewMultiObserver(observers ...domain.Observer) *MultiObserver {
	return &MultiObserver{observers: observers}
}

// Event forwards to every sink in registration order.
func (o *MultiObserver) Event(level, code string, fields map[string]any) {
	for _, obs := range o.observers {
		obs.Event(level, code, fields)
	}
}
